package execution

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"codespace/internal/metrics"
)

// Job is one unit of background work.
type Job func(ctx context.Context)

// Pool runs jobs on a fixed number of workers fed by a bounded queue.
// Submit never blocks: a full queue is reported to the caller.
type Pool struct {
	workers int
	jobs    chan Job
	log     zerolog.Logger

	mu      sync.RWMutex
	closed  bool
	group   *errgroup.Group
	cancel  context.CancelFunc
	started bool
}

// NewPool creates a pool with the given number of workers and queue slots.
func NewPool(workers, queueSize int, log zerolog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	return &Pool{
		workers: workers,
		jobs:    make(chan Job, queueSize),
		log:     log.With().Str("component", "execution-pool").Logger(),
	}
}

// Start launches the workers. Jobs receive a context derived from ctx that
// is cancelled when Stop gives up waiting.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true

	workCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.group, workCtx = errgroup.WithContext(workCtx)

	for i := 0; i < p.workers; i++ {
		id := i
		p.group.Go(func() error {
			p.worker(workCtx, id)
			return nil
		})
	}
	p.log.Info().Int("workers", p.workers).Int("queue_size", cap(p.jobs)).Msg("execution pool started")
}

func (p *Pool) worker(ctx context.Context, id int) {
	for job := range p.jobs {
		metrics.ExecutionQueueDepth.Set(float64(len(p.jobs)))
		p.runJob(ctx, id, job)
	}
}

func (p *Pool) runJob(ctx context.Context, id int, job Job) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Interface("panic", r).Int("worker", id).Msg("execution job panicked")
		}
	}()
	job(ctx)
}

// Submit queues job. It returns ErrQueueFull when every slot is taken and
// ErrPoolStopped after Stop.
func (p *Pool) Submit(job func(ctx context.Context)) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolStopped
	}

	select {
	case p.jobs <- job:
		metrics.ExecutionQueueDepth.Set(float64(len(p.jobs)))
		return nil
	default:
		p.log.Warn().Int("queue_size", cap(p.jobs)).Msg("execution queue full")
		return ErrQueueFull
	}
}

// Stop stops accepting jobs and waits for queued ones to finish. If ctx ends
// first, running jobs are cancelled and Stop waits for the workers to exit.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.jobs)
	started := p.started
	p.mu.Unlock()

	if !started {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- p.group.Wait() }()

	select {
	case err := <-done:
		p.cancel()
		p.log.Info().Msg("execution pool stopped")
		return err
	case <-ctx.Done():
		p.cancel()
		err := <-done
		p.log.Warn().Msg("execution pool stopped before queue drained")
		if err != nil {
			return err
		}
		return ctx.Err()
	}
}
