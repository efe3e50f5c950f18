package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Sweeper periodically locks sessions whose timer ran out, so idle sessions
// lock even when no inbound message triggers the check.
type Sweeper struct {
	engine    *Engine
	interval  time.Duration
	log       zerolog.Logger
	done      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewSweeper creates a sweeper for engine.
func NewSweeper(engine *Engine, interval time.Duration, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		engine:   engine,
		interval: interval,
		log:      log.With().Str("component", "lock-sweeper").Logger(),
		done:     make(chan struct{}),
	}
}

// Start begins the sweep loop in background.
// Safe to call multiple times - only the first call starts the sweeper.
func (s *Sweeper) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.run(ctx)
		s.log.Info().Dur("interval", s.interval).Msg("lock sweeper started")
	})
}

// Stop shuts down the sweeper and waits for the loop to exit.
// Safe to call multiple times.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		s.log.Info().Msg("lock sweeper stopped")
	})
}

func (s *Sweeper) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			if n := s.engine.SweepExpiredLocks(ctx); n > 0 {
				s.log.Debug().Int("locked", n).Msg("sweep cycle")
			}
		}
	}
}
