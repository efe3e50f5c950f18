package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"codespace/internal/metrics"
	"codespace/internal/websocket"
	"codespace/pkg/interfaces"
)

// deadQueueSize bounds the backlog of connections waiting to be reaped.
const deadQueueSize = 256

// Hub fans session events out to registered connections
// ARCHITECTURAL DISCOVERY: The engine decides who receives what while holding
// a session lock, so every delivery here must be non-blocking. Slow or broken
// peers are handed to the run loop instead of being closed inline
type Hub struct {
	registry   *websocket.Registry
	closeGrace time.Duration

	// FUNCTIONAL DISCOVERY: Buffered so a burst of failing sends never stalls
	// a broadcast; overflow is dropped because the read loop reaps it anyway
	deadChannel     chan string
	shutdownChannel chan struct{}
	done            chan struct{}

	running bool
	mu      sync.RWMutex
	log     zerolog.Logger
}

// NewHub creates a hub over registry. closeGrace delays closing the
// connections of a deleted session so the final frame can be flushed.
func NewHub(registry *websocket.Registry, closeGrace time.Duration, log zerolog.Logger) *Hub {
	return &Hub{
		registry:    registry,
		closeGrace:  closeGrace,
		deadChannel: make(chan string, deadQueueSize),
		log:         log.With().Str("component", "hub").Logger(),
	}
}

// Start launches the reaper loop.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.shutdownChannel = make(chan struct{})
	h.done = make(chan struct{})

	h.log.Info().Msg("starting hub")
	go h.run(ctx, h.shutdownChannel, h.done)
	return nil
}

// Stop ends the reaper loop and waits for it to exit.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	close(h.shutdownChannel)
	done := h.done
	h.mu.Unlock()

	<-done
	h.log.Info().Msg("hub stopped")
	return nil
}

func (h *Hub) run(ctx context.Context, shutdown, done chan struct{}) {
	defer close(done)

	for {
		select {
		case connID := <-h.deadChannel:
			h.reap(connID)
		case <-shutdown:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) reap(connID string) {
	conn, ok := h.registry.Deregister(connID)
	if !ok {
		return
	}
	h.log.Debug().
		Str("conn_id", connID).
		Str("session_id", conn.SessionID()).
		Msg("closing unresponsive connection")
	_ = conn.Close()
}

func (h *Hub) markDead(connID string) {
	metrics.BroadcastDrops.Inc()

	h.mu.RLock()
	running := h.running
	h.mu.RUnlock()
	if !running {
		return
	}

	select {
	case h.deadChannel <- connID:
	default:
	}
}

// Broadcast implements interfaces.Broadcaster. The message is encoded once.
func (h *Hub) Broadcast(sessionID string, msg any, excludeConnID string) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error().Err(err).Str("session_id", sessionID).Msg("failed to encode broadcast")
		return
	}

	for _, conn := range h.registry.ConnectionsFor(sessionID) {
		if conn.ID() == excludeConnID {
			continue
		}
		if err := conn.Send(data); err != nil {
			h.markDead(conn.ID())
		}
	}
}

// SendTo implements interfaces.Broadcaster.
func (h *Hub) SendTo(connID string, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return interfaces.NewError(interfaces.ErrInternal, "failed to encode message")
	}
	if err := h.registry.Send(connID, data); err != nil {
		h.markDead(connID)
		return err
	}
	return nil
}

// CloseSession closes every connection of sessionID after the grace period.
// It never blocks: the engine calls it with the session lock held.
func (h *Hub) CloseSession(sessionID string) {
	time.AfterFunc(h.closeGrace, func() {
		for _, conn := range h.registry.ConnectionsFor(sessionID) {
			closeWithReason(conn, gws.CloseNormalClosure, "session deleted")
		}
	})
}

// CloseAll closes every live connection, used on shutdown.
func (h *Hub) CloseAll() {
	for _, conn := range h.registry.All() {
		closeWithReason(conn, gws.CloseGoingAway, "server shutting down")
	}
}

// Stats returns transport statistics for the health endpoint.
func (h *Hub) Stats() map[string]int {
	return h.registry.Stats()
}

func closeWithReason(conn interfaces.Connection, code int, reason string) {
	if c, ok := conn.(interface {
		CloseWithReason(code int, reason string) error
	}); ok {
		_ = c.CloseWithReason(code, reason)
		return
	}
	_ = conn.Close()
}

var _ interfaces.Broadcaster = (*Hub)(nil)
