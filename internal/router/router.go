package router

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"codespace/internal/metrics"
	"codespace/internal/websocket"
	"codespace/pkg/interfaces"
	"codespace/pkg/protocol"
	"codespace/pkg/types"
)

type handlerFunc func(ctx context.Context, conn interfaces.Connection, msg protocol.Inbound) error

// Router implements interfaces.Dispatcher
// ARCHITECTURAL DISCOVERY: Pure protocol dispatch; membership and authorization
// live in the engine, delivery lives in the broadcaster
type Router struct {
	engine      interfaces.SessionEngine
	registry    *websocket.Registry
	broadcaster interfaces.Broadcaster
	rateLimiter *RateLimiter
	handlers    map[string]handlerFunc
	log         zerolog.Logger
}

// NewRouter creates a dispatcher. A nil limiter disables rate limiting.
func NewRouter(engine interfaces.SessionEngine, registry *websocket.Registry, broadcaster interfaces.Broadcaster, limiter *RateLimiter, log zerolog.Logger) *Router {
	if limiter == nil {
		limiter = NewRateLimiter(0, 0)
	}
	r := &Router{
		engine:      engine,
		registry:    registry,
		broadcaster: broadcaster,
		rateLimiter: limiter,
		log:         log.With().Str("component", "router").Logger(),
	}
	r.handlers = map[string]handlerFunc{
		protocol.TypeCodeChange:     r.handleCodeChange,
		protocol.TypeLanguageChange: r.handleLanguageChange,
		protocol.TypeCursorUpdate:   r.handleCursorUpdate,
		protocol.TypeHistoryRequest: r.handleHistoryRequest,
		protocol.TypeTypingData:     r.handleTypingData,
		protocol.TypeExecuteCode:    r.handleExecuteCode,
	}
	return r
}

// Open joins the user, registers conn and sends init. The engine runs the
// attach step under the session lock so no broadcast can overtake init.
func (r *Router) Open(ctx context.Context, conn interfaces.Connection, displayName string) error {
	_, err := r.engine.Connect(ctx, conn.SessionID(), conn.UserID(), displayName, func(snapshot *types.Snapshot) error {
		if err := r.registry.Register(conn); err != nil {
			return err
		}
		if err := r.broadcaster.SendTo(conn.ID(), protocol.NewInit(snapshot)); err != nil {
			r.registry.Deregister(conn.ID())
			return err
		}
		return nil
	})
	if err != nil {
		metrics.RecordRejection("connect")
		return err
	}

	r.log.Info().
		Str("session_id", conn.SessionID()).
		Str("user_id", conn.UserID()).
		Str("conn_id", conn.ID()).
		Msg("connection opened")
	return nil
}

// Handle processes one inbound frame. Failures go back to the sender only.
func (r *Router) Handle(ctx context.Context, conn interfaces.Connection, data []byte) {
	if !r.rateLimiter.Allow(conn.UserID()) {
		metrics.RecordRejection("rate_limit")
		r.reply(conn, ErrRateLimitExceeded)
		return
	}

	msg, err := protocol.Decode(data)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownType) {
			r.log.Debug().Err(err).Str("conn_id", conn.ID()).Msg("ignoring unknown message type")
			return
		}
		metrics.RecordRejection("malformed")
		r.reply(conn, ErrInvalidMessage)
		return
	}
	metrics.InboundMessages.WithLabelValues(msg.MessageType()).Inc()

	// FUNCTIONAL DISCOVERY: Every message first settles an elapsed timer so the
	// handler below sees the current lock state
	if _, err := r.engine.CheckAndExpireLock(ctx, conn.SessionID()); err != nil {
		r.fail(conn, msg.MessageType(), err)
		return
	}

	handler, ok := r.handlers[msg.MessageType()]
	if !ok {
		return
	}
	if err := handler(ctx, conn, msg); err != nil {
		r.fail(conn, msg.MessageType(), err)
	}
}

// Close deregisters conn; the engine drops the user once their last
// connection to the session is gone.
func (r *Router) Close(ctx context.Context, conn interfaces.Connection) {
	sessionID, userID := conn.SessionID(), conn.UserID()
	err := r.engine.HandleDisconnect(ctx, sessionID, userID, func() int {
		r.registry.Deregister(conn.ID())
		return r.registry.UserConnectionCount(sessionID, userID)
	})
	if err != nil {
		r.log.Error().Err(err).Str("session_id", sessionID).Str("user_id", userID).Msg("disconnect handling failed")
	}
	r.log.Info().Str("session_id", sessionID).Str("user_id", userID).Str("conn_id", conn.ID()).Msg("connection closed")
}

func (r *Router) handleCodeChange(ctx context.Context, conn interfaces.Connection, msg protocol.Inbound) error {
	m := msg.(protocol.CodeChange)
	return r.engine.ApplyCodeChange(ctx, conn.SessionID(), conn.UserID(), conn.ID(), m.Code, m.Cursor)
}

func (r *Router) handleLanguageChange(ctx context.Context, conn interfaces.Connection, msg protocol.Inbound) error {
	m := msg.(protocol.LanguageChange)
	return r.engine.ApplyLanguageChange(ctx, conn.SessionID(), conn.UserID(), conn.ID(), m.Language)
}

func (r *Router) handleCursorUpdate(ctx context.Context, conn interfaces.Connection, msg protocol.Inbound) error {
	m := msg.(protocol.CursorMove)
	return r.engine.UpdateCursor(ctx, conn.SessionID(), conn.UserID(), conn.ID(), m.Cursor)
}

func (r *Router) handleHistoryRequest(ctx context.Context, conn interfaces.Connection, _ protocol.Inbound) error {
	history, err := r.engine.History(ctx, conn.SessionID(), conn.UserID())
	if err != nil {
		return err
	}
	return r.broadcaster.SendTo(conn.ID(), protocol.NewHistoryResponse(history))
}

func (r *Router) handleTypingData(ctx context.Context, conn interfaces.Connection, msg protocol.Inbound) error {
	m := msg.(protocol.TypingData)
	return r.engine.RecordTypingSample(ctx, conn.SessionID(), conn.UserID(), m.Sample())
}

func (r *Router) handleExecuteCode(ctx context.Context, conn interfaces.Connection, _ protocol.Inbound) error {
	return r.engine.ExecuteAsync(context.WithoutCancel(ctx), conn.SessionID(), conn.UserID())
}

func (r *Router) fail(conn interfaces.Connection, messageType string, err error) {
	kind := interfaces.Kind(err)
	if errors.Is(kind, interfaces.ErrTransportClosed) {
		return
	}
	metrics.RecordRejection(rejectionReason(kind))

	event := r.log.Debug()
	if errors.Is(kind, interfaces.ErrInternal) {
		event = r.log.Error()
	}
	event.Err(err).
		Str("session_id", conn.SessionID()).
		Str("user_id", conn.UserID()).
		Str("type", messageType).
		Msg("message rejected")

	r.reply(conn, err)
}

func (r *Router) reply(conn interfaces.Connection, err error) {
	if sendErr := r.broadcaster.SendTo(conn.ID(), protocol.NewError(interfaces.PublicMessage(err))); sendErr != nil {
		r.log.Debug().Err(sendErr).Str("conn_id", conn.ID()).Msg("failed to deliver error reply")
	}
}

func rejectionReason(kind error) string {
	switch kind {
	case interfaces.ErrNotFound:
		return "not_found"
	case interfaces.ErrForbidden:
		return "forbidden"
	case interfaces.ErrFull:
		return "full"
	case interfaces.ErrInvalidInput:
		return "invalid_input"
	case interfaces.ErrUnsupportedLanguage:
		return "unsupported_language"
	case interfaces.ErrTimedOut:
		return "timeout"
	default:
		return "internal"
	}
}

var _ interfaces.Dispatcher = (*Router)(nil)
