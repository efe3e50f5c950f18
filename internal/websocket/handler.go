package websocket

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"codespace/pkg/interfaces"
	"codespace/pkg/types"
)

// Identity headers set by the authenticating proxy in front of the server.
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserName = "X-User-Name"
)

// Identity extracts the caller's user ID and display name, preferring the
// proxy headers over query parameters.
func Identity(r *http.Request) (userID, displayName string) {
	userID = r.Header.Get(HeaderUserID)
	if userID == "" {
		userID = r.URL.Query().Get("user_id")
	}
	displayName = r.Header.Get(HeaderUserName)
	if displayName == "" {
		displayName = r.URL.Query().Get("user_name")
	}
	return strings.TrimSpace(userID), strings.TrimSpace(displayName)
}

// Handler upgrades realtime requests and drives each connection's read loop
// ARCHITECTURAL DISCOVERY: Validation happens before the upgrade so invalid
// requests get a proper HTTP error instead of consuming a socket
type Handler struct {
	dispatcher interfaces.Dispatcher
	upgrader   websocket.Upgrader
	opts       Options
	log        zerolog.Logger
}

// NewHandler creates a realtime handler. An empty allowedOrigins list
// accepts any origin.
func NewHandler(dispatcher interfaces.Dispatcher, opts Options, allowedOrigins []string, log zerolog.Logger) *Handler {
	return &Handler{
		dispatcher: dispatcher,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin:      originChecker(allowedOrigins),
		},
		opts: opts,
		log:  log.With().Str("component", "websocket").Logger(),
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}

// ServeHTTP handles GET /ws/{id}.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if sessionID == "" {
		sessionID = r.URL.Query().Get("session_id")
	}
	if sessionID == "" {
		http.Error(w, ErrMissingSessionID.Error(), http.StatusBadRequest)
		return
	}

	userID, displayName := Identity(r)
	if !types.IsValidUserID(userID) {
		http.Error(w, ErrInvalidUserID.Error(), http.StatusBadRequest)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn := NewConnection(ws, sessionID, userID, h.opts, h.log)
	h.serve(conn, displayName)
}

// serve runs one connection to completion.
func (h *Handler) serve(conn *Connection, displayName string) {
	ctx := conn.ctx

	if err := h.dispatcher.Open(ctx, conn, displayName); err != nil {
		h.log.Info().
			Err(err).
			Str("session_id", conn.SessionID()).
			Str("user_id", conn.UserID()).
			Msg("connection rejected")
		_ = conn.CloseWithReason(closeCode(err), interfaces.PublicMessage(err))
		return
	}

	conn.readLoop(func(data []byte) {
		h.dispatcher.Handle(ctx, conn, data)
	})

	h.dispatcher.Close(context.WithoutCancel(ctx), conn)
	_ = conn.Close()
}

// Application close codes for rejected connections.
const (
	CloseNotFound  = 4404
	CloseForbidden = 4403
	CloseFull      = 4409
)

func closeCode(err error) int {
	switch {
	case errors.Is(err, interfaces.ErrNotFound):
		return CloseNotFound
	case errors.Is(err, interfaces.ErrForbidden):
		return CloseForbidden
	case errors.Is(err, interfaces.ErrFull):
		return CloseFull
	default:
		return websocket.ClosePolicyViolation
	}
}
