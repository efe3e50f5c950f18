package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"codespace/internal/websocket"
	"codespace/pkg/interfaces"
	"codespace/pkg/types"
)

// Registry is the slice of the connection registry the API reads.
type Registry interface {
	ConnectionsFor(sessionID string) []interfaces.Connection
	Stats() map[string]int
}

// Options configures the optional parts of the HTTP surface.
type Options struct {
	// Realtime is mounted at GET /ws/{id} when set.
	Realtime       http.Handler
	MetricsPath    string
	EnableMetrics  bool
	AllowedOrigins []string
}

// ARCHITECTURAL DISCOVERY: HTTP API layer serves as pure interface between external clients and internal components
// Clean separation - no business logic, only HTTP handling and JSON serialization
type Server struct {
	engine   interfaces.SessionEngine
	store    interfaces.SessionStore
	registry Registry
	opts     Options
	router   *http.ServeMux
	started  time.Time
	log      zerolog.Logger
}

// NewServer wires the HTTP routes.
func NewServer(engine interfaces.SessionEngine, store interfaces.SessionStore, registry Registry, opts Options, log zerolog.Logger) *Server {
	s := &Server{
		engine:   engine,
		store:    store,
		registry: registry,
		opts:     opts,
		router:   http.NewServeMux(),
		started:  time.Now(),
		log:      log.With().Str("component", "api").Logger(),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := func(h http.HandlerFunc) http.Handler { return s.jsonMiddleware(h) }

	s.router.Handle("POST /api/sessions", api(s.createSession))
	s.router.Handle("GET /api/sessions", api(s.listSessions))
	s.router.Handle("GET /api/sessions/{id}", api(s.getSession))
	s.router.Handle("DELETE /api/sessions/{id}", api(s.deleteSession))
	s.router.Handle("POST /api/sessions/{id}/join", api(s.joinSession))
	s.router.Handle("POST /api/sessions/{id}/leave", api(s.leaveSession))
	s.router.Handle("POST /api/sessions/{id}/timer", api(s.setTimer))
	s.router.Handle("POST /api/sessions/{id}/lock", api(s.setLock))
	s.router.Handle("POST /api/sessions/{id}/execute", api(s.execute))
	s.router.Handle("GET /health", api(s.healthCheck))

	if s.opts.EnableMetrics {
		path := s.opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		s.router.Handle("GET "+path, promhttp.Handler())
	}
	if s.opts.Realtime != nil {
		s.router.Handle("GET /ws/{id}", s.opts.Realtime)
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.corsMiddleware(s.router).ServeHTTP(w, r)
}

// Request/Response types for JSON serialization
type CreateSessionRequest struct {
	DisplayName     string `json:"display_name"`
	MaxParticipants int    `json:"max_participants"`
}

type SessionResponse struct {
	Session         *types.Snapshot `json:"session"`
	ConnectionCount int             `json:"connection_count"`
}

type SessionSummary struct {
	ID              string     `json:"id"`
	OwnerID         string     `json:"ownerId"`
	Language        string     `json:"language"`
	Participants    int        `json:"participants"`
	MaxParticipants int        `json:"maxParticipants"`
	IsLocked        bool       `json:"isLocked"`
	TimerEndTime    *time.Time `json:"timerEndTime,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	LastActive      time.Time  `json:"lastActive"`
	ConnectionCount int        `json:"connection_count"`
}

type ListSessionsResponse struct {
	Sessions []SessionSummary `json:"sessions"`
}

type TimerRequest struct {
	DurationMinutes int `json:"duration_minutes"`
}

type TimerResponse struct {
	EndTime time.Time `json:"end_time"`
}

type LockRequest struct {
	Locked *bool `json:"locked"`
}

type LockResponse struct {
	Locked bool `json:"locked"`
}

type ExecutionResponse struct {
	Output     string `json:"output"`
	Error      string `json:"error"`
	Status     string `json:"status"`
	ExitCode   int    `json:"exitCode"`
	DurationMS int64  `json:"durationMs"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type HealthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Store       string         `json:"store"`
	Connections map[string]int `json:"connections"`
	System      map[string]any `json:"system"`
}

type ErrorResponse struct {
	Error   string             `json:"error"`
	Code    int                `json:"code"`
	Message string             `json:"message"`
	Result  *ExecutionResponse `json:"result,omitempty"`
}

// caller returns the identity of the request or writes a 400.
func (s *Server) caller(w http.ResponseWriter, r *http.Request) (userID, displayName string, ok bool) {
	userID, displayName = websocket.Identity(r)
	if !types.IsValidUserID(userID) {
		s.sendError(w, "a valid "+websocket.HeaderUserID+" header is required", http.StatusBadRequest)
		return "", "", false
	}
	return userID, displayName, true
}

// decode reads an optional JSON body into dst. An empty body is allowed.
func decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// POST /api/sessions
func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	userID, displayName, ok := s.caller(w, r)
	if !ok {
		return
	}

	var req CreateSessionRequest
	if err := decode(r, &req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.DisplayName != "" {
		displayName = req.DisplayName
	}

	session, err := s.engine.CreateSession(r.Context(), userID, displayName, req.MaxParticipants)
	if err != nil {
		s.sendEngineError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, SessionResponse{Session: session.SnapshotFor(userID)})
}

// GET /api/sessions lists the sessions the caller owns.
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := s.caller(w, r)
	if !ok {
		return
	}

	sessions, err := s.engine.ListSessions(r.Context(), userID)
	if err != nil {
		s.sendEngineError(w, err)
		return
	}

	summaries := make([]SessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		summaries = append(summaries, SessionSummary{
			ID:              sess.ID,
			OwnerID:         sess.OwnerID,
			Language:        sess.Language,
			Participants:    len(sess.Participants),
			MaxParticipants: sess.MaxParticipants,
			IsLocked:        sess.IsLocked,
			TimerEndTime:    sess.TimerEndTime,
			CreatedAt:       sess.CreatedAt,
			LastActive:      sess.LastActive,
			ConnectionCount: len(s.registry.ConnectionsFor(sess.ID)),
		})
	}
	s.writeJSON(w, http.StatusOK, ListSessionsResponse{Sessions: summaries})
}

// GET /api/sessions/{id}
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := s.caller(w, r)
	if !ok {
		return
	}
	sessionID := r.PathValue("id")

	snapshot, err := s.engine.GetSnapshot(r.Context(), sessionID, userID)
	if err != nil {
		s.sendEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, SessionResponse{
		Session:         snapshot,
		ConnectionCount: len(s.registry.ConnectionsFor(sessionID)),
	})
}

// DELETE /api/sessions/{id}
func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := s.caller(w, r)
	if !ok {
		return
	}
	if err := s.engine.DeleteSession(r.Context(), r.PathValue("id"), userID); err != nil {
		s.sendEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, MessageResponse{Message: "Session deleted"})
}

// POST /api/sessions/{id}/join
func (s *Server) joinSession(w http.ResponseWriter, r *http.Request) {
	userID, displayName, ok := s.caller(w, r)
	if !ok {
		return
	}
	sessionID := r.PathValue("id")

	snapshot, err := s.engine.JoinSession(r.Context(), sessionID, userID, displayName)
	if err != nil {
		s.sendEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, SessionResponse{
		Session:         snapshot,
		ConnectionCount: len(s.registry.ConnectionsFor(sessionID)),
	})
}

// POST /api/sessions/{id}/leave
func (s *Server) leaveSession(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := s.caller(w, r)
	if !ok {
		return
	}
	if err := s.engine.LeaveSession(r.Context(), r.PathValue("id"), userID); err != nil {
		s.sendEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, MessageResponse{Message: "Left session"})
}

// POST /api/sessions/{id}/timer
func (s *Server) setTimer(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := s.caller(w, r)
	if !ok {
		return
	}

	var req TimerRequest
	if err := decode(r, &req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	endTime, err := s.engine.SetTimer(r.Context(), r.PathValue("id"), userID, req.DurationMinutes)
	if err != nil {
		s.sendEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, TimerResponse{EndTime: endTime})
}

// POST /api/sessions/{id}/lock
func (s *Server) setLock(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := s.caller(w, r)
	if !ok {
		return
	}

	var req LockRequest
	if err := decode(r, &req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Locked == nil {
		s.sendError(w, "locked is required", http.StatusBadRequest)
		return
	}

	if err := s.engine.SetLock(r.Context(), r.PathValue("id"), userID, *req.Locked); err != nil {
		s.sendEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, LockResponse{Locked: *req.Locked})
}

// POST /api/sessions/{id}/execute runs the session's code and waits for the
// result. Participants also receive it as an execution_result event.
func (s *Server) execute(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := s.caller(w, r)
	if !ok {
		return
	}

	result, err := s.engine.Execute(r.Context(), r.PathValue("id"), userID)
	if err != nil {
		if errors.Is(err, interfaces.ErrTimedOut) && result != nil {
			s.writeJSON(w, http.StatusGatewayTimeout, ErrorResponse{
				Error:   http.StatusText(http.StatusGatewayTimeout),
				Code:    http.StatusGatewayTimeout,
				Message: interfaces.PublicMessage(err),
				Result:  executionResponse(result),
			})
			return
		}
		s.sendEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, executionResponse(result))
}

func executionResponse(r *types.ExecutionResult) *ExecutionResponse {
	return &ExecutionResponse{
		Output:     r.Output,
		Error:      r.Error,
		Status:     r.Status,
		ExitCode:   r.ExitCode,
		DurationMS: r.Duration.Milliseconds(),
	}
}

// GET /health
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	storeStatus := "healthy"
	if err := s.store.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		storeStatus = "error: " + err.Error()
	}

	response := HealthResponse{
		Status:      status,
		Timestamp:   time.Now(),
		Store:       storeStatus,
		Connections: s.registry.Stats(),
		System: map[string]any{
			"goroutines": runtime.NumGoroutine(),
			"uptime":     time.Since(s.started).Round(time.Second).String(),
		},
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, response)
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch interfaces.Kind(err) {
	case interfaces.ErrNotFound:
		return http.StatusNotFound
	case interfaces.ErrForbidden:
		return http.StatusForbidden
	case interfaces.ErrFull:
		return http.StatusConflict
	case interfaces.ErrInvalidInput:
		return http.StatusBadRequest
	case interfaces.ErrUnsupportedLanguage:
		return http.StatusUnprocessableEntity
	case interfaces.ErrTimedOut:
		return http.StatusGatewayTimeout
	case interfaces.ErrTransportClosed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) sendEngineError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("request failed")
	}
	s.sendError(w, interfaces.PublicMessage(err), code)
}

// Consistent error response format
func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.writeJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, body any) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Debug().Err(err).Msg("failed to write response")
	}
}

// ARCHITECTURAL DISCOVERY: CORS middleware enables browser clients; an empty
// origin list allows every origin
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	allowed := make(map[string]bool, len(s.opts.AllowedOrigins))
	for _, o := range s.opts.AllowedOrigins {
		allowed[o] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case len(allowed) == 0:
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case allowed[origin]:
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", strings.Join([]string{
			"Content-Type", "Authorization", websocket.HeaderUserID, websocket.HeaderUserName,
		}, ", "))
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// JSON middleware ensures proper content-type headers
func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
