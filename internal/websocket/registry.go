package websocket

import (
	"sync"

	"codespace/internal/metrics"
	"codespace/pkg/interfaces"
)

// Registry tracks live connections by connection ID and by session
// ARCHITECTURAL DISCOVERY: Pure routing state without business logic; the
// registry is the only component that holds transport handles
type Registry struct {
	// TECHNICAL DISCOVERY: RWMutex optimizes for read-heavy broadcast lookups
	mu          sync.RWMutex
	connections map[string]interfaces.Connection            // connID -> Connection
	sessions    map[string]map[string]interfaces.Connection // sessionID -> connID -> Connection
}

// NewRegistry creates a new connection registry
func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]interfaces.Connection),
		sessions:    make(map[string]map[string]interfaces.Connection),
	}
}

// Register adds a connection. A user may hold several connections to the
// same session.
func (r *Registry) Register(conn interfaces.Connection) error {
	if conn == nil {
		return ErrNilConnection
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.connections[conn.ID()]; exists {
		return ErrDuplicateConnection
	}

	r.connections[conn.ID()] = conn
	if r.sessions[conn.SessionID()] == nil {
		r.sessions[conn.SessionID()] = make(map[string]interfaces.Connection)
	}
	r.sessions[conn.SessionID()][conn.ID()] = conn

	metrics.LiveConnections.Set(float64(len(r.connections)))
	return nil
}

// Deregister removes a connection and returns it. Unknown IDs are ignored.
func (r *Registry) Deregister(connID string) (interfaces.Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, exists := r.connections[connID]
	if !exists {
		return nil, false
	}
	delete(r.connections, connID)

	// TECHNICAL DISCOVERY: Clean up empty session maps to prevent memory leaks
	if conns, ok := r.sessions[conn.SessionID()]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(r.sessions, conn.SessionID())
		}
	}

	metrics.LiveConnections.Set(float64(len(r.connections)))
	return conn, true
}

// Get returns a connection by ID.
func (r *Registry) Get(connID string) (interfaces.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, exists := r.connections[connID]
	return conn, exists
}

// ConnectionsFor returns a snapshot of the session's connections. The slice
// is safe to iterate while the registry changes.
func (r *Registry) ConnectionsFor(sessionID string) []interfaces.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.sessions[sessionID]
	out := make([]interfaces.Connection, 0, len(conns))
	for _, conn := range conns {
		out = append(out, conn)
	}
	return out
}

// All returns a snapshot of every registered connection.
func (r *Registry) All() []interfaces.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]interfaces.Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		out = append(out, conn)
	}
	return out
}

// UserConnectionCount returns how many connections userID holds in sessionID.
func (r *Registry) UserConnectionCount(sessionID, userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, conn := range r.sessions[sessionID] {
		if conn.UserID() == userID {
			n++
		}
	}
	return n
}

// Send delivers data to one connection. Transport failures are returned so
// the caller can deregister the connection.
func (r *Registry) Send(connID string, data []byte) error {
	conn, ok := r.Get(connID)
	if !ok {
		return ErrConnectionNotFound
	}
	return conn.Send(data)
}

// Stats returns registry statistics for monitoring and debugging
func (r *Registry) Stats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]int{
		"total_connections": len(r.connections),
		"active_sessions":   len(r.sessions),
	}
}
