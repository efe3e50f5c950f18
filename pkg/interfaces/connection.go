package interfaces

import "context"

// Connection represents one live realtime client connection
// ARCHITECTURAL DISCOVERY: Pure abstraction without transport details
// keeps the engine and dispatcher testable with in-memory fakes
type Connection interface {
	// ID is unique per connection; a user may hold several (tabs).
	ID() string
	SessionID() string
	UserID() string

	// Send enqueues an encoded frame without blocking. A full queue or
	// closed transport returns an error wrapping ErrTransportClosed.
	Send(data []byte) error

	Close() error
}

// Broadcaster fans events out to the connections of a session.
type Broadcaster interface {
	// Broadcast delivers msg to every connection of the session except
	// excludeConnID (empty excludes nobody). It never blocks on slow peers.
	Broadcast(sessionID string, msg any, excludeConnID string)

	// SendTo delivers msg to a single connection.
	SendTo(connID string, msg any) error

	// CloseSession closes every connection of a deleted session.
	CloseSession(sessionID string)
}

// Dispatcher drives the realtime protocol for one connection's lifetime.
type Dispatcher interface {
	// Open joins the user, registers conn and queues the init message.
	// An error means conn must be closed immediately.
	Open(ctx context.Context, conn Connection, displayName string) error

	// Handle processes one inbound frame.
	Handle(ctx context.Context, conn Connection, data []byte)

	// Close deregisters conn and updates membership.
	Close(ctx context.Context, conn Connection)
}
