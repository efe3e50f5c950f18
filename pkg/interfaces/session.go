package interfaces

import (
	"context"
	"encoding/json"
	"time"

	"codespace/pkg/types"
)

// SessionStore persists session records keyed by session ID
// ARCHITECTURAL DISCOVERY: Context-first design ensures cancellation
// and timeout handling across memory, SQLite and Redis backends
type SessionStore interface {
	// Get returns a copy of the stored session or an error wrapping ErrNotFound.
	Get(ctx context.Context, sessionID string) (*types.Session, error)

	// Put creates or replaces the record (last write wins).
	Put(ctx context.Context, session *types.Session) error

	// Delete removes the record; deleting a missing record is not an error.
	Delete(ctx context.Context, sessionID string) error

	List(ctx context.Context) ([]*types.Session, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*types.Session, error)

	HealthCheck(ctx context.Context) error
	Close() error
}

// ExecutionRecorder is implemented by stores that keep an execution audit trail.
type ExecutionRecorder interface {
	RecordExecution(ctx context.Context, sessionID, userID, language string, result *types.ExecutionResult, at time.Time) error
}

// Executor runs one submission in isolation.
type Executor interface {
	// Execute returns a result for every run that reached the backend. A
	// wall-clock overrun returns a timeout-status result and an error
	// wrapping ErrTimedOut.
	Execute(ctx context.Context, req types.ExecutionRequest) (*types.ExecutionResult, error)

	Supports(language string) bool
	Languages() []string
}

// JobQueue accepts background work for a bounded worker pool.
type JobQueue interface {
	Submit(job func(ctx context.Context)) error
}

// SessionEngine owns session lifecycle, membership, the lock/timer machine
// and the authorization rules for every mutating operation.
type SessionEngine interface {
	CreateSession(ctx context.Context, ownerID, ownerName string, maxParticipants int) (*types.Session, error)
	GetSnapshot(ctx context.Context, sessionID, userID string) (*types.Snapshot, error)
	ListSessions(ctx context.Context, ownerID string) ([]*types.Session, error)
	JoinSession(ctx context.Context, sessionID, userID, displayName string) (*types.Snapshot, error)
	LeaveSession(ctx context.Context, sessionID, userID string) error
	DeleteSession(ctx context.Context, sessionID, callerID string) error

	// Connect joins the user and runs attach under the session lock so that
	// no broadcast can reach the new connection ahead of its init message.
	Connect(ctx context.Context, sessionID, userID, displayName string, attach func(*types.Snapshot) error) (*types.Snapshot, error)

	// HandleDisconnect runs detach under the session lock; detach returns the
	// number of connections the user still holds in the session.
	HandleDisconnect(ctx context.Context, sessionID, userID string, detach func() int) error

	SetTimer(ctx context.Context, sessionID, callerID string, durationMinutes int) (time.Time, error)
	SetLock(ctx context.Context, sessionID, callerID string, locked bool) error
	CheckAndExpireLock(ctx context.Context, sessionID string) (bool, error)

	ApplyCodeChange(ctx context.Context, sessionID, userID, originConnID, code string, cursor json.RawMessage) error
	ApplyLanguageChange(ctx context.Context, sessionID, userID, originConnID, language string) error
	UpdateCursor(ctx context.Context, sessionID, userID, originConnID string, cursor json.RawMessage) error
	History(ctx context.Context, sessionID, userID string) ([]types.HistoryEntry, error)
	RecordTypingSample(ctx context.Context, sessionID, userID string, sample types.TypingSample) error

	Execute(ctx context.Context, sessionID, userID string) (*types.ExecutionResult, error)
	ExecuteAsync(ctx context.Context, sessionID, userID string) error
}
