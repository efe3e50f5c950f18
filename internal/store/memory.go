// Package store holds the non-SQL session store backends.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"codespace/pkg/interfaces"
	"codespace/pkg/types"
)

// ErrSessionNotFound is returned when a session is not found.
var ErrSessionNotFound = interfaces.NewError(interfaces.ErrNotFound, "session not found")

// MemoryStore is a mutex-based in-memory session store. Records are copied on
// the way in and out so callers never share state with the store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*types.Session
	log      zerolog.Logger
}

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore(log zerolog.Logger) *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*types.Session),
		log:      log.With().Str("component", "session-store").Str("driver", "memory").Logger(),
	}
}

// Get retrieves a session by ID.
func (s *MemoryStore) Get(ctx context.Context, id string) (*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess.Clone(), nil
}

// Put stores or replaces a session.
func (s *MemoryStore) Put(ctx context.Context, sess *types.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[sess.ID] = sess.Clone()
	return nil
}

// Delete removes a session.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; ok {
		delete(s.sessions, id)
		s.log.Debug().Str("session_id", id).Msg("session removed")
	}
	return nil
}

// List returns all sessions, most recently active first.
func (s *MemoryStore) List(ctx context.Context) ([]*types.Session, error) {
	return s.filter(func(*types.Session) bool { return true }), nil
}

// ListByOwner returns the sessions owned by ownerID.
func (s *MemoryStore) ListByOwner(ctx context.Context, ownerID string) ([]*types.Session, error) {
	return s.filter(func(sess *types.Session) bool { return sess.OwnerID == ownerID }), nil
}

func (s *MemoryStore) filter(keep func(*types.Session) bool) []*types.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*types.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if keep(sess) {
			result = append(result, sess.Clone())
		}
	}
	sortByActivity(result)
	return result
}

// Count returns the number of stored sessions.
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// HealthCheck always succeeds for the in-memory store.
func (s *MemoryStore) HealthCheck(ctx context.Context) error {
	return nil
}

// Close releases nothing; the store lives as long as the process.
func (s *MemoryStore) Close() error {
	return nil
}

func sortByActivity(sessions []*types.Session) {
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].LastActive.Equal(sessions[j].LastActive) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].LastActive.After(sessions[j].LastActive)
	})
}
