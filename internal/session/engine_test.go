package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codespace/internal/store"
	"codespace/pkg/interfaces"
	"codespace/pkg/protocol"
	"codespace/pkg/types"
)

// fakeBroadcaster records what each connection would have received.
type fakeBroadcaster struct {
	mu       sync.Mutex
	conns    map[string][]string // sessionID -> connIDs
	received map[string][]any    // connID -> messages
	closed   []string
}

func newFakeBroadcaster() *fakeBroadcaster {
	return &fakeBroadcaster{
		conns:    make(map[string][]string),
		received: make(map[string][]any),
	}
}

func (f *fakeBroadcaster) attach(sessionID, connID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conns[sessionID] = append(f.conns[sessionID], connID)
}

func (f *fakeBroadcaster) Broadcast(sessionID string, msg any, excludeConnID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.conns[sessionID] {
		if id != excludeConnID {
			f.received[id] = append(f.received[id], msg)
		}
	}
}

func (f *fakeBroadcaster) SendTo(connID string, msg any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received[connID] = append(f.received[connID], msg)
	return nil
}

func (f *fakeBroadcaster) CloseSession(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, sessionID)
}

func (f *fakeBroadcaster) messages(connID string) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]any(nil), f.received[connID]...)
}

func (f *fakeBroadcaster) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = make(map[string][]any)
}

// count returns how many messages of type T connID received.
func count[T any](f *fakeBroadcaster, connID string) int {
	n := 0
	for _, m := range f.messages(connID) {
		if _, ok := m.(T); ok {
			n++
		}
	}
	return n
}

type fakeExecutor struct {
	mu     sync.Mutex
	result *types.ExecutionResult
	err    error
	calls  []types.ExecutionRequest
}

func (f *fakeExecutor) Execute(ctx context.Context, req types.ExecutionRequest) (*types.ExecutionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.result == nil {
		return nil, f.err
	}
	r := *f.result
	return &r, f.err
}

func (f *fakeExecutor) Supports(language string) bool {
	return language == "python" || language == "go"
}

func (f *fakeExecutor) Languages() []string { return []string{"go", "python"} }

type inlineQueue struct{}

func (inlineQueue) Submit(job func(ctx context.Context)) error {
	job(context.Background())
	return nil
}

// heldQueue keeps submitted jobs until the test runs them.
type heldQueue struct {
	mu   sync.Mutex
	jobs []func(ctx context.Context)
}

func (q *heldQueue) Submit(job func(ctx context.Context)) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *heldQueue) runAll() {
	q.mu.Lock()
	jobs := q.jobs
	q.jobs = nil
	q.mu.Unlock()
	for _, job := range jobs {
		job(context.Background())
	}
}

// blockingExecutor waits for release or for its context to end.
type blockingExecutor struct {
	fakeExecutor
	release chan struct{}
}

func (b *blockingExecutor) Execute(ctx context.Context, req types.ExecutionRequest) (*types.ExecutionResult, error) {
	select {
	case <-b.release:
		return b.fakeExecutor.Execute(ctx, req)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type fullQueue struct{}

func (fullQueue) Submit(job func(ctx context.Context)) error {
	return interfaces.NewError(interfaces.ErrInternal, "execution queue full")
}

// failingStore fails Put once armed.
type failingStore struct {
	*store.MemoryStore
	failPut bool
}

func (s *failingStore) Put(ctx context.Context, sess *types.Session) error {
	if s.failPut {
		return errors.New("disk full")
	}
	return s.MemoryStore.Put(ctx, sess)
}

type fixture struct {
	engine *Engine
	store  *store.MemoryStore
	bc     *fakeBroadcaster
	exec   *fakeExecutor
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: store.NewMemoryStore(zerolog.Nop()),
		bc:    newFakeBroadcaster(),
		exec:  &fakeExecutor{result: &types.ExecutionResult{Output: "1\n", Status: types.ExecutionSuccess}},
		now:   time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC),
	}
	f.engine = NewEngine(f.store, f.bc, f.exec, inlineQueue{}, DefaultConfig(), zerolog.Nop())
	f.engine.SetClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

// session creates a session owned by alice with bob joined. Connections:
// alice has a1 and a2, bob has b1.
func (f *fixture) session(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	s, err := f.engine.CreateSession(ctx, "alice", "Alice", 0)
	require.NoError(t, err)
	f.bc.attach(s.ID, "a1")
	f.bc.attach(s.ID, "a2")
	_, err = f.engine.JoinSession(ctx, s.ID, "bob", "Bob")
	require.NoError(t, err)
	f.bc.attach(s.ID, "b1")
	f.bc.reset()
	return s.ID
}

func TestEngine_CreateSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.engine.CreateSession(ctx, "alice", "Alice", 0)
	require.NoError(t, err)

	assert.NotEmpty(t, s.ID)
	assert.Equal(t, "alice", s.OwnerID)
	assert.Equal(t, types.DefaultLanguage, s.Language)
	assert.Empty(t, s.Code)
	assert.Equal(t, types.DefaultMaxParticipants, s.MaxParticipants)
	assert.Contains(t, s.Participants, "alice")
	assert.Equal(t, types.UnlockedNoTimer, s.State())

	stored, err := f.store.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, stored.ID)
}

func TestEngine_CreateSessionValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		owner string
		label string
		max   int
		want  error
	}{
		{"invalid owner", "bad id!", "", 0, ErrInvalidUserID},
		{"control chars in name", "alice", "a\x00b", 0, ErrInvalidDisplayName},
		{"negative max", "alice", "", -1, ErrInvalidMaxParticipants},
		{"max above limit", "alice", "", 5000, ErrInvalidMaxParticipants},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.CreateSession(ctx, tt.owner, tt.label, tt.max)
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, interfaces.ErrInvalidInput)
		})
	}
}

func TestEngine_JoinSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.session(t)

	t.Run("missing session", func(t *testing.T) {
		_, err := f.engine.JoinSession(ctx, "nope", "carol", "")
		assert.ErrorIs(t, err, interfaces.ErrNotFound)
	})

	t.Run("new member is announced to everyone", func(t *testing.T) {
		snap, err := f.engine.JoinSession(ctx, id, "carol", "Carol")
		require.NoError(t, err)
		assert.False(t, snap.IsOwner)
		assert.Equal(t, "alice", snap.OwnerID)
		assert.Len(t, snap.Participants, 3)

		for _, conn := range []string{"a1", "a2", "b1"} {
			assert.Equal(t, 1, count[protocol.ParticipantJoined](f.bc, conn), conn)
		}
	})

	t.Run("rejoin is idempotent", func(t *testing.T) {
		f.bc.reset()
		snap, err := f.engine.JoinSession(ctx, id, "carol", "Carol")
		require.NoError(t, err)
		assert.Len(t, snap.Participants, 3)
		assert.Zero(t, count[protocol.ParticipantJoined](f.bc, "a1"))
	})
}

// Scenario: maxParticipants 2, owner A, B joins, C is rejected.
func TestEngine_JoinRespectsCapacity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.engine.CreateSession(ctx, "A", "", 2)
	require.NoError(t, err)

	_, err = f.engine.JoinSession(ctx, s.ID, "B", "")
	require.NoError(t, err)

	_, err = f.engine.JoinSession(ctx, s.ID, "C", "")
	assert.ErrorIs(t, err, interfaces.ErrFull)

	snap, err := f.engine.GetSnapshot(ctx, s.ID, "A")
	require.NoError(t, err)
	assert.Len(t, snap.Participants, 2)
}

func TestEngine_OwnerSeatIsReserved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.engine.CreateSession(ctx, "A", "", 2)
	require.NoError(t, err)
	_, err = f.engine.JoinSession(ctx, s.ID, "B", "")
	require.NoError(t, err)

	// A's last connection closes; B stays.
	require.NoError(t, f.engine.HandleDisconnect(ctx, s.ID, "A", func() int { return 0 }))

	away, err := f.engine.GetSnapshot(ctx, s.ID, "B")
	require.NoError(t, err)
	require.Len(t, away.Participants, 1, "one of two seats is empty")

	_, err = f.engine.JoinSession(ctx, s.ID, "C", "")
	assert.ErrorIs(t, err, interfaces.ErrFull, "the free seat belongs to the absent owner")

	snap, err := f.engine.JoinSession(ctx, s.ID, "A", "")
	require.NoError(t, err)
	assert.True(t, snap.IsOwner)
	assert.Len(t, snap.Participants, 2)
}

func TestEngine_ParticipantsNeverExceedMax(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.engine.CreateSession(ctx, "owner", "", 5)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = f.engine.JoinSession(ctx, s.ID, fmt.Sprintf("user%d", i), "")
		}(i)
	}
	wg.Wait()

	snap, err := f.engine.GetSnapshot(ctx, s.ID, "owner")
	require.NoError(t, err)
	assert.Len(t, snap.Participants, 5)
}

func TestEngine_LeaveSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.session(t)

	assert.ErrorIs(t, f.engine.LeaveSession(ctx, id, "alice"), interfaces.ErrForbidden)
	assert.ErrorIs(t, f.engine.LeaveSession(ctx, id, "mallory"), interfaces.ErrNotFound)

	require.NoError(t, f.engine.LeaveSession(ctx, id, "bob"))
	assert.Equal(t, 1, count[protocol.ParticipantLeft](f.bc, "a1"))

	snap, err := f.engine.GetSnapshot(ctx, id, "alice")
	require.NoError(t, err)
	assert.NotContains(t, snap.Participants, "bob")
}

// Scenario: A disconnects while B remains, then B disconnects.
func TestEngine_DisconnectRemovesAndDeletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.session(t)

	// One of alice's two tabs closes: she stays.
	require.NoError(t, f.engine.HandleDisconnect(ctx, id, "alice", func() int { return 1 }))
	assert.Zero(t, count[protocol.ParticipantLeft](f.bc, "b1"))

	require.NoError(t, f.engine.HandleDisconnect(ctx, id, "alice", func() int { return 0 }))
	msgs := f.bc.messages("b1")
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.NewParticipantLeft("alice"), msgs[0])

	snap, err := f.engine.GetSnapshot(ctx, id, "bob")
	require.NoError(t, err)
	assert.NotContains(t, snap.Participants, "alice")
	assert.Equal(t, "alice", snap.OwnerID)

	require.NoError(t, f.engine.HandleDisconnect(ctx, id, "bob", func() int { return 0 }))

	_, err = f.store.Get(ctx, id)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
	_, err = f.engine.GetSnapshot(ctx, id, "bob")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
	assert.Equal(t, []string{id}, f.bc.closed)
}

func TestEngine_DisconnectFromDeletedSessionStillDetaches(t *testing.T) {
	f := newFixture(t)
	detached := false
	err := f.engine.HandleDisconnect(context.Background(), "gone", "alice", func() int {
		detached = true
		return 0
	})
	assert.NoError(t, err)
	assert.True(t, detached)
}

func TestEngine_DeleteSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.session(t)

	assert.ErrorIs(t, f.engine.DeleteSession(ctx, id, "bob"), interfaces.ErrForbidden)

	require.NoError(t, f.engine.DeleteSession(ctx, id, "alice"))
	assert.Equal(t, 1, count[protocol.SessionDeleted](f.bc, "b1"))
	assert.Equal(t, []string{id}, f.bc.closed)

	assert.ErrorIs(t, f.engine.DeleteSession(ctx, id, "alice"), interfaces.ErrNotFound)
}

func TestEngine_CodeChangeFanOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.session(t)

	cursor := json.RawMessage(`{"line":1,"ch":4}`)
	require.NoError(t, f.engine.ApplyCodeChange(ctx, id, "bob", "b1", "print(1)", cursor))

	assert.Empty(t, f.bc.messages("b1"), "origin connection gets no echo")
	for _, conn := range []string{"a1", "a2"} {
		msgs := f.bc.messages(conn)
		require.Len(t, msgs, 1, conn)
		assert.Equal(t, protocol.NewCodeUpdate("bob", "print(1)", cursor), msgs[0])
	}

	snap, err := f.engine.GetSnapshot(ctx, id, "alice")
	require.NoError(t, err)
	assert.Equal(t, "print(1)", snap.Code)
	require.Len(t, snap.History, 1)
	assert.Equal(t, types.HistoryEntry{Timestamp: f.now, UserID: "bob", Change: types.ChangeCodeUpdate}, snap.History[0])
}

func TestEngine_LanguageChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.session(t)

	assert.ErrorIs(t, f.engine.ApplyLanguageChange(ctx, id, "bob", "b1", "cobol"), interfaces.ErrInvalidInput)
	assert.ErrorIs(t, f.engine.ApplyLanguageChange(ctx, id, "bob", "b1", ""), interfaces.ErrInvalidInput)

	require.NoError(t, f.engine.ApplyLanguageChange(ctx, id, "bob", "b1", "go"))
	assert.Empty(t, f.bc.messages("b1"))
	assert.Equal(t, []any{protocol.NewLanguageUpdate("bob", "go")}, f.bc.messages("a1"))

	// Same language again is a no-op.
	require.NoError(t, f.engine.ApplyLanguageChange(ctx, id, "bob", "b1", "go"))
	assert.Len(t, f.bc.messages("a1"), 1)

	history, err := f.engine.History(ctx, id, "alice")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, types.ChangeLanguageUpdate, history[0].Change)
}

func TestEngine_NonParticipantCannotEdit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.session(t)

	assert.ErrorIs(t, f.engine.ApplyCodeChange(ctx, id, "mallory", "m1", "x", nil), interfaces.ErrForbidden)
	assert.ErrorIs(t, f.engine.UpdateCursor(ctx, id, "mallory", "m1", nil), interfaces.ErrForbidden)
	_, err := f.engine.History(ctx, id, "mallory")
	assert.ErrorIs(t, err, interfaces.ErrForbidden)
}

func TestEngine_CodeSizeLimit(t *testing.T) {
	f := newFixture(t)
	f.engine.cfg.MaxCodeSize = 8
	id := f.session(t)

	err := f.engine.ApplyCodeChange(context.Background(), id, "bob", "b1", "123456789", nil)
	assert.ErrorIs(t, err, ErrCodeTooLarge)
}

func TestEngine_HistoryIsCappedFIFO(t *testing.T) {
	f := newFixture(t)
	f.engine.cfg.HistoryLimit = 10
	ctx := context.Background()
	id := f.session(t)

	for i := 0; i < 15; i++ {
		f.advance(time.Second)
		require.NoError(t, f.engine.ApplyCodeChange(ctx, id, "alice", "a1", fmt.Sprintf("v%d", i), nil))
	}

	history, err := f.engine.History(ctx, id, "alice")
	require.NoError(t, err)
	require.Len(t, history, 10)

	first := time.Date(2026, 4, 2, 9, 0, 6, 0, time.UTC)
	for i, h := range history {
		assert.Equal(t, first.Add(time.Duration(i)*time.Second), h.Timestamp)
	}
}

func TestEngine_CursorUpdate(t *testing.T) {
	f := newFixture(t)
	id := f.session(t)

	cursor := json.RawMessage(`{"line":3}`)
	require.NoError(t, f.engine.UpdateCursor(context.Background(), id, "alice", "a1", cursor))

	assert.Empty(t, f.bc.messages("a1"))
	assert.Equal(t, []any{protocol.NewCursorUpdate("alice", cursor)}, f.bc.messages("a2"))
	assert.Equal(t, []any{protocol.NewCursorUpdate("alice", cursor)}, f.bc.messages("b1"))
}

func TestEngine_SetTimer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.session(t)

	_, err := f.engine.SetTimer(ctx, id, "bob", 5)
	assert.ErrorIs(t, err, interfaces.ErrForbidden)
	_, err = f.engine.SetTimer(ctx, id, "alice", 0)
	assert.ErrorIs(t, err, interfaces.ErrInvalidInput)
	_, err = f.engine.SetTimer(ctx, id, "alice", -3)
	assert.ErrorIs(t, err, interfaces.ErrInvalidInput)
	assert.Empty(t, f.bc.messages("a1"))

	end, err := f.engine.SetTimer(ctx, id, "alice", 5)
	require.NoError(t, err)
	assert.Equal(t, f.now.Add(5*time.Minute), end)

	// The actor's own connections are included.
	for _, conn := range []string{"a1", "a2", "b1"} {
		assert.Equal(t, []any{protocol.NewTimerSet("alice", end)}, f.bc.messages(conn), conn)
	}

	snap, err := f.engine.GetSnapshot(ctx, id, "bob")
	require.NoError(t, err)
	require.NotNil(t, snap.TimerEndTime)
	assert.Equal(t, end, *snap.TimerEndTime)
	assert.False(t, snap.IsLocked)
}

func TestEngine_CheckAndExpireLockIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.session(t)

	_, err := f.engine.SetTimer(ctx, id, "alice", 1)
	require.NoError(t, err)
	f.bc.reset()

	expired, err := f.engine.CheckAndExpireLock(ctx, id)
	require.NoError(t, err)
	assert.False(t, expired, "timer still running")

	f.advance(time.Minute)
	transitions := 0
	for i := 0; i < 10; i++ {
		expired, err := f.engine.CheckAndExpireLock(ctx, id)
		require.NoError(t, err)
		if expired {
			transitions++
		}
	}
	assert.Equal(t, 1, transitions)

	for _, conn := range []string{"a1", "a2", "b1"} {
		assert.Equal(t, 1, count[protocol.SessionLocked](f.bc, conn), conn)
	}

	snap, err := f.engine.GetSnapshot(ctx, id, "alice")
	require.NoError(t, err)
	assert.True(t, snap.IsLocked)
	assert.NotNil(t, snap.TimerEndTime)
}

// Scenario: past-due timer locks out the guest but not the owner.
func TestEngine_LockedSessionRejectsGuestEdits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.session(t)

	require.NoError(t, f.engine.ApplyCodeChange(ctx, id, "bob", "b1", "before", nil))
	_, err := f.engine.SetTimer(ctx, id, "alice", 1)
	require.NoError(t, err)
	f.advance(2 * time.Minute)
	f.bc.reset()

	err = f.engine.ApplyCodeChange(ctx, id, "bob", "b1", "after", nil)
	assert.ErrorIs(t, err, interfaces.ErrForbidden)
	assert.Equal(t, "session is locked", err.Error())
	assert.Zero(t, count[protocol.CodeUpdate](f.bc, "a1"))

	assert.ErrorIs(t, f.engine.ApplyLanguageChange(ctx, id, "bob", "b1", "go"), interfaces.ErrForbidden)
	assert.ErrorIs(t, f.engine.UpdateCursor(ctx, id, "bob", "b1", nil), interfaces.ErrForbidden)

	snap, err := f.engine.GetSnapshot(ctx, id, "bob")
	require.NoError(t, err)
	assert.Equal(t, "before", snap.Code)

	require.NoError(t, f.engine.ApplyCodeChange(ctx, id, "alice", "a1", "owner edit", nil))
	assert.Equal(t, 1, count[protocol.CodeUpdate](f.bc, "b1"))

	// Typing telemetry and history are never blocked.
	speed := 120.0
	require.NoError(t, f.engine.RecordTypingSample(ctx, id, "bob", types.TypingSample{Speed: &speed}))
	_, err = f.engine.History(ctx, id, "bob")
	assert.NoError(t, err)
}

func TestEngine_SetTimerUnlocks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.session(t)

	require.NoError(t, f.engine.SetLock(ctx, id, "alice", true))
	_, err := f.engine.SetTimer(ctx, id, "alice", 10)
	require.NoError(t, err)

	assert.NoError(t, f.engine.ApplyCodeChange(ctx, id, "bob", "b1", "ok", nil))
}

func TestEngine_SetLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.session(t)

	assert.ErrorIs(t, f.engine.SetLock(ctx, id, "bob", true), interfaces.ErrForbidden)

	require.NoError(t, f.engine.SetLock(ctx, id, "alice", true))
	require.NoError(t, f.engine.SetLock(ctx, id, "alice", true))
	assert.Equal(t, 1, count[protocol.SessionLocked](f.bc, "a1"), "repeat lock is a no-op")

	require.NoError(t, f.engine.SetLock(ctx, id, "alice", false))
	require.NoError(t, f.engine.SetLock(ctx, id, "alice", false))
	assert.Equal(t, 1, count[protocol.SessionUnlocked](f.bc, "b1"))

	// Unlocking cancels a pending timer.
	_, err := f.engine.SetTimer(ctx, id, "alice", 1)
	require.NoError(t, err)
	require.NoError(t, f.engine.SetLock(ctx, id, "alice", false))
	f.advance(time.Hour)

	expired, err := f.engine.CheckAndExpireLock(ctx, id)
	require.NoError(t, err)
	assert.False(t, expired)
}

func TestEngine_SweepExpiredLocks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.session(t)
	second := f.session(t)

	_, err := f.engine.SetTimer(ctx, first, "alice", 1)
	require.NoError(t, err)
	_, err = f.engine.SetTimer(ctx, second, "alice", 30)
	require.NoError(t, err)

	f.advance(5 * time.Minute)
	assert.Equal(t, 1, f.engine.SweepExpiredLocks(ctx))
	assert.Equal(t, 0, f.engine.SweepExpiredLocks(ctx))
}

func TestEngine_RecordTypingSample(t *testing.T) {
	f := newFixture(t)
	f.engine.cfg.TypingSampleLimit = 2
	ctx := context.Background()
	id := f.session(t)

	for i := 0; i < 3; i++ {
		speed := float64(100 + i)
		think := int64(i)
		require.NoError(t, f.engine.RecordTypingSample(ctx, id, "bob", types.TypingSample{Speed: &speed, ThinkingTime: &think}))
	}
	assert.Empty(t, f.bc.messages("a1"), "telemetry is never broadcast")

	stored, err := f.store.Get(ctx, id)
	require.NoError(t, err)
	stats := stored.TypingStats["bob"]
	require.Len(t, stats.TypingSpeed, 2)
	assert.Equal(t, 101.0, stats.TypingSpeed[0].CPM)
	require.Len(t, stats.ThinkingTimes, 2)

	assert.ErrorIs(t, f.engine.RecordTypingSample(ctx, id, "mallory", types.TypingSample{Speed: new(float64)}), interfaces.ErrForbidden)
}

// Scenario: owner runs print(1) in python.
func TestEngine_Execute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.session(t)

	require.NoError(t, f.engine.ApplyCodeChange(ctx, id, "alice", "a1", "print(1)", nil))
	f.bc.reset()

	result, err := f.engine.Execute(ctx, id, "alice")
	require.NoError(t, err)
	assert.Equal(t, "1\n", result.Output)
	assert.Empty(t, result.Error)

	require.Len(t, f.exec.calls, 1)
	assert.Equal(t, types.ExecutionRequest{Language: "python", Source: "print(1)"}, f.exec.calls[0])

	for _, conn := range []string{"a1", "a2", "b1"} {
		assert.Equal(t, 1, count[protocol.ExecutionResult](f.bc, conn), conn)
	}

	snap, err := f.engine.GetSnapshot(ctx, id, "bob")
	require.NoError(t, err)
	assert.Equal(t, "1\n", snap.Output)
	assert.Equal(t, types.ChangeExecution, snap.History[len(snap.History)-1].Change)
}

func TestEngine_ExecuteTimeoutIsAResult(t *testing.T) {
	f := newFixture(t)
	f.exec.result = &types.ExecutionResult{Error: "execution timed out", Status: types.ExecutionTimeout, ExitCode: 124}
	f.exec.err = interfaces.NewError(interfaces.ErrTimedOut, "execution timed out")
	ctx := context.Background()
	id := f.session(t)

	result, err := f.engine.Execute(ctx, id, "bob")
	assert.ErrorIs(t, err, interfaces.ErrTimedOut)
	require.NotNil(t, result)
	assert.Equal(t, types.ExecutionTimeout, result.Status)
	assert.Equal(t, 1, count[protocol.ExecutionResult](f.bc, "a1"))

	// The session remains usable.
	assert.NoError(t, f.engine.ApplyCodeChange(ctx, id, "bob", "b1", "x", nil))
}

func TestEngine_ExecuteAuthorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.session(t)

	_, err := f.engine.Execute(ctx, id, "mallory")
	assert.ErrorIs(t, err, interfaces.ErrForbidden)

	require.NoError(t, f.engine.SetLock(ctx, id, "alice", true))
	_, err = f.engine.Execute(ctx, id, "bob")
	assert.ErrorIs(t, err, interfaces.ErrForbidden)

	_, err = f.engine.Execute(ctx, id, "alice")
	assert.NoError(t, err)
	assert.Len(t, f.exec.calls, 1)
}

func TestEngine_ExecuteUnsupportedLanguage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.session(t)

	// Simulate a record persisted with a language the runner lacks.
	ent, err := f.engine.acquire(ctx, id)
	require.NoError(t, err)
	ent.session.Language = "cobol"
	ent.mu.Unlock()

	_, err = f.engine.Execute(ctx, id, "alice")
	assert.ErrorIs(t, err, interfaces.ErrUnsupportedLanguage)
	assert.Empty(t, f.exec.calls)
}

func TestEngine_ExecuteAsync(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.session(t)

	require.NoError(t, f.engine.ExecuteAsync(ctx, id, "bob"))
	assert.Equal(t, 1, count[protocol.ExecutionResult](f.bc, "b1"))

	f.engine.jobs = fullQueue{}
	err := f.engine.ExecuteAsync(ctx, id, "bob")
	assert.ErrorIs(t, err, interfaces.ErrInternal)

	err = f.engine.ExecuteAsync(ctx, id, "mallory")
	assert.ErrorIs(t, err, interfaces.ErrForbidden)
}

func TestEngine_QueuedExecutionSurvivesDisconnect(t *testing.T) {
	f := newFixture(t)
	queue := &heldQueue{}
	f.engine.jobs = queue
	ctx := context.Background()
	id := f.session(t)

	require.NoError(t, f.engine.ApplyCodeChange(ctx, id, "bob", "b1", "print(2)", nil))
	require.NoError(t, f.engine.ExecuteAsync(ctx, id, "bob"))
	require.NoError(t, f.engine.HandleDisconnect(ctx, id, "bob", func() int { return 0 }))
	require.NoError(t, f.engine.ApplyCodeChange(ctx, id, "alice", "a1", "print(3)", nil))
	f.bc.reset()

	queue.runAll()

	require.Len(t, f.exec.calls, 1)
	assert.Equal(t, "print(2)", f.exec.calls[0].Source, "the authorized code runs")
	assert.Equal(t, 1, count[protocol.ExecutionResult](f.bc, "a1"))

	snap, err := f.engine.GetSnapshot(ctx, id, "alice")
	require.NoError(t, err)
	assert.Equal(t, "1\n", snap.Output)
}

func TestEngine_QueuedExecutionSurvivesLock(t *testing.T) {
	f := newFixture(t)
	queue := &heldQueue{}
	f.engine.jobs = queue
	ctx := context.Background()
	id := f.session(t)

	require.NoError(t, f.engine.ExecuteAsync(ctx, id, "bob"))
	require.NoError(t, f.engine.SetLock(ctx, id, "alice", true))
	f.bc.reset()

	queue.runAll()

	assert.Len(t, f.exec.calls, 1)
	assert.Equal(t, 1, count[protocol.ExecutionResult](f.bc, "b1"))
	assert.Equal(t, 0, count[protocol.Error](f.bc, "b1"))

	_, err := f.engine.Execute(ctx, id, "bob")
	assert.ErrorIs(t, err, interfaces.ErrForbidden, "new requests see the lock")
}

func TestEngine_ExecuteUsesQueue(t *testing.T) {
	f := newFixture(t)
	f.engine.jobs = fullQueue{}
	id := f.session(t)

	_, err := f.engine.Execute(context.Background(), id, "alice")
	assert.ErrorIs(t, err, interfaces.ErrInternal)
	assert.Empty(t, f.exec.calls)
}

func TestEngine_ExecuteOutlivesCaller(t *testing.T) {
	f := newFixture(t)
	exec := &blockingExecutor{
		fakeExecutor: fakeExecutor{result: &types.ExecutionResult{Output: "done\n", Status: types.ExecutionSuccess}},
		release:      make(chan struct{}),
	}
	f.engine.executor = exec
	f.engine.jobs = nil
	id := f.session(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := f.engine.Execute(ctx, id, "alice")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(exec.release)
	assert.Eventually(t, func() bool {
		return count[protocol.ExecutionResult](f.bc, "a1") == 1
	}, 2*time.Second, 5*time.Millisecond)

	snap, err := f.engine.GetSnapshot(context.Background(), id, "alice")
	require.NoError(t, err)
	assert.Equal(t, "done\n", snap.Output)
}

func TestEngine_ExecuteWithoutExecutor(t *testing.T) {
	f := newFixture(t)
	f.engine.executor = nil
	id := f.session(t)

	_, err := f.engine.Execute(context.Background(), id, "alice")
	assert.ErrorIs(t, err, ErrExecutionDisabled)
}

func TestEngine_ConnectRunsAttachBeforeOtherBroadcasts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.session(t)

	var got *types.Snapshot
	snap, err := f.engine.Connect(ctx, id, "carol", "Carol", func(s *types.Snapshot) error {
		got = s
		f.bc.attach(id, "c1")
		return f.bc.SendTo("c1", protocol.NewInit(s))
	})
	require.NoError(t, err)
	assert.Equal(t, got, snap)

	msgs := f.bc.messages("c1")
	require.Len(t, msgs, 1)
	assert.IsType(t, protocol.Init{}, msgs[0])
	assert.Equal(t, 1, count[protocol.ParticipantJoined](f.bc, "b1"))
}

func TestEngine_ConnectRollsBackWhenAttachFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.session(t)

	_, err := f.engine.Connect(ctx, id, "carol", "", func(*types.Snapshot) error {
		return interfaces.ErrTransportClosed
	})
	assert.ErrorIs(t, err, interfaces.ErrTransportClosed)

	snap, err := f.engine.GetSnapshot(ctx, id, "alice")
	require.NoError(t, err)
	assert.NotContains(t, snap.Participants, "carol")
	assert.Equal(t, 1, count[protocol.ParticipantLeft](f.bc, "a1"))
}

func TestEngine_FailedPersistLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t)
	fs := &failingStore{MemoryStore: f.store}
	f.engine.store = fs
	ctx := context.Background()
	id := f.session(t)

	fs.failPut = true
	err := f.engine.ApplyCodeChange(ctx, id, "alice", "a1", "lost", nil)
	require.Error(t, err)
	assert.ErrorIs(t, interfaces.Kind(err), interfaces.ErrInternal)
	assert.Empty(t, f.bc.messages("b1"))

	fs.failPut = false
	snap, err := f.engine.GetSnapshot(ctx, id, "alice")
	require.NoError(t, err)
	assert.Empty(t, snap.Code)
}

func TestEngine_LoadsFromStoreOnMiss(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s := types.NewSession("persisted", "alice", "", 4, f.now)
	require.NoError(t, f.store.Put(ctx, s))

	snap, err := f.engine.JoinSession(ctx, "persisted", "bob", "")
	require.NoError(t, err)
	assert.Len(t, snap.Participants, 2)
}

func TestEngine_Restore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s := types.NewSession("persisted", "alice", "", 4, f.now)
	end := f.now.Add(-time.Minute)
	s.TimerEndTime = &end
	require.NoError(t, f.store.Put(ctx, s))

	n, err := f.engine.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := f.store.Get(ctx, "persisted")
	require.NoError(t, err)
	assert.Empty(t, stored.Participants, "presence is reset on restore")

	assert.Equal(t, 1, f.engine.SweepExpiredLocks(ctx))
}

func TestEngine_ListSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.CreateSession(ctx, "alice", "", 0)
	require.NoError(t, err)
	f.advance(time.Minute)
	second, err := f.engine.CreateSession(ctx, "alice", "", 0)
	require.NoError(t, err)
	_, err = f.engine.CreateSession(ctx, "bob", "", 0)
	require.NoError(t, err)

	owned, err := f.engine.ListSessions(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, owned, 2)
	assert.Equal(t, second.ID, owned[0].ID)
}

func TestSweeper_StartStop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.session(t)

	_, err := f.engine.SetTimer(ctx, id, "alice", 1)
	require.NoError(t, err)
	f.advance(2 * time.Minute)

	sw := NewSweeper(f.engine, 5*time.Millisecond, zerolog.Nop())
	sw.Start(ctx)
	sw.Start(ctx)

	assert.Eventually(t, func() bool {
		return count[protocol.SessionLocked](f.bc, "b1") == 1
	}, time.Second, 5*time.Millisecond)

	sw.Stop()
	sw.Stop()
}
