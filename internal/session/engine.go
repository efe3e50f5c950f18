package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"codespace/internal/metrics"
	"codespace/pkg/interfaces"
	"codespace/pkg/protocol"
	"codespace/pkg/types"
)

// Config holds the engine's tunables.
type Config struct {
	DefaultMaxParticipants int
	MaxParticipantsLimit   int
	HistoryLimit           int
	MaxCodeSize            int
	MaxTimerMinutes        int
	TypingSampleLimit      int // 0 keeps every sample
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		DefaultMaxParticipants: types.DefaultMaxParticipants,
		MaxParticipantsLimit:   1000,
		HistoryLimit:           types.HistoryLimit,
		MaxCodeSize:            1 << 20,
		MaxTimerMinutes:        24 * 60,
	}
}

// entry is the cached state of one session. mu serializes every mutation of
// the session; deleted is set once the record is gone so that waiters which
// already hold the pointer observe the deletion.
type entry struct {
	mu      sync.Mutex
	session *types.Session
	deleted bool
}

// Engine implements interfaces.SessionEngine.
//
// Every mutation follows the same sequence under the session lock: clone the
// current record, change the clone, persist it, swap it in, broadcast. A
// failed Put therefore leaves the cached session untouched.
type Engine struct {
	store       interfaces.SessionStore
	broadcaster interfaces.Broadcaster
	executor    interfaces.Executor
	jobs        interfaces.JobQueue
	cfg         Config
	now         func() time.Time
	log         zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*entry
}

// NewEngine creates a session engine. executor and jobs may be nil: without an
// executor execution requests fail, without a queue each execution runs on its
// own goroutine.
func NewEngine(
	store interfaces.SessionStore,
	broadcaster interfaces.Broadcaster,
	executor interfaces.Executor,
	jobs interfaces.JobQueue,
	cfg Config,
	log zerolog.Logger,
) *Engine {
	return &Engine{
		store:       store,
		broadcaster: broadcaster,
		executor:    executor,
		jobs:        jobs,
		cfg:         cfg,
		now:         time.Now,
		log:         log.With().Str("component", "session-engine").Logger(),
		sessions:    make(map[string]*entry),
	}
}

// SetClock replaces the time source. Tests use it to drive timer expiry.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Restore loads persisted sessions into the cache. Presence does not survive
// a restart, so participant sets are cleared and users rejoin on reconnect.
func (e *Engine) Restore(ctx context.Context) (int, error) {
	sessions, err := e.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load sessions: %w", err)
	}

	restored := 0
	for _, s := range sessions {
		if len(s.Participants) > 0 {
			s.Participants = map[string]types.Participant{}
			if err := e.store.Put(ctx, s); err != nil {
				e.log.Warn().Err(err).Str("session_id", s.ID).Msg("failed to reset participants")
				continue
			}
		}

		e.mu.Lock()
		if _, exists := e.sessions[s.ID]; !exists {
			e.sessions[s.ID] = &entry{session: s}
			restored++
		}
		e.mu.Unlock()
	}
	e.updateGauge()

	e.log.Info().Int("sessions", restored).Msg("restored sessions")
	return restored, nil
}

// lookup returns the cache entry for id, loading it from the store on a miss.
func (e *Engine) lookup(ctx context.Context, id string) (*entry, error) {
	e.mu.Lock()
	ent, ok := e.sessions[id]
	e.mu.Unlock()
	if ok {
		return ent, nil
	}

	s, err := e.store.Get(ctx, id)
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.sessions[id]; ok {
		return existing, nil
	}
	ent = &entry{session: s}
	e.sessions[id] = ent
	return ent, nil
}

// acquire returns the locked entry for id. The caller must unlock it.
func (e *Engine) acquire(ctx context.Context, id string) (*entry, error) {
	ent, err := e.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	ent.mu.Lock()
	if ent.deleted {
		ent.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	return ent, nil
}

// commit persists next and makes it the current record.
func (e *Engine) commit(ctx context.Context, ent *entry, next *types.Session) error {
	if err := e.store.Put(ctx, next); err != nil {
		return fmt.Errorf("failed to persist session %s: %w", next.ID, err)
	}
	ent.session = next
	return nil
}

func (e *Engine) broadcast(sessionID string, msg any, excludeConnID string) {
	if e.broadcaster != nil {
		e.broadcaster.Broadcast(sessionID, msg, excludeConnID)
	}
}

func (e *Engine) updateGauge() {
	e.mu.Lock()
	n := len(e.sessions)
	e.mu.Unlock()
	metrics.ActiveSessions.Set(float64(n))
}

// CreateSession creates a session owned by ownerID. maxParticipants of zero
// selects the configured default.
func (e *Engine) CreateSession(ctx context.Context, ownerID, ownerName string, maxParticipants int) (*types.Session, error) {
	if !types.IsValidUserID(ownerID) {
		return nil, ErrInvalidUserID
	}
	if !types.IsValidDisplayName(ownerName) {
		return nil, ErrInvalidDisplayName
	}
	if maxParticipants == 0 {
		maxParticipants = e.cfg.DefaultMaxParticipants
	}
	if maxParticipants < 1 || (e.cfg.MaxParticipantsLimit > 0 && maxParticipants > e.cfg.MaxParticipantsLimit) {
		return nil, ErrInvalidMaxParticipants
	}

	s := types.NewSession(uuid.New().String(), ownerID, ownerName, maxParticipants, e.now().UTC())
	if err := e.store.Put(ctx, s); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	e.mu.Lock()
	e.sessions[s.ID] = &entry{session: s}
	e.mu.Unlock()
	e.updateGauge()
	metrics.SessionsCreated.Inc()

	e.log.Info().Str("session_id", s.ID).Str("user_id", ownerID).Int("max_participants", maxParticipants).Msg("session created")
	return s.Clone(), nil
}

// GetSnapshot returns the session as seen by a participant.
func (e *Engine) GetSnapshot(ctx context.Context, sessionID, userID string) (*types.Snapshot, error) {
	ent, err := e.acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer ent.mu.Unlock()

	e.expireLocked(ctx, ent)
	if !ent.session.IsMember(userID) {
		return nil, ErrNotParticipant
	}
	return ent.session.SnapshotFor(userID), nil
}

// ListSessions returns the sessions owned by ownerID, most recently active first.
func (e *Engine) ListSessions(ctx context.Context, ownerID string) ([]*types.Session, error) {
	sessions, err := e.store.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}

// hasSeat reports whether userID may be added to s. While the owner is away
// one seat stays reserved for them, so a guest can be refused with fewer than
// MaxParticipants present. The owner is always re-admitted unless every seat
// is held by guests, which admission never allows.
func hasSeat(s *types.Session, userID string) bool {
	if s.IsOwner(userID) {
		return len(s.Participants) < s.MaxParticipants
	}
	taken := len(s.Participants)
	if !s.IsMember(s.OwnerID) {
		taken++
	}
	return taken < s.MaxParticipants
}

// admitLocked adds userID to the session if needed. It reports whether the
// membership changed.
func (e *Engine) admitLocked(ctx context.Context, ent *entry, userID, displayName string) (bool, error) {
	if !types.IsValidUserID(userID) {
		return false, ErrInvalidUserID
	}
	if !types.IsValidDisplayName(displayName) {
		return false, ErrInvalidDisplayName
	}

	s := ent.session
	if s.IsMember(userID) {
		return false, nil
	}
	if !hasSeat(s, userID) {
		return false, ErrSessionFull
	}

	next := s.Clone()
	participant := types.NewParticipant(userID, displayName)
	next.Participants[userID] = participant
	next.LastActive = e.now().UTC()
	if err := e.commit(ctx, ent, next); err != nil {
		return false, err
	}

	e.broadcast(next.ID, protocol.NewParticipantJoined(userID, participant), "")
	e.log.Info().Str("session_id", next.ID).Str("user_id", userID).Int("participants", len(next.Participants)).Msg("participant joined")
	return true, nil
}

// JoinSession adds userID to the session and returns its snapshot.
func (e *Engine) JoinSession(ctx context.Context, sessionID, userID, displayName string) (*types.Snapshot, error) {
	return e.Connect(ctx, sessionID, userID, displayName, nil)
}

// Connect joins userID and runs attach while still holding the session lock,
// so the attached connection receives nothing before its snapshot.
func (e *Engine) Connect(ctx context.Context, sessionID, userID, displayName string, attach func(*types.Snapshot) error) (*types.Snapshot, error) {
	ent, err := e.acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer ent.mu.Unlock()

	e.expireLocked(ctx, ent)

	prev := ent.session
	joined, err := e.admitLocked(ctx, ent, userID, displayName)
	if err != nil {
		return nil, err
	}

	snapshot := ent.session.SnapshotFor(userID)
	if attach == nil {
		return snapshot, nil
	}
	if err := attach(snapshot); err != nil {
		if joined {
			if rbErr := e.commit(ctx, ent, prev); rbErr != nil {
				e.log.Error().Err(rbErr).Str("session_id", sessionID).Msg("failed to roll back join")
			} else {
				e.broadcast(sessionID, protocol.NewParticipantLeft(userID), "")
			}
		}
		return nil, fmt.Errorf("failed to attach connection: %w", err)
	}
	return snapshot, nil
}

// LeaveSession removes a non-owner participant.
func (e *Engine) LeaveSession(ctx context.Context, sessionID, userID string) error {
	ent, err := e.acquire(ctx, sessionID)
	if err != nil {
		return err
	}
	defer ent.mu.Unlock()

	if ent.session.IsOwner(userID) {
		return ErrOwnerCannotLeave
	}
	if !ent.session.IsMember(userID) {
		return ErrParticipantNotFound
	}
	return e.removeLocked(ctx, ent, userID)
}

// HandleDisconnect runs detach under the session lock and removes userID once
// detach reports no remaining connections. A session left with no
// participants is deleted.
func (e *Engine) HandleDisconnect(ctx context.Context, sessionID, userID string, detach func() int) error {
	ent, err := e.acquire(ctx, sessionID)
	if err != nil {
		if detach != nil {
			detach()
		}
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil
		}
		return err
	}
	defer ent.mu.Unlock()

	remaining := 0
	if detach != nil {
		remaining = detach()
	}
	if remaining > 0 || !ent.session.IsMember(userID) {
		return nil
	}
	return e.removeLocked(ctx, ent, userID)
}

func (e *Engine) removeLocked(ctx context.Context, ent *entry, userID string) error {
	next := ent.session.Clone()
	delete(next.Participants, userID)
	next.LastActive = e.now().UTC()

	if len(next.Participants) == 0 {
		e.broadcast(next.ID, protocol.NewParticipantLeft(userID), "")
		e.log.Info().Str("session_id", next.ID).Str("user_id", userID).Msg("last participant left")
		return e.deleteLocked(ctx, ent, "empty")
	}

	if err := e.commit(ctx, ent, next); err != nil {
		return err
	}
	e.broadcast(next.ID, protocol.NewParticipantLeft(userID), "")
	e.log.Info().Str("session_id", next.ID).Str("user_id", userID).Int("participants", len(next.Participants)).Msg("participant left")
	return nil
}

// DeleteSession removes the session. Only the owner may delete it.
func (e *Engine) DeleteSession(ctx context.Context, sessionID, callerID string) error {
	ent, err := e.acquire(ctx, sessionID)
	if err != nil {
		return err
	}
	defer ent.mu.Unlock()

	if !ent.session.IsOwner(callerID) {
		return ErrNotOwner
	}
	return e.deleteLocked(ctx, ent, "owner")
}

func (e *Engine) deleteLocked(ctx context.Context, ent *entry, reason string) error {
	id := ent.session.ID
	if err := e.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	ent.deleted = true

	e.mu.Lock()
	delete(e.sessions, id)
	e.mu.Unlock()
	e.updateGauge()
	metrics.RecordSessionDeleted(reason)

	e.broadcast(id, protocol.NewSessionDeleted(id), "")
	if e.broadcaster != nil {
		e.broadcaster.CloseSession(id)
	}

	e.log.Info().Str("session_id", id).Str("reason", reason).Msg("session deleted")
	return nil
}

// SetTimer starts a countdown after which the session locks. It clears any
// current lock.
func (e *Engine) SetTimer(ctx context.Context, sessionID, callerID string, durationMinutes int) (time.Time, error) {
	ent, err := e.acquire(ctx, sessionID)
	if err != nil {
		return time.Time{}, err
	}
	defer ent.mu.Unlock()

	if !ent.session.IsOwner(callerID) {
		return time.Time{}, ErrNotOwner
	}
	if durationMinutes <= 0 || (e.cfg.MaxTimerMinutes > 0 && durationMinutes > e.cfg.MaxTimerMinutes) {
		return time.Time{}, ErrInvalidDuration
	}

	now := e.now().UTC()
	end := now.Add(time.Duration(durationMinutes) * time.Minute)

	next := ent.session.Clone()
	next.IsLocked = false
	next.TimerEndTime = &end
	next.LastActive = now
	if err := e.commit(ctx, ent, next); err != nil {
		return time.Time{}, err
	}

	e.broadcast(sessionID, protocol.NewTimerSet(next.OwnerID, end), "")
	e.log.Info().Str("session_id", sessionID).Time("end_time", end).Msg("timer set")
	return end, nil
}

// SetLock locks or unlocks the session by hand. Either direction cancels a
// pending timer. Requesting the current state is a no-op.
func (e *Engine) SetLock(ctx context.Context, sessionID, callerID string, locked bool) error {
	ent, err := e.acquire(ctx, sessionID)
	if err != nil {
		return err
	}
	defer ent.mu.Unlock()

	if !ent.session.IsOwner(callerID) {
		return ErrNotOwner
	}

	e.expireLocked(ctx, ent)

	s := ent.session
	if locked && s.IsLocked {
		return nil
	}
	if !locked && s.State() == types.UnlockedNoTimer {
		return nil
	}

	next := s.Clone()
	next.IsLocked = locked
	next.TimerEndTime = nil
	next.LastActive = e.now().UTC()
	if err := e.commit(ctx, ent, next); err != nil {
		return err
	}

	if locked {
		e.broadcast(sessionID, protocol.NewSessionLocked(next.OwnerID), "")
	} else {
		e.broadcast(sessionID, protocol.NewSessionUnlocked(next.OwnerID), "")
	}
	e.log.Info().Str("session_id", sessionID).Bool("locked", locked).Msg("lock changed by owner")
	return nil
}

// CheckAndExpireLock locks the session if its timer has run out. It reports
// whether this call performed the transition.
func (e *Engine) CheckAndExpireLock(ctx context.Context, sessionID string) (bool, error) {
	ent, err := e.acquire(ctx, sessionID)
	if err != nil {
		return false, err
	}
	defer ent.mu.Unlock()

	return e.expireLocked(ctx, ent), nil
}

// expireLocked performs the timer transition for a locked entry. The timer
// end time is kept so clients can still display when the session closed.
func (e *Engine) expireLocked(ctx context.Context, ent *entry) bool {
	if !ent.session.TimerExpired(e.now()) {
		return false
	}

	next := ent.session.Clone()
	next.IsLocked = true
	if err := e.commit(ctx, ent, next); err != nil {
		e.log.Error().Err(err).Str("session_id", next.ID).Msg("failed to persist timer lock")
		return false
	}

	metrics.LocksExpired.Inc()
	e.broadcast(next.ID, protocol.NewSessionLocked(next.OwnerID), "")
	e.log.Info().Str("session_id", next.ID).Msg("timer expired, session locked")
	return true
}

// SweepExpiredLocks applies the timer transition to every cached session and
// returns how many were locked.
func (e *Engine) SweepExpiredLocks(ctx context.Context) int {
	e.mu.Lock()
	entries := make([]*entry, 0, len(e.sessions))
	for _, ent := range e.sessions {
		entries = append(entries, ent)
	}
	e.mu.Unlock()

	locked := 0
	for _, ent := range entries {
		ent.mu.Lock()
		if !ent.deleted && e.expireLocked(ctx, ent) {
			locked++
		}
		ent.mu.Unlock()
	}
	return locked
}

// checkEditor applies the participant and lock rules for buffer mutations.
func checkEditor(s *types.Session, userID string) error {
	if !s.IsMember(userID) {
		return ErrNotParticipant
	}
	if !s.CanEdit(userID) {
		return ErrSessionLocked
	}
	return nil
}

// ApplyCodeChange replaces the shared buffer and relays it to every other
// connection of the session.
func (e *Engine) ApplyCodeChange(ctx context.Context, sessionID, userID, originConnID, code string, cursor json.RawMessage) error {
	if e.cfg.MaxCodeSize > 0 && len(code) > e.cfg.MaxCodeSize {
		return ErrCodeTooLarge
	}

	ent, err := e.acquire(ctx, sessionID)
	if err != nil {
		return err
	}
	defer ent.mu.Unlock()

	e.expireLocked(ctx, ent)
	if err := checkEditor(ent.session, userID); err != nil {
		return err
	}

	now := e.now().UTC()
	next := ent.session.Clone()
	next.Code = code
	next.LastActive = now
	next.AppendHistory(types.HistoryEntry{Timestamp: now, UserID: userID, Change: types.ChangeCodeUpdate}, e.cfg.HistoryLimit)
	if err := e.commit(ctx, ent, next); err != nil {
		return err
	}

	e.broadcast(sessionID, protocol.NewCodeUpdate(userID, code, cursor), originConnID)
	return nil
}

// ApplyLanguageChange switches the session language.
func (e *Engine) ApplyLanguageChange(ctx context.Context, sessionID, userID, originConnID, language string) error {
	if language == "" || (e.executor != nil && !e.executor.Supports(language)) {
		return ErrInvalidLanguage
	}

	ent, err := e.acquire(ctx, sessionID)
	if err != nil {
		return err
	}
	defer ent.mu.Unlock()

	e.expireLocked(ctx, ent)
	if err := checkEditor(ent.session, userID); err != nil {
		return err
	}
	if ent.session.Language == language {
		return nil
	}

	now := e.now().UTC()
	next := ent.session.Clone()
	next.Language = language
	next.LastActive = now
	next.AppendHistory(types.HistoryEntry{Timestamp: now, UserID: userID, Change: types.ChangeLanguageUpdate}, e.cfg.HistoryLimit)
	if err := e.commit(ctx, ent, next); err != nil {
		return err
	}

	e.broadcast(sessionID, protocol.NewLanguageUpdate(userID, language), originConnID)
	e.log.Debug().Str("session_id", sessionID).Str("user_id", userID).Str("language", language).Msg("language changed")
	return nil
}

// UpdateCursor relays a cursor position. Nothing is stored.
func (e *Engine) UpdateCursor(ctx context.Context, sessionID, userID, originConnID string, cursor json.RawMessage) error {
	ent, err := e.acquire(ctx, sessionID)
	if err != nil {
		return err
	}
	defer ent.mu.Unlock()

	e.expireLocked(ctx, ent)
	if err := checkEditor(ent.session, userID); err != nil {
		return err
	}

	e.broadcast(sessionID, protocol.NewCursorUpdate(userID, cursor), originConnID)
	return nil
}

// History returns a copy of the session history.
func (e *Engine) History(ctx context.Context, sessionID, userID string) ([]types.HistoryEntry, error) {
	ent, err := e.acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer ent.mu.Unlock()

	if !ent.session.IsMember(userID) {
		return nil, ErrNotParticipant
	}
	return append([]types.HistoryEntry{}, ent.session.History...), nil
}

// RecordTypingSample stores typing telemetry. It ignores the lock state and
// is never broadcast.
func (e *Engine) RecordTypingSample(ctx context.Context, sessionID, userID string, sample types.TypingSample) error {
	if sample.Speed == nil && sample.ThinkingTime == nil {
		return nil
	}

	ent, err := e.acquire(ctx, sessionID)
	if err != nil {
		return err
	}
	defer ent.mu.Unlock()

	if !ent.session.IsMember(userID) {
		return ErrNotParticipant
	}

	next := ent.session.Clone()
	next.RecordTyping(userID, sample, e.now().UTC(), e.cfg.TypingSampleLimit)
	return e.commit(ctx, ent, next)
}

// authorizeExecution checks the caller and returns what to run.
func (e *Engine) authorizeExecution(ctx context.Context, sessionID, userID string) (types.ExecutionRequest, error) {
	if e.executor == nil {
		return types.ExecutionRequest{}, ErrExecutionDisabled
	}

	ent, err := e.acquire(ctx, sessionID)
	if err != nil {
		return types.ExecutionRequest{}, err
	}
	defer ent.mu.Unlock()

	e.expireLocked(ctx, ent)
	if err := checkEditor(ent.session, userID); err != nil {
		return types.ExecutionRequest{}, err
	}

	req := types.ExecutionRequest{Language: ent.session.Language, Source: ent.session.Code}
	if !e.executor.Supports(req.Language) {
		return types.ExecutionRequest{}, interfaces.NewError(interfaces.ErrUnsupportedLanguage,
			fmt.Sprintf("language %q cannot be executed", req.Language))
	}
	return req, nil
}

// Execute runs the session's code on behalf of userID and waits for the
// result. The run goes through the job queue and is detached from ctx, so a
// caller that gives up only stops waiting: the result is still folded into
// the session and broadcast to every connection.
func (e *Engine) Execute(ctx context.Context, sessionID, userID string) (*types.ExecutionResult, error) {
	req, err := e.authorizeExecution(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}

	type outcome struct {
		result *types.ExecutionResult
		err    error
	}
	done := make(chan outcome, 1)
	job := func(jobCtx context.Context) {
		result, err := e.run(jobCtx, sessionID, userID, req)
		done <- outcome{result: result, err: err}
	}
	if err := e.dispatch(ctx, job); err != nil {
		return nil, err
	}

	select {
	case out := <-done:
		return out.result, out.err
	case <-ctx.Done():
		e.log.Debug().Str("session_id", sessionID).Str("user_id", userID).Msg("caller stopped waiting for execution")
		return nil, ctx.Err()
	}
}

// run executes an already authorized request. The session lock is not held
// while the code runs.
func (e *Engine) run(ctx context.Context, sessionID, userID string, req types.ExecutionRequest) (*types.ExecutionResult, error) {
	result, execErr := e.executor.Execute(ctx, req)
	if result == nil {
		if execErr == nil {
			execErr = fmt.Errorf("executor returned no result: %w", interfaces.ErrInternal)
		}
		e.log.Error().Err(execErr).Str("session_id", sessionID).Str("language", req.Language).Msg("execution failed")
		return nil, execErr
	}
	metrics.RecordExecution(req.Language, result.Status, result.Duration)

	e.applyResult(context.WithoutCancel(ctx), sessionID, userID, req.Language, result)
	return result, execErr
}

// dispatch hands job to the queue, or to a goroutine when there is none.
func (e *Engine) dispatch(ctx context.Context, job func(context.Context)) error {
	if e.jobs == nil {
		go job(context.WithoutCancel(ctx))
		return nil
	}
	return e.jobs.Submit(job)
}

func (e *Engine) applyResult(ctx context.Context, sessionID, userID, language string, result *types.ExecutionResult) {
	ent, err := e.acquire(ctx, sessionID)
	if err != nil {
		e.log.Debug().Err(err).Str("session_id", sessionID).Msg("session gone before execution finished")
		return
	}
	defer ent.mu.Unlock()

	now := e.now().UTC()
	next := ent.session.Clone()
	next.Output = result.DisplayOutput()
	next.LastActive = now
	next.AppendHistory(types.HistoryEntry{Timestamp: now, UserID: userID, Change: types.ChangeExecution}, e.cfg.HistoryLimit)
	if err := e.commit(ctx, ent, next); err != nil {
		e.log.Error().Err(err).Str("session_id", sessionID).Msg("failed to store execution output")
		return
	}

	if recorder, ok := e.store.(interfaces.ExecutionRecorder); ok {
		if err := recorder.RecordExecution(ctx, sessionID, userID, language, result, now); err != nil {
			e.log.Warn().Err(err).Str("session_id", sessionID).Msg("failed to record execution")
		}
	}

	e.broadcast(sessionID, protocol.NewExecutionResult(userID, result), "")
	e.log.Info().
		Str("session_id", sessionID).
		Str("user_id", userID).
		Str("language", language).
		Str("status", result.Status).
		Dur("duration", result.Duration).
		Msg("execution finished")
}

// ExecuteAsync authorizes the request now and runs exactly that code on the
// job queue. A later disconnect or lock does not cancel it. The result
// reaches clients as an execution_result broadcast.
func (e *Engine) ExecuteAsync(ctx context.Context, sessionID, userID string) error {
	req, err := e.authorizeExecution(ctx, sessionID, userID)
	if err != nil {
		return err
	}

	return e.dispatch(ctx, func(jobCtx context.Context) {
		if _, err := e.run(jobCtx, sessionID, userID, req); err != nil && !errors.Is(err, interfaces.ErrTimedOut) {
			e.log.Warn().Err(err).Str("session_id", sessionID).Str("user_id", userID).Msg("background execution failed")
		}
	})
}

var _ interfaces.SessionEngine = (*Engine)(nil)
