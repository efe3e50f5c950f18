package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	dbconfig "codespace/pkg/database"
	"codespace/pkg/interfaces"
	"codespace/pkg/types"
)

// ErrSessionNotFound is returned by Get for unknown session IDs.
var ErrSessionNotFound = interfaces.NewError(interfaces.ErrNotFound, "session not found")

var errManagerClosed = fmt.Errorf("database manager is closed: %w", interfaces.ErrInternal)

// Manager is the SQLite-backed session store
// ARCHITECTURAL DISCOVERY: Reads go straight to the pool while every write is
// funneled through one goroutine, which removes SQLite write contention
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	log          zerolog.Logger
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex

	retryDelay   time.Duration
	writeTimeout time.Duration
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the database and starts the writer goroutine. Call Migrate
// before first use on a fresh file.
func NewManager(config *dbconfig.Config, log zerolog.Logger) (*Manager, error) {
	db, err := dbconfig.Open(config)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		db:           db,
		config:       config,
		log:          log.With().Str("component", "sqlite-store").Logger(),
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
		retryDelay:   5 * time.Second,
		writeTimeout: 30 * time.Second,
	}

	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// Migrate applies pending schema migrations and validates the result.
func (m *Manager) Migrate() ([]string, error) {
	mm := dbconfig.NewMigrationManager(m.db, dbconfig.MigrationsFS(m.config))
	applied, err := mm.ApplyMigrations()
	if err != nil {
		return applied, err
	}
	if err := mm.ValidateSchema(); err != nil {
		return applied, fmt.Errorf("schema validation failed: %w", err)
	}
	if len(applied) > 0 {
		m.log.Info().Strs("versions", applied).Msg("migrations applied")
	}
	return applied, nil
}

func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(m.db)
			// FUNCTIONAL DISCOVERY: Only lock contention is worth one delayed retry;
			// constraint failures would fail again
			if err != nil && isBusy(err) {
				m.log.Warn().Err(err).Dur("retry_in", m.retryDelay).Msg("database busy, retrying write")
				time.Sleep(m.retryDelay)
				err = op.operation(m.db)
			}
			if err != nil {
				m.log.Error().Err(err).Msg("database write failed")
			}
			op.result <- err

		case <-m.shutdown:
			m.log.Debug().Msg("write loop shutting down")
			return
		}
	}
}

func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return errManagerClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)
	timer := time.NewTimer(m.writeTimeout)
	defer timer.Stop()

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-timer.C:
		return fmt.Errorf("write operation timeout: %w", interfaces.ErrInternal)
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown:
		return errManagerClosed
	}

	select {
	case err := <-result:
		return err
	case <-m.shutdown:
		return errManagerClosed
	}
}

const sessionColumns = `id, owner_id, code, language, output, participants, max_participants,
	history, is_locked, timer_end_time, typing_stats, created_at, last_active`

// Put inserts or replaces a session row
func (m *Manager) Put(ctx context.Context, session *types.Session) error {
	participants, err := json.Marshal(session.Participants)
	if err != nil {
		return fmt.Errorf("failed to marshal participants: %w", err)
	}
	history, err := json.Marshal(session.History)
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}
	typingStats, err := json.Marshal(session.TypingStats)
	if err != nil {
		return fmt.Errorf("failed to marshal typing stats: %w", err)
	}

	var timerEnd sql.NullTime
	if session.TimerEndTime != nil {
		timerEnd = sql.NullTime{Time: session.TimerEndTime.UTC(), Valid: true}
	}

	return m.executeWrite(ctx, func(db *sql.DB) error {
		query := `
			INSERT INTO sessions (` + sessionColumns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				owner_id = excluded.owner_id,
				code = excluded.code,
				language = excluded.language,
				output = excluded.output,
				participants = excluded.participants,
				max_participants = excluded.max_participants,
				history = excluded.history,
				is_locked = excluded.is_locked,
				timer_end_time = excluded.timer_end_time,
				typing_stats = excluded.typing_stats,
				last_active = excluded.last_active
		`
		_, err := db.ExecContext(ctx, query,
			session.ID,
			session.OwnerID,
			session.Code,
			session.Language,
			session.Output,
			string(participants),
			session.MaxParticipants,
			string(history),
			session.IsLocked,
			timerEnd,
			string(typingStats),
			session.CreatedAt.UTC(),
			session.LastActive.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to upsert session: %w", err)
		}
		return nil
	})
}

// Get retrieves a session by ID
func (m *Manager) Get(ctx context.Context, sessionID string) (*types.Session, error) {
	row := m.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, sessionID)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	return session, nil
}

// Delete removes a session; its execution rows cascade
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		if _, err := db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID); err != nil {
			return fmt.Errorf("failed to delete session: %w", err)
		}
		return nil
	})
}

// List returns every stored session, most recently active first
func (m *Manager) List(ctx context.Context) ([]*types.Session, error) {
	return m.query(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY last_active DESC`)
}

// ListByOwner returns the sessions owned by ownerID, most recently active first
func (m *Manager) ListByOwner(ctx context.Context, ownerID string) ([]*types.Session, error) {
	return m.query(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE owner_id = ? ORDER BY last_active DESC`, ownerID)
}

// RecordExecution appends one row to the execution audit trail
func (m *Manager) RecordExecution(ctx context.Context, sessionID, userID, language string, result *types.ExecutionResult, at time.Time) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO executions (session_id, user_id, language, status, exit_code, duration_ms, executed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, sessionID, userID, language, result.Status, result.ExitCode, result.Duration.Milliseconds(), at.UTC())
		if err != nil {
			return fmt.Errorf("failed to record execution: %w", err)
		}
		return nil
	})
}

// ExecutionCount returns how many executions were recorded for a session.
func (m *Manager) ExecutionCount(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM executions WHERE session_id = ?`, sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count executions: %w", err)
	}
	return count, nil
}

func (m *Manager) query(ctx context.Context, query string, args ...any) ([]*types.Session, error) {
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*types.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session rows: %w", err)
	}
	return sessions, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*types.Session, error) {
	var (
		session      types.Session
		participants string
		history      string
		typingStats  string
		timerEnd     sql.NullTime
	)

	err := row.Scan(
		&session.ID,
		&session.OwnerID,
		&session.Code,
		&session.Language,
		&session.Output,
		&participants,
		&session.MaxParticipants,
		&history,
		&session.IsLocked,
		&timerEnd,
		&typingStats,
		&session.CreatedAt,
		&session.LastActive,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(participants), &session.Participants); err != nil {
		return nil, fmt.Errorf("failed to unmarshal participants: %w", err)
	}
	if err := json.Unmarshal([]byte(history), &session.History); err != nil {
		return nil, fmt.Errorf("failed to unmarshal history: %w", err)
	}
	if err := json.Unmarshal([]byte(typingStats), &session.TypingStats); err != nil {
		return nil, fmt.Errorf("failed to unmarshal typing stats: %w", err)
	}
	if session.Participants == nil {
		session.Participants = map[string]types.Participant{}
	}
	if session.History == nil {
		session.History = []types.HistoryEntry{}
	}
	if session.TypingStats == nil {
		session.TypingStats = map[string]types.TypingStats{}
	}
	if timerEnd.Valid {
		t := timerEnd.Time.UTC()
		session.TimerEndTime = &t
	}
	session.CreatedAt = session.CreatedAt.UTC()
	session.LastActive = session.LastActive.UTC()

	return &session, nil
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var count int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions").Scan(&count); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// VerifyConstraints checks that the foreign key and check constraints are
// enforced. It runs on the writer since it inserts and removes test rows.
func (m *Manager) VerifyConstraints(ctx context.Context) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		return dbconfig.NewSchemaValidator(db).ValidateConstraints()
	})
}

// Close stops the writer goroutine and closes the pool. It is idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
