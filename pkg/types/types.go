package types

import (
	"fmt"
	"hash/fnv"
	"time"
)

// Session defaults.
const (
	DefaultLanguage        = "python"
	DefaultMaxParticipants = 100
	HistoryLimit           = 100
)

// History change descriptors
const (
	ChangeCodeUpdate     = "code_update"
	ChangeLanguageUpdate = "language_update"
	ChangeExecution      = "execution"
)

// Execution statuses
const (
	ExecutionSuccess = "success"
	ExecutionError   = "error"
	ExecutionTimeout = "timeout"
)

// LockState is the derived state of the lock/timer machine.
type LockState int

const (
	UnlockedNoTimer LockState = iota
	UnlockedTimerPending
	Locked
)

func (s LockState) String() string {
	switch s {
	case UnlockedNoTimer:
		return "unlocked"
	case UnlockedTimerPending:
		return "timer_pending"
	case Locked:
		return "locked"
	default:
		return "unknown"
	}
}

// Participant is the display record of a session member.
type Participant struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

// HistoryEntry records a single mutation of the shared buffer.
type HistoryEntry struct {
	Timestamp time.Time `json:"timestamp"`
	UserID    string    `json:"userId"`
	Change    string    `json:"change"`
}

// TypingSpeedSample is one characters-per-minute measurement.
type TypingSpeedSample struct {
	Timestamp time.Time `json:"timestamp"`
	CPM       float64   `json:"cpm"`
}

// ThinkingTimeSample is one pause between edits.
type ThinkingTimeSample struct {
	Timestamp  time.Time `json:"timestamp"`
	DurationMS int64     `json:"durationMs"`
}

// TypingStats accumulates per-user cadence samples. It is never broadcast.
type TypingStats struct {
	TypingSpeed   []TypingSpeedSample  `json:"typingSpeed"`
	ThinkingTimes []ThinkingTimeSample `json:"thinkingTimes"`
}

// TypingSample is one inbound cadence report; either field may be absent.
type TypingSample struct {
	Speed        *float64
	ThinkingTime *int64
}

// Session represents a collaborative editing session
// ARCHITECTURAL DISCOVERY: Lock state is a genuine boolean; textual forms only exist
// inside store serialization
type Session struct {
	ID              string                 `json:"id"`
	OwnerID         string                 `json:"ownerId"`
	Code            string                 `json:"code"`
	Language        string                 `json:"language"`
	Output          string                 `json:"output"`
	CreatedAt       time.Time              `json:"createdAt"`
	LastActive      time.Time              `json:"lastActive"`
	Participants    map[string]Participant `json:"participants"`
	MaxParticipants int                    `json:"maxParticipants"`
	History         []HistoryEntry         `json:"history"`
	IsLocked        bool                   `json:"isLocked"`
	TimerEndTime    *time.Time             `json:"timerEndTime,omitempty"`
	TypingStats     map[string]TypingStats `json:"typingStats,omitempty"`
}

// NewSession builds an empty session owned by ownerID.
func NewSession(id, ownerID, ownerName string, maxParticipants int, now time.Time) *Session {
	return &Session{
		ID:              id,
		OwnerID:         ownerID,
		Language:        DefaultLanguage,
		CreatedAt:       now,
		LastActive:      now,
		Participants:    map[string]Participant{ownerID: NewParticipant(ownerID, ownerName)},
		MaxParticipants: maxParticipants,
		History:         []HistoryEntry{},
		TypingStats:     map[string]TypingStats{},
	}
}

// NewParticipant derives the display record for a user.
func NewParticipant(userID, name string) Participant {
	if name == "" {
		name = userID
	}
	return Participant{Name: name, Color: ParticipantColor(userID)}
}

// ParticipantColor maps a user identity onto a stable hex color.
func ParticipantColor(userID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return fmt.Sprintf("#%06x", h.Sum32()%0xFFFFFF)
}

// IsOwner reports whether userID owns the session.
func (s *Session) IsOwner(userID string) bool {
	return s.OwnerID == userID
}

// IsMember reports whether userID is a current participant.
func (s *Session) IsMember(userID string) bool {
	_, ok := s.Participants[userID]
	return ok
}

// IsFull reports whether no further non-member may join.
func (s *Session) IsFull() bool {
	return len(s.Participants) >= s.MaxParticipants
}

// State derives the lock/timer machine state.
func (s *Session) State() LockState {
	switch {
	case s.IsLocked:
		return Locked
	case s.TimerEndTime != nil:
		return UnlockedTimerPending
	default:
		return UnlockedNoTimer
	}
}

// TimerExpired reports whether a pending timer has reached its end time.
func (s *Session) TimerExpired(now time.Time) bool {
	return s.State() == UnlockedTimerPending && !now.Before(*s.TimerEndTime)
}

// CanEdit reports whether userID may mutate the buffer in the current lock state.
func (s *Session) CanEdit(userID string) bool {
	return !s.IsLocked || s.IsOwner(userID)
}

// AppendHistory adds an entry, evicting the oldest entries beyond limit.
func (s *Session) AppendHistory(entry HistoryEntry, limit int) {
	s.History = append(s.History, entry)
	if limit > 0 && len(s.History) > limit {
		trimmed := make([]HistoryEntry, limit)
		copy(trimmed, s.History[len(s.History)-limit:])
		s.History = trimmed
	}
}

// RecordTyping appends a cadence sample for userID. A positive limit keeps only
// the newest samples of each series.
func (s *Session) RecordTyping(userID string, sample TypingSample, now time.Time, limit int) {
	if s.TypingStats == nil {
		s.TypingStats = map[string]TypingStats{}
	}
	stats := s.TypingStats[userID]
	if sample.Speed != nil {
		stats.TypingSpeed = append(stats.TypingSpeed, TypingSpeedSample{Timestamp: now, CPM: *sample.Speed})
		if limit > 0 && len(stats.TypingSpeed) > limit {
			stats.TypingSpeed = append([]TypingSpeedSample(nil), stats.TypingSpeed[len(stats.TypingSpeed)-limit:]...)
		}
	}
	if sample.ThinkingTime != nil {
		stats.ThinkingTimes = append(stats.ThinkingTimes, ThinkingTimeSample{Timestamp: now, DurationMS: *sample.ThinkingTime})
		if limit > 0 && len(stats.ThinkingTimes) > limit {
			stats.ThinkingTimes = append([]ThinkingTimeSample(nil), stats.ThinkingTimes[len(stats.ThinkingTimes)-limit:]...)
		}
	}
	s.TypingStats[userID] = stats
}

// Clone returns a deep copy safe to hand across goroutines.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Participants = make(map[string]Participant, len(s.Participants))
	for id, p := range s.Participants {
		c.Participants[id] = p
	}
	c.History = append([]HistoryEntry(nil), s.History...)
	if c.History == nil {
		c.History = []HistoryEntry{}
	}
	if s.TimerEndTime != nil {
		t := *s.TimerEndTime
		c.TimerEndTime = &t
	}
	c.TypingStats = make(map[string]TypingStats, len(s.TypingStats))
	for id, st := range s.TypingStats {
		c.TypingStats[id] = TypingStats{
			TypingSpeed:   append([]TypingSpeedSample(nil), st.TypingSpeed...),
			ThinkingTimes: append([]ThinkingTimeSample(nil), st.ThinkingTimes...),
		}
	}
	return &c
}

// Snapshot is the view of a session handed to a joining user.
type Snapshot struct {
	SessionID    string                 `json:"sessionId"`
	UserID       string                 `json:"userId"`
	OwnerID      string                 `json:"ownerId"`
	IsOwner      bool                   `json:"isOwner"`
	Code         string                 `json:"code"`
	Language     string                 `json:"language"`
	Output       string                 `json:"output"`
	Participants map[string]Participant `json:"participants"`
	History      []HistoryEntry         `json:"history"`
	IsLocked     bool                   `json:"isLocked"`
	TimerEndTime *time.Time             `json:"timerEndTime"`
}

// SnapshotFor projects the session for userID. Typing stats are never included.
func (s *Session) SnapshotFor(userID string) *Snapshot {
	c := s.Clone()
	return &Snapshot{
		SessionID:    c.ID,
		UserID:       userID,
		OwnerID:      c.OwnerID,
		IsOwner:      c.IsOwner(userID),
		Code:         c.Code,
		Language:     c.Language,
		Output:       c.Output,
		Participants: c.Participants,
		History:      c.History,
		IsLocked:     c.IsLocked,
		TimerEndTime: c.TimerEndTime,
	}
}

// ExecutionRequest is one code submission to a language backend.
type ExecutionRequest struct {
	Language string `json:"language"`
	Source   string `json:"source"`
}

// ExecutionResult is the captured outcome of one submission.
type ExecutionResult struct {
	Output   string        `json:"output"`
	Error    string        `json:"error"`
	Status   string        `json:"status"`
	ExitCode int           `json:"exitCode"`
	Duration time.Duration `json:"-"`
}

// DisplayOutput is the text stored as the session's last output.
func (r *ExecutionResult) DisplayOutput() string {
	if r.Error == "" {
		return r.Output
	}
	if r.Output == "" {
		return r.Error
	}
	return r.Output + r.Error
}
