// Package protocol defines the realtime wire format: JSON objects tagged by a
// "type" field. Inbound frames decode into a closed set of request types;
// outbound events are plain structs built by the New* constructors.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"codespace/pkg/interfaces"
	"codespace/pkg/types"
)

// Inbound message types
const (
	TypeCodeChange     = "code_change"
	TypeLanguageChange = "language_change"
	TypeCursorUpdate   = "cursor_update"
	TypeHistoryRequest = "history_request"
	TypeTypingData     = "typing_data"
	TypeExecuteCode    = "execute_code"
)

// Outbound message types
const (
	TypeInit              = "init"
	TypeCodeUpdate        = "code_update"
	TypeLanguageUpdate    = "language_update"
	TypeHistoryResponse   = "history_response"
	TypeParticipantJoined = "participant_joined"
	TypeParticipantLeft   = "participant_left"
	TypeSessionLocked     = "session_locked"
	TypeSessionUnlocked   = "session_unlocked"
	TypeTimerSet          = "timer_set"
	TypeExecutionResult   = "execution_result"
	TypeSessionDeleted    = "session_deleted"
	TypeError             = "error"
)

var (
	ErrMalformed   = interfaces.NewError(interfaces.ErrInvalidInput, "malformed message")
	ErrUnknownType = errors.New("unknown message type")
)

// Inbound is a decoded client request.
type Inbound interface {
	MessageType() string
}

type CodeChange struct {
	Code   string
	Cursor json.RawMessage
}

type LanguageChange struct {
	Language string
}

type CursorMove struct {
	Cursor json.RawMessage
}

type HistoryRequest struct{}

type TypingData struct {
	Speed        *float64
	ThinkingTime *int64
}

type ExecuteCode struct{}

func (CodeChange) MessageType() string     { return TypeCodeChange }
func (LanguageChange) MessageType() string { return TypeLanguageChange }
func (CursorMove) MessageType() string     { return TypeCursorUpdate }
func (HistoryRequest) MessageType() string { return TypeHistoryRequest }
func (TypingData) MessageType() string     { return TypeTypingData }
func (ExecuteCode) MessageType() string    { return TypeExecuteCode }

// Sample converts the report into the engine's sample form.
func (t TypingData) Sample() types.TypingSample {
	return types.TypingSample{Speed: t.Speed, ThinkingTime: t.ThinkingTime}
}

type header struct {
	Type string `json:"type"`
}

type envelope struct {
	Code         *string         `json:"code"`
	Cursor       json.RawMessage `json:"cursor"`
	Language     *string         `json:"language"`
	Speed        *float64        `json:"speed"`
	ThinkingTime *int64          `json:"thinkingTime"`
}

// Decode parses one inbound frame. The type tag is read first, so fields of
// a frame with an unknown tag are never inspected. Unknown tags return
// ErrUnknownType; frames that are not JSON or lack required fields return
// ErrMalformed.
func Decode(data []byte) (Inbound, error) {
	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch h.Type {
	case TypeCodeChange, TypeLanguageChange, TypeCursorUpdate, TypeHistoryRequest, TypeTypingData, TypeExecuteCode:
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, h.Type)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch h.Type {
	case TypeCodeChange:
		if env.Code == nil {
			return nil, fmt.Errorf("%w: code_change without code", ErrMalformed)
		}
		return CodeChange{Code: *env.Code, Cursor: nullable(env.Cursor)}, nil
	case TypeLanguageChange:
		if env.Language == nil || *env.Language == "" {
			return nil, fmt.Errorf("%w: language_change without language", ErrMalformed)
		}
		return LanguageChange{Language: *env.Language}, nil
	case TypeCursorUpdate:
		return CursorMove{Cursor: nullable(env.Cursor)}, nil
	case TypeHistoryRequest:
		return HistoryRequest{}, nil
	case TypeTypingData:
		return TypingData{Speed: env.Speed, ThinkingTime: env.ThinkingTime}, nil
	default:
		return ExecuteCode{}, nil
	}
}

func nullable(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return raw
}

// Init is the first frame every connection receives.
type Init struct {
	Type         string                       `json:"type"`
	Code         string                       `json:"code"`
	Language     string                       `json:"language"`
	Participants map[string]types.Participant `json:"participants"`
	UserID       string                       `json:"userId"`
	IsOwner      bool                         `json:"isOwner"`
	History      []types.HistoryEntry         `json:"history"`
	TimerEndTime *time.Time                   `json:"timerEndTime"`
	IsLocked     bool                         `json:"isLocked"`
	OwnerID      string                       `json:"ownerId"`
	Output       string                       `json:"output"`
}

type CodeUpdate struct {
	Type   string          `json:"type"`
	Code   string          `json:"code"`
	UserID string          `json:"userId"`
	Cursor json.RawMessage `json:"cursor,omitempty"`
}

type LanguageUpdate struct {
	Type     string `json:"type"`
	Language string `json:"language"`
	UserID   string `json:"userId"`
}

type CursorUpdate struct {
	Type   string          `json:"type"`
	UserID string          `json:"userId"`
	Cursor json.RawMessage `json:"cursor"`
}

type HistoryResponse struct {
	Type    string               `json:"type"`
	History []types.HistoryEntry `json:"history"`
}

type ParticipantJoined struct {
	Type        string            `json:"type"`
	UserID      string            `json:"userId"`
	Participant types.Participant `json:"participant"`
}

type ParticipantLeft struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

type SessionLocked struct {
	Type    string `json:"type"`
	OwnerID string `json:"ownerId"`
}

type SessionUnlocked struct {
	Type    string `json:"type"`
	OwnerID string `json:"ownerId"`
}

type TimerSet struct {
	Type    string    `json:"type"`
	EndTime time.Time `json:"endTime"`
	OwnerID string    `json:"ownerId"`
}

type ExecutionResult struct {
	Type       string `json:"type"`
	UserID     string `json:"userId"`
	Output     string `json:"output"`
	Error      string `json:"error"`
	Status     string `json:"status"`
	ExitCode   int    `json:"exitCode"`
	DurationMS int64  `json:"durationMs"`
}

type SessionDeleted struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewInit(s *types.Snapshot) Init {
	return Init{
		Type:         TypeInit,
		Code:         s.Code,
		Language:     s.Language,
		Participants: s.Participants,
		UserID:       s.UserID,
		IsOwner:      s.IsOwner,
		History:      s.History,
		TimerEndTime: s.TimerEndTime,
		IsLocked:     s.IsLocked,
		OwnerID:      s.OwnerID,
		Output:       s.Output,
	}
}

func NewCodeUpdate(userID, code string, cursor json.RawMessage) CodeUpdate {
	return CodeUpdate{Type: TypeCodeUpdate, Code: code, UserID: userID, Cursor: cursor}
}

func NewLanguageUpdate(userID, language string) LanguageUpdate {
	return LanguageUpdate{Type: TypeLanguageUpdate, Language: language, UserID: userID}
}

func NewCursorUpdate(userID string, cursor json.RawMessage) CursorUpdate {
	return CursorUpdate{Type: TypeCursorUpdate, UserID: userID, Cursor: cursor}
}

func NewHistoryResponse(history []types.HistoryEntry) HistoryResponse {
	if history == nil {
		history = []types.HistoryEntry{}
	}
	return HistoryResponse{Type: TypeHistoryResponse, History: history}
}

func NewParticipantJoined(userID string, p types.Participant) ParticipantJoined {
	return ParticipantJoined{Type: TypeParticipantJoined, UserID: userID, Participant: p}
}

func NewParticipantLeft(userID string) ParticipantLeft {
	return ParticipantLeft{Type: TypeParticipantLeft, UserID: userID}
}

func NewSessionLocked(ownerID string) SessionLocked {
	return SessionLocked{Type: TypeSessionLocked, OwnerID: ownerID}
}

func NewSessionUnlocked(ownerID string) SessionUnlocked {
	return SessionUnlocked{Type: TypeSessionUnlocked, OwnerID: ownerID}
}

func NewTimerSet(ownerID string, endTime time.Time) TimerSet {
	return TimerSet{Type: TypeTimerSet, EndTime: endTime, OwnerID: ownerID}
}

func NewExecutionResult(userID string, r *types.ExecutionResult) ExecutionResult {
	return ExecutionResult{
		Type:       TypeExecutionResult,
		UserID:     userID,
		Output:     r.Output,
		Error:      r.Error,
		Status:     r.Status,
		ExitCode:   r.ExitCode,
		DurationMS: r.Duration.Milliseconds(),
	}
}

func NewSessionDeleted(sessionID string) SessionDeleted {
	return SessionDeleted{Type: TypeSessionDeleted, SessionID: sessionID}
}

func NewError(message string) Error {
	return Error{Type: TypeError, Message: message}
}

// DecodeOutbound parses a server frame back into its typed form. Clients and
// tests use it; the server never reads its own events.
func DecodeOutbound(data []byte) (any, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var msg any
	switch head.Type {
	case TypeInit:
		msg = &Init{}
	case TypeCodeUpdate:
		msg = &CodeUpdate{}
	case TypeLanguageUpdate:
		msg = &LanguageUpdate{}
	case TypeCursorUpdate:
		msg = &CursorUpdate{}
	case TypeHistoryResponse:
		msg = &HistoryResponse{}
	case TypeParticipantJoined:
		msg = &ParticipantJoined{}
	case TypeParticipantLeft:
		msg = &ParticipantLeft{}
	case TypeSessionLocked:
		msg = &SessionLocked{}
	case TypeSessionUnlocked:
		msg = &SessionUnlocked{}
	case TypeTimerSet:
		msg = &TimerSet{}
	case TypeExecutionResult:
		msg = &ExecutionResult{}
	case TypeSessionDeleted:
		msg = &SessionDeleted{}
	case TypeError:
		msg = &Error{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, head.Type)
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return msg, nil
}
