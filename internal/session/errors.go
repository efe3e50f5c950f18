package session

import "codespace/pkg/interfaces"

// Session engine errors. Messages are shown to end users as-is.
var (
	ErrSessionNotFound        = interfaces.NewError(interfaces.ErrNotFound, "session not found")
	ErrParticipantNotFound    = interfaces.NewError(interfaces.ErrNotFound, "user is not a participant in this session")
	ErrSessionFull            = interfaces.NewError(interfaces.ErrFull, "session is full")
	ErrNotOwner               = interfaces.NewError(interfaces.ErrForbidden, "only the session owner can do that")
	ErrNotParticipant         = interfaces.NewError(interfaces.ErrForbidden, "not a participant in this session")
	ErrSessionLocked          = interfaces.NewError(interfaces.ErrForbidden, "session is locked")
	ErrOwnerCannotLeave       = interfaces.NewError(interfaces.ErrForbidden, "the owner cannot leave the session; delete it instead")
	ErrInvalidUserID          = interfaces.NewError(interfaces.ErrInvalidInput, "invalid user id")
	ErrInvalidDisplayName     = interfaces.NewError(interfaces.ErrInvalidInput, "invalid display name")
	ErrInvalidMaxParticipants = interfaces.NewError(interfaces.ErrInvalidInput, "max participants out of range")
	ErrInvalidDuration        = interfaces.NewError(interfaces.ErrInvalidInput, "timer duration must be a positive number of minutes")
	ErrInvalidLanguage        = interfaces.NewError(interfaces.ErrInvalidInput, "unknown language")
	ErrCodeTooLarge           = interfaces.NewError(interfaces.ErrInvalidInput, "code exceeds the maximum size")
	ErrExecutionDisabled      = interfaces.NewError(interfaces.ErrInternal, "code execution is not available")
)
