package types

import "errors"

// Session validation errors
var (
	ErrMissingSessionID       = errors.New("session id is required")
	ErrInvalidOwner           = errors.New("owner must be a valid user ID")
	ErrInvalidMaxParticipants = errors.New("max participants must be at least 1")
	ErrTooManyParticipants    = errors.New("participants exceed max participants")
)
