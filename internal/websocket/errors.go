package websocket

import (
	"errors"

	"codespace/pkg/interfaces"
)

// Connection-related errors
var (
	ErrConnectionClosed = interfaces.NewError(interfaces.ErrTransportClosed, "connection closed")
	ErrSendBufferFull   = interfaces.NewError(interfaces.ErrTransportClosed, "send buffer full")
)

// Registry-related errors
var (
	ErrNilConnection       = errors.New("connection cannot be nil")
	ErrDuplicateConnection = errors.New("connection id already registered")
	ErrConnectionNotFound  = interfaces.NewError(interfaces.ErrTransportClosed, "connection not registered")
)

// Handler-related errors
var (
	ErrMissingSessionID = errors.New("session id is required")
	ErrInvalidUserID    = errors.New("invalid user id")
)
