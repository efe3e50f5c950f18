package router

import "codespace/pkg/interfaces"

var (
	ErrRateLimitExceeded = interfaces.NewError(interfaces.ErrInvalidInput, "rate limit exceeded, slow down")
	ErrInvalidMessage    = interfaces.NewError(interfaces.ErrInvalidInput, "invalid message")
)
