package execution

import (
	"errors"

	"codespace/pkg/interfaces"
)

var (
	ErrUnsupportedLanguage = interfaces.NewError(interfaces.ErrUnsupportedLanguage, "unsupported language")
	ErrTimedOut            = interfaces.NewError(interfaces.ErrTimedOut, "execution timed out")
	ErrQueueFull           = interfaces.NewError(interfaces.ErrInternal, "execution queue full, try again shortly")
	ErrPoolStopped         = interfaces.NewError(interfaces.ErrInternal, "execution pool is shut down")
	ErrInvalidMode         = errors.New("execution mode must be local or docker")
)
