package interfaces

import "errors"

// Error taxonomy shared across components. Package errors wrap one of these
// and callers branch with errors.Is.
var (
	ErrNotFound            = errors.New("not found")
	ErrForbidden           = errors.New("forbidden")
	ErrFull                = errors.New("session full")
	ErrInvalidInput        = errors.New("invalid input")
	ErrUnsupportedLanguage = errors.New("unsupported language")
	ErrTimedOut            = errors.New("timed out")
	ErrTransportClosed     = errors.New("transport closed")
	ErrInternal            = errors.New("internal error")
)

// kindError carries a user-facing message while matching a taxonomy sentinel.
type kindError struct {
	kind error
	msg  string
}

func (e *kindError) Error() string { return e.msg }

func (e *kindError) Unwrap() error { return e.kind }

// NewError returns an error whose message is msg and which satisfies
// errors.Is(err, kind).
func NewError(kind error, msg string) error {
	return &kindError{kind: kind, msg: msg}
}

// Kind reports which taxonomy sentinel err belongs to, or ErrInternal.
func Kind(err error) error {
	for _, kind := range []error{
		ErrNotFound,
		ErrForbidden,
		ErrFull,
		ErrInvalidInput,
		ErrUnsupportedLanguage,
		ErrTimedOut,
		ErrTransportClosed,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return ErrInternal
}

// PublicMessage returns the client-safe message of the outermost taxonomy
// error in err's chain, or "internal error" when there is none.
func PublicMessage(err error) string {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.msg
	}
	return "internal error"
}
