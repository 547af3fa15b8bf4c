package domain

import "errors"

// Sentinel errors for the platform core. Adapters wrap these with
// operation context; the HTTP layer and the event bus map them to status
// codes and wire error payloads via Classify.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	// ErrConflict signals a lost CAS race: a terminal write found the row
	// already moved on, typically by a cancellation.
	ErrConflict     = errors.New("conflict")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	// ErrTransient marks failures worth retrying with backoff.
	ErrTransient = errors.New("transient failure")
	// ErrInterrupted marks work cut short by a process crash or restart.
	ErrInterrupted = errors.New("interrupted")
	ErrInternal    = errors.New("internal error")
)

// ErrorCode is the closed wire taxonomy carried on failed queue items,
// failed export jobs, and bus error payloads.
type ErrorCode string

const (
	CodeInvalidInput ErrorCode = "INVALID_INPUT"
	CodeNotFound     ErrorCode = "NOT_FOUND"
	CodeConflict     ErrorCode = "CONFLICT"
	CodeUnauthorized ErrorCode = "UNAUTHORIZED"
	CodeForbidden    ErrorCode = "FORBIDDEN"
	CodeTransient    ErrorCode = "TRANSIENT"
	CodeInterrupted  ErrorCode = "INTERRUPTED"
	CodeInternal     ErrorCode = "INTERNAL"
)

// Classify maps an error chain to its wire code. Unknown errors are
// internal.
func Classify(err error) ErrorCode {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidArgument):
		return CodeInvalidInput
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrConflict):
		return CodeConflict
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrTransient):
		return CodeTransient
	case errors.Is(err, ErrInterrupted):
		return CodeInterrupted
	default:
		return CodeInternal
	}
}

// Retryable reports whether retrying the operation may succeed.
// Interrupted work is retryable by a fresh run; conflicts and validation
// failures are not.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrInterrupted)
}
