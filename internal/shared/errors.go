package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrValidation indicates malformed input rejected before any ledger access.
	ErrValidation = errors.New("validation failed")
	// ErrConcurrencyConflict indicates a transient commit conflict eligible for retry.
	ErrConcurrencyConflict = errors.New("concurrent update conflict")
	// ErrLockTimeout indicates a row lock was not acquired within the bounded wait.
	ErrLockTimeout = errors.New("row lock timeout")
)

// UserSafeMessage returns a message safe to surface to API clients.
func UserSafeMessage(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "Resource not found"
	case errors.Is(err, ErrValidation):
		return "Request is invalid"
	case errors.Is(err, ErrLockTimeout), errors.Is(err, ErrConcurrencyConflict):
		return "The item is busy, please retry"
	default:
		return "Internal error"
	}
}
