package errors

import "errors"

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")

	// ErrStoreUnavailable is returned when the lock store cannot be reached.
	// Callers should treat it as retryable.
	ErrStoreUnavailable = errors.New("adlock: store unavailable")
	// ErrCircuitOpen is returned while the store circuit breaker is open.
	ErrCircuitOpen = errors.New("adlock: circuit breaker is open")
	// ErrUnknownIntent is returned for an intent the coordinator cannot dispatch.
	ErrUnknownIntent = errors.New("adlock: unknown intent")
	// ErrNotPermitted is returned by a replica when the current state does not
	// allow the requested action.
	ErrNotPermitted = errors.New("adlock: action not permitted in current state")
)

// Retryable reports whether err signals a transient store failure.
func Retryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionClosed) ||
		errors.Is(err, ErrCircuitOpen)
}
