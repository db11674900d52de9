package models

import "errors"

// Error taxonomy shared by the index, the interaction store and the engine.
// Wrap these with fmt.Errorf("%w: ...") so callers can match with errors.Is.
var (
	// ErrInvalidConfig reports bad index creation parameters.
	ErrInvalidConfig = errors.New("invalid config")
	// ErrDimensionMismatch reports an embedding whose length differs from the index dimension.
	ErrDimensionMismatch = errors.New("dimension mismatch")
	// ErrCountMismatch reports a batch whose id count differs from its embedding count.
	ErrCountMismatch = errors.New("count mismatch")
	// ErrCorruptSnapshot reports persisted index state that cannot be decoded. Fatal.
	ErrCorruptSnapshot = errors.New("corrupt snapshot")
	// ErrInvalidStrategy reports an unrecognized recommendation strategy name.
	ErrInvalidStrategy = errors.New("invalid strategy")
	// ErrIO reports a persistence I/O failure. Safe to retry.
	ErrIO = errors.New("io error")
	// ErrInvalidInteraction reports an interaction event with missing ids or an unknown kind.
	ErrInvalidInteraction = errors.New("invalid interaction")
	// ErrInvalidRequest reports a request body that failed struct validation.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrNotFound reports a catalog lookup miss.
	ErrNotFound = errors.New("not found")
)

// IsFatal reports whether err requires operator intervention (e.g. rebuilding a snapshot).
func IsFatal(err error) bool {
	return errors.Is(err, ErrCorruptSnapshot)
}

// IsRetryable reports whether err is transient and the operation left no side effects.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrIO)
}

// IsValidation reports whether err was a synchronous input validation failure.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrDimensionMismatch) ||
		errors.Is(err, ErrCountMismatch) ||
		errors.Is(err, ErrInvalidStrategy) ||
		errors.Is(err, ErrInvalidInteraction) ||
		errors.Is(err, ErrInvalidRequest)
}
