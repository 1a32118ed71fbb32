package catalog

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every layer of the catalog. Callers wrap these with
// fmt.Errorf("...: %w", ErrX) and test with errors.Is.
var (
	// ErrSchema marks an unknown entity type or attribute. Programmer error, never retried.
	ErrSchema = errors.New("schema error")
	// ErrValidation marks bad caller input. Never retried automatically.
	ErrValidation = errors.New("validation error")
	// ErrConflict marks a failed conditional write. Retryable by the caller.
	ErrConflict = errors.New("conflict")
	// ErrNotFound marks a missing (or hidden, soft-deleted) record.
	ErrNotFound = errors.New("not found")
	// ErrTransient marks a network, throttling or timeout failure in the store.
	ErrTransient = errors.New("transient store error")
)

// SchemaErrorf builds an error wrapping ErrSchema.
func SchemaErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrSchema, fmt.Sprintf(format, args...))
}

// ValidationErrorf builds an error wrapping ErrValidation.
func ValidationErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// ConflictErrorf builds an error wrapping ErrConflict.
func ConflictErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

// NotFoundErrorf builds an error wrapping ErrNotFound.
func NotFoundErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// TransientError wraps a store failure as ErrTransient while keeping the cause.
func TransientError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict reports whether err is a conditional-write conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsRetryable reports whether retrying the same operation may succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrTransient)
}
