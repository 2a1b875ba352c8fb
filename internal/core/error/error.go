package errx

import (
	"errors"
	"fmt"
)

const (
	// SystemErrorMessage is a user-facing fallback when internal errors occur.
	SystemErrorMessage = "internal server error"
	// RedisErrorMessage describes Redis related failures.
	RedisErrorMessage = "redis operation failed"
	// RedisNotFoundMessage describes a missing Redis key.
	RedisNotFoundMessage = "redis key not found"
	// PostgresErrorMessage describes vector index failures.
	PostgresErrorMessage = "vector index operation failed"
)

// Run-level error taxonomy. Recoverable conditions (ambiguous classification,
// empty retrieval) are handled inside the orchestrator and never cross its
// boundary; these sentinels classify the ones that do.
var (
	// ErrClassificationAmbiguous routes a run to the clarification terminal.
	ErrClassificationAmbiguous = errors.New("classification ambiguous")
	// ErrRetrievalEmpty signals a retrieval pass that produced no documents.
	ErrRetrievalEmpty = errors.New("retrieval returned no documents")
	// ErrSynthesisFailure is an upstream generation error after the single retry.
	ErrSynthesisFailure = errors.New("answer synthesis failed")
	// ErrDependencyUnavailable marks the vector index or checkpoint store as unreachable.
	ErrDependencyUnavailable = errors.New("dependency unavailable")
)

// AppError wraps an underlying error with an HTTP status and safe message.
type AppError struct {
	Err     error
	Status  int
	Message string
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

// Unwrap exposes the underlying error for errors.Is / errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError with the provided information.
func New(err error, status int, message string) *AppError {
	return &AppError{
		Err:     err,
		Status:  status,
		Message: message,
	}
}

// Is reports whether the target matches the underlying error or the AppError itself.
func (e *AppError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// As allows casting to AppError or the wrapped error in a chain.
func (e *AppError) As(target any) bool {
	if errors.As(e.Err, target) {
		return true
	}
	if t, ok := target.(**AppError); ok {
		*t = e
		return true
	}
	return false
}

// StatusOf extracts the HTTP status from an error chain, defaulting to 500.
func StatusOf(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Status
	}
	return 500
}
