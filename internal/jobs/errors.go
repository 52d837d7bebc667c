package jobs

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks a malformed submission or payload. It is terminal.
	ErrValidation = errors.New("validation error")
	// ErrRetryBudgetExhausted is recorded when a retryable failure happens
	// with no retries left.
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")
	// ErrAllSourcesFailed means no source of a corpus_index job was usable.
	ErrAllSourcesFailed = errors.New("all sources failed")
	// ErrJobTimeout means the job ran past its wall-clock limit.
	ErrJobTimeout = errors.New("job timed out")
	// ErrCancelled is returned from a checkpoint once cancellation was requested.
	ErrCancelled = errors.New("job cancelled")
	// ErrNoProcessor means no processor is registered for a claimed job's kind.
	ErrNoProcessor = errors.New("no processor for job kind")
)

// RetryableError wraps failures that should send the job back to pending
// while its retry budget lasts.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError wraps err; a nil err stays nil.
func NewRetryableError(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err, or anything it wraps, is a RetryableError.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
