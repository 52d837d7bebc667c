package fetch

import (
	"context"
	"errors"
	"net/http"
)

var (
	// ErrTransient covers network failures, timeouts and 5xx responses.
	ErrTransient = errors.New("transient source error")
	// ErrRateLimited is a 429 that outlived the client's retries.
	ErrRateLimited = errors.New("source rate limited")
	// ErrMalformed means the response could not be decoded.
	ErrMalformed = errors.New("malformed source content")
	// ErrRejected is any other 4xx response.
	ErrRejected = errors.New("source rejected request")
	ErrUnknownSource = errors.New("unknown source")
)

// SourceError attributes a fetch failure to one source.
type SourceError struct {
	Source string
	Err    error
}

func (e *SourceError) Error() string { return e.Source + ": " + e.Err.Error() }

func (e *SourceError) Unwrap() error { return e.Err }

func sourceErr(source string, err error) error {
	var se *SourceError
	if errors.As(err, &se) {
		return err
	}
	return &SourceError{Source: source, Err: err}
}

// IsTransient reports whether err is worth retrying at the job level.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrRateLimited)
}

// classifyStatus maps a non-2xx status code onto a sentinel.
func classifyStatus(code int) error {
	switch {
	case code == http.StatusTooManyRequests:
		return ErrRateLimited
	case code >= 500, code == http.StatusRequestTimeout:
		return ErrTransient
	default:
		return ErrRejected
	}
}

// classifyError maps a transport error onto a sentinel. Cancellation by the
// caller is not a source failure and is returned as is.
func classifyError(err error) error {
	if errors.Is(err, context.Canceled) {
		return context.Canceled
	}
	return ErrTransient
}
