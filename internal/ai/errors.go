package ai

import "errors"

// Generation failures. timeoutGenerator and the providers wrap these so the
// query handler can answer 504 for a timeout and 502 for the rest.
var (
	// ErrProviderUnavailable means the model endpoint refused or dropped the call.
	ErrProviderUnavailable = errors.New("ai provider unavailable")
	// ErrInferenceTimeout is returned once the generation deadline passes.
	ErrInferenceTimeout = errors.New("ai inference timeout")
	ErrInvalidResponse  = errors.New("ai provider returned invalid response")
)
