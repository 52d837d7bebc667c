package models

import "context"

// Generator produces text from a prompt. Implementations wrap a hosted or
// local language model.
type Generator interface {
	Name() string
	Generate(ctx context.Context, prompt string) (string, error)
}
