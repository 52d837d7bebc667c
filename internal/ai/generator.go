package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kiranshivaraju/corpusflow/pkg/models"
)

type timeoutGenerator struct {
	inner   models.Generator
	timeout time.Duration
}

// WithTimeout bounds every Generate call on g and maps provider failures onto
// this package's sentinel errors. A non-positive timeout only maps errors.
func WithTimeout(g models.Generator, timeout time.Duration) models.Generator {
	return &timeoutGenerator{inner: g, timeout: timeout}
}

func (t *timeoutGenerator) Name() string { return t.inner.Name() }

func (t *timeoutGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	callCtx := ctx
	if t.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	start := time.Now()
	out, err := t.inner.Generate(callCtx, prompt)
	duration := time.Since(start)

	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			slog.Warn("generation timed out", "provider", t.inner.Name(), "timeout", t.timeout)
			return "", fmt.Errorf("%w: %s after %s", ErrInferenceTimeout, t.inner.Name(), t.timeout)
		}
		slog.Warn("generation failed", "provider", t.inner.Name(), "duration_ms", duration.Milliseconds(), "error", err)
		return "", fmt.Errorf("%w: %s: %v", ErrProviderUnavailable, t.inner.Name(), err)
	}
	if strings.TrimSpace(out) == "" {
		return "", fmt.Errorf("%w: %s returned empty text", ErrInvalidResponse, t.inner.Name())
	}

	slog.Debug("generation complete", "provider", t.inner.Name(), "prompt_len", len(prompt), "duration_ms", duration.Milliseconds())
	return out, nil
}
