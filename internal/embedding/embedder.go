// Package embedding turns text into fixed-dimension vectors through a primary
// provider with retries and a fallback provider of the same dimension.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var (
	// ErrProviderUnavailable means both the primary and the fallback failed.
	// Callers treat it as retryable.
	ErrProviderUnavailable = errors.New("embedding providers unavailable")
	// ErrDimensionMismatch means a provider returned vectors of the wrong size
	// or count. It is a configuration error and is never retried.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	// ErrModelOverride is returned by WithModel when no factory is configured.
	ErrModelOverride = errors.New("embedding model override not supported")
)

// Provider is one embedding backend.
type Provider interface {
	Name() string
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
}

// ProviderFactory builds a primary provider for a model override.
type ProviderFactory func(model string) (Provider, error)

// Embedder is safe for concurrent use.
type Embedder struct {
	primary    Provider
	fallback   Provider
	factory    ProviderFactory
	dimension  int
	batchSize  int
	maxRetries int
	retryBase  time.Duration
	timeout    time.Duration
}

type Option func(*Embedder)

func WithBatchSize(n int) Option {
	return func(e *Embedder) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithMaxRetries sets how many extra attempts each provider gets.
func WithMaxRetries(n int) Option {
	return func(e *Embedder) {
		if n >= 0 {
			e.maxRetries = n
		}
	}
}

func WithRetryBackoff(d time.Duration) Option {
	return func(e *Embedder) {
		if d > 0 {
			e.retryBase = d
		}
	}
}

// WithTimeout bounds every single provider call.
func WithTimeout(d time.Duration) Option {
	return func(e *Embedder) {
		if d > 0 {
			e.timeout = d
		}
	}
}

func WithFactory(f ProviderFactory) Option {
	return func(e *Embedder) { e.factory = f }
}

// New creates an Embedder. fallback may be nil, in which case a primary
// failure surfaces as ErrProviderUnavailable directly.
func New(primary, fallback Provider, dimension int, opts ...Option) (*Embedder, error) {
	if primary == nil {
		return nil, errors.New("primary embedding provider is required")
	}
	if dimension <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive, got %d", dimension)
	}
	e := &Embedder{
		primary:    primary,
		fallback:   fallback,
		dimension:  dimension,
		batchSize:  32,
		maxRetries: 2,
		retryBase:  200 * time.Millisecond,
		timeout:    30 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Embedder) Dimension() int { return e.dimension }

// Name identifies the primary provider.
func (e *Embedder) Name() string { return e.primary.Name() }

// WithModel returns a copy whose primary provider uses model. The fallback is
// shared. An empty model returns e unchanged.
func (e *Embedder) WithModel(model string) (*Embedder, error) {
	if model == "" {
		return e, nil
	}
	if e.factory == nil {
		return nil, ErrModelOverride
	}
	p, err := e.factory(model)
	if err != nil {
		return nil, fmt.Errorf("build provider for model %q: %w", model, err)
	}
	c := *e
	c.primary = p
	return &c, nil
}

// Embed returns one vector per text, in input order.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		end := min(start+e.batchSize, len(texts))
		vecs, err := e.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// EmbedQuery embeds a single query string through the same chain as documents.
func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// Ping embeds a short fixed string; used by health checks.
func (e *Embedder) Ping(ctx context.Context) error {
	_, err := e.EmbedQuery(ctx, "ping")
	return err
}

func (e *Embedder) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	vecs, err := e.attempt(ctx, e.primary, batch)
	if err == nil {
		return vecs, nil
	}
	if errors.Is(err, ErrDimensionMismatch) {
		return nil, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if e.fallback == nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrProviderUnavailable, e.primary.Name(), err)
	}

	slog.Warn("primary embedding provider failed, using fallback",
		"primary", e.primary.Name(), "fallback", e.fallback.Name(), "batch", len(batch), "error", err)

	vecs, ferr := e.attempt(ctx, e.fallback, batch)
	if ferr == nil {
		return vecs, nil
	}
	if errors.Is(ferr, ErrDimensionMismatch) {
		return nil, ferr
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	return nil, fmt.Errorf("%w: %s: %v; %s: %v",
		ErrProviderUnavailable, e.primary.Name(), err, e.fallback.Name(), ferr)
}

// attempt calls p with bounded exponential backoff. Validation failures are
// permanent for this provider.
func (e *Embedder) attempt(ctx context.Context, p Provider, batch []string) ([][]float32, error) {
	var vecs [][]float32
	op := func() error {
		callCtx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()

		start := time.Now()
		v, err := p.EmbedDocuments(callCtx, batch)
		if err != nil {
			slog.Debug("embedding call failed", "provider", p.Name(), "batch", len(batch),
				"duration_ms", time.Since(start).Milliseconds(), "error", err)
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		if err := e.validate(p, v, len(batch)); err != nil {
			return backoff.Permanent(err)
		}
		vecs = v
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.retryBase
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(e.maxRetries)), ctx)

	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return vecs, nil
}

func (e *Embedder) validate(p Provider, vecs [][]float32, want int) error {
	if len(vecs) != want {
		return fmt.Errorf("%w: %s returned %d vectors for %d inputs", ErrDimensionMismatch, p.Name(), len(vecs), want)
	}
	for i, v := range vecs {
		if len(v) != e.dimension {
			return fmt.Errorf("%w: %s vector %d has %d dimensions, want %d",
				ErrDimensionMismatch, p.Name(), i, len(v), e.dimension)
		}
		if isZero(v) {
			return fmt.Errorf("%s returned a zero vector for input %d", p.Name(), i)
		}
	}
	return nil
}

func isZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}
