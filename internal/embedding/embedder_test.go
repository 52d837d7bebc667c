package embedding_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/kiranshivaraju/corpusflow/internal/config"
	"github.com/kiranshivaraju/corpusflow/internal/embedding"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	name      string
	dimension int
	failures  int // calls that fail before succeeding; -1 fails forever
	short     bool

	mu     sync.Mutex
	calls  int
	inputs [][]string
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.inputs = append(f.inputs, append([]string(nil), texts...))
	if f.failures < 0 || f.calls <= f.failures {
		return nil, errors.New("connection refused")
	}
	n := len(texts)
	if f.short {
		n--
	}
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, f.dimension)
		v[0] = float32(len(texts[i]))
		out[i] = v
	}
	return out, nil
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newEmbedder(t *testing.T, primary, fallback embedding.Provider, opts ...embedding.Option) *embedding.Embedder {
	t.Helper()
	opts = append([]embedding.Option{
		embedding.WithRetryBackoff(time.Millisecond),
		embedding.WithMaxRetries(2),
	}, opts...)
	e, err := embedding.New(primary, fallback, 4, opts...)
	require.NoError(t, err)
	return e
}

func TestEmbed_PrimarySucceeds(t *testing.T) {
	primary := &fakeProvider{name: "primary", dimension: 4}
	fallback := &fakeProvider{name: "fallback", dimension: 4}
	e := newEmbedder(t, primary, fallback)

	vecs, err := e.Embed(context.Background(), []string{"a", "bb", "ccc"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Equal(t, float32(2), vecs[1][0])
	assert.Equal(t, 0, fallback.callCount())
}

func TestEmbed_RetriesTransientFailure(t *testing.T) {
	primary := &fakeProvider{name: "primary", dimension: 4, failures: 2}
	fallback := &fakeProvider{name: "fallback", dimension: 4}
	e := newEmbedder(t, primary, fallback)

	_, err := e.Embed(context.Background(), []string{"x"})
	require.NoError(t, err)
	assert.Equal(t, 3, primary.callCount())
	assert.Equal(t, 0, fallback.callCount())
}

func TestEmbed_FallsBackAfterRetries(t *testing.T) {
	primary := &fakeProvider{name: "primary", dimension: 4, failures: -1}
	fallback := &fakeProvider{name: "fallback", dimension: 4}
	e := newEmbedder(t, primary, fallback)

	vecs, err := e.Embed(context.Background(), []string{"x", "yy"})
	require.NoError(t, err)
	assert.Len(t, vecs, 2)
	assert.Equal(t, 3, primary.callCount())
	assert.Equal(t, 1, fallback.callCount())
}

func TestEmbed_BothFail(t *testing.T) {
	primary := &fakeProvider{name: "primary", dimension: 4, failures: -1}
	fallback := &fakeProvider{name: "fallback", dimension: 4, failures: -1}
	e := newEmbedder(t, primary, fallback)

	_, err := e.Embed(context.Background(), []string{"x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, embedding.ErrProviderUnavailable)
	assert.Contains(t, err.Error(), "primary")
	assert.Contains(t, err.Error(), "fallback")
}

func TestEmbed_NoFallback(t *testing.T) {
	primary := &fakeProvider{name: "primary", dimension: 4, failures: -1}
	e := newEmbedder(t, primary, nil)

	_, err := e.Embed(context.Background(), []string{"x"})
	assert.ErrorIs(t, err, embedding.ErrProviderUnavailable)
}

func TestEmbed_DimensionMismatchIsFatal(t *testing.T) {
	primary := &fakeProvider{name: "primary", dimension: 3}
	fallback := &fakeProvider{name: "fallback", dimension: 4}
	e := newEmbedder(t, primary, fallback)

	_, err := e.Embed(context.Background(), []string{"x"})
	require.ErrorIs(t, err, embedding.ErrDimensionMismatch)
	assert.Equal(t, 1, primary.callCount(), "mismatch must not be retried")
	assert.Equal(t, 0, fallback.callCount(), "mismatch must not fall back")
}

func TestEmbed_CountMismatchIsFatal(t *testing.T) {
	primary := &fakeProvider{name: "primary", dimension: 4, short: true}
	e := newEmbedder(t, primary, &fakeProvider{name: "fallback", dimension: 4})

	_, err := e.Embed(context.Background(), []string{"x", "y"})
	assert.ErrorIs(t, err, embedding.ErrDimensionMismatch)
}

func TestEmbed_Batches(t *testing.T) {
	primary := &fakeProvider{name: "primary", dimension: 4}
	e := newEmbedder(t, primary, nil, embedding.WithBatchSize(2))

	vecs, err := e.Embed(context.Background(), []string{"a", "bb", "ccc", "dddd", "eeeee"})
	require.NoError(t, err)
	require.Len(t, vecs, 5)
	for i, v := range vecs {
		assert.Equal(t, float32(i+1), v[0], "order preserved across batches")
	}
	assert.Equal(t, [][]string{{"a", "bb"}, {"ccc", "dddd"}, {"eeeee"}}, primary.inputs)
}

func TestEmbed_CancelledContext(t *testing.T) {
	primary := &fakeProvider{name: "primary", dimension: 4, failures: -1}
	fallback := &fakeProvider{name: "fallback", dimension: 4}
	e := newEmbedder(t, primary, fallback, embedding.WithRetryBackoff(time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Embed(ctx, []string{"x"})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, fallback.callCount())
}

func TestEmbedQuery(t *testing.T) {
	e := newEmbedder(t, &fakeProvider{name: "primary", dimension: 4}, nil)

	v, err := e.EmbedQuery(context.Background(), "hello")
	require.NoError(t, err)
	assert.Len(t, v, 4)
	assert.Equal(t, float32(5), v[0])
}

func TestWithModel(t *testing.T) {
	base := &fakeProvider{name: "base", dimension: 4}
	var requested string
	factory := func(model string) (embedding.Provider, error) {
		requested = model
		return &fakeProvider{name: "override:" + model, dimension: 4}, nil
	}
	e := newEmbedder(t, base, nil, embedding.WithFactory(factory))

	same, err := e.WithModel("")
	require.NoError(t, err)
	assert.Same(t, e, same)

	other, err := e.WithModel("mxbai-embed-large")
	require.NoError(t, err)
	assert.Equal(t, "mxbai-embed-large", requested)
	assert.Equal(t, "override:mxbai-embed-large", other.Name())
	assert.Equal(t, "base", e.Name())
}

func TestWithModel_NoFactory(t *testing.T) {
	e := newEmbedder(t, &fakeProvider{name: "base", dimension: 4}, nil)
	_, err := e.WithModel("other")
	assert.ErrorIs(t, err, embedding.ErrModelOverride)
}

func TestNew_Validation(t *testing.T) {
	_, err := embedding.New(nil, nil, 4)
	assert.Error(t, err)
	_, err = embedding.New(&fakeProvider{name: "p", dimension: 4}, nil, 0)
	assert.Error(t, err)
}

func TestHashProvider(t *testing.T) {
	h := embedding.NewHashProvider(64)
	ctx := context.Background()

	vecs, err := h.EmbedDocuments(ctx, []string{
		"How do I cancel a running job?",
		"how do i CANCEL a running job",
		"the of and",
		"Postgres connection pooling with pgx",
	})
	require.NoError(t, err)
	require.Len(t, vecs, 4)

	for i, v := range vecs {
		require.Len(t, v, 64)
		var norm float64
		for _, x := range v {
			norm += float64(x) * float64(x)
		}
		assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5, "vector %d should be unit length", i)
	}
	assert.Equal(t, vecs[0], vecs[1], "case and punctuation are ignored")
	assert.NotEqual(t, vecs[0], vecs[3])
}

func TestNewFromConfig_HashOnly(t *testing.T) {
	e, err := embedding.NewFromConfig(config.EmbeddingConfig{
		Primary:   config.EmbeddingProviderConfig{Provider: "hash"},
		Fallback:  config.EmbeddingProviderConfig{Provider: "hash"},
		Dimension: 32,
		BatchSize: 8,
	})
	require.NoError(t, err)
	assert.Equal(t, 32, e.Dimension())
	assert.Equal(t, "hash", e.Name())
	require.NoError(t, e.Ping(context.Background()))
}

func TestNewFromConfig_FallbackIsOptional(t *testing.T) {
	e, err := embedding.NewFromConfig(config.EmbeddingConfig{
		Primary:   config.EmbeddingProviderConfig{Provider: "hash"},
		Dimension: 16,
	})
	require.NoError(t, err)
	vec, err := e.EmbedQuery(context.Background(), "cancel a running job")
	require.NoError(t, err)
	assert.Len(t, vec, 16)
}

func TestNewProvider_Unsupported(t *testing.T) {
	_, err := embedding.NewProvider(config.EmbeddingProviderConfig{Provider: "cohere"}, 8)
	assert.Error(t, err)
}
