package mock_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kiranshivaraju/corpusflow/internal/ai"
	"github.com/kiranshivaraju/corpusflow/internal/ai/mock"
	"github.com/kiranshivaraju/corpusflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMockGenerator(t *testing.T) {
	g := mock.NewMockGenerator("hello")
	assert.Equal(t, "mock", g.Name())

	out, err := g.Generate(context.Background(), "prompt one")
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
	assert.Equal(t, []string{"prompt one"}, g.Prompts())
}

func TestNewFailingGenerator(t *testing.T) {
	customErr := errors.New("custom AI error")
	g := mock.NewFailingGenerator(customErr)
	assert.Equal(t, "mock-failing", g.Name())

	_, err := g.Generate(context.Background(), "p")
	assert.ErrorIs(t, err, customErr)
}

func TestNewTimeoutGenerator(t *testing.T) {
	g := mock.NewTimeoutGenerator()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := g.Generate(ctx, "p")
	assert.ErrorIs(t, err, ai.ErrInferenceTimeout)
}

func TestMockGenerator_NilFunc(t *testing.T) {
	g := &mock.MockGenerator{Name_: "bare"}
	out, err := g.Generate(context.Background(), "p")
	assert.NoError(t, err)
	assert.Equal(t, "", out)
}

func TestSentinelErrors(t *testing.T) {
	assert.NotEqual(t, ai.ErrProviderUnavailable, ai.ErrInferenceTimeout)
	assert.NotEqual(t, ai.ErrInferenceTimeout, ai.ErrInvalidResponse)
}

func TestMockGenerator_ImplementsGenerator(t *testing.T) {
	var _ models.Generator = mock.NewMockGenerator("")
	var _ models.Generator = mock.NewFailingGenerator(nil)
	var _ models.Generator = mock.NewTimeoutGenerator()
}
