package mock

import (
	"context"
	"sync"

	"github.com/kiranshivaraju/corpusflow/internal/ai"
	"github.com/kiranshivaraju/corpusflow/pkg/models"
)

// MockGenerator satisfies models.Generator for testing and records prompts.
type MockGenerator struct {
	Name_        string
	GenerateFunc func(ctx context.Context, prompt string) (string, error)

	mu      sync.Mutex
	prompts []string
}

func (m *MockGenerator) Name() string { return m.Name_ }

func (m *MockGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	m.mu.Lock()
	m.prompts = append(m.prompts, prompt)
	m.mu.Unlock()
	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, prompt)
	}
	return "", nil
}

// Prompts returns every prompt received so far.
func (m *MockGenerator) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.prompts...)
}

// NewMockGenerator returns a MockGenerator that always answers with text.
func NewMockGenerator(text string) *MockGenerator {
	return &MockGenerator{
		Name_: "mock",
		GenerateFunc: func(_ context.Context, _ string) (string, error) {
			return text, nil
		},
	}
}

// NewFailingGenerator returns a MockGenerator that always returns the given error.
func NewFailingGenerator(err error) *MockGenerator {
	return &MockGenerator{
		Name_: "mock-failing",
		GenerateFunc: func(_ context.Context, _ string) (string, error) {
			return "", err
		},
	}
}

// NewTimeoutGenerator returns a MockGenerator that blocks until context is cancelled.
func NewTimeoutGenerator() *MockGenerator {
	return &MockGenerator{
		Name_: "mock-timeout",
		GenerateFunc: func(ctx context.Context, _ string) (string, error) {
			<-ctx.Done()
			return "", ai.ErrInferenceTimeout
		},
	}
}

// Compile-time check that MockGenerator implements Generator.
var _ models.Generator = (*MockGenerator)(nil)
