package ollama

import (
	"context"
	"fmt"

	"github.com/kiranshivaraju/corpusflow/internal/config"
	"github.com/kiranshivaraju/corpusflow/pkg/models"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
)

// Provider implements models.Generator using a local Ollama server.
type Provider struct {
	model string
	llm   llms.Model
}

func NewProvider(cfg config.OllamaConfig) (*Provider, error) {
	llm, err := ollama.New(
		ollama.WithModel(cfg.Model),
		ollama.WithServerURL(cfg.BaseURL),
	)
	if err != nil {
		return nil, fmt.Errorf("create ollama client: %w", err)
	}
	return &Provider{model: cfg.Model, llm: llm}, nil
}

func (p *Provider) Name() string { return "ollama" }

func (p *Provider) Model() string { return p.model }

func (p *Provider) Generate(ctx context.Context, prompt string) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, p.llm, prompt, llms.WithTemperature(0.2))
}

var _ models.Generator = (*Provider)(nil)
