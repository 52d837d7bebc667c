package anthropic

import (
	"context"
	"fmt"

	"github.com/kiranshivaraju/corpusflow/internal/config"
	"github.com/kiranshivaraju/corpusflow/pkg/models"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
)

// Provider implements models.Generator using Anthropic.
type Provider struct {
	model string
	llm   llms.Model
}

func NewProvider(cfg config.AnthropicConfig) (*Provider, error) {
	llm, err := anthropic.New(
		anthropic.WithToken(cfg.APIKey),
		anthropic.WithModel(cfg.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("create anthropic client: %w", err)
	}
	return &Provider{model: cfg.Model, llm: llm}, nil
}

func (p *Provider) Name() string { return "anthropic" }

func (p *Provider) Model() string { return p.model }

func (p *Provider) Generate(ctx context.Context, prompt string) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, p.llm, prompt,
		llms.WithTemperature(0.2),
		llms.WithMaxTokens(2048),
	)
}

var _ models.Generator = (*Provider)(nil)
