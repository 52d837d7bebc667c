package openai

import (
	"context"
	"fmt"

	"github.com/kiranshivaraju/corpusflow/internal/config"
	"github.com/kiranshivaraju/corpusflow/pkg/models"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// Provider implements models.Generator using OpenAI.
type Provider struct {
	model string
	llm   llms.Model
}

func NewProvider(cfg config.OpenAIConfig) (*Provider, error) {
	llm, err := openai.New(
		openai.WithToken(cfg.APIKey),
		openai.WithModel(cfg.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("create openai client: %w", err)
	}
	return &Provider{model: cfg.Model, llm: llm}, nil
}

func (p *Provider) Name() string { return "openai" }

func (p *Provider) Model() string { return p.model }

func (p *Provider) Generate(ctx context.Context, prompt string) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, p.llm, prompt, llms.WithTemperature(0.2))
}

var _ models.Generator = (*Provider)(nil)
