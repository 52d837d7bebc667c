package vllm

import (
	"context"
	"fmt"
	"strings"

	"github.com/kiranshivaraju/corpusflow/internal/config"
	"github.com/kiranshivaraju/corpusflow/pkg/models"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// Provider implements models.Generator against vLLM's OpenAI-compatible API.
type Provider struct {
	model string
	llm   llms.Model
}

func NewProvider(cfg config.VLLMConfig) (*Provider, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if !strings.HasSuffix(base, "/v1") {
		base += "/v1"
	}
	llm, err := openai.New(
		openai.WithToken("EMPTY"),
		openai.WithBaseURL(base),
		openai.WithModel(cfg.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("create vllm client: %w", err)
	}
	return &Provider{model: cfg.Model, llm: llm}, nil
}

func (p *Provider) Name() string { return "vllm" }

func (p *Provider) Model() string { return p.model }

func (p *Provider) Generate(ctx context.Context, prompt string) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, p.llm, prompt, llms.WithTemperature(0.2))
}

var _ models.Generator = (*Provider)(nil)
