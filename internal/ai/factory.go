package ai

import (
	"fmt"

	"github.com/kiranshivaraju/corpusflow/internal/ai/anthropic"
	"github.com/kiranshivaraju/corpusflow/internal/ai/ollama"
	"github.com/kiranshivaraju/corpusflow/internal/ai/openai"
	"github.com/kiranshivaraju/corpusflow/internal/ai/vllm"
	"github.com/kiranshivaraju/corpusflow/internal/config"
	"github.com/kiranshivaraju/corpusflow/pkg/models"
)

// NewGenerator constructs the configured text generator wrapped with the
// inference timeout. An empty or "none" provider returns a nil Generator.
// Called once at server startup.
func NewGenerator(cfg config.AIConfig) (models.Generator, error) {
	var (
		g   models.Generator
		err error
	)
	switch cfg.Provider {
	case "", "none":
		return nil, nil
	case "ollama":
		g, err = ollama.NewProvider(cfg.Ollama)
	case "vllm":
		g, err = vllm.NewProvider(cfg.VLLM)
	case "openai":
		g, err = openai.NewProvider(cfg.OpenAI)
	case "anthropic":
		g, err = anthropic.NewProvider(cfg.Anthropic)
	default:
		return nil, fmt.Errorf("unknown AI provider %q: must be one of ollama, vllm, openai, anthropic", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return WithTimeout(g, cfg.InferenceTimeout), nil
}
