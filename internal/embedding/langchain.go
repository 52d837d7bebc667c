package embedding

import (
	"context"
	"fmt"

	"github.com/kiranshivaraju/corpusflow/internal/config"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

// LangchainProvider adapts a langchaingo embedder to Provider.
type LangchainProvider struct {
	name  string
	model string
	emb   embeddings.Embedder
}

func (p *LangchainProvider) Name() string { return p.name + ":" + p.model }

func (p *LangchainProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	return p.emb.EmbedDocuments(ctx, texts)
}

// NewProvider builds the provider named by cfg.Provider. dimension is only
// used by the hash provider; remote providers are checked by the Embedder.
func NewProvider(cfg config.EmbeddingProviderConfig, dimension int) (Provider, error) {
	switch cfg.Provider {
	case "hash":
		return NewHashProvider(dimension), nil

	case "ollama":
		llm, err := ollama.New(
			ollama.WithModel(cfg.Model),
			ollama.WithServerURL(cfg.BaseURL),
		)
		if err != nil {
			return nil, fmt.Errorf("create ollama client: %w", err)
		}
		emb, err := embeddings.NewEmbedder(llm)
		if err != nil {
			return nil, fmt.Errorf("create ollama embedder: %w", err)
		}
		return &LangchainProvider{name: "ollama", model: cfg.Model, emb: emb}, nil

	case "openai", "vllm":
		token := cfg.APIKey
		if token == "" {
			// vLLM's OpenAI-compatible server accepts any token.
			token = "EMPTY"
		}
		opts := []openai.Option{
			openai.WithToken(token),
			openai.WithEmbeddingModel(cfg.Model),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		llm, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create %s client: %w", cfg.Provider, err)
		}
		emb, err := embeddings.NewEmbedder(llm)
		if err != nil {
			return nil, fmt.Errorf("create %s embedder: %w", cfg.Provider, err)
		}
		return &LangchainProvider{name: cfg.Provider, model: cfg.Model, emb: emb}, nil

	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.Provider)
	}
}

// NewFromConfig assembles the primary/fallback Embedder described by cfg.
// Without a fallback provider the primary's failures surface directly. Model
// overrides rebuild the primary with the same provider settings.
func NewFromConfig(cfg config.EmbeddingConfig) (*Embedder, error) {
	primary, err := NewProvider(cfg.Primary, cfg.Dimension)
	if err != nil {
		return nil, fmt.Errorf("primary: %w", err)
	}

	var fallback Provider
	if cfg.Fallback.Provider != "" {
		fallback, err = NewProvider(cfg.Fallback, cfg.Dimension)
		if err != nil {
			return nil, fmt.Errorf("fallback: %w", err)
		}
	}

	factory := func(model string) (Provider, error) {
		c := cfg.Primary
		c.Model = model
		return NewProvider(c, cfg.Dimension)
	}

	return New(primary, fallback, cfg.Dimension,
		WithBatchSize(cfg.BatchSize),
		WithMaxRetries(cfg.MaxRetries),
		WithTimeout(cfg.Timeout),
		WithFactory(factory),
	)
}
