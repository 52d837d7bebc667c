// Package retrieval answers nearest-neighbour queries over the corpus and,
// when a generator is configured, grounded questions.
package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kiranshivaraju/corpusflow/internal/cache"
	"github.com/kiranshivaraju/corpusflow/internal/chunker"
	"github.com/kiranshivaraju/corpusflow/internal/config"
	"github.com/kiranshivaraju/corpusflow/internal/corpus"
	"github.com/kiranshivaraju/corpusflow/pkg/models"
)

var (
	ErrEmptyQuery  = errors.New("query must not be empty")
	ErrNoGenerator = errors.New("no text generator configured")
)

// QueryEmbedder is the part of embedding.Embedder the retriever needs.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Answer is a generated reply with the chunks it was grounded on.
type Answer struct {
	Answer    string               `json:"answer"`
	Generator string               `json:"generator"`
	Sources   []models.ScoredChunk `json:"sources"`
}

// Retriever is safe for concurrent use. The cache is optional.
type Retriever struct {
	embedder  QueryEmbedder
	corpus    corpus.Store
	cache     cache.Cache
	generator models.Generator
	defaultK  int
	maxK      int
	cacheTTL  time.Duration
}

type Option func(*Retriever)

func WithCache(c cache.Cache) Option {
	return func(r *Retriever) { r.cache = c }
}

func WithGenerator(g models.Generator) Option {
	return func(r *Retriever) { r.generator = g }
}

func New(emb QueryEmbedder, cs corpus.Store, cfg config.RetrievalConfig, opts ...Option) *Retriever {
	r := &Retriever{
		embedder: emb,
		corpus:   cs,
		defaultK: cfg.DefaultK,
		maxK:     cfg.MaxK,
		cacheTTL: cfg.CacheTTL,
	}
	if r.defaultK <= 0 {
		r.defaultK = 5
	}
	if r.maxK <= 0 {
		r.maxK = 50
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// K applies the default and the cap to a requested k.
func (r *Retriever) K(k int) int {
	if k <= 0 {
		return r.defaultK
	}
	return min(k, r.maxK)
}

// Retrieve returns up to k chunks ranked by similarity to query.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int, source string) ([]models.ScoredChunk, error) {
	query = chunker.Normalize(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	k = r.K(k)

	key := cache.RetrievalKey(source, k, query)
	if hits, ok := r.cached(ctx, key); ok {
		return hits, nil
	}

	vec, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	hits, err := r.corpus.NearestNeighbors(ctx, vec, k, source)
	if err != nil {
		return nil, err
	}

	r.store(ctx, key, hits)
	return hits, nil
}

// Ask retrieves context for question and has the generator answer from it.
func (r *Retriever) Ask(ctx context.Context, question string, k int, source string) (*Answer, error) {
	if r.generator == nil {
		return nil, ErrNoGenerator
	}
	hits, err := r.Retrieve(ctx, question, k, source)
	if err != nil {
		return nil, err
	}

	text, err := r.generator.Generate(ctx, buildPrompt(question, hits))
	if err != nil {
		return nil, fmt.Errorf("generate answer: %w", err)
	}
	return &Answer{
		Answer:    strings.TrimSpace(text),
		Generator: r.generator.Name(),
		Sources:   hits,
	}, nil
}

// Invalidate drops every cached retrieval result.
func (r *Retriever) Invalidate(ctx context.Context) error {
	if r.cache == nil {
		return nil
	}
	n, err := r.cache.DeletePrefix(ctx, cache.RetrievalPrefix())
	if err != nil {
		return fmt.Errorf("invalidate retrieval cache: %w", err)
	}
	slog.Debug("retrieval cache invalidated", "keys", n)
	return nil
}

func (r *Retriever) cached(ctx context.Context, key string) ([]models.ScoredChunk, bool) {
	if r.cache == nil || r.cacheTTL <= 0 {
		return nil, false
	}
	data, ok, err := r.cache.Get(ctx, key)
	if err != nil {
		slog.Warn("retrieval cache read failed", "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var hits []models.ScoredChunk
	if err := json.Unmarshal(data, &hits); err != nil {
		slog.Warn("discarding corrupt retrieval cache entry", "key", key, "error", err)
		return nil, false
	}
	return hits, true
}

func (r *Retriever) store(ctx context.Context, key string, hits []models.ScoredChunk) {
	if r.cache == nil || r.cacheTTL <= 0 {
		return
	}
	data, err := json.Marshal(hits)
	if err != nil {
		return
	}
	if err := r.cache.Set(ctx, key, data, r.cacheTTL); err != nil {
		slog.Warn("retrieval cache write failed", "error", err)
	}
}

func buildPrompt(question string, hits []models.ScoredChunk) string {
	var b strings.Builder
	b.WriteString("Answer the question using only the numbered context below. ")
	b.WriteString("Cite the passages you used as [n]. ")
	b.WriteString("If the context does not contain the answer, say so.\n\n")
	for i, h := range hits {
		fmt.Fprintf(&b, "[%d] (%s", i+1, h.Chunk.Source)
		if u, ok := h.Chunk.Metadata[chunker.MetaURL].(string); ok && u != "" {
			fmt.Fprintf(&b, ", %s", u)
		}
		fmt.Fprintf(&b, ")\n%s\n\n", h.Chunk.Text)
	}
	fmt.Fprintf(&b, "Question: %s\nAnswer:", question)
	return b.String()
}
