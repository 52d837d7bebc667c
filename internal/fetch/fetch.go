// Package fetch turns a fetch request into raw documents, one connector per
// source. Connectors are registered by name and looked up by the job pipeline.
package fetch

import (
	"context"
	"iter"
	"slices"
	"strings"
	"sync"

	"github.com/kiranshivaraju/corpusflow/internal/config"
	"github.com/kiranshivaraju/corpusflow/pkg/models"
)

// Request narrows what a fetcher returns. Keywords filter or drive a search;
// Locators name extra pages, questions, repositories or packages.
type Request struct {
	Keywords []string
	Locators []string
}

// Fetcher is one source connector. Fetch is lazy: no I/O happens until the
// sequence is ranged over, and ranging over it again repeats the I/O. A
// failure is yielded as a *SourceError and ends the sequence.
type Fetcher interface {
	Name() string
	Fetch(ctx context.Context, req Request) iter.Seq2[models.RawDocument, error]
}

// Registry maps source names to fetchers.
type Registry struct {
	mu       sync.RWMutex
	fetchers map[string]Fetcher
}

func NewRegistry(fetchers ...Fetcher) *Registry {
	r := &Registry{fetchers: make(map[string]Fetcher)}
	for _, f := range fetchers {
		r.Register(f)
	}
	return r
}

// Register adds f, replacing any fetcher with the same name.
func (r *Registry) Register(f Fetcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetchers[f.Name()] = f
}

func (r *Registry) Get(name string) (Fetcher, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.fetchers[name]
	return f, ok
}

// Names returns the registered source names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.fetchers))
	for name := range r.fetchers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// NewDefaultRegistry registers every built-in source against one shared
// HTTP client.
func NewDefaultRegistry(cfg config.SourcesConfig) *Registry {
	client := NewHTTPClient(cfg.FetchTimeout)
	return NewRegistry(
		NewDocsFetcher(client, cfg.DocsSeedURLs, cfg.MaxDocuments),
		NewStackExchangeFetcher(client, cfg.StackExchange, cfg.MaxDocuments),
		NewGitHubFetcher(client, cfg.GitHub, cfg.MaxDocuments),
		NewPyPIFetcher(client, cfg.PyPIBaseURL, cfg.MaxDocuments),
		NewNPMFetcher(client, cfg.NPMBaseURL, cfg.MaxDocuments),
	)
}

// Collect drains seq. It stops at the first error.
func Collect(seq iter.Seq2[models.RawDocument, error]) ([]models.RawDocument, error) {
	var docs []models.RawDocument
	for doc, err := range seq {
		if err != nil {
			return docs, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// matchesAny reports whether text mentions one of keywords, case-insensitively.
// No keywords matches everything.
func matchesAny(text string, keywords []string) bool {
	if len(keywords) == 0 {
		return true
	}
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if kw = strings.TrimSpace(kw); kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// uniq trims and de-duplicates values, keeping first-seen order.
func uniq(values ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, vs := range values {
		for _, v := range vs {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}
