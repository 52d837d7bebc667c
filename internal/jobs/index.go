package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kiranshivaraju/corpusflow/internal/chunker"
	"github.com/kiranshivaraju/corpusflow/internal/corpus"
	"github.com/kiranshivaraju/corpusflow/internal/embedding"
	"github.com/kiranshivaraju/corpusflow/internal/fetch"
	"github.com/kiranshivaraju/corpusflow/pkg/models"
)

// Invalidator drops cached query results after the corpus changed.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

// IndexProcessor runs corpus_index jobs: fetch, chunk, embed and upsert, with
// every source in its own goroutine. A failing source is recorded in the
// result and does not stop the others.
type IndexProcessor struct {
	registry    *fetch.Registry
	chunker     *chunker.Chunker
	embedder    *embedding.Embedder
	corpus      corpus.Store
	invalidator Invalidator
}

type IndexOption func(*IndexProcessor)

func WithInvalidator(inv Invalidator) IndexOption {
	return func(p *IndexProcessor) { p.invalidator = inv }
}

func NewIndexProcessor(registry *fetch.Registry, ch *chunker.Chunker, emb *embedding.Embedder, cs corpus.Store, opts ...IndexOption) *IndexProcessor {
	p := &IndexProcessor{registry: registry, chunker: ch, embedder: emb, corpus: cs}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *IndexProcessor) Process(ctx context.Context, job *models.Job, checkpoint Checkpoint) (json.RawMessage, error) {
	var payload models.CorpusIndexPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, validationError("decode corpus_index payload: %v", err)
	}
	if len(payload.Sources) == 0 {
		return nil, validationError("at least one source is required")
	}

	emb, err := p.embedder.WithModel(payload.EmbeddingModel)
	if err != nil {
		return nil, validationError("embedding model %q: %v", payload.EmbeddingModel, err)
	}

	req := fetch.Request{Keywords: payload.Keywords, Locators: payload.Locators}
	var (
		mu      sync.Mutex
		results = make(map[string]models.SourceResult, len(payload.Sources))
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, source := range payload.Sources {
		g.Go(func() error {
			res, err := p.indexSource(gctx, emb, source, req, checkpoint)
			mu.Lock()
			results[source] = res
			mu.Unlock()
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := models.IndexResult{Sources: results, Errors: []models.SourceFailure{}}
	written := 0
	for _, source := range payload.Sources {
		res := results[source]
		result.TotalChunks += res.Chunks
		written += res.Written
		if res.Error != "" {
			result.Errors = append(result.Errors, models.SourceFailure{Source: source, Error: res.Error})
		}
	}
	slices.SortFunc(result.Errors, func(a, b models.SourceFailure) int { return strings.Compare(a.Source, b.Source) })

	if len(result.Errors) == len(payload.Sources) {
		msgs := make([]string, len(result.Errors))
		for i, f := range result.Errors {
			msgs[i] = f.Source + ": " + f.Error
		}
		return nil, fmt.Errorf("%w: %s", ErrAllSourcesFailed, strings.Join(msgs, "; "))
	}

	if written > 0 && p.invalidator != nil {
		if err := p.invalidator.Invalidate(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("invalidate retrieval cache failed", "job_id", job.ID, "error", err)
		}
	}

	slog.Info("corpus index completed",
		"job_id", job.ID,
		"sources", len(payload.Sources),
		"failed_sources", len(result.Errors),
		"total_chunks", result.TotalChunks,
		"written", written,
	)
	return json.Marshal(result)
}

// indexSource returns a non-nil error only for failures that must stop the
// whole job: cancellation, timeout, retryable infrastructure errors and
// configuration errors. Source-level fetch failures go into the result.
func (p *IndexProcessor) indexSource(ctx context.Context, emb *embedding.Embedder, source string, req fetch.Request, checkpoint Checkpoint) (models.SourceResult, error) {
	var res models.SourceResult
	log := slog.With("source", source)

	fetcher, ok := p.registry.Get(source)
	if !ok {
		res.Error = fetch.ErrUnknownSource.Error()
		return res, nil
	}

	for doc, err := range fetcher.Fetch(ctx, req) {
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return res, stopErr(checkpoint, "fetch", ctxErr)
			}
			log.Warn("source fetch failed", "documents", res.Documents, "error", err)
			res.Error = err.Error()
			return res, nil
		}
		res.Documents++
		if err := checkpoint("fetch"); err != nil {
			return res, err
		}

		chunks, err := p.chunker.Chunk(doc)
		if err != nil {
			log.Warn("chunking failed, skipping document", "locator", doc.Locator, "error", err)
			continue
		}
		if len(chunks) == 0 {
			continue
		}
		if err := checkpoint("chunk"); err != nil {
			return res, err
		}

		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Text
		}
		vecs, err := emb.Embed(ctx, texts)
		if err != nil {
			switch {
			case errors.Is(err, embedding.ErrDimensionMismatch):
				return res, fmt.Errorf("embed %s: %w", doc.Locator, err)
			case ctx.Err() != nil:
				return res, stopErr(checkpoint, "embed", ctx.Err())
			default:
				return res, NewRetryableError(fmt.Errorf("embed %s: %w", doc.Locator, err))
			}
		}
		for i := range chunks {
			chunks[i].Embedding = vecs[i]
		}
		if err := checkpoint("embed"); err != nil {
			return res, err
		}

		n, err := p.corpus.Upsert(ctx, chunks)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return res, stopErr(checkpoint, "upsert", ctx.Err())
			case errors.Is(err, corpus.ErrStorage):
				return res, NewRetryableError(fmt.Errorf("upsert %s: %w", doc.Locator, err))
			default:
				return res, fmt.Errorf("upsert %s: %w", doc.Locator, err)
			}
		}
		res.Chunks += len(chunks)
		res.Written += n
		if err := checkpoint("upsert"); err != nil {
			return res, err
		}
	}

	log.Debug("source indexed", "documents", res.Documents, "chunks", res.Chunks, "written", res.Written)
	return res, nil
}

// stopErr prefers the checkpoint's verdict (timeout or cancel) over a bare
// context error.
func stopErr(checkpoint Checkpoint, phase string, ctxErr error) error {
	if err := checkpoint(phase); err != nil {
		return err
	}
	return ctxErr
}
