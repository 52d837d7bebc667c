package jobs_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/kiranshivaraju/corpusflow/internal/chunker"
	"github.com/kiranshivaraju/corpusflow/internal/corpus"
	"github.com/kiranshivaraju/corpusflow/internal/embedding"
	"github.com/kiranshivaraju/corpusflow/internal/fetch"
	"github.com/kiranshivaraju/corpusflow/internal/jobs"
	"github.com/kiranshivaraju/corpusflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dim = 256

// paragraph builds n runes of distinct words ending in a full stop.
func paragraph(tag string, n int) string {
	var b strings.Builder
	for i := 0; b.Len() < n; i++ {
		fmt.Fprintf(&b, "%s%04d ", tag, i)
	}
	return b.String()[:n-1] + "."
}

func rawDoc(source, locator, text string) models.RawDocument {
	return models.RawDocument{
		Source:    source,
		Locator:   locator,
		Title:     locator,
		Text:      text,
		FetchedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

type countingInvalidator struct{ calls int }

func (c *countingInvalidator) Invalidate(context.Context) error {
	c.calls++
	return nil
}

type indexEnv struct {
	*env
	corpus      *corpus.MemoryStore
	invalidator *countingInvalidator
	pool        *jobs.Pool
}

func newIndexEnv(t *testing.T, fetchers ...fetch.Fetcher) *indexEnv {
	t.Helper()
	registry := fetch.NewRegistry(fetchers...)
	e := newEnv(t, registry)

	emb, err := embedding.New(embedding.NewHashProvider(dim), nil, dim)
	require.NoError(t, err)

	ie := &indexEnv{env: e, corpus: corpus.NewMemoryStore(), invalidator: &countingInvalidator{}}
	proc := jobs.NewIndexProcessor(registry, chunker.New(1000, 150), emb, ie.corpus, jobs.WithInvalidator(ie.invalidator))
	ie.pool = e.pool(map[string]jobs.Processor{models.JobKindCorpusIndex: proc}, jobsConfig())
	return ie
}

func (ie *indexEnv) result(t *testing.T, job *models.Job) (*models.Job, models.IndexResult) {
	t.Helper()
	got, err := ie.manager.Get(context.Background(), job.ID)
	require.NoError(t, err)
	var res models.IndexResult
	if got.Result != nil {
		require.NoError(t, json.Unmarshal(got.Result, &res))
	}
	return got, res
}

func TestIndex_EndToEndUnstructuredText(t *testing.T) {
	text := strings.Repeat("abcdefghijklmnopqrstuvwxyz0123456789", 70)[:2500]
	ie := newIndexEnv(t, &staticFetcher{name: "docs", docs: []models.RawDocument{
		rawDoc("docs", "https://docs.example.com/dump", text),
		rawDoc("docs", "https://docs.example.com/faq", paragraph("echo", 400)),
	}})
	job := ie.submitIndex(t, "docs")
	drain(t, ie.pool)

	got, res := ie.result(t, job)
	require.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, models.SourceResult{Documents: 2, Chunks: 4, Written: 4}, res.Sources["docs"])

	emb, err := embedding.New(embedding.NewHashProvider(dim), nil, dim)
	require.NoError(t, err)
	q, err := emb.EmbedQuery(context.Background(), text[850:1850])
	require.NoError(t, err)
	hits, err := ie.corpus.NearestNeighbors(context.Background(), q, 4, "docs")
	require.NoError(t, err)
	require.Len(t, hits, 4)

	var windows []string
	for _, h := range hits {
		if h.Chunk.Metadata[chunker.MetaURL] == "https://docs.example.com/dump" {
			windows = append(windows, h.Chunk.Text)
		}
	}
	assert.ElementsMatch(t, []string{text[:1000], text[850:1850], text[1700:]}, windows,
		"neighbouring windows share 150 runes")
}

func TestIndex_EndToEnd(t *testing.T) {
	paras := []string{
		paragraph("alpha", 624),
		paragraph("bravo", 624),
		paragraph("charlie", 624),
		paragraph("delta", 622),
	}
	long := strings.Join(paras, "\n\n")
	require.Equal(t, 2500, utf8.RuneCountInString(long))
	short := paragraph("echo", 400)

	ie := newIndexEnv(t, &staticFetcher{name: "docs", docs: []models.RawDocument{
		rawDoc("docs", "https://docs.example.com/guide", long),
		rawDoc("docs", "https://docs.example.com/faq", short),
	}})
	job := ie.submitIndex(t, "docs")
	drain(t, ie.pool)

	got, res := ie.result(t, job)
	require.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, 5, res.TotalChunks)
	assert.Equal(t, models.SourceResult{Documents: 2, Chunks: 5, Written: 5}, res.Sources["docs"])
	assert.Empty(t, res.Errors)
	assert.Equal(t, 1, ie.invalidator.calls)

	stats, err := ie.corpus.SourceStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"docs": 5}, stats)

	emb, err := embedding.New(embedding.NewHashProvider(dim), nil, dim)
	require.NoError(t, err)
	q, err := emb.EmbedQuery(context.Background(), "charlie0003 charlie0004 charlie0005 charlie0006 charlie0007 charlie0008")
	require.NoError(t, err)
	hits, err := ie.corpus.NearestNeighbors(context.Background(), q, 1, "")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, paras[2], hits[0].Chunk.Text)
}

func TestIndex_Idempotent(t *testing.T) {
	ie := newIndexEnv(t, &staticFetcher{name: "docs", docs: []models.RawDocument{
		rawDoc("docs", "https://docs.example.com/a", paragraph("alpha", 300)),
	}})

	first := ie.submitIndex(t, "docs")
	drain(t, ie.pool)
	second := ie.submitIndex(t, "docs")
	drain(t, ie.pool)

	_, r1 := ie.result(t, first)
	_, r2 := ie.result(t, second)
	assert.Equal(t, 1, r1.Sources["docs"].Written)
	assert.Equal(t, 1, r2.Sources["docs"].Chunks)
	assert.Zero(t, r2.Sources["docs"].Written)
	assert.Equal(t, 1, ie.invalidator.calls, "unchanged corpus keeps the cache")

	stats, err := ie.corpus.SourceStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats["docs"])
}

func TestIndex_PartialFailure(t *testing.T) {
	ie := newIndexEnv(t,
		&staticFetcher{name: "docs", docs: []models.RawDocument{rawDoc("docs", "https://d/1", paragraph("docs", 200))}},
		&staticFetcher{name: "npm", docs: []models.RawDocument{rawDoc("npm", "https://n/1", paragraph("npm", 200))}},
		&staticFetcher{name: "pypi", err: fmt.Errorf("%w: status 503", fetch.ErrTransient)},
	)
	job := ie.submitIndex(t, "docs", "npm", "pypi")
	drain(t, ie.pool)

	got, res := ie.result(t, job)
	require.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, 2, res.TotalChunks)
	assert.Equal(t, 1, res.Sources["docs"].Chunks)
	assert.Equal(t, 1, res.Sources["npm"].Chunks)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "pypi", res.Errors[0].Source)
	assert.Contains(t, res.Errors[0].Error, "status 503")
	assert.NotEmpty(t, res.Sources["pypi"].Error)
}

func TestIndex_DocumentsBeforeFailureAreKept(t *testing.T) {
	ie := newIndexEnv(t,
		&staticFetcher{name: "docs", docs: []models.RawDocument{rawDoc("docs", "https://d/1", paragraph("docs", 200))}},
		&staticFetcher{name: "github", docs: []models.RawDocument{rawDoc("github", "https://g/1", paragraph("gh", 200))},
			err: errors.New("rate limited")},
	)
	job := ie.submitIndex(t, "docs", "github")
	drain(t, ie.pool)

	got, res := ie.result(t, job)
	require.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, 1, res.Sources["github"].Chunks)
	assert.Contains(t, res.Sources["github"].Error, "rate limited")
}

func TestIndex_AllSourcesFailed(t *testing.T) {
	ie := newIndexEnv(t,
		&staticFetcher{name: "npm", err: errors.New("registry down")},
		&staticFetcher{name: "pypi", err: errors.New("registry down")},
	)
	job := ie.submitIndex(t, "npm", "pypi")
	drain(t, ie.pool)

	got, _ := ie.result(t, job)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Contains(t, *got.ErrorDetail, jobs.ErrAllSourcesFailed.Error())
	assert.Zero(t, got.RetryCount)
}

func TestIndex_EmptySourceIsNotAFailure(t *testing.T) {
	ie := newIndexEnv(t, &staticFetcher{name: "docs"})
	job := ie.submitIndex(t, "docs")
	drain(t, ie.pool)

	got, res := ie.result(t, job)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Zero(t, res.TotalChunks)
	assert.Equal(t, 0, ie.invalidator.calls)
}

func TestIndex_ModelOverrideWithoutFactory(t *testing.T) {
	ie := newIndexEnv(t, &staticFetcher{name: "docs"})
	job, err := ie.manager.Submit(context.Background(), jobs.SubmitRequest{
		OwnerID: owner,
		Kind:    models.JobKindCorpusIndex,
		Payload: json.RawMessage(`{"sources":["docs"],"embedding_model":"nomic-embed-text"}`),
	})
	require.NoError(t, err)
	drain(t, ie.pool)

	got, _ := ie.result(t, job)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Contains(t, *got.ErrorDetail, jobs.ErrValidation.Error())
}
