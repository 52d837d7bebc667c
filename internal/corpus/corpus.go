// Package corpus stores embedded chunks and answers nearest-neighbour queries.
// Writes are keyed by the content-derived chunk id, so re-indexing identical
// text never creates a second row.
package corpus

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"

	"github.com/kiranshivaraju/corpusflow/internal/chunker"
	"github.com/kiranshivaraju/corpusflow/pkg/models"
)

var (
	// ErrStorage wraps failures of the underlying store. Job processing treats
	// it as retryable.
	ErrStorage = errors.New("corpus storage error")
	// ErrInvalidChunk is returned for chunks without an id or a usable vector.
	ErrInvalidChunk = errors.New("invalid chunk")
)

// Store is the corpus contract shared by the Postgres and in-memory variants.
//
// Upsert is atomic per call: either every chunk in the batch is written or
// none is. It returns the number of rows inserted or changed; rewriting a
// chunk with identical content, metadata and vector counts as zero.
type Store interface {
	Upsert(ctx context.Context, chunks []models.Chunk) (int, error)
	DeleteBySource(ctx context.Context, source string) (int64, error)
	// NearestNeighbors ranks by cosine similarity descending, then updated_at
	// descending, then id. An empty source searches every source.
	NearestNeighbors(ctx context.Context, vec []float32, k int, source string) ([]models.ScoredChunk, error)
	SourceStats(ctx context.Context) (map[string]int, error)
	Ping(ctx context.Context) error
}

// prepare validates a batch, collapses duplicate ids (last occurrence wins,
// first position kept) and normalises every vector.
func prepare(chunks []models.Chunk) ([]models.Chunk, error) {
	index := make(map[string]int, len(chunks))
	out := make([]models.Chunk, 0, len(chunks))
	for _, c := range chunks {
		if c.ID == "" {
			return nil, fmt.Errorf("%w: missing id", ErrInvalidChunk)
		}
		if c.Source == "" {
			return nil, fmt.Errorf("%w: chunk %s has no source", ErrInvalidChunk, c.ID)
		}
		if err := checkVector(c.Embedding); err != nil {
			return nil, fmt.Errorf("%w: chunk %s: %v", ErrInvalidChunk, c.ID, err)
		}
		c.Embedding = Normalize(c.Embedding)
		if i, ok := index[c.ID]; ok {
			out[i] = c
			continue
		}
		index[c.ID] = len(out)
		out = append(out, c)
	}
	return out, nil
}

func checkVector(v []float32) error {
	if len(v) == 0 {
		return errors.New("empty vector")
	}
	zero := true
	for _, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return errors.New("vector contains NaN or Inf")
		}
		if x != 0 {
			zero = false
		}
	}
	if zero {
		return errors.New("zero vector")
	}
	return nil
}

// sameContent reports whether two chunks would store the same row. The fetch
// timestamp is ignored so that refetching unchanged text is a no-op.
func sameContent(a, b models.Chunk) bool {
	if a.Source != b.Source || a.Text != b.Text || !reflect.DeepEqual(a.Embedding, b.Embedding) {
		return false
	}
	return reflect.DeepEqual(withoutFetchedAt(a.Metadata), withoutFetchedAt(b.Metadata))
}

func withoutFetchedAt(md map[string]any) map[string]any {
	out := make(map[string]any, len(md))
	for k, v := range md {
		if k != chunker.MetaFetchedAt {
			out[k] = v
		}
	}
	return out
}
