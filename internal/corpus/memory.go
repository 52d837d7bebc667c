package corpus

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/kiranshivaraju/corpusflow/pkg/models"
)

// MemoryStore is a brute-force in-process Store with the same ordering and
// write-counting rules as PostgresStore.
type MemoryStore struct {
	mu     sync.RWMutex
	chunks map[string]models.Chunk
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chunks: make(map[string]models.Chunk),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source used for created_at and updated_at.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

func (m *MemoryStore) Upsert(ctx context.Context, chunks []models.Chunk) (int, error) {
	batch, err := prepare(chunks)
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	written := 0
	for _, c := range batch {
		c.Metadata = maps.Clone(c.Metadata)
		if existing, ok := m.chunks[c.ID]; ok {
			if sameContent(existing, c) {
				continue
			}
			c.CreatedAt = existing.CreatedAt
		} else {
			c.CreatedAt = now
		}
		c.UpdatedAt = now
		m.chunks[c.ID] = c
		written++
	}
	return written, nil
}

func (m *MemoryStore) DeleteBySource(ctx context.Context, source string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, c := range m.chunks {
		if c.Source == source {
			delete(m.chunks, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) NearestNeighbors(ctx context.Context, vec []float32, k int, source string) ([]models.ScoredChunk, error) {
	if k <= 0 {
		return []models.ScoredChunk{}, nil
	}
	if err := checkVector(vec); err != nil {
		return nil, err
	}
	q := Normalize(vec)

	m.mu.RLock()
	hits := make([]models.ScoredChunk, 0, len(m.chunks))
	for _, c := range m.chunks {
		if len(c.Embedding) != len(q) || (source != "" && c.Source != source) {
			continue
		}
		c.Embedding = slices.Clone(c.Embedding)
		c.Metadata = maps.Clone(c.Metadata)
		hits = append(hits, models.ScoredChunk{Chunk: c, Score: Cosine(q, c.Embedding)})
	}
	m.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Chunk.UpdatedAt.Equal(b.Chunk.UpdatedAt) {
			return a.Chunk.UpdatedAt.After(b.Chunk.UpdatedAt)
		}
		return a.Chunk.ID < b.Chunk.ID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (m *MemoryStore) SourceStats(ctx context.Context) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]int)
	for _, c := range m.chunks {
		out[c.Source]++
	}
	return out, nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
