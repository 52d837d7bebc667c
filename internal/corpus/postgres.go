package corpus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/corpusflow/pkg/models"
	"github.com/pgvector/pgvector-go"
)

// PostgresStore keeps chunks in a pgvector column and ranks with the cosine
// distance operator. The pool must come from store.Connect so that vectors
// travel in pgvector's binary format.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: ping: %w", ErrStorage, err)
	}
	return nil
}

// The conflict branch only fires when something other than fetched_at
// changed, so RowsAffected counts real writes.
const upsertChunkSQL = `
INSERT INTO chunks (id, source, content, metadata, embedding, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $6)
ON CONFLICT (id) DO UPDATE SET
    source     = EXCLUDED.source,
    content    = EXCLUDED.content,
    metadata   = EXCLUDED.metadata,
    embedding  = EXCLUDED.embedding,
    updated_at = EXCLUDED.updated_at
WHERE chunks.source IS DISTINCT FROM EXCLUDED.source
   OR chunks.content IS DISTINCT FROM EXCLUDED.content
   OR (chunks.metadata - 'fetched_at') IS DISTINCT FROM (EXCLUDED.metadata - 'fetched_at')
   OR chunks.embedding IS DISTINCT FROM EXCLUDED.embedding`

func (s *PostgresStore) Upsert(ctx context.Context, chunks []models.Chunk) (int, error) {
	batch, err := prepare(chunks)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: begin upsert: %w", ErrStorage, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := s.now()
	written := 0
	for _, c := range batch {
		md := c.Metadata
		if md == nil {
			md = map[string]any{}
		}
		mdJSON, err := json.Marshal(md)
		if err != nil {
			return 0, fmt.Errorf("%w: chunk %s metadata: %v", ErrInvalidChunk, c.ID, err)
		}
		tag, err := tx.Exec(ctx, upsertChunkSQL, c.ID, c.Source, c.Text, mdJSON, pgvector.NewVector(c.Embedding), now)
		if err != nil {
			return 0, fmt.Errorf("%w: upsert chunk %s: %w", ErrStorage, c.ID, err)
		}
		written += int(tag.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("%w: commit upsert: %w", ErrStorage, err)
	}
	return written, nil
}

func (s *PostgresStore) DeleteBySource(ctx context.Context, source string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM chunks WHERE source = $1`, source)
	if err != nil {
		return 0, fmt.Errorf("%w: delete source %s: %w", ErrStorage, source, err)
	}
	return tag.RowsAffected(), nil
}

// NearestNeighbors skips rows whose vector dimension differs from vec, which
// happens after the embedding model changes and before a rebuild.
func (s *PostgresStore) NearestNeighbors(ctx context.Context, vec []float32, k int, source string) ([]models.ScoredChunk, error) {
	if k <= 0 {
		return []models.ScoredChunk{}, nil
	}
	if err := checkVector(vec); err != nil {
		return nil, fmt.Errorf("%w: query: %v", ErrInvalidChunk, err)
	}
	q := pgvector.NewVector(Normalize(vec))

	rows, err := s.pool.Query(ctx, `
		SELECT id, source, content, metadata, embedding, created_at, updated_at,
		       1 - (embedding <=> $1) AS score
		FROM chunks
		WHERE vector_dims(embedding) = $2 AND ($3 = '' OR source = $3)
		ORDER BY embedding <=> $1 ASC, updated_at DESC, id ASC
		LIMIT $4`, q, len(vec), source, k)
	if err != nil {
		return nil, fmt.Errorf("%w: nearest neighbours: %w", ErrStorage, err)
	}
	defer rows.Close()

	out := make([]models.ScoredChunk, 0, k)
	for rows.Next() {
		var (
			c      models.Chunk
			mdJSON []byte
			emb    pgvector.Vector
			score  float64
		)
		if err := rows.Scan(&c.ID, &c.Source, &c.Text, &mdJSON, &emb, &c.CreatedAt, &c.UpdatedAt, &score); err != nil {
			return nil, fmt.Errorf("%w: scan chunk: %w", ErrStorage, err)
		}
		if err := json.Unmarshal(mdJSON, &c.Metadata); err != nil {
			return nil, fmt.Errorf("%w: decode metadata of %s: %w", ErrStorage, c.ID, err)
		}
		c.Embedding = emb.Slice()
		out = append(out, models.ScoredChunk{Chunk: c, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: nearest neighbours: %w", ErrStorage, err)
	}
	return out, nil
}

func (s *PostgresStore) SourceStats(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT source, COUNT(*) FROM chunks GROUP BY source`)
	if err != nil {
		return nil, fmt.Errorf("%w: source stats: %w", ErrStorage, err)
	}
	stats, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (sourceCount, error) {
		var sc sourceCount
		err := row.Scan(&sc.source, &sc.count)
		return sc, err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: source stats: %w", ErrStorage, err)
	}

	out := make(map[string]int, len(stats))
	for _, sc := range stats {
		out[sc.source] = sc.count
	}
	return out, nil
}

type sourceCount struct {
	source string
	count  int
}
