package models

import "time"

// RawDocument is fetched content before chunking. It only lives inside a
// pipeline run and is never persisted as-is.
type RawDocument struct {
	Source    string    `json:"source"`
	Locator   string    `json:"locator"`
	Title     string    `json:"title"`
	Text      string    `json:"text"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Chunk is a unit of indexed text. ID is derived from content, so indexing the
// same text twice targets the same row.
type Chunk struct {
	ID        string         `db:"id"         json:"id"`
	Source    string         `db:"source"     json:"source"`
	Text      string         `db:"content"    json:"text"`
	Embedding []float32      `db:"embedding"  json:"-"`
	Metadata  map[string]any `db:"metadata"   json:"metadata"`
	CreatedAt time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt time.Time      `db:"updated_at" json:"updated_at"`
}

// ScoredChunk is a nearest-neighbour hit.
type ScoredChunk struct {
	Chunk Chunk   `json:"chunk"`
	Score float64 `json:"score"`
}
