package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
	JobStatusCancelled  = "cancelled"
)

const (
	JobKindCorpusIndex      = "corpus_index"
	JobKindArtifactGenerate = "artifact_generate"
)

// IsTerminalStatus reports whether no further transition is allowed out of status.
func IsTerminalStatus(status string) bool {
	switch status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Job is the unit of orchestrated work. Workers claim pending jobs from the jobs
// table; clients read the record or subscribe to its notification topic.
type Job struct {
	ID              uuid.UUID       `db:"id"               json:"id"`
	OwnerID         string          `db:"owner_id"         json:"owner_id"`
	Kind            string          `db:"kind"             json:"kind"`
	Payload         json.RawMessage `db:"payload"          json:"payload"`
	Status          string          `db:"status"           json:"status"`
	Priority        int             `db:"priority"         json:"priority"`
	RetryCount      int             `db:"retry_count"      json:"retry_count"`
	MaxRetries      int             `db:"max_retries"      json:"max_retries"`
	Result          json.RawMessage `db:"result"           json:"result,omitempty"`
	ErrorDetail     *string         `db:"error_detail"     json:"error,omitempty"`
	CancelRequested bool            `db:"cancel_requested" json:"cancel_requested"`
	// Version starts at 1 and grows by one with every persisted change.
	Version         int64           `db:"version"          json:"version"`
	AvailableAt     time.Time       `db:"available_at"     json:"available_at"`
	StartedAt       *time.Time      `db:"started_at"       json:"started_at,omitempty"`
	CompletedAt     *time.Time      `db:"completed_at"     json:"completed_at,omitempty"`
	ExpiresAt       time.Time       `db:"expires_at"       json:"expires_at"`
	CreatedAt       time.Time       `db:"created_at"       json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at"       json:"updated_at"`
}

// CorpusIndexPayload is the input of a corpus_index job.
type CorpusIndexPayload struct {
	Sources        []string `json:"sources"`
	Keywords       []string `json:"keywords,omitempty"`
	Locators       []string `json:"locators,omitempty"`
	EmbeddingModel string   `json:"embedding_model,omitempty"`
}

// ArtifactPayload is the input of an artifact_generate job.
type ArtifactPayload struct {
	Content string `json:"content"`
	Format  string `json:"format"`
	Title   string `json:"title,omitempty"`
}

// SourceResult is the per-source breakdown of a corpus_index run.
type SourceResult struct {
	Documents int    `json:"documents"`
	Chunks    int    `json:"chunks"`
	Written   int    `json:"written"`
	Error     string `json:"error,omitempty"`
}

// SourceFailure records one fetcher that could not be used.
type SourceFailure struct {
	Source string `json:"source"`
	Error  string `json:"error"`
}

// IndexResult is the result of a completed corpus_index job.
type IndexResult struct {
	Sources     map[string]SourceResult `json:"sources"`
	TotalChunks int                     `json:"total_chunks"`
	Errors      []SourceFailure         `json:"errors"`
}

// ArtifactResult is the result of a completed artifact_generate job.
type ArtifactResult struct {
	ArtifactID  uuid.UUID `json:"artifact_id"`
	Format      string    `json:"format"`
	ContentType string    `json:"content_type"`
	SizeBytes   int       `json:"size_bytes"`
	Title       string    `json:"title,omitempty"`
}
