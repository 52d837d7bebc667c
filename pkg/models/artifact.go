package models

import (
	"time"

	"github.com/google/uuid"
)

// Artifact is the derived output of an artifact_generate job.
type Artifact struct {
	ID          uuid.UUID `db:"id"           json:"id"`
	JobID       uuid.UUID `db:"job_id"       json:"job_id"`
	OwnerID     string    `db:"owner_id"     json:"owner_id"`
	Title       string    `db:"title"        json:"title"`
	Format      string    `db:"format"       json:"format"`
	ContentType string    `db:"content_type" json:"content_type"`
	Content     []byte    `db:"content"      json:"-"`
	CreatedAt   time.Time `db:"created_at"   json:"created_at"`
}
