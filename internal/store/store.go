package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/corpusflow/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")
var ErrInvalidTransition = errors.New("invalid job status transition")
var ErrNoJobAvailable = errors.New("no job available")

// ErrCancelRequested is returned by RetryJob when the job carries a cancel
// request. The caller cancels the job instead of requeueing it.
var ErrCancelRequested = errors.New("job has a pending cancel request")

// Store is the data access interface for jobs, API keys and artifacts. Chunks
// live behind corpus.Store instead.
type Store interface {
	Ping(ctx context.Context) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, ownerID string) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, ownerID string) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error)

	// ClaimNextJob atomically moves the best pending job to processing. It
	// returns ErrNoJobAvailable when nothing is eligible at now.
	ClaimNextJob(ctx context.Context, now time.Time) (*models.Job, error)
	CompleteJob(ctx context.Context, id uuid.UUID, result json.RawMessage) (*models.Job, error)
	FailJob(ctx context.Context, id uuid.UUID, detail string) (*models.Job, error)
	RetryJob(ctx context.Context, id uuid.UUID, availableAt time.Time) (*models.Job, error)
	// RequestCancel cancels a pending job outright, or flags a processing job
	// for cancellation at its next checkpoint.
	RequestCancel(ctx context.Context, id uuid.UUID) (*models.Job, error)
	MarkCancelled(ctx context.Context, id uuid.UUID) (*models.Job, error)
	IsCancelRequested(ctx context.Context, id uuid.UUID) (bool, error)
	FailStaleJobs(ctx context.Context, startedBefore time.Time, detail string) ([]*models.Job, error)
	PurgeJobs(ctx context.Context, now time.Time, retention time.Duration) (int64, error)

	CreateArtifact(ctx context.Context, artifact *models.Artifact) error
	GetArtifact(ctx context.Context, id uuid.UUID) (*models.Artifact, error)
}

// JobFilter scopes ListJobs. OwnerID is required.
type JobFilter struct {
	OwnerID string
	Status  string
	Page    int
	Limit   int
}

// Normalize applies pagination defaults and bounds.
func (f JobFilter) Normalize() (limit, offset int) {
	limit = f.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	page := f.Page
	if page <= 0 {
		page = 1
	}
	return limit, (page - 1) * limit
}

// validTransitions lists, for every target status, the statuses a job may be
// in beforehand. Terminal statuses never appear on the right-hand side.
var validTransitions = map[string][]string{
	models.JobStatusProcessing: {models.JobStatusPending},
	models.JobStatusCompleted:  {models.JobStatusProcessing},
	models.JobStatusFailed:     {models.JobStatusProcessing},
	models.JobStatusCancelled:  {models.JobStatusPending, models.JobStatusProcessing},
	models.JobStatusPending:    {models.JobStatusProcessing},
}

// AllowedFrom returns the statuses from which a job may move to target.
func AllowedFrom(target string) []string {
	return validTransitions[target]
}

// CanTransition reports whether from -> to is an edge of the job state machine.
func CanTransition(from, to string) bool {
	for _, s := range validTransitions[to] {
		if s == from {
			return true
		}
	}
	return false
}
