// Package jobs owns the job lifecycle: submission, the worker pool that claims
// and runs jobs, the per-kind processors and the retention sweeper. Every
// status change goes through the store first and is then published on the
// notification bus.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/corpusflow/internal/config"
	"github.com/kiranshivaraju/corpusflow/internal/dispatch"
	"github.com/kiranshivaraju/corpusflow/internal/fetch"
	"github.com/kiranshivaraju/corpusflow/internal/notify"
	"github.com/kiranshivaraju/corpusflow/internal/store"
	"github.com/kiranshivaraju/corpusflow/pkg/models"
)

const (
	FormatMarkdown = "markdown"
	FormatCSV      = "csv"
	FormatJSON     = "json"
)

const (
	maxRetryLimit    = 10
	maxArtifactBytes = 1 << 20
	maxTitleLength   = 200
)

var formatAliases = map[string]string{
	"markdown":    FormatMarkdown,
	"md":          FormatMarkdown,
	"document":    FormatMarkdown,
	"csv":         FormatCSV,
	"spreadsheet": FormatCSV,
	"json":        FormatJSON,
}

// SubmitRequest is a validated-on-submit job request. MaxRetries nil means
// the configured default.
type SubmitRequest struct {
	OwnerID    string
	Kind       string
	Payload    json.RawMessage
	Priority   int
	MaxRetries *int
}

// Manager is the entry point for job submission, lookup and cancellation.
type Manager struct {
	store    store.Store
	bus      notify.Bus
	waker    dispatch.Waker
	registry *fetch.Registry
	cfg      config.JobsConfig
	cancels  *CancelRegistry
	now      func() time.Time
}

type ManagerOption func(*Manager)

// WithWaker lets Submit and retries wake idle workers immediately.
func WithWaker(w dispatch.Waker) ManagerOption {
	return func(m *Manager) { m.waker = w }
}

func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

func NewManager(st store.Store, bus notify.Bus, registry *fetch.Registry, cfg config.JobsConfig, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:    st,
		bus:      bus,
		registry: registry,
		cfg:      cfg,
		cancels:  NewCancelRegistry(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Submit validates and persists a pending job, publishes its first event and
// wakes the pool.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (*models.Job, error) {
	if strings.TrimSpace(req.OwnerID) == "" {
		return nil, validationError("owner is required")
	}
	payload, err := m.normalizePayload(req.Kind, req.Payload)
	if err != nil {
		return nil, err
	}

	maxRetries := m.cfg.MaxRetries
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 || *req.MaxRetries > maxRetryLimit {
			return nil, validationError("max_retries must be between 0 and %d", maxRetryLimit)
		}
		maxRetries = *req.MaxRetries
	}

	now := m.now()
	job := &models.Job{
		ID:          uuid.New(),
		OwnerID:     req.OwnerID,
		Kind:        req.Kind,
		Payload:     payload,
		Status:      models.JobStatusPending,
		Priority:    req.Priority,
		MaxRetries:  maxRetries,
		Version:     1,
		AvailableAt: now,
		ExpiresAt:   now.Add(m.cfg.TTL),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	slog.Info("job submitted", "job_id", job.ID, "owner_id", job.OwnerID, "kind", job.Kind, "priority", job.Priority)
	m.publish(ctx, models.EventFromJob(job))
	m.wake(ctx, job.ID)
	return job, nil
}

func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return m.store.GetJob(ctx, id)
}

// List returns the owner's jobs, most recent first, and the total match count.
func (m *Manager) List(ctx context.Context, filter store.JobFilter) ([]*models.Job, int, error) {
	if filter.Status != "" && !isKnownStatus(filter.Status) {
		return nil, 0, validationError("unknown status %q", filter.Status)
	}
	return m.store.ListJobs(ctx, filter)
}

// Cancel cancels a pending job at once. A processing job is flagged and stops
// at its next checkpoint. Terminal jobs return store.ErrInvalidTransition.
func (m *Manager) Cancel(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, err := m.store.RequestCancel(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status == models.JobStatusCancelled {
		slog.Info("job cancelled", "job_id", id)
		m.publish(ctx, models.EventFromJob(job))
		return job, nil
	}
	local := m.cancels.Cancel(id)
	slog.Info("job cancellation requested", "job_id", id, "running_here", local)
	return job, nil
}

// Sources lists the source names accepted by corpus_index jobs.
func (m *Manager) Sources() []string {
	return m.registry.Names()
}

func (m *Manager) publish(ctx context.Context, evt models.NotificationEvent) {
	if err := m.bus.Publish(context.WithoutCancel(ctx), evt); err != nil {
		slog.Warn("publish job event failed", "job_id", evt.JobID, "status", evt.Status, "error", err)
	}
}

func (m *Manager) wake(ctx context.Context, id uuid.UUID) {
	if m.waker == nil {
		return
	}
	if err := m.waker.Notify(ctx, id); err != nil {
		slog.Warn("wake workers failed", "job_id", id, "error", err)
	}
}

func (m *Manager) normalizePayload(kind string, raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	switch kind {
	case models.JobKindCorpusIndex:
		var p models.CorpusIndexPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, validationError("invalid corpus_index payload: %v", err)
		}
		p.Sources = trimmed(p.Sources)
		p.Keywords = trimmed(p.Keywords)
		p.Locators = trimmed(p.Locators)
		p.EmbeddingModel = strings.TrimSpace(p.EmbeddingModel)
		if len(p.Sources) == 0 {
			return nil, validationError("at least one source is required")
		}
		for _, s := range p.Sources {
			if _, ok := m.registry.Get(s); !ok {
				return nil, validationError("unknown source %q (available: %s)", s, strings.Join(m.registry.Names(), ", "))
			}
		}
		return json.Marshal(p)

	case models.JobKindArtifactGenerate:
		var p models.ArtifactPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, validationError("invalid artifact_generate payload: %v", err)
		}
		if strings.TrimSpace(p.Content) == "" {
			return nil, validationError("content is required")
		}
		if len(p.Content) > maxArtifactBytes {
			return nil, validationError("content exceeds %d bytes", maxArtifactBytes)
		}
		format, ok := formatAliases[strings.ToLower(strings.TrimSpace(p.Format))]
		if !ok {
			return nil, validationError("unknown format %q: must be one of markdown, csv, json", p.Format)
		}
		p.Format = format
		p.Title = strings.TrimSpace(p.Title)
		if len(p.Title) > maxTitleLength {
			return nil, validationError("title exceeds %d characters", maxTitleLength)
		}
		return json.Marshal(p)

	default:
		return nil, validationError("unknown job kind %q", kind)
	}
}

// trimmed drops blank entries and duplicates, keeping order.
func trimmed(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" && !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}

func isKnownStatus(s string) bool {
	switch s {
	case models.JobStatusPending, models.JobStatusProcessing, models.JobStatusCompleted,
		models.JobStatusFailed, models.JobStatusCancelled:
		return true
	}
	return false
}
