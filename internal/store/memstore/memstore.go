// Package memstore is an in-process store.Store used by tests and by local
// runs that do not need durability.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/corpusflow/internal/store"
	"github.com/kiranshivaraju/corpusflow/pkg/models"
)

// Store keeps jobs, API keys and artifacts in maps guarded by one mutex. All
// returned values are copies.
type Store struct {
	mu        sync.Mutex
	jobs      map[uuid.UUID]*models.Job
	keys      map[uuid.UUID]*models.APIKey
	artifacts map[uuid.UUID]*models.Artifact
	now       func() time.Time
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		jobs:      make(map[uuid.UUID]*models.Job),
		keys:      make(map[uuid.UUID]*models.APIKey),
		artifacts: make(map[uuid.UUID]*models.Artifact),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

var _ store.Store = (*Store)(nil)

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// --- API Keys ---

func (s *Store) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.APIKey
	for _, k := range s.keys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			c := *k
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *Store) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if k, ok := s.keys[id]; ok {
		now := s.now()
		k.LastUsedAt = &now
		k.UpdatedAt = now
	}
	return nil
}

func (s *Store) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range s.keys {
		if k.ID == key.ID || k.KeyHash == key.KeyHash {
			return store.ErrDuplicateKey
		}
	}
	c := *key
	s.keys[key.ID] = &c
	return nil
}

func (s *Store) ListAPIKeys(_ context.Context, ownerID string) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.APIKey
	for _, k := range s.keys {
		if k.OwnerID == ownerID && k.DeletedAt == nil {
			c := *k
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) RevokeAPIKey(_ context.Context, id uuid.UUID, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[id]
	if !ok || k.OwnerID != ownerID || k.DeletedAt != nil {
		return store.ErrNotFound
	}
	now := s.now()
	k.DeletedAt = &now
	return nil
}

// --- Jobs ---

func (s *Store) CreateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return store.ErrDuplicateKey
	}
	c := copyJob(job)
	if len(c.Payload) == 0 {
		c.Payload = json.RawMessage("{}")
	}
	c.Version = max(c.Version, 1)
	s.jobs[job.ID] = c
	return nil
}

func (s *Store) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyJob(j), nil
}

func (s *Store) ListJobs(_ context.Context, filter store.JobFilter) ([]*models.Job, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*models.Job
	for _, j := range s.jobs {
		if j.OwnerID != filter.OwnerID {
			continue
		}
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		matched = append(matched, j)
	}
	sort.Slice(matched, func(a, b int) bool {
		if !matched[a].CreatedAt.Equal(matched[b].CreatedAt) {
			return matched[a].CreatedAt.After(matched[b].CreatedAt)
		}
		return matched[a].ID.String() > matched[b].ID.String()
	})

	total := len(matched)
	limit, offset := filter.Normalize()
	if offset >= total {
		return []*models.Job{}, total, nil
	}
	end := min(offset+limit, total)

	out := make([]*models.Job, 0, end-offset)
	for _, j := range matched[offset:end] {
		out = append(out, copyJob(j))
	}
	return out, total, nil
}

func (s *Store) ClaimNextJob(_ context.Context, now time.Time) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *models.Job
	for _, j := range s.jobs {
		if j.Status != models.JobStatusPending || j.AvailableAt.After(now) || !j.ExpiresAt.After(now) {
			continue
		}
		if best == nil || j.Priority > best.Priority ||
			(j.Priority == best.Priority && j.CreatedAt.Before(best.CreatedAt)) {
			best = j
		}
	}
	if best == nil {
		return nil, store.ErrNoJobAvailable
	}

	best.Status = models.JobStatusProcessing
	started := now
	best.StartedAt = &started
	best.Version++
	best.UpdatedAt = s.now()
	return copyJob(best), nil
}

func (s *Store) CompleteJob(_ context.Context, id uuid.UUID, result json.RawMessage) (*models.Job, error) {
	return s.transition(id, models.JobStatusCompleted, func(j *models.Job, now time.Time) {
		j.Result = append(json.RawMessage(nil), result...)
		j.ErrorDetail = nil
		j.CompletedAt = &now
	})
}

func (s *Store) FailJob(_ context.Context, id uuid.UUID, detail string) (*models.Job, error) {
	return s.transition(id, models.JobStatusFailed, func(j *models.Job, now time.Time) {
		j.ErrorDetail = &detail
		j.CompletedAt = &now
	})
}

func (s *Store) RetryJob(_ context.Context, id uuid.UUID, availableAt time.Time) (*models.Job, error) {
	return s.transition(id, models.JobStatusPending, func(j *models.Job, _ time.Time) {
		j.RetryCount++
		j.AvailableAt = availableAt
		j.StartedAt = nil
	})
}

func (s *Store) MarkCancelled(_ context.Context, id uuid.UUID) (*models.Job, error) {
	return s.transition(id, models.JobStatusCancelled, func(j *models.Job, now time.Time) {
		j.CompletedAt = &now
	})
}

func (s *Store) RequestCancel(_ context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	now := s.now()
	switch j.Status {
	case models.JobStatusPending:
		j.Status = models.JobStatusCancelled
		j.CancelRequested = true
		j.CompletedAt = &now
	case models.JobStatusProcessing:
		j.CancelRequested = true
	default:
		return nil, fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, j.Status, models.JobStatusCancelled)
	}
	j.Version++
	j.UpdatedAt = now
	return copyJob(j), nil
}

func (s *Store) IsCancelRequested(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return false, store.ErrNotFound
	}
	return j.CancelRequested, nil
}

func (s *Store) FailStaleJobs(_ context.Context, startedBefore time.Time, detail string) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var out []*models.Job
	for _, j := range s.jobs {
		if j.Status != models.JobStatusProcessing || j.StartedAt == nil || !j.StartedAt.Before(startedBefore) {
			continue
		}
		d := detail
		j.Status = models.JobStatusFailed
		j.ErrorDetail = &d
		j.CompletedAt = &now
		j.Version++
		j.UpdatedAt = now
		out = append(out, copyJob(j))
	}
	return out, nil
}

func (s *Store) PurgeJobs(_ context.Context, now time.Time, retention time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-retention)
	var purged int64
	for id, j := range s.jobs {
		expired := !j.ExpiresAt.After(now)
		retired := models.IsTerminalStatus(j.Status) && j.CompletedAt != nil && j.CompletedAt.Before(cutoff)
		if !expired && !retired {
			continue
		}
		delete(s.jobs, id)
		for aid, a := range s.artifacts {
			if a.JobID == id {
				delete(s.artifacts, aid)
			}
		}
		purged++
	}
	return purged, nil
}

func (s *Store) transition(id uuid.UUID, target string, apply func(*models.Job, time.Time)) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if !store.CanTransition(j.Status, target) {
		return nil, fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, j.Status, target)
	}
	if target == models.JobStatusPending && j.CancelRequested {
		return nil, store.ErrCancelRequested
	}
	now := s.now()
	j.Status = target
	j.Version++
	j.UpdatedAt = now
	apply(j, now)
	return copyJob(j), nil
}

// --- Artifacts ---

func (s *Store) CreateArtifact(_ context.Context, a *models.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.artifacts[a.ID]; exists {
		return store.ErrDuplicateKey
	}
	c := *a
	c.Content = append([]byte(nil), a.Content...)
	s.artifacts[a.ID] = &c
	return nil
}

func (s *Store) GetArtifact(_ context.Context, id uuid.UUID) (*models.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.artifacts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *a
	c.Content = append([]byte(nil), a.Content...)
	return &c, nil
}

func copyJob(j *models.Job) *models.Job {
	c := *j
	c.Payload = append(json.RawMessage(nil), j.Payload...)
	if j.Result != nil {
		c.Result = append(json.RawMessage(nil), j.Result...)
	}
	if j.ErrorDetail != nil {
		d := *j.ErrorDetail
		c.ErrorDetail = &d
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
