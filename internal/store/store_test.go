package store_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/corpusflow/internal/store"
	"github.com/kiranshivaraju/corpusflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// migrationsDir returns the absolute path to the migrations directory.
func migrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

// setupTestDB spins up a Postgres container with pgvector, runs migrations, and returns a pool.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"pgvector/pgvector:pg16",
		postgres.WithDatabase("corpusflow_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	err = store.RunMigrations(connStr, migrationsDir())
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return pool
}

func newJob(owner string, priority int, createdAt time.Time) *models.Job {
	return &models.Job{
		ID:          uuid.New(),
		OwnerID:     owner,
		Kind:        models.JobKindCorpusIndex,
		Payload:     json.RawMessage(`{"sources":["docs"]}`),
		Status:      models.JobStatusPending,
		Priority:    priority,
		MaxRetries:  3,
		AvailableAt: createdAt,
		ExpiresAt:   createdAt.Add(24 * time.Hour),
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}
}

// --- API Key Tests ---

func TestAPIKey_CreateGetListRevoke(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	key := &models.APIKey{
		ID:        uuid.New(),
		OwnerID:   "owner-1",
		Name:      "test-key",
		KeyHash:   "bcrypt-hash-here",
		KeyPrefix: "cf_abcde",
		Scopes:    []string{"read", "write"},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.CreateAPIKey(ctx, key))

	keys, err := s.GetAPIKeyByPrefix(ctx, "cf_abcde")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, key.ID, keys[0].ID)
	assert.Equal(t, []string{"read", "write"}, keys[0].Scopes)

	listed, err := s.ListAPIKeys(ctx, "owner-1")
	require.NoError(t, err)
	assert.Len(t, listed, 1)

	require.NoError(t, s.UpdateAPIKeyLastUsed(ctx, key.ID))

	require.NoError(t, s.RevokeAPIKey(ctx, key.ID, "owner-1"))
	keys, err = s.GetAPIKeyByPrefix(ctx, "cf_abcde")
	require.NoError(t, err)
	assert.Empty(t, keys)

	err = s.RevokeAPIKey(ctx, key.ID, "owner-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAPIKey_DuplicateHash(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	now := time.Now().UTC()
	first := &models.APIKey{ID: uuid.New(), OwnerID: "o", Name: "a", KeyHash: "same", KeyPrefix: "cf_aaaaa", CreatedAt: now, UpdatedAt: now}
	second := &models.APIKey{ID: uuid.New(), OwnerID: "o", Name: "b", KeyHash: "same", KeyPrefix: "cf_bbbbb", CreatedAt: now, UpdatedAt: now}

	require.NoError(t, s.CreateAPIKey(ctx, first))
	assert.ErrorIs(t, s.CreateAPIKey(ctx, second), store.ErrDuplicateKey)
}

// --- Job Tests ---

func TestJob_CreateAndGet(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	job := newJob("owner-1", 2, time.Now().UTC().Truncate(time.Microsecond))
	require.NoError(t, s.CreateJob(ctx, job))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, models.JobStatusPending, got.Status)
	assert.Equal(t, 2, got.Priority)
	assert.JSONEq(t, `{"sources":["docs"]}`, string(got.Payload))
	assert.Nil(t, got.Result)
	assert.Nil(t, got.StartedAt)
}

func TestJob_GetNotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)

	_, err := s.GetJob(context.Background(), uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestJob_ClaimOrder(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Minute)
	oldLow := newJob("o", 0, base)
	newHigh := newJob("o", 5, base.Add(2*time.Second))
	oldHigh := newJob("o", 5, base.Add(time.Second))
	for _, j := range []*models.Job{oldLow, newHigh, oldHigh} {
		require.NoError(t, s.CreateJob(ctx, j))
	}

	now := time.Now().UTC()
	var order []uuid.UUID
	for range 3 {
		j, err := s.ClaimNextJob(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusProcessing, j.Status)
		assert.NotNil(t, j.StartedAt)
		order = append(order, j.ID)
	}
	assert.Equal(t, []uuid.UUID{oldHigh.ID, newHigh.ID, oldLow.ID}, order)

	_, err := s.ClaimNextJob(ctx, now)
	assert.ErrorIs(t, err, store.ErrNoJobAvailable)
}

func TestJob_ClaimRespectsAvailableAt(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	now := time.Now().UTC()
	job := newJob("o", 0, now)
	job.AvailableAt = now.Add(time.Hour)
	require.NoError(t, s.CreateJob(ctx, job))

	_, err := s.ClaimNextJob(ctx, now)
	assert.ErrorIs(t, err, store.ErrNoJobAvailable)

	claimed, err := s.ClaimNextJob(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, job.ID, claimed.ID)
}

func TestJob_ExclusiveClaim(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	job := newJob("o", 0, time.Now().UTC().Add(-time.Second))
	require.NoError(t, s.CreateJob(ctx, job))

	const workers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed int
	)
	start := make(chan struct{})
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := s.ClaimNextJob(ctx, time.Now().UTC())
			if err == nil {
				mu.Lock()
				claimed++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, store.ErrNoJobAvailable)
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, claimed)
}

func TestJob_CompleteAndTerminal(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	job := newJob("o", 0, time.Now().UTC().Add(-time.Second))
	require.NoError(t, s.CreateJob(ctx, job))

	// pending -> completed skips processing
	_, err := s.CompleteJob(ctx, job.ID, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	_, err = s.ClaimNextJob(ctx, time.Now().UTC())
	require.NoError(t, err)

	done, err := s.CompleteJob(ctx, job.ID, json.RawMessage(`{"total_chunks":5}`))
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, done.Status)
	assert.JSONEq(t, `{"total_chunks":5}`, string(done.Result))
	assert.NotNil(t, done.CompletedAt)

	_, err = s.FailJob(ctx, job.ID, "late failure")
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
	_, err = s.RetryJob(ctx, job.ID, time.Now())
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
	_, err = s.RequestCancel(ctx, job.ID)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
}

func TestJob_TransitionNotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)

	_, err := s.FailJob(context.Background(), uuid.New(), "x")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestJob_RetryReturnsToPending(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	job := newJob("o", 0, time.Now().UTC().Add(-time.Second))
	require.NoError(t, s.CreateJob(ctx, job))
	_, err := s.ClaimNextJob(ctx, time.Now().UTC())
	require.NoError(t, err)

	later := time.Now().UTC().Add(time.Minute).Truncate(time.Microsecond)
	retried, err := s.RetryJob(ctx, job.ID, later)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, retried.Status)
	assert.Equal(t, 1, retried.RetryCount)
	assert.True(t, retried.AvailableAt.Equal(later))
	assert.Nil(t, retried.StartedAt)

	_, err = s.ClaimNextJob(ctx, time.Now().UTC())
	assert.ErrorIs(t, err, store.ErrNoJobAvailable)
}

func TestJob_RetryRefusedAfterCancelRequest(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	job := newJob("o", 0, time.Now().UTC().Add(-time.Second))
	require.NoError(t, s.CreateJob(ctx, job))
	claimed, err := s.ClaimNextJob(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, int64(2), claimed.Version)

	flagged, err := s.RequestCancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), flagged.Version)

	_, err = s.RetryJob(ctx, job.ID, time.Now().UTC())
	require.ErrorIs(t, err, store.ErrCancelRequested)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessing, got.Status)
	assert.Zero(t, got.RetryCount)

	cancelled, err := s.MarkCancelled(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, cancelled.Status)
	assert.Equal(t, int64(4), cancelled.Version)

	_, err = s.RetryJob(ctx, job.ID, time.Now().UTC())
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
}

func TestJob_FailStoresDetail(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	job := newJob("o", 0, time.Now().UTC().Add(-time.Second))
	require.NoError(t, s.CreateJob(ctx, job))
	_, err := s.ClaimNextJob(ctx, time.Now().UTC())
	require.NoError(t, err)

	failed, err := s.FailJob(ctx, job.ID, "all sources failed")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, failed.Status)
	require.NotNil(t, failed.ErrorDetail)
	assert.Equal(t, "all sources failed", *failed.ErrorDetail)
}

func TestJob_RequestCancel(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	t.Run("pending is cancelled immediately", func(t *testing.T) {
		job := newJob("o", 0, time.Now().UTC().Add(time.Hour))
		require.NoError(t, s.CreateJob(ctx, job))

		got, err := s.RequestCancel(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusCancelled, got.Status)
	})

	t.Run("processing is flagged", func(t *testing.T) {
		job := newJob("o", 9, time.Now().UTC().Add(-time.Second))
		require.NoError(t, s.CreateJob(ctx, job))
		claimed, err := s.ClaimNextJob(ctx, time.Now().UTC())
		require.NoError(t, err)
		require.Equal(t, job.ID, claimed.ID)

		got, err := s.RequestCancel(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusProcessing, got.Status)
		assert.True(t, got.CancelRequested)

		requested, err := s.IsCancelRequested(ctx, job.ID)
		require.NoError(t, err)
		assert.True(t, requested)

		cancelled, err := s.MarkCancelled(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusCancelled, cancelled.Status)
	})
}

func TestJob_ListByOwner(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	first := newJob("alice", 0, base)
	second := newJob("alice", 0, base.Add(time.Minute))
	other := newJob("bob", 0, base)
	for _, j := range []*models.Job{first, second, other} {
		require.NoError(t, s.CreateJob(ctx, j))
	}

	jobs, total, err := s.ListJobs(ctx, store.JobFilter{OwnerID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, jobs, 2)
	assert.Equal(t, second.ID, jobs[0].ID)
	assert.Equal(t, first.ID, jobs[1].ID)

	jobs, total, err = s.ListJobs(ctx, store.JobFilter{OwnerID: "alice", Status: models.JobStatusCompleted})
	require.NoError(t, err)
	assert.Equal(t, 0, total)
	assert.Empty(t, jobs)
}

func TestJob_FailStaleAndPurge(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	now := time.Now().UTC()
	stale := newJob("o", 0, now.Add(-2*time.Hour))
	require.NoError(t, s.CreateJob(ctx, stale))
	_, err := s.ClaimNextJob(ctx, now.Add(-90*time.Minute))
	require.NoError(t, err)

	failed, err := s.FailStaleJobs(ctx, now.Add(-time.Hour), "job timed out")
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, models.JobStatusFailed, failed[0].Status)

	expired := newJob("o", 0, now.Add(-48*time.Hour))
	expired.ExpiresAt = now.Add(-time.Hour)
	require.NoError(t, s.CreateJob(ctx, expired))
	live := newJob("o", 0, now)
	require.NoError(t, s.CreateJob(ctx, live))

	// The stale job completed just now, so only the expired one is past retention.
	purged, err := s.PurgeJobs(ctx, now, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	_, err = s.GetJob(ctx, expired.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetJob(ctx, live.ID)
	assert.NoError(t, err)

	purged, err = s.PurgeJobs(ctx, now.Add(3*time.Hour), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)
}

// --- Artifact Tests ---

func TestArtifact_CreateAndGet(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	a := &models.Artifact{
		ID:          uuid.New(),
		JobID:       uuid.New(),
		OwnerID:     "o",
		Title:       "report",
		Format:      "csv",
		ContentType: "text/csv",
		Content:     []byte("a,b\n1,2\n"),
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, s.CreateArtifact(ctx, a))

	got, err := s.GetArtifact(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.Content, got.Content)
	assert.Equal(t, "text/csv", got.ContentType)

	_, err = s.GetArtifact(ctx, uuid.New())
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestPing(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	assert.NoError(t, s.Ping(context.Background()))
}

func TestCanTransition(t *testing.T) {
	assert.True(t, store.CanTransition(models.JobStatusPending, models.JobStatusProcessing))
	assert.True(t, store.CanTransition(models.JobStatusPending, models.JobStatusCancelled))
	assert.True(t, store.CanTransition(models.JobStatusProcessing, models.JobStatusPending))
	assert.False(t, store.CanTransition(models.JobStatusPending, models.JobStatusCompleted))

	for _, terminal := range []string{models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled} {
		for _, next := range []string{models.JobStatusPending, models.JobStatusProcessing, models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled} {
			assert.False(t, store.CanTransition(terminal, next), "%s -> %s", terminal, next)
		}
	}
}
