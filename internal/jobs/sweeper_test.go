package jobs_test

import (
	"context"
	"testing"
	"time"

	"github.com/kiranshivaraju/corpusflow/internal/fetch"
	"github.com/kiranshivaraju/corpusflow/internal/jobs"
	"github.com/kiranshivaraju/corpusflow/internal/notify"
	"github.com/kiranshivaraju/corpusflow/internal/store"
	"github.com/kiranshivaraju/corpusflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweeper_FailsStaleAndPurgesExpired(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	stale := e.submitIndex(t, "docs")
	pending := e.submitIndex(t, "docs")
	claimed, err := e.store.ClaimNextJob(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, stale.ID, claimed.ID)

	sub, err := e.bus.Subscribe(ctx, notify.JobTopic(stale.ID))
	require.NoError(t, err)
	defer sub.Close()

	later := func(d time.Duration) *jobs.Manager {
		now := time.Now().UTC().Add(d)
		registry := fetch.NewRegistry(&staticFetcher{name: "docs"})
		return jobs.NewManager(e.store, e.bus, registry, jobsConfig(), jobs.WithClock(func() time.Time { return now }))
	}

	failed, purged, err := jobs.NewSweeper(later(2*time.Hour), jobsConfig()).SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, failed)
	assert.Zero(t, purged)

	evt := collect(t, sub, 1)[0]
	assert.Equal(t, models.JobStatusFailed, evt.Status)
	assert.Contains(t, evt.Error, jobs.ErrJobTimeout.Error())

	got, err := e.manager.Get(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, got.Status, "pending jobs are not stale")

	_, purged, err = jobs.NewSweeper(later(25*time.Hour), jobsConfig()).SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), purged)

	_, err = e.manager.Get(ctx, stale.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
