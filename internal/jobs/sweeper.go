package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/corpusflow/internal/config"
	"github.com/kiranshivaraju/corpusflow/pkg/models"
)

// staleGrace is added to the job timeout before a processing job is
// considered abandoned by a dead worker.
const staleGrace = time.Minute

// Sweeper fails jobs whose worker died mid-run and purges expired or old
// terminal jobs.
type Sweeper struct {
	manager    *Manager
	interval   time.Duration
	retention  time.Duration
	staleAfter time.Duration
}

func NewSweeper(m *Manager, cfg config.JobsConfig) *Sweeper {
	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		manager:    m,
		interval:   interval,
		retention:  cfg.Retention,
		staleAfter: cfg.Timeout + staleGrace,
	}
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				slog.Error("job sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce returns how many stale jobs were failed and how many jobs were
// purged.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, int64, error) {
	now := s.manager.now()
	detail := fmt.Sprintf("%s: no progress for %s, worker presumed lost", ErrJobTimeout, s.staleAfter)

	stale, err := s.manager.store.FailStaleJobs(ctx, now.Add(-s.staleAfter), detail)
	if err != nil {
		return 0, 0, fmt.Errorf("fail stale jobs: %w", err)
	}
	for _, job := range stale {
		slog.Warn("stale job failed", "job_id", job.ID, "kind", job.Kind)
		s.manager.publish(ctx, models.EventFromJob(job))
	}

	purged, err := s.manager.store.PurgeJobs(ctx, now, s.retention)
	if err != nil {
		return len(stale), 0, fmt.Errorf("purge jobs: %w", err)
	}
	if purged > 0 || len(stale) > 0 {
		slog.Info("job sweep", "stale_failed", len(stale), "purged", purged)
	}
	return len(stale), purged, nil
}
