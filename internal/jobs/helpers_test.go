package jobs_test

import (
	"context"
	"encoding/json"
	"iter"
	"testing"
	"time"

	"github.com/kiranshivaraju/corpusflow/internal/config"
	"github.com/kiranshivaraju/corpusflow/internal/fetch"
	"github.com/kiranshivaraju/corpusflow/internal/jobs"
	"github.com/kiranshivaraju/corpusflow/internal/notify"
	"github.com/kiranshivaraju/corpusflow/internal/store/memstore"
	"github.com/kiranshivaraju/corpusflow/pkg/models"
	"github.com/stretchr/testify/require"
)

const owner = "team-a"

type staticFetcher struct {
	name string
	docs []models.RawDocument
	err  error
}

func (f *staticFetcher) Name() string { return f.name }

func (f *staticFetcher) Fetch(_ context.Context, _ fetch.Request) iter.Seq2[models.RawDocument, error] {
	return func(yield func(models.RawDocument, error) bool) {
		for _, d := range f.docs {
			if !yield(d, nil) {
				return
			}
		}
		if f.err != nil {
			yield(models.RawDocument{}, &fetch.SourceError{Source: f.name, Err: f.err})
		}
	}
}

func jobsConfig() config.JobsConfig {
	return config.JobsConfig{
		MaxRetries:    2,
		Timeout:       5 * time.Second,
		TTL:           24 * time.Hour,
		Retention:     48 * time.Hour,
		SweepInterval: time.Minute,
	}
}

type env struct {
	store   *memstore.Store
	bus     *notify.LocalBus
	manager *jobs.Manager
}

func newEnv(t *testing.T, registry *fetch.Registry, opts ...jobs.ManagerOption) *env {
	t.Helper()
	if registry == nil {
		registry = fetch.NewRegistry(&staticFetcher{name: "docs"})
	}
	e := &env{store: memstore.New(), bus: notify.NewLocalBus(0)}
	t.Cleanup(func() { e.bus.Close() })
	e.manager = jobs.NewManager(e.store, e.bus, registry, jobsConfig(), opts...)
	return e
}

func (e *env) pool(processors map[string]jobs.Processor, jcfg config.JobsConfig) *jobs.Pool {
	return jobs.NewPool(e.manager, processors, config.WorkerConfig{Concurrency: 1, PollInterval: 10 * time.Millisecond}, jcfg)
}

func (e *env) submitIndex(t *testing.T, sources ...string) *models.Job {
	t.Helper()
	payload, err := json.Marshal(models.CorpusIndexPayload{Sources: sources})
	require.NoError(t, err)
	job, err := e.manager.Submit(context.Background(), jobs.SubmitRequest{
		OwnerID: owner,
		Kind:    models.JobKindCorpusIndex,
		Payload: payload,
	})
	require.NoError(t, err)
	return job
}

// drain runs the pool until nothing is claimable.
func drain(t *testing.T, p *jobs.Pool) int {
	t.Helper()
	runs := 0
	for {
		ran, err := p.RunOnce(context.Background())
		require.NoError(t, err)
		if !ran {
			return runs
		}
		runs++
	}
}

// collect reads events from sub until n arrived or the wait expires.
func collect(t *testing.T, sub *notify.Subscription, n int) []models.NotificationEvent {
	t.Helper()
	var out []models.NotificationEvent
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case evt := <-sub.C:
			out = append(out, evt)
		case <-timeout:
			t.Fatalf("got %d events, want %d", len(out), n)
		}
	}
	return out
}

func statuses(events []models.NotificationEvent) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Status
	}
	return out
}

func okResult() json.RawMessage { return json.RawMessage(`{"ok":true}`) }
