// Package cli provides the corpusctl command-line interface.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/kiranshivaraju/corpusflow/internal/cache"
	"github.com/kiranshivaraju/corpusflow/internal/config"
	"github.com/kiranshivaraju/corpusflow/internal/corpus"
	"github.com/kiranshivaraju/corpusflow/internal/dispatch"
	"github.com/kiranshivaraju/corpusflow/internal/fetch"
	"github.com/kiranshivaraju/corpusflow/internal/jobs"
	"github.com/kiranshivaraju/corpusflow/internal/notify"
	"github.com/kiranshivaraju/corpusflow/internal/store"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "0.1.0"

// App is what data commands operate on.
type App struct {
	Store    store.Store
	Corpus   corpus.Store
	Registry *fetch.Registry
	Manager  *jobs.Manager
	Close    func()
}

// Opener connects an App. Commands that never touch data do not call it.
type Opener func(ctx context.Context) (*App, error)

type root struct {
	open Opener
	app  *App
}

// get connects on first use and reuses the connection afterwards.
func (r *root) get(ctx context.Context) (*App, error) {
	if r.app != nil {
		return r.app, nil
	}
	app, err := r.open(ctx)
	if err != nil {
		return nil, err
	}
	r.app = app
	return app, nil
}

// NewRootCmd builds the command tree around open.
func NewRootCmd(open Opener) *cobra.Command {
	r := &root{open: open}

	cmd := &cobra.Command{
		Use:   "corpusctl",
		Short: "Administer a corpusflow deployment",
		Long: `corpusctl manages the corpusflow schema, API keys, sources and jobs.

It reads the same configuration as the server: CORPUSFLOW_CONFIG, .env and
the process environment.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if r.app != nil && r.app.Close != nil {
				r.app.Close()
			}
		},
	}

	cmd.AddCommand(
		newMigrateCmd(),
		newAPIKeyCmd(r),
		newSourcesCmd(r),
		newSubmitCmd(r),
		newJobsCmd(r),
	)
	return cmd
}

// Execute runs corpusctl against the configured deployment.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return NewRootCmd(OpenApp).ExecuteContext(ctx)
}

// OpenApp connects to Postgres and Redis as configured. Submitted jobs are
// announced on the Redis bus so live streams see them, and on the AMQP
// wake-up queue when one is configured.
func OpenApp(ctx context.Context) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg.Log.File = ""
	logger, _ := config.SetupLogger(cfg.Log)
	slog.SetDefault(logger)

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("create redis cache: %w", err)
	}
	bus := notify.NewRedisBus(redisCache.Client(), notify.DefaultBuffer)

	closers := []func(){func() { bus.Close() }, func() { redisCache.Close() }, pool.Close}

	var opts []jobs.ManagerOption
	if cfg.AMQP.URL != "" {
		w, err := dispatch.NewAMQPWaker(cfg.AMQP.URL, cfg.AMQP.Queue)
		if err != nil {
			for _, c := range closers {
				c()
			}
			return nil, fmt.Errorf("connect amqp: %w", err)
		}
		opts = append(opts, jobs.WithWaker(w))
		closers = append([]func(){func() { w.Close() }}, closers...)
	}

	pgStore := store.NewPostgresStore(pool)
	registry := fetch.NewDefaultRegistry(cfg.Sources)
	return &App{
		Store:    pgStore,
		Corpus:   corpus.NewPostgresStore(pool),
		Registry: registry,
		Manager:  jobs.NewManager(pgStore, bus, registry, cfg.Jobs, opts...),
		Close: func() {
			for _, c := range closers {
				c()
			}
		},
	}, nil
}
