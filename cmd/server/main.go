// Package main is the entrypoint for the corpusflow API server. One process
// serves the HTTP API and, unless disabled, runs the worker pool and sweeper.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/kiranshivaraju/corpusflow/internal/ai"
	"github.com/kiranshivaraju/corpusflow/internal/api"
	"github.com/kiranshivaraju/corpusflow/internal/api/handler"
	mw "github.com/kiranshivaraju/corpusflow/internal/api/middleware"
	"github.com/kiranshivaraju/corpusflow/internal/cache"
	"github.com/kiranshivaraju/corpusflow/internal/chunker"
	"github.com/kiranshivaraju/corpusflow/internal/config"
	"github.com/kiranshivaraju/corpusflow/internal/corpus"
	"github.com/kiranshivaraju/corpusflow/internal/dispatch"
	"github.com/kiranshivaraju/corpusflow/internal/embedding"
	"github.com/kiranshivaraju/corpusflow/internal/fetch"
	"github.com/kiranshivaraju/corpusflow/internal/jobs"
	"github.com/kiranshivaraju/corpusflow/internal/notify"
	"github.com/kiranshivaraju/corpusflow/internal/retrieval"
	"github.com/kiranshivaraju/corpusflow/internal/store"
	"github.com/kiranshivaraju/corpusflow/pkg/models"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, closeLog := config.SetupLogger(cfg.Log)
	defer closeLog()
	slog.SetDefault(logger)
	slog.Info("config loaded", "ai_provider", cfg.AI.Provider, "env", cfg.Server.Env,
		"embedding_primary", cfg.Embedding.Primary.Provider, "worker_enabled", cfg.Worker.Enabled)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Apply migrations, then connect; pool connections need the vector type
	if err := store.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Redis: rate limits, retrieval cache and the notification bus
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	bus := notify.NewRedisBus(redisCache.Client(), notify.DefaultBuffer)
	defer bus.Close()

	waker, err := newWaker(cfg.AMQP)
	if err != nil {
		return fmt.Errorf("create waker: %w", err)
	}
	defer waker.Close()

	// 4. Corpus pipeline
	embedder, err := embedding.NewFromConfig(cfg.Embedding)
	if err != nil {
		return fmt.Errorf("create embedder: %w", err)
	}
	slog.Info("embedder initialized", "provider", embedder.Name(), "dimension", embedder.Dimension())

	generator, err := ai.NewGenerator(cfg.AI)
	if err != nil {
		return fmt.Errorf("create AI provider: %w", err)
	}
	if generator != nil {
		slog.Info("AI provider initialized", "provider", generator.Name())
	}

	pgStore := store.NewPostgresStore(pool)
	corpusStore := corpus.NewPostgresStore(pool)
	registry := fetch.NewDefaultRegistry(cfg.Sources)

	ropts := []retrieval.Option{retrieval.WithCache(redisCache)}
	if generator != nil {
		ropts = append(ropts, retrieval.WithGenerator(generator))
	}
	retriever := retrieval.New(embedder, corpusStore, cfg.Retrieval, ropts...)

	manager := jobs.NewManager(pgStore, bus, registry, cfg.Jobs, jobs.WithWaker(waker))

	// 5. Background work
	var wg sync.WaitGroup
	if cfg.Worker.Enabled {
		processors := newProcessors(registry, cfg.Chunking, embedder, corpusStore, retriever, pgStore, generator)
		workers := jobs.NewPool(manager, processors, cfg.Worker, cfg.Jobs)
		wg.Add(1)
		go func() {
			defer wg.Done()
			workers.Run(ctx)
		}()
		slog.Info("worker pool started", "concurrency", cfg.Worker.Concurrency, "sources", registry.Names())
	}

	sweeper := jobs.NewSweeper(manager, cfg.Jobs)
	wg.Add(1)
	go func() {
		defer wg.Done()
		sweeper.Run(ctx)
	}()

	// 6. Build router with dependencies
	deps := api.Dependencies{
		Auth:      mw.NewAuth(pgStore),
		RateLimit: mw.NewRateLimit(redisCache, cfg.Server.RateLimitPerMinute),
		Health:    handler.NewHealthHandler(healthChecks(pgStore, redisCache, corpusStore, embedder)...),
		Jobs:      handler.NewJobsHandler(manager),
		Streams:   handler.NewStreamHandler(manager, bus, cfg.Server.HeartbeatInterval),
		Artifacts: handler.NewArtifactsHandler(pgStore),
		Corpus:    handler.NewCorpusHandler(corpusStore, retriever, manager),
	}

	// Streams hold their request open until this context ends.
	baseCtx, cancelStreams := context.WithCancel(context.Background())
	defer cancelStreams()

	// 7. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      api.NewRouter(deps),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return baseCtx },
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		stop()
		wg.Wait()
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	cancelStreams()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	// Interrupted jobs are requeued by the pool before Run returns.
	wg.Wait()
	slog.Info("server stopped gracefully")
	return nil
}

// newWaker uses RabbitMQ when configured so replicas wake each other, and an
// in-process waker otherwise.
func newWaker(cfg config.AMQPConfig) (dispatch.Waker, error) {
	if cfg.URL == "" {
		return dispatch.NewLocalWaker(), nil
	}
	w, err := dispatch.NewAMQPWaker(cfg.URL, cfg.Queue)
	if err != nil {
		return nil, err
	}
	slog.Info("amqp wake-up queue connected", "queue", cfg.Queue)
	return w, nil
}

func newProcessors(
	registry *fetch.Registry,
	chunking config.ChunkingConfig,
	embedder *embedding.Embedder,
	cs corpus.Store,
	retriever *retrieval.Retriever,
	artifacts store.Store,
	generator models.Generator,
) map[string]jobs.Processor {
	return map[string]jobs.Processor{
		models.JobKindCorpusIndex: jobs.NewIndexProcessor(registry,
			chunker.New(chunking.Size, chunking.Overlap), embedder, cs, jobs.WithInvalidator(retriever)),
		models.JobKindArtifactGenerate: jobs.NewArtifactProcessor(artifacts, generator),
	}
}

// healthChecks marks the job store and cache critical. The corpus and the
// embedding providers only degrade the service.
func healthChecks(db, c, cs, emb handler.Pinger) []handler.HealthCheck {
	return []handler.HealthCheck{
		{Name: "database", Pinger: db, Critical: true},
		{Name: "cache", Pinger: c, Critical: true},
		{Name: "corpus", Pinger: cs},
		{Name: "embedding", Pinger: emb},
	}
}
