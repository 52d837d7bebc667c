package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/corpusflow/internal/config"
	"github.com/kiranshivaraju/corpusflow/internal/store"
	"github.com/kiranshivaraju/corpusflow/pkg/models"
)

const maxRetryDelay = time.Hour

// Checkpoint is called by processors between phases. A non-nil return means
// the job must stop: ErrCancelled, ErrJobTimeout or the context error on
// shutdown.
type Checkpoint func(phase string) error

// Processor runs one job kind and returns its JSON result.
type Processor interface {
	Process(ctx context.Context, job *models.Job, checkpoint Checkpoint) (json.RawMessage, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, job *models.Job, checkpoint Checkpoint) (json.RawMessage, error)

func (f ProcessorFunc) Process(ctx context.Context, job *models.Job, checkpoint Checkpoint) (json.RawMessage, error) {
	return f(ctx, job, checkpoint)
}

// Pool runs a fixed number of workers that claim jobs from the store. Any
// number of pools may share one store; the claim is atomic.
type Pool struct {
	manager      *Manager
	processors   map[string]Processor
	concurrency  int
	pollInterval time.Duration
	jobTimeout   time.Duration
	retryBackoff time.Duration
	wg           sync.WaitGroup
}

func NewPool(m *Manager, processors map[string]Processor, wcfg config.WorkerConfig, jcfg config.JobsConfig) *Pool {
	p := &Pool{
		manager:      m,
		processors:   processors,
		concurrency:  wcfg.Concurrency,
		pollInterval: wcfg.PollInterval,
		jobTimeout:   jcfg.Timeout,
		retryBackoff: jcfg.RetryBackoff,
	}
	if p.concurrency <= 0 {
		p.concurrency = 1
	}
	if p.pollInterval <= 0 {
		p.pollInterval = time.Second
	}
	if p.jobTimeout <= 0 {
		p.jobTimeout = 10 * time.Minute
	}
	return p
}

// Run starts the workers and blocks until ctx is done and every in-flight job
// has been settled.
func (p *Pool) Run(ctx context.Context) {
	slog.Info("starting worker pool",
		"concurrency", p.concurrency,
		"poll_interval", p.pollInterval,
		"job_timeout", p.jobTimeout,
	)
	for i := range p.concurrency {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.wg.Wait()
	slog.Info("worker pool stopped")
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	var wake <-chan struct{}
	if p.manager.waker != nil {
		wake = p.manager.waker.C()
	}

	for {
		// Drain everything claimable before going idle.
		for ctx.Err() == nil {
			ran, err := p.RunOnce(ctx)
			if err != nil {
				if ctx.Err() == nil {
					slog.Error("worker claim failed", "worker", id, "error", err)
				}
				break
			}
			if !ran {
				break
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-wake:
		}
	}
}

// RunOnce claims and runs at most one job. It reports whether a job ran.
func (p *Pool) RunOnce(ctx context.Context) (bool, error) {
	job, err := p.manager.store.ClaimNextJob(ctx, p.manager.now())
	if errors.Is(err, store.ErrNoJobAvailable) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}

	p.manager.publish(ctx, models.EventFromJob(job))
	p.execute(ctx, job)
	return true, nil
}

func (p *Pool) execute(ctx context.Context, job *models.Job) {
	log := slog.With("job_id", job.ID, "kind", job.Kind, "attempt", job.RetryCount+1)
	log.Info("job started")

	token := p.manager.cancels.Register(job.ID)
	defer p.manager.cancels.Remove(job.ID)

	timeoutCtx, cancel := context.WithTimeout(ctx, p.jobTimeout)
	defer cancel()
	jobCtx, stop := context.WithCancelCause(timeoutCtx)
	defer stop(nil)
	token.bind(stop)

	start := time.Now()
	result, err := p.runProcessor(jobCtx, job, p.checkpoint(jobCtx, job, token))
	shuttingDown := ctx.Err() != nil

	if err != nil && !errors.Is(err, ErrCancelled) && errors.Is(context.Cause(jobCtx), ErrCancelled) {
		err = fmt.Errorf("%w: %v", ErrCancelled, err)
	}

	if err != nil && !shuttingDown && !errors.Is(err, ErrCancelled) && !errors.Is(err, ErrJobTimeout) &&
		errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w after %s: %v", ErrJobTimeout, p.jobTimeout, err)
	}

	log.Info("job finished", "duration_ms", time.Since(start).Milliseconds(), "error", err)
	p.settle(context.WithoutCancel(ctx), job, token, result, err, shuttingDown)
}

func (p *Pool) runProcessor(ctx context.Context, job *models.Job, cp Checkpoint) (result json.RawMessage, err error) {
	proc, ok := p.processors[job.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoProcessor, job.Kind)
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("job processor panicked",
				"job_id", job.ID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			result = nil
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()

	return proc.Process(ctx, job, cp)
}

func (p *Pool) checkpoint(jobCtx context.Context, job *models.Job, token *CancelToken) Checkpoint {
	return func(phase string) error {
		if token.Cancelled() {
			return ErrCancelled
		}
		if err := jobCtx.Err(); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("%w after %s (during %s)", ErrJobTimeout, p.jobTimeout, phase)
			}
			return err
		}
		requested, err := p.manager.store.IsCancelRequested(jobCtx, job.ID)
		if err != nil {
			slog.Warn("cancel check failed", "job_id", job.ID, "phase", phase, "error", err)
			return nil
		}
		if requested {
			token.Cancel()
			return ErrCancelled
		}
		return nil
	}
}

// settle records the outcome. ctx must outlive the pool's run context so
// that shutdown still persists results.
func (p *Pool) settle(ctx context.Context, job *models.Job, token *CancelToken, result json.RawMessage, err error, shuttingDown bool) {
	var (
		updated *models.Job
		serr    error
	)

	switch {
	case err == nil:
		updated, serr = p.manager.store.CompleteJob(ctx, job.ID, result)

	case errors.Is(err, ErrCancelled):
		updated, serr = p.manager.store.MarkCancelled(ctx, job.ID)

	case errors.Is(err, ErrJobTimeout):
		updated, serr = p.manager.store.FailJob(ctx, job.ID, err.Error())

	case (shuttingDown || IsRetryable(err)) && p.cancelRequested(ctx, job.ID, token):
		updated, serr = p.manager.store.MarkCancelled(ctx, job.ID)

	case shuttingDown || IsRetryable(err):
		if job.RetryCount < job.MaxRetries {
			p.retry(ctx, job, err, shuttingDown)
			return
		}
		detail := fmt.Sprintf("%s after %d attempts: %v", ErrRetryBudgetExhausted, job.RetryCount+1, err)
		updated, serr = p.manager.store.FailJob(ctx, job.ID, detail)

	default:
		updated, serr = p.manager.store.FailJob(ctx, job.ID, err.Error())
	}

	if serr != nil {
		slog.Error("failed to record job outcome", "job_id", job.ID, "outcome_error", err, "error", serr)
		return
	}
	p.manager.publish(ctx, models.EventFromJob(updated))
}

// cancelRequested reports whether a cancel arrived during the attempt. A job
// with a pending cancel is never requeued.
func (p *Pool) cancelRequested(ctx context.Context, id uuid.UUID, token *CancelToken) bool {
	if token.Cancelled() {
		return true
	}
	requested, err := p.manager.store.IsCancelRequested(ctx, id)
	if err != nil {
		slog.Warn("cancel check failed", "job_id", id, "error", err)
		return false
	}
	return requested
}

// retry publishes the failed attempt, then requeues the job with exponential
// delay RetryBackoff * 2^retry_count.
func (p *Pool) retry(ctx context.Context, job *models.Job, cause error, shuttingDown bool) {
	now := p.manager.now()

	attempt := *job
	detail := cause.Error()
	attempt.ErrorDetail = &detail
	attempt.UpdatedAt = now
	p.manager.publish(ctx, models.EventFromJob(&attempt))

	delay := p.retryDelay(job.RetryCount)
	if shuttingDown {
		delay = 0
	}
	updated, err := p.manager.store.RetryJob(ctx, job.ID, now.Add(delay))
	if errors.Is(err, store.ErrCancelRequested) {
		// The cancel landed between the check in settle and the requeue.
		updated, err = p.manager.store.MarkCancelled(ctx, job.ID)
		if err != nil {
			slog.Error("failed to record job outcome", "job_id", job.ID, "outcome_error", cause, "error", err)
			return
		}
		p.manager.publish(ctx, models.EventFromJob(updated))
		return
	}
	if err != nil {
		slog.Error("failed to requeue job", "job_id", job.ID, "error", err)
		return
	}

	slog.Warn("job requeued",
		"job_id", job.ID,
		"retry_count", updated.RetryCount,
		"max_retries", updated.MaxRetries,
		"delay", delay,
		"error", cause,
	)
	p.manager.publish(ctx, models.EventFromJob(updated))

	if !shuttingDown && p.manager.waker != nil {
		time.AfterFunc(delay, func() { p.manager.wake(ctx, job.ID) })
	}
}

func (p *Pool) retryDelay(retryCount int) time.Duration {
	if p.retryBackoff <= 0 {
		return 0
	}
	delay := p.retryBackoff
	for range retryCount {
		delay *= 2
		if delay >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	return delay
}
