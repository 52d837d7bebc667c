package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/corpusflow/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()
	return scanAPIKeys(rows)
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, owner_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.OwnerID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context, ownerID string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE owner_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()
	return scanAPIKeys(rows)
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID, ownerID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND owner_id = $2 AND deleted_at IS NULL`, id, ownerID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAPIKeys(rows pgx.Rows) ([]*models.APIKey, error) {
	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.OwnerID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

// --- Jobs ---

const jobColumns = `id, owner_id, kind, payload, status, priority, retry_count, max_retries, result,
	error_detail, cancel_requested, version, available_at, started_at, completed_at, expires_at, created_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	var payload, result []byte
	err := row.Scan(&j.ID, &j.OwnerID, &j.Kind, &payload, &j.Status, &j.Priority, &j.RetryCount,
		&j.MaxRetries, &result, &j.ErrorDetail, &j.CancelRequested, &j.Version, &j.AvailableAt, &j.StartedAt,
		&j.CompletedAt, &j.ExpiresAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.Payload = json.RawMessage(payload)
	if len(result) > 0 {
		j.Result = json.RawMessage(result)
	}
	return &j, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	payload := []byte(job.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, owner_id, kind, payload, status, priority, retry_count, max_retries,
		                   version, available_at, expires_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		job.ID, job.OwnerID, job.Kind, payload, job.Status, job.Priority, job.RetryCount, job.MaxRetries,
		max(job.Version, 1), job.AvailableAt, job.ExpiresAt, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error) {
	conditions := []string{"owner_id = $1"}
	args := []any{filter.OwnerID}
	argIdx := 2

	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, filter.Status)
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM jobs WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	limit, offset := filter.Normalize()
	dataQuery := fmt.Sprintf(
		`SELECT %s FROM jobs WHERE %s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		jobColumns, where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, total, rows.Err()
}

// ClaimNextJob relies on FOR UPDATE SKIP LOCKED so concurrent claimers never
// select the same row. now decides eligibility and started_at; updated_at
// comes from the database clock like every other transition.
func (s *PostgresStore) ClaimNextJob(ctx context.Context, now time.Time) (*models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx,
		`UPDATE jobs SET status = 'processing', started_at = $1, version = version + 1, updated_at = NOW()
		 WHERE status = 'pending' AND id = (
		     SELECT id FROM jobs
		     WHERE status = 'pending' AND available_at <= $1 AND expires_at > $1
		     ORDER BY priority DESC, created_at ASC
		     LIMIT 1
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+jobColumns, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoJobAvailable
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) CompleteJob(ctx context.Context, id uuid.UUID, result json.RawMessage) (*models.Job, error) {
	return s.transition(ctx, id, models.JobStatusCompleted,
		", result = $4, error_detail = NULL, completed_at = NOW()", []byte(result))
}

func (s *PostgresStore) FailJob(ctx context.Context, id uuid.UUID, detail string) (*models.Job, error) {
	return s.transition(ctx, id, models.JobStatusFailed,
		", error_detail = $4, completed_at = NOW()", detail)
}

func (s *PostgresStore) RetryJob(ctx context.Context, id uuid.UUID, availableAt time.Time) (*models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx,
		`UPDATE jobs SET status = 'pending', retry_count = retry_count + 1, available_at = $2,
		                 started_at = NULL, version = version + 1, updated_at = NOW()
		 WHERE id = $1 AND status = 'processing' AND cancel_requested = FALSE
		 RETURNING `+jobColumns, id, availableAt))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("requeue job: %w", err)
	}

	var (
		status    string
		requested bool
	)
	err = s.pool.QueryRow(ctx, `SELECT status, cancel_requested FROM jobs WHERE id = $1`, id).Scan(&status, &requested)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job status: %w", err)
	}
	if status == models.JobStatusProcessing && requested {
		return nil, ErrCancelRequested
	}
	return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, status, models.JobStatusPending)
}

func (s *PostgresStore) MarkCancelled(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return s.transition(ctx, id, models.JobStatusCancelled, ", completed_at = NOW()")
}

func (s *PostgresStore) RequestCancel(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx,
		`UPDATE jobs SET status = 'cancelled', cancel_requested = TRUE, completed_at = NOW(),
		                 version = version + 1, updated_at = NOW()
		 WHERE id = $1 AND status = 'pending'
		 RETURNING `+jobColumns, id))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("cancel pending job: %w", err)
	}

	job, err = scanJob(s.pool.QueryRow(ctx,
		`UPDATE jobs SET cancel_requested = TRUE, version = version + 1, updated_at = NOW()
		 WHERE id = $1 AND status = 'processing'
		 RETURNING `+jobColumns, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.transitionError(ctx, id, models.JobStatusCancelled)
	}
	if err != nil {
		return nil, fmt.Errorf("request job cancel: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) IsCancelRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	var requested bool
	err := s.pool.QueryRow(ctx, `SELECT cancel_requested FROM jobs WHERE id = $1`, id).Scan(&requested)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("get cancel flag: %w", err)
	}
	return requested, nil
}

func (s *PostgresStore) FailStaleJobs(ctx context.Context, startedBefore time.Time, detail string) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE jobs SET status = 'failed', error_detail = $2, completed_at = NOW(),
		                 version = version + 1, updated_at = NOW()
		 WHERE status = 'processing' AND started_at < $1
		 RETURNING `+jobColumns, startedBefore, detail)
	if err != nil {
		return nil, fmt.Errorf("fail stale jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) PurgeJobs(ctx context.Context, now time.Time, retention time.Duration) (int64, error) {
	const cond = `expires_at <= $1 OR (status IN ('completed', 'failed', 'cancelled') AND completed_at < $2)`
	cutoff := now.Add(-retention)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin purge: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`DELETE FROM artifacts WHERE job_id IN (SELECT id FROM jobs WHERE `+cond+`)`, now, cutoff); err != nil {
		return 0, fmt.Errorf("purge artifacts: %w", err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM jobs WHERE `+cond, now, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge jobs: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit purge: %w", err)
	}
	return tag.RowsAffected(), nil
}

// transition moves a job to target if its current status allows it. set is
// appended to the SET clause; its placeholders start at $4.
func (s *PostgresStore) transition(ctx context.Context, id uuid.UUID, target, set string, extra ...any) (*models.Job, error) {
	query := `UPDATE jobs SET status = $2, version = version + 1, updated_at = NOW()` + set +
		` WHERE id = $1 AND status = ANY($3) RETURNING ` + jobColumns
	args := append([]any{id, target, AllowedFrom(target)}, extra...)

	job, err := scanJob(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.transitionError(ctx, id, target)
	}
	if err != nil {
		return nil, fmt.Errorf("update job status: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) transitionError(ctx context.Context, id uuid.UUID, target string) error {
	var current string
	err := s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get job status: %w", err)
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, target)
}

// --- Artifacts ---

func (s *PostgresStore) CreateArtifact(ctx context.Context, a *models.Artifact) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO artifacts (id, job_id, owner_id, title, format, content_type, content, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.JobID, a.OwnerID, a.Title, a.Format, a.ContentType, a.Content, a.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create artifact: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetArtifact(ctx context.Context, id uuid.UUID) (*models.Artifact, error) {
	var a models.Artifact
	err := s.pool.QueryRow(ctx,
		`SELECT id, job_id, owner_id, title, format, content_type, content, created_at
		 FROM artifacts WHERE id = $1`, id,
	).Scan(&a.ID, &a.JobID, &a.OwnerID, &a.Title, &a.Format, &a.ContentType, &a.Content, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	return &a, nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
