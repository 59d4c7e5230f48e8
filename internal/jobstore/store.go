package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a job id does not exist.
var ErrNotFound = errors.New("job not found")

// Store provides Postgres persistence for jobs and their audit trail.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// CreateParams collects inputs required to insert a job.
type CreateParams struct {
	Type     JobType
	Priority string
	Payload  json.RawMessage
}

// Create inserts a new job in queued state and returns it.
func (s *Store) Create(ctx context.Context, p CreateParams) (Job, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	payload := p.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, job_type, status, priority, payload, retries, last_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, '', $6, $6)
	`, id, p.Type, StatusQueued, p.Priority, payload, now)
	if err != nil {
		return Job{}, fmt.Errorf("insert job: %w", err)
	}

	return Job{
		ID:        id,
		Type:      p.Type,
		Status:    StatusQueued,
		Priority:  p.Priority,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Get fetches a job by id.
func (s *Store) Get(ctx context.Context, id string) (Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, job_type, status, priority, payload, retries, last_reason, created_at, updated_at
		FROM jobs WHERE id = $1
	`, id)
	return scanJob(row)
}

// Transition moves a job from an expected status to a new one. It returns
// false without error when the job is no longer in the expected status,
// which makes stale transitions (late completions, repeated sweeps) no-ops.
func (s *Store) Transition(ctx context.Context, id string, from, to JobStatus, reason string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $3, last_reason = $4, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, id, from, to, reason)
	if err != nil {
		return false, fmt.Errorf("transition job %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ResetForRecovery performs a guarded recovery reset back to queued,
// optionally incrementing the retry counter. Returns false when the job has
// moved out of the expected status since it was selected.
func (s *Store) ResetForRecovery(ctx context.Context, id string, expected JobStatus, reason string, incrementRetries bool) (bool, error) {
	inc := 0
	if incrementRetries {
		inc = 1
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $3, last_reason = $4, retries = retries + $5, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, id, expected, StatusQueued, reason, inc)
	if err != nil {
		return false, fmt.Errorf("reset job %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// Cancel moves a queued or processing job to cancelled. Returns false when
// the job was already in a terminal state.
func (s *Store) Cancel(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status IN ($3, $4)
	`, id, StatusCancelled, StatusQueued, StatusProcessing)
	if err != nil {
		return false, fmt.Errorf("cancel job %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListStuck returns processing jobs whose last update is older than the threshold.
func (s *Store) ListStuck(ctx context.Context, olderThan time.Duration, limit int) ([]Job, error) {
	cutoff := time.Now().Add(-olderThan)
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_type, status, priority, payload, retries, last_reason, created_at, updated_at
		FROM jobs
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3
	`, StatusProcessing, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stuck jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ListFailedSince returns failed jobs updated within the lookback window.
func (s *Store) ListFailedSince(ctx context.Context, lookback time.Duration, limit int) ([]Job, error) {
	since := time.Now().Add(-lookback)
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_type, status, priority, payload, retries, last_reason, created_at, updated_at
		FROM jobs
		WHERE status = $1 AND updated_at >= $2
		ORDER BY updated_at ASC
		LIMIT $3
	`, StatusFailed, since, limit)
	if err != nil {
		return nil, fmt.Errorf("list failed jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// AppendEvent records a status transition for ops inspection.
func (s *Store) AppendEvent(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_events (job_id, event, detail) VALUES ($1, $2, $3)
	`, jobID, event, detail)
	if err != nil {
		return fmt.Errorf("append job event: %w", err)
	}
	return nil
}

func collectJobs(rows pgx.Rows) ([]Job, error) {
	jobs := make([]Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanJob(row pgx.Row) (Job, error) {
	var job Job
	err := row.Scan(&job.ID, &job.Type, &job.Status, &job.Priority, &job.Payload,
		&job.Retries, &job.LastReason, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}
