package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/DukeRupert/meanas/internal/repository"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const jobColumns = `id, job_type, payload, status, priority, attempts, max_attempts,
	scheduled_at, started_at, completed_at, error_message, created_at`

func scanJob(row pgx.Row) (repository.Job, error) {
	var j repository.Job
	err := row.Scan(
		&j.ID,
		&j.JobType,
		&j.Payload,
		&j.Status,
		&j.Priority,
		&j.Attempts,
		&j.MaxAttempts,
		&j.ScheduledAt,
		&j.StartedAt,
		&j.CompletedAt,
		&j.ErrorMessage,
		&j.CreatedAt,
	)
	return j, err
}

const enqueueJob = `
INSERT INTO jobs (id, job_type, payload, priority, max_attempts, scheduled_at)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING ` + jobColumns

func (q *Queries) EnqueueJob(ctx context.Context, params repository.EnqueueJobParams) (repository.Job, error) {
	j, err := scanJob(q.db.QueryRow(ctx, enqueueJob,
		uuid.New(),
		params.JobType,
		params.Payload,
		params.Priority,
		params.MaxAttempts,
		params.ScheduledAt,
	))
	return j, mapError(err)
}

// SKIP LOCKED lets concurrent workers claim different jobs without blocking.
const dequeueJob = `
UPDATE jobs SET status = 'running', attempts = attempts + 1, started_at = $1
WHERE id = (
	SELECT id FROM jobs
	WHERE status = 'pending' AND scheduled_at <= $1
	ORDER BY priority DESC, scheduled_at ASC
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING ` + jobColumns

func (q *Queries) DequeueJob(ctx context.Context, now time.Time) (repository.Job, error) {
	j, err := scanJob(q.db.QueryRow(ctx, dequeueJob, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return repository.Job{}, repository.ErrNoJobs
	}
	return j, mapError(err)
}

const completeJob = `UPDATE jobs SET status = 'completed', completed_at = $2 WHERE id = $1`

func (q *Queries) CompleteJob(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := q.db.Exec(ctx, completeJob, id, at)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

const retryJob = `
UPDATE jobs SET status = 'pending', error_message = $2, scheduled_at = $3, started_at = NULL
WHERE id = $1`

const failJob = `
UPDATE jobs SET status = 'failed', error_message = $2, completed_at = $3
WHERE id = $1`

func (q *Queries) FailJob(ctx context.Context, params repository.FailJobParams) error {
	var (
		tag pgconn.CommandTag
		err error
	)
	if params.RetryAt != nil {
		tag, err = q.db.Exec(ctx, retryJob, params.ID, params.ErrorMessage, *params.RetryAt)
	} else {
		tag, err = q.db.Exec(ctx, failJob, params.ID, params.ErrorMessage, params.FailedAt)
	}
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

const recoverStaleJobs = `
UPDATE jobs SET status = 'pending', started_at = NULL
WHERE status = 'running' AND started_at < $1`

func (q *Queries) RecoverStaleJobs(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx, recoverStaleJobs, olderThan)
	if err != nil {
		return 0, mapError(err)
	}
	return tag.RowsAffected(), nil
}
