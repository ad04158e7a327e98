// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"codeberg.org/oliverandrich/kopter/internal/models"
)

// ErrLeaseAbandoned is the last error recorded on a job whose final lease
// expired without an outcome, typically because the worker process died.
var ErrLeaseAbandoned = errors.New("lease expired on the final attempt")

type jobRow struct {
	ID             string `db:"id"`
	Queue          string `db:"queue"`
	Payload        string `db:"payload"`
	Status         string `db:"status"`
	AttemptCount   int    `db:"attempt_count"`
	NextAttemptAt  int64  `db:"next_attempt_at"`
	LeaseOwner     string `db:"lease_owner"`
	LeaseExpiresAt int64  `db:"lease_expires_at"`
	LastError      string `db:"last_error"`
	DedupeKey      string `db:"dedupe_key"`
	CreatedAt      int64  `db:"created_at"`
	UpdatedAt      int64  `db:"updated_at"`
}

func (row jobRow) model() models.Job {
	return models.Job{
		ID:             row.ID,
		Queue:          row.Queue,
		Payload:        []byte(row.Payload),
		Status:         models.JobStatus(row.Status),
		AttemptCount:   row.AttemptCount,
		NextAttemptAt:  fromMillis(row.NextAttemptAt),
		LeaseOwner:     row.LeaseOwner,
		LeaseExpiresAt: fromMillis(row.LeaseExpiresAt),
		LastError:      row.LastError,
		DedupeKey:      row.DedupeKey,
		CreatedAt:      fromMillis(row.CreatedAt),
		UpdatedAt:      fromMillis(row.UpdatedAt),
	}
}

const jobColumns = `id, queue, payload, status, attempt_count, next_attempt_at, lease_owner,
	lease_expires_at, last_error, dedupe_key, created_at, updated_at`

// InsertJob stores a pending job. When the job carries a dedupe key that already exists
// the insert is skipped and the ID of the existing job is returned with inserted=false.
func (r *Repository) InsertJob(ctx context.Context, job *models.Job) (string, bool, error) {
	job.Queue = strings.TrimSpace(job.Queue)
	job.DedupeKey = strings.TrimSpace(job.DedupeKey)
	if job.ID == "" || job.Queue == "" {
		return "", false, fmt.Errorf("job id and queue are required")
	}
	if job.Status == "" {
		job.Status = models.JobPending
	}
	if len(job.Payload) == 0 {
		job.Payload = []byte("{}")
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	if job.NextAttemptAt.IsZero() {
		job.NextAttemptAt = job.CreatedAt
	}

	result, err := r.db.ExecContext(ctx, `
INSERT INTO jobs (id, queue, payload, status, attempt_count, next_attempt_at, dedupe_key, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(dedupe_key) WHERE dedupe_key <> '' DO NOTHING`,
		job.ID, job.Queue, string(job.Payload), string(job.Status), job.AttemptCount,
		toMillis(job.NextAttemptAt), job.DedupeKey, toMillis(job.CreatedAt), toMillis(job.UpdatedAt))
	if err != nil {
		return "", false, fmt.Errorf("insert job: %w", wrapError(err))
	}

	n, err := result.RowsAffected()
	if err != nil {
		return "", false, err
	}
	if n > 0 {
		return job.ID, true, nil
	}

	var existing string
	if err := r.db.GetContext(ctx, &existing, `SELECT id FROM jobs WHERE dedupe_key = ?`, job.DedupeKey); err != nil {
		return "", false, fmt.Errorf("lookup deduplicated job: %w", wrapError(err))
	}
	return existing, false, nil
}

// GetJob retrieves a job by ID.
func (r *Repository) GetJob(ctx context.Context, id string) (*models.Job, error) {
	var row jobRow
	if err := r.db.GetContext(ctx, &row, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id); err != nil {
		return nil, wrapError(err)
	}
	job := row.model()
	return &job, nil
}

// ListJobs returns jobs of a queue in the given status, oldest first.
func (r *Repository) ListJobs(ctx context.Context, queue string, status models.JobStatus, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []jobRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT `+jobColumns+` FROM jobs WHERE queue = ? AND status = ? ORDER BY created_at ASC, id ASC LIMIT ?`,
		queue, string(status), limit)
	if err != nil {
		return nil, err
	}
	jobs := make([]models.Job, 0, len(rows))
	for _, row := range rows {
		jobs = append(jobs, row.model())
	}
	return jobs, nil
}

// LeaseJobs claims up to limit due jobs of a queue for one worker. A job is due when it is
// pending and its next attempt time has passed, or when it is leased but its lease expired.
// Leasing counts as an attempt. With maxAttempts > 0, an expired lease that already used the
// last attempt is moved to dead in the same transaction instead of being leased again.
func (r *Repository) LeaseJobs(ctx context.Context, queue, owner string, limit int, now time.Time, leaseTTL time.Duration, maxAttempts int) ([]models.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return nil, fmt.Errorf("lease owner is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	if leaseTTL <= 0 {
		return nil, fmt.Errorf("lease ttl must be greater than zero")
	}
	if now.IsZero() {
		now = time.Now()
	}
	nowMs := toMillis(now)
	leaseExpiresAt := toMillis(now.Add(leaseTTL))

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("start lease transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if maxAttempts > 0 {
		_, err = tx.ExecContext(ctx, `
UPDATE jobs SET status = ?, lease_owner = '', lease_expires_at = 0, last_error = ?, updated_at = ?
WHERE queue = ? AND status = ? AND lease_expires_at <= ? AND attempt_count >= ?`,
			string(models.JobDead), ErrLeaseAbandoned.Error(), nowMs,
			queue, string(models.JobLeased), nowMs, maxAttempts)
		if err != nil {
			return nil, fmt.Errorf("bury abandoned jobs: %w", err)
		}
	}

	var candidates []string
	err = tx.SelectContext(ctx, &candidates, `
SELECT id FROM jobs
WHERE queue = ? AND (
	(status = ? AND next_attempt_at <= ?)
	OR
	(status = ? AND lease_expires_at <= ?)
)
ORDER BY next_attempt_at ASC, created_at ASC, id ASC
LIMIT ?`,
		queue, string(models.JobPending), nowMs, string(models.JobLeased), nowMs, limit)
	if err != nil {
		return nil, fmt.Errorf("select lease candidates: %w", err)
	}

	leased := make([]models.Job, 0, len(candidates))
	for _, id := range candidates {
		result, err := tx.ExecContext(ctx, `
UPDATE jobs
SET status = ?, lease_owner = ?, lease_expires_at = ?, attempt_count = attempt_count + 1, updated_at = ?
WHERE id = ? AND (
	(status = ? AND next_attempt_at <= ?)
	OR
	(status = ? AND lease_expires_at <= ?)
)`,
			string(models.JobLeased), owner, leaseExpiresAt, nowMs,
			id, string(models.JobPending), nowMs, string(models.JobLeased), nowMs)
		if err != nil {
			return nil, fmt.Errorf("lease job %s: %w", id, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			continue
		}

		var row jobRow
		if err := tx.GetContext(ctx, &row, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id); err != nil {
			return nil, fmt.Errorf("load leased job %s: %w", id, err)
		}
		leased = append(leased, row.model())
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit lease transaction: %w", err)
	}
	return leased, nil
}

// MarkJobSucceeded acknowledges a leased job.
func (r *Repository) MarkJobSucceeded(ctx context.Context, id, owner string, now time.Time) error {
	result, err := r.db.ExecContext(ctx, `
UPDATE jobs SET status = ?, lease_owner = '', lease_expires_at = 0, last_error = '', updated_at = ?
WHERE id = ? AND status = ? AND lease_owner = ?`,
		string(models.JobSucceeded), toMillis(now), id, string(models.JobLeased), owner)
	if err != nil {
		return fmt.Errorf("mark job succeeded: %w", err)
	}
	return requireAffected(result)
}

// MarkJobRetry returns a leased job to pending with a new attempt time.
func (r *Repository) MarkJobRetry(ctx context.Context, id, owner string, nextAttemptAt time.Time, lastError string, now time.Time) error {
	result, err := r.db.ExecContext(ctx, `
UPDATE jobs SET status = ?, next_attempt_at = ?, lease_owner = '', lease_expires_at = 0, last_error = ?, updated_at = ?
WHERE id = ? AND status = ? AND lease_owner = ?`,
		string(models.JobPending), toMillis(nextAttemptAt), lastError, toMillis(now),
		id, string(models.JobLeased), owner)
	if err != nil {
		return fmt.Errorf("mark job retry: %w", err)
	}
	return requireAffected(result)
}

// MarkJobDead moves a leased job to the dead-letter state.
func (r *Repository) MarkJobDead(ctx context.Context, id, owner, lastError string, now time.Time) error {
	result, err := r.db.ExecContext(ctx, `
UPDATE jobs SET status = ?, lease_owner = '', lease_expires_at = 0, last_error = ?, updated_at = ?
WHERE id = ? AND status = ? AND lease_owner = ?`,
		string(models.JobDead), lastError, toMillis(now), id, string(models.JobLeased), owner)
	if err != nil {
		return fmt.Errorf("mark job dead: %w", err)
	}
	return requireAffected(result)
}

// RequeueDeadJobs moves up to limit dead jobs of a queue back to pending with a fresh attempt budget.
func (r *Repository) RequeueDeadJobs(ctx context.Context, queue string, limit int, now time.Time) (int64, error) {
	if limit <= 0 {
		limit = 100
	}
	nowMs := toMillis(now)
	result, err := r.db.ExecContext(ctx, `
UPDATE jobs SET status = ?, attempt_count = 0, next_attempt_at = ?, updated_at = ?
WHERE id IN (
	SELECT id FROM jobs WHERE queue = ? AND status = ? ORDER BY updated_at ASC, id ASC LIMIT ?
)`,
		string(models.JobPending), nowMs, nowMs, queue, string(models.JobDead), limit)
	if err != nil {
		return 0, fmt.Errorf("requeue dead jobs: %w", err)
	}
	return result.RowsAffected()
}

// CountJobsByStatus returns the number of jobs per status for a queue.
func (r *Repository) CountJobsByStatus(ctx context.Context, queue string) (map[models.JobStatus]int64, error) {
	var rows []struct {
		Status string `db:"status"`
		Count  int64  `db:"count"`
	}
	err := r.db.SelectContext(ctx, &rows,
		`SELECT status, count(*) AS count FROM jobs WHERE queue = ? GROUP BY status`, queue)
	if err != nil {
		return nil, err
	}
	counts := make(map[models.JobStatus]int64, len(rows))
	for _, row := range rows {
		counts[models.JobStatus(row.Status)] = row.Count
	}
	return counts, nil
}
