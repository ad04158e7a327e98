// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

// Package queue implements durable named job queues with at-least-once delivery.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"codeberg.org/oliverandrich/kopter/internal/models"
	"github.com/google/uuid"
)

// Store is the durable backing store for jobs.
type Store interface {
	InsertJob(ctx context.Context, job *models.Job) (string, bool, error)
	GetJob(ctx context.Context, id string) (*models.Job, error)
	ListJobs(ctx context.Context, queue string, status models.JobStatus, limit int) ([]models.Job, error)
	LeaseJobs(ctx context.Context, queue, owner string, limit int, now time.Time, leaseTTL time.Duration, maxAttempts int) ([]models.Job, error)
	MarkJobSucceeded(ctx context.Context, id, owner string, now time.Time) error
	MarkJobRetry(ctx context.Context, id, owner string, nextAttemptAt time.Time, lastError string, now time.Time) error
	MarkJobDead(ctx context.Context, id, owner, lastError string, now time.Time) error
	RequeueDeadJobs(ctx context.Context, queue string, limit int, now time.Time) (int64, error)
	CountJobsByStatus(ctx context.Context, queue string) (map[models.JobStatus]int64, error)
}

// DefaultEnqueueTimeout bounds a single enqueue when no timeout is configured.
const DefaultEnqueueTimeout = 5 * time.Second

// Queue is the producer side of the job queues.
type Queue struct {
	store   Store
	now     func() time.Time
	timeout time.Duration
}

// Option configures a Queue.
type Option func(*Queue)

// WithEnqueueTimeout bounds every Enqueue call.
func WithEnqueueTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.timeout = d
		}
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// New creates a producer over the given store.
func New(store Store, opts ...Option) *Queue {
	q := &Queue{
		store:   store,
		now:     time.Now,
		timeout: DefaultEnqueueTimeout,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

type enqueueOptions struct {
	dedupeKey string
	delay     time.Duration
}

// EnqueueOption configures a single Enqueue call.
type EnqueueOption func(*enqueueOptions)

// WithDedupeKey turns repeated enqueues with the same key into no-ops.
func WithDedupeKey(key string) EnqueueOption {
	return func(o *enqueueOptions) {
		o.dedupeKey = key
	}
}

// WithDelay postpones the first attempt.
func WithDelay(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) {
		o.delay = d
	}
}

// Enqueue stores payload as a pending job on the named queue and returns the job ID.
// Storage failures are returned as *EnqueueError.
func (q *Queue) Enqueue(ctx context.Context, queueName string, payload any, opts ...EnqueueOption) (string, error) {
	queueName = strings.TrimSpace(queueName)
	if queueName == "" {
		return "", fmt.Errorf("queue name is required")
	}

	var o enqueueOptions
	for _, opt := range opts {
		opt(&o)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload for %s: %w", queueName, err)
	}

	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	now := q.now()
	job := &models.Job{
		ID:            uuid.NewString(),
		Queue:         queueName,
		Payload:       data,
		Status:        models.JobPending,
		DedupeKey:     o.dedupeKey,
		NextAttemptAt: now.Add(o.delay),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	id, _, err := q.store.InsertJob(ctx, job)
	if err != nil {
		return "", &EnqueueError{Queue: queueName, Err: err}
	}
	return id, nil
}

// Get returns a job by ID.
func (q *Queue) Get(ctx context.Context, id string) (*models.Job, error) {
	return q.store.GetJob(ctx, id)
}

// Dead lists dead-lettered jobs of a queue for inspection.
func (q *Queue) Dead(ctx context.Context, queueName string, limit int) ([]models.Job, error) {
	return q.store.ListJobs(ctx, queueName, models.JobDead, limit)
}

// RequeueDead moves dead-lettered jobs back to pending with a fresh attempt budget.
func (q *Queue) RequeueDead(ctx context.Context, queueName string, limit int) (int64, error) {
	return q.store.RequeueDeadJobs(ctx, queueName, limit, q.now())
}

// Stats counts the jobs of a queue per status.
func (q *Queue) Stats(ctx context.Context, queueName string) (map[models.JobStatus]int64, error) {
	return q.store.CountJobsByStatus(ctx, queueName)
}

// Decode unmarshals a job payload into v.
func Decode(job *models.Job, v any) error {
	if err := json.Unmarshal(job.Payload, v); err != nil {
		return fmt.Errorf("decode job %s payload: %w", job.ID, err)
	}
	return nil
}
