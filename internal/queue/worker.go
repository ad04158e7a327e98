// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"codeberg.org/oliverandrich/kopter/internal/models"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

// HandlerFunc processes one job. It may run more than once for the same job and
// must be idempotent; job.ID is stable across attempts.
type HandlerFunc func(ctx context.Context, job *models.Job) error

// WorkerConfig tunes polling, leasing and retries.
type WorkerConfig struct { //nolint:govet // fieldalignment not critical for config structs
	Consumer      string
	Concurrency   int
	PollInterval  time.Duration
	LeaseTTL      time.Duration
	MaxAttempts   int
	RetryBackoff  time.Duration
	RetryMaxDelay time.Duration
	Now           func() time.Time
	Logger        *slog.Logger
}

// DefaultWorkerConfig returns the worker defaults.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Concurrency:   4,
		PollInterval:  2 * time.Second,
		LeaseTTL:      30 * time.Second,
		MaxAttempts:   8,
		RetryBackoff:  5 * time.Second,
		RetryMaxDelay: 5 * time.Minute,
	}
}

func (c WorkerConfig) normalized() WorkerConfig {
	defaults := DefaultWorkerConfig()
	c.Consumer = strings.TrimSpace(c.Consumer)
	if c.Consumer == "" {
		c.Consumer = "worker-" + uuid.NewString()
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaults.Concurrency
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaults.PollInterval
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = defaults.LeaseTTL
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaults.MaxAttempts
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = defaults.RetryBackoff
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = defaults.RetryMaxDelay
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Worker is the consumer side of the job queues.
type Worker struct {
	store    Store
	handlers map[string]HandlerFunc
	cfg      WorkerConfig
	mu       sync.RWMutex
}

// NewWorker creates a consumer over the given store.
func NewWorker(store Store, cfg WorkerConfig) *Worker {
	return &Worker{
		store:    store,
		handlers: make(map[string]HandlerFunc),
		cfg:      cfg.normalized(),
	}
}

// Consumer returns the lease owner name of this worker.
func (w *Worker) Consumer() string {
	return w.cfg.Consumer
}

// Handle registers the handler consuming the named queue, replacing any previous one.
func (w *Worker) Handle(queueName string, handler HandlerFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.handlers[strings.TrimSpace(queueName)] = handler
}

// Queues returns the names of all consumed queues, sorted.
func (w *Worker) Queues() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()

	names := lo.Keys(w.handlers)
	slices.Sort(names)
	return names
}

// Run polls until ctx is cancelled. In-flight jobs finish before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	if len(w.Queues()) == 0 {
		return errors.New("worker has no queue handlers")
	}

	w.cfg.Logger.Info("worker started",
		"consumer", w.cfg.Consumer,
		"queues", w.Queues(),
		"concurrency", w.cfg.Concurrency,
	)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			w.cfg.Logger.Error("worker poll failed", "consumer", w.cfg.Consumer, "error", err)
		}

		select {
		case <-ctx.Done():
			w.cfg.Logger.Info("worker stopped", "consumer", w.cfg.Consumer)
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce leases and processes one batch per queue and returns the number of jobs handled.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	var errs []error
	processed := 0

	for _, name := range w.Queues() {
		if ctx.Err() != nil {
			break
		}

		jobs, err := w.store.LeaseJobs(ctx, name, w.cfg.Consumer, w.cfg.Concurrency, w.cfg.Now(), w.cfg.LeaseTTL, w.cfg.MaxAttempts)
		if err != nil {
			errs = append(errs, fmt.Errorf("lease %s: %w", name, err))
			continue
		}

		handler := w.handler(name)
		var wg sync.WaitGroup
		for i := range jobs {
			wg.Add(1)
			go func(job *models.Job) {
				defer wg.Done()
				if err := w.process(ctx, handler, job); err != nil {
					w.cfg.Logger.Error("job_ack_failed", "job_id", job.ID, "queue", job.Queue, "error", err)
				}
			}(&jobs[i])
		}
		wg.Wait()
		processed += len(jobs)
	}

	return processed, errors.Join(errs...)
}

func (w *Worker) handler(name string) HandlerFunc {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return w.handlers[name]
}

// process runs the handler and records the outcome on the job row.
func (w *Worker) process(ctx context.Context, handler HandlerFunc, job *models.Job) error {
	runCtx, cancel := context.WithTimeout(ctx, w.cfg.LeaseTTL)
	err := invoke(runCtx, handler, job)
	cancel()

	// Record the outcome even when ctx was cancelled mid-job.
	ackCtx, ackCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer ackCancel()
	now := w.cfg.Now()

	if err == nil {
		w.cfg.Logger.Debug("job_succeeded", "job_id", job.ID, "queue", job.Queue, "attempt", job.AttemptCount)
		return w.store.MarkJobSucceeded(ackCtx, job.ID, w.cfg.Consumer, now)
	}

	if IsPermanent(err) || job.AttemptCount >= w.cfg.MaxAttempts {
		w.cfg.Logger.Error("job_dead",
			"job_id", job.ID,
			"queue", job.Queue,
			"attempt", job.AttemptCount,
			"permanent", IsPermanent(err),
			"error", err,
		)
		return w.store.MarkJobDead(ackCtx, job.ID, w.cfg.Consumer, err.Error(), now)
	}

	delay := Backoff(job.AttemptCount, w.cfg.RetryBackoff, w.cfg.RetryMaxDelay)
	w.cfg.Logger.Warn("job_retry",
		"job_id", job.ID,
		"queue", job.Queue,
		"attempt", job.AttemptCount,
		"retry_in", delay,
		"error", err,
	)
	return w.store.MarkJobRetry(ackCtx, job.ID, w.cfg.Consumer, now.Add(delay), err.Error(), now)
}

func invoke(ctx context.Context, handler HandlerFunc, job *models.Job) (err error) {
	if handler == nil {
		return Permanent(fmt.Errorf("no handler for queue %s", job.Queue))
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}
