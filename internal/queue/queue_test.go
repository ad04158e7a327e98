// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package queue_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"codeberg.org/oliverandrich/kopter/internal/models"
	"codeberg.org/oliverandrich/kopter/internal/queue"
	"codeberg.org/oliverandrich/kopter/internal/repository"
	"codeberg.org/oliverandrich/kopter/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	Recipient string `json:"recipient"`
}

func TestEnqueue(t *testing.T) {
	_, repo := testutil.NewTestDB(t)
	q := queue.New(repo)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "mails.queue", payload{Recipient: "a@example.com"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	job, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "mails.queue", job.Queue)
	assert.Equal(t, models.JobPending, job.Status)

	var decoded payload
	require.NoError(t, queue.Decode(job, &decoded))
	assert.Equal(t, "a@example.com", decoded.Recipient)
}

func TestEnqueue_RequiresQueueName(t *testing.T) {
	_, repo := testutil.NewTestDB(t)
	q := queue.New(repo)

	_, err := q.Enqueue(context.Background(), "  ", payload{})

	assert.Error(t, err)
}

func TestEnqueue_UnencodablePayload(t *testing.T) {
	_, repo := testutil.NewTestDB(t)
	q := queue.New(repo)

	_, err := q.Enqueue(context.Background(), "q", make(chan int))

	require.Error(t, err)
	assert.NotErrorIs(t, err, queue.ErrEnqueue)
}

func TestEnqueue_DedupeKey(t *testing.T) {
	_, repo := testutil.NewTestDB(t)
	q := queue.New(repo)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, "q", payload{}, queue.WithDedupeKey("user:1"))
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, "q", payload{}, queue.WithDedupeKey("user:1"))
	require.NoError(t, err)

	assert.Equal(t, first, second)
	stats, err := q.Stats(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats[models.JobPending])
}

func TestEnqueue_WithDelay(t *testing.T) {
	_, repo := testutil.NewTestDB(t)
	clock := testutil.NewClock(time.Now())
	q := queue.New(repo, queue.WithClock(clock.Now))
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "q", payload{}, queue.WithDelay(time.Minute))
	require.NoError(t, err)

	job, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.WithinDuration(t, clock.Now().Add(time.Minute), job.NextAttemptAt, time.Millisecond)
}

type failingStore struct {
	queue.Store
	err error
}

func (s failingStore) InsertJob(ctx context.Context, _ *models.Job) (string, bool, error) {
	<-ctx.Done()
	return "", false, errors.Join(s.err, ctx.Err())
}

func TestEnqueue_TimeoutIsRetryable(t *testing.T) {
	q := queue.New(failingStore{err: errors.New("database is locked")}, queue.WithEnqueueTimeout(10*time.Millisecond))

	_, err := q.Enqueue(context.Background(), "q", payload{})

	require.ErrorIs(t, err, queue.ErrEnqueue)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	var enqueueErr *queue.EnqueueError
	require.ErrorAs(t, err, &enqueueErr)
	assert.True(t, enqueueErr.Retryable())
	assert.Equal(t, "q", enqueueErr.Queue)
}

func TestDeadAndRequeue(t *testing.T) {
	_, repo := testutil.NewTestDB(t)
	q := queue.New(repo)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "q", payload{})
	require.NoError(t, err)

	w := queue.NewWorker(repo, queue.WorkerConfig{Consumer: "w", MaxAttempts: 1})
	w.Handle("q", func(context.Context, *models.Job) error {
		return errors.New("smtp down")
	})
	_, err = w.RunOnce(ctx)
	require.NoError(t, err)

	dead, err := q.Dead(ctx, "q", 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, id, dead[0].ID)

	n, err := q.RequeueDead(ctx, "q", 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	job, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, job.Status)
}

func TestGet_NotFound(t *testing.T) {
	_, repo := testutil.NewTestDB(t)
	q := queue.New(repo)

	_, err := q.Get(context.Background(), "missing")

	assert.ErrorIs(t, err, repository.ErrNotFound)
}
