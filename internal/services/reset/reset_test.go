// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package reset_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"codeberg.org/oliverandrich/kopter/internal/events"
	"codeberg.org/oliverandrich/kopter/internal/models"
	"codeberg.org/oliverandrich/kopter/internal/queue"
	"codeberg.org/oliverandrich/kopter/internal/repository"
	"codeberg.org/oliverandrich/kopter/internal/services/auth"
	"codeberg.org/oliverandrich/kopter/internal/services/reset"
	"codeberg.org/oliverandrich/kopter/internal/services/tokens"
	"codeberg.org/oliverandrich/kopter/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const newPassword = "a-brand-new-secret"

type fixture struct {
	repo     *repository.Repository
	store    *tokens.Store
	creds    *auth.Service
	engine   *reset.Engine
	recorder *testutil.EventRecorder
	clock    *testutil.Clock
	user     *models.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	_, repo := testutil.NewTestDB(t)
	clock := testutil.NewClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	recorder := &testutil.EventRecorder{}
	store := tokens.NewStore(repo, tokens.WithClock(clock.Now))
	creds := auth.NewService(repo, nil, auth.WithBcryptCost(bcrypt.MinCost))

	return &fixture{
		repo:     repo,
		store:    store,
		creds:    creds,
		engine:   reset.New(store, creds, recorder, reset.WithClock(clock.Now), reset.WithTTL(10*time.Minute)),
		recorder: recorder,
		clock:    clock,
		user:     testutil.NewTestUser(t, repo, "alice@example.com"),
	}
}

func TestIssueValidateConsume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	token, err := f.engine.Issue(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, f.user.ID, token.UserID)
	assert.Equal(t, f.clock.Now().Add(10*time.Minute), token.ExpiresAt)

	validated, err := f.engine.Validate(ctx, token.Token)
	require.NoError(t, err)
	assert.Equal(t, token.ID, validated.ID)

	user, err := f.engine.Consume(ctx, token.Token, newPassword)
	require.NoError(t, err)
	assert.Equal(t, f.user.ID, user.ID)
	assert.True(t, f.creds.VerifyPassword(user, newPassword))

	_, err = f.engine.Validate(ctx, token.Token)
	assert.ErrorIs(t, err, reset.ErrInvalidToken)

	_, err = f.engine.Consume(ctx, token.Token, "yet-another-secret")
	assert.ErrorIs(t, err, reset.ErrInvalidToken)
}

func TestIssue_PublishesEvent(t *testing.T) {
	f := newFixture(t)

	token, err := f.engine.Issue(context.Background(), "alice@example.com")
	require.NoError(t, err)

	payloads := f.recorder.Named(events.PasswordResetRequested)
	require.Len(t, payloads, 1)
	requested, ok := payloads[0].(*reset.Requested)
	require.True(t, ok)
	assert.Equal(t, f.user.ID, requested.User.ID)
	assert.Equal(t, token.Token, requested.Token.Token)
}

func TestIssue_DispatchFailureDeletesToken(t *testing.T) {
	f := newFixture(t)
	dispatcher := &testutil.DispatchRecorder{
		Err: &queue.EnqueueError{Queue: "mails.queue", Err: context.DeadlineExceeded},
	}
	engine := reset.New(f.store, f.creds, dispatcher, reset.WithClock(f.clock.Now))

	_, err := engine.Issue(context.Background(), "alice@example.com")

	require.ErrorIs(t, err, queue.ErrEnqueue)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	count, err := f.store.CountForUser(context.Background(), f.user.ID)
	require.NoError(t, err)
	assert.Zero(t, count)

	dispatcher.Err = nil
	token, err := engine.Issue(context.Background(), "alice@example.com")
	require.NoError(t, err)
	assert.Len(t, dispatcher.Named(events.PasswordResetRequested), 1)
	_, err = engine.Validate(context.Background(), token.Token)
	assert.NoError(t, err)
}

func TestIssue_UnknownEmail(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Issue(context.Background(), "nobody@example.com")

	assert.ErrorIs(t, err, reset.ErrUserNotFound)
	assert.Zero(t, f.recorder.Len())
	count, err := f.store.CountForUser(context.Background(), f.user.ID)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestIssue_MultipleActiveTokens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.engine.Issue(ctx, "alice@example.com")
	require.NoError(t, err)
	second, err := f.engine.Issue(ctx, "alice@example.com")
	require.NoError(t, err)

	_, err = f.engine.Validate(ctx, first.Token)
	assert.NoError(t, err)
	_, err = f.engine.Validate(ctx, second.Token)
	assert.NoError(t, err)
}

func TestValidate_LazyExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	token, err := f.engine.Issue(ctx, "alice@example.com")
	require.NoError(t, err)

	f.clock.Advance(5 * time.Minute)
	_, err = f.engine.Validate(ctx, token.Token)
	require.NoError(t, err)

	f.clock.Advance(6 * time.Minute)
	_, err = f.engine.Validate(ctx, token.Token)
	assert.ErrorIs(t, err, reset.ErrInvalidToken)

	_, err = f.store.FindByToken(ctx, token.Token)
	assert.ErrorIs(t, err, tokens.ErrTokenNotFound, "expired token is deleted on lookup")
}

func TestConsume_Expired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	token, err := f.engine.Issue(ctx, "alice@example.com")
	require.NoError(t, err)

	f.clock.Advance(11 * time.Minute)
	_, err = f.engine.Consume(ctx, token.Token, newPassword)
	assert.ErrorIs(t, err, reset.ErrInvalidToken)

	stored, err := f.repo.GetUserByID(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, f.user.PasswordHash, stored.PasswordHash)
}

func TestConsume_WrongToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.Issue(ctx, "alice@example.com")
	require.NoError(t, err)

	_, err = f.engine.Consume(ctx, "wrong_token", newPassword)

	assert.ErrorIs(t, err, reset.ErrInvalidToken)
}

func TestConsume_RejectedPasswordKeepsToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	token, err := f.engine.Issue(ctx, "alice@example.com")
	require.NoError(t, err)

	_, err = f.engine.Consume(ctx, token.Token, "short")
	var validationErr *auth.PasswordValidationError
	require.ErrorAs(t, err, &validationErr)

	_, err = f.engine.Consume(ctx, token.Token, newPassword)
	assert.NoError(t, err)
}

func TestConsume_Concurrent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	token, err := f.engine.Issue(ctx, "alice@example.com")
	require.NoError(t, err)

	const callers = 2
	results := make(chan error, callers)
	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Consume(ctx, token.Token, newPassword)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded, invalid := 0, 0
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, reset.ErrInvalidToken):
			invalid++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, invalid)
	assert.Len(t, f.recorder.Named(events.PasswordResetCompleted), 1)
}

func TestConsume_UserVanished(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	token, err := f.engine.Issue(ctx, "alice@example.com")
	require.NoError(t, err)

	_, err = f.repo.DB().ExecContext(ctx, `DELETE FROM users WHERE id = ?`, f.user.ID)
	require.NoError(t, err)

	_, err = f.engine.Consume(ctx, token.Token, newPassword)
	assert.ErrorIs(t, err, reset.ErrUserNotFound)
}
