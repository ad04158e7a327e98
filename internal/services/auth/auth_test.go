// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package auth_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"codeberg.org/oliverandrich/kopter/internal/config"
	"codeberg.org/oliverandrich/kopter/internal/events"
	"codeberg.org/oliverandrich/kopter/internal/queue"
	"codeberg.org/oliverandrich/kopter/internal/repository"
	"codeberg.org/oliverandrich/kopter/internal/services/auth"
	"codeberg.org/oliverandrich/kopter/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newService(t *testing.T, cfg *config.AuthConfig) (*auth.Service, *repository.Repository, *testutil.EventRecorder) {
	t.Helper()
	_, repo := testutil.NewTestDB(t)
	recorder := &testutil.EventRecorder{}
	svc := auth.NewService(repo, cfg,
		auth.WithPublisher(recorder),
		auth.WithBcryptCost(bcrypt.MinCost),
	)
	return svc, repo, recorder
}

func register(t *testing.T, svc *auth.Service, email string) {
	t.Helper()
	_, err := svc.Register(context.Background(), auth.RegisterParams{
		Name:     "Alice",
		Email:    email,
		Password: testutil.TestPassword,
	})
	require.NoError(t, err)
}

func TestRegister(t *testing.T) {
	svc, _, recorder := newService(t, nil)

	user, err := svc.Register(context.Background(), auth.RegisterParams{
		Name:     " Alice ",
		Email:    "Alice@Example.com",
		Password: testutil.TestPassword,
	})
	require.NoError(t, err)

	assert.NotZero(t, user.ID)
	assert.Equal(t, "Alice", user.Name)
	assert.Equal(t, "alice@example.com", user.Email)
	assert.NotEqual(t, testutil.TestPassword, user.PasswordHash)
	assert.False(t, user.EmailConfirmed())
	require.NotNil(t, user.EmailConfirmCode)

	payloads := recorder.Named(events.UserRegistered)
	require.Len(t, payloads, 1)
	registered, ok := payloads[0].(*auth.Registered)
	require.True(t, ok)
	assert.Equal(t, user.ID, registered.User.ID)
	assert.Len(t, registered.ConfirmCode, 64)
	assert.NotEqual(t, *user.EmailConfirmCode, registered.ConfirmCode, "only the hash is stored")
}

func TestRegister_Failures(t *testing.T) {
	tests := []struct {
		name     string
		params   auth.RegisterParams
		expected error
	}{
		{"invalid email", auth.RegisterParams{Email: "not-an-email", Password: testutil.TestPassword}, auth.ErrInvalidEmail},
		{"duplicate email", auth.RegisterParams{Email: "taken@example.com", Password: testutil.TestPassword}, auth.ErrUserExists},
		{"duplicate email other case", auth.RegisterParams{Email: "TAKEN@example.com", Password: testutil.TestPassword}, auth.ErrUserExists},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _, recorder := newService(t, nil)
			register(t, svc, "taken@example.com")

			_, err := svc.Register(context.Background(), tt.params)

			assert.ErrorIs(t, err, tt.expected)
			assert.Len(t, recorder.Named(events.UserRegistered), 1)
		})
	}
}

func TestRegister_WeakPassword(t *testing.T) {
	svc, _, recorder := newService(t, nil)

	_, err := svc.Register(context.Background(), auth.RegisterParams{Email: "alice@example.com", Password: "short"})

	var validationErr *auth.PasswordValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "min_length", validationErr.Errors[0].Code)
	assert.Zero(t, recorder.Len())
}

func TestRegister_Closed(t *testing.T) {
	svc, _, _ := newService(t, &config.AuthConfig{RegistrationEnabled: false})

	_, err := svc.Register(context.Background(), auth.RegisterParams{Email: "alice@example.com", Password: testutil.TestPassword})

	assert.ErrorIs(t, err, auth.ErrRegistrationClosed)
}

func TestFindByEmailAndID(t *testing.T) {
	svc, repo, _ := newService(t, nil)
	user := testutil.NewTestUser(t, repo, "alice@example.com")
	ctx := context.Background()

	found, err := svc.FindByEmail(ctx, " ALICE@example.com")
	require.NoError(t, err)
	assert.Equal(t, user.ID, found.ID)

	found, err = svc.FindByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, user.Email, found.Email)

	_, err = svc.FindByEmail(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, auth.ErrUserNotFound)

	_, err = svc.FindByID(ctx, 999)
	assert.ErrorIs(t, err, auth.ErrUserNotFound)
}

func TestSetPassword(t *testing.T) {
	svc, repo, _ := newService(t, nil)
	user := testutil.NewTestUser(t, repo, "alice@example.com")
	ctx := context.Background()

	updated, err := svc.SetPassword(ctx, user.ID, "a-brand-new-secret")
	require.NoError(t, err)

	assert.True(t, svc.VerifyPassword(updated, "a-brand-new-secret"))
	assert.False(t, svc.VerifyPassword(updated, testutil.TestPassword))

	stored, err := repo.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, updated.PasswordHash, stored.PasswordHash)
	assert.Equal(t, user.Email, stored.Email)
	assert.Equal(t, user.Name, stored.Name)
}

func TestSetPassword_Failures(t *testing.T) {
	svc, repo, _ := newService(t, nil)
	user := testutil.NewTestUser(t, repo, "alice@example.com")
	ctx := context.Background()

	_, err := svc.SetPassword(ctx, 999, "a-brand-new-secret")
	assert.ErrorIs(t, err, auth.ErrUserNotFound)

	_, err = svc.SetPassword(ctx, user.ID, "password")
	var validationErr *auth.PasswordValidationError
	assert.ErrorAs(t, err, &validationErr)

	stored, err := repo.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, user.PasswordHash, stored.PasswordHash)
}

func TestSetPassword_AcceptsHash(t *testing.T) {
	svc, repo, _ := newService(t, nil)
	user := testutil.NewTestUser(t, repo, "alice@example.com")
	ctx := context.Background()
	hash, err := bcrypt.GenerateFromPassword([]byte("1234"), bcrypt.MinCost)
	require.NoError(t, err)

	updated, err := svc.SetPassword(ctx, user.ID, string(hash))
	require.NoError(t, err)

	assert.Equal(t, string(hash), updated.PasswordHash)
	assert.True(t, svc.VerifyPassword(updated, "1234"))
	stored, err := repo.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, string(hash), stored.PasswordHash)
}

func TestVerifyPassword_NilUser(t *testing.T) {
	svc, _, _ := newService(t, nil)

	assert.False(t, svc.VerifyPassword(nil, "anything"))
}

func TestLogin(t *testing.T) {
	svc, repo, _ := newService(t, nil)
	user := testutil.NewTestUser(t, repo, "alice@example.com")
	ctx := context.Background()

	loggedIn, err := svc.Login(ctx, "alice@example.com", testutil.TestPassword)
	require.NoError(t, err)
	assert.Equal(t, user.ID, loggedIn.ID)

	_, err = svc.Login(ctx, "alice@example.com", "wrong-password")
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)

	_, err = svc.Login(ctx, "nobody@example.com", testutil.TestPassword)
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
}

func TestConfirmEmail(t *testing.T) {
	_, repo := testutil.NewTestDB(t)
	recorder := &testutil.EventRecorder{}
	confirmedAt := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	svc := auth.NewService(repo, nil,
		auth.WithPublisher(recorder),
		auth.WithBcryptCost(bcrypt.MinCost),
		auth.WithClock(func() time.Time { return confirmedAt }),
	)
	ctx := context.Background()
	register(t, svc, "alice@example.com")

	payloads := recorder.Named(events.UserRegistered)
	require.Len(t, payloads, 1)
	code := payloads[0].(*auth.Registered).ConfirmCode

	user, err := svc.ConfirmEmail(ctx, code)
	require.NoError(t, err)
	assert.True(t, user.EmailConfirmed())
	assert.Equal(t, confirmedAt, user.EmailConfirmedAt.UTC())
	assert.Nil(t, user.EmailConfirmCode)

	_, err = svc.ConfirmEmail(ctx, code)
	assert.ErrorIs(t, err, auth.ErrInvalidConfirmCode, "codes are single use")
}

func TestConfirmEmail_Unknown(t *testing.T) {
	svc, _, _ := newService(t, nil)

	for _, code := range []string{"", "  ", "unknown"} {
		_, err := svc.ConfirmEmail(context.Background(), code)
		assert.ErrorIs(t, err, auth.ErrInvalidConfirmCode)
	}
}

func TestRegister_DispatchFailureRollsBack(t *testing.T) {
	_, repo := testutil.NewTestDB(t)
	dispatcher := &testutil.DispatchRecorder{
		Err: &queue.EnqueueError{Queue: config.MailQueue, Err: errors.New("database is locked")},
	}
	svc := auth.NewService(repo, nil, auth.WithPublisher(dispatcher), auth.WithBcryptCost(bcrypt.MinCost))
	params := auth.RegisterParams{Email: "alice@example.com", Password: testutil.TestPassword}

	_, err := svc.Register(context.Background(), params)

	require.ErrorIs(t, err, queue.ErrEnqueue)
	var enqueueErr *queue.EnqueueError
	require.ErrorAs(t, err, &enqueueErr)
	assert.True(t, enqueueErr.Retryable())
	count, err := repo.CountUsers(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)

	// Retrying succeeds once the queue is back
	dispatcher.Err = nil
	user, err := svc.Register(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", user.Email)
	assert.Len(t, dispatcher.Named(events.UserRegistered), 1)
}
