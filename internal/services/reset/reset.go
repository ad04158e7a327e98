// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

// Package reset implements the forgot-password flow on top of the token store
// and the credential service.
package reset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"codeberg.org/oliverandrich/kopter/internal/events"
	"codeberg.org/oliverandrich/kopter/internal/models"
	"codeberg.org/oliverandrich/kopter/internal/services/auth"
	"codeberg.org/oliverandrich/kopter/internal/services/tokens"
)

var (
	// ErrInvalidToken covers unknown, expired and already consumed tokens.
	ErrInvalidToken = errors.New("invalid or expired token")
	// ErrUserNotFound is returned for unknown emails and vanished users.
	ErrUserNotFound = auth.ErrUserNotFound
)

// TokenStore persists reset tokens.
type TokenStore interface {
	Create(ctx context.Context, userID int64, ttl time.Duration) (*models.PasswordResetToken, error)
	FindByToken(ctx context.Context, token string) (*models.PasswordResetToken, error)
	DeleteByToken(ctx context.Context, token string) (bool, error)
}

// Credentials resolves users and updates their password.
type Credentials interface {
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	FindByID(ctx context.Context, id int64) (*models.User, error)
	ValidatePassword(user *models.User, plaintext string) error
	SetPassword(ctx context.Context, id int64, password string) (*models.User, error)
}

// Publisher receives lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, name events.Name, payload any)
}

// Dispatcher is a Publisher that reports failed synchronous handlers.
type Dispatcher interface {
	Dispatch(ctx context.Context, name events.Name, payload any) error
}

// Requested is the payload of events.PasswordResetRequested.
// Token holds the plaintext reset token.
type Requested struct {
	User  *models.User
	Token *models.PasswordResetToken
}

// Completed is the payload of events.PasswordResetCompleted.
type Completed struct {
	User *models.User
}

// Engine is the password reset state machine. A token is active until it
// expires or is consumed; both terminal states delete the row.
type Engine struct {
	store       TokenStore
	credentials Credentials
	publisher   Publisher
	now         func() time.Time
	ttl         time.Duration
}

type Option func(*Engine)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithTTL sets the lifetime of issued tokens.
func WithTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		if ttl > 0 {
			e.ttl = ttl
		}
	}
}

func New(store TokenStore, credentials Credentials, publisher Publisher, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		credentials: credentials,
		publisher:   publisher,
		now:         time.Now,
		ttl:         tokens.DefaultTTL,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Issue creates a reset token for the account with the given email and
// publishes events.PasswordResetRequested. Unknown emails create nothing.
// If the publisher is a Dispatcher and a synchronous handler fails, the token
// is deleted again and the error is returned.
func (e *Engine) Issue(ctx context.Context, email string) (*models.PasswordResetToken, error) {
	user, err := e.credentials.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			slog.InfoContext(ctx, "reset_requested_unknown_email", "email", email)
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	token, err := e.store.Create(ctx, user.ID, e.ttl)
	if err != nil {
		return nil, err
	}

	if err := e.announce(ctx, &Requested{User: user, Token: token}); err != nil {
		if _, delErr := e.store.DeleteByToken(context.WithoutCancel(ctx), token.Token); delErr != nil {
			slog.ErrorContext(ctx, "reset_token_cleanup_failed", "user_id", user.ID, "error", delErr)
		}
		slog.WarnContext(ctx, "reset_request_failed", "user_id", user.ID, "error", err)
		return nil, fmt.Errorf("failed to announce reset request: %w", err)
	}

	slog.InfoContext(ctx, "reset_token_issued", "user_id", user.ID, "expires_at", token.ExpiresAt)
	return token, nil
}

// Validate returns the token if it exists and has not expired. An expired
// token is deleted on sight.
func (e *Engine) Validate(ctx context.Context, token string) (*models.PasswordResetToken, error) {
	found, err := e.store.FindByToken(ctx, token)
	if errors.Is(err, tokens.ErrTokenNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}

	if found.Expired(e.now()) {
		if _, err := e.store.DeleteByToken(ctx, token); err != nil {
			slog.WarnContext(ctx, "reset_token_cleanup_failed", "user_id", found.UserID, "error", err)
		}
		slog.InfoContext(ctx, "reset_token_expired", "user_id", found.UserID)
		return nil, ErrInvalidToken
	}

	return found, nil
}

// Consume validates the token, deletes it and sets the new password. Only the
// caller that deleted the token proceeds, so a token is used at most once.
// A password rejected by the policy leaves the token active.
func (e *Engine) Consume(ctx context.Context, token, newPassword string) (*models.User, error) {
	found, err := e.Validate(ctx, token)
	if err != nil {
		return nil, err
	}

	owner, err := e.credentials.FindByID(ctx, found.UserID)
	if err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	if err := e.credentials.ValidatePassword(owner, newPassword); err != nil {
		return nil, err
	}

	deleted, err := e.store.DeleteByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if !deleted {
		slog.WarnContext(ctx, "reset_token_race_lost", "user_id", found.UserID)
		return nil, ErrInvalidToken
	}

	user, err := e.credentials.SetPassword(ctx, found.UserID, newPassword)
	if err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to set password: %w", err)
	}

	slog.InfoContext(ctx, "reset_completed", "user_id", user.ID)

	if e.publisher != nil {
		e.publisher.Publish(ctx, events.PasswordResetCompleted, &Completed{User: user})
	}
	return user, nil
}

func (e *Engine) announce(ctx context.Context, requested *Requested) error {
	switch p := e.publisher.(type) {
	case nil:
		return nil
	case Dispatcher:
		return p.Dispatch(ctx, events.PasswordResetRequested, requested)
	default:
		p.Publish(ctx, events.PasswordResetRequested, requested)
		return nil
	}
}
