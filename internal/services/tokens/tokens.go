// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

// Package tokens stores single-use password reset tokens. Only the SHA-256
// hash of a token is persisted; the plaintext leaves the process once.
package tokens

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"codeberg.org/oliverandrich/kopter/internal/models"
	"codeberg.org/oliverandrich/kopter/internal/repository"
)

const (
	// TokenLength is the number of random bytes in a token.
	TokenLength = 32
	// DefaultTTL is how long a reset token is valid.
	DefaultTTL = 10 * time.Minute
)

var ErrTokenNotFound = errors.New("token not found")

// Repository is the persistence the store needs.
type Repository interface {
	CreatePasswordResetToken(ctx context.Context, userID int64, tokenHash string, expiresAt, createdAt time.Time) (*models.PasswordResetToken, error)
	GetPasswordResetToken(ctx context.Context, tokenHash string) (*models.PasswordResetToken, error)
	DeletePasswordResetToken(ctx context.Context, tokenHash string) (bool, error)
	DeleteExpiredPasswordResetTokens(ctx context.Context, now time.Time) (int64, error)
	CountPasswordResetTokens(ctx context.Context, userID int64) (int64, error)
}

// Generate returns a random hex token and the hash to store for it.
func Generate() (plaintext, hash string, err error) {
	b := make([]byte, TokenLength)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	plaintext = hex.EncodeToString(b)
	return plaintext, Hash(plaintext), nil
}

// Hash computes the SHA256 hash of a token.
func Hash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Store is the TokenStore of the reset flow.
type Store struct {
	repo Repository
	now  func() time.Time
	ttl  time.Duration
}

type Option func(*Store)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTTL sets the lifetime used when Create is called without one.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func NewStore(repo Repository, opts ...Option) *Store {
	s := &Store{repo: repo, now: time.Now, ttl: DefaultTTL}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create issues a new token for the user. A ttl <= 0 uses the store default.
// The returned token carries the plaintext; it cannot be recovered later.
func (s *Store) Create(ctx context.Context, userID int64, ttl time.Duration) (*models.PasswordResetToken, error) {
	if ttl <= 0 {
		ttl = s.ttl
	}

	plaintext, hash, err := Generate()
	if err != nil {
		return nil, err
	}

	now := s.now()
	token, err := s.repo.CreatePasswordResetToken(ctx, userID, hash, now.Add(ttl), now)
	if err != nil {
		return nil, fmt.Errorf("failed to store reset token: %w", err)
	}
	token.Token = plaintext
	return token, nil
}

// FindByToken looks up a token regardless of its expiry.
func (s *Store) FindByToken(ctx context.Context, token string) (*models.PasswordResetToken, error) {
	if token == "" {
		return nil, ErrTokenNotFound
	}

	found, err := s.repo.GetPasswordResetToken(ctx, Hash(token))
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reset token: %w", err)
	}
	found.Token = token
	return found, nil
}

// DeleteByToken removes the token and reports whether this call removed it.
// Of several concurrent callers for the same token at most one sees true.
func (s *Store) DeleteByToken(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}

	deleted, err := s.repo.DeletePasswordResetToken(ctx, Hash(token))
	if err != nil {
		return false, fmt.Errorf("failed to delete reset token: %w", err)
	}
	return deleted, nil
}

// DeleteExpired purges every expired token.
func (s *Store) DeleteExpired(ctx context.Context) (int64, error) {
	return s.repo.DeleteExpiredPasswordResetTokens(ctx, s.now())
}

// CountForUser returns the number of stored tokens of a user.
func (s *Store) CountForUser(ctx context.Context, userID int64) (int64, error) {
	return s.repo.CountPasswordResetTokens(ctx, userID)
}
