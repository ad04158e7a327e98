// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package repository

import (
	"context"
	"time"

	"codeberg.org/oliverandrich/kopter/internal/models"
)

type resetTokenRow struct {
	ID        int64  `db:"id"`
	UserID    int64  `db:"user_id"`
	TokenHash string `db:"token_hash"`
	ExpiresAt int64  `db:"expires_at"`
	CreatedAt int64  `db:"created_at"`
}

func (row resetTokenRow) model() *models.PasswordResetToken {
	return &models.PasswordResetToken{
		ID:        row.ID,
		UserID:    row.UserID,
		TokenHash: row.TokenHash,
		ExpiresAt: fromMillis(row.ExpiresAt),
		CreatedAt: fromMillis(row.CreatedAt),
	}
}

// CreatePasswordResetToken stores a new reset token hash.
// A duplicate hash is rejected by the unique index and reported as ErrConflict.
func (r *Repository) CreatePasswordResetToken(ctx context.Context, userID int64, tokenHash string, expiresAt, createdAt time.Time) (*models.PasswordResetToken, error) {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO password_reset_tokens (user_id, token_hash, expires_at, created_at) VALUES (?, ?, ?, ?)`,
		userID, tokenHash, toMillis(expiresAt), toMillis(createdAt))
	if err != nil {
		return nil, wrapError(err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}

	return &models.PasswordResetToken{
		ID:        id,
		UserID:    userID,
		TokenHash: tokenHash,
		ExpiresAt: fromMillis(toMillis(expiresAt)),
		CreatedAt: fromMillis(toMillis(createdAt)),
	}, nil
}

// GetPasswordResetToken retrieves a reset token by hash.
func (r *Repository) GetPasswordResetToken(ctx context.Context, tokenHash string) (*models.PasswordResetToken, error) {
	var row resetTokenRow
	err := r.db.GetContext(ctx, &row,
		`SELECT id, user_id, token_hash, expires_at, created_at FROM password_reset_tokens WHERE token_hash = ?`,
		tokenHash)
	if err != nil {
		return nil, wrapError(err)
	}
	return row.model(), nil
}

// DeletePasswordResetToken deletes a token by hash and reports whether this call removed it.
// Concurrent callers race on the single DELETE; exactly one of them sees true.
func (r *Repository) DeletePasswordResetToken(ctx context.Context, tokenHash string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM password_reset_tokens WHERE token_hash = ?`, tokenHash)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteExpiredPasswordResetTokens deletes tokens that expired before now.
func (r *Repository) DeleteExpiredPasswordResetTokens(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM password_reset_tokens WHERE expires_at < ?`, toMillis(now))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// CountPasswordResetTokens returns the number of stored tokens for a user.
func (r *Repository) CountPasswordResetTokens(ctx context.Context, userID int64) (int64, error) {
	var count int64
	err := r.db.GetContext(ctx, &count, `SELECT count(*) FROM password_reset_tokens WHERE user_id = ?`, userID)
	if err != nil {
		return 0, err
	}
	return count, nil
}
