// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package repository

import (
	"context"
	"time"

	"codeberg.org/oliverandrich/kopter/internal/models"
)

// CreateUser inserts a new user and fills in the generated fields.
func (r *Repository) CreateUser(ctx context.Context, user *models.User) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO users (name, email, password_hash, email_confirm_code) VALUES (?, ?, ?, ?)`,
		user.Name, user.Email, user.PasswordHash, user.EmailConfirmCode)
	if err != nil {
		return wrapError(err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}

	created, err := r.GetUserByID(ctx, id)
	if err != nil {
		return err
	}
	*user = *created
	return nil
}

// GetUserByID retrieves a user by their ID
func (r *Repository) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	var user models.User
	if err := r.db.GetContext(ctx, &user, `SELECT * FROM users WHERE id = ?`, id); err != nil {
		return nil, wrapError(err)
	}
	return &user, nil
}

// GetUserByEmail retrieves a user by their email address
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	if err := r.db.GetContext(ctx, &user, `SELECT * FROM users WHERE email = ?`, email); err != nil {
		return nil, wrapError(err)
	}
	return &user, nil
}

// UpdateUserPassword replaces a user's password hash in a single statement.
// Returns ErrNotFound when no user has the given ID.
func (r *Repository) UpdateUserPassword(ctx context.Context, id int64, passwordHash string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE users SET password_hash = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		passwordHash, id)
	if err != nil {
		return err
	}
	return requireAffected(result)
}

// DeleteUser removes a user. Returns ErrNotFound when no user has the given ID.
func (r *Repository) DeleteUser(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireAffected(result)
}

// ConfirmUserEmail marks the user owning the confirmation code as confirmed and clears the code.
func (r *Repository) ConfirmUserEmail(ctx context.Context, code string, confirmedAt time.Time) (*models.User, error) {
	var id int64
	err := r.db.GetContext(ctx, &id, `SELECT id FROM users WHERE email_confirm_code = ?`, code)
	if err != nil {
		return nil, wrapError(err)
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE users SET email_confirmed_at = ?, email_confirm_code = NULL, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND email_confirm_code = ?`,
		confirmedAt.UTC().Format(sqliteTimeLayout), id, code)
	if err != nil {
		return nil, err
	}
	if err := requireAffected(result); err != nil {
		return nil, err
	}

	return r.GetUserByID(ctx, id)
}

// CountUsers returns the total number of users
func (r *Repository) CountUsers(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.GetContext(ctx, &count, `SELECT count(*) FROM users`); err != nil {
		return 0, err
	}
	return count, nil
}

// sqliteTimeLayout matches CURRENT_TIMESTAMP so DATETIME columns hold one format.
const sqliteTimeLayout = "2006-01-02 15:04:05"

type rowsAffecter interface {
	RowsAffected() (int64, error)
}

func requireAffected(result rowsAffecter) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
