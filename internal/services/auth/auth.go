// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

// Package auth is the credential service: lookups, password hashing and
// verification, registration and email confirmation.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"codeberg.org/oliverandrich/kopter/internal/config"
	"codeberg.org/oliverandrich/kopter/internal/events"
	"codeberg.org/oliverandrich/kopter/internal/models"
	"codeberg.org/oliverandrich/kopter/internal/repository"
	"codeberg.org/oliverandrich/kopter/internal/services/tokens"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUserExists         = errors.New("user already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserNotFound       = errors.New("user not found")
	ErrRegistrationClosed = errors.New("registration is closed")
	ErrInvalidEmail       = errors.New("invalid email format")
	ErrInvalidConfirmCode = errors.New("invalid confirmation code")
)

// dummyHash is used for constant-time login to prevent timing attacks
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("dummy-password-for-timing"), bcrypt.DefaultCost)

// Publisher is the event bus side used by the service.
type Publisher interface {
	Publish(ctx context.Context, name events.Name, payload any)
}

// Dispatcher is a Publisher that reports failed synchronous handlers, such as
// the mail enqueue. When the publisher implements it, a failed handler fails
// the operation that raised the event.
type Dispatcher interface {
	Dispatch(ctx context.Context, name events.Name, payload any) error
}

// Registered is the payload of events.UserRegistered.
type Registered struct {
	User        *models.User
	ConfirmCode string
}

type Service struct {
	repo              *repository.Repository
	config            *config.AuthConfig
	publisher         Publisher
	passwordValidator *PasswordValidator
	now               func() time.Time
	cost              int
}

type Option func(*Service)

// WithPublisher sets the bus that receives lifecycle events.
func WithPublisher(p Publisher) Option {
	return func(s *Service) {
		s.publisher = p
	}
}

// WithBcryptCost overrides bcrypt.DefaultCost.
func WithBcryptCost(cost int) Option {
	return func(s *Service) {
		s.cost = cost
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

func NewService(repo *repository.Repository, cfg *config.AuthConfig, opts ...Option) *Service {
	s := &Service{
		repo:              repo,
		config:            cfg,
		passwordValidator: DefaultPasswordValidator(),
		now:               time.Now,
		cost:              bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PasswordValidator returns the password validator for use in handlers
func (s *Service) PasswordValidator() *PasswordValidator {
	return s.passwordValidator
}

// FindByEmail returns the user with the given email address.
func (s *Service) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	user, err := s.repo.GetUserByEmail(ctx, normalizeEmail(email))
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// FindByID returns the user with the given id.
func (s *Service) FindByID(ctx context.Context, id int64) (*models.User, error) {
	user, err := s.repo.GetUserByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// VerifyPassword reports whether candidate matches the user's stored hash.
func (s *Service) VerifyPassword(user *models.User, candidate string) bool {
	if user == nil {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(candidate)) == nil
}

// ValidatePassword checks plaintext against the password policy for user.
func (s *Service) ValidatePassword(user *models.User, plaintext string) error {
	var attrs []string
	if user != nil {
		attrs = append(attrs, user.Email)
	}
	return s.passwordValidator.Validate(plaintext, attrs...)
}

// SetPassword stores a new password on the user row. Nothing else on the user
// changes. A bcrypt hash is stored as given; anything else must pass the
// password policy and is hashed first. The policy rejects hash shaped input,
// so a password taken from a request is never mistaken for a hash.
func (s *Service) SetPassword(ctx context.Context, id int64, password string) (*models.User, error) {
	user, err := s.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	hash := password
	if !isBcryptHash(password) {
		if err := s.ValidatePassword(user, password); err != nil {
			return nil, err
		}
		if hash, err = s.hash(password); err != nil {
			return nil, err
		}
	}

	if err := s.repo.UpdateUserPassword(ctx, id, hash); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to update password: %w", err)
	}

	user.PasswordHash = hash
	return user, nil
}

// RegisterParams holds the parameters for user registration
type RegisterParams struct {
	Name     string
	Email    string
	Password string
}

// Register creates a new user account and publishes events.UserRegistered.
func (s *Service) Register(ctx context.Context, params RegisterParams) (*models.User, error) {
	email := normalizeEmail(params.Email)
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, ErrInvalidEmail
	}

	if !s.config.IsRegistrationEnabled() {
		return nil, ErrRegistrationClosed
	}

	if err := s.passwordValidator.Validate(params.Password, email); err != nil {
		return nil, err
	}

	_, err := s.repo.GetUserByEmail(ctx, email)
	if err == nil {
		return nil, ErrUserExists
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("failed to check existing user: %w", err)
	}

	passwordHash, err := s.hash(params.Password)
	if err != nil {
		return nil, err
	}

	code, codeHash, err := tokens.Generate()
	if err != nil {
		return nil, err
	}

	user := &models.User{
		Name:             strings.TrimSpace(params.Name),
		Email:            email,
		PasswordHash:     passwordHash,
		EmailConfirmCode: &codeHash,
	}

	if err := s.repo.CreateUser(ctx, user); err != nil {
		// Lost a race against a concurrent registration
		if errors.Is(err, repository.ErrConflict) {
			return nil, ErrUserExists
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	if err := s.dispatch(ctx, events.UserRegistered, &Registered{User: user, ConfirmCode: code}); err != nil {
		// Remove the account so the client can register again
		if delErr := s.repo.DeleteUser(context.WithoutCancel(ctx), user.ID); delErr != nil {
			slog.ErrorContext(ctx, "register_rollback_failed", "user_id", user.ID, "error", delErr)
		}
		slog.WarnContext(ctx, "register_failed", "email", email, "error", err)
		return nil, fmt.Errorf("failed to announce registration: %w", err)
	}

	slog.InfoContext(ctx, "register_success", "user_id", user.ID, "email", email)
	return user, nil
}

// Login authenticates a user and returns the user if successful
func (s *Service) Login(ctx context.Context, email, password string) (*models.User, error) {
	user, err := s.repo.GetUserByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Constant-time: always perform bcrypt comparison to prevent timing attacks
			_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
			slog.WarnContext(ctx, "login_failed", "email", email, "reason", "user_not_found")
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	if !s.VerifyPassword(user, password) {
		slog.WarnContext(ctx, "login_failed", "email", email, "reason", "invalid_password")
		return nil, ErrInvalidCredentials
	}

	slog.InfoContext(ctx, "login_success", "user_id", user.ID, "email", user.Email)
	return user, nil
}

// ConfirmEmail marks the owner of the confirmation code as confirmed. Codes are single use.
func (s *Service) ConfirmEmail(ctx context.Context, code string) (*models.User, error) {
	if strings.TrimSpace(code) == "" {
		return nil, ErrInvalidConfirmCode
	}

	user, err := s.repo.ConfirmUserEmail(ctx, tokens.Hash(code), s.now())
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrInvalidConfirmCode
	}
	if err != nil {
		return nil, fmt.Errorf("failed to confirm email: %w", err)
	}

	slog.InfoContext(ctx, "email_confirmed", "user_id", user.ID)
	return user, nil
}

func (s *Service) hash(plaintext string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), s.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

func (s *Service) dispatch(ctx context.Context, name events.Name, payload any) error {
	switch p := s.publisher.(type) {
	case nil:
		return nil
	case Dispatcher:
		return p.Dispatch(ctx, name, payload)
	default:
		p.Publish(ctx, name, payload)
		return nil
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
