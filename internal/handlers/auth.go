// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"codeberg.org/oliverandrich/kopter/internal/authgate"
	"codeberg.org/oliverandrich/kopter/internal/i18n"
	"codeberg.org/oliverandrich/kopter/internal/models"
	"codeberg.org/oliverandrich/kopter/internal/queue"
	"codeberg.org/oliverandrich/kopter/internal/services/auth"
	"codeberg.org/oliverandrich/kopter/internal/services/reset"
	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/labstack/echo/v4"
)

// Credentials is the credential service as seen by the HTTP layer.
type Credentials interface {
	Register(ctx context.Context, params auth.RegisterParams) (*models.User, error)
	Login(ctx context.Context, email, password string) (*models.User, error)
	ConfirmEmail(ctx context.Context, code string) (*models.User, error)
	FindByID(ctx context.Context, id int64) (*models.User, error)
}

// Resets is the password reset engine as seen by the HTTP layer.
type Resets interface {
	Issue(ctx context.Context, email string) (*models.PasswordResetToken, error)
	Consume(ctx context.Context, token, newPassword string) (*models.User, error)
}

// TokenIssuer signs bearer tokens for a subject.
type TokenIssuer interface {
	Issue(subject string) (string, time.Time, error)
}

// AuthHandlers contains handlers for registration, login and password reset.
type AuthHandlers struct {
	credentials Credentials
	resets      Resets
	tokens      TokenIssuer
	catalog     *i18n.Catalog
}

// NewAuth creates a new AuthHandlers instance.
func NewAuth(credentials Credentials, resets Resets, tokens TokenIssuer, catalog *i18n.Catalog) *AuthHandlers {
	return &AuthHandlers{
		credentials: credentials,
		resets:      resets,
		tokens:      tokens,
		catalog:     catalog,
	}
}

// RegisterRequest is the request body for registration.
type RegisterRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Validate will run validation rules
func (r RegisterRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Name, validation.Length(0, 200)),
		validation.Field(&r.Email, validation.Required, validation.Length(3, 254), is.Email),
		validation.Field(&r.Password, validation.Required, validation.Length(1, 128)),
	)
}

// LoginRequest is the request body for login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Validate will run validation rules
func (r LoginRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, is.Email),
		validation.Field(&r.Password, validation.Required),
	)
}

// ForgotPasswordRequest is the request body for requesting a reset link.
type ForgotPasswordRequest struct {
	Email string `json:"email"`
}

// Validate will run validation rules
func (r ForgotPasswordRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, is.Email),
	)
}

// ResetPasswordRequest is the request body for choosing a new password.
type ResetPasswordRequest struct {
	Password string `json:"password"`
}

// Validate will run validation rules
func (r ResetPasswordRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Password, validation.Required, validation.Length(1, 128)),
	)
}

// LoginResponse is returned by a successful login.
type LoginResponse struct {
	ExpiresAt time.Time    `json:"expiresAt"`
	User      *models.User `json:"user"`
	Token     string       `json:"token"`
}

// MessageResponse carries a human readable confirmation.
type MessageResponse struct {
	Message string `json:"message"`
}

const retryAfterSeconds = "5"

// Register creates an account and triggers the confirmation mail.
func (h *AuthHandlers) Register(c echo.Context) error {
	var req RegisterRequest
	if err := c.Bind(&req); err != nil {
		return h.invalidRequest(c)
	}
	req.Email = strings.TrimSpace(req.Email)
	if err := req.Validate(); err != nil {
		return h.validationFailed(c, err)
	}

	user, err := h.credentials.Register(c.Request().Context(), auth.RegisterParams{
		Name:     strings.TrimSpace(req.Name),
		Email:    req.Email,
		Password: req.Password,
	})
	if err == nil {
		return Respond(c, OK(user))
	}

	var pwErr *auth.PasswordValidationError
	switch {
	case errors.Is(err, auth.ErrUserExists):
		return Respond(c, BadRequest(map[string]any{"email": h.t(c, "user_exists")}))
	case errors.Is(err, auth.ErrInvalidEmail):
		return Respond(c, BadRequest(map[string]any{"email": err.Error()}))
	case errors.Is(err, auth.ErrRegistrationClosed):
		return Respond(c, Forbidden(h.t(c, "registration_closed")))
	case errors.As(err, &pwErr):
		return Respond(c, BadRequest(map[string]any{"password": pwErr.Messages()}))
	case retryable(err):
		return h.retryLater(c, err)
	}
	return fmt.Errorf("register: %w", err)
}

// Login verifies credentials and returns a signed bearer token.
func (h *AuthHandlers) Login(c echo.Context) error {
	var req LoginRequest
	if err := c.Bind(&req); err != nil {
		return h.invalidRequest(c)
	}
	req.Email = strings.TrimSpace(req.Email)
	if err := req.Validate(); err != nil {
		return h.validationFailed(c, err)
	}

	user, err := h.credentials.Login(c.Request().Context(), req.Email, req.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		return Respond(c, Unauthorized(h.t(c, "invalid_credentials")))
	}
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}

	token, expiresAt, err := h.tokens.Issue(strconv.FormatInt(user.ID, 10))
	if err != nil {
		return fmt.Errorf("issue bearer token: %w", err)
	}

	return Respond(c, OK(LoginResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		User:      user,
	}))
}

// ForgotPassword issues a reset token. The mail job is enqueued before the
// response; delivery happens in the worker.
func (h *AuthHandlers) ForgotPassword(c echo.Context) error {
	var req ForgotPasswordRequest
	if err := c.Bind(&req); err != nil {
		return h.invalidRequest(c)
	}
	req.Email = strings.TrimSpace(req.Email)
	if err := req.Validate(); err != nil {
		return h.validationFailed(c, err)
	}

	_, err := h.resets.Issue(c.Request().Context(), req.Email)
	if errors.Is(err, reset.ErrUserNotFound) {
		return Respond(c, BadRequest(h.t(c, "user_not_found")))
	}
	if retryable(err) {
		return h.retryLater(c, err)
	}
	if err != nil {
		return fmt.Errorf("issue reset token: %w", err)
	}

	return Respond(c, OK(MessageResponse{Message: h.t(c, "reset_link_sent")}))
}

// ResetPassword consumes a reset token and sets the new password.
func (h *AuthHandlers) ResetPassword(c echo.Context) error {
	var req ResetPasswordRequest
	if err := c.Bind(&req); err != nil {
		return h.invalidRequest(c)
	}
	if err := req.Validate(); err != nil {
		return h.validationFailed(c, err)
	}

	user, err := h.resets.Consume(c.Request().Context(), c.Param("token"), req.Password)
	if err == nil {
		return Respond(c, OK(user))
	}

	var pwErr *auth.PasswordValidationError
	switch {
	case errors.Is(err, reset.ErrInvalidToken):
		return Respond(c, BadRequest(h.t(c, "invalid_token")))
	case errors.Is(err, reset.ErrUserNotFound):
		return Respond(c, BadRequest(h.t(c, "user_not_found")))
	case errors.As(err, &pwErr):
		return Respond(c, BadRequest(map[string]any{"password": pwErr.Messages()}))
	}
	return fmt.Errorf("reset password: %w", err)
}

// ConfirmEmail marks the address of the user owning the code as confirmed.
func (h *AuthHandlers) ConfirmEmail(c echo.Context) error {
	user, err := h.credentials.ConfirmEmail(c.Request().Context(), c.Param("code"))
	if errors.Is(err, auth.ErrInvalidConfirmCode) {
		return Respond(c, BadRequest(h.t(c, "invalid_confirm_code")))
	}
	if err != nil {
		return fmt.Errorf("confirm email: %w", err)
	}
	return Respond(c, OK(user))
}

// Me returns the user identified by the bearer token.
func (h *AuthHandlers) Me(c echo.Context) error {
	subject, ok := authgate.Subject(c)
	if !ok {
		return Respond(c, Unauthorized(h.t(c, "unauthorized")))
	}

	id, err := strconv.ParseInt(subject, 10, 64)
	if err != nil {
		slog.Warn("auth_rejected", "reason", "non_numeric_subject")
		return Respond(c, Unauthorized(h.t(c, "unauthorized")))
	}

	user, err := h.credentials.FindByID(c.Request().Context(), id)
	if errors.Is(err, auth.ErrUserNotFound) {
		return Respond(c, Unauthorized(h.t(c, "unauthorized")))
	}
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}
	return Respond(c, OK(user))
}

// Unauthenticated renders failures of the auth gate middleware.
func (h *AuthHandlers) Unauthenticated(c echo.Context, err error) error {
	slog.Debug("auth_rejected", "error", err)
	return Respond(c, Unauthorized(h.t(c, "unauthorized")))
}

// retryLater answers a failed mail enqueue. Nothing was stored, so the client
// may send the same request again.
func (h *AuthHandlers) retryLater(c echo.Context, err error) error {
	slog.ErrorContext(c.Request().Context(), "mail_enqueue_failed", "path", c.Path(), "error", err)
	c.Response().Header().Set("Retry-After", retryAfterSeconds)
	return Respond(c, ServerError(h.t(c, "try_again")))
}

func retryable(err error) bool {
	var enqueueErr *queue.EnqueueError
	return errors.As(err, &enqueueErr) && enqueueErr.Retryable()
}

func (h *AuthHandlers) invalidRequest(c echo.Context) error {
	return Respond(c, BadRequest(h.t(c, "invalid_request")))
}

// validationFailed renders ozzo field errors as a field to message map.
func (h *AuthHandlers) validationFailed(c echo.Context, err error) error {
	var fields validation.Errors
	if !errors.As(err, &fields) {
		return fmt.Errorf("validate request: %w", err)
	}

	data := make(map[string]any, len(fields))
	for field, fieldErr := range fields {
		data[field] = fieldErr.Error()
	}
	return Respond(c, BadRequest(data))
}

func (h *AuthHandlers) t(c echo.Context, messageID string) string {
	return translate(c, h.catalog, messageID)
}
