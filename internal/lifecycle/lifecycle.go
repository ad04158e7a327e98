// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

// Package lifecycle turns account lifecycle events into mail jobs.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"codeberg.org/oliverandrich/kopter/internal/config"
	"codeberg.org/oliverandrich/kopter/internal/events"
	"codeberg.org/oliverandrich/kopter/internal/i18n"
	"codeberg.org/oliverandrich/kopter/internal/models"
	"codeberg.org/oliverandrich/kopter/internal/queue"
	"codeberg.org/oliverandrich/kopter/internal/services/auth"
	"codeberg.org/oliverandrich/kopter/internal/services/email"
	"codeberg.org/oliverandrich/kopter/internal/services/reset"
)

// PasswordChanged is the mail sent after a completed reset.
const PasswordChanged = "password-changed"

// Enqueuer writes jobs to a named queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName string, payload any, opts ...queue.EnqueueOption) (string, error)
}

// Subscriber registers event handlers.
type Subscriber interface {
	Subscribe(name events.Name, handler events.Handler) (events.Subscription, error)
	SubscribeSync(name events.Name, handler events.Handler) (events.Subscription, error)
}

// Config holds everything the listeners need, resolved once at startup.
type Config struct { //nolint:govet // fieldalignment not critical for config structs
	Catalog          *i18n.Catalog
	CustomMailConfig *email.CustomMailConfig
	ConfirmURL       string
	ResetURL         string
	ResetTTL         time.Duration
	Logger           *slog.Logger
}

// NewConfig builds the listener config from the application config.
func NewConfig(cfg *config.Config, catalog *i18n.Catalog) Config {
	var custom *email.CustomMailConfig
	if cfg.Mail.TemplateDir != "" {
		custom = &email.CustomMailConfig{TemplateDir: cfg.Mail.TemplateDir}
	}
	return Config{
		Catalog:          catalog,
		CustomMailConfig: custom,
		ConfirmURL:       cfg.Mail.ConfirmURL,
		ResetURL:         cfg.Mail.ResetURL,
		ResetTTL:         cfg.Auth.ResetTokenTTL,
	}
}

// Listeners enqueue one mail job per handled event.
type Listeners struct {
	enqueuer Enqueuer
	cfg      Config
}

func New(enqueuer Enqueuer, cfg Config) *Listeners {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Listeners{enqueuer: enqueuer, cfg: cfg}
}

// Subscribe registers the mail listeners on bus.
func Subscribe(bus Subscriber, enqueuer Enqueuer, cfg Config) ([]events.Subscription, error) {
	return New(enqueuer, cfg).Subscribe(bus)
}

// Subscribe registers every listener on bus. The confirmation and reset mails
// are enqueued synchronously, so a failed enqueue reaches the caller that
// dispatched the event. The password-changed notice follows a committed
// change and is enqueued in the background.
func (l *Listeners) Subscribe(bus Subscriber) ([]events.Subscription, error) {
	listeners := []struct {
		handler events.Handler
		name    events.Name
		inline  bool
	}{
		{l.OnUserRegistered, events.UserRegistered, true},
		{l.OnPasswordResetRequested, events.PasswordResetRequested, true},
		{l.OnPasswordResetCompleted, events.PasswordResetCompleted, false},
	}

	subs := make([]events.Subscription, 0, len(listeners))
	for _, ln := range listeners {
		subscribe := bus.Subscribe
		if ln.inline {
			subscribe = bus.SubscribeSync
		}
		sub, err := subscribe(ln.name, ln.handler)
		if err != nil {
			return nil, fmt.Errorf("subscribe %s: %w", ln.name, err)
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// OnUserRegistered enqueues the confirmation mail.
func (l *Listeners) OnUserRegistered(ctx context.Context, ev events.Event) error {
	registered, ok := ev.Payload.(*auth.Registered)
	if !ok || registered.User == nil {
		return fmt.Errorf("unexpected %s payload %T", ev.Name, ev.Payload)
	}

	return l.enqueue(ctx, email.ConfirmEmail, registered.User,
		map[string]any{"ConfirmURL": l.cfg.ConfirmURL + registered.ConfirmCode},
		queue.WithDedupeKey(email.ConfirmEmail+":"+strconv.FormatInt(registered.User.ID, 10)),
	)
}

// OnPasswordResetRequested enqueues the mail carrying the reset link.
func (l *Listeners) OnPasswordResetRequested(ctx context.Context, ev events.Event) error {
	requested, ok := ev.Payload.(*reset.Requested)
	if !ok || requested.User == nil || requested.Token == nil {
		return fmt.Errorf("unexpected %s payload %T", ev.Name, ev.Payload)
	}

	return l.enqueue(ctx, email.ResetPassword, requested.User,
		map[string]any{
			"ResetURL":  l.cfg.ResetURL + requested.Token.Token,
			"ExpiresIn": l.cfg.ResetTTL.String(),
		},
		queue.WithDedupeKey(email.ResetPassword+":"+strconv.FormatInt(requested.Token.ID, 10)),
	)
}

// OnPasswordResetCompleted enqueues the notice that the password changed.
func (l *Listeners) OnPasswordResetCompleted(ctx context.Context, ev events.Event) error {
	completed, ok := ev.Payload.(*reset.Completed)
	if !ok || completed.User == nil {
		return fmt.Errorf("unexpected %s payload %T", ev.Name, ev.Payload)
	}

	return l.enqueue(ctx, PasswordChanged, completed.User, nil)
}

func (l *Listeners) enqueue(ctx context.Context, mailName string, user *models.User, data map[string]any, opts ...queue.EnqueueOption) error {
	locale := i18n.GetLocale(ctx)

	job := email.Job{
		User:             email.Recipient{ID: user.ID, Name: user.Name, Email: user.Email},
		MailName:         mailName,
		Recipients:       []string{user.Email},
		CustomMailConfig: l.cfg.CustomMailConfig,
		Locale:           locale,
		Data:             data,
	}
	if l.cfg.Catalog != nil {
		if subject, err := l.cfg.Catalog.Localize(locale, email.SubjectID(mailName), nil); err == nil {
			job.Subject = subject
		}
	}

	id, err := l.enqueuer.Enqueue(ctx, config.MailQueue, job, opts...)
	if err != nil {
		return fmt.Errorf("enqueue %s mail for user %d: %w", mailName, user.ID, err)
	}

	l.cfg.Logger.InfoContext(ctx, "mail_enqueued", "job_id", id, "mail", mailName, "user_id", user.ID)
	return nil
}
