// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"codeberg.org/oliverandrich/kopter/internal/authgate"
	"codeberg.org/oliverandrich/kopter/internal/config"
	"codeberg.org/oliverandrich/kopter/internal/database"
	"codeberg.org/oliverandrich/kopter/internal/events"
	"codeberg.org/oliverandrich/kopter/internal/i18n"
	"codeberg.org/oliverandrich/kopter/internal/lifecycle"
	"codeberg.org/oliverandrich/kopter/internal/queue"
	"codeberg.org/oliverandrich/kopter/internal/repository"
	"codeberg.org/oliverandrich/kopter/internal/services/auth"
	"codeberg.org/oliverandrich/kopter/internal/services/email"
	"codeberg.org/oliverandrich/kopter/internal/services/reset"
	"codeberg.org/oliverandrich/kopter/internal/services/tokens"
	"github.com/vinovest/sqlx"
)

// App holds every long-lived component. It is assembled once at startup and
// passed down explicitly.
type App struct {
	Config  *config.Config
	DB      *sqlx.DB
	Repo    *repository.Repository
	Catalog *i18n.Catalog
	Bus     *events.Bus
	Queue   *queue.Queue
	Auth    *auth.Service
	Tokens  *tokens.Store
	Resets  *reset.Engine
	Gate    *authgate.Gate
	Mailer  *email.Mailer
}

// NewApp opens the database and wires all services. Any failure here is fatal.
func NewApp(cfg *config.Config) (*App, error) {
	db, err := database.Open(cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	app, err := newApp(cfg, db)
	if err != nil {
		_ = database.Close(db)
		return nil, err
	}
	return app, nil
}

func newApp(cfg *config.Config, db *sqlx.DB) (*App, error) {
	catalog, err := i18n.NewCatalog(cfg.Mail.TemplateDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load message catalog: %w", err)
	}

	gate, err := newGate(&cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("failed to create auth gate: %w", err)
	}

	sender, err := email.NewSender(&cfg.SMTP, slog.Default())
	if err != nil {
		return nil, fmt.Errorf("failed to create mail sender: %w", err)
	}

	repo := repository.New(db)
	bus := events.NewBus(slog.Default())
	q := queue.New(repo, queue.WithEnqueueTimeout(cfg.Queue.EnqueueTimeout))

	authService := auth.NewService(repo, &cfg.Auth, auth.WithPublisher(bus))
	store := tokens.NewStore(repo, tokens.WithTTL(cfg.Auth.ResetTokenTTL))
	resets := reset.New(store, authService, bus, reset.WithTTL(cfg.Auth.ResetTokenTTL))

	if cfg.Mail.ListenersDisabled {
		slog.Warn("mail listeners disabled, lifecycle events will not send mail")
	} else if _, err := lifecycle.Subscribe(bus, q, lifecycle.NewConfig(cfg, catalog)); err != nil {
		return nil, fmt.Errorf("failed to subscribe mail listeners: %w", err)
	}

	return &App{
		Config:  cfg,
		DB:      db,
		Repo:    repo,
		Catalog: catalog,
		Bus:     bus,
		Queue:   q,
		Auth:    authService,
		Tokens:  store,
		Resets:  resets,
		Gate:    gate,
		Mailer:  email.NewMailer(sender, catalog, slog.Default()),
	}, nil
}

// newGate creates the bearer token gate. Without a configured secret a random
// one is generated, so tokens do not survive a restart.
func newGate(cfg *config.AuthConfig) (*authgate.Gate, error) {
	secret := cfg.JWTSecret
	if secret == "" {
		b := make([]byte, authgate.MinSecretLength)
		if _, err := rand.Read(b); err != nil {
			return nil, fmt.Errorf("generate secret: %w", err)
		}
		secret = hex.EncodeToString(b)
		slog.Warn("jwt_secret_generated", "hint", "set JWT_SECRET to keep tokens valid across restarts")
	}

	return authgate.New(secret,
		authgate.WithLifetime(cfg.TokenLifetime),
		authgate.WithLeeway(cfg.TokenLeeway),
		authgate.WithIssuer(cfg.TokenIssuer),
	)
}

// NewWorker returns a queue worker consuming the mail queue.
func (a *App) NewWorker() *queue.Worker {
	qc := a.Config.Queue
	w := queue.NewWorker(a.Repo, queue.WorkerConfig{
		Concurrency:   qc.Concurrency,
		PollInterval:  qc.PollInterval,
		LeaseTTL:      qc.LeaseTTL,
		MaxAttempts:   qc.MaxAttempts,
		RetryBackoff:  qc.RetryBackoff,
		RetryMaxDelay: qc.RetryMaxDelay,
		Logger:        slog.Default(),
	})
	w.Handle(config.MailQueue, a.Mailer.HandleJob)
	return w
}

// Close drains the event bus and closes the database.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if err := a.Bus.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := database.Close(a.DB); err != nil {
		errs = append(errs, fmt.Errorf("close database: %w", err))
	}
	return errors.Join(errs...)
}
