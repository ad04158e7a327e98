// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os/signal"
	"slices"
	"syscall"

	"codeberg.org/oliverandrich/kopter/internal/config"
	"codeberg.org/oliverandrich/kopter/internal/database"
	"codeberg.org/oliverandrich/kopter/internal/queue"
	"codeberg.org/oliverandrich/kopter/internal/repository"
	"codeberg.org/oliverandrich/kopter/internal/services/tokens"
	"github.com/samber/lo"
	"github.com/urfave/cli/v3"
)

// RunWorker consumes the job queues without serving HTTP.
func RunWorker(ctx context.Context, cmd *cli.Command) error {
	cfg := config.NewFromCLI(cmd)
	setupLogger(cfg.Log.Level, cfg.Log.Format)

	app, err := NewApp(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := app.Close(context.Background()); closeErr != nil {
			slog.Error("failed to close application", "error", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return app.NewWorker().Run(ctx)
}

// RequeueJobs moves dead jobs of a queue back to pending.
func RequeueJobs(ctx context.Context, cmd *cli.Command) error {
	cfg := config.NewFromCLI(cmd)
	setupLogger(cfg.Log.Level, cfg.Log.Format)

	return withQueue(cfg, func(q *queue.Queue) error {
		name := cmd.String("queue")
		n, err := q.RequeueDead(ctx, name, int(cmd.Int("limit")))
		if err != nil {
			return fmt.Errorf("requeue %s: %w", name, err)
		}
		slog.Info("jobs_requeued", "queue", name, "count", n)
		return nil
	})
}

// JobStats prints the number of jobs per status.
func JobStats(ctx context.Context, cmd *cli.Command) error {
	cfg := config.NewFromCLI(cmd)
	setupLogger(cfg.Log.Level, cfg.Log.Format)

	return withQueue(cfg, func(q *queue.Queue) error {
		name := cmd.String("queue")
		stats, err := q.Stats(ctx, name)
		if err != nil {
			return fmt.Errorf("stats %s: %w", name, err)
		}

		statuses := lo.Keys(stats)
		slices.Sort(statuses)
		for _, status := range statuses {
			fmt.Fprintf(cmd.Root().Writer, "%-10s %d\n", status, stats[status])
		}
		return nil
	})
}

// ListDeadJobs prints dead jobs with their last error.
func ListDeadJobs(ctx context.Context, cmd *cli.Command) error {
	cfg := config.NewFromCLI(cmd)
	setupLogger(cfg.Log.Level, cfg.Log.Format)

	return withQueue(cfg, func(q *queue.Queue) error {
		jobs, err := q.Dead(ctx, cmd.String("queue"), int(cmd.Int("limit")))
		if err != nil {
			return err
		}
		for _, job := range jobs {
			fmt.Fprintf(cmd.Root().Writer, "%s\t%d\t%s\n", job.ID, job.AttemptCount, job.LastError)
		}
		return nil
	})
}

func withQueue(cfg *config.Config, fn func(*queue.Queue) error) error {
	db, err := database.Open(cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		_ = database.Close(db)
	}()

	return fn(queue.New(repository.New(db)))
}

// PurgeResetTokens deletes expired password reset tokens. Expired tokens are
// otherwise only removed when someone presents them.
func PurgeResetTokens(ctx context.Context, cmd *cli.Command) error {
	cfg := config.NewFromCLI(cmd)
	setupLogger(cfg.Log.Level, cfg.Log.Format)

	db, err := database.Open(cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		_ = database.Close(db)
	}()

	n, err := tokens.NewStore(repository.New(db)).DeleteExpired(ctx)
	if err != nil {
		return fmt.Errorf("purge reset tokens: %w", err)
	}
	slog.Info("reset_tokens_purged", "count", n)
	return nil
}

// MigrateDown rolls back the most recent migration.
func MigrateDown(_ context.Context, cmd *cli.Command) error {
	return migrate(cmd, "down", database.MigrateDown)
}

// MigrateReset rolls back every migration.
func MigrateReset(_ context.Context, cmd *cli.Command) error {
	return migrate(cmd, "reset", database.MigrateReset)
}

// MigrateUp applies all pending migrations.
func MigrateUp(_ context.Context, cmd *cli.Command) error {
	return migrate(cmd, "up", database.RunMigrations)
}

func migrate(cmd *cli.Command, direction string, fn func(db *sql.DB) error) error {
	cfg := config.NewFromCLI(cmd)
	setupLogger(cfg.Log.Level, cfg.Log.Format)

	db, err := database.Connect(cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		_ = database.Close(db)
	}()

	if err := fn(db.DB); err != nil {
		return fmt.Errorf("migrate %s: %w", direction, err)
	}
	slog.Info("migrations_applied", "direction", direction)
	return nil
}
