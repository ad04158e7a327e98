// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"codeberg.org/oliverandrich/kopter/internal/config"
	"codeberg.org/oliverandrich/kopter/internal/server"
	"github.com/urfave/cli/v3"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	cmd := &cli.Command{
		Name:    "app",
		Usage:   "Start the account service",
		Version: fmt.Sprintf("%s (built %s)", Version, BuildTime),
		Flags:   config.Flags(),
		Action:  server.Run,
		Commands: []*cli.Command{
			{
				Name:   "worker",
				Usage:  "Consume the job queues without serving HTTP",
				Action: server.RunWorker,
			},
			{
				Name:  "jobs",
				Usage: "Inspect and replay queued jobs",
				Commands: []*cli.Command{
					{
						Name:   "requeue",
						Usage:  "Move dead jobs back to pending",
						Flags:  jobFlags(),
						Action: server.RequeueJobs,
					},
					{
						Name:   "dead",
						Usage:  "List dead jobs",
						Flags:  jobFlags(),
						Action: server.ListDeadJobs,
					},
					{
						Name:   "stats",
						Usage:  "Count jobs per status",
						Flags:  jobFlags(),
						Action: server.JobStats,
					},
				},
			},
			{
				Name:  "tokens",
				Usage: "Maintain password reset tokens",
				Commands: []*cli.Command{
					{Name: "purge", Usage: "Delete expired reset tokens", Action: server.PurgeResetTokens},
				},
			},
			{
				Name:  "migrate",
				Usage: "Manage the database schema",
				Commands: []*cli.Command{
					{Name: "up", Usage: "Apply pending migrations", Action: server.MigrateUp},
					{Name: "down", Usage: "Roll back the last migration", Action: server.MigrateDown},
					{Name: "reset", Usage: "Roll back all migrations", Action: server.MigrateReset},
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func jobFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "queue",
			Value: config.MailQueue,
			Usage: "Queue name",
		},
		&cli.IntFlag{
			Name:  "limit",
			Value: 100,
			Usage: "Maximum number of jobs",
		},
	}
}
