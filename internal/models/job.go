// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package models

import "time"

// JobStatus is the lifecycle state of a queued job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobLeased    JobStatus = "leased"
	JobSucceeded JobStatus = "succeeded"
	JobDead      JobStatus = "dead"
)

// Job is a durable unit of background work on a named queue.
type Job struct { //nolint:govet // fieldalignment not critical for models
	ID             string    `json:"id"`
	Queue          string    `json:"queue"`
	Payload        []byte    `json:"payload"`
	Status         JobStatus `json:"status"`
	AttemptCount   int       `json:"attempt_count"`
	NextAttemptAt  time.Time `json:"next_attempt_at"`
	LeaseOwner     string    `json:"lease_owner,omitempty"`
	LeaseExpiresAt time.Time `json:"lease_expires_at"`
	LastError      string    `json:"last_error,omitempty"`
	DedupeKey      string    `json:"dedupe_key,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}
