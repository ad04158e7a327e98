// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package queue

import (
	"errors"
	"fmt"
)

// ErrEnqueue marks a failure to persist a job. The caller may retry.
var ErrEnqueue = errors.New("enqueue failed")

// EnqueueError reports a failed enqueue on a named queue.
type EnqueueError struct {
	Err   error
	Queue string
}

func (e *EnqueueError) Error() string {
	return fmt.Sprintf("enqueue on %s: %v", e.Queue, e.Err)
}

func (e *EnqueueError) Unwrap() []error {
	return []error{ErrEnqueue, e.Err}
}

// Retryable reports whether trying again may succeed.
func (e *EnqueueError) Retryable() bool {
	return true
}

type permanentError struct {
	err error
}

func (e permanentError) Error() string {
	if e.err == nil {
		return "permanent failure"
	}
	return e.err.Error()
}

func (e permanentError) Unwrap() error {
	return e.err
}

// Permanent marks a handler error as non-retryable. The job goes straight to the dead-letter state.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var target permanentError
	return errors.As(err, &target)
}
