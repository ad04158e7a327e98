// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package queue

import "time"

// Backoff returns the delay before retry number attempt: base doubled per attempt, capped at limit.
func Backoff(attempt int, base, limit time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if limit < base {
		limit = base
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= limit {
			return limit
		}
	}
	return delay
}
