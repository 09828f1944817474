// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backoff

import (
	"context"
	"math/rand/v2"
	"time"
)

// Retry manages exponential backoff state for retry loops.
//
// Example usage:
//
//	r := backoff.NewRetry(10*time.Millisecond, time.Second, 5)
//	for r.Next(ctx) {
//	    if err := openConnection(ctx); err == nil {
//	        return nil
//	    }
//	}
//	return r.Err()
//
// A Retry is not safe for concurrent use.
type Retry struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	jitter      bool

	attempt int
	err     error
	after   func(time.Duration) <-chan time.Time
}

// NewRetry creates a Retry doing at most maxAttempts attempts (0 means
// unlimited) with full-jitter exponential delays between baseDelay and
// maxDelay. Panics if the parameters are invalid (represents a coding error).
func NewRetry(baseDelay, maxDelay time.Duration, maxAttempts int) *Retry {
	if baseDelay <= 0 {
		panic("backoff: baseDelay must be positive")
	}
	if maxDelay < baseDelay {
		panic("backoff: maxDelay cannot be smaller than baseDelay")
	}
	return &Retry{
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		maxAttempts: maxAttempts,
		jitter:      true,
		after:       time.After,
	}
}

// Next waits for the backoff delay (none before the first attempt) and
// reports whether the caller should make another attempt. It returns false
// once the attempt budget is spent or ctx is done; Err tells which.
func (r *Retry) Next(ctx context.Context) bool {
	if r.err != nil {
		return false
	}
	if err := ctx.Err(); err != nil {
		r.err = context.Cause(ctx)
		return false
	}
	if r.maxAttempts > 0 && r.attempt >= r.maxAttempts {
		r.err = ErrAttemptsExhausted
		return false
	}

	if r.attempt > 0 {
		delay := exponential(r.baseDelay, r.maxDelay, r.attempt-1)
		if r.jitter {
			// Full jitter: random_between(0, delay).
			delay = time.Duration(float64(delay) * rand.Float64())
		}
		select {
		case <-r.after(delay):
		case <-ctx.Done():
			r.err = context.Cause(ctx)
			return false
		}
	}

	r.attempt++
	return true
}

// Attempt returns the number of attempts started so far.
func (r *Retry) Attempt() int {
	return r.attempt
}

// Err returns why Next stopped, or nil while attempts remain.
func (r *Retry) Err() error {
	return r.err
}
