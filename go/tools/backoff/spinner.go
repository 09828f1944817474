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
	"errors"
	"runtime"
	"time"
)

// ErrAttemptsExhausted is reported when a Retry or Spinner used its whole
// attempt budget.
var ErrAttemptsExhausted = errors.New("backoff: attempts exhausted")

const (
	// spinYields is the number of initial spins that only yield the processor.
	spinYields = 8

	spinBaseDelay = time.Microsecond
	spinMaxDelay  = time.Millisecond

	// DefaultSpinLimit bounds a Spinner to roughly ten seconds of waiting.
	DefaultSpinLimit = 10_000
)

// Spinner is a bounded busy-wait for a value that another goroutine is
// about to publish. The first spins yield the processor; later spins sleep
// with exponentially growing delays capped at one millisecond.
//
// A Spinner is not a lock: the waiter never blocks the publisher, and the
// wait ends after at most limit spins.
//
// The zero value is ready to use with DefaultSpinLimit.
type Spinner struct {
	limit int
	count int
}

// NewSpinner returns a Spinner that gives up after limit spins.
func NewSpinner(limit int) Spinner {
	return Spinner{limit: limit}
}

// Spin waits once. It returns false without waiting when the spin budget
// has been used up.
func (s *Spinner) Spin() bool {
	limit := s.limit
	if limit <= 0 {
		limit = DefaultSpinLimit
	}
	if s.count >= limit {
		return false
	}

	if s.count < spinYields {
		runtime.Gosched()
	} else {
		time.Sleep(exponential(spinBaseDelay, spinMaxDelay, s.count-spinYields))
	}
	s.count++
	return true
}

// Count returns the number of spins performed.
func (s *Spinner) Count() int {
	return s.count
}
