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

// Package backoff provides exponential backoff primitives: a context-aware
// Retry for background reconnect loops and a synchronous, bounded Spinner
// for short visibility waits on lock-free data structures.
package backoff

import (
	"math"
	"time"
)

// exponential returns base * 2^attempt, capped at max.
func exponential(base, max time.Duration, attempt int) time.Duration {
	// Shifting more than 62 bits would overflow int64.
	if attempt > 62 {
		attempt = 62
	}
	multiplier := int64(1) << attempt
	if base > 0 && multiplier > math.MaxInt64/int64(base) {
		return max
	}
	d := time.Duration(int64(base) * multiplier)
	if d > max {
		return max
	}
	return d
}
