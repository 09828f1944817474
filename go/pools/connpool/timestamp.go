// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package connpool

import (
	"sync/atomic"
	"time"
)

var monotonicRoot = time.Now()

// timestamp is a monotonic point in time, stored as a number of
// nanoseconds since the monotonic root. This type is only 8 bytes
// and hence can always be accessed atomically.
type timestamp struct {
	nano atomic.Int64
}

// monotonicNow returns the current monotonic time as a time.Duration.
// time.Since subtracts monotonic readings without considering wall clock.
func monotonicNow() time.Duration {
	return time.Since(monotonicRoot)
}

// update sets this timestamp's value to the current monotonic time.
func (t *timestamp) update() {
	t.nano.Store(int64(monotonicNow()))
}

// elapsed returns how long ago this timestamp was updated.
func (t *timestamp) elapsed() time.Duration {
	return monotonicNow() - time.Duration(t.nano.Load())
}
