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

// ConnState is the lifecycle state of a pooled connection.
type ConnState int32

const (
	// StateClosed is terminal: the physical session has been closed and the
	// connection never returns to a pool.
	StateClosed ConnState = iota
	// StateIdle means the connection sits in the pool's idle set.
	StateIdle
	// StateInUse means the connection has been handed out by Acquire.
	StateInUse
)

func (s ConnState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateIdle:
		return "idle"
	case StateInUse:
		return "in_use"
	default:
		return "unknown"
	}
}
