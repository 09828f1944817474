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

	"github.com/google/uuid"
)

// Pooled wraps a connection with the metadata the pool needs to manage it.
type Pooled[C Connection] struct {
	// next is the next element in the idle stack.
	// This is only accessed while holding the owning pool's mutex.
	next *Pooled[C]

	id uuid.UUID

	// state is written while holding the owning pool's mutex.
	state atomic.Int32

	// generation is the pool's clear generation when this connection was
	// opened. A connection from an older generation is closed on release.
	generation uint64

	// unpooled connections are closed on release instead of being kept.
	unpooled bool

	// tainted marks the connection as unusable regardless of IsHealthy.
	tainted atomic.Bool

	// timeCreated is the monotonic time this connection was opened.
	timeCreated timestamp

	// timeUsed is the monotonic time this connection last became idle.
	timeUsed timestamp

	pool *Pool[C]

	// Conn is the underlying connection.
	Conn C
}

func newPooled[C Connection](pool *Pool[C], conn C, generation uint64, unpooled bool) *Pooled[C] {
	p := &Pooled[C]{
		id:         uuid.New(),
		generation: generation,
		unpooled:   unpooled,
		pool:       pool,
		Conn:       conn,
	}
	p.timeCreated.update()
	p.timeUsed.update()
	p.state.Store(int32(StateInUse))
	return p
}

// ID returns a unique identifier for this connection, for logging.
func (p *Pooled[C]) ID() uuid.UUID {
	return p.id
}

// State returns the connection's lifecycle state.
func (p *Pooled[C]) State() ConnState {
	return ConnState(p.state.Load())
}

// Pool returns the pool that owns this connection.
func (p *Pooled[C]) Pool() *Pool[C] {
	return p.pool
}

// Recycle returns the connection to its pool. Unhealthy connections are
// closed instead.
func (p *Pooled[C]) Recycle() {
	p.pool.Release(p)
}

// Taint marks this connection as unusable and releases it: the physical
// session is closed and its slot freed.
func (p *Pooled[C]) Taint() {
	p.tainted.Store(true)
	p.pool.Release(p)
}

func (p *Pooled[C]) reusable() bool {
	return !p.unpooled && !p.tainted.Load() && p.Conn.IsHealthy()
}

// expired reports whether the connection is older than maxLifetime.
func (p *Pooled[C]) expired(maxLifetime time.Duration) bool {
	return maxLifetime > 0 && p.timeCreated.elapsed() > maxLifetime
}
