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

// Package registry maps connection configuration keys to connection pools.
//
// Lookups never lock and never allocate: they scan an append-only array of
// published entries. Creating a pool takes a single registry-wide lock,
// which also guards growth of the array. Once a key has been published it
// keeps resolving to the same pool for the lifetime of the registry.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/multigres/pgconnpool/go/pools/connpool"
	"github.com/multigres/pgconnpool/go/pools/counters"
	"github.com/multigres/pgconnpool/go/tools/backoff"
)

// DefaultInitialCapacity is the number of slots a new registry starts with.
const DefaultInitialCapacity = 10

var (
	// ErrRegistryClosed is returned by GetOrCreate after Shutdown.
	ErrRegistryClosed = errors.New("pool registry is shut down")

	// ErrNilPool is returned by GetOrCreate when the factory returns no pool
	// and no error.
	ErrNilPool = errors.New("pool factory returned a nil pool")
)

// Config holds configuration for a Registry.
type Config struct {
	// InitialCapacity is the starting number of slots. Default: 10.
	InitialCapacity int

	// Counters receives the active pool count. Nil records nothing.
	Counters *counters.Counters

	// Logger for registry operations. Default: slog.Default().
	Logger *slog.Logger
}

// entry is one published (key, pool) pair. key is immutable; pool becomes
// visible shortly after the entry itself, so a reader may briefly observe
// an entry without a pool.
type entry[C connpool.Connection] struct {
	key  string
	pool atomic.Pointer[connpool.Pool[C]]
}

// slots is a snapshot of the lookup array. A new snapshot is published on
// growth; entries are shared between snapshots.
type slots[C connpool.Connection] []atomic.Pointer[entry[C]]

// Registry maps configuration keys to pools.
type Registry[C connpool.Connection] struct {
	logger          *slog.Logger
	counters        *counters.Counters
	initialCapacity int

	// table and count are read without locking. Writers hold mu, write the
	// entry into table, then bump count.
	table atomic.Pointer[slots[C]]
	count atomic.Int32

	// mu serializes writers and guards the fields below.
	mu sync.Mutex
	// pools is the enumeration array used by ClearAll. Unset slots are nil
	// and only ever appear after every set slot.
	pools  []*connpool.Pool[C]
	closed bool
	// retired is the number of leading pools already closed and taken off
	// the active pools counter.
	retired int

	// spinLimit bounds the wait for a pool that is being published.
	spinLimit int

	// afterKeyPublished, if set, runs between publishing a key and its
	// pool. Tests use it to hold an entry in that state.
	afterKeyPublished func()
}

// New creates an empty registry.
func New[C connpool.Connection](config Config) *Registry[C] {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cnt := config.Counters
	if cnt == nil {
		cnt = counters.Disabled()
	}
	initial := config.InitialCapacity
	if initial <= 0 {
		initial = DefaultInitialCapacity
	}

	r := &Registry[C]{
		logger:          logger,
		counters:        cnt,
		initialCapacity: initial,
		spinLimit:       backoff.DefaultSpinLimit,
	}
	r.resetLocked()
	return r
}

func (r *Registry[C]) resetLocked() {
	table := make(slots[C], r.initialCapacity)
	r.table.Store(&table)
	r.count.Store(0)
	r.pools = make([]*connpool.Pool[C], r.initialCapacity)
	r.retired = 0
}

// TryLookup returns the pool registered for key. It never locks, never
// allocates and never waits on writers other than one that is midway
// through publishing the very entry being looked up.
func (r *Registry[C]) TryLookup(key string) (*connpool.Pool[C], bool) {
	// count is loaded before table: every snapshot published after count
	// reached n holds at least n entries.
	n := int(r.count.Load())
	table := *r.table.Load()
	n = min(n, len(table))

	// Callers usually pass the same string they registered with, so try
	// pointer identity first.
	if len(key) > 0 {
		data := unsafe.StringData(key)
		for i := range n {
			e := table[i].Load()
			if len(e.key) == len(key) && unsafe.StringData(e.key) == data {
				return r.poolOf(e), true
			}
		}
	}

	for i := range n {
		e := table[i].Load()
		if e.key == key {
			return r.poolOf(e), true
		}
	}
	return nil, false
}

// poolOf returns the entry's pool, waiting for it to be published if the
// entry was observed between its two writes.
func (r *Registry[C]) poolOf(e *entry[C]) *connpool.Pool[C] {
	if pool := e.pool.Load(); pool != nil {
		return pool
	}
	spinner := backoff.NewSpinner(r.spinLimit)
	for spinner.Spin() {
		if pool := e.pool.Load(); pool != nil {
			return pool
		}
	}
	// The writer holds the registry lock between publishing the key and
	// the pool and does nothing that can fail in between.
	panic(fmt.Sprintf("registry: pool not published %d spins after its key", spinner.Count()))
}

// GetOrCreate returns the pool registered for key, creating it with
// factory if there is none. A factory may return a pool already registered
// under another key to make key an alias for it. Concurrent callers for the same key all get
// the same pool; factory is called at most once per key while the
// registry lock is held. If factory fails nothing is registered and its
// error is returned.
func (r *Registry[C]) GetOrCreate(key string, factory func() (*connpool.Pool[C], error)) (*connpool.Pool[C], error) {
	if pool, ok := r.TryLookup(key); ok {
		return pool, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if pool, ok := r.TryLookup(key); ok {
		r.logger.Debug("pool was registered concurrently", "pool", pool.Name())
		return pool, nil
	}
	if r.closed {
		return nil, ErrRegistryClosed
	}

	pool, err := factory()
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if pool == nil {
		return nil, ErrNilPool
	}

	slot, added := r.publishLocked(key, pool)
	if added {
		r.counters.NumberOfActiveConnectionPools.Increment()
	}
	r.logger.Debug("registered pool", "pool", pool.Name(), "slot", slot, "alias", !added)
	return pool, nil
}

// publishLocked appends (key, pool) and reports whether pool was not yet
// registered under another key. Must be called with mu held.
func (r *Registry[C]) publishLocked(key string, pool *connpool.Pool[C]) (int, bool) {
	n := int(r.count.Load())
	table := r.table.Load()
	if n == len(*table) {
		grown := make(slots[C], 2*len(*table))
		for i := range *table {
			grown[i].Store((*table)[i].Load())
		}
		r.table.Store(&grown)
		table = &grown
		r.logger.Debug("grew pool registry", "capacity", len(grown))
	}

	e := &entry[C]{key: key}
	(*table)[n].Store(e)
	r.count.Store(int32(n + 1))
	if r.afterKeyPublished != nil {
		r.afterKeyPublished()
	}
	e.pool.Store(pool)

	// The enumeration array holds each pool once, even when several keys
	// share it.
	last := 0
	for ; last < len(r.pools) && r.pools[last] != nil; last++ {
		if r.pools[last] == pool {
			return n, false
		}
	}
	if last == len(r.pools) {
		grown := make([]*connpool.Pool[C], 2*len(r.pools))
		copy(grown, r.pools)
		r.pools = grown
	}
	r.pools[last] = pool
	return n, true
}

// Clear clears the pool registered for key, if any. The pool stays
// registered and usable.
func (r *Registry[C]) Clear(key string) error {
	pool, ok := r.TryLookup(key)
	if !ok {
		return nil
	}
	return pool.Clear()
}

// ClearAll clears every registered pool. A failure in one pool does not
// stop the others; all failures are logged and returned joined.
func (r *Registry[C]) ClearAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clearAllLocked()
}

func (r *Registry[C]) clearAllLocked() error {
	var errs []error
	for _, pool := range r.pools {
		if pool == nil {
			break
		}
		if err := pool.Clear(); err != nil {
			errs = append(errs, fmt.Errorf("clear pool %q: %w", pool.Name(), err))
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		r.logger.Warn("failed to clear some connection pools", "error", err)
	}
	return err
}

// closeAllLocked closes every registered pool, which also stops their
// background work, and returns the number of pools. Each pool leaves the
// active pools counter once, however often it is closed. Must be called
// with mu held.
func (r *Registry[C]) closeAllLocked() (int, error) {
	var errs []error
	n := 0
	for ; n < len(r.pools) && r.pools[n] != nil; n++ {
		pool := r.pools[n]
		if err := pool.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pool %q: %w", pool.Name(), err))
		}
		if n >= r.retired {
			r.counters.NumberOfActiveConnectionPools.Decrement()
		}
	}
	r.retired = n
	return n, errors.Join(errs...)
}

// Shutdown clears and closes every pool and rejects further pool creation.
// Pools already handed out reject new Acquire calls; connections still in
// use are closed when released. Shutdown is idempotent.
func (r *Registry[C]) Shutdown() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	clearErr := r.clearAllLocked()
	n, closeErr := r.closeAllLocked()
	r.logger.Info("pool registry shut down", "pools", n)
	return errors.Join(clearErr, closeErr)
}

// ResetForTesting closes every pool and empties the registry. The caller
// must guarantee that nothing else uses the registry concurrently.
func (r *Registry[C]) ResetForTesting() {
	r.mu.Lock()
	defer r.mu.Unlock()

	clearErr := r.clearAllLocked()
	_, closeErr := r.closeAllLocked()
	if err := errors.Join(clearErr, closeErr); err != nil {
		r.logger.Debug("errors while resetting pool registry", "error", err)
	}
	r.resetLocked()
	r.closed = false
}

// Len returns the number of registered pools.
func (r *Registry[C]) Len() int {
	return int(r.count.Load())
}

// Pools returns the registered pools in registration order.
func (r *Registry[C]) Pools() []*connpool.Pool[C] {
	r.mu.Lock()
	defer r.mu.Unlock()
	var pools []*connpool.Pool[C]
	for _, pool := range r.pools {
		if pool == nil {
			break
		}
		pools = append(pools, pool)
	}
	return pools
}

// Stats returns the stats of every registered pool in registration order.
func (r *Registry[C]) Stats() []connpool.Stats {
	pools := r.Pools()
	stats := make([]connpool.Stats, 0, len(pools))
	for _, pool := range pools {
		stats = append(stats, pool.Stats())
	}
	return stats
}
