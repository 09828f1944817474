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

package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/multigres/pgconnpool/go/pools/connpool"
	"github.com/multigres/pgconnpool/go/pools/counters"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeConn struct {
	closed   atomic.Bool
	closeErr error
}

func (c *fakeConn) IsHealthy() bool { return !c.closed.Load() }

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return c.closeErr
}

type testPool = connpool.Pool[*fakeConn]

// poolFactory returns a factory creating pools named after key whose
// connections fail to close with closeErr.
func poolFactory(key string, closeErr error) func() (*testPool, error) {
	return func() (*testPool, error) {
		return connpool.NewPool(context.Background(), connpool.Config{Name: key, MaxSize: 4},
			func(ctx context.Context) (*fakeConn, error) {
				return &fakeConn{closeErr: closeErr}, nil
			})
	}
}

func newTestRegistry(t *testing.T) *Registry[*fakeConn] {
	t.Helper()
	r := New[*fakeConn](Config{})
	t.Cleanup(func() {
		_ = r.Shutdown()
	})
	return r
}

// idleConn acquires and releases a connection so the pool holds an idle one.
func idleConn(t *testing.T, pool *testPool) *connpool.Pooled[*fakeConn] {
	t.Helper()
	conn, err := pool.Acquire(t.Context(), time.Second)
	require.NoError(t, err)
	pool.Release(conn)
	return conn
}

func TestRegistryLookup(t *testing.T) {
	r := newTestRegistry(t)

	// 1. Miss on an empty registry
	pool, ok := r.TryLookup("host=a")
	assert.False(t, ok)
	assert.Nil(t, pool)

	// 2. Hit after creation
	created, err := r.GetOrCreate("host=a", poolFactory("host=a", nil))
	require.NoError(t, err)

	pool, ok = r.TryLookup("host=a")
	require.True(t, ok)
	assert.Same(t, created, pool)

	// 3. Equal keys with distinct backing storage resolve to the same pool
	pool, ok = r.TryLookup(strings.Clone("host=a"))
	require.True(t, ok)
	assert.Same(t, created, pool)

	// 4. Other keys still miss
	_, ok = r.TryLookup("host=b")
	assert.False(t, ok)
	_, ok = r.TryLookup("")
	assert.False(t, ok)
}

func TestRegistryEmptyKey(t *testing.T) {
	r := newTestRegistry(t)

	created, err := r.GetOrCreate("", poolFactory("default", nil))
	require.NoError(t, err)

	pool, ok := r.TryLookup("")
	require.True(t, ok)
	assert.Same(t, created, pool)
}

func TestRegistrySinglePoolPerKey(t *testing.T) {
	r := newTestRegistry(t)

	var calls atomic.Int32
	factory := func() (*testPool, error) {
		calls.Add(1)
		return poolFactory("shared", nil)()
	}

	const goroutines = 50
	results := make([]*testPool, goroutines)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := range goroutines {
		wg.Go(func() {
			<-start
			pool, err := r.GetOrCreate(strings.Clone("host=shared"), factory)
			assert.NoError(t, err)
			results[i] = pool
		})
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, r.Len())
	for _, pool := range results {
		assert.Same(t, results[0], pool)
	}
}

func TestRegistryGrowth(t *testing.T) {
	r := newTestRegistry(t)

	const keys = 3*DefaultInitialCapacity + 5
	created := make(map[string]*testPool, keys)
	for i := range keys {
		key := fmt.Sprintf("host=db%d", i)
		pool, err := r.GetOrCreate(key, poolFactory(key, nil))
		require.NoError(t, err)
		created[key] = pool

		// Everything registered so far is still found, unchanged
		for k, want := range created {
			got, ok := r.TryLookup(k)
			require.True(t, ok, "key %s lost after registering %d keys", k, i+1)
			require.Same(t, want, got)
		}
	}

	assert.Equal(t, keys, r.Len())
	assert.Len(t, r.Pools(), keys)
	assert.GreaterOrEqual(t, len(*r.table.Load()), keys)
}

func TestRegistryLookupDuringGrowth(t *testing.T) {
	r := newTestRegistry(t)

	first, err := r.GetOrCreate("host=first", poolFactory("first", nil))
	require.NoError(t, err)

	stop := make(chan struct{})
	var readers sync.WaitGroup
	for range 4 {
		readers.Go(func() {
			for {
				select {
				case <-stop:
					return
				default:
				}
				pool, ok := r.TryLookup("host=first")
				if !ok || pool != first {
					t.Errorf("lookup returned %p, %v during growth", pool, ok)
					return
				}
			}
		})
	}

	for i := range 100 {
		key := fmt.Sprintf("host=grow%d", i)
		_, err := r.GetOrCreate(key, poolFactory(key, nil))
		require.NoError(t, err)
	}
	close(stop)
	readers.Wait()
}

func TestRegistryAlias(t *testing.T) {
	cnt, err := counters.New(nil, counters.Options{Enabled: true}, nil)
	require.NoError(t, err)
	r := New[*fakeConn](Config{Counters: cnt})
	t.Cleanup(func() { _ = r.Shutdown() })

	pool, err := r.GetOrCreate("dbname=app host=a", poolFactory("app", nil))
	require.NoError(t, err)
	alias, err := r.GetOrCreate("host=a dbname=app", func() (*testPool, error) {
		return pool, nil
	})
	require.NoError(t, err)
	assert.Same(t, pool, alias)

	assert.Equal(t, 2, r.Len())
	assert.Len(t, r.Pools(), 1)
	assert.Equal(t, int64(1), cnt.NumberOfActiveConnectionPools.Value())

	require.NoError(t, r.Shutdown())
	assert.Equal(t, int64(0), cnt.NumberOfActiveConnectionPools.Value())
}

func TestRegistryFactoryError(t *testing.T) {
	r := newTestRegistry(t)

	factoryErr := errors.New("bad descriptor")
	_, err := r.GetOrCreate("host=a", func() (*testPool, error) {
		return nil, factoryErr
	})
	require.ErrorIs(t, err, factoryErr)
	assert.Equal(t, 0, r.Len())

	_, ok := r.TryLookup("host=a")
	assert.False(t, ok)

	_, err = r.GetOrCreate("host=a", func() (*testPool, error) {
		return nil, nil
	})
	require.ErrorIs(t, err, ErrNilPool)

	// A later attempt can still succeed
	pool, err := r.GetOrCreate("host=a", poolFactory("host=a", nil))
	require.NoError(t, err)
	assert.NotNil(t, pool)
}

// TestRegistryTornEntry holds a writer between publishing a key and its
// pool and checks that a reader waits for the pool instead of missing.
func TestRegistryTornEntry(t *testing.T) {
	r := newTestRegistry(t)

	published := make(chan struct{})
	release := make(chan struct{})
	r.afterKeyPublished = func() {
		close(published)
		<-release
	}

	created := make(chan *testPool, 1)
	go func() {
		pool, err := r.GetOrCreate("host=torn", poolFactory("torn", nil))
		assert.NoError(t, err)
		created <- pool
	}()
	<-published

	found := make(chan *testPool, 1)
	go func() {
		pool, ok := r.TryLookup("host=torn")
		assert.True(t, ok)
		found <- pool
	}()

	select {
	case <-found:
		t.Fatal("lookup returned before the pool was published")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	want := <-created
	assert.Same(t, want, <-found)
}

func TestRegistryTornEntryPanicsWhenNeverPublished(t *testing.T) {
	r := newTestRegistry(t)
	r.spinLimit = 3

	published := make(chan struct{})
	release := make(chan struct{})
	r.afterKeyPublished = func() {
		close(published)
		<-release
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := r.GetOrCreate("host=stuck", poolFactory("stuck", nil))
		assert.NoError(t, err)
	}()
	<-published

	assert.Panics(t, func() {
		r.TryLookup("host=stuck")
	})

	close(release)
	<-done
}

func TestRegistryClear(t *testing.T) {
	r := newTestRegistry(t)

	a, err := r.GetOrCreate("host=a", poolFactory("a", nil))
	require.NoError(t, err)
	b, err := r.GetOrCreate("host=b", poolFactory("b", nil))
	require.NoError(t, err)

	connA := idleConn(t, a)
	connB := idleConn(t, b)

	require.NoError(t, r.Clear("host=a"))
	assert.True(t, connA.Conn.closed.Load())
	assert.False(t, connB.Conn.closed.Load())

	// Unknown keys are a no-op
	require.NoError(t, r.Clear("host=unknown"))

	// The pool stays registered
	pool, ok := r.TryLookup("host=a")
	require.True(t, ok)
	assert.Same(t, a, pool)
}

func TestRegistryClearAll(t *testing.T) {
	r := newTestRegistry(t)

	var conns []*connpool.Pooled[*fakeConn]
	for i := range 3 {
		key := fmt.Sprintf("host=%d", i)
		pool, err := r.GetOrCreate(key, poolFactory(key, nil))
		require.NoError(t, err)
		conns = append(conns, idleConn(t, pool))
	}

	require.NoError(t, r.ClearAll())
	for _, conn := range conns {
		assert.True(t, conn.Conn.closed.Load())
	}

	// Idempotent
	require.NoError(t, r.ClearAll())
	assert.Equal(t, 3, r.Len())
	for _, s := range r.Stats() {
		assert.Equal(t, 0, s.Open)
		assert.Equal(t, int64(1), s.HardDisconnects)
	}

	// Pools remain usable
	pool, ok := r.TryLookup("host=0")
	require.True(t, ok)
	idleConn(t, pool)
	assert.Equal(t, 1, pool.Stats().Idle)
}

func TestRegistryClearAllContinuesAfterFailure(t *testing.T) {
	r := newTestRegistry(t)

	closeErr := errors.New("close failed")
	failing, err := r.GetOrCreate("host=failing", poolFactory("failing", closeErr))
	require.NoError(t, err)
	healthy, err := r.GetOrCreate("host=healthy", poolFactory("healthy", nil))
	require.NoError(t, err)

	idleConn(t, failing)
	conn := idleConn(t, healthy)

	err = r.ClearAll()
	require.ErrorIs(t, err, closeErr)
	assert.Contains(t, err.Error(), "failing")
	assert.True(t, conn.Conn.closed.Load())
	assert.Equal(t, 0, healthy.Stats().Open)
}

func TestRegistryShutdown(t *testing.T) {
	cnt, err := counters.New(nil, counters.Options{Enabled: true}, nil)
	require.NoError(t, err)
	r := New[*fakeConn](Config{Counters: cnt})

	pool, err := r.GetOrCreate("host=a", poolFactory("a", nil))
	require.NoError(t, err)
	conn := idleConn(t, pool)
	assert.Equal(t, int64(1), cnt.NumberOfActiveConnectionPools.Value())

	require.NoError(t, r.Shutdown())
	assert.True(t, conn.Conn.closed.Load())
	assert.Equal(t, int64(0), cnt.NumberOfActiveConnectionPools.Value())

	_, err = pool.Acquire(t.Context(), time.Second)
	require.ErrorIs(t, err, connpool.ErrPoolClosed)

	_, err = r.GetOrCreate("host=b", poolFactory("b", nil))
	require.ErrorIs(t, err, ErrRegistryClosed)

	// Existing keys still resolve
	got, err := r.GetOrCreate("host=a", poolFactory("a", nil))
	require.NoError(t, err)
	assert.Same(t, pool, got)

	// Idempotent
	require.NoError(t, r.Shutdown())
	assert.Equal(t, int64(0), cnt.NumberOfActiveConnectionPools.Value())
}

func TestRegistryResetAfterShutdown(t *testing.T) {
	cnt, err := counters.New(nil, counters.Options{Enabled: true}, nil)
	require.NoError(t, err)
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	r := New[*fakeConn](Config{Counters: cnt, Logger: logger})

	pool, err := r.GetOrCreate("host=a", poolFactory("a", nil))
	require.NoError(t, err)
	_, err = r.GetOrCreate("host=a port=5432", func() (*testPool, error) { return pool, nil })
	require.NoError(t, err)
	assert.Equal(t, int64(1), cnt.NumberOfActiveConnectionPools.Value())

	require.NoError(t, r.Shutdown())
	assert.Equal(t, int64(0), cnt.NumberOfActiveConnectionPools.Value())
	// Aliases are not counted as pools.
	assert.Contains(t, logs.String(), "pools=1")

	r.ResetForTesting()
	assert.Equal(t, int64(0), cnt.NumberOfActiveConnectionPools.Value())

	_, err = r.GetOrCreate("host=b", poolFactory("b", nil))
	require.NoError(t, err)
	assert.Equal(t, int64(1), cnt.NumberOfActiveConnectionPools.Value())

	r.ResetForTesting()
	r.ResetForTesting()
	assert.Equal(t, int64(0), cnt.NumberOfActiveConnectionPools.Value())
	require.NoError(t, r.Shutdown())
	assert.Equal(t, int64(0), cnt.NumberOfActiveConnectionPools.Value())
}

func TestRegistryResetForTesting(t *testing.T) {
	r := newTestRegistry(t)

	var old []*testPool
	for i := range DefaultInitialCapacity + 2 {
		key := fmt.Sprintf("host=%d", i)
		pool, err := r.GetOrCreate(key, poolFactory(key, nil))
		require.NoError(t, err)
		old = append(old, pool)
	}

	r.ResetForTesting()

	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.Pools())
	assert.Len(t, *r.table.Load(), DefaultInitialCapacity)
	_, ok := r.TryLookup("host=0")
	assert.False(t, ok)

	for _, pool := range old {
		_, err := pool.Acquire(t.Context(), time.Second)
		assert.ErrorIs(t, err, connpool.ErrPoolClosed)
	}

	fresh, err := r.GetOrCreate("host=0", poolFactory("host=0", nil))
	require.NoError(t, err)
	assert.NotSame(t, old[0], fresh)
}

func TestRegistryCustomInitialCapacity(t *testing.T) {
	r := New[*fakeConn](Config{InitialCapacity: 1})
	t.Cleanup(func() { _ = r.Shutdown() })

	for i := range 5 {
		key := fmt.Sprintf("host=%d", i)
		_, err := r.GetOrCreate(key, poolFactory(key, nil))
		require.NoError(t, err)
	}
	assert.Len(t, *r.table.Load(), 8)
	assert.Len(t, r.Stats(), 5)
}
