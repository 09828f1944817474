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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/multigres/pgconnpool/go/pools/counters"
	"github.com/multigres/pgconnpool/go/tools/backoff"
)

const (
	// DefaultMaxSize is used when Config.MaxSize is not set.
	DefaultMaxSize = 100

	// DefaultAcquireTimeout is used when neither Acquire nor Config set one.
	DefaultAcquireTimeout = 15 * time.Second

	fillBaseDelay = 10 * time.Millisecond
	fillMaxDelay  = time.Second
	fillAttempts  = 5
)

// Config holds configuration for a connection pool.
type Config struct {
	// Name identifies the pool in logs and metrics.
	Name string

	// MinSize is the number of connections the pool keeps open. The pool
	// warms up to MinSize in the background and refills after connections
	// are discarded.
	MinSize int

	// MaxSize bounds idle plus in-use connections. Default: 100.
	MaxSize int

	// AcquireTimeout is how long Acquire waits for a connection when the
	// pool is at capacity and the caller passed no timeout. Default: 15s.
	AcquireTimeout time.Duration

	// IdleTimeout closes connections that stayed idle longer than this,
	// never going below MinSize. Zero disables idle pruning.
	IdleTimeout time.Duration

	// MaxLifetime closes connections older than this when they are
	// released, instead of keeping them. Zero keeps connections forever.
	MaxLifetime time.Duration

	// PruneInterval is how often idle connections are checked.
	// Default: IdleTimeout / 10.
	PruneInterval time.Duration

	// Unpooled makes every Acquire open a new physical connection and every
	// Release close it.
	Unpooled bool

	// Counters receives lifecycle events. Nil records nothing.
	Counters *counters.Counters

	// ConnectionCount tracks idle/used connections by pool name.
	ConnectionCount ConnectionCount

	// Logger for pool operations. Default: slog.Default().
	Logger *slog.Logger
}

// Pool is a bounded set of physical connections for one configuration.
//
// Invariant, at every instant while holding mu:
//
//	idle.Len() + inUse + opening == open <= MaxSize
//
// where opening counts slots reserved by in-flight hard connects.
type Pool[C Connection] struct {
	config   Config
	name     string
	connect  Connector[C]
	logger   *slog.Logger
	counters *counters.Counters

	connCount ConnectionCount

	// mu protects everything below up to closeChan, and the state of every
	// connection owned by the pool.
	mu         sync.Mutex
	idle       connStack[C]
	wait       waitlist[C]
	open       int
	inUse      int
	opening    int
	generation uint64
	closed     bool
	closeChan  chan struct{}

	// ctx is cancelled on Close and bounds background work.
	ctx     context.Context
	cancel  context.CancelFunc
	bg      sync.WaitGroup
	filling atomic.Bool

	unpooledOpen atomic.Int64

	stats struct {
		hardConnects    atomic.Int64
		hardDisconnects atomic.Int64
		softConnects    atomic.Int64
		softDisconnects atomic.Int64
		waits           atomic.Int64
		exhausted       atomic.Int64
	}
}

// NewPool creates a pool that opens connections with connect. If MinSize is
// positive the pool starts warming up in the background, and if IdleTimeout
// is positive a background pruner is started; both stop on Close or when
// ctx is cancelled.
func NewPool[C Connection](ctx context.Context, config Config, connect Connector[C]) (*Pool[C], error) {
	if config.MaxSize <= 0 {
		config.MaxSize = DefaultMaxSize
	}
	if config.MinSize < 0 || config.MinSize > config.MaxSize {
		return nil, fmt.Errorf("%w: min size %d must be between 0 and max size %d", ErrInvalidConfig, config.MinSize, config.MaxSize)
	}
	if config.AcquireTimeout <= 0 {
		config.AcquireTimeout = DefaultAcquireTimeout
	}
	if config.IdleTimeout > 0 && config.PruneInterval <= 0 {
		config.PruneInterval = config.IdleTimeout / 10
	}
	if connect == nil {
		return nil, fmt.Errorf("%w: nil connector", ErrInvalidConfig)
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cnt := config.Counters
	if cnt == nil {
		cnt = counters.Disabled()
	}

	poolCtx, cancel := context.WithCancel(ctx)
	p := &Pool[C]{
		config:    config,
		name:      config.Name,
		connect:   connect,
		logger:    logger.With("pool", config.Name),
		counters:  cnt,
		connCount: config.ConnectionCount,
		closeChan: make(chan struct{}),
		ctx:       poolCtx,
		cancel:    cancel,
	}
	p.wait.init()

	if config.IdleTimeout > 0 && !config.Unpooled {
		p.bg.Add(1)
		go p.idlePruner(config.PruneInterval)
	}
	if config.MinSize > 0 && !config.Unpooled {
		p.maybeFill()
	}
	return p, nil
}

// Name returns the pool name.
func (p *Pool[C]) Name() string {
	return p.name
}

// Config returns the pool configuration with defaults applied.
func (p *Pool[C]) Config() Config {
	return p.config
}

// Acquire returns a connection for exclusive use by the caller, who must
// hand it back with Release (or Pooled.Recycle).
//
// The most recently released idle connection is preferred. Without an
// idle connection a new one is opened if the pool is below MaxSize.
// Otherwise Acquire waits for a release up to timeout (the configured
// AcquireTimeout if timeout <= 0) and then fails with ErrPoolExhausted.
// If ctx is done first it fails with ErrCancelled. Neither failure changes
// the pool's counts.
func (p *Pool[C]) Acquire(ctx context.Context, timeout time.Duration) (*Pooled[C], error) {
	if timeout <= 0 {
		timeout = p.config.AcquireTimeout
	}
	if p.config.Unpooled {
		return p.acquireUnpooled(ctx)
	}

	var stale []*Pooled[C]
	defer func() {
		for _, conn := range stale {
			p.closeConn(conn, true)
		}
	}()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	for {
		conn, ok := p.idle.Pop()
		if !ok {
			break
		}
		if !conn.reusable() {
			// The session broke while idle.
			conn.state.Store(int32(StateClosed))
			p.open--
			stale = append(stale, conn)
			continue
		}
		conn.state.Store(int32(StateInUse))
		p.inUse++
		p.mu.Unlock()
		p.onSoftConnect()
		return conn, nil
	}

	if p.open < p.config.MaxSize {
		p.open++
		p.opening++
		p.mu.Unlock()
		return p.hardConnect(ctx)
	}

	elem := p.wait.enqueue()
	p.mu.Unlock()
	p.stats.waits.Add(1)

	waitCtx, cancel := context.WithTimeoutCause(ctx, timeout, ErrPoolExhausted)
	defer cancel()

	conn, err := p.wait.wait(waitCtx, &p.mu, elem, p.closeChan)
	switch {
	case errors.Is(err, ErrPoolClosed):
		return nil, err
	case err != nil && ctx.Err() == nil:
		p.stats.exhausted.Add(1)
		return nil, fmt.Errorf("%w: pool %q has %d connections in use, waited %v", ErrPoolExhausted, p.name, p.config.MaxSize, timeout)
	case err != nil:
		return nil, fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx))
	case conn != nil:
		// Handed over by Release; counted there.
		return conn, nil
	}

	// A slot was granted: we own a reservation and must open a connection.
	if err := ctx.Err(); err != nil {
		p.releaseSlot()
		return nil, fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx))
	}
	return p.hardConnect(ctx)
}

// hardConnect opens a new connection for a slot already reserved in open
// and opening, and hands it to the caller.
func (p *Pool[C]) hardConnect(ctx context.Context) (*Pooled[C], error) {
	c, err := p.connect(ctx)

	p.mu.Lock()
	p.opening--
	if err != nil {
		p.open--
		p.grantSlotLocked()
		p.mu.Unlock()
		p.logger.DebugContext(ctx, "hard connect failed", "error", err)
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	if p.closed {
		p.open--
		p.mu.Unlock()
		p.closeRaw(c)
		return nil, ErrPoolClosed
	}
	conn := newPooled(p, c, p.generation, false)
	p.inUse++
	p.mu.Unlock()

	p.onHardConnect(false)
	p.logger.DebugContext(ctx, "hard connect", "conn_id", conn.id)
	return conn, nil
}

// acquireUnpooled opens a connection that bypasses pooling.
func (p *Pool[C]) acquireUnpooled(ctx context.Context) (*Pooled[C], error) {
	p.mu.Lock()
	closed := p.closed
	generation := p.generation
	p.mu.Unlock()
	if closed {
		return nil, ErrPoolClosed
	}

	c, err := p.connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	p.unpooledOpen.Add(1)
	p.stats.hardConnects.Add(1)
	p.counters.HardConnectsPerSecond.Increment()
	p.counters.NumberOfNonPooledConnections.Increment()
	return newPooled(p, c, generation, true), nil
}

// Release returns a connection handed out by Acquire.
//
// A healthy connection goes straight to the oldest waiter, or back to the
// idle set. An unhealthy, tainted, expired or cleared connection is closed and its
// slot freed; if the pool drops below MinSize a replacement is opened in
// the background. Releasing a connection that is not in use is ignored.
func (p *Pool[C]) Release(conn *Pooled[C]) {
	if conn == nil {
		return
	}
	if conn.pool != p {
		p.logger.Warn("connection released to a pool that does not own it", "conn_id", conn.id)
		return
	}
	if conn.unpooled {
		p.releaseUnpooled(conn)
		return
	}

	p.mu.Lock()
	if conn.State() != StateInUse {
		p.mu.Unlock()
		p.logger.Warn("connection released twice", "conn_id", conn.id, "state", conn.State().String())
		return
	}

	if conn.reusable() && !conn.expired(p.config.MaxLifetime) && conn.generation == p.generation && !p.closed {
		if p.wait.handoff(conn) {
			p.mu.Unlock()
			p.onHandoff()
			return
		}
		conn.state.Store(int32(StateIdle))
		conn.timeUsed.update()
		p.inUse--
		p.idle.Push(conn)
		p.mu.Unlock()
		p.onSoftDisconnect()
		return
	}

	conn.state.Store(int32(StateClosed))
	p.inUse--
	p.open--
	p.grantSlotLocked()
	belowMin := !p.closed && p.open < p.config.MinSize
	p.mu.Unlock()

	p.closeConn(conn, false)
	if belowMin {
		p.maybeFill()
	}
}

func (p *Pool[C]) releaseUnpooled(conn *Pooled[C]) {
	if !conn.state.CompareAndSwap(int32(StateInUse), int32(StateClosed)) {
		p.logger.Warn("connection released twice", "conn_id", conn.id)
		return
	}
	p.unpooledOpen.Add(-1)
	p.stats.hardDisconnects.Add(1)
	p.counters.HardDisconnectsPerSecond.Increment()
	p.counters.NumberOfNonPooledConnections.Decrement()
	p.closeRaw(conn.Conn)
}

// Clear closes every idle connection and marks every in-use connection to
// be closed when released instead of returning to the idle set. The pool
// stays usable. Errors from closing individual connections are joined.
func (p *Pool[C]) Clear() error {
	p.mu.Lock()
	p.generation++
	drained := p.idle.Drain()
	for _, conn := range drained {
		conn.state.Store(int32(StateClosed))
	}
	p.open -= len(drained)
	for range drained {
		if !p.grantSlotLocked() {
			break
		}
	}
	p.mu.Unlock()

	var errs []error
	for _, conn := range drained {
		if err := p.closeConn(conn, true); err != nil {
			errs = append(errs, err)
		}
	}
	if len(drained) > 0 {
		p.logger.Debug("cleared idle connections", "count", len(drained))
	}
	return errors.Join(errs...)
}

// Close clears the pool, stops its background work and makes further
// Acquire calls fail with ErrPoolClosed. Waiters are woken with
// ErrPoolClosed; connections still in use are closed when released.
// Close is idempotent.
func (p *Pool[C]) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.closeChan)
	p.mu.Unlock()

	p.cancel()
	p.bg.Wait()
	return p.Clear()
}

// releaseSlot gives back a reservation obtained through a slot grant.
func (p *Pool[C]) releaseSlot() {
	p.mu.Lock()
	p.open--
	p.opening--
	p.grantSlotLocked()
	p.mu.Unlock()
}

// grantSlotLocked passes a free slot to the oldest waiter, if any, by
// reserving it on the waiter's behalf. Must be called with mu held.
func (p *Pool[C]) grantSlotLocked() bool {
	if p.closed || p.open >= p.config.MaxSize || p.wait.waiting() == 0 {
		return false
	}
	p.open++
	p.opening++
	p.wait.handoff(nil)
	return true
}

// closeConn closes a pooled connection that has already been removed from
// the pool's accounting.
func (p *Pool[C]) closeConn(conn *Pooled[C], wasIdle bool) error {
	p.onHardDisconnect(wasIdle)
	if err := conn.Conn.Close(); err != nil {
		p.logger.Warn("failed to close connection", "conn_id", conn.id, "error", err)
		return fmt.Errorf("close connection %s: %w", conn.id, err)
	}
	p.logger.Debug("hard disconnect", "conn_id", conn.id)
	return nil
}

func (p *Pool[C]) closeRaw(c C) {
	if err := c.Close(); err != nil {
		p.logger.Warn("failed to close connection", "error", err)
	}
}

// maybeFill starts a background goroutine opening connections until the
// pool holds MinSize, unless one is already running.
func (p *Pool[C]) maybeFill() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || !p.filling.CompareAndSwap(false, true) {
		return
	}
	p.bg.Add(1)
	go func() {
		defer p.bg.Done()
		p.fill(p.ctx)
	}()
}

func (p *Pool[C]) fill(ctx context.Context) {
	r := backoff.NewRetry(fillBaseDelay, fillMaxDelay, fillAttempts)
	for r.Next(ctx) {
		for {
			if !p.reserveFillSlot() {
				return
			}
			if err := p.openIdle(ctx); err != nil {
				p.logger.WarnContext(ctx, "failed to open connection to maintain minimum pool size",
					"attempt", r.Attempt(), "error", err)
				break
			}
		}
	}
	p.filling.Store(false)
	if err := r.Err(); err != nil && !errors.Is(err, context.Canceled) {
		p.logger.WarnContext(ctx, "giving up on minimum pool size", "min_size", p.config.MinSize, "error", err)
	}
}

// reserveFillSlot reserves a slot for a connection needed to reach MinSize.
// Once the pool is at MinSize the fill ends; the flag is cleared under mu so
// a Release dropping below MinSize right after starts a new fill.
func (p *Pool[C]) reserveFillSlot() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.open >= p.config.MinSize {
		p.filling.Store(false)
		return false
	}
	p.open++
	p.opening++
	return true
}

// openIdle opens a connection for a reserved slot and gives it to a waiter
// or to the idle set.
func (p *Pool[C]) openIdle(ctx context.Context) error {
	c, err := p.connect(ctx)

	p.mu.Lock()
	p.opening--
	if err != nil {
		p.open--
		p.grantSlotLocked()
		p.mu.Unlock()
		return err
	}
	if p.closed {
		p.open--
		p.mu.Unlock()
		p.closeRaw(c)
		return nil
	}
	conn := newPooled(p, c, p.generation, false)
	if p.wait.handoff(conn) {
		p.inUse++
		p.mu.Unlock()
		p.onHardConnect(false)
		return nil
	}
	conn.state.Store(int32(StateIdle))
	p.idle.Push(conn)
	p.mu.Unlock()
	p.onHardConnect(true)
	return nil
}

func (p *Pool[C]) idlePruner(interval time.Duration) {
	defer p.bg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.pruneIdle()
		}
	}
}

// pruneIdle closes connections idle for longer than IdleTimeout, oldest
// first, without going below MinSize.
func (p *Pool[C]) pruneIdle() int {
	p.mu.Lock()
	conns := p.idle.Drain()
	var expired []*Pooled[C]
	// conns is most recent first: walk from the oldest and push survivors
	// back so the most recent ends on top again.
	for i := len(conns) - 1; i >= 0; i-- {
		conn := conns[i]
		if p.open > p.config.MinSize && conn.timeUsed.elapsed() > p.config.IdleTimeout {
			conn.state.Store(int32(StateClosed))
			p.open--
			expired = append(expired, conn)
			continue
		}
		p.idle.Push(conn)
	}
	p.mu.Unlock()

	for _, conn := range expired {
		p.closeConn(conn, true)
	}
	if len(expired) > 0 {
		p.logger.Debug("pruned idle connections", "count", len(expired))
	}
	return len(expired)
}
