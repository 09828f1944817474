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

// Package counters provides the connection lifecycle counters recorded by
// the pool registry and connector pools.
//
// Counters are split in two classes:
//   - cheap counters track the existence of pools and physical connections
//     and are recorded whenever counters are enabled;
//   - expensive counters track per-operation events on the acquire/release
//     hot path and are only recorded when Options.Expensive is also set.
//
// Every counter can be toggled independently at runtime. Recording never
// blocks and a failing exporter never propagates into the pooling operation
// that triggered it.
package counters

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Name identifies a counter.
type Name string

const (
	// HardConnectsPerSecond counts physical connections opened to a server.
	HardConnectsPerSecond Name = "HardConnectsPerSecond"
	// HardDisconnectsPerSecond counts physical connections closed.
	HardDisconnectsPerSecond Name = "HardDisconnectsPerSecond"
	// SoftConnectsPerSecond counts connections taken from a pool.
	SoftConnectsPerSecond Name = "SoftConnectsPerSecond"
	// SoftDisconnectsPerSecond counts connections returned to a pool.
	SoftDisconnectsPerSecond Name = "SoftDisconnectsPerSecond"
	// NumberOfActiveConnections is the number of pooled connections in use.
	NumberOfActiveConnections Name = "NumberOfActiveConnections"
	// NumberOfFreeConnections is the number of idle pooled connections.
	NumberOfFreeConnections Name = "NumberOfFreeConnections"
	// NumberOfPooledConnections is the number of open connections managed by pools.
	NumberOfPooledConnections Name = "NumberOfPooledConnections"
	// NumberOfNonPooledConnections is the number of open connections outside of pooling.
	NumberOfNonPooledConnections Name = "NumberOfNonPooledConnections"
	// NumberOfActiveConnectionPools is the number of connection pools.
	NumberOfActiveConnectionPools Name = "NumberOfActiveConnectionPools"
)

type definition struct {
	name        Name
	metric      string
	description string
	expensive   bool
	// gauge counters track a level with paired Increment and Decrement
	// calls, so toggling one mid-flight would skew it.
	gauge bool
}

var definitions = []definition{
	{HardConnectsPerSecond, "pgconnpool.connection.hard_connects", "Physical connections opened to a database server.", false, false},
	{HardDisconnectsPerSecond, "pgconnpool.connection.hard_disconnects", "Physical connections closed.", false, false},
	{SoftConnectsPerSecond, "pgconnpool.connection.soft_connects", "Connections taken from a pool without physical connect.", true, false},
	{SoftDisconnectsPerSecond, "pgconnpool.connection.soft_disconnects", "Connections returned to a pool without physical disconnect.", true, false},
	{NumberOfActiveConnections, "pgconnpool.connection.active", "Pooled connections currently in use.", true, true},
	{NumberOfFreeConnections, "pgconnpool.connection.free", "Pooled connections currently idle.", true, true},
	{NumberOfPooledConnections, "pgconnpool.connection.pooled", "Open connections managed by connection pools.", false, true},
	{NumberOfNonPooledConnections, "pgconnpool.connection.non_pooled", "Open connections not managed by connection pools.", false, true},
	{NumberOfActiveConnectionPools, "pgconnpool.pool.active", "Connection pools.", false, true},
}

// Names returns all counter names in a stable order.
func Names() []Name {
	names := make([]Name, len(definitions))
	for i, d := range definitions {
		names[i] = d.name
	}
	return names
}

// ParseName returns the counter with the given name, ignoring case.
func ParseName(s string) (Name, bool) {
	for _, d := range definitions {
		if strings.EqualFold(string(d.name), s) {
			return d.name, true
		}
	}
	return "", false
}

// IsExpensive reports whether the named counter is recorded on the
// acquire/release hot path.
func IsExpensive(name Name) bool {
	for _, d := range definitions {
		if d.name == name {
			return d.expensive
		}
	}
	return false
}

// Options selects which counters are recorded.
type Options struct {
	// Enabled turns on the cheap counters.
	Enabled bool

	// Expensive turns on the per-operation counters. It has no effect
	// unless Enabled is set.
	Expensive bool

	// Overrides force individual counters on or off, regardless of class.
	Overrides map[Name]bool
}

func (o Options) enabled(d definition) bool {
	if v, ok := o.Overrides[d.name]; ok {
		return v
	}
	if d.expensive {
		return o.Enabled && o.Expensive
	}
	return o.Enabled
}

// Counter is a single named up/down counter.
// A nil *Counter is valid and records nothing.
type Counter struct {
	name       Name
	expensive  bool
	enabled    atomic.Bool
	value      atomic.Int64
	instrument metric.Int64UpDownCounter
	logger     *slog.Logger
}

// Name returns the counter name.
func (c *Counter) Name() Name {
	return c.name
}

// Expensive reports whether the counter belongs to the per-operation class.
func (c *Counter) Expensive() bool {
	return c.expensive
}

// Enabled reports whether the counter is currently recording.
func (c *Counter) Enabled() bool {
	return c != nil && c.enabled.Load()
}

// SetEnabled turns recording on or off. For a NumberOf* counter, updates
// missed while it is off are not made up when it is turned back on.
func (c *Counter) SetEnabled(enabled bool) {
	c.enabled.Store(enabled)
}

// Value returns the value accumulated while the counter was enabled.
func (c *Counter) Value() int64 {
	if c == nil {
		return 0
	}
	return c.value.Load()
}

// Increment adds one to the counter.
func (c *Counter) Increment() {
	c.add(1)
}

// Decrement subtracts one from the counter.
func (c *Counter) Decrement() {
	c.add(-1)
}

func (c *Counter) add(delta int64) {
	if !c.Enabled() {
		return
	}
	c.value.Add(delta)
	c.record(delta)
}

// record forwards delta to the metric instrument. Exporter failures are
// swallowed so that the pooling operation still completes.
func (c *Counter) record(delta int64) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Debug("metrics sink failure", "counter", string(c.name), "error", fmt.Sprint(r))
		}
	}()
	c.instrument.Add(context.Background(), delta)
}

// Counters holds all lifecycle counters.
type Counters struct {
	HardConnectsPerSecond         *Counter
	HardDisconnectsPerSecond      *Counter
	SoftConnectsPerSecond         *Counter
	SoftDisconnectsPerSecond      *Counter
	NumberOfActiveConnections     *Counter
	NumberOfFreeConnections       *Counter
	NumberOfPooledConnections     *Counter
	NumberOfNonPooledConnections  *Counter
	NumberOfActiveConnectionPools *Counter

	byName map[Name]*Counter
}

// New creates the counters and their metric instruments on meter. A nil
// meter records values in memory only.
// Instruments that fail to initialize use noop implementations and are
// included in the returned error; the returned Counters are always usable.
func New(meter metric.Meter, opts Options, logger *slog.Logger) (*Counters, error) {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("")
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Counters{byName: make(map[Name]*Counter, len(definitions))}
	var errs []error
	for _, d := range definitions {
		instrument, err := meter.Int64UpDownCounter(d.metric,
			metric.WithDescription(d.description),
			metric.WithUnit("{connection}"),
		)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s counter: %w", d.metric, err))
			instrument = noop.Int64UpDownCounter{}
		}
		counter := &Counter{
			name:       d.name,
			expensive:  d.expensive,
			instrument: instrument,
			logger:     logger,
		}
		counter.enabled.Store(opts.enabled(d))
		c.byName[d.name] = counter
	}

	c.HardConnectsPerSecond = c.byName[HardConnectsPerSecond]
	c.HardDisconnectsPerSecond = c.byName[HardDisconnectsPerSecond]
	c.SoftConnectsPerSecond = c.byName[SoftConnectsPerSecond]
	c.SoftDisconnectsPerSecond = c.byName[SoftDisconnectsPerSecond]
	c.NumberOfActiveConnections = c.byName[NumberOfActiveConnections]
	c.NumberOfFreeConnections = c.byName[NumberOfFreeConnections]
	c.NumberOfPooledConnections = c.byName[NumberOfPooledConnections]
	c.NumberOfNonPooledConnections = c.byName[NumberOfNonPooledConnections]
	c.NumberOfActiveConnectionPools = c.byName[NumberOfActiveConnectionPools]

	if len(errs) > 0 {
		return c, errors.Join(errs...)
	}
	return c, nil
}

// Disabled returns counters that record nothing.
func Disabled() *Counters {
	c, _ := New(nil, Options{}, nil)
	return c
}

// Get returns the named counter, or nil if the name is unknown.
func (c *Counters) Get(name Name) *Counter {
	return c.byName[name]
}

// Apply re-evaluates which rate counters (the *PerSecond ones) are
// enabled. Accumulated values are kept. The NumberOf* counters keep the
// state chosen in New: switching one between an Increment and its paired
// Decrement would leave it off by the missed half for good.
func (c *Counters) Apply(opts Options) {
	for _, d := range definitions {
		if d.gauge {
			continue
		}
		c.byName[d.name].SetEnabled(opts.enabled(d))
	}
}

// Snapshot returns the current value of every counter.
func (c *Counters) Snapshot() map[Name]int64 {
	snap := make(map[Name]int64, len(c.byName))
	for name, counter := range c.byName {
		snap[name] = counter.Value()
	}
	return snap
}
