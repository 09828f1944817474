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

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/semconv/v1.37.0/dbconv"
)

// Attribute keys from OTel semantic conventions:
// - semconv.DBClientConnectionPoolNameKey = "db.client.connection.pool.name"
// - semconv.DBClientConnectionStateKey = "db.client.connection.state"
const (
	attrKeyPoolName = "db.client.connection.pool.name"
	attrKeyState    = "db.client.connection.state"
)

// ConnectionCount wraps an Int64UpDownCounter tracking, per pool, how many
// connections are idle and how many are used.
// The zero value records nothing.
type ConnectionCount struct {
	counter metric.Int64UpDownCounter
}

// NewConnectionCount creates a ConnectionCount instrument using the standard
// db.client.connection.count metric name and description from OTel semconv.
func NewConnectionCount(m metric.Meter) (ConnectionCount, error) {
	counter, err := m.Int64UpDownCounter(
		"db.client.connection.count",
		metric.WithDescription("The number of connections that are currently in state described by the state attribute."),
		metric.WithUnit("{connection}"),
	)
	return ConnectionCount{counter: counter}, err
}

// Add records a connection count change for the given pool and state.
func (c ConnectionCount) Add(ctx context.Context, delta int64, poolName string, state dbconv.ClientConnectionStateAttr) {
	if c.counter == nil {
		return
	}
	c.counter.Add(ctx, delta, metric.WithAttributes(
		attribute.String(attrKeyPoolName, poolName),
		attribute.String(attrKeyState, string(state)),
	))
}

// The methods below keep the lifecycle counters and the connection-state
// gauge in step with pool transitions. None of them may be called while
// holding p.mu.

func (p *Pool[C]) onHardConnect(idle bool) {
	p.stats.hardConnects.Add(1)
	p.counters.HardConnectsPerSecond.Increment()
	p.counters.NumberOfPooledConnections.Increment()
	if idle {
		p.counters.NumberOfFreeConnections.Increment()
		p.connCount.Add(context.Background(), 1, p.name, dbconv.ClientConnectionStateIdle)
		return
	}
	p.counters.NumberOfActiveConnections.Increment()
	p.connCount.Add(context.Background(), 1, p.name, dbconv.ClientConnectionStateUsed)
}

func (p *Pool[C]) onHardDisconnect(wasIdle bool) {
	p.stats.hardDisconnects.Add(1)
	p.counters.HardDisconnectsPerSecond.Increment()
	p.counters.NumberOfPooledConnections.Decrement()
	if wasIdle {
		p.counters.NumberOfFreeConnections.Decrement()
		p.connCount.Add(context.Background(), -1, p.name, dbconv.ClientConnectionStateIdle)
		return
	}
	p.counters.NumberOfActiveConnections.Decrement()
	p.connCount.Add(context.Background(), -1, p.name, dbconv.ClientConnectionStateUsed)
}

// onSoftConnect records an idle connection being handed out.
func (p *Pool[C]) onSoftConnect() {
	p.stats.softConnects.Add(1)
	p.counters.SoftConnectsPerSecond.Increment()
	p.counters.NumberOfFreeConnections.Decrement()
	p.counters.NumberOfActiveConnections.Increment()
	p.connCount.Add(context.Background(), -1, p.name, dbconv.ClientConnectionStateIdle)
	p.connCount.Add(context.Background(), 1, p.name, dbconv.ClientConnectionStateUsed)
}

// onSoftDisconnect records a used connection returning to the idle set.
func (p *Pool[C]) onSoftDisconnect() {
	p.stats.softDisconnects.Add(1)
	p.counters.SoftDisconnectsPerSecond.Increment()
	p.counters.NumberOfActiveConnections.Decrement()
	p.counters.NumberOfFreeConnections.Increment()
	p.connCount.Add(context.Background(), -1, p.name, dbconv.ClientConnectionStateUsed)
	p.connCount.Add(context.Background(), 1, p.name, dbconv.ClientConnectionStateIdle)
}

// onHandoff records a used connection passed straight to a waiter: it is
// released and acquired again without ever being idle.
func (p *Pool[C]) onHandoff() {
	p.stats.softDisconnects.Add(1)
	p.stats.softConnects.Add(1)
	p.counters.SoftDisconnectsPerSecond.Increment()
	p.counters.SoftConnectsPerSecond.Increment()
}
