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

package counters

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMeter(t *testing.T) (metric.Meter, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() {
		_ = provider.Shutdown(context.Background())
	})
	return provider.Meter("test"), reader
}

// collectSum returns the value exported for the named metric, and whether
// any data point was exported at all.
func collectSum(t *testing.T, reader *sdkmetric.ManualReader, name string) (int64, bool) {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(t.Context(), &rm))
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "expected Sum[int64] for %s", name)
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total, len(sum.DataPoints) > 0
		}
	}
	return 0, false
}

func TestCheapAndExpensiveGating(t *testing.T) {
	tests := []struct {
		name          string
		opts          Options
		wantCheap     bool
		wantExpensive bool
	}{
		{"all off", Options{}, false, false},
		{"cheap only", Options{Enabled: true}, true, false},
		{"expensive requires enabled", Options{Expensive: true}, false, false},
		{"everything", Options{Enabled: true, Expensive: true}, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(nil, tt.opts, nil)
			require.NoError(t, err)
			for _, name := range Names() {
				want := tt.wantCheap
				if IsExpensive(name) {
					want = tt.wantExpensive
				}
				assert.Equal(t, want, c.Get(name).Enabled(), "counter %s", name)
			}
		})
	}
}

func TestExpensiveClassMembership(t *testing.T) {
	expensive := []Name{SoftConnectsPerSecond, SoftDisconnectsPerSecond, NumberOfActiveConnections, NumberOfFreeConnections}
	for _, name := range Names() {
		assert.Equal(t, contains(expensive, name), IsExpensive(name), "counter %s", name)
	}
	assert.Len(t, Names(), 9)
}

func contains(names []Name, name Name) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

func TestOverridesWin(t *testing.T) {
	c, err := New(nil, Options{
		Enabled: true,
		Overrides: map[Name]bool{
			HardConnectsPerSecond: false,
			SoftConnectsPerSecond: true,
		},
	}, nil)
	require.NoError(t, err)

	assert.False(t, c.HardConnectsPerSecond.Enabled())
	assert.True(t, c.SoftConnectsPerSecond.Enabled())
	assert.False(t, c.SoftDisconnectsPerSecond.Enabled())
	assert.True(t, c.HardDisconnectsPerSecond.Enabled())
}

func TestIncrementDecrementExports(t *testing.T) {
	meter, reader := newTestMeter(t)
	c, err := New(meter, Options{Enabled: true}, nil)
	require.NoError(t, err)

	c.NumberOfPooledConnections.Increment()
	c.NumberOfPooledConnections.Increment()
	c.NumberOfPooledConnections.Decrement()
	// Expensive counters are off: nothing recorded or exported.
	c.SoftConnectsPerSecond.Increment()

	assert.Equal(t, int64(1), c.NumberOfPooledConnections.Value())
	assert.Equal(t, int64(0), c.SoftConnectsPerSecond.Value())

	got, ok := collectSum(t, reader, "pgconnpool.connection.pooled")
	require.True(t, ok)
	assert.Equal(t, int64(1), got)

	_, ok = collectSum(t, reader, "pgconnpool.connection.soft_connects")
	assert.False(t, ok)
}

func TestApplyKeepsValues(t *testing.T) {
	c, err := New(nil, Options{Enabled: true}, nil)
	require.NoError(t, err)

	c.HardConnectsPerSecond.Increment()
	c.Apply(Options{})
	c.HardConnectsPerSecond.Increment()
	assert.Equal(t, int64(1), c.HardConnectsPerSecond.Value())

	c.Apply(Options{Enabled: true, Expensive: true})
	c.HardConnectsPerSecond.Increment()
	c.SoftConnectsPerSecond.Increment()
	assert.Equal(t, map[Name]int64{
		HardConnectsPerSecond:         2,
		HardDisconnectsPerSecond:      0,
		SoftConnectsPerSecond:         1,
		SoftDisconnectsPerSecond:      0,
		NumberOfActiveConnections:     0,
		NumberOfFreeConnections:       0,
		NumberOfPooledConnections:     0,
		NumberOfNonPooledConnections:  0,
		NumberOfActiveConnectionPools: 0,
	}, c.Snapshot())
}

func TestApplyLeavesGaugesAlone(t *testing.T) {
	c, err := New(nil, Options{Enabled: true}, nil)
	require.NoError(t, err)

	// A connection opens, counters are switched off, then it closes.
	c.NumberOfPooledConnections.Increment()
	c.HardConnectsPerSecond.Increment()
	c.Apply(Options{})
	c.NumberOfPooledConnections.Decrement()
	c.HardDisconnectsPerSecond.Increment()

	assert.True(t, c.NumberOfPooledConnections.Enabled())
	assert.Equal(t, int64(0), c.NumberOfPooledConnections.Value())
	assert.False(t, c.HardDisconnectsPerSecond.Enabled())
	assert.Equal(t, int64(0), c.HardDisconnectsPerSecond.Value())
	assert.Equal(t, int64(1), c.HardConnectsPerSecond.Value())

	// Gauges off at creation stay off.
	off, err := New(nil, Options{}, nil)
	require.NoError(t, err)
	off.Apply(Options{Enabled: true, Expensive: true})
	assert.False(t, off.NumberOfActiveConnectionPools.Enabled())
	assert.True(t, off.SoftConnectsPerSecond.Enabled())
}

// panickingCounter simulates a broken exporter.
type panickingCounter struct {
	noop.Int64UpDownCounter
}

func (panickingCounter) Add(context.Context, int64, ...metric.AddOption) {
	panic("exporter exploded")
}

func TestSinkFailureDoesNotPropagate(t *testing.T) {
	c, err := New(nil, Options{Enabled: true}, nil)
	require.NoError(t, err)
	c.HardConnectsPerSecond.instrument = panickingCounter{}

	assert.NotPanics(t, func() {
		c.HardConnectsPerSecond.Increment()
	})
	assert.Equal(t, int64(1), c.HardConnectsPerSecond.Value())
}

func TestNilCounterIsInert(t *testing.T) {
	var c *Counter
	assert.NotPanics(t, func() {
		c.Increment()
		c.Decrement()
	})
	assert.False(t, c.Enabled())
	assert.Equal(t, int64(0), c.Value())
}

func TestDisabled(t *testing.T) {
	c := Disabled()
	for _, name := range Names() {
		assert.False(t, c.Get(name).Enabled())
	}
}

func TestParseName(t *testing.T) {
	name, ok := ParseName("softconnectspersecond")
	require.True(t, ok)
	assert.Equal(t, SoftConnectsPerSecond, name)

	name, ok = ParseName(string(NumberOfActiveConnectionPools))
	require.True(t, ok)
	assert.Equal(t, NumberOfActiveConnectionPools, name)

	_, ok = ParseName("QueriesPerSecond")
	assert.False(t, ok)
}
