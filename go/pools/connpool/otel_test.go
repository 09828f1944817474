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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/semconv/v1.37.0/dbconv"
)

func newTestMeter(t *testing.T) (*sdkmetric.ManualReader, *sdkmetric.MeterProvider) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() {
		_ = provider.Shutdown(t.Context())
	})
	return reader, provider
}

// getConnectionCountMetric extracts the db.client.connection.count metric data.
func getConnectionCountMetric(t *testing.T, reader *sdkmetric.ManualReader) *metricdata.Sum[int64] {
	t.Helper()

	var metricData metricdata.ResourceMetrics
	err := reader.Collect(t.Context(), &metricData)
	require.NoError(t, err)

	for _, scopeMetric := range metricData.ScopeMetrics {
		for _, m := range scopeMetric.Metrics {
			if m.Name == "db.client.connection.count" {
				sum, ok := m.Data.(metricdata.Sum[int64])
				require.True(t, ok, "expected Sum[int64] data type for db.client.connection.count")
				return &sum
			}
		}
	}
	return nil
}

// getStateCount extracts the count for a specific pool name and state from the metric data.
func getStateCount(sum *metricdata.Sum[int64], poolName, state string) int64 {
	if sum == nil {
		return 0
	}
	for _, dp := range sum.DataPoints {
		var dpPoolName, dpState string
		for _, attr := range dp.Attributes.ToSlice() {
			if string(attr.Key) == attrKeyPoolName {
				dpPoolName = attr.Value.AsString()
			}
			if string(attr.Key) == attrKeyState {
				dpState = attr.Value.AsString()
			}
		}
		if dpPoolName == poolName && dpState == state {
			return dp.Value
		}
	}
	return 0
}

func TestOTelConnectionCount_AcquireAndRelease(t *testing.T) {
	reader, provider := newTestMeter(t)
	connCount, err := NewConnectionCount(provider.Meter("test"))
	require.NoError(t, err)

	pool, _ := newTestPool(t, Config{
		Name:            "test-pool",
		MaxSize:         2,
		ConnectionCount: connCount,
	})

	// Initially, no connections exist
	assert.Nil(t, getConnectionCountMetric(t, reader), "should have no metrics before any connections")

	// A new connection is used=1, idle=0
	conn1, err := pool.Acquire(t.Context(), time.Second)
	require.NoError(t, err)

	sum := getConnectionCountMetric(t, reader)
	require.NotNil(t, sum, "should have metrics after Acquire")
	assert.Equal(t, int64(1), getStateCount(sum, "test-pool", "used"))
	assert.Equal(t, int64(0), getStateCount(sum, "test-pool", "idle"))

	// Release moves it to idle
	conn1.Recycle()

	sum = getConnectionCountMetric(t, reader)
	assert.Equal(t, int64(0), getStateCount(sum, "test-pool", "used"))
	assert.Equal(t, int64(1), getStateCount(sum, "test-pool", "idle"))

	// Reuse moves it back
	conn2, err := pool.Acquire(t.Context(), time.Second)
	require.NoError(t, err)

	sum = getConnectionCountMetric(t, reader)
	assert.Equal(t, int64(1), getStateCount(sum, "test-pool", "used"))
	assert.Equal(t, int64(0), getStateCount(sum, "test-pool", "idle"))

	// Discarding removes it from both states
	conn2.Taint()

	sum = getConnectionCountMetric(t, reader)
	assert.Equal(t, int64(0), getStateCount(sum, "test-pool", "used"))
	assert.Equal(t, int64(0), getStateCount(sum, "test-pool", "idle"))
}

func TestOTelConnectionCount_Clear(t *testing.T) {
	reader, provider := newTestMeter(t)
	connCount, err := NewConnectionCount(provider.Meter("test"))
	require.NoError(t, err)

	pool, _ := newTestPool(t, Config{
		Name:            "clear-pool",
		MaxSize:         3,
		ConnectionCount: connCount,
	})

	conns := make([]*Pooled[*mockConnection], 3)
	for i := range conns {
		conns[i], err = pool.Acquire(t.Context(), time.Second)
		require.NoError(t, err)
	}
	conns[0].Recycle()
	conns[1].Recycle()

	sum := getConnectionCountMetric(t, reader)
	assert.Equal(t, int64(1), getStateCount(sum, "clear-pool", "used"))
	assert.Equal(t, int64(2), getStateCount(sum, "clear-pool", "idle"))

	require.NoError(t, pool.Clear())

	sum = getConnectionCountMetric(t, reader)
	assert.Equal(t, int64(1), getStateCount(sum, "clear-pool", "used"))
	assert.Equal(t, int64(0), getStateCount(sum, "clear-pool", "idle"))

	conns[2].Recycle()

	sum = getConnectionCountMetric(t, reader)
	assert.Equal(t, int64(0), getStateCount(sum, "clear-pool", "used"))
}

func TestOTelConnectionCount_ZeroValue(t *testing.T) {
	var cc ConnectionCount
	// Records nothing and does not panic
	cc.Add(t.Context(), 1, "pool", dbconv.ClientConnectionStateIdle)
}
