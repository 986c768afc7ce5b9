package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, collectors := NewPrometheusMetrics(reg, "api")

	rl := newLimiter(t, Config{
		Rate:     1,
		Interval: time.Second,
		Metrics:  metrics,
	})

	require.NoError(t, rl.Allow("k"))
	require.Error(t, rl.Allow("k"))

	assert.Equal(t, 1.0, testutil.ToFloat64(collectors.Allowed))
	assert.Equal(t, 1.0, testutil.ToFloat64(collectors.Denied))
	assert.Equal(t, 0.0, testutil.ToFloat64(collectors.Errors))
}

func TestPrometheusStorageLatency(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, collectors := NewPrometheusMetrics(reg, "api")

	rl := newLimiter(t, Config{
		Rate:     5,
		Interval: time.Second,
		Storage:  NewMemoryStorage(),
		Metrics:  metrics,
	})

	require.NoError(t, rl.AllowContext(context.Background(), "k"))

	count := testutil.CollectAndCount(collectors.StorageLatency)
	assert.Greater(t, count, 0, "latency histogram should have observations")
}
