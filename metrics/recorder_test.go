package metrics_test

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolink/ratelimit/limiter"
	"github.com/toolink/ratelimit/metrics"
)

func TestRecorder_ObserveAdmission(t *testing.T) {
	rec := metrics.NewRecorder(prometheus.NewRegistry())

	rec.ObserveAdmission("api", true, 0, nil)
	rec.ObserveAdmission("api", true, 0, nil)
	rec.ObserveAdmission("api", false, 0, nil)
	rec.ObserveAdmission("api", false, 0, errors.New("boom"))

	assert.Equal(t, 2.0, testutil.ToFloat64(rec.Decisions.WithLabelValues("api", metrics.ResultAllowed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.Decisions.WithLabelValues("api", metrics.ResultDenied)))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.Decisions.WithLabelValues("api", metrics.ResultError)))
	assert.Equal(t, 1, testutil.CollectAndCount(rec.Duration))
}

func TestRecorder_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics.NewRecorder(reg)
	assert.Panics(t, func() { metrics.NewRecorder(reg) })
}

func TestRecorder_WithLimiter(t *testing.T) {
	rec := metrics.NewRecorder(prometheus.NewRegistry())
	l, err := limiter.New(limiter.NewMemoryStore(), limiter.Config{Capacity: 1, WindowSeconds: 60},
		limiter.WithName("login"), limiter.WithObserver(rec))
	require.NoError(t, err)
	require.NoError(t, l.Init(context.Background()))

	for iter := 0; iter < 3; iter++ {
		_, err := l.IsAllowed(context.Background(), "10.0.0.1")
		require.NoError(t, err)
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(rec.Decisions.WithLabelValues("login", metrics.ResultAllowed)))
	assert.Equal(t, 2.0, testutil.ToFloat64(rec.Decisions.WithLabelValues("login", metrics.ResultDenied)))
}
