// Package metrics exports limiter decisions to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Result label values.
const (
	ResultAllowed = "allowed"
	ResultDenied  = "denied"
	ResultError   = "error"
)

// Recorder implements limiter.Observer.
type Recorder struct {
	Decisions *prometheus.CounterVec
	Duration  *prometheus.HistogramVec
}

// NewRecorder registers the limiter metrics with reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)

	return &Recorder{
		Decisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ratelimit",
				Name:      "decisions_total",
				Help:      "Admission decisions by limiter and result",
			},
			[]string{"limiter", "result"},
		),

		Duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "ratelimit",
				Name:      "check_duration_seconds",
				Help:      "Time spent in one admission check, store round trip included",
				Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"limiter"},
		),
	}
}

// ObserveAdmission records one decision.
func (r *Recorder) ObserveAdmission(limiter string, allowed bool, elapsed time.Duration, err error) {
	result := ResultDenied
	switch {
	case err != nil:
		result = ResultError
	case allowed:
		result = ResultAllowed
	}
	r.Decisions.WithLabelValues(limiter, result).Inc()
	r.Duration.WithLabelValues(limiter).Observe(elapsed.Seconds())
}
