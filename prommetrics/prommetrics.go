// Package prommetrics exports ftps connection metrics to Prometheus.
package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gonzalop/ftps"
)

const namespace = "ftps"

// Collector implements ftps.MetricsCollector.
type Collector struct {
	attempts        *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	steps           *prometheus.CounterVec
	stepDuration    *prometheus.HistogramVec
	sessionReuse    *prometheus.CounterVec
}

var _ ftps.MetricsCollector = (*Collector)(nil)

// New registers the metrics with reg. A nil reg creates them unregistered.
func New(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_attempts_total",
			Help:      "Connection establishment attempts by outcome",
		}, []string{"outcome"}),
		attemptDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connection_attempt_duration_seconds",
			Help:      "Time from dial to a ready connection or failure",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"outcome"}),
		steps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "establishment_steps_total",
			Help:      "Establishment transitions by step and success",
		}, []string{"step", "success"}),
		stepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "establishment_step_duration_seconds",
			Help:      "Duration of establishment transitions",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"step"}),
		sessionReuse: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_reuse_total",
			Help:      "Control session registrations for data connections by result",
		}, []string{"result"}),
	}
}

func (c *Collector) RecordAttempt(outcome string, duration time.Duration) {
	c.attempts.WithLabelValues(outcome).Inc()
	c.attemptDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (c *Collector) RecordStep(step string, success bool, duration time.Duration) {
	c.steps.WithLabelValues(step, strconv.FormatBool(success)).Inc()
	c.stepDuration.WithLabelValues(step).Observe(duration.Seconds())
}

func (c *Collector) RecordSessionReuse(result string) {
	c.sessionReuse.WithLabelValues(result).Inc()
}
