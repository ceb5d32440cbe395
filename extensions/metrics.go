package extensions

import (
	"context"
	"fmt"

	pumped "github.com/pumped-fn/pumped-ctx"
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsExtension exports operation counts and latencies to Prometheus
type MetricsExtension struct {
	pumped.BaseExtension

	operations   *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	notifyErrors prometheus.Counter
}

// NewMetricsExtension creates the collectors and registers them with reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewMetricsExtension(reg prometheus.Registerer, namespace string) (*MetricsExtension, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	e := &MetricsExtension{
		BaseExtension: pumped.NewBaseExtension("metrics"),
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "context",
				Name:      "operations_total",
				Help:      "Context operations by kind and outcome.",
			},
			[]string{"op", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "context",
				Name:      "operation_duration_seconds",
				Help:      "Context operation latency, including binding fan-out.",
				Buckets:   prometheus.ExponentialBuckets(0.000001, 4, 10),
			},
			[]string{"op"},
		),
		notifyErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "context",
				Name:      "notify_errors_total",
				Help:      "Bindings that failed to re-apply after a change.",
			},
		),
	}

	for _, c := range []prometheus.Collector{e.operations, e.duration, e.notifyErrors} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("registering context metrics: %w", err)
		}
	}

	return e, nil
}

func (e *MetricsExtension) Wrap(ctx context.Context, next func() (any, error), op *pumped.Operation) (any, error) {
	timer := prometheus.NewTimer(e.duration.WithLabelValues(string(op.Kind)))
	result, err := next()
	timer.ObserveDuration()

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	e.operations.WithLabelValues(string(op.Kind), outcome).Inc()

	return result, err
}

func (e *MetricsExtension) OnNotifyError(err *pumped.NotifyError) bool {
	e.notifyErrors.Inc()
	return false
}
