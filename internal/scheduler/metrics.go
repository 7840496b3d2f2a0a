package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the scheduler's Prometheus collectors.
type Metrics struct {
	InFlight       prometheus.Gauge
	Admissions     prometheus.Counter
	StreamMessages prometheus.Counter
	WatchdogStalls prometheus.Counter
	RunsFailed     *prometheus.CounterVec
	RunDuration    prometheus.Histogram
}

// NewMetrics registers the scheduler collectors. Pass
// prometheus.DefaultRegisterer in production; tests use a fresh registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		InFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "dispatchd",
			Subsystem: "scheduler",
			Name:      "tasks_in_flight",
			Help:      "Tasks currently occupying a concurrency slot.",
		}),
		Admissions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dispatchd",
			Subsystem: "scheduler",
			Name:      "admissions_total",
			Help:      "Tasks admitted into the runner pool.",
		}),
		StreamMessages: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dispatchd",
			Subsystem: "scheduler",
			Name:      "stream_messages_total",
			Help:      "Provider stream messages applied to features.",
		}),
		WatchdogStalls: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dispatchd",
			Subsystem: "scheduler",
			Name:      "watchdog_stalls_total",
			Help:      "Streams flagged idle beyond the watchdog window.",
		}),
		RunsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatchd",
			Subsystem: "scheduler",
			Name:      "runs_failed_total",
			Help:      "Failed runs by error category.",
		}, []string{"category"}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "dispatchd",
			Subsystem: "scheduler",
			Name:      "run_duration_seconds",
			Help:      "Wall time from admission to a terminal or parked state.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
}
