// Package metrics exposes the coordinator's Prometheus instrumentation.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ClockMetrics counts the coordinator's observable decisions.
type ClockMetrics struct {
	Ticks            prometheus.Counter
	Transitions      *prometheus.CounterVec
	SilentExtensions prometheus.Counter
	GraceStarts      *prometheus.CounterVec
	GraceRejections  prometheus.Counter
	OrphansSwept     prometheus.Counter
	RemainingSeconds prometheus.Gauge
}

var (
	clockMetricsOnce sync.Once
	clockMetricsInst *ClockMetrics
)

// Global returns the process-wide metrics instance.
func Global() *ClockMetrics {
	clockMetricsOnce.Do(func() {
		clockMetricsInst = newClockMetrics()
	})
	return clockMetricsInst
}

func newClockMetrics() *ClockMetrics {
	return &ClockMetrics{
		Ticks: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "sessionclock",
			Subsystem: "clock",
			Name:      "ticks_total",
			Help:      "Total expiry evaluations run by this tab",
		}),
		Transitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sessionclock",
			Subsystem: "clock",
			Name:      "transitions_total",
			Help:      "State transitions, labeled by resulting tier",
		}, []string{"tier"}),
		SilentExtensions: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "sessionclock",
			Subsystem: "clock",
			Name:      "silent_extensions_total",
			Help:      "Idle expiries silently renewed near the warning threshold",
		}),
		GraceStarts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sessionclock",
			Subsystem: "grace",
			Name:      "starts_total",
			Help:      "Grace periods granted, labeled by reason",
		}, []string{"reason"}),
		GraceRejections: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "sessionclock",
			Subsystem: "grace",
			Name:      "rejections_total",
			Help:      "Grace period requests rejected by budget caps or unknown reason",
		}),
		OrphansSwept: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "sessionclock",
			Subsystem: "sweeper",
			Name:      "orphans_swept_total",
			Help:      "Stale records removed that crashed tabs left behind",
		}),
		RemainingSeconds: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "sessionclock",
			Subsystem: "clock",
			Name:      "remaining_seconds",
			Help:      "Seconds until effective expiry at the latest tick",
		}),
	}
}
