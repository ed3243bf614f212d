package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	propagationsApplied = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "striderace",
		Subsystem: "reconcile",
		Name:      "propagations_applied_total",
		Help:      "Count of activity deltas accepted and forwarded downstream.",
	})
	propagationsSuppressed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "striderace",
		Subsystem: "reconcile",
		Name:      "propagations_suppressed_total",
		Help:      "Count of readings suppressed before propagation, by reason.",
	}, []string{"reason"})
	anomalyCapped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "striderace",
		Subsystem: "reconcile",
		Name:      "anomaly_capped_total",
		Help:      "Count of deltas truncated by the anomaly cap.",
	})
	lastPropagationGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "striderace",
		Subsystem: "reconcile",
		Name:      "last_propagation_timestamp_seconds",
		Help:      "Unix timestamp of the most recent applied propagation.",
	})
	raceTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "striderace",
		Subsystem: "race",
		Name:      "transitions_total",
		Help:      "Count of successful race status transitions, by target status.",
	}, []string{"status"})
)

func init() {
	prometheus.MustRegister(
		propagationsApplied,
		propagationsSuppressed,
		anomalyCapped,
		lastPropagationGauge,
		raceTransitions,
	)
}

// RecordPropagationApplied updates the applied counter and watermark gauge.
func RecordPropagationApplied(ts time.Time) {
	propagationsApplied.Inc()
	if !ts.IsZero() {
		lastPropagationGauge.Set(float64(ts.Unix()))
	}
}

// RecordPropagationSuppressed counts a suppressed reading.
// Reasons: duplicate, non_positive, rate_limited.
func RecordPropagationSuppressed(reason string) {
	propagationsSuppressed.WithLabelValues(reason).Inc()
}

// RecordAnomalyCapped counts a delta truncated by the anomaly cap.
func RecordAnomalyCapped() {
	anomalyCapped.Inc()
}

// RecordRaceTransition counts a successful status transition.
func RecordRaceTransition(status string) {
	raceTransitions.WithLabelValues(status).Inc()
}
