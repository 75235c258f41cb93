// Package metrics exposes Prometheus collectors for lifecycle operations.
// Host pipelines that already scrape a registry get install/startup/pull
// visibility for free; everything else ignores it.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	installAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ollamactl",
			Subsystem: "install",
			Name:      "attempts_total",
			Help:      "Installation attempts by strategy step and outcome",
		},
		[]string{"step", "outcome"},
	)

	setupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "ollamactl",
			Subsystem: "lifecycle",
			Name:      "setup_duration_seconds",
			Help:      "End-to-end setup duration in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
	)

	healthProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ollamactl",
			Subsystem: "health",
			Name:      "probes_total",
			Help:      "Readiness probes by result",
		},
		[]string{"result"},
	)

	pullBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ollamactl",
			Subsystem: "pull",
			Name:      "bytes_total",
			Help:      "Bytes reported downloaded across model pulls",
		},
	)

	pullsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ollamactl",
			Subsystem: "pull",
			Name:      "pulls_total",
			Help:      "Model pulls by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(installAttemptsTotal, setupDuration, healthProbesTotal, pullBytesTotal, pullsTotal)
}

// InstallAttempt records one strategy step outcome ("ok" or "fail").
func InstallAttempt(step string, ok bool) {
	installAttemptsTotal.WithLabelValues(step, outcome(ok)).Inc()
}

// SetupObserved records a completed setup of the given duration.
func SetupObserved(d time.Duration) {
	setupDuration.Observe(d.Seconds())
}

// HealthProbe records one readiness probe result.
func HealthProbe(ok bool) {
	healthProbesTotal.WithLabelValues(outcome(ok)).Inc()
}

// PullProgressBytes accumulates newly reported downloaded bytes.
func PullProgressBytes(n int64) {
	if n > 0 {
		pullBytesTotal.Add(float64(n))
	}
}

// PullFinished records one pull outcome.
func PullFinished(ok bool) {
	pullsTotal.WithLabelValues(outcome(ok)).Inc()
}

func outcome(ok bool) string {
	if ok {
		return "ok"
	}
	return "fail"
}
