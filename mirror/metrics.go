package mirror

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// pushCount is a Counter vector of mirror push attempts
	pushCount *prometheus.CounterVec
	// fetchCount is a Counter vector of mirror fetch attempts
	fetchCount *prometheus.CounterVec
	// phaseLatency is a Histogram vector of per-phase durations
	phaseLatency *prometheus.HistogramVec
)

// EnableMetrics will enable metrics collection for mirror operations.
// Available metrics are...
//   - mirror_push_count - (tags: repo,success)
//     A Counter for each push attempt to the mirror gateway.
//   - mirror_fetch_count - (tags: repo,success)
//     A Counter for each fetch attempt from the mirror gateway.
//   - mirror_phase_duration_seconds - (tags: repo,phase)
//     A Histogram of lock/push/wait/fetch phase durations.
func EnableMetrics(metricsNamespace string, registerer prometheus.Registerer) {
	pushCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "mirror_push_count",
		Help:      "Count of pushes to the mirror gateway",
	},
		[]string{
			// path of the repository
			"repo",
			// whether the push was successful or not
			"success",
		},
	)

	fetchCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "mirror_fetch_count",
		Help:      "Count of fetches from the mirror gateway",
	},
		[]string{
			"repo",
			"success",
		},
	)

	phaseLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "mirror_phase_duration_seconds",
		Help:      "Duration of mirror operation phases",
		Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
	},
		[]string{
			"repo",
			// lock, push, wait or fetch
			"phase",
		},
	)

	registerer.MustRegister(
		pushCount,
		fetchCount,
		phaseLatency,
	)
}

func recordPush(repo string, success bool) {
	// if metrics not enabled return
	if pushCount == nil {
		return
	}
	pushCount.With(prometheus.Labels{
		"repo":    repo,
		"success": strconv.FormatBool(success),
	}).Inc()
}

func recordFetch(repo string, success bool) {
	if fetchCount == nil {
		return
	}
	fetchCount.With(prometheus.Labels{
		"repo":    repo,
		"success": strconv.FormatBool(success),
	}).Inc()
}

func observePhases(repo string, d *Durations) {
	if phaseLatency == nil {
		return
	}
	for phase, elapsed := range d.Snapshot() {
		phaseLatency.WithLabelValues(repo, phase).Observe(elapsed.Seconds())
	}
}
