// Package metrics holds the Prometheus collectors for the driver pipeline.
// They register with the default registry and are served by promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "breeze_drivers"

var (
	Downloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "download",
			Name:      "total",
			Help:      "Package downloads by final result.",
		},
		[]string{"result"},
	)
	DownloadRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "download",
			Name:      "retries_total",
			Help:      "Download attempts retried after a transient error.",
		},
	)
	DownloadBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "download",
			Name:      "bytes_total",
			Help:      "Package bytes received.",
		},
	)
	DownloadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "download",
			Name:      "duration_seconds",
			Help:      "Wall time of a download including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 12),
		},
		[]string{"result"},
	)

	Validations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "validate",
			Name:      "total",
			Help:      "Package validations by verdict.",
		},
		[]string{"verdict"},
	)

	Installs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "installer",
			Name:      "total",
			Help:      "Install and uninstall calls by action and result.",
		},
		[]string{"action", "result"},
	)
	InstallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "installer",
			Name:      "duration_seconds",
			Help:      "Duration of install and uninstall calls.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"action"},
	)

	BatchMembers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "members_total",
			Help:      "Finished batch members by action and outcome.",
		},
		[]string{"action", "outcome"},
	)
	Batches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "completed_total",
			Help:      "Completed batches by action.",
		},
		[]string{"action"},
	)

	Records = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "records",
			Help:      "Driver records by status.",
		},
		[]string{"status"},
	)
	DroppedEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "dropped_progress_events_total",
			Help:      "Progress events dropped for slow subscribers.",
		},
	)
)
