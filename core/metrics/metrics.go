// Package metrics provides Prometheus metrics for the citation capture service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ChangesTotal counts change records produced by the diff, by status.
	ChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "citation_capture",
			Subsystem: "snapshot",
			Name:      "changes_total",
			Help:      "Change records produced by snapshot diffs by status",
		},
		[]string{"status"},
	)

	// CycleDuration tracks how long import/expand/diff takes.
	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "citation_capture",
			Subsystem: "snapshot",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of snapshot import and diff in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
	)

	// ContinuityMismatches counts rows the continuity check flagged.
	ContinuityMismatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "citation_capture",
			Subsystem: "snapshot",
			Name:      "continuity_mismatches_total",
			Help:      "Rows not reflected consistently between the previous snapshot and the registry",
		},
		[]string{"direction"},
	)

	// TasksTotal counts finished units of work by kind and outcome.
	TasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "citation_capture",
			Subsystem: "worker",
			Name:      "tasks_total",
			Help:      "Units of work processed by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	// TasksInFlight tracks queued plus running units of work.
	TasksInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "citation_capture",
			Subsystem: "worker",
			Name:      "tasks_in_flight",
			Help:      "Units of work queued or running",
		},
	)

	// EmissionsTotal counts downstream emissions by channel and outcome.
	EmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "citation_capture",
			Subsystem: "emission",
			Name:      "emissions_total",
			Help:      "Downstream emission attempts by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)
)
