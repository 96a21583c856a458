package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	Registry = prometheus.NewRegistry()

	CoordinatorAppends = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "EntDB",
		Subsystem: "coordinator",
		Name:      "appends_total",
		Help:      "Events appended to the WAL.",
	})

	AppendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "EntDB",
		Subsystem: "coordinator",
		Name:      "append_seconds",
		Help:      "WAL append latency including broker acknowledgment.",
		Buckets:   prometheus.DefBuckets,
	})

	ApplierApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "EntDB",
		Subsystem: "applier",
		Name:      "applied_total",
		Help:      "Events applied, skipped (replay) or dead-lettered.",
	}, []string{"outcome"})

	ApplierRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "EntDB",
		Subsystem: "applier",
		Name:      "retries_total",
		Help:      "Transient store failures retried.",
	})

	ApplierLag = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "EntDB",
		Subsystem: "applier",
		Name:      "lag_records",
		Help:      "Distance between the partition head and the applied position.",
	}, []string{"partition"})

	DeadLetters = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "EntDB",
		Subsystem: "applier",
		Name:      "dead_letters_total",
		Help:      "Events routed to the dead-letter sidecar.",
	})

	ArchiveSegments = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "EntDB",
		Subsystem: "archiver",
		Name:      "segments_total",
		Help:      "Archive segments flushed to object storage.",
	})

	ArchiveBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "EntDB",
		Subsystem: "archiver",
		Name:      "compressed_bytes_total",
		Help:      "Compressed bytes uploaded to the archive.",
	})

	SnapshotDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "EntDB",
		Subsystem: "snapshotter",
		Name:      "snapshot_seconds",
		Help:      "End-to-end tenant snapshot duration.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300},
	})

	SnapshotFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "EntDB",
		Subsystem: "snapshotter",
		Name:      "failures_total",
		Help:      "Snapshot attempts that failed.",
	})
)

func init() {
	Registry.MustRegister(
		CoordinatorAppends,
		AppendLatency,
		ApplierApplied,
		ApplierRetries,
		ApplierLag,
		DeadLetters,
		ArchiveSegments,
		ArchiveBytes,
		SnapshotDuration,
		SnapshotFailures,
	)
}
