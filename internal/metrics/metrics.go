// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MalformedRecords counts records dropped at the normalization boundary.
	MalformedRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_malformed_records_total",
			Help: "Records rejected by the normalizer, by source",
		},
		[]string{"source"},
	)

	// ClockSuspectRecords counts records accepted with a corrected timestamp.
	ClockSuspectRecords = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_clock_suspect_records_total",
			Help: "Records whose source timestamp exceeded the skew bound",
		},
	)

	// DuplicateRecords counts idempotent re-deliveries.
	DuplicateRecords = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_duplicate_records_total",
			Help: "Records suppressed as duplicates of an earlier delivery",
		},
	)

	// WindowsClosed counts analysis windows by closure cause.
	WindowsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_windows_closed_total",
			Help: "Analysis windows closed, by cause (elapsed or truncated)",
		},
		[]string{"cause"},
	)

	// ScorerCalls counts external scorer outcomes.
	ScorerCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_scorer_calls_total",
			Help: "External scorer calls, by outcome (ok, timeout, error)",
		},
		[]string{"outcome"},
	)

	// StorageWriteErrors counts failed report store write attempts.
	StorageWriteErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_storage_write_errors_total",
			Help: "Report store write attempts that failed",
		},
	)

	// EvictedFiles counts daily files removed by retention.
	EvictedFiles = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_evicted_files_total",
			Help: "Daily report files removed by retention eviction",
		},
	)

	// TrackedDevices is the current device-state population.
	TrackedDevices = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_tracked_devices",
			Help: "Devices currently held by the state tracker",
		},
	)

	// DeviceTransitions counts state machine transitions by target status.
	DeviceTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_device_transitions_total",
			Help: "Device state transitions, by resulting status",
		},
		[]string{"status"},
	)
)
