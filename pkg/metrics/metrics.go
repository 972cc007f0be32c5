package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Backup metrics
	BackupRecordsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_backup_records_processed_total",
			Help: "Total number of records captured by backup",
		},
		[]string{"backup_id", "topic", "partition"},
	)

	BackupBytesWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_backup_bytes_written_total",
			Help: "Total compressed segment bytes written by backup",
		},
		[]string{"backup_id", "topic"},
	)

	BackupDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kafka_backup_duration_seconds",
			Help:    "Duration of backup operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backup_id", "operation"},
	)

	SegmentsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_backup_segments_written_total",
			Help: "Total segments written",
		},
		[]string{"compression"},
	)

	CheckpointLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kafka_backup_checkpoint_latency_seconds",
			Help:    "Latency of durable checkpoint writes",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backup_id"},
	)

	PartitionFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_backup_partition_failures_total",
			Help: "Partitions that failed during backup or restore",
		},
		[]string{"job", "topic"},
	)

	// Restore metrics
	RestoreRecordsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_restore_records_processed_total",
			Help: "Total number of records replayed",
		},
		[]string{"restore_id", "topic", "partition"},
	)

	RestoreRecordsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_restore_records_skipped_total",
			Help: "Records outside the restore time window",
		},
		[]string{"restore_id", "topic"},
	)

	RestoreDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kafka_restore_duration_seconds",
			Help:    "Duration of restore operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"restore_id", "operation"},
	)

	// Offset metrics
	OffsetCommits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_backup_offset_commits_total",
			Help: "Consumer group offset commits by operation",
		},
		[]string{"operation", "group"},
	)

	// Storage metrics
	StorageOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_backup_storage_operations_total",
			Help: "Total storage operations",
		},
		[]string{"operation", "status"},
	)

	StorageLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kafka_backup_storage_latency_seconds",
			Help:    "Storage operation latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	IntegrityFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kafka_backup_integrity_failures_total",
			Help: "Segments rejected by checksum or shape verification",
		},
	)

	Retries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_backup_retries_total",
			Help: "Retried remote calls",
		},
		[]string{"operation"},
	)
)

// ObserveStorage records the outcome and latency of a storage call.
func ObserveStorage(operation string, seconds float64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	StorageOperations.WithLabelValues(operation, status).Inc()
	StorageLatency.WithLabelValues(operation).Observe(seconds)
}
