package domain

import (
	"sort"
	"time"
)

// Backup represents a backup operation
type Backup struct {
	ID            string
	SourceCluster *KafkaCluster
	TargetStorage *Storage
	Topics        TopicFilter
	Mode          BackupMode

	Compression      string
	CompressionLevel int

	SegmentMaxRecords int
	SegmentMaxBytes   int64

	MaxConcurrentPartitions   int
	CheckpointInterval        time.Duration
	CheckpointIntervalRecords int
	PollInterval              time.Duration
	FetchMaxRecords           int
	MaxEmptyFetches           int

	// ConsumerGroups are snapshotted at backup start when set.
	ConsumerGroups []string

	Status    BackupStatus
	CreatedAt time.Time
}

type BackupMode string

const (
	BackupModeFull       BackupMode = "full"
	BackupModeContinuous BackupMode = "continuous"
)

// BackupStatus represents the status of a backup
type BackupStatus struct {
	Phase            BackupPhase
	TopicsDiscovered int
	PartitionsTotal  int
	PartitionsDone   int
	RecordsProcessed int64
	BytesProcessed   int64
	LastBackupTime   *time.Time
	Errors           []string
}

type BackupPhase string

const (
	BackupPhasePending   BackupPhase = "Pending"
	BackupPhaseRunning   BackupPhase = "Running"
	BackupPhaseCompleted BackupPhase = "Completed"
	BackupPhaseFailed    BackupPhase = "Failed"
)

// PartitionBoundary is the offset range a backup pass must capture for one
// partition: from LogStart up to, but excluding, HighWatermark.
type PartitionBoundary struct {
	Topic         string `json:"topic"`
	Partition     int32  `json:"partition"`
	LogStart      int64  `json:"log_start"`
	HighWatermark int64  `json:"high_watermark"`
}

// BackupState is persisted before any partition is read, so a resumed run
// reuses the boundaries captured by the first attempt.
type BackupState struct {
	BackupID   string                       `json:"backup_id"`
	Mode       BackupMode                   `json:"mode"`
	Generation int                          `json:"generation"`
	Topics     []TopicSpec                  `json:"topics"`
	Boundaries map[string]PartitionBoundary `json:"boundaries"`
	CreatedAt  time.Time                    `json:"created_at"`
	UpdatedAt  time.Time                    `json:"updated_at"`
}

// SortedBoundaries returns boundaries ordered by topic then partition.
func (s *BackupState) SortedBoundaries() []PartitionBoundary {
	out := make([]PartitionBoundary, 0, len(s.Boundaries))
	for _, b := range s.Boundaries {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Topic != out[j].Topic {
			return out[i].Topic < out[j].Topic
		}
		return out[i].Partition < out[j].Partition
	})
	return out
}

// Checkpoint records durable progress for one partition. LastOffset is -1
// until the first segment is committed.
type Checkpoint struct {
	BackupID     string    `json:"backup_id"`
	Topic        string    `json:"topic"`
	Partition    int32     `json:"partition"`
	Boundary     int64     `json:"boundary"`
	LastOffset   int64     `json:"last_offset"`
	NextSequence int       `json:"next_sequence"`
	Segments     []Segment `json:"segments"`
	Complete     bool      `json:"complete"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// NewCheckpoint returns an empty checkpoint for a partition.
func NewCheckpoint(backupID, topic string, partition int32, boundary int64) *Checkpoint {
	return &Checkpoint{
		BackupID:   backupID,
		Topic:      topic,
		Partition:  partition,
		Boundary:   boundary,
		LastOffset: -1,
	}
}

// NextOffset is the first offset not yet durably captured.
func (c *Checkpoint) NextOffset(logStart int64) int64 {
	if c.LastOffset < 0 {
		return logStart
	}
	if c.LastOffset+1 < logStart {
		return logStart
	}
	return c.LastOffset + 1
}

// Records returns the number of records in committed segments.
func (c *Checkpoint) Records() int64 {
	var n int64
	for _, s := range c.Segments {
		n += s.RecordCount
	}
	return n
}
