package domain

import (
	"sort"
	"time"
)

// JobKind distinguishes the operations that produce a JobResult.
type JobKind string

const (
	JobKindBackup  JobKind = "backup"
	JobKindRestore JobKind = "restore"
)

// JobResult summarizes a finished backup or restore.
type JobResult struct {
	ID           string            `json:"id"`
	BackupID     string            `json:"backup_id"`
	Kind         JobKind           `json:"kind"`
	Phase        string            `json:"phase"`
	DryRun       bool              `json:"dry_run,omitempty"`
	Window       TimeWindow        `json:"window"`
	StartedAt    time.Time         `json:"started_at"`
	CompletedAt  time.Time         `json:"completed_at"`
	TotalRecords int64             `json:"total_records"`
	Skipped      int64             `json:"skipped_records"`
	TotalBytes   int64             `json:"total_bytes"`
	Partitions   []PartitionResult `json:"partitions"`
	Errors       []string          `json:"errors,omitempty"`
}

// PartitionResult is the per-partition outcome of a job.
type PartitionResult struct {
	Topic           string `json:"topic"`
	Partition       int32  `json:"partition"`
	TargetTopic     string `json:"target_topic,omitempty"`
	TargetPartition int32  `json:"target_partition"`
	Status          string `json:"status"`
	Records         int64  `json:"records"`
	Skipped         int64  `json:"skipped"`
	Bytes           int64  `json:"bytes"`
	Checkpoint      int64  `json:"checkpoint"`
	Error           string `json:"error,omitempty"`
}

// SortPartitions orders partition results by topic then partition.
func (j *JobResult) SortPartitions() {
	sort.Slice(j.Partitions, func(a, b int) bool {
		if j.Partitions[a].Topic != j.Partitions[b].Topic {
			return j.Partitions[a].Topic < j.Partitions[b].Topic
		}
		return j.Partitions[a].Partition < j.Partitions[b].Partition
	})
}

// Report snapshots a restore status as a JobResult.
func (s *RestoreStatus) Report(r *Restore) *JobResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := &JobResult{
		ID:           r.ID,
		BackupID:     r.BackupID,
		Kind:         JobKindRestore,
		Phase:        string(s.Phase),
		DryRun:       r.DryRun,
		Window:       r.Window,
		TotalRecords: s.RecordsRestored,
		Skipped:      s.RecordsSkipped,
		Errors:       append([]string(nil), s.Errors...),
	}
	if s.StartTime != nil {
		result.StartedAt = *s.StartTime
	}
	if s.CompletionTime != nil {
		result.CompletedAt = *s.CompletionTime
	}
	for _, p := range s.Partitions {
		result.Partitions = append(result.Partitions, PartitionResult{
			Topic:           p.Topic,
			Partition:       p.Partition,
			TargetTopic:     p.TargetTopic,
			TargetPartition: p.TargetPartition,
			Status:          string(p.Phase),
			Records:         p.RecordsRestored,
			Skipped:         p.RecordsSkipped,
			Error:           p.Error,
		})
	}
	result.SortPartitions()
	return result
}
