package domain

import (
	"fmt"
	"sync"
	"time"
)

// Restore represents a restore operation
type Restore struct {
	ID            string
	BackupID      string
	SourceStorage *Storage
	TargetCluster *KafkaCluster
	Topics        TopicFilter
	TopicMapping  map[string]string
	Window        TimeWindow

	PartitionMapping        PartitionMapping
	MaxConcurrentPartitions int
	CreateTopics            bool
	DryRun                  bool

	ResetConsumerOffsets  bool
	ConsumerGroups        []string
	ConsumerGroupStrategy OffsetStrategy

	Status    *RestoreStatus
	CreatedAt time.Time
}

// PartitionMapping controls how source partitions land on the target
// topic when partition counts differ.
type PartitionMapping string

const (
	PartitionMappingStrict PartitionMapping = "strict"
	PartitionMappingModulo PartitionMapping = "modulo"
)

// RestoreStatus represents the status of a restore
type RestoreStatus struct {
	mu sync.Mutex

	Phase           RestorePhase
	StartTime       *time.Time
	CompletionTime  *time.Time
	RecordsRestored int64
	RecordsSkipped  int64
	Partitions      map[string]*PartitionProgress
	Errors          []string
}

type RestorePhase string

const (
	RestorePhasePending         RestorePhase = "PENDING"
	RestorePhaseReadingManifest RestorePhase = "READING_MANIFEST"
	RestorePhaseReplaying       RestorePhase = "REPLAYING"
	RestorePhaseComplete        RestorePhase = "COMPLETE"
	RestorePhaseFailed          RestorePhase = "FAILED"
)

// Terminal reports whether no further transitions are possible.
func (p RestorePhase) Terminal() bool {
	return p == RestorePhaseComplete || p == RestorePhaseFailed
}

var restoreTransitions = map[RestorePhase]RestorePhase{
	RestorePhasePending:         RestorePhaseReadingManifest,
	RestorePhaseReadingManifest: RestorePhaseReplaying,
	RestorePhaseReplaying:       RestorePhaseComplete,
}

// PartitionProgress tracks replay of one source partition.
type PartitionProgress struct {
	Topic           string       `json:"topic"`
	Partition       int32        `json:"partition"`
	TargetTopic     string       `json:"target_topic"`
	TargetPartition int32        `json:"target_partition"`
	Phase           RestorePhase `json:"phase"`
	RecordsRestored int64        `json:"records_restored"`
	RecordsSkipped  int64        `json:"records_skipped"`
	Error           string       `json:"error,omitempty"`
}

// NewRestoreStatus returns a status in the PENDING phase.
func NewRestoreStatus() *RestoreStatus {
	return &RestoreStatus{
		Phase:      RestorePhasePending,
		Partitions: make(map[string]*PartitionProgress),
	}
}

// Transition moves the job to the next phase. FAILED is reachable from
// every non-terminal phase; any other move must follow
// PENDING -> READING_MANIFEST -> REPLAYING -> COMPLETE.
func (s *RestoreStatus) Transition(to RestorePhase) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Phase.Terminal() {
		return fmt.Errorf("restore already %s, cannot move to %s", s.Phase, to)
	}
	if to != RestorePhaseFailed && restoreTransitions[s.Phase] != to {
		return fmt.Errorf("invalid restore transition %s -> %s", s.Phase, to)
	}

	now := time.Now().UTC()
	switch to {
	case RestorePhaseReadingManifest:
		s.StartTime = &now
	case RestorePhaseComplete, RestorePhaseFailed:
		s.CompletionTime = &now
	}
	s.Phase = to
	return nil
}

// CurrentPhase returns the phase under the status lock.
func (s *RestoreStatus) CurrentPhase() RestorePhase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Phase
}

// Track registers a partition before replay.
func (s *RestoreStatus) Track(p *PartitionProgress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Partitions == nil {
		s.Partitions = make(map[string]*PartitionProgress)
	}
	p.Phase = RestorePhasePending
	s.Partitions[PartitionKey(p.Topic, p.Partition)] = p
}

// UpdatePartition applies fn to a tracked partition under the status lock.
func (s *RestoreStatus) UpdatePartition(topic string, partition int32, fn func(p *PartitionProgress)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.Partitions[PartitionKey(topic, partition)]
	if !ok {
		return
	}
	before, skippedBefore := p.RecordsRestored, p.RecordsSkipped
	fn(p)
	s.RecordsRestored += p.RecordsRestored - before
	s.RecordsSkipped += p.RecordsSkipped - skippedBefore
	if p.Error != "" && p.Phase == RestorePhaseFailed {
		s.Errors = append(s.Errors, fmt.Sprintf("%s: %s", PartitionKey(topic, partition), p.Error))
	}
}

// AddError records a job-level error.
func (s *RestoreStatus) AddError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Errors = append(s.Errors, msg)
}

// GetMappedTopicName returns the mapped topic name or original if no mapping
func (r *Restore) GetMappedTopicName(originalName string) string {
	if mapped, ok := r.TopicMapping[originalName]; ok {
		return mapped
	}
	return originalName
}

// TargetPartition maps a source partition onto a target topic with the
// given partition count.
func (r *Restore) TargetPartition(source, targetCount int32) (int32, error) {
	if source < targetCount {
		return source, nil
	}
	if r.PartitionMapping == PartitionMappingModulo && targetCount > 0 {
		return source % targetCount, nil
	}
	return 0, fmt.Errorf("partition %d does not exist on target with %d partitions", source, targetCount)
}
