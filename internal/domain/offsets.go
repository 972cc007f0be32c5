package domain

import (
	"fmt"
	"sort"
	"time"
)

// OffsetStrategy selects how committed offsets are carried into a
// restored offset space.
type OffsetStrategy string

const (
	OffsetStrategySkip           OffsetStrategy = "skip"
	OffsetStrategyHeaderBased    OffsetStrategy = "header-based"
	OffsetStrategyTimestampBased OffsetStrategy = "timestamp-based"
	OffsetStrategyClusterScan    OffsetStrategy = "cluster-scan"
	OffsetStrategyManual         OffsetStrategy = "manual"
)

// Valid reports whether the strategy is known.
func (s OffsetStrategy) Valid() bool {
	switch s {
	case OffsetStrategySkip, OffsetStrategyHeaderBased, OffsetStrategyTimestampBased,
		OffsetStrategyClusterScan, OffsetStrategyManual:
		return true
	}
	return false
}

// PartitionOffset is a committed offset and its opaque metadata.
type PartitionOffset struct {
	Offset   int64  `json:"offset"`
	Metadata string `json:"metadata"`
}

// GroupOffsets maps "topic:partition" keys to committed offsets.
type GroupOffsets map[string]PartitionOffset

// OffsetSnapshot is a point-in-time copy of consumer group offsets.
type OffsetSnapshot struct {
	ID          string                  `json:"snapshot_id"`
	Description string                  `json:"description"`
	CreatedAt   time.Time               `json:"created_at"`
	Groups      map[string]GroupOffsets `json:"groups"`
}

// GroupNames returns the snapshot's groups in sorted order.
func (s *OffsetSnapshot) GroupNames() []string {
	names := make([]string, 0, len(s.Groups))
	for g := range s.Groups {
		names = append(names, g)
	}
	sort.Strings(names)
	return names
}

// MappingEntry pairs an original offset with its position after replay.
type MappingEntry struct {
	Old       int64 `json:"old"`
	New       int64 `json:"new"`
	Timestamp int64 `json:"timestamp"`
}

// OffsetMapping translates offsets of one source partition into the
// offset space of its restored copy. Entries are ordered by Old.
type OffsetMapping struct {
	Topic           string         `json:"topic"`
	Partition       int32          `json:"partition"`
	TargetTopic     string         `json:"target_topic"`
	TargetPartition int32          `json:"target_partition"`
	EndOffset       int64          `json:"end_offset"`
	Entries         []MappingEntry `json:"entries"`
}

// Add appends an entry. Entries must be added in replay order.
func (m *OffsetMapping) Add(oldOffset, newOffset, ts int64) {
	m.Entries = append(m.Entries, MappingEntry{Old: oldOffset, New: newOffset, Timestamp: ts})
	if newOffset+1 > m.EndOffset {
		m.EndOffset = newOffset + 1
	}
}

// Validate checks that old and new offsets both strictly increase, which
// makes the mapping injective and order-preserving.
func (m *OffsetMapping) Validate() error {
	for i := 1; i < len(m.Entries); i++ {
		prev, cur := m.Entries[i-1], m.Entries[i]
		if cur.Old <= prev.Old {
			return fmt.Errorf("mapping %s: old offset %d does not follow %d", PartitionKey(m.Topic, m.Partition), cur.Old, prev.Old)
		}
		if cur.New <= prev.New {
			return fmt.Errorf("mapping %s: new offset %d does not follow %d", PartitionKey(m.Topic, m.Partition), cur.New, prev.New)
		}
	}
	if n := len(m.Entries); n > 0 && m.EndOffset <= m.Entries[n-1].New {
		return fmt.Errorf("mapping %s: end offset %d not past last new offset %d", PartitionKey(m.Topic, m.Partition), m.EndOffset, m.Entries[n-1].New)
	}
	return nil
}

// Translate maps an original offset to the restored offset space. An
// offset with no restored record maps to the first restored record after
// it, or to EndOffset when there is none. exact reports a direct hit.
func (m *OffsetMapping) Translate(old int64) (offset int64, exact bool) {
	i := sort.Search(len(m.Entries), func(i int) bool { return m.Entries[i].Old >= old })
	if i == len(m.Entries) {
		return m.EndOffset, false
	}
	return m.Entries[i].New, m.Entries[i].Old == old
}

// Lookup returns the new offset for an exact original offset.
func (m *OffsetMapping) Lookup(old int64) (int64, bool) {
	n, exact := m.Translate(old)
	if !exact {
		return 0, false
	}
	return n, true
}

// MappingSet is the persisted result of one restore: a mapping per
// restored source partition.
type MappingSet struct {
	BackupID  string           `json:"backup_id"`
	RestoreID string           `json:"restore_id"`
	CreatedAt time.Time        `json:"created_at"`
	Window    TimeWindow       `json:"window"`
	Mappings  []*OffsetMapping `json:"mappings"`
}

// Mapping returns the mapping for a source partition.
func (s *MappingSet) Mapping(topic string, partition int32) (*OffsetMapping, bool) {
	for _, m := range s.Mappings {
		if m.Topic == topic && m.Partition == partition {
			return m, true
		}
	}
	return nil, false
}

// Sort orders mappings by topic and partition.
func (s *MappingSet) Sort() {
	sort.Slice(s.Mappings, func(i, j int) bool {
		if s.Mappings[i].Topic != s.Mappings[j].Topic {
			return s.Mappings[i].Topic < s.Mappings[j].Topic
		}
		return s.Mappings[i].Partition < s.Mappings[j].Partition
	})
}

// ResetPlan is the per-group set of offsets to commit.
type ResetPlan struct {
	Strategy OffsetStrategy          `json:"strategy"`
	Groups   map[string]GroupOffsets `json:"groups"`
}
