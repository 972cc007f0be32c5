package domain

import (
	"fmt"
	"sort"
	"time"
)

// ManifestVersion is the current manifest format version.
const ManifestVersion = 1

// Manifest is the single commit point of a backup. A backup without a
// manifest has not completed, whatever segments exist for it.
type Manifest struct {
	Version       int             `json:"version"`
	BackupID      string          `json:"backup_id"`
	SourceCluster string          `json:"source_cluster"`
	Mode          BackupMode      `json:"mode"`
	Compression   string          `json:"compression"`
	Generation    int             `json:"generation"`
	CreatedAt     time.Time       `json:"created_at"`
	CompletedAt   time.Time       `json:"completed_at"`
	TotalRecords  int64           `json:"total_records"`
	TotalBytes    int64           `json:"total_bytes"`
	Topics        []TopicManifest `json:"topics"`

	// ConsumerGroupSnapshot names the offset snapshot taken at backup start.
	ConsumerGroupSnapshot string `json:"consumer_group_snapshot,omitempty"`
}

// TopicManifest lists the partitions captured for one topic.
type TopicManifest struct {
	Name           string              `json:"name"`
	PartitionCount int32               `json:"partition_count"`
	Partitions     []PartitionManifest `json:"partitions"`
}

// PartitionManifest lists the segments of one partition in offset order.
type PartitionManifest struct {
	Partition   int32     `json:"partition"`
	StartOffset int64     `json:"start_offset"`
	EndOffset   int64     `json:"end_offset"`
	Records     int64     `json:"records"`
	Segments    []Segment `json:"segments"`
}

// Segment describes one immutable compressed blob of consecutive records.
// EndOffset is exclusive: the segment holds records in [StartOffset, EndOffset).
type Segment struct {
	Key              string `json:"key"`
	Topic            string `json:"topic"`
	Partition        int32  `json:"partition"`
	Sequence         int    `json:"sequence"`
	StartOffset      int64  `json:"start_offset"`
	EndOffset        int64  `json:"end_offset"`
	RecordCount      int64  `json:"record_count"`
	CompressedSize   int64  `json:"compressed_size"`
	UncompressedSize int64  `json:"uncompressed_size"`
	Checksum         string `json:"checksum"`
	Compression      string `json:"compression"`
	MinTimestamp     int64  `json:"min_timestamp"`
	MaxTimestamp     int64  `json:"max_timestamp"`
}

// Topic returns the manifest entry for a topic.
func (m *Manifest) Topic(name string) (*TopicManifest, bool) {
	for i := range m.Topics {
		if m.Topics[i].Name == name {
			return &m.Topics[i], true
		}
	}
	return nil, false
}

// Partition returns the manifest entry for a partition.
func (t *TopicManifest) Partition(id int32) (*PartitionManifest, bool) {
	for i := range t.Partitions {
		if t.Partitions[i].Partition == id {
			return &t.Partitions[i], true
		}
	}
	return nil, false
}

// Normalize sorts topics, partitions and segments and recomputes totals.
func (m *Manifest) Normalize() {
	sort.Slice(m.Topics, func(i, j int) bool { return m.Topics[i].Name < m.Topics[j].Name })

	m.TotalRecords, m.TotalBytes = 0, 0
	for ti := range m.Topics {
		t := &m.Topics[ti]
		sort.Slice(t.Partitions, func(i, j int) bool { return t.Partitions[i].Partition < t.Partitions[j].Partition })
		for pi := range t.Partitions {
			p := &t.Partitions[pi]
			sort.Slice(p.Segments, func(i, j int) bool { return p.Segments[i].StartOffset < p.Segments[j].StartOffset })
			p.Records = 0
			for _, s := range p.Segments {
				p.Records += s.RecordCount
				m.TotalRecords += s.RecordCount
				m.TotalBytes += s.CompressedSize
			}
			if len(p.Segments) > 0 {
				p.StartOffset = p.Segments[0].StartOffset
				p.EndOffset = p.Segments[len(p.Segments)-1].EndOffset
			}
		}
	}
}

// Validate checks that every partition's segments are ordered, contiguous
// in sequence and non-overlapping in offsets. Offsets may have gaps where
// the source log had them (compaction, transaction markers).
func (m *Manifest) Validate() error {
	if m.BackupID == "" {
		return fmt.Errorf("manifest has no backup id")
	}
	for _, t := range m.Topics {
		for _, p := range t.Partitions {
			for i, s := range p.Segments {
				if s.EndOffset <= s.StartOffset {
					return fmt.Errorf("segment %s has empty offset range [%d, %d)", s.Key, s.StartOffset, s.EndOffset)
				}
				if s.RecordCount <= 0 || s.RecordCount > s.EndOffset-s.StartOffset {
					return fmt.Errorf("segment %s has %d records for range [%d, %d)", s.Key, s.RecordCount, s.StartOffset, s.EndOffset)
				}
				if i == 0 {
					continue
				}
				prev := p.Segments[i-1]
				if s.StartOffset < prev.EndOffset {
					return fmt.Errorf("segments %s and %s of %s overlap", prev.Key, s.Key, PartitionKey(t.Name, p.Partition))
				}
				if s.Sequence != prev.Sequence+1 {
					return fmt.Errorf("segment sequence gap in %s: %d follows %d", PartitionKey(t.Name, p.Partition), s.Sequence, prev.Sequence)
				}
			}
		}
	}
	return nil
}

// BackupSummary condenses a manifest for listings.
type BackupSummary struct {
	BackupID     string     `json:"backup_id"`
	Mode         BackupMode `json:"mode"`
	Generation   int        `json:"generation"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  time.Time  `json:"completed_at"`
	Topics       int        `json:"topics"`
	Partitions   int        `json:"partitions"`
	Segments     int        `json:"segments"`
	TotalRecords int64      `json:"total_records"`
	TotalBytes   int64      `json:"total_bytes"`
}

// Summary condenses the manifest.
func (m *Manifest) Summary() BackupSummary {
	s := BackupSummary{
		BackupID:     m.BackupID,
		Mode:         m.Mode,
		Generation:   m.Generation,
		CreatedAt:    m.CreatedAt,
		CompletedAt:  m.CompletedAt,
		Topics:       len(m.Topics),
		TotalRecords: m.TotalRecords,
		TotalBytes:   m.TotalBytes,
	}
	for _, t := range m.Topics {
		s.Partitions += len(t.Partitions)
		for _, p := range t.Partitions {
			s.Segments += len(p.Segments)
		}
	}
	return s
}
