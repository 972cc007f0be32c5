package offsetmap

import (
	"context"
	"sort"
	"sync"

	"github.com/quantica-technologies/kafka-backup/internal/app/segment"
	"github.com/quantica-technologies/kafka-backup/internal/domain"
)

// TimestampSource returns the original timestamp of the record at an
// offset of a backed-up partition. ok is false when the backup holds no
// record at that offset.
type TimestampSource interface {
	Timestamp(ctx context.Context, topic string, partition int32, offset int64) (ts int64, ok bool, err error)
}

// BackupTimestamps looks timestamps up in a backup's segments. The most
// recently read segment of each partition is cached.
type BackupTimestamps struct {
	manifest *domain.Manifest
	store    *segment.Store

	mu    sync.Mutex
	cache map[string]cachedSegment
}

type cachedSegment struct {
	key     string
	records []*domain.Record
}

// NewBackupTimestamps creates a timestamp source over a committed backup.
func NewBackupTimestamps(manifest *domain.Manifest, store *segment.Store) *BackupTimestamps {
	return &BackupTimestamps{
		manifest: manifest,
		store:    store,
		cache:    make(map[string]cachedSegment),
	}
}

func (b *BackupTimestamps) Timestamp(ctx context.Context, topic string, partition int32, offset int64) (int64, bool, error) {
	tm, ok := b.manifest.Topic(topic)
	if !ok {
		return 0, false, nil
	}
	pm, ok := tm.Partition(partition)
	if !ok {
		return 0, false, nil
	}
	i := sort.Search(len(pm.Segments), func(i int) bool { return pm.Segments[i].EndOffset > offset })
	if i == len(pm.Segments) || pm.Segments[i].StartOffset > offset {
		return 0, false, nil
	}
	seg := pm.Segments[i]

	records, err := b.records(ctx, seg)
	if err != nil {
		return 0, false, err
	}
	j := sort.Search(len(records), func(j int) bool { return records[j].Offset >= offset })
	if j == len(records) || records[j].Offset != offset {
		return 0, false, nil
	}
	return records[j].Timestamp, true, nil
}

func (b *BackupTimestamps) records(ctx context.Context, seg domain.Segment) ([]*domain.Record, error) {
	pk := domain.PartitionKey(seg.Topic, seg.Partition)

	b.mu.Lock()
	cached, ok := b.cache[pk]
	b.mu.Unlock()
	if ok && cached.key == seg.Key {
		return cached.records, nil
	}

	records, err := b.store.ReadSegment(ctx, seg)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.cache[pk] = cachedSegment{key: seg.Key, records: records}
	b.mu.Unlock()
	return records, nil
}

// ByTimestamp returns the new offset of the restored record with the
// latest original timestamp not after ts. Ties go to the lowest new offset
// so the consumer re-reads rather than skips. When every restored record
// is newer than ts the first one is returned, and an empty mapping yields
// its end offset.
func ByTimestamp(m *domain.OffsetMapping, ts int64) int64 {
	if len(m.Entries) == 0 {
		return m.EndOffset
	}
	best := -1
	for i, e := range m.Entries {
		if e.Timestamp > ts {
			continue
		}
		if best < 0 || e.Timestamp > m.Entries[best].Timestamp {
			best = i
		}
	}
	if best < 0 {
		return m.Entries[0].New
	}
	return m.Entries[best].New
}
