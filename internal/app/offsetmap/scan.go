package offsetmap

import (
	"context"
	"strconv"

	"github.com/quantica-technologies/kafka-backup/internal/domain"
	"github.com/quantica-technologies/kafka-backup/internal/repository"
)

const (
	defaultScanBatch = 500
	maxEmptyScans    = 3
)

// Target names the restored copy of a source partition.
type Target struct {
	Topic     string
	Partition int32
}

// ScanMapping rebuilds the mapping of one source partition by reading the
// target partition from its log start to its high-water mark and pairing
// each record's original-offset header with the offset it now has. Records
// without the header, from another source partition, or re-delivered by a
// repeated restore are ignored.
func ScanMapping(ctx context.Context, admin repository.Admin, reader repository.PartitionReader,
	sourceTopic string, sourcePartition int32, target Target, batch int,
) (*domain.OffsetMapping, error) {
	if batch <= 0 {
		batch = defaultScanBatch
	}
	low, high, err := admin.GetOffsets(ctx, target.Topic, target.Partition)
	if err != nil {
		return nil, err
	}

	mapping := &domain.OffsetMapping{
		Topic:           sourceTopic,
		Partition:       sourcePartition,
		TargetTopic:     target.Topic,
		TargetPartition: target.Partition,
		EndOffset:       high,
	}

	next, empty := low, 0
	for next < high {
		records, err := reader.Fetch(ctx, target.Topic, target.Partition, next, batch)
		if err != nil {
			return nil, err
		}
		if len(records) == 0 {
			// control records at the tail never show up in a fetch
			if empty++; empty >= maxEmptyScans {
				break
			}
			continue
		}
		empty = 0

		for _, r := range records {
			if r.Offset >= high {
				next = high
				break
			}
			next = r.Offset + 1
			if !fromSource(r, sourceTopic, sourcePartition) {
				continue
			}
			old, ok := r.OriginalOffset()
			if !ok {
				continue
			}
			if n := len(mapping.Entries); n > 0 && old <= mapping.Entries[n-1].Old {
				continue
			}
			mapping.Add(old, r.Offset, originalTimestamp(r))
		}
	}
	return mapping, nil
}

// fromSource reports whether the record was replayed from the given source
// partition. Records lacking the topic or partition headers are assumed to
// belong to it.
func fromSource(r *domain.Record, topic string, partition int32) bool {
	if v, ok := r.Header(domain.HeaderOriginalTopic); ok && string(v) != topic {
		return false
	}
	if v, ok := r.Header(domain.HeaderOriginalPartition); ok {
		p, err := strconv.ParseInt(string(v), 10, 32)
		if err != nil || int32(p) != partition {
			return false
		}
	}
	return true
}

func originalTimestamp(r *domain.Record) int64 {
	if v, ok := r.Header(domain.HeaderOriginalTimestamp); ok {
		if ts, err := strconv.ParseInt(string(v), 10, 64); err == nil {
			return ts
		}
	}
	return r.Timestamp
}
