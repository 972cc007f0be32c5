// Package offsetmap translates committed consumer offsets from the offset
// space of a backed-up partition into the offset space of its restored copy.
package offsetmap

import (
	"context"
	"sort"

	"github.com/quantica-technologies/kafka-backup/internal/domain"
	"github.com/quantica-technologies/kafka-backup/internal/repository"
	apperrors "github.com/quantica-technologies/kafka-backup/pkg/errors"
	"github.com/quantica-technologies/kafka-backup/pkg/logger"
)

// Mapper builds reset plans
type Mapper struct {
	logger     logger.Logger
	admin      repository.Admin
	reader     repository.PartitionReader
	timestamps TimestampSource
	scanBatch  int
}

// Option configures a Mapper
type Option func(*Mapper)

// WithCluster lets the mapper read the target cluster, which the
// cluster-scan strategy requires.
func WithCluster(admin repository.Admin, reader repository.PartitionReader) Option {
	return func(m *Mapper) {
		m.admin = admin
		m.reader = reader
	}
}

// WithTimestamps sets where the timestamp-based strategy finds the original
// timestamp of offsets that were not restored.
func WithTimestamps(ts TimestampSource) Option {
	return func(m *Mapper) {
		m.timestamps = ts
	}
}

// WithScanBatch sets the fetch size used by cluster scans.
func WithScanBatch(n int) Option {
	return func(m *Mapper) {
		m.scanBatch = n
	}
}

// NewMapper creates a mapper
func NewMapper(log logger.Logger, opts ...Option) *Mapper {
	m := &Mapper{logger: log, scanBatch: defaultScanBatch}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Request describes the offsets to translate.
type Request struct {
	Strategy domain.OffsetStrategy
	// Source holds the committed offsets in the original offset space.
	Source map[string]domain.GroupOffsets
	// Mappings is the mapping set persisted by the restore. It may be nil
	// for cluster-scan.
	Mappings *domain.MappingSet
}

// Plan computes the offsets each group should commit on the restored
// topics. Partitions the restore did not cover are left out of the plan.
// When several source partitions were folded into one target partition
// the lowest translated offset wins.
func (m *Mapper) Plan(ctx context.Context, req Request) (*domain.ResetPlan, error) {
	if !req.Strategy.Valid() {
		return nil, apperrors.Newf(apperrors.ErrCodeConfig, "unknown offset strategy %q", req.Strategy)
	}
	plan := &domain.ResetPlan{Strategy: req.Strategy, Groups: make(map[string]domain.GroupOffsets)}
	if req.Strategy == domain.OffsetStrategySkip {
		return plan, nil
	}
	if err := m.check(req); err != nil {
		return nil, err
	}

	r := &resolver{Mapper: m, req: req, scanned: make(map[string]*domain.OffsetMapping)}

	groups := make([]string, 0, len(req.Source))
	for g := range req.Source {
		groups = append(groups, g)
	}
	sort.Strings(groups)

	for _, group := range groups {
		offsets := req.Source[group]
		keys := make([]string, 0, len(offsets))
		for k := range offsets {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		out := make(domain.GroupOffsets)
		for _, key := range keys {
			topic, partition, err := domain.ParsePartitionKey(key)
			if err != nil {
				return nil, apperrors.Wrap(err, apperrors.ErrCodeIntegrity, "invalid committed offset key")
			}
			old := offsets[key]
			target, next, ok, err := r.resolve(ctx, topic, partition, old.Offset)
			if err != nil {
				return nil, err
			}
			if !ok {
				m.logger.Debug("No mapping for partition, leaving it out", "group", group, "partition", key)
				continue
			}
			tk := domain.PartitionKey(target.Topic, target.Partition)
			if prev, dup := out[tk]; dup && prev.Offset <= next {
				continue
			}
			out[tk] = domain.PartitionOffset{Offset: next, Metadata: old.Metadata}
			m.logger.Debug("Offset translated",
				"group", group,
				"partition", key,
				"target", tk,
				"old", old.Offset,
				"new", next)
		}
		plan.Groups[group] = out
	}
	return plan, nil
}

func (m *Mapper) check(req Request) error {
	switch req.Strategy {
	case domain.OffsetStrategyClusterScan:
		if m.admin == nil || m.reader == nil {
			return apperrors.New(apperrors.ErrCodeConfig, "cluster-scan strategy needs access to the target cluster")
		}
	default:
		if req.Mappings == nil {
			return apperrors.Newf(apperrors.ErrCodePrecondition, "%s strategy needs the offset mapping of a restore", req.Strategy)
		}
	}
	return nil
}

type resolver struct {
	*Mapper
	req     Request
	scanned map[string]*domain.OffsetMapping
}

func (r *resolver) resolve(ctx context.Context, topic string, partition int32, old int64) (Target, int64, bool, error) {
	var mapping *domain.OffsetMapping
	if r.req.Mappings != nil {
		mapping, _ = r.req.Mappings.Mapping(topic, partition)
	}

	switch r.req.Strategy {
	case domain.OffsetStrategyClusterScan:
		target := Target{Topic: topic, Partition: partition}
		if mapping != nil {
			target = Target{Topic: mapping.TargetTopic, Partition: mapping.TargetPartition}
		}
		scanned, err := r.scan(ctx, topic, partition, target)
		if apperrors.IsKind(err, apperrors.ErrCodeNotFound) {
			return Target{}, 0, false, nil
		}
		if err != nil {
			return Target{}, 0, false, err
		}
		next, _ := scanned.Translate(old)
		return target, next, true, nil

	case domain.OffsetStrategyTimestampBased:
		if mapping == nil {
			return Target{}, 0, false, nil
		}
		target := Target{Topic: mapping.TargetTopic, Partition: mapping.TargetPartition}
		ts, ok, err := r.timestamp(ctx, mapping, topic, partition, old)
		if err != nil {
			return Target{}, 0, false, err
		}
		if !ok {
			next, _ := mapping.Translate(old)
			return target, next, true, nil
		}
		return target, ByTimestamp(mapping, ts), true, nil

	default:
		if mapping == nil {
			return Target{}, 0, false, nil
		}
		next, _ := mapping.Translate(old)
		return Target{Topic: mapping.TargetTopic, Partition: mapping.TargetPartition}, next, true, nil
	}
}

// timestamp finds the original timestamp of old, first among the restored
// records and then in the backup.
func (r *resolver) timestamp(ctx context.Context, mapping *domain.OffsetMapping, topic string, partition int32, old int64) (int64, bool, error) {
	i := sort.Search(len(mapping.Entries), func(i int) bool { return mapping.Entries[i].Old >= old })
	if i < len(mapping.Entries) && mapping.Entries[i].Old == old {
		return mapping.Entries[i].Timestamp, true, nil
	}
	if r.timestamps == nil {
		return 0, false, nil
	}
	return r.timestamps.Timestamp(ctx, topic, partition, old)
}

func (r *resolver) scan(ctx context.Context, topic string, partition int32, target Target) (*domain.OffsetMapping, error) {
	key := domain.PartitionKey(topic, partition)
	if m, ok := r.scanned[key]; ok {
		return m, nil
	}
	m, err := ScanMapping(ctx, r.admin, r.reader, topic, partition, target, r.scanBatch)
	if err != nil {
		return nil, err
	}
	r.logger.Info("Scanned target partition",
		"partition", key,
		"target", domain.PartitionKey(target.Topic, target.Partition),
		"entries", len(m.Entries))
	r.scanned[key] = m
	return m, nil
}
