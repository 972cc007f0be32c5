package offsetmap

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantica-technologies/kafka-backup/internal/app/segment"
	"github.com/quantica-technologies/kafka-backup/internal/domain"
	"github.com/quantica-technologies/kafka-backup/internal/infrastructure/memory"
	"github.com/quantica-technologies/kafka-backup/internal/infrastructure/storage"
	apperrors "github.com/quantica-technologies/kafka-backup/pkg/errors"
	"github.com/quantica-technologies/kafka-backup/pkg/logger"
	"github.com/quantica-technologies/kafka-backup/pkg/retry"
)

type staticTimestamps map[int64]int64

func (s staticTimestamps) Timestamp(_ context.Context, _ string, _ int32, offset int64) (int64, bool, error) {
	ts, ok := s[offset]
	return ts, ok, nil
}

func mappingOf(entries ...domain.MappingEntry) *domain.OffsetMapping {
	m := &domain.OffsetMapping{Topic: "orders", Partition: 0, TargetTopic: "orders", TargetPartition: 0}
	for _, e := range entries {
		m.Add(e.Old, e.New, e.Timestamp)
	}
	return m
}

func replay(t *testing.T, b *memory.Broker, topic string, target, sourcePartition int32, offsets ...int64) {
	t.Helper()
	for _, off := range offsets {
		r := &domain.Record{Offset: off, Timestamp: 1000 + off, Value: []byte("v")}
		_, err := b.Append(topic, target, r.WithOriginHeaders(topic, sourcePartition))
		require.NoError(t, err)
	}
}

func TestScanMapping(t *testing.T) {
	ctx := context.Background()
	b := memory.NewBroker()
	require.NoError(t, b.CreateTopic("orders", 1))

	_, err := b.Append("orders", 0, &domain.Record{Value: []byte("no headers")})
	require.NoError(t, err)
	replay(t, b, "orders", 0, 0, 0, 2, 4)
	replay(t, b, "orders", 0, 1, 7)
	replay(t, b, "orders", 0, 0, 2)

	client, err := b.CreateAdmin(ctx, nil)
	require.NoError(t, err)
	reader, err := b.CreateReader(ctx, nil)
	require.NoError(t, err)

	m, err := ScanMapping(ctx, client, reader, "orders", 0, Target{Topic: "orders", Partition: 0}, 2)
	require.NoError(t, err)
	require.NoError(t, m.Validate())

	assert.Equal(t, []domain.MappingEntry{
		{Old: 0, New: 1, Timestamp: 1000},
		{Old: 2, New: 2, Timestamp: 1002},
		{Old: 4, New: 3, Timestamp: 1004},
	}, m.Entries)
	assert.Equal(t, int64(6), m.EndOffset)
}

func TestMapper_HeaderBased(t *testing.T) {
	set := &domain.MappingSet{Mappings: []*domain.OffsetMapping{
		mappingOf(
			domain.MappingEntry{Old: 0, New: 0},
			domain.MappingEntry{Old: 2, New: 1},
			domain.MappingEntry{Old: 4, New: 2},
		),
	}}
	source := map[string]domain.GroupOffsets{
		"billing": {
			"orders:0":   {Offset: 3, Metadata: "m"},
			"payments:0": {Offset: 9},
		},
		"audit": {"orders:0": {Offset: 10}},
		"fresh": {"orders:0": {Offset: 2}},
	}

	plan, err := NewMapper(logger.NewNop()).Plan(context.Background(), Request{
		Strategy: domain.OffsetStrategyHeaderBased,
		Source:   source,
		Mappings: set,
	})
	require.NoError(t, err)

	tests := []struct {
		group string
		want  domain.GroupOffsets
	}{
		{group: "billing", want: domain.GroupOffsets{"orders:0": {Offset: 2, Metadata: "m"}}},
		{group: "audit", want: domain.GroupOffsets{"orders:0": {Offset: 3}}},
		{group: "fresh", want: domain.GroupOffsets{"orders:0": {Offset: 1}}},
	}
	for _, tt := range tests {
		t.Run(tt.group, func(t *testing.T) {
			assert.Equal(t, tt.want, plan.Groups[tt.group])
		})
	}
}

func TestMapper_TimestampBased(t *testing.T) {
	set := &domain.MappingSet{Mappings: []*domain.OffsetMapping{
		mappingOf(
			domain.MappingEntry{Old: 0, New: 0, Timestamp: 100},
			domain.MappingEntry{Old: 1, New: 1, Timestamp: 200},
			domain.MappingEntry{Old: 2, New: 2, Timestamp: 200},
			domain.MappingEntry{Old: 5, New: 3, Timestamp: 150},
		),
	}}
	source := map[string]domain.GroupOffsets{"billing": {"orders:0": {Offset: 4}}}

	tests := []struct {
		name string
		opts []Option
		want int64
	}{
		{name: "tie goes to lowest new offset", opts: []Option{WithTimestamps(staticTimestamps{4: 200})}, want: 1},
		{name: "earlier than every restored record", opts: []Option{WithTimestamps(staticTimestamps{4: 50})}, want: 0},
		{name: "no timestamp falls back to gap rule", want: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := NewMapper(logger.NewNop(), tt.opts...).Plan(context.Background(), Request{
				Strategy: domain.OffsetStrategyTimestampBased,
				Source:   source,
				Mappings: set,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, plan.Groups["billing"]["orders:0"].Offset)
		})
	}

	// a restored offset is looked up by its own timestamp
	plan, err := NewMapper(logger.NewNop()).Plan(context.Background(), Request{
		Strategy: domain.OffsetStrategyTimestampBased,
		Source:   map[string]domain.GroupOffsets{"billing": {"orders:0": {Offset: 2}}},
		Mappings: set,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), plan.Groups["billing"]["orders:0"].Offset)
}

func TestMapper_FoldedPartitionsKeepLowest(t *testing.T) {
	p0 := mappingOf(domain.MappingEntry{Old: 0, New: 0}, domain.MappingEntry{Old: 1, New: 2})
	p1 := &domain.OffsetMapping{Topic: "orders", Partition: 1, TargetTopic: "orders", TargetPartition: 0}
	p1.Add(0, 1, 0)
	p1.Add(1, 3, 0)
	set := &domain.MappingSet{Mappings: []*domain.OffsetMapping{p0, p1}}

	plan, err := NewMapper(logger.NewNop()).Plan(context.Background(), Request{
		Strategy: domain.OffsetStrategyManual,
		Source:   map[string]domain.GroupOffsets{"billing": {"orders:0": {Offset: 1}, "orders:1": {Offset: 1}}},
		Mappings: set,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.GroupOffsets{"orders:0": {Offset: 2}}, plan.Groups["billing"])
}

func TestMapper_Strategies(t *testing.T) {
	source := map[string]domain.GroupOffsets{"billing": {"orders:0": {Offset: 1}}}

	plan, err := NewMapper(logger.NewNop()).Plan(context.Background(), Request{Strategy: domain.OffsetStrategySkip, Source: source})
	require.NoError(t, err)
	assert.Empty(t, plan.Groups)

	_, err = NewMapper(logger.NewNop()).Plan(context.Background(), Request{Strategy: domain.OffsetStrategyHeaderBased, Source: source})
	assert.True(t, apperrors.IsKind(err, apperrors.ErrCodePrecondition))

	_, err = NewMapper(logger.NewNop()).Plan(context.Background(), Request{Strategy: domain.OffsetStrategyClusterScan, Source: source})
	assert.True(t, apperrors.IsKind(err, apperrors.ErrCodeConfig))

	_, err = NewMapper(logger.NewNop()).Plan(context.Background(), Request{Strategy: "latest", Source: source})
	assert.True(t, apperrors.IsKind(err, apperrors.ErrCodeConfig))
}

func TestMapper_ClusterScan(t *testing.T) {
	ctx := context.Background()
	b := memory.NewBroker()
	require.NoError(t, b.CreateTopic("orders", 1))
	replay(t, b, "orders", 0, 0, 10, 11, 15)

	admin, err := b.CreateAdmin(ctx, nil)
	require.NoError(t, err)
	reader, err := b.CreateReader(ctx, nil)
	require.NoError(t, err)

	mapper := NewMapper(logger.NewNop(), WithCluster(admin, reader))
	plan, err := mapper.Plan(ctx, Request{
		Strategy: domain.OffsetStrategyClusterScan,
		Source: map[string]domain.GroupOffsets{
			"a": {"orders:0": {Offset: 11}},
			"b": {"orders:0": {Offset: 12}},
			"c": {"orders:0": {Offset: 99}, "gone:0": {Offset: 1}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), plan.Groups["a"]["orders:0"].Offset)
	assert.Equal(t, int64(2), plan.Groups["b"]["orders:0"].Offset)
	assert.Equal(t, domain.GroupOffsets{"orders:0": {Offset: 3}}, plan.Groups["c"])
}

func TestByTimestamp(t *testing.T) {
	empty := &domain.OffsetMapping{EndOffset: 7}
	assert.Equal(t, int64(7), ByTimestamp(empty, 100))

	m := mappingOf(
		domain.MappingEntry{Old: 0, New: 10, Timestamp: 100},
		domain.MappingEntry{Old: 1, New: 11, Timestamp: 300},
	)
	assert.Equal(t, int64(10), ByTimestamp(m, 99))
	assert.Equal(t, int64(10), ByTimestamp(m, 299))
	assert.Equal(t, int64(11), ByTimestamp(m, 1000))

	// equal timestamps resolve to the lowest new offset
	tied := mappingOf(
		domain.MappingEntry{Old: 0, New: 10, Timestamp: 100},
		domain.MappingEntry{Old: 1, New: 11, Timestamp: 300},
		domain.MappingEntry{Old: 2, New: 12, Timestamp: 300},
	)
	assert.Equal(t, int64(11), ByTimestamp(tied, 300))
	assert.Equal(t, int64(11), ByTimestamp(tied, 301))
}

func TestBackupTimestamps(t *testing.T) {
	ctx := context.Background()
	store := segment.NewStore(storage.NewMemoryRepository(), retry.Policy{MaxAttempts: 1}, logger.NewNop())

	records := []*domain.Record{
		{Offset: 0, Timestamp: 500},
		{Offset: 1, Timestamp: 400},
		{Offset: 3, Timestamp: 900},
	}
	segments, err := store.WriteSegments(ctx, segment.Spec{BackupID: "b1", Topic: "orders", Compression: "zstd"}, 0, records)
	require.NoError(t, err)

	manifest := &domain.Manifest{BackupID: "b1", Topics: []domain.TopicManifest{{
		Name:       "orders",
		Partitions: []domain.PartitionManifest{{Partition: 0, Segments: segments}},
	}}}
	ts := NewBackupTimestamps(manifest, store)

	tests := []struct {
		topic  string
		offset int64
		want   int64
		ok     bool
	}{
		{topic: "orders", offset: 1, want: 400, ok: true},
		{topic: "orders", offset: 3, want: 900, ok: true},
		{topic: "orders", offset: 2, ok: false},
		{topic: "orders", offset: 4, ok: false},
		{topic: "other", offset: 0, ok: false},
	}
	for _, tt := range tests {
		got, ok, err := ts.Timestamp(ctx, tt.topic, 0, tt.offset)
		require.NoError(t, err)
		assert.Equal(t, tt.ok, ok, "offset %d", tt.offset)
		assert.Equal(t, tt.want, got, "offset %d", tt.offset)
	}
}
