package restore

import (
	"context"
	"fmt"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantica-technologies/kafka-backup/internal/app/backup"
	"github.com/quantica-technologies/kafka-backup/internal/domain"
	"github.com/quantica-technologies/kafka-backup/internal/infrastructure/memory"
	"github.com/quantica-technologies/kafka-backup/internal/infrastructure/storage"
	"github.com/quantica-technologies/kafka-backup/internal/usecase"
	apperrors "github.com/quantica-technologies/kafka-backup/pkg/errors"
	"github.com/quantica-technologies/kafka-backup/pkg/logger"
	"github.com/quantica-technologies/kafka-backup/pkg/retry"
	"github.com/quantica-technologies/kafka-backup/pkg/utils"
)

const baseTs int64 = 1700000000000

type fixture struct {
	broker  *memory.Broker
	mem     *storage.MemoryRepository
	backups usecase.BackupUseCase
	service usecase.RestoreUseCase
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b := memory.NewBroker()
	mem := storage.NewMemoryRepository()
	state := storage.NewStateRepository(mem)
	manifests := storage.NewMetadataRepository(mem)
	snapshots := storage.NewSnapshotRepository(mem)
	policy := retry.Policy{MaxAttempts: 1}
	return &fixture{
		broker:  b,
		mem:     mem,
		backups: backup.NewService(b, mem, manifests, state, snapshots, policy, logger.NewNop()),
		service: NewService(b, mem, manifests, state, snapshots, policy, logger.NewNop()),
	}
}

// produce appends records with the given timestamps to one partition.
func (f *fixture) produce(t *testing.T, topic string, partition int32, timestamps ...int64) {
	t.Helper()
	for i, ts := range timestamps {
		_, err := f.broker.Append(topic, partition, &domain.Record{
			Timestamp: ts,
			Key:       []byte(fmt.Sprintf("key-%d", i)),
			Value:     []byte(fmt.Sprintf("value-%d-%d", partition, i)),
			Headers:   []domain.Header{{Key: "source", Value: []byte("test")}},
		})
		require.NoError(t, err)
	}
}

func (f *fixture) backup(t *testing.T, id string, segmentRecords int, groups ...string) *domain.Manifest {
	t.Helper()
	filter, err := domain.NewTopicFilter(nil, nil)
	require.NoError(t, err)
	m, err := f.backups.RunBackup(context.Background(), &domain.Backup{
		ID:                id,
		SourceCluster:     cluster(),
		Topics:            filter,
		Compression:       utils.CompressionZstd,
		SegmentMaxRecords: segmentRecords,
		ConsumerGroups:    groups,
	})
	require.NoError(t, err)
	return m
}

func cluster() *domain.KafkaCluster {
	return &domain.KafkaCluster{ID: "local", BootstrapServers: []string{"memory:9092"}}
}

func newRestore(backupID string) *domain.Restore {
	return &domain.Restore{
		BackupID:      backupID,
		TargetCluster: cluster(),
		CreateTopics:  true,
	}
}

func series(n int) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = baseTs + int64(i)*1000
	}
	return out
}

func ms(v int64) *int64 { return &v }

func TestService_WindowBoundary(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.broker.CreateTopic("events", 1))
	f.produce(t, "events", 0, baseTs+100, baseTs+200, baseTs+300)

	m := f.backup(t, "b1", 1)
	require.NoError(t, f.broker.DeleteTopic("events"))

	// segments outside the window are never downloaded
	p, _ := m.Topics[0].Partition(0)
	require.Len(t, p.Segments, 3)
	require.True(t, f.mem.Corrupt(p.Segments[0].Key, 0))
	require.True(t, f.mem.Corrupt(p.Segments[2].Key, 0))

	r := newRestore("b1")
	r.Window = domain.NewTimeWindow(ms(baseTs+150), ms(baseTs+300))
	report, err := f.service.RunRestore(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, string(domain.RestorePhaseComplete), report.Phase)
	assert.Equal(t, int64(1), report.TotalRecords)
	assert.Equal(t, int64(2), report.Skipped)

	restored := f.broker.Records("events", 0)
	require.Len(t, restored, 1)
	rec := restored[0]
	assert.Equal(t, baseTs+200, rec.Timestamp)
	assert.Equal(t, []byte("key-1"), rec.Key)
	assert.Equal(t, []byte("value-0-1"), rec.Value)

	want := map[string]string{
		"source":                       "test",
		domain.HeaderOriginalOffset:    "1",
		domain.HeaderOriginalTimestamp: strconv.FormatInt(baseTs+200, 10),
		domain.HeaderOriginalPartition: "0",
		domain.HeaderOriginalTopic:     "events",
	}
	for key, value := range want {
		got, ok := rec.Header(key)
		require.True(t, ok, key)
		assert.Equal(t, value, string(got), key)
	}

	set, err := f.service.GetOffsetMapping(ctx, "b1", report.ID)
	require.NoError(t, err)
	mapping, ok := set.Mapping("events", 0)
	require.True(t, ok)
	assert.Equal(t, []domain.MappingEntry{{Old: 1, New: 0, Timestamp: baseTs + 200}}, mapping.Entries)
	assert.Equal(t, int64(1), mapping.EndOffset)

	saved, err := f.service.GetRestoreReport(ctx, "b1", report.ID)
	require.NoError(t, err)
	assert.Equal(t, report.TotalRecords, saved.TotalRecords)
}

func TestService_FullScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.broker.CreateTopic("orders", 3))
	for p := int32(0); p < 3; p++ {
		f.produce(t, "orders", p, series(100)...)
	}

	m := f.backup(t, "b1", 30)
	assert.Equal(t, int64(300), m.TotalRecords)
	require.NoError(t, f.broker.DeleteTopic("orders"))

	report, err := f.service.RunRestore(ctx, newRestore("b1"))
	require.NoError(t, err)
	assert.Equal(t, int64(300), report.TotalRecords)
	require.Len(t, report.Partitions, 3)

	for p := int32(0); p < 3; p++ {
		records := f.broker.Records("orders", p)
		require.Len(t, records, 100)
		for i, r := range records {
			off, ok := r.OriginalOffset()
			require.True(t, ok)
			assert.Equal(t, int64(i), off)
		}
	}

	set, err := f.service.GetOffsetMapping(ctx, "b1", "")
	require.NoError(t, err)
	require.Len(t, set.Mappings, 3)
	for _, mapping := range set.Mappings {
		require.NoError(t, mapping.Validate())
		assert.Len(t, mapping.Entries, 100)
		assert.Equal(t, int64(100), mapping.EndOffset)
	}

	ids, err := f.service.ListRestores(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, []string{report.ID}, ids)
}

func TestService_CorruptionFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.broker.CreateTopic("orders", 2))
	f.produce(t, "orders", 0, series(10)...)
	f.produce(t, "orders", 1, series(10)...)

	m := f.backup(t, "b1", 5)
	p, _ := m.Topics[0].Partition(1)
	require.True(t, f.mem.Corrupt(p.Segments[1].Key, 3))
	require.NoError(t, f.broker.DeleteTopic("orders"))

	r := newRestore("b1")
	report, err := f.service.RunRestore(ctx, r)
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.ErrCodeIntegrity))
	assert.Equal(t, apperrors.ExitIntegrity, apperrors.ExitCode(err))
	assert.Equal(t, domain.RestorePhaseFailed, r.Status.CurrentPhase())
	assert.Equal(t, string(domain.RestorePhaseFailed), report.Phase)

	// the healthy partition was replayed and is not rolled back
	assert.Len(t, f.broker.Records("orders", 0), 10)

	saved, err := f.service.GetRestoreReport(ctx, "b1", r.ID)
	require.NoError(t, err)
	assert.Equal(t, string(domain.RestorePhaseFailed), saved.Phase)
	assert.NotEmpty(t, saved.Errors)
}

func TestService_WindowValidation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		window domain.TimeWindow
	}{
		{name: "seconds precision", window: domain.NewTimeWindow(ms(1700000000), nil)},
		{name: "empty window", window: domain.NewTimeWindow(ms(baseTs), ms(baseTs))},
		{name: "inverted window", window: domain.NewTimeWindow(ms(baseTs+1), ms(baseTs))},
		{name: "beyond 2100", window: domain.NewTimeWindow(nil, ms(5000000000000))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRestore("missing")
			r.Window = tt.window
			_, err := f.service.RunRestore(context.Background(), r)
			require.Error(t, err)
			// the backup does not exist: failing on the window proves nothing was read
			assert.True(t, apperrors.IsKind(err, apperrors.ErrCodeTimestampValidation))
			assert.Equal(t, apperrors.ExitConfig, apperrors.ExitCode(err))
		})
	}
}

func TestService_PartitionMapping(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.broker.CreateTopic("orders", 3))
	for p := int32(0); p < 3; p++ {
		f.produce(t, "orders", p, series(10)...)
	}
	f.backup(t, "b1", 100)
	require.NoError(t, f.broker.DeleteTopic("orders"))
	require.NoError(t, f.broker.CreateTopic("orders", 2))

	_, err := f.service.RunRestore(ctx, newRestore("b1"))
	require.Error(t, err)
	assert.Equal(t, apperrors.ExitPrecondition, apperrors.ExitCode(err))
	assert.Empty(t, f.broker.Records("orders", 0))

	r := newRestore("b1")
	r.PartitionMapping = domain.PartitionMappingModulo
	r.MaxConcurrentPartitions = 1
	_, err = f.service.RunRestore(ctx, r)
	require.NoError(t, err)
	assert.Len(t, f.broker.Records("orders", 0), 20)
	assert.Len(t, f.broker.Records("orders", 1), 10)

	set, err := f.service.GetOffsetMapping(ctx, "b1", r.ID)
	require.NoError(t, err)
	for _, p := range []int32{0, 2} {
		mapping, ok := set.Mapping("orders", p)
		require.True(t, ok)
		assert.Equal(t, int32(0), mapping.TargetPartition)
		assert.Equal(t, int64(20), mapping.EndOffset)
	}
}

func TestService_DryRunWithTopicMapping(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.broker.CreateTopic("orders", 1))
	f.produce(t, "orders", 0, series(20)...)
	f.backup(t, "b1", 100)

	admin, err := f.broker.CreateAdmin(ctx, nil)
	require.NoError(t, err)

	r := newRestore("b1")
	r.DryRun = true
	r.TopicMapping = map[string]string{"orders": "orders-restored"}
	r.Window = domain.NewTimeWindow(ms(baseTs+10000), nil)
	report, err := f.service.RunRestore(ctx, r)
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	assert.Equal(t, int64(10), report.TotalRecords)
	assert.Equal(t, int64(10), report.Skipped)
	require.Len(t, report.Partitions, 1)
	assert.Equal(t, "orders-restored", report.Partitions[0].TargetTopic)

	_, err = admin.DescribeTopic(ctx, "orders-restored")
	assert.True(t, apperrors.IsKind(err, apperrors.ErrCodeNotFound))
	_, err = f.service.GetOffsetMapping(ctx, "b1", r.ID)
	assert.True(t, apperrors.IsKind(err, apperrors.ErrCodeNotFound))

	r = newRestore("b1")
	r.TopicMapping = map[string]string{"orders": "orders-restored"}
	_, err = f.service.RunRestore(ctx, r)
	require.NoError(t, err)
	assert.Len(t, f.broker.Records("orders-restored", 0), 20)
	assert.Len(t, f.broker.Records("orders", 0), 20)
}

func TestService_ResetConsumerOffsets(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.broker.CreateTopic("orders", 1))
	f.produce(t, "orders", 0, series(100)...)

	groups, err := f.broker.CreateGroupAdmin(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, groups.CommitOffsets(ctx, "billing", domain.GroupOffsets{"orders:0": {Offset: 40}}))

	f.backup(t, "b1", 25, "billing")
	require.NoError(t, f.broker.DeleteTopic("orders"))

	active := newRestore("b1")
	active.ResetConsumerOffsets = true
	active.ConsumerGroups = []string{"billing"}
	f.broker.SetMembers("billing", "consumer-1")
	_, err = f.service.RunRestore(ctx, active)
	require.Error(t, err)
	assert.Equal(t, apperrors.ExitPrecondition, apperrors.ExitCode(err))
	assert.Empty(t, f.broker.Records("orders", 0))
	f.broker.SetMembers("billing")

	r := newRestore("b1")
	r.Window = domain.NewTimeWindow(ms(baseTs+30000), nil)
	r.ResetConsumerOffsets = true
	r.ConsumerGroups = []string{"billing"}
	_, err = f.service.RunRestore(ctx, r)
	require.NoError(t, err)

	// old offset 40 is the 11th restored record
	assert.Equal(t, int64(10), f.broker.GroupOffsets("billing")["orders:0"].Offset)

	snap, err := storage.NewSnapshotRepository(f.mem).GetSnapshot(ctx, "b1", PreRestoreSnapshotID(r.ID))
	require.NoError(t, err)
	assert.Equal(t, int64(40), snap.Groups["billing"]["orders:0"].Offset)
}

func TestService_PreconditionsLeaveTargetUntouched(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(t *testing.T, f *fixture, r *domain.Restore)
	}{
		{
			name: "partition count mismatch on a later topic",
			mutate: func(t *testing.T, f *fixture, r *domain.Restore) {
				require.NoError(t, f.broker.CreateTopic("orders", 2))
			},
		},
		{
			name: "group to reset has members",
			mutate: func(t *testing.T, f *fixture, r *domain.Restore) {
				r.ResetConsumerOffsets = true
				r.ConsumerGroups = []string{"billing"}
				f.broker.SetMembers("billing", "consumer-1")
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)
			require.NoError(t, f.broker.CreateTopic("events", 1))
			require.NoError(t, f.broker.CreateTopic("orders", 3))
			f.produce(t, "events", 0, series(5)...)
			for p := int32(0); p < 3; p++ {
				f.produce(t, "orders", p, series(5)...)
			}
			f.backup(t, "b1", 100)
			require.NoError(t, f.broker.DeleteTopic("events"))
			require.NoError(t, f.broker.DeleteTopic("orders"))

			r := newRestore("b1")
			tt.mutate(t, f, r)
			_, err := f.service.RunRestore(ctx, r)
			require.Error(t, err)
			assert.True(t, apperrors.IsKind(err, apperrors.ErrCodePrecondition), "got %v", err)

			admin, err := f.broker.CreateAdmin(ctx, nil)
			require.NoError(t, err)
			_, err = admin.DescribeTopic(ctx, "events")
			assert.True(t, apperrors.IsKind(err, apperrors.ErrCodeNotFound), "events was created: %v", err)

			_, err = storage.NewSnapshotRepository(f.mem).GetSnapshot(ctx, "b1", PreRestoreSnapshotID(r.ID))
			assert.True(t, apperrors.IsKind(err, apperrors.ErrCodeNotFound))
		})
	}
}

func TestService_Validation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		mutate func(r *domain.Restore)
	}{
		{name: "missing backup id", mutate: func(r *domain.Restore) { r.BackupID = "" }},
		{name: "missing target", mutate: func(r *domain.Restore) { r.TargetCluster = nil }},
		{name: "unknown partition mapping", mutate: func(r *domain.Restore) { r.PartitionMapping = "hash" }},
		{name: "reset without groups", mutate: func(r *domain.Restore) { r.ResetConsumerOffsets = true }},
		{name: "unknown strategy", mutate: func(r *domain.Restore) {
			r.ResetConsumerOffsets = true
			r.ConsumerGroups = []string{"billing"}
			r.ConsumerGroupStrategy = "latest"
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRestore("b1")
			tt.mutate(r)
			assert.True(t, apperrors.IsKind(f.service.ValidateRestore(context.Background(), r), apperrors.ErrCodeConfig))
		})
	}
}
