package backup

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantica-technologies/kafka-backup/internal/domain"
	"github.com/quantica-technologies/kafka-backup/internal/infrastructure/memory"
	"github.com/quantica-technologies/kafka-backup/internal/infrastructure/storage"
	"github.com/quantica-technologies/kafka-backup/internal/repository"
	"github.com/quantica-technologies/kafka-backup/internal/usecase"
	apperrors "github.com/quantica-technologies/kafka-backup/pkg/errors"
	"github.com/quantica-technologies/kafka-backup/pkg/logger"
	"github.com/quantica-technologies/kafka-backup/pkg/metrics"
	"github.com/quantica-technologies/kafka-backup/pkg/retry"
	"github.com/quantica-technologies/kafka-backup/pkg/utils"
)

type fixture struct {
	broker  *memory.Broker
	mem     *storage.MemoryRepository
	service usecase.BackupUseCase
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b := memory.NewBroker()
	return newFixtureWith(t, b, b)
}

// newFixtureWith builds a fixture whose service reaches the broker through
// kafka.
func newFixtureWith(t *testing.T, b *memory.Broker, kafka repository.KafkaRepository) *fixture {
	t.Helper()
	mem := storage.NewMemoryRepository()
	state := storage.NewStateRepository(mem)
	return &fixture{
		broker: b,
		mem:    mem,
		service: NewService(
			kafka,
			mem,
			storage.NewMetadataRepository(mem),
			state,
			storage.NewSnapshotRepository(mem),
			retry.Policy{MaxAttempts: 1},
			logger.NewNop(),
		),
	}
}

// stallingKafka hands out readers that return nothing while stall reports
// true for the requested offset.
type stallingKafka struct {
	*memory.Broker
	stall func(offset int64) bool
}

func (k *stallingKafka) CreateReader(ctx context.Context, cluster *domain.KafkaCluster) (repository.PartitionReader, error) {
	r, err := k.Broker.CreateReader(ctx, cluster)
	if err != nil {
		return nil, err
	}
	return &stallingReader{PartitionReader: r, stall: k.stall}, nil
}

type stallingReader struct {
	repository.PartitionReader
	stall func(offset int64) bool
}

func (r *stallingReader) Fetch(ctx context.Context, topic string, partition int32, offset int64, maxRecords int) ([]*domain.Record, error) {
	if r.stall(offset) {
		return nil, nil
	}
	return r.PartitionReader.Fetch(ctx, topic, partition, offset, maxRecords)
}

func (f *fixture) seed(t *testing.T, topic string, partitions int32, perPartition int) {
	t.Helper()
	require.NoError(t, f.broker.CreateTopic(topic, partitions))
	for p := int32(0); p < partitions; p++ {
		f.append(t, topic, p, perPartition)
	}
}

func (f *fixture) append(t *testing.T, topic string, partition int32, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := f.broker.Append(topic, partition, &domain.Record{
			Timestamp: 1700000000000 + int64(i)*1000,
			Key:       []byte(fmt.Sprintf("k-%d", i)),
			Value:     []byte(fmt.Sprintf("value-%d-%d", partition, i)),
		})
		require.NoError(t, err)
	}
}

func newBackup(t *testing.T, id string, patterns ...string) *domain.Backup {
	t.Helper()
	filter, err := domain.NewTopicFilter(patterns, nil)
	require.NoError(t, err)
	return &domain.Backup{
		ID:                        id,
		SourceCluster:             &domain.KafkaCluster{ID: "source", BootstrapServers: []string{"memory:9092"}},
		Topics:                    filter,
		Mode:                      domain.BackupModeFull,
		Compression:               utils.CompressionZstd,
		SegmentMaxRecords:         30,
		MaxConcurrentPartitions:   2,
		CheckpointIntervalRecords: 10,
		FetchMaxRecords:           25,
	}
}

func TestService_FullBackup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, "orders", 3, 100)
	f.seed(t, "other", 1, 5)

	backup := newBackup(t, "b1", "orders")
	m, err := f.service.RunBackup(ctx, backup)
	require.NoError(t, err)
	require.NoError(t, m.Validate())

	assert.Equal(t, "b1", m.BackupID)
	assert.Equal(t, "source", m.SourceCluster)
	assert.Equal(t, int64(300), m.TotalRecords)
	require.Len(t, m.Topics, 1)
	assert.Equal(t, "orders", m.Topics[0].Name)
	require.Len(t, m.Topics[0].Partitions, 3)
	for _, p := range m.Topics[0].Partitions {
		assert.Equal(t, int64(100), p.Records)
		assert.Equal(t, int64(0), p.StartOffset)
		assert.Equal(t, int64(100), p.EndOffset)
		require.Len(t, p.Segments, 4)
		for i, seg := range p.Segments {
			assert.Equal(t, i, seg.Sequence)
			assert.Equal(t, utils.CompressionZstd, seg.Compression)
		}
	}
	assert.Equal(t, domain.BackupPhaseCompleted, backup.Status.Phase)
	assert.Equal(t, 3, backup.Status.PartitionsDone)

	status, err := f.service.GetBackupStatus(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, domain.BackupPhaseCompleted, status.Phase)
	assert.Equal(t, int64(300), status.RecordsProcessed)
	assert.Equal(t, 3, status.PartitionsTotal)
}

func TestService_ExistingManifestIsReturned(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, "orders", 1, 10)

	first, err := f.service.RunBackup(ctx, newBackup(t, "b1", "orders"))
	require.NoError(t, err)
	fetches := len(f.broker.FetchLog("orders", 0))

	f.append(t, "orders", 0, 10)
	second, err := f.service.RunBackup(ctx, newBackup(t, "b1", "orders"))
	require.NoError(t, err)
	assert.Equal(t, first.TotalRecords, second.TotalRecords)
	assert.Len(t, f.broker.FetchLog("orders", 0), fetches)
}

func TestService_ResumesFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, "orders", 3, 100)

	boom := apperrors.New(apperrors.ErrCodeInternal, "broker exploded")
	f.broker.FailFetch = func(topic string, partition int32, offset int64) error {
		if partition == 1 && offset >= 50 {
			return boom
		}
		return nil
	}

	_, err := f.service.RunBackup(ctx, newBackup(t, "b1", "orders"))
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.ErrCodePartitionFailure))
	assert.Equal(t, apperrors.ExitRuntime, apperrors.ExitCode(err))

	var appErr *apperrors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, []string{"orders:1"}, appErr.Partitions)
	assert.Equal(t, map[string]int64{"orders:1": 29}, appErr.Checkpoints)

	// no manifest until every partition is done
	_, err = f.service.GetBackup(ctx, "b1")
	assert.True(t, apperrors.IsKind(err, apperrors.ErrCodeNotFound))

	status, err := f.service.GetBackupStatus(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, domain.BackupPhaseRunning, status.Phase)
	assert.Equal(t, 2, status.PartitionsDone)

	// records produced after the boundary was captured are not part of the backup
	f.append(t, "orders", 1, 10)
	f.broker.FailFetch = nil
	before := map[int32]int{}
	for p := int32(0); p < 3; p++ {
		before[p] = len(f.broker.FetchLog("orders", p))
	}

	m, err := f.service.RunBackup(ctx, newBackup(t, "b1", "orders"))
	require.NoError(t, err)
	assert.Equal(t, int64(300), m.TotalRecords)

	assert.Len(t, f.broker.FetchLog("orders", 0), before[0])
	assert.Len(t, f.broker.FetchLog("orders", 2), before[2])
	resumed := f.broker.FetchLog("orders", 1)[before[1]:]
	require.NotEmpty(t, resumed)
	assert.Equal(t, int64(30), resumed[0])

	p, ok := m.Topics[0].Partition(1)
	require.True(t, ok)
	assert.Equal(t, int64(100), p.EndOffset)
	require.NoError(t, m.Validate())
}

func TestService_StalledFetches(t *testing.T) {
	t.Run("stall that clears", func(t *testing.T) {
		b := memory.NewBroker()
		stalls := 0
		f := newFixtureWith(t, b, &stallingKafka{Broker: b, stall: func(offset int64) bool {
			if offset >= 50 && stalls < 3 {
				stalls++
				return true
			}
			return false
		}})
		f.seed(t, "orders", 1, 100)

		m, err := f.service.RunBackup(context.Background(), newBackup(t, "b1", "orders"))
		require.NoError(t, err)
		assert.Equal(t, int64(100), m.TotalRecords)
		assert.Equal(t, 3, stalls)
	})

	t.Run("records withheld below the boundary", func(t *testing.T) {
		ctx := context.Background()
		b := memory.NewBroker()
		f := newFixtureWith(t, b, &stallingKafka{Broker: b, stall: func(offset int64) bool { return offset >= 50 }})
		f.seed(t, "orders", 1, 100)

		_, err := f.service.RunBackup(ctx, newBackup(t, "b1", "orders"))
		require.Error(t, err)
		assert.True(t, apperrors.IsKind(err, apperrors.ErrCodePartitionFailure), "got %v", err)

		var appErr *apperrors.AppError
		require.True(t, errors.As(err, &appErr))
		// the segment holding 30..49 was never flushed
		assert.Equal(t, map[string]int64{"orders:0": 29}, appErr.Checkpoints)

		_, err = f.service.GetBackup(ctx, "b1")
		assert.True(t, apperrors.IsKind(err, apperrors.ErrCodeNotFound))

		cp, err := storage.NewStateRepository(f.mem).GetCheckpoint(ctx, "b1", "orders", 0)
		require.NoError(t, err)
		assert.False(t, cp.Complete)
	})
}

func TestService_ResumedBackupMatchesUninterrupted(t *testing.T) {
	ctx := context.Background()
	interrupted, clean := newFixture(t), newFixture(t)
	for _, f := range []*fixture{interrupted, clean} {
		f.seed(t, "orders", 3, 100)
		f.broker.Compact("orders", 2, 40, 41, 42)
	}

	interrupted.broker.FailFetch = func(topic string, partition int32, offset int64) error {
		if partition != 0 && offset >= 55 {
			return apperrors.New(apperrors.ErrCodeInternal, "broker exploded")
		}
		return nil
	}
	_, err := interrupted.service.RunBackup(ctx, newBackup(t, "b1", "orders"))
	require.Error(t, err)
	interrupted.broker.FailFetch = nil

	resumed, err := interrupted.service.RunBackup(ctx, newBackup(t, "b1", "orders"))
	require.NoError(t, err)
	want, err := clean.service.RunBackup(ctx, newBackup(t, "b1", "orders"))
	require.NoError(t, err)

	type segmentView struct {
		Key        string
		Checksum   string
		Start, End int64
		Records    int64
	}
	view := func(m *domain.Manifest) map[int32][]segmentView {
		out := map[int32][]segmentView{}
		for _, p := range m.Topics[0].Partitions {
			for _, seg := range p.Segments {
				out[p.Partition] = append(out[p.Partition], segmentView{
					Key:      seg.Key,
					Checksum: seg.Checksum,
					Start:    seg.StartOffset,
					End:      seg.EndOffset,
					Records:  seg.RecordCount,
				})
			}
		}
		return out
	}
	assert.Equal(t, view(want), view(resumed))
	assert.Equal(t, want.TotalRecords, resumed.TotalRecords)
	assert.Equal(t, want.TotalBytes, resumed.TotalBytes)
}

func TestService_BytesWrittenCountedOnce(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "orders", 2, 40)

	m, err := f.service.RunBackup(context.Background(), newBackup(t, "bytes-once", "orders"))
	require.NoError(t, err)

	written := testutil.ToFloat64(metrics.BackupBytesWritten.WithLabelValues("bytes-once", "orders"))
	assert.Equal(t, float64(m.TotalBytes), written)
}

func TestService_SourceLogGaps(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(f *fixture)
		records int64
	}{
		{
			name:    "compacted tail",
			mutate:  func(f *fixture) { f.broker.Compact("orders", 0, 5, 6, 97, 98, 99) },
			records: 95,
		},
		{
			name: "retention during backup",
			mutate: func(f *fixture) {
				f.broker.FailFetch = func(topic string, partition int32, offset int64) error {
					if offset == 0 {
						f.broker.DeleteRecordsBefore("orders", 0, 20)
					}
					return nil
				}
			},
			records: 80,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.seed(t, "orders", 1, 100)
			tt.mutate(f)

			m, err := f.service.RunBackup(context.Background(), newBackup(t, "b1", "orders"))
			require.NoError(t, err)
			require.NoError(t, m.Validate())
			assert.Equal(t, tt.records, m.TotalRecords)
		})
	}
}

func TestService_ConsumerGroupSnapshot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, "orders", 1, 10)

	groups, err := f.broker.CreateGroupAdmin(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, groups.CommitOffsets(ctx, "billing", domain.GroupOffsets{"orders:0": {Offset: 7, Metadata: "m"}}))

	backup := newBackup(t, "b1", "orders")
	backup.ConsumerGroups = []string{"billing"}
	m, err := f.service.RunBackup(ctx, backup)
	require.NoError(t, err)
	assert.Equal(t, StartSnapshotID, m.ConsumerGroupSnapshot)

	snap, err := storage.NewSnapshotRepository(f.mem).GetSnapshot(ctx, "b1", StartSnapshotID)
	require.NoError(t, err)
	assert.Equal(t, domain.GroupOffsets{"orders:0": {Offset: 7, Metadata: "m"}}, snap.Groups["billing"])
}

func TestService_ContinuousGenerations(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "orders", 1, 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backup := newBackup(t, "c1", "orders")
	backup.Mode = domain.BackupModeContinuous
	backup.PollInterval = 10 * time.Millisecond

	type result struct {
		m   *domain.Manifest
		err error
	}
	done := make(chan result, 1)
	go func() {
		m, err := f.service.RunBackup(ctx, backup)
		done <- result{m, err}
	}()

	manifests := storage.NewMetadataRepository(f.mem)
	require.Eventually(t, func() bool {
		m, err := manifests.GetManifest(context.Background(), "c1")
		return err == nil && m.TotalRecords == 10
	}, 5*time.Second, 10*time.Millisecond)

	f.append(t, "orders", 0, 5)
	require.Eventually(t, func() bool {
		m, err := manifests.GetManifest(context.Background(), "c1")
		return err == nil && m.TotalRecords == 15 && m.Generation > 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case r := <-done:
		require.NoError(t, r.err)
		require.NotNil(t, r.m)
		assert.GreaterOrEqual(t, r.m.TotalRecords, int64(15))
	case <-time.After(5 * time.Second):
		t.Fatal("continuous backup did not stop")
	}
}

func TestService_Validation(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "orders", 1, 1)

	tests := []struct {
		name   string
		mutate func(b *domain.Backup)
	}{
		{name: "missing id", mutate: func(b *domain.Backup) { b.ID = "" }},
		{name: "missing cluster", mutate: func(b *domain.Backup) { b.SourceCluster = nil }},
		{name: "unknown compression", mutate: func(b *domain.Backup) { b.Compression = "brotli" }},
		{name: "unknown mode", mutate: func(b *domain.Backup) { b.Mode = "incremental" }},
		{name: "no matching topics", mutate: func(b *domain.Backup) {
			b.Topics, _ = domain.NewTopicFilter([]string{"missing-*"}, nil)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBackup(t, "v1", "orders")
			tt.mutate(b)
			_, err := f.service.RunBackup(context.Background(), b)
			require.Error(t, err)
			assert.Equal(t, apperrors.ExitConfig, apperrors.ExitCode(err))
		})
	}
}

func TestService_ListBackups(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, "orders", 1, 3)

	for _, id := range []string{"b1", "b2"} {
		_, err := f.service.RunBackup(ctx, newBackup(t, id, "orders"))
		require.NoError(t, err)
	}

	all, err := f.service.ListBackups(ctx, usecase.BackupFilters{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	none, err := f.service.ListBackups(ctx, usecase.BackupFilters{Mode: domain.BackupModeContinuous})
	require.NoError(t, err)
	assert.Empty(t, none)
}
