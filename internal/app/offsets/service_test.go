package offsets

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantica-technologies/kafka-backup/internal/app/manifest"
	"github.com/quantica-technologies/kafka-backup/internal/app/segment"
	"github.com/quantica-technologies/kafka-backup/internal/domain"
	"github.com/quantica-technologies/kafka-backup/internal/infrastructure/memory"
	"github.com/quantica-technologies/kafka-backup/internal/infrastructure/storage"
	"github.com/quantica-technologies/kafka-backup/internal/repository"
	"github.com/quantica-technologies/kafka-backup/internal/usecase"
	apperrors "github.com/quantica-technologies/kafka-backup/pkg/errors"
	"github.com/quantica-technologies/kafka-backup/pkg/logger"
	"github.com/quantica-technologies/kafka-backup/pkg/retry"
)

type serviceFixture struct {
	broker    *memory.Broker
	manifests repository.ManifestRepository
	svc       *Service
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	ctx := context.Background()
	b := memory.NewBroker()
	mem := storage.NewMemoryRepository()
	state := storage.NewStateRepository(mem)
	manifests := storage.NewMetadataRepository(mem)

	groups, err := b.CreateGroupAdmin(ctx, nil)
	require.NoError(t, err)
	log := logger.NewNop()
	mgr := NewManager(groups, storage.NewSnapshotRepository(mem), state, log)
	store := segment.NewStore(mem, retry.Policy{MaxAttempts: 1}, log)

	return &serviceFixture{
		broker:    b,
		manifests: manifests,
		svc:       NewService(mgr, manifest.NewManager(manifests, log), state, store, nil, nil, log),
	}
}

func (f *serviceFixture) commitManifest(t *testing.T, snapshotID string) {
	t.Helper()
	require.NoError(t, f.manifests.CommitManifest(context.Background(), &domain.Manifest{
		Version:               domain.ManifestVersion,
		BackupID:              "b1",
		Mode:                  domain.BackupModeFull,
		Generation:            1,
		CreatedAt:             time.Now().UTC(),
		CompletedAt:           time.Now().UTC(),
		ConsumerGroupSnapshot: snapshotID,
	}))
}

func (f *serviceFixture) commit(t *testing.T, group string, offsets domain.GroupOffsets) {
	t.Helper()
	client, err := f.broker.CreateGroupAdmin(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, client.CommitOffsets(context.Background(), group, offsets))
}

// restoredOrders maps orders:0 offsets 10..19 onto orders-restored:0 offsets 0..9.
func restoredOrders() *domain.MappingSet {
	m := domain.OffsetMapping{
		Topic:           "orders",
		Partition:       0,
		TargetTopic:     "orders-restored",
		TargetPartition: 0,
		EndOffset:       10,
	}
	for i := int64(0); i < 10; i++ {
		m.Entries = append(m.Entries, domain.MappingEntry{Old: 10 + i, New: i, Timestamp: 1700000000000 + i})
	}
	return &domain.MappingSet{BackupID: "b1", RestoreID: "r1", Mappings: []*domain.OffsetMapping{&m}}
}

func TestService_ResetFromLiveOffsets(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t)
	f.commitManifest(t, "")
	f.commit(t, "billing", domain.GroupOffsets{
		"orders:0": {Offset: 15, Metadata: "consumer-1"},
		"orders:1": {Offset: 3},
	})

	plan, err := f.svc.ResetOffsets(ctx, usecase.ResetRequest{
		BackupID: "b1",
		Groups:   []string{"billing"},
		Strategy: domain.OffsetStrategyHeaderBased,
		Verify:   true,
		Mappings: restoredOrders(),
	})
	require.NoError(t, err)

	want := domain.GroupOffsets{"orders-restored:0": {Offset: 5, Metadata: "consumer-1"}}
	assert.Equal(t, want, plan.Groups["billing"])
	assert.Equal(t, want["orders-restored:0"], f.broker.GroupOffsets("billing")["orders-restored:0"])
}

func TestService_ResetPrefersBackupSnapshot(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t)
	f.commit(t, "billing", domain.GroupOffsets{"orders:0": {Offset: 12}})

	snap, err := f.svc.SnapshotOffsets(ctx, "b1", []string{"billing"}, "backup start")
	require.NoError(t, err)
	f.commitManifest(t, snap.ID)

	// the group moved on after the backup started
	f.commit(t, "billing", domain.GroupOffsets{"orders:0": {Offset: 19}})

	plan, err := f.svc.ResetOffsets(ctx, usecase.ResetRequest{
		BackupID: "b1",
		Groups:   []string{"billing"},
		Strategy: domain.OffsetStrategyHeaderBased,
		Mappings: restoredOrders(),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), plan.Groups["billing"]["orders-restored:0"].Offset)
}

func TestService_ResetManualDoesNotCommit(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t)
	f.commitManifest(t, "")
	f.commit(t, "billing", domain.GroupOffsets{"orders:0": {Offset: 20}})

	plan, err := f.svc.ResetOffsets(ctx, usecase.ResetRequest{
		BackupID: "b1",
		Groups:   []string{"billing"},
		Strategy: domain.OffsetStrategyManual,
		Mappings: restoredOrders(),
	})
	require.NoError(t, err)

	// past the last restored record: the end of the restored partition
	assert.Equal(t, int64(10), plan.Groups["billing"]["orders-restored:0"].Offset)
	_, committed := f.broker.GroupOffsets("billing")["orders-restored:0"]
	assert.False(t, committed)
}

func TestService_ResetErrors(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t)
	f.commitManifest(t, "")
	f.commit(t, "billing", domain.GroupOffsets{"orders:0": {Offset: 15}})

	tests := []struct {
		name string
		req  usecase.ResetRequest
		code string
	}{
		{
			name: "no recorded restore",
			req:  usecase.ResetRequest{BackupID: "b1", Groups: []string{"billing"}, Strategy: domain.OffsetStrategyHeaderBased},
			code: apperrors.ErrCodePrecondition,
		},
		{
			name: "unknown backup",
			req:  usecase.ResetRequest{BackupID: "missing", Groups: []string{"billing"}, Mappings: restoredOrders()},
			code: apperrors.ErrCodeNotFound,
		},
		{
			name: "unknown strategy",
			req:  usecase.ResetRequest{BackupID: "b1", Groups: []string{"billing"}, Strategy: "latest"},
			code: apperrors.ErrCodeConfig,
		},
		{
			name: "no groups",
			req:  usecase.ResetRequest{BackupID: "b1", Strategy: domain.OffsetStrategyHeaderBased},
			code: apperrors.ErrCodeConfig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.ResetOffsets(ctx, tt.req)
			require.Error(t, err)
			assert.True(t, apperrors.IsKind(err, tt.code), "got %v", err)
		})
	}
}

func TestService_ResetSkip(t *testing.T) {
	f := newServiceFixture(t)

	plan, err := f.svc.ResetOffsets(context.Background(), usecase.ResetRequest{
		BackupID: "never-backed-up",
		Groups:   []string{"billing"},
		Strategy: domain.OffsetStrategySkip,
	})
	require.NoError(t, err)
	assert.Empty(t, plan.Groups)
}
