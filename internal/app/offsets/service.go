package offsets

import (
	"context"

	"github.com/quantica-technologies/kafka-backup/internal/app/manifest"
	"github.com/quantica-technologies/kafka-backup/internal/app/offsetmap"
	"github.com/quantica-technologies/kafka-backup/internal/app/segment"
	"github.com/quantica-technologies/kafka-backup/internal/domain"
	"github.com/quantica-technologies/kafka-backup/internal/repository"
	"github.com/quantica-technologies/kafka-backup/internal/usecase"
	apperrors "github.com/quantica-technologies/kafka-backup/pkg/errors"
	"github.com/quantica-technologies/kafka-backup/pkg/logger"
)

// Service implements the offset use case
type Service struct {
	manager   *Manager
	manifests *manifest.Manager
	state     repository.StateRepository
	store     *segment.Store
	admin     repository.Admin
	reader    repository.PartitionReader
	logger    logger.Logger
}

// NewService creates an offset service. admin and reader may be nil, in
// which case the cluster-scan strategy is unavailable.
func NewService(
	manager *Manager,
	manifests *manifest.Manager,
	state repository.StateRepository,
	store *segment.Store,
	admin repository.Admin,
	reader repository.PartitionReader,
	log logger.Logger,
) *Service {
	return &Service{
		manager:   manager,
		manifests: manifests,
		state:     state,
		store:     store,
		admin:     admin,
		reader:    reader,
		logger:    log,
	}
}

var _ usecase.OffsetUseCase = (*Service)(nil)

func (s *Service) SnapshotOffsets(ctx context.Context, scope string, groups []string, description string) (*domain.OffsetSnapshot, error) {
	return s.manager.Snapshot(ctx, SnapshotRequest{Scope: scope, Groups: groups, Description: description})
}

func (s *Service) RollbackOffsets(ctx context.Context, scope, snapshotID string, groups []string, verify bool) (*domain.OffsetSnapshot, error) {
	return s.manager.Rollback(ctx, RollbackRequest{Scope: scope, SnapshotID: snapshotID, Groups: groups, Verify: verify})
}

func (s *Service) ListSnapshots(ctx context.Context, scope string) ([]*domain.OffsetSnapshot, error) {
	return s.manager.List(ctx, scope)
}

func (s *Service) GetSnapshot(ctx context.Context, scope, snapshotID string) (*domain.OffsetSnapshot, error) {
	return s.manager.Show(ctx, scope, snapshotID)
}

// ResetOffsets moves groups onto the restored copy of a backup. The old
// committed offsets come from the snapshot taken at backup start when
// there is one, otherwise from the groups as they are now.
func (s *Service) ResetOffsets(ctx context.Context, req usecase.ResetRequest) (*domain.ResetPlan, error) {
	strategy := req.Strategy
	if strategy == "" {
		strategy = domain.OffsetStrategyHeaderBased
	}
	if !strategy.Valid() {
		return nil, apperrors.Newf(apperrors.ErrCodeConfig, "unknown offset strategy %q", strategy)
	}
	groups, err := normalizeGroups(req.Groups)
	if err != nil {
		return nil, err
	}
	if strategy == domain.OffsetStrategySkip {
		s.logger.Info("Offset reset skipped", "groups", len(groups))
		return &domain.ResetPlan{Strategy: strategy, Groups: map[string]domain.GroupOffsets{}}, nil
	}

	m, err := s.manifests.Load(ctx, req.BackupID)
	if err != nil {
		return nil, err
	}

	set := req.Mappings
	if set == nil {
		set, err = s.state.GetMappingSet(ctx, req.BackupID, req.RestoreID)
		switch {
		case apperrors.IsKind(err, apperrors.ErrCodeNotFound) && strategy != domain.OffsetStrategyClusterScan:
			return nil, apperrors.Wrapf(err, apperrors.ErrCodePrecondition,
				"%s strategy needs a recorded restore of backup %s", strategy, req.BackupID)
		case apperrors.IsKind(err, apperrors.ErrCodeNotFound):
			set = nil
		case err != nil:
			return nil, err
		}
	}

	source, err := s.sourceOffsets(ctx, m, groups)
	if err != nil {
		return nil, err
	}

	opts := []offsetmap.Option{offsetmap.WithTimestamps(offsetmap.NewBackupTimestamps(m, s.store))}
	if s.admin != nil && s.reader != nil {
		opts = append(opts, offsetmap.WithCluster(s.admin, s.reader))
	}
	plan, err := offsetmap.NewMapper(s.logger, opts...).Plan(ctx, offsetmap.Request{
		Strategy: strategy,
		Source:   source,
		Mappings: set,
	})
	if err != nil {
		return nil, err
	}

	if err := s.manager.Reset(ctx, plan, req.Verify); err != nil {
		return plan, err
	}
	return plan, nil
}

func (s *Service) sourceOffsets(ctx context.Context, m *domain.Manifest, groups []string) (map[string]domain.GroupOffsets, error) {
	var snapshot *domain.OffsetSnapshot
	if m.ConsumerGroupSnapshot != "" {
		snap, err := s.manager.Show(ctx, m.BackupID, m.ConsumerGroupSnapshot)
		switch {
		case apperrors.IsKind(err, apperrors.ErrCodeNotFound):
			s.logger.Warn("Backup snapshot of consumer groups is missing, using live offsets",
				"snapshotID", m.ConsumerGroupSnapshot)
		case err != nil:
			return nil, err
		default:
			snapshot = snap
		}
	}

	out := make(map[string]domain.GroupOffsets, len(groups))
	var live []string
	for _, g := range groups {
		if snapshot != nil {
			if offsets, ok := snapshot.Groups[g]; ok {
				out[g] = offsets
				continue
			}
		}
		live = append(live, g)
	}
	if len(live) == 0 {
		return out, nil
	}

	current, err := s.manager.Current(ctx, live)
	if err != nil {
		return nil, err
	}
	for g, offsets := range current {
		out[g] = offsets
	}
	return out, nil
}
