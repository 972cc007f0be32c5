// Package restore replays a committed backup into a target cluster,
// optionally limited to a time window, and records where every replayed
// record landed.
package restore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quantica-technologies/kafka-backup/internal/app/manifest"
	"github.com/quantica-technologies/kafka-backup/internal/app/offsets"
	"github.com/quantica-technologies/kafka-backup/internal/app/segment"
	"github.com/quantica-technologies/kafka-backup/internal/domain"
	"github.com/quantica-technologies/kafka-backup/internal/repository"
	"github.com/quantica-technologies/kafka-backup/internal/usecase"
	apperrors "github.com/quantica-technologies/kafka-backup/pkg/errors"
	"github.com/quantica-technologies/kafka-backup/pkg/logger"
	"github.com/quantica-technologies/kafka-backup/pkg/metrics"
	"github.com/quantica-technologies/kafka-backup/pkg/retry"
)

// Service implements the restore use case
type Service struct {
	kafkaRepo   repository.KafkaRepository
	storageRepo repository.StorageRepository
	manifests   *manifest.Manager
	stateRepo   repository.StateRepository
	snapshots   repository.SnapshotRepository
	store       *segment.Store
	retry       retry.Policy
	logger      logger.Logger
	now         func() time.Time
}

// NewService creates a new restore service
func NewService(
	kafkaRepo repository.KafkaRepository,
	storageRepo repository.StorageRepository,
	metadataRepo repository.ManifestRepository,
	stateRepo repository.StateRepository,
	snapshotRepo repository.SnapshotRepository,
	policy retry.Policy,
	logger logger.Logger,
) usecase.RestoreUseCase {
	return &Service{
		kafkaRepo:   kafkaRepo,
		storageRepo: storageRepo,
		manifests:   manifest.NewManager(metadataRepo, logger),
		stateRepo:   stateRepo,
		snapshots:   snapshotRepo,
		store:       segment.NewStore(storageRepo, policy, logger),
		retry:       policy,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// ValidateRestore checks a restore configuration. It reads nothing, so a
// bad window is reported before any segment is touched.
func (s *Service) ValidateRestore(ctx context.Context, restore *domain.Restore) error {
	if restore.BackupID == "" {
		return apperrors.New(apperrors.ErrCodeConfig, "backup id is required")
	}
	if restore.TargetCluster == nil || len(restore.TargetCluster.BootstrapServers) == 0 {
		return apperrors.New(apperrors.ErrCodeConfig, "target cluster bootstrap servers are required")
	}
	if err := restore.Window.Validate(); err != nil {
		return err
	}
	switch restore.PartitionMapping {
	case "", domain.PartitionMappingStrict, domain.PartitionMappingModulo:
	default:
		return apperrors.Newf(apperrors.ErrCodeConfig, "unknown partition mapping %q", restore.PartitionMapping)
	}
	if restore.MaxConcurrentPartitions < 0 {
		return apperrors.New(apperrors.ErrCodeConfig, "max_concurrent_partitions must not be negative")
	}
	if restore.ResetConsumerOffsets {
		if len(restore.ConsumerGroups) == 0 {
			return apperrors.New(apperrors.ErrCodeConfig, "reset_consumer_offsets needs at least one consumer group")
		}
		if restore.ConsumerGroupStrategy != "" && !restore.ConsumerGroupStrategy.Valid() {
			return apperrors.Newf(apperrors.ErrCodeConfig, "unknown consumer group strategy %q", restore.ConsumerGroupStrategy)
		}
	}
	return nil
}

// RunRestore replays a backup. Partitions that finished before another
// failed are left in place; the mapping of every finished partition is
// saved either way.
func (s *Service) RunRestore(ctx context.Context, restore *domain.Restore) (*domain.JobResult, error) {
	if err := s.ValidateRestore(ctx, restore); err != nil {
		return nil, err
	}
	s.applyDefaults(restore)
	log := s.logger.WithFields(map[string]interface{}{"restoreID": restore.ID, "backupID": restore.BackupID})
	log.Info("Starting restore", "window", restore.Window.String(), "dryRun", restore.DryRun)

	start := time.Now()
	defer func() {
		metrics.RestoreDuration.WithLabelValues(restore.ID, "restore").Observe(time.Since(start).Seconds())
	}()

	if err := restore.Status.Transition(domain.RestorePhaseReadingManifest); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodePrecondition, "restore cannot start")
	}
	m, err := s.manifests.Load(ctx, restore.BackupID)
	if err != nil {
		return s.fail(ctx, restore, err)
	}

	if err := s.kafkaRepo.HealthCheck(ctx, restore.TargetCluster); err != nil {
		return s.fail(ctx, restore, fmt.Errorf("target cluster health check failed: %w", err))
	}
	admin, err := s.kafkaRepo.CreateAdmin(ctx, restore.TargetCluster)
	if err != nil {
		return s.fail(ctx, restore, fmt.Errorf("failed to create admin client: %w", err))
	}
	defer admin.Close()

	targets, err := s.resolveTopics(ctx, restore, m, admin)
	if err != nil {
		return s.fail(ctx, restore, err)
	}

	var groups repository.GroupAdmin
	if restore.ResetConsumerOffsets && !restore.DryRun {
		groups, err = s.kafkaRepo.CreateGroupAdmin(ctx, restore.TargetCluster)
		if err != nil {
			return s.fail(ctx, restore, fmt.Errorf("failed to create group admin: %w", err))
		}
		defer groups.Close()
		if err := s.checkGroups(ctx, restore, groups); err != nil {
			return s.fail(ctx, restore, err)
		}
	}

	// nothing on the target changes before this point
	if err := s.createTopics(ctx, restore, admin, targets); err != nil {
		return s.fail(ctx, restore, err)
	}
	tasks, err := s.plan(ctx, restore, targets, admin)
	if err != nil {
		return s.fail(ctx, restore, err)
	}
	if groups != nil {
		if err := s.snapshotGroups(ctx, restore, groups); err != nil {
			return s.fail(ctx, restore, err)
		}
	}

	var producer repository.Producer
	if !restore.DryRun {
		producer, err = s.kafkaRepo.CreateProducer(ctx, restore.TargetCluster, repository.ProducerConfig{Idempotent: true})
		if err != nil {
			return s.fail(ctx, restore, fmt.Errorf("failed to create producer: %w", err))
		}
		defer producer.Close()
	}

	if err := restore.Status.Transition(domain.RestorePhaseReplaying); err != nil {
		return s.fail(ctx, restore, err)
	}
	mappings, runErr := NewCoordinator(restore, tasks, s.store, producer, s.retry, s.logger).Run(ctx)

	set := &domain.MappingSet{
		BackupID:  restore.BackupID,
		RestoreID: restore.ID,
		CreatedAt: s.now(),
		Window:    restore.Window,
		Mappings:  mappings,
	}
	if !restore.DryRun {
		if err := s.stateRepo.SaveMappingSet(context.WithoutCancel(ctx), set); err != nil && runErr == nil {
			runErr = fmt.Errorf("failed to save offset mapping: %w", err)
		}
	}
	if runErr != nil {
		return s.fail(ctx, restore, runErr)
	}

	if groups != nil {
		if err := s.resetOffsets(ctx, restore, set, groups, admin); err != nil {
			return s.fail(ctx, restore, err)
		}
	}

	if err := restore.Status.Transition(domain.RestorePhaseComplete); err != nil {
		return s.fail(ctx, restore, err)
	}
	report := restore.Status.Report(restore)
	if err := s.stateRepo.SaveRestoreReport(ctx, report); err != nil {
		return report, fmt.Errorf("failed to save restore report: %w", err)
	}

	log.Info("Restore completed",
		"records", report.TotalRecords,
		"skipped", report.Skipped,
		"partitions", len(report.Partitions))
	return report, nil
}

// topicTarget is a backed-up topic and the target topic it restores into.
type topicTarget struct {
	source     *domain.TopicManifest
	target     string
	partitions []int32
	count      int32
	exists     bool
}

// resolveTopics describes the target topic of every selected backed-up
// topic and checks that its partitions can be mapped. It changes nothing on
// the target cluster.
func (s *Service) resolveTopics(ctx context.Context, restore *domain.Restore, m *domain.Manifest, admin repository.Admin) ([]*topicTarget, error) {
	var targets []*topicTarget
	for i := range m.Topics {
		tm := &m.Topics[i]
		if !restore.Topics.Matches(tm.Name) {
			continue
		}
		source := tm.PartitionCount
		if source == 0 {
			source = int32(len(tm.Partitions))
		}

		tt := &topicTarget{source: tm, target: restore.GetMappedTopicName(tm.Name), count: source}
		t, err := admin.DescribeTopic(ctx, tt.target)
		switch {
		case err == nil:
			tt.count, tt.exists = t.Partitions, true
		case !apperrors.IsKind(err, apperrors.ErrCodeNotFound):
			return nil, fmt.Errorf("failed to describe topic %s: %w", tt.target, err)
		case !restore.CreateTopics:
			return nil, apperrors.Newf(apperrors.ErrCodePrecondition,
				"target topic %s does not exist and create_topics is disabled", tt.target)
		}
		if tt.count != source && restore.PartitionMapping != domain.PartitionMappingModulo {
			return nil, apperrors.Newf(apperrors.ErrCodePrecondition,
				"topic %s has %d partitions in the backup but %s has %d; set partition_mapping to modulo to fold them",
				tm.Name, source, tt.target, tt.count)
		}

		for _, pm := range tm.Partitions {
			tp, err := restore.TargetPartition(pm.Partition, tt.count)
			if err != nil {
				return nil, apperrors.Wrap(err, apperrors.ErrCodePrecondition, "cannot map partition")
			}
			tt.partitions = append(tt.partitions, tp)
		}
		targets = append(targets, tt)
	}
	return targets, nil
}

// createTopics creates the target topics that do not exist yet. A dry run
// never creates anything.
func (s *Service) createTopics(ctx context.Context, restore *domain.Restore, admin repository.Admin, targets []*topicTarget) error {
	for _, tt := range targets {
		if tt.exists {
			continue
		}
		if restore.DryRun {
			s.logger.Info("Would create topic", "topic", tt.target, "partitions", tt.count)
			continue
		}
		err := admin.CreateTopic(ctx, &domain.Topic{Name: tt.target, Partitions: tt.count})
		if err != nil && !apperrors.IsKind(err, apperrors.ErrCodeAlreadyExists) {
			return fmt.Errorf("failed to create topic %s: %w", tt.target, err)
		}
		s.logger.Info("Created topic", "topic", tt.target, "partitions", tt.count)
		tt.exists = true
	}
	return nil
}

// plan turns resolved topics into one task per backed-up partition and
// registers each partition with the status.
func (s *Service) plan(ctx context.Context, restore *domain.Restore, targets []*topicTarget, admin repository.Admin) ([]task, error) {
	var tasks []task
	for _, tt := range targets {
		for i, pm := range tt.source.Partitions {
			tp := tt.partitions[i]
			var end int64
			if tt.exists {
				err := s.retry.Do(ctx, "get_offsets", func(ctx context.Context) error {
					var err error
					_, end, err = admin.GetOffsets(ctx, tt.target, tp)
					return err
				})
				if err != nil {
					return nil, fmt.Errorf("failed to read offsets of %s: %w", domain.PartitionKey(tt.target, tp), err)
				}
			}
			restore.Status.Track(&domain.PartitionProgress{
				Topic:           tt.source.Name,
				Partition:       pm.Partition,
				TargetTopic:     tt.target,
				TargetPartition: tp,
			})
			tasks = append(tasks, task{source: pm, topic: tt.source.Name, target: tt.target, targetPar: tp, targetEnd: end})
		}
	}
	if len(tasks) == 0 {
		s.logger.Warn("No backed-up partitions selected for restore", "backupID", restore.BackupID)
	}
	return tasks, nil
}

// checkGroups refuses to start while any group to reset has live members.
func (s *Service) checkGroups(ctx context.Context, restore *domain.Restore, groups repository.GroupAdmin) error {
	descriptions, err := groups.DescribeGroups(ctx, restore.ConsumerGroups)
	if err != nil {
		return fmt.Errorf("failed to describe consumer groups: %w", err)
	}
	var active []string
	for _, g := range restore.ConsumerGroups {
		if d, ok := descriptions[g]; ok && d.Active() {
			active = append(active, g)
		}
	}
	if len(active) > 0 {
		return &apperrors.AppError{
			Code:    apperrors.ErrCodePrecondition,
			Message: "consumer groups to reset have active members; stop their consumers first",
			Groups:  active,
		}
	}
	return nil
}

// snapshotGroups saves the offsets of the groups that will be reset so the
// reset can be rolled back.
func (s *Service) snapshotGroups(ctx context.Context, restore *domain.Restore, groups repository.GroupAdmin) error {
	mgr := offsets.NewManager(groups, s.snapshots, s.stateRepo, s.logger)
	_, err := mgr.Snapshot(ctx, offsets.SnapshotRequest{
		Scope:       restore.BackupID,
		ID:          PreRestoreSnapshotID(restore.ID),
		Groups:      restore.ConsumerGroups,
		Description: fmt.Sprintf("consumer group offsets before restore %s", restore.ID),
	})
	return err
}

func (s *Service) resetOffsets(ctx context.Context, restore *domain.Restore, set *domain.MappingSet, groups repository.GroupAdmin, admin repository.Admin) error {
	var reader repository.PartitionReader
	if restore.ConsumerGroupStrategy == domain.OffsetStrategyClusterScan {
		r, err := s.kafkaRepo.CreateReader(ctx, restore.TargetCluster)
		if err != nil {
			return fmt.Errorf("failed to create reader: %w", err)
		}
		defer r.Close()
		reader = r
	}

	mgr := offsets.NewManager(groups, s.snapshots, s.stateRepo, s.logger)
	svc := offsets.NewService(mgr, s.manifests, s.stateRepo, s.store, admin, reader, s.logger)
	plan, err := svc.ResetOffsets(ctx, usecase.ResetRequest{
		BackupID:  restore.BackupID,
		RestoreID: restore.ID,
		Groups:    restore.ConsumerGroups,
		Strategy:  restore.ConsumerGroupStrategy,
		Verify:    true,
		Mappings:  set,
	})
	if err != nil {
		return err
	}
	s.logger.Info("Consumer group offsets reset",
		"restoreID", restore.ID,
		"strategy", plan.Strategy,
		"groups", len(plan.Groups))
	return nil
}

func (s *Service) fail(ctx context.Context, restore *domain.Restore, err error) (*domain.JobResult, error) {
	if tErr := restore.Status.Transition(domain.RestorePhaseFailed); tErr != nil {
		s.logger.Warn("Failed to mark restore failed", "error", tErr)
	}
	restore.Status.AddError(err.Error())
	report := restore.Status.Report(restore)
	if sErr := s.stateRepo.SaveRestoreReport(context.WithoutCancel(ctx), report); sErr != nil {
		s.logger.Warn("Failed to save restore report", "restoreID", restore.ID, "error", sErr)
	}
	s.logger.Error("Restore failed", "restoreID", restore.ID, "error", err)
	return report, err
}

// GetRestoreReport retrieves the report of a finished restore
func (s *Service) GetRestoreReport(ctx context.Context, backupID, restoreID string) (*domain.JobResult, error) {
	return s.stateRepo.GetRestoreReport(ctx, backupID, restoreID)
}

// ListRestores lists the restores recorded for a backup
func (s *Service) ListRestores(ctx context.Context, backupID string) ([]string, error) {
	return s.stateRepo.ListRestores(ctx, backupID)
}

// GetOffsetMapping retrieves the offset mapping of a restore
func (s *Service) GetOffsetMapping(ctx context.Context, backupID, restoreID string) (*domain.MappingSet, error) {
	return s.stateRepo.GetMappingSet(ctx, backupID, restoreID)
}

// PreRestoreSnapshotID names the snapshot taken before a restore resets
// consumer groups; rolling back to it undoes the reset.
func PreRestoreSnapshotID(restoreID string) string {
	return "pre-restore-" + restoreID
}

func (s *Service) applyDefaults(restore *domain.Restore) {
	now := s.now()
	if restore.ID == "" {
		restore.ID = fmt.Sprintf("%s-%s", now.Format("20060102T150405Z"), uuid.NewString()[:8])
	}
	if restore.Status == nil {
		restore.Status = domain.NewRestoreStatus()
	}
	if restore.PartitionMapping == "" {
		restore.PartitionMapping = domain.PartitionMappingStrict
	}
	if restore.MaxConcurrentPartitions == 0 {
		restore.MaxConcurrentPartitions = 4
	}
	if restore.ConsumerGroupStrategy == "" {
		restore.ConsumerGroupStrategy = domain.OffsetStrategyHeaderBased
	}
	if restore.CreatedAt.IsZero() {
		restore.CreatedAt = now
	}
}
