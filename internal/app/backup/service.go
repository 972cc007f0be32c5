// Package backup captures Kafka partitions into compressed segments and
// commits a manifest once every partition has reached its boundary.
package backup

import (
	"context"
	"fmt"
	"time"

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
	"github.com/quantica-technologies/kafka-backup/pkg/utils"
)

// StartSnapshotID names the consumer group snapshot taken when a backup
// first captures its boundaries.
const StartSnapshotID = "backup-start"

const runLockTTL = 6 * time.Hour

// Service implements the backup use case
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

// NewService creates a new backup service
func NewService(
	kafkaRepo repository.KafkaRepository,
	storageRepo repository.StorageRepository,
	metadataRepo repository.ManifestRepository,
	stateRepo repository.StateRepository,
	snapshotRepo repository.SnapshotRepository,
	policy retry.Policy,
	logger logger.Logger,
) usecase.BackupUseCase {
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

// RunBackup captures the selected topics. A full backup that already has a
// manifest is not run again. A run that fails leaves its checkpoints in
// place and the next run with the same id resumes from them.
func (s *Service) RunBackup(ctx context.Context, backup *domain.Backup) (*domain.Manifest, error) {
	if err := s.validateBackup(backup); err != nil {
		return nil, err
	}
	applyDefaults(backup)
	log := s.logger.WithFields(map[string]interface{}{"backupID": backup.ID, "mode": backup.Mode})

	if backup.Mode == domain.BackupModeFull {
		committed, err := s.manifests.Exists(ctx, backup.ID)
		if err != nil {
			return nil, err
		}
		if committed {
			existing, err := s.manifests.Load(ctx, backup.ID)
			if err != nil {
				return nil, err
			}
			log.Info("Backup already committed, nothing to do", "completedAt", existing.CompletedAt)
			return existing, nil
		}
	}

	lock, err := s.stateRepo.Lock(ctx, "backup-"+backup.ID, runLockTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to lock backup %s: %w", backup.ID, err)
	}
	defer func() {
		if err := lock.Unlock(context.WithoutCancel(ctx)); err != nil {
			log.Warn("Failed to release backup lock", "error", err)
		}
	}()

	if err := s.kafkaRepo.HealthCheck(ctx, backup.SourceCluster); err != nil {
		return nil, fmt.Errorf("kafka cluster health check failed: %w", err)
	}
	if err := s.storageRepo.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("storage health check failed: %w", err)
	}

	admin, err := s.kafkaRepo.CreateAdmin(ctx, backup.SourceCluster)
	if err != nil {
		return nil, fmt.Errorf("failed to create admin client: %w", err)
	}
	defer admin.Close()

	reader, err := s.kafkaRepo.CreateReader(ctx, backup.SourceCluster)
	if err != nil {
		return nil, fmt.Errorf("failed to create reader: %w", err)
	}
	defer reader.Close()

	start := time.Now()
	defer func() {
		metrics.BackupDuration.WithLabelValues(backup.ID, string(backup.Mode)).Observe(time.Since(start).Seconds())
	}()

	backup.Status.Phase = domain.BackupPhaseRunning
	state, err := s.prepareState(ctx, backup, admin)
	if err != nil {
		return nil, s.fail(backup, err)
	}

	snapshotID, err := s.snapshotGroups(ctx, backup)
	if err != nil {
		return nil, s.fail(backup, err)
	}

	if backup.Mode == domain.BackupModeContinuous {
		return s.runContinuous(ctx, backup, state, admin, reader, snapshotID)
	}

	m, err := s.runPass(ctx, backup, state, admin, reader, snapshotID)
	if err != nil {
		return nil, s.fail(backup, err)
	}
	return m, nil
}

// runPass captures one generation and commits its manifest.
func (s *Service) runPass(
	ctx context.Context,
	backup *domain.Backup,
	state *domain.BackupState,
	admin repository.Admin,
	reader repository.PartitionReader,
	snapshotID string,
) (*domain.Manifest, error) {
	coordinator := NewCoordinator(backup, state, reader, admin, s.store, s.stateRepo, s.retry, s.logger)
	runErr := coordinator.Run(ctx)

	checkpoints, err := s.stateRepo.ListCheckpoints(ctx, backup.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	s.updateStatus(backup, state, checkpoints)
	if runErr != nil {
		return nil, runErr
	}

	m := manifest.Build(backup, state, checkpoints)
	m.ConsumerGroupSnapshot = snapshotID
	if err := s.manifests.Finalize(ctx, m); err != nil {
		return nil, err
	}

	done := m.CompletedAt
	backup.Status.Phase = domain.BackupPhaseCompleted
	backup.Status.LastBackupTime = &done
	return m, nil
}

// runContinuous publishes a new generation every poll interval until ctx
// is done. Stopping between or during passes is not an error once a
// generation has been committed.
func (s *Service) runContinuous(
	ctx context.Context,
	backup *domain.Backup,
	state *domain.BackupState,
	admin repository.Admin,
	reader repository.PartitionReader,
	snapshotID string,
) (*domain.Manifest, error) {
	log := s.logger.WithFields(map[string]interface{}{"backupID": backup.ID})

	last, err := s.manifests.Load(ctx, backup.ID)
	switch {
	case apperrors.IsKind(err, apperrors.ErrCodeNotFound):
		last = nil
	case err != nil:
		return nil, err
	case last.Generation >= state.Generation:
		// the stored generation was already published
		if state, err = s.captureBoundaries(ctx, backup, admin, state); err != nil {
			return last, err
		}
	}

	for {
		m, err := s.runPass(ctx, backup, state, admin, reader, snapshotID)
		if err != nil {
			if ctx.Err() != nil && last != nil {
				log.Info("Continuous backup stopped", "generation", last.Generation)
				return last, nil
			}
			return last, s.fail(backup, err)
		}
		last = m
		log.Info("Generation committed", "generation", m.Generation, "records", m.TotalRecords)

		select {
		case <-ctx.Done():
			log.Info("Continuous backup stopped", "generation", last.Generation)
			return last, nil
		case <-time.After(backup.PollInterval):
		}

		if state, err = s.captureBoundaries(ctx, backup, admin, state); err != nil {
			if ctx.Err() != nil {
				return last, nil
			}
			return last, s.fail(backup, err)
		}
	}
}

// prepareState loads the boundaries of an interrupted run or captures new
// ones. Boundaries are persisted before any partition is read.
func (s *Service) prepareState(ctx context.Context, backup *domain.Backup, admin repository.Admin) (*domain.BackupState, error) {
	state, err := s.stateRepo.GetBackupState(ctx, backup.ID)
	if err == nil {
		if state.Mode != backup.Mode {
			return nil, apperrors.Newf(apperrors.ErrCodeConfig,
				"backup %s was started in %s mode and cannot be resumed in %s mode", backup.ID, state.Mode, backup.Mode)
		}
		s.logger.Info("Resuming backup",
			"backupID", backup.ID,
			"generation", state.Generation,
			"partitions", len(state.Boundaries))
		return state, nil
	}
	if !apperrors.IsKind(err, apperrors.ErrCodeNotFound) {
		return nil, fmt.Errorf("failed to load backup state: %w", err)
	}

	state, err = s.captureBoundaries(ctx, backup, admin, nil)
	if err != nil {
		return nil, err
	}
	return state, nil
}

// captureBoundaries reads the log-start offset and high-water mark of every
// selected partition. With prev set it builds the following generation and
// keeps partitions that have since disappeared from the cluster, so the
// new manifest still covers everything the old one did.
func (s *Service) captureBoundaries(ctx context.Context, backup *domain.Backup, admin repository.Admin, prev *domain.BackupState) (*domain.BackupState, error) {
	var all []*domain.Topic
	err := s.retry.Do(ctx, "list_topics", func(ctx context.Context) error {
		var err error
		all, err = admin.ListTopics(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list topics: %w", err)
	}

	topics := backup.Topics.Select(all)
	if len(topics) == 0 && prev == nil {
		return nil, apperrors.New(apperrors.ErrCodeConfig, "no topics match the backup's topic selectors")
	}

	now := s.now()
	state := &domain.BackupState{
		BackupID:   backup.ID,
		Mode:       backup.Mode,
		Generation: 1,
		Boundaries: make(map[string]domain.PartitionBoundary),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if prev != nil {
		state.Generation = prev.Generation + 1
		state.CreatedAt = prev.CreatedAt
	}

	seen := make(map[string]bool)
	for _, t := range topics {
		seen[t.Name] = true
		state.Topics = append(state.Topics, domain.TopicSpec{Name: t.Name, PartitionCount: t.Partitions})
		for p := int32(0); p < t.Partitions; p++ {
			var low, high int64
			err := s.retry.Do(ctx, "get_offsets", func(ctx context.Context) error {
				var err error
				low, high, err = admin.GetOffsets(ctx, t.Name, p)
				return err
			})
			if err != nil {
				return nil, fmt.Errorf("failed to read offsets of %s: %w", domain.PartitionKey(t.Name, p), err)
			}
			key := domain.PartitionKey(t.Name, p)
			b := domain.PartitionBoundary{Topic: t.Name, Partition: p, LogStart: low, HighWatermark: high}
			if prev != nil {
				if old, ok := prev.Boundaries[key]; ok && old.HighWatermark > b.HighWatermark {
					b.HighWatermark = old.HighWatermark
				}
			}
			state.Boundaries[key] = b
		}
	}
	if prev != nil {
		for _, spec := range prev.Topics {
			if !seen[spec.Name] {
				state.Topics = append(state.Topics, spec)
			}
		}
		for key, b := range prev.Boundaries {
			if _, ok := state.Boundaries[key]; !ok {
				state.Boundaries[key] = b
			}
		}
	}

	if err := s.stateRepo.SaveBackupState(ctx, state); err != nil {
		return nil, fmt.Errorf("failed to save backup state: %w", err)
	}
	backup.Status.TopicsDiscovered = len(state.Topics)
	backup.Status.PartitionsTotal = len(state.Boundaries)
	s.logger.Info("Backup boundaries captured",
		"backupID", backup.ID,
		"generation", state.Generation,
		"topics", len(state.Topics),
		"partitions", len(state.Boundaries))
	return state, nil
}

// snapshotGroups records the committed offsets of the backup's consumer
// groups once per backup. It returns the snapshot id, or "" when the
// backup names no groups.
func (s *Service) snapshotGroups(ctx context.Context, backup *domain.Backup) (string, error) {
	if len(backup.ConsumerGroups) == 0 {
		return "", nil
	}
	_, err := s.snapshots.GetSnapshot(ctx, backup.ID, StartSnapshotID)
	if err == nil {
		return StartSnapshotID, nil
	}
	if !apperrors.IsKind(err, apperrors.ErrCodeNotFound) {
		return "", err
	}

	groups, err := s.kafkaRepo.CreateGroupAdmin(ctx, backup.SourceCluster)
	if err != nil {
		return "", fmt.Errorf("failed to create group admin: %w", err)
	}
	defer groups.Close()

	mgr := offsets.NewManager(groups, s.snapshots, s.stateRepo, s.logger)
	if _, err := mgr.Snapshot(ctx, offsets.SnapshotRequest{
		Scope:       backup.ID,
		ID:          StartSnapshotID,
		Groups:      backup.ConsumerGroups,
		Description: "consumer group offsets at backup start",
	}); err != nil {
		return "", err
	}
	return StartSnapshotID, nil
}

// GetBackup retrieves the committed manifest of a backup
func (s *Service) GetBackup(ctx context.Context, backupID string) (*domain.Manifest, error) {
	return s.manifests.Load(ctx, backupID)
}

// ListBackups lists committed backups
func (s *Service) ListBackups(ctx context.Context, filters usecase.BackupFilters) ([]domain.BackupSummary, error) {
	all, err := s.manifests.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}
	out := make([]domain.BackupSummary, 0, len(all))
	for _, summary := range all {
		if filters.Match(summary) {
			out = append(out, summary)
		}
	}
	return out, nil
}

// GetBackupStatus derives progress from persisted state and checkpoints
func (s *Service) GetBackupStatus(ctx context.Context, backupID string) (*domain.BackupStatus, error) {
	state, err := s.stateRepo.GetBackupState(ctx, backupID)
	if err != nil {
		return nil, err
	}
	checkpoints, err := s.stateRepo.ListCheckpoints(ctx, backupID)
	if err != nil {
		return nil, err
	}

	status := statusOf(state, checkpoints)
	m, err := s.manifests.Load(ctx, backupID)
	switch {
	case err == nil && m.Generation >= state.Generation:
		done := m.CompletedAt
		status.Phase = domain.BackupPhaseCompleted
		status.LastBackupTime = &done
	case err != nil && !apperrors.IsKind(err, apperrors.ErrCodeNotFound):
		return nil, err
	case len(checkpoints) == 0:
		status.Phase = domain.BackupPhasePending
	default:
		status.Phase = domain.BackupPhaseRunning
	}
	return &status, nil
}

func (s *Service) updateStatus(backup *domain.Backup, state *domain.BackupState, checkpoints []*domain.Checkpoint) {
	st := statusOf(state, checkpoints)
	backup.Status.TopicsDiscovered = st.TopicsDiscovered
	backup.Status.PartitionsTotal = st.PartitionsTotal
	backup.Status.PartitionsDone = st.PartitionsDone
	backup.Status.RecordsProcessed = st.RecordsProcessed
	backup.Status.BytesProcessed = st.BytesProcessed
}

func (s *Service) fail(backup *domain.Backup, err error) error {
	backup.Status.Phase = domain.BackupPhaseFailed
	backup.Status.Errors = append(backup.Status.Errors, err.Error())
	s.logger.Error("Backup failed", "backupID", backup.ID, "error", err)
	return err
}

func statusOf(state *domain.BackupState, checkpoints []*domain.Checkpoint) domain.BackupStatus {
	st := domain.BackupStatus{
		TopicsDiscovered: len(state.Topics),
		PartitionsTotal:  len(state.Boundaries),
	}
	for _, cp := range checkpoints {
		b, ok := state.Boundaries[domain.PartitionKey(cp.Topic, cp.Partition)]
		if !ok {
			continue
		}
		if cp.Complete && cp.Boundary >= b.HighWatermark {
			st.PartitionsDone++
		}
		for _, seg := range cp.Segments {
			st.RecordsProcessed += seg.RecordCount
			st.BytesProcessed += seg.CompressedSize
		}
	}
	return st
}

func (s *Service) validateBackup(backup *domain.Backup) error {
	if backup.ID == "" {
		return apperrors.New(apperrors.ErrCodeConfig, "backup id is required")
	}
	if backup.SourceCluster == nil || len(backup.SourceCluster.BootstrapServers) == 0 {
		return apperrors.New(apperrors.ErrCodeConfig, "source cluster bootstrap servers are required")
	}
	switch backup.Mode {
	case "", domain.BackupModeFull, domain.BackupModeContinuous:
	default:
		return apperrors.Newf(apperrors.ErrCodeConfig, "unknown backup mode %q", backup.Mode)
	}
	if backup.Compression != "" && !utils.ValidCompression(backup.Compression) {
		return apperrors.Newf(apperrors.ErrCodeConfig, "unsupported compression %q", backup.Compression)
	}
	if backup.SegmentMaxRecords < 0 || backup.SegmentMaxBytes < 0 || backup.MaxConcurrentPartitions < 0 {
		return apperrors.New(apperrors.ErrCodeConfig, "segment limits and concurrency must not be negative")
	}
	return nil
}

func applyDefaults(backup *domain.Backup) {
	if backup.Mode == "" {
		backup.Mode = domain.BackupModeFull
	}
	if backup.Compression == "" {
		backup.Compression = utils.CompressionZstd
	}
	if backup.SegmentMaxRecords == 0 {
		backup.SegmentMaxRecords = 10000
	}
	if backup.SegmentMaxBytes == 0 {
		backup.SegmentMaxBytes = 64 << 20
	}
	if backup.MaxConcurrentPartitions == 0 {
		backup.MaxConcurrentPartitions = 4
	}
	if backup.CheckpointInterval == 0 {
		backup.CheckpointInterval = 10 * time.Second
	}
	if backup.PollInterval == 0 {
		backup.PollInterval = 30 * time.Second
	}
	if backup.FetchMaxRecords == 0 {
		backup.FetchMaxRecords = 1000
	}
	if backup.MaxEmptyFetches == 0 {
		backup.MaxEmptyFetches = 3
	}
	if backup.CreatedAt.IsZero() {
		backup.CreatedAt = time.Now().UTC()
	}
}
