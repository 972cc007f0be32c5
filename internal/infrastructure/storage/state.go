package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quantica-technologies/kafka-backup/internal/domain"
	"github.com/quantica-technologies/kafka-backup/internal/repository"
	apperrors "github.com/quantica-technologies/kafka-backup/pkg/errors"
)

// StateRepository implements state storage on top of a StorageRepository
type StateRepository struct {
	storage repository.StorageRepository
	now     func() time.Time
}

// NewStateRepository creates a new state repository
func NewStateRepository(storage repository.StorageRepository) *StateRepository {
	return &StateRepository{
		storage: storage,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *StateRepository) SaveBackupState(ctx context.Context, state *domain.BackupState) error {
	state.UpdatedAt = s.now()
	return putJSON(ctx, s.storage, StateKey(state.BackupID), state)
}

func (s *StateRepository) GetBackupState(ctx context.Context, backupID string) (*domain.BackupState, error) {
	var state domain.BackupState
	if err := getJSON(ctx, s.storage, StateKey(backupID), &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *StateRepository) SaveCheckpoint(ctx context.Context, checkpoint *domain.Checkpoint) error {
	checkpoint.UpdatedAt = s.now()
	return putJSON(ctx, s.storage, CheckpointKey(checkpoint.BackupID, checkpoint.Topic, checkpoint.Partition), checkpoint)
}

func (s *StateRepository) GetCheckpoint(ctx context.Context, backupID, topic string, partition int32) (*domain.Checkpoint, error) {
	var checkpoint domain.Checkpoint
	if err := getJSON(ctx, s.storage, CheckpointKey(backupID, topic, partition), &checkpoint); err != nil {
		return nil, err
	}
	return &checkpoint, nil
}

func (s *StateRepository) ListCheckpoints(ctx context.Context, backupID string) ([]*domain.Checkpoint, error) {
	objects, err := s.storage.List(ctx, CheckpointPrefix(backupID))
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	checkpoints := make([]*domain.Checkpoint, 0, len(objects))
	for _, obj := range objects {
		if !strings.HasSuffix(obj.Key, ".json") {
			continue
		}
		var checkpoint domain.Checkpoint
		if err := getJSON(ctx, s.storage, obj.Key, &checkpoint); err != nil {
			return nil, err
		}
		checkpoints = append(checkpoints, &checkpoint)
	}
	return checkpoints, nil
}

func (s *StateRepository) SaveRestoreReport(ctx context.Context, report *domain.JobResult) error {
	return putJSON(ctx, s.storage, RestoreReportKey(report.BackupID, report.ID), report)
}

func (s *StateRepository) GetRestoreReport(ctx context.Context, backupID, restoreID string) (*domain.JobResult, error) {
	var report domain.JobResult
	if err := getJSON(ctx, s.storage, RestoreReportKey(backupID, restoreID), &report); err != nil {
		return nil, err
	}
	return &report, nil
}

func (s *StateRepository) SaveMappingSet(ctx context.Context, set *domain.MappingSet) error {
	for _, m := range set.Mappings {
		if err := m.Validate(); err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeIntegrity, "refusing to persist invalid offset mapping")
		}
	}
	return putJSON(ctx, s.storage, MappingKey(set.BackupID, set.RestoreID), set)
}

func (s *StateRepository) GetMappingSet(ctx context.Context, backupID, restoreID string) (*domain.MappingSet, error) {
	if restoreID != "" {
		var set domain.MappingSet
		if err := getJSON(ctx, s.storage, MappingKey(backupID, restoreID), &set); err != nil {
			return nil, err
		}
		return &set, nil
	}

	ids, err := s.ListRestores(ctx, backupID)
	if err != nil {
		return nil, err
	}
	var latest *domain.MappingSet
	for _, id := range ids {
		var set domain.MappingSet
		if err := getJSON(ctx, s.storage, MappingKey(backupID, id), &set); err != nil {
			if apperrors.IsKind(err, apperrors.ErrCodeNotFound) {
				continue
			}
			return nil, err
		}
		if latest == nil || set.CreatedAt.After(latest.CreatedAt) {
			latest = &set
		}
	}
	if latest == nil {
		return nil, apperrors.Newf(apperrors.ErrCodeNotFound, "backup %s has no restore offset mapping", backupID)
	}
	return latest, nil
}

func (s *StateRepository) ListRestores(ctx context.Context, backupID string) ([]string, error) {
	prefix := RestorePrefix(backupID)
	objects, err := s.storage.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list restores: %w", err)
	}

	seen := make(map[string]bool)
	var ids []string
	for _, obj := range objects {
		rest := strings.TrimPrefix(obj.Key, prefix)
		id, _, ok := strings.Cut(rest, "/")
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

type lockRecord struct {
	Owner     string    `json:"owner"`
	Name      string    `json:"name"`
	ExpiresAt time.Time `json:"expires_at"`
}

type storageLock struct {
	repo  *StateRepository
	key   string
	owner string
}

// Lock acquires a named lock by creating its object. A lock whose holder
// did not release it before its ttl can be taken over.
func (s *StateRepository) Lock(ctx context.Context, name string, ttl time.Duration) (repository.Lock, error) {
	key := LockKey(name)
	record := lockRecord{Owner: uuid.NewString(), Name: name, ExpiresAt: s.now().Add(ttl)}

	for attempt := 0; attempt < 2; attempt++ {
		err := putJSONIfAbsent(ctx, s.storage, key, record)
		if err == nil {
			return &storageLock{repo: s, key: key, owner: record.Owner}, nil
		}
		if !apperrors.IsKind(err, apperrors.ErrCodeAlreadyExists) {
			return nil, fmt.Errorf("failed to acquire lock %s: %w", name, err)
		}

		var held lockRecord
		if err := getJSON(ctx, s.storage, key, &held); err != nil {
			if apperrors.IsKind(err, apperrors.ErrCodeNotFound) {
				continue
			}
			return nil, fmt.Errorf("failed to read lock %s: %w", name, err)
		}
		if s.now().Before(held.ExpiresAt) {
			return nil, apperrors.Newf(apperrors.ErrCodePrecondition,
				"%s is locked by another operation until %s", name, held.ExpiresAt.Format(time.RFC3339))
		}
		if err := s.storage.Delete(ctx, key); err != nil {
			return nil, fmt.Errorf("failed to clear expired lock %s: %w", name, err)
		}
	}
	return nil, apperrors.Newf(apperrors.ErrCodePrecondition, "%s is locked by another operation", name)
}

func (l *storageLock) Unlock(ctx context.Context) error {
	var held lockRecord
	if err := getJSON(ctx, l.repo.storage, l.key, &held); err != nil {
		if apperrors.IsKind(err, apperrors.ErrCodeNotFound) {
			return nil
		}
		return err
	}
	if held.Owner != l.owner {
		return nil
	}
	return l.repo.storage.Delete(ctx, l.key)
}
