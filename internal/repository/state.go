package repository

import (
	"context"
	"time"

	"github.com/quantica-technologies/kafka-backup/internal/domain"
)

// StateRepository defines operations for managing backup/restore state
type StateRepository interface {
	// SaveBackupState saves the captured boundaries of a backup
	SaveBackupState(ctx context.Context, state *domain.BackupState) error

	// GetBackupState retrieves backup state
	GetBackupState(ctx context.Context, backupID string) (*domain.BackupState, error)

	// SaveCheckpoint durably records partition progress
	SaveCheckpoint(ctx context.Context, checkpoint *domain.Checkpoint) error

	// GetCheckpoint retrieves the checkpoint of one partition
	GetCheckpoint(ctx context.Context, backupID, topic string, partition int32) (*domain.Checkpoint, error)

	// ListCheckpoints lists every checkpoint of a backup
	ListCheckpoints(ctx context.Context, backupID string) ([]*domain.Checkpoint, error)

	// SaveRestoreReport saves the outcome of a restore
	SaveRestoreReport(ctx context.Context, report *domain.JobResult) error

	// GetRestoreReport retrieves a restore report
	GetRestoreReport(ctx context.Context, backupID, restoreID string) (*domain.JobResult, error)

	// SaveMappingSet saves the offset mapping produced by a restore
	SaveMappingSet(ctx context.Context, set *domain.MappingSet) error

	// GetMappingSet retrieves a mapping set. An empty restoreID selects the
	// most recent restore of the backup.
	GetMappingSet(ctx context.Context, backupID, restoreID string) (*domain.MappingSet, error)

	// ListRestores lists restore ids recorded for a backup
	ListRestores(ctx context.Context, backupID string) ([]string, error)

	// Lock acquires a lock shared by every process using the same storage
	Lock(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

// Lock represents a distributed lock
type Lock interface {
	// Unlock releases the lock
	Unlock(ctx context.Context) error
}

// SnapshotRepository stores consumer group offset snapshots. Scope is the
// backup id the snapshot belongs to, or "snapshots" for standalone ones.
type SnapshotRepository interface {
	SaveSnapshot(ctx context.Context, scope string, snapshot *domain.OffsetSnapshot) error
	GetSnapshot(ctx context.Context, scope, snapshotID string) (*domain.OffsetSnapshot, error)
	ListSnapshots(ctx context.Context, scope string) ([]*domain.OffsetSnapshot, error)
}
