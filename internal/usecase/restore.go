package usecase

import (
	"context"

	"github.com/quantica-technologies/kafka-backup/internal/domain"
)

// RestoreUseCase defines the interface for restore operations
type RestoreUseCase interface {
	// ValidateRestore checks a restore configuration without reading data
	ValidateRestore(ctx context.Context, restore *domain.Restore) error

	// RunRestore replays a backup into the target cluster
	RunRestore(ctx context.Context, restore *domain.Restore) (*domain.JobResult, error)

	// GetRestoreReport retrieves the report of a finished restore
	GetRestoreReport(ctx context.Context, backupID, restoreID string) (*domain.JobResult, error)

	// ListRestores lists the restores recorded for a backup
	ListRestores(ctx context.Context, backupID string) ([]string, error)

	// GetOffsetMapping retrieves the offset mapping of a restore. An empty
	// restoreID selects the latest one.
	GetOffsetMapping(ctx context.Context, backupID, restoreID string) (*domain.MappingSet, error)
}
