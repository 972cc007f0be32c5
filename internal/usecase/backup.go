package usecase

import (
	"context"
	"time"

	"github.com/quantica-technologies/kafka-backup/internal/domain"
)

// BackupUseCase defines the interface for backup operations
type BackupUseCase interface {
	// RunBackup captures the selected topics and commits the manifest. A
	// continuous backup keeps publishing generations until ctx is done.
	RunBackup(ctx context.Context, backup *domain.Backup) (*domain.Manifest, error)

	// GetBackup retrieves the committed manifest of a backup
	GetBackup(ctx context.Context, backupID string) (*domain.Manifest, error)

	// ListBackups lists committed backups
	ListBackups(ctx context.Context, filters BackupFilters) ([]domain.BackupSummary, error)

	// GetBackupStatus derives progress from persisted state and checkpoints
	GetBackupStatus(ctx context.Context, backupID string) (*domain.BackupStatus, error)
}

// BackupFilters defines filters for listing backups
type BackupFilters struct {
	Mode          domain.BackupMode
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
}

// Match reports whether a backup passes the filters.
func (f BackupFilters) Match(s domain.BackupSummary) bool {
	if f.Mode != "" && s.Mode != f.Mode {
		return false
	}
	if f.CreatedAfter != nil && !s.CreatedAt.After(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && !s.CreatedAt.Before(*f.CreatedBefore) {
		return false
	}
	return true
}
