package repository

import (
	"context"

	"github.com/quantica-technologies/kafka-backup/internal/domain"
)

// ManifestRepository stores backup manifests
type ManifestRepository interface {
	// CommitManifest writes the manifest only if none exists for the backup
	CommitManifest(ctx context.Context, manifest *domain.Manifest) error

	// ReplaceManifest atomically replaces the manifest of a continuous backup
	ReplaceManifest(ctx context.Context, manifest *domain.Manifest) error

	// GetManifest retrieves the manifest of a backup
	GetManifest(ctx context.Context, backupID string) (*domain.Manifest, error)

	// ManifestExists reports whether the backup has been committed
	ManifestExists(ctx context.Context, backupID string) (bool, error)

	// ListManifests lists every committed backup
	ListManifests(ctx context.Context) ([]*domain.Manifest, error)
}
