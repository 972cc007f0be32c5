package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/quantica-technologies/kafka-backup/internal/domain"
	"github.com/quantica-technologies/kafka-backup/internal/repository"
	apperrors "github.com/quantica-technologies/kafka-backup/pkg/errors"
)

// MetadataRepository stores manifests as JSON objects
type MetadataRepository struct {
	storage repository.StorageRepository
}

// NewMetadataRepository creates a new metadata repository
func NewMetadataRepository(storage repository.StorageRepository) repository.ManifestRepository {
	return &MetadataRepository{
		storage: storage,
	}
}

func (m *MetadataRepository) CommitManifest(ctx context.Context, manifest *domain.Manifest) error {
	err := putJSONIfAbsent(ctx, m.storage, ManifestKey(manifest.BackupID), manifest)
	if apperrors.IsKind(err, apperrors.ErrCodeAlreadyExists) {
		return apperrors.Newf(apperrors.ErrCodeAlreadyExists, "backup %s already has a manifest", manifest.BackupID)
	}
	return err
}

func (m *MetadataRepository) ReplaceManifest(ctx context.Context, manifest *domain.Manifest) error {
	return putJSON(ctx, m.storage, ManifestKey(manifest.BackupID), manifest)
}

func (m *MetadataRepository) GetManifest(ctx context.Context, backupID string) (*domain.Manifest, error) {
	var manifest domain.Manifest
	if err := getJSON(ctx, m.storage, ManifestKey(backupID), &manifest); err != nil {
		if apperrors.IsKind(err, apperrors.ErrCodeNotFound) {
			return nil, apperrors.Newf(apperrors.ErrCodeNotFound, "backup %s has no manifest", backupID)
		}
		return nil, err
	}
	return &manifest, nil
}

func (m *MetadataRepository) ManifestExists(ctx context.Context, backupID string) (bool, error) {
	return m.storage.Exists(ctx, ManifestKey(backupID))
}

func (m *MetadataRepository) ListManifests(ctx context.Context) ([]*domain.Manifest, error) {
	objects, err := m.storage.List(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}

	var manifests []*domain.Manifest
	for _, obj := range objects {
		parts := strings.Split(obj.Key, "/")
		if len(parts) != 2 || parts[1] != "manifest.json" {
			continue
		}
		manifest, err := m.GetManifest(ctx, parts[0])
		if err != nil {
			return nil, err
		}
		manifests = append(manifests, manifest)
	}

	sort.Slice(manifests, func(i, j int) bool {
		return manifests[i].CreatedAt.Before(manifests[j].CreatedAt)
	})
	return manifests, nil
}
