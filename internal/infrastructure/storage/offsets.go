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

// SnapshotRepository stores offset snapshots as JSON objects
type SnapshotRepository struct {
	storage repository.StorageRepository
}

// NewSnapshotRepository creates a new snapshot repository
func NewSnapshotRepository(storage repository.StorageRepository) repository.SnapshotRepository {
	return &SnapshotRepository{storage: storage}
}

// SaveSnapshot writes a snapshot once. Snapshots are never overwritten.
func (r *SnapshotRepository) SaveSnapshot(ctx context.Context, scope string, snapshot *domain.OffsetSnapshot) error {
	return putJSONIfAbsent(ctx, r.storage, SnapshotKey(scope, snapshot.ID), snapshot)
}

func (r *SnapshotRepository) GetSnapshot(ctx context.Context, scope, snapshotID string) (*domain.OffsetSnapshot, error) {
	var snapshot domain.OffsetSnapshot
	if err := getJSON(ctx, r.storage, SnapshotKey(scope, snapshotID), &snapshot); err != nil {
		if apperrors.IsKind(err, apperrors.ErrCodeNotFound) {
			return nil, apperrors.Newf(apperrors.ErrCodeNotFound, "offset snapshot %s not found", snapshotID)
		}
		return nil, err
	}
	return &snapshot, nil
}

func (r *SnapshotRepository) ListSnapshots(ctx context.Context, scope string) ([]*domain.OffsetSnapshot, error) {
	objects, err := r.storage.List(ctx, SnapshotPrefix(scope))
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}

	var snapshots []*domain.OffsetSnapshot
	for _, obj := range objects {
		if !strings.HasSuffix(obj.Key, ".json") {
			continue
		}
		var snapshot domain.OffsetSnapshot
		if err := getJSON(ctx, r.storage, obj.Key, &snapshot); err != nil {
			return nil, err
		}
		snapshots = append(snapshots, &snapshot)
	}

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].CreatedAt.Before(snapshots[j].CreatedAt)
	})
	return snapshots, nil
}
