package usecase

import (
	"context"

	"github.com/quantica-technologies/kafka-backup/internal/domain"
)

// OffsetUseCase defines consumer group offset operations
type OffsetUseCase interface {
	// SnapshotOffsets captures the committed offsets of groups
	SnapshotOffsets(ctx context.Context, scope string, groups []string, description string) (*domain.OffsetSnapshot, error)

	// RollbackOffsets commits a snapshot back to its groups
	RollbackOffsets(ctx context.Context, scope, snapshotID string, groups []string, verify bool) (*domain.OffsetSnapshot, error)

	// ListSnapshots lists the snapshots of a scope
	ListSnapshots(ctx context.Context, scope string) ([]*domain.OffsetSnapshot, error)

	// GetSnapshot retrieves one snapshot
	GetSnapshot(ctx context.Context, scope, snapshotID string) (*domain.OffsetSnapshot, error)

	// ResetOffsets translates group offsets into a restored offset space
	// and commits them unless the strategy only reports
	ResetOffsets(ctx context.Context, req ResetRequest) (*domain.ResetPlan, error)
}

// ResetRequest describes an offset reset after a restore
type ResetRequest struct {
	BackupID  string
	RestoreID string
	Groups    []string
	Strategy  domain.OffsetStrategy
	Verify    bool
	// Mappings overrides the persisted mapping set when set.
	Mappings *domain.MappingSet
}
