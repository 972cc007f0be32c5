// Package manifest assembles, commits and loads backup manifests. The
// manifest is the single commit point of a backup.
package manifest

import (
	"context"
	"sort"
	"time"

	"github.com/quantica-technologies/kafka-backup/internal/domain"
	"github.com/quantica-technologies/kafka-backup/internal/repository"
	apperrors "github.com/quantica-technologies/kafka-backup/pkg/errors"
	"github.com/quantica-technologies/kafka-backup/pkg/logger"
)

// Manager manages backup manifests
type Manager struct {
	repo   repository.ManifestRepository
	logger logger.Logger
	now    func() time.Time
}

// NewManager creates a manifest manager
func NewManager(repo repository.ManifestRepository, log logger.Logger) *Manager {
	return &Manager{
		repo:   repo,
		logger: log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Build assembles a manifest from a backup's state and the checkpoints of
// its partitions. Partitions without a checkpoint are recorded as empty.
func Build(backup *domain.Backup, state *domain.BackupState, checkpoints []*domain.Checkpoint) *domain.Manifest {
	byKey := make(map[string]*domain.Checkpoint, len(checkpoints))
	for _, cp := range checkpoints {
		byKey[domain.PartitionKey(cp.Topic, cp.Partition)] = cp
	}

	topics := make(map[string]*domain.TopicManifest)
	for _, spec := range state.Topics {
		topics[spec.Name] = &domain.TopicManifest{Name: spec.Name, PartitionCount: spec.PartitionCount}
	}

	for _, b := range state.SortedBoundaries() {
		tm, ok := topics[b.Topic]
		if !ok {
			tm = &domain.TopicManifest{Name: b.Topic}
			topics[b.Topic] = tm
		}
		pm := domain.PartitionManifest{
			Partition:   b.Partition,
			StartOffset: b.LogStart,
			EndOffset:   b.HighWatermark,
		}
		if cp, ok := byKey[domain.PartitionKey(b.Topic, b.Partition)]; ok {
			pm.Segments = append(pm.Segments, cp.Segments...)
		}
		tm.Partitions = append(tm.Partitions, pm)
	}

	m := &domain.Manifest{
		Version:    domain.ManifestVersion,
		BackupID:   backup.ID,
		Mode:       backup.Mode,
		Generation: state.Generation,
		CreatedAt:  state.CreatedAt,
	}
	if backup.SourceCluster != nil {
		m.SourceCluster = backup.SourceCluster.ID
	}
	m.Compression = backup.Compression

	names := make([]string, 0, len(topics))
	for name := range topics {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		m.Topics = append(m.Topics, *topics[name])
	}
	return m
}

// Finalize validates and commits a manifest. The first generation is
// written with a create-if-absent write; later generations of a continuous
// backup replace the previous one.
func (m *Manager) Finalize(ctx context.Context, manifest *domain.Manifest) error {
	manifest.Normalize()
	if manifest.CompletedAt.IsZero() {
		manifest.CompletedAt = m.now()
	}
	if err := manifest.Validate(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeIntegrity, "refusing to commit invalid manifest")
	}

	var err error
	if manifest.Mode == domain.BackupModeContinuous && manifest.Generation > 1 {
		err = m.replace(ctx, manifest)
	} else {
		err = m.repo.CommitManifest(ctx, manifest)
	}
	if err != nil {
		return err
	}

	m.logger.Info("Manifest committed",
		"backupID", manifest.BackupID,
		"generation", manifest.Generation,
		"topics", len(manifest.Topics),
		"records", manifest.TotalRecords,
		"bytes", manifest.TotalBytes)
	return nil
}

// replace publishes a new generation only if it extends the committed one.
func (m *Manager) replace(ctx context.Context, manifest *domain.Manifest) error {
	current, err := m.repo.GetManifest(ctx, manifest.BackupID)
	if err != nil && !apperrors.IsKind(err, apperrors.ErrCodeNotFound) {
		return err
	}
	if current != nil {
		if current.Generation >= manifest.Generation {
			return apperrors.Newf(apperrors.ErrCodeAlreadyExists,
				"backup %s already has generation %d", manifest.BackupID, current.Generation)
		}
		if err := supersedes(manifest, current); err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeIntegrity, "new manifest generation does not extend the previous one")
		}
	}
	return m.repo.ReplaceManifest(ctx, manifest)
}

// supersedes checks that every segment of old is still present in next.
func supersedes(next, old *domain.Manifest) error {
	for _, ot := range old.Topics {
		nt, ok := next.Topic(ot.Name)
		if !ok {
			return apperrors.Newf(apperrors.ErrCodeIntegrity, "topic %s missing", ot.Name)
		}
		for _, op := range ot.Partitions {
			np, ok := nt.Partition(op.Partition)
			if !ok || len(np.Segments) < len(op.Segments) {
				return apperrors.Newf(apperrors.ErrCodeIntegrity, "partition %s lost segments", domain.PartitionKey(ot.Name, op.Partition))
			}
			for i, s := range op.Segments {
				if np.Segments[i].Key != s.Key || np.Segments[i].Checksum != s.Checksum {
					return apperrors.Newf(apperrors.ErrCodeIntegrity, "segment %s changed", s.Key)
				}
			}
		}
	}
	return nil
}

// Load reads and validates a committed manifest.
func (m *Manager) Load(ctx context.Context, backupID string) (*domain.Manifest, error) {
	manifest, err := m.repo.GetManifest(ctx, backupID)
	if err != nil {
		return nil, err
	}
	if manifest.Version > domain.ManifestVersion {
		return nil, apperrors.Newf(apperrors.ErrCodeConfig,
			"backup %s uses manifest version %d, newest supported is %d", backupID, manifest.Version, domain.ManifestVersion)
	}
	if err := manifest.Validate(); err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrCodeIntegrity, "manifest of backup %s is invalid", backupID)
	}
	return manifest, nil
}

// Exists reports whether a backup has been committed.
func (m *Manager) Exists(ctx context.Context, backupID string) (bool, error) {
	return m.repo.ManifestExists(ctx, backupID)
}

// List returns a summary of every committed backup, oldest first.
func (m *Manager) List(ctx context.Context) ([]domain.BackupSummary, error) {
	manifests, err := m.repo.ListManifests(ctx)
	if err != nil {
		return nil, err
	}
	summaries := make([]domain.BackupSummary, 0, len(manifests))
	for _, manifest := range manifests {
		summaries = append(summaries, manifest.Summary())
	}
	return summaries, nil
}
