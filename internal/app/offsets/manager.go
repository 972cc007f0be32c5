// Package offsets snapshots consumer group offsets and commits them back.
// Every operation holds a storage lock per group for its whole duration, so
// a snapshot and a rollback of the same group never interleave.
package offsets

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/quantica-technologies/kafka-backup/internal/domain"
	"github.com/quantica-technologies/kafka-backup/internal/repository"
	apperrors "github.com/quantica-technologies/kafka-backup/pkg/errors"
	"github.com/quantica-technologies/kafka-backup/pkg/logger"
	"github.com/quantica-technologies/kafka-backup/pkg/metrics"
)

// StandaloneScope holds snapshots not taken as part of a backup.
const StandaloneScope = "snapshots"

const defaultLockTTL = 5 * time.Minute

// Locker acquires named locks.
type Locker interface {
	Lock(ctx context.Context, name string, ttl time.Duration) (repository.Lock, error)
}

// Manager manages offset snapshots
type Manager struct {
	groups    repository.GroupAdmin
	snapshots repository.SnapshotRepository
	locker    Locker
	logger    logger.Logger
	lockTTL   time.Duration
	now       func() time.Time
}

// NewManager creates an offset manager
func NewManager(groups repository.GroupAdmin, snapshots repository.SnapshotRepository, locker Locker, log logger.Logger) *Manager {
	return &Manager{
		groups:    groups,
		snapshots: snapshots,
		locker:    locker,
		logger:    log,
		lockTTL:   defaultLockTTL,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SnapshotRequest selects the groups to capture.
type SnapshotRequest struct {
	// Scope is a backup id or StandaloneScope.
	Scope       string
	ID          string
	Groups      []string
	Description string
}

// Snapshot reads the committed offsets of each group and stores them
// verbatim under a new snapshot id.
func (m *Manager) Snapshot(ctx context.Context, req SnapshotRequest) (*domain.OffsetSnapshot, error) {
	groups, err := normalizeGroups(req.Groups)
	if err != nil {
		return nil, err
	}
	scope := req.Scope
	if scope == "" {
		scope = StandaloneScope
	}

	unlock, err := m.lockGroups(ctx, groups)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := m.now()
	snapshot := &domain.OffsetSnapshot{
		ID:          req.ID,
		Description: req.Description,
		CreatedAt:   now,
		Groups:      make(map[string]domain.GroupOffsets, len(groups)),
	}
	if snapshot.ID == "" {
		snapshot.ID = fmt.Sprintf("%s-%s", now.Format("20060102T150405Z"), uuid.NewString()[:8])
	}

	for _, group := range groups {
		offsets, err := m.groups.FetchOffsets(ctx, group)
		if err != nil {
			return nil, groupError(err, group, "failed to fetch committed offsets")
		}
		snapshot.Groups[group] = offsets
	}

	if err := m.snapshots.SaveSnapshot(ctx, scope, snapshot); err != nil {
		return nil, fmt.Errorf("failed to save offset snapshot: %w", err)
	}

	m.logger.Info("Offset snapshot saved",
		"snapshotID", snapshot.ID,
		"scope", scope,
		"groups", len(groups))
	return snapshot, nil
}

// RollbackRequest selects the snapshot and groups to restore.
type RollbackRequest struct {
	Scope      string
	SnapshotID string
	// Groups defaults to every group in the snapshot.
	Groups []string
	Verify bool
}

// Rollback commits the offsets of a snapshot back to its groups.
func (m *Manager) Rollback(ctx context.Context, req RollbackRequest) (*domain.OffsetSnapshot, error) {
	scope := req.Scope
	if scope == "" {
		scope = StandaloneScope
	}
	snapshot, err := m.snapshots.GetSnapshot(ctx, scope, req.SnapshotID)
	if err != nil {
		return nil, err
	}

	groups := req.Groups
	if len(groups) == 0 {
		groups = snapshot.GroupNames()
	}
	groups, err = normalizeGroups(groups)
	if err != nil {
		return nil, err
	}

	target := make(map[string]domain.GroupOffsets, len(groups))
	var missing []string
	for _, g := range groups {
		offsets, ok := snapshot.Groups[g]
		if !ok {
			missing = append(missing, g)
			continue
		}
		target[g] = offsets
	}
	if len(missing) > 0 {
		return nil, &apperrors.AppError{
			Code:    apperrors.ErrCodeConfig,
			Message: fmt.Sprintf("snapshot %s does not contain every requested group", snapshot.ID),
			Groups:  missing,
		}
	}

	if err := m.apply(ctx, "rollback", target, req.Verify); err != nil {
		return nil, err
	}
	m.logger.Info("Offsets rolled back",
		"snapshotID", snapshot.ID,
		"groups", len(groups),
		"verified", req.Verify)
	return snapshot, nil
}

// Reset commits a computed plan. A manual or skip plan only reports.
func (m *Manager) Reset(ctx context.Context, plan *domain.ResetPlan, verify bool) error {
	if plan.Strategy == domain.OffsetStrategyManual || plan.Strategy == domain.OffsetStrategySkip {
		m.logger.Info("Offset reset not applied", "strategy", plan.Strategy, "groups", len(plan.Groups))
		return nil
	}
	if len(plan.Groups) == 0 {
		return nil
	}
	if err := m.apply(ctx, "reset", plan.Groups, verify); err != nil {
		return err
	}
	m.logger.Info("Offsets reset", "strategy", plan.Strategy, "groups", len(plan.Groups))
	return nil
}

// apply locks every group, refuses if any has active members, then
// commits. Nothing is committed unless every group passed the check.
func (m *Manager) apply(ctx context.Context, operation string, target map[string]domain.GroupOffsets, verify bool) error {
	groups := make([]string, 0, len(target))
	for g := range target {
		groups = append(groups, g)
	}
	sort.Strings(groups)

	unlock, err := m.lockGroups(ctx, groups)
	if err != nil {
		return err
	}
	defer unlock()

	descriptions, err := m.groups.DescribeGroups(ctx, groups)
	if err != nil {
		return fmt.Errorf("failed to describe consumer groups: %w", err)
	}
	var active []string
	for _, g := range groups {
		if d, ok := descriptions[g]; ok && d.Active() {
			active = append(active, g)
		}
	}
	if len(active) > 0 {
		return &apperrors.AppError{
			Code:    apperrors.ErrCodePrecondition,
			Message: "consumer groups have active members; stop their consumers first",
			Groups:  active,
		}
	}

	for _, g := range groups {
		if len(target[g]) == 0 {
			continue
		}
		if err := m.groups.CommitOffsets(ctx, g, target[g]); err != nil {
			return groupError(err, g, "failed to commit offsets")
		}
		metrics.OffsetCommits.WithLabelValues(operation, g).Inc()
		m.logger.Debug("Offsets committed", "group", g, "partitions", len(target[g]))
	}

	if !verify {
		return nil
	}
	for _, g := range groups {
		got, err := m.groups.FetchOffsets(ctx, g)
		if err != nil {
			return groupError(err, g, "failed to re-read offsets for verification")
		}
		if diff := compare(target[g], got); len(diff) > 0 {
			metrics.IntegrityFailures.Inc()
			return &apperrors.AppError{
				Code:       apperrors.ErrCodeIntegrity,
				Message:    fmt.Sprintf("committed offsets of group %s differ from the expected offsets", g),
				Groups:     []string{g},
				Partitions: diff,
			}
		}
		if extra := outside(target[g], got); len(extra) > 0 {
			m.logger.Warn("Group has committed offsets outside the applied set",
				"group", g,
				"operation", operation,
				"partitions", extra)
		}
	}
	return nil
}

// List returns the snapshots of a scope, oldest first.
func (m *Manager) List(ctx context.Context, scope string) ([]*domain.OffsetSnapshot, error) {
	if scope == "" {
		scope = StandaloneScope
	}
	return m.snapshots.ListSnapshots(ctx, scope)
}

// Show returns one snapshot.
func (m *Manager) Show(ctx context.Context, scope, snapshotID string) (*domain.OffsetSnapshot, error) {
	if scope == "" {
		scope = StandaloneScope
	}
	return m.snapshots.GetSnapshot(ctx, scope, snapshotID)
}

// Current reads the committed offsets of groups without taking a snapshot.
func (m *Manager) Current(ctx context.Context, groups []string) (map[string]domain.GroupOffsets, error) {
	out := make(map[string]domain.GroupOffsets, len(groups))
	for _, g := range groups {
		offsets, err := m.groups.FetchOffsets(ctx, g)
		if err != nil {
			return nil, groupError(err, g, "failed to fetch committed offsets")
		}
		out[g] = offsets
	}
	return out, nil
}

func (m *Manager) lockGroups(ctx context.Context, groups []string) (func(), error) {
	var held []repository.Lock
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			if err := held[i].Unlock(context.WithoutCancel(ctx)); err != nil {
				m.logger.Warn("Failed to release group lock", "error", err)
			}
		}
	}
	for _, g := range groups {
		lock, err := m.locker.Lock(ctx, "group-"+g, m.lockTTL)
		if err != nil {
			release()
			if apperrors.IsKind(err, apperrors.ErrCodePrecondition) {
				return nil, &apperrors.AppError{
					Code:    apperrors.ErrCodePrecondition,
					Message: "another offset operation is running for this group",
					Err:     err,
					Groups:  []string{g},
				}
			}
			return nil, err
		}
		held = append(held, lock)
	}
	return release, nil
}

// compare returns the partitions whose committed offset or metadata
// differs from want.
func compare(want, got domain.GroupOffsets) []string {
	var diff []string
	for key, w := range want {
		g, ok := got[key]
		if !ok || g.Offset != w.Offset || g.Metadata != w.Metadata {
			diff = append(diff, key)
		}
	}
	sort.Strings(diff)
	return diff
}

// outside returns the partitions committed in got that want does not name.
// A commit never removes them, so they survive a rollback untouched.
func outside(want, got domain.GroupOffsets) []string {
	var extra []string
	for key := range got {
		if _, ok := want[key]; !ok {
			extra = append(extra, key)
		}
	}
	sort.Strings(extra)
	return extra
}

func normalizeGroups(groups []string) ([]string, error) {
	seen := make(map[string]bool, len(groups))
	out := make([]string, 0, len(groups))
	for _, g := range groups {
		if g == "" || seen[g] {
			continue
		}
		seen[g] = true
		out = append(out, g)
	}
	if len(out) == 0 {
		return nil, apperrors.New(apperrors.ErrCodeConfig, "at least one consumer group is required")
	}
	sort.Strings(out)
	return out, nil
}

func groupError(err error, group, message string) error {
	return &apperrors.AppError{
		Code:    apperrors.KindOf(err),
		Message: message,
		Err:     err,
		Groups:  []string{group},
	}
}
