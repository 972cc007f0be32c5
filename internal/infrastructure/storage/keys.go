package storage

import (
	"fmt"
	"path"
	"strings"

	"github.com/quantica-technologies/kafka-backup/pkg/utils"
)

// StandaloneSnapshotScope holds offset snapshots taken outside a backup.
const StandaloneSnapshotScope = "snapshots"

// Object layout, relative to the storage prefix:
//
//	<backup_id>/manifest.json
//	<backup_id>/state.json
//	<backup_id>/topics/<topic>/partition=<n>/segment-<seq>.<ext>
//	<backup_id>/checkpoints/<topic>/partition=<n>.json
//	<backup_id>/offsets/<snapshot_id>.json
//	<backup_id>/restores/<restore_id>/report.json
//	<backup_id>/restores/<restore_id>/offset-mapping.json
//	locks/<name>.lock

// ManifestKey returns the manifest key of a backup.
func ManifestKey(backupID string) string {
	return path.Join(backupID, "manifest.json")
}

// StateKey returns the key of the persisted backup state.
func StateKey(backupID string) string {
	return path.Join(backupID, "state.json")
}

// SegmentKey returns the key of one segment.
func SegmentKey(backupID, topic string, partition int32, sequence int, compression string) string {
	return path.Join(backupID, "topics", topic, fmt.Sprintf("partition=%d", partition),
		fmt.Sprintf("segment-%08d.%s", sequence, utils.Extension(compression)))
}

// CheckpointKey returns the checkpoint key of one partition.
func CheckpointKey(backupID, topic string, partition int32) string {
	return path.Join(backupID, "checkpoints", topic, fmt.Sprintf("partition=%d.json", partition))
}

// CheckpointPrefix returns the prefix of every checkpoint in a backup.
func CheckpointPrefix(backupID string) string {
	return path.Join(backupID, "checkpoints") + "/"
}

// SnapshotKey returns the key of an offset snapshot.
func SnapshotKey(scope, snapshotID string) string {
	return path.Join(scope, "offsets", snapshotID+".json")
}

// SnapshotPrefix returns the prefix of every snapshot in a scope.
func SnapshotPrefix(scope string) string {
	return path.Join(scope, "offsets") + "/"
}

// RestorePrefix returns the prefix of every restore of a backup.
func RestorePrefix(backupID string) string {
	return path.Join(backupID, "restores") + "/"
}

// RestoreReportKey returns the report key of a restore.
func RestoreReportKey(backupID, restoreID string) string {
	return path.Join(backupID, "restores", restoreID, "report.json")
}

// MappingKey returns the offset-mapping key of a restore.
func MappingKey(backupID, restoreID string) string {
	return path.Join(backupID, "restores", restoreID, "offset-mapping.json")
}

// LockKey returns the key of a named lock.
func LockKey(name string) string {
	return path.Join("locks", sanitize(name)+".lock")
}

func sanitize(name string) string {
	return strings.NewReplacer("/", "_", ":", "_", " ", "_").Replace(name)
}

// joinPrefix joins a backend prefix and a relative key.
func joinPrefix(prefix, key string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return key
	}
	return prefix + "/" + strings.TrimPrefix(key, "/")
}
