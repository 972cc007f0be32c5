package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quantica-technologies/kafka-backup/internal/app/offsets"
	"github.com/quantica-technologies/kafka-backup/internal/domain"
	"github.com/quantica-technologies/kafka-backup/internal/usecase"
	apperrors "github.com/quantica-technologies/kafka-backup/pkg/errors"
)

// offsetFlags are shared by the offset-rollback subcommands.
type offsetFlags struct {
	path             string
	backupID         string
	bootstrapServers string
	groups           string
	snapshotID       string
	description      string
	verify           bool
	format           string
}

// scope is the backup the snapshots belong to, or the standalone scope.
func (f *offsetFlags) scope() string {
	if f.backupID != "" {
		return f.backupID
	}
	return offsets.StandaloneScope
}

func newOffsetRollbackCmd(opts *rootOptions) *cobra.Command {
	flags := &offsetFlags{}

	cmd := &cobra.Command{
		Use:   "offset-rollback",
		Short: "Snapshot consumer group offsets and roll groups back to a snapshot",
		Long: `Snapshot consumer group offsets and roll groups back to a snapshot.

Snapshots are stored under the backup given by --backup-id, or in a
standalone area when it is omitted. A rollback refuses to touch a group
that has active members.`,
	}

	cmd.PersistentFlags().StringVar(&flags.path, "path", "", "Storage location (required)")
	cmd.PersistentFlags().StringVar(&flags.backupID, "backup-id", "", "Backup the snapshots belong to")
	cmd.PersistentFlags().StringVar(&flags.bootstrapServers, "bootstrap-servers", "", "Comma-separated broker addresses")
	cmd.PersistentFlags().StringVar(&flags.groups, "groups", "", "Comma-separated consumer groups")
	cmd.PersistentFlags().StringVar(&flags.format, "format", formatText, "Output format: text or json")

	cmd.AddCommand(
		newOffsetSnapshotCmd(opts, flags),
		newOffsetListCmd(opts, flags),
		newOffsetShowCmd(opts, flags),
		newOffsetRollbackExecCmd(opts, flags),
	)
	return cmd
}

// withOffsets opens storage and, when bootstrap servers are given, the
// cluster, then hands the offset service to fn.
func withOffsets(cmd *cobra.Command, opts *rootOptions, flags *offsetFlags, needCluster, scan bool, fn func(svc usecase.OffsetUseCase) error) error {
	if err := requireFlags(cmd, "path"); err != nil {
		return err
	}
	if needCluster {
		if err := requireFlags(cmd, "bootstrap-servers"); err != nil {
			return err
		}
	}
	if err := checkFormat(flags.format, formatText, formatJSON); err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := newPathApp(ctx, opts, flags.path)
	if err != nil {
		return err
	}
	defer a.Close()

	var cluster *domain.KafkaCluster
	if needCluster {
		if cluster, err = a.cluster(flags.bootstrapServers); err != nil {
			return err
		}
	}
	svc, clients, err := a.offsets(ctx, cluster, scan)
	if err != nil {
		return err
	}
	defer clients.Close()
	return fn(svc)
}

func newOffsetSnapshotCmd(opts *rootOptions, flags *offsetFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Capture the committed offsets of consumer groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireFlags(cmd, "groups"); err != nil {
				return err
			}
			return withOffsets(cmd, opts, flags, true, false, func(svc usecase.OffsetUseCase) error {
				snap, err := svc.SnapshotOffsets(cmd.Context(), flags.scope(), splitFlag(flags.groups), flags.description)
				if err != nil {
					return err
				}
				if flags.format == formatJSON {
					return writeJSON(cmd.OutOrStdout(), snap)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Snapshot created: %s\n", snap.ID)
				return writeGroupOffsets(cmd.OutOrStdout(), snap.Groups)
			})
		},
	}
	cmd.Flags().StringVar(&flags.description, "description", "", "Free-form note stored with the snapshot")
	return cmd
}

func newOffsetListCmd(opts *rootOptions, flags *offsetFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List offset snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOffsets(cmd, opts, flags, false, false, func(svc usecase.OffsetUseCase) error {
				snapshots, err := svc.ListSnapshots(cmd.Context(), flags.scope())
				if err != nil {
					return err
				}
				if flags.format == formatJSON {
					return writeJSON(cmd.OutOrStdout(), snapshots)
				}
				return writeSnapshots(cmd.OutOrStdout(), snapshots)
			})
		},
	}
}

func newOffsetShowCmd(opts *rootOptions, flags *offsetFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the offsets stored in a snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireFlags(cmd, "snapshot-id"); err != nil {
				return err
			}
			return withOffsets(cmd, opts, flags, false, false, func(svc usecase.OffsetUseCase) error {
				snap, err := svc.GetSnapshot(cmd.Context(), flags.scope(), flags.snapshotID)
				if err != nil {
					return err
				}
				if flags.format == formatJSON {
					return writeJSON(cmd.OutOrStdout(), snap)
				}
				return writeSnapshot(cmd.OutOrStdout(), snap)
			})
		},
	}
	cmd.Flags().StringVar(&flags.snapshotID, "snapshot-id", "", "Snapshot to show (required)")
	return cmd
}

func newOffsetRollbackExecCmd(opts *rootOptions, flags *offsetFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Commit the offsets of a snapshot back to its groups",
		Long: `Commit the offsets of a snapshot back to its groups.

--groups limits the rollback to some of the snapshot's groups. With
--verify the committed offsets are read back and compared.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireFlags(cmd, "snapshot-id"); err != nil {
				return err
			}
			return withOffsets(cmd, opts, flags, true, false, func(svc usecase.OffsetUseCase) error {
				snap, err := svc.RollbackOffsets(cmd.Context(), flags.scope(), flags.snapshotID, splitFlag(flags.groups), flags.verify)
				if err != nil {
					return err
				}
				if flags.format == formatJSON {
					return writeJSON(cmd.OutOrStdout(), snap)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Rolled back to snapshot %s\n", snap.ID)
				return writeGroupOffsets(cmd.OutOrStdout(), snap.Groups)
			})
		},
	}
	cmd.Flags().StringVar(&flags.snapshotID, "snapshot-id", "", "Snapshot to roll back to (required)")
	cmd.Flags().BoolVar(&flags.verify, "verify", true, "Read offsets back after committing and fail on any difference")
	return cmd
}

func newOffsetResetCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "offset-reset",
		Short: "Move consumer groups onto a restored copy of their topics",
	}
	cmd.AddCommand(newOffsetResetExecuteCmd(opts))
	return cmd
}

func newOffsetResetExecuteCmd(opts *rootOptions) *cobra.Command {
	var (
		flags     offsetFlags
		strategy  string
		restoreID string
	)

	cmd := &cobra.Command{
		Use:   "execute",
		Short: "Translate and commit group offsets for a restored backup",
		Long: `Translate and commit group offsets for a restored backup.

The old offsets come from the snapshot taken when the backup started, or
from the groups themselves when there is none. The manual strategy prints
the translated offsets without committing them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireFlags(cmd, "backup-id", "groups"); err != nil {
				return err
			}
			s := domain.OffsetStrategy(strategy)
			if !s.Valid() {
				return apperrors.Newf(apperrors.ErrCodeConfig, "unknown strategy %q", strategy)
			}
			scan := s == domain.OffsetStrategyClusterScan
			return withOffsets(cmd, opts, &flags, true, scan, func(svc usecase.OffsetUseCase) error {
				plan, err := svc.ResetOffsets(cmd.Context(), usecase.ResetRequest{
					BackupID:  flags.backupID,
					RestoreID: restoreID,
					Groups:    splitFlag(flags.groups),
					Strategy:  s,
					Verify:    flags.verify,
				})
				if err != nil {
					return err
				}
				if flags.format == formatJSON {
					return writeJSON(cmd.OutOrStdout(), plan)
				}
				committed := s != domain.OffsetStrategyManual && s != domain.OffsetStrategySkip
				return writeResetPlan(cmd.OutOrStdout(), plan, committed)
			})
		},
	}

	cmd.Flags().StringVar(&flags.path, "path", "", "Storage location (required)")
	cmd.Flags().StringVar(&flags.backupID, "backup-id", "", "Backup that was restored (required)")
	cmd.Flags().StringVar(&flags.bootstrapServers, "bootstrap-servers", "", "Comma-separated broker addresses of the restored cluster (required)")
	cmd.Flags().StringVar(&flags.groups, "groups", "", "Comma-separated consumer groups (required)")
	cmd.Flags().StringVar(&strategy, "strategy", string(domain.OffsetStrategyHeaderBased),
		"Translation strategy: header-based, timestamp-based, cluster-scan, manual or skip")
	cmd.Flags().StringVar(&restoreID, "restore-id", "", "Restore whose offset mapping to use; defaults to the latest")
	cmd.Flags().BoolVar(&flags.verify, "verify", true, "Read offsets back after committing and fail on any difference")
	cmd.Flags().StringVar(&flags.format, "format", formatText, "Output format: text or json")
	return cmd
}
