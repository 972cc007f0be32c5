package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quantica-technologies/kafka-backup/internal/config"
	apperrors "github.com/quantica-technologies/kafka-backup/pkg/errors"
)

func newRestoreCmd(opts *rootOptions) *cobra.Command {
	var (
		configFile  string
		windowStart int64
		windowEnd   int64
		dryRun      bool
	)

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore a backup into a target cluster",
		Long: `Restore a backup into a target cluster.

Only records with timestamps in [time-window-start, time-window-end) are
replayed; both bounds are epoch milliseconds. Each replayed record carries
its original topic, partition, offset and timestamp as headers, and the
offset mapping of the restore is stored next to the backup.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireFlags(cmd, "config"); err != nil {
				return err
			}
			cfg, err := config.LoadFromFile(configFile)
			if err != nil {
				return err
			}
			if cfg.Mode != config.ModeRestore {
				return apperrors.Newf(apperrors.ErrCodeConfig, "config %s has mode %q, expected %q", configFile, cfg.Mode, config.ModeRestore)
			}
			if cmd.Flags().Changed("time-window-start") {
				cfg.Restore.TimeWindowStart = &windowStart
			}
			if cmd.Flags().Changed("time-window-end") {
				cfg.Restore.TimeWindowEnd = &windowEnd
			}
			if cmd.Flags().Changed("dry-run") {
				cfg.Restore.DryRun = dryRun
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runRestore(cmd, opts, cfg)
		},
	}

	cmd.Flags().StringVar(&configFile, "config", "", "Path to the restore config file (required)")
	cmd.Flags().Int64Var(&windowStart, "time-window-start", 0, "Restore records at or after this epoch-millisecond timestamp")
	cmd.Flags().Int64Var(&windowEnd, "time-window-end", 0, "Restore records before this epoch-millisecond timestamp")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Plan and count the restore without writing to the target cluster")
	return cmd
}

func runRestore(cmd *cobra.Command, opts *rootOptions, cfg *config.Config) error {
	ctx := cmd.Context()
	r, err := cfg.ToRestoreDomain()
	if err != nil {
		return err
	}

	a, err := newApp(ctx, opts, cfg, r.SourceStorage)
	if err != nil {
		return err
	}
	defer a.Close()
	defer serveMetrics(cfg.MetricsAddr, a.logger)()

	report, err := a.restores().RunRestore(ctx, r)
	if report != nil {
		if wErr := writeRestoreReport(cmd.OutOrStdout(), report); wErr != nil && err == nil {
			err = wErr
		}
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Restore completed: %s\n", report.ID)
	return nil
}

func newShowOffsetMappingCmd(opts *rootOptions) *cobra.Command {
	var (
		path      string
		backupID  string
		restoreID string
		format    string
	)

	cmd := &cobra.Command{
		Use:   "show-offset-mapping",
		Short: "Show how original offsets map onto a restored copy",
		Long: `Show how original offsets map onto a restored copy.

Without --restore-id the most recent restore of the backup is shown. The
csv format lists every record; text summarizes each partition.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireFlags(cmd, "path", "backup-id"); err != nil {
				return err
			}
			if err := checkFormat(format, formatJSON, formatCSV, formatText); err != nil {
				return err
			}
			a, err := newPathApp(cmd.Context(), opts, path)
			if err != nil {
				return err
			}
			defer a.Close()

			set, err := a.restores().GetOffsetMapping(cmd.Context(), backupID, restoreID)
			if err != nil {
				return err
			}
			switch format {
			case formatJSON:
				return writeJSON(cmd.OutOrStdout(), set)
			case formatCSV:
				return writeMappingCSV(cmd.OutOrStdout(), set)
			default:
				return writeMappingText(cmd.OutOrStdout(), set)
			}
		},
	}

	cmd.Flags().StringVar(&path, "path", "", "Storage location (required)")
	cmd.Flags().StringVar(&backupID, "backup-id", "", "Backup that was restored (required)")
	cmd.Flags().StringVar(&restoreID, "restore-id", "", "Restore to show; defaults to the latest")
	cmd.Flags().StringVar(&format, "format", formatText, "Output format: json, csv or text")
	return cmd
}
