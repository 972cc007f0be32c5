package main

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/quantica-technologies/kafka-backup/internal/config"
	"github.com/quantica-technologies/kafka-backup/internal/usecase"
	apperrors "github.com/quantica-technologies/kafka-backup/pkg/errors"
)

func newBackupCmd(opts *rootOptions) *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Back up the topics selected by a config file",
		Long: `Back up the topics selected by a config file.

A full backup captures every selected partition up to its high watermark
at start and commits the manifest once all partitions are done. An
interrupted backup resumes from its checkpoints when run again. With
backup.continuous set, new generations are captured every poll interval
until the process is stopped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireFlags(cmd, "config"); err != nil {
				return err
			}
			return runBackup(cmd, opts, configFile)
		},
	}

	cmd.Flags().StringVar(&configFile, "config", "", "Path to the backup config file (required)")
	return cmd
}

func runBackup(cmd *cobra.Command, opts *rootOptions, configFile string) error {
	ctx := cmd.Context()
	cfg, err := config.LoadFromFile(configFile)
	if err != nil {
		return err
	}
	if cfg.Mode != config.ModeBackup {
		return apperrors.Newf(apperrors.ErrCodeConfig, "config %s has mode %q, expected %q", configFile, cfg.Mode, config.ModeBackup)
	}
	b, err := cfg.ToBackupDomain()
	if err != nil {
		return err
	}

	a, err := newApp(ctx, opts, cfg, b.TargetStorage)
	if err != nil {
		return err
	}
	defer a.Close()
	defer serveMetrics(cfg.MetricsAddr, a.logger)()

	m, err := a.backups().RunBackup(ctx, b)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Backup completed: %s generation %d, %s records in %d topic(s), %s\n",
		m.BackupID, m.Generation,
		humanize.Comma(m.TotalRecords), len(m.Topics),
		humanize.Bytes(uint64(m.TotalBytes)))
	return nil
}

func newListCmd(opts *rootOptions) *cobra.Command {
	var (
		path   string
		mode   string
		format string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List committed backups",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireFlags(cmd, "path"); err != nil {
				return err
			}
			if err := checkFormat(format, formatText, formatJSON); err != nil {
				return err
			}
			a, err := newPathApp(cmd.Context(), opts, path)
			if err != nil {
				return err
			}
			defer a.Close()

			summaries, err := a.backups().ListBackups(cmd.Context(), usecase.BackupFilters{Mode: backupMode(mode)})
			if err != nil {
				return err
			}
			if format == formatJSON {
				return writeJSON(cmd.OutOrStdout(), summaries)
			}
			return writeBackupList(cmd.OutOrStdout(), summaries)
		},
	}

	cmd.Flags().StringVar(&path, "path", "", "Storage location: s3://bucket/prefix, file:///dir or a directory (required)")
	cmd.Flags().StringVar(&mode, "mode", "", "Only list backups of this mode (full or continuous)")
	cmd.Flags().StringVar(&format, "format", formatText, "Output format: text or json")
	return cmd
}

func newDescribeCmd(opts *rootOptions) *cobra.Command {
	var (
		path     string
		backupID string
		format   string
	)

	cmd := &cobra.Command{
		Use:   "describe",
		Short: "Show the manifest of a backup, or its progress when not yet committed",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireFlags(cmd, "path", "backup-id"); err != nil {
				return err
			}
			if err := checkFormat(format, formatText, formatJSON); err != nil {
				return err
			}
			a, err := newPathApp(cmd.Context(), opts, path)
			if err != nil {
				return err
			}
			defer a.Close()
			return describeBackup(cmd.Context(), cmd, a, backupID, format)
		},
	}

	cmd.Flags().StringVar(&path, "path", "", "Storage location (required)")
	cmd.Flags().StringVar(&backupID, "backup-id", "", "Backup to describe (required)")
	cmd.Flags().StringVar(&format, "format", formatText, "Output format: text or json")
	return cmd
}

func describeBackup(ctx context.Context, cmd *cobra.Command, a *app, backupID, format string) error {
	svc := a.backups()
	out := cmd.OutOrStdout()

	m, err := svc.GetBackup(ctx, backupID)
	if apperrors.IsKind(err, apperrors.ErrCodeNotFound) {
		status, sErr := svc.GetBackupStatus(ctx, backupID)
		if sErr != nil {
			return err
		}
		if format == formatJSON {
			return writeJSON(out, status)
		}
		return writeBackupStatus(out, backupID, status)
	}
	if err != nil {
		return err
	}

	if format == formatJSON {
		return writeJSON(out, m)
	}
	return writeManifest(out, m)
}
