// Package main is the entrypoint for the kafka-backup CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	apperrors "github.com/quantica-technologies/kafka-backup/pkg/errors"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	os.Exit(apperrors.ExitCode(err))
}

// rootOptions are the flags shared by every command.
type rootOptions struct {
	logLevel  string
	logFormat string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   "kafka-backup",
		Short: "Back up and restore Kafka topics and consumer group offsets",
		Long: `kafka-backup captures Kafka topics into object storage as compressed,
checksummed segments and restores them to any cluster, optionally limited
to a time window. Consumer group offsets can be snapshotted, rolled back
and translated onto restored topics.`,
		SilenceUsage: true,
	}
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return apperrors.Wrap(err, apperrors.ErrCodeConfig, "invalid flags")
	})

	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides the config file")
	rootCmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "Log format (json or console); overrides the config file")

	rootCmd.AddCommand(
		newVersionCmd(),
		newBackupCmd(opts),
		newRestoreCmd(opts),
		newListCmd(opts),
		newDescribeCmd(opts),
		newOffsetRollbackCmd(opts),
		newOffsetResetCmd(opts),
		newShowOffsetMappingCmd(opts),
	)

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "kafka-backup %s\n", Version)
			fmt.Fprintf(out, "  Commit:     %s\n", Commit)
			fmt.Fprintf(out, "  Built:      %s\n", BuildDate)
			fmt.Fprintf(out, "  Go version: %s\n", runtime.Version())
			fmt.Fprintf(out, "  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}
