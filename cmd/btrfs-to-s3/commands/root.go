// Package commands implements the btrfs-to-s3 CLI.
package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ValXp/btrfs-to-s3/internal/logger"
	"github.com/ValXp/btrfs-to-s3/internal/telemetry"
	"github.com/ValXp/btrfs-to-s3/pkg/config"
)

var (
	// Version is injected at build time.
	Version = "dev"

	configFile        string
	cfg               *config.Config
	telemetryShutdown func(context.Context) error
)

var rootCmd = &cobra.Command{
	Use:   "btrfs-to-s3",
	Short: "Backup and restore btrfs subvolumes to S3",
	Long: `btrfs-to-s3 streams full and incremental btrfs snapshots to S3-compatible
object storage, and restores any point in a subvolume's manifest chain back
to a local btrfs filesystem.

Use "btrfs-to-s3 [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.MustLoad(configFile)
		if err != nil {
			return err
		}
		cfg = loaded

		if err := logger.Init(logger.Config{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
		}); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		shutdown, err := telemetry.Init(cmd.Context(), telemetry.Config{
			Enabled:        cfg.Telemetry.Enabled,
			ServiceName:    "btrfs-to-s3",
			ServiceVersion: cfg.Telemetry.ServiceVersion,
			Endpoint:       cfg.Telemetry.Endpoint,
			Insecure:       cfg.Telemetry.Insecure,
			SampleRate:     cfg.Telemetry.SampleRate,
		})
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		telemetryShutdown = shutdown
		return nil
	},
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	err := rootCmd.Execute()

	if telemetryShutdown != nil {
		if shutdownErr := telemetryShutdown(context.Background()); shutdownErr != nil {
			logger.Warn("telemetry shutdown failed", logger.Event("telemetry_shutdown_failed"), logger.Err(shutdownErr))
		}
	}

	if err != nil {
		fmt.Println(err)
		if code, ok := err.(interface{ ExitCode() int }); ok {
			return code.ExitCode()
		}
		return 1
	}
	return 0
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to config file (default: $XDG_CONFIG_HOME/btrfs-to-s3/config.yaml)")

	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(lockCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(Version)
		return nil
	},
}
