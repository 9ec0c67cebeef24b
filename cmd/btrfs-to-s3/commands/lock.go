package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ValXp/btrfs-to-s3/internal/lock"
)

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Inspect or clear the backup/restore lock",
}

var lockStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether the configured lock is currently held",
	RunE: func(cmd *cobra.Command, args []string) error {
		l := lock.New(cfg.Global.LockPath)
		if err := l.Acquire(); err != nil {
			if lockErr, ok := err.(*lock.Error); ok {
				fmt.Printf("held by pid %d (%s)\n", lockErr.PID, cfg.Global.LockPath)
				return nil
			}
			return newExitError(1, fmt.Errorf("lock status: %w", err))
		}
		defer l.Release()
		fmt.Printf("free (%s)\n", cfg.Global.LockPath)
		return nil
	},
}

var lockClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove the configured lock if its holder is no longer running",
	RunE: func(cmd *cobra.Command, args []string) error {
		l := lock.New(cfg.Global.LockPath)
		if err := l.Acquire(); err != nil {
			return newExitError(1, fmt.Errorf("lock clear: lock is held by a live process: %w", err))
		}
		if err := l.Release(); err != nil {
			return newExitError(1, fmt.Errorf("lock clear: %w", err))
		}
		fmt.Println("cleared")
		return nil
	},
}

func init() {
	lockCmd.AddCommand(lockStatusCmd)
	lockCmd.AddCommand(lockClearCmd)
}
