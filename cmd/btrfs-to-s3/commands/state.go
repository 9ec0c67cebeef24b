package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/ValXp/btrfs-to-s3/internal/state"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect persisted backup progress",
}

var stateShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the last recorded backup outcome for each subvolume",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := state.Load(cfg.Global.StatePath)
		if err != nil {
			return newExitError(1, fmt.Errorf("state show: %w", err))
		}

		if st.LastRunAt != nil {
			fmt.Printf("last run: %s\n", *st.LastRunAt)
		} else {
			fmt.Println("last run: never")
		}

		names := make([]string, 0, len(st.Subvolumes))
		for name := range st.Subvolumes {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			sub := st.Subvolumes[name]
			fmt.Printf("%-20s last_full=%-24s last_manifest=%-24s last_snapshot=%s\n",
				name, deref(sub.LastFullAt), deref(sub.LastManifest), deref(sub.LastSnapshot))
		}
		return nil
	},
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}

func init() {
	stateCmd.AddCommand(stateShowCmd)
}
