// Command btrfs-to-s3 runs the backup/restore orchestrator described by a
// YAML configuration file: scheduled full/incremental backups of btrfs
// subvolumes streamed to S3, and restore of any point in a subvolume's
// manifest chain.
package main

import (
	"os"

	"github.com/ValXp/btrfs-to-s3/cmd/btrfs-to-s3/commands"
)

func main() {
	os.Exit(commands.Execute())
}
