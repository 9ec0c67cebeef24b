// Package btrfscli shells out to the btrfs CLI for the subvolume
// snapshot/delete operations snapshot.Manager needs, sanitizing the child's
// PATH the same way restore verification does.
package btrfscli

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"

	"github.com/ValXp/btrfs-to-s3/internal/procutil"
)

// Runner executes args[0] (always "btrfs") with the rest as arguments,
// satisfying snapshot.Runner.
type Runner struct{}

// Run executes the command and returns an error including stderr on
// non-zero exit.
func (Runner) Run(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("btrfscli: empty command")
	}
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Env = append(os.Environ(), "PATH="+procutil.EnsureSbinOnPath(os.Getenv("PATH")))

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			return fmt.Errorf("%w: %s", err, stderr.String())
		}
		return err
	}
	return nil
}
