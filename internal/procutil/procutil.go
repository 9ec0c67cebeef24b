// Package procutil holds small process-environment helpers shared by the
// external command invocations (the btrfs snapshot/delete runner and restore
// verification).
package procutil

import (
	"os"
	"strings"
)

// sbinDirs are directories cron/systemd environments frequently omit from
// PATH, even though the btrfs CLI usually lives there.
var sbinDirs = []string{"/usr/sbin", "/sbin"}

// EnsureSbinOnPath appends any of sbinDirs missing from path and returns the
// result. It does not mutate the process environment; call os.Setenv with
// the result if that is desired.
func EnsureSbinOnPath(path string) string {
	parts := []string{}
	for _, entry := range strings.Split(path, string(os.PathListSeparator)) {
		if entry != "" {
			parts = append(parts, entry)
		}
	}
	for _, dir := range sbinDirs {
		if !contains(parts, dir) {
			parts = append(parts, dir)
		}
	}
	return strings.Join(parts, string(os.PathListSeparator))
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
