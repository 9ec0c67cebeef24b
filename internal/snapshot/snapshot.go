// Package snapshot manages read-only point-in-time copies of a subvolume:
// creation, enumeration, and retention pruning.
package snapshot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"
)

// Error wraps failures raised by the external snapshot tool or by malformed
// on-disk state.
type Error struct {
	msg string
}

func (e *Error) Error() string { return e.msg }

func newError(format string, args ...any) error {
	return &Error{msg: fmt.Sprintf(format, args...)}
}

// Kind enumerates the two snapshot flavors embedded in a snapshot's name.
// This is a distinct token space from manifest.Kind: snapshot kinds use
// "full"/"inc", manifests use "full"/"incremental".
type Kind string

const (
	KindFull Kind = "full"
	KindInc  Kind = "inc"
)

// TimestampLayout is the UTC stamp format embedded in snapshot names,
// manifest created_at fields, and object keys: YYYYMMDDTHHMMSSZ.
const TimestampLayout = "20060102T150405Z"

var namePattern = regexp.MustCompile(`^(.+)__(\d{8}T\d{6}Z)__(full|inc)$`)

// Snapshot is a read-only point-in-time copy of a subvolume.
type Snapshot struct {
	Name      string
	Path      string
	Kind      Kind
	CreatedAt time.Time
}

// Runner executes the external snapshot/delete commands. Production code
// shells out to the btrfs CLI; tests supply an in-process fake.
type Runner interface {
	Run(args []string) error
}

// Manager creates, lists, and prunes snapshots under BaseDir.
type Manager struct {
	BaseDir string
	Runner  Runner
	Now     func() time.Time
}

// NewManager constructs a Manager with time.Now as its clock.
func NewManager(baseDir string, runner Runner) *Manager {
	return &Manager{BaseDir: baseDir, Runner: runner, Now: time.Now}
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// Create builds a timestamped name from the current UTC instant, ensures
// BaseDir exists, and invokes the external snapshot tool to produce a
// read-only snapshot at BaseDir/name.
func (m *Manager) Create(subvolumePath, subvolumeName string, kind Kind) (Snapshot, error) {
	timestamp := m.now()
	name, err := FormatName(subvolumeName, timestamp, kind)
	if err != nil {
		return Snapshot{}, err
	}
	path := filepath.Join(m.BaseDir, name)

	if err := os.MkdirAll(m.BaseDir, 0o755); err != nil {
		return Snapshot{}, newError("create base dir: %v", err)
	}
	if err := m.Runner.Run([]string{"btrfs", "subvolume", "snapshot", "-r", subvolumePath, path}); err != nil {
		return Snapshot{}, newError("snapshot create failed: %v", err)
	}
	return Snapshot{Name: name, Path: path, Kind: kind, CreatedAt: timestamp}, nil
}

// List scans BaseDir, parses entries matching the name grammar, filters to
// subvolumeName, and returns them newest-first.
func (m *Manager) List(subvolumeName string) ([]Snapshot, error) {
	entries, err := os.ReadDir(m.BaseDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, newError("list snapshots: %v", err)
	}

	var snapshots []Snapshot
	for _, entry := range entries {
		name, createdAt, kind, ok := ParseName(entry.Name())
		if !ok || name != subvolumeName {
			continue
		}
		snapshots = append(snapshots, Snapshot{
			Name:      entry.Name(),
			Path:      filepath.Join(m.BaseDir, entry.Name()),
			Kind:      kind,
			CreatedAt: createdAt,
		})
	}
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].CreatedAt.After(snapshots[j].CreatedAt)
	})
	return snapshots, nil
}

// Prune keeps the newest retain snapshots for subvolumeName plus keepName
// (when non-empty, typically an incremental's pinned parent), and deletes
// the rest via the external tool. Returns the paths deleted.
func (m *Manager) Prune(subvolumeName string, retain int, keepName string) ([]string, error) {
	if retain < 1 {
		return nil, newError("retain must be >= 1")
	}
	snapshots, err := m.List(subvolumeName)
	if err != nil {
		return nil, err
	}

	keep := make(map[string]bool, retain+1)
	for i, s := range snapshots {
		if i < retain {
			keep[s.Name] = true
		}
	}
	if keepName != "" {
		keep[keepName] = true
	}

	var deleted []string
	for _, s := range snapshots {
		if keep[s.Name] {
			continue
		}
		if err := m.Runner.Run([]string{"btrfs", "subvolume", "delete", s.Path}); err != nil {
			return deleted, newError("snapshot prune failed for %s: %v", s.Name, err)
		}
		deleted = append(deleted, s.Path)
	}
	return deleted, nil
}

// FormatName builds a snapshot directory name: {subvolume}__{UTCstamp}__{kind}.
// The zero time.Time, which carries no zone, is rejected.
func FormatName(subvolumeName string, createdAt time.Time, kind Kind) (string, error) {
	if createdAt.IsZero() {
		return "", newError("created_at must be timezone-aware")
	}
	stamp := createdAt.UTC().Format(TimestampLayout)
	return fmt.Sprintf("%s__%s__%s", subvolumeName, stamp, kind), nil
}

// ParseName parses a snapshot directory name back into its three fields.
// Returns ok=false if name does not match the grammar.
func ParseName(name string) (subvolume string, createdAt time.Time, kind Kind, ok bool) {
	m := namePattern.FindStringSubmatch(name)
	if m == nil {
		return "", time.Time{}, "", false
	}
	ts, err := time.Parse(TimestampLayout, m[2])
	if err != nil {
		return "", time.Time{}, "", false
	}
	return m[1], ts.UTC(), Kind(m[3]), true
}
