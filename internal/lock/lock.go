// Package lock provides filesystem-path-scoped mutual exclusion with
// stale-holder recovery, used to serialize backup/restore invocations
// against the same configuration on one host.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// Error reports that a lock could not be acquired because a live process
// already holds it.
type Error struct {
	Path string
	PID  int
}

func (e *Error) Error() string {
	return fmt.Sprintf("lock %s already held by pid %d", e.Path, e.PID)
}

// Lock is a single-holder, path-scoped exclusion primitive backed by an
// exclusively created file containing the holder's PID.
type Lock struct {
	path   string
	active bool
}

// New returns a Lock bound to path. Acquire must be called before the lock
// takes effect.
func New(path string) *Lock {
	return &Lock{path: path}
}

// Acquire creates the lock file exclusively, writing this process's PID.
// If the file already exists and its recorded owner is alive, Acquire fails
// with *Error. If the owner is not running, or the file is empty or
// unparseable, the holder is considered stale: the file is removed and
// creation is retried exactly once.
func (l *Lock) Acquire() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("lock: create parent dir: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		if err := l.create(); err == nil {
			l.active = true
			return nil
		} else if !os.IsExist(err) {
			return fmt.Errorf("lock: create %s: %w", l.path, err)
		}

		existingPID, ok := readPID(l.path)
		if ok && processAlive(existingPID) {
			return &Error{Path: l.path, PID: existingPID}
		}
		// Stale holder: remove and retry once.
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("lock: remove stale lock %s: %w", l.path, err)
		}
	}
	return fmt.Errorf("lock: failed to acquire %s after stale-holder recovery", l.path)
}

func (l *Lock) create() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(strconv.Itoa(os.Getpid()))
	return err
}

// Release removes the lock file. A noop if this Lock never acquired it.
func (l *Lock) Release() error {
	if !l.active {
		return nil
	}
	l.active = false
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("lock: release %s: %w", l.path, err)
	}
	return nil
}

func readPID(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	return pid, true
}

// processAlive reports whether pid names a running process, probed with the
// null signal.
func processAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
