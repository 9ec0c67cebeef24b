// Package state persists per-subvolume backup progress to a local JSON file,
// readable and writable atomically across orchestrator invocations.
package state

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Subvolume tracks the last backup outcome for one subvolume.
type Subvolume struct {
	LastSnapshot *string `json:"last_snapshot"`
	LastManifest *string `json:"last_manifest"`
	LastFullAt   *string `json:"last_full_at"`
}

// State is the full persisted document: per-subvolume progress plus the
// timestamp of the last completed run.
type State struct {
	Subvolumes map[string]Subvolume `json:"subvolumes"`
	LastRunAt  *string              `json:"last_run_at"`
}

// New returns an empty State ready for a first run.
func New() *State {
	return &State{Subvolumes: map[string]Subvolume{}}
}

// Load reads path and returns an empty State if it does not exist.
func Load(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(), nil
		}
		return nil, fmt.Errorf("read state: %w", err)
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse state: %w", err)
	}
	if s.Subvolumes == nil {
		s.Subvolumes = map[string]Subvolume{}
	}
	return &s, nil
}

// Save writes s to path via a temp-file-then-rename sequence so a crash
// mid-write never leaves a corrupt state file. Parent directories are
// created as needed. Output uses sorted, indented JSON for byte-stable diffs.
func Save(path string, s *State) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	data, err := marshalSorted(s)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename state file: %w", err)
	}
	return nil
}

// marshalSorted produces indent=2 JSON with object keys sorted
// alphabetically at every nesting level, matching the canonical encoding
// used for manifests and the pointer. Marshaling the State struct directly
// would only sort the Subvolumes map's keys; the struct's own top-level
// fields (and Subvolume's nested fields) would still follow Go's
// struct-declaration order. Round-tripping through a generic any forces
// encoding/json's map-key sort at every level.
func marshalSorted(s *State) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	out, err := json.MarshalIndent(generic, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(out, '\n'), nil
}
