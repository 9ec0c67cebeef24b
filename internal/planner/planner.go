// Package planner decides, per subvolume, whether the next backup should be
// full, incremental, or skipped, and which snapshot to use as the
// incremental's parent.
package planner

import (
	"fmt"
	"time"

	"github.com/ValXp/btrfs-to-s3/internal/snapshot"
	"github.com/ValXp/btrfs-to-s3/internal/state"
)

// Action is the backup action chosen for one subvolume.
type Action string

const (
	ActionFull        Action = "full"
	ActionIncremental Action = "incremental"
	ActionSkip        Action = "skip"
)

// Reason codes, stable for logging and tests.
const (
	ReasonFullDue            = "full_due"
	ReasonMissingParent       = "missing_parent"
	ReasonIncrementalNotDue  = "incremental_not_due"
	ReasonIncrementalDue     = "incremental_due"
)

// Item is the decision for a single subvolume.
type Item struct {
	Subvolume      string
	Action         Action
	ParentSnapshot string // empty unless Action == ActionIncremental
	Reason         string
}

// Plan decides an Item for every name in subvolumes. now must be
// timezone-aware (callers should always pass a UTC time); the zero
// time.Time, which carries no zone, is rejected. available, when
// non-nil, restricts which on-disk snapshot names are considered present;
// passing nil skips that check entirely.
func Plan(subvolumes []string, st *state.State, now time.Time, available map[string]bool, fullEveryDays, incrementalEveryDays int) ([]Item, error) {
	if now.IsZero() {
		return nil, fmt.Errorf("planner: now must be timezone-aware")
	}

	items := make([]Item, 0, len(subvolumes))
	for _, name := range subvolumes {
		sub := st.Subvolumes[name]
		items = append(items, planOne(name, sub, now, available, fullEveryDays, incrementalEveryDays))
	}
	return items, nil
}

func planOne(name string, sub state.Subvolume, now time.Time, available map[string]bool, fullEveryDays, incrementalEveryDays int) Item {
	fullEvery := time.Duration(fullEveryDays) * 24 * time.Hour
	incEvery := time.Duration(incrementalEveryDays) * 24 * time.Hour

	lastFullAt := parseISOTimestamp(sub.LastFullAt)
	if lastFullAt == nil || now.Sub(*lastFullAt) >= fullEvery {
		return Item{Subvolume: name, Action: ActionFull, Reason: ReasonFullDue}
	}

	lastSnapshot := ""
	if sub.LastSnapshot != nil {
		lastSnapshot = *sub.LastSnapshot
	}
	if lastSnapshot == "" {
		return Item{Subvolume: name, Action: ActionFull, Reason: ReasonMissingParent}
	}
	if available != nil && !available[lastSnapshot] {
		return Item{Subvolume: name, Action: ActionFull, Reason: ReasonMissingParent}
	}

	_, lastSnapshotAt, _, ok := snapshot.ParseName(lastSnapshot)
	if ok && now.Sub(lastSnapshotAt) < incEvery {
		return Item{Subvolume: name, Action: ActionSkip, ParentSnapshot: lastSnapshot, Reason: ReasonIncrementalNotDue}
	}

	return Item{Subvolume: name, Action: ActionIncremental, ParentSnapshot: lastSnapshot, Reason: ReasonIncrementalDue}
}

// parseISOTimestamp mirrors the original implementation's tolerant ISO-8601
// parsing: a trailing "Z" is treated as UTC, and a timestamp with no offset
// at all is assumed to be UTC rather than rejected. The compact
// snapshot.TimestampLayout stamp that backup runs record is accepted as
// well. Returns nil (not an
// error) for anything unparseable, matching "the rule falls through to
// treating the field as absent".
func parseISOTimestamp(value *string) *time.Time {
	if value == nil || *value == "" {
		return nil
	}
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.999999",
		"2006-01-02T15:04:05",
		snapshot.TimestampLayout,
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, *value); err == nil {
			utc := t.UTC()
			return &utc
		}
	}
	return nil
}
