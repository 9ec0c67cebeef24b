// Package backup sequences one backup invocation: lock, plan, and for each
// selected subvolume, snapshot -> stream -> chunk -> upload -> publish
// manifest -> update state -> prune.
package backup

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/ValXp/btrfs-to-s3/internal/chunker"
	"github.com/ValXp/btrfs-to-s3/internal/lock"
	"github.com/ValXp/btrfs-to-s3/internal/logger"
	"github.com/ValXp/btrfs-to-s3/internal/manifest"
	"github.com/ValXp/btrfs-to-s3/internal/objectkey"
	"github.com/ValXp/btrfs-to-s3/internal/planner"
	"github.com/ValXp/btrfs-to-s3/internal/snapshot"
	"github.com/ValXp/btrfs-to-s3/internal/state"
	"github.com/ValXp/btrfs-to-s3/internal/telemetry"
	"github.com/ValXp/btrfs-to-s3/internal/uploader"
	"github.com/ValXp/btrfs-to-s3/pkg/metrics"
)

// Exit codes, matching the CLI's contract across backup and restore.
const (
	ExitSuccess = 0
	ExitFailure = 1
	ExitUsage   = 2
)

// SendStream is the subset of *sendproc.Send the orchestrator depends on,
// narrowed to an interface so tests can substitute an in-process fake
// producer.
type SendStream interface {
	Stdout() io.Reader
	Wait() error
	Abort() string
}

// Subvolume names one configured subvolume and its source path.
type Subvolume struct {
	Name string
	Path string
}

// Config is everything one Run needs beyond the selected subvolumes.
type Config struct {
	Bucket               string
	Prefix               string
	StorageClassChunks   string
	StorageClassManifest string
	SSE                  string
	ChunkSize            int64
	FullEveryDays        int
	IncrementalEveryDays int
	Retain               int
}

// Options narrows one invocation's behavior beyond Config.
type Options struct {
	Select []string // explicit subvolume selection; nil/empty means all configured
	Once   bool     // force skip items up to incremental/full
	DryRun bool      // plan only, never touch snapshots/S3
	NoS3   bool      // credentials gate forced closed
}

// Orchestrator wires the components a backup run drives.
type Orchestrator struct {
	Lock           *lock.Lock
	StatePath      string
	SnapshotMgr    *snapshot.Manager
	Uploader       *uploader.Uploader
	ManifestClient manifest.Putter
	Metrics        *metrics.Metrics

	Now            func() time.Time
	HasCredentials func() bool
	OpenSend       func(snapshotPath, parentSnapshotPath string) (SendStream, error)
}

// ItemResult is the outcome of one subvolume's work item.
type ItemResult struct {
	Subvolume   string
	Action      planner.Action
	Reason      string
	ManifestKey string
	TotalBytes  int64
	Skipped     bool
	Err         error
}

// Result is the outcome of one Run.
type Result struct {
	RanAt time.Time
	Items []ItemResult
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now().UTC()
}

// Run executes one backup invocation against subvolumes, returning the
// result, the process exit code to use, and an error for conditions that
// prevented any work from being attempted (lock contention, usage errors,
// an unreadable state file) or for a failure to save state after every item
// succeeded. Per-item failures are reported in Result.Items with a non-nil
// Err and ExitFailure, not as a returned error.
func (o *Orchestrator) Run(ctx context.Context, subvolumes []Subvolume, cfg Config, opts Options) (result *Result, exitCode int, err error) {
	started := o.now()
	defer func() {
		o.Metrics.RecordRun("backup", err, o.now().Sub(started))
	}()

	if err := o.Lock.Acquire(); err != nil {
		logger.ErrorCtx(ctx, "backup lock contended", logger.Event("backup_lock_failed"), logger.Err(err))
		return nil, ExitFailure, err
	}
	defer o.Lock.Release()

	timestamp := o.now()

	selected := selectSubvolumes(subvolumes, opts.Select)
	if len(selected) == 0 {
		logger.ErrorCtx(ctx, "no subvolumes selected", logger.Event("backup_no_subvolumes"))
		return nil, ExitUsage, fmt.Errorf("backup: no subvolumes selected")
	}

	st, err := state.Load(o.StatePath)
	if err != nil {
		return nil, ExitFailure, fmt.Errorf("backup: load state: %w", err)
	}

	available := o.availableSnapshots(selected)

	names := make([]string, len(selected))
	for i, sv := range selected {
		names[i] = sv.Name
	}
	planCtx, planSpan := telemetry.StartSpan(ctx, telemetry.SpanBackupPlan)
	items, err := planner.Plan(names, st, timestamp, available, cfg.FullEveryDays, cfg.IncrementalEveryDays)
	if err != nil {
		telemetry.RecordError(planCtx, err)
	}
	planSpan.End()
	if err != nil {
		return nil, ExitUsage, fmt.Errorf("backup: plan: %w", err)
	}

	items = filterSkipped(items, opts.Once)

	if opts.DryRun {
		logger.InfoCtx(ctx, "backup dry run", logger.Event("backup_dry_run"))
		return resultFromPlan(timestamp, items), ExitSuccess, nil
	}

	if opts.NoS3 || (o.HasCredentials != nil && !o.HasCredentials()) {
		logger.InfoCtx(ctx, "backup skipped: no object store credentials", logger.Event("backup_no_s3"))
		return resultFromPlan(timestamp, items), ExitSuccess, nil
	}

	pathByName := make(map[string]string, len(selected))
	for _, sv := range selected {
		pathByName[sv.Name] = sv.Path
	}

	prefix := objectkey.NormalizePrefix(cfg.Prefix)
	results := make([]ItemResult, 0, len(items))
	anyFailed := false

	for _, item := range items {
		if item.Action == planner.ActionSkip {
			logger.InfoCtx(ctx, "backup item not due", logger.Event("backup_not_due"), logger.Subvolume(item.Subvolume))
			results = append(results, ItemResult{Subvolume: item.Subvolume, Action: item.Action, Reason: item.Reason, Skipped: true})
			continue
		}

		res := o.runItem(ctx, item, pathByName[item.Subvolume], st, timestamp, cfg, prefix)
		if res.Err != nil {
			anyFailed = true
		}
		results = append(results, res)
	}

	if anyFailed {
		return &Result{RanAt: timestamp, Items: results}, ExitFailure, nil
	}

	runAt := timestamp.UTC().Format(snapshot.TimestampLayout)
	st.LastRunAt = &runAt
	if err := state.Save(o.StatePath, st); err != nil {
		return &Result{RanAt: timestamp, Items: results}, ExitFailure, fmt.Errorf("backup: save state: %w", err)
	}

	return &Result{RanAt: timestamp, Items: results}, ExitSuccess, nil
}

// withSubvolume attaches the subvolume name to ctx's LogContext, creating
// one if none is present yet.
func withSubvolume(ctx context.Context, name string) context.Context {
	lc := logger.FromContext(ctx)
	if lc == nil {
		lc = logger.NewLogContext("")
	}
	return logger.WithContext(ctx, lc.WithSubvolume(name))
}

func selectSubvolumes(all []Subvolume, explicit []string) []Subvolume {
	if len(explicit) == 0 {
		return all
	}
	want := make(map[string]bool, len(explicit))
	for _, name := range explicit {
		want[name] = true
	}
	var out []Subvolume
	for _, sv := range all {
		if want[sv.Name] {
			out = append(out, sv)
		}
	}
	return out
}

func (o *Orchestrator) availableSnapshots(subvolumes []Subvolume) map[string]bool {
	available := map[string]bool{}
	for _, sv := range subvolumes {
		snaps, err := o.SnapshotMgr.List(sv.Name)
		if err != nil {
			continue
		}
		for _, s := range snaps {
			available[s.Name] = true
		}
	}
	return available
}

func filterSkipped(items []planner.Item, once bool) []planner.Item {
	if !once {
		return items
	}
	for i, item := range items {
		if item.Action == planner.ActionSkip {
			if item.ParentSnapshot != "" {
				items[i].Action = planner.ActionIncremental
			} else {
				items[i].Action = planner.ActionFull
			}
		}
	}
	return items
}

func resultFromPlan(ts time.Time, items []planner.Item) *Result {
	results := make([]ItemResult, len(items))
	for i, item := range items {
		results[i] = ItemResult{Subvolume: item.Subvolume, Action: item.Action, Reason: item.Reason}
	}
	return &Result{RanAt: ts, Items: results}
}

// runItem executes one subvolume's snapshot -> stream -> chunk -> upload ->
// publish -> state-update -> prune sequence, mutating st in place on
// success.
func (o *Orchestrator) runItem(ctx context.Context, item planner.Item, subvolumePath string, st *state.State, timestamp time.Time, cfg Config, prefix string) ItemResult {
	ctx = withSubvolume(ctx, item.Subvolume)
	action, parentSnapshot, reason := o.validateParent(ctx, item, st)

	snapKind := snapshot.KindFull
	manifestKind := manifest.KindFull
	if action == planner.ActionIncremental {
		snapKind = snapshot.KindInc
		manifestKind = manifest.KindIncremental
	}

	snapCtx, snapSpan := telemetry.StartBackupSpan(ctx, telemetry.SpanBackupSnapshot, item.Subvolume, telemetry.Action(string(action)))
	snap, err := o.SnapshotMgr.Create(subvolumePath, item.Subvolume, snapKind)
	if err != nil {
		telemetry.RecordError(snapCtx, err)
		snapSpan.End()
		logger.ErrorCtx(ctx, "snapshot create failed", logger.Event("backup_stream_failed"), logger.Err(err))
		return ItemResult{Subvolume: item.Subvolume, Action: action, Reason: reason, Err: err}
	}
	snapSpan.End()
	logger.InfoCtx(ctx, "snapshot created", logger.Event("snapshot_created"), logger.Key(snap.Name))

	parentPath := ""
	if parentSnapshot != "" {
		parentPath = filepath.Join(o.SnapshotMgr.BaseDir, parentSnapshot)
	}

	send, err := o.OpenSend(snap.Path, parentPath)
	if err != nil {
		logger.ErrorCtx(ctx, "btrfs send failed to start", logger.Event("btrfs_send_failed"), logger.Err(err))
		return ItemResult{Subvolume: item.Subvolume, Action: action, Reason: reason, Err: err}
	}

	entries, totalBytes, streamErr := o.streamAndUpload(ctx, send, item.Subvolume, string(manifestKind), timestamp, prefix, cfg)
	if streamErr != nil {
		stderr := send.Abort()
		logger.ErrorCtx(ctx, "backup stream failed", logger.Event("backup_stream_failed"), logger.Err(streamErr), logger.Key(stderr))
		return ItemResult{Subvolume: item.Subvolume, Action: action, Reason: reason, Err: streamErr}
	}

	if err := send.Wait(); err != nil {
		logger.ErrorCtx(ctx, "btrfs send exited with error", logger.Event("btrfs_send_failed"), logger.Err(err))
		return ItemResult{Subvolume: item.Subvolume, Action: action, Reason: reason, Err: err}
	}

	stamp := timestamp.UTC().Format(snapshot.TimestampLayout)
	manifestKey := objectkey.Manifest(prefix, item.Subvolume, string(manifestKind), stamp)
	currentKey := objectkey.CurrentPointer(prefix, item.Subvolume)

	var parentManifestKey *string
	if action == planner.ActionIncremental {
		sub := st.Subvolumes[item.Subvolume]
		parentManifestKey = sub.LastManifest
	}

	m := &manifest.Manifest{
		Version:   1,
		Subvolume: item.Subvolume,
		Kind:      manifestKind,
		CreatedAt: stamp,
		Snapshot: manifest.SnapshotInfo{
			Name: snap.Name,
			Path: snap.Path,
		},
		ParentManifest: parentManifestKey,
		Chunks:         entries,
		TotalBytes:     totalBytes,
		ChunkSize:      cfg.ChunkSize,
		S3:             manifest.S3Info{StorageClass: cfg.StorageClassChunks},
	}
	p := &manifest.Pointer{ManifestKey: manifestKey, Kind: manifestKind, CreatedAt: stamp}

	pubCtx, pubSpan := telemetry.StartBackupSpan(ctx, telemetry.SpanBackupPublishManifest, item.Subvolume, telemetry.ManifestKey(manifestKey))
	err = manifest.Publish(ctx, o.ManifestClient, cfg.Bucket, manifestKey, currentKey, m, p, cfg.StorageClassManifest, cfg.SSE)
	if err != nil {
		telemetry.RecordError(pubCtx, err)
	}
	pubSpan.End()
	if err != nil {
		logger.ErrorCtx(ctx, "manifest publish failed", logger.Event("backup_stream_failed"), logger.Err(err))
		return ItemResult{Subvolume: item.Subvolume, Action: action, Reason: reason, Err: err}
	}

	elapsed := time.Since(timestamp)
	summary := metrics.CalculateMetrics(totalBytes, elapsed)
	o.Metrics.RecordBytes("upload", totalBytes)
	o.Metrics.RecordItem(item.Subvolume, string(action), reason)
	logger.InfoCtx(ctx, "backup item complete",
		logger.Event("backup_metrics"),
		logger.Size(totalBytes),
		logger.DurationMs(float64(elapsed.Milliseconds())),
		logger.KeyThroughput, summary.Throughput)

	sub := st.Subvolumes[item.Subvolume]
	sub.LastSnapshot = &snap.Name
	sub.LastManifest = &manifestKey
	if action == planner.ActionFull {
		sub.LastFullAt = &stamp
	}
	st.Subvolumes[item.Subvolume] = sub

	keepName := parentSnapshot
	if _, err := o.SnapshotMgr.Prune(item.Subvolume, cfg.Retain, keepName); err != nil {
		logger.WarnCtx(ctx, "snapshot prune failed", logger.Event("snapshot_pruned"), logger.Err(err))
	} else {
		logger.InfoCtx(ctx, "snapshots pruned", logger.Event("snapshot_pruned"))
	}

	return ItemResult{Subvolume: item.Subvolume, Action: action, Reason: reason, ManifestKey: manifestKey, TotalBytes: totalBytes}
}

// validateParent re-checks, at execution time, that an incremental item's
// parent snapshot still exists on disk and that state still records a
// last_manifest to chain from; a stale or corrupted record downgrades the
// item to full rather than failing the run.
func (o *Orchestrator) validateParent(ctx context.Context, item planner.Item, st *state.State) (planner.Action, string, string) {
	if item.Action != planner.ActionIncremental {
		return item.Action, item.ParentSnapshot, item.Reason
	}

	sub := st.Subvolumes[item.Subvolume]
	if sub.LastManifest == nil {
		logger.WarnCtx(ctx, "incremental parent has no manifest on record, downgrading to full",
			logger.Event("backup_parent_manifest_missing"), logger.Subvolume(item.Subvolume))
		return planner.ActionFull, "", planner.ReasonMissingParent
	}

	snaps, err := o.SnapshotMgr.List(item.Subvolume)
	if err != nil {
		logger.WarnCtx(ctx, "could not verify incremental parent snapshot, downgrading to full",
			logger.Event("backup_parent_missing"), logger.Err(err))
		return planner.ActionFull, "", planner.ReasonMissingParent
	}
	for _, s := range snaps {
		if s.Name == item.ParentSnapshot {
			return item.Action, item.ParentSnapshot, item.Reason
		}
	}
	logger.WarnCtx(ctx, "incremental parent snapshot missing on disk, downgrading to full",
		logger.Event("backup_parent_missing"), logger.Key(item.ParentSnapshot))
	return planner.ActionFull, "", planner.ReasonMissingParent
}

// streamAndUpload drives the chunker over send's stdout, uploading each
// chunk as it is produced and accumulating manifest chunk entries in
// ascending index order.
func (o *Orchestrator) streamAndUpload(ctx context.Context, send SendStream, subvolume, manifestKind string, timestamp time.Time, prefix string, cfg Config) ([]manifest.ChunkEntry, int64, error) {
	ch, err := chunker.New(send.Stdout(), cfg.ChunkSize)
	if err != nil {
		return nil, 0, err
	}

	stamp := timestamp.UTC().Format(snapshot.TimestampLayout)
	var entries []manifest.ChunkEntry
	var total int64

	for {
		chunk, err := ch.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("chunker: %w", err)
		}

		key := objectkey.Chunk(prefix, subvolume, manifestKind, stamp, chunk.Index)
		chunkCtx, chunkSpan := telemetry.StartBackupSpan(ctx, telemetry.SpanBackupUploadChunk, subvolume, telemetry.ChunkIndex(chunk.Index), telemetry.StorageKey(key))
		result, err := o.Uploader.UploadStream(ctx, key, chunk)
		if err != nil {
			telemetry.RecordError(chunkCtx, err)
			chunkSpan.End()
			return nil, 0, fmt.Errorf("upload chunk %d: %w", chunk.Index, err)
		}

		size, err := chunk.Size()
		if err != nil {
			chunkSpan.End()
			return nil, 0, err
		}
		sum, err := chunk.SHA256()
		if err != nil {
			chunkSpan.End()
			return nil, 0, err
		}
		telemetry.SetAttributes(chunkCtx, telemetry.ChunkBytes(size))
		chunkSpan.End()

		entries = append(entries, manifest.ChunkEntry{Key: key, Size: size, SHA256: sum, ETag: result.ETag})
		total += size
	}

	return entries, total, nil
}
