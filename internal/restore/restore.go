// Package restore resolves a manifest chain, thaws archival chunks, and
// replays a subvolume stream through btrfs receive, verifying the result
// against the recorded chunk hashes and (optionally) the live source.
package restore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ValXp/btrfs-to-s3/internal/logger"
	"github.com/ValXp/btrfs-to-s3/internal/manifest"
	"github.com/ValXp/btrfs-to-s3/internal/telemetry"
	"github.com/ValXp/btrfs-to-s3/pkg/metrics"
)

// Error reports a restore-specific failure distinct from errors bubbled up
// from the object store or external commands.
type Error struct {
	msg string
}

func (e *Error) Error() string { return e.msg }

func newError(format string, args ...any) error {
	return &Error{msg: fmt.Sprintf(format, args...)}
}

// archivalStorageClasses are the S3 classes that require a Restore request
// and thaw wait before their objects can be read.
var archivalStorageClasses = map[string]bool{
	"GLACIER":      true,
	"DEEP_ARCHIVE": true,
	"GLACIER_IR":   true,
}

// NeedsRestore reports whether storageClass requires archival thaw.
func NeedsRestore(storageClass string) bool {
	return archivalStorageClasses[strings.ToUpper(storageClass)]
}

// IsRestoreReady interprets an S3 Restore response header. Its absence, or
// any value other than an explicit ongoing-request="false", is never
// treated as ready.
func IsRestoreReady(header string) bool {
	if header == "" {
		return false
	}
	lowered := strings.ToLower(header)
	if strings.Contains(lowered, `ongoing-request="false"`) {
		return true
	}
	return false
}

// Getter is the object-store surface the restore path reads from.
type Getter interface {
	GetJSON(ctx context.Context, key string) ([]byte, error)
	GetObject(ctx context.Context, key string) (io.ReadCloser, error)
	RestoreHeader(ctx context.Context, key string) (string, error)
	RequestThaw(ctx context.Context, key, tier string) error
}

// ReceiveStream is the subset of *sendproc.Receive the orchestrator depends
// on, narrowed so tests can substitute an in-process fake consumer.
type ReceiveStream interface {
	Stdin() io.Writer
	CloseStdin() error
	Wait() error
	Abort() string
}

// Config holds the parameters shared across one restore invocation.
type Config struct {
	Bucket             string
	RestoreTier        string        // Glacier tier: Expedited, Standard, Bulk
	RestoreTimeout     time.Duration // deadline for archival thaw
	VerifyMode         string        // "full", "sample", "none"
	VerifySampleFiles  int
	ReadSize           int64 // chunk download read buffer size
}

// PropertyRunner executes the external btrfs CLI for property changes.
// Production code shells out via btrfscli.Runner; tests supply an
// in-process fake. A nil PropertyRunner skips the writable step entirely
// (used by tests that never touch a real btrfs filesystem).
type PropertyRunner interface {
	Run(args []string) error
}

// Orchestrator wires the components one restore run drives.
type Orchestrator struct {
	Store       Getter
	OpenReceive func(destDir string) (ReceiveStream, error)
	Runner      PropertyRunner
	Metrics     *metrics.Metrics
	Now         func() time.Time
	Sleep       func(time.Duration)
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now().UTC()
}

func (o *Orchestrator) sleep(d time.Duration) {
	if o.Sleep != nil {
		o.Sleep(d)
		return
	}
	time.Sleep(d)
}

// Result is the outcome of one Run.
type Result struct {
	Target     string
	TotalBytes int64
	Manifests  []string // manifest keys applied, root-first
}

// Run resolves the manifest chain starting at the manifest key startKey (a
// current pointer is resolved to a manifest key before Run is called), thaws any
// archival chunks, replays the chain through btrfs receive into target, and
// verifies the result per cfg.VerifyMode.
func (o *Orchestrator) Run(ctx context.Context, startKey string, target, sourceSnapshot string, cfg Config) (result *Result, err error) {
	started := o.now()
	defer func() {
		o.Metrics.RecordRun("restore", err, o.now().Sub(started))
	}()

	if _, err := os.Stat(target); err == nil {
		return nil, newError("target path already exists: %s", target)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("restore: stat target: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, fmt.Errorf("restore: create target parent: %w", err)
	}

	chainCtx, chainSpan := telemetry.StartRestoreSpan(ctx, telemetry.SpanRestoreResolveChain, telemetry.StorageKey(startKey))
	manifests, err := o.resolveManifestChain(ctx, startKey)
	if err != nil {
		telemetry.RecordError(chainCtx, err)
	}
	chainSpan.End()
	if err != nil {
		return nil, err
	}

	receiveDir := filepath.Dir(target)
	var totalBytes int64
	var applied []string

	for _, m := range manifests {
		if NeedsRestore(m.S3.StorageClass) {
			if err := o.ensureChunksRestored(ctx, m.Chunks, m.S3.StorageClass, cfg.RestoreTier, cfg.RestoreTimeout); err != nil {
				return nil, err
			}
		}

		created, n, err := o.applyManifestStream(ctx, m, receiveDir, cfg)
		if err != nil {
			return nil, err
		}
		totalBytes += n
		applied = append(applied, manifestKeyOf(m))

		if created != target {
			if _, statErr := os.Stat(created); statErr != nil {
				return nil, newError("received subvolume missing: %s", created)
			}
			if _, statErr := os.Stat(target); statErr == nil {
				return nil, newError("target path already exists: %s", target)
			}
			if err := os.Rename(created, target); err != nil {
				return nil, fmt.Errorf("restore: rename %s to %s: %w", created, target, err)
			}
		}
	}

	if o.Runner != nil {
		if _, statErr := os.Stat(target); statErr == nil {
			if err := o.Runner.Run([]string{"btrfs", "property", "set", "-f", "-ts", target, "ro", "false"}); err != nil {
				return nil, newError("make subvolume writable failed for %s: %v", target, err)
			}
		}
	}

	verifyCtx, verifySpan := telemetry.StartRestoreSpan(ctx, telemetry.SpanRestoreVerify, telemetry.VerifyMode(cfg.VerifyMode))
	err = VerifyRestore(o.Metrics, sourceSnapshot, target, cfg.VerifyMode, cfg.VerifySampleFiles)
	if err != nil {
		telemetry.RecordError(verifyCtx, err)
	}
	verifySpan.End()
	if err != nil {
		return nil, err
	}

	logger.InfoCtx(ctx, "restore complete", logger.Event("restore_complete"), logger.Size(totalBytes))
	return &Result{Target: target, TotalBytes: totalBytes, Manifests: applied}, nil
}

// resolvedManifest pairs a parsed manifest with the key it was fetched from.
type resolvedManifest struct {
	key string
	m   *manifest.Manifest
}

func manifestKeyOf(r resolvedManifest) string { return r.key }

// FetchCurrentManifestKey reads a current-pointer document and returns the
// manifest key it names.
func FetchCurrentManifestKey(ctx context.Context, store Getter, currentKey string) (string, error) {
	data, err := store.GetJSON(ctx, currentKey)
	if err != nil {
		return "", newError("missing object %s", currentKey)
	}
	var p manifest.Pointer
	if err := json.Unmarshal(data, &p); err != nil {
		return "", newError("%s invalid json", currentKey)
	}
	if p.ManifestKey == "" {
		return "", newError("%s missing manifest_key", currentKey)
	}
	return p.ManifestKey, nil
}

// resolveManifestChain walks parent_manifest links from startKey back to a
// full backup, detecting cycles, and returns the chain root-first.
func (o *Orchestrator) resolveManifestChain(ctx context.Context, startKey string) ([]resolvedManifest, error) {
	var chain []resolvedManifest
	seen := map[string]bool{}
	currentKey := startKey

	for {
		if seen[currentKey] {
			return nil, newError("manifest chain loop detected at %s", currentKey)
		}
		seen[currentKey] = true

		data, err := o.Store.GetJSON(ctx, currentKey)
		if err != nil {
			return nil, newError("missing object %s", currentKey)
		}
		m, err := manifest.Parse(data)
		if err != nil {
			return nil, err
		}
		chain = append(chain, resolvedManifest{key: currentKey, m: m})

		if m.ParentManifest == nil || *m.ParentManifest == "" {
			break
		}
		currentKey = *m.ParentManifest
	}

	// chain was appended tip-first; reverse to root-first.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	if len(chain) == 0 || chain[0].m.Kind != manifest.KindFull {
		return nil, newError("manifest chain does not end in full backup")
	}
	return chain, nil
}

// ensureChunksRestored issues an archival restore request for each chunk and
// polls until every chunk reports ongoing-request="false" or timeout elapses.
// Poll delay starts at one second, doubles each round capped at thirty
// seconds, plus up to 10% jitter.
func (o *Orchestrator) ensureChunksRestored(ctx context.Context, chunks []manifest.ChunkEntry, storageClass, tier string, timeout time.Duration) (err error) {
	ctx, span := telemetry.StartRestoreSpan(ctx, telemetry.SpanRestoreThawWait, telemetry.StorageClass(storageClass))
	waitStarted := o.now()
	defer func() {
		o.Metrics.RecordThawWait(o.now().Sub(waitStarted))
		if err != nil {
			telemetry.RecordError(ctx, err)
		}
		span.End()
	}()

	pending := make(map[string]bool, len(chunks))
	for _, c := range chunks {
		if err := o.Store.RequestThaw(ctx, c.Key, tier); err != nil {
			return fmt.Errorf("restore: request thaw for %s: %w", c.Key, err)
		}
		pending[c.Key] = true
	}

	deadline := o.now().Add(timeout)
	delay := time.Second
	for len(pending) > 0 {
		if !o.now().Before(deadline) {
			missing := make([]string, 0, len(pending))
			for k := range pending {
				missing = append(missing, k)
			}
			sort.Strings(missing)
			return newError("restore timeout waiting for %s", strings.Join(missing, ", "))
		}
		for key := range pending {
			header, err := o.Store.RestoreHeader(ctx, key)
			if err != nil {
				return fmt.Errorf("restore: head %s: %w", key, err)
			}
			if IsRestoreReady(header) {
				delete(pending, key)
			}
		}
		if len(pending) == 0 {
			break
		}
		jitter := time.Duration(rand.Float64() * 0.1 * float64(delay))
		o.sleep(delay + jitter)
		delay *= 2
		if delay > 30*time.Second {
			delay = 30 * time.Second
		}
	}
	return nil
}

// applyManifestStream spawns btrfs receive under receiveDir, streams and
// verifies every chunk into its stdin, and returns the path the receiver
// wrote plus the total bytes transferred.
func (o *Orchestrator) applyManifestStream(ctx context.Context, r resolvedManifest, receiveDir string, cfg Config) (string, int64, error) {
	snapshotPath := r.m.Snapshot.Path
	if snapshotPath == "" {
		return "", 0, newError("%s missing snapshot path", r.key)
	}
	subvolName := filepath.Base(snapshotPath)

	recv, err := o.OpenReceive(receiveDir)
	if err != nil {
		return "", 0, fmt.Errorf("restore: start btrfs receive: %w", err)
	}

	readSize := cfg.ReadSize
	if readSize <= 0 {
		readSize = 1024 * 1024
	}

	bytesWritten, streamErr := downloadAndVerifyChunks(ctx, o.Store, r.m.Chunks, recv.Stdin(), readSize)
	_ = recv.CloseStdin()
	if streamErr != nil {
		stderr := recv.Abort()
		msg := fmt.Sprintf("restore stream failed: %v", streamErr)
		if stderr != "" {
			msg = fmt.Sprintf("%s; btrfs receive error: %s", msg, stderr)
		}
		return "", 0, newError("%s", msg)
	}

	if err := recv.Wait(); err != nil {
		return "", 0, fmt.Errorf("restore: %w", err)
	}
	return filepath.Join(receiveDir, subvolName), bytesWritten, nil
}

// downloadAndVerifyChunks streams each chunk's bytes into w, verifying the
// running SHA-256 against the manifest's recorded digest before moving to
// the next chunk.
func downloadAndVerifyChunks(ctx context.Context, store Getter, chunks []manifest.ChunkEntry, w io.Writer, readSize int64) (int64, error) {
	var total int64
	buf := make([]byte, readSize)
	for _, chunk := range chunks {
		chunkCtx, chunkSpan := telemetry.StartRestoreSpan(ctx, telemetry.SpanRestoreApplyChunk, telemetry.StorageKey(chunk.Key))
		n, err := downloadAndVerifyChunk(chunkCtx, store, chunk, w, buf)
		total += n
		if err != nil {
			telemetry.RecordError(chunkCtx, err)
			chunkSpan.End()
			return total, err
		}
		chunkSpan.End()
	}
	return total, nil
}

// downloadAndVerifyChunk streams one chunk's bytes into w, verifying its
// running SHA-256 against the manifest's recorded digest.
func downloadAndVerifyChunk(ctx context.Context, store Getter, chunk manifest.ChunkEntry, w io.Writer, buf []byte) (int64, error) {
	var total int64
	body, err := store.GetObject(ctx, chunk.Key)
	if err != nil {
		return 0, fmt.Errorf("restore: get %s: %w", chunk.Key, err)
	}
	defer body.Close()

	hasher := sha256.New()
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			hasher.Write(buf[:n])
			if _, werr := w.Write(buf[:n]); werr != nil {
				return total, fmt.Errorf("restore: write to receiver: %w", werr)
			}
			total += int64(n)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return total, fmt.Errorf("restore: read %s: %w", chunk.Key, readErr)
		}
	}

	digest := hex.EncodeToString(hasher.Sum(nil))
	if digest != chunk.SHA256 {
		return total, newError("hash mismatch for %s", chunk.Key)
	}
	return total, nil
}
