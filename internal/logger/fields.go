package logger

import (
	"log/slog"
)

// Standard field keys for structured logging across the backup/restore
// orchestrator. Use these keys consistently so log aggregation and the
// stable `event=` vocabulary documented in the orchestrator packages stay
// queryable across runs.
const (
	// Distributed tracing
	KeyTraceID = "trace_id"
	KeySpanID  = "span_id"

	// Event vocabulary
	KeyEvent = "event"

	// Run / subvolume identity
	KeyRunID     = "run_id"
	KeySubvolume = "subvolume"
	KeyAction    = "action"
	KeyReason    = "reason"

	// Snapshot / manifest identity
	KeySnapshot     = "snapshot"
	KeyManifestKey  = "manifest_key"
	KeyParentKey    = "parent_manifest"
	KeyManifestKind = "kind"

	// Object storage
	KeyBucket       = "bucket"
	KeyKey          = "key"
	KeyStorageClass = "storage_class"
	KeyAttempt      = "attempt"
	KeyMaxRetries   = "max_retries"

	// Size / throughput
	KeySize          = "size"
	KeyTotalBytes    = "total_bytes"
	KeyElapsedMs     = "elapsed_ms"
	KeyThroughput    = "throughput"
	KeyDurationMs    = "duration_ms"
	KeyChunkIndex    = "chunk_index"
	KeyPartNumber    = "part_number"

	// Error reporting
	KeyError  = "error"
	KeyStderr = "stderr"
	KeyExit   = "exit_code"
)

// Event returns a slog.Attr for the stable event tag carried by every
// orchestrator log line.
func Event(name string) slog.Attr {
	return slog.String(KeyEvent, name)
}

// RunID returns a slog.Attr for the backup/restore run identifier.
func RunID(id string) slog.Attr {
	return slog.String(KeyRunID, id)
}

// Subvolume returns a slog.Attr for the subvolume name.
func Subvolume(name string) slog.Attr {
	return slog.String(KeySubvolume, name)
}

// Key returns a slog.Attr for an object store key.
func Key(k string) slog.Attr {
	return slog.String(KeyKey, k)
}

// Bucket returns a slog.Attr for the object store bucket.
func Bucket(name string) slog.Attr {
	return slog.String(KeyBucket, name)
}

// Attempt returns a slog.Attr for a retry attempt number.
func Attempt(n int) slog.Attr {
	return slog.Int(KeyAttempt, n)
}

// Size returns a slog.Attr for a byte count.
func Size(n int64) slog.Attr {
	return slog.Int64(KeySize, n)
}

// DurationMs returns a slog.Attr for a duration in milliseconds.
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}

// Err returns a slog.Attr for an error.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}
