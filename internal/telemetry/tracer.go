package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys attached to backup/restore spans.
const (
	AttrSubvolume    = "subvolume.name"
	AttrAction       = "backup.action" // full, incremental, skip
	AttrManifestKey  = "manifest.key"
	AttrChunkIndex   = "chunk.index"
	AttrChunkBytes   = "chunk.bytes"
	AttrBucket       = "storage.bucket"
	AttrKey          = "storage.key"
	AttrStorageClass = "storage.class"
	AttrVerifyMode   = "restore.verify_mode"
)

// Span names, one per orchestrator step that justifies its own timing.
const (
	SpanBackupPlan            = "backup.plan"
	SpanBackupSnapshot        = "backup.snapshot"
	SpanBackupUploadChunk     = "backup.upload_chunk"
	SpanBackupPublishManifest = "backup.publish_manifest"
	SpanRestoreResolveChain   = "restore.resolve_chain"
	SpanRestoreThawWait       = "restore.thaw_wait"
	SpanRestoreApplyChunk     = "restore.apply_chunk"
	SpanRestoreVerify         = "restore.verify"
)

func Subvolume(name string) attribute.KeyValue { return attribute.String(AttrSubvolume, name) }
func Action(action string) attribute.KeyValue  { return attribute.String(AttrAction, action) }
func ManifestKey(key string) attribute.KeyValue {
	return attribute.String(AttrManifestKey, key)
}
func ChunkIndex(i int) attribute.KeyValue     { return attribute.Int(AttrChunkIndex, i) }
func ChunkBytes(n int64) attribute.KeyValue   { return attribute.Int64(AttrChunkBytes, n) }
func Bucket(name string) attribute.KeyValue   { return attribute.String(AttrBucket, name) }
func StorageKey(key string) attribute.KeyValue { return attribute.String(AttrKey, key) }
func StorageClass(class string) attribute.KeyValue {
	return attribute.String(AttrStorageClass, class)
}
func VerifyMode(mode string) attribute.KeyValue { return attribute.String(AttrVerifyMode, mode) }

// StartBackupSpan starts a span for one subvolume's backup step, tagging it
// with the subvolume name up front.
func StartBackupSpan(ctx context.Context, name string, subvolume string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := append([]attribute.KeyValue{Subvolume(subvolume)}, attrs...)
	return StartSpan(ctx, name, trace.WithAttributes(allAttrs...))
}

// StartRestoreSpan starts a span for one restore step.
func StartRestoreSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return StartSpan(ctx, name, trace.WithAttributes(attrs...))
}
