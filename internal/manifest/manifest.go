// Package manifest defines the canonical per-backup manifest and
// per-subvolume current-pointer documents, and publishes both to the object
// store in the strict order the restore path depends on.
package manifest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/ValXp/btrfs-to-s3/internal/logger"
)

// Kind distinguishes a full backup manifest from an incremental one. This is
// a separate token space from snapshot.Kind: manifest kinds spell out
// "full"/"incremental", snapshot names abbreviate to "full"/"inc".
type Kind string

const (
	KindFull        Kind = "full"
	KindIncremental Kind = "incremental"
)

// SnapshotInfo identifies the snapshot a manifest was built from.
type SnapshotInfo struct {
	Name        string  `json:"name"`
	Path        string  `json:"path"`
	UUID        *string `json:"uuid"`
	ParentUUID  *string `json:"parent_uuid"`
}

// ChunkEntry records one uploaded chunk's object key, size, and content hash.
type ChunkEntry struct {
	Key    string  `json:"key"`
	Size   int64   `json:"size"`
	SHA256 string  `json:"sha256"`
	ETag   *string `json:"etag"`
}

// S3Info carries the storage parameters a manifest's chunks were written
// with, so a restore can decide whether archival thaw is needed.
type S3Info struct {
	StorageClass string `json:"storage_class"`
}

// Manifest is the canonical, immutable record of one backup.
type Manifest struct {
	Version        int          `json:"version"`
	Subvolume      string       `json:"subvolume"`
	Kind           Kind         `json:"kind"`
	CreatedAt      string       `json:"created_at"`
	Snapshot       SnapshotInfo `json:"snapshot"`
	ParentManifest *string      `json:"parent_manifest"`
	Chunks         []ChunkEntry `json:"chunks"`
	TotalBytes     int64        `json:"total_bytes"`
	ChunkSize      int64        `json:"chunk_size"`
	S3             S3Info       `json:"s3"`
}

// Pointer is the per-subvolume "current" document naming the newest manifest.
type Pointer struct {
	ManifestKey string `json:"manifest_key"`
	Kind        Kind    `json:"kind"`
	CreatedAt   string  `json:"created_at"`
}

// Validate checks the invariants §3 of the manifest spec requires:
// parent_manifest is null iff kind==full; chunk indices form 0..n-1 (encoded
// positionally, so this reduces to checking key uniqueness); chunk keys are
// unique within the manifest.
func (m *Manifest) Validate() error {
	if (m.ParentManifest == nil) != (m.Kind == KindFull) {
		return fmt.Errorf("manifest invariant violated: parent_manifest is null iff kind==full")
	}
	seen := make(map[string]bool, len(m.Chunks))
	var total int64
	for _, c := range m.Chunks {
		if seen[c.Key] {
			return fmt.Errorf("duplicate chunk key %q in manifest", c.Key)
		}
		seen[c.Key] = true
		total += c.Size
	}
	if total != m.TotalBytes {
		return fmt.Errorf("total_bytes mismatch: recorded %d, sum of chunks %d", m.TotalBytes, total)
	}
	return nil
}

// marshalCanonical re-encodes v with object keys sorted alphabetically at
// every nesting level, rather than in struct-declaration order. It marshals
// v through the struct's own json tags first, then decodes into a generic
// any (preserving number formatting via json.Number so large byte counts
// don't round-trip through float64) and re-encodes that: encoding/json
// always sorts map[string]any keys when marshaling, so the round trip is
// what makes the output actually sorted rather than merely indented.
func marshalCanonical(v any) ([]byte, error) {
	data, err := json.Marshal(v)
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

// MarshalCanonical encodes the manifest as canonical (indent=2) JSON.
func (m *Manifest) MarshalCanonical() ([]byte, error) { return marshalCanonical(m) }

// MarshalCanonical encodes the pointer as canonical (indent=2) JSON.
func (p *Pointer) MarshalCanonical() ([]byte, error) { return marshalCanonical(p) }

// Putter is the minimal object-store capability Publish needs: writing a
// JSON document under a key with a storage class and server-side encryption
// scheme. The production implementation is backed by S3; tests supply an
// in-memory fake.
type Putter interface {
	PutJSON(ctx context.Context, bucket, key string, body []byte, storageClass, sse string) error
}

// Publish writes the manifest, then the pointer, to the object store. This
// ordering is load-bearing: a reader that observes the pointer must be able
// to rely on the manifest it references already existing.
func Publish(ctx context.Context, client Putter, bucket, manifestKey, currentKey string, m *Manifest, p *Pointer, storageClass, sse string) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("invalid manifest: %w", err)
	}

	manifestBody, err := m.MarshalCanonical()
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := client.PutJSON(ctx, bucket, manifestKey, manifestBody, storageClass, sse); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}

	pointerBody, err := p.MarshalCanonical()
	if err != nil {
		return fmt.Errorf("encode pointer: %w", err)
	}
	if err := client.PutJSON(ctx, bucket, currentKey, pointerBody, storageClass, sse); err != nil {
		return fmt.Errorf("write pointer: %w", err)
	}

	logger.InfoCtx(ctx, "manifest published",
		logger.Event("manifest_written"),
		logger.Key(manifestKey))
	return nil
}

// Parse decodes manifest JSON, validating the structure strictly: unknown
// top-level fields are accepted (forward-compatible), but required fields
// must be present and of the expected type.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if m.Version == 0 {
		return nil, fmt.Errorf("parse manifest: missing version")
	}
	if m.Subvolume == "" {
		return nil, fmt.Errorf("parse manifest: missing subvolume")
	}
	if m.Kind != KindFull && m.Kind != KindIncremental {
		return nil, fmt.Errorf("parse manifest: invalid kind %q", m.Kind)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
