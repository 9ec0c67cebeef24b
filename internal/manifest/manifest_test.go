package manifest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakePutter struct {
	order []string
	body  map[string][]byte
}

func newFakePutter() *fakePutter { return &fakePutter{body: map[string][]byte{}} }

func (f *fakePutter) PutJSON(_ context.Context, _, key string, body []byte, _, _ string) error {
	f.order = append(f.order, key)
	f.body[key] = body
	return nil
}

func fullManifest() *Manifest {
	return &Manifest{
		Version:   1,
		Subvolume: "data",
		Kind:      KindFull,
		CreatedAt: "2026-01-01T00:00:00Z",
		Snapshot:  SnapshotInfo{Name: "data__20260101T000000Z__full", Path: "/snapshots/data"},
		Chunks: []ChunkEntry{
			{Key: "chunk-0", Size: 10, SHA256: "abc"},
			{Key: "chunk-1", Size: 5, SHA256: "def"},
		},
		TotalBytes: 15,
		ChunkSize:  10,
		S3:         S3Info{StorageClass: "STANDARD"},
	}
}

func TestValidateRejectsFullWithParent(t *testing.T) {
	m := fullManifest()
	parent := "subvol/data/full/manifest-x.json"
	m.ParentManifest = &parent
	require.Error(t, m.Validate())
}

func TestValidateRejectsIncrementalWithoutParent(t *testing.T) {
	m := fullManifest()
	m.Kind = KindIncremental
	require.Error(t, m.Validate())
}

func TestValidateRejectsDuplicateChunkKeys(t *testing.T) {
	m := fullManifest()
	m.Chunks = append(m.Chunks, ChunkEntry{Key: "chunk-0", Size: 1})
	require.Error(t, m.Validate())
}

func TestValidateRejectsTotalBytesMismatch(t *testing.T) {
	m := fullManifest()
	m.TotalBytes = 999
	require.Error(t, m.Validate())
}

func TestValidateAcceptsWellFormedManifest(t *testing.T) {
	require.NoError(t, fullManifest().Validate())
}

func TestPublishWritesManifestBeforePointer(t *testing.T) {
	putter := newFakePutter()
	m := fullManifest()
	p := &Pointer{ManifestKey: "subvol/data/full/manifest-1.json", Kind: KindFull, CreatedAt: m.CreatedAt}

	err := Publish(context.Background(), putter, "backups", p.ManifestKey, "subvol/data/current.json", m, p, "STANDARD", "AES256")
	require.NoError(t, err)
	require.Equal(t, []string{p.ManifestKey, "subvol/data/current.json"}, putter.order)
}

func TestPublishRejectsInvalidManifest(t *testing.T) {
	putter := newFakePutter()
	m := fullManifest()
	m.TotalBytes = 0 // now mismatches the chunk sum
	p := &Pointer{ManifestKey: "k", Kind: KindFull}
	err := Publish(context.Background(), putter, "backups", "k", "current.json", m, p, "STANDARD", "AES256")
	require.Error(t, err)
	require.Empty(t, putter.order)
}

func TestParseRoundTrip(t *testing.T) {
	m := fullManifest()
	data, err := m.MarshalCanonical()
	require.NoError(t, err)

	parsed, err := Parse(data)
	require.NoError(t, err)
	require.Equal(t, m.Subvolume, parsed.Subvolume)
	require.Equal(t, m.Kind, parsed.Kind)
	require.Len(t, parsed.Chunks, 2)
}

func TestParseRejectsMissingVersion(t *testing.T) {
	_, err := Parse([]byte(`{"subvolume":"data","kind":"full","chunks":[]}`))
	require.Error(t, err)
}

func TestParseRejectsInvalidKind(t *testing.T) {
	_, err := Parse([]byte(`{"version":1,"subvolume":"data","kind":"weird","chunks":[]}`))
	require.Error(t, err)
}
