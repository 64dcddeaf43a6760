package cache

import (
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strataimg/strata/lib/digest"
)

func gzipBytes(t *testing.T, raw []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	_, err := gw.Write(raw)
	require.NoError(t, err)
	require.NoError(t, gw.Close())
	return buf.Bytes()
}

func TestCache_WriteCompressed_ThenGetBaseLayer(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir)
	require.NoError(t, err)
	defer c.Close()

	raw := []byte("hello layer contents")
	compressed := gzipBytes(t, raw)

	layer, err := c.WriteCompressed(bytes.NewReader(compressed), "docker.io/library/eclipse-temurin:17")
	require.NoError(t, err)
	assert.False(t, layer.CompressedDescriptor.Digest.IsZero())
	assert.False(t, layer.DiffID.IsZero())

	got, ok := c.GetBaseLayer(layer.CompressedDescriptor.Digest)
	require.True(t, ok)
	assert.Equal(t, layer.DiffID.String(), got.DiffID.String())
	assert.Equal(t, "docker.io/library/eclipse-temurin:17", got.BaseImage)

	data, err := os.ReadFile(got.Path)
	require.NoError(t, err)
	assert.Equal(t, compressed, data)
}

func TestCache_WriteFromTar_ThenGetApplicationLayer(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir)
	require.NoError(t, err)
	defer c.Close()

	tarBytes := []byte("a fake uncompressed tar stream")
	blob := digest.BytesBlob{Data: tarBytes}
	fp := Fingerprint([]SourceFileStat{{Path: "App.class", Size: 10, ModTime: 100}})

	layer, err := c.WriteFromTar(KindClasses, []string{"App.class"}, fp, blob)
	require.NoError(t, err)

	got, ok := c.GetApplicationLayer(KindClasses, []string{"App.class"}, fp)
	require.True(t, ok)
	assert.Equal(t, layer.CompressedDescriptor.Digest.String(), got.CompressedDescriptor.Digest.String())

	// A different fingerprint (source files changed) misses.
	_, ok = c.GetApplicationLayer(KindClasses, []string{"App.class"}, "deadbeef")
	assert.False(t, ok)
}

func TestCache_GetApplicationLayer_NewestWins(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir)
	require.NoError(t, err)
	defer c.Close()

	fp := Fingerprint([]SourceFileStat{{Path: "a.txt", Size: 1, ModTime: 1}})
	_, err = c.WriteFromTar(KindResources, []string{"a.txt"}, fp, digest.BytesBlob{Data: []byte("first")})
	require.NoError(t, err)
	second, err := c.WriteFromTar(KindResources, []string{"a.txt"}, fp, digest.BytesBlob{Data: []byte("second, different content")})
	require.NoError(t, err)

	got, ok := c.GetApplicationLayer(KindResources, []string{"a.txt"}, fp)
	require.True(t, ok)
	assert.Equal(t, second.CompressedDescriptor.Digest.String(), got.CompressedDescriptor.Digest.String())
}

func TestCache_ReopenPersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir)
	require.NoError(t, err)

	raw := gzipBytes(t, []byte("persisted base layer"))
	layer, err := c.WriteCompressed(bytes.NewReader(raw), "busybox:latest")
	require.NoError(t, err)
	require.NoError(t, c.Close())

	c2, err := Open(dir)
	require.NoError(t, err)
	defer c2.Close()

	got, ok := c2.GetBaseLayer(layer.CompressedDescriptor.Digest)
	require.True(t, ok)
	assert.Equal(t, layer.DiffID.String(), got.DiffID.String())
}

func TestOpen_CorruptedMetadataIsReported(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, metadataFileName), []byte("{not json"), 0o644))

	_, err := Open(dir)
	require.Error(t, err)
	var corrupted *MetadataCorruptedError
	require.ErrorAs(t, err, &corrupted)
}

func TestCache_FailedWriteLeavesNoMetadataRecord(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir)
	require.NoError(t, err)
	defer c.Close()

	badCompressed := []byte("this is not valid gzip data")
	_, err = c.WriteCompressed(bytes.NewReader(badCompressed), "")
	require.Error(t, err)
	assert.Empty(t, c.meta.Entries)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}

func TestCache_WriteFromTar_Deterministic(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir)
	require.NoError(t, err)
	defer c.Close()

	fp := Fingerprint([]SourceFileStat{{Path: "lib.jar", Size: 5, ModTime: 7}})
	l1, err := c.WriteFromTar(KindDependencies, []string{"lib.jar"}, fp, digest.BytesBlob{Data: []byte("deterministic content")})
	require.NoError(t, err)

	dir2 := t.TempDir()
	c2, err := Open(dir2)
	require.NoError(t, err)
	defer c2.Close()
	l2, err := c2.WriteFromTar(KindDependencies, []string{"lib.jar"}, fp, digest.BytesBlob{Data: []byte("deterministic content")})
	require.NoError(t, err)

	assert.Equal(t, l1.DiffID.String(), l2.DiffID.String())
}

func TestFingerprint_DeterministicAndModTimeSensitive(t *testing.T) {
	a := []SourceFileStat{{Path: "x", Size: 1, ModTime: 1}, {Path: "y", Size: 2, ModTime: 2}}
	fp1 := Fingerprint(a)
	fp2 := Fingerprint(a)
	assert.Equal(t, fp1, fp2)

	b := []SourceFileStat{{Path: "x", Size: 1, ModTime: 1}, {Path: "y", Size: 2, ModTime: 3}}
	assert.NotEqual(t, fp1, Fingerprint(b))
}
