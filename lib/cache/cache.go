// Package cache implements the content-addressed layer cache: a directory
// holding gzip-compressed layer blobs alongside a cache.json metadata index.
// BASE layers (pulled from a registry) are indexed by compressed digest;
// application layers (built locally) are indexed by (kind, source files),
// so a later build with unmodified sources can reuse the tar without
// rebuilding it.
//
// Writes go to a temp file inside dir and are renamed into place only once
// fully written; cache.json is rewritten atomically under an advisory flock
// so a crash mid-write never leaves a torn index or a half-written blob
// visible to a concurrent reader.
package cache

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/strataimg/strata/lib/digest"
)

const (
	metadataFileName = "cache.json"
	lockFileName     = ".cache.lock"
)

// CachedLayer describes one entry retrieved from the cache.
type CachedLayer struct {
	Kind                 Kind
	CompressedDescriptor digest.BlobDescriptor
	DiffID               digest.Digest
	Path                 string
	SourceFiles          []string
	Fingerprint          string
	LastModifiedTime     time.Time
	BaseImage            string
}

// Cache is a single content-addressed layer cache rooted at a directory.
// Two Caches (e.g. a shared base-image cache and a per-project application
// cache) can be composed by a caller trying one then the other; Cache
// itself only ever looks at its own directory.
type Cache struct {
	dir      string
	metaPath string
	lock     *fileLock
	meta     *metadataFile
}

// Open ensures dir exists, acquires the advisory lock, and loads (or
// creates) cache.json. MetadataCorruptedError is returned verbatim if an
// existing cache.json can't be parsed — the cache never attempts repair.
func Open(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	lock, err := acquireLock(filepath.Join(dir, lockFileName))
	if err != nil {
		return nil, fmt.Errorf("acquire cache lock: %w", err)
	}

	metaPath := filepath.Join(dir, metadataFileName)
	meta, err := loadMetadata(metaPath)
	if err != nil {
		lock.release()
		return nil, err
	}

	return &Cache{dir: dir, metaPath: metaPath, lock: lock, meta: meta}, nil
}

// Close releases the advisory lock. It does not flush anything: every
// mutation is already durable on disk by the time it returns.
func (c *Cache) Close() error {
	return c.lock.release()
}

// GetBaseLayer looks up a BASE-kind entry by compressed digest.
func (c *Cache) GetBaseLayer(compressed digest.Digest) (*CachedLayer, bool) {
	for i := range c.meta.Entries {
		e := &c.meta.Entries[i]
		if e.Kind == KindBase && e.CompressedDigest == compressed.String() {
			return c.toCachedLayer(e), true
		}
	}
	return nil, false
}

// GetApplicationLayer looks up the most recent entry of kind whose stored
// fingerprint matches fingerprint. Ties (should they ever occur) are broken
// by insertion order, returning the last one appended.
func (c *Cache) GetApplicationLayer(kind Kind, sourceFiles []string, fingerprint string) (*CachedLayer, bool) {
	key := sourceFilesKey(kind, sourceFiles)
	var found *entry
	for i := range c.meta.Entries {
		e := &c.meta.Entries[i]
		if e.Kind != kind || e.Fingerprint != fingerprint {
			continue
		}
		if sourceFilesKey(e.Kind, e.SourceFiles) != key {
			continue
		}
		found = e
	}
	if found == nil {
		return nil, false
	}
	return c.toCachedLayer(found), true
}

func (c *Cache) toCachedLayer(e *entry) *CachedLayer {
	compressed, _ := digest.FromDigest(e.CompressedDigest)
	var diffID digest.Digest
	if e.DiffID != "" {
		diffID, _ = digest.FromDigest(e.DiffID)
	}
	return &CachedLayer{
		Kind:                 e.Kind,
		CompressedDescriptor: digest.BlobDescriptor{Size: e.Size, Digest: compressed},
		DiffID:               diffID,
		Path:                 c.blobPath(compressed),
		SourceFiles:          e.SourceFiles,
		Fingerprint:          e.Fingerprint,
		LastModifiedTime:     e.LastModifiedTime,
		BaseImage:            e.BaseImage,
	}
}

func (c *Cache) blobPath(compressed digest.Digest) string {
	hex := compressed.Hex()
	return filepath.Join(c.dir, hex, hex+".tar.gz")
}

// WriteCompressed stores a layer that arrives already gzip-compressed (a
// base layer pulled from a registry). It streams r to a temp file while
// hashing the compressed bytes, then makes a second decompressing pass over
// the temp file to derive the diff-id, matching the two-pass mode spec.md
// describes for pulled layers.
func (c *Cache) WriteCompressed(r io.Reader, baseImage string) (*CachedLayer, error) {
	tmp, tmpPath, err := c.createTemp()
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmpPath)
	defer tmp.Close()

	compressedSink := digest.NewHashingSink(tmp)
	if _, err := io.Copy(compressedSink, r); err != nil {
		return nil, fmt.Errorf("write compressed layer: %w", err)
	}
	compressedDescriptor := compressedSink.Descriptor()

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind temp layer: %w", err)
	}
	gzr, err := gzip.NewReader(tmp)
	if err != nil {
		return nil, fmt.Errorf("decompress temp layer for diff-id: %w", err)
	}
	diffSink := digest.NewCountingDigestSink()
	if _, err := io.Copy(diffSink, gzr); err != nil {
		gzr.Close()
		return nil, fmt.Errorf("hash uncompressed layer: %w", err)
	}
	gzr.Close()
	diffDescriptor := diffSink.Descriptor()

	return c.finalize(tmp, tmpPath, KindBase, nil, compressedDescriptor, diffDescriptor.Digest, baseImage)
}

// WriteFromTar stores a freshly built application layer given as an
// uncompressed tar Blob. It gzips the tar in a single pass, tee-ing the
// uncompressed bytes into a diff-id hash at the same time, so no second
// pass over the data is needed. fingerprint is the caller-computed
// source-files fingerprint (see Fingerprint) used to index the entry.
func (c *Cache) WriteFromTar(kind Kind, sourceFiles []string, fingerprint string, tarBlob digest.Blob) (*CachedLayer, error) {
	tmp, tmpPath, err := c.createTemp()
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmpPath)
	defer tmp.Close()

	compressedSink := digest.NewHashingSink(tmp)
	gw := gzip.NewWriter(compressedSink)
	diffSink := digest.NewCountingDigestSink()
	mw := io.MultiWriter(gw, diffSink)

	if _, err := tarBlob.WriteTo(mw); err != nil {
		return nil, fmt.Errorf("write application layer tar: %w", err)
	}
	if err := gw.Close(); err != nil {
		return nil, fmt.Errorf("flush gzip writer: %w", err)
	}

	compressedDescriptor := compressedSink.Descriptor()
	diffDescriptor := diffSink.Descriptor()

	return c.finalizeApp(tmp, tmpPath, kind, sourceFiles, fingerprint, compressedDescriptor, diffDescriptor.Digest)
}

func (c *Cache) createTemp() (*os.File, string, error) {
	tmp, err := os.CreateTemp(c.dir, "layer-*.tmp")
	if err != nil {
		return nil, "", fmt.Errorf("create temp layer file: %w", err)
	}
	return tmp, tmp.Name(), nil
}

func (c *Cache) finalize(tmp *os.File, tmpPath string, kind Kind, sourceFiles []string, compressed digest.BlobDescriptor, diffID digest.Digest, baseImage string) (*CachedLayer, error) {
	if err := c.renameIntoPlace(tmp, tmpPath, compressed.Digest); err != nil {
		return nil, err
	}

	now := time.Now()
	e := entry{
		CompressedDigest: compressed.Digest.String(),
		DiffID:           diffID.String(),
		Size:             compressed.Size,
		Kind:             kind,
		SourceFiles:      sourceFiles,
		LastModifiedTime: now,
		BaseImage:        baseImage,
	}
	if err := c.appendEntry(e); err != nil {
		return nil, err
	}
	return c.toCachedLayer(&e), nil
}

func (c *Cache) finalizeApp(tmp *os.File, tmpPath string, kind Kind, sourceFiles []string, fingerprint string, compressed digest.BlobDescriptor, diffID digest.Digest) (*CachedLayer, error) {
	if err := c.renameIntoPlace(tmp, tmpPath, compressed.Digest); err != nil {
		return nil, err
	}

	now := time.Now()
	e := entry{
		CompressedDigest: compressed.Digest.String(),
		DiffID:           diffID.String(),
		Size:             compressed.Size,
		Kind:             kind,
		SourceFiles:      sourceFiles,
		LastModifiedTime: now,
		Fingerprint:      fingerprint,
	}
	if err := c.appendEntry(e); err != nil {
		return nil, err
	}
	return c.toCachedLayer(&e), nil
}

func (c *Cache) renameIntoPlace(tmp *os.File, tmpPath string, compressed digest.Digest) error {
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp layer file: %w", err)
	}

	hex := compressed.Hex()
	destDir := filepath.Join(c.dir, hex)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("create layer dir: %w", err)
	}
	dest := filepath.Join(destDir, hex+".tar.gz")
	if err := os.Rename(tmpPath, dest); err != nil {
		return fmt.Errorf("rename layer into place: %w", err)
	}
	return nil
}

func (c *Cache) appendEntry(e entry) error {
	c.meta.Entries = append(c.meta.Entries, e)
	if err := writeMetadata(c.metaPath, c.meta); err != nil {
		// Roll back the in-memory append so the Cache's view stays
		// consistent with what's durable on disk.
		c.meta.Entries = c.meta.Entries[:len(c.meta.Entries)-1]
		return err
	}
	return nil
}
