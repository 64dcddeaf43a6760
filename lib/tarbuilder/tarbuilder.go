// Package tarbuilder builds deterministic, optionally gzip-compressed tar
// streams from a fixed set of source entries, so that two builds over the
// same inputs produce byte-identical layer blobs.
package tarbuilder

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/strataimg/strata/lib/digest"
)

const (
	// DefaultFileMode is applied to entries that don't specify a mode.
	DefaultFileMode = 0o644
	// DefaultDirMode is applied to directory entries that don't specify a mode.
	DefaultDirMode = 0o755
)

// EntrySource produces the bytes for one tar entry.
type EntrySource interface {
	Open() (io.ReadCloser, int64, error)
}

// FileSource reads entry content from a path on disk.
type FileSource struct {
	Path string
}

// Open opens the file and reports its size.
func (s FileSource) Open() (io.ReadCloser, int64, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, 0, fmt.Errorf("open source %s: %w", s.Path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat source %s: %w", s.Path, err)
	}
	return f, info.Size(), nil
}

// BytesSource holds entry content in memory.
type BytesSource struct {
	Data []byte
}

// Open returns a reader over the in-memory bytes.
func (s BytesSource) Open() (io.ReadCloser, int64, error) {
	return io.NopCloser(&byteReader{data: s.Data}), int64(len(s.Data)), nil
}

type byteReader struct {
	data []byte
	pos  int
}

func (r *byteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}

// Entry is one file or directory destined for the archive.
type Entry struct {
	// Source produces the entry's bytes. Nil for directory entries.
	Source EntrySource
	// Destination is the POSIX path inside the archive, e.g. "app/libs/foo.jar".
	Destination string
	// IsDir marks this entry as a directory (no content, trailing behavior is
	// the same as tar.TypeDir).
	IsDir bool
	// Mode is the entry's file mode bits. Zero means "use the policy default"
	// (DefaultFileMode for files, DefaultDirMode for directories).
	Mode int64
	// ModTime is the entry's tar mtime. Zero means "use the policy default" (epoch 0).
	ModTime int64
}

// Builder accumulates entries and snapshots them into a Blob on ToBlob.
// Mutating the Builder after ToBlob has been called does not affect
// already-obtained Blobs: each call snapshots a fresh copy of the entry list.
type Builder struct {
	entries []Entry
}

// New creates an empty Builder.
func New() *Builder {
	return &Builder{}
}

// AddEntry appends one entry in insertion order. Entries are written to the
// archive in the order they were added; the builder does not sort them.
func (b *Builder) AddEntry(e Entry) *Builder {
	b.entries = append(b.entries, e)
	return b
}

// AddFile is a convenience wrapper for AddEntry with a FileSource.
func (b *Builder) AddFile(sourcePath, destination string) *Builder {
	return b.AddEntry(Entry{Source: FileSource{Path: sourcePath}, Destination: destination})
}

// Blob produces a tar stream (optionally gzipped) from a frozen snapshot of
// a Builder's entries at the moment it was created.
type Blob struct {
	entries []Entry
	gzip    bool
}

// ToBlob snapshots the current entry list into an ungzipped tar Blob.
func (b *Builder) ToBlob() digest.Blob {
	snapshot := make([]Entry, len(b.entries))
	copy(snapshot, b.entries)
	return Blob{entries: snapshot}
}

// ToGzipBlob snapshots the current entry list into a gzip-compressed tar Blob.
func (b *Builder) ToGzipBlob() digest.Blob {
	snapshot := make([]Entry, len(b.entries))
	copy(snapshot, b.entries)
	return Blob{entries: snapshot, gzip: true}
}

// WriteTo writes the snapshotted tar (optionally gzipped) to w, returning the
// descriptor of exactly what was written to w (the compressed descriptor
// when gzip is enabled, the uncompressed tar descriptor otherwise).
func (b Blob) WriteTo(w io.Writer) (digest.BlobDescriptor, error) {
	sink := digest.NewHashingSink(w)

	var tw *tar.Writer
	var gw *gzip.Writer
	if b.gzip {
		gw = gzip.NewWriter(sink)
		tw = tar.NewWriter(gw)
	} else {
		tw = tar.NewWriter(sink)
	}

	if err := writeEntries(tw, b.entries); err != nil {
		return digest.BlobDescriptor{}, err
	}
	if err := tw.Close(); err != nil {
		return digest.BlobDescriptor{}, fmt.Errorf("close tar writer: %w", err)
	}
	if gw != nil {
		if err := gw.Close(); err != nil {
			return digest.BlobDescriptor{}, fmt.Errorf("close gzip writer: %w", err)
		}
	}

	return sink.Descriptor(), nil
}

func writeEntries(tw *tar.Writer, entries []Entry) error {
	for _, e := range entries {
		if err := writeEntry(tw, e); err != nil {
			return fmt.Errorf("write entry %s: %w", e.Destination, err)
		}
	}
	return nil
}

func writeEntry(tw *tar.Writer, e Entry) error {
	mode := e.Mode
	if mode == 0 {
		if e.IsDir {
			mode = DefaultDirMode
		} else {
			mode = DefaultFileMode
		}
	}

	typeflag := byte(tar.TypeReg)
	if e.IsDir {
		typeflag = tar.TypeDir
	}

	header := &tar.Header{
		Typeflag: typeflag,
		Name:     e.Destination,
		Mode:     mode,
		ModTime:  time.Unix(e.ModTime, 0).UTC(),
		Uid:      0,
		Gid:      0,
		Format:   tar.FormatPAX,
	}

	if e.IsDir {
		return tw.WriteHeader(header)
	}

	r, size, err := e.Source.Open()
	if err != nil {
		return err
	}
	defer r.Close()
	header.Size = size

	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := io.Copy(tw, r); err != nil {
		return fmt.Errorf("copy content: %w", err)
	}
	return nil
}

// SortedDestinations returns the archive destinations of entries in
// lexicographic order. Exposed for callers (e.g. the cache's source-files
// fingerprint) that want a deterministic listing independent of insertion
// order, without changing the archive's own insertion-order write policy.
func SortedDestinations(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Destination
	}
	sort.Strings(out)
	return out
}
