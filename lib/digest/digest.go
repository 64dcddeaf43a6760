// Package digest implements sha256 content digests and streaming blob
// writers used to content-address every layer and manifest the builder
// produces.
package digest

import (
	"fmt"
	"io"
	"strings"

	godigest "github.com/opencontainers/go-digest"
)

// Digest is an immutable sha256 content digest in "sha256:<64-hex>" form.
type Digest struct {
	inner godigest.Digest
}

// FromDigest parses a digest already in "sha256:<hex>" form.
func FromDigest(s string) (Digest, error) {
	d := godigest.Digest(s)
	if err := d.Validate(); err != nil {
		return Digest{}, &InvalidDigestError{Value: s, Cause: err}
	}
	if d.Algorithm() != godigest.SHA256 {
		return Digest{}, &InvalidDigestError{Value: s, Cause: fmt.Errorf("unsupported algorithm %q", d.Algorithm())}
	}
	return Digest{inner: d}, nil
}

// FromHash parses a bare 64-character hex hash, prefixing it with "sha256:".
func FromHash(hex string) (Digest, error) {
	if strings.Contains(hex, ":") {
		return Digest{}, &InvalidDigestError{Value: hex, Cause: fmt.Errorf("expected bare hex, got prefixed form")}
	}
	return FromDigest("sha256:" + hex)
}

// String returns the canonical "sha256:<hex>" form.
func (d Digest) String() string {
	return d.inner.String()
}

// Hex returns the bare 64-character hex hash without the algorithm prefix.
func (d Digest) Hex() string {
	return d.inner.Encoded()
}

// IsZero reports whether d is the zero value (no digest set).
func (d Digest) IsZero() bool {
	return d.inner == ""
}

// Equal reports whether d and other represent the same content digest.
func (d Digest) Equal(other Digest) bool {
	return d.inner == other.inner
}

// BlobDescriptor pairs a size with a digest. A negative size means "unknown";
// an unknown-size descriptor is never equal to any other descriptor.
type BlobDescriptor struct {
	Size   int64
	Digest Digest
}

// Equal reports whether two descriptors describe the same blob. Per spec,
// a descriptor with unknown size (Size < 0) is never equal to anything,
// including another unknown-size descriptor with the same digest.
func (b BlobDescriptor) Equal(other BlobDescriptor) bool {
	if b.Size < 0 || other.Size < 0 {
		return false
	}
	return b.Size == other.Size && b.Digest.Equal(other.Digest)
}

// Blob is a single-shot producer of bytes: writing it to a sink yields the
// descriptor (size + digest) of what was produced. Implementations may be
// restartable, but the contract only guarantees one successful write.
type Blob interface {
	WriteTo(w io.Writer) (BlobDescriptor, error)
}

// BytesBlob is a Blob backed by an in-memory byte slice.
type BytesBlob struct {
	Data []byte
}

// WriteTo writes the bytes to w, returning their descriptor.
func (b BytesBlob) WriteTo(w io.Writer) (BlobDescriptor, error) {
	sink := NewHashingSink(w)
	if _, err := sink.Write(b.Data); err != nil {
		return BlobDescriptor{}, err
	}
	return sink.Descriptor(), nil
}

// ReaderBlob is a Blob that copies from an io.Reader factory. NewReader is
// called once per WriteTo so the same Blob value can be written more than
// once (e.g. for the universal "write twice, same descriptor" property).
type ReaderBlob struct {
	NewReader func() (io.ReadCloser, error)
}

// WriteTo copies bytes from a freshly obtained reader into w.
func (b ReaderBlob) WriteTo(w io.Writer) (BlobDescriptor, error) {
	r, err := b.NewReader()
	if err != nil {
		return BlobDescriptor{}, err
	}
	defer r.Close()

	sink := NewHashingSink(w)
	if _, err := io.Copy(sink, r); err != nil {
		return BlobDescriptor{}, err
	}
	return sink.Descriptor(), nil
}

// HashingSink wraps an io.Writer, accumulating a running sha256 digest and
// byte count of everything written through it. Call Descriptor after the
// last write to obtain the authoritative (size, digest) pair.
type HashingSink struct {
	w        io.Writer
	digester godigest.Digester
	size     int64
}

// NewHashingSink wraps w. If w is nil, writes are discarded (the "null sink"
// used purely to compute a descriptor).
func NewHashingSink(w io.Writer) *HashingSink {
	if w == nil {
		w = io.Discard
	}
	return &HashingSink{
		w:        w,
		digester: godigest.Canonical.Digester(),
	}
}

// Write implements io.Writer, tee-ing into both the digester and the
// underlying sink.
func (s *HashingSink) Write(p []byte) (int, error) {
	n, err := s.w.Write(p)
	if n > 0 {
		s.digester.Hash().Write(p[:n])
		s.size += int64(n)
	}
	return n, err
}

// Descriptor returns the size and digest of everything written so far.
func (s *HashingSink) Descriptor() BlobDescriptor {
	return BlobDescriptor{
		Size:   s.size,
		Digest: Digest{inner: s.digester.Digest()},
	}
}

// NewCountingDigestSink returns a HashingSink backed by a null sink, for
// callers that only want the descriptor of data they otherwise discard.
func NewCountingDigestSink() *HashingSink {
	return NewHashingSink(nil)
}
