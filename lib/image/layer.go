package image

import (
	"github.com/strataimg/strata/lib/digest"
)

// Layer is the capability set {has-content-blob, has-compressed-descriptor,
// has-diff-id}, implemented as three distinct variants rather than a class
// hierarchy:
//
//   - ReferenceLayer: descriptor + diff-id only, no bytes (v2.2 pulled layers).
//   - DigestOnlyLayer: compressed digest only (v2.1 manifests carry no diff-id).
//   - ContentLayer: all three, backed by a file (freshly built or cached layers).
//
// Accessing a field a variant doesn't carry returns LayerPropertyNotFound.
type Layer interface {
	// CompressedDigest returns the digest of the compressed (tar.gz) layer.
	// Every variant carries this.
	CompressedDigest() digest.Digest

	// DiffID returns the digest of the uncompressed layer tar, or
	// LayerPropertyNotFound if this variant doesn't carry one.
	DiffID() (digest.Digest, error)

	// ContentBlob returns a Blob producing the compressed layer bytes, or
	// LayerPropertyNotFound if this variant has no backing content.
	ContentBlob() (digest.Blob, error)

	// Size returns the compressed size in bytes, or -1 if unknown.
	Size() int64
}

// ReferenceLayer carries a descriptor and diff-id but no content bytes —
// the shape produced when translating a pulled v2.2 manifest into an Image.
type ReferenceLayer struct {
	Descriptor digest.BlobDescriptor
	DiffIDHash digest.Digest
}

func (l ReferenceLayer) CompressedDigest() digest.Digest { return l.Descriptor.Digest }
func (l ReferenceLayer) Size() int64                     { return l.Descriptor.Size }

func (l ReferenceLayer) DiffID() (digest.Digest, error) {
	return l.DiffIDHash, nil
}

func (l ReferenceLayer) ContentBlob() (digest.Blob, error) {
	return nil, &LayerPropertyNotFoundError{Property: "content blob", Variant: "ReferenceLayer"}
}

// DigestOnlyLayer carries only a compressed digest — what a v2.1 manifest's
// fsLayers entries give us, with no diff-id and no content.
type DigestOnlyLayer struct {
	Digest digest.Digest
}

func (l DigestOnlyLayer) CompressedDigest() digest.Digest { return l.Digest }
func (l DigestOnlyLayer) Size() int64                     { return -1 }

func (l DigestOnlyLayer) DiffID() (digest.Digest, error) {
	return digest.Digest{}, &LayerPropertyNotFoundError{Property: "diff-id", Variant: "DigestOnlyLayer"}
}

func (l DigestOnlyLayer) ContentBlob() (digest.Blob, error) {
	return nil, &LayerPropertyNotFoundError{Property: "content blob", Variant: "DigestOnlyLayer"}
}

// ContentLayer is a fully materialized layer: a file-backed blob plus both
// of its digests. This is what the cache writer and application-layer
// builder produce.
type ContentLayer struct {
	Descriptor digest.BlobDescriptor
	DiffIDHash digest.Digest
	Blob       digest.Blob
}

func (l ContentLayer) CompressedDigest() digest.Digest { return l.Descriptor.Digest }
func (l ContentLayer) Size() int64                     { return l.Descriptor.Size }

func (l ContentLayer) DiffID() (digest.Digest, error) {
	return l.DiffIDHash, nil
}

func (l ContentLayer) ContentBlob() (digest.Blob, error) {
	return l.Blob, nil
}
