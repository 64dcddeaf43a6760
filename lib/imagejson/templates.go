// Package imagejson defines the Manifest v2.1, v2.2 and OCI container-config
// JSON schemas, and translates between them and the in-memory image.Image.
// Struct field order is declared to match the wire format exactly, because
// encoding/json marshals struct fields in declaration order and the manifest
// digest depends on byte-stable output.
package imagejson

import (
	crtypes "github.com/google/go-containerregistry/pkg/v1/types"
	ispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Schema is the discriminated manifest schema/version.
type Schema string

const (
	SchemaV21 Schema = "v2.1"
	SchemaV22 Schema = "v2.2"
	SchemaOCI Schema = "oci"
)

// Media types exactly as specified by the Docker v2 distribution spec / OCI
// image spec. These are the literal strings that appear on the wire; the
// Docker-schema values come from go-containerregistry's media-type
// constants and the OCI-schema values from image-spec's, rather than being
// retyped by hand, so a mismatch against either ecosystem's own definition
// would show up as a compile-time constant rather than a silent typo.
const (
	MediaTypeManifestV1    = string(crtypes.DockerManifestSchema1)
	MediaTypeManifestV2    = string(crtypes.DockerManifestSchema2)
	MediaTypeContainerConf = string(crtypes.DockerConfigJSON)
	MediaTypeLayerGzip     = string(crtypes.DockerLayer)

	MediaTypeOCIManifest  = ispec.MediaTypeImageManifest
	MediaTypeOCIConfig    = ispec.MediaTypeImageConfig
	MediaTypeOCILayerGzip = ispec.MediaTypeImageLayerGzip
)

// ManifestDiscriminator is the minimal shape used to sniff a pulled
// manifest's schema before dispatching to the full parser, per spec.md §4.3
// / §9 ("parse first as {schemaVersion, mediaType}, then dispatch").
type ManifestDiscriminator struct {
	SchemaVersion int    `json:"schemaVersion"`
	MediaType     string `json:"mediaType,omitempty"`
}

// V21FSLayer is one entry of a v2.1 manifest's fsLayers list.
type V21FSLayer struct {
	BlobSum string `json:"blobSum"`
}

// V21History is one entry of a v2.1 manifest's history list: an opaque
// v1Compatibility JSON string describing one legacy image layer.
type V21History struct {
	V1Compatibility string `json:"v1Compatibility"`
}

// V21Manifest is the Docker Registry v2.1 (schema 1) manifest shape.
// fsLayers is stored newest-first on the wire; the translator reverses it
// to the canonical oldest-first order used by image.Image.
type V21Manifest struct {
	SchemaVersion int          `json:"schemaVersion"`
	Name          string       `json:"name,omitempty"`
	Tag           string       `json:"tag,omitempty"`
	Architecture  string       `json:"architecture,omitempty"`
	FSLayers      []V21FSLayer `json:"fsLayers"`
	History       []V21History `json:"history,omitempty"`
}

// Descriptor is the {mediaType, size, digest} shape shared by the config
// and layers entries of a v2.2/OCI manifest.
type Descriptor struct {
	MediaType string `json:"mediaType"`
	Size      int64  `json:"size"`
	Digest    string `json:"digest"`
}

// V22Manifest is the Docker Registry v2.2 (schema 2) manifest shape, and
// (with OCI media types substituted) doubles as the OCI manifest shape.
type V22Manifest struct {
	SchemaVersion int          `json:"schemaVersion"`
	MediaType     string       `json:"mediaType"`
	Config        Descriptor   `json:"config"`
	Layers        []Descriptor `json:"layers"`
}

// ContainerConfig is the container-config JSON blob: environment,
// entrypoint, rootfs diff-ids, and the fields SPEC_FULL adds (exposed
// ports, labels, user, working dir) beyond the distilled spec.
type ContainerConfig struct {
	Architecture string               `json:"architecture"`
	OS           string               `json:"os"`
	Created      string               `json:"created,omitempty"`
	Config       ContainerConfigInner `json:"config"`
	RootFS       RootFS               `json:"rootfs"`
	History      []HistoryEntry       `json:"history"`
}

// ContainerConfigInner is the nested "config" object of ContainerConfig.
type ContainerConfigInner struct {
	Env          []string          `json:"Env,omitempty"`
	Entrypoint   []string          `json:"Entrypoint,omitempty"`
	Cmd          []string          `json:"Cmd,omitempty"`
	User         string            `json:"User,omitempty"`
	WorkingDir   string            `json:"WorkingDir,omitempty"`
	ExposedPorts map[string]struct{} `json:"ExposedPorts,omitempty"`
	Labels       map[string]string `json:"Labels,omitempty"`
}

// RootFS describes the layered filesystem by diff-id, oldest first.
type RootFS struct {
	Type    string   `json:"type"`
	DiffIDs []string `json:"diff_ids"`
}

// HistoryEntry is one entry of the config's history array. The builder
// never synthesizes meaningful history (spec.md's non-goals exclude
// reproducing a specific reference implementation's history), so
// BuildContainerConfig always writes an empty history array; FromV21 does
// not carry a pulled v2.1 image's history forward.
type HistoryEntry struct {
	Created    string `json:"created,omitempty"`
	CreatedBy  string `json:"created_by,omitempty"`
	EmptyLayer bool   `json:"empty_layer,omitempty"`
}
