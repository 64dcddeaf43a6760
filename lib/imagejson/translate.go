package imagejson

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/strataimg/strata/lib/digest"
	"github.com/strataimg/strata/lib/image"
)

// SniffSchema parses just enough of a manifest to discriminate its schema,
// per spec.md's "parse first as {schemaVersion, mediaType}" design note.
func SniffSchema(raw []byte) (Schema, error) {
	var d ManifestDiscriminator
	if err := json.Unmarshal(raw, &d); err != nil {
		return "", fmt.Errorf("sniff manifest schema: %w", err)
	}
	switch {
	case d.SchemaVersion == 1:
		return SchemaV21, nil
	case d.SchemaVersion == 2 && d.MediaType == MediaTypeManifestV2:
		return SchemaV22, nil
	case d.SchemaVersion == 2 && (d.MediaType == MediaTypeOCIManifest || d.MediaType == ""):
		return SchemaOCI, nil
	default:
		return "", &UnsupportedSchemaError{SchemaVersion: d.SchemaVersion, MediaType: d.MediaType}
	}
}

// v1CompatibilityConfig is the subset of a v2.1 history entry's
// v1Compatibility JSON this package reads when synthesizing a
// container-config for a pulled legacy manifest.
type v1CompatibilityConfig struct {
	Config struct {
		Env        []string `json:"Env"`
		Entrypoint []string `json:"Entrypoint"`
		Cmd        []string `json:"Cmd"`
	} `json:"config"`
}

// FromV21 translates a parsed v2.1 manifest into an Image. fsLayers is
// stored newest-first on the wire; it's reversed here to the canonical
// oldest-first order. Layers carry only a compressed digest (no diff-id,
// no content) since v2.1 manifests don't enumerate diff-ids.
//
// The container-config is synthesized from the topmost (newest) history
// entry's v1Compatibility.config, matching the step contract in spec.md
// §4.6 for PullBaseManifest on v2.1.
func FromV21(m *V21Manifest) (*image.Image, error) {
	img := image.New()

	for i := len(m.FSLayers) - 1; i >= 0; i-- {
		d, err := digest.FromDigest(m.FSLayers[i].BlobSum)
		if err != nil {
			return nil, fmt.Errorf("fsLayers[%d]: %w", i, err)
		}
		if err := img.AddLayer(image.DigestOnlyLayer{Digest: d}); err != nil {
			return nil, err
		}
	}

	if len(m.History) > 0 {
		var v1c v1CompatibilityConfig
		if err := json.Unmarshal([]byte(m.History[0].V1Compatibility), &v1c); err == nil {
			for _, kv := range v1c.Config.Env {
				if key, value, ok := splitEnv(kv); ok {
					img.SetEnv(key, value)
				}
			}
			img.Entrypoint = v1c.Config.Entrypoint
			img.Cmd = v1c.Config.Cmd
		}
	}

	return img, nil
}

// FromV22 translates a parsed v2.2 manifest plus its container-config into
// an Image. Manifest layers and config diff-ids are zipped by index;
// mismatched lengths produce LayerCountMismatchError with no partial image.
func FromV22(m *V22Manifest, cfg *ContainerConfig) (*image.Image, error) {
	if len(m.Layers) != len(cfg.RootFS.DiffIDs) {
		return nil, &LayerCountMismatchError{ManifestLayers: len(m.Layers), ConfigDiffIDs: len(cfg.RootFS.DiffIDs)}
	}

	img := image.New()
	for i, l := range m.Layers {
		compressed, err := digest.FromDigest(l.Digest)
		if err != nil {
			return nil, fmt.Errorf("layers[%d].digest: %w", i, err)
		}
		diffID, err := digest.FromDigest(cfg.RootFS.DiffIDs[i])
		if err != nil {
			return nil, fmt.Errorf("rootfs.diff_ids[%d]: %w", i, err)
		}
		layer := image.ReferenceLayer{
			Descriptor: digest.BlobDescriptor{Size: l.Size, Digest: compressed},
			DiffIDHash: diffID,
		}
		if err := img.AddLayer(layer); err != nil {
			return nil, err
		}
	}

	for _, kv := range cfg.Config.Env {
		if key, value, ok := splitEnv(kv); ok {
			img.SetEnv(key, value)
		}
	}
	img.Entrypoint = cfg.Config.Entrypoint
	img.Cmd = cfg.Config.Cmd
	img.User = cfg.Config.User
	img.WorkingDir = cfg.Config.WorkingDir
	for port := range cfg.Config.ExposedPorts {
		img.ExposedPorts = append(img.ExposedPorts, port)
	}
	for k, v := range cfg.Config.Labels {
		img.SetLabel(k, v)
	}

	return img, nil
}

// BuildContainerConfig translates a finished Image into its container-config
// JSON template. diffIDs must be supplied in the same order as img.Layers(),
// oldest first — callers compute them from each layer's DiffID() as layers
// are built or pulled (cached/reference layers already carry one; freshly
// hashed application layers get theirs from the cache writer).
func BuildContainerConfig(img *image.Image, diffIDs []digest.Digest) *ContainerConfig {
	cfg := &ContainerConfig{
		Architecture: "amd64",
		OS:           "linux",
		Config: ContainerConfigInner{
			Entrypoint: img.Entrypoint,
			Cmd:        img.Cmd,
			User:       img.User,
			WorkingDir: img.WorkingDir,
		},
		RootFS: RootFS{
			Type:    "layers",
			DiffIDs: make([]string, len(diffIDs)),
		},
		History: []HistoryEntry{},
	}

	if img.CreatedAt != nil {
		cfg.Created = img.CreatedAt.UTC().Format(time.RFC3339Nano)
	}

	for _, kv := range img.Env {
		cfg.Config.Env = append(cfg.Config.Env, kv.Key+"="+kv.Value)
	}
	if len(img.ExposedPorts) > 0 {
		cfg.Config.ExposedPorts = make(map[string]struct{}, len(img.ExposedPorts))
		for _, p := range img.ExposedPorts {
			cfg.Config.ExposedPorts[p] = struct{}{}
		}
	}
	if len(img.Labels) > 0 {
		cfg.Config.Labels = make(map[string]string, len(img.Labels))
		for _, l := range img.Labels {
			cfg.Config.Labels[l.Key] = l.Value
		}
	}
	for i, d := range diffIDs {
		cfg.RootFS.DiffIDs[i] = d.String()
	}

	return cfg
}

// BuildManifest builds a v2.2 (or OCI, via mediaType substitution) manifest
// template from a finished image's layer descriptors plus the pushed config
// blob descriptor. layerDescriptors must be in the image's layer order,
// oldest first.
func BuildManifest(layerDescriptors []digest.BlobDescriptor, configDescriptor digest.BlobDescriptor, schema Schema) (*V22Manifest, error) {
	var manifestMediaType, configMediaType, layerMediaType string
	switch schema {
	case SchemaV22:
		manifestMediaType, configMediaType, layerMediaType = MediaTypeManifestV2, MediaTypeContainerConf, MediaTypeLayerGzip
	case SchemaOCI:
		manifestMediaType, configMediaType, layerMediaType = MediaTypeOCIManifest, MediaTypeOCIConfig, MediaTypeOCILayerGzip
	default:
		return nil, fmt.Errorf("schema %q does not support manifest generation (push of legacy schema-1 manifests requires JWS signing, which is out of scope)", schema)
	}

	m := &V22Manifest{
		SchemaVersion: 2,
		MediaType:     manifestMediaType,
		Config: Descriptor{
			MediaType: configMediaType,
			Size:      configDescriptor.Size,
			Digest:    configDescriptor.Digest.String(),
		},
		Layers: make([]Descriptor, len(layerDescriptors)),
	}
	for i, d := range layerDescriptors {
		m.Layers[i] = Descriptor{MediaType: layerMediaType, Size: d.Size, Digest: d.Digest.String()}
	}
	return m, nil
}

// Marshal serializes v as compact UTF-8 JSON with no superfluous whitespace,
// preserving struct declaration order. Byte-stable because the manifest
// digest is computed over exactly these bytes.
func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func splitEnv(kv string) (key, value string, ok bool) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:], true
		}
	}
	return "", "", false
}
