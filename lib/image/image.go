// Package image defines the in-memory canonical image representation:
// an ordered list of layers plus container configuration (environment,
// entrypoint, exposed ports, labels). Images are built up incrementally
// during the pipeline and frozen at the JSON translation boundary.
package image

import "time"

// EnvVar is one K=V environment variable entry. A slice of EnvVar preserves
// insertion order, which Go's map type cannot guarantee and which the JSON
// translator requires for byte-stable output.
type EnvVar struct {
	Key   string
	Value string
}

// Label is one label K=V entry, ordered the same way as EnvVar.
type Label struct {
	Key   string
	Value string
}

// Image is the builder's canonical in-memory image: an ordered sequence of
// layers plus the container configuration fields that end up in the
// container-config JSON blob.
type Image struct {
	layers     []Layer
	digestSeen map[string]struct{}

	Env          []EnvVar
	Entrypoint   []string
	Cmd          []string
	ExposedPorts []string
	Labels       []Label
	User         string
	WorkingDir   string
	CreatedAt    *time.Time
}

// New creates an empty Image.
func New() *Image {
	return &Image{digestSeen: make(map[string]struct{})}
}

// AddLayer appends a layer in build order. Returns DuplicateLayerError if a
// layer with the same compressed digest has already been added.
func (img *Image) AddLayer(l Layer) error {
	key := l.CompressedDigest().String()
	if _, ok := img.digestSeen[key]; ok {
		return &DuplicateLayerError{Digest: key}
	}
	img.digestSeen[key] = struct{}{}
	img.layers = append(img.layers, l)
	return nil
}

// Layers returns the image's layers in insertion (build) order. The
// returned slice is a copy; mutating it does not affect the Image.
func (img *Image) Layers() []Layer {
	out := make([]Layer, len(img.layers))
	copy(out, img.layers)
	return out
}

// LayerCount returns the number of layers currently in the image.
func (img *Image) LayerCount() int {
	return len(img.layers)
}

// SetEnv sets the value for key, preserving the position of an existing
// entry or appending a new one at the end.
func (img *Image) SetEnv(key, value string) {
	for i := range img.Env {
		if img.Env[i].Key == key {
			img.Env[i].Value = value
			return
		}
	}
	img.Env = append(img.Env, EnvVar{Key: key, Value: value})
}

// SetLabel sets a label the same way SetEnv sets an environment variable.
func (img *Image) SetLabel(key, value string) {
	for i := range img.Labels {
		if img.Labels[i].Key == key {
			img.Labels[i].Value = value
			return
		}
	}
	img.Labels = append(img.Labels, Label{Key: key, Value: value})
}
