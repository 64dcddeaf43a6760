package image

import "fmt"

// LayerPropertyNotFoundError is returned when code accesses a Layer field
// that the concrete variant doesn't carry (programming error — fail fast).
type LayerPropertyNotFoundError struct {
	Property string
	Variant  string
}

func (e *LayerPropertyNotFoundError) Error() string {
	return fmt.Sprintf("layer property %q not available on %s", e.Property, e.Variant)
}

// DuplicateLayerError is returned when AddLayer is called with a layer whose
// compressed digest matches one already present in the Image.
type DuplicateLayerError struct {
	Digest string
}

func (e *DuplicateLayerError) Error() string {
	return fmt.Sprintf("duplicate layer: digest %s already present in image", e.Digest)
}
