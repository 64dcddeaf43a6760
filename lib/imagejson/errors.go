package imagejson

import "fmt"

// LayerCountMismatchError is returned when a v2.2 manifest's layer count
// doesn't match its container-config's diff-id count — the two lists are
// zipped by index and must agree.
type LayerCountMismatchError struct {
	ManifestLayers int
	ConfigDiffIDs  int
}

func (e *LayerCountMismatchError) Error() string {
	return fmt.Sprintf("layer count mismatch: manifest has %d layers, config has %d diff-ids", e.ManifestLayers, e.ConfigDiffIDs)
}

// UnsupportedSchemaError is returned when a manifest's discriminated
// {schemaVersion, mediaType} doesn't match any schema this package handles.
type UnsupportedSchemaError struct {
	SchemaVersion int
	MediaType     string
}

func (e *UnsupportedSchemaError) Error() string {
	return fmt.Sprintf("unsupported manifest schema: schemaVersion=%d mediaType=%q", e.SchemaVersion, e.MediaType)
}
