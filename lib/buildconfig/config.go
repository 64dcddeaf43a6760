// Package buildconfig defines the BuildConfiguration value type — every
// externally supplied option a build needs — and its environment-variable
// construction, in the same getEnv/getEnvBool/godotenv style the rest of the
// ambient stack uses for configuration.
package buildconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/distribution/reference"
	"github.com/joho/godotenv"

	"github.com/strataimg/strata/lib/imagejson"
	"github.com/strataimg/strata/lib/paths"
)

// ImageRef is a parsed "server/name:tag" reference.
type ImageRef struct {
	ServerURL string
	Name      string
	Tag       string
}

// String reconstructs the canonical "name:tag" form (without server), as
// used in log lines and cache records. Registry requests use Name alone.
func (r ImageRef) String() string {
	return r.Name + ":" + r.Tag
}

// ParseImageRef parses a reference like "registry.example.com/app:v1" using
// the same grammar Docker/OCI tooling uses for image names.
func ParseImageRef(s string) (ImageRef, error) {
	named, err := reference.ParseNormalizedNamed(s)
	if err != nil {
		return ImageRef{}, fmt.Errorf("parse image reference %q: %w", s, err)
	}
	tagged, ok := reference.TagNameOnly(named).(reference.Tagged)
	if !ok {
		return ImageRef{}, fmt.Errorf("image reference %q has no tag", s)
	}
	domain := reference.Domain(named)
	path := reference.Path(named)
	return ImageRef{ServerURL: domain, Name: path, Tag: tagged.Tag()}, nil
}

// SourceFile is one input file going into a layer: its path on disk and its
// destination path inside the built image.
type SourceFile struct {
	SourcePath  string
	Destination string
}

// BuildConfiguration is every option enumerated in spec.md §6.
type BuildConfiguration struct {
	BaseImage   ImageRef
	TargetImage ImageRef

	CredentialHelperName string

	MainClass    string
	JVMFlags     []string
	Env          []EnvVar
	Entrypoint   []string
	ExposedPorts []string

	ApplicationCacheDir string
	BaseCacheDir        string

	AllowInsecureRegistries bool
	TargetFormat            imagejson.Schema

	Dependencies []SourceFile
	Resources    []SourceFile
	Classes      []SourceFile
}

// EnvVar is an ordered key/value environment entry, mirroring image.EnvVar's
// shape so configuration round-trips into the image model without a lossy
// map in between.
type EnvVar struct {
	Key   string
	Value string
}

// Validate fails fast on configuration that can't possibly produce a valid
// build, per spec.md §7's "Validation" error kind.
func (c *BuildConfiguration) Validate() error {
	if c.BaseImage.Name == "" {
		return fmt.Errorf("base-image is required")
	}
	if c.TargetImage.Name == "" {
		return fmt.Errorf("target-image is required")
	}
	switch c.TargetFormat {
	case imagejson.SchemaV22, imagejson.SchemaOCI, imagejson.SchemaV21:
	default:
		return fmt.Errorf("target-format %q is not one of V22, OCI, V21", c.TargetFormat)
	}
	for _, f := range c.Dependencies {
		if !strings.HasPrefix(f.Destination, "/") {
			return fmt.Errorf("dependency destination %q must be an absolute in-image path", f.Destination)
		}
	}
	for _, f := range c.Resources {
		if !strings.HasPrefix(f.Destination, "/") {
			return fmt.Errorf("resource destination %q must be an absolute in-image path", f.Destination)
		}
	}
	for _, f := range c.Classes {
		if !strings.HasPrefix(f.Destination, "/") {
			return fmt.Errorf("class destination %q must be an absolute in-image path", f.Destination)
		}
	}
	return nil
}

// FromEnv loads a BuildConfiguration from environment variables (loading a
// .env file first, failing silently if absent). Source file lists
// (dependencies/resources/classes) aren't environment-shaped; callers
// needing them populate those fields themselves (e.g. from a build-tool
// plugin's already-resolved classpath) after FromEnv returns.
func FromEnv() (*BuildConfiguration, error) {
	_ = godotenv.Load()

	base, err := ParseImageRef(getEnv("BASE_IMAGE", ""))
	if err != nil {
		return nil, err
	}
	target, err := ParseImageRef(getEnv("TARGET_IMAGE", ""))
	if err != nil {
		return nil, err
	}

	p := paths.New(defaultCacheRoot())

	cfg := &BuildConfiguration{
		BaseImage:               base,
		TargetImage:             target,
		CredentialHelperName:    getEnv("CREDENTIAL_HELPER_NAME", ""),
		MainClass:               getEnv("MAIN_CLASS", ""),
		JVMFlags:                splitNonEmpty(getEnv("JVM_FLAGS", "")),
		Entrypoint:              splitNonEmpty(getEnv("ENTRYPOINT", "")),
		ExposedPorts:            splitNonEmpty(getEnv("EXPOSED_PORTS", "")),
		ApplicationCacheDir:     getEnv("APPLICATION_CACHE_DIR", p.ApplicationCacheDir(target.Name)),
		BaseCacheDir:            getEnv("BASE_CACHE_DIR", p.BaseCacheDir()),
		AllowInsecureRegistries: getEnvBool("ALLOW_INSECURE_REGISTRIES", false),
		TargetFormat:            parseTargetFormat(getEnv("TARGET_FORMAT", "V22")),
		Env:                     parseEnvList(getEnv("ENV", "")),
	}

	return cfg, nil
}

// defaultCacheRoot is the data directory paths.Paths is rooted at absent an
// explicit BASE_CACHE_DIR/APPLICATION_CACHE_DIR override.
func defaultCacheRoot() string {
	if home, err := os.UserCacheDir(); err == nil {
		return filepath.Join(home, "strata")
	}
	return ".strata-cache"
}

// parseTargetFormat maps the documented TARGET_FORMAT tokens (V22, OCI,
// V21, case-insensitive) onto imagejson's internal schema constants. An
// unrecognized token is passed through unchanged so Validate can reject it
// with the value the user actually set.
func parseTargetFormat(raw string) imagejson.Schema {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "V22", "V2.2":
		return imagejson.SchemaV22
	case "OCI":
		return imagejson.SchemaOCI
	case "V21", "V2.1":
		return imagejson.SchemaV21
	default:
		return imagejson.Schema(raw)
	}
}

func parseEnvList(raw string) []EnvVar {
	var out []EnvVar
	for _, kv := range splitNonEmpty(raw) {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		out = append(out, EnvVar{Key: key, Value: value})
	}
	return out
}

func splitNonEmpty(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}
