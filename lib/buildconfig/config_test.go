package buildconfig

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strataimg/strata/lib/imagejson"
)

func TestParseImageRef(t *testing.T) {
	ref, err := ParseImageRef("registry.example.com/team/app:v1")
	require.NoError(t, err)
	assert.Equal(t, "registry.example.com", ref.ServerURL)
	assert.Equal(t, "team/app", ref.Name)
	assert.Equal(t, "v1", ref.Tag)
}

func TestParseImageRef_DefaultsToLatestTag(t *testing.T) {
	ref, err := ParseImageRef("docker.io/library/eclipse-temurin")
	require.NoError(t, err)
	assert.Equal(t, "latest", ref.Tag)
}

func TestValidate_RequiresBaseAndTargetImage(t *testing.T) {
	cfg := &BuildConfiguration{TargetFormat: imagejson.SchemaV22}
	err := cfg.Validate()
	require.Error(t, err)
}

func TestValidate_RejectsRelativeDestinations(t *testing.T) {
	cfg := &BuildConfiguration{
		BaseImage:    ImageRef{Name: "base", Tag: "latest"},
		TargetImage:  ImageRef{Name: "app", Tag: "latest"},
		TargetFormat: imagejson.SchemaV22,
		Classes:      []SourceFile{{SourcePath: "/src/App.class", Destination: "app/classes/App.class"}},
	}
	err := cfg.Validate()
	require.Error(t, err)
}

func TestValidate_RejectsUnknownTargetFormat(t *testing.T) {
	cfg := &BuildConfiguration{
		BaseImage:    ImageRef{Name: "base", Tag: "latest"},
		TargetImage:  ImageRef{Name: "app", Tag: "latest"},
		TargetFormat: "bogus",
	}
	require.Error(t, cfg.Validate())
}

func TestSplitNonEmpty(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitNonEmpty("a, b"))
	assert.Nil(t, splitNonEmpty(""))
}

func TestParseEnvList(t *testing.T) {
	assert.Equal(t, []EnvVar{{Key: "FOO", Value: "bar"}}, parseEnvList("FOO=bar"))
}
