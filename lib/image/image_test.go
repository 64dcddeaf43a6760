package image

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strataimg/strata/lib/digest"
)

func mustDigest(t *testing.T, hex string) digest.Digest {
	t.Helper()
	d, err := digest.FromHash(hex)
	require.NoError(t, err)
	return d
}

func TestImage_RejectsDuplicateLayerDigest(t *testing.T) {
	img := New()
	d := mustDigest(t, repeat("a", 64))

	err := img.AddLayer(DigestOnlyLayer{Digest: d})
	require.NoError(t, err)

	err = img.AddLayer(DigestOnlyLayer{Digest: d})
	require.Error(t, err)
	var dup *DuplicateLayerError
	assert.ErrorAs(t, err, &dup)

	assert.Equal(t, 1, img.LayerCount())
}

func TestImage_LayersPreserveInsertionOrder(t *testing.T) {
	img := New()
	d1 := mustDigest(t, repeat("1", 64))
	d2 := mustDigest(t, repeat("2", 64))
	d3 := mustDigest(t, repeat("3", 64))

	require.NoError(t, img.AddLayer(DigestOnlyLayer{Digest: d1}))
	require.NoError(t, img.AddLayer(DigestOnlyLayer{Digest: d2}))
	require.NoError(t, img.AddLayer(DigestOnlyLayer{Digest: d3}))

	layers := img.Layers()
	require.Len(t, layers, 3)
	assert.Equal(t, d1.String(), layers[0].CompressedDigest().String())
	assert.Equal(t, d2.String(), layers[1].CompressedDigest().String())
	assert.Equal(t, d3.String(), layers[2].CompressedDigest().String())
}

func TestImage_SetEnvPreservesPositionOnUpdate(t *testing.T) {
	img := New()
	img.SetEnv("A", "1")
	img.SetEnv("B", "2")
	img.SetEnv("A", "updated")

	require.Len(t, img.Env, 2)
	assert.Equal(t, EnvVar{Key: "A", Value: "updated"}, img.Env[0])
	assert.Equal(t, EnvVar{Key: "B", Value: "2"}, img.Env[1])
}

func TestReferenceLayer_MissingContentBlob(t *testing.T) {
	l := ReferenceLayer{Descriptor: digest.BlobDescriptor{Size: 10, Digest: mustDigest(t, repeat("a", 64))}}
	_, err := l.ContentBlob()
	require.Error(t, err)
	var notFound *LayerPropertyNotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestDigestOnlyLayer_MissingDiffID(t *testing.T) {
	l := DigestOnlyLayer{Digest: mustDigest(t, repeat("a", 64))}
	_, err := l.DiffID()
	require.Error(t, err)
	var notFound *LayerPropertyNotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func repeat(c string, n int) string {
	out := make([]byte, 0, n)
	for len(out) < n {
		out = append(out, c...)
	}
	return string(out[:n])
}
