package sources

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solidImage(t *testing.T, c color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 200, 200))
	for y := 0; y < 200; y++ {
		for x := 0; x < 200; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestComputeImageHashIsStable(t *testing.T) {
	data := testImage(t)

	h1, err := ComputeImageHash(data)
	require.NoError(t, err)
	h2, err := ComputeImageHash(data)
	require.NoError(t, err)
	assert.Equal(t, h1, h2, "same bytes must hash identically")

	_, err = ComputeImageHash([]byte("not an image"))
	assert.Error(t, err)
}

func TestHashMatchesRecognizesSameImage(t *testing.T) {
	data := testImage(t)
	known, err := ComputeImageHash(data)
	require.NoError(t, err)

	ok, err := HashMatches(data, known)
	require.NoError(t, err)
	assert.True(t, ok, "an image must match its own hash")

	other := solidImage(t, color.RGBA{255, 0, 0, 255})
	ok, err = HashMatches(other, known)
	require.NoError(t, err)
	assert.False(t, ok, "a visually different image must not match")
}

func TestHashMatchesZeroHashNeverMatches(t *testing.T) {
	ok, err := HashMatches(testImage(t), 0)
	require.NoError(t, err)
	assert.False(t, ok)
}
