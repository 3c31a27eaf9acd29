package imagecodec

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/blue-onyx/blue-onyx-go/internal/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleJPEG(t *testing.T, w, h int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x % 256), uint8(y % 256), 128, 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}))
	return buf.Bytes()
}

func TestIsJPEG(t *testing.T) {
	assert.True(t, IsJPEG([]byte{0xFF, 0xD8, 0xFF, 0xE0}))
	assert.False(t, IsJPEG([]byte{0x89, 0x50, 0x4E, 0x47})) // PNG magic
	assert.False(t, IsJPEG(nil))
}

func TestDecodeHappyPath(t *testing.T) {
	data := sampleJPEG(t, 32, 16)
	img, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, 32, img.Width)
	assert.Equal(t, 16, img.Height)
	assert.Len(t, img.Pixels, 32*16*3)
}

func TestDecodeEmptyBody(t *testing.T) {
	_, err := Decode(nil)
	require.Error(t, err)
	assert.Equal(t, api.KindMalformedImage, mustAPIKind(err))
}

func TestDecodeNonJPEG(t *testing.T) {
	_, err := Decode([]byte("not-a-jpeg"))
	require.Error(t, err)
	assert.Equal(t, api.KindUnsupportedFormat, mustAPIKind(err))
}

func TestDecodeTruncatedJPEG(t *testing.T) {
	data := sampleJPEG(t, 32, 16)
	_, err := Decode(data[:len(data)/2])
	require.Error(t, err)
	assert.Equal(t, api.KindMalformedImage, mustAPIKind(err))
}

func TestEncodeRoundTrip(t *testing.T) {
	src := &RGBImage{Width: 4, Height: 4, Pixels: make([]byte, 4*4*3)}
	for i := range src.Pixels {
		src.Pixels[i] = byte(i % 255)
	}
	out, err := Encode(src)
	require.NoError(t, err)
	assert.True(t, IsJPEG(out))

	decoded, err := Decode(out)
	require.NoError(t, err)
	assert.Equal(t, 4, decoded.Width)
	assert.Equal(t, 4, decoded.Height)
}

func mustAPIKind(err error) api.Kind {
	e := api.AsError(err)
	return e.Kind
}
