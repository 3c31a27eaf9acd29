// Package imagecodec handles the only two image transcoding
// operations the server needs: decoding client-submitted JPEG bytes
// into an RGB pixel buffer, and encoding an annotated RGB buffer back
// to JPEG for the optional debug-snapshot path.
package imagecodec

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/blue-onyx/blue-onyx-go/internal/api"
)

var jpegMagic = []byte{0xFF, 0xD8, 0xFF}

// IsJPEG sniffs the JPEG magic bytes, independent of any client-supplied
// Content-Type header.
func IsJPEG(data []byte) bool {
	return len(data) >= len(jpegMagic) && bytes.Equal(data[:len(jpegMagic)], jpegMagic)
}

// RGBImage is a decoded image in tightly packed, row-major RGB bytes.
type RGBImage struct {
	Width  int
	Height int
	Pixels []byte // len == Width*Height*3
}

// Decode turns JPEG bytes into an RGBImage. Returns a *api.Error with
// KindUnsupportedFormat if the magic bytes aren't JPEG, or
// KindMalformedImage if the bytes are JPEG-tagged but fail to decode
// (truncated, corrupt, zero-length).
func Decode(data []byte) (*RGBImage, error) {
	if len(data) == 0 {
		return nil, api.New(api.KindMalformedImage, "empty image body")
	}
	if !IsJPEG(data) {
		return nil, api.New(api.KindUnsupportedFormat, "input is not a JPEG image")
	}

	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, api.Wrap(api.KindMalformedImage, "failed to decode JPEG", err)
	}

	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	out := &RGBImage{Width: w, Height: h, Pixels: make([]byte, w*h*3)}
	i := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			out.Pixels[i] = byte(r >> 8)
			out.Pixels[i+1] = byte(g >> 8)
			out.Pixels[i+2] = byte(b >> 8)
			i += 3
		}
	}
	return out, nil
}

// Encode turns an RGBImage into quality-85 JPEG bytes, used only by
// the drawing helper's disk-save path.
func Encode(img *RGBImage) ([]byte, error) {
	rgba := image.NewRGBA(image.Rect(0, 0, img.Width, img.Height))
	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			i := (y*img.Width + x) * 3
			rgba.Set(x, y, rgbColor{img.Pixels[i], img.Pixels[i+1], img.Pixels[i+2]})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, rgba, &jpeg.Options{Quality: 85}); err != nil {
		return nil, fmt.Errorf("encode JPEG: %w", err)
	}
	return buf.Bytes(), nil
}

type rgbColor struct{ r, g, b byte }

func (c rgbColor) RGBA() (r, g, b, a uint32) {
	return uint32(c.r) * 0x101, uint32(c.g) * 0x101, uint32(c.b) * 0x101, 0xffff
}
