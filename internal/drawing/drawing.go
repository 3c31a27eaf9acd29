// Package drawing renders detection boxes and labels onto an RGB
// buffer for the optional disk-saved debug frames. Only active when
// save_image_path is configured.
package drawing

import (
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/blue-onyx/blue-onyx-go/internal/imagecodec"
	"github.com/blue-onyx/blue-onyx-go/internal/postprocess"
)

// The original's hardcoded palette: red outlines, dark red legend.
var (
	boxColor    = color.NRGBA{R: 255, G: 0, B: 0, A: 255}
	legendColor = color.NRGBA{R: 139, G: 0, B: 0, A: 255}
	textColor   = color.NRGBA{R: 255, G: 255, B: 255, A: 255}
)

const outlineThickness = 2

// rgbCanvas adapts an imagecodec.RGBImage to draw.Image so the
// x/image font drawer can write into it directly.
type rgbCanvas struct {
	img *imagecodec.RGBImage
}

func (c rgbCanvas) ColorModel() color.Model { return color.NRGBAModel }

func (c rgbCanvas) Bounds() image.Rectangle {
	return image.Rect(0, 0, c.img.Width, c.img.Height)
}

func (c rgbCanvas) At(x, y int) color.Color {
	if x < 0 || y < 0 || x >= c.img.Width || y >= c.img.Height {
		return color.NRGBA{}
	}
	i := (y*c.img.Width + x) * 3
	return color.NRGBA{R: c.img.Pixels[i], G: c.img.Pixels[i+1], B: c.img.Pixels[i+2], A: 255}
}

func (c rgbCanvas) Set(x, y int, col color.Color) {
	if x < 0 || y < 0 || x >= c.img.Width || y >= c.img.Height {
		return
	}
	nrgba := color.NRGBAModel.Convert(col).(color.NRGBA)
	i := (y*c.img.Width + x) * 3
	c.img.Pixels[i] = nrgba.R
	c.img.Pixels[i+1] = nrgba.G
	c.img.Pixels[i+2] = nrgba.B
}

// Annotate draws box outlines and "label (NN%)" legends onto img in
// place.
func Annotate(img *imagecodec.RGBImage, detections []postprocess.Detection) {
	canvas := rgbCanvas{img: img}
	face := basicfont.Face7x13

	for _, det := range detections {
		x1, y1 := int(det.Box.X1), int(det.Box.Y1)
		x2, y2 := int(det.Box.X2), int(det.Box.Y2)
		drawRect(canvas, x1, y1, x2, y2)

		legend := fmt.Sprintf("%s (%.0f%%)", det.Label, det.Confidence*100)
		legendW := font.MeasureString(face, legend).Ceil() + 4
		legendH := face.Metrics().Height.Ceil() + 2
		legendY := y1 - legendH
		if legendY < 0 {
			legendY = y1
		}
		fillRect(canvas, x1, legendY, x1+legendW, legendY+legendH, legendColor)

		drawer := font.Drawer{
			Dst:  canvas,
			Src:  image.NewUniform(textColor),
			Face: face,
			Dot: fixed.Point26_6{
				X: fixed.I(x1 + 2),
				Y: fixed.I(legendY + face.Metrics().Ascent.Ceil()),
			},
		}
		drawer.DrawString(legend)
	}
}

func drawRect(canvas rgbCanvas, x1, y1, x2, y2 int) {
	for t := 0; t < outlineThickness; t++ {
		for x := x1; x <= x2; x++ {
			canvas.Set(x, y1+t, boxColor)
			canvas.Set(x, y2-t, boxColor)
		}
		for y := y1; y <= y2; y++ {
			canvas.Set(x1+t, y, boxColor)
			canvas.Set(x2-t, y, boxColor)
		}
	}
}

func fillRect(canvas rgbCanvas, x1, y1, x2, y2 int, col color.NRGBA) {
	for y := y1; y < y2; y++ {
		for x := x1; x < x2; x++ {
			canvas.Set(x, y, col)
		}
	}
}

// SaveAnnotated annotates a copy of img and writes it under dir keyed
// by the image name. When refBytes is non-nil the unmodified original
// JPEG is written alongside with a "-ref" suffix.
func SaveAnnotated(dir, imageName string, img *imagecodec.RGBImage, detections []postprocess.Detection, refBytes []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create save directory %q: %w", dir, err)
	}

	annotated := &imagecodec.RGBImage{
		Width:  img.Width,
		Height: img.Height,
		Pixels: append([]byte(nil), img.Pixels...),
	}
	Annotate(annotated, detections)

	encoded, err := imagecodec.Encode(annotated)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, imageName), encoded, 0o644); err != nil {
		return fmt.Errorf("write annotated image: %w", err)
	}

	if refBytes != nil {
		ext := filepath.Ext(imageName)
		refName := imageName[:len(imageName)-len(ext)] + "-ref" + ext
		if err := os.WriteFile(filepath.Join(dir, refName), refBytes, 0o644); err != nil {
			return fmt.Errorf("write reference image: %w", err)
		}
	}
	return nil
}
