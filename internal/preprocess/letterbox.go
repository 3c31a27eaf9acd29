// Package preprocess turns a decoded RGB image into the fixed-size
// channel-major float tensor the ONNX model expects, preserving
// aspect ratio via letterbox padding, and carries the inverse
// transform needed to map detections back to the original image.
package preprocess

import (
	"image"
	"image/color"
	"math"
	"runtime"
	"sync"

	"github.com/disintegration/imaging"
	"golang.org/x/sys/cpu"

	"github.com/blue-onyx/blue-onyx-go/internal/imagecodec"
)

// Family selects the letterbox pad value a model expects when none is
// declared explicitly by the class table sidecar file.
type Family int

const (
	FamilyAnchor Family = iota
	FamilyTransformer
)

// DefaultPad returns the model family's conventional letterbox fill
// value in the [0,1] normalized range: 114/255 for anchor models, 0
// for transformer models.
func DefaultPad(family Family) float32 {
	if family == FamilyTransformer {
		return 0
	}
	return 114.0 / 255.0
}

// Meta is the transform the preprocessor applied, used to invert
// letterboxing when mapping detections back to original coordinates.
type Meta struct {
	Scale  float32
	PadX   float32
	PadY   float32
	WOrig  int
	HOrig  int
}

// Tensor is a 1x3xSxS channel-major float32 buffer, normalized to [0,1].
type Tensor struct {
	Size int // S
	Data []float32
}

// Process resizes+pads img onto an SxS canvas and packs it into a
// channel-major tensor. Deterministic: identical input bytes always
// produce identical tensor bytes.
func Process(img *imagecodec.RGBImage, size int, padValue float32) (*Tensor, Meta, error) {
	scale := math.Min(float64(size)/float64(img.Width), float64(size)/float64(img.Height))
	resizedW := int(math.Round(float64(img.Width) * scale))
	resizedH := int(math.Round(float64(img.Height) * scale))
	if resizedW < 1 {
		resizedW = 1
	}
	if resizedH < 1 {
		resizedH = 1
	}

	src := toNRGBA(img)
	resized := imaging.Resize(src, resizedW, resizedH, imaging.Lanczos)

	padByte := uint8(clamp255(padValue * 255))
	canvas := imaging.New(size, size, color.NRGBA{padByte, padByte, padByte, 255})

	padX := (size - resizedW) / 2
	padY := (size - resizedH) / 2
	canvas = imaging.Paste(canvas, resized, image.Pt(padX, padY))

	tensor := packChannelMajor(canvas, size)

	meta := Meta{
		Scale: float32(scale),
		PadX:  float32(padX),
		PadY:  float32(padY),
		WOrig: img.Width,
		HOrig: img.Height,
	}
	return tensor, meta, nil
}

func clamp255(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return v
}

func toNRGBA(img *imagecodec.RGBImage) *image.NRGBA {
	out := image.NewNRGBA(image.Rect(0, 0, img.Width, img.Height))
	for y := 0; y < img.Height; y++ {
		srcOff := y * img.Width * 3
		dstOff := y * out.Stride
		for x := 0; x < img.Width; x++ {
			si := srcOff + x*3
			di := dstOff + x*4
			out.Pix[di] = img.Pixels[si]
			out.Pix[di+1] = img.Pixels[si+1]
			out.Pix[di+2] = img.Pixels[si+2]
			out.Pix[di+3] = 255
		}
	}
	return out
}

// simdFanout gates the parallel channel-packing fan-out width on a CPU
// feature probe: wider vector units can usefully feed more concurrent
// row workers before memory bandwidth dominates.
func simdFanout() int {
	n := runtime.GOMAXPROCS(0)
	switch {
	case cpu.X86.HasAVX512:
		return n
	case cpu.X86.HasAVX2:
		return n
	case cpu.X86.HasSSE41:
		if n > 4 {
			return 4
		}
		return n
	default:
		if n > 2 {
			return 2
		}
		return n
	}
}

// packChannelMajor fills a 1x3xSxS tensor from an SxS NRGBA canvas,
// normalizing to [0,1] and fanning the row range out across workers.
func packChannelMajor(canvas *image.NRGBA, size int) *Tensor {
	channelSize := size * size
	data := make([]float32, channelSize*3)

	numWorkers := simdFanout()
	if numWorkers < 1 {
		numWorkers = 1
	}
	rowsPerWorker := (size + numWorkers - 1) / numWorkers

	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		startY := w * rowsPerWorker
		endY := startY + rowsPerWorker
		if endY > size {
			endY = size
		}
		if startY >= endY {
			continue
		}
		wg.Add(1)
		go func(startY, endY int) {
			defer wg.Done()
			for y := startY; y < endY; y++ {
				rowOff := y * canvas.Stride
				planeOff := y * size
				for x := 0; x < size; x++ {
					si := rowOff + x*4
					i := planeOff + x
					data[i] = float32(canvas.Pix[si]) / 255.0
					data[channelSize+i] = float32(canvas.Pix[si+1]) / 255.0
					data[channelSize*2+i] = float32(canvas.Pix[si+2]) / 255.0
				}
			}
		}(startY, endY)
	}
	wg.Wait()

	return &Tensor{Size: size, Data: data}
}

// Invert maps a point in the padded SxS model-space back to the
// original image's coordinate frame, clamped to the image bounds.
func Invert(meta Meta, x, y float32) (float32, float32) {
	origX := (x - meta.PadX) / meta.Scale
	origY := (y - meta.PadY) / meta.Scale
	if origX < 0 {
		origX = 0
	}
	if origY < 0 {
		origY = 0
	}
	if origX > float32(meta.WOrig) {
		origX = float32(meta.WOrig)
	}
	if origY > float32(meta.HOrig) {
		origY = float32(meta.HOrig)
	}
	return origX, origY
}
