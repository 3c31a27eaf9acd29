// Package postprocess turns raw model output tensors into detections
// in original-image coordinates, dispatching on the model family the
// engine probed at load time.
package postprocess

// Box is an axis-aligned bounding box in original-image pixel coordinates.
type Box struct {
	X1, Y1, X2, Y2 float32
}

// Detection is one filtered, coordinate-mapped model output.
type Detection struct {
	Label      string
	ClassID    int
	Confidence float32
	Box        Box
}

// IoU computes intersection-over-union between two boxes.
func (b Box) IoU(other Box) float32 {
	x1 := max32(b.X1, other.X1)
	y1 := max32(b.Y1, other.Y1)
	x2 := min32(b.X2, other.X2)
	y2 := min32(b.Y2, other.Y2)

	if x2 <= x1 || y2 <= y1 {
		return 0
	}
	intersection := (x2 - x1) * (y2 - y1)
	area1 := (b.X2 - b.X1) * (b.Y2 - b.Y1)
	area2 := (other.X2 - other.X1) * (other.Y2 - other.Y1)
	union := area1 + area2 - intersection
	if union <= 0 {
		return 0
	}
	return intersection / union
}

func max32(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}

func min32(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}
