package postprocess

import (
	"fmt"

	"github.com/blue-onyx/blue-onyx-go/internal/engine"
	"github.com/blue-onyx/blue-onyx-go/internal/preprocess"
)

// Transformer decodes a transformer-style model's three outputs
// (labels, boxes, scores). No NMS is applied; the model has already
// deduplicated its own queries.
func Transformer(
	outputs []engine.Output,
	labelsIdx, boxesIdx, scoresIdx int,
	meta preprocess.Meta,
	inputSize int,
	threshold float32,
	labelOf func(classID int) string,
	filter []bool,
) ([]Detection, error) {
	if labelsIdx >= len(outputs) || boxesIdx >= len(outputs) || scoresIdx >= len(outputs) {
		return nil, fmt.Errorf("transformer output index out of range (have %d outputs)", len(outputs))
	}
	labels := outputs[labelsIdx].Data
	boxes := outputs[boxesIdx].Data
	scores := outputs[scoresIdx].Data

	n := len(scores)
	if len(labels) != n || len(boxes) != n*4 {
		return nil, fmt.Errorf("transformer output size mismatch: labels=%d boxes=%d scores=%d", len(labels), len(boxes), n)
	}

	result := make([]Detection, 0, n)
	s := float32(inputSize)
	for i := 0; i < n; i++ {
		score := scores[i]
		if score < threshold {
			continue
		}
		classID := int(labels[i])
		if filter != nil && (classID < 0 || classID >= len(filter) || !filter[classID]) {
			continue
		}

		cx, cy, w, h := boxes[i*4]*s, boxes[i*4+1]*s, boxes[i*4+2]*s, boxes[i*4+3]*s
		x1, y1 := cx-w/2, cy-h/2
		x2, y2 := cx+w/2, cy+h/2

		ox1, oy1 := preprocess.Invert(meta, x1, y1)
		ox2, oy2 := preprocess.Invert(meta, x2, y2)
		if ox2 <= ox1 || oy2 <= oy1 {
			// Box collapsed into the letterbox padding.
			continue
		}

		result = append(result, Detection{
			Label:      labelOf(classID),
			ClassID:    classID,
			Confidence: score,
			Box:        Box{X1: ox1, Y1: oy1, X2: ox2, Y2: oy2},
		})
	}
	return result, nil
}
