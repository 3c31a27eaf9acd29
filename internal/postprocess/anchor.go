package postprocess

import (
	"fmt"

	"github.com/blue-onyx/blue-onyx-go/internal/engine"
	"github.com/blue-onyx/blue-onyx-go/internal/preprocess"
)

const defaultIoUThreshold = 0.45

// Anchor decodes an anchor-based model's single [1,K,5+C] output:
// for each of the K rows [cx,cy,w,h,obj,p0..pC-1], class_id =
// argmax(p), confidence = obj*p[class_id]. Rows below threshold are
// discarded before the class-aware greedy NMS runs.
func Anchor(
	output engine.Output,
	numClasses int,
	meta preprocess.Meta,
	threshold float32,
	labelOf func(classID int) string,
	filter []bool,
) ([]Detection, error) {
	step := 5 + numClasses
	if len(output.Data)%step != 0 {
		return nil, fmt.Errorf("anchor output length %d not divisible by row width %d", len(output.Data), step)
	}
	k := len(output.Data) / step

	candidates := make([]Detection, 0, 64)
	for i := 0; i < k; i++ {
		row := output.Data[i*step : (i+1)*step]
		obj := row[4]
		classID, classScore := argmax(row[5:])
		confidence := obj * classScore
		if confidence < threshold {
			continue
		}
		if filter != nil && (classID < 0 || classID >= len(filter) || !filter[classID]) {
			continue
		}

		cx, cy, w, h := row[0], row[1], row[2], row[3]
		x1, y1 := cx-w/2, cy-h/2
		x2, y2 := cx+w/2, cy+h/2

		ox1, oy1 := preprocess.Invert(meta, x1, y1)
		ox2, oy2 := preprocess.Invert(meta, x2, y2)
		if ox2 <= ox1 || oy2 <= oy1 {
			// Box collapsed into the letterbox padding.
			continue
		}

		candidates = append(candidates, Detection{
			Label:      labelOf(classID),
			ClassID:    classID,
			Confidence: confidence,
			Box:        Box{X1: ox1, Y1: oy1, X2: ox2, Y2: oy2},
		})
	}

	return NMS(candidates, defaultIoUThreshold), nil
}

func argmax(scores []float32) (int, float32) {
	bestIdx := 0
	bestVal := float32(-1)
	for i, v := range scores {
		if v > bestVal {
			bestVal = v
			bestIdx = i
		}
	}
	return bestIdx, bestVal
}
