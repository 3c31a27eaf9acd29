package postprocess

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blue-onyx/blue-onyx-go/internal/engine"
	"github.com/blue-onyx/blue-onyx-go/internal/preprocess"
)

var testLabels = []string{"person", "dog", "car"}

func labelOf(classID int) string {
	if classID < 0 || classID >= len(testLabels) {
		return ""
	}
	return testLabels[classID]
}

// identityMeta is a 640x640 image into a 640 model space: no scaling,
// no padding, so model coordinates equal image coordinates.
var identityMeta = preprocess.Meta{Scale: 1, PadX: 0, PadY: 0, WOrig: 640, HOrig: 640}

func anchorOutput(rows ...[]float32) engine.Output {
	var data []float32
	for _, r := range rows {
		data = append(data, r...)
	}
	return engine.Output{
		Name:  "output0",
		Shape: []int64{1, int64(len(rows)), int64(len(rows[0]))},
		Data:  data,
	}
}

func TestAnchorDecodesArgmaxAndObjectness(t *testing.T) {
	out := anchorOutput(
		[]float32{100, 100, 40, 40, 0.9, 0.1, 0.8, 0.1}, // dog, conf 0.72
		[]float32{300, 300, 40, 40, 0.5, 0.9, 0.1, 0.0}, // person, conf 0.45, below threshold
	)
	dets, err := Anchor(out, 3, identityMeta, 0.5, labelOf, nil)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, "dog", dets[0].Label)
	assert.InDelta(t, 0.72, float64(dets[0].Confidence), 0.001)
	assert.InDelta(t, 80, float64(dets[0].Box.X1), 0.5)
	assert.InDelta(t, 120, float64(dets[0].Box.X2), 0.5)
}

func TestAnchorAppliesNMSWithinClass(t *testing.T) {
	out := anchorOutput(
		[]float32{100, 100, 40, 40, 0.9, 0.0, 0.9, 0.0},
		[]float32{102, 102, 40, 40, 0.8, 0.0, 0.9, 0.0}, // overlaps the first, same class
	)
	dets, err := Anchor(out, 3, identityMeta, 0.5, labelOf, nil)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.InDelta(t, 0.81, float64(dets[0].Confidence), 0.001)
}

func TestAnchorSuppressesAtExactIoUThreshold(t *testing.T) {
	// The decoded boxes are (0,0,29,29) and (11,0,40,29): 29x29
	// squares overlapping 18x29, IoU = 522/1160 = 0.45 exactly. The
	// inclusive boundary drops the lower-confidence box.
	out := anchorOutput(
		[]float32{14.5, 14.5, 29, 29, 0.9, 0.0, 0.9, 0.0},
		[]float32{25.5, 14.5, 29, 29, 0.8, 0.0, 0.9, 0.0},
	)
	dets, err := Anchor(out, 3, identityMeta, 0.5, labelOf, nil)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.InDelta(t, 0.81, float64(dets[0].Confidence), 0.001)
	assert.Equal(t, float32(0), dets[0].Box.X1)
}

func TestAnchorAppliesFilter(t *testing.T) {
	out := anchorOutput(
		[]float32{100, 100, 40, 40, 0.9, 0.9, 0.0, 0.0}, // person
		[]float32{300, 300, 40, 40, 0.9, 0.0, 0.9, 0.0}, // dog
	)
	filter := []bool{false, true, false} // dog only
	dets, err := Anchor(out, 3, identityMeta, 0.5, labelOf, filter)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, "dog", dets[0].Label)
}

func TestAnchorInvertsLetterbox(t *testing.T) {
	// 1280x640 image letterboxed into 640: scale 0.5, padY 160.
	meta := preprocess.Meta{Scale: 0.5, PadX: 0, PadY: 160, WOrig: 1280, HOrig: 640}
	out := anchorOutput(
		[]float32{320, 320, 100, 100, 0.9, 0.0, 0.9, 0.0},
	)
	dets, err := Anchor(out, 3, meta, 0.5, labelOf, nil)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	// Model-space box (270..370, 270..370) maps to ((270-0)/0.5, (270-160)/0.5).
	assert.InDelta(t, 540, float64(dets[0].Box.X1), 0.5)
	assert.InDelta(t, 740, float64(dets[0].Box.X2), 0.5)
	assert.InDelta(t, 220, float64(dets[0].Box.Y1), 0.5)
	assert.InDelta(t, 420, float64(dets[0].Box.Y2), 0.5)
}

func TestAnchorDropsPaddingCollapsedBoxes(t *testing.T) {
	meta := preprocess.Meta{Scale: 0.5, PadX: 0, PadY: 160, WOrig: 1280, HOrig: 640}
	out := anchorOutput(
		[]float32{320, 80, 40, 40, 0.9, 0.0, 0.9, 0.0}, // entirely in the top padding
	)
	dets, err := Anchor(out, 3, meta, 0.5, labelOf, nil)
	require.NoError(t, err)
	assert.Empty(t, dets)
}

func TestAnchorRejectsMisalignedOutput(t *testing.T) {
	out := engine.Output{Name: "output0", Shape: []int64{1, 1, 7}, Data: make([]float32, 7)}
	_, err := Anchor(out, 3, identityMeta, 0.5, labelOf, nil)
	assert.Error(t, err)
}

func TestTransformerDecodesNormalizedBoxes(t *testing.T) {
	outputs := []engine.Output{
		{Name: "labels", Shape: []int64{1, 2}, Data: []float32{2, 0}},
		{Name: "boxes", Shape: []int64{1, 2, 4}, Data: []float32{
			0.5, 0.5, 0.25, 0.25,
			0.1, 0.1, 0.05, 0.05,
		}},
		{Name: "scores", Shape: []int64{1, 2}, Data: []float32{0.9, 0.4}},
	}
	dets, err := Transformer(outputs, 0, 1, 2, identityMeta, 640, 0.5, labelOf, nil)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, "car", dets[0].Label)
	assert.Equal(t, float32(0.9), dets[0].Confidence)
	assert.InDelta(t, 240, float64(dets[0].Box.X1), 0.5)
	assert.InDelta(t, 400, float64(dets[0].Box.X2), 0.5)
}

func TestTransformerRejectsSizeMismatch(t *testing.T) {
	outputs := []engine.Output{
		{Name: "labels", Shape: []int64{1, 2}, Data: []float32{0, 1}},
		{Name: "boxes", Shape: []int64{1, 1, 4}, Data: []float32{0.5, 0.5, 0.2, 0.2}},
		{Name: "scores", Shape: []int64{1, 2}, Data: []float32{0.9, 0.8}},
	}
	_, err := Transformer(outputs, 0, 1, 2, identityMeta, 640, 0.5, labelOf, nil)
	assert.Error(t, err)

	_, err = Transformer(outputs[:2], 0, 1, 2, identityMeta, 640, 0.5, labelOf, nil)
	assert.Error(t, err)
}
