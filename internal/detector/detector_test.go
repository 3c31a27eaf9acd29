package detector

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blue-onyx/blue-onyx-go/internal/api"
	"github.com/blue-onyx/blue-onyx-go/internal/classtable"
	"github.com/blue-onyx/blue-onyx-go/internal/engine"
)

// fakeSession stands in for the ONNX engine so the pipeline can be
// exercised without a model file or native runtime.
type fakeSession struct {
	family     engine.Family
	inputSize  int
	numClasses int
	outputs    []engine.Output
	err        error
	calls      int
}

func (f *fakeSession) Infer([]float32) ([]engine.Output, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.outputs, nil
}

func (f *fakeSession) Family() engine.Family { return f.family }

func (f *fakeSession) InputSize() int { return f.inputSize }

func (f *fakeSession) NumClasses() int { return f.numClasses }

func (f *fakeSession) ExecutionProvider() string { return "cpu" }

func (f *fakeSession) TransformerOutputIndices() (int, int, int) { return 0, 1, 2 }

func testJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func loadTable(t *testing.T, labels ...string) *classtable.Table {
	t.Helper()
	path := filepath.Join(t.TempDir(), "classes.txt")
	var content string
	for _, l := range labels {
		content += l + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	table, err := classtable.Load(path)
	require.NoError(t, err)
	return table
}

// anchorRow appends one [cx,cy,w,h,obj,p...] row in model-space pixels.
func anchorRow(cx, cy, w, h, obj float32, probs ...float32) []float32 {
	row := []float32{cx, cy, w, h, obj}
	return append(row, probs...)
}

func anchorSession(rows ...[]float32) *fakeSession {
	var data []float32
	for _, r := range rows {
		data = append(data, r...)
	}
	numClasses := len(rows[0]) - 5
	return &fakeSession{
		family:     engine.FamilyAnchor,
		inputSize:  64,
		numClasses: numClasses,
		outputs: []engine.Output{{
			Name:  "output0",
			Shape: []int64{1, int64(len(rows)), int64(len(rows[0]))},
			Data:  data,
		}},
	}
}

func TestDetectAnchorHappyPath(t *testing.T) {
	session := anchorSession(
		anchorRow(32, 32, 16, 16, 0.9, 0.05, 0.95, 0.0),
	)
	det, err := New(session, loadTable(t, "person", "dog", "car"), Config{ConfidenceThreshold: 0.5}, zerolog.Nop())
	require.NoError(t, err)

	result, err := det.Detect(testJPEG(t, 64, 64), "test.jpg", nil)
	require.NoError(t, err)
	require.Len(t, result.Detections, 1)

	d := result.Detections[0]
	assert.Equal(t, "dog", d.Label)
	assert.InDelta(t, 0.9*0.95, float64(d.Confidence), 0.001)
	assert.GreaterOrEqual(t, d.Box.X1, float32(0))
	assert.Less(t, d.Box.X1, d.Box.X2)
	assert.LessOrEqual(t, d.Box.X2, float32(64))
	assert.GreaterOrEqual(t, d.Box.Y1, float32(0))
	assert.Less(t, d.Box.Y1, d.Box.Y2)
	assert.LessOrEqual(t, d.Box.Y2, float32(64))

	assert.Greater(t, result.Timings.Process, result.Timings.Inference)
}

func TestDetectBoxesStayInsideNonSquareImage(t *testing.T) {
	// A 128x64 original letterboxes into the 64x64 model space with
	// vertical padding; boxes near the canvas edge must clamp back
	// inside the original frame.
	session := anchorSession(
		anchorRow(2, 2, 8, 8, 0.9, 0.9),     // entirely inside the top padding
		anchorRow(32, 30, 16, 16, 0.9, 0.9), // inside the content region
	)
	det, err := New(session, loadTable(t, "person"), Config{ConfidenceThreshold: 0.5}, zerolog.Nop())
	require.NoError(t, err)

	result, err := det.Detect(testJPEG(t, 128, 64), "wide.jpg", nil)
	require.NoError(t, err)
	// The padding-only row collapses on inversion, so only the
	// content-region row survives.
	require.Len(t, result.Detections, 1)
	for _, d := range result.Detections {
		assert.GreaterOrEqual(t, d.Box.X1, float32(0))
		assert.Less(t, d.Box.X1, d.Box.X2)
		assert.LessOrEqual(t, d.Box.X2, float32(128))
		assert.GreaterOrEqual(t, d.Box.Y1, float32(0))
		assert.Less(t, d.Box.Y1, d.Box.Y2)
		assert.LessOrEqual(t, d.Box.Y2, float32(64))
	}
}

func TestDetectConfidenceOverrideRaisesThreshold(t *testing.T) {
	session := anchorSession(
		anchorRow(32, 32, 16, 16, 0.9, 0.9),
	)
	det, err := New(session, loadTable(t, "person"), Config{ConfidenceThreshold: 0.5}, zerolog.Nop())
	require.NoError(t, err)

	override := float32(0.99)
	result, err := det.Detect(testJPEG(t, 64, 64), "test.jpg", &override)
	require.NoError(t, err)
	assert.Empty(t, result.Detections)
	assert.True(t, result.OverrideApplied)
	assert.Equal(t, float32(0.99), result.EffectiveThreshold)
}

func TestDetectOverrideBelowConfiguredThresholdIsIgnored(t *testing.T) {
	session := anchorSession(
		anchorRow(32, 32, 16, 16, 0.6, 0.6), // confidence 0.36
	)
	det, err := New(session, loadTable(t, "person"), Config{ConfidenceThreshold: 0.5}, zerolog.Nop())
	require.NoError(t, err)

	// The effective threshold is max(configured, override).
	override := float32(0.1)
	result, err := det.Detect(testJPEG(t, 64, 64), "test.jpg", &override)
	require.NoError(t, err)
	assert.Empty(t, result.Detections)
	assert.False(t, result.OverrideApplied)
	assert.Equal(t, float32(0.5), result.EffectiveThreshold)
}

func TestDetectObjectFilter(t *testing.T) {
	session := anchorSession(
		anchorRow(16, 16, 8, 8, 0.9, 0.95, 0.05),
		anchorRow(48, 48, 8, 8, 0.9, 0.05, 0.95),
	)
	det, err := New(session, loadTable(t, "person", "dog"), Config{
		ConfidenceThreshold: 0.5,
		ObjectFilter:        []string{"dog"},
	}, zerolog.Nop())
	require.NoError(t, err)

	result, err := det.Detect(testJPEG(t, 64, 64), "test.jpg", nil)
	require.NoError(t, err)
	require.Len(t, result.Detections, 1)
	assert.Equal(t, "dog", result.Detections[0].Label)
}

func TestDetectTransformerFamily(t *testing.T) {
	// Two queries: one above threshold, one below.
	session := &fakeSession{
		family:    engine.FamilyTransformer,
		inputSize: 64,
		outputs: []engine.Output{
			{Name: "labels", Shape: []int64{1, 2}, Data: []float32{1, 0}},
			{Name: "boxes", Shape: []int64{1, 2, 4}, Data: []float32{
				0.5, 0.5, 0.25, 0.25,
				0.2, 0.2, 0.1, 0.1,
			}},
			{Name: "scores", Shape: []int64{1, 2}, Data: []float32{0.8, 0.3}},
		},
	}
	det, err := New(session, loadTable(t, "person", "dog"), Config{ConfidenceThreshold: 0.5}, zerolog.Nop())
	require.NoError(t, err)

	result, err := det.Detect(testJPEG(t, 64, 64), "test.jpg", nil)
	require.NoError(t, err)
	require.Len(t, result.Detections, 1)
	assert.Equal(t, "dog", result.Detections[0].Label)
	assert.Equal(t, float32(0.8), result.Detections[0].Confidence)
}

func TestDetectMalformedImageReportsPartialTimings(t *testing.T) {
	session := anchorSession(anchorRow(32, 32, 16, 16, 0.9, 0.9))
	det, err := New(session, loadTable(t, "person"), Config{ConfidenceThreshold: 0.5}, zerolog.Nop())
	require.NoError(t, err)

	result, err := det.Detect([]byte("not-a-jpeg"), "bad.jpg", nil)
	require.Error(t, err)
	assert.Equal(t, api.KindUnsupportedFormat, api.AsError(err).Kind)
	assert.Zero(t, result.Timings.Inference)
	assert.NotZero(t, result.Timings.Process)
	assert.Zero(t, session.calls)
}

func TestDetectInferenceFailure(t *testing.T) {
	session := anchorSession(anchorRow(32, 32, 16, 16, 0.9, 0.9))
	session.err = fmt.Errorf("session run failed")
	det, err := New(session, loadTable(t, "person"), Config{ConfidenceThreshold: 0.5}, zerolog.Nop())
	require.NoError(t, err)

	result, err := det.Detect(testJPEG(t, 64, 64), "test.jpg", nil)
	require.Error(t, err)
	assert.Equal(t, api.KindInferenceFailure, api.AsError(err).Kind)
	assert.NotZero(t, result.Timings.Decode)
	assert.NotZero(t, result.Timings.Resize)
}

func TestNewRejectsClassCountMismatch(t *testing.T) {
	session := anchorSession(anchorRow(32, 32, 16, 16, 0.9, 0.9, 0.1, 0.0)) // 3 classes
	_, err := New(session, loadTable(t, "person"), Config{ConfidenceThreshold: 0.5}, zerolog.Nop())
	require.Error(t, err)
	assert.Equal(t, api.KindStartupFailure, api.AsError(err).Kind)
}

func TestWarmupAndMinProcessingTime(t *testing.T) {
	session := anchorSession(anchorRow(32, 32, 16, 16, 0.9, 0.9))
	det, err := New(session, loadTable(t, "person"), Config{ConfidenceThreshold: 0.5}, zerolog.Nop())
	require.NoError(t, err)

	sample := testJPEG(t, 64, 64)
	require.NoError(t, det.Warmup(sample))

	min, err := det.MinProcessingTime(sample)
	require.NoError(t, err)
	assert.Greater(t, min.Nanoseconds(), int64(0))
	assert.Equal(t, 4, session.calls) // 1 warmup + 3 measurement rounds
}

func TestDetectSavesAnnotatedImages(t *testing.T) {
	dir := t.TempDir()
	session := anchorSession(anchorRow(32, 32, 16, 16, 0.9, 0.9))
	det, err := New(session, loadTable(t, "person"), Config{
		ConfidenceThreshold: 0.5,
		SaveImagePath:       dir,
		SaveRefImage:        true,
	}, zerolog.Nop())
	require.NoError(t, err)

	_, err = det.Detect(testJPEG(t, 64, 64), "frame.jpg", nil)
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(dir, "frame.jpg"))
	assert.FileExists(t, filepath.Join(dir, "frame-ref.jpg"))
}
