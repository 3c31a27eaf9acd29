// Package detector composes codec, preprocessor, inference engine and
// postprocessor into the synchronous "do one frame" unit of work. Not
// thread-safe: the worker loop is the only caller.
package detector

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/blue-onyx/blue-onyx-go/internal/api"
	"github.com/blue-onyx/blue-onyx-go/internal/classtable"
	"github.com/blue-onyx/blue-onyx-go/internal/drawing"
	"github.com/blue-onyx/blue-onyx-go/internal/engine"
	"github.com/blue-onyx/blue-onyx-go/internal/imagecodec"
	"github.com/blue-onyx/blue-onyx-go/internal/postprocess"
	"github.com/blue-onyx/blue-onyx-go/internal/preprocess"
)

// Session is the slice of the engine the detector drives. Satisfied by
// *engine.Engine; test doubles stand in for it without an ONNX runtime.
type Session interface {
	Infer(tensorData []float32) ([]engine.Output, error)
	Family() engine.Family
	InputSize() int
	NumClasses() int
	ExecutionProvider() string
	TransformerOutputIndices() (labels, boxes, scores int)
}

// Config is the detector's slice of the effective server configuration.
type Config struct {
	ConfidenceThreshold float32
	ObjectFilter        []string
	SaveImagePath       string
	SaveRefImage        bool
}

// Timings carries the per-stage durations for one frame. Partial on
// failure: stages that never ran stay zero.
type Timings struct {
	Decode    time.Duration
	Resize    time.Duration
	Inference time.Duration
	Process   time.Duration
}

// Result is one processed frame.
type Result struct {
	Detections         []postprocess.Detection
	Timings            Timings
	EffectiveThreshold float32
	// OverrideApplied is true when the per-request min_confidence
	// changed the effective threshold, surfaced in the response message.
	OverrideApplied bool
}

// Detector owns the pipeline state fixed at startup: the session, the
// class table, the filter vector and the letterbox pad value.
type Detector struct {
	session   Session
	classes   *classtable.Table
	filter    []bool
	threshold float32
	padValue  float32

	saveImagePath string
	saveRefImage  bool

	log zerolog.Logger
}

// New wires a detector. For anchor models the class table is verified
// against the model's output head; a mismatch is a startup failure.
func New(session Session, classes *classtable.Table, cfg Config, log zerolog.Logger) (*Detector, error) {
	if session.Family() == engine.FamilyAnchor {
		if err := classes.VerifyCount(session.NumClasses()); err != nil {
			return nil, api.Wrap(api.KindStartupFailure, "class table does not match model", err)
		}
	}

	family := preprocess.FamilyAnchor
	if session.Family() == engine.FamilyTransformer {
		family = preprocess.FamilyTransformer
	}
	padValue := preprocess.DefaultPad(family)
	if v, ok := classes.PadValue(); ok {
		padValue = v
	}

	return &Detector{
		session:       session,
		classes:       classes,
		filter:        classes.FilterSet(cfg.ObjectFilter),
		threshold:     cfg.ConfidenceThreshold,
		padValue:      padValue,
		saveImagePath: cfg.SaveImagePath,
		saveRefImage:  cfg.SaveRefImage,
		log:           log,
	}, nil
}

// ExecutionProvider reports the session's active provider.
func (d *Detector) ExecutionProvider() string { return d.session.ExecutionProvider() }

// InputSize reports the model's S for its SxS input.
func (d *Detector) InputSize() int { return d.session.InputSize() }

// Detect runs the full pipeline on one JPEG frame. minConfidence is
// the per-request override; the effective threshold is the max of the
// override and the configured threshold. The returned Result carries
// whatever timings accumulated before a failure.
func (d *Detector) Detect(imageBytes []byte, imageName string, minConfidence *float32) (Result, error) {
	var result Result
	processStart := time.Now()

	result.EffectiveThreshold = d.threshold
	if minConfidence != nil && *minConfidence > d.threshold {
		result.EffectiveThreshold = *minConfidence
		result.OverrideApplied = true
	}

	decodeStart := time.Now()
	img, err := imagecodec.Decode(imageBytes)
	result.Timings.Decode = time.Since(decodeStart)
	if err != nil {
		result.Timings.Process = time.Since(processStart)
		return result, err
	}

	resizeStart := time.Now()
	tensor, meta, err := preprocess.Process(img, d.session.InputSize(), d.padValue)
	result.Timings.Resize = time.Since(resizeStart)
	if err != nil {
		result.Timings.Process = time.Since(processStart)
		return result, api.Wrap(api.KindInferenceFailure, "preprocess failed", err)
	}

	inferStart := time.Now()
	outputs, err := d.session.Infer(tensor.Data)
	result.Timings.Inference = time.Since(inferStart)
	if err != nil {
		result.Timings.Process = time.Since(processStart)
		return result, api.Wrap(api.KindInferenceFailure, "inference failed", err)
	}

	detections, err := d.postprocess(outputs, meta, result.EffectiveThreshold)
	result.Timings.Process = time.Since(processStart)
	if err != nil {
		return result, api.Wrap(api.KindInferenceFailure, "postprocess failed", err)
	}
	result.Detections = detections

	if d.saveImagePath != "" {
		var refBytes []byte
		if d.saveRefImage {
			refBytes = imageBytes
		}
		if err := drawing.SaveAnnotated(d.saveImagePath, imageName, img, detections, refBytes); err != nil {
			d.log.Warn().Err(err).Str("image", imageName).Msg("failed to save debug image")
		}
	}

	return result, nil
}

func (d *Detector) postprocess(outputs []engine.Output, meta preprocess.Meta, threshold float32) ([]postprocess.Detection, error) {
	switch d.session.Family() {
	case engine.FamilyTransformer:
		labelsIdx, boxesIdx, scoresIdx := d.session.TransformerOutputIndices()
		return postprocess.Transformer(outputs, labelsIdx, boxesIdx, scoresIdx, meta,
			d.session.InputSize(), threshold, d.classes.Label, d.filter)
	case engine.FamilyAnchor:
		if len(outputs) != 1 {
			return nil, fmt.Errorf("anchor model produced %d outputs, want 1", len(outputs))
		}
		return postprocess.Anchor(outputs[0], d.session.NumClasses(), meta, threshold,
			d.classes.Label, d.filter)
	default:
		return nil, fmt.Errorf("unknown model family %v", d.session.Family())
	}
}

// Warmup runs one inference against the bundled sample frame so the
// first real request doesn't pay cold-start cost, and so a broken
// model/class-table pairing fails at startup instead of on request 1.
func (d *Detector) Warmup(sampleJPEG []byte) error {
	start := time.Now()
	if _, err := d.Detect(sampleJPEG, "warmup.jpg", nil); err != nil {
		return api.Wrap(api.KindStartupFailure, "warmup inference failed", err)
	}
	d.log.Info().Dur("duration", time.Since(start)).Msg("detector warmup complete")
	return nil
}

// MinProcessingTime runs a few warm inferences against the sample
// frame and returns the fastest, used to derive the default worker
// queue size from the request timeout.
func (d *Detector) MinProcessingTime(sampleJPEG []byte) (time.Duration, error) {
	const rounds = 3
	min := time.Duration(0)
	for i := 0; i < rounds; i++ {
		start := time.Now()
		if _, err := d.Detect(sampleJPEG, "warmup.jpg", nil); err != nil {
			return 0, err
		}
		elapsed := time.Since(start)
		if min == 0 || elapsed < min {
			min = elapsed
		}
	}
	d.log.Info().Dur("min_processing_time", min).Msg("measured minimum processing time")
	return min, nil
}
