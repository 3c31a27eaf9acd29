// Package engine wraps the ONNX Runtime session: execution-provider
// selection, thread configuration, and the single fixed-shape
// input/output tensor pair the worker loop reuses across requests.
package engine

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/rs/zerolog"
)

// Family is the model's output head shape, probed once at session
// construction and fixed for the process lifetime.
type Family int

const (
	FamilyAnchor Family = iota
	FamilyTransformer
)

func (f Family) String() string {
	if f == FamilyTransformer {
		return "transformer"
	}
	return "anchor"
}

// Config is the subset of the effective server configuration the
// engine needs to build a session.
type Config struct {
	ModelPath      string
	LibraryPath    string // optional; empty uses the platform default search path
	ForceCPU       bool
	GPUIndex       int
	IntraOpThreads int
	InterOpThreads int
}

// Output is one named model output tensor, flattened row-major.
type Output struct {
	Name  string
	Shape []int64
	Data  []float32
}

// Engine owns a single ONNX Runtime session plus its fixed-shape
// tensor pair. Not safe for concurrent Infer calls; the worker loop
// is the only caller, by construction.
type Engine struct {
	session  *ort.DynamicAdvancedSession
	input    *ort.Tensor[float32]
	outputs  []*ort.Tensor[float32]
	outNames []string

	family            Family
	executionProvider string
	inputSize         int
	numClasses        int // C, for anchor models; 0 for transformer models

	// Output role indices for transformer models, into the Output
	// slice Infer returns. Unused (zero) for anchor models, which have
	// exactly one output.
	labelsIdx int
	boxesIdx  int
	scoresIdx int
}

var envOnce sync.Once
var envErr error

func initEnvironment(libraryPath string) error {
	envOnce.Do(func() {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		envErr = ort.InitializeEnvironment()
	})
	return envErr
}

// New loads the model at cfg.ModelPath, probes its input/output
// tensors to classify it as transformer or anchor-based, and builds a
// session with the requested execution provider. A requested GPU
// provider that fails to initialize falls back to CPU rather than
// failing startup; the caller should log ExecutionProvider() after
// New returns to surface that fallback.
func New(cfg Config, log zerolog.Logger) (*Engine, error) {
	if err := initEnvironment(cfg.LibraryPath); err != nil {
		return nil, fmt.Errorf("initialize onnxruntime environment: %w", err)
	}

	inputInfo, outputInfo, err := ort.GetInputOutputInfo(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("probe model %q: %w", cfg.ModelPath, err)
	}
	if len(inputInfo) != 1 {
		return nil, fmt.Errorf("model %q has %d inputs, want 1", cfg.ModelPath, len(inputInfo))
	}

	inputSize, err := squareInputSize(inputInfo[0].Dimensions)
	if err != nil {
		return nil, fmt.Errorf("model %q: %w", cfg.ModelPath, err)
	}

	family, numClasses, roles, err := classifyFamily(outputInfo)
	if err != nil {
		return nil, fmt.Errorf("model %q: %w", cfg.ModelPath, err)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("create session options: %w", err)
	}
	defer options.Destroy()

	intraThreads := cfg.IntraOpThreads
	if intraThreads <= 0 {
		intraThreads = runtime.NumCPU()
	}
	interThreads := cfg.InterOpThreads
	if interThreads <= 0 {
		interThreads = 1
	}
	options.SetIntraOpNumThreads(intraThreads)
	options.SetInterOpNumThreads(interThreads)

	executionProvider := "cpu"
	if !cfg.ForceCPU {
		if err := appendCUDAProvider(options, cfg.GPUIndex); err != nil {
			log.Warn().Err(err).Int("gpu_index", cfg.GPUIndex).Msg("CUDA execution provider unavailable, falling back to CPU")
		} else {
			executionProvider = "cuda"
		}
	}

	inputNames := make([]string, len(inputInfo))
	for i, info := range inputInfo {
		inputNames[i] = info.Name
	}
	outputNames := make([]string, len(outputInfo))
	for i, info := range outputInfo {
		outputNames[i] = info.Name
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath, inputNames, outputNames, options)
	if err != nil {
		return nil, fmt.Errorf("create session for %q: %w", cfg.ModelPath, err)
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, int64(inputSize), int64(inputSize)))
	if err != nil {
		session.Destroy()
		return nil, fmt.Errorf("allocate input tensor: %w", err)
	}

	outputTensors := make([]*ort.Tensor[float32], len(outputInfo))
	for i, info := range outputInfo {
		shape := resolveOutputShape(info.Dimensions)
		t, err := ort.NewEmptyTensor[float32](shape)
		if err != nil {
			inputTensor.Destroy()
			for _, prior := range outputTensors[:i] {
				prior.Destroy()
			}
			return nil, fmt.Errorf("allocate output tensor %q: %w", info.Name, err)
		}
		outputTensors[i] = t
	}

	e := &Engine{
		session:           session,
		input:             inputTensor,
		outputs:           outputTensors,
		outNames:          outputNames,
		family:            family,
		executionProvider: executionProvider,
		inputSize:         inputSize,
		numClasses:        numClasses,
	}
	if roles != nil {
		e.labelsIdx, e.boxesIdx, e.scoresIdx = roles[0], roles[1], roles[2]
	}
	return e, nil
}

// Close releases the session and its tensors.
func (e *Engine) Close() {
	if e.session != nil {
		e.session.Destroy()
	}
	if e.input != nil {
		e.input.Destroy()
	}
	for _, t := range e.outputs {
		if t != nil {
			t.Destroy()
		}
	}
}

// Family returns the probed model family.
func (e *Engine) Family() Family { return e.family }

// ExecutionProvider returns the provider actually in use ("cpu" or
// "cuda"), after any GPU-unavailable fallback.
func (e *Engine) ExecutionProvider() string { return e.executionProvider }

// InputSize returns S for the model's fixed S×S input.
func (e *Engine) InputSize() int { return e.inputSize }

// NumClasses returns the anchor-model per-box class count (5+C output
// width minus 5); 0 for transformer models, which carry labels in a
// separate output instead.
func (e *Engine) NumClasses() int { return e.numClasses }

// TransformerOutputIndices returns the Output-slice indices of the
// labels, boxes, and scores outputs respectively. Only meaningful when
// Family() == FamilyTransformer.
func (e *Engine) TransformerOutputIndices() (labels, boxes, scores int) {
	return e.labelsIdx, e.boxesIdx, e.scoresIdx
}

// Infer copies tensorData into the input tensor, runs the session,
// and returns a snapshot of every output tensor's data. tensorData
// must be exactly 3*S*S floats, channel-major.
func (e *Engine) Infer(tensorData []float32) ([]Output, error) {
	dst := e.input.GetData()
	if len(tensorData) != len(dst) {
		return nil, fmt.Errorf("input tensor size mismatch: got %d floats, want %d", len(tensorData), len(dst))
	}
	copy(dst, tensorData)

	inputs := []ort.Value{e.input}
	outputs := make([]ort.Value, len(e.outputs))
	for i, t := range e.outputs {
		outputs[i] = t
	}
	if err := e.session.Run(inputs, outputs); err != nil {
		return nil, fmt.Errorf("session run: %w", err)
	}

	results := make([]Output, len(e.outputs))
	for i, t := range e.outputs {
		data := t.GetData()
		snapshot := make([]float32, len(data))
		copy(snapshot, data)
		results[i] = Output{Name: e.outNames[i], Shape: t.GetShape(), Data: snapshot}
	}
	return results, nil
}

func appendCUDAProvider(options *ort.SessionOptions, gpuIndex int) error {
	cudaOptions, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return err
	}
	defer cudaOptions.Destroy()
	if err := cudaOptions.Update(map[string]string{"device_id": strconv.Itoa(gpuIndex)}); err != nil {
		return err
	}
	return options.AppendExecutionProviderCUDA(cudaOptions)
}

func squareInputSize(dims []int64) (int, error) {
	if len(dims) != 4 {
		return 0, fmt.Errorf("input has rank %d, want 4 (NCHW)", len(dims))
	}
	h, w := dims[2], dims[3]
	if h <= 0 || w <= 0 {
		return 0, fmt.Errorf("input spatial dims are dynamic (%d,%d), a fixed model is required", h, w)
	}
	if h != w {
		return 0, fmt.Errorf("input is %dx%d, only square inputs are supported", w, h)
	}
	return int(h), nil
}

// classifyFamily reads the model family off the output head shapes:
// three outputs shaped [1,N]/[1,N,4]/[1,N] means transformer-style
// (labels, boxes, scores); one output shaped [1,K,5+C] means
// anchor-based. For the
// transformer case it also identifies which output index plays which
// role, returned as [labelsIdx, boxesIdx, scoresIdx].
func classifyFamily(outputs []ort.InputOutputInfo) (Family, int, []int, error) {
	switch len(outputs) {
	case 3:
		boxesIdx := -1
		for i, o := range outputs {
			if len(o.Dimensions) == 3 && o.Dimensions[2] == 4 {
				boxesIdx = i
				break
			}
		}
		if boxesIdx == -1 {
			return 0, 0, nil, fmt.Errorf("3-output model has no rank-3 [1,N,4] boxes output")
		}
		var remaining []int
		for i := range outputs {
			if i != boxesIdx {
				remaining = append(remaining, i)
			}
		}
		labelsIdx, scoresIdx := remaining[0], remaining[1]
		for _, i := range remaining {
			name := strings.ToLower(outputs[i].Name)
			if strings.Contains(name, "score") {
				scoresIdx = i
			} else if strings.Contains(name, "label") {
				labelsIdx = i
			}
		}
		return FamilyTransformer, 0, []int{labelsIdx, boxesIdx, scoresIdx}, nil
	case 1:
		dims := outputs[0].Dimensions
		if len(dims) != 3 || dims[2] < 6 {
			return 0, 0, nil, fmt.Errorf("single-output model has shape %v, want [1,K,5+C]", dims)
		}
		return FamilyAnchor, int(dims[2] - 5), nil, nil
	default:
		return 0, 0, nil, fmt.Errorf("model has %d outputs, expected 1 (anchor) or 3 (transformer)", len(outputs))
	}
}

// resolveOutputShape substitutes 1 for any non-positive (dynamic)
// dimension ONNX reports, since this server always runs batch size 1
// and the remaining dims are expected to be static per classifyFamily.
func resolveOutputShape(dims []int64) ort.Shape {
	resolved := make([]int64, len(dims))
	for i, d := range dims {
		if d <= 0 {
			resolved[i] = 1
		} else {
			resolved[i] = d
		}
	}
	return ort.NewShape(resolved...)
}
