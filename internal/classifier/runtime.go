// Package classifier loads an exported DeBERTa-v3 binary-classification
// ONNX graph and scores encoded token sequences for the probability of
// prompt injection.
package classifier

import (
	"fmt"
	"math"
	"sync"

	"github.com/shirou/gopsutil/v3/mem"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

// Canonical tensor names the exported graph is expected to use. When a
// graph exports under different names, Runtime falls back to binding the
// first two inputs and the first output positionally.
const (
	canonicalInputIDs      = "input_ids"
	canonicalAttentionMask = "attention_mask"
	canonicalLogits        = "logits"
)

// epsilon guards the softmax denominator against a degenerate all-zero
// exponential sum.
const epsilon = 1e-9

// Runtime wraps a loaded ONNX inference session. A Runtime is safe for
// concurrent Score calls: the underlying session is read-only once
// created, and each call allocates its own input/output tensors.
type Runtime struct {
	session  *ort.DynamicAdvancedSession
	inputIDs string
	attnMask string
	logits   string
	maxLen   int64
	mu       sync.Mutex // serializes ort.Run calls against one session handle
}

var envOnce sync.Once
var envErr error

func ensureEnvironment(sharedLibPath string) error {
	envOnce.Do(func() {
		if sharedLibPath != "" {
			ort.SetSharedLibraryPath(sharedLibPath)
		}
		envErr = ort.InitializeEnvironment()
	})
	return envErr
}

// Options configures Runtime construction.
type Options struct {
	// ModelPath is the path to the exported ONNX graph file.
	ModelPath string
	// SharedLibraryPath optionally overrides the onnxruntime shared library
	// location; left empty, the runtime's platform default search applies.
	SharedLibraryPath string
	// MaxLen is the fixed sequence length the graph's inputs are shaped
	// for: [1, MaxLen].
	MaxLen int
	Logger *zap.Logger
}

// Load opens the graph at opts.ModelPath and discovers its input/output
// tensor names. If the graph cannot be loaded the classifier is treated as
// absent by the caller: Load returns a non-nil error and the caller falls
// back to a different scoring path rather than panicking.
func Load(opts Options) (*Runtime, error) {
	if opts.ModelPath == "" {
		return nil, fmt.Errorf("classifier: model path is empty")
	}
	if opts.MaxLen <= 0 {
		return nil, fmt.Errorf("classifier: max_len must be positive")
	}
	if err := ensureEnvironment(opts.SharedLibraryPath); err != nil {
		return nil, fmt.Errorf("classifier: initialize onnxruntime: %w", err)
	}

	inputNames, outputNames, err := discoverNames(opts.ModelPath)
	if err != nil {
		logMemoryDiagnostic(opts.Logger, "classifier: inspect graph failed", err)
		return nil, fmt.Errorf("classifier: inspect graph: %w", err)
	}
	idsName, maskName, ok := resolveInputNames(inputNames)
	if !ok {
		return nil, fmt.Errorf("classifier: graph has fewer than 2 inputs")
	}
	logitsName := resolveOutputName(outputNames)

	session, err := ort.NewDynamicAdvancedSession(
		opts.ModelPath,
		[]string{idsName, maskName},
		[]string{logitsName},
		nil,
	)
	if err != nil {
		logMemoryDiagnostic(opts.Logger, "classifier: create session failed", err)
		return nil, fmt.Errorf("classifier: create session: %w", err)
	}

	if opts.Logger != nil {
		opts.Logger.Info("classifier runtime loaded",
			zap.String("model_path", opts.ModelPath),
			zap.String("input_ids", idsName),
			zap.String("attention_mask", maskName),
			zap.String("logits", logitsName),
		)
	}

	return &Runtime{
		session:  session,
		inputIDs: idsName,
		attnMask: maskName,
		logits:   logitsName,
		maxLen:   int64(opts.MaxLen),
	}, nil
}

// logMemoryDiagnostic reports available system memory alongside a graph
// load failure, so an operator can distinguish an OOM-class failure (graph
// too large for the host) from a missing or corrupt model file. It never
// escalates: a failure to read memory stats is itself just logged.
func logMemoryDiagnostic(logger *zap.Logger, msg string, cause error) {
	if logger == nil {
		return
	}
	vm, memErr := mem.VirtualMemory()
	if memErr != nil {
		logger.Warn(msg, zap.Error(cause), zap.NamedError("mem_stat_error", memErr))
		return
	}
	logger.Warn(msg,
		zap.Error(cause),
		zap.Uint64("available_bytes", vm.Available),
		zap.Uint64("total_bytes", vm.Total),
	)
}

// discoverNames inspects the graph's declared input/output names without
// running it. onnxruntime_go surfaces this via GetInputOutputInfo.
func discoverNames(modelPath string) (inputs, outputs []string, err error) {
	inputInfo, outputInfo, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, nil, err
	}
	for _, in := range inputInfo {
		inputs = append(inputs, in.Name)
	}
	for _, out := range outputInfo {
		outputs = append(outputs, out.Name)
	}
	return inputs, outputs, nil
}

// resolveInputNames prefers the canonical "input_ids"/"attention_mask"
// pair; otherwise it binds positionally to the graph's first two inputs.
func resolveInputNames(names []string) (ids, mask string, ok bool) {
	hasIDs, hasMask := false, false
	for _, n := range names {
		if n == canonicalInputIDs {
			hasIDs = true
		}
		if n == canonicalAttentionMask {
			hasMask = true
		}
	}
	if hasIDs && hasMask {
		return canonicalInputIDs, canonicalAttentionMask, true
	}
	if len(names) < 2 {
		return "", "", false
	}
	return names[0], names[1], true
}

func resolveOutputName(names []string) string {
	for _, n := range names {
		if n == canonicalLogits {
			return canonicalLogits
		}
	}
	if len(names) > 0 {
		return names[0]
	}
	return canonicalLogits
}

// Score runs the graph once over a fixed-length encoding and returns the
// probability of class 1 (injection), computed with a numerically stable
// softmax: p = exp(l1-m) / (exp(l0-m) + exp(l1-m) + epsilon), m = max(l0,l1).
//
// inputIDs and attentionMask must each have length equal to the runtime's
// configured max_len; IDs are converted from 32-bit to the 64-bit tensors
// the graph expects, preserving order.
func (r *Runtime) Score(inputIDs, attentionMask []int32) (float32, error) {
	if int64(len(inputIDs)) != r.maxLen || int64(len(attentionMask)) != r.maxLen {
		return 0, fmt.Errorf("classifier: encoding length mismatch: want %d, got ids=%d mask=%d",
			r.maxLen, len(inputIDs), len(attentionMask))
	}

	idsData := widen(inputIDs)
	maskData := widen(attentionMask)

	shape := ort.NewShape(1, r.maxLen)
	idsTensor, err := ort.NewTensor(shape, idsData)
	if err != nil {
		return 0, fmt.Errorf("classifier: build input_ids tensor: %w", err)
	}
	defer idsTensor.Destroy()

	maskTensor, err := ort.NewTensor(shape, maskData)
	if err != nil {
		return 0, fmt.Errorf("classifier: build attention_mask tensor: %w", err)
	}
	defer maskTensor.Destroy()

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 2))
	if err != nil {
		return 0, fmt.Errorf("classifier: allocate output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	r.mu.Lock()
	err = r.session.Run([]ort.Value{idsTensor, maskTensor}, []ort.Value{outputTensor})
	r.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("classifier: run graph: %w", err)
	}

	logits := outputTensor.GetData()
	if len(logits) < 2 {
		return 0, fmt.Errorf("classifier: malformed logits tensor: want 2 values, got %d", len(logits))
	}
	return softmaxClassOne(logits[0], logits[1]), nil
}

func widen(ids []int32) []int64 {
	out := make([]int64, len(ids))
	for i, v := range ids {
		out[i] = int64(v)
	}
	return out
}

// softmaxClassOne returns the probability mass assigned to class 1 over a
// 2-way logit pair, computed with the max-subtraction stabilization so
// large logits never overflow exp().
func softmaxClassOne(l0, l1 float32) float32 {
	m := l0
	if l1 > m {
		m = l1
	}
	e0 := math.Exp(float64(l0 - m))
	e1 := math.Exp(float64(l1 - m))
	return float32(e1 / (e0 + e1 + epsilon))
}

// Close releases the underlying ONNX session. It does not tear down the
// shared onnxruntime environment, which is process-global and initialized
// once.
func (r *Runtime) Close() error {
	if r.session == nil {
		return nil
	}
	return r.session.Destroy()
}
