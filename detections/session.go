package detections

import (
	"fmt"
	"regexp"
	"runtime"
	"sort"
	"strconv"

	ort "github.com/yalue/onnxruntime_go"
)

// Initialize loads the ONNX Runtime shared library. It must be called once
// before any session is created.
func Initialize(libraryPath string) error {
	if ort.IsInitialized() {
		return nil
	}
	ort.SetSharedLibraryPath(libraryPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("initialize onnxruntime (%s): %w", libraryPath, err)
	}
	return nil
}

func Shutdown() error {
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

type ModelSession struct {
	Session *ort.AdvancedSession
	Input   *ort.Tensor[float32]
	Output  *ort.Tensor[float32]

	// tensor backing memory, fetched once
	input  []float32
	output []float32
}

func runSession(m *ModelSession) error {
	return m.Session.Run()
}

func (m *ModelSession) Destroy() {
	if m.Session != nil {
		m.Session.Destroy()
	}
	if m.Input != nil {
		m.Input.Destroy()
	}
	if m.Output != nil {
		m.Output.Destroy()
	}
}

// modelLayout is what we learn about the network before building sessions.
type modelLayout struct {
	inputName  string
	outputName string
	rows       int // candidate boxes per image
	stride     int // values per box row (5 + classes)
	names      []string
}

func (l modelLayout) numClasses() int {
	return l.stride - boxFields
}

// inspectModel reads input/output names, output shape and class names from
// the model file. fallbackNames is used when the export carries no names.
func inspectModel(modelPath string, inputSize int, fallbackNames []string) (modelLayout, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return modelLayout{}, fmt.Errorf("read model inputs/outputs: %w", err)
	}
	if len(inputs) != 1 || len(outputs) < 1 {
		return modelLayout{}, fmt.Errorf("unexpected model signature: %d inputs, %d outputs", len(inputs), len(outputs))
	}

	layout := modelLayout{
		inputName:  inputs[0].Name,
		outputName: outputs[0].Name,
	}

	names, err := readClassNames(modelPath)
	if err != nil {
		return modelLayout{}, err
	}
	if len(names) == 0 {
		names = fallbackNames
	}
	layout.names = names

	dims := outputs[0].Dimensions
	if len(dims) == 3 && dims[1] > 0 && dims[2] > 0 {
		layout.rows = int(dims[1])
		layout.stride = int(dims[2])
	} else {
		// dynamic axes: derive from the three YOLOv5 detection strides
		if len(names) == 0 {
			return modelLayout{}, fmt.Errorf("output shape %v is dynamic and no class names are known", dims)
		}
		layout.rows = candidateRows(inputSize)
		layout.stride = boxFields + len(names)
	}

	if layout.numClasses() <= 0 {
		return modelLayout{}, fmt.Errorf("output rows hold %d values, too few for a detection head", layout.stride)
	}
	return layout, nil
}

// candidateRows is the YOLOv5 head size: three anchors per cell over strides 8, 16 and 32.
func candidateRows(inputSize int) int {
	rows := 0
	for _, stride := range []int{8, 16, 32} {
		cells := inputSize / stride
		rows += 3 * cells * cells
	}
	return rows
}

var namesEntry = regexp.MustCompile(`(\d+)\s*:\s*['"]([^'"]*)['"]`)

// parseNames decodes the YOLOv5 export metadata, a Python dict literal such
// as {0: 'tree', 1: 'stump'}, into an id-indexed slice.
func parseNames(raw string) []string {
	matches := namesEntry.FindAllStringSubmatch(raw, -1)
	if len(matches) == 0 {
		return nil
	}

	byID := make(map[int]string, len(matches))
	ids := make([]int, 0, len(matches))
	for _, m := range matches {
		id, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if _, dup := byID[id]; !dup {
			ids = append(ids, id)
		}
		byID[id] = m[2]
	}
	sort.Ints(ids)

	names := make([]string, ids[len(ids)-1]+1)
	for id, name := range byID {
		names[id] = name
	}
	for i := range names {
		if names[i] == "" {
			names[i] = fallbackName(i)
		}
	}
	return names
}

func readClassNames(modelPath string) ([]string, error) {
	meta, err := ort.GetModelMetadata(modelPath)
	if err != nil {
		return nil, fmt.Errorf("read model metadata: %w", err)
	}
	defer meta.Destroy()

	raw, ok, err := meta.LookupCustomMetadataMap("names")
	if err != nil {
		return nil, fmt.Errorf("read model class names: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return parseNames(raw), nil
}

func fallbackName(id int) string {
	return "class_" + strconv.Itoa(id)
}

func initSession(modelPath string, inputSize int, layout modelLayout) (*ModelSession, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()

	options.SetIntraOpNumThreads(runtime.NumCPU())
	options.SetInterOpNumThreads(1)

	inputShape := ort.NewShape(1, 3, int64(inputSize), int64(inputSize))
	outputShape := ort.NewShape(1, int64(layout.rows), int64(layout.stride))

	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("error creating output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		modelPath,
		[]string{layout.inputName},
		[]string{layout.outputName},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		options,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("error creating session: %w", err)
	}

	return &ModelSession{
		Session: session,
		Input:   inputTensor,
		Output:  outputTensor,
		input:   inputTensor.GetData(),
		output:  outputTensor.GetData(),
	}, nil
}
