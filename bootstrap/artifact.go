package bootstrap

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/Tutortoise/object-detection-service/detections"
	"github.com/Tutortoise/object-detection-service/models"
)

// Custom metadata keys written into the ONNX export.
const (
	metaExportDevice = "export_device"
	metaClasses      = "classes"
)

type TensorInfo struct {
	Name  string
	Shape []int64
}

// ArtifactInfo is what the service needs to know about a model file before opening
// sessions on it.
type ArtifactInfo struct {
	Path         string
	ExportDevice string
	// Classes includes background at index 0, as stored by the training pipeline.
	Classes []string
	Inputs  []TensorInfo
	Outputs []TensorInfo
}

// InitRuntime loads the ONNX Runtime shared library once per process.
func InitRuntime(libPath string) error {
	if ort.IsInitialized() {
		return nil
	}
	if libPath != "" {
		if _, err := os.Stat(libPath); err != nil {
			return errors.Wrapf(err, "onnxruntime library not found at %s", libPath)
		}
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return errors.Wrap(err, "initialize onnxruntime environment")
	}
	return nil
}

// InspectModel reads I/O shapes and custom metadata from an ONNX file.
func InspectModel(path string) (*ArtifactInfo, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, errors.Wrap(err, "read model inputs and outputs")
	}

	info := &ArtifactInfo{Path: path}
	for _, in := range inputs {
		info.Inputs = append(info.Inputs, TensorInfo{Name: in.Name, Shape: in.Dimensions})
	}
	for _, out := range outputs {
		info.Outputs = append(info.Outputs, TensorInfo{Name: out.Name, Shape: out.Dimensions})
	}

	metadata, err := ort.GetModelMetadata(path)
	if err != nil {
		return nil, errors.Wrap(err, "read model metadata")
	}
	defer metadata.Destroy()

	device, ok, err := metadata.LookupCustomMetadataMap(metaExportDevice)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s metadata", metaExportDevice)
	}
	if ok {
		info.ExportDevice = device
	}

	classes, ok, err := metadata.LookupCustomMetadataMap(metaClasses)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s metadata", metaClasses)
	}
	if ok {
		if err := json.Unmarshal([]byte(classes), &info.Classes); err != nil {
			return nil, errors.Wrapf(err, "parse %s metadata", metaClasses)
		}
	}

	return info, nil
}

// Labels returns the class table without background. Metadata wins over fallback.
func (i *ArtifactInfo) Labels(fallback []string) (models.ClassLabels, error) {
	if len(i.Classes) > 1 {
		return models.ClassLabels(append([]string(nil), i.Classes[1:]...)), nil
	}
	if len(fallback) > 0 {
		return models.ClassLabels(append([]string(nil), fallback...)), nil
	}
	return nil, errors.New("model has no classes metadata and no labels are configured")
}

// sessionLayout resolves tensor names and concrete shapes for a session.
type sessionLayout struct {
	InputName   string
	InputShape  ort.Shape
	ScoresName  string
	ScoresShape ort.Shape
	BoxesName   string
	BoxesShape  ort.Shape
}

func (l sessionLayout) inputSize() (width, height int) {
	return int(l.InputShape[3]), int(l.InputShape[2])
}

func (l sessionLayout) numClasses() int {
	return int(l.ScoresShape[2])
}

// resolveLayout matches the model's tensors against the anchor count. Dynamic batch
// dimensions become 1 and a dynamic anchor dimension becomes numAnchors.
func resolveLayout(info *ArtifactInfo, numAnchors int, inputName, scoresName, boxesName string) (sessionLayout, error) {
	var layout sessionLayout

	input, err := pickTensor(info.Inputs, inputName, 0, "input")
	if err != nil {
		return layout, err
	}
	if len(input.Shape) != 4 {
		return layout, errors.Errorf("input %s must be [batch, 3, height, width], got %v", input.Name, input.Shape)
	}
	if input.Shape[2] <= 0 || input.Shape[3] <= 0 {
		return layout, &detections.ModelNotReadyError{Reason: "input " + input.Name + " has no fixed height and width"}
	}
	layout.InputName = input.Name
	layout.InputShape = ort.NewShape(1, 3, input.Shape[2], input.Shape[3])

	scores, err := pickTensor(info.Outputs, scoresName, 0, "scores output")
	if err != nil {
		return layout, err
	}
	boxes, err := pickTensor(info.Outputs, boxesName, 1, "boxes output")
	if err != nil {
		return layout, err
	}

	layout.ScoresName = scores.Name
	if layout.ScoresShape, err = perAnchorShape(scores, numAnchors); err != nil {
		return layout, err
	}
	if layout.ScoresShape[2] < 2 {
		return layout, errors.Errorf("output %s must have background plus at least one class", scores.Name)
	}

	layout.BoxesName = boxes.Name
	if layout.BoxesShape, err = perAnchorShape(boxes, numAnchors); err != nil {
		return layout, err
	}
	if layout.BoxesShape[2] != 4 {
		return layout, errors.Errorf("output %s must have 4 values per anchor, got %d", boxes.Name, layout.BoxesShape[2])
	}

	return layout, nil
}

func pickTensor(tensors []TensorInfo, name string, fallback int, role string) (TensorInfo, error) {
	if name != "" {
		for _, t := range tensors {
			if t.Name == name {
				return t, nil
			}
		}
		return TensorInfo{}, errors.Errorf("model has no %s named %q", role, name)
	}
	if fallback >= len(tensors) {
		return TensorInfo{}, errors.Errorf("model has no %s (found %d tensors)", role, len(tensors))
	}
	return tensors[fallback], nil
}

func perAnchorShape(t TensorInfo, numAnchors int) (ort.Shape, error) {
	if len(t.Shape) != 3 {
		return nil, errors.Errorf("output %s must be [batch, anchors, values], got %v", t.Name, t.Shape)
	}
	anchors := t.Shape[1]
	if anchors <= 0 {
		anchors = int64(numAnchors)
	}
	if anchors != int64(numAnchors) {
		return nil, errors.Errorf("output %s has %d anchors, anchor set has %d", t.Name, anchors, numAnchors)
	}
	if t.Shape[2] <= 0 {
		return nil, errors.Errorf("output %s has a dynamic last dimension", t.Name)
	}
	return ort.NewShape(1, anchors, t.Shape[2]), nil
}
