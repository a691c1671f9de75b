package detections

import (
	"fmt"
	"runtime"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/Tutortoise/object-detection-service/models"
)

// SessionConfig describes how to build one ONNX Runtime session for the detection model.
type SessionConfig struct {
	ModelPath   string
	InputName   string
	ScoresName  string
	BoxesName   string
	InputShape  ort.Shape
	ScoresShape ort.Shape
	BoxesShape  ort.Shape

	IntraOpThreads int
	InterOpThreads int
	UseCUDA        bool
	CUDADeviceID   int
}

// ModelSession is a session with its own bound tensors. It is not safe for concurrent
// use; SessionPool hands each one to a single request at a time.
type ModelSession struct {
	Session *ort.AdvancedSession
	Input   *ort.Tensor[float32]
	Scores  *ort.Tensor[float32]
	Boxes   *ort.Tensor[float32]
}

func NewModelSession(cfg SessionConfig) (*ModelSession, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()

	intra, inter := cfg.IntraOpThreads, cfg.InterOpThreads
	if intra <= 0 {
		intra = runtime.NumCPU()
	}
	if inter <= 0 {
		inter = runtime.NumCPU()
	}
	if err := options.SetIntraOpNumThreads(intra); err != nil {
		return nil, fmt.Errorf("error setting intra-op threads: %w", err)
	}
	if err := options.SetInterOpNumThreads(inter); err != nil {
		return nil, fmt.Errorf("error setting inter-op threads: %w", err)
	}

	if cfg.UseCUDA {
		cudaOptions, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return nil, fmt.Errorf("error creating CUDA provider options: %w", err)
		}
		defer cudaOptions.Destroy()
		if err := cudaOptions.Update(map[string]string{"device_id": fmt.Sprintf("%d", cfg.CUDADeviceID)}); err != nil {
			return nil, fmt.Errorf("error configuring CUDA provider: %w", err)
		}
		if err := options.AppendExecutionProviderCUDA(cudaOptions); err != nil {
			return nil, fmt.Errorf("error enabling CUDA: %w", err)
		}
	}

	inputTensor, err := ort.NewEmptyTensor[float32](cfg.InputShape)
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}

	scoresTensor, err := ort.NewEmptyTensor[float32](cfg.ScoresShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("error creating scores tensor: %w", err)
	}

	boxesTensor, err := ort.NewEmptyTensor[float32](cfg.BoxesShape)
	if err != nil {
		inputTensor.Destroy()
		scoresTensor.Destroy()
		return nil, fmt.Errorf("error creating boxes tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		cfg.ModelPath,
		[]string{cfg.InputName},
		[]string{cfg.ScoresName, cfg.BoxesName},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{scoresTensor, boxesTensor},
		options,
	)
	if err != nil {
		inputTensor.Destroy()
		scoresTensor.Destroy()
		boxesTensor.Destroy()
		return nil, fmt.Errorf("error creating session: %w", err)
	}

	return &ModelSession{
		Session: session,
		Input:   inputTensor,
		Scores:  scoresTensor,
		Boxes:   boxesTensor,
	}, nil
}

// Run executes one forward pass. The returned output is a copy owned by the caller.
func (m *ModelSession) Run(input []float32) (*models.RawOutput, error) {
	data := m.Input.GetData()
	if len(input) != len(data) {
		return nil, fmt.Errorf("input length %d does not match tensor length %d", len(input), len(data))
	}
	copy(data, input)

	if err := m.Session.Run(); err != nil {
		return nil, fmt.Errorf("model inference: %w", err)
	}

	shape := m.Scores.GetShape()
	out := &models.RawOutput{
		NumAnchors: int(shape[1]),
		NumClasses: int(shape[2]),
		Scores:     make([]float32, len(m.Scores.GetData())),
		Boxes:      make([]float32, len(m.Boxes.GetData())),
	}
	copy(out.Scores, m.Scores.GetData())
	copy(out.Boxes, m.Boxes.GetData())

	return out, nil
}

func (m *ModelSession) Destroy() {
	if m.Session != nil {
		m.Session.Destroy()
		m.Session = nil
	}
	if m.Input != nil {
		m.Input.Destroy()
		m.Input = nil
	}
	if m.Scores != nil {
		m.Scores.Destroy()
		m.Scores = nil
	}
	if m.Boxes != nil {
		m.Boxes.Destroy()
		m.Boxes = nil
	}
}
