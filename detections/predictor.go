package detections

import (
	"bytes"
	"context"
	"image"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"

	"github.com/Tutortoise/object-detection-service/models"
)

// Options are per-call thresholds. Zero values fall back to the defaults.
type Options struct {
	DetectThresh float32
	NMSThresh    float32
}

// withDefaults fills unset thresholds from fallback, then from the package defaults.
func (o Options) withDefaults(fallback Options) Options {
	if o.DetectThresh <= 0 {
		o.DetectThresh = fallback.DetectThresh
	}
	if o.DetectThresh <= 0 {
		o.DetectThresh = DefaultDetectThresh
	}
	if o.NMSThresh <= 0 {
		o.NMSThresh = fallback.NMSThresh
	}
	if o.NMSThresh <= 0 {
		o.NMSThresh = DefaultNMSThresh
	}
	return o
}

type PredictorConfig struct {
	// Sigmoid activates raw class logits before thresholding.
	Sigmoid        bool
	Mean           [3]float32
	Std            [3]float32
	RequestTimeout time.Duration
	// Thresholds used when a request does not set its own.
	Defaults Options
}

// Predictor runs one image through the shared engine and decodes the result. Anchors
// and labels are read-only after construction, so Predict is safe for concurrent use.
type Predictor struct {
	engine       Engine
	anchors      models.AnchorSet
	labels       models.ClassLabels
	preprocessor *Preprocessor
	bufferPool   sync.Pool
	sigmoid      bool
	timeout      time.Duration
	defaults     Options
}

func NewPredictor(engine Engine, anchors models.AnchorSet, labels models.ClassLabels, cfg PredictorConfig) *Predictor {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}

	p := &Predictor{
		engine:   engine,
		anchors:  anchors,
		labels:   labels,
		sigmoid:  cfg.Sigmoid,
		timeout:  cfg.RequestTimeout,
		defaults: cfg.Defaults.withDefaults(Options{}),
	}

	if engine != nil {
		size := engine.InputSize()
		p.preprocessor = NewPreprocessor(size.X, size.Y, cfg.Mean, cfg.Std)
		n := p.preprocessor.BufferSize()
		p.bufferPool.New = func() interface{} {
			return make([]float32, n)
		}
	}

	return p
}

// DecodeImage decodes uploaded bytes, applying EXIF orientation.
func DecodeImage(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, &InvalidImageError{Cause: errors.New("empty payload")}
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, &InvalidImageError{Cause: err}
	}
	return img, nil
}

type predictOutcome struct {
	result  *models.PredictionResult
	timings models.ProcessingTimings
	err     error
}

// Predict detects objects in img. timings may be nil. When the request timeout elapses
// first, ErrTimeout is returned; the in-flight forward pass finishes in the background
// and returns its session to the pool.
func (p *Predictor) Predict(ctx context.Context, img image.Image, opts Options, timings *models.ProcessingTimings) (*models.PredictionResult, error) {
	if p.engine == nil || p.preprocessor == nil {
		return nil, &ModelNotReadyError{Reason: "no engine configured"}
	}
	size := p.engine.InputSize()
	if size.X <= 0 || size.Y <= 0 {
		return nil, &ModelNotReadyError{Reason: "model input size is unknown"}
	}
	if img == nil || img.Bounds().Empty() {
		return nil, &InvalidImageError{Cause: errors.New("image has no pixels")}
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	done := make(chan predictOutcome, 1)
	go func() {
		var local models.ProcessingTimings
		result, err := p.predict(ctx, img, size, opts.withDefaults(p.defaults), &local)
		done <- predictOutcome{result: result, timings: local, err: err}
	}()

	select {
	case out := <-done:
		if timings != nil {
			timings.Resize = out.timings.Resize
			timings.Preprocess = out.timings.Preprocess
			timings.Inference = out.timings.Inference
			timings.Postprocess = out.timings.Postprocess
		}
		if errors.Is(out.err, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return out.result, out.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	}
}

func (p *Predictor) predict(ctx context.Context, img image.Image, size image.Point, opts Options, timings *models.ProcessingTimings) (*models.PredictionResult, error) {
	resizeStart := time.Now()
	resized := imaging.Resize(img, size.X, size.Y, imaging.Linear)
	timings.Resize = time.Since(resizeStart)

	prepStart := time.Now()
	buffer := p.bufferPool.Get().([]float32)
	defer p.bufferPool.Put(buffer)
	p.preprocessor.Process(resized, buffer)
	timings.Preprocess = time.Since(prepStart)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	inferStart := time.Now()
	raw, err := p.engine.Infer(ctx, buffer)
	if err != nil {
		return nil, &ProcessingError{Message: "model inference", Cause: err}
	}
	timings.Inference = time.Since(inferStart)

	postStart := time.Now()
	bounds := img.Bounds()
	result, err := Decode(raw, p.anchors, p.labels, image.Pt(bounds.Dx(), bounds.Dy()), DecodeOptions{
		DetectThresh: opts.DetectThresh,
		NMSThresh:    opts.NMSThresh,
		Sigmoid:      p.sigmoid,
	})
	if err != nil {
		return nil, &ProcessingError{Message: "decode predictions", Cause: err}
	}
	timings.Postprocess = time.Since(postStart)

	return result, nil
}
