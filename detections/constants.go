package detections

import "time"

const (
	DefaultDetectThresh   = 0.2
	DefaultNMSThresh      = 0.3
	DefaultRequestTimeout = 30 * time.Second

	// Regression scaling used when the model was trained: centers by 0.1, sizes by 0.2.
	centerScale = 0.1
	sizeScale   = 0.2
)

// ImageNet channel statistics. Models exported from fastai expect inputs normalized with them.
var (
	ImageNetMean = [3]float32{0.485, 0.456, 0.406}
	ImageNetStd  = [3]float32{0.229, 0.224, 0.225}
)
