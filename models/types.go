package models

import "time"

// AnchorBox is a reference box in normalized model-input space (unit square, y first).
type AnchorBox struct {
	CenterY float32
	CenterX float32
	Height  float32
	Width   float32
}

// AnchorSet covers the model's output grid. Loaded once and never mutated.
type AnchorSet []AnchorBox

// ClassLabels holds class names without the background class. Raw class index i
// maps to ClassLabels[i-1].
type ClassLabels []string

// Lookup returns the name for a raw class index. Index 0 is background and has no name.
func (c ClassLabels) Lookup(rawIndex int) (string, bool) {
	if rawIndex < 1 || rawIndex > len(c) {
		return "", false
	}
	return c[rawIndex-1], true
}

// RawOutput is the per-anchor output of one forward pass.
type RawOutput struct {
	NumAnchors int
	// NumClasses includes background at index 0.
	NumClasses int
	Scores     []float32
	Boxes      []float32
}

// ClassScores returns the score row of anchor i.
func (r *RawOutput) ClassScores(i int) []float32 {
	return r.Scores[i*r.NumClasses : (i+1)*r.NumClasses]
}

// BoxDeltas returns the box regression row of anchor i.
func (r *RawOutput) BoxDeltas(i int) []float32 {
	return r.Boxes[i*4 : (i+1)*4]
}

type Detection struct {
	Top     float32
	Left    float32
	Height  float32
	Width   float32
	ClassID int
	Class   string
	Score   float32
}

type PredictionResult struct {
	Predictions []Detection
}

type ProcessingTimings struct {
	RequestID   string
	ImageDecode time.Duration
	Resize      time.Duration
	Preprocess  time.Duration
	Inference   time.Duration
	Postprocess time.Duration
	Total       time.Duration
}
