package main

import (
	"github.com/Tutortoise/object-detection-service/detections"
	"github.com/Tutortoise/object-detection-service/models"
)

const (
	MsgMissingFile   = "Upload an image in the \"file\" form field."
	MsgInvalidImage  = "The uploaded file could not be read as an image. Supported formats are JPEG, PNG, GIF, BMP and TIFF."
	MsgTimeout       = "Analysis took too long and was cancelled. Try again with a smaller image."
	MsgBusy          = "All model sessions are busy. Try again in a moment."
	MsgModelNotReady = "The detection model is not loaded."
	MsgInternal      = "Analysis failed."
	MsgClientClosed  = "The request was cancelled before analysis finished."
	MsgTooLarge      = "The upload is larger than the %d byte limit."
)

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

type AnalyzeResponse struct {
	Result ResultBody `json:"result"`
}

type ResultBody struct {
	Predictions []PredictionBody `json:"predictions"`
}

// PredictionBody is one detection on the wire. BBox is [top, left, height, width] in
// pixels of the uploaded image.
type PredictionBody struct {
	BBox    [4]float32 `json:"bbox"`
	ClassID int        `json:"class_id"`
	Class   string     `json:"class"`
	Score   float32    `json:"score"`
}

type MetricsResponse struct {
	PoolSize int `json:"pool_size"`
	detections.PoolMetrics
}

func newAnalyzeResponse(result *models.PredictionResult) AnalyzeResponse {
	preds := make([]PredictionBody, 0, len(result.Predictions))
	for _, d := range result.Predictions {
		preds = append(preds, PredictionBody{
			BBox:    [4]float32{d.Top, d.Left, d.Height, d.Width},
			ClassID: d.ClassID,
			Class:   d.Class,
			Score:   d.Score,
		})
	}
	return AnalyzeResponse{Result: ResultBody{Predictions: preds}}
}
