package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/Tutortoise/object-detection-service/detections"
	"github.com/Tutortoise/object-detection-service/logger"
	"github.com/Tutortoise/object-detection-service/models"
)

const (
	defaultMaxUploadBytes = 10 << 20
	// statusClientClosedRequest is the nginx convention for a request the client abandoned.
	statusClientClosedRequest = 499
)

type poolStats interface {
	Size() int
	GetMetrics() detections.PoolMetrics
}

type AppState struct {
	Predictor      *detections.Predictor
	Pool           poolStats
	Log            *logger.Logger
	MaxUploadBytes int64
}

func (s *AppState) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/analyze", s.handleAnalyze).Methods(http.MethodPost)
	r.HandleFunc("/", handleIndex).Methods(http.MethodGet)
	r.PathPrefix("/static/").Handler(staticHandler()).Methods(http.MethodGet, http.MethodHead)
	s.addMonitoringRoutes(r)

	return handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedHeaders([]string{"X-Requested-With", "Content-Type"}),
	)(r)
}

func (s *AppState) addMonitoringRoutes(r *mux.Router) {
	r.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
}

func (s *AppState) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	startTotal := time.Now()
	timings := &models.ProcessingTimings{RequestID: uuid.NewString()}
	log := s.Log.With("request_id", timings.RequestID)

	imgBytes, opts, err := s.readUpload(w, r)
	if err != nil {
		log.Debug("rejected upload", "error", err)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			sendErrorResponse(w, "too_large", fmt.Sprintf(MsgTooLarge, tooLarge.Limit), http.StatusRequestEntityTooLarge)
			return
		}
		sendErrorResponse(w, "invalid_request", err.Error(), http.StatusBadRequest)
		return
	}

	decodeStart := time.Now()
	img, err := detections.DecodeImage(imgBytes)
	timings.ImageDecode = time.Since(decodeStart)
	if err != nil {
		log.Debug("image decode failed", "error", err, "bytes", len(imgBytes))
		sendErrorResponse(w, "invalid_image", MsgInvalidImage, http.StatusBadRequest)
		return
	}

	result, err := s.Predictor.Predict(r.Context(), img, opts, timings)
	if err != nil {
		status, code, msg := classifyError(err)
		if status >= http.StatusInternalServerError {
			log.Error("prediction failed", "error", err, "status", status)
		} else {
			log.Debug("prediction aborted", "error", err, "status", status)
		}
		sendErrorResponse(w, code, msg, status)
		return
	}

	body, err := json.Marshal(newAnalyzeResponse(result))
	if err != nil {
		log.Error("encode response", "error", err)
		sendErrorResponse(w, "processing_error", MsgInternal, http.StatusInternalServerError)
		return
	}

	timings.Total = time.Since(startTotal)
	logTimings(log, timings, len(result.Predictions))

	w.Header().Set("Content-Type", "application/json")
	w.Write(append(body, '\n'))
}

// readUpload extracts the image bytes and optional threshold overrides from a
// multipart form.
func (s *AppState) readUpload(w http.ResponseWriter, r *http.Request) ([]byte, detections.Options, error) {
	var opts detections.Options

	limit := s.MaxUploadBytes
	if limit <= 0 {
		limit = defaultMaxUploadBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(limit); err != nil {
		return nil, opts, errors.Wrap(err, "parse multipart form")
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, opts, errors.New(MsgMissingFile)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, opts, errors.Wrap(err, "read upload")
	}

	if opts.DetectThresh, err = formThreshold(r, "detect_thresh"); err != nil {
		return nil, opts, err
	}
	if opts.NMSThresh, err = formThreshold(r, "nms_thresh"); err != nil {
		return nil, opts, err
	}

	return data, opts, nil
}

// formThreshold returns 0 when the field is absent so the predictor default applies.
func formThreshold(r *http.Request, field string) (float32, error) {
	raw := r.FormValue(field)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(raw, 32)
	if err != nil || v <= 0 || v >= 1 {
		return 0, errors.Errorf("%s must be a number between 0 and 1, got %q", field, raw)
	}
	return float32(v), nil
}

func classifyError(err error) (int, string, string) {
	var invalid *detections.InvalidImageError
	var notReady *detections.ModelNotReadyError

	switch {
	case errors.As(err, &invalid):
		return http.StatusBadRequest, "invalid_image", MsgInvalidImage
	case errors.Is(err, detections.ErrTimeout):
		return http.StatusGatewayTimeout, "timeout", MsgTimeout
	case errors.Is(err, detections.ErrAcquireTimeout), errors.Is(err, detections.ErrPoolClosed):
		return http.StatusServiceUnavailable, "session_error", MsgBusy
	case errors.Is(err, context.Canceled):
		return statusClientClosedRequest, "client_closed", MsgClientClosed
	case errors.As(err, &notReady):
		return http.StatusInternalServerError, "model_not_ready", MsgModelNotReady
	default:
		return http.StatusInternalServerError, "processing_error", MsgInternal
	}
}

func (s *AppState) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	if s.Pool == nil {
		sendErrorResponse(w, "model_not_ready", MsgModelNotReady, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(MetricsResponse{
		PoolSize:    s.Pool.Size(),
		PoolMetrics: s.Pool.GetMetrics(),
	})
}

func logTimings(log *logger.Logger, t *models.ProcessingTimings, found int) {
	log.Debug("processed image",
		"predictions", found,
		"decode", t.ImageDecode,
		"resize", t.Resize,
		"preprocess", t.Preprocess,
		"inference", t.Inference,
		"postprocess", t.Postprocess,
		"total", t.Total)
}

func sendErrorResponse(w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Code:    code,
		Message: message,
	})
}
