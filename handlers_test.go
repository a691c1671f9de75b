package main

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tutortoise/object-detection-service/detections"
	"github.com/Tutortoise/object-detection-service/logger"
	"github.com/Tutortoise/object-detection-service/models"
)

type cannedRunner struct {
	delay time.Duration
	boxes []float32
}

func (r cannedRunner) Run([]float32) (*models.RawOutput, error) {
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	boxes := make([]float32, 4)
	copy(boxes, r.boxes)
	return &models.RawOutput{
		NumAnchors: 1,
		NumClasses: 2,
		Scores:     []float32{0, 0.9},
		Boxes:      boxes,
	}, nil
}

func (cannedRunner) Destroy() {}

func newTestState(t *testing.T, runner cannedRunner, timeout time.Duration) (*AppState, *detections.SessionPool) {
	t.Helper()
	factory := func() (detections.Runner, error) { return runner, nil }
	pool, err := detections.NewSessionPool(factory, 1, image.Pt(16, 16), time.Second)
	require.NoError(t, err)
	t.Cleanup(pool.Destroy)

	anchors := models.AnchorSet{{CenterY: 0.5, CenterX: 0.5, Height: 0.2, Width: 0.2}}
	predictor := detections.NewPredictor(pool, anchors, models.ClassLabels{"pet"}, detections.PredictorConfig{
		Mean:           [3]float32{0, 0, 0},
		Std:            [3]float32{1, 1, 1},
		RequestTimeout: timeout,
	})

	return &AppState{
		Predictor:      predictor,
		Pool:           pool,
		Log:            logger.NewNopLogger(),
		MaxUploadBytes: 1 << 20,
	}, pool
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: 200, G: 120, B: 40, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func uploadRequest(t *testing.T, file []byte, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if file != nil {
		part, err := mw.CreateFormFile("file", "upload.png")
		require.NoError(t, err)
		_, err = part.Write(file)
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/analyze", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func serve(state *AppState, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	state.routes().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestAnalyzeReturnsPredictions(t *testing.T) {
	state, _ := newTestState(t, cannedRunner{}, time.Second)

	rec := serve(state, uploadRequest(t, pngBytes(t, 200, 100), nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		Result struct {
			Predictions []struct {
				BBox    []float64 `json:"bbox"`
				ClassID int       `json:"class_id"`
				Class   string    `json:"class"`
				Score   float64   `json:"score"`
			} `json:"predictions"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Result.Predictions, 1)

	pred := body.Result.Predictions[0]
	assert.InDeltaSlice(t, []float64{40, 80, 20, 40}, pred.BBox, 1e-3)
	assert.Equal(t, 1, pred.ClassID)
	assert.Equal(t, "pet", pred.Class)
	assert.InDelta(t, 0.9, pred.Score, 1e-6)
}

func TestAnalyzeEmptyPredictionsRenderAsArray(t *testing.T) {
	state, _ := newTestState(t, cannedRunner{}, time.Second)

	rec := serve(state, uploadRequest(t, pngBytes(t, 20, 20), map[string]string{"detect_thresh": "0.95"}))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"result":{"predictions":[]}}`, rec.Body.String())
}

func TestAnalyzeRejectsBadRequests(t *testing.T) {
	state, _ := newTestState(t, cannedRunner{}, time.Second)
	img := pngBytes(t, 10, 10)

	cases := []struct {
		name string
		req  *http.Request
		code string
	}{
		{name: "missing file", req: uploadRequest(t, nil, map[string]string{"detect_thresh": "0.5"}), code: "invalid_request"},
		{name: "not an image", req: uploadRequest(t, []byte("definitely not a png"), nil), code: "invalid_image"},
		{name: "empty file", req: uploadRequest(t, []byte{}, nil), code: "invalid_image"},
		{name: "threshold above one", req: uploadRequest(t, img, map[string]string{"detect_thresh": "1.5"}), code: "invalid_request"},
		{name: "threshold not a number", req: uploadRequest(t, img, map[string]string{"nms_thresh": "high"}), code: "invalid_request"},
		{name: "not multipart", req: httptest.NewRequest(http.MethodPost, "/analyze", bytes.NewReader(img)), code: "invalid_request"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := serve(state, tc.req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tc.code, decodeError(t, rec).Code)
		})
	}
}

func TestAnalyzeTimeout(t *testing.T) {
	state, _ := newTestState(t, cannedRunner{delay: 300 * time.Millisecond}, 20*time.Millisecond)

	rec := serve(state, uploadRequest(t, pngBytes(t, 10, 10), nil))
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Equal(t, "timeout", decodeError(t, rec).Code)
}

func TestAnalyzePoolClosed(t *testing.T) {
	state, pool := newTestState(t, cannedRunner{}, time.Second)
	pool.Destroy()

	rec := serve(state, uploadRequest(t, pngBytes(t, 10, 10), nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "session_error", decodeError(t, rec).Code)
}

func TestAnalyzeNonFiniteOutputStillReturnsValidJSON(t *testing.T) {
	state, _ := newTestState(t, cannedRunner{boxes: []float32{float32(math.NaN()), 0, 0, 0}}, time.Second)

	rec := serve(state, uploadRequest(t, pngBytes(t, 20, 20), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"result":{"predictions":[]}}`, rec.Body.String())
}

func TestAnalyzeClientCancelled(t *testing.T) {
	state, _ := newTestState(t, cannedRunner{}, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := uploadRequest(t, pngBytes(t, 10, 10), nil).WithContext(ctx)

	rec := serve(state, req)
	assert.Equal(t, statusClientClosedRequest, rec.Code)
	assert.Equal(t, "client_closed", decodeError(t, rec).Code)
}

func TestAnalyzeUploadTooLarge(t *testing.T) {
	state, _ := newTestState(t, cannedRunner{}, time.Second)
	state.MaxUploadBytes = 512

	rec := serve(state, uploadRequest(t, bytes.Repeat([]byte{0xff}, 4096), nil))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, "too_large", resp.Code)
	assert.Contains(t, resp.Message, "512")
}

func TestAnalyzeRejectsGet(t *testing.T) {
	state, _ := newTestState(t, cannedRunner{}, time.Second)

	rec := serve(state, httptest.NewRequest(http.MethodGet, "/analyze", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestIndexAndStaticAssets(t *testing.T) {
	state, _ := newTestState(t, cannedRunner{}, time.Second)

	rec := serve(state, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "analyze-button")

	rec = serve(state, httptest.NewRequest(http.MethodGet, "/static/client.js", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/analyze")

	rec = serve(state, httptest.NewRequest(http.MethodGet, "/static/absent.js", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	state, _ := newTestState(t, cannedRunner{}, time.Second)

	req := httptest.NewRequest(http.MethodOptions, "/analyze", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "X-Requested-With")

	rec := serve(state, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "X-Requested-With", rec.Header().Get("Access-Control-Allow-Headers"))

	req = httptest.NewRequest(http.MethodOptions, "/analyze", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Authorization")
	assert.Equal(t, http.StatusForbidden, serve(state, req).Code)
}

func TestCORSOnSimpleRequest(t *testing.T) {
	state, _ := newTestState(t, cannedRunner{}, time.Second)

	req := uploadRequest(t, pngBytes(t, 10, 10), nil)
	req.Header.Set("Origin", "http://example.com")
	rec := serve(state, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestMetrics(t *testing.T) {
	state, _ := newTestState(t, cannedRunner{}, time.Second)
	require.Equal(t, http.StatusOK, serve(state, uploadRequest(t, pngBytes(t, 10, 10), nil)).Code)

	rec := serve(state, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.EqualValues(t, 1, body["pool_size"])
	assert.EqualValues(t, 1, body["total_acquired"])
	assert.EqualValues(t, 1, body["total_released"])
	assert.EqualValues(t, 0, body["sessions_in_use"])
}

func TestShouldServe(t *testing.T) {
	assert.True(t, shouldServe([]string{"serve"}))
	assert.True(t, shouldServe([]string{"-v", "serve"}))
	assert.False(t, shouldServe(nil))
	assert.False(t, shouldServe([]string{"server"}))
}
