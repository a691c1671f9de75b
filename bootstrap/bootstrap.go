// Package bootstrap fetches and loads everything the service needs before it accepts
// requests: the exported model, its anchors and its class labels.
package bootstrap

import (
	"context"
	"image"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/Tutortoise/object-detection-service/config"
	"github.com/Tutortoise/object-detection-service/detections"
	"github.com/Tutortoise/object-detection-service/logger"
	"github.com/Tutortoise/object-detection-service/models"
)

// Resources is the immutable result of a successful bootstrap.
type Resources struct {
	Pool         *detections.SessionPool
	Anchors      models.AnchorSet
	Labels       models.ClassLabels
	Capabilities Capabilities
	Info         *ArtifactInfo

	closers []func()
}

// Close releases sessions and the runtime. Call once at process exit.
func (r *Resources) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}

// Bootstrapper runs the startup sequence. The function fields default to the ONNX
// Runtime implementations and are replaced in tests.
type Bootstrapper struct {
	cfg     *config.Config
	log     *logger.Logger
	fetcher *Fetcher

	initRuntime    func(libPath string) error
	destroyRuntime func()
	inspect        func(path string) (*ArtifactInfo, error)
	probe          func(deviceID int) Capabilities
	openPool       func(cfg detections.SessionConfig, size int, acquireTimeout time.Duration) (*detections.SessionPool, error)
}

func New(cfg *config.Config, log *logger.Logger) *Bootstrapper {
	client := &http.Client{Timeout: cfg.Artifacts.FetchTimeout}
	return &Bootstrapper{
		cfg:            cfg,
		log:            log,
		fetcher:        NewFetcher(client, log),
		initRuntime:    InitRuntime,
		destroyRuntime: func() { _ = ort.DestroyEnvironment() },
		inspect:        InspectModel,
		probe:          ProbeCapabilities,
		openPool:       openSessionPool,
	}
}

// Run fetches missing artifacts, checks hardware compatibility and builds the session
// pool. Every error it returns is fatal for startup; nothing is retried.
func (b *Bootstrapper) Run(ctx context.Context) (*Resources, error) {
	art := b.cfg.Artifacts
	rt := b.cfg.Runtime

	start := time.Now()
	err := b.fetcher.FetchAll(ctx,
		Artifact{Name: "model", URL: art.ModelURL, Path: art.ModelPath},
		Artifact{Name: "anchors", URL: art.AnchorsURL, Path: art.AnchorsPath},
	)
	if err != nil {
		return nil, err
	}
	b.log.Info("artifacts ready", "model", art.ModelPath, "anchors", art.AnchorsPath,
		"downloads", b.fetcher.Downloads(), "elapsed", time.Since(start))

	if err := b.initRuntime(rt.LibraryPath); err != nil {
		return nil, loadError("onnxruntime", err)
	}
	res := &Resources{}
	res.closers = append(res.closers, b.destroyRuntime)

	fail := func(err error) (*Resources, error) {
		res.Close()
		return nil, err
	}

	info, err := b.inspect(art.ModelPath)
	if err != nil {
		return fail(loadError("model", err))
	}
	res.Info = info

	res.Capabilities = b.probe(rt.CUDADeviceID)
	b.log.Info("host capabilities", "cuda", res.Capabilities.CUDA, "avx2", res.Capabilities.AVX2,
		"avx512", res.Capabilities.AVX512, "asimd", res.Capabilities.ASIMD, "export_device", info.ExportDevice)

	if err := CheckCompatibility(info, res.Capabilities, rt.UseCUDA); err != nil {
		return fail(err)
	}

	anchors, err := LoadAnchors(art.AnchorsPath)
	if err != nil {
		return fail(loadError("anchors", err))
	}
	res.Anchors = anchors

	labels, err := info.Labels(art.Labels)
	if err != nil {
		return fail(loadError("labels", err))
	}
	res.Labels = labels

	layout, err := resolveLayout(info, len(anchors), rt.InputName, rt.ScoresOutput, rt.BoxesOutput)
	if err != nil {
		return fail(loadError("model", err))
	}
	if layout.numClasses()-1 != len(labels) {
		return fail(loadError("labels", errors.Errorf("model scores %d classes plus background, label table has %d",
			layout.numClasses()-1, len(labels))))
	}

	useCUDA := res.Capabilities.CUDA && requiresCUDA(info, rt.UseCUDA)
	pool, err := b.openPool(detections.SessionConfig{
		ModelPath:      art.ModelPath,
		InputName:      layout.InputName,
		ScoresName:     layout.ScoresName,
		BoxesName:      layout.BoxesName,
		InputShape:     layout.InputShape,
		ScoresShape:    layout.ScoresShape,
		BoxesShape:     layout.BoxesShape,
		IntraOpThreads: rt.IntraOpThreads,
		InterOpThreads: rt.InterOpThreads,
		UseCUDA:        useCUDA,
		CUDADeviceID:   rt.CUDADeviceID,
	}, rt.PoolSize, rt.AcquireTimeout)
	if err != nil {
		if useCUDA {
			return fail(sessionError(info, err))
		}
		return fail(loadError("model", err))
	}
	res.Pool = pool
	res.closers = append(res.closers, pool.Destroy)

	w, h := layout.inputSize()
	b.log.Info("model loaded", "input", layout.InputName, "width", w, "height", h,
		"anchors", len(anchors), "classes", len(labels), "sessions", pool.Size())

	return res, nil
}

func requiresCUDA(info *ArtifactInfo, wantCUDA bool) bool {
	return wantCUDA || strings.EqualFold(info.ExportDevice, DeviceCUDA)
}

func openSessionPool(cfg detections.SessionConfig, size int, acquireTimeout time.Duration) (*detections.SessionPool, error) {
	factory := func() (detections.Runner, error) {
		session, err := detections.NewModelSession(cfg)
		if err != nil {
			return nil, err
		}
		return session, nil
	}
	inputSize := image.Pt(int(cfg.InputShape[3]), int(cfg.InputShape[2]))
	return detections.NewSessionPool(factory, size, inputSize, acquireTimeout)
}
