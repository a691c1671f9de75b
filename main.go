package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/Tutortoise/object-detection-service/bootstrap"
	"github.com/Tutortoise/object-detection-service/config"
	"github.com/Tutortoise/object-detection-service/detections"
	"github.com/Tutortoise/object-detection-service/logger"
)

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", os.Getenv("DETECTOR_CONFIG"), "path to the YAML configuration file")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [-config path] [serve]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return 1
	}

	log, err := logger.New(logger.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return 1
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := bootstrap.New(cfg, log).Run(ctx)
	if err != nil {
		var mismatch *bootstrap.HardwareMismatchError
		if errors.As(err, &mismatch) {
			log.Error("model cannot run on this host",
				"artifact", mismatch.Artifact,
				"required", mismatch.Required,
				"cause", mismatch.Cause,
				"remediation", mismatch.Remediation)
			return 2
		}
		log.Error("failed to load resources", "error", err)
		return 1
	}
	defer res.Close()

	if !shouldServe(flag.Args()) {
		log.Info("resources ready, exiting; pass \"serve\" to start the server")
		return 0
	}

	state := &AppState{
		Predictor:      detections.NewPredictor(res.Pool, res.Anchors, res.Labels, predictorConfig(cfg)),
		Pool:           res.Pool,
		Log:            log,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
	}

	srv := &http.Server{
		Handler:      state.routes(),
		Addr:         cfg.Addr(),
		WriteTimeout: cfg.Server.WriteTimeout,
		ReadTimeout:  cfg.Server.ReadTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("server shutdown", "error", err)
		}
	}()

	log.Info("starting server", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("server stopped", "error", err)
		return 1
	}
	log.Info("server stopped")
	return 0
}

func shouldServe(args []string) bool {
	for _, arg := range args {
		if arg == "serve" {
			return true
		}
	}
	return false
}

func predictorConfig(cfg *config.Config) detections.PredictorConfig {
	pc := detections.PredictorConfig{
		Sigmoid:        *cfg.Detection.Sigmoid,
		Mean:           [3]float32{0, 0, 0},
		Std:            [3]float32{1, 1, 1},
		RequestTimeout: cfg.Detection.RequestTimeout,
		Defaults: detections.Options{
			DetectThresh: cfg.Detection.DetectThresh,
			NMSThresh:    cfg.Detection.NMSThresh,
		},
	}
	if cfg.Detection.Normalize == "imagenet" {
		pc.Mean = detections.ImageNetMean
		pc.Std = detections.ImageNetStd
	}
	return pc
}
