package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DEBUG", "")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:5000", cfg.Addr())
	assert.Equal(t, "export.onnx", cfg.Artifacts.ModelPath)
	assert.Equal(t, "anchors.npy", cfg.Artifacts.AnchorsPath)
	assert.Equal(t, 4, cfg.Runtime.PoolSize)
	assert.InDelta(t, 0.2, cfg.Detection.DetectThresh, 1e-6)
	assert.InDelta(t, 0.3, cfg.Detection.NMSThresh, 1e-6)
	assert.Equal(t, 30*time.Second, cfg.Detection.RequestTimeout)
	require.NotNil(t, cfg.Detection.Sigmoid)
	assert.True(t, *cfg.Detection.Sigmoid)
	assert.Equal(t, "imagenet", cfg.Detection.Normalize)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadFile(t *testing.T) {
	t.Setenv("DEBUG", "")

	path := writeConfig(t, `
server:
  port: 8080
artifacts:
  model_url: https://example.com/export.onnx
  model_path: /data/export.onnx
  anchors_path: /data/anchors.npy
  labels: [cat, dog]
runtime:
  pool_size: 1
  use_cuda: true
detection:
  detect_thresh: 0.5
  request_timeout: 2s
  sigmoid: false
  normalize: none
log:
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())
	assert.Equal(t, "https://example.com/export.onnx", cfg.Artifacts.ModelURL)
	assert.Equal(t, []string{"cat", "dog"}, cfg.Artifacts.Labels)
	assert.Equal(t, 1, cfg.Runtime.PoolSize)
	assert.True(t, cfg.Runtime.UseCUDA)
	assert.InDelta(t, 0.5, cfg.Detection.DetectThresh, 1e-6)
	assert.InDelta(t, 0.3, cfg.Detection.NMSThresh, 1e-6)
	assert.Equal(t, 2*time.Second, cfg.Detection.RequestTimeout)
	assert.False(t, *cfg.Detection.Sigmoid)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadDebugEnv(t *testing.T) {
	t.Setenv("DEBUG", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"threshold":    "detection:\n  detect_thresh: 1.5\n",
		"nms":          "detection:\n  nms_thresh: -0.1\n",
		"normalize":    "detection:\n  normalize: zscore\n",
		"port":         "server:\n  port: 70000\n",
		"same paths":   "artifacts:\n  model_path: a\n  anchors_path: a\n",
		"pool":         "runtime:\n  pool_size: -2\n",
		"syntax error": "server: [",
	}

	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}
