package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the service configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
	Detection DetectionConfig `yaml:"detection"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes"`
}

// ArtifactsConfig locates the exported model and its anchors, remotely and on disk.
type ArtifactsConfig struct {
	ModelURL     string        `yaml:"model_url"`
	ModelPath    string        `yaml:"model_path"`
	AnchorsURL   string        `yaml:"anchors_url"`
	AnchorsPath  string        `yaml:"anchors_path"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	// Labels is used when the model carries no "classes" metadata. Background excluded.
	Labels []string `yaml:"labels"`
}

// RuntimeConfig configures ONNX Runtime. With CUDA enabled keep PoolSize at 1 unless
// the device is known to tolerate concurrent runs.
type RuntimeConfig struct {
	LibraryPath    string        `yaml:"library_path"`
	PoolSize       int           `yaml:"pool_size"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	IntraOpThreads int           `yaml:"intra_op_threads"`
	InterOpThreads int           `yaml:"inter_op_threads"`
	UseCUDA        bool          `yaml:"use_cuda"`
	CUDADeviceID   int           `yaml:"cuda_device_id"`
	InputName      string        `yaml:"input_name"`
	ScoresOutput   string        `yaml:"scores_output"`
	BoxesOutput    string        `yaml:"boxes_output"`
}

type DetectionConfig struct {
	DetectThresh   float32       `yaml:"detect_thresh"`
	NMSThresh      float32       `yaml:"nms_thresh"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// Sigmoid activates raw class logits; nil means true.
	Sigmoid *bool `yaml:"sigmoid"`
	// Normalize is "imagenet" or "none".
	Normalize string `yaml:"normalize"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads the YAML file at path. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s", path)
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read configuration file: %w", err)
		}

		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse configuration: %w", err)
		}
	}

	cfg.setDefaults()

	if os.Getenv("DEBUG") == "true" {
		cfg.Log.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 5000
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 60 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 60 * time.Second
	}
	if c.Server.MaxUploadBytes == 0 {
		c.Server.MaxUploadBytes = 10 << 20
	}

	if c.Artifacts.ModelPath == "" {
		c.Artifacts.ModelPath = "export.onnx"
	}
	if c.Artifacts.AnchorsPath == "" {
		c.Artifacts.AnchorsPath = "anchors.npy"
	}
	if c.Artifacts.FetchTimeout == 0 {
		c.Artifacts.FetchTimeout = 10 * time.Minute
	}

	if c.Runtime.LibraryPath == "" {
		c.Runtime.LibraryPath = os.Getenv("ONNXRUNTIME_LIB")
	}
	if c.Runtime.PoolSize == 0 {
		c.Runtime.PoolSize = 4
	}
	if c.Runtime.AcquireTimeout == 0 {
		c.Runtime.AcquireTimeout = 5 * time.Second
	}

	if c.Detection.DetectThresh == 0 {
		c.Detection.DetectThresh = 0.2
	}
	if c.Detection.NMSThresh == 0 {
		c.Detection.NMSThresh = 0.3
	}
	if c.Detection.RequestTimeout == 0 {
		c.Detection.RequestTimeout = 30 * time.Second
	}
	if c.Detection.Sigmoid == nil {
		sigmoid := true
		c.Detection.Sigmoid = &sigmoid
	}
	if c.Detection.Normalize == "" {
		c.Detection.Normalize = "imagenet"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
}

// Validate checks value ranges after defaults are applied.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Server.MaxUploadBytes < 0 {
		return fmt.Errorf("server.max_upload_bytes must be positive")
	}
	if c.Artifacts.ModelPath == c.Artifacts.AnchorsPath {
		return fmt.Errorf("artifacts.model_path and artifacts.anchors_path must differ")
	}
	if c.Runtime.PoolSize < 1 {
		return fmt.Errorf("runtime.pool_size must be at least 1")
	}
	if !validThreshold(c.Detection.DetectThresh) {
		return fmt.Errorf("detection.detect_thresh must be in (0, 1): %v", c.Detection.DetectThresh)
	}
	if !validThreshold(c.Detection.NMSThresh) {
		return fmt.Errorf("detection.nms_thresh must be in (0, 1): %v", c.Detection.NMSThresh)
	}
	switch c.Detection.Normalize {
	case "imagenet", "none":
	default:
		return fmt.Errorf("detection.normalize must be imagenet or none: %q", c.Detection.Normalize)
	}
	return nil
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func validThreshold(v float32) bool {
	return v > 0 && v < 1
}
