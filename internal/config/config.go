// Package config holds the effective server configuration: loaded
// from a JSON file or populated from CLI flags at startup, immutable
// afterwards. The /config update path persists a new file and signals
// a clean shutdown; nothing is mutated live.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Fixed config file names next to the executable. Standalone mode
// persists the effective config under StandaloneFileName; a service
// wrapper would read/write ServiceFileName and ignore CLI flags.
const (
	StandaloneFileName = "blue-onyx.config.json"
	ServiceFileName    = "blue-onyx.service.config.json"
)

// Model type strings for object_detection_model_type.
const (
	ModelTypeAnchor      = "anchor"
	ModelTypeTransformer = "transformer"
)

// Config is the full recognized option set.
type Config struct {
	Port                     int      `json:"port"`
	RequestTimeoutSeconds    float64  `json:"request_timeout"`
	WorkerQueueSize          int      `json:"worker_queue_size"`
	Model                    string   `json:"model"`
	ObjectDetectionModelType string   `json:"object_detection_model_type"`
	ObjectClasses            string   `json:"object_classes"`
	ObjectFilter             []string `json:"object_filter"`
	ConfidenceThreshold      float32  `json:"confidence_threshold"`
	LogLevel                 string   `json:"log_level"`
	LogPath                  string   `json:"log_path"`
	ForceCPU                 bool     `json:"force_cpu"`
	GPUIndex                 int      `json:"gpu_index"`
	IntraThreads             int      `json:"intra_threads"`
	InterThreads             int      `json:"inter_threads"`
	SaveImagePath            string   `json:"save_image_path"`
	SaveRefImage             bool     `json:"save_ref_image"`
	SaveStatsPath            string   `json:"save_stats_path"`
}

// Default returns the baseline configuration before flags or a file
// are applied.
func Default() Config {
	return Config{
		Port:                  32168,
		RequestTimeoutSeconds: 30,
		ConfidenceThreshold:   0.5,
		LogLevel:              "info",
	}
}

// RequestTimeout returns the per-request deadline as a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds * float64(time.Second))
}

// Validate rejects out-of-range values before the server starts.
func (c Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("request_timeout must be positive, got %v", c.RequestTimeoutSeconds)
	}
	if c.WorkerQueueSize < 0 {
		return fmt.Errorf("worker_queue_size must not be negative, got %d", c.WorkerQueueSize)
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence_threshold %v outside [0,1]", c.ConfidenceThreshold)
	}
	switch c.ObjectDetectionModelType {
	case "", ModelTypeAnchor, ModelTypeTransformer:
	default:
		return fmt.Errorf("object_detection_model_type %q must be %q or %q",
			c.ObjectDetectionModelType, ModelTypeAnchor, ModelTypeTransformer)
	}
	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q not one of trace, debug, info, warn, error", c.LogLevel)
	}
	if c.Model == "" {
		return fmt.Errorf("model path is required")
	}
	if c.ObjectClasses == "" {
		return fmt.Errorf("object_classes path is required")
	}
	return nil
}

// Load reads a config file and overlays it on the defaults, so absent
// fields keep their default values.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %q: %w", path, err)
	}
	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %q: %w", path, err)
	}
	return cfg, nil
}

// Save writes the config as indented JSON, atomically via a temp file.
func (c Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write config %q: %w", path, err)
	}
	return os.Rename(tmp, path)
}

// StandalonePath returns the standalone-mode config file path next to
// the executable.
func StandalonePath() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("locate executable: %w", err)
	}
	return filepath.Join(filepath.Dir(exe), StandaloneFileName), nil
}
