// Package config loads the non-code, deployment-varying parts of a
// Runner's configuration from YAML (SPEC_FULL.md §1.3): which devices to
// use, where the model blob lives, queue sizing, CPU affinity, and
// logging. The generic callback fields of RunnerParams (Preprocess,
// Postprocess, the tensor templates) are supplied by the host program and
// are never part of this file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/behrlich/go-bmservice/internal/constants"
	"github.com/behrlich/go-bmservice/internal/ctrl"
	"github.com/behrlich/go-bmservice/internal/logging"
)

// FileConfig mirrors the fields of RunnerParams that make sense to vary
// per deployment without a rebuild.
type FileConfig struct {
	DeviceIDs   []int  `yaml:"device_ids"`
	ModelPath   string `yaml:"model_path"`
	NetworkName string `yaml:"network_name"`

	InputQueueBurst int   `yaml:"input_queue_burst"`
	CPUAffinity     []int `yaml:"cpu_affinity"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Default returns the baseline configuration a Runner falls back to when
// no file or environment override is present (spec.md §6's env surface
// takes precedence over these when both are set).
func Default() *FileConfig {
	return &FileConfig{
		InputQueueBurst: constants.DefaultInputQueueBurst,
		LogLevel:        "info",
		LogFormat:       "text",
	}
}

// Load reads and parses a YAML file at path into a FileConfig seeded
// from Default().
func Load(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnvOverrides lets the BMSERVICE_USE_DEVICE / BMSERVICE_LOG_LEVEL
// environment variables (spec.md §6) override whatever the file set,
// matching the precedence a deployed binary expects: file for the
// defaults, environment for the one-off override.
func (c *FileConfig) ApplyEnvOverrides() {
	if raw := os.Getenv(ctrl.EnvUseDevice); raw != "" {
		if ids := ctrl.ParseUseDevice(raw); ids != nil {
			c.DeviceIDs = ids
		}
	}
	if raw := os.Getenv(ctrl.EnvLogLevel); raw != "" {
		c.LogLevel = raw
	}
}

// LoggingLevel parses c.LogLevel: the named logrus-style levels first
// (an empty string means Info), otherwise the environment surface's
// integer 0-4 encoding via ctrl.ParseLogLevel, which falls back to Info.
func (c *FileConfig) LoggingLevel() logging.LogLevel {
	switch c.LogLevel {
	case "debug":
		return logging.LevelDebug
	case "info", "":
		return logging.LevelInfo
	case "warn", "warning":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	case "fatal":
		return logging.LevelFatal
	default:
		return ctrl.ParseLogLevel(c.LogLevel)
	}
}

// LoggingConfig builds a logging.Config from the file's level/format
// fields, ready to hand to logging.NewLogger.
func (c *FileConfig) LoggingConfig() *logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = c.LoggingLevel()
	if c.LogFormat != "" {
		cfg.Format = c.LogFormat
	}
	return cfg
}
