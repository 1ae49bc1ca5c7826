// Package config loads engine settings from YAML, .env files and the
// environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"turbine-health-monitor/internal/fault"
	"turbine-health-monitor/internal/health"
	"turbine-health-monitor/internal/normalize"
	"turbine-health-monitor/internal/performance"
	"turbine-health-monitor/internal/pipeline"
	"turbine-health-monitor/internal/powercurve"
)

// Defaults for the non-engine sections.
const (
	DefaultDBPath    = "turbine_health.db"
	DefaultHTTPPort  = 8080
	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
)

// Environment variables that override file values.
const (
	EnvDB        = "TURBINE_DB"
	EnvLogLevel  = "TURBINE_LOG_LEVEL"
	EnvLogFormat = "TURBINE_LOG_FORMAT"
	EnvHTTPPort  = "TURBINE_HTTP_PORT"
)

// Config is the top-level configuration. Fields map 1:1 to config.example.yaml.
type Config struct {
	Turbine     TurbineConfig      `yaml:"turbine"`
	Normalizer  normalize.Config   `yaml:"normalizer"`
	PowerCurve  powercurve.Config  `yaml:"power_curve"`
	Performance performance.Config `yaml:"performance"`
	Faults      fault.Config       `yaml:"faults"`
	Health      health.Config      `yaml:"health"`
	Engine      EngineConfig       `yaml:"engine"`
	Storage     StorageConfig      `yaml:"storage"`
	Server      ServerConfig       `yaml:"server"`
	Logging     LoggingConfig      `yaml:"logging"`
}

// TurbineConfig holds fleet-wide turbine characteristics.
type TurbineConfig struct {
	RatedCapacityKW  float64       `yaml:"rated_capacity_kw"`
	SamplingInterval time.Duration `yaml:"sampling_interval"`
}

// EngineConfig controls run parallelism.
type EngineConfig struct {
	Workers int `yaml:"workers"`
}

// StorageConfig locates the SQLite database.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// ServerConfig holds REST API settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | text
	File   string `yaml:"file"`
}

// Default returns a Config with every documented default.
func Default() *Config {
	return &Config{
		Turbine: TurbineConfig{
			RatedCapacityKW:  normalize.DefaultRatedCapacityKW,
			SamplingInterval: normalize.DefaultSamplingInterval,
		},
		Normalizer:  normalize.DefaultConfig(),
		PowerCurve:  powercurve.DefaultConfig(),
		Performance: performance.DefaultConfig(),
		Faults:      fault.DefaultConfig(),
		Health:      health.DefaultConfig(),
		Engine:      EngineConfig{Workers: pipeline.DefaultWorkers},
		Storage:     StorageConfig{Path: DefaultDBPath},
		Server:      ServerConfig{Port: DefaultHTTPPort},
		Logging:     LoggingConfig{Level: DefaultLogLevel, Format: DefaultLogFormat},
	}
}

// Load reads the YAML file at path over the defaults and validates the
// result. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// LoadEnv loads .env files (missing files are ignored) and applies the
// TURBINE_* overrides to cfg.
func LoadEnv(cfg *Config, files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: load %s: %w", f, err)
		}
	}

	if v := os.Getenv(EnvDB); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv(EnvHTTPPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", EnvHTTPPort, err)
		}
		cfg.Server.Port = port
	}
	return cfg.Validate()
}

// Validate checks ranges and structural constraints.
func (c *Config) Validate() error {
	switch {
	case c.Turbine.RatedCapacityKW <= 0:
		return errors.New("turbine.rated_capacity_kw must be positive")
	case c.Turbine.SamplingInterval <= 0:
		return errors.New("turbine.sampling_interval must be positive")
	case c.Normalizer.PowerTolerance < 0:
		return errors.New("normalizer.power_tolerance must not be negative")
	case c.Normalizer.MaxMissingFraction < 0 || c.Normalizer.MaxMissingFraction > 1:
		return errors.New("normalizer.max_missing_fraction must be within [0, 1]")
	case c.Normalizer.MinRecords < 1:
		return errors.New("normalizer.min_records must be at least 1")
	case c.Normalizer.MaxInterpolationGap < 0:
		return errors.New("normalizer.max_interpolation_gap must not be negative")
	case c.Normalizer.MinTemperatureC >= c.Normalizer.MaxTemperatureC:
		return errors.New("normalizer.min_temperature_c must be below max_temperature_c")
	case c.PowerCurve.BinWidth <= 0:
		return errors.New("power_curve.bin_width must be positive")
	case c.PowerCurve.CutOutSpeed <= c.PowerCurve.CutInSpeed:
		return errors.New("power_curve.cut_out_speed must exceed cut_in_speed")
	case c.PowerCurve.MinBinSamples < 1:
		return errors.New("power_curve.min_bin_samples must be at least 1")
	case c.Performance.DeficitThreshold <= 0 || c.Performance.DeficitThreshold >= 1:
		return errors.New("performance.deficit_threshold must be within (0, 1)")
	case c.Performance.MinDuration < 0:
		return errors.New("performance.min_duration must not be negative")
	case c.Performance.MaxBridgeSamples < 0:
		return errors.New("performance.max_bridge_samples must not be negative")
	case c.Faults.CriticalRatio <= 1:
		return errors.New("faults.critical_ratio must exceed 1")
	case c.Faults.PitchWindowSamples < 2:
		return errors.New("faults.pitch_window_samples must be at least 2")
	case c.Faults.YawDwell <= 0:
		return errors.New("faults.yaw_dwell must be positive")
	case c.Health.Window < 24*time.Hour:
		return errors.New("health.window must be at least 24h")
	case c.Health.FaultRateLimit <= 0:
		return errors.New("health.fault_rate_limit must be positive")
	case c.Engine.Workers < 1:
		return errors.New("engine.workers must be at least 1")
	case c.Storage.Path == "":
		return errors.New("storage.path is required")
	case c.Server.Port < 1 || c.Server.Port > 65535:
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	w := c.Health.Weights
	if w.OilTrend < 0 || w.VibrationTrend < 0 || w.FaultFrequency < 0 || w.FaultSeverity < 0 {
		return errors.New("health.weights must not be negative")
	}
	if sum := w.OilTrend + w.VibrationTrend + w.FaultFrequency + w.FaultSeverity; sum > 100 {
		return fmt.Errorf("health.weights sum to %.1f, must not exceed 100", sum)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format %q must be json or text", c.Logging.Format)
	}
	return nil
}

// Pipeline returns the engine configuration with the turbine-level settings
// copied into every component.
func (c *Config) Pipeline() pipeline.Config {
	pc := pipeline.Config{
		Normalizer:  c.Normalizer,
		PowerCurve:  c.PowerCurve,
		Performance: c.Performance,
		Faults:      c.Faults,
		Health:      c.Health,
		Workers:     c.Engine.Workers,
	}
	pc.Normalizer.RatedCapacityKW = c.Turbine.RatedCapacityKW
	pc.Normalizer.SamplingInterval = c.Turbine.SamplingInterval
	pc.PowerCurve.RatedCapacityKW = c.Turbine.RatedCapacityKW
	pc.Performance.RatedCapacityKW = c.Turbine.RatedCapacityKW
	pc.Faults.SamplingInterval = c.Turbine.SamplingInterval
	return pc
}
