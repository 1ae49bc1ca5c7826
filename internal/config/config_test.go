package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// loadStringErr writes yaml to a temp config file and loads it.
func loadStringErr(t *testing.T, yaml string) (*Config, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	return Load(path)
}

// loadFromString is loadStringErr that fails the test on error.
func loadFromString(t *testing.T, yaml string) *Config {
	t.Helper()
	cfg, err := loadStringErr(t, yaml)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return cfg
}

func TestLoad_Defaults(t *testing.T) {
	cfg := loadFromString(t, "engine:\n  workers: 2\n")

	if cfg.Engine.Workers != 2 {
		t.Errorf("workers: got %d", cfg.Engine.Workers)
	}
	if cfg.Turbine.RatedCapacityKW != 2000 || cfg.Turbine.SamplingInterval != 10*time.Minute {
		t.Errorf("turbine defaults: got %+v", cfg.Turbine)
	}
	if cfg.Faults.GearboxOilTempLimitC != 85 || cfg.Faults.YawDwell != 30*time.Minute {
		t.Errorf("fault defaults: got %+v", cfg.Faults)
	}
	if cfg.Health.Window != 720*time.Hour || cfg.Health.Weights.OilTrend != 30 {
		t.Errorf("health defaults: got %+v", cfg.Health)
	}
	if cfg.Storage.Path != DefaultDBPath || cfg.Server.Port != DefaultHTTPPort {
		t.Errorf("storage/server defaults: %+v %+v", cfg.Storage, cfg.Server)
	}
}

func TestLoad_Overrides(t *testing.T) {
	yaml := `
turbine:
  rated_capacity_kw: 3300
  sampling_interval: 5m
normalizer:
  max_interpolation_gap: 6
power_curve:
  bin_width: 1.0
performance:
  min_duration: 1h
faults:
  vibration_limit_g: 2.2
  yaw_dwell: 45m
health:
  window: 168h
  weights:
    fault_severity: 10
logging:
  format: text
`
	cfg := loadFromString(t, yaml)

	if cfg.Turbine.RatedCapacityKW != 3300 || cfg.Turbine.SamplingInterval != 5*time.Minute {
		t.Errorf("turbine: got %+v", cfg.Turbine)
	}
	if cfg.Normalizer.MaxInterpolationGap != 6 || cfg.Normalizer.MinRecords != 144 {
		t.Errorf("normalizer: got %+v", cfg.Normalizer)
	}
	if cfg.PowerCurve.BinWidth != 1.0 || cfg.PowerCurve.CutOutSpeed != 25 {
		t.Errorf("power_curve: got %+v", cfg.PowerCurve)
	}
	if cfg.Performance.MinDuration != time.Hour {
		t.Errorf("performance.min_duration: got %v", cfg.Performance.MinDuration)
	}
	if cfg.Faults.VibrationLimitG != 2.2 || cfg.Faults.YawDwell != 45*time.Minute {
		t.Errorf("faults: got %+v", cfg.Faults)
	}
	if cfg.Health.Window != 168*time.Hour || cfg.Health.Weights.FaultSeverity != 10 || cfg.Health.Weights.OilTrend != 30 {
		t.Errorf("health: got %+v", cfg.Health)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("logging.format: got %q", cfg.Logging.Format)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"negative rating", "turbine:\n  rated_capacity_kw: -1\n"},
		{"cut-out below cut-in", "power_curve:\n  cut_in_speed: 10\n  cut_out_speed: 5\n"},
		{"missing fraction above one", "normalizer:\n  max_missing_fraction: 1.5\n"},
		{"critical ratio", "faults:\n  critical_ratio: 1\n"},
		{"zero workers", "engine:\n  workers: 0\n"},
		{"port", "server:\n  port: 70000\n"},
		{"weights", "health:\n  weights:\n    oil_trend: 90\n"},
		{"log format", "logging:\n  format: xml\n"},
		{"bad duration", "turbine:\n  sampling_interval: soon\n"},
		{"bad yaml", "turbine: [\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := loadStringErr(t, tc.yaml); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
	cfg, err := Load("")
	if err != nil || cfg.Engine.Workers != 4 {
		t.Fatalf("Load(\"\") = %+v, %v", cfg, err)
	}
}

func TestPipeline_CopiesTurbineSettings(t *testing.T) {
	cfg := loadFromString(t, "turbine:\n  rated_capacity_kw: 3000\n  sampling_interval: 1m\n")
	pc := cfg.Pipeline()

	if pc.Normalizer.RatedCapacityKW != 3000 || pc.PowerCurve.RatedCapacityKW != 3000 || pc.Performance.RatedCapacityKW != 3000 {
		t.Errorf("rated capacity not propagated: %+v", pc)
	}
	if pc.Normalizer.SamplingInterval != time.Minute || pc.Faults.SamplingInterval != time.Minute {
		t.Errorf("sampling interval not propagated: %+v", pc)
	}
	if pc.Workers != cfg.Engine.Workers {
		t.Errorf("workers: got %d", pc.Workers)
	}
}

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	if err := os.WriteFile(envFile, []byte("TURBINE_LOG_FORMAT=text\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvDB, filepath.Join(dir, "farm.db"))
	t.Setenv(EnvHTTPPort, "9191")
	os.Unsetenv(EnvLogFormat)
	t.Cleanup(func() { os.Unsetenv(EnvLogFormat) })

	cfg := Default()
	if err := LoadEnv(cfg, envFile, filepath.Join(dir, "absent.env")); err != nil {
		t.Fatalf("LoadEnv() error = %v", err)
	}
	if cfg.Storage.Path != filepath.Join(dir, "farm.db") {
		t.Errorf("storage.path: got %q", cfg.Storage.Path)
	}
	if cfg.Server.Port != 9191 {
		t.Errorf("server.port: got %d", cfg.Server.Port)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("logging.format from .env: got %q", cfg.Logging.Format)
	}
}

func TestLoadEnv_BadPort(t *testing.T) {
	t.Setenv(EnvHTTPPort, "eighty")
	if err := LoadEnv(Default(), filepath.Join(t.TempDir(), "none.env")); err == nil {
		t.Fatal("expected error for non-numeric port")
	}
}

// replaceFile swaps path's content by rename, the way editors save.
func replaceFile(t *testing.T, path, content string) {
	t.Helper()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}
}

func TestReloader_Run(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("engine:\n  workers: 2\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	os.Unsetenv(EnvDB)
	t.Setenv(EnvHTTPPort, "9292")

	r := &Reloader{
		Path:     path,
		EnvFiles: []string{filepath.Join(dir, "absent.env")},
		Override: func(c *Config) { c.Storage.Path = "flag.db" },
		Debounce: 50 * time.Millisecond,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan *Config, 8)
	done := make(chan error, 1)
	go func() {
		done <- r.Run(ctx, func(c *Config) { got <- c })
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)

	// An unrelated file in the same directory is ignored.
	if err := os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	replaceFile(t, path, "engine:\n  workers: 8\n")

	select {
	case c := <-got:
		if c.Engine.Workers != 8 {
			t.Errorf("workers = %d, want 8", c.Engine.Workers)
		}
		if c.Server.Port != 9292 || c.Storage.Path != "flag.db" {
			t.Errorf("overrides not applied: port %d, db %q", c.Server.Port, c.Storage.Path)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}

	// An invalid file keeps the previous config and a rewrite with the same
	// content does not fire again.
	replaceFile(t, path, "engine:\n  workers: -1\n")
	time.Sleep(200 * time.Millisecond)
	replaceFile(t, path, "engine:\n  workers: 8\n")
	select {
	case c := <-got:
		t.Errorf("unexpected reload: %+v", c.Engine)
	case <-time.After(300 * time.Millisecond):
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() error = %v", err)
	}
}
