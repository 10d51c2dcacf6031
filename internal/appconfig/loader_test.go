package appconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoader_LoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected log level 'info', got %s", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("expected log format 'json', got %s", cfg.Log.Format)
	}
	if cfg.Log.Output != "stdout" {
		t.Errorf("expected log output 'stdout', got %s", cfg.Log.Output)
	}
	if cfg.Metrics.Addr != "" {
		t.Errorf("expected empty metrics addr by default, got %s", cfg.Metrics.Addr)
	}
}

func TestLoader_LoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
log:
  level: debug
  format: text
metrics:
  addr: ":9100"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := NewLoader(WithConfigPaths(configPath)).Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected log level 'debug', got %s", cfg.Log.Level)
	}
	if cfg.Log.Format != "text" {
		t.Errorf("expected log format 'text', got %s", cfg.Log.Format)
	}
	if cfg.Metrics.Addr != ":9100" {
		t.Errorf("expected metrics addr ':9100', got %s", cfg.Metrics.Addr)
	}
}

func TestLoader_LoadFromEnv(t *testing.T) {
	os.Setenv("CISCALER_LOG_LEVEL", "warn")
	os.Setenv("CISCALER_METRICS_ADDR", ":9200")
	defer func() {
		os.Unsetenv("CISCALER_LOG_LEVEL")
		os.Unsetenv("CISCALER_METRICS_ADDR")
	}()

	cfg, err := NewLoader().Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("expected log level 'warn', got %s", cfg.Log.Level)
	}
	if cfg.Metrics.Addr != ":9200" {
		t.Errorf("expected metrics addr ':9200', got %s", cfg.Metrics.Addr)
	}
}

func TestLoader_EnvOverridesFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	os.WriteFile(configPath, []byte("log:\n  level: debug\n"), 0644)

	os.Setenv("CISCALER_LOG_LEVEL", "error")
	defer os.Unsetenv("CISCALER_LOG_LEVEL")

	cfg, err := NewLoader(WithConfigPaths(configPath)).Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.Log.Level != "error" {
		t.Errorf("expected env override 'error', got %s", cfg.Log.Level)
	}
}

func TestLoader_WithEnvPrefix(t *testing.T) {
	os.Setenv("CUSTOM_LOG_LEVEL", "debug")
	defer os.Unsetenv("CUSTOM_LOG_LEVEL")

	cfg, err := NewLoader(WithEnvPrefix("CUSTOM_")).Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected 'debug', got %s", cfg.Log.Level)
	}
}

func TestLoader_ConfigPathEnvVar(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "custom-config.yaml")
	os.WriteFile(configPath, []byte("log:\n  level: debug\n"), 0644)

	os.Setenv("CONFIG_PATH", configPath)
	defer os.Unsetenv("CONFIG_PATH")

	cfg, err := NewLoader().Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected 'debug' from CONFIG_PATH file, got %s", cfg.Log.Level)
	}
}

func TestLoad_Simple(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg == nil {
		t.Error("expected non-nil config")
	}
}

func TestConfig_Validate_RejectsUnknownLevel(t *testing.T) {
	cfg := Config{Log: LogConfig{Level: "verbose", Format: "json", Output: "stdout"}}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown log level")
	}
}

func TestConfig_Validate_RejectsFileOutputWithoutPath(t *testing.T) {
	cfg := Config{Log: LogConfig{Level: "info", Format: "json", Output: "file"}}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for file output without file_path")
	}
}

func TestConfig_Validate_AcceptsValidConfig(t *testing.T) {
	cfg := Config{Log: LogConfig{Level: "info", Format: "json", Output: "stdout"}}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}
