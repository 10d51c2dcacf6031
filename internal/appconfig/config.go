// Package appconfig holds the ambient configuration this process loads the
// way the teacher's services do (koanf defaults → file → env), trimmed down
// to the settings the domain CLI flags (C9) don't already own: logging and
// the process-local metrics endpoint.
package appconfig

import (
	"fmt"
	"strings"
)

// Config is the ambient settings layer: everything that can also be tuned
// from the environment without touching the domain-specific --asgs/--domain
// CLI contract.
type Config struct {
	Log     LogConfig     `koanf:"log"`
	Metrics MetricsConfig `koanf:"metrics"`
}

// LogConfig mirrors logger.Config field-for-field so a loaded Config can be
// handed straight to logger.InitWithConfig.
type LogConfig struct {
	Level      string `koanf:"level"`
	Format     string `koanf:"format"`
	Output     string `koanf:"output"`
	FilePath   string `koanf:"file_path"`
	MaxSize    int    `koanf:"max_size"`
	MaxBackups int    `koanf:"max_backups"`
	MaxAge     int    `koanf:"max_age"`
	Compress   bool   `koanf:"compress"`
}

// MetricsConfig controls the process-local Prometheus/healthz endpoint (C11).
// Addr empty disables the endpoint entirely.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate checks the loaded configuration for internally inconsistent
// values, mirroring the teacher's Config.Validate shape.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Sprintf("log.level must be one of: debug, info, warn, error, got %q", c.Log.Level))
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Sprintf("log.format must be one of: json, text, got %q", c.Log.Format))
	}
	switch c.Log.Output {
	case "stdout", "stderr", "file":
	default:
		errs = append(errs, fmt.Sprintf("log.output must be one of: stdout, stderr, file, got %q", c.Log.Output))
	}
	if c.Log.Output == "file" && c.Log.FilePath == "" {
		errs = append(errs, "log.file_path is required when log.output is \"file\"")
	}

	if len(errs) > 0 {
		return fmt.Errorf("ambient configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
