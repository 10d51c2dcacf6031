package appconfig

import (
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// envPrefix is this service's prefix, distinct from the teacher's
// LOGISTICS_ so the two can coexist in a shared environment.
const envPrefix = "CISCALER_"

// defaultConfigPaths are checked, in order, when CONFIG_PATH is unset. A
// missing file at every path is not an error: ambient config is optional.
var defaultConfigPaths = []string{
	"./ci-scaler.yaml",
	"/etc/ci-scaler/ci-scaler.yaml",
}

// Loader loads the ambient Config the same way the teacher's pkg/config
// does: defaults, then an optional file, then environment overrides.
type Loader struct {
	k           *koanf.Koanf
	configPaths []string
	envPrefix   string
}

// LoaderOption customizes a Loader.
type LoaderOption func(*Loader)

// WithConfigPaths overrides the default search paths used when CONFIG_PATH
// is not set.
func WithConfigPaths(paths ...string) LoaderOption {
	return func(l *Loader) { l.configPaths = paths }
}

// WithEnvPrefix overrides the environment variable prefix, mainly for tests.
func WithEnvPrefix(prefix string) LoaderOption {
	return func(l *Loader) { l.envPrefix = prefix }
}

// NewLoader builds a Loader with the service's defaults.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		k:           koanf.New("."),
		configPaths: defaultConfigPaths,
		envPrefix:   envPrefix,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load runs the full defaults -> file -> env -> validate pipeline and
// returns the resulting Config.
func (l *Loader) Load() (*Config, error) {
	if err := l.loadDefaults(); err != nil {
		return nil, err
	}
	if err := l.loadConfigFile(); err != nil {
		return nil, err
	}
	if err := l.loadEnv(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := l.k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (l *Loader) loadDefaults() error {
	defaults := map[string]any{
		"log.level":       "info",
		"log.format":      "json",
		"log.output":      "stdout",
		"log.file_path":   "",
		"log.max_size":    100,
		"log.max_backups": 3,
		"log.max_age":     7,
		"log.compress":    true,
		"metrics.addr":    "",
	}
	return l.k.Load(confmap.Provider(defaults, "."), nil)
}

// loadConfigFile loads CONFIG_PATH, or the first of configPaths that
// exists. Ambient config has no mandatory file, so the absence of any
// candidate path is not an error.
func (l *Loader) loadConfigFile() error {
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		return l.k.Load(file.Provider(path), yaml.Parser())
	}
	for _, path := range l.configPaths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		return l.k.Load(file.Provider(path), yaml.Parser())
	}
	return nil
}

func (l *Loader) loadEnv() error {
	return l.k.Load(env.Provider(l.envPrefix, ".", func(s string) string {
		trimmed := strings.TrimPrefix(s, l.envPrefix)
		// Only the first underscore separates section from key, so
		// LOG_FILE_PATH maps to log.file_path.
		return strings.ToLower(strings.Replace(trimmed, "_", ".", 1))
	}), nil)
}

// Load is the convenience entry point used by cmd/ci-scaler.
func Load() (*Config, error) {
	return NewLoader().Load()
}
