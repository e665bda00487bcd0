// Package config loads the service configuration for the HTTP surface.
//
// Precedence is runtime overrides > environment variables > config files
// > built-in defaults. Environment variables use the CTFSTREAM_ prefix.
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"gopkg.in/yaml.v3"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig holds log level and output profile.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

// HealthConfig controls the health endpoints.
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// DebugConfig controls debug facilities.
type DebugConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	PprofEnabled bool `mapstructure:"pprof_enabled"`
}

// Config is the full service configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Health  HealthConfig  `mapstructure:"health"`
	Debug   DebugConfig   `mapstructure:"debug"`
	Workers int           `mapstructure:"workers"`
}

// identity anchors env prefix and config file discovery.
type identity struct {
	EnvPrefix  string
	ConfigName string
}

var (
	configMu    sync.RWMutex
	appConfig   *Config
	appIdentity *identity
)

// envSpec maps an environment variable onto a settings path.
type envSpec struct {
	Name string
	Path string
}

func defaultIdentity() *identity {
	return &identity{EnvPrefix: "CTFSTREAM", ConfigName: "ctfstream"}
}

func defaultSettings() map[string]any {
	return map[string]any{
		"server": map[string]any{
			"host":             "localhost",
			"port":             8080,
			"read_timeout":     "30s",
			"write_timeout":    "30s",
			"idle_timeout":     "120s",
			"shutdown_timeout": "10s",
		},
		"logging": map[string]any{
			"level":   "info",
			"profile": "STRUCTURED",
		},
		"health": map[string]any{
			"enabled": true,
		},
		"debug": map[string]any{
			"enabled":       false,
			"pprof_enabled": false,
		},
		"workers": 4,
	}
}

// getEnvSpecs returns the env-var-to-settings-path mappings.
// Returns an empty slice before Load establishes the app identity.
func getEnvSpecs() []envSpec {
	if appIdentity == nil {
		return nil
	}
	p := appIdentity.EnvPrefix + "_"
	return []envSpec{
		{Name: p + "HOST", Path: "server.host"},
		{Name: p + "PORT", Path: "server.port"},
		{Name: p + "READ_TIMEOUT", Path: "server.read_timeout"},
		{Name: p + "WRITE_TIMEOUT", Path: "server.write_timeout"},
		{Name: p + "IDLE_TIMEOUT", Path: "server.idle_timeout"},
		{Name: p + "SHUTDOWN_TIMEOUT", Path: "server.shutdown_timeout"},
		{Name: p + "LOG_LEVEL", Path: "logging.level"},
		{Name: p + "LOG_PROFILE", Path: "logging.profile"},
		{Name: p + "HEALTH_ENABLED", Path: "health.enabled"},
		{Name: p + "DEBUG_ENABLED", Path: "debug.enabled"},
		{Name: p + "PPROF_ENABLED", Path: "debug.pprof_enabled"},
		{Name: p + "WORKERS", Path: "workers"},
	}
}

// ciBoundaryVars are checked, in order, for a CI workspace root hint.
var ciBoundaryVars = []string{
	"FULMEN_WORKSPACE_ROOT",
	"GITHUB_WORKSPACE",
	"CI_PROJECT_DIR",
	"WORKSPACE",
}

func inCI() bool {
	return os.Getenv("CI") == "true" || os.Getenv("GITHUB_ACTIONS") == "true"
}

// findProjectRoot locates the repository root for project-level config
// discovery. In CI the workspace boundary vars take precedence; a hint
// that is relative, missing, or not an ancestor of the cwd falls back
// to walking up for go.mod or .git.
func findProjectRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	if inCI() {
		for _, name := range ciBoundaryVars {
			hint := os.Getenv(name)
			if hint == "" || !filepath.IsAbs(hint) {
				continue
			}
			info, err := os.Stat(hint)
			if err != nil || !info.IsDir() {
				continue
			}
			rel, err := filepath.Rel(hint, cwd)
			if err != nil || strings.HasPrefix(rel, "..") {
				continue
			}
			return hint, nil
		}
	}

	dir := cwd
	for {
		for _, marker := range []string{"go.mod", ".git"} {
			if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
				return dir, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return cwd, nil
		}
		dir = parent
	}
}

// getUserConfigPaths returns candidate config files in ascending
// precedence. Returns an empty slice before Load establishes identity.
func getUserConfigPaths() []string {
	if appIdentity == nil {
		return nil
	}
	var paths []string
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".config", appIdentity.ConfigName, "config.yaml"))
	}
	if root, err := findProjectRoot(); err == nil {
		paths = append(paths,
			filepath.Join(root, "."+appIdentity.ConfigName+".yaml"))
	}
	return paths
}

// Load builds the configuration and caches it for GetConfig.
//
// Optional override maps are applied last and win over environment
// variables and config files. Load may be called again to reload.
func Load(_ context.Context, overrides ...map[string]any) (*Config, error) {
	configMu.Lock()
	defer configMu.Unlock()

	if appIdentity == nil {
		appIdentity = defaultIdentity()
	}

	settings := defaultSettings()

	for _, path := range getUserConfigPaths() {
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var fileSettings map[string]any
		if err := yaml.Unmarshal(raw, &fileSettings); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
		deepMerge(settings, fileSettings)
	}

	for _, spec := range getEnvSpecs() {
		if value, ok := os.LookupEnv(spec.Name); ok && value != "" {
			setPath(settings, spec.Path, value)
		}
	}

	for _, override := range overrides {
		deepMerge(settings, override)
	}

	cfg := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		Result:           cfg,
	})
	if err != nil {
		return nil, fmt.Errorf("build config decoder: %w", err)
	}
	if err := decoder.Decode(settings); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	appConfig = cfg
	return cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil if
// Load has not been called.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// deepMerge merges src into dst, recursing into nested maps.
func deepMerge(dst, src map[string]any) {
	for key, value := range src {
		if srcMap, ok := value.(map[string]any); ok {
			if dstMap, ok := dst[key].(map[string]any); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = value
	}
}

// setPath sets a dotted path like "server.port" in a nested map.
func setPath(settings map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	current := settings
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			current[part] = next
		}
		current = next
	}
	current[parts[len(parts)-1]] = value
}
