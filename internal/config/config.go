// Package config loads the harness runtime configuration.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the runtime configuration from certus.yaml.
type Config struct {
	Listen     string           `yaml:"listen"`
	LogLevel   string           `yaml:"log_level"`
	Admin      AdminConfig      `yaml:"admin"`
	Procedures ProceduresConfig `yaml:"procedures"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Notify     NotifyConfig     `yaml:"notify"`
}

// AdminConfig holds the reference server's admin API settings. Credentials
// support ${VAR} interpolation so secrets stay out of the file.
type AdminConfig struct {
	BaseURL  string `yaml:"base_url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// Timeout bounds each admin API request, as a Go duration string.
	Timeout string `yaml:"timeout"`
}

// ProceduresConfig locates external procedure definitions. The built-in
// catalog is always available; files in Dir override it by name.
type ProceduresConfig struct {
	Dir string `yaml:"dir"`
}

// ArchiveConfig locates the interaction archive database.
type ArchiveConfig struct {
	Path string `yaml:"path"`
}

// NotifyConfig tunes the notification correlator.
type NotifyConfig struct {
	Buffer      int `yaml:"buffer"`
	DedupWindow int `yaml:"dedup_window"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Listen:   ":8080",
		LogLevel: "info",
		Admin: AdminConfig{
			BaseURL:  "http://localhost:8000/admin",
			Username: "admin",
			Password: "${CERTUS_ADMIN_PASSWORD}",
			Timeout:  "30s",
		},
		Archive: ArchiveConfig{
			Path: "certus.db",
		},
		Notify: NotifyConfig{
			Buffer:      256,
			DedupWindow: 4096,
		},
	}
}

// Load reads and parses a runtime config YAML file. Returns the default
// config when the file doesn't exist. Environment variables referenced as
// ${VAR} are interpolated before parsing.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return interpolated(cfg), nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal([]byte(interpolateEnvVars(string(data))), &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	return interpolated(cfg), nil
}

// interpolated resolves ${VAR} references that survived into field values,
// covering defaults that were never serialized through YAML.
func interpolated(cfg Config) Config {
	cfg.Admin.Username = interpolateEnvVars(cfg.Admin.Username)
	cfg.Admin.Password = interpolateEnvVars(cfg.Admin.Password)
	return cfg
}

// envVarPattern matches ${VAR_NAME} patterns.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// interpolateEnvVars replaces ${VAR_NAME} patterns with environment
// variable values. Unset variables resolve to the empty string so a missing
// secret fails authentication loudly instead of leaking the placeholder.
func interpolateEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		return os.Getenv(varName)
	})
}
