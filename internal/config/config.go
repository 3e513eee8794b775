// Package config loads procsi's optional per-project settings file,
// following the teacher's vouch-policy.yaml pattern: a YAML file with
// sensible defaults for every field, so its absence is never an error.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config carries the tunables spec.md leaves with defaults: repository
// retention, body truncation, and the interceptor timing budgets.
type Config struct {
	MaxStoredRequests int `yaml:"maxStoredRequests"`
	MaxBodySize       int `yaml:"maxBodySize"`
	MatchTimeoutMs    int `yaml:"matchTimeoutMs"`
	HandlerTimeoutMs  int `yaml:"handlerTimeoutMs"`
	EventLogCapacity  int `yaml:"eventLogCapacity"`
}

// Defaults returns the built-in values used when no config file is
// present or a field is left unset in it.
func Defaults() Config {
	return Config{
		MaxStoredRequests: 5000,
		MaxBodySize:       1 << 20, // 1 MiB
		MatchTimeoutMs:    50,
		HandlerTimeoutMs:  5000,
		EventLogCapacity:  1000,
	}
}

// Load reads path and overlays its fields on top of Defaults(). A
// missing file is not an error — it simply yields the defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}

	var overlay struct {
		MaxStoredRequests *int `yaml:"maxStoredRequests"`
		MaxBodySize       *int `yaml:"maxBodySize"`
		MatchTimeoutMs    *int `yaml:"matchTimeoutMs"`
		HandlerTimeoutMs  *int `yaml:"handlerTimeoutMs"`
		EventLogCapacity  *int `yaml:"eventLogCapacity"`
	}
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if overlay.MaxStoredRequests != nil {
		cfg.MaxStoredRequests = *overlay.MaxStoredRequests
	}
	if overlay.MaxBodySize != nil {
		cfg.MaxBodySize = *overlay.MaxBodySize
	}
	if overlay.MatchTimeoutMs != nil {
		cfg.MatchTimeoutMs = *overlay.MatchTimeoutMs
	}
	if overlay.HandlerTimeoutMs != nil {
		cfg.HandlerTimeoutMs = *overlay.HandlerTimeoutMs
	}
	if overlay.EventLogCapacity != nil {
		cfg.EventLogCapacity = *overlay.EventLogCapacity
	}

	return cfg, nil
}
