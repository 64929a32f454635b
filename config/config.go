// Package config loads node configuration from an optional YAML file,
// layering its values over the built-in defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config bounds the sizes and timings of a node's components.
type Config struct {
	K               int
	Alpha           int
	StoreSize       int
	MaxAge          time.Duration
	MaxConnections  int
	ReqBuffer       int
	RefreshInterval time.Duration
}

// Default returns the configuration described in the external
// interfaces section: k=20, alpha=2, store_size=100, max_age=1 day,
// max_connections=50, req_buffer=10, refresh_interval=10 min.
func Default() Config {
	return Config{
		K:               20,
		Alpha:           2,
		StoreSize:       100,
		MaxAge:          24 * time.Hour,
		MaxConnections:  50,
		ReqBuffer:       10,
		RefreshInterval: 10 * time.Minute,
	}
}

// fileConfig mirrors Config but with duration fields as parseable
// strings, since yaml.v3 does not unmarshal time.Duration natively.
type fileConfig struct {
	K               *int    `yaml:"k"`
	Alpha           *int    `yaml:"alpha"`
	StoreSize       *int    `yaml:"store_size"`
	MaxAge          *string `yaml:"max_age"`
	MaxConnections  *int    `yaml:"max_connections"`
	ReqBuffer       *int    `yaml:"req_buffer"`
	RefreshInterval *string `yaml:"refresh_interval"`
}

// Load reads a YAML file at path and merges its values over Default.
// A missing file is not an error; it simply leaves the defaults in
// place.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if fc.K != nil {
		cfg.K = *fc.K
	}
	if fc.Alpha != nil {
		cfg.Alpha = *fc.Alpha
	}
	if fc.StoreSize != nil {
		cfg.StoreSize = *fc.StoreSize
	}
	if fc.MaxConnections != nil {
		cfg.MaxConnections = *fc.MaxConnections
	}
	if fc.ReqBuffer != nil {
		cfg.ReqBuffer = *fc.ReqBuffer
	}
	if fc.MaxAge != nil {
		d, err := time.ParseDuration(*fc.MaxAge)
		if err != nil {
			return cfg, fmt.Errorf("config: max_age: %w", err)
		}
		cfg.MaxAge = d
	}
	if fc.RefreshInterval != nil {
		d, err := time.ParseDuration(*fc.RefreshInterval)
		if err != nil {
			return cfg, fmt.Errorf("config: refresh_interval: %w", err)
		}
		cfg.RefreshInterval = d
	}
	return cfg, nil
}
