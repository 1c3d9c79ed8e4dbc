// Package sysconfig loads the one rarely-edited, by-hand system config
// file: process-level settings such as listen ports and the log cap.
// The frequently-hot-reloaded domain files (channel catalog, router
// config, LB state, filter rules) are JSON and live in their own
// packages.
package sysconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/clprelay/relay/internal/trafficlog"
)

// FamilyConfig describes one upstream family's listen port and the
// directory holding its per-family config files.
type FamilyConfig struct {
	Port      int    `yaml:"port"`
	ConfigDir string `yaml:"configDir"`
}

// Config is the top-level system configuration document.
type Config struct {
	LogLimit  int                     `yaml:"logLimit"`
	Families  map[string]FamilyConfig `yaml:"families"`
	SharedDir string                  `yaml:"sharedDir"`
}

// Load reads and validates the system config file at path. A missing
// file yields the defaults written by WriteDefault.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := defaultConfig()
			return &cfg, nil
		}
		return nil, fmt.Errorf("reading system config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parsing system config %s: %w", path, err)
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaultConfig() Config {
	cfg := Config{
		Families: map[string]FamilyConfig{
			"claude": {Port: 3210},
			"codex":  {Port: 3211},
		},
	}
	applyDefaults(&cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.LogLimit == 0 {
		cfg.LogLimit = trafficlog.DefaultCap
	}
	if cfg.Families == nil {
		cfg.Families = map[string]FamilyConfig{}
	}
}

func validate(cfg *Config) error {
	allowed := false
	for _, v := range trafficlog.AllowedCaps {
		if v == cfg.LogLimit {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("sysconfig: logLimit must be one of %v, got %d", trafficlog.AllowedCaps, cfg.LogLimit)
	}
	for name, fc := range cfg.Families {
		if fc.Port <= 0 {
			return fmt.Errorf("sysconfig: family %q has invalid port %d", name, fc.Port)
		}
	}
	return nil
}

// WriteDefault writes a default system config file to path if one doesn't
// already exist.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	cfg := defaultConfig()
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}
