package server

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wbrown/janus-dataflow/datalog/annotations"
	"github.com/wbrown/janus-dataflow/datalog/engine"
)

// Config is the server configuration, read from YAML
type Config struct {
	Port          int    `yaml:"port"`
	Workers       int    `yaml:"workers"`
	EnableHistory bool   `yaml:"enable_history"`
	MaxIterations int    `yaml:"max_iterations"`
	Journal       string `yaml:"journal"`
	SyncJournal   bool   `yaml:"sync_journal"`

	// Bound on writing one message to a client
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// Bound on a graceful shutdown before connections are dropped
	CloseTimeout time.Duration `yaml:"close_timeout"`
}

// DefaultConfig returns the configuration used when no file is given
func DefaultConfig() Config {
	opts := engine.DefaultOptions()
	return Config{
		Port:          6262,
		Workers:       opts.Workers,
		MaxIterations: opts.MaxIterations,
		WriteTimeout:  10 * time.Second,
		CloseTimeout:  5 * time.Second,
	}
}

// LoadConfig reads path over the defaults. Keys missing from the file
// keep their default values.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects values the server cannot run with
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must not be negative, got %d", c.Workers)
	}
	if c.MaxIterations < 0 {
		return fmt.Errorf("max_iterations must not be negative, got %d", c.MaxIterations)
	}
	return nil
}

// EngineOptions derives the engine options, sending events to handler
func (c Config) EngineOptions(handler annotations.Handler) engine.Options {
	opts := engine.DefaultOptions()
	if c.Workers > 0 {
		opts.Workers = c.Workers
	}
	if c.MaxIterations > 0 {
		opts.MaxIterations = c.MaxIterations
	}
	opts.RetainHistory = c.EnableHistory
	opts.Handler = handler
	return opts
}
