package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Defaults applied by (*Config).ApplyDefaults when fields are unset.
const (
	DefaultAddr           = ":8080"
	DefaultLoadTimeout    = 2 * time.Minute
	DefaultHealthTimeout  = 3 * time.Second
	DefaultHealthInterval = 15 * time.Second
	DefaultModeGrace      = 5 * time.Second
	DefaultBusyGrace      = 5 * time.Second
	DefaultMaxBodyBytes   = 1 << 20
)

// Config holds runtime parameters for the service, including the static model
// catalog and the mode presets. Zero values mean "unspecified".
type Config struct {
	Addr     string `json:"addr" yaml:"addr" toml:"addr"`
	LogLevel string `json:"log_level" yaml:"log_level" toml:"log_level"`
	// Capacity is the GPU memory shared by every backend on this node.
	Capacity ByteSize `json:"capacity" yaml:"capacity" toml:"capacity"`
	// Headroom is kept free at all times.
	Headroom    ByteSize `json:"headroom" yaml:"headroom" toml:"headroom"`
	DefaultMode string   `json:"default_mode" yaml:"default_mode" toml:"default_mode"`
	// StatsPath is the sqlite file for usage stats; empty disables persistence.
	StatsPath      string   `json:"stats_path" yaml:"stats_path" toml:"stats_path"`
	LoadTimeout    Duration `json:"load_timeout" yaml:"load_timeout" toml:"load_timeout"`
	HealthTimeout  Duration `json:"health_timeout" yaml:"health_timeout" toml:"health_timeout"`
	HealthInterval Duration `json:"health_interval" yaml:"health_interval" toml:"health_interval"`
	ModeGrace      Duration `json:"mode_grace" yaml:"mode_grace" toml:"mode_grace"`
	MaxBodyBytes   int64    `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`

	// BusyGrace bounds how long an explicit unload waits for in-flight requests.
	BusyGrace Duration `json:"busy_grace" yaml:"busy_grace" toml:"busy_grace"`

	// GenerateTimeout bounds a whole /generate stream; zero disables it.
	GenerateTimeout Duration `json:"generate_timeout" yaml:"generate_timeout" toml:"generate_timeout"`

	CORS   CORSConfig          `json:"cors" yaml:"cors" toml:"cors"`
	Models []ModelConfig       `json:"models" yaml:"models" toml:"models"`
	Modes  map[string][]string `json:"modes" yaml:"modes" toml:"modes"`
}

// CORSConfig is opt-in; when disabled no CORS middleware is installed.
type CORSConfig struct {
	Enabled        bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins" toml:"allowed_origins"`
	AllowedMethods []string `json:"allowed_methods" yaml:"allowed_methods" toml:"allowed_methods"`
	AllowedHeaders []string `json:"allowed_headers" yaml:"allowed_headers" toml:"allowed_headers"`
}

// ModelConfig is one catalog entry as written in the config file.
type ModelConfig struct {
	ID         string   `json:"id" yaml:"id" toml:"id"`
	Kind       string   `json:"kind" yaml:"kind" toml:"kind"`
	Tags       []string `json:"tags" yaml:"tags" toml:"tags"`
	Footprint  ByteSize `json:"footprint" yaml:"footprint" toml:"footprint"`
	MaxContext int      `json:"max_context_tokens" yaml:"max_context_tokens" toml:"max_context_tokens"`
	Endpoint   string   `json:"endpoint" yaml:"endpoint" toml:"endpoint"`
	Priority   int      `json:"priority" yaml:"priority" toml:"priority"`
	// Loadable defaults to true for server models and is ignored for containers.
	Loadable *bool `json:"loadable,omitempty" yaml:"loadable,omitempty" toml:"loadable,omitempty"`
	// BackendModel is the name the backend knows the model by (defaults to ID).
	BackendModel string `json:"backend_model" yaml:"backend_model" toml:"backend_model"`
	// Container is the docker container name used for health inspection.
	Container string `json:"container" yaml:"container" toml:"container"`
	// Streaming defaults to true; false means the backend only answers with a
	// complete body and chunking is simulated.
	Streaming  *bool  `json:"streaming,omitempty" yaml:"streaming,omitempty" toml:"streaming,omitempty"`
	HealthPath string `json:"health_path" yaml:"health_path" toml:"health_path"`
	APIKey     string `json:"api_key" yaml:"api_key" toml:"api_key"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued tunables.
func (c *Config) ApplyDefaults() {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LoadTimeout <= 0 {
		c.LoadTimeout = Duration(DefaultLoadTimeout)
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = Duration(DefaultHealthTimeout)
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = Duration(DefaultHealthInterval)
	}
	if c.ModeGrace <= 0 {
		c.ModeGrace = Duration(DefaultModeGrace)
	}
	if c.BusyGrace <= 0 {
		c.BusyGrace = Duration(DefaultBusyGrace)
	}
	if c.GenerateTimeout < 0 {
		c.GenerateTimeout = 0
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
}

// Validate checks the fields that do not depend on the catalog contents.
func (c Config) Validate() error {
	if c.Capacity <= 0 {
		return fmt.Errorf("capacity must be set")
	}
	if c.Headroom < 0 || c.Headroom >= c.Capacity {
		return fmt.Errorf("headroom %s must be smaller than capacity %s", c.Headroom, c.Capacity)
	}
	if c.DefaultMode != "" {
		if _, ok := c.Modes[c.DefaultMode]; !ok {
			return fmt.Errorf("default_mode %q is not a declared mode", c.DefaultMode)
		}
	}
	return nil
}
