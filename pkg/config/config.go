// Package config loads monitor settings from a YAML file and MONITOR_*
// environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/ei12134/monitor/pkg/core"
	"github.com/ei12134/monitor/pkg/providers/grep"
)

// EnvPrefix prefixes every environment variable read by ApplyEnv.
const EnvPrefix = "MONITOR"

// Follow backends.
const (
	FollowTail = "tail"
	FollowExec = "exec"
)

// Config represents a monitor.yaml file.
type Config struct {
	Version      int           `yaml:"version"       json:"version"       ignored:"true"`
	Match        grep.Mode     `yaml:"match"         json:"match"         envconfig:"MATCH"`
	Follow       string        `yaml:"follow"        json:"follow"        envconfig:"FOLLOW"`
	Poll         bool          `yaml:"poll"          json:"poll"          envconfig:"POLL"`
	Watch        bool          `yaml:"watch"         json:"watch"         envconfig:"WATCH"`
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval" envconfig:"POLL_INTERVAL"`
	Grace        time.Duration `yaml:"grace"         json:"grace"         envconfig:"GRACE"`
	TimeLayout   string        `yaml:"time_layout"   json:"time_layout"   envconfig:"TIME_LAYOUT"`
	Color        bool          `yaml:"color"         json:"color"         envconfig:"COLOR"`
	StatusAddr   string        `yaml:"status_addr"   json:"status_addr"   envconfig:"STATUS_ADDR"`
	LogLevel     string        `yaml:"log_level"     json:"log_level"     envconfig:"LOG_LEVEL"`
	LogFormat    string        `yaml:"log_format"    json:"log_format"    envconfig:"LOG_FORMAT"`
}

// Default returns the settings used when nothing else is configured.
func Default() Config {
	return Config{
		Version:      1,
		Match:        grep.ModeWord,
		Follow:       FollowTail,
		Watch:        true,
		PollInterval: 5 * time.Second,
		Grace:        2 * time.Second,
		TimeLayout:   "2006-01-02T15:04:05",
		LogLevel:     "info",
		LogFormat:    "text",
	}
}

// Load reads and parses the file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("%w: read config: %w", core.ErrConfig, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML on top of Default. Unknown keys are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("%w: parse config: %w", core.ErrConfig, err)
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with any MONITOR_* variables that are set.
func ApplyEnv(cfg *Config) error {
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return fmt.Errorf("%w: environment: %w", core.ErrConfig, err)
	}
	return nil
}
