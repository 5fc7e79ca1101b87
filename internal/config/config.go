// Package config provides configuration management for the RPA runner.
// It uses koanf v2 to load configuration from a YAML file, overlays RPA_*
// environment variables, and can save the effective configuration back.
//
// Configuration is loaded from /etc/rpa-runner/config.yaml by default. A
// missing file is not an error: defaults and environment still apply, so the
// runner works out of the box for one-off `run` invocations.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/robfig/cron/v3"
	goyaml "gopkg.in/yaml.v3"
)

// DefaultConfigPath is the default location for the runner configuration file.
const DefaultConfigPath = "/etc/rpa-runner/config.yaml"

// EnvPrefix is the prefix of environment variables that override file values,
// e.g. RPA_TIMEOUT_SECONDS=30.
const EnvPrefix = "RPA_"

// Schedule runs a script periodically, either by cron expression or by a
// fixed interval in minutes. Exactly one of Cron and IntervalMinutes is set.
type Schedule struct {
	Name            string `koanf:"name" yaml:"name"`
	Script          string `koanf:"script" yaml:"script"`
	Cron            string `koanf:"cron" yaml:"cron,omitempty"`
	IntervalMinutes int    `koanf:"interval_minutes" yaml:"interval_minutes,omitempty"`
}

// Config holds the runner configuration.
// Fields are tagged for both koanf (loading) and yaml (saving).
type Config struct {
	// Interpreter forces one interpreter for every script. Empty selects by
	// script extension and falls back to python3.
	Interpreter string `koanf:"interpreter" yaml:"interpreter"`

	// DataDir holds the run history database.
	// Default: "data".
	DataDir string `koanf:"data_dir" yaml:"data_dir"`

	// LogDir holds one log file per run.
	// Default: "logs".
	LogDir string `koanf:"log_dir" yaml:"log_dir"`

	// ScriptsDir holds uploaded scripts.
	// Default: "uploaded_scripts".
	ScriptsDir string `koanf:"scripts_dir" yaml:"scripts_dir"`

	// TimeoutSeconds kills runs that take longer. 0 disables the timeout.
	TimeoutSeconds int `koanf:"timeout_seconds" yaml:"timeout_seconds"`

	// UsePTY attaches script stdout to a pseudo-terminal.
	UsePTY bool `koanf:"use_pty" yaml:"use_pty"`

	// LogLevel controls the verbosity of process logging.
	// Valid values: "debug", "info", "warn", "error".
	// Default: "info".
	LogLevel string `koanf:"log_level" yaml:"log_level"`

	// ListenAddr is the HTTP API address for `serve`.
	// Default: ":8080".
	ListenAddr string `koanf:"listen_addr" yaml:"listen_addr"`

	// CORSOrigins is a comma-separated list of allowed browser origins.
	// Empty allows all origins.
	CORSOrigins string `koanf:"cors_origins" yaml:"cors_origins"`

	// ServerURL is where finished run reports are uploaded. Empty disables upload.
	ServerURL string `koanf:"server_url" yaml:"server_url"`

	// APIKey authenticates report uploads.
	APIKey string `koanf:"api_key" yaml:"api_key"`

	// UploadIntervalSeconds is how often pending reports are uploaded.
	// Default: 30 seconds.
	UploadIntervalSeconds int `koanf:"upload_interval_seconds" yaml:"upload_interval_seconds"`

	// NATSServers is a comma-separated list of NATS server URLs.
	// If set, run events are published to NATS.
	NATSServers string `koanf:"nats_servers" yaml:"nats_servers"`

	// NATSNKeySeed is the NKey seed for NATS authentication. Optional.
	NATSNKeySeed string `koanf:"nats_nkey_seed" yaml:"nats_nkey_seed"`

	// NATSSubjectPrefix prefixes every event subject.
	// Default: "rpa".
	NATSSubjectPrefix string `koanf:"nats_subject_prefix" yaml:"nats_subject_prefix"`

	// MQTTBroker is an MQTT broker URL (e.g. tcp://broker:1883). If set, run
	// events are also published to MQTT.
	MQTTBroker string `koanf:"mqtt_broker" yaml:"mqtt_broker"`

	// MQTTUsername and MQTTPassword authenticate to the broker. Optional.
	MQTTUsername string `koanf:"mqtt_username" yaml:"mqtt_username"`
	MQTTPassword string `koanf:"mqtt_password" yaml:"mqtt_password"`

	// MQTTTopicPrefix prefixes every event topic.
	// Default: "rpa".
	MQTTTopicPrefix string `koanf:"mqtt_topic_prefix" yaml:"mqtt_topic_prefix"`

	// Schedules run scripts periodically while serving.
	Schedules []Schedule `koanf:"schedules" yaml:"schedules"`

	// RefreshIntervalMS is how often `run` re-reads the log while a script runs.
	// Default: 1000.
	RefreshIntervalMS int `koanf:"refresh_interval_ms" yaml:"refresh_interval_ms"`

	// CleanupOnExit removes this process's run logs at shutdown. Uploaded
	// scripts are always removed.
	CleanupOnExit bool `koanf:"cleanup_on_exit" yaml:"cleanup_on_exit"`
}

// Validation errors returned by Load.
var (
	ErrInvalidTimeout        = errors.New("timeout_seconds must not be negative")
	ErrInvalidUploadInterval = errors.New("upload_interval_seconds must be positive")
	ErrInvalidRefresh        = errors.New("refresh_interval_ms must be positive")
	ErrScheduleName          = errors.New("schedule name is required")
	ErrScheduleScript        = errors.New("schedule script is required")
	ErrScheduleTrigger       = errors.New("schedule needs exactly one of cron or interval_minutes")
)

// Load reads configuration from the YAML file at path (if it exists), overlays
// RPA_* environment variables, applies defaults and validates.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
			}
		}
	}

	// RPA_LOG_LEVEL -> log_level
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns a configuration with only defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults sets default values for optional configuration fields.
func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.LogDir == "" {
		c.LogDir = "logs"
	}
	if c.ScriptsDir == "" {
		c.ScriptsDir = "uploaded_scripts"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.UploadIntervalSeconds == 0 {
		c.UploadIntervalSeconds = 30
	}
	if c.NATSSubjectPrefix == "" {
		c.NATSSubjectPrefix = "rpa"
	}
	if c.MQTTTopicPrefix == "" {
		c.MQTTTopicPrefix = "rpa"
	}
	if c.RefreshIntervalMS == 0 {
		c.RefreshIntervalMS = 1000
	}
}

// validate checks that configuration fields are consistent.
func (c *Config) validate() error {
	if c.TimeoutSeconds < 0 {
		return ErrInvalidTimeout
	}
	if c.UploadIntervalSeconds <= 0 {
		return ErrInvalidUploadInterval
	}
	if c.RefreshIntervalMS <= 0 {
		return ErrInvalidRefresh
	}
	for i, s := range c.Schedules {
		if err := s.validate(); err != nil {
			return fmt.Errorf("schedules[%d]: %w", i, err)
		}
	}
	return nil
}

func (s Schedule) validate() error {
	if s.Name == "" {
		return ErrScheduleName
	}
	if s.Script == "" {
		return ErrScheduleScript
	}
	if (s.Cron == "") == (s.IntervalMinutes <= 0) {
		return ErrScheduleTrigger
	}
	if s.Cron != "" {
		if _, err := cron.ParseStandard(s.Cron); err != nil {
			return fmt.Errorf("invalid cron %q: %w", s.Cron, err)
		}
	}
	return nil
}

// Save writes the configuration to the specified YAML file path.
// The file is created with 0600 permissions as it may contain the API key
// and NKey seed.
func Save(path string, cfg *Config) error {
	data, err := goyaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config to %s: %w", path, err)
	}

	return nil
}

// Timeout returns the run timeout, zero when disabled.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// UploadInterval returns the report upload interval.
func (c *Config) UploadInterval() time.Duration {
	return time.Duration(c.UploadIntervalSeconds) * time.Second
}

// RefreshInterval returns the log refresh interval.
func (c *Config) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalMS) * time.Millisecond
}

// DatabasePath returns the run history database file.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "runs.db")
}

// ScheduleCachePath returns the scheduler state database file.
func (c *Config) ScheduleCachePath() string {
	return filepath.Join(c.DataDir, "schedules.db")
}

// AllowedOrigins splits CORSOrigins.
func (c *Config) AllowedOrigins() []string {
	return splitList(c.CORSOrigins)
}

// NATSServerList splits NATSServers.
func (c *Config) NATSServerList() []string {
	return splitList(c.NATSServers)
}

// UploadEnabled returns true if run reports should be uploaded.
func (c *Config) UploadEnabled() bool {
	return c.ServerURL != ""
}

// MQTTEnabled returns true if an MQTT broker is configured.
func (c *Config) MQTTEnabled() bool {
	return c.MQTTBroker != ""
}

// NATSEnabled returns true if NATS configuration is present.
func (c *Config) NATSEnabled() bool {
	return c.NATSServers != ""
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
