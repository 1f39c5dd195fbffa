package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Defaults  DefaultsConfig  `mapstructure:"defaults"`
	Docker    DockerConfig    `mapstructure:"docker"`
	Serve     ServeConfig     `mapstructure:"serve"`
	History   HistoryConfig   `mapstructure:"history"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

type DefaultsConfig struct {
	Parallel       int           `mapstructure:"parallel"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
	WorkDirName    string        `mapstructure:"workdir_name"`
}

type DockerConfig struct {
	MemoryLimit string   `mapstructure:"memory_limit"`
	CPULimit    string   `mapstructure:"cpu_limit"`
	PullPolicy  string   `mapstructure:"pull_policy"`
	ExtraMounts []string `mapstructure:"extra_mounts"`
}

type ServeConfig struct {
	Addr          string        `mapstructure:"addr"`
	WatchDebounce time.Duration `mapstructure:"watch_debounce"`
	IgnoreGlobs   []string      `mapstructure:"ignore_globs"`
}

type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type TelemetryConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	ServiceName     string        `mapstructure:"service_name"`
	CollectorHost   string        `mapstructure:"collector_host"`
	CollectorPort   int           `mapstructure:"collector_port"`
	MetricsInterval time.Duration `mapstructure:"metrics_interval"`
}

// DefaultPath is where settings live when neither --settings nor
// ENVRUN_CONFIG points elsewhere.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "envrun", "config.yaml")
}

// LoadConfig reads tool-level settings. An explicitly requested file that
// cannot be read is an error; a missing file at the default path just
// yields the defaults. ENVRUN_* variables override file values.
func LoadConfig(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		if env := os.Getenv("ENVRUN_CONFIG"); env != "" {
			path, explicit = env, true
		} else {
			path = DefaultPath()
		}
	}

	v := viper.New()
	v.SetEnvPrefix("ENVRUN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetDefault("history.enabled", true)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			missing := errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)
			if explicit || !missing {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Set default values
	if config.Defaults.Parallel <= 0 {
		config.Defaults.Parallel = 1
	}
	if config.Defaults.WorkDirName == "" {
		config.Defaults.WorkDirName = ".envrun"
	}
	if config.Docker.PullPolicy == "" {
		config.Docker.PullPolicy = "missing"
	}
	if config.Serve.Addr == "" {
		config.Serve.Addr = ":8080"
	}
	if config.Serve.WatchDebounce == 0 {
		config.Serve.WatchDebounce = 500 * time.Millisecond
	}
	if config.Telemetry.ServiceName == "" {
		config.Telemetry.ServiceName = "envrun"
	}
	if config.Telemetry.CollectorHost == "" {
		config.Telemetry.CollectorHost = "localhost"
	}
	if config.Telemetry.CollectorPort == 0 {
		config.Telemetry.CollectorPort = 4317
	}
	if config.Telemetry.MetricsInterval == 0 {
		config.Telemetry.MetricsInterval = 15 * time.Second
	}

	return &config, nil
}
