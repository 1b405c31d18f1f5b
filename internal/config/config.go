// Package config loads daemon configuration from file, environment, and
// defaults, in ascending precedence: defaults, then an optional YAML file,
// then TASKD_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendBolt     = "bolt"
	BackendPostgres = "postgres"
)

// DefaultAddr is where the admin API listens unless configured otherwise.
const DefaultAddr = "127.0.0.1:7833"

// Config is the daemon's full configuration tree.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`
	Executor  ExecutorConfig  `mapstructure:"executor" yaml:"executor"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
}

// ServerConfig controls the admin HTTP listener.
type ServerConfig struct {
	Addr    string `mapstructure:"addr" yaml:"addr"`
	Metrics bool   `mapstructure:"metrics" yaml:"metrics"`
}

// StorageConfig selects and parameterizes the storage backend.
type StorageConfig struct {
	// Backend is memory, bolt, or postgres.
	Backend string `mapstructure:"backend" yaml:"backend"`
	// Path locates the bolt database file.
	Path string `mapstructure:"path" yaml:"path"`
	// URL is the postgres connection string.
	URL string `mapstructure:"url" yaml:"url"`
	// Retention bounds how long the memory backend keeps terminal executions.
	Retention time.Duration `mapstructure:"retention" yaml:"retention"`
	// MaxExecutions caps the memory backend's stored executions.
	MaxExecutions int `mapstructure:"max_executions" yaml:"max_executions"`
}

// SchedulerConfig tunes the dispatch pool and default timeouts.
type SchedulerConfig struct {
	Workers      int           `mapstructure:"workers" yaml:"workers"`
	ShellTimeout time.Duration `mapstructure:"shell_timeout" yaml:"shell_timeout"`
	AgentTimeout time.Duration `mapstructure:"agent_timeout" yaml:"agent_timeout"`
}

// ExecutorConfig points at the agent CLI.
type ExecutorConfig struct {
	AgentCommand string   `mapstructure:"agent_command" yaml:"agent_command"`
	AgentArgs    []string `mapstructure:"agent_args" yaml:"agent_args,omitempty"`
}

// LogConfig controls log output.
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}

// Load reads configuration. An explicit path must exist; with an empty path
// the usual locations are searched and a missing file just means defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("taskd")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.taskd")
		v.AddConfigPath("/etc/taskd")
	}

	setDefaults(v)

	v.SetEnvPrefix("TASKD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", DefaultAddr)
	v.SetDefault("server.metrics", true)
	v.SetDefault("storage.backend", BackendBolt)
	v.SetDefault("storage.path", "")
	v.SetDefault("storage.url", "")
	v.SetDefault("storage.retention", 24*time.Hour)
	v.SetDefault("storage.max_executions", 10000)
	v.SetDefault("scheduler.workers", 16)
	v.SetDefault("scheduler.shell_timeout", 120*time.Second)
	v.SetDefault("scheduler.agent_timeout", 300*time.Second)
	v.SetDefault("executor.agent_command", "agent")
	v.SetDefault("log.level", "info")
}

func (c *Config) normalize() error {
	c.Server.Addr = strings.TrimSpace(c.Server.Addr)
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	c.Storage.Path = strings.TrimSpace(c.Storage.Path)
	c.Storage.URL = strings.TrimSpace(c.Storage.URL)
	c.Executor.AgentCommand = strings.TrimSpace(c.Executor.AgentCommand)
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendBolt:
		if c.Storage.Path == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return fmt.Errorf("resolve home for bolt path: %w", err)
			}
			c.Storage.Path = filepath.Join(home, ".taskd", "taskd.db")
		}
	case BackendPostgres:
		if c.Storage.URL == "" {
			return errors.New("storage.url is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	if c.Server.Addr == "" {
		c.Server.Addr = DefaultAddr
	}
	return nil
}

// Dump renders the effective configuration as YAML.
func (c *Config) Dump() (string, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("render config: %w", err)
	}
	return string(data), nil
}
