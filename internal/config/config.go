// Package config loads the supervisor's TOML configuration.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/supervisr/internal/command"
	"github.com/loykin/supervisr/internal/controller"
	"github.com/loykin/supervisr/internal/env"
	"github.com/loykin/supervisr/internal/logger"
	"github.com/loykin/supervisr/internal/spawner"
	itls "github.com/loykin/supervisr/internal/tls"
)

// EnvPrefix prefixes environment overrides, e.g. SUPERVISR_SERVER_LISTEN.
const EnvPrefix = "SUPERVISR"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

type Config struct {
	Server     ServerConfig                `toml:"server" mapstructure:"server"`
	Supervisor SupervisorConfig            `toml:"supervisor" mapstructure:"supervisor"`
	Log        logger.ServiceConfig        `toml:"log" mapstructure:"log"`
	WorkerLog  logger.Config               `toml:"worker_log" mapstructure:"worker_log"`
	History    HistoryConfig               `toml:"history" mapstructure:"history"`
	Env        []string                    `toml:"env" mapstructure:"env"`
	EnvFiles   []string                    `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv   bool                        `toml:"use_os_env" mapstructure:"use_os_env"`
	Workers    map[string]command.Template `toml:"workers" mapstructure:"workers"`
}

type ServerConfig struct {
	Listen   string       `toml:"listen" mapstructure:"listen"`
	BasePath string       `toml:"base_path" mapstructure:"base_path"`
	Metrics  bool         `toml:"metrics" mapstructure:"metrics"`
	TLS      itls.Options `toml:"tls" mapstructure:"tls"`
}

type SupervisorConfig struct {
	PidTimeout        time.Duration `toml:"pid_timeout" mapstructure:"pid_timeout"`
	StopGrace         time.Duration `toml:"stop_grace" mapstructure:"stop_grace"`
	KillWait          time.Duration `toml:"kill_wait" mapstructure:"kill_wait"`
	HeartbeatInterval time.Duration `toml:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	SweepInterval     time.Duration `toml:"sweep_interval" mapstructure:"sweep_interval"`
	StaleGrace        time.Duration `toml:"stale_grace" mapstructure:"stale_grace"`
	DrainTimeout      time.Duration `toml:"drain_timeout" mapstructure:"drain_timeout"`
	MaxBadReports     int           `toml:"max_bad_reports" mapstructure:"max_bad_reports"`
}

type HistoryConfig struct {
	Enabled bool     `toml:"enabled" mapstructure:"enabled"`
	DSNs    []string `toml:"dsns" mapstructure:"dsns"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", "127.0.0.1:8080")
	v.SetDefault("server.base_path", "")
	v.SetDefault("server.metrics", true)
	v.SetDefault("server.tls.enabled", false)

	v.SetDefault("supervisor.pid_timeout", "10s")
	v.SetDefault("supervisor.stop_grace", "3s")
	v.SetDefault("supervisor.kill_wait", "2s")
	v.SetDefault("supervisor.heartbeat_interval", "5s")
	v.SetDefault("supervisor.sweep_interval", "10s")
	v.SetDefault("supervisor.stale_grace", "2s")
	v.SetDefault("supervisor.drain_timeout", "2s")
	v.SetDefault("supervisor.max_bad_reports", 5)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("worker_log.dir", "")

	v.SetDefault("history.enabled", false)
	v.SetDefault("use_os_env", true)
}

// Load reads path (TOML) over the defaults and applies SUPERVISR_* overrides.
// An empty path yields the defaults and environment overrides only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Listen) == "" {
		return fmt.Errorf("%w: server.listen is required", ErrInvalid)
	}
	if bp := c.Server.BasePath; bp != "" && !strings.HasPrefix(bp, "/") {
		return fmt.Errorf("%w: server.base_path %q must start with /", ErrInvalid, bp)
	}
	if t := c.Server.TLS; t.Enabled {
		if _, err := itls.ParseVersion(t.MinVersion); err != nil {
			return fmt.Errorf("%w: server.tls.min_version: %v", ErrInvalid, err)
		}
		if (t.CertFile == "" || t.KeyFile == "") && t.Dir == "" {
			return fmt.Errorf("%w: server.tls needs cert_file and key_file, or dir", ErrInvalid)
		}
	}
	s := c.Supervisor
	for name, d := range map[string]time.Duration{
		"pid_timeout":        s.PidTimeout,
		"stop_grace":         s.StopGrace,
		"kill_wait":          s.KillWait,
		"heartbeat_interval": s.HeartbeatInterval,
		"sweep_interval":     s.SweepInterval,
		"drain_timeout":      s.DrainTimeout,
		"stale_grace":        s.StaleGrace,
	} {
		if d <= 0 {
			return fmt.Errorf("%w: supervisor.%s must be positive", ErrInvalid, name)
		}
	}
	if s.MaxBadReports < 0 {
		return fmt.Errorf("%w: supervisor.max_bad_reports must not be negative", ErrInvalid)
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: log.level: %v", ErrInvalid, err)
	}
	switch c.Log.Format {
	case "", "text", "json", "color":
	default:
		return fmt.Errorf("%w: log.format %q", ErrInvalid, c.Log.Format)
	}
	if c.History.Enabled && len(c.History.DSNs) == 0 {
		return fmt.Errorf("%w: history.enabled needs at least one dsn", ErrInvalid)
	}
	for k, t := range c.Workers {
		if _, err := controller.ParseKind(k); err != nil {
			return fmt.Errorf("%w: workers.%s: %v", ErrInvalid, k, err)
		}
		if strings.TrimSpace(t.Command) == "" {
			return fmt.Errorf("%w: workers.%s.command is required", ErrInvalid, k)
		}
	}
	return nil
}

// BuildEnv composes the global worker environment: the OS environment when
// use_os_env is set, then env_files in order, then the env list.
func (c *Config) BuildEnv() (*env.Env, error) {
	e := env.New()
	if c.UseOSEnv {
		e.FromOS()
	}
	for _, f := range c.EnvFiles {
		if err := e.LoadFile(f); err != nil {
			return nil, err
		}
	}
	e.Apply(c.Env)
	return e, nil
}

// Commands compiles the [workers.<kind>] templates.
func (c *Config) Commands() (*command.Builder, error) {
	return command.New(c.Workers)
}

// SpawnerOptions maps the [supervisor] and [worker_log] sections.
func (c *Config) SpawnerOptions() spawner.Options {
	s := c.Supervisor
	return spawner.Options{
		PidTimeout:        s.PidTimeout,
		HeartbeatInterval: s.HeartbeatInterval,
		DrainTimeout:      s.DrainTimeout,
		MaxBadReports:     s.MaxBadReports,
		WorkerLog:         c.WorkerLog,
		Controller: controller.Options{
			StopGrace: s.StopGrace,
			KillWait:  s.KillWait,
		},
	}
}

// WriteSample writes a complete TOML file with the defaults and sample
// worker templates. It refuses to overwrite path unless force is set.
func WriteSample(path string, force bool) error {
	v := viper.New()
	setDefaults(v)
	for kind, t := range command.Defaults() {
		v.Set("workers."+kind+".command", t.Command)
	}
	v.Set("history.dsns", []string{"sqlite://supervisr-history.db"})
	v.SetConfigType("toml")
	var err error
	if force {
		err = v.WriteConfigAs(path)
	} else {
		err = v.SafeWriteConfigAs(path)
	}
	if err != nil {
		return fmt.Errorf("write sample config %s: %w", path, err)
	}
	return nil
}
