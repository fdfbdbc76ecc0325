// Package config handles configuration loading and validation for the lock
// manager tooling.
package config

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
)

// Config holds all configuration for the lock shell and its lock manager.
type Config struct {
	Lock  LockConfig  `mapstructure:"lock"`
	Log   LogConfig   `mapstructure:"log"`
	Shell ShellConfig `mapstructure:"shell"`
}

// LockConfig holds lock-manager tuning.
type LockConfig struct {
	// DefaultCapacity is applied to contexts created by the shell that have
	// no explicit capacity, so saturation is meaningful on lazy hierarchies.
	DefaultCapacity int `mapstructure:"default_capacity"`

	// EscalationThreshold is the saturation fraction at which the shell's
	// auto-escalation kicks in.
	EscalationThreshold float64 `mapstructure:"escalation_threshold"`

	// AutoEscalate enables escalating a parent context automatically once
	// its saturation crosses the threshold.
	AutoEscalate bool `mapstructure:"auto_escalate"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// ShellConfig holds interactive shell configuration.
type ShellConfig struct {
	Prompt      string `mapstructure:"prompt"`
	HistoryFile string `mapstructure:"history_file"`
}

func defaultConfig() *Config {
	return &Config{
		Lock: LockConfig{
			DefaultCapacity:     10,
			EscalationThreshold: 0.8,
			AutoEscalate:        false,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Shell: ShellConfig{
			Prompt:      "lock> ",
			HistoryFile: "",
		},
	}
}

// Load reads configuration from an optional YAML file and the environment
// (SP19HW5_* variables), falling back to defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	cfg := defaultConfig()
	v.SetDefault("lock.default_capacity", cfg.Lock.DefaultCapacity)
	v.SetDefault("lock.escalation_threshold", cfg.Lock.EscalationThreshold)
	v.SetDefault("lock.auto_escalate", cfg.Lock.AutoEscalate)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.output", cfg.Log.Output)
	v.SetDefault("shell.prompt", cfg.Shell.Prompt)
	v.SetDefault("shell.history_file", cfg.Shell.HistoryFile)

	v.SetEnvPrefix("SP19HW5")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, "failed to read config file")
		}
	} else {
		v.SetConfigName("sp19hw5")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.sp19hw5")

		// No config file found is fine, defaults apply.
		_ = v.ReadInConfig()
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that configuration values are sensible.
func (c *Config) Validate() error {
	if c.Lock.DefaultCapacity < 0 {
		return errors.Newf("default_capacity must be non-negative, got %d", c.Lock.DefaultCapacity)
	}
	if c.Lock.EscalationThreshold <= 0 || c.Lock.EscalationThreshold > 1 {
		return errors.Newf("escalation_threshold must be in (0, 1], got %g", c.Lock.EscalationThreshold)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		return errors.Newf("invalid log level: %s", c.Log.Level)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return errors.Newf("invalid log format: %s", c.Log.Format)
	}
	return nil
}
