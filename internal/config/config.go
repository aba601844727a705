// Package config loads runner configuration from defaults, an optional YAML
// file under FUEL_HOME, and environment variables, in that layering order.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/fuelrun/fuel/internal/corelog"
)

// AgentLimits holds the per-agent concurrency cap overrides.
type AgentLimits struct {
	MaxConcurrent map[string]int `mapstructure:"max_concurrent"`
}

// RunnerConfig holds ConsumeLoop tuning knobs.
type RunnerConfig struct {
	IntervalSeconds       int `mapstructure:"interval_seconds"`
	MaxConcurrentPerAgent int `mapstructure:"max_concurrent_per_agent"`
	MaxTotalConcurrent    int `mapstructure:"max_total_concurrent"`
	IdleTimeoutSeconds    int `mapstructure:"idle_timeout_seconds"`
	MaxRuntimeSeconds     int `mapstructure:"max_runtime_seconds"`
	ShutdownGraceSeconds  int `mapstructure:"shutdown_grace_seconds"`
}

// StoreConfig holds the sqlite TaskStore location.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// Config is the root configuration object for the consume command.
type Config struct {
	Home    string            `mapstructure:"home"`
	Runner  RunnerConfig      `mapstructure:"runner"`
	Store   StoreConfig       `mapstructure:"store"`
	Logging corelog.Config    `mapstructure:"logging"`
	Agents  AgentLimits       `mapstructure:"agents"`
}

// Load builds a Config from defaults, an optional $FUEL_HOME/config.yaml
// file, and FUEL_-prefixed environment variables.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	home := os.Getenv("FUEL_HOME")
	if home == "" {
		home = defaultHome()
	}
	v.SetDefault("home", home)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(home)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	v.SetEnvPrefix("FUEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("home", "FUEL_HOME"); err != nil {
		return nil, err
	}
	if err := v.BindEnv("logging.level", "FUEL_LOG_LEVEL"); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("runner.interval_seconds", 2)
	v.SetDefault("runner.max_concurrent_per_agent", 1)
	v.SetDefault("runner.max_total_concurrent", 0) // 0 = sum of per-agent limits
	v.SetDefault("runner.idle_timeout_seconds", 600)
	v.SetDefault("runner.max_runtime_seconds", 3600)
	v.SetDefault("runner.shutdown_grace_seconds", 5)
	v.SetDefault("store.path", "")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output_path", "stdout")
}

func defaultHome() string {
	if wd, err := os.Getwd(); err == nil {
		return filepath.Join(wd, ".fuel")
	}
	return ".fuel"
}

func validate(cfg *Config) error {
	if cfg.Runner.IntervalSeconds <= 0 {
		return fmt.Errorf("runner.interval_seconds must be positive")
	}
	if cfg.Runner.MaxConcurrentPerAgent < 0 {
		return fmt.Errorf("runner.max_concurrent_per_agent must not be negative")
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = filepath.Join(cfg.Home, "fuel.db")
	}
	return nil
}
