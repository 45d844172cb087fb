// Package config loads host configuration from bark.yaml and BARK_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the host configuration.
type Config struct {
	Listen        string `mapstructure:"listen"`
	CommandPrefix string `mapstructure:"command_prefix"`
	LogLevel      string `mapstructure:"log_level"`
	DataPath      string `mapstructure:"data_path"`

	Extensions ExtensionsConfig `mapstructure:"extensions"`
}

// ExtensionsConfig configures the lifecycle manager and watcher.
type ExtensionsConfig struct {
	Dir         string `mapstructure:"dir"`
	SystemDir   string `mapstructure:"system_dir"`
	DebounceMS  int    `mapstructure:"debounce_ms"`
	LoadTimeout string `mapstructure:"load_timeout"`
}

// Debounce returns the watcher debounce window.
func (c ExtensionsConfig) Debounce() time.Duration {
	if c.DebounceMS <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(c.DebounceMS) * time.Millisecond
}

// LoadTimeoutDuration returns the script evaluation guard, defaulting to 10s.
func (c ExtensionsConfig) LoadTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.LoadTimeout)
	if err != nil || d <= 0 {
		return 10 * time.Second
	}
	return d
}

// Load reads configuration. An explicit path is required to exist; otherwise
// bark.yaml is picked up from the working directory when present, and
// defaults plus environment variables apply either way.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("listen", ":8432")
	v.SetDefault("command_prefix", "!")
	v.SetDefault("log_level", "info")
	v.SetDefault("data_path", "bark.db")
	v.SetDefault("extensions.dir", "extensions")
	v.SetDefault("extensions.system_dir", "system_extensions")
	v.SetDefault("extensions.debounce_ms", 500)
	v.SetDefault("extensions.load_timeout", "10s")

	v.SetEnvPrefix("BARK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("bark")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}
