// Package config loads the publish engine's configuration from a YAML file
// plus environment overrides, using spf13/viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete service configuration.
type Config struct {
	Service ServiceConfig `mapstructure:"service"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServiceConfig identifies the running process.
type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// HTTPConfig controls the health/metrics HTTP server.
type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// EngineConfig configures the publish engine itself.
type EngineConfig struct {
	MaxPublishRequestInQueue    int `mapstructure:"max_publish_request_in_queue"`
	MinimumPublishingIntervalMS int `mapstructure:"minimum_publishing_interval_ms"`
	MaximumPublishingIntervalMS int `mapstructure:"maximum_publishing_interval_ms"`
	DefaultPublishingIntervalMS int `mapstructure:"default_publishing_interval_ms"`
	MaxRetransmissionQueueLen   int `mapstructure:"max_retransmission_queue_len"`
}

// LoggingConfig controls pkg/logging.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MinimumPublishingInterval returns the configured floor as a Duration.
func (e EngineConfig) MinimumPublishingInterval() time.Duration {
	return time.Duration(e.MinimumPublishingIntervalMS) * time.Millisecond
}

// MaximumPublishingInterval returns the configured ceiling as a Duration
// (0 means no ceiling).
func (e EngineConfig) MaximumPublishingInterval() time.Duration {
	return time.Duration(e.MaximumPublishingIntervalMS) * time.Millisecond
}

// DefaultPublishingInterval returns the configured default as a Duration.
func (e EngineConfig) DefaultPublishingInterval() time.Duration {
	return time.Duration(e.DefaultPublishingIntervalMS) * time.Millisecond
}

// Load reads configuration from path (if non-empty and present), applies
// PUBLISHENGINE_-prefixed environment overrides, then defaults and
// validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix("PUBLISHENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	applyDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "opcua-publish-engine")
	v.SetDefault("service.environment", "development")

	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)

	v.SetDefault("engine.max_publish_request_in_queue", 100)
	v.SetDefault("engine.minimum_publishing_interval_ms", 50)
	v.SetDefault("engine.maximum_publishing_interval_ms", 60000)
	v.SetDefault("engine.default_publishing_interval_ms", 1000)
	v.SetDefault("engine.max_retransmission_queue_len", 0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

func validate(cfg *Config) error {
	if cfg.HTTP.Port <= 0 {
		return fmt.Errorf("http.port must be positive")
	}
	if cfg.Engine.MaxPublishRequestInQueue < 1 {
		return fmt.Errorf("engine.max_publish_request_in_queue must be at least 1")
	}
	if cfg.Engine.MinimumPublishingIntervalMS <= 0 {
		return fmt.Errorf("engine.minimum_publishing_interval_ms must be positive")
	}
	if cfg.Engine.MaximumPublishingIntervalMS != 0 && cfg.Engine.MaximumPublishingIntervalMS < cfg.Engine.MinimumPublishingIntervalMS {
		return fmt.Errorf("engine.maximum_publishing_interval_ms cannot be smaller than the minimum")
	}
	if cfg.Engine.DefaultPublishingIntervalMS <= 0 {
		return fmt.Errorf("engine.default_publishing_interval_ms must be positive")
	}
	return nil
}
