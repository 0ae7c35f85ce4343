// Package config loads batchforge configuration with the precedence
// runtime overrides > environment > config file > defaults.
//
// Environment variables use the BATCHFORGE_ prefix with underscores
// for nesting (BATCHFORGE_WORKER_CONCURRENCY, BATCHFORGE_LOG_LEVEL via
// BATCHFORGE_LOGGING_LEVEL).
package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config is the resolved batchforge configuration.
type Config struct {
	// Workspace holds the on-disk layout of one batch workspace.
	Workspace WorkspaceConfig `mapstructure:"workspace"`

	// Logging configures the CLI logger.
	Logging LoggingConfig `mapstructure:"logging"`

	// Worker configures execution passes.
	Worker WorkerConfig `mapstructure:"worker"`

	// Adapter configures the external generation tool.
	Adapter AdapterConfig `mapstructure:"adapter"`
}

// WorkspaceConfig locates the ledger and its sibling directories.
// Relative paths are resolved against Root by the commands.
type WorkspaceConfig struct {
	Root      string `mapstructure:"root"`
	Ledger    string `mapstructure:"ledger"`
	StateDir  string `mapstructure:"state_dir"`
	OutputDir string `mapstructure:"output_dir"`
	EventLog  string `mapstructure:"event_log"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	// File, when set, tees structured logs to a rotated file.
	File string `mapstructure:"file"`
}

type WorkerConfig struct {
	Concurrency       int           `mapstructure:"concurrency"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RateLimit         float64       `mapstructure:"rate_limit"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	Freshness         time.Duration `mapstructure:"freshness"`
}

type AdapterConfig struct {
	Binary string   `mapstructure:"binary"`
	Args   []string `mapstructure:"args"`
}

var (
	configMu  sync.RWMutex
	appConfig *Config
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("workspace.root", ".")
	v.SetDefault("workspace.ledger", "ledger.csv")
	v.SetDefault("workspace.state_dir", ".batchforge/state")
	v.SetDefault("workspace.output_dir", "outputs")
	v.SetDefault("workspace.event_log", ".batchforge/events.log")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.file", "")

	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.timeout", "30m")
	v.SetDefault("worker.rate_limit", 0.0)
	v.SetDefault("worker.heartbeat_interval", "30s")
	v.SetDefault("worker.freshness", "10m")

	v.SetDefault("adapter.binary", "")
	v.SetDefault("adapter.args", []string{})
}

// Load resolves the configuration and stores it as the process
// config. Optional overrides take precedence over everything else.
func Load(_ context.Context, overrides ...map[string]any) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("batchforge")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/batchforge")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	v.SetEnvPrefix("BATCHFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit Set outranks env vars, which MergeConfigMap would not.
	for _, override := range overrides {
		applyOverrides(v, "", override)
	}

	cfg := &Config{}
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(cfg, decodeHook); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = cfg
	configMu.Unlock()

	return cfg, nil
}

func applyOverrides(v *viper.Viper, prefix string, values map[string]any) {
	for key, value := range values {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		if nested, ok := value.(map[string]any); ok {
			applyOverrides(v, path, nested)
			continue
		}
		v.Set(path, value)
	}
}

// GetConfig returns the most recently loaded configuration, or nil if
// Load has not been called.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

func (c *Config) validate() error {
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be >= 1, got %d", c.Worker.Concurrency)
	}
	if c.Worker.RateLimit < 0 {
		return fmt.Errorf("worker.rate_limit must be >= 0, got %g", c.Worker.RateLimit)
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	return nil
}
