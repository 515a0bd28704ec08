// Package config provides YAML-based configuration loading for simplecomm tools.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
	// AppName is a logical name used in log output
	AppName string `mapstructure:"app_name"`

	Log       LogConfig       `mapstructure:"log"`
	Transport TransportConfig `mapstructure:"transport"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	Rotation    RotationConfig `mapstructure:"rotation"`
	Development bool           `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		AppName: "simplecomm",
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: true,
			Rotation: RotationConfig{
				Filename:   "logs/simplecomm.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Transport: TransportConfig{
			Listeners:        []string{"inproc://echo"},
			InboxSize:        64,
			ConnectTimeoutMS: 2000,
			LayerCodec:       "cbor",
		},
	}
}

// Load reads configuration from path (if non-empty), otherwise from
// SIMPLECOMM_CONFIG or a simplecomm.yaml in the usual places. Environment
// variables use the SIMPLECOMM prefix with `.`/`-` replaced by `_`,
// e.g. SIMPLECOMM_LOG_LEVEL=debug.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("SIMPLECOMM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults so env-only configs work
	v.SetDefault("app_name", cfg.AppName)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("transport.listeners", cfg.Transport.Listeners)
	v.SetDefault("transport.inbox_size", cfg.Transport.InboxSize)
	v.SetDefault("transport.connect_timeout_ms", cfg.Transport.ConnectTimeoutMS)
	v.SetDefault("transport.layer_codec", cfg.Transport.LayerCodec)

	if path == "" {
		path = os.Getenv("SIMPLECOMM_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("simplecomm")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".simplecomm"))
		}
	}

	// a missing file is fine; defaults and env still apply
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config")
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}

	if c.Transport.InboxSize < 0 {
		return fmt.Errorf("invalid transport.inbox_size: %d", c.Transport.InboxSize)
	}
	if c.Transport.ConnectTimeoutMS < 0 {
		return fmt.Errorf("invalid transport.connect_timeout_ms: %d", c.Transport.ConnectTimeoutMS)
	}
	c.Transport.LayerCodec = strings.ToLower(strings.TrimSpace(c.Transport.LayerCodec))
	switch c.Transport.LayerCodec {
	case "":
		c.Transport.LayerCodec = "cbor"
	case "cbor", "json", "proto", "protobuf":
	default:
		return fmt.Errorf("invalid transport.layer_codec: %q", c.Transport.LayerCodec)
	}
	for i, a := range c.Transport.Listeners {
		if strings.TrimSpace(a) == "" {
			return fmt.Errorf("transport.listeners[%d] is empty", i)
		}
	}
	return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
