// Package config provides YAML-based configuration loading for simbus.
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

// Config is the root application configuration.
type Config struct {
	// AppName optional logical name of the process
	AppName string `mapstructure:"app_name"`

	// Log holds logging configuration
	Log LogConfig `mapstructure:"log"`

	// Server holds broker/registry daemon settings
	Server ServerConfig `mapstructure:"server"`

	// Client holds per-process client defaults
	Client ClientConfig `mapstructure:"client"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation"`
	// Development toggles development-friendly logging options
	Development bool `mapstructure:"development"`
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

// ServerConfig holds the daemon's listen and housekeeping settings.
type ServerConfig struct {
	// Transport: tcp, quic or mem
	Transport string `mapstructure:"transport"`
	// Listen address, transport-specific format
	Listen string `mapstructure:"listen"`
	// HeartbeatIntervalMS is the expected client heartbeat period
	HeartbeatIntervalMS int `mapstructure:"heartbeat_interval_ms"`
	// HeartbeatMisses before a silent node is reaped
	HeartbeatMisses int `mapstructure:"heartbeat_misses"`
	// TopicRetentionMS keeps an empty topic alive before GC
	TopicRetentionMS int `mapstructure:"topic_retention_ms"`
	// SubscriberQueue bounds the per-connection delivery queue
	SubscriberQueue int `mapstructure:"subscriber_queue"`
}

// HeartbeatInterval returns the heartbeat period as a duration.
func (s ServerConfig) HeartbeatInterval() time.Duration {
	return time.Duration(s.HeartbeatIntervalMS) * time.Millisecond
}

// TopicRetention returns the topic retention window as a duration.
func (s ServerConfig) TopicRetention() time.Duration {
	return time.Duration(s.TopicRetentionMS) * time.Millisecond
}

// ClientConfig holds per-process client defaults.
type ClientConfig struct {
	// ServerAddr is the bus address to connect to
	ServerAddr string `mapstructure:"server_addr"`
	// Transport: tcp, quic or mem
	Transport string `mapstructure:"transport"`
	// Name is the node identity; must be unique on the bus
	Name string `mapstructure:"name"`
	// RequestTimeoutMS bounds control-channel requests
	RequestTimeoutMS int `mapstructure:"request_timeout_ms"`
	// HeartbeatIntervalMS is the liveness refresh period
	HeartbeatIntervalMS int `mapstructure:"heartbeat_interval_ms"`
	// PublishQueue bounds each per-topic outgoing queue
	PublishQueue int `mapstructure:"publish_queue"`
}

// RequestTimeout returns the control-channel deadline as a duration.
func (c ClientConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

// HeartbeatInterval returns the liveness refresh period as a duration.
func (c ClientConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMS) * time.Millisecond
}

// DefaultPort is where the daemon listens when unconfigured.
const DefaultPort = 9753

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		AppName: "simbus",
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: true,
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/simbus.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Server: ServerConfig{
			Transport:           "tcp",
			Listen:              fmt.Sprintf(":%d", DefaultPort),
			HeartbeatIntervalMS: 2000,
			HeartbeatMisses:     3,
			TopicRetentionMS:    30000,
			SubscriberQueue:     256,
		},
		Client: ClientConfig{
			ServerAddr:          fmt.Sprintf("localhost:%d", DefaultPort),
			Transport:           "tcp",
			Name:                "anonymous",
			RequestTimeoutMS:    3000,
			HeartbeatIntervalMS: 2000,
			PublishQueue:        64,
		},
	}
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix SIMBUS and `.`/`-` are replaced with `_`.
// Example: SIMBUS_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("SIMBUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
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
	v.SetDefault("server.transport", cfg.Server.Transport)
	v.SetDefault("server.listen", cfg.Server.Listen)
	v.SetDefault("server.heartbeat_interval_ms", cfg.Server.HeartbeatIntervalMS)
	v.SetDefault("server.heartbeat_misses", cfg.Server.HeartbeatMisses)
	v.SetDefault("server.topic_retention_ms", cfg.Server.TopicRetentionMS)
	v.SetDefault("server.subscriber_queue", cfg.Server.SubscriberQueue)
	v.SetDefault("client.server_addr", cfg.Client.ServerAddr)
	v.SetDefault("client.transport", cfg.Client.Transport)
	v.SetDefault("client.name", cfg.Client.Name)
	v.SetDefault("client.request_timeout_ms", cfg.Client.RequestTimeoutMS)
	v.SetDefault("client.heartbeat_interval_ms", cfg.Client.HeartbeatIntervalMS)
	v.SetDefault("client.publish_queue", cfg.Client.PublishQueue)

	// Choose config file
	if path == "" {
		if envPath := os.Getenv("SIMBUS_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		// Search common locations with base name `simbus`
		v.SetConfigName("simbus")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".simbus"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch lvl {
	case "debug", "info", "warn", "warning", "error":
		// ok
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}

	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}

	for _, tr := range []string{c.Server.Transport, c.Client.Transport} {
		switch strings.ToLower(strings.TrimSpace(tr)) {
		case "tcp", "quic", "mem":
			// ok
		default:
			return fmt.Errorf("invalid transport: %q", tr)
		}
	}
	if c.Server.HeartbeatIntervalMS <= 0 {
		return fmt.Errorf("server.heartbeat_interval_ms must be positive")
	}
	if c.Server.HeartbeatMisses <= 0 {
		c.Server.HeartbeatMisses = 3
	}
	if c.Client.Name == "" {
		c.Client.Name = "anonymous"
	}
	if c.Client.RequestTimeoutMS <= 0 {
		c.Client.RequestTimeoutMS = 3000
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
