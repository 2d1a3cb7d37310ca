// Package config defines runtime defaults, validation, and loading of the
// FlowSync server configuration from flags, environment and an optional
// YAML file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "FLOWSYNC"

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `mapstructure:"burst"`
	RefillInterval time.Duration `mapstructure:"refill_interval"`
}

// GraceConfig controls how long a recoverably dropped member keeps its
// place in a room.
type GraceConfig struct {
	Window time.Duration `mapstructure:"window"`
}

// TransportConfig holds WebSocket liveness settings. PongWait is the
// transport-level window after which a silent peer is considered gone; it
// is independent of, and intentionally longer than, the grace window.
type TransportConfig struct {
	PongWait       time.Duration `mapstructure:"pong_wait"`
	PingPeriod     time.Duration `mapstructure:"ping_period"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	SendBufferSize int           `mapstructure:"send_buffer_size"`
}

// LogConfig selects the logger level and encoding.
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Config holds the server configuration settings including security controls.
type Config struct {
	Port             string          `mapstructure:"port"`
	AllowedOrigins   []string        `mapstructure:"allowed_origins"`
	MaxMessageSize   int64           `mapstructure:"max_message_size"`
	MaxPresenceBytes int             `mapstructure:"max_presence_bytes"`
	ShutdownTimeout  time.Duration   `mapstructure:"shutdown_timeout"`
	RateLimit        RateLimitConfig `mapstructure:"rate_limit"`
	Grace            GraceConfig     `mapstructure:"grace"`
	Transport        TransportConfig `mapstructure:"transport"`
	Log              LogConfig       `mapstructure:"log"`
}

// Default returns a Config populated with default values for all settings.
func Default() Config {
	return Config{
		Port:             ":3001",
		AllowedOrigins:   []string{"http://localhost:3000"},
		MaxMessageSize:   1 << 20,
		MaxPresenceBytes: 4 << 10,
		ShutdownTimeout:  10 * time.Second,
		RateLimit: RateLimitConfig{
			Burst:          100,
			RefillInterval: time.Second,
		},
		Grace: GraceConfig{
			Window: 5 * time.Second,
		},
		Transport: TransportConfig{
			PongWait:       60 * time.Second,
			PingPeriod:     54 * time.Second,
			WriteWait:      10 * time.Second,
			SendBufferSize: 256,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// New returns a viper instance carrying every default, the environment
// bindings, and the legacy PORT and CLIENT_URL variables.
func New() *viper.Viper {
	def := Default()
	v := viper.New()

	v.SetDefault("port", def.Port)
	v.SetDefault("allowed_origins", def.AllowedOrigins)
	v.SetDefault("max_message_size", def.MaxMessageSize)
	v.SetDefault("max_presence_bytes", def.MaxPresenceBytes)
	v.SetDefault("shutdown_timeout", def.ShutdownTimeout)
	v.SetDefault("rate_limit.burst", def.RateLimit.Burst)
	v.SetDefault("rate_limit.refill_interval", def.RateLimit.RefillInterval)
	v.SetDefault("grace.window", def.Grace.Window)
	v.SetDefault("transport.pong_wait", def.Transport.PongWait)
	v.SetDefault("transport.ping_period", def.Transport.PingPeriod)
	v.SetDefault("transport.write_wait", def.Transport.WriteWait)
	v.SetDefault("transport.send_buffer_size", def.Transport.SendBufferSize)
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.development", def.Log.Development)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The first variable that is set wins.
	_ = v.BindEnv("port", EnvPrefix+"_PORT", "PORT")
	_ = v.BindEnv("allowed_origins", EnvPrefix+"_ALLOWED_ORIGINS", "CLIENT_URL")

	return v
}

// Load reads the optional config file at path (or flowsync.yaml in the
// working directory when path is empty) into v and decodes the result.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("flowsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.AllowedOrigins = splitOrigins(cfg.AllowedOrigins)
	cfg.Sanitize()
	return &cfg, nil
}

// Sanitize replaces invalid values with their defaults.
func (c *Config) Sanitize() {
	def := Default()

	if c.Port == "" {
		c.Port = def.Port
	}
	if !strings.Contains(c.Port, ":") {
		c.Port = ":" + c.Port
	}

	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	if c.MaxPresenceBytes <= 0 {
		c.MaxPresenceBytes = def.MaxPresenceBytes
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}

	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = def.RateLimit.Burst
	}
	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}

	if c.Grace.Window <= 0 {
		c.Grace.Window = def.Grace.Window
	}

	if c.Transport.PongWait <= 0 {
		c.Transport.PongWait = def.Transport.PongWait
	}
	if c.Transport.PingPeriod <= 0 || c.Transport.PingPeriod >= c.Transport.PongWait {
		c.Transport.PingPeriod = c.Transport.PongWait * 9 / 10
	}
	if c.Transport.WriteWait <= 0 {
		c.Transport.WriteWait = def.Transport.WriteWait
	}
	if c.Transport.SendBufferSize <= 0 {
		c.Transport.SendBufferSize = def.Transport.SendBufferSize
	}

	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
}

// splitOrigins accepts both list values and a single comma separated
// string, as CLIENT_URL style variables provide.
func splitOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		for _, part := range strings.Split(o, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
