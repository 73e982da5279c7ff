package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "RTP_FANOUT"

type Config struct {
	Mode     string `mapstructure:"mode"`
	LogLevel string `mapstructure:"log_level"`

	BindAddress        string `mapstructure:"bind_address"`
	ControlBindAddress string `mapstructure:"control_bind_address"`

	MaxSessions         int           `mapstructure:"max_sessions"`
	MaxFanoutPerSession int           `mapstructure:"max_fanout_per_session"`
	BufferSize          int           `mapstructure:"buffer_size"`
	SessionTimeoutSecs  int           `mapstructure:"session_timeout_secs"`
	ReaperInterval      time.Duration `mapstructure:"reaper_interval"`
	Workers             int           `mapstructure:"workers"`
	ReadBatch           int           `mapstructure:"read_batch"`
	MaxDatagramSize     int           `mapstructure:"max_datagram_size"`
	SendTimeout         time.Duration `mapstructure:"send_timeout"`

	ControlRateLimit  int           `mapstructure:"control_rate_limit"`
	ControlRateWindow time.Duration `mapstructure:"control_rate_window"`

	EnableMetrics      bool   `mapstructure:"enable_metrics"`
	MetricsBindAddress string `mapstructure:"metrics_bind_address"`

	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

func (c *Config) SessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutSecs) * time.Second
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("log_level", "info")
	v.SetDefault("bind_address", "0.0.0.0:5004")
	v.SetDefault("control_bind_address", "0.0.0.0:8080")
	v.SetDefault("max_sessions", 10000)
	v.SetDefault("max_fanout_per_session", 1000)
	v.SetDefault("buffer_size", 65536)
	v.SetDefault("session_timeout_secs", 300)
	v.SetDefault("reaper_interval", "10s")
	v.SetDefault("workers", 1)
	v.SetDefault("read_batch", 32)
	v.SetDefault("max_datagram_size", 65535)
	v.SetDefault("send_timeout", "5ms")
	v.SetDefault("control_rate_limit", 0)
	v.SetDefault("control_rate_window", "1s")
	v.SetDefault("enable_metrics", true)
	v.SetDefault("metrics_bind_address", "0.0.0.0:9090")
	v.SetDefault("shutdown_timeout", "5s")
}

// Load reads config/config.<CONFIG_ENV>.yaml (or --config), then applies
// RTP_FANOUT_* environment overrides. Only a missing default file falls back to defaults.
func Load(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("rtp-fanout", pflag.ContinueOnError)
	configFile := fs.String("config", "", "path to config file")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	fileName := *configFile
	if fileName == "" {
		env := os.Getenv("CONFIG_ENV")
		if env == "" {
			env = "dev"
		}
		fileName = fmt.Sprintf("config/config.%s.yaml", env)
	}
	v.SetConfigFile(fileName)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		missing := errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)
		if *configFile != "" || !missing {
			return nil, fmt.Errorf("read config %s: %w", fileName, err)
		}
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Str("bind", cfg.BindAddress).
		Str("control", cfg.ControlBindAddress).
		Int("max_sessions", cfg.MaxSessions).
		Int("max_fanout", cfg.MaxFanoutPerSession).
		Int("workers", cfg.Workers).
		Msg("config ready")
	return &cfg, nil
}

// Validate rejects unusable limits and clamps the reaper interval to the session timeout.
func (c *Config) Validate() error {
	switch {
	case c.MaxSessions <= 0:
		return fmt.Errorf("max_sessions must be positive, got %d", c.MaxSessions)
	case c.MaxFanoutPerSession <= 0:
		return fmt.Errorf("max_fanout_per_session must be positive, got %d", c.MaxFanoutPerSession)
	case c.BufferSize <= 0:
		return fmt.Errorf("buffer_size must be positive, got %d", c.BufferSize)
	case c.SessionTimeoutSecs <= 0:
		return fmt.Errorf("session_timeout_secs must be positive, got %d", c.SessionTimeoutSecs)
	case c.ControlRateLimit < 0:
		return fmt.Errorf("control_rate_limit must not be negative, got %d", c.ControlRateLimit)
	case c.ControlRateLimit > 0 && c.ControlRateWindow <= 0:
		return errors.New("control_rate_window must be positive when control_rate_limit is set")
	case c.BindAddress == "":
		return errors.New("bind_address is required")
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.ReaperInterval <= 0 || c.ReaperInterval > c.SessionTimeout() {
		c.ReaperInterval = c.SessionTimeout()
	}
	return nil
}
