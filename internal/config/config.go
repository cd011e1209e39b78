package config

import (
	"errors"
	"fmt"
	"time"
)

// Config is the full matterwatch service configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Mailer   MailerConfig   `mapstructure:"mailer"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	CronSecret      string        `mapstructure:"cron_secret"`
	JWTSecret       string        `mapstructure:"jwt_secret"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// UpstreamConfig points at the practice-management API the canonical
// store is mirrored from.
type UpstreamConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	PageSize   int           `mapstructure:"page_size"`
	MaxPages   int           `mapstructure:"max_pages"`
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
}

type MailerConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	Token       string        `mapstructure:"token"`
	FromAddress string        `mapstructure:"from_address"`
	MaxRetries  int           `mapstructure:"max_retries"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

type NotifyConfig struct {
	Thresholds     []int         `mapstructure:"thresholds"`
	ListCacheTTL   time.Duration `mapstructure:"list_cache_ttl"`
	StreamBuffer   int           `mapstructure:"stream_buffer"`
	KeepaliveEvery time.Duration `mapstructure:"keepalive_every"`
}

type SyncConfig struct {
	DefaultPollingMinutes int `mapstructure:"default_polling_minutes"`
	MinPollingMinutes     int `mapstructure:"min_polling_minutes"`
	MaxPollingMinutes     int `mapstructure:"max_polling_minutes"`
	DefaultStaleDays      int `mapstructure:"default_stale_days"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Default returns a configuration with every tunable set to a usable value.
// Secrets are intentionally empty and must come from file or environment.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    0,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Redis: RedisConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    6379,
		},
		Upstream: UpstreamConfig{
			BaseURL:    "https://api.docketwise.com",
			PageSize:   200,
			MaxPages:   500,
			MaxRetries: 3,
			BaseDelay:  100 * time.Millisecond,
			MaxDelay:   2 * time.Second,
		},
		Mailer: MailerConfig{
			FromAddress: "alerts@matterwatch.local",
			MaxRetries:  4,
			BaseDelay:   250 * time.Millisecond,
			MaxDelay:    5 * time.Second,
		},
		Notify: NotifyConfig{
			Thresholds:     []int{30, 14, 7, 3, 1, 0},
			ListCacheTTL:   time.Minute,
			StreamBuffer:   16,
			KeepaliveEvery: 25 * time.Second,
		},
		Sync: SyncConfig{
			DefaultPollingMinutes: 60,
			MinPollingMinutes:     5,
			MaxPollingMinutes:     24 * 60,
			DefaultStaleDays:      30,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
	}
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.CronSecret == "" {
		return errors.New("server.cron_secret is required")
	}
	if c.Server.JWTSecret == "" {
		return errors.New("server.jwt_secret is required")
	}
	if c.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}
	if c.Upstream.PageSize <= 0 || c.Upstream.PageSize > 1000 {
		return fmt.Errorf("invalid upstream.page_size: %d", c.Upstream.PageSize)
	}
	if c.Upstream.MaxPages <= 0 {
		return fmt.Errorf("invalid upstream.max_pages: %d", c.Upstream.MaxPages)
	}
	if len(c.Notify.Thresholds) == 0 {
		return errors.New("notify.thresholds must not be empty")
	}
	for _, t := range c.Notify.Thresholds {
		if t < 0 {
			return fmt.Errorf("invalid notify threshold: %d", t)
		}
	}
	if c.Sync.MinPollingMinutes <= 0 || c.Sync.MaxPollingMinutes < c.Sync.MinPollingMinutes {
		return fmt.Errorf("invalid sync polling bounds: min=%d max=%d", c.Sync.MinPollingMinutes, c.Sync.MaxPollingMinutes)
	}
	return nil
}

// ClampPollingMinutes bounds a tenant-supplied polling interval to the
// configured window.
func (c *Config) ClampPollingMinutes(minutes int) int {
	if minutes <= 0 {
		minutes = c.Sync.DefaultPollingMinutes
	}
	if minutes < c.Sync.MinPollingMinutes {
		return c.Sync.MinPollingMinutes
	}
	if minutes > c.Sync.MaxPollingMinutes {
		return c.Sync.MaxPollingMinutes
	}
	return minutes
}
