package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/viper"
)

// Load reads configuration from an optional yaml file and applies
// environment overrides on top. Environment variables always win.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		v := viper.New()
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if _, statErr := os.Stat(configPath); statErr == nil {
				return nil, fmt.Errorf("read config %s: %w", configPath, err)
			}
			// missing file is fine, env-only deployments are supported
		} else if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if host := os.Getenv("MATTERWATCH_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := os.Getenv("MATTERWATCH_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if secret := os.Getenv("MATTERWATCH_CRON_SECRET"); secret != "" {
		cfg.Server.CronSecret = secret
	}
	if secret := os.Getenv("MATTERWATCH_JWT_SECRET"); secret != "" {
		cfg.Server.JWTSecret = secret
	}
	if dsn := os.Getenv("MATTERWATCH_DATABASE_URL"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if host := os.Getenv("MATTERWATCH_REDIS_HOST"); host != "" {
		cfg.Redis.Host = host
	}
	if port := os.Getenv("MATTERWATCH_REDIS_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Redis.Port = p
		}
	}
	if password := os.Getenv("MATTERWATCH_REDIS_PASSWORD"); password != "" {
		cfg.Redis.Password = password
	}
	if enabled := os.Getenv("MATTERWATCH_REDIS_ENABLED"); enabled != "" {
		if b, err := strconv.ParseBool(enabled); err == nil {
			cfg.Redis.Enabled = b
		}
	}
	if baseURL := os.Getenv("MATTERWATCH_UPSTREAM_URL"); baseURL != "" {
		cfg.Upstream.BaseURL = baseURL
	}
	if baseURL := os.Getenv("MATTERWATCH_MAILER_URL"); baseURL != "" {
		cfg.Mailer.BaseURL = baseURL
	}
	if token := os.Getenv("MATTERWATCH_MAILER_TOKEN"); token != "" {
		cfg.Mailer.Token = token
	}
	if level := os.Getenv("MATTERWATCH_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if file := os.Getenv("MATTERWATCH_LOG_FILE"); file != "" {
		cfg.Logging.File = file
	}
}
