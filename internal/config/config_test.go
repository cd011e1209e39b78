package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEnv(t *testing.T) {
	t.Helper()
	t.Setenv("MATTERWATCH_CRON_SECRET", "cron-secret")
	t.Setenv("MATTERWATCH_JWT_SECRET", "jwt-secret")
	t.Setenv("MATTERWATCH_DATABASE_URL", "postgres://localhost/matterwatch_test?sslmode=disable")
}

func TestLoadEnvOnly(t *testing.T) {
	validEnv(t)
	t.Setenv("MATTERWATCH_PORT", "9090")
	t.Setenv("MATTERWATCH_REDIS_ENABLED", "false")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, []int{30, 14, 7, 3, 1, 0}, cfg.Notify.Thresholds)
	assert.Equal(t, 60, cfg.Sync.DefaultPollingMinutes)
}

func TestLoadFileWithEnvOverride(t *testing.T) {
	validEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "matterwatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 8443
upstream:
  page_size: 100
notify:
  thresholds: [14, 7, 1]
`), 0o600))
	t.Setenv("MATTERWATCH_PORT", "8444")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8444, cfg.Server.Port, "environment wins over file")
	assert.Equal(t, 100, cfg.Upstream.PageSize)
	assert.Equal(t, []int{14, 7, 1}, cfg.Notify.Thresholds)
}

func TestLoadMissingFileFallsBackToEnv(t *testing.T) {
	validEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name  string
		unset string
	}{
		{"missing cron secret", "MATTERWATCH_CRON_SECRET"},
		{"missing jwt secret", "MATTERWATCH_JWT_SECRET"},
		{"missing dsn", "MATTERWATCH_DATABASE_URL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			validEnv(t)
			t.Setenv(tt.unset, "")
			_, err := Load("")
			require.Error(t, err)
		})
	}
}

func TestValidateThresholds(t *testing.T) {
	cfg := Default()
	cfg.Server.CronSecret = "x"
	cfg.Server.JWTSecret = "y"
	cfg.Database.DSN = "postgres://localhost/db"
	require.NoError(t, cfg.Validate())

	cfg.Notify.Thresholds = []int{7, -1}
	require.Error(t, cfg.Validate())

	cfg.Notify.Thresholds = nil
	require.Error(t, cfg.Validate())
}

func TestClampPollingMinutes(t *testing.T) {
	cfg := Default()

	tests := []struct {
		in   int
		want int
	}{
		{0, 60},
		{-5, 60},
		{1, 5},
		{30, 30},
		{100000, 1440},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, cfg.ClampPollingMinutes(tt.in), "clamp(%d)", tt.in)
	}
}
