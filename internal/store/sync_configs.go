package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

// SyncConfig is one tenant's sync schedule. lastSyncAt moves forward only
// after a run completes without a fatal error.
type SyncConfig struct {
	TenantID       string
	APIToken       string
	PollingMinutes int
	StaleDays      int
	Enabled        bool
	LastSyncAt     *time.Time
}

// Due reports whether a sync should run now.
func (c SyncConfig) Due(now time.Time) bool {
	if !c.Enabled {
		return false
	}
	if c.LastSyncAt == nil {
		return true
	}
	return now.Sub(*c.LastSyncAt) >= time.Duration(c.PollingMinutes)*time.Minute
}

func (s *Store) ListSyncConfigs(ctx context.Context) ([]SyncConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, api_token, polling_minutes, stale_days, enabled, last_sync_at
		FROM sync_configs
		ORDER BY tenant_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	configs := []SyncConfig{}
	for rows.Next() {
		var c SyncConfig
		if err := rows.Scan(&c.TenantID, &c.APIToken, &c.PollingMinutes, &c.StaleDays, &c.Enabled, &c.LastSyncAt); err != nil {
			return nil, err
		}
		configs = append(configs, c)
	}
	return configs, rows.Err()
}

func (s *Store) SyncConfig(ctx context.Context, tenantID string) (SyncConfig, error) {
	var c SyncConfig
	err := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, api_token, polling_minutes, stale_days, enabled, last_sync_at
		FROM sync_configs WHERE tenant_id = $1`, tenantID).
		Scan(&c.TenantID, &c.APIToken, &c.PollingMinutes, &c.StaleDays, &c.Enabled, &c.LastSyncAt)
	if errors.Is(err, sql.ErrNoRows) {
		return SyncConfig{}, ErrNotFound
	}
	if err != nil {
		return SyncConfig{}, err
	}
	return c, nil
}

// UpsertSyncConfig writes tenant settings supplied by the settings
// surface. It never touches last_sync_at.
func (s *Store) UpsertSyncConfig(ctx context.Context, c SyncConfig) error {
	if strings.TrimSpace(c.TenantID) == "" {
		return ErrInvalidInput
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_configs (tenant_id, api_token, polling_minutes, stale_days, enabled, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (tenant_id)
		DO UPDATE SET api_token = EXCLUDED.api_token,
			polling_minutes = EXCLUDED.polling_minutes,
			stale_days = EXCLUDED.stale_days,
			enabled = EXCLUDED.enabled,
			updated_at = NOW()`,
		c.TenantID, c.APIToken, c.PollingMinutes, c.StaleDays, c.Enabled)
	return err
}

// SetLastSyncAt records a successful run completion.
func (s *Store) SetLastSyncAt(ctx context.Context, tenantID string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sync_configs SET last_sync_at = $1, updated_at = NOW() WHERE tenant_id = $2`,
		at, tenantID)
	if err != nil {
		return err
	}
	return requireRowAffected(result)
}
