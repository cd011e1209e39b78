package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/lawdesk/matterwatch/internal/config"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrForbidden    = errors.New("forbidden")
)

const operationTimeout = 5 * time.Second

// Store is the canonical persistence layer. Every mutation in the system
// passes through it; the cache and the pub/sub registry are both
// rebuildable from its contents.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

func Open(cfg config.DatabaseConfig, logger *zap.Logger) (*Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	s := &Store{db: db, logger: logger}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return s, nil
}

// OpenDB wraps an existing connection, used by integration tests.
func OpenDB(db *sql.DB, logger *zap.Logger) (*Store, error) {
	s := &Store{db: db, logger: logger}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sync_configs (
			tenant_id TEXT PRIMARY KEY,
			api_token TEXT NOT NULL DEFAULT '',
			polling_minutes INT NOT NULL DEFAULT 60,
			stale_days INT NOT NULL DEFAULT 30,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			last_sync_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS matters (
			id BIGSERIAL PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			external_id TEXT NOT NULL,
			title TEXT NOT NULL,
			client_name TEXT NOT NULL DEFAULT '',
			matter_type TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT '',
			deadline TIMESTAMPTZ,
			docketwise_updated_at TIMESTAMPTZ,
			title_override TEXT,
			deadline_override TIMESTAMPTZ,
			assignee_id TEXT,
			is_stale BOOLEAN NOT NULL DEFAULT FALSE,
			is_archived BOOLEAN NOT NULL DEFAULT FALSE,
			last_synced_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (tenant_id, external_id)
		)`,
		`CREATE TABLE IF NOT EXISTS notifications (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			matter_id BIGINT NOT NULL REFERENCES matters(id),
			recipient_id TEXT NOT NULL,
			channel TEXT NOT NULL,
			days_before INT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL DEFAULT '',
			sent_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			is_read BOOLEAN NOT NULL DEFAULT FALSE,
			read_at TIMESTAMPTZ,
			delivery_state TEXT NOT NULL DEFAULT 'created',
			delivery_attempts INT NOT NULL DEFAULT 0,
			UNIQUE (matter_id, recipient_id, channel, days_before)
		)`,
		`CREATE INDEX IF NOT EXISTS notifications_recipient_sent_idx
			ON notifications (recipient_id, sent_at DESC)`,
		`CREATE TABLE IF NOT EXISTS recipients (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			email TEXT NOT NULL DEFAULT '',
			email_enabled BOOLEAN NOT NULL DEFAULT TRUE,
			inapp_enabled BOOLEAN NOT NULL DEFAULT TRUE,
			watch_all BOOLEAN NOT NULL DEFAULT FALSE
		)`,
	}
	for _, statement := range statements {
		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			return err
		}
	}
	return nil
}

// TryLockTenant takes the per-tenant sync advisory lock without waiting.
// The lock is held on a dedicated connection until release is called, so
// it survives arbitrarily long sync runs and dies with the session on a
// crash. Returns acquired=false when another run holds the lock.
func (s *Store) TryLockTenant(ctx context.Context, tenantID string) (release func(), acquired bool, err error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, false, err
	}
	key := tenantLockKey(tenantID)
	var locked bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&locked); err != nil {
		_ = conn.Close()
		return nil, false, err
	}
	if !locked {
		_ = conn.Close()
		return nil, false, nil
	}
	release = func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), operationTimeout)
		defer cancel()
		if _, err := conn.ExecContext(unlockCtx, "SELECT pg_advisory_unlock($1)", key); err != nil {
			s.logger.Warn("advisory unlock failed", zap.String("tenant_id", tenantID), zap.Error(err))
		}
		_ = conn.Close()
	}
	return release, true, nil
}

func tenantLockKey(tenantID string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte("matterwatch-sync"))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(strings.TrimSpace(tenantID)))
	return int64(hasher.Sum64())
}
