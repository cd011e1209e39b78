package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
)

// Recipient is one identity that can receive deadline alerts, with
// per-channel opt-in flags. A recipient with watch_all set receives
// alerts for every matter in the tenant, not just assigned ones.
type Recipient struct {
	ID           string
	TenantID     string
	Email        string
	EmailEnabled bool
	InAppEnabled bool
	WatchAll     bool
}

func (s *Store) Recipient(ctx context.Context, id string) (Recipient, error) {
	var r Recipient
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, email, email_enabled, inapp_enabled, watch_all
		FROM recipients WHERE id = $1`, id).
		Scan(&r.ID, &r.TenantID, &r.Email, &r.EmailEnabled, &r.InAppEnabled, &r.WatchAll)
	if errors.Is(err, sql.ErrNoRows) {
		return Recipient{}, ErrNotFound
	}
	if err != nil {
		return Recipient{}, err
	}
	return r, nil
}

func (s *Store) UpsertRecipient(ctx context.Context, r Recipient) error {
	if strings.TrimSpace(r.ID) == "" || strings.TrimSpace(r.TenantID) == "" {
		return ErrInvalidInput
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO recipients (id, tenant_id, email, email_enabled, inapp_enabled, watch_all)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id)
		DO UPDATE SET tenant_id = EXCLUDED.tenant_id,
			email = EXCLUDED.email,
			email_enabled = EXCLUDED.email_enabled,
			inapp_enabled = EXCLUDED.inapp_enabled,
			watch_all = EXCLUDED.watch_all`,
		r.ID, r.TenantID, r.Email, r.EmailEnabled, r.InAppEnabled, r.WatchAll)
	return err
}

// RecipientsForMatter resolves who should be alerted about a matter: the
// assignee, if any, plus every watch-all recipient in the tenant.
// Channel opt-outs are carried on the result; the scheduler skips
// disabled channels without treating them as errors.
func (s *Store) RecipientsForMatter(ctx context.Context, m Matter) ([]Recipient, error) {
	assigneeID := ""
	if m.AssigneeID != nil {
		assigneeID = *m.AssigneeID
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, email, email_enabled, inapp_enabled, watch_all
		FROM recipients
		WHERE tenant_id = $1 AND (watch_all = TRUE OR id = $2)
		ORDER BY id`,
		m.TenantID, assigneeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recipients := []Recipient{}
	for rows.Next() {
		var r Recipient
		if err := rows.Scan(&r.ID, &r.TenantID, &r.Email, &r.EmailEnabled, &r.InAppEnabled, &r.WatchAll); err != nil {
			return nil, err
		}
		recipients = append(recipients, r)
	}
	return recipients, rows.Err()
}
