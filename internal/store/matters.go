package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

// Matter is the canonical, locally owned mirror of one upstream matter.
// Upstream-owned fields are overwritten on reconciliation; override
// fields belong to local users and are never touched by a sync.
type Matter struct {
	ID       int64
	TenantID string

	// upstream-owned
	ExternalID          string
	Title               string
	ClientName          string
	MatterType          string
	Status              string
	Deadline            *time.Time
	DocketwiseUpdatedAt *time.Time

	// local-only overrides
	TitleOverride    *string
	DeadlineOverride *time.Time
	AssigneeID       *string

	IsStale      bool
	IsArchived   bool
	LastSyncedAt *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// EffectiveTitle prefers a local override over the upstream title.
func (m Matter) EffectiveTitle() string {
	if m.TitleOverride != nil && strings.TrimSpace(*m.TitleOverride) != "" {
		return *m.TitleOverride
	}
	return m.Title
}

// EffectiveDeadline prefers a local override over the upstream deadline.
func (m Matter) EffectiveDeadline() *time.Time {
	if m.DeadlineOverride != nil {
		return m.DeadlineOverride
	}
	return m.Deadline
}

const matterColumns = `id, tenant_id, external_id, title, client_name, matter_type, status,
	deadline, docketwise_updated_at, title_override, deadline_override, assignee_id,
	is_stale, is_archived, last_synced_at, created_at, updated_at`

func scanMatter(row interface{ Scan(...any) error }) (Matter, error) {
	var m Matter
	err := row.Scan(
		&m.ID, &m.TenantID, &m.ExternalID, &m.Title, &m.ClientName, &m.MatterType, &m.Status,
		&m.Deadline, &m.DocketwiseUpdatedAt, &m.TitleOverride, &m.DeadlineOverride, &m.AssigneeID,
		&m.IsStale, &m.IsArchived, &m.LastSyncedAt, &m.CreatedAt, &m.UpdatedAt,
	)
	return m, err
}

// MatterByExternalID looks up the canonical record for an upstream id.
func (s *Store) MatterByExternalID(ctx context.Context, tenantID, externalID string) (Matter, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+matterColumns+` FROM matters WHERE tenant_id = $1 AND external_id = $2`,
		tenantID, externalID)
	m, err := scanMatter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Matter{}, ErrNotFound
	}
	if err != nil {
		return Matter{}, err
	}
	return m, nil
}

// InsertMatter creates the canonical record for a never-before-seen
// external id. Override fields start unset. The unique constraint on
// (tenant_id, external_id) enforces at-most-once creation even under
// concurrent syncs.
func (s *Store) InsertMatter(ctx context.Context, m *Matter) error {
	if strings.TrimSpace(m.TenantID) == "" || strings.TrimSpace(m.ExternalID) == "" {
		return ErrInvalidInput
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO matters (tenant_id, external_id, title, client_name, matter_type, status,
			deadline, docketwise_updated_at, is_stale, is_archived, last_synced_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())
		ON CONFLICT (tenant_id, external_id) DO NOTHING
		RETURNING id`,
		m.TenantID, m.ExternalID, m.Title, m.ClientName, m.MatterType, m.Status,
		m.Deadline, m.DocketwiseUpdatedAt, m.IsStale, m.IsArchived, m.LastSyncedAt)
	err := row.Scan(&m.ID)
	if errors.Is(err, sql.ErrNoRows) {
		// concurrent sync won the insert; load the winner
		existing, lookupErr := s.MatterByExternalID(ctx, m.TenantID, m.ExternalID)
		if lookupErr != nil {
			return lookupErr
		}
		*m = existing
		return nil
	}
	return err
}

// UpdateMatterUpstream rewrites the upstream-owned fields and the derived
// classification. Override columns are deliberately absent from the SET
// list; a sync can never clobber them.
func (s *Store) UpdateMatterUpstream(ctx context.Context, m Matter) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE matters
		SET title = $1, client_name = $2, matter_type = $3, status = $4,
			deadline = $5, docketwise_updated_at = $6,
			is_stale = $7, is_archived = $8, last_synced_at = $9, updated_at = NOW()
		WHERE id = $10`,
		m.Title, m.ClientName, m.MatterType, m.Status,
		m.Deadline, m.DocketwiseUpdatedAt,
		m.IsStale, m.IsArchived, m.LastSyncedAt, m.ID)
	if err != nil {
		return err
	}
	return requireRowAffected(result)
}

// TouchMatterSync refreshes only the sync bookkeeping for a record whose
// upstream fields are unchanged, keeping repeat reconciles write-cheap.
func (s *Store) TouchMatterSync(ctx context.Context, matterID int64, syncedAt time.Time, isStale, isArchived bool) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE matters
		SET last_synced_at = $1, is_stale = $2, is_archived = $3
		WHERE id = $4`,
		syncedAt, isStale, isArchived, matterID)
	if err != nil {
		return err
	}
	return requireRowAffected(result)
}

// UpdateMatterOverrides sets the local-only fields. Passing nil clears an
// override back to the upstream value.
func (s *Store) UpdateMatterOverrides(ctx context.Context, matterID int64, titleOverride *string, deadlineOverride *time.Time, assigneeID *string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE matters
		SET title_override = $1, deadline_override = $2, assignee_id = $3, updated_at = NOW()
		WHERE id = $4`,
		titleOverride, deadlineOverride, assigneeID, matterID)
	if err != nil {
		return err
	}
	return requireRowAffected(result)
}

// ListMattersWithDeadlines returns every non-archived matter that has an
// effective deadline, across all tenants. This is the deadline
// scheduler's scan set.
func (s *Store) ListMattersWithDeadlines(ctx context.Context) ([]Matter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+matterColumns+`
		FROM matters
		WHERE is_archived = FALSE
		  AND (deadline_override IS NOT NULL OR deadline IS NOT NULL)
		ORDER BY tenant_id, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMatters(rows)
}

// ListTenantMatters returns the tenant's matters for list views, newest
// deadline first.
func (s *Store) ListTenantMatters(ctx context.Context, tenantID string) ([]Matter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+matterColumns+`
		FROM matters
		WHERE tenant_id = $1
		ORDER BY COALESCE(deadline_override, deadline) ASC NULLS LAST, id`,
		tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMatters(rows)
}

func collectMatters(rows *sql.Rows) ([]Matter, error) {
	matters := []Matter{}
	for rows.Next() {
		m, err := scanMatter(rows)
		if err != nil {
			return nil, err
		}
		matters = append(matters, m)
	}
	return matters, rows.Err()
}

func requireRowAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
