package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/lawdesk/matterwatch/internal/docketwise"
	"github.com/lawdesk/matterwatch/internal/store"
)

// terminalStatuses mark a matter archived rather than stale.
var terminalStatuses = map[string]bool{
	"closed":     true,
	"completed":  true,
	"archived":   true,
	"terminated": true,
}

// mergeRecord applies one upstream record to the canonical store.
// Returns "created", "updated" or "refreshed".
func (o *Orchestrator) mergeRecord(ctx context.Context, cfg store.SyncConfig, upstream docketwise.Matter, now time.Time) (string, error) {
	existing, err := o.store.MatterByExternalID(ctx, cfg.TenantID, upstream.ID)
	if errors.Is(err, store.ErrNotFound) {
		m := store.Matter{
			TenantID:            cfg.TenantID,
			ExternalID:          upstream.ID,
			Title:               upstream.Title,
			ClientName:          upstream.ClientName,
			MatterType:          upstream.MatterType,
			Status:              upstream.Status,
			Deadline:            upstream.Deadline,
			DocketwiseUpdatedAt: upstream.UpdatedAt,
			LastSyncedAt:        &now,
		}
		m.IsStale, m.IsArchived = classify(upstream.Status, upstream.UpdatedAt, nil, cfg.StaleDays, now)
		if err := o.store.InsertMatter(ctx, &m); err != nil {
			return "", err
		}
		return "created", nil
	}
	if err != nil {
		return "", err
	}

	isStale, isArchived := classify(upstream.Status, upstream.UpdatedAt, &existing.UpdatedAt, cfg.StaleDays, now)

	if !upstreamChanged(existing, upstream) {
		if err := o.store.TouchMatterSync(ctx, existing.ID, now, isStale, isArchived); err != nil {
			return "", err
		}
		return "refreshed", nil
	}

	existing.Title = upstream.Title
	existing.ClientName = upstream.ClientName
	existing.MatterType = upstream.MatterType
	existing.Status = upstream.Status
	existing.Deadline = upstream.Deadline
	existing.DocketwiseUpdatedAt = upstream.UpdatedAt
	existing.LastSyncedAt = &now
	existing.IsStale = isStale
	existing.IsArchived = isArchived
	if err := o.store.UpdateMatterUpstream(ctx, existing); err != nil {
		return "", err
	}
	return "updated", nil
}

// upstreamChanged compares only the upstream-owned fields; local
// overrides never participate.
func upstreamChanged(local store.Matter, upstream docketwise.Matter) bool {
	return local.Title != upstream.Title ||
		local.ClientName != upstream.ClientName ||
		local.MatterType != upstream.MatterType ||
		local.Status != upstream.Status ||
		!timesEqual(local.Deadline, upstream.Deadline) ||
		!timesEqual(local.DocketwiseUpdatedAt, upstream.UpdatedAt)
}

func timesEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func classify(status string, upstreamUpdated, localUpdated *time.Time, staleDays int, now time.Time) (isStale, isArchived bool) {
	if terminalStatuses[status] {
		return false, true
	}
	if staleDays <= 0 {
		return false, false
	}
	var latest time.Time
	if upstreamUpdated != nil {
		latest = *upstreamUpdated
	}
	if localUpdated != nil && localUpdated.After(latest) {
		latest = *localUpdated
	}
	if latest.IsZero() {
		return false, false
	}
	return now.Sub(latest) > time.Duration(staleDays)*24*time.Hour, false
}
