package reconcile

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/lawdesk/matterwatch/internal/docketwise"
	"github.com/lawdesk/matterwatch/internal/metrics"
	"github.com/lawdesk/matterwatch/internal/store"
)

const errorSampleLimit = 5

// Store is the slice of the canonical store the sync path needs.
type Store interface {
	ListSyncConfigs(ctx context.Context) ([]store.SyncConfig, error)
	SetLastSyncAt(ctx context.Context, tenantID string, at time.Time) error
	TryLockTenant(ctx context.Context, tenantID string) (release func(), acquired bool, err error)
	MatterByExternalID(ctx context.Context, tenantID, externalID string) (store.Matter, error)
	InsertMatter(ctx context.Context, m *store.Matter) error
	UpdateMatterUpstream(ctx context.Context, m store.Matter) error
	TouchMatterSync(ctx context.Context, matterID int64, syncedAt time.Time, isStale, isArchived bool) error
}

// Pager fetches one upstream page at a time.
type Pager interface {
	ListMatters(ctx context.Context, token, cursor string) (docketwise.MattersPage, error)
}

// Invalidator drops cached list views after a write. cache.Aside
// satisfies it; a nil Invalidator disables invalidation.
type Invalidator interface {
	Invalidate(ctx context.Context, prefix string)
}

// RunSummary reports one tenant's sync outcome.
type RunSummary struct {
	TenantID     string   `json:"tenantId"`
	Skipped      bool     `json:"skipped,omitempty"`
	Pages        int      `json:"pages"`
	Fetched      int      `json:"fetched"`
	Created      int      `json:"created"`
	Updated      int      `json:"updated"`
	Refreshed    int      `json:"refreshed"`
	Failed       int      `json:"failed"`
	ErrorSamples []string `json:"errorSamples,omitempty"`
	FatalError   string   `json:"fatalError,omitempty"`
}

func (s *RunSummary) addError(sample string) {
	s.Failed++
	if len(s.ErrorSamples) < errorSampleLimit {
		s.ErrorSamples = append(s.ErrorSamples, sample)
	}
}

type Options struct {
	// MaxPages caps pagination per run so a cyclic upstream cursor
	// cannot spin forever.
	MaxPages int
	// ClampPolling bounds a tenant-supplied polling interval. Optional.
	ClampPolling func(minutes int) int
}

// Orchestrator decides which tenants are due and runs each tenant's
// reconciliation under a per-tenant exclusivity lock.
type Orchestrator struct {
	store        Store
	pager        Pager
	cache        Invalidator
	logger       *zap.Logger
	metrics      *metrics.Metrics
	maxPages     int
	clampPolling func(int) int
}

func NewOrchestrator(s Store, pager Pager, cache Invalidator, logger *zap.Logger, m *metrics.Metrics, opts Options) *Orchestrator {
	if m == nil {
		m = metrics.NewNop()
	}
	maxPages := opts.MaxPages
	if maxPages <= 0 {
		maxPages = 500
	}
	clamp := opts.ClampPolling
	if clamp == nil {
		clamp = func(minutes int) int {
			if minutes <= 0 {
				return 60
			}
			return minutes
		}
	}
	return &Orchestrator{
		store:        s,
		pager:        pager,
		cache:        cache,
		logger:       logger,
		metrics:      m,
		maxPages:     maxPages,
		clampPolling: clamp,
	}
}

// RunDueSyncs is the idempotent cron entry point. Multiple processes may
// call it concurrently; the advisory lock guarantees at most one running
// sync per tenant, and an already-running tenant is skipped silently.
// One tenant's fatal error never blocks the others.
func (o *Orchestrator) RunDueSyncs(ctx context.Context, now time.Time) ([]RunSummary, error) {
	configs, err := o.store.ListSyncConfigs(ctx)
	if err != nil {
		return nil, err
	}

	summaries := []RunSummary{}
	for _, cfg := range configs {
		cfg.PollingMinutes = o.clampPolling(cfg.PollingMinutes)
		if !cfg.Due(now) {
			continue
		}

		release, acquired, err := o.store.TryLockTenant(ctx, cfg.TenantID)
		if err != nil {
			o.logger.Error("tenant lock failed", zap.String("tenant_id", cfg.TenantID), zap.Error(err))
			summaries = append(summaries, RunSummary{TenantID: cfg.TenantID, FatalError: err.Error()})
			o.metrics.SyncRuns.WithLabelValues(cfg.TenantID, "error").Inc()
			continue
		}
		if !acquired {
			o.metrics.SyncRuns.WithLabelValues(cfg.TenantID, "skipped").Inc()
			summaries = append(summaries, RunSummary{TenantID: cfg.TenantID, Skipped: true})
			continue
		}

		started := time.Now()
		summary, fatal := o.reconcileTenant(ctx, cfg, now)
		release()
		o.metrics.SyncDuration.WithLabelValues(cfg.TenantID).Observe(time.Since(started).Seconds())

		if fatal != nil {
			summary.FatalError = fatal.Error()
			o.logger.Error("sync run failed",
				zap.String("tenant_id", cfg.TenantID),
				zap.Error(fatal))
			o.metrics.SyncRuns.WithLabelValues(cfg.TenantID, "fatal").Inc()
		} else {
			if err := o.store.SetLastSyncAt(ctx, cfg.TenantID, now); err != nil {
				o.logger.Error("persist last sync time failed",
					zap.String("tenant_id", cfg.TenantID), zap.Error(err))
			}
			o.logger.Info("sync run completed",
				zap.String("tenant_id", cfg.TenantID),
				zap.Int("fetched", summary.Fetched),
				zap.Int("created", summary.Created),
				zap.Int("updated", summary.Updated),
				zap.Int("failed", summary.Failed))
			o.metrics.SyncRuns.WithLabelValues(cfg.TenantID, "ok").Inc()
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// reconcileTenant pulls the tenant's full page stream and merges it. The
// returned error is fatal (auth); everything else degrades into summary
// counts.
func (o *Orchestrator) reconcileTenant(ctx context.Context, cfg store.SyncConfig, now time.Time) (RunSummary, error) {
	summary := RunSummary{TenantID: cfg.TenantID}

	cursor := ""
	for page := 0; ; page++ {
		if page >= o.maxPages {
			o.logger.Warn("page cap exceeded, upstream cursor may be cyclic",
				zap.String("tenant_id", cfg.TenantID),
				zap.Int("max_pages", o.maxPages))
			summary.addError("page cap exceeded: upstream cursor did not terminate")
			break
		}

		batch, err := o.pager.ListMatters(ctx, cfg.APIToken, cursor)
		if err != nil {
			if errors.Is(err, docketwise.ErrUnauthorized) {
				return summary, err
			}
			if ctx.Err() != nil {
				return summary, ctx.Err()
			}
			// transient: give up on the remainder, next scheduled run retries
			summary.addError("page fetch: " + err.Error())
			break
		}
		summary.Pages++
		summary.Fetched += len(batch.Matters) + len(batch.Invalid)
		for _, invalid := range batch.Invalid {
			summary.addError(invalid)
		}

		for _, upstream := range batch.Matters {
			action, err := o.mergeRecord(ctx, cfg, upstream, now)
			if err != nil {
				summary.addError("record " + upstream.ID + ": " + err.Error())
				o.metrics.SyncRecords.WithLabelValues(cfg.TenantID, "failed").Inc()
				continue
			}
			switch action {
			case "created":
				summary.Created++
			case "updated":
				summary.Updated++
			default:
				summary.Refreshed++
			}
			o.metrics.SyncRecords.WithLabelValues(cfg.TenantID, action).Inc()
		}

		if batch.NextCursor == nil {
			break
		}
		cursor = *batch.NextCursor
	}

	if o.cache != nil {
		o.cache.Invalidate(ctx, "tenant:"+cfg.TenantID+":matters:")
	}
	return summary, nil
}
