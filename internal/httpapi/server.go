package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lawdesk/matterwatch/internal/cache"
	"github.com/lawdesk/matterwatch/internal/notify"
	"github.com/lawdesk/matterwatch/internal/pubsub"
	"github.com/lawdesk/matterwatch/internal/reconcile"
	"github.com/lawdesk/matterwatch/internal/store"
)

// NotificationStore serves the read-side notification queries.
type NotificationStore interface {
	ListNotifications(ctx context.Context, recipientID string, unreadOnly bool) ([]store.Notification, error)
	UnreadCount(ctx context.Context, recipientID string) (int, error)
}

// MatterStore serves the tenant matter list.
type MatterStore interface {
	ListTenantMatters(ctx context.Context, tenantID string) ([]store.Matter, error)
}

// Syncer runs the due tenant syncs; the handler only triggers it.
type Syncer interface {
	RunDueSyncs(ctx context.Context, now time.Time) ([]reconcile.RunSummary, error)
}

// Notifier owns every notification decision; handlers never decide.
type Notifier interface {
	EvaluateDue(ctx context.Context, now time.Time) (notify.EvalSummary, error)
	MarkRead(ctx context.Context, id, recipientID string, now time.Time) (store.Notification, error)
	MarkAllRead(ctx context.Context, recipientID string, now time.Time) ([]store.Notification, error)
}

// Subscriber attaches a live session to the recipient's event feed.
type Subscriber interface {
	Subscribe(recipientID string) *pubsub.Subscription
}

type ServerConfig struct {
	CronSecret      string
	JWTSecret       string
	StreamKeepalive time.Duration
	ListCacheTTL    time.Duration
}

type Server struct {
	notifications  NotificationStore
	matters        MatterStore
	syncer         Syncer
	notifier       Notifier
	subs           Subscriber
	cache          *cache.Aside
	metricsHandler http.Handler
	logger         *zap.Logger
	cfg            ServerConfig
	now            func() time.Time
}

type ServerOptions struct {
	Notifications  NotificationStore
	Matters        MatterStore
	Syncer         Syncer
	Notifier       Notifier
	Subscriber     Subscriber
	Cache          *cache.Aside
	MetricsHandler http.Handler
	Logger         *zap.Logger
	Config         ServerConfig
}

func NewServer(opts ServerOptions) *Server {
	cfg := opts.Config
	if cfg.StreamKeepalive <= 0 {
		cfg.StreamKeepalive = 25 * time.Second
	}
	if cfg.ListCacheTTL <= 0 {
		cfg.ListCacheTTL = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		notifications:  opts.Notifications,
		matters:        opts.Matters,
		syncer:         opts.Syncer,
		notifier:       opts.Notifier,
		subs:           opts.Subscriber,
		cache:          opts.Cache,
		metricsHandler: opts.MetricsHandler,
		logger:         logger,
		cfg:            cfg,
		now:            time.Now,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet && s.metricsHandler != nil {
		s.metricsHandler.ServeHTTP(w, r)
		return
	}

	// cron schedulers vary; both verbs trigger the same run
	if r.URL.Path == "/internal/cron/sync" && (r.Method == http.MethodPost || r.Method == http.MethodGet) {
		s.handleCronSync(w, r)
		return
	}
	if r.URL.Path == "/internal/cron/notifications" && (r.Method == http.MethodPost || r.Method == http.MethodGet) {
		s.handleCronNotifications(w, r)
		return
	}

	if r.URL.Path == "/v1/matters" && r.Method == http.MethodGet {
		s.handleListMatters(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) >= 2 && parts[0] == "v1" && parts[1] == "notifications" {
		s.routeNotifications(w, r, parts)
		return
	}

	writeError(w, http.StatusNotFound, "not_found", "route not found")
}

func (s *Server) routeNotifications(w http.ResponseWriter, r *http.Request, parts []string) {
	session, authErr := s.authenticate(r)
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message)
		return
	}

	switch {
	case len(parts) == 2 && r.Method == http.MethodGet:
		s.handleListNotifications(w, r, session)
	case len(parts) == 3 && parts[2] == "unread-count" && r.Method == http.MethodGet:
		s.handleUnreadCount(w, r, session)
	case len(parts) == 3 && parts[2] == "read-all" && r.Method == http.MethodPost:
		s.handleMarkAllRead(w, r, session)
	case len(parts) == 3 && parts[2] == "stream" && r.Method == http.MethodGet:
		s.handleStream(w, r, session)
	case len(parts) == 3 && parts[2] == "ws" && r.Method == http.MethodGet:
		s.handleWebsocket(w, r, session)
	case len(parts) == 4 && parts[3] == "read" && r.Method == http.MethodPost:
		s.handleMarkRead(w, r, session, parts[2])
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request, session sessionClaims) {
	unreadOnly := r.URL.Query().Get("unread") == "true"
	notifications, err := s.notifications.ListNotifications(r.Context(), session.RecipientID, unreadOnly)
	if err != nil {
		s.logger.Error("list notifications", zap.String("recipient_id", session.RecipientID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list notifications")
		return
	}
	views := make([]notify.View, 0, len(notifications))
	for _, n := range notifications {
		views = append(views, notify.NewView(n))
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": views})
}

func (s *Server) handleUnreadCount(w http.ResponseWriter, r *http.Request, session sessionClaims) {
	count, err := s.notifications.UnreadCount(r.Context(), session.RecipientID)
	if err != nil {
		s.logger.Error("unread count", zap.String("recipient_id", session.RecipientID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to count notifications")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"unreadCount": count})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request, session sessionClaims, id string) {
	n, err := s.notifier.MarkRead(r.Context(), id, session.RecipientID, s.now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "notification not found")
		return
	}
	if errors.Is(err, store.ErrForbidden) {
		writeError(w, http.StatusForbidden, "forbidden", "notification belongs to another recipient")
		return
	}
	if err != nil {
		s.logger.Error("mark read", zap.String("notification_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to mark notification read")
		return
	}
	writeJSON(w, http.StatusOK, notify.NewView(n))
}

func (s *Server) handleMarkAllRead(w http.ResponseWriter, r *http.Request, session sessionClaims) {
	updated, err := s.notifier.MarkAllRead(r.Context(), session.RecipientID, s.now().UTC())
	if err != nil {
		s.logger.Error("mark all read", zap.String("recipient_id", session.RecipientID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to mark notifications read")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": len(updated)})
}

type matterView struct {
	ID         int64      `json:"id"`
	ExternalID string     `json:"externalId"`
	Title      string     `json:"title"`
	ClientName string     `json:"clientName"`
	MatterType string     `json:"matterType,omitempty"`
	Status     string     `json:"status"`
	Deadline   *time.Time `json:"deadline,omitempty"`
	IsStale    bool       `json:"isStale"`
	IsArchived bool       `json:"isArchived"`
}

func (s *Server) handleListMatters(w http.ResponseWriter, r *http.Request) {
	session, authErr := s.authenticate(r)
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message)
		return
	}
	compute := func(ctx context.Context) ([]matterView, error) {
		matters, err := s.matters.ListTenantMatters(ctx, session.TenantID)
		if err != nil {
			return nil, err
		}
		views := make([]matterView, 0, len(matters))
		for _, m := range matters {
			views = append(views, matterView{
				ID:         m.ID,
				ExternalID: m.ExternalID,
				Title:      m.EffectiveTitle(),
				ClientName: m.ClientName,
				MatterType: m.MatterType,
				Status:     m.Status,
				Deadline:   m.EffectiveDeadline(),
				IsStale:    m.IsStale,
				IsArchived: m.IsArchived,
			})
		}
		return views, nil
	}

	var views []matterView
	var err error
	if s.cache != nil {
		views, err = cache.GetOrCompute(r.Context(), s.cache,
			"matters", "tenant:"+session.TenantID+":matters:all", s.cfg.ListCacheTTL, compute)
	} else {
		views, err = compute(r.Context())
	}
	if err != nil {
		s.logger.Error("list matters", zap.String("tenant_id", session.TenantID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list matters")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"matters": views})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}
