package notify

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/lawdesk/matterwatch/internal/metrics"
	"github.com/lawdesk/matterwatch/internal/pubsub"
	"github.com/lawdesk/matterwatch/internal/store"
)

// Store is the slice of the canonical store the notification path needs.
type Store interface {
	ListMattersWithDeadlines(ctx context.Context) ([]store.Matter, error)
	RecipientsForMatter(ctx context.Context, m store.Matter) ([]store.Recipient, error)
	MinSentThreshold(ctx context.Context, matterID int64, recipientID, channel string) (int, bool, error)
	CreateNotification(ctx context.Context, n *store.Notification) (bool, error)
	SetDeliveryState(ctx context.Context, id, state string, attempts int) error
	MarkNotificationRead(ctx context.Context, id, recipientID string, at time.Time) (store.Notification, error)
	MarkAllNotificationsRead(ctx context.Context, recipientID string, at time.Time) ([]store.Notification, error)
}

// Mailer sends one email. Failures are delivery bookkeeping, never a
// reason to withdraw the notification record.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// Publisher fans an event out to a recipient's live sessions.
type Publisher interface {
	Publish(recipientID string, ev pubsub.Event) int
}

type Options struct {
	// Thresholds in days-before-deadline. Sorted ascending internally.
	Thresholds []int
	// MailAttempts caps synchronous email retries per notification.
	MailAttempts  int
	MailBaseDelay time.Duration
}

// Service owns the deadline evaluation and the read-state transitions.
// Every decision lives here; HTTP handlers and cron triggers only call in.
type Service struct {
	store         Store
	mailer        Mailer
	pub           Publisher
	logger        *zap.Logger
	metrics       *metrics.Metrics
	thresholds    []int
	mailAttempts  int
	mailBaseDelay time.Duration
}

func NewService(s Store, mailer Mailer, pub Publisher, logger *zap.Logger, m *metrics.Metrics, opts Options) *Service {
	if m == nil {
		m = metrics.NewNop()
	}
	thresholds := append([]int(nil), opts.Thresholds...)
	if len(thresholds) == 0 {
		thresholds = []int{30, 14, 7, 3, 1, 0}
	}
	sort.Ints(thresholds)
	attempts := opts.MailAttempts
	if attempts <= 0 {
		attempts = 3
	}
	baseDelay := opts.MailBaseDelay
	if baseDelay <= 0 {
		baseDelay = 2 * time.Second
	}
	return &Service{
		store:         s,
		mailer:        mailer,
		pub:           pub,
		logger:        logger,
		metrics:       m,
		thresholds:    thresholds,
		mailAttempts:  attempts,
		mailBaseDelay: baseDelay,
	}
}

// View is the wire shape of a notification, shared by list responses and
// live events.
type View struct {
	ID         string     `json:"id"`
	MatterID   int64      `json:"matterId"`
	Channel    string     `json:"channel"`
	DaysBefore int        `json:"daysBefore"`
	Title      string     `json:"title"`
	Message    string     `json:"message"`
	SentAt     time.Time  `json:"sentAt"`
	IsRead     bool       `json:"isRead"`
	ReadAt     *time.Time `json:"readAt,omitempty"`
}

func NewView(n store.Notification) View {
	return View{
		ID:         n.ID,
		MatterID:   n.MatterID,
		Channel:    n.Channel,
		DaysBefore: n.DaysBefore,
		Title:      n.Title,
		Message:    n.Message,
		SentAt:     n.SentAt,
		IsRead:     n.IsRead,
		ReadAt:     n.ReadAt,
	}
}

func (s *Service) publish(recipientID, eventType string, n store.Notification) {
	if s.pub == nil {
		return
	}
	data, err := json.Marshal(NewView(n))
	if err != nil {
		s.logger.Error("encode notification event", zap.String("notification_id", n.ID), zap.Error(err))
		return
	}
	s.pub.Publish(recipientID, pubsub.Event{Type: eventType, Data: data})
}

// MarkRead flips one notification to read and tells the recipient's
// other live sessions about it.
func (s *Service) MarkRead(ctx context.Context, id, recipientID string, now time.Time) (store.Notification, error) {
	n, err := s.store.MarkNotificationRead(ctx, id, recipientID, now)
	if err != nil {
		return store.Notification{}, err
	}
	s.publish(recipientID, "read", n)
	return n, nil
}

// MarkAllRead marks every unread in-app notification and fans out one
// read event per affected row.
func (s *Service) MarkAllRead(ctx context.Context, recipientID string, now time.Time) ([]store.Notification, error) {
	updated, err := s.store.MarkAllNotificationsRead(ctx, recipientID, now)
	if err != nil {
		return nil, err
	}
	for _, n := range updated {
		s.publish(recipientID, "read", n)
	}
	return updated, nil
}
