package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lawdesk/matterwatch/internal/store"
)

// dispatch delivers a freshly raised notification on its channel.
// Returns false when delivery ultimately failed; the notification row
// stays either way, with delivery_state recording the outcome.
func (s *Service) dispatch(ctx context.Context, r store.Recipient, n store.Notification) bool {
	switch n.Channel {
	case store.ChannelEmail:
		return s.dispatchEmail(ctx, r, n)
	case store.ChannelInApp:
		return s.dispatchInApp(r, n)
	default:
		s.logger.Error("unknown channel", zap.String("channel", n.Channel))
		return false
	}
}

func (s *Service) dispatchEmail(ctx context.Context, r store.Recipient, n store.Notification) bool {
	var lastErr error
	for attempt := 1; attempt <= s.mailAttempts; attempt++ {
		lastErr = s.mailer.Send(ctx, r.Email, n.Title, n.Message)
		if lastErr == nil {
			s.setDeliveryState(ctx, n.ID, store.DeliverySent, attempt)
			s.metrics.Deliveries.WithLabelValues(store.ChannelEmail, "sent").Inc()
			return true
		}
		if ctx.Err() != nil {
			break
		}
		if attempt < s.mailAttempts {
			sleepContext(ctx, s.mailBaseDelay*time.Duration(1<<(attempt-1)))
		}
	}
	s.logger.Error("email delivery failed",
		zap.String("notification_id", n.ID),
		zap.String("recipient_id", r.ID),
		zap.Error(lastErr))
	s.setDeliveryState(ctx, n.ID, store.DeliveryFailed, s.mailAttempts)
	s.metrics.Deliveries.WithLabelValues(store.ChannelEmail, "failed").Inc()
	return false
}

func (s *Service) dispatchInApp(r store.Recipient, n store.Notification) bool {
	s.publish(r.ID, "created", n)
	s.setDeliveryState(context.Background(), n.ID, store.DeliverySent, 1)
	s.metrics.Deliveries.WithLabelValues(store.ChannelInApp, "sent").Inc()
	return true
}

func (s *Service) setDeliveryState(ctx context.Context, id, state string, attempts int) {
	if err := s.store.SetDeliveryState(ctx, id, state, attempts); err != nil {
		s.logger.Error("record delivery state",
			zap.String("notification_id", id),
			zap.String("state", state),
			zap.Error(err))
	}
}

func sleepContext(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
