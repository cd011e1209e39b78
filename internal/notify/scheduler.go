package notify

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/lawdesk/matterwatch/internal/store"
)

const errorSampleLimit = 5

// EvalSummary reports one evaluation pass over the deadline scan set.
type EvalSummary struct {
	Scanned          int      `json:"scanned"`
	Raised           int      `json:"raised"`
	Duplicates       int      `json:"duplicates"`
	DeliveryFailures int      `json:"deliveryFailures"`
	Failed           int      `json:"failed"`
	ErrorSamples     []string `json:"errorSamples,omitempty"`
}

func (s *EvalSummary) addError(sample string) {
	s.Failed++
	if len(s.ErrorSamples) < errorSampleLimit {
		s.ErrorSamples = append(s.ErrorSamples, sample)
	}
}

// EvaluateDue scans every matter with an effective deadline and raises
// at most one notification per (matter, recipient, channel) group per
// pass. The pass is idempotent: running it again immediately raises
// nothing, because each group's smallest already-raised threshold caps
// what may still fire.
func (s *Service) EvaluateDue(ctx context.Context, now time.Time) (EvalSummary, error) {
	summary := EvalSummary{}

	matters, err := s.store.ListMattersWithDeadlines(ctx)
	if err != nil {
		return summary, err
	}

	for _, m := range matters {
		deadline := m.EffectiveDeadline()
		if deadline == nil {
			continue
		}
		summary.Scanned++
		daysRemaining := daysUntil(now, *deadline)

		recipients, err := s.store.RecipientsForMatter(ctx, m)
		if err != nil {
			summary.addError(fmt.Sprintf("matter %d recipients: %v", m.ID, err))
			continue
		}
		for _, r := range recipients {
			for _, channel := range enabledChannels(r) {
				if err := s.evaluateGroup(ctx, m, r, channel, daysRemaining, now, &summary); err != nil {
					summary.addError(fmt.Sprintf("matter %d recipient %s %s: %v", m.ID, r.ID, channel, err))
				}
			}
		}
	}
	return summary, nil
}

func enabledChannels(r store.Recipient) []string {
	channels := make([]string, 0, 2)
	if r.InAppEnabled {
		channels = append(channels, store.ChannelInApp)
	}
	if r.EmailEnabled && r.Email != "" {
		channels = append(channels, store.ChannelEmail)
	}
	return channels
}

func (s *Service) evaluateGroup(ctx context.Context, m store.Matter, r store.Recipient, channel string, daysRemaining int, now time.Time, summary *EvalSummary) error {
	minSent, have, err := s.store.MinSentThreshold(ctx, m.ID, r.ID, channel)
	if err != nil {
		return err
	}
	if !have {
		minSent = math.MaxInt
	}
	threshold, ok := pickThreshold(s.thresholds, daysRemaining, minSent)
	if !ok {
		return nil
	}

	n := store.Notification{
		TenantID:    m.TenantID,
		MatterID:    m.ID,
		RecipientID: r.ID,
		Channel:     channel,
		DaysBefore:  threshold,
		Title:       alertTitle(m, daysRemaining),
		Message:     alertMessage(m, daysRemaining),
		SentAt:      now,
	}
	created, err := s.store.CreateNotification(ctx, &n)
	if err != nil {
		return err
	}
	if !created {
		// a concurrent pass raised this group first
		summary.Duplicates++
		return nil
	}
	summary.Raised++
	s.metrics.Notifications.WithLabelValues(channel).Inc()
	s.logger.Info("notification raised",
		zap.String("notification_id", n.ID),
		zap.Int64("matter_id", m.ID),
		zap.String("recipient_id", r.ID),
		zap.String("channel", channel),
		zap.Int("days_before", threshold))

	if !s.dispatch(ctx, r, n) {
		summary.DeliveryFailures++
	}
	return nil
}

// pickThreshold selects the tightest threshold the deadline has crossed
// that is not already superseded by an earlier alert for the group.
// daysRemaining must be strictly below a threshold to trigger it, and
// once a group has fired at minSent, only smaller thresholds may fire.
func pickThreshold(thresholds []int, daysRemaining, minSent int) (int, bool) {
	for _, t := range thresholds {
		if daysRemaining < t && t < minSent {
			return t, true
		}
	}
	return 0, false
}

// daysUntil counts whole 24h periods between now and the deadline,
// rounding toward the deadline. Past deadlines go negative.
func daysUntil(now, deadline time.Time) int {
	return int(math.Floor(deadline.Sub(now).Hours() / 24))
}

func alertTitle(m store.Matter, daysRemaining int) string {
	switch {
	case daysRemaining < 0:
		return "Deadline passed: " + m.EffectiveTitle()
	case daysRemaining == 0:
		return "Deadline today: " + m.EffectiveTitle()
	default:
		return "Deadline approaching: " + m.EffectiveTitle()
	}
}

func alertMessage(m store.Matter, daysRemaining int) string {
	deadline := m.EffectiveDeadline()
	when := ""
	if deadline != nil {
		when = deadline.Format("2006-01-02")
	}
	switch {
	case daysRemaining < 0:
		return fmt.Sprintf("%s for %s was due on %s.", m.EffectiveTitle(), m.ClientName, when)
	case daysRemaining == 0:
		return fmt.Sprintf("%s for %s is due today (%s).", m.EffectiveTitle(), m.ClientName, when)
	case daysRemaining == 1:
		return fmt.Sprintf("%s for %s is due tomorrow (%s).", m.EffectiveTitle(), m.ClientName, when)
	default:
		return fmt.Sprintf("%s for %s is due in %d days (%s).", m.EffectiveTitle(), m.ClientName, daysRemaining, when)
	}
}
