package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	ChannelEmail = "email"
	ChannelInApp = "in-app"

	DeliveryCreated = "created"
	DeliverySent    = "sent"
	DeliveryFailed  = "failed"
)

// Notification is one raised deadline alert. The row existing means the
// alert was raised; channel delivery success is tracked separately in
// delivery_state and never rolls the row back.
type Notification struct {
	ID               string
	TenantID         string
	MatterID         int64
	RecipientID      string
	Channel          string
	DaysBefore       int
	Title            string
	Message          string
	SentAt           time.Time
	IsRead           bool
	ReadAt           *time.Time
	DeliveryState    string
	DeliveryAttempts int
}

const notificationColumns = `id, tenant_id, matter_id, recipient_id, channel, days_before,
	title, message, sent_at, is_read, read_at, delivery_state, delivery_attempts`

func scanNotification(row interface{ Scan(...any) error }) (Notification, error) {
	var n Notification
	err := row.Scan(
		&n.ID, &n.TenantID, &n.MatterID, &n.RecipientID, &n.Channel, &n.DaysBefore,
		&n.Title, &n.Message, &n.SentAt, &n.IsRead, &n.ReadAt, &n.DeliveryState, &n.DeliveryAttempts,
	)
	return n, err
}

// CreateNotification inserts the dedup-tuple row. The unique index on
// (matter_id, recipient_id, channel, days_before) is the correctness
// gate: a conflict means some run already raised this alert, which is
// success, not an error. Returns created=false in that case.
func (s *Store) CreateNotification(ctx context.Context, n *Notification) (created bool, err error) {
	if n.MatterID == 0 || strings.TrimSpace(n.RecipientID) == "" || strings.TrimSpace(n.Channel) == "" {
		return false, ErrInvalidInput
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.SentAt.IsZero() {
		n.SentAt = time.Now().UTC()
	}
	if n.DeliveryState == "" {
		n.DeliveryState = DeliveryCreated
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, tenant_id, matter_id, recipient_id, channel, days_before,
			title, message, sent_at, delivery_state)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (matter_id, recipient_id, channel, days_before) DO NOTHING`,
		n.ID, n.TenantID, n.MatterID, n.RecipientID, n.Channel, n.DaysBefore,
		n.Title, n.Message, n.SentAt, n.DeliveryState)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// MinSentThreshold returns the smallest threshold already raised for the
// tuple group, which is the scheduler's supersession cutoff.
func (s *Store) MinSentThreshold(ctx context.Context, matterID int64, recipientID, channel string) (int, bool, error) {
	var minThreshold sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MIN(days_before) FROM notifications
		WHERE matter_id = $1 AND recipient_id = $2 AND channel = $3`,
		matterID, recipientID, channel).Scan(&minThreshold)
	if err != nil {
		return 0, false, err
	}
	if !minThreshold.Valid {
		return 0, false, nil
	}
	return int(minThreshold.Int64), true, nil
}

func (s *Store) NotificationByID(ctx context.Context, id string) (Notification, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE id = $1`, id)
	n, err := scanNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Notification{}, ErrNotFound
	}
	if err != nil {
		return Notification{}, err
	}
	return n, nil
}

// ListNotifications returns the recipient's in-app notifications, newest
// first. Email rows are delivery bookkeeping and are not shown.
func (s *Store) ListNotifications(ctx context.Context, recipientID string, unreadOnly bool) ([]Notification, error) {
	query := `SELECT ` + notificationColumns + `
		FROM notifications
		WHERE recipient_id = $1 AND channel = $2`
	if unreadOnly {
		query += ` AND is_read = FALSE`
	}
	query += ` ORDER BY sent_at DESC, id`

	rows, err := s.db.QueryContext(ctx, query, recipientID, ChannelInApp)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	notifications := []Notification{}
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		notifications = append(notifications, n)
	}
	return notifications, rows.Err()
}

func (s *Store) UnreadCount(ctx context.Context, recipientID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM notifications
		WHERE recipient_id = $1 AND channel = $2 AND is_read = FALSE`,
		recipientID, ChannelInApp).Scan(&count)
	return count, err
}

// MarkNotificationRead flips is_read for a notification owned by the
// recipient. Reading someone else's notification is ErrForbidden.
// Marking an already-read notification again is a no-op success.
func (s *Store) MarkNotificationRead(ctx context.Context, id, recipientID string, at time.Time) (Notification, error) {
	n, err := s.NotificationByID(ctx, id)
	if err != nil {
		return Notification{}, err
	}
	if n.RecipientID != recipientID {
		return Notification{}, ErrForbidden
	}
	if n.IsRead {
		return n, nil
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE notifications SET is_read = TRUE, read_at = $1
		WHERE id = $2 AND is_read = FALSE
		RETURNING `+notificationColumns, at, id)
	updated, err := scanNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		// lost a race with another session marking it read
		return s.NotificationByID(ctx, id)
	}
	if err != nil {
		return Notification{}, err
	}
	return updated, nil
}

// MarkAllNotificationsRead marks every unread in-app notification for the
// recipient and returns the affected rows for fan-out.
func (s *Store) MarkAllNotificationsRead(ctx context.Context, recipientID string, at time.Time) ([]Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE notifications SET is_read = TRUE, read_at = $1
		WHERE recipient_id = $2 AND channel = $3 AND is_read = FALSE
		RETURNING `+notificationColumns, at, recipientID, ChannelInApp)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	updated := []Notification{}
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		updated = append(updated, n)
	}
	return updated, rows.Err()
}

// SetDeliveryState records the outcome of a channel delivery attempt.
func (s *Store) SetDeliveryState(ctx context.Context, id, state string, attempts int) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET delivery_state = $1, delivery_attempts = $2 WHERE id = $3`,
		state, attempts, id)
	if err != nil {
		return err
	}
	return requireRowAffected(result)
}
