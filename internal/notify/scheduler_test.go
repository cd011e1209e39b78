package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lawdesk/matterwatch/internal/pubsub"
	"github.com/lawdesk/matterwatch/internal/store"
)

type fakeNotifyStore struct {
	mu            sync.Mutex
	matters       []store.Matter
	recipients    []store.Recipient
	notifications map[string]*store.Notification
	byTuple       map[string]string
	createErr     error
}

func newFakeNotifyStore() *fakeNotifyStore {
	return &fakeNotifyStore{
		notifications: map[string]*store.Notification{},
		byTuple:       map[string]string{},
	}
}

func tupleKey(matterID int64, recipientID, channel string, daysBefore int) string {
	return fmt.Sprintf("%d|%s|%s|%d", matterID, recipientID, channel, daysBefore)
}

func (f *fakeNotifyStore) ListMattersWithDeadlines(ctx context.Context) ([]store.Matter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Matter, len(f.matters))
	copy(out, f.matters)
	return out, nil
}

func (f *fakeNotifyStore) RecipientsForMatter(ctx context.Context, m store.Matter) ([]store.Recipient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []store.Recipient{}
	for _, r := range f.recipients {
		if r.TenantID != m.TenantID {
			continue
		}
		if r.WatchAll || (m.AssigneeID != nil && *m.AssigneeID == r.ID) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeNotifyStore) MinSentThreshold(ctx context.Context, matterID int64, recipientID, channel string) (int, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	minSent, have := 0, false
	for _, n := range f.notifications {
		if n.MatterID != matterID || n.RecipientID != recipientID || n.Channel != channel {
			continue
		}
		if !have || n.DaysBefore < minSent {
			minSent, have = n.DaysBefore, true
		}
	}
	return minSent, have, nil
}

func (f *fakeNotifyStore) CreateNotification(ctx context.Context, n *store.Notification) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return false, f.createErr
	}
	key := tupleKey(n.MatterID, n.RecipientID, n.Channel, n.DaysBefore)
	if _, ok := f.byTuple[key]; ok {
		return false, nil
	}
	if n.ID == "" {
		n.ID = fmt.Sprintf("n-%d", len(f.notifications)+1)
	}
	n.DeliveryState = store.DeliveryCreated
	cp := *n
	f.notifications[n.ID] = &cp
	f.byTuple[key] = n.ID
	return true, nil
}

func (f *fakeNotifyStore) SetDeliveryState(ctx context.Context, id, state string, attempts int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.notifications[id]
	if !ok {
		return store.ErrNotFound
	}
	n.DeliveryState = state
	n.DeliveryAttempts = attempts
	return nil
}

func (f *fakeNotifyStore) MarkNotificationRead(ctx context.Context, id, recipientID string, at time.Time) (store.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.notifications[id]
	if !ok {
		return store.Notification{}, store.ErrNotFound
	}
	if n.RecipientID != recipientID {
		return store.Notification{}, store.ErrForbidden
	}
	if !n.IsRead {
		n.IsRead = true
		t := at
		n.ReadAt = &t
	}
	return *n, nil
}

func (f *fakeNotifyStore) MarkAllNotificationsRead(ctx context.Context, recipientID string, at time.Time) ([]store.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	updated := []store.Notification{}
	for _, n := range f.notifications {
		if n.RecipientID != recipientID || n.Channel != store.ChannelInApp || n.IsRead {
			continue
		}
		n.IsRead = true
		t := at
		n.ReadAt = &t
		updated = append(updated, *n)
	}
	return updated, nil
}

type fakeMailer struct {
	mu    sync.Mutex
	errs  []error
	sends []string
}

func (m *fakeMailer) Send(ctx context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sends = append(m.sends, to)
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return err
	}
	return nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []pubsub.Event
	byRcpt map[string]int
}

func (p *fakePublisher) Publish(recipientID string, ev pubsub.Event) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.byRcpt == nil {
		p.byRcpt = map[string]int{}
	}
	p.events = append(p.events, ev)
	p.byRcpt[recipientID]++
	return 1
}

func deadlineMatter(id int64, deadline time.Time) store.Matter {
	return store.Matter{
		ID:         id,
		TenantID:   "t1",
		ExternalID: fmt.Sprintf("ext-%d", id),
		Title:      "Answer deadline",
		ClientName: "Acme Corp",
		Status:     "open",
		Deadline:   &deadline,
	}
}

func testService(fs *fakeNotifyStore, mailer Mailer, pub Publisher) *Service {
	if mailer == nil {
		mailer = &fakeMailer{}
	}
	return NewService(fs, mailer, pub, zap.NewNop(), nil, Options{
		Thresholds:    []int{30, 14, 7, 3, 1, 0},
		MailAttempts:  3,
		MailBaseDelay: time.Millisecond,
	})
}

func TestEvaluateDueThresholdProgression(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	fs := newFakeNotifyStore()
	fs.matters = []store.Matter{deadlineMatter(1, base.Add(6*24*time.Hour+12*time.Hour))}
	fs.recipients = []store.Recipient{{ID: "u1", TenantID: "t1", InAppEnabled: true, WatchAll: true}}
	svc := testService(fs, nil, nil)
	ctx := context.Background()

	// six and a half days out: the 7-day threshold has been crossed
	summary, err := svc.EvaluateDue(ctx, base)
	if err != nil {
		t.Fatalf("EvaluateDue: %v", err)
	}
	if summary.Raised != 1 {
		t.Fatalf("first pass raised %d", summary.Raised)
	}
	if got := soleNotification(t, fs); got.DaysBefore != 7 {
		t.Fatalf("days_before = %d, want 7", got.DaysBefore)
	}

	// immediate re-run raises nothing
	summary, err = svc.EvaluateDue(ctx, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("EvaluateDue: %v", err)
	}
	if summary.Raised != 0 {
		t.Fatalf("re-run raised %d", summary.Raised)
	}

	// five days later there is about a day and a half left: 3-day alert
	summary, err = svc.EvaluateDue(ctx, base.Add(5*24*time.Hour))
	if err != nil {
		t.Fatalf("EvaluateDue: %v", err)
	}
	if summary.Raised != 1 {
		t.Fatalf("third pass raised %d", summary.Raised)
	}
	if got := latestThreshold(fs); got != 3 {
		t.Fatalf("latest threshold = %d, want 3", got)
	}

	// re-run again: still nothing new
	summary, _ = svc.EvaluateDue(ctx, base.Add(5*24*time.Hour+time.Minute))
	if summary.Raised != 0 {
		t.Fatalf("fourth pass raised %d", summary.Raised)
	}

	// past the deadline the overdue (0-day) alert fires once
	summary, _ = svc.EvaluateDue(ctx, base.Add(8*24*time.Hour))
	if summary.Raised != 1 {
		t.Fatalf("overdue pass raised %d", summary.Raised)
	}
	if got := latestThreshold(fs); got != 0 {
		t.Fatalf("latest threshold = %d, want 0", got)
	}
	summary, _ = svc.EvaluateDue(ctx, base.Add(9*24*time.Hour))
	if summary.Raised != 0 {
		t.Fatalf("post-overdue pass raised %d", summary.Raised)
	}
}

func soleNotification(t *testing.T, fs *fakeNotifyStore) store.Notification {
	t.Helper()
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.notifications) != 1 {
		t.Fatalf("expected exactly 1 notification, have %d", len(fs.notifications))
	}
	for _, n := range fs.notifications {
		return *n
	}
	return store.Notification{}
}

func latestThreshold(fs *fakeNotifyStore) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	minSent := -1
	for _, n := range fs.notifications {
		if minSent == -1 || n.DaysBefore < minSent {
			minSent = n.DaysBefore
		}
	}
	return minSent
}

func TestEvaluateDuePerChannel(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	fs := newFakeNotifyStore()
	fs.matters = []store.Matter{deadlineMatter(1, base.Add(2*24*time.Hour))}
	fs.recipients = []store.Recipient{{
		ID: "u1", TenantID: "t1", Email: "u1@firm.example",
		EmailEnabled: true, InAppEnabled: true, WatchAll: true,
	}}
	mailer := &fakeMailer{}
	pub := &fakePublisher{}
	svc := testService(fs, mailer, pub)

	summary, err := svc.EvaluateDue(context.Background(), base)
	if err != nil {
		t.Fatalf("EvaluateDue: %v", err)
	}
	if summary.Raised != 2 {
		t.Fatalf("raised %d, want one per channel", summary.Raised)
	}
	if len(mailer.sends) != 1 || mailer.sends[0] != "u1@firm.example" {
		t.Fatalf("mailer sends = %v", mailer.sends)
	}
	if pub.byRcpt["u1"] != 1 {
		t.Fatalf("published %d in-app events", pub.byRcpt["u1"])
	}
	for _, n := range fs.notifications {
		if n.DeliveryState != store.DeliverySent {
			t.Fatalf("delivery state = %s", n.DeliveryState)
		}
	}
}

func TestEvaluateDueSkipsDisabledChannels(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	fs := newFakeNotifyStore()
	fs.matters = []store.Matter{deadlineMatter(1, base.Add(2*24*time.Hour))}
	fs.recipients = []store.Recipient{{ID: "u1", TenantID: "t1", WatchAll: true}}
	svc := testService(fs, nil, nil)

	summary, err := svc.EvaluateDue(context.Background(), base)
	if err != nil {
		t.Fatalf("EvaluateDue: %v", err)
	}
	if summary.Raised != 0 || summary.Failed != 0 {
		t.Fatalf("summary = %+v, opted-out recipient is not an error", summary)
	}
}

func TestEvaluateDueUsesOverrideDeadline(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m := deadlineMatter(1, base.Add(60*24*time.Hour))
	override := base.Add(24 * time.Hour)
	m.DeadlineOverride = &override

	fs := newFakeNotifyStore()
	fs.matters = []store.Matter{m}
	fs.recipients = []store.Recipient{{ID: "u1", TenantID: "t1", InAppEnabled: true, WatchAll: true}}
	svc := testService(fs, nil, nil)

	summary, err := svc.EvaluateDue(context.Background(), base)
	if err != nil {
		t.Fatalf("EvaluateDue: %v", err)
	}
	if summary.Raised != 1 {
		t.Fatalf("raised %d", summary.Raised)
	}
	if got := soleNotification(t, fs); got.DaysBefore != 3 {
		t.Fatalf("days_before = %d, want 3 from the override deadline", got.DaysBefore)
	}
}

func TestEmailRetryThenFailureKeepsRecord(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	fs := newFakeNotifyStore()
	fs.matters = []store.Matter{deadlineMatter(1, base.Add(2*24*time.Hour))}
	fs.recipients = []store.Recipient{{
		ID: "u1", TenantID: "t1", Email: "u1@firm.example", EmailEnabled: true, WatchAll: true,
	}}
	mailer := &fakeMailer{errs: []error{
		errors.New("relay unavailable"),
		errors.New("relay unavailable"),
		errors.New("relay unavailable"),
	}}
	svc := testService(fs, mailer, nil)

	summary, err := svc.EvaluateDue(context.Background(), base)
	if err != nil {
		t.Fatalf("EvaluateDue: %v", err)
	}
	if summary.Raised != 1 || summary.DeliveryFailures != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	if len(mailer.sends) != 3 {
		t.Fatalf("send attempts = %d, want 3", len(mailer.sends))
	}
	n := soleNotification(t, fs)
	if n.DeliveryState != store.DeliveryFailed || n.DeliveryAttempts != 3 {
		t.Fatalf("delivery = %s/%d", n.DeliveryState, n.DeliveryAttempts)
	}

	// the failed delivery does not reopen the threshold
	summary, _ = svc.EvaluateDue(context.Background(), base.Add(time.Hour))
	if summary.Raised != 0 {
		t.Fatalf("re-run raised %d after delivery failure", summary.Raised)
	}
}

func TestEmailRetryRecovers(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	fs := newFakeNotifyStore()
	fs.matters = []store.Matter{deadlineMatter(1, base.Add(2*24*time.Hour))}
	fs.recipients = []store.Recipient{{
		ID: "u1", TenantID: "t1", Email: "u1@firm.example", EmailEnabled: true, WatchAll: true,
	}}
	mailer := &fakeMailer{errs: []error{errors.New("relay unavailable")}}
	svc := testService(fs, mailer, nil)

	summary, err := svc.EvaluateDue(context.Background(), base)
	if err != nil {
		t.Fatalf("EvaluateDue: %v", err)
	}
	if summary.DeliveryFailures != 0 {
		t.Fatalf("summary = %+v", summary)
	}
	n := soleNotification(t, fs)
	if n.DeliveryState != store.DeliverySent || n.DeliveryAttempts != 2 {
		t.Fatalf("delivery = %s/%d", n.DeliveryState, n.DeliveryAttempts)
	}
}

func TestConcurrentPassesRaiseOnce(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	fs := newFakeNotifyStore()
	fs.matters = []store.Matter{deadlineMatter(1, base.Add(2*24*time.Hour))}
	fs.recipients = []store.Recipient{{ID: "u1", TenantID: "t1", InAppEnabled: true, WatchAll: true}}
	svc := testService(fs, nil, &fakePublisher{})

	var wg sync.WaitGroup
	raised := make([]int, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			summary, err := svc.EvaluateDue(context.Background(), base)
			if err != nil {
				t.Errorf("EvaluateDue: %v", err)
				return
			}
			raised[i] = summary.Raised
		}(i)
	}
	wg.Wait()

	total := 0
	for _, r := range raised {
		total += r
	}
	if total != 1 {
		t.Fatalf("raised %d notifications across 8 concurrent passes", total)
	}
	if len(fs.notifications) != 1 {
		t.Fatalf("stored %d notifications", len(fs.notifications))
	}
}

func TestPickThreshold(t *testing.T) {
	thresholds := []int{0, 1, 3, 7, 14, 30}
	maxInt := int(^uint(0) >> 1)

	tests := []struct {
		name          string
		daysRemaining int
		minSent       int
		want          int
		wantOK        bool
	}{
		{"far out", 45, maxInt, 0, false},
		{"first crossing", 6, maxInt, 7, true},
		{"superseded", 6, 7, 0, false},
		{"tighter window", 1, 7, 3, true},
		{"exact boundary does not fire", 7, maxInt, 14, true},
		{"day of", 0, 3, 1, true},
		{"overdue", -2, 1, 0, true},
		{"fully exhausted", -2, 0, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := pickThreshold(thresholds, tt.daysRemaining, tt.minSent)
			if ok != tt.wantOK || (ok && got != tt.want) {
				t.Fatalf("pickThreshold(%d, %d) = (%d, %v), want (%d, %v)",
					tt.daysRemaining, tt.minSent, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestMarkReadFansOut(t *testing.T) {
	fs := newFakeNotifyStore()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	n := store.Notification{MatterID: 1, RecipientID: "u1", Channel: store.ChannelInApp, DaysBefore: 7}
	if _, err := fs.CreateNotification(context.Background(), &n); err != nil {
		t.Fatalf("seed: %v", err)
	}
	pub := &fakePublisher{}
	svc := testService(fs, nil, pub)

	got, err := svc.MarkRead(context.Background(), n.ID, "u1", now)
	if err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if !got.IsRead || got.ReadAt == nil {
		t.Fatalf("notification not marked read: %+v", got)
	}
	if len(pub.events) != 1 || pub.events[0].Type != "read" {
		t.Fatalf("events = %+v", pub.events)
	}

	if _, err := svc.MarkRead(context.Background(), n.ID, "intruder", now); !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("foreign mark-read error = %v", err)
	}
}

func TestMarkAllReadFansOutPerRow(t *testing.T) {
	fs := newFakeNotifyStore()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		n := store.Notification{MatterID: int64(i + 1), RecipientID: "u1", Channel: store.ChannelInApp, DaysBefore: 7}
		if _, err := fs.CreateNotification(context.Background(), &n); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	pub := &fakePublisher{}
	svc := testService(fs, nil, pub)

	updated, err := svc.MarkAllRead(context.Background(), "u1", now)
	if err != nil {
		t.Fatalf("MarkAllRead: %v", err)
	}
	if len(updated) != 3 || len(pub.events) != 3 {
		t.Fatalf("updated %d, events %d", len(updated), len(pub.events))
	}

	updated, err = svc.MarkAllRead(context.Background(), "u1", now.Add(time.Minute))
	if err != nil {
		t.Fatalf("MarkAllRead: %v", err)
	}
	if len(updated) != 0 {
		t.Fatalf("second mark-all updated %d rows", len(updated))
	}
}
