package store

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lawdesk/matterwatch/internal/config"
)

func integrationStore(t *testing.T) *Store {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("MATTERWATCH_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set MATTERWATCH_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	s, err := Open(config.DatabaseConfig{DSN: dsn}, zap.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		ctx := context.Background()
		for _, table := range []string{"notifications", "matters", "sync_configs", "recipients"} {
			_, _ = s.db.ExecContext(ctx, "DELETE FROM "+table)
		}
		_ = s.Close()
	})
	return s
}

func TestIntegrationMatterUpsertPreservesOverrides(t *testing.T) {
	s := integrationStore(t)
	ctx := context.Background()

	deadline := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	m := &Matter{
		TenantID:   "tenant_1",
		ExternalID: "ext_1",
		Title:      "I-485 Adjustment",
		Status:     "active",
		Deadline:   &deadline,
	}
	if err := s.InsertMatter(ctx, m); err != nil {
		t.Fatalf("insert matter: %v", err)
	}
	if m.ID == 0 {
		t.Fatal("expected matter id after insert")
	}

	override := "Renamed locally"
	overrideDeadline := deadline.AddDate(0, 0, -7)
	if err := s.UpdateMatterOverrides(ctx, m.ID, &override, &overrideDeadline, nil); err != nil {
		t.Fatalf("update overrides: %v", err)
	}

	// an upstream-field rewrite must leave overrides intact
	m.Title = "I-485 Adjustment of Status"
	now := time.Now().UTC()
	m.LastSyncedAt = &now
	if err := s.UpdateMatterUpstream(ctx, *m); err != nil {
		t.Fatalf("update upstream: %v", err)
	}

	got, err := s.MatterByExternalID(ctx, "tenant_1", "ext_1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.Title != "I-485 Adjustment of Status" {
		t.Fatalf("upstream title not updated: %q", got.Title)
	}
	if got.TitleOverride == nil || *got.TitleOverride != override {
		t.Fatalf("title override clobbered: %v", got.TitleOverride)
	}
	if got.DeadlineOverride == nil || !got.DeadlineOverride.Equal(overrideDeadline) {
		t.Fatalf("deadline override clobbered: %v", got.DeadlineOverride)
	}
	if got.EffectiveTitle() != override {
		t.Fatalf("effective title: %q", got.EffectiveTitle())
	}
	if !got.EffectiveDeadline().Equal(overrideDeadline) {
		t.Fatalf("effective deadline: %v", got.EffectiveDeadline())
	}
}

func TestIntegrationInsertMatterIsIdempotentPerExternalID(t *testing.T) {
	s := integrationStore(t)
	ctx := context.Background()

	first := &Matter{TenantID: "tenant_1", ExternalID: "ext_dup", Title: "A", Status: "active"}
	if err := s.InsertMatter(ctx, first); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	second := &Matter{TenantID: "tenant_1", ExternalID: "ext_dup", Title: "B", Status: "active"}
	if err := s.InsertMatter(ctx, second); err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected existing row, got ids %d and %d", first.ID, second.ID)
	}
	if second.Title != "A" {
		t.Fatalf("duplicate insert must not overwrite, got title %q", second.Title)
	}
}

func TestIntegrationNotificationDedupTupleUnderRace(t *testing.T) {
	s := integrationStore(t)
	ctx := context.Background()

	m := &Matter{TenantID: "tenant_1", ExternalID: "ext_race", Title: "Race", Status: "active"}
	if err := s.InsertMatter(ctx, m); err != nil {
		t.Fatalf("insert matter: %v", err)
	}

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	createdCount := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n := &Notification{
				TenantID:    "tenant_1",
				MatterID:    m.ID,
				RecipientID: "user_1",
				Channel:     ChannelInApp,
				DaysBefore:  7,
				Title:       "Deadline approaching",
			}
			created, err := s.CreateNotification(ctx, n)
			if err != nil {
				t.Errorf("create notification: %v", err)
				return
			}
			if created {
				mu.Lock()
				createdCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if createdCount != 1 {
		t.Fatalf("expected exactly one winner, got %d", createdCount)
	}

	notifications, err := s.ListNotifications(ctx, "user_1", false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(notifications) != 1 {
		t.Fatalf("expected exactly one row, got %d", len(notifications))
	}
}

func TestIntegrationMarkReadOwnershipAndIdempotence(t *testing.T) {
	s := integrationStore(t)
	ctx := context.Background()

	m := &Matter{TenantID: "tenant_1", ExternalID: "ext_read", Title: "Read", Status: "active"}
	if err := s.InsertMatter(ctx, m); err != nil {
		t.Fatalf("insert matter: %v", err)
	}
	n := &Notification{TenantID: "tenant_1", MatterID: m.ID, RecipientID: "user_1", Channel: ChannelInApp, DaysBefore: 3}
	if _, err := s.CreateNotification(ctx, n); err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := s.MarkNotificationRead(ctx, n.ID, "intruder", time.Now().UTC()); err != ErrForbidden {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}

	readAt := time.Now().UTC()
	first, err := s.MarkNotificationRead(ctx, n.ID, "user_1", readAt)
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if !first.IsRead || first.ReadAt == nil {
		t.Fatalf("expected read state, got %+v", first)
	}
	again, err := s.MarkNotificationRead(ctx, n.ID, "user_1", readAt.Add(time.Hour))
	if err != nil {
		t.Fatalf("second mark read: %v", err)
	}
	if !again.ReadAt.Equal(*first.ReadAt) {
		t.Fatalf("read_at must not move on repeat, got %v then %v", first.ReadAt, again.ReadAt)
	}
}

func TestIntegrationTenantLockExcludesSecondHolder(t *testing.T) {
	s := integrationStore(t)
	ctx := context.Background()

	release, acquired, err := s.TryLockTenant(ctx, "tenant_lock")
	if err != nil {
		t.Fatalf("first lock: %v", err)
	}
	if !acquired {
		t.Fatal("expected first lock to be acquired")
	}

	_, second, err := s.TryLockTenant(ctx, "tenant_lock")
	if err != nil {
		t.Fatalf("second lock: %v", err)
	}
	if second {
		t.Fatal("second holder must be excluded while lock is held")
	}

	release()

	releaseAgain, third, err := s.TryLockTenant(ctx, "tenant_lock")
	if err != nil {
		t.Fatalf("relock: %v", err)
	}
	if !third {
		t.Fatal("expected lock to be free after release")
	}
	releaseAgain()
}

func TestIntegrationRecipientsForMatter(t *testing.T) {
	s := integrationStore(t)
	ctx := context.Background()

	for _, r := range []Recipient{
		{ID: "user_assignee", TenantID: "tenant_1", Email: "a@firm.test", EmailEnabled: true, InAppEnabled: true},
		{ID: "user_watchall", TenantID: "tenant_1", Email: "w@firm.test", EmailEnabled: false, InAppEnabled: true, WatchAll: true},
		{ID: "user_other", TenantID: "tenant_2", Email: "o@firm.test", WatchAll: true},
	} {
		if err := s.UpsertRecipient(ctx, r); err != nil {
			t.Fatalf("upsert recipient %s: %v", r.ID, err)
		}
	}

	assignee := "user_assignee"
	m := Matter{TenantID: "tenant_1", AssigneeID: &assignee}
	recipients, err := s.RecipientsForMatter(ctx, m)
	if err != nil {
		t.Fatalf("recipients: %v", err)
	}
	if len(recipients) != 2 {
		t.Fatalf("expected assignee plus watch-all, got %+v", recipients)
	}
	ids := map[string]bool{}
	for _, r := range recipients {
		ids[r.ID] = true
	}
	if !ids["user_assignee"] || !ids["user_watchall"] {
		t.Fatalf("unexpected recipient set: %v", ids)
	}
}
