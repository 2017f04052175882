package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/zhouzirui/session-gateway/internal/model/metrics"
	"github.com/zhouzirui/session-gateway/internal/model/webhook"
	"github.com/zhouzirui/session-gateway/internal/storage/sqlite"
)

func openTestDB(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "nested", "gateway.db"))
	if err != nil {
		t.Fatalf("Open err: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSubscriptionUpsertAndDelete(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	at := time.Date(2024, 1, 2, 3, 4, 5, 6, time.UTC)

	if err := db.SaveSubscription(ctx, webhook.Subscription{Key: "s1", URL: "http://a", Events: []string{"all"}, ConfiguredAt: at}); err != nil {
		t.Fatalf("SaveSubscription err: %v", err)
	}
	if err := db.SaveSubscription(ctx, webhook.Subscription{Key: "s1", URL: "http://b", Events: []string{"message-read"}, ConfiguredAt: at}); err != nil {
		t.Fatalf("upsert err: %v", err)
	}
	db.SaveSubscription(ctx, webhook.Subscription{Key: webhook.GlobalKey, URL: "http://g", Events: []string{"all"}, ConfiguredAt: at})

	subs, err := db.LoadSubscriptions(ctx)
	if err != nil {
		t.Fatalf("LoadSubscriptions err: %v", err)
	}
	if len(subs) != 2 {
		t.Fatalf("expected 2 subscriptions, got %d", len(subs))
	}
	s1 := subs[1]
	if s1.Key != "s1" || s1.URL != "http://b" || len(s1.Events) != 1 || s1.Events[0] != "message-read" || !s1.ConfiguredAt.Equal(at) {
		t.Fatalf("unexpected subscription %+v", s1)
	}

	if err := db.DeleteSubscription(ctx, "s1"); err != nil {
		t.Fatalf("DeleteSubscription err: %v", err)
	}
	if err := db.DeleteSubscription(ctx, "missing"); err != nil {
		t.Fatalf("deleting a missing key should not fail: %v", err)
	}
	subs, _ = db.LoadSubscriptions(ctx)
	if len(subs) != 1 || subs[0].Key != webhook.GlobalKey {
		t.Fatalf("expected only global left, got %+v", subs)
	}
}

func TestReplaceSnapshots(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if snaps, err := db.LoadSnapshots(ctx); err != nil || len(snaps) != 0 {
		t.Fatalf("expected empty history, got %d err=%v", len(snaps), err)
	}

	base := time.Now().UTC().Truncate(time.Second)
	first := []metrics.Snapshot{
		{Timestamp: base, Memory: metrics.Memory{UsagePercent: 10}},
		{Timestamp: base.Add(time.Second), Memory: metrics.Memory{UsagePercent: 20}},
	}
	if err := db.ReplaceSnapshots(ctx, first); err != nil {
		t.Fatalf("ReplaceSnapshots err: %v", err)
	}
	second := []metrics.Snapshot{{Timestamp: base.Add(2 * time.Second), Memory: metrics.Memory{UsagePercent: 30}}}
	if err := db.ReplaceSnapshots(ctx, second); err != nil {
		t.Fatalf("second ReplaceSnapshots err: %v", err)
	}

	got, err := db.LoadSnapshots(ctx)
	if err != nil {
		t.Fatalf("LoadSnapshots err: %v", err)
	}
	if len(got) != 1 || got[0].Memory.UsagePercent != 30 || !got[0].Timestamp.Equal(second[0].Timestamp) {
		t.Fatalf("expected replaced history, got %+v", got)
	}
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.db")
	ctx := context.Background()

	db, err := sqlite.Open(ctx, path)
	if err != nil {
		t.Fatalf("Open err: %v", err)
	}
	db.SaveSubscription(ctx, webhook.Subscription{Key: "s1", URL: "http://a", Events: []string{"all"}, ConfiguredAt: time.Now()})
	db.Close()

	db, err = sqlite.Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen err: %v", err)
	}
	defer db.Close()
	if subs, _ := db.LoadSubscriptions(ctx); len(subs) != 1 {
		t.Fatalf("expected subscription to survive reopen, got %d", len(subs))
	}
}
