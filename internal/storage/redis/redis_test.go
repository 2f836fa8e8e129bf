package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goodtune/screentime/internal/config"
	"github.com/goodtune/screentime/internal/storage"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	mr := miniredis.RunT(t)

	cfg := config.RedisConfig{
		Host:         mr.Addr(), // full "host:port" address
		Port:         0,         // not used when host contains port
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 5,
		DialTimeout:  "5s",
		ReadTimeout:  "3s",
		WriteTimeout: "3s",
	}

	store, err := Open(cfg)
	if err != nil {
		t.Fatalf("Failed to open Redis store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func TestAgentStoreRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	agent := storage.Agent{
		ID:       "agent-a",
		Hostname: "kids-laptop",
		Platform: "windows",
		Online:   true,
		LastSeen: time.Now(),
		Browsers: []string{"edge"},
	}

	if err := store.Agents().Upsert(ctx, agent); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	got, err := store.Agents().Get(ctx, "agent-a")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Hostname != "kids-laptop" || !got.Online {
		t.Errorf("unexpected agent: %+v", got)
	}

	if _, err := store.Agents().Get(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	agents, err := store.Agents().List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(agents) != 1 {
		t.Errorf("expected 1 agent, got %d", len(agents))
	}
}

func TestChildStoreRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	child := storage.Child{ID: "child-1", UsageTodaySeconds: 1800, LastReset: time.Now()}
	if err := store.Children().Upsert(ctx, child); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	got, err := store.Children().Get(ctx, "child-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.UsageTodaySeconds != 1800 {
		t.Errorf("expected 1800 seconds, got %d", got.UsageTodaySeconds)
	}
}

func TestViolationStoreOrderingAndCleanup(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	now := time.Now()
	violations := []storage.Violation{
		{ID: "01AAAAAAAAAAAAAAAAAAAAAAAA", Timestamp: now.Add(-72 * time.Hour), AgentID: "agent-a", ChildID: "child-1", Reason: "old"},
		{ID: "01BBBBBBBBBBBBBBBBBBBBBBBB", Timestamp: now.Add(-1 * time.Hour), AgentID: "agent-a", ChildID: "child-1", Reason: "mid"},
		{ID: "01CCCCCCCCCCCCCCCCCCCCCCCC", Timestamp: now, AgentID: "agent-b", ChildID: "child-2", Reason: "new"},
	}
	for _, violation := range violations {
		if err := store.Violations().Add(ctx, violation); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	all, err := store.Violations().List(ctx, storage.ViolationFilter{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 3 || all[0].Reason != "new" {
		t.Errorf("expected newest-first ordering, got %+v", all)
	}

	limited, err := store.Violations().List(ctx, storage.ViolationFilter{ChildID: "child-1", Limit: 1})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(limited) != 1 || limited[0].Reason != "mid" {
		t.Errorf("unexpected filtered result: %+v", limited)
	}

	deleted, err := store.Violations().DeleteBefore(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteBefore failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 deleted, got %d", deleted)
	}

	cleared, err := store.Violations().Clear(ctx)
	if err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if cleared != 2 {
		t.Errorf("expected 2 cleared, got %d", cleared)
	}
}

func TestSettingsAndShutdownStores(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if _, err := store.Settings().Get(ctx); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound before first put, got %v", err)
	}

	if err := store.Settings().Put(ctx, storage.Settings{CheckIntervalSeconds: 30, KillOnViolation: true}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	settings, err := store.Settings().Get(ctx)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if settings.CheckIntervalSeconds != 30 || !settings.KillOnViolation {
		t.Errorf("unexpected settings: %+v", settings)
	}

	shutdown := storage.PendingShutdown{
		AgentID:       "agent-a",
		ShutdownAt:    time.Now().Add(5 * time.Minute),
		Reason:        "Daily internet time exhausted",
		WarnIntervals: []int{5, 1},
		ScheduledAt:   time.Now(),
	}
	if err := store.Shutdowns().Upsert(ctx, shutdown); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	listed, err := store.Shutdowns().List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(listed) != 1 || listed[0].AgentID != "agent-a" {
		t.Errorf("unexpected shutdowns: %+v", listed)
	}

	if err := store.Shutdowns().Delete(ctx, "agent-a"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Shutdowns().Get(ctx, "agent-a"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}
