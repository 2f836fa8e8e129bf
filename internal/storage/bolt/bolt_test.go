package bolt

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/goodtune/screentime/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "screentime.bolt")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return store
}

func TestAgentStoreRoundTrip(t *testing.T) {
	store := openTestStore(t)
	defer func() { _ = store.Close() }()

	agent := storage.Agent{
		ID:       "agent-a",
		Hostname: "kids-laptop",
		Platform: "linux",
		Online:   true,
		ChildID:  "child-1",
		LastSeen: time.Now(),
		Browsers: []string{"chrome", "firefox"},
	}

	if err := store.Agents().Upsert(context.Background(), agent); err != nil {
		t.Fatalf("upsert agent: %v", err)
	}

	got, err := store.Agents().Get(context.Background(), "agent-a")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if got.Hostname != "kids-laptop" || got.ChildID != "child-1" || len(got.Browsers) != 2 {
		t.Errorf("unexpected agent: %+v", got)
	}

	if _, err := store.Agents().Get(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	agents, err := store.Agents().List(context.Background())
	if err != nil {
		t.Fatalf("list agents: %v", err)
	}
	if len(agents) != 1 {
		t.Errorf("expected 1 agent, got %d", len(agents))
	}
}

func TestChildStoreCounters(t *testing.T) {
	store := openTestStore(t)
	defer func() { _ = store.Close() }()

	child := storage.Child{ID: "child-1", UsageTodaySeconds: 300, LastReset: time.Now()}
	if err := store.Children().Upsert(context.Background(), child); err != nil {
		t.Fatalf("upsert child: %v", err)
	}

	got, err := store.Children().Get(context.Background(), "child-1")
	if err != nil {
		t.Fatalf("get child: %v", err)
	}
	if got.UsageTodaySeconds != 300 {
		t.Errorf("expected 300 seconds, got %d", got.UsageTodaySeconds)
	}
}

func TestViolationStoreFilterAndCleanup(t *testing.T) {
	store := openTestStore(t)
	defer func() { _ = store.Close() }()

	old := storage.Violation{
		ID:        "01ARZ3NDEKTSV4RRFFQ69G5FAA",
		Timestamp: time.Now().Add(-48 * time.Hour),
		AgentID:   "agent-a",
		ChildID:   "child-1",
		Reason:    "Daily internet time exhausted",
	}
	recent := storage.Violation{
		ID:        "01BX5ZZKBKACTAV9WEVGEMMVRY",
		Timestamp: time.Now(),
		AgentID:   "agent-b",
		ChildID:   "child-1",
		Reason:    "Activity is blocked",
	}

	for _, violation := range []storage.Violation{old, recent} {
		if err := store.Violations().Add(context.Background(), violation); err != nil {
			t.Fatalf("add violation: %v", err)
		}
	}

	byAgent, err := store.Violations().List(context.Background(), storage.ViolationFilter{AgentID: "agent-b"})
	if err != nil {
		t.Fatalf("list violations: %v", err)
	}
	if len(byAgent) != 1 || byAgent[0].AgentID != "agent-b" {
		t.Errorf("unexpected filtered violations: %+v", byAgent)
	}

	deleted, err := store.Violations().DeleteBefore(context.Background(), time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("delete before: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 deleted violation, got %d", deleted)
	}

	cleared, err := store.Violations().Clear(context.Background())
	if err != nil {
		t.Fatalf("clear violations: %v", err)
	}
	if cleared != 1 {
		t.Errorf("expected 1 cleared violation, got %d", cleared)
	}
}

func TestSettingsStore(t *testing.T) {
	store := openTestStore(t)
	defer func() { _ = store.Close() }()

	if _, err := store.Settings().Get(context.Background()); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound before first put, got %v", err)
	}

	settings := storage.Settings{
		CheckIntervalSeconds:    30,
		WarningThresholdMinutes: []int{15, 5, 1},
		KillOnViolation:         true,
	}
	if err := store.Settings().Put(context.Background(), settings); err != nil {
		t.Fatalf("put settings: %v", err)
	}

	got, err := store.Settings().Get(context.Background())
	if err != nil {
		t.Fatalf("get settings: %v", err)
	}
	if got.CheckIntervalSeconds != 30 || len(got.WarningThresholdMinutes) != 3 {
		t.Errorf("unexpected settings: %+v", got)
	}
}

func TestShutdownStoreLifecycle(t *testing.T) {
	store := openTestStore(t)
	defer func() { _ = store.Close() }()

	shutdown := storage.PendingShutdown{
		AgentID:       "agent-a",
		ShutdownAt:    time.Now().Add(10 * time.Minute),
		Reason:        "Daily internet time exhausted",
		WarnIntervals: []int{5, 1},
		ScheduledAt:   time.Now(),
	}

	if err := store.Shutdowns().Upsert(context.Background(), shutdown); err != nil {
		t.Fatalf("upsert shutdown: %v", err)
	}

	listed, err := store.Shutdowns().List(context.Background())
	if err != nil {
		t.Fatalf("list shutdowns: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("expected 1 pending shutdown, got %d", len(listed))
	}

	if err := store.Shutdowns().Delete(context.Background(), "agent-a"); err != nil {
		t.Fatalf("delete shutdown: %v", err)
	}
	if _, err := store.Shutdowns().Get(context.Background(), "agent-a"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}
