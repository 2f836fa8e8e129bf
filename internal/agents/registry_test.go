package agents

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/screentime/internal/clock"
	"github.com/goodtune/screentime/internal/storage"
	"github.com/goodtune/screentime/internal/storage/bolt"
)

func newTestRegistry(t *testing.T, clk clock.Clock) (*Registry, storage.Store) {
	t.Helper()

	store, err := bolt.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	registry, err := NewRegistry(context.Background(), store.Agents(), clk, time.Minute, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create registry: %v", err)
	}
	return registry, store
}

func TestObserveCreatesAndUpdates(t *testing.T) {
	clk := clock.NewTest(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	registry, _ := newTestRegistry(t, clk)
	ctx := context.Background()

	if err := registry.Observe(ctx, "agent-a", "kids-laptop", "windows"); err != nil {
		t.Fatalf("Observe failed: %v", err)
	}

	agent, ok := registry.Get("agent-a")
	if !ok {
		t.Fatal("expected agent to exist")
	}
	if !agent.Online || agent.Hostname != "kids-laptop" {
		t.Errorf("unexpected agent: %+v", agent)
	}

	// A second observation must not clear the child link.
	if err := registry.LinkChild(ctx, "agent-a", "child-1"); err != nil {
		t.Fatalf("LinkChild failed: %v", err)
	}
	if err := registry.Observe(ctx, "agent-a", "kids-laptop", "windows"); err != nil {
		t.Fatalf("Observe failed: %v", err)
	}
	if childID, ok := registry.ChildFor("agent-a"); !ok || childID != "child-1" {
		t.Errorf("expected child link to survive, got %q %v", childID, ok)
	}
}

func TestLinkPersistsAcrossRestart(t *testing.T) {
	clk := clock.NewTest(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	registry, store := newTestRegistry(t, clk)
	ctx := context.Background()

	if err := registry.Observe(ctx, "agent-a", "kids-laptop", "windows"); err != nil {
		t.Fatalf("Observe failed: %v", err)
	}
	if err := registry.LinkChild(ctx, "agent-a", "child-1"); err != nil {
		t.Fatalf("LinkChild failed: %v", err)
	}

	reloaded, err := NewRegistry(ctx, store.Agents(), clk, time.Minute, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to reload registry: %v", err)
	}

	agent, ok := reloaded.Get("agent-a")
	if !ok {
		t.Fatal("expected agent after reload")
	}
	if agent.ChildID != "child-1" {
		t.Errorf("expected child link after reload, got %q", agent.ChildID)
	}
	if agent.Online {
		t.Error("agents must start offline after reload")
	}
}

func TestUnknownAgentOperations(t *testing.T) {
	clk := clock.NewTest(time.Now())
	registry, _ := newTestRegistry(t, clk)
	ctx := context.Background()

	if err := registry.Touch(ctx, "nope"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := registry.LinkChild(ctx, "nope", "child-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := registry.LinkChild(ctx, "nope", ""); err == nil {
		t.Error("expected error for empty child ID")
	}
}

func TestMarkStale(t *testing.T) {
	clk := clock.NewTest(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	registry, _ := newTestRegistry(t, clk)
	ctx := context.Background()

	if err := registry.Observe(ctx, "agent-a", "laptop-a", "windows"); err != nil {
		t.Fatalf("Observe failed: %v", err)
	}
	if err := registry.Observe(ctx, "agent-b", "laptop-b", "linux"); err != nil {
		t.Fatalf("Observe failed: %v", err)
	}

	clk.Advance(30 * time.Second)
	if err := registry.Touch(ctx, "agent-b"); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}

	clk.Advance(45 * time.Second)
	stale := registry.MarkStale(ctx)
	if len(stale) != 1 || stale[0] != "agent-a" {
		t.Fatalf("expected only agent-a stale, got %v", stale)
	}

	agent, _ := registry.Get("agent-a")
	if agent.Online {
		t.Error("stale agent must be offline")
	}
	if len(agent.Browsers) != 0 {
		t.Errorf("stale agent must have no browsers, got %v", agent.Browsers)
	}

	agent, _ = registry.Get("agent-b")
	if !agent.Online {
		t.Error("recently touched agent must stay online")
	}
}
