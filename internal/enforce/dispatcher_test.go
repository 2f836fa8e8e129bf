package enforce

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/screentime/internal/clock"
	"github.com/goodtune/screentime/internal/quota"
	"github.com/goodtune/screentime/internal/remote"
	"github.com/goodtune/screentime/internal/storage"
	"github.com/goodtune/screentime/internal/storage/bolt"
)

type invocation struct {
	AgentID  string
	ScriptID string
	Args     map[string]any
}

type fakeExecutor struct {
	mu           sync.Mutex
	invocations  []invocation
	failInvoke   bool
	rejectInvoke bool // agent responds with success=false
}

func (f *fakeExecutor) ListAgents(ctx context.Context) ([]string, error) {
	return []string{"agent-a"}, nil
}

func (f *fakeExecutor) Deploy(ctx context.Context, agentID string, scripts []remote.Script) error {
	return nil
}

func (f *fakeExecutor) Monitor(ctx context.Context, agentID, scriptID string) (*remote.MonitorResult, error) {
	return &remote.MonitorResult{}, nil
}

func (f *fakeExecutor) Invoke(ctx context.Context, agentID, scriptID string, args map[string]any) (*remote.ActionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failInvoke {
		return nil, errors.New("agent unreachable")
	}
	f.invocations = append(f.invocations, invocation{AgentID: agentID, ScriptID: scriptID, Args: args})
	return &remote.ActionResult{Success: !f.rejectInvoke}, nil
}

func (f *fakeExecutor) invoked() []invocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]invocation(nil), f.invocations...)
}

func newTestDispatcher(t *testing.T, policy KillPolicy) (*Dispatcher, *fakeExecutor, *clock.Test, storage.Store) {
	t.Helper()

	store, err := bolt.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	executor := &fakeExecutor{}
	clk := clock.NewTest(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))

	dispatcher, err := New(context.Background(), executor, store.Violations(), store.Shutdowns(), clk, policy, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create dispatcher: %v", err)
	}
	return dispatcher, executor, clk, store
}

func drainStatus(dispatcher *Dispatcher) []StatusEvent {
	var events []StatusEvent
	for {
		select {
		case event := <-dispatcher.Status():
			events = append(events, event)
		default:
			return events
		}
	}
}

func TestKillBrowsersRecordsViolation(t *testing.T) {
	dispatcher, executor, _, store := newTestDispatcher(t, KillPolicy{KillOnViolation: true})
	ctx := context.Background()

	dispatcher.TriggerKillBrowsers(ctx, "agent-a", "child-1", "Daily internet time exhausted", []string{"chrome", "edge"})

	invoked := executor.invoked()
	if len(invoked) != 1 || invoked[0].ScriptID != remote.ScriptKillBrowsers {
		t.Fatalf("expected kill-browsers invocation, got %+v", invoked)
	}
	if invoked[0].Args["reason"] != "Daily internet time exhausted" {
		t.Errorf("unexpected args: %+v", invoked[0].Args)
	}

	violations, err := store.Violations().List(ctx, storage.ViolationFilter{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(violations) != 1 {
		t.Fatalf("expected 1 violation, got %d", len(violations))
	}
	if violations[0].ChildID != "child-1" || len(violations[0].Browsers) != 2 {
		t.Errorf("unexpected violation: %+v", violations[0])
	}
	if violations[0].ID == "" {
		t.Error("expected a violation ID")
	}

	events := drainStatus(dispatcher)
	if len(events) != 1 || events[0].Type != StatusBrowsersKilled {
		t.Errorf("unexpected status events: %+v", events)
	}
}

func TestKillSupersedesScheduledShutdown(t *testing.T) {
	dispatcher, executor, clk, store := newTestDispatcher(t, KillPolicy{KillOnViolation: true})
	ctx := context.Background()

	shutdownAt := clk.Now().Add(10 * time.Minute)
	if err := dispatcher.ScheduleShutdown(ctx, "agent-a", shutdownAt, "Bedtime", []int{5, 1}); err != nil {
		t.Fatalf("ScheduleShutdown failed: %v", err)
	}
	if len(dispatcher.PendingShutdowns()) != 1 {
		t.Fatal("expected pending shutdown")
	}

	dispatcher.TriggerKillBrowsers(ctx, "agent-a", "child-1", "Daily internet time exhausted", nil)

	var scripts []string
	for _, call := range executor.invoked() {
		scripts = append(scripts, call.ScriptID)
	}
	want := []string{remote.ScriptScheduleShutdown, remote.ScriptCancelShutdown, remote.ScriptKillBrowsers}
	if len(scripts) != len(want) {
		t.Fatalf("expected %v, got %v", want, scripts)
	}
	for i := range want {
		if scripts[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, scripts)
		}
	}

	if len(dispatcher.PendingShutdowns()) != 0 {
		t.Error("expected pending shutdown cleared after kill")
	}
	if _, err := store.Shutdowns().Get(ctx, "agent-a"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected persisted shutdown removed, got %v", err)
	}
}

func TestFailedKillEmitsActionFailed(t *testing.T) {
	dispatcher, executor, _, store := newTestDispatcher(t, KillPolicy{KillOnViolation: true})
	executor.failInvoke = true
	ctx := context.Background()

	dispatcher.TriggerKillBrowsers(ctx, "agent-a", "child-1", "Daily internet time exhausted", nil)

	violations, err := store.Violations().List(ctx, storage.ViolationFilter{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(violations) != 0 {
		t.Errorf("expected no violation for failed action, got %+v", violations)
	}

	events := drainStatus(dispatcher)
	if len(events) != 1 || events[0].Type != StatusActionFailed {
		t.Errorf("expected action-failed event, got %+v", events)
	}
}

func TestRejectedKillRecordsNoViolation(t *testing.T) {
	dispatcher, executor, _, store := newTestDispatcher(t, KillPolicy{KillOnViolation: true})
	executor.rejectInvoke = true
	ctx := context.Background()

	dispatcher.TriggerKillBrowsers(ctx, "agent-a", "child-1", "Daily internet time exhausted", []string{"chrome"})

	violations, err := store.Violations().List(ctx, storage.ViolationFilter{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(violations) != 0 {
		t.Errorf("a kill the agent rejected must not be recorded, got %+v", violations)
	}

	// Observers see a failure, not a kill that did not happen.
	events := drainStatus(dispatcher)
	if len(events) != 1 || events[0].Type != StatusActionFailed {
		t.Errorf("expected action-failed event, got %+v", events)
	}
}

func TestHandleIntentRespectsKillPolicy(t *testing.T) {
	dispatcher, executor, _, _ := newTestDispatcher(t, KillPolicy{KillOnViolation: false})
	ctx := context.Background()

	dispatcher.HandleIntent(ctx, quota.Intent{
		Type:    quota.IntentBlock,
		AgentID: "agent-a",
		ChildID: "child-1",
		Reason:  "Daily internet time exhausted",
	}, []string{"chrome"})

	invoked := executor.invoked()
	if len(invoked) != 1 || invoked[0].ScriptID != remote.ScriptShowWarning {
		t.Fatalf("expected warning instead of kill, got %+v", invoked)
	}
}

func TestHandleIntentGracePeriod(t *testing.T) {
	dispatcher, executor, clk, _ := newTestDispatcher(t, KillPolicy{KillOnViolation: true, GracePeriod: time.Minute})
	ctx := context.Background()

	intent := quota.Intent{
		Type:    quota.IntentBlock,
		AgentID: "agent-a",
		ChildID: "child-1",
		Reason:  "Daily internet time exhausted",
	}

	// First block inside the grace period only warns.
	dispatcher.HandleIntent(ctx, intent, nil)
	invoked := executor.invoked()
	if len(invoked) != 1 || invoked[0].ScriptID != remote.ScriptShowWarning {
		t.Fatalf("expected grace warning, got %+v", invoked)
	}

	// After the grace period the kill goes through.
	clk.Advance(2 * time.Minute)
	dispatcher.HandleIntent(ctx, intent, nil)
	invoked = executor.invoked()
	if len(invoked) != 2 || invoked[1].ScriptID != remote.ScriptKillBrowsers {
		t.Fatalf("expected kill after grace period, got %+v", invoked)
	}
}

func TestHandleIntentWarn(t *testing.T) {
	dispatcher, executor, _, _ := newTestDispatcher(t, KillPolicy{KillOnViolation: true})
	ctx := context.Background()

	dispatcher.HandleIntent(ctx, quota.Intent{
		Type:             quota.IntentWarn,
		AgentID:          "agent-a",
		ChildID:          "child-1",
		RemainingMinutes: 4.5,
		Urgency:          quota.UrgencyHigh,
	}, nil)

	invoked := executor.invoked()
	if len(invoked) != 1 || invoked[0].ScriptID != remote.ScriptShowWarning {
		t.Fatalf("expected show-warning invocation, got %+v", invoked)
	}
	if invoked[0].Args["urgency"] != "high" {
		t.Errorf("unexpected args: %+v", invoked[0].Args)
	}
}

func TestPendingShutdownsSurviveRestart(t *testing.T) {
	dispatcher, executor, clk, store := newTestDispatcher(t, KillPolicy{KillOnViolation: true})
	ctx := context.Background()

	shutdownAt := clk.Now().Add(30 * time.Minute)
	if err := dispatcher.ScheduleShutdown(ctx, "agent-a", shutdownAt, "Bedtime", []int{10, 5, 1}); err != nil {
		t.Fatalf("ScheduleShutdown failed: %v", err)
	}

	reloaded, err := New(ctx, executor, store.Violations(), store.Shutdowns(), clk, KillPolicy{KillOnViolation: true}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to reload dispatcher: %v", err)
	}

	pending := reloaded.PendingShutdowns()
	if len(pending) != 1 || pending[0].AgentID != "agent-a" || pending[0].Reason != "Bedtime" {
		t.Fatalf("expected reloaded pending shutdown, got %+v", pending)
	}
}

func TestCancelWithoutPendingIsNoop(t *testing.T) {
	dispatcher, executor, _, _ := newTestDispatcher(t, KillPolicy{KillOnViolation: true})

	dispatcher.CancelScheduledShutdown(context.Background(), "agent-a")

	if invoked := executor.invoked(); len(invoked) != 0 {
		t.Errorf("expected no invocations, got %+v", invoked)
	}
}

func TestCleanupViolations(t *testing.T) {
	dispatcher, _, clk, store := newTestDispatcher(t, KillPolicy{KillOnViolation: true})
	ctx := context.Background()

	old := storage.Violation{
		ID:        "01AAAAAAAAAAAAAAAAAAAAAAAA",
		Timestamp: clk.Now().Add(-40 * 24 * time.Hour),
		AgentID:   "agent-a",
		ChildID:   "child-1",
		Reason:    "old",
	}
	recent := storage.Violation{
		ID:        "01BBBBBBBBBBBBBBBBBBBBBBBB",
		Timestamp: clk.Now().Add(-time.Hour),
		AgentID:   "agent-a",
		ChildID:   "child-1",
		Reason:    "recent",
	}
	for _, violation := range []storage.Violation{old, recent} {
		if err := store.Violations().Add(ctx, violation); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	deleted, err := dispatcher.CleanupViolations(ctx, 30*24*time.Hour)
	if err != nil {
		t.Fatalf("CleanupViolations failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 deleted, got %d", deleted)
	}

	remaining, err := store.Violations().List(ctx, storage.ViolationFilter{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(remaining) != 1 || remaining[0].Reason != "recent" {
		t.Errorf("unexpected remaining violations: %+v", remaining)
	}
}
