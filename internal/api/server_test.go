package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/screentime/internal/agents"
	"github.com/goodtune/screentime/internal/authority"
	"github.com/goodtune/screentime/internal/classify"
	"github.com/goodtune/screentime/internal/clock"
	"github.com/goodtune/screentime/internal/detect"
	"github.com/goodtune/screentime/internal/enforce"
	"github.com/goodtune/screentime/internal/quota"
	"github.com/goodtune/screentime/internal/remote"
	"github.com/goodtune/screentime/internal/storage"
	"github.com/goodtune/screentime/internal/storage/bolt"
	"github.com/goodtune/screentime/internal/track"
)

type stubAuthority struct{}

func (stubAuthority) CheckActivity(ctx context.Context, req authority.CheckRequest) (*authority.Allowance, error) {
	return &authority.Allowance{Allowed: true, RemainingSeconds: 3600}, nil
}

type stubExecutor struct{}

func (stubExecutor) ListAgents(ctx context.Context) ([]string, error) { return nil, nil }
func (stubExecutor) Deploy(ctx context.Context, agentID string, scripts []remote.Script) error {
	return nil
}
func (stubExecutor) Monitor(ctx context.Context, agentID, scriptID string) (*remote.MonitorResult, error) {
	return &remote.MonitorResult{}, nil
}
func (stubExecutor) Invoke(ctx context.Context, agentID, scriptID string, args map[string]any) (*remote.ActionResult, error) {
	return &remote.ActionResult{Success: true}, nil
}

type stubDetectors struct {
	modes   map[string]detect.Mode
	records map[string][]detect.UsageRecord
	setErr  error
}

func (s *stubDetectors) Mode(agentID string) (detect.Mode, bool) {
	mode, ok := s.modes[agentID]
	return mode, ok
}

func (s *stubDetectors) SetMode(ctx context.Context, agentID string, mode detect.Mode) error {
	if s.setErr != nil {
		return s.setErr
	}
	s.modes[agentID] = mode
	return nil
}

func (s *stubDetectors) UsageRecords(agentID string) []detect.UsageRecord {
	return s.records[agentID]
}

type testEnv struct {
	server    *Server
	registry  *agents.Registry
	tracker   *track.Tracker
	arbiter   *quota.Arbiter
	detectors *stubDetectors
	store     storage.Store
	clock     *clock.Test
}

func newTestServer(t *testing.T) *testEnv {
	t.Helper()

	store, err := bolt.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	clk := clock.NewTest(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	logger := zerolog.Nop()
	ctx := context.Background()

	registry, err := agents.NewRegistry(ctx, store.Agents(), clk, time.Minute, logger)
	if err != nil {
		t.Fatalf("Failed to create registry: %v", err)
	}

	tracker := track.New(store.Children(), stubAuthority{}, clk, time.Hour, time.Hour, logger)
	arbiter := quota.New(stubAuthority{}, []int{15, 5, 1}, 0, logger)

	dispatcher, err := enforce.New(ctx, stubExecutor{}, store.Violations(), store.Shutdowns(), clk, enforce.KillPolicy{KillOnViolation: true}, logger)
	if err != nil {
		t.Fatalf("Failed to create dispatcher: %v", err)
	}

	detectors := &stubDetectors{
		modes:   map[string]detect.Mode{},
		records: map[string][]detect.UsageRecord{},
	}

	server := NewServer(Config{
		Addr:                 "127.0.0.1:0",
		Registry:             registry,
		Tracker:              tracker,
		Arbiter:              arbiter,
		Dispatcher:           dispatcher,
		Classifier:           classify.New(classify.Config{}, logger),
		Detectors:            detectors,
		Store:                store,
		ResetFlagsOnReconfig: true,
	}, logger)

	return &testEnv{
		server:    server,
		registry:  registry,
		tracker:   tracker,
		arbiter:   arbiter,
		detectors: detectors,
		store:     store,
		clock:     clk,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	recorder := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(recorder, req)
	return recorder
}

func TestListAndGetAgents(t *testing.T) {
	env := newTestServer(t)
	ctx := context.Background()

	if err := env.registry.Observe(ctx, "agent-a", "kids-laptop", "windows"); err != nil {
		t.Fatalf("Observe failed: %v", err)
	}
	env.detectors.modes["agent-a"] = detect.ModeBasic

	resp := env.do(t, http.MethodGet, "/api/agents", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}

	var listed []map[string]any
	if err := json.Unmarshal(resp.Body.Bytes(), &listed); err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if len(listed) != 1 || listed[0]["id"] != "agent-a" || listed[0]["detection_mode"] != "basic" {
		t.Errorf("unexpected agents: %+v", listed)
	}

	if resp := env.do(t, http.MethodGet, "/api/agents/missing", nil); resp.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.Code)
	}
}

func TestLinkAndUnlinkChild(t *testing.T) {
	env := newTestServer(t)
	ctx := context.Background()

	if err := env.registry.Observe(ctx, "agent-a", "kids-laptop", "windows"); err != nil {
		t.Fatalf("Observe failed: %v", err)
	}

	resp := env.do(t, http.MethodPut, "/api/agents/agent-a/child", map[string]string{"child_id": "child-1"})
	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", resp.Code, resp.Body.String())
	}
	if childID, ok := env.registry.ChildFor("agent-a"); !ok || childID != "child-1" {
		t.Errorf("expected linked child, got %q %v", childID, ok)
	}

	if resp := env.do(t, http.MethodPut, "/api/agents/agent-a/child", map[string]string{}); resp.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for empty child_id, got %d", resp.Code)
	}

	resp = env.do(t, http.MethodDelete, "/api/agents/agent-a/child", nil)
	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.Code)
	}
	if _, ok := env.registry.ChildFor("agent-a"); ok {
		t.Error("expected child unlinked")
	}
}

func TestModeEndpoints(t *testing.T) {
	env := newTestServer(t)
	env.detectors.modes["agent-a"] = detect.ModeBasic

	resp := env.do(t, http.MethodGet, "/api/agents/agent-a/mode", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	resp = env.do(t, http.MethodPut, "/api/agents/agent-a/mode", map[string]string{"mode": "hybrid"})
	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", resp.Code, resp.Body.String())
	}
	if env.detectors.modes["agent-a"] != detect.ModeHybrid {
		t.Errorf("expected hybrid mode, got %v", env.detectors.modes["agent-a"])
	}

	if resp := env.do(t, http.MethodPut, "/api/agents/agent-a/mode", map[string]string{"mode": "psychic"}); resp.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown mode, got %d", resp.Code)
	}
}

func TestManualBlockEmitsIntent(t *testing.T) {
	env := newTestServer(t)
	ctx := context.Background()

	if err := env.registry.Observe(ctx, "agent-a", "kids-laptop", "windows"); err != nil {
		t.Fatalf("Observe failed: %v", err)
	}
	if err := env.registry.LinkChild(ctx, "agent-a", "child-1"); err != nil {
		t.Fatalf("LinkChild failed: %v", err)
	}

	resp := env.do(t, http.MethodPost, "/api/agents/agent-a/block", map[string]string{"reason": "Homework time"})
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.Code)
	}

	select {
	case intent := <-env.arbiter.Intents():
		if intent.Type != quota.IntentBlock || intent.Reason != "Homework time" || intent.ChildID != "child-1" {
			t.Errorf("unexpected intent: %+v", intent)
		}
	default:
		t.Fatal("expected a block intent")
	}

	if resp := env.do(t, http.MethodPost, "/api/agents/missing/block", nil); resp.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.Code)
	}
}

func TestChildUsageSummary(t *testing.T) {
	env := newTestServer(t)
	ctx := context.Background()

	env.tracker.RecordActivity(ctx, "agent-a", "child-1", []string{"chrome"})
	env.clock.Advance(2 * time.Minute)
	env.tracker.RecordActivity(ctx, "agent-a", "child-1", []string{"chrome"})

	env.detectors.records["agent-a"] = []detect.UsageRecord{
		{Domain: "youtube.com", Elapsed: 90 * time.Second},
		{Domain: "wikipedia.org", Elapsed: 30 * time.Second},
	}

	resp := env.do(t, http.MethodGet, "/api/children/child-1/usage", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}

	var summary struct {
		ChildID           string           `json:"child_id"`
		UsageTodaySeconds int64            `json:"usage_today_seconds"`
		Sessions          []sessionView    `json:"sessions"`
		Categories        []map[string]any `json:"categories"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &summary); err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if summary.UsageTodaySeconds != 120 {
		t.Errorf("expected 120 seconds, got %d", summary.UsageTodaySeconds)
	}
	if len(summary.Sessions) != 1 || summary.Sessions[0].AgentID != "agent-a" {
		t.Errorf("unexpected sessions: %+v", summary.Sessions)
	}
	if len(summary.Categories) == 0 {
		t.Error("expected category stats")
	}
}

func TestViolationEndpoints(t *testing.T) {
	env := newTestServer(t)
	ctx := context.Background()

	violation := storage.Violation{
		ID:        "01AAAAAAAAAAAAAAAAAAAAAAAA",
		Timestamp: env.clock.Now(),
		AgentID:   "agent-a",
		ChildID:   "child-1",
		Reason:    "Daily internet time exhausted",
	}
	if err := env.store.Violations().Add(ctx, violation); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	resp := env.do(t, http.MethodGet, "/api/violations?child=child-1", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var listed []storage.Violation
	if err := json.Unmarshal(resp.Body.Bytes(), &listed); err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if len(listed) != 1 || listed[0].Reason != "Daily internet time exhausted" {
		t.Errorf("unexpected violations: %+v", listed)
	}

	if resp := env.do(t, http.MethodGet, "/api/violations?limit=bogus", nil); resp.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad limit, got %d", resp.Code)
	}

	resp = env.do(t, http.MethodDelete, "/api/violations", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var cleared map[string]int
	if err := json.Unmarshal(resp.Body.Bytes(), &cleared); err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if cleared["cleared"] != 1 {
		t.Errorf("expected 1 cleared, got %d", cleared["cleared"])
	}
}

func TestSettingsEndpoints(t *testing.T) {
	env := newTestServer(t)

	if resp := env.do(t, http.MethodGet, "/api/settings", nil); resp.Code != http.StatusNotFound {
		t.Errorf("expected 404 before first update, got %d", resp.Code)
	}

	update := storage.Settings{
		CheckIntervalSeconds:    60,
		WarningThresholdMinutes: []int{10, 2},
		KillOnViolation:         true,
		GracePeriodSeconds:      30,
	}
	resp := env.do(t, http.MethodPut, "/api/settings", update)
	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", resp.Code, resp.Body.String())
	}

	resp = env.do(t, http.MethodGet, "/api/settings", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var stored storage.Settings
	if err := json.Unmarshal(resp.Body.Bytes(), &stored); err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if stored.CheckIntervalSeconds != 60 || len(stored.WarningThresholdMinutes) != 2 {
		t.Errorf("unexpected settings: %+v", stored)
	}

	bad := storage.Settings{CheckIntervalSeconds: 0, WarningThresholdMinutes: []int{10}}
	if resp := env.do(t, http.MethodPut, "/api/settings", bad); resp.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid settings, got %d", resp.Code)
	}
}
