// Package server wires detection, tracking, quota arbitration, and
// enforcement together for a fleet of agents.
package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/screentime/internal/agents"
	"github.com/goodtune/screentime/internal/authority"
	"github.com/goodtune/screentime/internal/classify"
	"github.com/goodtune/screentime/internal/clock"
	"github.com/goodtune/screentime/internal/detect"
	"github.com/goodtune/screentime/internal/enforce"
	"github.com/goodtune/screentime/internal/extension"
	"github.com/goodtune/screentime/internal/metrics"
	"github.com/goodtune/screentime/internal/quota"
	"github.com/goodtune/screentime/internal/remote"
	"github.com/goodtune/screentime/internal/track"
)

const (
	// DefaultDiscoveryInterval is how often the remote runtime is asked
	// for the agent fleet.
	DefaultDiscoveryInterval = 30 * time.Second

	violationCleanupInterval = 24 * time.Hour
)

// usageRecorder is implemented by detectors that buffer per-site usage.
type usageRecorder interface {
	UsageRecords() []detect.UsageRecord
}

// managedAgent is one agent's detection state.
type managedAgent struct {
	id         string
	hub        *extension.Hub
	factory    *detect.Factory
	detector   detect.Detector
	categories map[classify.Category]bool // seen in recent activity reports
	cancel     context.CancelFunc
}

// Config holds coordinator timing and policy settings.
type Config struct {
	DetectionMode      detect.Mode
	ScanInterval       time.Duration
	ExtraPatterns      []string
	HistoryCap         int
	DiscoveryInterval  time.Duration
	QuotaCheckInterval time.Duration
	WarnShutdownAhead  []int // minutes, pushed with scheduled shutdowns
	ViolationRetention time.Duration
}

// Coordinator discovers agents, runs one detector per agent, and routes
// detector events into the tracker and arbiter intents into the
// dispatcher.
type Coordinator struct {
	config     Config
	executor   remote.Executor
	lister     remote.ProcessLister
	registry   *agents.Registry
	tracker    *track.Tracker
	arbiter    *quota.Arbiter
	dispatcher *enforce.Dispatcher
	classifier *classify.Classifier
	clock      clock.Clock
	logger     zerolog.Logger

	mu     sync.Mutex
	agents map[string]*managedAgent

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a coordinator.
func New(config Config, executor remote.Executor, registry *agents.Registry, tracker *track.Tracker, arbiter *quota.Arbiter, dispatcher *enforce.Dispatcher, classifier *classify.Classifier, clk clock.Clock, logger zerolog.Logger) *Coordinator {
	if config.DiscoveryInterval <= 0 {
		config.DiscoveryInterval = DefaultDiscoveryInterval
	}
	if config.QuotaCheckInterval <= 0 {
		config.QuotaCheckInterval = quota.DefaultCheckInterval
	}
	if config.DetectionMode == "" {
		config.DetectionMode = detect.ModeAuto
	}

	return &Coordinator{
		config:     config,
		executor:   executor,
		lister:     remote.NewProcessLister(executor),
		registry:   registry,
		tracker:    tracker,
		arbiter:    arbiter,
		dispatcher: dispatcher,
		classifier: classifier,
		clock:      clk,
		logger:     logger.With().Str("component", "coordinator").Logger(),
		agents:     make(map[string]*managedAgent),
		stop:       make(chan struct{}),
	}
}

// Start launches the discovery, quota, intent, and cleanup loops.
func (c *Coordinator) Start(ctx context.Context) {
	c.discover(ctx)

	c.wg.Add(4)
	go c.runDiscovery(ctx)
	go c.runQuotaSweep(ctx)
	go c.runIntents(ctx)
	go c.runCleanup(ctx)

	c.logger.Info().
		Str("mode", string(c.config.DetectionMode)).
		Dur("discovery_interval", c.config.DiscoveryInterval).
		Msg("Coordinator started")
}

// Stop halts all loops and detectors. Open sessions are closed by the
// tracker's own Stop.
func (c *Coordinator) Stop() {
	close(c.stop)

	c.mu.Lock()
	for _, managed := range c.agents {
		managed.cancel()
		managed.detector.Stop()
	}
	c.mu.Unlock()

	c.wg.Wait()
	c.logger.Info().Msg("Coordinator stopped")
}

// Hub returns the extension transport hub for an agent, creating the
// agent's detection state on first use. The transport layer attaches
// browser connections here.
func (c *Coordinator) Hub(ctx context.Context, agentID string) *extension.Hub {
	c.mu.Lock()
	defer c.mu.Unlock()

	managed, err := c.ensureAgentLocked(ctx, agentID)
	if err != nil {
		c.logger.Error().Err(err).Str("agent", agentID).Msg("Failed to set up agent for extension transport")
		return nil
	}
	return managed.hub
}

// Mode reports the running detector's mode for an agent.
func (c *Coordinator) Mode(agentID string) (detect.Mode, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	managed, ok := c.agents[agentID]
	if !ok {
		return "", false
	}
	return managed.detector.Mode(), true
}

// SetMode stops the agent's detector and starts one in the requested
// mode. The open session, if any, is ended first: no per-session state
// carries across a mode switch.
func (c *Coordinator) SetMode(ctx context.Context, agentID string, mode detect.Mode) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	managed, ok := c.agents[agentID]
	if !ok {
		return fmt.Errorf("unknown agent %s", agentID)
	}

	detector, err := managed.factory.Create(agentID, mode)
	if err != nil {
		return err
	}

	managed.cancel()
	managed.detector.Stop()
	c.tracker.EndSession(ctx, agentID)

	if err := c.startDetectorLocked(ctx, managed, detector); err != nil {
		return err
	}

	c.logger.Info().Str("agent", agentID).Str("mode", string(detector.Mode())).Msg("Detection mode switched")
	return nil
}

// UsageRecords drains an agent's buffered per-site usage, when its
// detector tracks it.
func (c *Coordinator) UsageRecords(agentID string) []detect.UsageRecord {
	// The detector pointer is copied under the lock: SetMode replaces it.
	c.mu.Lock()
	var detector detect.Detector
	if managed, ok := c.agents[agentID]; ok {
		detector = managed.detector
	}
	c.mu.Unlock()

	if recorder, ok := detector.(usageRecorder); ok {
		return recorder.UsageRecords()
	}
	return nil
}

func (c *Coordinator) runDiscovery(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.DiscoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.discover(ctx)
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// discover asks the remote runtime for the fleet and sets up detection
// for agents seen for the first time. Stale agents get their sessions
// closed.
func (c *Coordinator) discover(ctx context.Context) {
	ids, err := c.executor.ListAgents(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("Agent discovery failed")
		return
	}

	for _, id := range ids {
		report, err := c.executor.Monitor(ctx, id, remote.ScriptProcessList)
		if err != nil {
			c.logger.Warn().Err(err).Str("agent", id).Msg("Agent monitor failed, skipping this round")
			continue
		}

		if err := c.registry.Observe(ctx, id, report.Hostname, report.Platform); err != nil {
			c.logger.Error().Err(err).Str("agent", id).Msg("Failed to record agent")
			continue
		}

		c.mu.Lock()
		_, known := c.agents[id]
		if !known {
			if _, err := c.ensureAgentLocked(ctx, id); err != nil {
				c.logger.Error().Err(err).Str("agent", id).Msg("Failed to set up agent detection")
			}
		}
		c.mu.Unlock()
	}

	for _, id := range c.registry.MarkStale(ctx) {
		c.tracker.EndSession(ctx, id)
	}
}

// ensureAgentLocked deploys the script bundle and starts a detector for
// an agent not yet managed. Caller holds the lock.
func (c *Coordinator) ensureAgentLocked(ctx context.Context, agentID string) (*managedAgent, error) {
	if managed, ok := c.agents[agentID]; ok {
		return managed, nil
	}

	if err := c.executor.Deploy(ctx, agentID, remote.Scripts()); err != nil {
		return nil, fmt.Errorf("script deploy failed: %w", err)
	}

	hub := extension.NewHub(c.logger)
	factory := detect.NewFactory(c.lister, hub, detect.FactoryConfig{
		ScanInterval:  c.config.ScanInterval,
		ExtraPatterns: c.config.ExtraPatterns,
		HistoryCap:    c.config.HistoryCap,
		Clock:         c.clock,
	}, c.logger)

	detector, err := factory.Create(agentID, c.config.DetectionMode)
	if err != nil {
		return nil, err
	}

	managed := &managedAgent{
		id:         agentID,
		hub:        hub,
		factory:    factory,
		categories: make(map[classify.Category]bool),
	}
	if err := c.startDetectorLocked(ctx, managed, detector); err != nil {
		return nil, err
	}

	c.agents[agentID] = managed
	c.logger.Info().Str("agent", agentID).Str("mode", string(detector.Mode())).Msg("Agent detection started")
	return managed, nil
}

func (c *Coordinator) startDetectorLocked(ctx context.Context, managed *managedAgent, detector detect.Detector) error {
	runCtx, cancel := context.WithCancel(ctx)
	if err := detector.Start(runCtx); err != nil {
		cancel()
		return err
	}

	managed.detector = detector
	managed.cancel = cancel

	c.wg.Add(1)
	go c.consumeEvents(runCtx, managed, detector)
	return nil
}

// consumeEvents routes one detector's events into the registry, tracker,
// and real-time blocking path. Events are handled in emission order.
func (c *Coordinator) consumeEvents(ctx context.Context, managed *managedAgent, detector detect.Detector) {
	defer c.wg.Done()

	for {
		select {
		case event, ok := <-detector.Events():
			if !ok {
				return
			}
			c.handleEvent(ctx, managed, detector, event)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Coordinator) handleEvent(ctx context.Context, managed *managedAgent, detector detect.Detector, event detect.Event) {
	active := detector.ActiveBrowsers()
	if err := c.registry.SetBrowsers(ctx, event.AgentID, active); err != nil {
		c.logger.Debug().Err(err).Str("agent", event.AgentID).Msg("Browser set update skipped")
	}
	_ = c.registry.Touch(ctx, event.AgentID)
	metrics.BrowsersDetected.WithLabelValues(event.AgentID).Set(float64(len(active)))

	childID, linked := c.registry.ChildFor(event.AgentID)

	switch event.Type {
	case detect.EventBrowserStarted:
		c.logger.Info().Str("agent", event.AgentID).Str("browser", event.Browser).Int("pid", event.PID).Msg("Browser started")
		if linked {
			c.tracker.RecordActivity(ctx, event.AgentID, childID, active)
		}

	case detect.EventBrowserStopped:
		c.logger.Info().Str("agent", event.AgentID).Str("browser", event.Browser).Dur("ran", event.Duration).Msg("Browser stopped")
		if len(active) == 0 {
			c.tracker.EndSession(ctx, event.AgentID)
		} else if linked {
			c.tracker.RecordActivity(ctx, event.AgentID, childID, active)
		}

	case detect.EventActivityReport:
		if linked {
			c.tracker.RecordActivity(ctx, event.AgentID, childID, active)
		}
		if event.Report != nil {
			c.handleReport(managed, event)
		}
	}
}

// handleReport classifies reported sites, remembers their categories for
// category quota checks, and blocks restricted sites in real time.
func (c *Coordinator) handleReport(managed *managedAgent, event detect.Event) {
	for _, visit := range event.Report.History {
		result := c.classifier.Classify(visit.Domain)

		c.mu.Lock()
		managed.categories[result.Category] = true
		c.mu.Unlock()

		if result.Restricted {
			c.logger.Warn().
				Str("agent", event.AgentID).
				Str("domain", visit.Domain).
				Str("category", string(result.Category)).
				Msg("Restricted site reported, blocking")
			managed.hub.Broadcast(event.AgentID, extension.Command{
				Type:    extension.CommandBlockSite,
				Domain:  classify.Normalize(visit.Domain),
				Message: "This site is not allowed",
			})
		}
	}
}

func (c *Coordinator) runQuotaSweep(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.QuotaCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweepQuotas(ctx)
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// sweepQuotas checks the internet quota for every agent with an open
// session, plus category quotas for categories seen since the last sweep
// when the detector tracks per-site activity.
func (c *Coordinator) sweepQuotas(ctx context.Context) {
	type check struct {
		managed  *managedAgent
		detector detect.Detector
	}

	// Detector pointers are snapshotted under the lock: SetMode replaces
	// them.
	c.mu.Lock()
	checks := make([]check, 0, len(c.agents))
	for _, managed := range c.agents {
		checks = append(checks, check{managed: managed, detector: managed.detector})
	}
	c.mu.Unlock()

	for _, chk := range checks {
		managed := chk.managed
		if !c.tracker.HasSession(managed.id) {
			continue
		}
		childID, linked := c.registry.ChildFor(managed.id)
		if !linked {
			continue
		}

		c.arbiter.CheckQuota(ctx, managed.id, childID, authority.ActivityInternet)

		if chk.detector.Capabilities().PerSiteTracking {
			c.mu.Lock()
			categories := make([]classify.Category, 0, len(managed.categories))
			for category := range managed.categories {
				categories = append(categories, category)
			}
			managed.categories = make(map[classify.Category]bool)
			c.mu.Unlock()

			for _, category := range categories {
				c.arbiter.CheckQuota(ctx, managed.id, childID, "category:"+string(category))
			}
		}
	}
}

func (c *Coordinator) runIntents(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case intent := <-c.arbiter.Intents():
			c.handleIntent(ctx, intent)
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// handleIntent enforces an intent. Critical warnings additionally push a
// scheduled shutdown to the agent so exhaustion is enforced even if
// connectivity drops before the next sweep.
func (c *Coordinator) handleIntent(ctx context.Context, intent quota.Intent) {
	c.mu.Lock()
	var detector detect.Detector
	if managed, ok := c.agents[intent.AgentID]; ok {
		detector = managed.detector
	}
	c.mu.Unlock()

	var browsers []string
	if detector != nil {
		browsers = detector.ActiveBrowsers()
	}

	if intent.Type == quota.IntentWarn && intent.Urgency == quota.UrgencyCritical {
		shutdownAt := c.clock.Now().Add(time.Duration(intent.RemainingMinutes * float64(time.Minute)))
		if err := c.dispatcher.ScheduleShutdown(ctx, intent.AgentID, shutdownAt, "Daily internet time exhausted", c.config.WarnShutdownAhead); err != nil {
			c.logger.Error().Err(err).Str("agent", intent.AgentID).Msg("Failed to schedule shutdown")
		}
	}

	c.dispatcher.HandleIntent(ctx, intent, browsers)
}

func (c *Coordinator) runCleanup(ctx context.Context) {
	defer c.wg.Done()

	if c.config.ViolationRetention <= 0 {
		return
	}

	ticker := time.NewTicker(violationCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := c.dispatcher.CleanupViolations(ctx, c.config.ViolationRetention); err != nil {
				c.logger.Error().Err(err).Msg("Violation cleanup failed")
			}
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}
