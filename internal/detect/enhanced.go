package detect

import (
	"context"
	"sync"
	"time"

	"github.com/goodtune/screentime/internal/clock"
	"github.com/goodtune/screentime/internal/extension"
	"github.com/rs/zerolog"
)

// DefaultHistoryCap bounds the buffered per-site usage records per agent.
// The buffer is aggregation-only; oldest entries are dropped beyond the cap.
const DefaultHistoryCap = 500

// UsageRecord is one buffered per-site usage entry. Presence-only
// summaries carry a browser name and no domain.
type UsageRecord struct {
	Domain   string
	Browser  string
	Elapsed  time.Duration
	Category string
	At       time.Time
}

// EnhancedConfig holds enhanced detector configuration
type EnhancedConfig struct {
	AgentID    string
	HistoryCap int
	Clock      clock.Clock
}

// Enhanced detects browser activity from in-browser extension reports pushed
// through the transport hub. It is only available once at least one browser
// on the agent has completed its handshake.
type Enhanced struct {
	agentID    string
	hub        *extension.Hub
	historyCap int
	clock      clock.Clock

	active  map[string]time.Time // browser -> connected since
	idle    map[string]bool      // browser -> reported idle
	records []UsageRecord
	tab     string
	events  chan Event
	stopped chan struct{}
	logger  zerolog.Logger
	mu      sync.Mutex
	once    sync.Once
}

// NewEnhanced creates an extension-fed detector
func NewEnhanced(hub *extension.Hub, config EnhancedConfig, logger zerolog.Logger) *Enhanced {
	if config.HistoryCap <= 0 {
		config.HistoryCap = DefaultHistoryCap
	}
	if config.Clock == nil {
		config.Clock = clock.Real{}
	}

	return &Enhanced{
		agentID:    config.AgentID,
		hub:        hub,
		historyCap: config.HistoryCap,
		clock:      config.Clock,
		active:     make(map[string]time.Time),
		idle:       make(map[string]bool),
		events:     make(chan Event, eventBuffer),
		stopped:    make(chan struct{}),
		logger: logger.With().
			Str("component", "detector").
			Str("mode", string(ModeEnhanced)).
			Str("agent_id", config.AgentID).
			Logger(),
	}
}

// Mode reports ModeEnhanced.
func (e *Enhanced) Mode() Mode { return ModeEnhanced }

// Capabilities reports the full enhanced capability set.
func (e *Enhanced) Capabilities() Capabilities {
	return Capabilities{
		PerSiteTracking:  true,
		RealTimeBlocking: true,
		IdleDetection:    true,
	}
}

// Available reports whether at least one transport has completed a handshake.
func (e *Enhanced) Available() bool {
	return e.hub.Available(e.agentID)
}

// Start begins consuming hub messages for this agent.
func (e *Enhanced) Start(ctx context.Context) error {
	// Browsers already connected before Start count as running.
	now := e.clock.Now()
	e.mu.Lock()
	for _, browser := range e.hub.Connected(e.agentID) {
		e.active[browser] = now
	}
	e.mu.Unlock()

	go e.run(ctx)
	e.logger.Info().Msg("Enhanced detector started")
	return nil
}

// Stop halts message consumption and closes the event channel.
func (e *Enhanced) Stop() {
	e.once.Do(func() { close(e.stopped) })
}

// ActiveBrowsers returns the browsers with a live extension connection.
func (e *Enhanced) ActiveBrowsers() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	counts := make(map[string]int, len(e.active))
	for browser := range e.active {
		counts[browser] = 1
	}
	return activeNames(counts)
}

// Events returns the detector event channel.
func (e *Enhanced) Events() <-chan Event {
	return e.events
}

// UsageRecords drains and returns the buffered per-site records.
func (e *Enhanced) UsageRecords() []UsageRecord {
	e.mu.Lock()
	defer e.mu.Unlock()

	records := e.records
	e.records = nil
	return records
}

// CurrentTab returns the most recently reported foreground tab.
func (e *Enhanced) CurrentTab() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tab
}

func (e *Enhanced) run(ctx context.Context) {
	defer close(e.events)

	for {
		select {
		case msg := <-e.hub.Receive():
			if msg.AgentID != e.agentID {
				continue
			}
			e.handle(msg)
		case <-e.stopped:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (e *Enhanced) handle(msg extension.Message) {
	now := e.clock.Now()

	switch msg.Type {
	case extension.MessageHandshake:
		e.mu.Lock()
		_, known := e.active[msg.Browser]
		if !known {
			e.active[msg.Browser] = now
		}
		e.mu.Unlock()

		if !known {
			e.deliver(Event{
				Type:    EventBrowserStarted,
				AgentID: e.agentID,
				Browser: msg.Browser,
				At:      now,
			})
		}

	case extension.MessageDisconnect:
		e.mu.Lock()
		since, known := e.active[msg.Browser]
		delete(e.active, msg.Browser)
		delete(e.idle, msg.Browser)
		e.mu.Unlock()

		if known {
			e.deliver(Event{
				Type:     EventBrowserStopped,
				AgentID:  e.agentID,
				Browser:  msg.Browser,
				Duration: now.Sub(since),
				At:       now,
			})
		}

	case extension.MessageActivityReport:
		report := &ActivityReport{
			Browser:    msg.Browser,
			CurrentTab: msg.CurrentTab,
		}
		for _, visit := range msg.History {
			report.History = append(report.History, SiteUsage{
				Domain:   visit.Domain,
				Elapsed:  time.Duration(visit.DurationSeconds) * time.Second,
				Category: visit.Category,
			})
		}

		e.mu.Lock()
		for _, usage := range report.History {
			e.records = append(e.records, UsageRecord{
				Domain:   usage.Domain,
				Browser:  msg.Browser,
				Elapsed:  usage.Elapsed,
				Category: usage.Category,
				At:       now,
			})
		}
		if over := len(e.records) - e.historyCap; over > 0 {
			e.records = e.records[over:]
		}
		if msg.CurrentTab != "" {
			e.tab = msg.CurrentTab
		}
		e.mu.Unlock()

		e.deliver(Event{
			Type:    EventActivityReport,
			AgentID: e.agentID,
			Browser: msg.Browser,
			Report:  report,
			At:      now,
		})

	case extension.MessageTabChanged:
		e.mu.Lock()
		e.tab = msg.CurrentTab
		e.mu.Unlock()

	case extension.MessageIdleState:
		e.mu.Lock()
		e.idle[msg.Browser] = msg.Idle
		e.mu.Unlock()
	}
}

func (e *Enhanced) deliver(event Event) {
	select {
	case <-e.stopped:
	case e.events <- event:
	default:
		e.logger.Warn().Str("event", string(event.Type)).Msg("Event buffer full, dropping event")
	}
}
