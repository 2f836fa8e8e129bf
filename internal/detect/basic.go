package detect

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/goodtune/screentime/internal/clock"
	"github.com/goodtune/screentime/internal/metrics"
	"github.com/goodtune/screentime/internal/remote"
	"github.com/rs/zerolog"
)

// DefaultScanInterval is how often the basic detector polls the process list.
const DefaultScanInterval = 5 * time.Second

// BasicConfig holds basic detector configuration
type BasicConfig struct {
	AgentID      string
	ScanInterval time.Duration
	Patterns     *PatternTable
	Clock        clock.Clock
}

// Basic detects browsers by process presence only. It polls the agent's
// process list, matches names against the pattern table, and derives
// start/stop events from PID set differences.
type Basic struct {
	agentID  string
	lister   remote.ProcessLister
	patterns *PatternTable
	interval time.Duration
	clock    clock.Clock

	seen       map[int]string       // pid -> browser
	started    map[string]time.Time // browser -> first seen
	counts     map[string]int       // browser -> live pid count
	summarized map[string]time.Time // browser -> last usage summary
	events     chan Event
	stopped    chan struct{}
	logger     zerolog.Logger
	mu         sync.Mutex
	once       sync.Once
}

// NewBasic creates a basic process-presence detector
func NewBasic(lister remote.ProcessLister, config BasicConfig, logger zerolog.Logger) *Basic {
	if config.ScanInterval == 0 {
		config.ScanInterval = DefaultScanInterval
	}
	if config.Patterns == nil {
		config.Patterns = NewPatternTable(nil)
	}
	if config.Clock == nil {
		config.Clock = clock.Real{}
	}

	return &Basic{
		agentID:    config.AgentID,
		lister:     lister,
		patterns:   config.Patterns,
		interval:   config.ScanInterval,
		clock:      config.Clock,
		seen:       make(map[int]string),
		started:    make(map[string]time.Time),
		counts:     make(map[string]int),
		summarized: make(map[string]time.Time),
		events:     make(chan Event, eventBuffer),
		stopped:    make(chan struct{}),
		logger: logger.With().
			Str("component", "detector").
			Str("mode", string(ModeBasic)).
			Str("agent_id", config.AgentID).
			Logger(),
	}
}

// Mode reports ModeBasic.
func (b *Basic) Mode() Mode { return ModeBasic }

// Capabilities reports process presence only.
func (b *Basic) Capabilities() Capabilities {
	return Capabilities{}
}

// Start begins the scan loop.
func (b *Basic) Start(ctx context.Context) error {
	go b.run(ctx)
	b.logger.Info().Dur("interval", b.interval).Msg("Basic detector started")
	return nil
}

// Stop halts the scan loop and closes the event channel.
func (b *Basic) Stop() {
	b.once.Do(func() { close(b.stopped) })
}

// ActiveBrowsers returns the currently detected browser names.
func (b *Basic) ActiveBrowsers() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return activeNames(b.counts)
}

// Events returns the detector's event channel.
func (b *Basic) Events() <-chan Event {
	return b.events
}

// UsageSummary reports presence-level time per running browser since the
// previous summary. Basic has no per-site signal, so only the browser
// and elapsed time are filled in.
func (b *Basic) UsageSummary() []UsageRecord {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	records := make([]UsageRecord, 0, len(b.started))
	for browser, since := range b.started {
		if mark, ok := b.summarized[browser]; ok && mark.After(since) {
			since = mark
		}
		if elapsed := now.Sub(since); elapsed > 0 {
			records = append(records, UsageRecord{Browser: browser, Elapsed: elapsed, At: now})
		}
		b.summarized[browser] = now
	}
	return records
}

func (b *Basic) run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	defer close(b.events)

	// Immediate first scan so a freshly started detector does not wait a
	// full interval before reporting.
	b.Scan(ctx)

	for {
		select {
		case <-ticker.C:
			b.Scan(ctx)
		case <-b.stopped:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Scan performs one process-list poll and emits diff events. A failed fetch
// is no new information; the previous state is kept for the next tick.
func (b *Basic) Scan(ctx context.Context) {
	processes, err := b.lister.ListProcesses(ctx, b.agentID)
	if err != nil {
		metrics.BrowserScans.WithLabelValues(b.agentID, "error").Inc()
		b.logger.Warn().Err(err).Msg("Process list fetch failed")
		return
	}
	metrics.BrowserScans.WithLabelValues(b.agentID, "ok").Inc()

	now := b.clock.Now()
	current := make(map[int]string)
	for _, proc := range processes {
		if browser, ok := b.patterns.Match(proc.Name, proc.Path); ok {
			current[proc.PID] = browser
		}
	}

	b.mu.Lock()
	var emit []Event

	// New PIDs: a browser "starts" when its first PID appears.
	for pid, browser := range current {
		if _, known := b.seen[pid]; known {
			continue
		}
		b.counts[browser]++
		if b.counts[browser] == 1 {
			b.started[browser] = now
			emit = append(emit, Event{
				Type:    EventBrowserStarted,
				AgentID: b.agentID,
				Browser: browser,
				PID:     pid,
				At:      now,
			})
		}
	}

	// Vanished PIDs: a browser "stops" when its last PID disappears.
	for pid, browser := range b.seen {
		if _, alive := current[pid]; alive {
			continue
		}
		b.counts[browser]--
		if b.counts[browser] <= 0 {
			delete(b.counts, browser)
			duration := now.Sub(b.started[browser])
			delete(b.started, browser)
			delete(b.summarized, browser)
			emit = append(emit, Event{
				Type:     EventBrowserStopped,
				AgentID:  b.agentID,
				Browser:  browser,
				Duration: duration,
				At:       now,
			})
		}
	}

	b.seen = current
	metrics.BrowsersDetected.WithLabelValues(b.agentID).Set(float64(len(b.counts)))
	b.mu.Unlock()

	for _, event := range emit {
		b.deliver(event)
	}
}

func (b *Basic) deliver(event Event) {
	select {
	case <-b.stopped:
	case b.events <- event:
		b.logger.Debug().
			Str("event", string(event.Type)).
			Str("browser", event.Browser).
			Msg("Detector event")
	default:
		b.logger.Warn().Str("event", string(event.Type)).Msg("Event buffer full, dropping event")
	}
}

func activeNames(counts map[string]int) []string {
	names := make([]string, 0, len(counts))
	for browser := range counts {
		names = append(names, browser)
	}
	sort.Strings(names)
	return names
}
