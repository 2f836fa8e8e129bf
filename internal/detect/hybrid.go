package detect

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Hybrid composes a basic and an enhanced detector by delegation. The basic
// side drives presence truth (it cannot be disabled from inside the browser);
// the enhanced side contributes per-site detail when present.
type Hybrid struct {
	basic    *Basic
	enhanced *Enhanced

	events  chan Event
	stopped chan struct{}
	logger  zerolog.Logger
	once    sync.Once
}

// NewHybrid composes a basic and an enhanced detector
func NewHybrid(basic *Basic, enhanced *Enhanced, logger zerolog.Logger) *Hybrid {
	return &Hybrid{
		basic:    basic,
		enhanced: enhanced,
		events:   make(chan Event, eventBuffer),
		stopped:  make(chan struct{}),
		logger: logger.With().
			Str("component", "detector").
			Str("mode", string(ModeHybrid)).
			Logger(),
	}
}

// Mode reports ModeHybrid.
func (h *Hybrid) Mode() Mode { return ModeHybrid }

// Capabilities is the union of both delegates.
func (h *Hybrid) Capabilities() Capabilities {
	return h.basic.Capabilities().union(h.enhanced.Capabilities())
}

// Start starts both delegates and begins merging their events.
func (h *Hybrid) Start(ctx context.Context) error {
	if err := h.basic.Start(ctx); err != nil {
		return err
	}
	if err := h.enhanced.Start(ctx); err != nil {
		h.basic.Stop()
		return err
	}

	go h.merge()
	h.logger.Info().Msg("Hybrid detector started")
	return nil
}

// Stop stops both delegates.
func (h *Hybrid) Stop() {
	h.once.Do(func() {
		h.basic.Stop()
		h.enhanced.Stop()
		close(h.stopped)
	})
}

// ActiveBrowsers is the union of both delegates' active sets.
func (h *Hybrid) ActiveBrowsers() []string {
	counts := make(map[string]int)
	for _, browser := range h.basic.ActiveBrowsers() {
		counts[browser] = 1
	}
	for _, browser := range h.enhanced.ActiveBrowsers() {
		counts[browser] = 1
	}
	return activeNames(counts)
}

// Events returns the merged event channel.
func (h *Hybrid) Events() <-chan Event {
	return h.events
}

// UsageRecords prefers the enhanced delegate's per-site detail. When the
// extension transport has gone away and no detail is buffered, the basic
// side's presence summary still accounts the time.
func (h *Hybrid) UsageRecords() []UsageRecord {
	records := h.enhanced.UsageRecords()
	if len(records) > 0 || h.enhanced.Available() {
		return records
	}
	return h.basic.UsageSummary()
}

// merge forwards presence events from the basic side and detail events from
// the enhanced side. Enhanced start/stop events are dropped so presence truth
// has exactly one source.
func (h *Hybrid) merge() {
	defer close(h.events)

	basicEvents := h.basic.Events()
	enhancedEvents := h.enhanced.Events()

	for basicEvents != nil || enhancedEvents != nil {
		select {
		case event, ok := <-basicEvents:
			if !ok {
				basicEvents = nil
				continue
			}
			h.forward(event)
		case event, ok := <-enhancedEvents:
			if !ok {
				enhancedEvents = nil
				continue
			}
			if event.Type == EventActivityReport {
				h.forward(event)
			}
		case <-h.stopped:
			return
		}
	}
}

func (h *Hybrid) forward(event Event) {
	select {
	case h.events <- event:
	case <-h.stopped:
	default:
		h.logger.Warn().Str("event", string(event.Type)).Msg("Event buffer full, dropping event")
	}
}
