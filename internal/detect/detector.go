package detect

import (
	"context"
	"fmt"
	"time"
)

// Mode identifies a detection fidelity.
type Mode string

const (
	ModeAuto     Mode = "auto"
	ModeBasic    Mode = "basic"
	ModeEnhanced Mode = "enhanced"
	ModeHybrid   Mode = "hybrid"
)

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeAuto, ModeBasic, ModeEnhanced, ModeHybrid:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown detection mode %q", s)
}

// Capabilities describes what a detector can observe.
type Capabilities struct {
	PerSiteTracking  bool `json:"per_site_tracking"`
	RealTimeBlocking bool `json:"real_time_blocking"`
	IdleDetection    bool `json:"idle_detection"`
}

// union merges two capability sets.
func (c Capabilities) union(other Capabilities) Capabilities {
	return Capabilities{
		PerSiteTracking:  c.PerSiteTracking || other.PerSiteTracking,
		RealTimeBlocking: c.RealTimeBlocking || other.RealTimeBlocking,
		IdleDetection:    c.IdleDetection || other.IdleDetection,
	}
}

// EventType identifies a detector event.
type EventType string

const (
	EventBrowserStarted EventType = "browser-started"
	EventBrowserStopped EventType = "browser-stopped"
	EventActivityReport EventType = "activity-report"
)

// SiteUsage is one per-site history entry in an activity report.
type SiteUsage struct {
	Domain   string
	Elapsed  time.Duration
	Category string // optional extension-side hint
}

// ActivityReport carries per-site detail from an enhanced detector.
type ActivityReport struct {
	Browser    string
	History    []SiteUsage
	CurrentTab string
}

// Event is a tagged detector event. Events from one detector are delivered
// in emission order.
type Event struct {
	Type     EventType
	AgentID  string
	Browser  string
	PID      int             // browser-started only, 0 when unknown
	Duration time.Duration   // browser-stopped only
	Report   *ActivityReport // activity-report only
	At       time.Time
}

// Detector observes browser activity on a single agent.
type Detector interface {
	// Mode reports the detector's fidelity.
	Mode() Mode

	// Capabilities reports what this detector can observe.
	Capabilities() Capabilities

	// Start begins observation. Events flow until Stop or ctx cancellation.
	Start(ctx context.Context) error

	// Stop halts observation and closes the event channel.
	Stop()

	// ActiveBrowsers returns the currently detected browser names.
	ActiveBrowsers() []string

	// Events returns the detector's event channel.
	Events() <-chan Event
}

// eventBuffer bounds each detector's event channel.
const eventBuffer = 64
