package storage

import "time"

// Agent is a monitored endpoint. Created on first discovery, updated on every
// detection or report.
type Agent struct {
	ID       string    `json:"id"`
	Hostname string    `json:"hostname"`
	Platform string    `json:"platform"`
	Online   bool      `json:"online"`
	ChildID  string    `json:"child_id,omitempty"` // linked quota subject, optional
	LastSeen time.Time `json:"last_seen"`
	Browsers []string  `json:"browsers"` // currently detected browser identifiers
}

// Child holds the running usage counters for one quota subject. The external
// authority owns the allowance; these counters are advisory.
type Child struct {
	ID                string    `json:"id"`
	UsageTodaySeconds int64     `json:"usage_today_seconds"`
	LastReset         time.Time `json:"last_reset"`
}

// Violation is one audited enforcement event.
type Violation struct {
	ID           string    `json:"id"` // ULID, sortable by time
	Timestamp    time.Time `json:"timestamp"`
	AgentID      string    `json:"agent_id"`
	ChildID      string    `json:"child_id"`
	ActivityType string    `json:"activity_type"`
	Reason       string    `json:"reason"`
	Browsers     []string  `json:"browsers"`
}

// Settings is the runtime-mutable operator configuration.
type Settings struct {
	CheckIntervalSeconds    int   `json:"check_interval_seconds"`
	WarningThresholdMinutes []int `json:"warning_threshold_minutes"`
	KillOnViolation         bool  `json:"kill_on_violation"`
	GracePeriodSeconds      int   `json:"grace_period_seconds"`
}

// PendingShutdown mirrors a shutdown pushed to an agent ahead of exhaustion.
// The agent holds the enforcing copy; this record is status reporting only.
type PendingShutdown struct {
	AgentID       string    `json:"agent_id"`
	ShutdownAt    time.Time `json:"shutdown_at"`
	Reason        string    `json:"reason"`
	WarnIntervals []int     `json:"warn_intervals"` // minutes before shutdown
	ScheduledAt   time.Time `json:"scheduled_at"`
}
