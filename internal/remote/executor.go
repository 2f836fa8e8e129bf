package remote

import (
	"context"
	"time"
)

// Process is one entry from an agent's process list.
type Process struct {
	PID  int    `json:"pid"`
	Name string `json:"name"`
	Path string `json:"path"`
}

// ProcessLister provides an agent's current process list.
type ProcessLister interface {
	ListProcesses(ctx context.Context, agentID string) ([]Process, error)
}

// BrowserProcess is one matched browser process in a monitor result.
type BrowserProcess struct {
	Browser     string    `json:"browser"`
	ProcessName string    `json:"processName"`
	PID         int       `json:"pid"`
	DetectedAt  time.Time `json:"detectedAt"`
}

// MonitorResult is the payload a monitor script invocation returns.
type MonitorResult struct {
	Timestamp      time.Time        `json:"timestamp"`
	Hostname       string           `json:"hostname"`
	Username       string           `json:"username"`
	Platform       string           `json:"platform"`
	BrowsersActive bool             `json:"browsersActive"`
	Browsers       []BrowserProcess `json:"browsers"`
	Processes      []Process        `json:"processes"`
}

// ActionResult is the payload an action script invocation returns. Fields
// beyond Success are action-specific.
type ActionResult struct {
	Success bool           `json:"success"`
	Detail  map[string]any `json:"detail,omitempty"`
}

// Script is a versioned monitor or action definition deployed to agents and
// invoked by the remote runtime. The runtime itself is not part of this
// service; it consumes these definitions as data.
type Script struct {
	ID        string   `json:"id"`
	Version   int      `json:"version"`
	Platforms []string `json:"platforms"`
	Script    string   `json:"script"`
}

// Executor is the remote script-execution contract. Deploy pushes script
// definitions once per agent; Monitor and Invoke run them.
type Executor interface {
	// ListAgents returns the identifiers of agents known to the runtime.
	ListAgents(ctx context.Context) ([]string, error)

	// Deploy ships script definitions to an agent.
	Deploy(ctx context.Context, agentID string, scripts []Script) error

	// Monitor runs a monitor script on an agent and returns its report.
	Monitor(ctx context.Context, agentID, scriptID string) (*MonitorResult, error)

	// Invoke runs an action script on an agent with a JSON argument object.
	Invoke(ctx context.Context, agentID, scriptID string, args map[string]any) (*ActionResult, error)
}
