package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

// HTTPExecutor talks to the remote script-execution runtime over HTTP.
type HTTPExecutor struct {
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

// HTTPConfig holds executor client configuration
type HTTPConfig struct {
	BaseURL string
	Timeout time.Duration
}

// NewHTTPExecutor creates an HTTP-backed executor client
func NewHTTPExecutor(config HTTPConfig, logger zerolog.Logger) *HTTPExecutor {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}

	return &HTTPExecutor{
		baseURL: config.BaseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "remote-executor").Logger(),
	}
}

// ListAgents returns the runtime's known agent identifiers
func (e *HTTPExecutor) ListAgents(ctx context.Context) ([]string, error) {
	var agents []string
	if err := e.do(ctx, http.MethodGet, "/agents", nil, &agents); err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	return agents, nil
}

// Deploy ships script definitions to an agent
func (e *HTTPExecutor) Deploy(ctx context.Context, agentID string, scripts []Script) error {
	path := fmt.Sprintf("/agents/%s/scripts", url.PathEscape(agentID))
	if err := e.do(ctx, http.MethodPut, path, scripts, nil); err != nil {
		return fmt.Errorf("deploy scripts to %s: %w", agentID, err)
	}

	e.logger.Debug().Str("agent_id", agentID).Int("scripts", len(scripts)).Msg("Scripts deployed")
	return nil
}

// Monitor runs a monitor script on an agent
func (e *HTTPExecutor) Monitor(ctx context.Context, agentID, scriptID string) (*MonitorResult, error) {
	path := fmt.Sprintf("/agents/%s/monitor/%s", url.PathEscape(agentID), url.PathEscape(scriptID))

	var result MonitorResult
	if err := e.do(ctx, http.MethodPost, path, nil, &result); err != nil {
		return nil, fmt.Errorf("monitor %s on %s: %w", scriptID, agentID, err)
	}
	return &result, nil
}

// Invoke runs an action script on an agent
func (e *HTTPExecutor) Invoke(ctx context.Context, agentID, scriptID string, args map[string]any) (*ActionResult, error) {
	path := fmt.Sprintf("/agents/%s/actions/%s", url.PathEscape(agentID), url.PathEscape(scriptID))

	var result ActionResult
	if err := e.do(ctx, http.MethodPost, path, args, &result); err != nil {
		return nil, fmt.Errorf("invoke %s on %s: %w", scriptID, agentID, err)
	}
	return &result, nil
}

func (e *HTTPExecutor) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, e.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("runtime returned status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// executorProcessLister adapts an Executor's process-list monitor script to
// the ProcessLister interface the basic detector polls.
type executorProcessLister struct {
	exec Executor
}

// NewProcessLister returns a ProcessLister backed by the process-list monitor
// script.
func NewProcessLister(exec Executor) ProcessLister {
	return &executorProcessLister{exec: exec}
}

func (l *executorProcessLister) ListProcesses(ctx context.Context, agentID string) ([]Process, error) {
	result, err := l.exec.Monitor(ctx, agentID, ScriptProcessList)
	if err != nil {
		return nil, err
	}
	return result.Processes, nil
}
