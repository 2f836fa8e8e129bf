package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Unlimited is the remaining_seconds value meaning no quota applies.
const Unlimited = -1

// ActivityInternet is the activity type covering general internet time.
// Category quotas use "category:<name>".
const ActivityInternet = "internet"

// CheckRequest is the payload for an authority activity check. Setting
// LogUsage consumes quota; CheckOnly asks for state without consuming.
type CheckRequest struct {
	ChildID         string `json:"child_id"`
	ActivityType    string `json:"activity_type"`
	DurationSeconds int64  `json:"duration_seconds,omitempty"`
	LogUsage        bool   `json:"log_usage"`
	CheckOnly       bool   `json:"check_only,omitempty"`
}

// Allowance is the authority's answer: the source of truth for remaining
// quota and ban state.
type Allowance struct {
	Allowed           bool   `json:"allowed"`
	IsBanned          bool   `json:"is_banned"`
	IsActivityBlocked bool   `json:"is_activity_blocked"`
	RemainingSeconds  int64  `json:"remaining_seconds"`
	BanReason         string `json:"ban_reason,omitempty"`
}

// Client is the external quota authority contract.
type Client interface {
	CheckActivity(ctx context.Context, req CheckRequest) (*Allowance, error)
}

// HTTPClient talks to the quota authority over HTTP.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

// HTTPConfig holds authority client configuration
type HTTPConfig struct {
	BaseURL string
	Timeout time.Duration
}

// NewHTTPClient creates an HTTP-backed authority client
func NewHTTPClient(config HTTPConfig, logger zerolog.Logger) *HTTPClient {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &HTTPClient{
		baseURL: config.BaseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "authority-client").Logger(),
	}
}

// CheckActivity posts an activity check to the authority
func (c *HTTPClient) CheckActivity(ctx context.Context, req CheckRequest) (*Allowance, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode check request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/activity/check", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("authority call failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("authority returned status %d", resp.StatusCode)
	}

	var allowance Allowance
	if err := json.NewDecoder(resp.Body).Decode(&allowance); err != nil {
		return nil, fmt.Errorf("decode allowance: %w", err)
	}

	c.logger.Debug().
		Str("child_id", req.ChildID).
		Str("activity_type", req.ActivityType).
		Bool("log_usage", req.LogUsage).
		Int64("remaining_seconds", allowance.RemainingSeconds).
		Msg("Authority check complete")

	return &allowance, nil
}
