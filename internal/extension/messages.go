package extension

import "time"

// MessageType identifies an inbound extension message.
type MessageType string

const (
	MessageHandshake      MessageType = "handshake"
	MessageActivityReport MessageType = "activity_report"
	MessageTabChanged     MessageType = "tab_changed"
	MessageIdleState      MessageType = "idle_state"
	MessageDisconnect     MessageType = "disconnect"
)

// SiteVisit is one per-site history entry in an activity report.
type SiteVisit struct {
	Domain          string `json:"domain"`
	DurationSeconds int64  `json:"duration_seconds"`
	Category        string `json:"category,omitempty"` // optional extension-side hint
}

// Message is an inbound message from an in-browser extension.
type Message struct {
	Type       MessageType `json:"type"`
	AgentID    string      `json:"agent_id"`
	Browser    string      `json:"browser"`
	History    []SiteVisit `json:"history,omitempty"`
	CurrentTab string      `json:"current_tab,omitempty"`
	Idle       bool        `json:"idle,omitempty"`
	SentAt     time.Time   `json:"sent_at"`
}

// CommandType identifies an outbound command to an extension.
type CommandType string

const (
	CommandBlockSite     CommandType = "block_site"
	CommandBlockCategory CommandType = "block_category"
	CommandBlockAll      CommandType = "block_all"
	CommandUnblock       CommandType = "unblock"
)

// Command is an outbound instruction to an in-browser extension.
type Command struct {
	Type     CommandType `json:"type"`
	Domain   string      `json:"domain,omitempty"`
	Category string      `json:"category,omitempty"`
	Message  string      `json:"message,omitempty"`
}
