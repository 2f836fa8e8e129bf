package extension

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// inboundBuffer bounds the hub's inbound message channel. The enhanced
// detector drains it; if it falls behind, Submit drops the oldest signal
// rather than blocking the transport.
const inboundBuffer = 256

// Conn is one native-messaging connection from a browser extension. One
// connection exists per (agent, browser type).
type Conn interface {
	AgentID() string
	Browser() string
	Send(cmd Command) error
	Close() error
}

// Hub tracks connected extension transports and fans their messages in to a
// single channel. A browser counts as connected only after its handshake
// message has been observed.
type Hub struct {
	conns   map[string]Conn // key: agentID + "/" + browser
	greeted map[string]bool // handshake completed
	inbound chan Message
	logger  zerolog.Logger
	mu      sync.RWMutex
}

// NewHub creates a new extension connection hub
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		conns:   make(map[string]Conn),
		greeted: make(map[string]bool),
		inbound: make(chan Message, inboundBuffer),
		logger:  logger.With().Str("component", "extension-hub").Logger(),
	}
}

func connKey(agentID, browser string) string {
	return agentID + "/" + browser
}

// Attach registers a transport connection. The connection is not considered
// available until its handshake arrives through Submit.
func (h *Hub) Attach(conn Conn) {
	key := connKey(conn.AgentID(), conn.Browser())

	h.mu.Lock()
	if old, ok := h.conns[key]; ok {
		_ = old.Close()
	}
	h.conns[key] = conn
	h.mu.Unlock()

	h.logger.Info().
		Str("agent_id", conn.AgentID()).
		Str("browser", conn.Browser()).
		Msg("Extension transport attached")
}

// Detach removes a transport connection.
func (h *Hub) Detach(agentID, browser string) {
	key := connKey(agentID, browser)

	h.mu.Lock()
	conn, ok := h.conns[key]
	delete(h.conns, key)
	delete(h.greeted, key)
	h.mu.Unlock()

	if ok {
		_ = conn.Close()
		h.logger.Info().
			Str("agent_id", agentID).
			Str("browser", browser).
			Msg("Extension transport detached")
	}
}

// Submit delivers an inbound extension message to the hub. Handshake and
// disconnect messages update connection availability before being forwarded.
func (h *Hub) Submit(msg Message) {
	key := connKey(msg.AgentID, msg.Browser)

	switch msg.Type {
	case MessageHandshake:
		h.mu.Lock()
		h.greeted[key] = true
		h.mu.Unlock()
	case MessageDisconnect:
		h.mu.Lock()
		delete(h.greeted, key)
		h.mu.Unlock()
	}

	select {
	case h.inbound <- msg:
	default:
		// Drop the oldest message to make room; per-site history is
		// aggregated upstream so a lost report degrades detail, not truth.
		select {
		case <-h.inbound:
		default:
		}
		select {
		case h.inbound <- msg:
		default:
		}
		h.logger.Warn().
			Str("agent_id", msg.AgentID).
			Str("browser", msg.Browser).
			Msg("Inbound extension buffer full, dropped oldest message")
	}
}

// Receive returns the inbound message channel.
func (h *Hub) Receive() <-chan Message {
	return h.inbound
}

// Connected returns the browsers with a completed handshake for an agent.
func (h *Hub) Connected(agentID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var browsers []string
	for key, conn := range h.conns {
		if conn.AgentID() == agentID && h.greeted[key] {
			browsers = append(browsers, conn.Browser())
		}
	}
	return browsers
}

// Available reports whether any browser on the agent has completed its
// handshake. Enhanced mode is unavailable without at least one.
func (h *Hub) Available(agentID string) bool {
	return len(h.Connected(agentID)) > 0
}

// Send delivers a command to one browser on an agent.
func (h *Hub) Send(agentID, browser string, cmd Command) error {
	h.mu.RLock()
	conn, ok := h.conns[connKey(agentID, browser)]
	h.mu.RUnlock()

	if !ok {
		return fmt.Errorf("no extension transport for %s/%s", agentID, browser)
	}
	return conn.Send(cmd)
}

// Broadcast delivers a command to every connected browser on an agent.
func (h *Hub) Broadcast(agentID string, cmd Command) {
	h.mu.RLock()
	var conns []Conn
	for key, conn := range h.conns {
		if conn.AgentID() == agentID && h.greeted[key] {
			conns = append(conns, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		if err := conn.Send(cmd); err != nil {
			h.logger.Warn().Err(err).
				Str("agent_id", agentID).
				Str("browser", conn.Browser()).
				Str("command", string(cmd.Type)).
				Msg("Failed to send extension command")
		}
	}
}
