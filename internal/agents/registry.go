// Package agents maintains the fleet of managed devices. Agents are
// discovered through the remote executor, kept fresh by periodic sweeps,
// and persisted so child links survive restarts.
package agents

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/screentime/internal/clock"
	"github.com/goodtune/screentime/internal/storage"
)

// DefaultStaleAfter is how long an agent may go unseen before it is
// marked offline.
const DefaultStaleAfter = 2 * time.Minute

// Registry tracks known agents and their child assignments.
type Registry struct {
	store      storage.AgentStore
	clock      clock.Clock
	staleAfter time.Duration
	logger     zerolog.Logger

	mu     sync.RWMutex
	agents map[string]*storage.Agent
}

// NewRegistry creates a registry backed by the given store and loads any
// previously persisted agents.
func NewRegistry(ctx context.Context, store storage.AgentStore, clk clock.Clock, staleAfter time.Duration, logger zerolog.Logger) (*Registry, error) {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}

	registry := &Registry{
		store:      store,
		clock:      clk,
		staleAfter: staleAfter,
		logger:     logger.With().Str("component", "agents").Logger(),
		agents:     make(map[string]*storage.Agent),
	}

	known, err := store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load agents: %w", err)
	}
	for i := range known {
		agent := known[i]
		agent.Online = false
		registry.agents[agent.ID] = &agent
	}

	registry.logger.Info().Int("agents", len(known)).Msg("Agent registry loaded")
	return registry, nil
}

// Observe records that an agent was seen during discovery, creating it on
// first sight. Child links on existing agents are preserved.
func (r *Registry) Observe(ctx context.Context, id, hostname, platform string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		agent = &storage.Agent{ID: id}
		r.agents[id] = agent
		r.logger.Info().Str("agent", id).Str("hostname", hostname).Msg("New agent discovered")
	}

	agent.Hostname = hostname
	agent.Platform = platform
	agent.Online = true
	agent.LastSeen = r.clock.Now()

	return r.persist(ctx, agent)
}

// Touch refreshes an agent's last-seen timestamp without a full discovery
// round, e.g. when an extension message arrives.
func (r *Registry) Touch(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		return storage.ErrNotFound
	}

	agent.Online = true
	agent.LastSeen = r.clock.Now()
	return r.persist(ctx, agent)
}

// SetBrowsers records the browsers currently running on an agent.
func (r *Registry) SetBrowsers(ctx context.Context, id string, browsers []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		return storage.ErrNotFound
	}

	sorted := append([]string(nil), browsers...)
	sort.Strings(sorted)
	agent.Browsers = sorted
	return r.persist(ctx, agent)
}

// LinkChild assigns a child to an agent. Usage on that agent is then
// attributed to the child.
func (r *Registry) LinkChild(ctx context.Context, id, childID string) error {
	if childID == "" {
		return errors.New("child ID must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		return storage.ErrNotFound
	}

	agent.ChildID = childID
	r.logger.Info().Str("agent", id).Str("child", childID).Msg("Child linked to agent")
	return r.persist(ctx, agent)
}

// UnlinkChild clears the child assignment on an agent.
func (r *Registry) UnlinkChild(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		return storage.ErrNotFound
	}

	agent.ChildID = ""
	r.logger.Info().Str("agent", id).Msg("Child unlinked from agent")
	return r.persist(ctx, agent)
}

// Get returns a snapshot of a single agent.
func (r *Registry) Get(id string) (storage.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[id]
	if !ok {
		return storage.Agent{}, false
	}
	return *agent, true
}

// List returns snapshots of all known agents sorted by ID.
func (r *Registry) List() []storage.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agents := make([]storage.Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		agents = append(agents, *agent)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents
}

// ChildFor returns the child linked to an agent, if any.
func (r *Registry) ChildFor(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[id]
	if !ok || agent.ChildID == "" {
		return "", false
	}
	return agent.ChildID, true
}

// MarkStale flips agents that have not been seen within the staleness
// window to offline and returns their IDs.
func (r *Registry) MarkStale(ctx context.Context) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.clock.Now().Add(-r.staleAfter)
	var stale []string
	for id, agent := range r.agents {
		if agent.Online && agent.LastSeen.Before(cutoff) {
			agent.Online = false
			agent.Browsers = nil
			stale = append(stale, id)
			r.logger.Warn().Str("agent", id).Time("last_seen", agent.LastSeen).Msg("Agent went offline")
			if err := r.persist(ctx, agent); err != nil {
				r.logger.Error().Err(err).Str("agent", id).Msg("Failed to persist offline state")
			}
		}
	}
	sort.Strings(stale)
	return stale
}

// persist writes the agent through to storage. Caller holds the lock.
func (r *Registry) persist(ctx context.Context, agent *storage.Agent) error {
	if err := r.store.Upsert(ctx, *agent); err != nil {
		return fmt.Errorf("failed to persist agent %s: %w", agent.ID, err)
	}
	return nil
}
