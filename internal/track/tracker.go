// Package track owns per-agent usage sessions and the child usage-today
// counters. It converts detector activity into accumulated seconds and
// periodically flushes them to the quota authority.
package track

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/screentime/internal/authority"
	"github.com/goodtune/screentime/internal/clock"
	"github.com/goodtune/screentime/internal/metrics"
	"github.com/goodtune/screentime/internal/storage"
)

const (
	// DefaultFlushInterval is how often an open session's accumulated
	// seconds are logged to the authority.
	DefaultFlushInterval = 5 * time.Minute

	// DefaultResetCheckInterval is how often child counters are checked
	// against local midnight.
	DefaultResetCheckInterval = time.Minute

	eventBuffer = 64
)

// EventType identifies a tracker event.
type EventType string

const (
	EventSessionStarted EventType = "session-started"
	EventSessionEnded   EventType = "session-ended"
	EventDailyReset     EventType = "daily-reset"
)

// Event is emitted on session lifecycle changes and daily resets.
type Event struct {
	Type     EventType
	AgentID  string
	ChildID  string
	Duration time.Duration
	At       time.Time
}

// Session is the open window of continuous browser activity on one agent.
type Session struct {
	AgentID     string
	ChildID     string
	StartedAt   time.Time
	LastUpdate  time.Time
	Accumulated time.Duration
	Browsers    map[string]bool
}

func (s *Session) browserList() []string {
	names := make([]string, 0, len(s.Browsers))
	for name := range s.Browsers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type session struct {
	Session
	stopFlush chan struct{}
}

// Tracker accounts usage per (agent, child) session. All session and
// counter mutation is serialized through one mutex so a timer flush and
// an endSession can never run concurrently for the same agent. Authority
// calls are made with the lock released; the increment is zeroed under
// the lock first, so an overlapping flush drains nothing.
type Tracker struct {
	children  storage.ChildStore
	authority authority.Client
	clock     clock.Clock
	logger    zerolog.Logger

	flushInterval      time.Duration
	resetCheckInterval time.Duration

	mu       sync.Mutex
	sessions map[string]*session

	events    chan Event
	stopReset chan struct{}
	wg        sync.WaitGroup
}

// New creates a usage tracker.
func New(children storage.ChildStore, auth authority.Client, clk clock.Clock, flushInterval, resetCheckInterval time.Duration, logger zerolog.Logger) *Tracker {
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}
	if resetCheckInterval <= 0 {
		resetCheckInterval = DefaultResetCheckInterval
	}

	return &Tracker{
		children:           children,
		authority:          auth,
		clock:              clk,
		logger:             logger.With().Str("component", "track").Logger(),
		flushInterval:      flushInterval,
		resetCheckInterval: resetCheckInterval,
		sessions:           make(map[string]*session),
		events:             make(chan Event, eventBuffer),
		stopReset:          make(chan struct{}),
	}
}

// Events returns the tracker's event stream.
func (t *Tracker) Events() <-chan Event {
	return t.events
}

// Start launches the daily-reset sweep.
func (t *Tracker) Start(ctx context.Context) {
	t.wg.Add(1)
	go t.runResetSweep(ctx)
	t.logger.Info().Dur("flush_interval", t.flushInterval).Msg("Usage tracker started")
}

// Stop closes all open sessions (flushing their remaining seconds) and
// stops the reset sweep.
func (t *Tracker) Stop(ctx context.Context) {
	t.mu.Lock()
	var flushes []pendingFlush
	for agentID := range t.sessions {
		if flush, ok := t.endSessionLocked(ctx, agentID); ok {
			flushes = append(flushes, flush)
		}
	}
	t.mu.Unlock()

	for _, flush := range flushes {
		t.logUsage(ctx, flush)
	}

	close(t.stopReset)
	t.wg.Wait()
	t.logger.Info().Msg("Usage tracker stopped")
}

// RecordActivity accounts browser activity on an agent. The first call
// for an agent opens a session; subsequent calls accumulate the elapsed
// time since the previous call into the session and the child's
// usage-today counter.
func (t *Tracker) RecordActivity(ctx context.Context, agentID, childID string, browsers []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()

	sess, ok := t.sessions[agentID]
	if !ok {
		sess = &session{
			Session: Session{
				AgentID:    agentID,
				ChildID:    childID,
				StartedAt:  now,
				LastUpdate: now,
				Browsers:   make(map[string]bool),
			},
			stopFlush: make(chan struct{}),
		}
		t.sessions[agentID] = sess

		t.wg.Add(1)
		go t.runFlushTimer(ctx, agentID, sess.stopFlush)

		metrics.SessionsStarted.WithLabelValues(agentID).Inc()
		metrics.SessionsActive.Inc()
		t.logger.Info().Str("agent", agentID).Str("child", childID).Msg("Session started")
		t.emit(Event{Type: EventSessionStarted, AgentID: agentID, ChildID: childID, At: now})
	} else {
		elapsed := now.Sub(sess.LastUpdate)
		if elapsed > 0 {
			sess.Accumulated += elapsed
			sess.LastUpdate = now
			t.addChildUsage(ctx, sess.ChildID, elapsed)
		}
	}

	for _, name := range browsers {
		sess.Browsers[name] = true
	}
}

// EndSession closes the agent's session, flushing any remaining seconds.
// Calling it for an agent with no open session is a no-op.
func (t *Tracker) EndSession(ctx context.Context, agentID string) {
	t.mu.Lock()
	flush, ok := t.endSessionLocked(ctx, agentID)
	t.mu.Unlock()

	if ok {
		t.logUsage(ctx, flush)
	}
}

// Flush logs the agent's accumulated seconds to the authority now instead
// of waiting for the next timer tick.
func (t *Tracker) Flush(ctx context.Context, agentID string) {
	t.mu.Lock()
	var flush pendingFlush
	var ok bool
	if sess, found := t.sessions[agentID]; found {
		flush, ok = t.drainLocked(sess)
	}
	t.mu.Unlock()

	if ok {
		t.logUsage(ctx, flush)
	}
}

// GetChildSessions returns snapshots of the child's open sessions, one
// per agent, sorted by agent ID.
func (t *Tracker) GetChildSessions(childID string) []Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	var sessions []Session
	for _, sess := range t.sessions {
		if sess.ChildID != childID {
			continue
		}
		snapshot := sess.Session
		snapshot.Browsers = make(map[string]bool, len(sess.Browsers))
		for name := range sess.Browsers {
			snapshot.Browsers[name] = true
		}
		sessions = append(sessions, snapshot)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].AgentID < sessions[j].AgentID })
	return sessions
}

// HasSession reports whether the agent has an open session.
func (t *Tracker) HasSession(agentID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.sessions[agentID]
	return ok
}

// endSessionLocked closes the session and returns its drained increment,
// if any. The caller logs the increment after releasing the lock.
func (t *Tracker) endSessionLocked(ctx context.Context, agentID string) (pendingFlush, bool) {
	sess, ok := t.sessions[agentID]
	if !ok {
		return pendingFlush{}, false
	}

	now := t.clock.Now()
	elapsed := now.Sub(sess.LastUpdate)
	if elapsed > 0 {
		sess.Accumulated += elapsed
		sess.LastUpdate = now
		t.addChildUsage(ctx, sess.ChildID, elapsed)
	}

	flush, pending := t.drainLocked(sess)

	close(sess.stopFlush)
	delete(t.sessions, agentID)

	duration := now.Sub(sess.StartedAt)
	metrics.SessionsActive.Dec()
	t.logger.Info().Str("agent", agentID).Str("child", sess.ChildID).Dur("duration", duration).Msg("Session ended")
	t.emit(Event{Type: EventSessionEnded, AgentID: agentID, ChildID: sess.ChildID, Duration: duration, At: now})
	return flush, pending
}

// pendingFlush is a drained usage increment awaiting its authority call.
type pendingFlush struct {
	childID string
	seconds int64
}

// drainLocked snapshots and zeroes the session's accumulated seconds. The
// authority call happens outside the tracker lock so one agent's slow
// flush cannot stall accounting for the others.
func (t *Tracker) drainLocked(sess *session) (pendingFlush, bool) {
	seconds := int64(sess.Accumulated / time.Second)
	if seconds <= 0 {
		return pendingFlush{}, false
	}
	sess.Accumulated = 0
	return pendingFlush{childID: sess.ChildID, seconds: seconds}, true
}

// logUsage logs a drained increment to the authority with the consume
// flag set. The increment was already zeroed under the lock: retrying
// would risk double counting against the authority, so a failed flush is
// a lost increment.
func (t *Tracker) logUsage(ctx context.Context, flush pendingFlush) {
	_, err := t.authority.CheckActivity(ctx, authority.CheckRequest{
		ChildID:         flush.childID,
		ActivityType:    authority.ActivityInternet,
		DurationSeconds: flush.seconds,
		LogUsage:        true,
	})
	if err != nil {
		metrics.AuthorityErrors.Inc()
		t.logger.Error().Err(err).Str("child", flush.childID).Int64("seconds", flush.seconds).Msg("Usage flush failed, increment lost")
		return
	}

	metrics.UsageSecondsFlushed.WithLabelValues(flush.childID).Add(float64(flush.seconds))
	t.logger.Debug().Str("child", flush.childID).Int64("seconds", flush.seconds).Msg("Usage flushed")
}

func (t *Tracker) addChildUsage(ctx context.Context, childID string, elapsed time.Duration) {
	child, err := t.children.Get(ctx, childID)
	if errors.Is(err, storage.ErrNotFound) {
		child = &storage.Child{ID: childID, LastReset: t.clock.Now()}
	} else if err != nil {
		t.logger.Error().Err(err).Str("child", childID).Msg("Failed to load child counter")
		return
	}

	child.UsageTodaySeconds += int64(elapsed / time.Second)
	if err := t.children.Upsert(ctx, *child); err != nil {
		t.logger.Error().Err(err).Str("child", childID).Msg("Failed to persist child counter")
	}
}

func (t *Tracker) runFlushTimer(ctx context.Context, agentID string, stop chan struct{}) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.Flush(ctx, agentID)
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (t *Tracker) runResetSweep(ctx context.Context) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.resetCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.ResetSweep(ctx)
		case <-t.stopReset:
			return
		case <-ctx.Done():
			return
		}
	}
}

// ResetSweep zeroes the usage-today counter of any child whose last reset
// predates local midnight.
func (t *Tracker) ResetSweep(ctx context.Context) {
	children, err := t.children.List(ctx)
	if err != nil {
		t.logger.Error().Err(err).Msg("Failed to list children for daily reset")
		return
	}

	now := t.clock.Now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	for i := range children {
		child := children[i]
		if !child.LastReset.Before(midnight) {
			continue
		}

		child.UsageTodaySeconds = 0
		child.LastReset = now
		if err := t.children.Upsert(ctx, child); err != nil {
			t.logger.Error().Err(err).Str("child", child.ID).Msg("Failed to persist daily reset")
			continue
		}

		t.logger.Info().Str("child", child.ID).Msg("Daily usage counter reset")
		t.emit(Event{Type: EventDailyReset, ChildID: child.ID, At: now})
	}
}

func (t *Tracker) emit(event Event) {
	select {
	case t.events <- event:
	default:
		t.logger.Warn().Str("type", string(event.Type)).Msg("Event buffer full, dropping event")
	}
}
