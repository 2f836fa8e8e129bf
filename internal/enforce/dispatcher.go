// Package enforce turns quota intents into remote actions: killing
// browsers, showing warnings, and scheduling offline shutdowns. Actions
// are fire-and-log; a failed invocation is recorded but not retried.
package enforce

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/goodtune/screentime/internal/clock"
	"github.com/goodtune/screentime/internal/metrics"
	"github.com/goodtune/screentime/internal/quota"
	"github.com/goodtune/screentime/internal/remote"
	"github.com/goodtune/screentime/internal/storage"
)

const statusBuffer = 64

// Warning is the payload shown to the child on the agent's screen.
type Warning struct {
	RemainingMinutes float64
	ActivityType     string
	Message          string
	Urgency          quota.Urgency
}

// StatusType identifies an outward status event.
type StatusType string

const (
	StatusBrowsersKilled    StatusType = "browsers-killed"
	StatusWarningShown      StatusType = "warning-shown"
	StatusShutdownScheduled StatusType = "shutdown-scheduled"
	StatusShutdownCancelled StatusType = "shutdown-cancelled"
	StatusActionFailed      StatusType = "action-failed"
)

// StatusEvent is pushed outward for the UI layer on every enforcement
// outcome.
type StatusEvent struct {
	Type    StatusType
	AgentID string
	ChildID string
	Reason  string
	At      time.Time
}

// KillPolicy controls how a block intent is enforced.
type KillPolicy struct {
	KillOnViolation bool
	GracePeriod     time.Duration
}

// Dispatcher invokes enforcement actions on agents and keeps an audit
// log of violations plus a local mirror of pending shutdowns. The mirror
// is for status reporting only; the agent-side schedule is authoritative
// once pushed.
type Dispatcher struct {
	executor   remote.Executor
	violations storage.ViolationStore
	shutdowns  storage.ShutdownStore
	clock      clock.Clock
	logger     zerolog.Logger

	policy KillPolicy

	mu      sync.Mutex
	pending map[string]storage.PendingShutdown
	graced  map[string]time.Time
	entropy *rand.Rand

	status chan StatusEvent
}

// New creates a dispatcher. Previously persisted pending shutdowns are
// loaded into the local mirror.
func New(ctx context.Context, executor remote.Executor, violations storage.ViolationStore, shutdowns storage.ShutdownStore, clk clock.Clock, policy KillPolicy, logger zerolog.Logger) (*Dispatcher, error) {
	dispatcher := &Dispatcher{
		executor:   executor,
		violations: violations,
		shutdowns:  shutdowns,
		clock:      clk,
		logger:     logger.With().Str("component", "enforce").Logger(),
		policy:     policy,
		pending:    make(map[string]storage.PendingShutdown),
		graced:     make(map[string]time.Time),
		entropy:    rand.New(rand.NewSource(time.Now().UnixNano())),
		status:     make(chan StatusEvent, statusBuffer),
	}

	persisted, err := shutdowns.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, shutdown := range persisted {
		dispatcher.pending[shutdown.AgentID] = shutdown
	}

	return dispatcher, nil
}

// Status returns the dispatcher's outward event stream.
func (d *Dispatcher) Status() <-chan StatusEvent {
	return d.status
}

// SetPolicy replaces the kill policy at runtime.
func (d *Dispatcher) SetPolicy(policy KillPolicy) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.policy = policy
}

// HandleIntent enforces a quota intent: warn intents show a warning,
// block intents kill browsers subject to the kill policy.
func (d *Dispatcher) HandleIntent(ctx context.Context, intent quota.Intent, browsers []string) {
	switch intent.Type {
	case quota.IntentWarn:
		d.TriggerWarning(ctx, intent.AgentID, Warning{
			RemainingMinutes: intent.RemainingMinutes,
			ActivityType:     intent.ActivityType,
			Message:          warningMessage(intent),
			Urgency:          intent.Urgency,
		})

	case quota.IntentBlock:
		d.mu.Lock()
		policy := d.policy
		d.mu.Unlock()

		if !policy.KillOnViolation {
			d.logger.Info().Str("agent", intent.AgentID).Str("reason", intent.Reason).Msg("Block intent suppressed, kill-on-violation disabled")
			d.TriggerWarning(ctx, intent.AgentID, Warning{
				ActivityType: intent.ActivityType,
				Message:      intent.Reason,
				Urgency:      quota.UrgencyCritical,
			})
			return
		}

		if policy.GracePeriod > 0 && !d.graceExpired(intent.AgentID, policy.GracePeriod) {
			d.TriggerWarning(ctx, intent.AgentID, Warning{
				ActivityType: intent.ActivityType,
				Message:      intent.Reason,
				Urgency:      quota.UrgencyCritical,
			})
			return
		}

		d.TriggerKillBrowsers(ctx, intent.AgentID, intent.ChildID, intent.Reason, browsers)
	}
}

// TriggerKillBrowsers kills the agent's browsers and records a violation.
// Any scheduled shutdown for the agent is cancelled first: a kill
// supersedes a schedule.
func (d *Dispatcher) TriggerKillBrowsers(ctx context.Context, agentID, childID, reason string, browsers []string) {
	d.CancelScheduledShutdown(ctx, agentID)

	args := map[string]any{"reason": reason}
	if len(browsers) > 0 {
		args["browsers"] = browsers
	}

	result, err := d.executor.Invoke(ctx, agentID, remote.ScriptKillBrowsers, args)
	if err != nil {
		metrics.RemoteActions.WithLabelValues(remote.ScriptKillBrowsers, "error").Inc()
		d.logger.Error().Err(err).Str("agent", agentID).Msg("Kill browsers action failed")
		d.emit(StatusEvent{Type: StatusActionFailed, AgentID: agentID, ChildID: childID, Reason: reason, At: d.clock.Now()})
		return
	}

	if !result.Success {
		metrics.RemoteActions.WithLabelValues(remote.ScriptKillBrowsers, "failure").Inc()
		d.logger.Error().Str("agent", agentID).Str("reason", reason).Msg("Agent reported kill failure")
		d.emit(StatusEvent{Type: StatusActionFailed, AgentID: agentID, ChildID: childID, Reason: reason, At: d.clock.Now()})
		return
	}
	metrics.RemoteActions.WithLabelValues(remote.ScriptKillBrowsers, "success").Inc()

	violation := storage.Violation{
		ID:           ulid.MustNew(ulid.Timestamp(d.clock.Now()), d.entropy).String(),
		Timestamp:    d.clock.Now(),
		AgentID:      agentID,
		ChildID:      childID,
		ActivityType: "internet",
		Reason:       reason,
		Browsers:     browsers,
	}
	if err := d.violations.Add(ctx, violation); err != nil {
		d.logger.Error().Err(err).Str("agent", agentID).Msg("Failed to record violation")
	}

	d.mu.Lock()
	delete(d.graced, agentID)
	d.mu.Unlock()

	d.logger.Warn().Str("agent", agentID).Str("child", childID).Str("reason", reason).Msg("Browsers killed")
	d.emit(StatusEvent{Type: StatusBrowsersKilled, AgentID: agentID, ChildID: childID, Reason: reason, At: d.clock.Now()})
}

// TriggerWarning shows a warning on the agent's screen.
func (d *Dispatcher) TriggerWarning(ctx context.Context, agentID string, warning Warning) {
	args := map[string]any{
		"message":      warning.Message,
		"urgency":      string(warning.Urgency),
		"activityType": warning.ActivityType,
	}
	if warning.RemainingMinutes > 0 {
		args["remainingMinutes"] = warning.RemainingMinutes
	}

	result, err := d.executor.Invoke(ctx, agentID, remote.ScriptShowWarning, args)
	if err != nil {
		metrics.RemoteActions.WithLabelValues(remote.ScriptShowWarning, "error").Inc()
		d.logger.Error().Err(err).Str("agent", agentID).Msg("Show warning action failed")
		return
	}

	outcome := "failure"
	if result.Success {
		outcome = "success"
	}
	metrics.RemoteActions.WithLabelValues(remote.ScriptShowWarning, outcome).Inc()

	d.logger.Info().Str("agent", agentID).Str("urgency", string(warning.Urgency)).Msg("Warning shown")
	d.emit(StatusEvent{Type: StatusWarningShown, AgentID: agentID, Reason: warning.Message, At: d.clock.Now()})
}

// ScheduleShutdown pushes an absolute shutdown time to the agent so
// enforcement still happens if connectivity drops before it arrives.
func (d *Dispatcher) ScheduleShutdown(ctx context.Context, agentID string, shutdownAt time.Time, reason string, warnIntervals []int) error {
	args := map[string]any{
		"shutdownAt":    shutdownAt.Unix(),
		"reason":        reason,
		"warnIntervals": warnIntervals,
	}

	result, err := d.executor.Invoke(ctx, agentID, remote.ScriptScheduleShutdown, args)
	if err != nil {
		metrics.RemoteActions.WithLabelValues(remote.ScriptScheduleShutdown, "error").Inc()
		d.logger.Error().Err(err).Str("agent", agentID).Msg("Schedule shutdown action failed")
		return err
	}
	if !result.Success {
		metrics.RemoteActions.WithLabelValues(remote.ScriptScheduleShutdown, "failure").Inc()
		d.logger.Error().Str("agent", agentID).Msg("Agent rejected shutdown schedule")
		return nil
	}
	metrics.RemoteActions.WithLabelValues(remote.ScriptScheduleShutdown, "success").Inc()

	pending := storage.PendingShutdown{
		AgentID:       agentID,
		ShutdownAt:    shutdownAt,
		Reason:        reason,
		WarnIntervals: warnIntervals,
		ScheduledAt:   d.clock.Now(),
	}

	d.mu.Lock()
	d.pending[agentID] = pending
	d.mu.Unlock()

	if err := d.shutdowns.Upsert(ctx, pending); err != nil {
		d.logger.Error().Err(err).Str("agent", agentID).Msg("Failed to persist pending shutdown")
	}

	d.logger.Info().Str("agent", agentID).Time("shutdown_at", shutdownAt).Str("reason", reason).Msg("Shutdown scheduled")
	d.emit(StatusEvent{Type: StatusShutdownScheduled, AgentID: agentID, Reason: reason, At: d.clock.Now()})
	return nil
}

// UpdateScheduledShutdown replaces an existing schedule with a new time.
func (d *Dispatcher) UpdateScheduledShutdown(ctx context.Context, agentID string, shutdownAt time.Time, reason string, warnIntervals []int) error {
	d.CancelScheduledShutdown(ctx, agentID)
	return d.ScheduleShutdown(ctx, agentID, shutdownAt, reason, warnIntervals)
}

// CancelScheduledShutdown withdraws a pending shutdown from the agent and
// from the local mirror. Cancelling when nothing is pending is a no-op.
func (d *Dispatcher) CancelScheduledShutdown(ctx context.Context, agentID string) {
	d.mu.Lock()
	_, pending := d.pending[agentID]
	d.mu.Unlock()
	if !pending {
		return
	}

	result, err := d.executor.Invoke(ctx, agentID, remote.ScriptCancelShutdown, nil)
	if err != nil {
		metrics.RemoteActions.WithLabelValues(remote.ScriptCancelShutdown, "error").Inc()
		d.logger.Error().Err(err).Str("agent", agentID).Msg("Cancel shutdown action failed")
	} else if result.Success {
		metrics.RemoteActions.WithLabelValues(remote.ScriptCancelShutdown, "success").Inc()
	}

	d.mu.Lock()
	delete(d.pending, agentID)
	d.mu.Unlock()

	if err := d.shutdowns.Delete(ctx, agentID); err != nil {
		d.logger.Error().Err(err).Str("agent", agentID).Msg("Failed to clear pending shutdown")
	}

	d.logger.Info().Str("agent", agentID).Msg("Shutdown cancelled")
	d.emit(StatusEvent{Type: StatusShutdownCancelled, AgentID: agentID, At: d.clock.Now()})
}

// PendingShutdowns returns the local mirror, for status reporting only.
func (d *Dispatcher) PendingShutdowns() []storage.PendingShutdown {
	d.mu.Lock()
	defer d.mu.Unlock()

	pending := make([]storage.PendingShutdown, 0, len(d.pending))
	for _, shutdown := range d.pending {
		pending = append(pending, shutdown)
	}
	return pending
}

// CleanupViolations removes violations older than the retention window
// and returns how many were deleted.
func (d *Dispatcher) CleanupViolations(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := d.clock.Now().Add(-retention)
	deleted, err := d.violations.DeleteBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		d.logger.Info().Int("deleted", deleted).Time("cutoff", cutoff).Msg("Old violations pruned")
	}
	return deleted, nil
}

// graceExpired tracks the first block intent per agent and reports
// whether the grace period has elapsed since. The grace entry is cleared
// once the kill finally fires.
func (d *Dispatcher) graceExpired(agentID string, grace time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	started, ok := d.graced[agentID]
	if !ok {
		d.graced[agentID] = d.clock.Now()
		return false
	}
	return d.clock.Now().Sub(started) >= grace
}

func (d *Dispatcher) emit(event StatusEvent) {
	select {
	case d.status <- event:
	default:
		d.logger.Warn().Str("type", string(event.Type)).Msg("Status buffer full, dropping event")
	}
}

func warningMessage(intent quota.Intent) string {
	switch intent.Urgency {
	case quota.UrgencyCritical:
		return "Internet time is almost up, save your work now"
	case quota.UrgencyHigh:
		return "Only a few minutes of internet time left"
	default:
		return "Internet time is running low"
	}
}
