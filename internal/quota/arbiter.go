// Package quota derives warning and block decisions from the external
// authority's allowance state. Decisions are never made from locally
// accumulated seconds, which are advisory only.
package quota

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"github.com/goodtune/screentime/internal/authority"
	"github.com/goodtune/screentime/internal/metrics"
)

const (
	// DefaultCheckInterval is the quota sweep period.
	DefaultCheckInterval = 30 * time.Second

	// DefaultCacheTTL bounds how stale an allowance may be when a
	// decision is made from it.
	DefaultCacheTTL = 5 * time.Second

	allowanceCacheSize = 256
	intentBuffer       = 64
)

// Urgency grades a warning by how close the quota is to exhaustion.
type Urgency string

const (
	UrgencyNormal   Urgency = "normal"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// IntentType identifies an enforcement intent.
type IntentType string

const (
	IntentWarn  IntentType = "warn"
	IntentBlock IntentType = "block"
)

// Intent is the arbiter's output: a high-level request for the
// enforcement dispatcher.
type Intent struct {
	Type             IntentType
	AgentID          string
	ChildID          string
	ActivityType     string
	Reason           string
	RemainingMinutes float64
	Urgency          Urgency
	At               time.Time
}

// warningState tracks which thresholds have already fired for one
// (child, activity) pair. A flag, once set, is not re-fired until the
// remaining quota rises back above the threshold or the flags are reset.
type warningState struct {
	warned    map[int]bool
	exhausted bool
}

// Arbiter polls the authority and emits warn/block intents. Warning
// deduplication is structural: each threshold fires once per crossing.
type Arbiter struct {
	authority authority.Client
	logger    zerolog.Logger

	mu         sync.Mutex
	thresholds []int
	flags      map[string]*warningState
	cache      *expirable.LRU[string, authority.Allowance]

	intents chan Intent
}

// New creates an arbiter with the given warning thresholds in minutes.
// A non-positive cacheTTL falls back to DefaultCacheTTL.
func New(auth authority.Client, thresholds []int, cacheTTL time.Duration, logger zerolog.Logger) *Arbiter {
	sorted := append([]int(nil), thresholds...)
	sort.Sort(sort.Reverse(sort.IntSlice(sorted)))

	if cacheTTL <= 0 {
		cacheTTL = DefaultCacheTTL
	}

	return &Arbiter{
		authority:  auth,
		logger:     logger.With().Str("component", "quota").Logger(),
		thresholds: sorted,
		flags:      make(map[string]*warningState),
		cache:      expirable.NewLRU[string, authority.Allowance](allowanceCacheSize, nil, cacheTTL),
		intents:    make(chan Intent, intentBuffer),
	}
}

// Intents returns the arbiter's intent stream.
func (a *Arbiter) Intents() <-chan Intent {
	return a.intents
}

// CheckQuota consults the authority for the child's allowance and emits
// at most one intent. An authority failure fails open: no intent.
func (a *Arbiter) CheckQuota(ctx context.Context, agentID, childID, activityType string) {
	allowance, err := a.allowance(ctx, childID, activityType)
	if err != nil {
		metrics.AuthorityErrors.Inc()
		a.logger.Error().Err(err).Str("child", childID).Str("activity", activityType).Msg("Authority check failed, failing open")
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.decide(agentID, childID, activityType, allowance)
}

// Notify handles an authority-side state change for a child: the cached
// allowance is dropped and the check re-run so parent overrides take
// effect promptly.
func (a *Arbiter) Notify(ctx context.Context, agentID, childID, activityType string) {
	a.cache.Remove(cacheKey(childID, activityType))
	a.CheckQuota(ctx, agentID, childID, activityType)
}

// ForceBlock emits a block intent without consulting the authority.
func (a *Arbiter) ForceBlock(agentID, childID, reason string) {
	if reason == "" {
		reason = "Blocked by parent"
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.emitBlock(agentID, childID, authority.ActivityInternet, reason)
}

// ResetFlags clears all warning and exhaustion flags, e.g. on a new day
// or a threshold reconfiguration.
func (a *Arbiter) ResetFlags() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.flags = make(map[string]*warningState)
	a.logger.Debug().Msg("Warning flags reset")
}

// ResetChild clears flags for a single child across all activity types.
func (a *Arbiter) ResetChild(childID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for key := range a.flags {
		if keyChild(key) == childID {
			delete(a.flags, key)
		}
	}
}

// SetThresholds replaces the warning threshold list. When resetFlags is
// set, all fired flags are cleared so the new thresholds start from a
// clean slate; otherwise flags for surviving thresholds are preserved.
func (a *Arbiter) SetThresholds(thresholds []int, resetFlags bool) {
	sorted := append([]int(nil), thresholds...)
	sort.Sort(sort.Reverse(sort.IntSlice(sorted)))

	a.mu.Lock()
	defer a.mu.Unlock()
	a.thresholds = sorted
	if resetFlags {
		a.flags = make(map[string]*warningState)
	} else {
		// Flags for removed thresholds would be orphaned; drop them.
		keep := make(map[int]bool, len(sorted))
		for _, threshold := range sorted {
			keep[threshold] = true
		}
		for _, state := range a.flags {
			for threshold := range state.warned {
				if !keep[threshold] {
					delete(state.warned, threshold)
				}
			}
		}
	}
	a.logger.Info().Ints("thresholds", sorted).Bool("reset_flags", resetFlags).Msg("Warning thresholds updated")
}

func (a *Arbiter) allowance(ctx context.Context, childID, activityType string) (authority.Allowance, error) {
	key := cacheKey(childID, activityType)
	if cached, ok := a.cache.Get(key); ok {
		return cached, nil
	}

	allowance, err := a.authority.CheckActivity(ctx, authority.CheckRequest{
		ChildID:      childID,
		ActivityType: activityType,
		CheckOnly:    true,
	})
	if err != nil {
		return authority.Allowance{}, err
	}

	a.cache.Add(key, *allowance)
	return *allowance, nil
}

// decide runs the decision ladder against a fresh allowance. Caller
// holds the lock.
func (a *Arbiter) decide(agentID, childID, activityType string, allowance authority.Allowance) {
	state := a.state(childID, activityType)

	if allowance.IsBanned || allowance.IsActivityBlocked {
		reason := allowance.BanReason
		if reason == "" {
			reason = "Activity is blocked"
		}
		a.emitBlock(agentID, childID, activityType, reason)
		return
	}

	if !allowance.Allowed {
		a.emitBlock(agentID, childID, activityType, "Internet time not allowed")
		return
	}

	if allowance.RemainingSeconds == authority.Unlimited {
		return
	}

	if allowance.RemainingSeconds <= 0 {
		state.exhausted = true
		a.emitBlock(agentID, childID, activityType, "Daily internet time exhausted")
		return
	}

	remainingMinutes := float64(allowance.RemainingSeconds) / 60

	// Clear flags for thresholds the quota has risen back above, so a
	// later crossing fires again.
	for threshold, fired := range state.warned {
		if fired && remainingMinutes > float64(threshold) {
			delete(state.warned, threshold)
		}
	}
	state.exhausted = false

	// Thresholds are sorted descending; at most one warning fires per
	// check.
	for _, threshold := range a.thresholds {
		if remainingMinutes > float64(threshold) || state.warned[threshold] {
			continue
		}

		state.warned[threshold] = true
		urgency := urgencyFor(remainingMinutes)

		metrics.QuotaWarnings.WithLabelValues(childID, string(urgency)).Inc()
		a.logger.Info().
			Str("child", childID).
			Str("activity", activityType).
			Float64("remaining_minutes", remainingMinutes).
			Int("threshold", threshold).
			Str("urgency", string(urgency)).
			Msg("Quota warning")

		a.emit(Intent{
			Type:             IntentWarn,
			AgentID:          agentID,
			ChildID:          childID,
			ActivityType:     activityType,
			RemainingMinutes: remainingMinutes,
			Urgency:          urgency,
			At:               time.Now(),
		})
		return
	}
}

func (a *Arbiter) emitBlock(agentID, childID, activityType, reason string) {
	metrics.BlockIntents.WithLabelValues(childID, reason).Inc()
	a.logger.Warn().Str("child", childID).Str("agent", agentID).Str("reason", reason).Msg("Block intent")

	a.emit(Intent{
		Type:         IntentBlock,
		AgentID:      agentID,
		ChildID:      childID,
		ActivityType: activityType,
		Reason:       reason,
		At:           time.Now(),
	})
}

func (a *Arbiter) state(childID, activityType string) *warningState {
	key := cacheKey(childID, activityType)
	state, ok := a.flags[key]
	if !ok {
		state = &warningState{warned: make(map[int]bool)}
		a.flags[key] = state
	}
	return state
}

func (a *Arbiter) emit(intent Intent) {
	select {
	case a.intents <- intent:
	default:
		a.logger.Warn().Str("type", string(intent.Type)).Msg("Intent buffer full, dropping intent")
	}
}

func urgencyFor(remainingMinutes float64) Urgency {
	switch {
	case remainingMinutes <= 1:
		return UrgencyCritical
	case remainingMinutes <= 5:
		return UrgencyHigh
	default:
		return UrgencyNormal
	}
}

func cacheKey(childID, activityType string) string {
	return childID + ":" + activityType
}

func keyChild(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[:i]
		}
	}
	return key
}
