package quota

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/screentime/internal/authority"
)

type scriptedAuthority struct {
	mu        sync.Mutex
	allowance authority.Allowance
	err       error
	calls     int
}

func (s *scriptedAuthority) CheckActivity(ctx context.Context, req authority.CheckRequest) (*authority.Allowance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	allowance := s.allowance
	return &allowance, nil
}

func (s *scriptedAuthority) set(allowance authority.Allowance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowance = allowance
}

func drainIntents(arbiter *Arbiter) []Intent {
	var intents []Intent
	for {
		select {
		case intent := <-arbiter.Intents():
			intents = append(intents, intent)
		default:
			return intents
		}
	}
}

func check(arbiter *Arbiter, auth *scriptedAuthority, remaining int64) []Intent {
	auth.set(authority.Allowance{Allowed: true, RemainingSeconds: remaining})
	// Drop the cached allowance so the scripted value is consulted.
	arbiter.cache.Purge()
	arbiter.CheckQuota(context.Background(), "agent-a", "child-1", authority.ActivityInternet)
	return drainIntents(arbiter)
}

func TestWarningThresholdLadder(t *testing.T) {
	auth := &scriptedAuthority{}
	arbiter := New(auth, []int{15, 5, 1}, 0, zerolog.Nop())

	// Plenty of time: no intent.
	if intents := check(arbiter, auth, 3600); len(intents) != 0 {
		t.Fatalf("expected no intents at 60 minutes, got %+v", intents)
	}

	// 14 minutes left: the 15-minute warning fires once.
	intents := check(arbiter, auth, 14*60)
	if len(intents) != 1 || intents[0].Type != IntentWarn || intents[0].Urgency != UrgencyNormal {
		t.Fatalf("expected one normal warning, got %+v", intents)
	}
	if intents = check(arbiter, auth, 13*60); len(intents) != 0 {
		t.Fatalf("expected no duplicate warning, got %+v", intents)
	}

	// 4 minutes left: the 5-minute warning fires with high urgency.
	intents = check(arbiter, auth, 4*60)
	if len(intents) != 1 || intents[0].Urgency != UrgencyHigh {
		t.Fatalf("expected one high warning, got %+v", intents)
	}

	// 30 seconds left: critical.
	intents = check(arbiter, auth, 30)
	if len(intents) != 1 || intents[0].Urgency != UrgencyCritical {
		t.Fatalf("expected one critical warning, got %+v", intents)
	}

	// Exhausted: block with the canonical reason.
	intents = check(arbiter, auth, 0)
	if len(intents) != 1 || intents[0].Type != IntentBlock || intents[0].Reason != "Daily internet time exhausted" {
		t.Fatalf("expected exhaustion block, got %+v", intents)
	}
}

func TestWarningRefiresAfterQuotaRises(t *testing.T) {
	auth := &scriptedAuthority{}
	arbiter := New(auth, []int{15, 5, 1}, 0, zerolog.Nop())

	if intents := check(arbiter, auth, 14*60); len(intents) != 1 {
		t.Fatalf("expected first 15-minute warning, got %+v", intents)
	}

	// Parent grants more time: the flag clears.
	if intents := check(arbiter, auth, 30*60); len(intents) != 0 {
		t.Fatalf("expected no intent after quota rise, got %+v", intents)
	}

	// Crossing the threshold again fires again.
	if intents := check(arbiter, auth, 14*60); len(intents) != 1 {
		t.Fatalf("expected re-fired 15-minute warning, got %+v", intents)
	}
}

func TestOnlyOneWarningPerCheck(t *testing.T) {
	auth := &scriptedAuthority{}
	arbiter := New(auth, []int{15, 5, 1}, 0, zerolog.Nop())

	// Dropping straight to 30 seconds crosses all three thresholds, but
	// only the largest unfired one may warn this check.
	intents := check(arbiter, auth, 30)
	if len(intents) != 1 {
		t.Fatalf("expected exactly one warning, got %+v", intents)
	}
	if intents[0].Urgency != UrgencyCritical {
		t.Errorf("expected critical urgency at 30s remaining, got %v", intents[0].Urgency)
	}
}

func TestBannedAndBlockedReasons(t *testing.T) {
	auth := &scriptedAuthority{}
	arbiter := New(auth, []int{15, 5, 1}, 0, zerolog.Nop())
	ctx := context.Background()

	auth.set(authority.Allowance{Allowed: true, IsBanned: true, BanReason: "Grounded until Friday"})
	arbiter.CheckQuota(ctx, "agent-a", "child-1", authority.ActivityInternet)
	intents := drainIntents(arbiter)
	if len(intents) != 1 || intents[0].Reason != "Grounded until Friday" {
		t.Fatalf("expected ban reason passthrough, got %+v", intents)
	}

	arbiter.cache.Purge()
	auth.set(authority.Allowance{Allowed: true, IsActivityBlocked: true})
	arbiter.CheckQuota(ctx, "agent-a", "child-1", authority.ActivityInternet)
	intents = drainIntents(arbiter)
	if len(intents) != 1 || intents[0].Reason != "Activity is blocked" {
		t.Fatalf("expected default blocked reason, got %+v", intents)
	}

	arbiter.cache.Purge()
	auth.set(authority.Allowance{Allowed: false})
	arbiter.CheckQuota(ctx, "agent-a", "child-1", authority.ActivityInternet)
	intents = drainIntents(arbiter)
	if len(intents) != 1 || intents[0].Reason != "Internet time not allowed" {
		t.Fatalf("expected not-allowed block, got %+v", intents)
	}
}

func TestUnlimitedQuotaEmitsNothing(t *testing.T) {
	auth := &scriptedAuthority{}
	arbiter := New(auth, []int{15, 5, 1}, 0, zerolog.Nop())

	if intents := check(arbiter, auth, authority.Unlimited); len(intents) != 0 {
		t.Errorf("expected no intents for unlimited quota, got %+v", intents)
	}
}

func TestFailOpenOnAuthorityError(t *testing.T) {
	auth := &scriptedAuthority{err: errors.New("authority down")}
	arbiter := New(auth, []int{15, 5, 1}, 0, zerolog.Nop())

	arbiter.CheckQuota(context.Background(), "agent-a", "child-1", authority.ActivityInternet)
	if intents := drainIntents(arbiter); len(intents) != 0 {
		t.Errorf("expected no intents on authority error, got %+v", intents)
	}
}

func TestAllowanceCacheServesRepeatedChecks(t *testing.T) {
	auth := &scriptedAuthority{allowance: authority.Allowance{Allowed: true, RemainingSeconds: 3600}}
	arbiter := New(auth, []int{15, 5, 1}, 0, zerolog.Nop())
	ctx := context.Background()

	arbiter.CheckQuota(ctx, "agent-a", "child-1", authority.ActivityInternet)
	arbiter.CheckQuota(ctx, "agent-a", "child-1", authority.ActivityInternet)

	auth.mu.Lock()
	calls := auth.calls
	auth.mu.Unlock()
	if calls != 1 {
		t.Errorf("expected one authority call within the cache window, got %d", calls)
	}
}

func TestAllowanceCacheHonorsConfiguredTTL(t *testing.T) {
	auth := &scriptedAuthority{allowance: authority.Allowance{Allowed: true, RemainingSeconds: 3600}}
	arbiter := New(auth, []int{15, 5, 1}, time.Nanosecond, zerolog.Nop())
	ctx := context.Background()

	arbiter.CheckQuota(ctx, "agent-a", "child-1", authority.ActivityInternet)
	arbiter.CheckQuota(ctx, "agent-a", "child-1", authority.ActivityInternet)

	auth.mu.Lock()
	calls := auth.calls
	auth.mu.Unlock()
	if calls != 2 {
		t.Errorf("expected the expired entry to be refetched, got %d calls", calls)
	}
}

func TestNotifyInvalidatesCache(t *testing.T) {
	auth := &scriptedAuthority{allowance: authority.Allowance{Allowed: true, RemainingSeconds: 3600}}
	arbiter := New(auth, []int{15, 5, 1}, 0, zerolog.Nop())
	ctx := context.Background()

	arbiter.CheckQuota(ctx, "agent-a", "child-1", authority.ActivityInternet)
	drainIntents(arbiter)

	// The parent revokes time; Notify must bypass the cache and re-check.
	auth.set(authority.Allowance{Allowed: true, RemainingSeconds: 0})
	arbiter.Notify(ctx, "agent-a", "child-1", authority.ActivityInternet)

	intents := drainIntents(arbiter)
	if len(intents) != 1 || intents[0].Type != IntentBlock {
		t.Fatalf("expected immediate block after notify, got %+v", intents)
	}
}

func TestForceBlockBypassesAuthority(t *testing.T) {
	auth := &scriptedAuthority{err: errors.New("authority down")}
	arbiter := New(auth, []int{15, 5, 1}, 0, zerolog.Nop())

	arbiter.ForceBlock("agent-a", "child-1", "Bedtime")

	intents := drainIntents(arbiter)
	if len(intents) != 1 || intents[0].Type != IntentBlock || intents[0].Reason != "Bedtime" {
		t.Fatalf("expected forced block, got %+v", intents)
	}
}

func TestCategoryQuotasAreIndependentlyFlagged(t *testing.T) {
	auth := &scriptedAuthority{}
	arbiter := New(auth, []int{15, 5, 1}, 0, zerolog.Nop())
	ctx := context.Background()

	auth.set(authority.Allowance{Allowed: true, RemainingSeconds: 14 * 60})
	arbiter.CheckQuota(ctx, "agent-a", "child-1", authority.ActivityInternet)
	if intents := drainIntents(arbiter); len(intents) != 1 {
		t.Fatalf("expected internet warning, got %+v", intents)
	}

	// The gaming category has its own flag set and warns independently.
	arbiter.CheckQuota(ctx, "agent-a", "child-1", "category:gaming")
	intents := drainIntents(arbiter)
	if len(intents) != 1 || intents[0].ActivityType != "category:gaming" {
		t.Fatalf("expected independent category warning, got %+v", intents)
	}
}
