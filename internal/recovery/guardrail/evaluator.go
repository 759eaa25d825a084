// Package guardrail decides whether a recovery call may be placed.
package guardrail

import (
	"time"

	"github.com/JaikishoreKC/omnichannel-agentic-commerce/internal/core/domain"
)

// DenyReason is the stable reason code carried by a deny decision.
type DenyReason string

const (
	DenyKillSwitch     DenyReason = "kill_switch"
	DenySuppressed     DenyReason = "suppressed"
	DenyQuietHours     DenyReason = "quiet_hours"
	DenyMaxAttempts    DenyReason = "max_attempts"
	DenyUserDailyCap   DenyReason = "user_daily_cap"
	DenyGlobalDailyCap DenyReason = "global_daily_cap"
	DenyBudgetExceeded DenyReason = "budget_exceeded"
)

// Decision is the outcome of one guardrail evaluation. A deny is a
// normal outcome, not an error.
type Decision struct {
	Allow  bool
	Reason DenyReason
}

func allow() Decision            { return Decision{Allow: true} }
func deny(r DenyReason) Decision { return Decision{Reason: r} }

// Input bundles everything Evaluate needs. Counters are a snapshot read
// before evaluation; Evaluate itself never mutates anything.
type Input struct {
	Job        *domain.RecoveryJob
	Suppressed bool
	Settings   domain.Settings
	Counters   CounterSnapshot
	Now        time.Time
}

// Evaluate applies the guardrail checks in fixed priority order; the
// first failing check wins so deny reasons are deterministic. Side
// effect free: counters are only mutated by the dispatcher after the
// provider accepts a call.
func Evaluate(in Input) Decision {
	s := in.Settings

	if s.KillSwitch {
		return deny(DenyKillSwitch)
	}
	if in.Suppressed {
		return deny(DenySuppressed)
	}
	if inQuietHours(localHour(in.Now, in.Job.Timezone, s.DefaultTimezone), s.QuietHoursStart, s.QuietHoursEnd) {
		return deny(DenyQuietHours)
	}
	// The retry scheduler dead-letters exhausted jobs before they get
	// here; re-checked so a stale queue entry can never dispatch.
	if in.Job.AttemptCount >= s.MaxAttemptsPerCart {
		return deny(DenyMaxAttempts)
	}
	if in.Counters.UserCalls >= s.MaxCallsPerUserPerDay {
		return deny(DenyUserDailyCap)
	}
	if in.Counters.GlobalCalls >= s.MaxCallsPerDay {
		return deny(DenyGlobalDailyCap)
	}
	if in.Counters.SpendUSD+s.EstimatedCostPerCall > s.DailyBudgetUSD {
		return deny(DenyBudgetExceeded)
	}
	return allow()
}

// localHour resolves the hour of day in the user's timezone, falling
// back to the configured default and finally UTC.
func localHour(now time.Time, userTZ, defaultTZ string) int {
	for _, name := range []string{userTZ, defaultTZ} {
		if name == "" {
			continue
		}
		if loc, err := time.LoadLocation(name); err == nil {
			return now.In(loc).Hour()
		}
	}
	return now.UTC().Hour()
}

// inQuietHours checks the start-inclusive, end-exclusive window, which
// may wrap midnight (start 21, end 8 covers 21:00-07:59). start == end
// means quiet hours are disabled.
func inQuietHours(hour, start, end int) bool {
	if start == end {
		return false
	}
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}
