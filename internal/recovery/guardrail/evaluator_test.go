package guardrail

import (
	"context"
	"testing"
	"time"

	"github.com/JaikishoreKC/omnichannel-agentic-commerce/internal/core/domain"
)

// evalSettings returns enabled settings with quiet hours 21-8 UTC.
func evalSettings() domain.Settings {
	s := domain.DefaultSettings()
	s.Enabled = true
	return s
}

func utcHour(hour int) time.Time {
	return time.Date(2025, 6, 15, hour, 30, 0, 0, time.UTC)
}

func baseInput(now time.Time) Input {
	return Input{
		Job:      &domain.RecoveryJob{ID: "j1", UserID: "u1", CartID: "c1", Timezone: "UTC"},
		Settings: evalSettings(),
		Now:      now,
	}
}

func TestEvaluate_Allows(t *testing.T) {
	d := Evaluate(baseInput(utcHour(12)))
	if !d.Allow {
		t.Fatalf("expected allow, got deny(%s)", d.Reason)
	}
}

func TestEvaluate_KillSwitch(t *testing.T) {
	in := baseInput(utcHour(12))
	in.Settings.KillSwitch = true
	if d := Evaluate(in); d.Allow || d.Reason != DenyKillSwitch {
		t.Errorf("decision = %+v, want deny(kill_switch)", d)
	}
}

func TestEvaluate_PriorityOrder(t *testing.T) {
	// Everything wrong at once: the kill switch wins, then suppression.
	in := baseInput(utcHour(23))
	in.Settings.KillSwitch = true
	in.Suppressed = true
	in.Job.AttemptCount = 99
	in.Counters = CounterSnapshot{GlobalCalls: 9999, UserCalls: 9999, SpendUSD: 9999}

	if d := Evaluate(in); d.Reason != DenyKillSwitch {
		t.Errorf("reason = %s, want kill_switch first", d.Reason)
	}

	in.Settings.KillSwitch = false
	if d := Evaluate(in); d.Reason != DenySuppressed {
		t.Errorf("reason = %s, want suppressed second", d.Reason)
	}
}

func TestEvaluate_QuietHoursWraparound(t *testing.T) {
	// Window 21-8: start inclusive, end exclusive, wrapping midnight.
	cases := []struct {
		hour int
		deny bool
	}{
		{20, false},
		{21, true},
		{22, true},
		{0, true},
		{7, true},
		{8, false},
		{9, false},
		{12, false},
	}
	for _, tc := range cases {
		in := baseInput(utcHour(tc.hour))
		d := Evaluate(in)
		if tc.deny && (d.Allow || d.Reason != DenyQuietHours) {
			t.Errorf("hour %d: decision = %+v, want deny(quiet_hours)", tc.hour, d)
		}
		if !tc.deny && !d.Allow {
			t.Errorf("hour %d: denied with %s, want allow", tc.hour, d.Reason)
		}
	}
}

func TestEvaluate_QuietHoursDisabledWhenEqual(t *testing.T) {
	in := baseInput(utcHour(3))
	in.Settings.QuietHoursStart = 0
	in.Settings.QuietHoursEnd = 0
	if d := Evaluate(in); !d.Allow {
		t.Errorf("start == end must disable quiet hours, got deny(%s)", d.Reason)
	}
}

func TestEvaluate_QuietHoursUsesUserTimezone(t *testing.T) {
	// 23:30 UTC is 18:30 in New York: quiet in UTC, allowed locally.
	in := baseInput(utcHour(23))
	in.Job.Timezone = "America/New_York"
	if d := Evaluate(in); !d.Allow {
		t.Errorf("decision = %+v, want allow in user timezone", d)
	}
}

func TestEvaluate_UnknownTimezoneFallsBack(t *testing.T) {
	in := baseInput(utcHour(23))
	in.Job.Timezone = "Mars/Olympus_Mons"
	// Falls back to the default timezone (UTC), where 23 is quiet.
	if d := Evaluate(in); d.Allow || d.Reason != DenyQuietHours {
		t.Errorf("decision = %+v, want deny(quiet_hours) via fallback", d)
	}
}

func TestEvaluate_MaxAttempts(t *testing.T) {
	in := baseInput(utcHour(12))
	in.Job.AttemptCount = in.Settings.MaxAttemptsPerCart
	if d := Evaluate(in); d.Allow || d.Reason != DenyMaxAttempts {
		t.Errorf("decision = %+v, want deny(max_attempts)", d)
	}
}

func TestEvaluate_DailyCaps(t *testing.T) {
	in := baseInput(utcHour(12))
	in.Counters.UserCalls = in.Settings.MaxCallsPerUserPerDay
	if d := Evaluate(in); d.Reason != DenyUserDailyCap {
		t.Errorf("reason = %s, want user_daily_cap", d.Reason)
	}

	in = baseInput(utcHour(12))
	in.Counters.GlobalCalls = in.Settings.MaxCallsPerDay
	if d := Evaluate(in); d.Reason != DenyGlobalDailyCap {
		t.Errorf("reason = %s, want global_daily_cap", d.Reason)
	}
}

func TestEvaluate_BudgetIncludesPendingCall(t *testing.T) {
	in := baseInput(utcHour(12))
	in.Settings.DailyBudgetUSD = 10
	in.Settings.EstimatedCostPerCall = 0.5

	in.Counters.SpendUSD = 9.4
	if d := Evaluate(in); !d.Allow {
		t.Errorf("9.4 + 0.5 <= 10 should allow, got deny(%s)", d.Reason)
	}

	in.Counters.SpendUSD = 9.6
	if d := Evaluate(in); d.Allow || d.Reason != DenyBudgetExceeded {
		t.Errorf("9.6 + 0.5 > 10 should deny budget, got %+v", d)
	}
}

// ============================================================================
// Counters
// ============================================================================

func TestMemoryCounters_CommitAndSnapshot(t *testing.T) {
	c := NewMemoryCounters()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := c.Commit(ctx, "2025-06-15", "u1", 0.35); err != nil {
			t.Fatalf("Commit: %v", err)
		}
	}
	if err := c.Commit(ctx, "2025-06-15", "u2", 0.35); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	snap, err := c.Snapshot(ctx, "2025-06-15", "u1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.GlobalCalls != 4 || snap.UserCalls != 3 {
		t.Errorf("snapshot = %+v, want global 4, user 3", snap)
	}
	if snap.SpendUSD < 1.39 || snap.SpendUSD > 1.41 {
		t.Errorf("spend = %v, want ~1.40", snap.SpendUSD)
	}
}

func TestMemoryCounters_DayBoundaryResets(t *testing.T) {
	c := NewMemoryCounters()
	ctx := context.Background()

	if err := c.Commit(ctx, "2025-06-15", "u1", 0.35); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	snap, err := c.Snapshot(ctx, "2025-06-16", "u1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.GlobalCalls != 0 || snap.UserCalls != 0 || snap.SpendUSD != 0 {
		t.Errorf("new day should start at zero, got %+v", snap)
	}
}

func TestDayKey_ReferenceTimezone(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("LoadLocation: %v", err)
	}

	// 03:00 UTC on the 16th is still the evening of the 15th in NY.
	now := time.Date(2025, 6, 16, 3, 0, 0, 0, time.UTC)
	if got := DayKey(now, loc); got != "2025-06-15" {
		t.Errorf("DayKey = %s, want 2025-06-15", got)
	}
	if got := DayKey(now, time.UTC); got != "2025-06-16" {
		t.Errorf("DayKey = %s, want 2025-06-16", got)
	}
}
