package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/JaikishoreKC/omnichannel-agentic-commerce/internal/core/domain"
	"github.com/JaikishoreKC/omnichannel-agentic-commerce/internal/infra/provider"
	"github.com/JaikishoreKC/omnichannel-agentic-commerce/internal/infra/storage/memory"
	"github.com/JaikishoreKC/omnichannel-agentic-commerce/internal/recovery/guardrail"
	"github.com/JaikishoreKC/omnichannel-agentic-commerce/internal/recovery/retry"
)

// ============================================================================
// Fakes
// ============================================================================

type fakeProvider struct {
	placed    []provider.PlacementRequest
	reject    bool
	transient bool
}

func (p *fakeProvider) PlaceCall(ctx context.Context, req provider.PlacementRequest) (*provider.PlacementResult, error) {
	if p.transient {
		return nil, fmt.Errorf("%w: connection refused", provider.ErrTransient)
	}
	if p.reject {
		return &provider.PlacementResult{Accepted: false, Reason: "invalid phone"}, nil
	}
	p.placed = append(p.placed, req)
	return &provider.PlacementResult{Accepted: true, ProviderCallID: fmt.Sprintf("call_%d", len(p.placed))}, nil
}

func (p *fakeProvider) FetchCallLog(ctx context.Context, providerCallID string) (*provider.CallLogEntry, error) {
	return nil, nil
}

func (p *fakeProvider) CancelCall(ctx context.Context, providerCallID string) error {
	return nil
}

type fixture struct {
	dispatcher   *Dispatcher
	jobs         *memory.JobRepo
	carts        *memory.CartRepo
	suppressions *memory.SuppressionRepo
	counters     *guardrail.MemoryCounters
	provider     *fakeProvider
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewMemoryStorage()
	jobs := memory.NewJobRepo(store)
	carts := memory.NewCartRepo(store)
	suppressions := memory.NewSuppressionRepo(store)
	counters := guardrail.NewMemoryCounters()
	fake := &fakeProvider{}
	log := slog.New(slog.DiscardHandler)
	sched := retry.NewScheduler(jobs, log)
	d := NewDispatcher(jobs, carts, suppressions, counters, fake, sched, log)
	d.Concurrency = 1
	return &fixture{
		dispatcher:   d,
		jobs:         jobs,
		carts:        carts,
		suppressions: suppressions,
		counters:     counters,
		provider:     fake,
	}
}

// daytimeSettings returns enabled settings with quiet hours that never
// match, so tests control denial conditions explicitly.
func daytimeSettings() domain.Settings {
	s := domain.DefaultSettings()
	s.Enabled = true
	s.QuietHoursStart = 0
	s.QuietHoursEnd = 0
	return s
}

func seedJob(t *testing.T, f *fixture, userID, cartID string, now time.Time) *domain.RecoveryJob {
	t.Helper()
	f.carts.SeedCart(&domain.AbandonedCart{
		CartID:         cartID,
		UserID:         userID,
		PhoneNumber:    "+15550001111",
		ItemCount:      1,
		TotalUSD:       25,
		LastActivityAt: now.Add(-time.Hour),
	})
	job := &domain.RecoveryJob{
		ID:             userID + "-" + cartID,
		UserID:         userID,
		CartID:         cartID,
		State:          domain.JobStateQueued,
		PhoneNumber:    "+15550001111",
		RenderedScript: "test script",
		ScriptVersion:  "v1",
		NextEligibleAt: now.Add(-time.Minute),
		CreatedAt:      now.Add(-time.Hour),
	}
	if err := f.jobs.Create(context.Background(), job); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return job
}

func mustGet(t *testing.T, f *fixture, id string) *domain.RecoveryJob {
	t.Helper()
	job, err := f.jobs.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID(%s): %v", id, err)
	}
	return job
}

// ============================================================================
// DispatchDue
// ============================================================================

func TestDispatchDue_PlacesCall(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	settings := daytimeSettings()
	job := seedJob(t, f, "u1", "c1", now)

	stats, err := f.dispatcher.DispatchDue(context.Background(), settings, now)
	if err != nil {
		t.Fatalf("DispatchDue: %v", err)
	}
	if stats.Placed != 1 {
		t.Fatalf("placed = %d, want 1", stats.Placed)
	}

	got := mustGet(t, f, job.ID)
	if got.State != domain.JobStateInProgress {
		t.Errorf("state = %s, want in_progress", got.State)
	}
	if got.AttemptCount != 1 {
		t.Errorf("attemptCount = %d, want 1", got.AttemptCount)
	}
	if got.ProviderCallID == "" {
		t.Error("providerCallID should be recorded")
	}

	loc, _ := time.LoadLocation(settings.DefaultTimezone)
	snap, err := f.counters.Snapshot(context.Background(), guardrail.DayKey(now, loc), "u1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.GlobalCalls != 1 || snap.UserCalls != 1 {
		t.Errorf("counters = %+v, want one global and one user call", snap)
	}
	if snap.SpendUSD != settings.EstimatedCostPerCall {
		t.Errorf("spend = %v, want %v", snap.SpendUSD, settings.EstimatedCostPerCall)
	}
}

func TestDispatchDue_IdempotencyTokenPerAttempt(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	seedJob(t, f, "u1", "c1", now)

	if _, err := f.dispatcher.DispatchDue(context.Background(), daytimeSettings(), now); err != nil {
		t.Fatalf("DispatchDue: %v", err)
	}
	if len(f.provider.placed) != 1 {
		t.Fatalf("placed calls = %d, want 1", len(f.provider.placed))
	}
	if got := f.provider.placed[0].IdempotencyToken; got != "u1:c1:1" {
		t.Errorf("idempotency token = %q, want u1:c1:1", got)
	}
}

func TestDispatchDue_KillSwitchHoldsJob(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	settings := daytimeSettings()
	settings.KillSwitch = true
	job := seedJob(t, f, "u1", "c1", now)

	stats, err := f.dispatcher.DispatchDue(context.Background(), settings, now)
	if err != nil {
		t.Fatalf("DispatchDue: %v", err)
	}
	if stats.Denied != 1 || stats.Placed != 0 {
		t.Fatalf("stats = %+v, want one denial", stats)
	}

	got := mustGet(t, f, job.ID)
	if got.State != domain.JobStateQueued {
		t.Errorf("state = %s, want queued", got.State)
	}
	if !got.NextEligibleAt.After(now) {
		t.Error("denied job should cool down before the next try")
	}
	if got.AttemptCount != 0 {
		t.Errorf("denial must not consume an attempt, got %d", got.AttemptCount)
	}
}

func TestDispatchDue_UserDailyCap(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	settings := daytimeSettings()
	settings.MaxCallsPerUserPerDay = 1
	job := seedJob(t, f, "u1", "c1", now)

	loc, _ := time.LoadLocation(settings.DefaultTimezone)
	day := guardrail.DayKey(now, loc)
	if err := f.counters.Commit(context.Background(), day, "u1", 0.35); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	stats, err := f.dispatcher.DispatchDue(context.Background(), settings, now)
	if err != nil {
		t.Fatalf("DispatchDue: %v", err)
	}
	if stats.Denied != 1 {
		t.Fatalf("stats = %+v, want one denial", stats)
	}
	if got := mustGet(t, f, job.ID); got.State != domain.JobStateQueued {
		t.Errorf("state = %s, want queued", got.State)
	}
}

func TestDispatchDue_SuppressedUserTerminates(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	job := seedJob(t, f, "u1", "c1", now)
	f.suppressions.Upsert(context.Background(), &domain.SuppressionEntry{
		UserID: "u1",
		Reason: domain.SuppressionReasonOptOut,
	})

	stats, err := f.dispatcher.DispatchDue(context.Background(), daytimeSettings(), now)
	if err != nil {
		t.Fatalf("DispatchDue: %v", err)
	}
	if stats.Denied != 1 {
		t.Fatalf("stats = %+v, want one denial", stats)
	}
	if got := mustGet(t, f, job.ID); got.State != domain.JobStateSuppressed {
		t.Errorf("state = %s, want suppressed", got.State)
	}
}

func TestDispatchDue_ConvertedCartCancels(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	job := seedJob(t, f, "u1", "c1", now)
	f.carts.MarkConverted("c1")

	stats, err := f.dispatcher.DispatchDue(context.Background(), daytimeSettings(), now)
	if err != nil {
		t.Fatalf("DispatchDue: %v", err)
	}
	if stats.Cancelled != 1 {
		t.Fatalf("stats = %+v, want one cancellation", stats)
	}
	if got := mustGet(t, f, job.ID); got.State != domain.JobStateCancelled {
		t.Errorf("state = %s, want cancelled", got.State)
	}
	if len(f.provider.placed) != 0 {
		t.Error("no call should be placed for a converted cart")
	}
}

func TestDispatchDue_TransientProviderError(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	job := seedJob(t, f, "u1", "c1", now)
	f.provider.transient = true

	stats, err := f.dispatcher.DispatchDue(context.Background(), daytimeSettings(), now)
	if err != nil {
		t.Fatalf("DispatchDue: %v", err)
	}
	if stats.Errored != 1 {
		t.Fatalf("stats = %+v, want one error", stats)
	}

	got := mustGet(t, f, job.ID)
	if got.State != domain.JobStateQueued {
		t.Errorf("state = %s, want queued", got.State)
	}
	if got.AttemptCount != 0 {
		t.Errorf("transport failure must not consume an attempt, got %d", got.AttemptCount)
	}

	loc, _ := time.LoadLocation(domain.DefaultSettings().DefaultTimezone)
	snap, _ := f.counters.Snapshot(context.Background(), guardrail.DayKey(now, loc), "u1")
	if snap.GlobalCalls != 0 {
		t.Error("counters must not move for a failed placement")
	}
}

func TestDispatchDue_NotYetEligible(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	job := &domain.RecoveryJob{
		ID:             "u1-c1",
		UserID:         "u1",
		CartID:         "c1",
		State:          domain.JobStateQueued,
		PhoneNumber:    "+15550001111",
		NextEligibleAt: now.Add(10 * time.Minute),
		CreatedAt:      now,
	}
	if err := f.jobs.Create(context.Background(), job); err != nil {
		t.Fatalf("Create: %v", err)
	}

	stats, err := f.dispatcher.DispatchDue(context.Background(), daytimeSettings(), now)
	if err != nil {
		t.Fatalf("DispatchDue: %v", err)
	}
	if stats.Claimed != 0 {
		t.Errorf("stats = %+v, want nothing claimed", stats)
	}
}

// ============================================================================
// SweepStuck
// ============================================================================

func TestSweepStuck_TimesOutSilentCall(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	settings := daytimeSettings()
	job := seedJob(t, f, "u1", "c1", now.Add(-time.Hour))

	if _, err := f.dispatcher.DispatchDue(context.Background(), settings, now.Add(-30*time.Minute)); err != nil {
		t.Fatalf("DispatchDue: %v", err)
	}

	swept, err := f.dispatcher.SweepStuck(context.Background(), settings, now)
	if err != nil {
		t.Fatalf("SweepStuck: %v", err)
	}
	if swept != 1 {
		t.Fatalf("swept = %d, want 1", swept)
	}

	got := mustGet(t, f, job.ID)
	if got.State != domain.JobStateFailedRetryable {
		t.Errorf("state = %s, want failed_retryable", got.State)
	}
	if !got.NextEligibleAt.After(now) {
		t.Error("timed out job should wait for its backoff delay")
	}
}

func TestSweepStuck_LeavesFreshCallsAlone(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	settings := daytimeSettings()
	seedJob(t, f, "u1", "c1", now)

	if _, err := f.dispatcher.DispatchDue(context.Background(), settings, now); err != nil {
		t.Fatalf("DispatchDue: %v", err)
	}

	swept, err := f.dispatcher.SweepStuck(context.Background(), settings, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("SweepStuck: %v", err)
	}
	if swept != 0 {
		t.Errorf("swept = %d, want 0", swept)
	}
}
