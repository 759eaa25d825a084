// Package dispatcher claims due recovery jobs, runs them through the
// guardrails and hands accepted ones to the call provider.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/JaikishoreKC/omnichannel-agentic-commerce/internal/core/domain"
	"github.com/JaikishoreKC/omnichannel-agentic-commerce/internal/infra/provider"
	"github.com/JaikishoreKC/omnichannel-agentic-commerce/internal/infra/storage"
	"github.com/JaikishoreKC/omnichannel-agentic-commerce/internal/recovery/guardrail"
	"github.com/JaikishoreKC/omnichannel-agentic-commerce/internal/recovery/metrics"
	"github.com/JaikishoreKC/omnichannel-agentic-commerce/internal/recovery/retry"
)

const (
	dispatchBatchLimit = 200

	// providerCooldown delays the next try after a provider rejection
	// or transport error. No attempt is consumed for these.
	providerCooldown = 2 * time.Minute

	// denyCooldown delays re-evaluation of a job denied by a guardrail
	// that may clear on its own (quiet hours, caps, budget).
	denyCooldown = 5 * time.Minute
)

// Stats summarizes one dispatch pass.
type Stats struct {
	Claimed   int `json:"claimed"`
	Placed    int `json:"placed"`
	Denied    int `json:"denied"`
	Cancelled int `json:"cancelled"`
	Errored   int `json:"errored"`
}

// Dispatcher drives queued jobs through claim, guardrail evaluation and
// call placement.
type Dispatcher struct {
	jobs         storage.JobRepository
	carts        storage.CartSource
	suppressions storage.SuppressionRepository
	counters     guardrail.CounterStore
	provider     provider.CallClient
	retry        *retry.Scheduler
	log          *slog.Logger

	// Concurrency caps how many jobs dispatch in parallel.
	Concurrency int
}

// NewDispatcher creates a new dispatcher.
func NewDispatcher(
	jobs storage.JobRepository,
	carts storage.CartSource,
	suppressions storage.SuppressionRepository,
	counters guardrail.CounterStore,
	callClient provider.CallClient,
	retrySched *retry.Scheduler,
	log *slog.Logger,
) *Dispatcher {
	return &Dispatcher{
		jobs:         jobs,
		carts:        carts,
		suppressions: suppressions,
		counters:     counters,
		provider:     callClient,
		retry:        retrySched,
		log:          log.With("component", "dispatcher"),
		Concurrency:  4,
	}
}

// DispatchDue processes every queued job whose eligibility time has
// passed. Jobs are claimed one by one with a compare-and-swap on the
// queued state, so concurrent dispatchers never double-place a call.
func (d *Dispatcher) DispatchDue(ctx context.Context, settings domain.Settings, now time.Time) (Stats, error) {
	due, err := d.jobs.Due(ctx, now, dispatchBatchLimit)
	if err != nil {
		return Stats{}, fmt.Errorf("list due jobs: %w", err)
	}
	if len(due) == 0 {
		return Stats{}, nil
	}

	loc, err := time.LoadLocation(settings.DefaultTimezone)
	if err != nil {
		loc = time.UTC
	}
	day := guardrail.DayKey(now, loc)

	var stats Stats
	results := make([]dispatchResult, len(due))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(d.Concurrency, 1))
	for i, job := range due {
		g.Go(func() error {
			results[i] = d.dispatchOne(gctx, job, settings, day, now)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stats, err
	}

	for _, res := range results {
		switch res.kind {
		case resultPlaced:
			stats.Claimed++
			stats.Placed++
		case resultDenied:
			stats.Claimed++
			stats.Denied++
		case resultCancelled:
			stats.Claimed++
			stats.Cancelled++
		case resultErrored:
			stats.Claimed++
			stats.Errored++
		}
	}
	return stats, nil
}

type resultKind int

const (
	resultSkipped resultKind = iota
	resultPlaced
	resultDenied
	resultCancelled
	resultErrored
)

type dispatchResult struct {
	kind resultKind
}

// dispatchOne takes a single due job through the full dispatch path.
// Every exit from the dispatching state is an explicit transition; a
// job is never left claimed.
func (d *Dispatcher) dispatchOne(ctx context.Context, job *domain.RecoveryJob, settings domain.Settings, day string, now time.Time) dispatchResult {
	won, err := d.jobs.Transition(ctx, job.ID, domain.JobStateQueued, domain.JobStateDispatching, domain.JobUpdate{})
	if err != nil {
		d.log.Error("Failed to claim job", "jobID", job.ID, "error", err)
		return dispatchResult{kind: resultErrored}
	}
	if !won {
		// Another dispatcher or an admin action got there first.
		return dispatchResult{kind: resultSkipped}
	}

	// Re-validate the cart at dispatch time: a cart that converted or
	// emptied while the job waited must never produce a call.
	status, err := d.carts.Status(ctx, job.CartID)
	if err != nil {
		d.release(ctx, job, now.Add(providerCooldown), "cart status check failed: "+err.Error())
		return dispatchResult{kind: resultErrored}
	}
	if !status.Recoverable() {
		cause := "cart no longer recoverable"
		if _, err := d.jobs.Transition(ctx, job.ID, domain.JobStateDispatching, domain.JobStateCancelled, domain.JobUpdate{
			LastError: &cause,
		}); err != nil {
			d.log.Error("Failed to cancel job for stale cart", "jobID", job.ID, "error", err)
			return dispatchResult{kind: resultErrored}
		}
		metrics.JobsCompleted.WithLabelValues(string(domain.JobStateCancelled)).Inc()
		return dispatchResult{kind: resultCancelled}
	}

	suppressed, err := d.suppressions.IsSuppressed(ctx, job.UserID)
	if err != nil {
		d.release(ctx, job, now.Add(providerCooldown), "suppression check failed: "+err.Error())
		return dispatchResult{kind: resultErrored}
	}

	snapshot, err := d.counters.Snapshot(ctx, day, job.UserID)
	if err != nil {
		d.release(ctx, job, now.Add(providerCooldown), "counter snapshot failed: "+err.Error())
		return dispatchResult{kind: resultErrored}
	}

	decision := guardrail.Evaluate(guardrail.Input{
		Job:        job,
		Suppressed: suppressed,
		Settings:   settings,
		Counters:   snapshot,
		Now:        now,
	})
	if !decision.Allow {
		d.handleDenial(ctx, job, decision.Reason, now)
		return dispatchResult{kind: resultDenied}
	}

	return d.placeCall(ctx, job, settings, snapshot, day, now)
}

// handleDenial routes a guardrail deny to the right state. Transient
// denials return the job to the queue with a cooldown; suppression and
// exhausted attempts are terminal.
func (d *Dispatcher) handleDenial(ctx context.Context, job *domain.RecoveryJob, reason guardrail.DenyReason, now time.Time) {
	metrics.DispatchDenied.WithLabelValues(string(reason)).Inc()
	d.log.Info("Dispatch denied",
		"jobID", job.ID, "userID", job.UserID, "reason", reason)

	switch reason {
	case guardrail.DenySuppressed:
		if _, err := d.jobs.Transition(ctx, job.ID, domain.JobStateDispatching, domain.JobStateSuppressed, domain.JobUpdate{}); err != nil {
			d.log.Error("Failed to suppress job", "jobID", job.ID, "error", err)
		}
		metrics.JobsCompleted.WithLabelValues(string(domain.JobStateSuppressed)).Inc()
	case guardrail.DenyMaxAttempts:
		// Normally the retry scheduler dead-letters exhausted jobs; a
		// queued job that still trips this check must not loop forever.
		// Dead-letter goes through the queued state, the only state
		// both reachable from dispatching and allowed into dead_letter.
		cause := "attempts exhausted before dispatch"
		if _, err := d.jobs.Transition(ctx, job.ID, domain.JobStateDispatching, domain.JobStateQueued, domain.JobUpdate{}); err != nil {
			d.log.Error("Failed to release exhausted job", "jobID", job.ID, "error", err)
			return
		}
		outcome := domain.OutcomeError
		won, err := d.jobs.Transition(ctx, job.ID, domain.JobStateQueued, domain.JobStateDeadLetter, domain.JobUpdate{
			LastOutcome: &outcome,
			LastError:   &cause,
		})
		if err != nil {
			d.log.Error("Failed to dead-letter exhausted job", "jobID", job.ID, "error", err)
			return
		}
		if won {
			metrics.JobsCompleted.WithLabelValues(string(domain.JobStateDeadLetter)).Inc()
			if d.retry.DeadLetterHook != nil {
				d.retry.DeadLetterHook(job)
			}
		}
	default:
		// kill_switch, quiet_hours, caps, budget: the condition can
		// clear, so the job waits without consuming an attempt.
		d.release(ctx, job, now.Add(denyCooldown), string(reason))
	}
}

// placeCall performs the provider call for a claimed job and records
// the result. Counters commit only after the provider accepts.
func (d *Dispatcher) placeCall(ctx context.Context, job *domain.RecoveryJob, settings domain.Settings, snapshot guardrail.CounterSnapshot, day string, now time.Time) dispatchResult {
	attempt := job.AttemptCount + 1
	res, err := d.provider.PlaceCall(ctx, provider.PlacementRequest{
		PhoneNumber:      job.PhoneNumber,
		FromPhoneNumber:  settings.FromPhoneNumber,
		AssistantID:      settings.AssistantID,
		RenderedScript:   job.RenderedScript,
		ScriptVersion:    job.ScriptVersion,
		IdempotencyToken: fmt.Sprintf("%s:%d", job.Key(), attempt),
	})
	if err != nil {
		d.log.Warn("Provider call failed", "jobID", job.ID, "error", err)
		d.release(ctx, job, now.Add(providerCooldown), err.Error())
		return dispatchResult{kind: resultErrored}
	}
	if !res.Accepted {
		d.log.Warn("Provider rejected call", "jobID", job.ID, "reason", res.Reason)
		d.release(ctx, job, now.Add(providerCooldown), "provider rejected: "+res.Reason)
		return dispatchResult{kind: resultErrored}
	}

	won, err := d.jobs.Transition(ctx, job.ID, domain.JobStateDispatching, domain.JobStateInProgress, domain.JobUpdate{
		AttemptCount:   &attempt,
		ProviderCallID: &res.ProviderCallID,
		LastAttemptAt:  &now,
	})
	if err != nil || !won {
		// The call is already in flight; the poller will reconcile the
		// job from the provider's call log.
		d.log.Error("Failed to record placed call",
			"jobID", job.ID, "providerCallID", res.ProviderCallID, "error", err)
	}

	if err := d.counters.Commit(ctx, day, job.UserID, settings.EstimatedCostPerCall); err != nil {
		d.log.Error("Failed to commit call counters", "jobID", job.ID, "error", err)
	}
	metrics.CallsPlaced.Inc()
	metrics.SpendToday.Set(snapshot.SpendUSD + settings.EstimatedCostPerCall)

	d.log.Info("Call placed",
		"jobID", job.ID,
		"userID", job.UserID,
		"attempt", attempt,
		"providerCallID", res.ProviderCallID)
	return dispatchResult{kind: resultPlaced}
}

// release returns a claimed job to the queue without consuming an
// attempt.
func (d *Dispatcher) release(ctx context.Context, job *domain.RecoveryJob, nextEligible time.Time, cause string) {
	if _, err := d.jobs.Transition(ctx, job.ID, domain.JobStateDispatching, domain.JobStateQueued, domain.JobUpdate{
		NextEligibleAt: &nextEligible,
		LastError:      &cause,
	}); err != nil {
		d.log.Error("Failed to release claimed job", "jobID", job.ID, "error", err)
	}
}

// SweepStuck fails jobs whose provider callback never arrived within
// the callback timeout. The compare-and-swap inside the retry scheduler
// guarantees a late callback and the timeout cannot both win.
func (d *Dispatcher) SweepStuck(ctx context.Context, settings domain.Settings, now time.Time) (int, error) {
	cutoff := now.Add(-settings.CallbackTimeout)
	stuck, err := d.jobs.StuckInProgress(ctx, cutoff, dispatchBatchLimit)
	if err != nil {
		return 0, fmt.Errorf("list stuck jobs: %w", err)
	}

	swept := 0
	for _, job := range stuck {
		state, err := d.retry.HandleFailure(ctx, job, domain.OutcomeError, "callback timeout", settings, now)
		if err != nil {
			d.log.Error("Failed to time out stuck job", "jobID", job.ID, "error", err)
			continue
		}
		if state != job.State {
			swept++
			d.log.Warn("Job timed out waiting for callback",
				"jobID", job.ID, "providerCallID", job.ProviderCallID, "newState", state)
		}
	}
	return swept, nil
}
