package callback

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/JaikishoreKC/omnichannel-agentic-commerce/internal/core/domain"
	"github.com/JaikishoreKC/omnichannel-agentic-commerce/internal/infra/storage"
	"github.com/JaikishoreKC/omnichannel-agentic-commerce/internal/recovery/metrics"
	"github.com/JaikishoreKC/omnichannel-agentic-commerce/internal/recovery/retry"
)

// Event is a verified provider callback, parsed from the webhook body.
type Event struct {
	ProviderCallID string `json:"call_id"`
	Status         string `json:"status"`
	Outcome        string `json:"outcome"`
	DurationSec    int    `json:"duration_seconds"`
	Transcript     string `json:"transcript"`
}

// IngestResult classifies how an event was applied.
type IngestResult string

const (
	ResultApplied   IngestResult = "applied"
	ResultDuplicate IngestResult = "duplicate"
	ResultUnknown   IngestResult = "unknown_call"
)

// Ingestor applies callback events to recovery jobs. All paths are
// idempotent: replays and unknown call ids are acknowledged no-ops.
type Ingestor struct {
	jobs         storage.JobRepository
	suppressions storage.SuppressionRepository
	retry        *retry.Scheduler
	log          *slog.Logger
}

// NewIngestor creates a new callback ingestor.
func NewIngestor(jobs storage.JobRepository, suppressions storage.SuppressionRepository, retrySched *retry.Scheduler, log *slog.Logger) *Ingestor {
	return &Ingestor{
		jobs:         jobs,
		suppressions: suppressions,
		retry:        retrySched,
		log:          log.With("component", "callback"),
	}
}

// Ingest resolves the event's call id to a job and applies the outcome.
// Races with the timeout sweep resolve via compare-and-swap on the job
// state: whichever transition lands first wins and the loser no-ops.
func (i *Ingestor) Ingest(ctx context.Context, ev Event, settings domain.Settings, now time.Time) (IngestResult, error) {
	job, err := i.jobs.GetByProviderCallID(ctx, ev.ProviderCallID)
	if err != nil {
		return "", fmt.Errorf("lookup call %s: %w", ev.ProviderCallID, err)
	}
	if job == nil {
		metrics.CallbacksReceived.WithLabelValues(string(ResultUnknown)).Inc()
		i.log.Warn("Callback for unknown call", "providerCallID", ev.ProviderCallID)
		return ResultUnknown, nil
	}
	if job.State != domain.JobStateInProgress {
		// Replay, or the timeout sweep got there first.
		metrics.CallbacksReceived.WithLabelValues(string(ResultDuplicate)).Inc()
		return ResultDuplicate, nil
	}

	outcome := domain.ParseOutcome(ev.Status, ev.Outcome)
	result, err := i.apply(ctx, job, outcome, ev, settings, now)
	if err != nil {
		return "", err
	}
	metrics.CallbacksReceived.WithLabelValues(string(result)).Inc()
	return result, nil
}

func (i *Ingestor) apply(ctx context.Context, job *domain.RecoveryJob, outcome domain.CallOutcome, ev Event, settings domain.Settings, now time.Time) (IngestResult, error) {
	switch outcome {
	case domain.OutcomeSuccess:
		won, err := i.jobs.Transition(ctx, job.ID, domain.JobStateInProgress, domain.JobStateCompleted, domain.JobUpdate{
			LastOutcome: &outcome,
		})
		if err != nil {
			return "", fmt.Errorf("complete job %s: %w", job.ID, err)
		}
		if !won {
			return ResultDuplicate, nil
		}
		metrics.JobsCompleted.WithLabelValues(string(domain.JobStateCompleted)).Inc()
		i.log.Info("Recovery call completed",
			"jobID", job.ID, "userID", job.UserID, "durationSec", ev.DurationSec)
		return ResultApplied, nil

	case domain.OutcomeOptOut:
		return i.applyOptOut(ctx, job, outcome, now)

	default:
		// no_answer, busy, error: schedule a retry or dead-letter.
		state, err := i.retry.HandleFailure(ctx, job, outcome, "call "+string(outcome), settings, now)
		if err != nil {
			return "", err
		}
		if state == job.State {
			return ResultDuplicate, nil
		}
		return ResultApplied, nil
	}
}

// applyOptOut completes the job and suppresses the user. Any of the
// user's other active jobs are parked in the suppressed state so no
// further call can reach them.
func (i *Ingestor) applyOptOut(ctx context.Context, job *domain.RecoveryJob, outcome domain.CallOutcome, now time.Time) (IngestResult, error) {
	won, err := i.jobs.Transition(ctx, job.ID, domain.JobStateInProgress, domain.JobStateCompleted, domain.JobUpdate{
		LastOutcome: &outcome,
	})
	if err != nil {
		return "", fmt.Errorf("complete opted-out job %s: %w", job.ID, err)
	}
	if !won {
		return ResultDuplicate, nil
	}
	metrics.JobsCompleted.WithLabelValues(string(domain.JobStateCompleted)).Inc()

	if err := i.suppressions.Upsert(ctx, &domain.SuppressionEntry{
		UserID:    job.UserID,
		Reason:    domain.SuppressionReasonOptOut,
		CreatedAt: now,
	}); err != nil {
		return "", fmt.Errorf("suppress user %s: %w", job.UserID, err)
	}

	others, err := i.jobs.ActiveForUser(ctx, job.UserID)
	if err != nil {
		return "", fmt.Errorf("list active jobs for %s: %w", job.UserID, err)
	}
	for _, other := range others {
		if other.ID == job.ID {
			continue
		}
		if _, err := i.jobs.Transition(ctx, other.ID, other.State, domain.JobStateSuppressed, domain.JobUpdate{}); err != nil {
			i.log.Error("Failed to suppress active job after opt-out",
				"jobID", other.ID, "userID", job.UserID, "error", err)
		}
	}

	i.log.Info("User opted out of recovery calls",
		"jobID", job.ID, "userID", job.UserID, "suppressedJobs", len(others))
	return ResultApplied, nil
}
