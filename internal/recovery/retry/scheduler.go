// Package retry schedules re-dispatch of failed recovery jobs and
// promotes exhausted ones to the dead-letter state.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/JaikishoreKC/omnichannel-agentic-commerce/internal/core/domain"
	"github.com/JaikishoreKC/omnichannel-agentic-commerce/internal/infra/storage"
	"github.com/JaikishoreKC/omnichannel-agentic-commerce/internal/recovery/metrics"
)

// Scheduler applies the backoff schedule to failed jobs. Dead-lettering
// here is a designed terminal path, never an exception.
type Scheduler struct {
	jobs storage.JobRepository
	log  *slog.Logger

	// DeadLetterHook, when set, observes every job this scheduler
	// moves to dead_letter.
	DeadLetterHook func(job *domain.RecoveryJob)
}

// NewScheduler creates a new retry scheduler.
func NewScheduler(jobs storage.JobRepository, log *slog.Logger) *Scheduler {
	return &Scheduler{jobs: jobs, log: log}
}

// Delay returns the backoff delay before the next attempt, given the
// number of attempts already consumed (1-based). Attempts beyond the
// schedule reuse its last entry.
func Delay(schedule []time.Duration, attemptCount int) time.Duration {
	if len(schedule) == 0 {
		return time.Minute
	}
	idx := attemptCount - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(schedule) {
		idx = len(schedule) - 1
	}
	return schedule[idx]
}

// HandleFailure records a failed attempt for an in-progress job: either
// schedules a retry or dead-letters the job when attempts are
// exhausted. Returns the state the job ended in. A false CAS means a
// racing transition (callback vs timeout) already moved the job; the
// caller's failure becomes a no-op.
func (s *Scheduler) HandleFailure(
	ctx context.Context,
	job *domain.RecoveryJob,
	outcome domain.CallOutcome,
	cause string,
	settings domain.Settings,
	now time.Time,
) (domain.JobState, error) {
	if job.AttemptCount >= settings.MaxAttemptsPerCart {
		won, err := s.jobs.Transition(ctx, job.ID, job.State, domain.JobStateDeadLetter, domain.JobUpdate{
			LastOutcome: &outcome,
			LastError:   &cause,
		})
		if err != nil {
			return job.State, fmt.Errorf("failed to dead-letter job %s: %w", job.ID, err)
		}
		if !won {
			return job.State, nil
		}
		metrics.JobsCompleted.WithLabelValues(string(domain.JobStateDeadLetter)).Inc()
		s.log.Warn("Job dead-lettered",
			"jobID", job.ID, "userID", job.UserID, "attempts", job.AttemptCount, "outcome", outcome)
		if s.DeadLetterHook != nil {
			s.DeadLetterHook(job)
		}
		return domain.JobStateDeadLetter, nil
	}

	nextEligible := now.Add(Delay(settings.BackoffSchedule, job.AttemptCount))
	won, err := s.jobs.Transition(ctx, job.ID, job.State, domain.JobStateFailedRetryable, domain.JobUpdate{
		NextEligibleAt: &nextEligible,
		LastOutcome:    &outcome,
		LastError:      &cause,
	})
	if err != nil {
		return job.State, fmt.Errorf("failed to schedule retry for job %s: %w", job.ID, err)
	}
	if !won {
		return job.State, nil
	}
	s.log.Info("Job scheduled for retry",
		"jobID", job.ID, "attempt", job.AttemptCount, "nextEligibleAt", nextEligible)
	return domain.JobStateFailedRetryable, nil
}

// PromoteDue re-queues failed_retryable jobs whose backoff has elapsed.
func (s *Scheduler) PromoteDue(ctx context.Context, now time.Time, limit int) (int, error) {
	jobs, err := s.jobs.Retryable(ctx, now, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list retryable jobs: %w", err)
	}

	promoted := 0
	for _, job := range jobs {
		won, err := s.jobs.Transition(ctx, job.ID, domain.JobStateFailedRetryable, domain.JobStateQueued, domain.JobUpdate{})
		if err != nil {
			s.log.Error("Failed to promote retryable job", "jobID", job.ID, "error", err)
			continue
		}
		if won {
			promoted++
		}
	}
	return promoted, nil
}
