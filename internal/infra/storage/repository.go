// Package storage defines the repository contracts shared by the
// postgres and memory implementations.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/JaikishoreKC/omnichannel-agentic-commerce/internal/core/domain"
)

// ErrDuplicateActiveJob is returned when a second non-terminal job is
// created for the same recovery key.
var ErrDuplicateActiveJob = errors.New("active job already exists for recovery key")

// StateCounts maps job state to the number of jobs currently in it.
type StateCounts map[domain.JobState]int

// OutcomeWindow aggregates terminal results over a rolling window for
// the failure-ratio alert.
type OutcomeWindow struct {
	Completed    int
	FailedOrDead int
}

// JobRepository is the recovery job store. Transition is the only write
// path for live jobs; it applies compare-and-swap semantics so exactly
// one of two racing transitions wins.
type JobRepository interface {
	// Create inserts a queued job. Returns ErrDuplicateActiveJob when a
	// non-terminal job already exists for the same (user, cart) key.
	Create(ctx context.Context, job *domain.RecoveryJob) error

	GetByID(ctx context.Context, id string) (*domain.RecoveryJob, error)
	GetByProviderCallID(ctx context.Context, providerCallID string) (*domain.RecoveryJob, error)

	// HasActive reports whether a non-terminal job exists for the key.
	HasActive(ctx context.Context, key domain.RecoveryKey) (bool, error)

	// HasSince reports whether any job for the key, terminal or not, was
	// created at or after since. A terminal job closes an abandonment
	// episode; only newer cart activity opens another one.
	HasSince(ctx context.Context, key domain.RecoveryKey, since time.Time) (bool, error)

	// Due returns queued jobs with nextEligibleAt <= now, oldest
	// createdAt first, bounded by limit.
	Due(ctx context.Context, now time.Time, limit int) ([]*domain.RecoveryJob, error)

	// Retryable returns failed_retryable jobs whose backoff has elapsed.
	Retryable(ctx context.Context, now time.Time, limit int) ([]*domain.RecoveryJob, error)

	// StuckInProgress returns in_progress jobs whose last attempt is
	// older than cutoff and which never received a callback.
	StuckInProgress(ctx context.Context, cutoff time.Time, limit int) ([]*domain.RecoveryJob, error)

	// ActiveForUser returns the user's non-terminal jobs.
	ActiveForUser(ctx context.Context, userID string) ([]*domain.RecoveryJob, error)

	// ActiveWithProviderCall returns in_progress jobs holding a provider
	// call id, for the provider poller.
	ActiveWithProviderCall(ctx context.Context, limit int) ([]*domain.RecoveryJob, error)

	// Transition moves a job from one state to another, applying the
	// update atomically with the state change. Returns false when the
	// job was no longer in the expected from-state.
	Transition(ctx context.Context, id string, from, to domain.JobState, update domain.JobUpdate) (bool, error)

	// List returns jobs, newest first, optionally filtered by state.
	List(ctx context.Context, state string, limit int) ([]*domain.RecoveryJob, error)

	CountByState(ctx context.Context) (StateCounts, error)
	OutcomesSince(ctx context.Context, since time.Time) (OutcomeWindow, error)

	// DeleteTerminalBefore prunes terminal jobs updated before cutoff.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// SuppressionRepository is the durable do-not-call set.
type SuppressionRepository interface {
	Upsert(ctx context.Context, entry *domain.SuppressionEntry) error
	Delete(ctx context.Context, userID string) error
	IsSuppressed(ctx context.Context, userID string) (bool, error)
	List(ctx context.Context) ([]*domain.SuppressionEntry, error)
}

// SettingsRepository holds the single runtime settings document.
type SettingsRepository interface {
	Get(ctx context.Context) (domain.Settings, error)
	Put(ctx context.Context, s domain.Settings) error
}

// CartSource is the commerce collaborator. The recovery engine never
// owns cart data; it reads just enough to decide whether to call.
type CartSource interface {
	// AbandonedBefore returns carts with no activity since cutoff that
	// have not converted to an order.
	AbandonedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*domain.AbandonedCart, error)

	// Status re-validates a single cart at dispatch time.
	Status(ctx context.Context, cartID string) (domain.CartStatus, error)
}
