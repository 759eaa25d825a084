// Package scanner finds abandoned carts and turns them into queued
// recovery jobs.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/JaikishoreKC/omnichannel-agentic-commerce/internal/core/domain"
	"github.com/JaikishoreKC/omnichannel-agentic-commerce/internal/infra/storage"
	"github.com/JaikishoreKC/omnichannel-agentic-commerce/internal/recovery/metrics"
)

// scanBatchLimit caps how many candidate carts one cycle pulls from
// the source.
const scanBatchLimit = 500

// Scanner enqueues recovery jobs for carts idle past the abandonment
// threshold.
type Scanner struct {
	carts        storage.CartSource
	jobs         storage.JobRepository
	suppressions storage.SuppressionRepository
	log          *slog.Logger
}

// NewScanner creates a new scanner.
func NewScanner(carts storage.CartSource, jobs storage.JobRepository, suppressions storage.SuppressionRepository, log *slog.Logger) *Scanner {
	return &Scanner{
		carts:        carts,
		jobs:         jobs,
		suppressions: suppressions,
		log:          log.With("component", "scanner"),
	}
}

// Scan finds carts whose last activity is older than the configured
// threshold and creates one queued job per (user, cart) that has no
// active job yet. Returns the number of jobs enqueued.
func (s *Scanner) Scan(ctx context.Context, settings domain.Settings, now time.Time) (int, error) {
	cutoff := now.Add(-settings.AbandonmentThreshold)

	carts, err := s.carts.AbandonedBefore(ctx, cutoff, scanBatchLimit)
	if err != nil {
		return 0, fmt.Errorf("list abandoned carts: %w", err)
	}

	enqueued := 0
	for _, cart := range carts {
		if err := ctx.Err(); err != nil {
			return enqueued, err
		}
		ok, err := s.enqueue(ctx, cart, settings, now)
		if err != nil {
			s.log.Error("Failed to enqueue recovery job",
				"user_id", cart.UserID,
				"cart_id", cart.CartID,
				"error", err)
			continue
		}
		if ok {
			enqueued++
		}
	}

	if enqueued > 0 {
		s.log.Info("Scan cycle enqueued recovery jobs",
			"candidates", len(carts),
			"enqueued", enqueued)
	}
	return enqueued, nil
}

// enqueue creates a job for one cart unless the user is suppressed, an
// active job already covers the (user, cart) pair, or a prior job
// already handled this abandonment episode. A terminal job closes the
// episode for good; only cart activity newer than that job opens a new
// one. The duplicate check races with concurrent scans; the store's
// uniqueness guarantee is the backstop and a duplicate error is treated
// as a benign skip.
func (s *Scanner) enqueue(ctx context.Context, cart *domain.AbandonedCart, settings domain.Settings, now time.Time) (bool, error) {
	suppressed, err := s.suppressions.IsSuppressed(ctx, cart.UserID)
	if err != nil {
		return false, fmt.Errorf("check suppression: %w", err)
	}
	if suppressed {
		return false, nil
	}

	key := domain.RecoveryKey{UserID: cart.UserID, CartID: cart.CartID}
	active, err := s.jobs.HasActive(ctx, key)
	if err != nil {
		return false, fmt.Errorf("check active job: %w", err)
	}
	if active {
		return false, nil
	}

	covered, err := s.jobs.HasSince(ctx, key, cart.LastActivityAt)
	if err != nil {
		return false, fmt.Errorf("check episode coverage: %w", err)
	}
	if covered {
		return false, nil
	}

	job := &domain.RecoveryJob{
		ID:             uuid.NewString(),
		UserID:         cart.UserID,
		CartID:         cart.CartID,
		State:          domain.JobStateQueued,
		PhoneNumber:    cart.PhoneNumber,
		Timezone:       cart.Timezone,
		ScriptVersion:  settings.ScriptVersion,
		RenderedScript: RenderScript(settings.ScriptVersion, *cart),
		NextEligibleAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.jobs.Create(ctx, job); err != nil {
		if errors.Is(err, storage.ErrDuplicateActiveJob) {
			return false, nil
		}
		return false, fmt.Errorf("create job: %w", err)
	}

	metrics.JobsEnqueued.Inc()
	return true, nil
}

// RenderScript freezes the call script for a cart at enqueue time so
// later template changes never alter an already-queued job.
func RenderScript(version string, cart domain.AbandonedCart) string {
	item := cart.TopItemName
	if item == "" {
		item = "your items"
	}
	if cart.ItemCount > 1 {
		return fmt.Sprintf(
			"Hi! You left %s and %d other items in your cart, worth $%.2f in total. Would you like help completing your order?",
			item, cart.ItemCount-1, cart.TotalUSD)
	}
	return fmt.Sprintf(
		"Hi! You left %s in your cart, worth $%.2f. Would you like help completing your order?",
		item, cart.TotalUSD)
}
