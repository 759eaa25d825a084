// Package alerting derives operational alerts from job store aggregates
// and keeps a bounded ring of notable events for the admin surface.
package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JaikishoreKC/omnichannel-agentic-commerce/internal/core/domain"
	"github.com/JaikishoreKC/omnichannel-agentic-commerce/internal/infra/storage"
	"github.com/JaikishoreKC/omnichannel-agentic-commerce/internal/recovery/metrics"
)

// Thresholds configure when derived alerts raise.
type Thresholds struct {
	// Backlog raises when queued plus failed_retryable jobs exceed this.
	Backlog int `yaml:"backlog"`

	// FailureRatio raises when failed-or-dead outcomes exceed this share
	// of terminal outcomes in the window. 0.3 means 30%.
	FailureRatio float64 `yaml:"failure_ratio"`

	// Window is the rolling window for the failure ratio.
	Window time.Duration `yaml:"window"`
}

// DefaultThresholds returns production defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Backlog:      50,
		FailureRatio: 0.3,
		Window:       time.Hour,
	}
}

const eventRingSize = 256

// Generator recomputes derived alerts each cycle and records one-off
// alert events. Alerts are not persisted: they are a pure function of
// current store state and thresholds.
type Generator struct {
	jobs       storage.JobRepository
	thresholds Thresholds
	log        *slog.Logger

	mu     sync.Mutex
	active []domain.Alert
	events []domain.AlertEvent
}

// NewGenerator creates a new alert generator.
func NewGenerator(jobs storage.JobRepository, thresholds Thresholds, log *slog.Logger) *Generator {
	if thresholds.Window <= 0 {
		thresholds.Window = time.Hour
	}
	return &Generator{
		jobs:       jobs,
		thresholds: thresholds,
		log:        log.With("component", "alerting"),
	}
}

// Evaluate recomputes the active alert set from store aggregates. An
// alert active in the previous cycle clears by simply not recurring.
func (g *Generator) Evaluate(ctx context.Context, now time.Time) ([]domain.Alert, error) {
	counts, err := g.jobs.CountByState(ctx)
	if err != nil {
		return nil, fmt.Errorf("count jobs by state: %w", err)
	}
	window, err := g.jobs.OutcomesSince(ctx, now.Add(-g.thresholds.Window))
	if err != nil {
		return nil, fmt.Errorf("aggregate outcomes: %w", err)
	}

	var alerts []domain.Alert

	backlog := counts[domain.JobStateQueued] + counts[domain.JobStateFailedRetryable]
	metrics.Backlog.Set(float64(backlog))
	if backlog > g.thresholds.Backlog {
		alerts = append(alerts, domain.Alert{
			Kind:          domain.AlertKindBacklog,
			ObservedValue: float64(backlog),
			Threshold:     float64(g.thresholds.Backlog),
			RaisedAt:      now,
		})
	}

	// A window with no terminal outcomes has no ratio and never alerts.
	if total := window.Completed + window.FailedOrDead; total > 0 {
		ratio := float64(window.FailedOrDead) / float64(total)
		metrics.FailureRatio.Set(ratio)
		if ratio > g.thresholds.FailureRatio {
			alerts = append(alerts, domain.Alert{
				Kind:          domain.AlertKindFailureRatio,
				ObservedValue: ratio,
				Threshold:     g.thresholds.FailureRatio,
				RaisedAt:      now,
			})
		}
	}

	g.mu.Lock()
	previous := len(g.active)
	g.active = alerts
	g.mu.Unlock()

	if len(alerts) > 0 && previous == 0 {
		for _, a := range alerts {
			g.log.Warn("Alert raised",
				"kind", a.Kind, "observed", a.ObservedValue, "threshold", a.Threshold)
		}
	}
	return alerts, nil
}

// Active returns the alerts from the most recent evaluation.
func (g *Generator) Active() []domain.Alert {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]domain.Alert, len(g.active))
	copy(out, g.active)
	return out
}

// Record appends a one-off alert event to the bounded ring.
func (g *Generator) Record(code, message string, severity domain.AlertSeverity, details map[string]string) {
	event := domain.AlertEvent{
		ID:         uuid.NewString(),
		Code:       code,
		Message:    message,
		Severity:   severity,
		Details:    details,
		RecordedAt: time.Now().UTC(),
	}

	g.mu.Lock()
	g.events = append(g.events, event)
	if len(g.events) > eventRingSize {
		g.events = g.events[len(g.events)-eventRingSize:]
	}
	g.mu.Unlock()

	g.log.Warn("Alert event recorded", "code", code, "message", message, "severity", severity)
}

// RecordDeadLetter is the retry scheduler's dead-letter hook.
func (g *Generator) RecordDeadLetter(job *domain.RecoveryJob) {
	g.Record(domain.AlertCodeDeadLetter,
		fmt.Sprintf("recovery job for cart %s exhausted all attempts", job.CartID),
		domain.SeverityWarning,
		map[string]string{
			"jobId":  job.ID,
			"userId": job.UserID,
			"cartId": job.CartID,
		})
}

// Events returns the most recent events, newest first, up to limit.
func (g *Generator) Events(limit int) []domain.AlertEvent {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := len(g.events)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]domain.AlertEvent, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, g.events[i])
	}
	return out
}
