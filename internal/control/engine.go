// Package control wires the recovery components together and drives the
// periodic processing cycle.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JaikishoreKC/omnichannel-agentic-commerce/internal/core/config"
	"github.com/JaikishoreKC/omnichannel-agentic-commerce/internal/core/domain"
	"github.com/JaikishoreKC/omnichannel-agentic-commerce/internal/infra/provider"
	redisclient "github.com/JaikishoreKC/omnichannel-agentic-commerce/internal/infra/redis"
	"github.com/JaikishoreKC/omnichannel-agentic-commerce/internal/infra/storage"
	"github.com/JaikishoreKC/omnichannel-agentic-commerce/internal/infra/storage/memory"
	"github.com/JaikishoreKC/omnichannel-agentic-commerce/internal/infra/storage/postgres"
	"github.com/JaikishoreKC/omnichannel-agentic-commerce/internal/recovery/alerting"
	"github.com/JaikishoreKC/omnichannel-agentic-commerce/internal/recovery/callback"
	"github.com/JaikishoreKC/omnichannel-agentic-commerce/internal/recovery/dispatcher"
	"github.com/JaikishoreKC/omnichannel-agentic-commerce/internal/recovery/guardrail"
	"github.com/JaikishoreKC/omnichannel-agentic-commerce/internal/recovery/metrics"
	"github.com/JaikishoreKC/omnichannel-agentic-commerce/internal/recovery/retry"
	"github.com/JaikishoreKC/omnichannel-agentic-commerce/internal/recovery/scanner"
)

// ErrCycleInFlight is returned when a processing cycle is requested
// while another one is still running.
var ErrCycleInFlight = errors.New("processing cycle already in flight")

const pollBatchLimit = 100

// Config holds the engine configuration.
type Config struct {
	Engine   config.EngineConfig
	Provider provider.Config
	Alerts   alerting.Thresholds
	Redis    redisclient.Config
	Database postgres.Config

	// CartSource overrides the store-backed cart source. Required in
	// memory mode, where no commerce tables exist.
	CartSource storage.CartSource

	// CallClient overrides the HTTP provider client, for tests.
	CallClient provider.CallClient
}

// CycleSummary reports what one processing cycle did.
type CycleSummary struct {
	Enqueued  int              `json:"enqueued"`
	Promoted  int              `json:"promoted"`
	Dispatch  dispatcher.Stats `json:"dispatch"`
	Swept     int              `json:"swept"`
	Polled    int              `json:"polled"`
	Alerts    int              `json:"alerts"`
	StartedAt time.Time        `json:"startedAt"`
	Duration  time.Duration    `json:"duration"`
}

// Engine owns every recovery component and runs the processing cycle on
// a ticker. One cycle at a time: a forced run and the ticker share the
// same reentrancy guard.
type Engine struct {
	cfg Config

	jobs         storage.JobRepository
	suppressions storage.SuppressionRepository
	settings     storage.SettingsRepository
	carts        storage.CartSource
	counters     guardrail.CounterStore

	scanner    *scanner.Scanner
	dispatcher *dispatcher.Dispatcher
	retry      *retry.Scheduler
	ingestor   *callback.Ingestor
	alerts     *alerting.Generator
	provider   provider.CallClient

	db            *postgres.DB
	redisCounters *redisclient.Counters
	log           *slog.Logger

	running        atomic.Bool
	cycling        atomic.Bool
	killSwitchSeen atomic.Bool
	stop           chan struct{}
	stopOnce       sync.Once
}

// NewEngine creates an engine with all dependencies initialized.
func NewEngine(cfg Config, log *slog.Logger) (*Engine, error) {
	if log == nil {
		log = slog.Default()
	}

	// 1. Storage: postgres when configured, in-process memory otherwise.
	var (
		jobs         storage.JobRepository
		suppressions storage.SuppressionRepository
		settings     storage.SettingsRepository
		carts        storage.CartSource
		db           *postgres.DB
	)
	if cfg.Database.URL != "" {
		var err error
		db, err = postgres.NewDB(context.Background(), cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		if err := db.Migrate(cfg.Engine.MigrationsDir); err != nil {
			return nil, err
		}
		jobs = postgres.NewJobRepo(db)
		suppressions = postgres.NewSuppressionRepo(db)
		settings = postgres.NewSettingsRepo(db)
		carts = postgres.NewCartRepo(db)
		log.Info("Using PostgreSQL storage")
	} else {
		store := memory.NewMemoryStorage()
		jobs = memory.NewJobRepo(store)
		suppressions = memory.NewSuppressionRepo(store)
		settings = memory.NewSettingsRepo(store)
		carts = memory.NewCartRepo(store)
		log.Info("Using Memory storage")
	}
	if cfg.CartSource != nil {
		carts = cfg.CartSource
	}

	// 2. Daily counters: redis when configured, mutex-guarded memory
	// otherwise.
	var (
		counters      guardrail.CounterStore
		redisCounters *redisclient.Counters
	)
	if cfg.Redis.URL != "" {
		var err error
		redisCounters, err = redisclient.NewCounters(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to init redis counters: %w", err)
		}
		counters = redisCounters
		log.Info("Using Redis counters")
	} else {
		counters = guardrail.NewMemoryCounters()
		log.Info("Using Memory counters")
	}

	// 3. Provider client.
	callClient := cfg.CallClient
	if callClient == nil {
		callClient = provider.NewClient(cfg.Provider)
	}

	// 4. Recovery components.
	retrySched := retry.NewScheduler(jobs, log)
	alerts := alerting.NewGenerator(jobs, cfg.Alerts, log)
	retrySched.DeadLetterHook = alerts.RecordDeadLetter

	disp := dispatcher.NewDispatcher(jobs, carts, suppressions, counters, callClient, retrySched, log)
	if cfg.Engine.DispatchConcurrency > 0 {
		disp.Concurrency = cfg.Engine.DispatchConcurrency
	}

	return &Engine{
		cfg:           cfg,
		jobs:          jobs,
		suppressions:  suppressions,
		settings:      settings,
		carts:         carts,
		counters:      counters,
		scanner:       scanner.NewScanner(carts, jobs, suppressions, log),
		dispatcher:    disp,
		retry:         retrySched,
		ingestor:      callback.NewIngestor(jobs, suppressions, retrySched, log),
		alerts:        alerts,
		provider:      callClient,
		db:            db,
		redisCounters: redisCounters,
		log:           log.With("component", "engine"),
		stop:          make(chan struct{}),
	}, nil
}

// Jobs exposes the job repository for the admin surface.
func (e *Engine) Jobs() storage.JobRepository { return e.jobs }

// Suppressions exposes the suppression repository for the admin surface.
func (e *Engine) Suppressions() storage.SuppressionRepository { return e.suppressions }

// Settings exposes the settings repository for the admin surface.
func (e *Engine) Settings() storage.SettingsRepository { return e.settings }

// Alerts exposes the alert generator for the admin surface.
func (e *Engine) Alerts() *alerting.Generator { return e.alerts }

// Ingestor exposes the callback ingestor for the webhook handler.
func (e *Engine) Ingestor() *callback.Ingestor { return e.ingestor }

// CountersToday reads today's global guardrail counters in the reference
// timezone, for the stats endpoint. The day key is returned alongside so
// callers can label the bucket.
func (e *Engine) CountersToday(ctx context.Context) (guardrail.CounterSnapshot, string, error) {
	settings, err := e.settings.Get(ctx)
	if err != nil {
		return guardrail.CounterSnapshot{}, "", err
	}
	loc, err := time.LoadLocation(settings.DefaultTimezone)
	if err != nil {
		loc = time.UTC
	}
	day := guardrail.DayKey(time.Now(), loc)
	snap, err := e.counters.Snapshot(ctx, day, "")
	return snap, day, err
}

// Health reports dependency health for the health endpoint.
func (e *Engine) Health(ctx context.Context) error {
	if e.db != nil {
		return e.db.Health(ctx)
	}
	return nil
}

// Start begins the processing loop.
func (e *Engine) Start(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return fmt.Errorf("engine already running")
	}
	defer e.running.Store(false)

	if e.db != nil {
		e.db.StartMetricsCollector(ctx)
	}
	if e.cfg.Engine.RetentionPeriod > 0 {
		go e.runPruner(ctx)
	}

	ticker := time.NewTicker(e.cfg.Engine.ScanInterval)
	defer ticker.Stop()

	e.log.Info("Engine started", "scanInterval", e.cfg.Engine.ScanInterval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.stop:
			return nil
		case <-ticker.C:
			if _, err := e.RunCycle(ctx); err != nil && !errors.Is(err, ErrCycleInFlight) {
				e.log.Error("Processing cycle failed", "error", err)
			}
		}
	}
}

// Stop stops the engine and closes its connections. Safe to call more
// than once and regardless of whether Start is running.
func (e *Engine) Stop() error {
	e.stopOnce.Do(func() { close(e.stop) })
	if e.redisCounters != nil {
		if err := e.redisCounters.Close(); err != nil {
			e.log.Warn("Failed to close Redis", "error", err)
		}
	}
	if e.db != nil {
		return e.db.Close()
	}
	return nil
}

// RunCycle executes one full processing cycle: scan, promote retries,
// dispatch, sweep stuck calls, poll the provider and re-derive alerts.
// Returns ErrCycleInFlight when another cycle holds the guard; forced
// admin runs and the ticker go through this same gate.
func (e *Engine) RunCycle(ctx context.Context) (CycleSummary, error) {
	if !e.cycling.CompareAndSwap(false, true) {
		return CycleSummary{}, ErrCycleInFlight
	}
	defer e.cycling.Store(false)

	start := time.Now()
	summary := CycleSummary{StartedAt: start.UTC()}

	settings, err := e.settings.Get(ctx)
	if err != nil {
		return summary, fmt.Errorf("load settings: %w", err)
	}

	e.noteKillSwitch(ctx, settings)

	if settings.Enabled {
		if summary.Enqueued, err = e.scanner.Scan(ctx, settings, start); err != nil {
			e.log.Error("Scan failed", "error", err)
		}
		if summary.Promoted, err = e.retry.PromoteDue(ctx, start, pollBatchLimit); err != nil {
			e.log.Error("Retry promotion failed", "error", err)
		}
		if summary.Dispatch, err = e.dispatcher.DispatchDue(ctx, settings, start); err != nil {
			e.log.Error("Dispatch failed", "error", err)
		}
	}

	// Timeout sweeps and provider polling run even when scanning is
	// disabled: calls already in flight still need to resolve.
	if summary.Swept, err = e.dispatcher.SweepStuck(ctx, settings, start); err != nil {
		e.log.Error("Stuck sweep failed", "error", err)
	}
	if summary.Polled, err = e.pollProvider(ctx, settings, start); err != nil {
		e.log.Error("Provider poll failed", "error", err)
	}

	alerts, err := e.alerts.Evaluate(ctx, start)
	if err != nil {
		e.log.Error("Alert evaluation failed", "error", err)
	}
	summary.Alerts = len(alerts)

	summary.Duration = time.Since(start)
	metrics.CycleDuration.Observe(summary.Duration.Seconds())
	e.log.Debug("Cycle complete",
		"enqueued", summary.Enqueued,
		"promoted", summary.Promoted,
		"placed", summary.Dispatch.Placed,
		"swept", summary.Swept,
		"polled", summary.Polled,
		"duration", summary.Duration)
	return summary, nil
}

// noteKillSwitch records one alert event on each rising edge of the
// kill switch and asks the provider to tear down in-flight calls. The
// jobs themselves stay in_progress; their outcomes arrive through the
// callback, the poller or the stuck sweep.
func (e *Engine) noteKillSwitch(ctx context.Context, settings domain.Settings) {
	if settings.KillSwitch && e.killSwitchSeen.CompareAndSwap(false, true) {
		e.alerts.Record(domain.AlertCodeKillSwitchActive,
			"kill switch is active; no calls will be placed",
			domain.SeverityCritical, nil)
		e.cancelInFlight(ctx)
	}
	if !settings.KillSwitch {
		e.killSwitchSeen.Store(false)
	}
}

// cancelInFlight is best effort: the provider may not honor a cancel,
// and a failed cancel is only logged.
func (e *Engine) cancelInFlight(ctx context.Context) {
	jobs, err := e.jobs.ActiveWithProviderCall(ctx, pollBatchLimit)
	if err != nil {
		e.log.Error("Failed to list in-flight calls for cancel", "error", err)
		return
	}
	for _, job := range jobs {
		if err := e.provider.CancelCall(ctx, job.ProviderCallID); err != nil {
			e.log.Warn("Failed to cancel in-flight call", "jobID", job.ID, "callID", job.ProviderCallID, "error", err)
		}
	}
}

// pollProvider reconciles in_progress jobs against the provider's call
// log, catching outcomes whose webhooks were lost.
func (e *Engine) pollProvider(ctx context.Context, settings domain.Settings, now time.Time) (int, error) {
	jobs, err := e.jobs.ActiveWithProviderCall(ctx, pollBatchLimit)
	if err != nil {
		return 0, fmt.Errorf("list in-progress jobs: %w", err)
	}

	polled := 0
	for _, job := range jobs {
		entry, err := e.provider.FetchCallLog(ctx, job.ProviderCallID)
		if err != nil {
			e.alerts.Record(domain.AlertCodePollFailed,
				fmt.Sprintf("provider poll failed for call %s", job.ProviderCallID),
				domain.SeverityWarning,
				map[string]string{"jobId": job.ID, "error": err.Error()})
			continue
		}
		if entry == nil || !terminalCallStatus(entry.Status) {
			continue
		}

		result, err := e.ingestor.Ingest(ctx, callback.Event{
			ProviderCallID: job.ProviderCallID,
			Status:         entry.Status,
			Outcome:        entry.Outcome,
		}, settings, now)
		if err != nil {
			e.log.Error("Failed to apply polled outcome", "jobID", job.ID, "error", err)
			continue
		}
		if result == callback.ResultApplied {
			polled++
		}
	}
	return polled, nil
}

// terminalCallStatus reports whether a provider status means the call
// is over. In-flight statuses wait for the webhook or the next poll.
func terminalCallStatus(status string) bool {
	switch status {
	case "completed", "success", "failed", "no_answer", "no-answer", "busy", "canceled", "cancelled", "error":
		return true
	}
	return false
}

// runPruner periodically deletes terminal jobs older than the retention
// period.
func (e *Engine) runPruner(ctx context.Context) {
	interval := min(e.cfg.Engine.RetentionPeriod/10, time.Hour)
	interval = max(interval, time.Minute)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.prune(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		case <-ticker.C:
			e.prune(ctx)
		}
	}
}

func (e *Engine) prune(ctx context.Context) {
	cutoff := time.Now().Add(-e.cfg.Engine.RetentionPeriod)
	deleted, err := e.jobs.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		e.log.Error("Failed to prune terminal jobs", "error", err)
		return
	}
	if deleted > 0 {
		e.log.Info("Pruned terminal jobs", "deleted", deleted, "cutoff", cutoff)
	}
}
