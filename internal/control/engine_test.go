package control

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/JaikishoreKC/omnichannel-agentic-commerce/internal/core/config"
	"github.com/JaikishoreKC/omnichannel-agentic-commerce/internal/core/domain"
	"github.com/JaikishoreKC/omnichannel-agentic-commerce/internal/infra/provider"
	"github.com/JaikishoreKC/omnichannel-agentic-commerce/internal/infra/storage/memory"
	"github.com/JaikishoreKC/omnichannel-agentic-commerce/internal/recovery/alerting"
)

type stubCallClient struct {
	placed    int
	cancelled []string
	logs      map[string]*provider.CallLogEntry
}

func (c *stubCallClient) PlaceCall(ctx context.Context, req provider.PlacementRequest) (*provider.PlacementResult, error) {
	c.placed++
	return &provider.PlacementResult{Accepted: true, ProviderCallID: "call_stub"}, nil
}

func (c *stubCallClient) FetchCallLog(ctx context.Context, providerCallID string) (*provider.CallLogEntry, error) {
	if entry, ok := c.logs[providerCallID]; ok {
		return entry, nil
	}
	return nil, nil
}

func (c *stubCallClient) CancelCall(ctx context.Context, providerCallID string) error {
	c.cancelled = append(c.cancelled, providerCallID)
	return nil
}

func newTestEngine(t *testing.T) (*Engine, *memory.CartRepo, *stubCallClient) {
	t.Helper()
	store := memory.NewMemoryStorage()
	carts := memory.NewCartRepo(store)
	client := &stubCallClient{logs: make(map[string]*provider.CallLogEntry)}

	engine, err := NewEngine(Config{
		Engine: config.EngineConfig{
			ScanInterval:        50 * time.Millisecond,
			DispatchConcurrency: 1,
		},
		Alerts:     alerting.DefaultThresholds(),
		CartSource: carts,
		CallClient: client,
	}, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return engine, carts, client
}

func enableCalling(t *testing.T, e *Engine) domain.Settings {
	t.Helper()
	settings := domain.DefaultSettings()
	settings.Enabled = true
	settings.QuietHoursStart = 0
	settings.QuietHoursEnd = 0
	if err := e.Settings().Put(context.Background(), settings); err != nil {
		t.Fatalf("Put settings: %v", err)
	}
	return settings
}

func TestRunCycle_EndToEnd(t *testing.T) {
	engine, carts, client := newTestEngine(t)
	enableCalling(t, engine)

	carts.SeedCart(&domain.AbandonedCart{
		CartID:         "c1",
		UserID:         "u1",
		PhoneNumber:    "+15550001111",
		ItemCount:      1,
		TotalUSD:       42,
		TopItemName:    "sneakers",
		LastActivityAt: time.Now().Add(-time.Hour),
	})

	summary, err := engine.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if summary.Enqueued != 1 {
		t.Errorf("enqueued = %d, want 1", summary.Enqueued)
	}
	if summary.Dispatch.Placed != 1 {
		t.Errorf("placed = %d, want 1", summary.Dispatch.Placed)
	}
	if client.placed != 1 {
		t.Errorf("provider calls = %d, want 1", client.placed)
	}
}

func TestRunCycle_DisabledPlacesNoCalls(t *testing.T) {
	engine, carts, client := newTestEngine(t)
	// Default settings: disabled.

	carts.SeedCart(&domain.AbandonedCart{
		CartID:         "c1",
		UserID:         "u1",
		PhoneNumber:    "+15550001111",
		ItemCount:      1,
		TotalUSD:       42,
		TopItemName:    "sneakers",
		LastActivityAt: time.Now().Add(-time.Hour),
	})

	summary, err := engine.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if summary.Enqueued != 0 || summary.Dispatch.Placed != 0 || client.placed != 0 {
		t.Errorf("disabled engine did work: %+v", summary)
	}
}

func TestRunCycle_Reentrancy(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	enableCalling(t, engine)

	engine.cycling.Store(true)
	defer engine.cycling.Store(false)

	if _, err := engine.RunCycle(context.Background()); !errors.Is(err, ErrCycleInFlight) {
		t.Errorf("expected ErrCycleInFlight, got %v", err)
	}
}

func TestRunCycle_PollRecoversLostWebhook(t *testing.T) {
	engine, carts, client := newTestEngine(t)
	enableCalling(t, engine)

	carts.SeedCart(&domain.AbandonedCart{
		CartID:         "c1",
		UserID:         "u1",
		PhoneNumber:    "+15550001111",
		ItemCount:      1,
		TotalUSD:       42,
		TopItemName:    "sneakers",
		LastActivityAt: time.Now().Add(-time.Hour),
	})

	// First cycle places the call; its webhook never arrives.
	if _, err := engine.RunCycle(context.Background()); err != nil {
		t.Fatalf("first RunCycle: %v", err)
	}
	client.logs["call_stub"] = &provider.CallLogEntry{
		CallID:  "call_stub",
		Status:  "completed",
		Outcome: "recovered",
	}

	summary, err := engine.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("second RunCycle: %v", err)
	}
	if summary.Polled != 1 {
		t.Errorf("polled = %d, want 1", summary.Polled)
	}

	job, err := engine.Jobs().GetByProviderCallID(context.Background(), "call_stub")
	if err != nil {
		t.Fatalf("GetByProviderCallID: %v", err)
	}
	if job == nil || job.State != domain.JobStateCompleted {
		t.Errorf("job = %+v, want completed", job)
	}
}

func TestRunCycle_KillSwitchCancelsInFlightCalls(t *testing.T) {
	engine, carts, client := newTestEngine(t)
	settings := enableCalling(t, engine)

	carts.SeedCart(&domain.AbandonedCart{
		CartID:         "c1",
		UserID:         "u1",
		PhoneNumber:    "+15550001111",
		ItemCount:      1,
		TotalUSD:       42,
		TopItemName:    "sneakers",
		LastActivityAt: time.Now().Add(-time.Hour),
	})
	if _, err := engine.RunCycle(context.Background()); err != nil {
		t.Fatalf("first RunCycle: %v", err)
	}

	settings.KillSwitch = true
	if err := engine.Settings().Put(context.Background(), settings); err != nil {
		t.Fatalf("Put settings: %v", err)
	}
	if _, err := engine.RunCycle(context.Background()); err != nil {
		t.Fatalf("second RunCycle: %v", err)
	}

	if len(client.cancelled) != 1 || client.cancelled[0] != "call_stub" {
		t.Errorf("cancelled = %v, want [call_stub]", client.cancelled)
	}

	// The job is left to resolve via callback or timeout.
	job, err := engine.Jobs().GetByProviderCallID(context.Background(), "call_stub")
	if err != nil {
		t.Fatalf("GetByProviderCallID: %v", err)
	}
	if job == nil || job.State != domain.JobStateInProgress {
		t.Errorf("job = %+v, want in_progress", job)
	}

	// A third cycle does not re-cancel; the edge already fired.
	if _, err := engine.RunCycle(context.Background()); err != nil {
		t.Fatalf("third RunCycle: %v", err)
	}
	if len(client.cancelled) != 1 {
		t.Errorf("cancelled twice: %v", client.cancelled)
	}
}

func TestEngine_StartStop(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	done := make(chan error, 1)
	go func() { done <- engine.Start(context.Background()) }()

	time.Sleep(120 * time.Millisecond)
	if err := engine.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start returned: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop in time")
	}
}

func TestEngine_StopIsIdempotent(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	done := make(chan error, 1)
	go func() { done <- engine.Start(context.Background()) }()

	time.Sleep(120 * time.Millisecond)
	if err := engine.Stop(); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := engine.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop in time")
	}

	// Stop after Start has already returned must also be safe.
	if err := engine.Stop(); err != nil {
		t.Fatalf("Stop after shutdown: %v", err)
	}
}
