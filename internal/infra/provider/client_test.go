package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

// ============================================================================
// PlaceCall
// ============================================================================

func TestPlaceCall_Accepted(t *testing.T) {
	var gotAPIKey, gotIdem string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/call/outbound-call" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		gotAPIKey = r.Header.Get("superU-Api-Key")
		gotIdem = r.Header.Get("Idempotency-Key")
		w.Write([]byte(`{"call_id":"call_123","status":"queued"}`))
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, APIKey: "sk-test"})
	res, err := client.PlaceCall(context.Background(), PlacementRequest{
		PhoneNumber:      "+15550001111",
		IdempotencyToken: "u1:c1:1",
	})
	if err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}
	if !res.Accepted || res.ProviderCallID != "call_123" {
		t.Errorf("unexpected result %+v", res)
	}
	if gotAPIKey != "sk-test" {
		t.Errorf("api key header = %q", gotAPIKey)
	}
	if gotIdem != "u1:c1:1" {
		t.Errorf("idempotency header = %q", gotIdem)
	}
}

func TestPlaceCall_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid phone number"}`, http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL})
	res, err := client.PlaceCall(context.Background(), PlacementRequest{PhoneNumber: "bogus"})
	if err != nil {
		t.Fatalf("rejection should not be an error: %v", err)
	}
	if res.Accepted {
		t.Error("expected rejected placement")
	}
	if res.Reason == "" {
		t.Error("expected rejection reason")
	}
}

func TestPlaceCall_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL})
	_, err := client.PlaceCall(context.Background(), PlacementRequest{})
	if !errors.Is(err, ErrTransient) {
		t.Errorf("expected ErrTransient, got %v", err)
	}
}

func TestPlaceCall_MissingCallID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"queued"}`))
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL})
	res, err := client.PlaceCall(context.Background(), PlacementRequest{})
	if err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}
	if res.Accepted {
		t.Error("placement without call_id must not be accepted")
	}
}

// ============================================================================
// FetchCallLog
// ============================================================================

func TestFetchCallLog(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("call_id"); got != "call_9" {
			t.Errorf("call_id query = %q", got)
		}
		w.Write([]byte(`{"data":[{"call_id":"call_9","status":"completed","outcome":"no_answer"}]}`))
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL})
	entry, err := client.FetchCallLog(context.Background(), "call_9")
	if err != nil {
		t.Fatalf("FetchCallLog: %v", err)
	}
	if entry == nil || entry.Outcome != "no_answer" {
		t.Errorf("unexpected entry %+v", entry)
	}
}

func TestFetchCallLog_Empty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL})
	entry, err := client.FetchCallLog(context.Background(), "call_x")
	if err != nil {
		t.Fatalf("FetchCallLog: %v", err)
	}
	if entry != nil {
		t.Errorf("expected nil entry, got %+v", entry)
	}
}
