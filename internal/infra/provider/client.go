// Package provider implements the outbound-call provider client. Only
// the provider's API contract lives here; its telephony stack is an
// external black box.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ErrTransient marks provider failures worth retrying: network errors
// and 5xx responses. Rejections (4xx) come back as a non-accepted
// placement, not an error.
var ErrTransient = errors.New("transient provider error")

// Config holds provider API settings.
type Config struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// PlacementRequest asks the provider to start one outbound call.
type PlacementRequest struct {
	PhoneNumber      string
	FromPhoneNumber  string
	AssistantID      string
	RenderedScript   string
	ScriptVersion    string
	IdempotencyToken string
}

// PlacementResult is the provider's answer to a placement request.
type PlacementResult struct {
	Accepted       bool
	ProviderCallID string
	Reason         string
}

// CallLogEntry is one row of the provider's call log.
type CallLogEntry struct {
	CallID  string `json:"call_id"`
	Status  string `json:"status"`
	Outcome string `json:"outcome"`
}

// CallClient is the provider contract the dispatcher and poller consume.
type CallClient interface {
	// PlaceCall is idempotent on the request's IdempotencyToken:
	// repeating a token never places a second call.
	PlaceCall(ctx context.Context, req PlacementRequest) (*PlacementResult, error)

	// FetchCallLog returns the latest log entry for a call, or nil when
	// the provider has nothing yet.
	FetchCallLog(ctx context.Context, providerCallID string) (*CallLogEntry, error)

	// CancelCall asks the provider to tear down an in-flight call.
	// Best effort; acknowledgment is not guaranteed.
	CancelCall(ctx context.Context, providerCallID string) error
}

// Client talks to a SuperU-compatible calling API over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new provider client.
func NewClient(cfg Config) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 12 * time.Second
	}
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func (c *Client) PlaceCall(ctx context.Context, req PlacementRequest) (*PlacementResult, error) {
	payload := map[string]any{
		"assistant_id":      req.AssistantID,
		"phone_number":      req.PhoneNumber,
		"from_phone_number": req.FromPhoneNumber,
		"script":            req.RenderedScript,
		"metadata": map[string]string{
			"script_version": req.ScriptVersion,
			"recovery_key":   req.IdempotencyToken,
		},
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/api/v1/call/outbound-call", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("superU-Api-Key", c.cfg.APIKey)
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyToken)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: place call: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrTransient, err)
	}

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: http %d: %s", ErrTransient, resp.StatusCode, string(body))
	}
	if resp.StatusCode >= 400 {
		return &PlacementResult{Accepted: false, Reason: fmt.Sprintf("http %d: %s", resp.StatusCode, string(body))}, nil
	}

	var placed struct {
		CallID string `json:"call_id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &placed); err != nil {
		return nil, fmt.Errorf("%w: parse response: %v", ErrTransient, err)
	}
	if placed.CallID == "" {
		return &PlacementResult{Accepted: false, Reason: "provider response missing call_id"}, nil
	}

	return &PlacementResult{Accepted: true, ProviderCallID: placed.CallID}, nil
}

func (c *Client) FetchCallLog(ctx context.Context, providerCallID string) (*CallLogEntry, error) {
	q := url.Values{}
	q.Set("call_id", providerCallID)
	q.Set("limit", "1")

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.cfg.BaseURL+"/api/v1/call/logs?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("superU-Api-Key", c.cfg.APIKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch call log: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrTransient, err)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: http %d: %s", ErrTransient, resp.StatusCode, string(body))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}

	// The provider wraps rows in one of several envelope keys.
	var envelope struct {
		Data    []CallLogEntry `json:"data"`
		Results []CallLogEntry `json:"results"`
		Logs    []CallLogEntry `json:"logs"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	for _, rows := range [][]CallLogEntry{envelope.Data, envelope.Results, envelope.Logs} {
		if len(rows) > 0 {
			entry := rows[len(rows)-1]
			return &entry, nil
		}
	}
	return nil, nil
}

func (c *Client) CancelCall(ctx context.Context, providerCallID string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/api/v1/call/"+url.PathEscape(providerCallID)+"/cancel", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("superU-Api-Key", c.cfg.APIKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: cancel call: %v", ErrTransient, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: http %d", ErrTransient, resp.StatusCode)
	}
	return nil
}
