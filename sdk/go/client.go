package careflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Careflow HTTP API client bound to one tenant.
type Client struct {
	BaseURL     string
	BasePath    string
	TenantID    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, tenantID string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		TenantID: tenantID,
		Timeout:  10 * time.Second,
	}
}

type Recipient struct {
	ID              string   `json:"id,omitempty"`
	TenantID        string   `json:"tenant_id,omitempty"`
	Name            string   `json:"name,omitempty"`
	ContactMethod   string   `json:"contact_method"`
	ContactAddress  string   `json:"contact_address"`
	ScheduleSlots   []string `json:"schedule_slots"`
	CriticalSignals []string `json:"critical_signals,omitempty"`
	WarningSignals  []string `json:"warning_signals,omitempty"`
	Status          string   `json:"status,omitempty"`
}

type RoundSummary struct {
	TenantID   string `json:"tenant_id"`
	SlotKey    string `json:"schedule_slot_key"`
	Processed  int    `json:"processed"`
	Dispatched int    `json:"dispatched"`
	Skipped    int    `json:"skipped"`
	Errors     int    `json:"errors"`
}

type DispatchResult struct {
	RecipientID string `json:"recipient_id"`
	AttemptID   string `json:"attempt_id,omitempty"`
	Status      string `json:"status"`
	Outcome     string `json:"outcome,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

type Attempt struct {
	ID            string   `json:"id"`
	RecipientID   string   `json:"recipient_id"`
	SlotKey       string   `json:"schedule_slot_key"`
	AttemptNumber int      `json:"attempt_number"`
	Outcome       string   `json:"outcome"`
	RiskFindings  []string `json:"risk_findings,omitempty"`
	Retry         bool     `json:"retry"`
	FailureReason string   `json:"failure_reason,omitempty"`
	CreatedAt     string   `json:"created_at"`
}

type Alert struct {
	ID               string  `json:"id"`
	RecipientID      string  `json:"recipient_id"`
	Level            string  `json:"level"`
	Trigger          string  `json:"trigger"`
	Status           string  `json:"status"`
	AssignedReviewer *string `json:"assigned_reviewer,omitempty"`
	ResolutionNote   string  `json:"resolution_note,omitempty"`
	CreatedAt        string  `json:"created_at"`
	UpdatedAt        string  `json:"updated_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	TenantID   string `json:"tenant_id"`
	EntityID   string `json:"entity_id"`
	EntityKind string `json:"entity_kind"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIError wraps non-2xx responses. Code is the machine-readable error code
// from the response envelope when one was present.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// PutRecipient creates or replaces a recipient.
func (c *Client) PutRecipient(ctx context.Context, rec Recipient) (Recipient, error) {
	var resp Recipient
	err := c.do(ctx, http.MethodPut, c.tenantPath("recipients/"+url.PathEscape(rec.ID)), rec, &resp)
	return resp, err
}

// RunRound dispatches the round for a slot key such as 2026-01-24_08.
func (c *Client) RunRound(ctx context.Context, slotKey string) (RoundSummary, error) {
	var resp RoundSummary
	err := c.do(ctx, http.MethodPost, c.tenantPath("rounds"), map[string]any{"schedule_slot_key": slotKey}, &resp)
	return resp, err
}

// RunRetry runs one retry attempt for a recipient.
func (c *Client) RunRetry(ctx context.Context, recipientID, slotKey string, attemptNumber int) (DispatchResult, error) {
	body := map[string]any{
		"recipient_id":      recipientID,
		"schedule_slot_key": slotKey,
		"attempt_number":    attemptNumber,
	}
	var resp DispatchResult
	err := c.do(ctx, http.MethodPost, c.tenantPath("retries"), body, &resp)
	return resp, err
}

// CompleteAttempt reports the outcome of an attempt left pending by the channel.
func (c *Client) CompleteAttempt(ctx context.Context, attemptID, outcome string, findings []string) (Attempt, error) {
	body := map[string]any{"outcome": outcome, "risk_findings": findings}
	var resp Attempt
	err := c.do(ctx, http.MethodPost, c.tenantPath(fmt.Sprintf("attempts/%s/outcome", url.PathEscape(attemptID))), body, &resp)
	return resp, err
}

// Attempts lists ledger entries for a recipient, or all when recipientID is empty.
func (c *Client) Attempts(ctx context.Context, recipientID string) ([]Attempt, error) {
	endpoint := c.tenantPath("attempts")
	if recipientID != "" {
		endpoint += "?recipient_id=" + url.QueryEscape(recipientID)
	}
	var resp []Attempt
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Alerts lists alerts with the given status, or all when status is empty.
func (c *Client) Alerts(ctx context.Context, status string) ([]Alert, error) {
	endpoint := c.tenantPath("alerts")
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []Alert
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ClaimAlert assigns the alert to the authenticated reviewer.
func (c *Client) ClaimAlert(ctx context.Context, alertID string) (Alert, error) {
	var resp Alert
	err := c.do(ctx, http.MethodPost, c.tenantPath(fmt.Sprintf("alerts/%s/claim", url.PathEscape(alertID))), nil, &resp)
	return resp, err
}

// ResolveAlert closes the alert with an optional note.
func (c *Client) ResolveAlert(ctx context.Context, alertID, note string) (Alert, error) {
	var resp Alert
	err := c.do(ctx, http.MethodPost, c.tenantPath(fmt.Sprintf("alerts/%s/resolve", url.PathEscape(alertID))), map[string]any{"note": note}, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.tenantPath("events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) tenantPath(p string) string {
	return fmt.Sprintf("%s/tenants/%s/%s", strings.Trim(c.BasePath, "/"), url.PathEscape(c.TenantID), strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
