// Package channel is the seam between the orchestrator and whatever actually
// reaches a recipient (telephony bridge, SMS gateway, test fake).
package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ChristChad-mv/careflow-sub000/internal/domain"
)

// Request carries everything a provider needs for one attempt.
type Request struct {
	AttemptID      string               `json:"attempt_id"`
	TenantID       string               `json:"tenant_id"`
	RecipientID    string               `json:"recipient_id"`
	ContactMethod  domain.ContactMethod `json:"contact_method"`
	ContactAddress string               `json:"contact_address"`
	SlotKey        string               `json:"schedule_slot_key"`
	AttemptNumber  int                  `json:"attempt_number"`
	Retry          bool                 `json:"retry"`
}

// Result is the provider's verdict. Outcome pending means the provider will
// report later through the outcome callback.
type Result struct {
	Outcome  domain.Outcome `json:"outcome"`
	Findings []string       `json:"risk_findings,omitempty"`
}

type Channel interface {
	Contact(ctx context.Context, req Request) (Result, error)
}

// Func adapts a plain function to Channel.
type Func func(ctx context.Context, req Request) (Result, error)

func (f Func) Contact(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// Error is a transport or provider failure. The orchestrator records the
// attempt as failed and lets the retry path take over.
type Error struct {
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("contact channel: status %d: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("contact channel: %v", e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsChannelError reports whether err came from the contact channel.
func IsChannelError(err error) bool {
	var ce *Error
	return errors.As(err, &ce)
}

const defaultBridgeTimeout = 30 * time.Second

// HTTPBridge posts each Request as JSON to a provider bridge and decodes a
// Result from a 2xx reply.
type HTTPBridge struct {
	URL    string
	Token  string
	Client *http.Client
}

func NewHTTPBridge(url, token string, timeout time.Duration) HTTPBridge {
	if timeout <= 0 {
		timeout = defaultBridgeTimeout
	}
	return HTTPBridge{URL: url, Token: token, Client: &http.Client{Timeout: timeout}}
}

func (b HTTPBridge) Contact(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(b.URL) == "" {
		return Result{}, &Error{Err: errors.New("bridge url not configured")}
	}
	data, err := json.Marshal(req)
	if err != nil {
		return Result{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.URL, bytes.NewReader(data))
	if err != nil {
		return Result{}, &Error{Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Careflow-Attempt", req.AttemptID)
	httpReq.Header.Set("X-Careflow-Tenant", req.TenantID)
	if strings.TrimSpace(b.Token) != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.Token)
	}
	client := b.Client
	if client == nil {
		client = &http.Client{Timeout: defaultBridgeTimeout}
	}
	res, err := client.Do(httpReq)
	if err != nil {
		return Result{}, &Error{Err: err}
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return Result{}, &Error{Status: res.StatusCode, Err: errors.New(strings.TrimSpace(string(body)))}
	}
	if res.StatusCode == http.StatusAccepted || res.StatusCode == http.StatusNoContent {
		return Result{Outcome: domain.OutcomePending}, nil
	}
	var out Result
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(&out); err != nil {
		return Result{}, &Error{Status: res.StatusCode, Err: fmt.Errorf("decode result: %w", err)}
	}
	if out.Outcome == "" {
		out.Outcome = domain.OutcomePending
	}
	if !out.Outcome.Valid() {
		return Result{}, &Error{Status: res.StatusCode, Err: fmt.Errorf("unknown outcome %q", out.Outcome)}
	}
	return out, nil
}
