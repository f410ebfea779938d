// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/billybrichards/companion-sync/internal/domain"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrAuthFailed indicates the bearer token was rejected (401/403).
	ErrAuthFailed = errors.New("remote: authentication failed")

	// ErrNotFound indicates a read targeted a conversation the backend
	// does not have. Terminal; the caller should drop its reference.
	ErrNotFound = errors.New("remote: conversation not found")

	// ErrNoPersistence indicates a write received 404: the backend has
	// no persistence for this account. The caller keeps the local copy
	// and stops pushing.
	ErrNoPersistence = errors.New("remote: no persistence for account")

	// ErrRateLimited indicates a 429 response.
	ErrRateLimited = errors.New("remote: rate limited")

	// ErrNotConfigured indicates the client has no backend URL or token.
	ErrNotConfigured = errors.New("remote: client not configured")
)

// APIError carries an unexpected HTTP status with whatever message the
// backend returned.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote: unexpected status %d", e.Status)
	}
	return fmt.Sprintf("remote: status %d: %s", e.Status, e.Message)
}

// RateLimitError wraps ErrRateLimited with the server's Retry-After hint.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("remote: rate limited, retry after %s", e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// =============================================================================
// TRANSPORT
// =============================================================================

// sharedTransport is reused across all clients so connection pools are
// not rebuilt per request.
var sharedTransport = &http.Transport{
	MaxIdleConns:        20,
	MaxIdleConnsPerHost: 10,
	IdleConnTimeout:     90 * time.Second,
	DialContext: (&net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
	TLSHandshakeTimeout: 10 * time.Second,
}

// =============================================================================
// CLIENT
// =============================================================================

// Client talks to the hosted conversation store under
// <baseURL>/api/conversations. Safe for concurrent use.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	policy  RetryPolicy
	limiter *rate.Limiter
}

// Option configures a Client.
type Option func(*Client)

// WithRetryPolicy overrides the default retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Client) { c.policy = p }
}

// WithRateLimit caps outgoing request rate.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// WithHTTPClient substitutes the underlying HTTP client (tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// NewClient creates a conversation-store client. An empty token produces
// an unconfigured client whose calls fail with ErrNotConfigured; callers
// in guest mode rely on this rather than checking state themselves.
func NewClient(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http: &http.Client{
			Transport: sharedTransport,
			Timeout:   30 * time.Second,
		},
		policy:  DefaultRetryPolicy(),
		limiter: rate.NewLimiter(rate.Limit(10), 20),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IsConfigured reports whether the client has credentials to use.
func (c *Client) IsConfigured() bool {
	return c.baseURL != "" && c.token != ""
}

// =============================================================================
// OPERATIONS
// =============================================================================

// List fetches all conversations for the account. Accepts both the
// enveloped ({"conversations": [...]}) and bare-array response shapes.
func (c *Client) List(ctx context.Context) ([]*domain.Conversation, error) {
	body, err := retryWith(ctx, c.policy, "list", func() ([]byte, error) {
		return c.do(ctx, http.MethodGet, "/api/conversations", nil)
	})
	if err != nil {
		return nil, c.mapReadErr(err)
	}

	var raw []any
	var envelope struct {
		Conversations []any `json:"conversations"`
	}
	// A decoded envelope is authoritative even when its array is null
	// (an account with no conversations).
	if err := json.Unmarshal(body, &envelope); err == nil {
		raw = envelope.Conversations
	} else if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("remote: decode conversation list: %w", err)
	}

	conversations := make([]*domain.Conversation, 0, len(raw))
	for _, r := range raw {
		conv, err := domain.NormalizeConversation(r)
		if err != nil {
			continue
		}
		conversations = append(conversations, conv)
	}
	return conversations, nil
}

// Get fetches one conversation with its full message history.
func (c *Client) Get(ctx context.Context, id string) (*domain.Conversation, error) {
	body, err := retryWith(ctx, c.policy, "get", func() ([]byte, error) {
		return c.do(ctx, http.MethodGet, "/api/conversations/"+id, nil)
	})
	if err != nil {
		return nil, c.mapReadErr(err)
	}

	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("remote: decode conversation: %w", err)
	}
	return domain.NormalizeConversation(raw)
}

// Create registers a new conversation on the backend and returns the
// canonical record (the backend may assign its own ID).
func (c *Client) Create(ctx context.Context, title string, createdAt time.Time) (*domain.Conversation, error) {
	payload := map[string]any{
		"title":     title,
		"createdAt": createdAt.Format(time.RFC3339Nano),
	}
	body, err := retryWith(ctx, c.policy, "create", func() ([]byte, error) {
		return c.do(ctx, http.MethodPost, "/api/conversations", payload)
	})
	if err != nil {
		return nil, c.mapWriteErr(err)
	}

	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("remote: decode created conversation: %w", err)
	}
	return domain.NormalizeConversation(raw)
}

// Update replaces the message history of a conversation.
func (c *Client) Update(ctx context.Context, id string, messages []domain.Message, updatedAt time.Time) error {
	payload := map[string]any{
		"messages":  domain.ToWireMessages(messages),
		"updatedAt": updatedAt.Format(time.RFC3339Nano),
	}
	_, err := retryWith(ctx, c.policy, "update", func() ([]byte, error) {
		return c.do(ctx, http.MethodPut, "/api/conversations/"+id, payload)
	})
	return c.mapWriteErr(err)
}

// Delete removes a conversation from the backend. A 404 is treated as
// success: the record is already gone.
func (c *Client) Delete(ctx context.Context, id string) error {
	_, err := retryWith(ctx, c.policy, "delete", func() ([]byte, error) {
		return c.do(ctx, http.MethodDelete, "/api/conversations/"+id, nil)
	})
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return nil
		}
		return c.mapWriteErr(err)
	}
	return nil
}

// =============================================================================
// REQUEST PLUMBING
// =============================================================================

func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	if !c.IsConfigured() {
		return nil, ErrNotConfigured
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("remote: encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("remote: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	// RELIABILITY: cap response reads so a misbehaving backend cannot
	// exhaust memory.
	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("remote: read response: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}
	return nil, statusError(resp, body)
}

func statusError(resp *http.Response, body []byte) error {
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w (status %d)", ErrAuthFailed, resp.StatusCode)
	case http.StatusTooManyRequests:
		return &RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	default:
		return &APIError{Status: resp.StatusCode, Message: errorMessage(body)}
	}
}

// mapReadErr translates a 404 on a read path into the terminal ErrNotFound.
func (c *Client) mapReadErr(err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return ErrNotFound
	}
	return err
}

// mapWriteErr translates a 404 on a write path into the soft
// ErrNoPersistence signal.
func (c *Client) mapWriteErr(err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return ErrNoPersistence
	}
	return err
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// errorMessage digs a message out of a JSON error body, falling back to
// the raw text trimmed to something loggable.
func errorMessage(body []byte) string {
	var parsed struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		if parsed.Error != "" {
			return parsed.Error
		}
		if parsed.Message != "" {
			return parsed.Message
		}
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
