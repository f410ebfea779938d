// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// =============================================================================
// UPSTREAM CHAT CLIENT
// =============================================================================

// ChatRequest is the payload forwarded to the upstream chat endpoint.
type ChatRequest struct {
	Messages    []map[string]any `json:"messages"`
	Preferences map[string]any   `json:"preferences,omitempty"`
	NewChat     bool             `json:"newChat"`
}

// sharedStreamingClient has no overall timeout: stream lifetime is
// bounded by the request context, not a fixed deadline.
var sharedStreamingClient = &http.Client{
	Transport: &http.Transport{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 5,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	},
}

// UpstreamClient opens token streams from the upstream chat backend.
type UpstreamClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewUpstreamClient creates a client for <baseURL>/api/chat.
func NewUpstreamClient(baseURL, token string) *UpstreamClient {
	return &UpstreamClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    sharedStreamingClient,
	}
}

// Open POSTs the chat request and returns the response body as a live
// SSE stream. The caller owns the returned ReadCloser.
func (c *UpstreamClient) Open(ctx context.Context, chatReq ChatRequest) (io.ReadCloser, error) {
	body, err := json.Marshal(chatReq)
	if err != nil {
		return nil, fmt.Errorf("stream: encode chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("stream: build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stream: upstream request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("stream: upstream status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	return resp.Body, nil
}
