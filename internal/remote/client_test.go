// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/billybrichards/companion-sync/internal/domain"
)

func noRetry() RetryPolicy {
	return RetryPolicy{MaxRetries: 0, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
}

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...Option) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	opts = append([]Option{WithRetryPolicy(noRetry())}, opts...)
	return NewClient(srv.URL, "test-token", opts...), srv
}

func TestListEnvelopedResponse(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"conversations": []any{
				map[string]any{"id": "conv_1", "title": "First"},
				map[string]any{"_id": "conv_2", "title": "Second"},
			},
		})
	})

	conversations, err := client.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(conversations) != 2 {
		t.Fatalf("got %d conversations, want 2", len(conversations))
	}
	if conversations[1].ID != "conv_2" {
		t.Errorf("second ID = %q, want conv_2 (from _id)", conversations[1].ID)
	}
}

func TestListBareArrayResponse(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]any{
			map[string]any{"id": "conv_1", "title": "Only"},
		})
	})

	conversations, err := client.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(conversations) != 1 || conversations[0].Title != "Only" {
		t.Fatalf("unexpected result: %+v", conversations)
	}
}

func TestListNullEnvelopeArray(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"conversations": null}`)
	})

	conversations, err := client.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(conversations) != 0 {
		t.Fatalf("unexpected result: %+v", conversations)
	}
}

func TestListSkipsMalformedEntries(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]any{
			"not an object",
			map[string]any{"id": "conv_ok", "title": "Fine"},
		})
	})

	conversations, err := client.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(conversations) != 1 || conversations[0].ID != "conv_ok" {
		t.Fatalf("malformed entry not skipped: %+v", conversations)
	}
}

func TestGetNotFoundIsTerminal(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
	})

	_, err := client.Get(context.Background(), "conv_gone")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateNotFoundIsSoft(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no persistence", http.StatusNotFound)
	})

	err := client.Update(context.Background(), "conv_1", nil, time.Now())
	if !errors.Is(err, ErrNoPersistence) {
		t.Fatalf("err = %v, want ErrNoPersistence", err)
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatal("write 404 must not map to ErrNotFound")
	}
}

func TestCreateNotFoundIsSoft(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	_, err := client.Create(context.Background(), "New conversation", time.Now())
	if !errors.Is(err, ErrNoPersistence) {
		t.Fatalf("err = %v, want ErrNoPersistence", err)
	}
}

func TestDeleteNotFoundIsSuccess(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	if err := client.Delete(context.Background(), "conv_gone"); err != nil {
		t.Fatalf("Delete of missing conversation should succeed, got %v", err)
	}
}

func TestAuthFailure(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		})
		_, err := client.List(context.Background())
		if !errors.Is(err, ErrAuthFailed) {
			t.Errorf("status %d: err = %v, want ErrAuthFailed", status, err)
		}
	}
}

func TestUpdateSendsWireMessages(t *testing.T) {
	var got map[string]any
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method = %s, want PUT", r.Method)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	})

	messages := []domain.Message{domain.NewUserMessage("hello")}
	if err := client.Update(context.Background(), "conv_1", messages, time.Now()); err != nil {
		t.Fatalf("Update: %v", err)
	}

	wire, ok := got["messages"].([]any)
	if !ok || len(wire) != 1 {
		t.Fatalf("messages payload = %v", got["messages"])
	}
	first := wire[0].(map[string]any)
	if first["role"] != "user" {
		t.Errorf("role = %v", first["role"])
	}
}

func TestRetryOnServerError(t *testing.T) {
	var calls int
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode([]any{})
	}, WithRetryPolicy(RetryPolicy{
		MaxRetries:   3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}))

	if _, err := client.List(context.Background()); err != nil {
		t.Fatalf("List after retries: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestNoRetryOnAuthFailure(t *testing.T) {
	var calls int
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	}, WithRetryPolicy(RetryPolicy{
		MaxRetries:   3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}))

	client.List(context.Background())
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (auth failures are terminal)", calls)
	}
}

func TestRateLimitHonorsRetryAfter(t *testing.T) {
	var calls int
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode([]any{})
	}, WithRetryPolicy(RetryPolicy{
		MaxRetries:   1,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}))

	if _, err := client.List(context.Background()); err != nil {
		t.Fatalf("List: %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestUnconfiguredClient(t *testing.T) {
	client := NewClient("http://localhost", "", WithRetryPolicy(noRetry()))
	if client.IsConfigured() {
		t.Fatal("client with empty token reports configured")
	}
	_, err := client.List(context.Background())
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("err = %v, want ErrNotConfigured", err)
	}
}

func TestContextCancellationStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		cancel()
		http.Error(w, "boom", http.StatusInternalServerError)
	}, WithRetryPolicy(RetryPolicy{
		MaxRetries:   5,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
		Multiplier:   2,
	}))

	_, err := client.List(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestDelayForCapsAtMax(t *testing.T) {
	p := RetryPolicy{MaxRetries: 10, InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 3}
	if d := p.delayFor(0, nil); d != 100*time.Millisecond {
		t.Errorf("attempt 0 delay = %s", d)
	}
	if d := p.delayFor(8, nil); d != time.Second {
		t.Errorf("attempt 8 delay = %s, want capped at 1s", d)
	}
}
