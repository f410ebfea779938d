// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/billybrichards/companion-sync/internal/domain"
	"github.com/billybrichards/companion-sync/internal/engine"
	"github.com/billybrichards/companion-sync/internal/stream"
)

// =============================================================================
// SERVER
// =============================================================================

// Options configures the HTTP server.
type Options struct {
	// AuthToken, when set, is required as a bearer token on /api routes.
	AuthToken string
	// RateRPS / RateBurst bound request rate. Zero RPS disables limiting.
	RateRPS   float64
	RateBurst int
}

// Server serves the client-facing API over one sync engine and one
// upstream chat backend.
type Server struct {
	engine   *engine.Engine
	upstream *stream.UpstreamClient
	opts     Options
	mux      *http.ServeMux
}

// New creates the server and wires its routes.
func New(eng *engine.Engine, upstream *stream.UpstreamClient, opts Options) *Server {
	s := &Server{
		engine:   eng,
		upstream: upstream,
		opts:     opts,
		mux:      http.NewServeMux(),
	}

	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/chat", s.handleChat)
	s.mux.HandleFunc("/api/conversations", s.handleConversations)
	return s
}

// Handler returns the root handler with the middleware chain applied.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = authMiddleware(s.opts.AuthToken, h)
	h = rateLimitMiddleware(s.opts.RateRPS, s.opts.RateBurst, h)
	h = loggingMiddleware(h)
	h = recoveryMiddleware(h)
	return h
}

// ListenAndServe runs the server until ctx is done; streaming responses
// have no write timeout on purpose.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("SERVER_LISTENING | addr=%s", addr)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// =============================================================================
// HANDLERS
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"loading": s.engine.IsLoading(),
	})
}

// chatPayload is the request accepted by the chat relay.
type chatPayload struct {
	Messages    []any          `json:"messages"`
	Preferences map[string]any `json:"preferences"`
	NewChat     bool           `json:"newChat"`
}

// handleChat forwards the request to the upstream chat endpoint and
// relays the transcoded token stream back as SSE. On completion the
// full message list, including the streamed assistant turn, is handed
// to the sync engine.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var payload chatPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if payload.NewChat || s.engine.Active() == nil {
		s.engine.StartNewConversation(r.Context())
	}

	wireMessages := make([]map[string]any, 0, len(payload.Messages))
	for _, m := range payload.Messages {
		if obj, ok := m.(map[string]any); ok {
			wireMessages = append(wireMessages, obj)
		}
	}

	body, err := s.upstream.Open(r.Context(), stream.ChatRequest{
		Messages:    wireMessages,
		Preferences: payload.Preferences,
		NewChat:     payload.NewChat,
	})
	if err != nil {
		log.Printf("CHAT_UPSTREAM_FAILED | err=%v", err)
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
		return
	}
	defer body.Close()

	sse, err := stream.NewSSEWriter(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	sink := &accumulatingSink{next: sse}
	runErr := stream.NewTranscoder(sink).Run(r.Context(), body)

	// The incoming history is always persisted so the user's turn
	// survives even when the stream produced no assistant text. The
	// partial assistant turn is kept when the stream aborts mid-reply.
	history := make([]domain.Message, 0, len(payload.Messages)+1)
	for _, raw := range payload.Messages {
		msg, err := domain.NormalizeMessage(raw)
		if err != nil {
			continue
		}
		history = append(history, msg)
	}
	if text := sink.text.String(); text != "" {
		history = append(history, domain.NewAssistantMessage(text))
	}
	if len(history) > 0 {
		s.engine.SaveMessages(history)
	}

	if runErr != nil && r.Context().Err() == nil {
		log.Printf("CHAT_RELAY_FAILED | err=%v", runErr)
	}
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if strings.Contains(r.URL.Query().Get("view"), "grouped") {
		writeJSON(w, http.StatusOK, map[string]any{"groups": s.engine.Grouped()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": s.engine.Conversations()})
}

// accumulatingSink forwards events while collecting the assistant text
// so the finished turn can be persisted.
type accumulatingSink struct {
	next stream.EventSink
	text strings.Builder
}

func (a *accumulatingSink) Emit(ev stream.Event) error {
	if ev.Type == stream.EventTextDelta {
		a.text.WriteString(ev.Delta)
	}
	return a.next.Emit(ev)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
