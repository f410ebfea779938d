// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSSEWriterHeadersAndFraming(t *testing.T) {
	rec := httptest.NewRecorder()

	w, err := NewSSEWriter(rec)
	if err != nil {
		t.Fatalf("NewSSEWriter: %v", err)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("Cache-Control = %q", cc)
	}

	if err := w.Emit(Event{Type: EventStart, MessageID: "msg_1"}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if err := w.Emit(Event{Type: EventTextDelta, ID: "txt_1", Delta: "hi"}); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	body := rec.Body.String()
	frames := strings.Split(strings.TrimSuffix(body, "\n\n"), "\n\n")
	if len(frames) != 2 {
		t.Fatalf("got %d frames: %q", len(frames), body)
	}

	for i, frame := range frames {
		if !strings.HasPrefix(frame, "data: ") {
			t.Fatalf("frame %d missing data: prefix: %q", i, frame)
		}
		var ev Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(frame, "data: ")), &ev); err != nil {
			t.Fatalf("frame %d not valid JSON: %v", i, err)
		}
	}

	if !rec.Flushed {
		t.Error("writer never flushed")
	}
}

func TestSSEWriterEndToEndTranscode(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	if err != nil {
		t.Fatalf("NewSSEWriter: %v", err)
	}

	body := upstreamBody("streamed ", "output")
	if err := NewTranscoder(w).Run(context.Background(), strings.NewReader(body)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	out := rec.Body.String()
	for _, want := range []string{`"type":"start"`, `"type":"text-start"`, `"delta":"streamed "`, `"delta":"output"`, `"type":"text-end"`, `"type":"finish"`} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %s:\n%s", want, out)
		}
	}
}
