// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

// collectSink records every emitted event.
type collectSink struct {
	events []Event
	failAt int // emit index that returns an error; -1 disables
}

func newCollectSink() *collectSink {
	return &collectSink{failAt: -1}
}

func (s *collectSink) Emit(ev Event) error {
	if s.failAt >= 0 && len(s.events) == s.failAt {
		return errors.New("sink closed")
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *collectSink) types() []EventType {
	out := make([]EventType, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Type
	}
	return out
}

func (s *collectSink) deltas() []string {
	var out []string
	for _, ev := range s.events {
		if ev.Type == EventTextDelta {
			out = append(out, ev.Delta)
		}
	}
	return out
}

// chunkReader delivers its payload in deliberately awkward slices to
// exercise partial-line buffering.
type chunkReader struct {
	chunks [][]byte
}

func newChunkReader(payload string, size int) *chunkReader {
	var chunks [][]byte
	for len(payload) > 0 {
		n := size
		if n > len(payload) {
			n = len(payload)
		}
		chunks = append(chunks, []byte(payload[:n]))
		payload = payload[n:]
	}
	return &chunkReader{chunks: chunks}
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.chunks[0])
	if n < len(r.chunks[0]) {
		r.chunks[0] = r.chunks[0][n:]
	} else {
		r.chunks = r.chunks[1:]
	}
	return n, nil
}

func upstreamBody(contents ...string) string {
	var b strings.Builder
	for _, c := range contents {
		b.WriteString(`data: {"type":"text","content":"` + c + `"}` + "\n\n")
	}
	b.WriteString("data: [DONE]\n\n")
	return b.String()
}

func equalTypes(a, b []EventType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestFilterArtifacts(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"trailing artifact", "hello | 42 |<", "hello"},
		{"all artifact", " | 42 |<", ""},
		{"compact artifact", "x|7|<", "x"},
		{"spaced bracket", "x | 7 | <", "x"},
		{"clean content", "plain text", "plain text"},
		{"artifact mid string untouched", "a |1|< b", "a |1|< b"},
		{"pipes without digits untouched", "a | b |<", "a | b |<"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FilterArtifacts(tt.input); got != tt.want {
				t.Errorf("FilterArtifacts(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestTranscodeFullSequence(t *testing.T) {
	sink := newCollectSink()
	tr := NewTranscoder(sink)

	body := upstreamBody("Hello", " there", "!")
	if err := tr.Run(context.Background(), strings.NewReader(body)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []EventType{EventStart, EventTextStart, EventTextDelta, EventTextDelta, EventTextDelta, EventTextEnd, EventFinish}
	if !equalTypes(sink.types(), want) {
		t.Fatalf("event sequence = %v, want %v", sink.types(), want)
	}

	if got := strings.Join(sink.deltas(), ""); got != "Hello there!" {
		t.Errorf("accumulated deltas = %q", got)
	}

	start := sink.events[0]
	if start.MessageID == "" || start.MessageID != tr.MessageID() {
		t.Errorf("start messageId = %q", start.MessageID)
	}

	blockID := sink.events[1].ID
	if blockID == "" {
		t.Fatal("text-start has empty block id")
	}
	for _, ev := range sink.events[2:6] {
		if ev.ID != blockID {
			t.Errorf("%s block id = %q, want %q", ev.Type, ev.ID, blockID)
		}
	}

	finish := sink.events[len(sink.events)-1]
	if finish.FinishReason != "stop" || finish.Usage == nil {
		t.Errorf("finish event = %+v", finish)
	}
}

func TestTranscodePartialLineBuffering(t *testing.T) {
	body := upstreamBody("alpha", "beta")

	for _, size := range []int{1, 3, 7, 1024} {
		sink := newCollectSink()
		if err := NewTranscoder(sink).Run(context.Background(), newChunkReader(body, size)); err != nil {
			t.Fatalf("chunk size %d: %v", size, err)
		}
		if got := strings.Join(sink.deltas(), ""); got != "alphabeta" {
			t.Errorf("chunk size %d: deltas = %q", size, got)
		}
	}
}

func TestTranscodeSkipsMalformedLines(t *testing.T) {
	body := `data: {"type":"text","content":"ok"}` + "\n\n" +
		"data: {not json at all\n\n" +
		`data: {"type":"text","content":"fine"}` + "\n\n" +
		"data: [DONE]\n\n"

	sink := newCollectSink()
	if err := NewTranscoder(sink).Run(context.Background(), strings.NewReader(body)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := sink.deltas(); len(got) != 2 || got[0] != "ok" || got[1] != "fine" {
		t.Errorf("deltas = %v", got)
	}
}

func TestTranscodeFiltersArtifactDeltas(t *testing.T) {
	body := `data: {"type":"text","content":"hello | 42 |<"}` + "\n\n" +
		`data: {"type":"text","content":" | 7 |<"}` + "\n\n" +
		"data: [DONE]\n\n"

	sink := newCollectSink()
	if err := NewTranscoder(sink).Run(context.Background(), strings.NewReader(body)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	deltas := sink.deltas()
	if len(deltas) != 1 || deltas[0] != "hello" {
		t.Errorf("deltas = %v, want exactly [hello]", deltas)
	}
}

func TestTranscodeIgnoresNonTextFrames(t *testing.T) {
	body := `data: {"type":"meta","content":"skip me"}` + "\n\n" +
		`data: {"type":"text","content":"keep"}` + "\n\n" +
		"data: [DONE]\n\n"

	sink := newCollectSink()
	if err := NewTranscoder(sink).Run(context.Background(), strings.NewReader(body)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := sink.deltas(); len(got) != 1 || got[0] != "keep" {
		t.Errorf("deltas = %v", got)
	}
}

func TestTranscodeEmptyStreamStillTerminates(t *testing.T) {
	sink := newCollectSink()
	if err := NewTranscoder(sink).Run(context.Background(), strings.NewReader("data: [DONE]\n\n")); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []EventType{EventStart, EventTextStart, EventTextEnd, EventFinish}
	if !equalTypes(sink.types(), want) {
		t.Errorf("event sequence = %v, want %v", sink.types(), want)
	}
}

// failingReader yields one frame, then fails.
type failingReader struct {
	data []byte
	err  error
}

func (r *failingReader) Read(p []byte) (int, error) {
	if len(r.data) > 0 {
		n := copy(p, r.data)
		r.data = r.data[n:]
		return n, nil
	}
	return 0, r.err
}

func TestTranscodeReadFailureEmitsTerminalError(t *testing.T) {
	upstream := &failingReader{
		data: []byte(`data: {"type":"text","content":"partial"}` + "\n\n"),
		err:  errors.New("connection reset"),
	}

	sink := newCollectSink()
	err := NewTranscoder(sink).Run(context.Background(), upstream)
	if err == nil {
		t.Fatal("expected error from broken upstream")
	}

	last := sink.events[len(sink.events)-1]
	if last.Type != EventError || last.ErrorText == "" {
		t.Fatalf("last event = %+v, want terminal error event", last)
	}
	for _, ev := range sink.events {
		if ev.Type == EventFinish {
			t.Fatal("finish must not be emitted after a relay failure")
		}
	}
	if got := sink.deltas(); len(got) != 1 || got[0] != "partial" {
		t.Errorf("deltas before failure = %v", got)
	}
}

// cancelingReader delivers one frame, then cancels the context and
// reports the aborted read.
type cancelingReader struct {
	data   []byte
	cancel context.CancelFunc
}

func (r *cancelingReader) Read(p []byte) (int, error) {
	if len(r.data) > 0 {
		n := copy(p, r.data)
		r.data = r.data[n:]
		return n, nil
	}
	r.cancel()
	return 0, context.Canceled
}

func TestTranscodeCancellationEmitsNothingFurther(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	upstream := &cancelingReader{
		data:   []byte(`data: {"type":"text","content":"before abort"}` + "\n\n"),
		cancel: cancel,
	}

	sink := newCollectSink()
	err := NewTranscoder(sink).Run(ctx, upstream)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	last := sink.events[len(sink.events)-1]
	if last.Type != EventTextDelta {
		t.Errorf("last event after cancel = %v, want the final text-delta", last.Type)
	}
	for _, ev := range sink.events {
		if ev.Type == EventError || ev.Type == EventFinish {
			t.Errorf("no terminal event expected after cancellation, got %v", ev.Type)
		}
	}
}

func TestTranscodeSinkFailureStopsRelay(t *testing.T) {
	sink := newCollectSink()
	sink.failAt = 3 // fail on the second delta

	err := NewTranscoder(sink).Run(context.Background(), strings.NewReader(upstreamBody("one", "two", "three")))
	if err == nil {
		t.Fatal("expected sink failure to surface")
	}
}
