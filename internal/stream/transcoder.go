// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"regexp"

	"github.com/google/uuid"
)

// =============================================================================
// ARTIFACT FILTERING
// =============================================================================

// artifactPattern matches the metadata artifact some backends leak into
// deltas: a pipe-delimited numeric tag followed by a stray angle
// bracket at the end of the content ("hello | 42 |<").
var artifactPattern = regexp.MustCompile(`\s*\|\s*\d+\s*\|\s*<$`)

// FilterArtifacts strips the trailing metadata artifact from a delta.
// Content without the artifact passes through untouched.
func FilterArtifacts(delta string) string {
	return artifactPattern.ReplaceAllString(delta, "")
}

// =============================================================================
// TRANSCODER
// =============================================================================

// Transcoder relays one upstream token stream to an EventSink as the
// client event protocol. Each Transcoder handles a single response and
// is not reused.
type Transcoder struct {
	messageID string
	blockID   string
	sink      EventSink
}

// NewTranscoder creates a transcoder emitting to sink with freshly
// generated message and text-block ids.
func NewTranscoder(sink EventSink) *Transcoder {
	return &Transcoder{
		messageID: "msg_" + uuid.NewString(),
		blockID:   "txt_" + uuid.NewString(),
		sink:      sink,
	}
}

// MessageID returns the generated message id carried by the start event.
func (t *Transcoder) MessageID() string {
	return t.messageID
}

// Run consumes the upstream SSE body and emits the client protocol in
// strict order. On an internal failure it emits a terminal error event
// instead of finish; on cancellation it stops without emitting further
// events. Either way Run returns and the output stream terminates.
func (t *Transcoder) Run(ctx context.Context, upstream io.Reader) error {
	if err := t.sink.Emit(Event{Type: EventStart, MessageID: t.messageID}); err != nil {
		return err
	}
	if err := t.sink.Emit(Event{Type: EventTextStart, ID: t.blockID}); err != nil {
		return err
	}

	if err := t.relay(ctx, upstream); err != nil {
		if ctx.Err() != nil {
			// Aborted by the caller: no further events.
			return ctx.Err()
		}
		log.Printf("STREAM_RELAY_FAILED | messageId=%s err=%v", t.messageID, err)
		_ = t.sink.Emit(Event{Type: EventError, ErrorText: err.Error()})
		return err
	}

	if err := t.sink.Emit(Event{Type: EventTextEnd, ID: t.blockID}); err != nil {
		return err
	}
	return t.sink.Emit(Event{
		Type:         EventFinish,
		FinishReason: "stop",
		Usage:        &Usage{},
	})
}

// relay pumps upstream frames until [DONE], EOF, cancellation, or a
// read failure.
func (t *Transcoder) relay(ctx context.Context, upstream io.Reader) error {
	reader := NewSSEReader(upstream)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, data, err := reader.ReadEvent()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		if bytes.Equal(data, []byte("[DONE]")) {
			return nil
		}

		var frame upstreamFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			// Malformed lines are skipped, never fatal.
			continue
		}
		if frame.Type != "text" || frame.Content == "" {
			continue
		}

		delta := FilterArtifacts(frame.Content)
		if delta == "" {
			// Stripping emptied the delta; emit nothing for it.
			continue
		}

		if err := t.sink.Emit(Event{Type: EventTextDelta, ID: t.blockID, Delta: delta}); err != nil {
			return err
		}
	}
}
