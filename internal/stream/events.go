// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

// =============================================================================
// CLIENT EVENT PROTOCOL
// =============================================================================

// EventType identifies a client-facing stream event.
type EventType string

const (
	EventStart     EventType = "start"
	EventTextStart EventType = "text-start"
	EventTextDelta EventType = "text-delta"
	EventTextEnd   EventType = "text-end"
	EventFinish    EventType = "finish"
	EventError     EventType = "error"
)

// Usage reports token accounting on the finish event. The upstream
// protocol does not carry usage, so the counts are placeholders kept
// for wire compatibility.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// Event is one frame of the client-facing protocol. Fields are
// populated per type: start carries MessageID; text-start, text-delta
// and text-end carry ID (the text-block id); text-delta additionally
// carries Delta; finish carries FinishReason and Usage; error carries
// ErrorText.
type Event struct {
	Type         EventType `json:"type"`
	MessageID    string    `json:"messageId,omitempty"`
	ID           string    `json:"id,omitempty"`
	Delta        string    `json:"delta,omitempty"`
	FinishReason string    `json:"finishReason,omitempty"`
	Usage        *Usage    `json:"usage,omitempty"`
	ErrorText    string    `json:"errorText,omitempty"`
}

// EventSink receives protocol events in emission order.
type EventSink interface {
	Emit(Event) error
}

// upstreamFrame is one decoded frame of the upstream token stream.
type upstreamFrame struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}
