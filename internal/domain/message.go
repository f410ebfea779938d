// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package domain

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Role identifies the author of a message.
type Role string

// Known message roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// SessionStartMarker is the reserved control prefix for the hidden message
// that triggers the ice-breaker turn at the start of an empty conversation.
// Messages carrying it stay in persisted history but are excluded from all
// user-facing projections.
const SessionStartMarker = "[[session-start]]"

// Message is one turn of a conversation. Content is always a single flat
// string; source representations with typed segments are flattened during
// normalization.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// IsHidden reports whether the message is a system-trigger message that
// must not be rendered or contribute to summaries.
func (m Message) IsHidden() bool {
	return strings.HasPrefix(m.Content, SessionStartMarker)
}

// NewUserMessage creates a user message with a fresh ID.
func NewUserMessage(content string) Message {
	return Message{ID: GenerateMessageID(), Role: RoleUser, Content: content, CreatedAt: time.Now()}
}

// NewAssistantMessage creates an assistant message with a fresh ID.
func NewAssistantMessage(content string) Message {
	return Message{ID: GenerateMessageID(), Role: RoleAssistant, Content: content, CreatedAt: time.Now()}
}

// NewTriggerMessage creates the hidden session-start message that prompts
// the backend to open with a synthetic assistant turn.
func NewTriggerMessage() Message {
	return Message{ID: GenerateMessageID(), Role: RoleUser, Content: SessionStartMarker, CreatedAt: time.Now()}
}

// GenerateMessageID creates a unique message ID.
func GenerateMessageID() string {
	bytes := make([]byte, 8)
	rand.Read(bytes)
	return "msg_" + hex.EncodeToString(bytes)
}

// GenerateConversationID creates a unique conversation ID.
func GenerateConversationID() string {
	bytes := make([]byte, 8)
	rand.Read(bytes)
	return "conv_" + hex.EncodeToString(bytes)
}

// =============================================================================
// NORMALIZATION
// =============================================================================

// ErrInvalidMessageShape is returned when raw input is not an object.
// Use errors.Is(err, ErrInvalidMessageShape) to check for this error.
var ErrInvalidMessageShape = errors.New("invalid message shape")

// NormalizeMessage canonicalizes one raw message into a Message. It accepts
// the three historical shapes:
//
//   - flat:    {id, role, content: "..."}
//   - parts:   {id, role, parts: [{type: "text", text: "..."}, ...]}
//   - backend: {_id, role, content, created_at}
//
// Content carried as a segment list is flattened in order; only text
// segments contribute. A missing ID is replaced with a fresh one and a
// missing timestamp with the current time, so the result is always a valid
// Message. The only failure mode is non-object input.
func NormalizeMessage(raw any) (Message, error) {
	obj, ok := raw.(map[string]any)
	if !ok {
		return Message{}, fmt.Errorf("%w: got %T", ErrInvalidMessageShape, raw)
	}

	msg := Message{
		ID:      stringField(obj, "id", "_id"),
		Role:    normalizeRole(stringField(obj, "role")),
		Content: flattenContent(obj),
	}
	if msg.ID == "" {
		msg.ID = GenerateMessageID()
	}

	msg.CreatedAt = timeField(obj, "createdAt", "created_at")
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	return msg, nil
}

// NormalizeMessages canonicalizes a list of raw messages. A non-object
// entry fails the whole call; any object entry always normalizes.
func NormalizeMessages(raw []any) ([]Message, error) {
	msgs := make([]Message, 0, len(raw))
	for i, r := range raw {
		msg, err := NormalizeMessage(r)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// ToWireMessages converts messages to the parts-array wire shape consumed
// by the backend chat endpoint. NormalizeMessages over this output yields a
// content-equivalent message list (round-trip property).
func ToWireMessages(msgs []Message) []any {
	wire := make([]any, 0, len(msgs))
	for _, m := range msgs {
		wire = append(wire, map[string]any{
			"id":   m.ID,
			"role": string(m.Role),
			"parts": []any{
				map[string]any{"type": "text", "text": m.Content},
			},
			"createdAt": m.CreatedAt.Format(time.RFC3339Nano),
		})
	}
	return wire
}

// flattenContent extracts the message text from whichever field and shape
// the source carries. Non-text segments are dropped.
func flattenContent(obj map[string]any) string {
	// Parts-array shape.
	if parts, ok := obj["parts"].([]any); ok {
		return joinTextSegments(parts)
	}

	switch content := obj["content"].(type) {
	case string:
		return content
	case []any:
		// Legacy segment-list content.
		return joinTextSegments(content)
	default:
		return ""
	}
}

// joinTextSegments concatenates the text of typed segments in order.
func joinTextSegments(segments []any) string {
	var sb strings.Builder
	for _, seg := range segments {
		part, ok := seg.(map[string]any)
		if !ok {
			continue
		}
		if t, _ := part["type"].(string); t != "" && t != "text" {
			continue
		}
		if text, ok := part["text"].(string); ok {
			sb.WriteString(text)
		}
	}
	return sb.String()
}

// normalizeRole maps source role strings onto the known set. Unknown roles
// degrade to user rather than failing the whole record.
func normalizeRole(role string) Role {
	switch Role(strings.ToLower(role)) {
	case RoleAssistant:
		return RoleAssistant
	case RoleSystem:
		return RoleSystem
	default:
		return RoleUser
	}
}

// stringField returns the first non-empty string among the named fields.
func stringField(obj map[string]any, names ...string) string {
	for _, name := range names {
		if s, ok := obj[name].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// timeField parses the first present timestamp field. RFC 3339 strings and
// numeric epochs (seconds or milliseconds) are accepted.
func timeField(obj map[string]any, names ...string) time.Time {
	for _, name := range names {
		switch v := obj[name].(type) {
		case string:
			if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
				return t
			}
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				return t
			}
		case float64:
			if v <= 0 {
				continue
			}
			// Epochs past ~2001-09 in milliseconds exceed 1e12.
			if v >= 1e12 {
				return time.UnixMilli(int64(v))
			}
			return time.Unix(int64(v), 0)
		}
	}
	return time.Time{}
}
