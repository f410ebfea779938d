// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/billybrichards/companion-sync/internal/util"
)

// =============================================================================
// CONVERSATION TYPE
// =============================================================================

// Conversation is an ordered message history with local-first persistence
// state. IsLocal is true whenever the remote store has not acknowledged the
// current state: set on creation and on any remote failure, cleared only by
// a successful remote write.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	IsLocal   bool      `json:"isLocal"`
}

// NewLocalConversation creates a conversation that exists only in local
// storage until a remote write succeeds.
func NewLocalConversation() *Conversation {
	now := time.Now()
	return &Conversation{
		ID:        GenerateConversationID(),
		Title:     DefaultTitle,
		CreatedAt: now,
		UpdatedAt: now,
		IsLocal:   true,
	}
}

// Touch advances UpdatedAt, preserving the UpdatedAt >= CreatedAt invariant
// even when CreatedAt carries a future clock skew from another device.
func (c *Conversation) Touch() {
	now := time.Now()
	if now.Before(c.CreatedAt) {
		now = c.CreatedAt
	}
	c.UpdatedAt = now
}

// VisibleMessages returns the messages that may be rendered, excluding
// hidden system-trigger messages. The full list stays in Messages.
func (c *Conversation) VisibleMessages() []Message {
	visible := make([]Message, 0, len(c.Messages))
	for _, m := range c.Messages {
		if m.IsHidden() {
			continue
		}
		visible = append(visible, m)
	}
	return visible
}

// =============================================================================
// SUMMARY PROJECTION
// =============================================================================

// PreviewWidth is the maximum display width of a summary preview.
const PreviewWidth = 100

// TitleLength is the maximum rune length of a derived title.
const TitleLength = 50

// DefaultTitle is used until a first user message exists to derive from.
const DefaultTitle = "New conversation"

// ConversationSummary is the list-view projection of a conversation. It is
// always derived, never persisted.
type ConversationSummary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Preview      string    `json:"preview"`
	MessageCount int       `json:"messageCount"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Summarize derives the list-view projection. Hidden messages contribute
// neither to the preview nor to the count.
func (c *Conversation) Summarize() ConversationSummary {
	visible := c.VisibleMessages()

	title := c.Title
	if title == "" || title == DefaultTitle {
		if derived := GenerateTitleFromMessages(c.Messages); derived != "" {
			title = derived
		} else if title == "" {
			title = DefaultTitle
		}
	}

	preview := ""
	if len(visible) > 0 {
		last := visible[len(visible)-1]
		preview = util.TruncateWidth(util.CollapseWhitespace(last.Content), PreviewWidth)
	}

	return ConversationSummary{
		ID:           c.ID,
		Title:        title,
		Preview:      preview,
		MessageCount: len(visible),
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
}

// GenerateTitleFromMessages derives a conversation title from the first
// visible user message, truncated at a word boundary. Returns "" when no
// candidate message exists; deterministic for identical input.
func GenerateTitleFromMessages(msgs []Message) string {
	for _, m := range msgs {
		if m.Role != RoleUser || m.IsHidden() || strings.TrimSpace(m.Content) == "" {
			continue
		}
		return util.TruncateWordBoundary(m.Content, TitleLength)
	}
	return ""
}

// =============================================================================
// CONVERSATION NORMALIZATION
// =============================================================================

// NormalizeConversation canonicalizes a raw conversation from the remote
// store or stored cache, tolerating backend-cased field names. Individual
// malformed messages are skipped (smallest-granularity shape recovery) so
// one bad record never poisons the whole conversation; only non-object
// input fails.
func NormalizeConversation(raw any) (*Conversation, error) {
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: got %T", ErrInvalidMessageShape, raw)
	}

	conv := &Conversation{
		ID:    stringField(obj, "id", "_id"),
		Title: stringField(obj, "title"),
	}
	if conv.ID == "" {
		conv.ID = GenerateConversationID()
	}
	if conv.Title == "" {
		conv.Title = DefaultTitle
	}

	if rawMsgs, ok := obj["messages"].([]any); ok {
		for _, r := range rawMsgs {
			msg, err := NormalizeMessage(r)
			if err != nil {
				continue
			}
			conv.Messages = append(conv.Messages, msg)
		}
	}

	conv.CreatedAt = timeField(obj, "createdAt", "created_at")
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now()
	}
	conv.UpdatedAt = timeField(obj, "updatedAt", "updated_at")
	if conv.UpdatedAt.Before(conv.CreatedAt) {
		conv.UpdatedAt = conv.CreatedAt
	}

	return conv, nil
}

// =============================================================================
// EXPORT
// =============================================================================

// ExportMarkdown renders the conversation as Markdown for sharing. Hidden
// trigger messages are omitted.
func (c *Conversation) ExportMarkdown() string {
	var sb strings.Builder
	sb.WriteString("# " + c.Title + "\n\n")
	sb.WriteString("Created: " + c.CreatedAt.Format(time.RFC3339) + "\n\n")
	sb.WriteString("---\n\n")

	for _, msg := range c.VisibleMessages() {
		role := "**User**"
		switch msg.Role {
		case RoleAssistant:
			role = "**Assistant**"
		case RoleSystem:
			role = "**System**"
		}
		sb.WriteString(role + " (" + msg.CreatedAt.Format("15:04") + "):\n\n")
		sb.WriteString(msg.Content)
		sb.WriteString("\n\n---\n\n")
	}

	return sb.String()
}

// ExportJSON renders the full conversation, hidden messages included, as
// pretty-printed JSON.
func (c *Conversation) ExportJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}
