// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package domain defines the conversation data model for companion-sync.
//
// The model canonicalizes the heterogeneous message shapes found in stored
// history and backend payloads into a single Message representation, and
// derives user-facing projections (titles, previews, date groups) from full
// conversations. Everything in this package is pure: no I/O, no ambient
// state, deterministic output for identical input.
//
// # Key Types
//
//   - Message: one turn of a conversation, content flattened to a string
//   - Conversation: ordered message list with local-first persistence state
//   - ConversationSummary: derived list-view projection, never persisted
//
// # Normalization
//
// NormalizeMessage accepts any of the historical wire shapes (flat content,
// parts array, backend-cased fields) and always returns a valid Message:
//
//	msg, err := domain.NormalizeMessage(raw)
package domain
