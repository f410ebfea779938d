// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"log"

	"github.com/billybrichards/companion-sync/internal/domain"
	"github.com/billybrichards/companion-sync/internal/storage"
)

// =============================================================================
// LOCAL CACHE
// =============================================================================

// The cache holds full conversations (messages included) under the
// scoped conversations key, so offline sessions can read and continue
// history without the backend.

func (e *Engine) loadCache(scope storage.Scope) []*domain.Conversation {
	cached, _ := storage.Get[[]*domain.Conversation](e.kv, storage.KeyConversations, scope)
	return cached
}

// migrateLegacyMessages synthesizes a conversation from the flat legacy
// message key when no conversation-keyed cache exists, so history
// written by older clients survives the storage format change. The
// legacy key is left in place as the backward-compat mirror.
func (e *Engine) migrateLegacyMessages(scope storage.Scope) {
	if e.kv.Has(storage.KeyConversations, scope) {
		return
	}
	legacy, ok := storage.Get[[]domain.Message](e.kv, storage.KeyLegacyMessages, scope)
	if !ok || len(legacy) == 0 {
		return
	}

	conv := domain.NewLocalConversation()
	conv.Messages = legacy
	if title := domain.GenerateTitleFromMessages(legacy); title != "" {
		conv.Title = title
	}
	if ts := legacy[0].CreatedAt; !ts.IsZero() {
		conv.CreatedAt = ts
	}
	if ts := legacy[len(legacy)-1].CreatedAt; ts.After(conv.CreatedAt) {
		conv.UpdatedAt = ts
	} else {
		conv.UpdatedAt = conv.CreatedAt
	}

	log.Printf("LEGACY_MIGRATED | messages=%d id=%s", len(legacy), conv.ID)
	e.storeCache(scope, []*domain.Conversation{conv})
}

func (e *Engine) storeCache(scope storage.Scope, conversations []*domain.Conversation) {
	storage.Set(e.kv, storage.KeyConversations, conversations, scope)
}

// upsertCached replaces conv's cache entry, inserting at the front when
// absent.
func (e *Engine) upsertCached(scope storage.Scope, conv *domain.Conversation) {
	cached := e.loadCache(scope)
	for i, c := range cached {
		if c.ID == conv.ID {
			cached[i] = conv
			e.storeCache(scope, cached)
			return
		}
	}
	e.storeCache(scope, append([]*domain.Conversation{conv}, cached...))
}

func (e *Engine) removeCached(scope storage.Scope, id string) {
	cached := e.loadCache(scope)
	kept := cached[:0]
	for _, c := range cached {
		if c.ID != id {
			kept = append(kept, c)
		}
	}
	if len(kept) != len(cached) {
		e.storeCache(scope, kept)
	}
}

func findCached(cached []*domain.Conversation, id string) *domain.Conversation {
	for _, c := range cached {
		if c.ID == id {
			return c
		}
	}
	return nil
}
