// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides the scoped key-value persistence layer for
// companion-sync.
//
// Values live in a single SQLite file keyed by (scope, key), where a scope
// is either the shared guest scope or one authenticated user. Serialization
// is transparent: strings pass through, everything else is JSON-encoded.
//
// The layer is deliberately failure-silent: a missing or corrupt store
// degrades to empty reads and no-op writes (logged), because losing this
// layer must produce an empty-state UI, never a crash.
//
// # Key Operations
//
//	store, _ := storage.Open(path)
//	storage.Set(store, storage.KeyConversations, convs, scope)
//	convs, ok := storage.Get[[]domain.Conversation](store, storage.KeyConversations, scope)
//	store.MigrateGuestToUser(userID)
//
// Optional at-rest sealing (AES-256-GCM, PBKDF2-derived key) and an
// fsnotify watcher for cross-process change reloads are included.
package storage
