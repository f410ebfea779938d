// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package engine implements the local-first conversation sync engine.
//
// The local store is authoritative for availability: every save lands
// in scoped storage synchronously, while remote writes are debounced
// and best-effort. Remote unavailability degrades to local-only mode
// without surfacing errors; only authentication failures are ever
// user-visible. Guest data is moved, not copied, into the user scope
// on first login.
package engine
