// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server exposes the client-facing HTTP surface: the chat
// relay that transcodes the upstream token stream, a conversation list
// endpoint, and a health probe. Middleware provides request logging,
// panic recovery, optional bearer auth, and rate limiting.
package server
