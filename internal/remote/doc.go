// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package remote implements the HTTP client for the hosted conversation
// store. All calls go through a shared pooled transport, a client-side
// rate limiter, and a bounded retry policy.
//
// The error taxonomy matters more than the happy path here: a 404 on a
// read means the conversation is gone (ErrNotFound, terminal), while a
// 404 on a write means the backend simply has no persistence for this
// account (ErrNoPersistence) and the caller should fall back to
// local-only mode rather than fail.
package remote
