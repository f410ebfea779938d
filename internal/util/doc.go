// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides shared helpers for the companion-sync daemon.
//
// This package contains text truncation helpers used when deriving
// conversation titles and previews, and a crash-safe file writer used by
// the conversation export path.
//
//	title := util.TruncateWordBoundary(firstMessage, 50)
//	preview := util.TruncateWidth(lastMessage, 100)
//	err := util.AtomicWriteFile(path, data, 0644)
package util
