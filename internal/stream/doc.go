// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package stream translates the upstream token stream into the
// client-facing event protocol.
//
// The upstream side is an SSE stream of {"type":"text","content":...}
// frames, arbitrarily split across network reads. The client side is a
// strict sequence: start, text-start, zero or more text-delta,
// text-end, then finish (or a terminal error event). The transcoder
// guarantees a terminal event and stream closure on every path,
// including failure, so clients never hang on a half-open connection.
package stream
