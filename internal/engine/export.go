// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/billybrichards/companion-sync/internal/domain"
	"github.com/billybrichards/companion-sync/internal/util"
)

// ErrUnknownFormat indicates an unsupported export format name.
var ErrUnknownFormat = errors.New("engine: unknown export format")

// ExportConversation writes a conversation to path as "markdown" or
// "json". The write is atomic so an interrupted export never leaves a
// truncated file behind.
func (e *Engine) ExportConversation(id, path, format string) error {
	e.mu.Lock()
	scope := e.session.scope()
	var conv *domain.Conversation
	if e.active != nil && e.active.ID == id {
		snapshot := *e.active
		snapshot.Messages = append([]domain.Message(nil), e.active.Messages...)
		conv = &snapshot
	} else {
		conv = findCached(e.loadCache(scope), id)
	}
	e.mu.Unlock()

	if conv == nil {
		return fmt.Errorf("engine: export: conversation %s not found", id)
	}

	var data []byte
	switch strings.ToLower(format) {
	case "markdown", "md":
		data = []byte(conv.ExportMarkdown())
	case "json":
		encoded, err := conv.ExportJSON()
		if err != nil {
			return fmt.Errorf("engine: export: %w", err)
		}
		data = encoded
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}

	return util.AtomicWriteFile(path, data, 0644)
}
