// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// =============================================================================
// STORE WATCHER
// =============================================================================

// Watcher observes the store file for writes from another process (a
// second tab or device) and invokes a reload callback. Writers are not
// arbitrated; last-write-wins is the accepted model, so the callback's job
// is only to refresh in-memory state from the store.
type Watcher struct {
	watcher  *fsnotify.Watcher
	store    *Store
	debounce time.Duration
	onChange func()

	mu      sync.Mutex
	pending *time.Timer

	ctx    context.Context
	cancel context.CancelFunc
}

// NewWatcher starts watching the store's directory. Events for the store
// file (including SQLite's -wal sidecar) are debounced into one callback.
func NewWatcher(store *Store, debounce time.Duration, onChange func()) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		watcher:  fsw,
		store:    store,
		debounce: debounce,
		onChange: onChange,
		ctx:      ctx,
		cancel:   cancel,
	}

	// Watch the directory: SQLite swaps sidecar files, and directory-level
	// watches survive renames.
	if err := fsw.Add(filepath.Dir(store.Path())); err != nil {
		fsw.Close()
		cancel()
		return nil, err
	}

	go w.loop(filepath.Base(store.Path()))
	return w, nil
}

// Close stops watching and releases resources.
func (w *Watcher) Close() error {
	w.cancel()
	w.mu.Lock()
	if w.pending != nil {
		w.pending.Stop()
		w.pending = nil
	}
	w.mu.Unlock()
	return w.watcher.Close()
}

// loop consumes fsnotify events, filtering to the store file and its
// sidecars, firing the callback after the quiet period.
func (w *Watcher) loop(base string) {
	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.matches(base, event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.schedule()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("STORE_WATCH_ERROR | error=%v", err)
		}
	}
}

// matches reports whether an event path belongs to the store file or one
// of its SQLite sidecars (-wal, -journal, -shm).
func (w *Watcher) matches(base, eventPath string) bool {
	name := filepath.Base(eventPath)
	switch name {
	case base, base + "-wal", base + "-journal", base + "-shm":
		return true
	}
	return false
}

// schedule resets the debounce timer; only the last event in a burst fires
// the callback.
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = time.AfterFunc(w.debounce, func() {
		select {
		case <-w.ctx.Done():
			return
		default:
		}
		// File events caused by this process's own writes carry no new
		// state to load.
		if w.store.Generation() == w.store.LocalGeneration() {
			return
		}
		w.store.ResyncGeneration()
		w.onChange()
	})
}
