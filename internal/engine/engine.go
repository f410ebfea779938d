// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/billybrichards/companion-sync/internal/domain"
	"github.com/billybrichards/companion-sync/internal/remote"
	"github.com/billybrichards/companion-sync/internal/storage"
)

// DefaultDebounce is the quiet period before a save is pushed remotely.
const DefaultDebounce = 1000 * time.Millisecond

// =============================================================================
// PORTS
// =============================================================================

// Session describes who owns the engine's data.
type Session struct {
	UserID        string
	Authenticated bool
}

// scope maps the session onto the storage key space.
func (s Session) scope() storage.Scope {
	if !s.Authenticated {
		return storage.GuestScope()
	}
	return storage.UserScope(s.UserID)
}

// RemoteStore is the backend conversation API as the engine consumes it.
// *remote.Client implements it; tests use an in-memory fake.
type RemoteStore interface {
	List(ctx context.Context) ([]*domain.Conversation, error)
	Get(ctx context.Context, id string) (*domain.Conversation, error)
	Create(ctx context.Context, title string, createdAt time.Time) (*domain.Conversation, error)
	Update(ctx context.Context, id string, messages []domain.Message, updatedAt time.Time) error
	Delete(ctx context.Context, id string) error
}

// =============================================================================
// ENGINE
// =============================================================================

// Engine orchestrates conversation state across the local store and the
// remote backend. Safe for concurrent use; remote I/O happens outside
// the state lock.
type Engine struct {
	remote   RemoteStore
	kv       storage.KV
	debounce time.Duration

	mu        sync.Mutex
	session   Session
	active    *domain.Conversation
	summaries []domain.ConversationSummary
	loading   bool
	lastErr   error

	saveTimer *time.Timer
	closed    bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithDebounce overrides the remote write quiet period (tests).
func WithDebounce(d time.Duration) Option {
	return func(e *Engine) { e.debounce = d }
}

// New creates a sync engine for one session. Dependencies are passed
// explicitly; the engine reads no ambient state.
func New(session Session, kv storage.KV, remoteStore RemoteStore, opts ...Option) *Engine {
	e := &Engine{
		remote:   remoteStore,
		kv:       kv,
		session:  session,
		debounce: DefaultDebounce,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Close stops the debounce timer and flushes any pending remote write.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	pending := e.saveTimer != nil && e.saveTimer.Stop()
	e.saveTimer = nil
	e.mu.Unlock()

	if pending {
		e.flushRemote()
	}
}

// =============================================================================
// ACCESSORS
// =============================================================================

// Active returns a snapshot of the active conversation, or nil.
func (e *Engine) Active() *domain.Conversation {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		return nil
	}
	snapshot := *e.active
	snapshot.Messages = append([]domain.Message(nil), e.active.Messages...)
	return &snapshot
}

// Conversations returns the current summary list, most recent first.
func (e *Engine) Conversations() []domain.ConversationSummary {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.ConversationSummary(nil), e.summaries...)
}

// Grouped returns the summary list bucketed by recency for list views.
func (e *Engine) Grouped() []domain.ConversationGroup {
	return domain.GroupConversationsByDate(e.Conversations(), time.Now())
}

// IsLoading reports whether a load is in flight.
func (e *Engine) IsLoading() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loading
}

// LastError returns the last user-facing error (auth failures only).
func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// Session returns the current session descriptor.
func (e *Engine) Session() Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

// GuestMessageCount returns how many messages the guest has sent.
func (e *Engine) GuestMessageCount() int {
	count, _ := storage.Get[int](e.kv, storage.KeyGuestMessageCount, storage.GuestScope())
	return count
}

// =============================================================================
// LOAD
// =============================================================================

// LoadConversations populates the summary list. Authenticated sessions
// prefer the remote list and fall back to the local cache on failure;
// this call never blocks the caller on remote failure and never returns
// a transport error. Unauthenticated sessions use the guest cache.
func (e *Engine) LoadConversations(ctx context.Context) {
	e.mu.Lock()
	session := e.session
	e.loading = true
	e.lastErr = nil
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.loading = false
		e.mu.Unlock()
	}()

	// Stores written by older clients carry only the flat message key.
	e.migrateLegacyMessages(session.scope())

	if !session.Authenticated {
		e.mu.Lock()
		e.summaries = summarize(e.loadCache(session.scope()))
		e.mu.Unlock()
		return
	}

	conversations, err := e.remote.List(ctx)
	if err != nil {
		log.Printf("SYNC_FALLBACK | op=list err=%v", err)
		e.mu.Lock()
		if errors.Is(err, remote.ErrAuthFailed) {
			e.lastErr = err
		}
		e.summaries = summarize(e.loadCache(session.scope()))
		e.mu.Unlock()
		return
	}

	e.mu.Lock()
	// Local-only conversations the backend does not know about (failed
	// creates, migrated guest data) survive the reconcile.
	for _, cached := range e.loadCache(session.scope()) {
		if cached.IsLocal && findCached(conversations, cached.ID) == nil {
			conversations = append(conversations, cached)
		}
	}
	sortByUpdated(conversations)
	e.storeCache(session.scope(), conversations)
	e.summaries = summarize(conversations)
	needActive := e.active == nil && len(conversations) > 0
	var mostRecent string
	if needActive {
		mostRecent = conversations[0].ID
	}
	e.mu.Unlock()

	if needActive {
		if err := e.SwitchConversation(ctx, mostRecent); err != nil {
			log.Printf("SYNC_ACTIVATE_FAILED | id=%s err=%v", mostRecent, err)
		}
	}
}

// =============================================================================
// SWITCH
// =============================================================================

// SwitchConversation makes id the active conversation, fetching its full
// history remotely when possible and from the local cache otherwise. A
// remote 404 is terminal: the conversation is dropped from the list.
func (e *Engine) SwitchConversation(ctx context.Context, id string) error {
	e.mu.Lock()
	session := e.session
	cached := findCached(e.loadCache(session.scope()), id)
	e.mu.Unlock()

	var conv *domain.Conversation
	// Local-only conversations have no remote counterpart to fetch.
	if session.Authenticated && (cached == nil || !cached.IsLocal) {
		fetched, err := e.remote.Get(ctx, id)
		switch {
		case err == nil:
			conv = fetched
		case errors.Is(err, remote.ErrNotFound):
			e.mu.Lock()
			e.removeCached(session.scope(), id)
			e.summaries = dropSummary(e.summaries, id)
			e.mu.Unlock()
			return err
		default:
			log.Printf("SYNC_FALLBACK | op=get id=%s err=%v", id, err)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if conv == nil {
		if cached == nil {
			return remote.ErrNotFound
		}
		conv = cached
	}

	e.activateLocked(session.scope(), conv)
	return nil
}

// activateLocked installs conv as active and mirrors it into storage:
// the current-conversation pointer, the cache entry, and the legacy
// flat message key older client paths still read. Caller holds e.mu.
func (e *Engine) activateLocked(scope storage.Scope, conv *domain.Conversation) {
	e.active = conv
	storage.Set(e.kv, storage.KeyCurrentConversation, conv.ID, scope)
	storage.Set(e.kv, storage.KeyLegacyMessages, conv.Messages, scope)
	e.upsertCached(scope, conv)
}

// =============================================================================
// CREATE
// =============================================================================

// StartNewConversation creates and activates a fresh conversation,
// seeded with the hidden session-start trigger so the backend opens the
// exchange. Creation is never blocked by the network: unauthenticated
// sessions and failed remote creates synthesize a local conversation
// immediately.
func (e *Engine) StartNewConversation(ctx context.Context) *domain.Conversation {
	e.mu.Lock()
	session := e.session
	e.mu.Unlock()

	var conv *domain.Conversation
	if session.Authenticated {
		created, err := e.remote.Create(ctx, domain.DefaultTitle, time.Now())
		if err != nil {
			log.Printf("SYNC_CREATE_LOCAL | err=%v", err)
		} else {
			conv = created
			conv.IsLocal = false
		}
	}
	if conv == nil {
		conv = domain.NewLocalConversation()
	}

	conv.Messages = append(conv.Messages, domain.NewTriggerMessage())

	e.mu.Lock()
	defer e.mu.Unlock()

	e.summaries = append([]domain.ConversationSummary{conv.Summarize()}, dropSummary(e.summaries, conv.ID)...)
	e.activateLocked(session.scope(), conv)
	return e.active
}

// =============================================================================
// SAVE
// =============================================================================

// SaveMessages replaces the active conversation's history. The local
// cache and legacy mirror are written synchronously so a reload never
// loses the latest turn; the remote write is scheduled after the quiet
// period, and repeated saves within the window collapse into one PUT
// carrying the last state (the timer resets on every call).
func (e *Engine) SaveMessages(messages []domain.Message) {
	e.mu.Lock()

	if e.active == nil {
		e.active = domain.NewLocalConversation()
		e.summaries = append([]domain.ConversationSummary{e.active.Summarize()}, e.summaries...)
	}

	scope := e.session.scope()
	e.active.Messages = messages
	e.active.Touch()
	if e.active.Title == "" || e.active.Title == domain.DefaultTitle {
		if title := domain.GenerateTitleFromMessages(messages); title != "" {
			e.active.Title = title
		}
	}

	storage.Set(e.kv, storage.KeyLegacyMessages, messages, scope)
	e.upsertCached(scope, e.active)
	e.refreshSummaryLocked(e.active)

	if !e.session.Authenticated {
		count := 0
		for _, m := range messages {
			if m.Role == domain.RoleUser && !m.IsHidden() {
				count++
			}
		}
		storage.Set(e.kv, storage.KeyGuestMessageCount, count, scope)
	}

	schedule := e.session.Authenticated && !e.closed
	if schedule {
		if e.saveTimer != nil {
			e.saveTimer.Stop()
		}
		e.saveTimer = time.AfterFunc(e.debounce, e.flushRemote)
	}
	e.mu.Unlock()
}

// Flush pushes any pending debounced write immediately.
func (e *Engine) Flush() {
	e.mu.Lock()
	pending := e.saveTimer != nil && e.saveTimer.Stop()
	e.saveTimer = nil
	e.mu.Unlock()

	if pending {
		e.flushRemote()
	}
}

// flushRemote pushes the state snapshotted at fire time. Failure never
// rolls back local state: a soft 404 flips the conversation to
// local-only mode and still counts as success, anything else is logged
// and retried only on the next explicit save.
func (e *Engine) flushRemote() {
	e.mu.Lock()
	if e.active == nil || !e.session.Authenticated {
		e.mu.Unlock()
		return
	}
	scope := e.session.scope()
	id := e.active.ID
	messages := append([]domain.Message(nil), e.active.Messages...)
	updatedAt := e.active.UpdatedAt
	e.mu.Unlock()

	err := e.remote.Update(context.Background(), id, messages, updatedAt)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil || e.active.ID != id {
		return
	}
	switch {
	case err == nil:
		e.active.IsLocal = false
	case errors.Is(err, remote.ErrNoPersistence):
		log.Printf("SYNC_LOCAL_ONLY | id=%s", id)
		e.active.IsLocal = true
	default:
		log.Printf("SYNC_WRITE_FAILED | id=%s err=%v", id, err)
		e.active.IsLocal = true
	}
	e.upsertCached(scope, e.active)
}

// =============================================================================
// DELETE
// =============================================================================

// DeleteConversation removes id everywhere it can. The remote delete is
// best-effort; local removal proceeds regardless. If the deleted
// conversation was active, the next most recent one takes over, or a
// fresh conversation is started so the caller is never left without an
// active conversation.
func (e *Engine) DeleteConversation(ctx context.Context, id string) {
	e.mu.Lock()
	session := e.session
	e.mu.Unlock()

	if session.Authenticated {
		if err := e.remote.Delete(ctx, id); err != nil {
			log.Printf("SYNC_DELETE_REMOTE_FAILED | id=%s err=%v", id, err)
		}
	}

	e.mu.Lock()
	scope := session.scope()
	e.removeCached(scope, id)
	e.summaries = dropSummary(e.summaries, id)
	wasActive := e.active != nil && e.active.ID == id
	var next string
	if wasActive {
		e.active = nil
		if len(e.summaries) > 0 {
			next = e.summaries[0].ID
		}
	}
	e.mu.Unlock()

	if !wasActive {
		return
	}
	if next != "" {
		if err := e.SwitchConversation(ctx, next); err == nil {
			return
		}
	}
	e.StartNewConversation(ctx)
}

// =============================================================================
// LOGIN / MIGRATION
// =============================================================================

// Login switches the engine to an authenticated session, moving any
// guest data into the user scope first. Migration is idempotent and
// never overwrites data from a previous authenticated session.
func (e *Engine) Login(ctx context.Context, userID string) {
	e.kv.MigrateGuestToUser(userID)

	e.mu.Lock()
	e.session = Session{UserID: userID, Authenticated: true}
	e.active = nil
	e.summaries = nil
	e.lastErr = nil
	e.mu.Unlock()

	e.LoadConversations(ctx)

	// A migrated guest conversation with no remote counterpart must
	// survive the reload as the working set.
	e.mu.Lock()
	scope := e.session.scope()
	if e.active == nil {
		if cached := e.loadCache(scope); len(cached) > 0 {
			sortByUpdated(cached)
			e.summaries = summarize(cached)
			e.activateLocked(scope, cached[0])
		}
	}
	e.mu.Unlock()
}

// =============================================================================
// HELPERS
// =============================================================================

func sortByUpdated(conversations []*domain.Conversation) {
	sort.SliceStable(conversations, func(i, j int) bool {
		return conversations[i].UpdatedAt.After(conversations[j].UpdatedAt)
	})
}

func summarize(conversations []*domain.Conversation) []domain.ConversationSummary {
	out := make([]domain.ConversationSummary, 0, len(conversations))
	for _, c := range conversations {
		out = append(out, c.Summarize())
	}
	return out
}

func dropSummary(summaries []domain.ConversationSummary, id string) []domain.ConversationSummary {
	out := summaries[:0]
	for _, s := range summaries {
		if s.ID != id {
			out = append(out, s)
		}
	}
	return out
}

// refreshSummaryLocked rewrites the active conversation's summary entry
// and moves it to the front. Caller holds e.mu.
func (e *Engine) refreshSummaryLocked(conv *domain.Conversation) {
	e.summaries = append([]domain.ConversationSummary{conv.Summarize()}, dropSummary(e.summaries, conv.ID)...)
}
