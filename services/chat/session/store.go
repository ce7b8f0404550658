// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session owns conversation sessions, their message lists and
// their debounced persistence to a storage.Port.
//
// # Description
//
// The in-memory state is authoritative. Storage is written behind two
// debouncers: one per session for the message list and one shared by the
// Session Index. A burst of changes inside a window causes exactly one
// write carrying the latest state. Storage failures are logged and
// swallowed; reads of absent or corrupt keys degrade to empty.
//
// # Ownership
//
// Producers (stream consumer, live channel, debate orchestrator, user
// input) only append messages or mutate a message they created, by id.
// The Store takes a lock for each operation but does not arbitrate
// between producers beyond that.
//
// # Thread Safety
//
// Store is safe for concurrent use. Subscribers are called outside the
// lock, on the goroutine that made the change.
package session

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianChat/pkg/logging"
	"github.com/AleutianAI/AleutianChat/pkg/schedule"
	"github.com/AleutianAI/AleutianChat/pkg/storage"
	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
	"github.com/AleutianAI/AleutianChat/services/chat/observability"
	"github.com/google/uuid"
)

// =============================================================================
// Keys and defaults
// =============================================================================

const (
	// KeyPrefix namespaces every key the store owns.
	KeyPrefix = "aiChat."

	keyIndex          = "sessions.index"
	keyCurrentSession = "currentSession"
	keyPersistOptIn   = "persistOptIn"
	keyLivePinned     = "livePinned"
)

// MessagesKey returns the storage key of a session's message list,
// without KeyPrefix.
func MessagesKey(sessionID string) string {
	return "session." + sessionID + ".messages"
}

const (
	DefaultMessageDelay = 420 * time.Millisecond
	DefaultIndexDelay   = 400 * time.Millisecond
	DefaultMaxMessages  = 200
	DefaultTitleRunes   = 60
	DefaultSummaryRunes = 160

	// DefaultTitle is used when a session has no user text yet.
	DefaultTitle = "New conversation"

	ellipsis = "…"
)

// Config tunes the store. Zero fields take their defaults.
type Config struct {
	MessageDelay time.Duration
	IndexDelay   time.Duration
	MaxMessages  int
	TitleRunes   int
	SummaryRunes int
}

func (c Config) withDefaults() Config {
	if c.MessageDelay <= 0 {
		c.MessageDelay = DefaultMessageDelay
	}
	if c.IndexDelay <= 0 {
		c.IndexDelay = DefaultIndexDelay
	}
	if c.MaxMessages <= 0 {
		c.MaxMessages = DefaultMaxMessages
	}
	if c.TitleRunes <= 0 {
		c.TitleRunes = DefaultTitleRunes
	}
	if c.SummaryRunes <= 0 {
		c.SummaryRunes = DefaultSummaryRunes
	}
	return c
}

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("session: store closed")

// =============================================================================
// Change notifications
// =============================================================================

// ChangeKind says what part of the store changed.
type ChangeKind int

const (
	ChangeMessages ChangeKind = iota
	ChangeIndex
	ChangeCleared
)

// Change is delivered to subscribers after a mutation.
type Change struct {
	Kind      ChangeKind
	SessionID string
	MessageID string
}

// =============================================================================
// Store
// =============================================================================

type sessionState struct {
	messages   []datatypes.Message
	meta       datatypes.SessionMeta
	persist    *schedule.Debouncer
	revision   uint64
	indexedRev uint64
}

// Store holds every session touched in this process.
type Store struct {
	port    storage.Port
	clock   schedule.Clock
	logger  *slog.Logger
	metrics *observability.Metrics
	cfg     Config

	mu       sync.Mutex
	sessions map[string]*sessionState
	cleared  map[string]struct{}
	index    map[string]datatypes.SessionMeta
	indexDeb *schedule.Debouncer
	persist  bool
	subs     map[int]func(Change)
	nextSub  int
	closed   bool
}

// Options carries the optional collaborators of a Store.
type Options struct {
	Clock   schedule.Clock
	Logger  *slog.Logger
	Metrics *observability.Metrics
	Config  Config
}

// New creates a Store over port and loads the Session Index and the
// persist preference.
//
// # Inputs
//
//   - port: Backing key-value store. Keys are written under KeyPrefix.
//   - opts: Optional clock, logger, metrics and tuning.
//
// # Outputs
//
//   - *Store: Ready to use. A corrupt index loads as empty.
func New(port storage.Port, opts Options) *Store {
	s := &Store{
		port:     storage.WithPrefix(port, KeyPrefix),
		clock:    schedule.OrReal(opts.Clock),
		logger:   logging.OrDefault(opts.Logger).With(slog.String("component", "session")),
		metrics:  opts.Metrics,
		cfg:      opts.Config.withDefaults(),
		sessions: make(map[string]*sessionState),
		cleared:  make(map[string]struct{}),
		index:    make(map[string]datatypes.SessionMeta),
		persist:  true,
		subs:     make(map[int]func(Change)),
	}
	s.indexDeb = schedule.NewDebouncer(s.clock, s.cfg.IndexDelay, s.writeIndex)

	var metas []datatypes.SessionMeta
	if _, err := storage.GetJSON(s.port, keyIndex, &metas); err != nil {
		s.logger.Warn("session index unreadable, starting empty",
			slog.String("error", err.Error()),
		)
		metas = nil
	}
	for _, m := range metas {
		if m.ID != "" {
			s.index[m.ID] = m
		}
	}

	if raw, err := s.port.Get(keyPersistOptIn); err == nil {
		s.persist = strings.TrimSpace(string(raw)) != "0"
	}
	return s
}

// CreateSession returns a fresh session id. It touches no other session
// and writes nothing.
func (s *Store) CreateSession() string {
	return uuid.NewString()
}

// LoadSession reads id's persisted messages into memory, replacing any
// in-memory list, and returns a copy.
//
// # Outputs
//
//   - []datatypes.Message: The persisted list, at most MaxMessages long,
//     without transient entries. Empty when the key is absent or corrupt.
func (s *Store) LoadSession(id string) []datatypes.Message {
	var stored []datatypes.Message
	if _, err := storage.GetJSON(s.port, MessagesKey(id), &stored); err != nil {
		s.logger.Warn("session messages unreadable, loading empty",
			slog.String("session_id", id),
			slog.String("error", err.Error()),
		)
		stored = nil
	}
	stored = s.trimForStorage(stored)

	s.mu.Lock()
	delete(s.cleared, id)
	st := s.stateLocked(id)
	st.messages = stored
	st.revision++
	st.indexedRev = st.revision
	out := datatypes.CloneMessages(stored)
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeMessages, SessionID: id})
	return out
}

// AppendMessage adds msg to the end of the session's list. It does not
// write to storage; call Persist for that.
func (s *Store) AppendMessage(sessionID string, msg datatypes.Message) {
	s.mu.Lock()
	if s.closed || s.isClearedLocked(sessionID) {
		s.mu.Unlock()
		return
	}
	st := s.stateLocked(sessionID)
	st.messages = append(st.messages, msg.Clone())
	st.revision++
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeMessages, SessionID: sessionID, MessageID: msg.ID})
}

// UpdateMessage applies fn to the message with the given id.
//
// # Outputs
//
//   - bool: False when the session or message does not exist.
func (s *Store) UpdateMessage(sessionID, messageID string, fn func(*datatypes.Message)) bool {
	s.mu.Lock()
	st, ok := s.sessions[sessionID]
	if !ok || s.closed || s.isClearedLocked(sessionID) {
		s.mu.Unlock()
		return false
	}
	idx := indexOf(st.messages, messageID)
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	fn(&st.messages[idx])
	st.messages[idx].ID = messageID
	st.revision++
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeMessages, SessionID: sessionID, MessageID: messageID})
	return true
}

// RemoveMessage deletes a message by id. Reports whether it existed.
func (s *Store) RemoveMessage(sessionID, messageID string) bool {
	s.mu.Lock()
	st, ok := s.sessions[sessionID]
	if !ok || s.isClearedLocked(sessionID) {
		s.mu.Unlock()
		return false
	}
	idx := indexOf(st.messages, messageID)
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	st.messages = append(st.messages[:idx], st.messages[idx+1:]...)
	st.revision++
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeMessages, SessionID: sessionID, MessageID: messageID})
	return true
}

// PruneExpired removes transient messages whose expiry is strictly
// before now. Returns how many were removed.
func (s *Store) PruneExpired(sessionID string, now time.Time) int {
	s.mu.Lock()
	st, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return 0
	}
	kept := st.messages[:0]
	removed := 0
	for _, m := range st.messages {
		if m.Expired(now) {
			removed++
			continue
		}
		kept = append(kept, m)
	}
	st.messages = kept
	if removed > 0 {
		st.revision++
	}
	s.mu.Unlock()

	if removed > 0 {
		s.notify(Change{Kind: ChangeMessages, SessionID: sessionID})
	}
	return removed
}

// NextExpiry returns the earliest ExpiresAt among the session's transient
// messages, in Unix milliseconds.
func (s *Store) NextExpiry(sessionID string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		return 0, false
	}
	var next int64
	for _, m := range st.messages {
		if !m.Transient || m.ExpiresAt <= 0 {
			continue
		}
		if next == 0 || m.ExpiresAt < next {
			next = m.ExpiresAt
		}
	}
	return next, next > 0
}

// Messages returns a deep copy of the session's current list.
func (s *Store) Messages(sessionID string) []datatypes.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		return []datatypes.Message{}
	}
	return datatypes.CloneMessages(st.messages)
}

// Message returns a copy of one message.
func (s *Store) Message(sessionID, messageID string) (datatypes.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		return datatypes.Message{}, false
	}
	idx := indexOf(st.messages, messageID)
	if idx < 0 {
		return datatypes.Message{}, false
	}
	return st.messages[idx].Clone(), true
}

// SetMeta updates the mode and article fields used for the session's
// index entry. Empty article fields keep their previous values.
func (s *Store) SetMeta(sessionID string, mode datatypes.Mode, articleURL, articleTitle string) {
	s.mu.Lock()
	if s.isClearedLocked(sessionID) {
		s.mu.Unlock()
		return
	}
	st := s.stateLocked(sessionID)
	if mode.Valid() {
		st.meta.Mode = mode
	}
	if articleURL != "" {
		st.meta.ArticleURL = articleURL
	}
	if articleTitle != "" {
		st.meta.ArticleTitle = articleTitle
	}
	st.revision++
	s.mu.Unlock()
}

// Clear drops the in-memory list of sessionID and returns a fresh id.
// Pending writes for the old session are flushed first; its stored data
// is kept. Appends and updates for the old id are dropped from the start
// of Clear until LoadSession brings it back.
func (s *Store) Clear(sessionID string) string {
	s.mu.Lock()
	st, ok := s.sessions[sessionID]
	s.cleared[sessionID] = struct{}{}
	s.mu.Unlock()
	if ok {
		st.persist.Flush()
		st.persist.Stop()
		s.mu.Lock()
		delete(s.sessions, sessionID)
		s.mu.Unlock()
	}
	s.indexDeb.Flush()

	id := s.CreateSession()
	s.notify(Change{Kind: ChangeCleared, SessionID: sessionID})
	return id
}

// Subscribe registers fn for change notifications. The returned func
// removes it.
func (s *Store) Subscribe(fn func(Change)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Flush forces every pending debounced write.
func (s *Store) Flush() {
	s.mu.Lock()
	pending := make([]*schedule.Debouncer, 0, len(s.sessions))
	for _, st := range s.sessions {
		pending = append(pending, st.persist)
	}
	s.mu.Unlock()

	for _, d := range pending {
		d.Flush()
	}
	s.indexDeb.Flush()
}

// Close flushes pending writes and stops all timers. Further mutations
// are ignored.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()

	s.Flush()

	s.mu.Lock()
	s.closed = true
	for _, st := range s.sessions {
		st.persist.Stop()
	}
	s.mu.Unlock()
	s.indexDeb.Stop()
	return nil
}

// =============================================================================
// Internal
// =============================================================================

// isClearedLocked reports whether id was cleared and not loaded since.
func (s *Store) isClearedLocked(id string) bool {
	_, ok := s.cleared[id]
	return ok
}

func (s *Store) stateLocked(id string) *sessionState {
	st, ok := s.sessions[id]
	if ok {
		return st
	}
	st = &sessionState{meta: datatypes.SessionMeta{ID: id, Mode: datatypes.ModeArticle}}
	if prev, ok := s.index[id]; ok {
		st.meta = prev
	}
	st.persist = schedule.NewDebouncer(s.clock, s.cfg.MessageDelay, func() { s.writeMessages(id) })
	s.sessions[id] = st
	return st
}

func (s *Store) notify(ch Change) {
	s.mu.Lock()
	subs := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()
	for _, fn := range subs {
		fn(ch)
	}
}

func (s *Store) trimForStorage(in []datatypes.Message) []datatypes.Message {
	out := make([]datatypes.Message, 0, len(in))
	for _, m := range in {
		if m.Transient || m.ID == "" {
			continue
		}
		out = append(out, m)
	}
	if len(out) > s.cfg.MaxMessages {
		out = out[len(out)-s.cfg.MaxMessages:]
	}
	return out
}

func indexOf(msgs []datatypes.Message, id string) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) recordWrite(kind string, err error, attrs ...any) {
	s.metrics.RecordStorageWrite(kind, err == nil)
	if err == nil {
		return
	}
	args := append([]any{slog.String("kind", kind), slog.String("error", err.Error())}, attrs...)
	s.logger.Warn("storage write failed", args...)
}
