// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianChat/pkg/storage"
	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
)

// Persist schedules a debounced write of the session's message list.
// A no-op while persistence is switched off.
func (s *Store) Persist(sessionID string) {
	s.mu.Lock()
	st, ok := s.sessions[sessionID]
	if !ok || s.closed || !s.persist {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	st.persist.Trigger()
}

// UpdateIndexEntry recomputes the session's index entry and schedules a
// debounced index write.
//
// # Description
//
// The title comes from the first line of the first non-empty user
// message, truncated to TitleRunes. An existing title is kept. The
// summary is the latest non-empty assistant message, truncated to
// SummaryRunes. Nothing happens when the session has no messages, when
// nothing changed since the last update, or when persistence is off.
//
// # Outputs
//
//   - bool: True when the entry was rewritten.
func (s *Store) UpdateIndexEntry(sessionID string) bool {
	s.mu.Lock()
	st, ok := s.sessions[sessionID]
	if !ok || s.closed || !s.persist || len(st.messages) == 0 || st.revision == st.indexedRev {
		s.mu.Unlock()
		return false
	}

	now := s.clock.Now().UnixMilli()
	meta := st.meta
	meta.ID = sessionID
	if existing, ok := s.index[sessionID]; ok {
		meta.CreatedAt = existing.CreatedAt
		if existing.Title != "" {
			meta.Title = existing.Title
		}
	}
	if meta.CreatedAt == 0 {
		meta.CreatedAt = now
	}
	if meta.Title == "" {
		meta.Title = deriveTitle(st.messages, meta.ArticleTitle, s.cfg.TitleRunes)
	}
	meta.Summary = deriveSummary(st.messages, s.cfg.SummaryRunes)
	meta.UpdatedAt = now
	meta.MessageCount = countPersistable(st.messages)

	st.meta = meta
	st.indexedRev = st.revision
	s.index[sessionID] = meta
	s.mu.Unlock()

	s.indexDeb.Trigger()
	s.notify(Change{Kind: ChangeIndex, SessionID: sessionID})
	return true
}

// Index returns every known session, most recently updated first.
func (s *Store) Index() []datatypes.SessionMeta {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedIndexLocked()
}

// Meta returns one index entry.
func (s *Store) Meta(sessionID string) (datatypes.SessionMeta, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.index[sessionID]
	return m, ok
}

func (s *Store) sortedIndexLocked() []datatypes.SessionMeta {
	out := make([]datatypes.SessionMeta, 0, len(s.index))
	for _, m := range s.index {
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].UpdatedAt == out[j].UpdatedAt {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt > out[j].UpdatedAt
	})
	return out
}

func (s *Store) writeMessages(sessionID string) {
	s.mu.Lock()
	st, ok := s.sessions[sessionID]
	if !ok || !s.persist {
		s.mu.Unlock()
		return
	}
	snapshot := s.trimForStorage(datatypes.CloneMessages(st.messages))
	s.mu.Unlock()

	err := storage.SetJSON(s.port, MessagesKey(sessionID), snapshot)
	s.recordWrite("messages", err, slog.String("session_id", sessionID))
}

func (s *Store) writeIndex() {
	s.mu.Lock()
	if !s.persist {
		s.mu.Unlock()
		return
	}
	snapshot := s.sortedIndexLocked()
	s.mu.Unlock()

	err := storage.SetJSON(s.port, keyIndex, snapshot)
	s.recordWrite("index", err)
}

// =============================================================================
// Preferences
// =============================================================================

// PersistEnabled reports whether message and index writes are on.
func (s *Store) PersistEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persist
}

// SetPersist switches persistence and stores the preference. Turning it
// off drops pending writes; turning it on writes nothing until the next
// Persist.
func (s *Store) SetPersist(on bool) {
	s.mu.Lock()
	s.persist = on
	s.mu.Unlock()
	s.setFlag(keyPersistOptIn, on)
}

// CurrentSession returns the stored current-session pointer.
func (s *Store) CurrentSession() (string, bool) {
	raw, err := s.port.Get(keyCurrentSession)
	if err != nil {
		return "", false
	}
	id := strings.TrimSpace(string(raw))
	return id, id != ""
}

// SetCurrentSession stores the current-session pointer.
func (s *Store) SetCurrentSession(id string) {
	err := s.port.Set(keyCurrentSession, []byte(id))
	s.recordWrite("prefs", err, slog.String("key", keyCurrentSession))
}

// LivePinned reports the stored live-room pin flag.
func (s *Store) LivePinned() bool {
	raw, err := s.port.Get(keyLivePinned)
	return err == nil && strings.TrimSpace(string(raw)) == "1"
}

// SetLivePinned stores the live-room pin flag.
func (s *Store) SetLivePinned(on bool) {
	s.setFlag(keyLivePinned, on)
}

func (s *Store) setFlag(key string, on bool) {
	v := "0"
	if on {
		v = "1"
	}
	err := s.port.Set(key, []byte(v))
	s.recordWrite("prefs", err, slog.String("key", key))
}

// =============================================================================
// Derivation
// =============================================================================

func deriveTitle(msgs []datatypes.Message, fallback string, limit int) string {
	for _, m := range msgs {
		if m.Role != datatypes.RoleUser || strings.TrimSpace(m.Text) == "" {
			continue
		}
		first, _, _ := strings.Cut(strings.TrimSpace(m.Text), "\n")
		return Truncate(strings.TrimSpace(first), limit)
	}
	if t := strings.TrimSpace(fallback); t != "" {
		return Truncate(t, limit)
	}
	return DefaultTitle
}

func deriveSummary(msgs []datatypes.Message, limit int) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Role == datatypes.RoleAssistant && strings.TrimSpace(m.Text) != "" {
			return Truncate(m.Text, limit)
		}
	}
	return ""
}

func countPersistable(msgs []datatypes.Message) int {
	n := 0
	for _, m := range msgs {
		if !m.Transient {
			n++
		}
	}
	return n
}

// Truncate cuts s to limit runes and appends an ellipsis when it was
// longer.
func Truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + ellipsis
}
