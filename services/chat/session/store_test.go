// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianChat/pkg/logging"
	"github.com/AleutianAI/AleutianChat/pkg/schedule"
	"github.com/AleutianAI/AleutianChat/pkg/storage"
	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
	"github.com/AleutianAI/AleutianChat/services/chat/observability"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T, mem *storage.Memory) (*Store, *schedule.FakeClock) {
	t.Helper()
	clock := schedule.NewFakeClock(epoch)
	s := New(mem, Options{Clock: clock, Logger: logging.Discard()})
	t.Cleanup(func() { _ = s.Close() })
	return s, clock
}

func fullKey(id string) string { return KeyPrefix + MessagesKey(id) }

func TestPersist_BurstCollapsesIntoOneWrite(t *testing.T) {
	mem := storage.NewMemory()
	s, clock := newTestStore(t, mem)
	id := s.CreateSession()

	var last datatypes.Message
	for i := 0; i < 6; i++ {
		last = datatypes.NewUserMessage(fmt.Sprintf("msg %d", i), clock.Now())
		s.AppendMessage(id, last)
		s.Persist(id)
		clock.Advance(100 * time.Millisecond)
	}
	assert.Equal(t, 0, mem.Writes(fullKey(id)), "no write inside the window")

	clock.Advance(DefaultMessageDelay)
	require.Equal(t, 1, mem.Writes(fullKey(id)))

	var stored []datatypes.Message
	ok, err := storage.GetJSON(mem, fullKey(id), &stored)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, stored, 6)
	assert.Equal(t, last.ID, stored[5].ID)
}

func TestPersistReload_RoundTripCapsAndDropsTransient(t *testing.T) {
	mem := storage.NewMemory()
	s, clock := newTestStore(t, mem)
	id := s.CreateSession()

	var want []datatypes.Message
	for i := 0; i < 250; i++ {
		role := datatypes.RoleUser
		if i%2 == 1 {
			role = datatypes.RoleAssistant
		}
		m := datatypes.Message{ID: datatypes.NewMessageID(), Role: role, Text: fmt.Sprintf("line %d", i)}
		want = append(want, m)
		s.AppendMessage(id, m)
		if i%40 == 0 {
			s.AppendMessage(id, datatypes.NewTransientStatus(datatypes.LevelInfo, "joined", clock.Now(), 4*time.Second))
		}
	}
	s.Persist(id)
	s.Flush()

	reloaded, _ := newTestStore(t, mem)
	got := reloaded.LoadSession(id)

	want = want[len(want)-DefaultMaxMessages:]
	opt := cmpopts.IgnoreFields(datatypes.Message{}, "CreatedAt")
	if diff := cmp.Diff(want, got, opt); diff != "" {
		t.Errorf("reloaded messages mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadSession_CorruptDegradesToEmpty(t *testing.T) {
	mem := storage.NewMemory()
	require.NoError(t, mem.Set(fullKey("bad"), []byte("{not json")))
	require.NoError(t, mem.Set(KeyPrefix+keyIndex, []byte(`{"id":`)))

	s, _ := newTestStore(t, mem)
	assert.Empty(t, s.LoadSession("bad"))
	assert.Empty(t, s.LoadSession("absent"))
	assert.Empty(t, s.Index())

	mem.FailReads(errors.New("quota"))
	assert.Empty(t, s.LoadSession("bad"))
}

func TestPersist_StorageFailureIsSwallowed(t *testing.T) {
	mem := storage.NewMemory()
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	clock := schedule.NewFakeClock(epoch)
	s := New(mem, Options{Clock: clock, Logger: logging.Discard(), Metrics: metrics})
	defer s.Close()

	id := s.CreateSession()
	s.AppendMessage(id, datatypes.NewUserMessage("hi", clock.Now()))
	mem.FailWrites(errors.New("quota exceeded"))
	s.Persist(id)
	clock.Advance(time.Second)

	assert.Len(t, s.Messages(id), 1, "memory stays authoritative")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.StorageWritesTotal.WithLabelValues("messages", "error")))
}

func TestUpdateIndexEntry_TitleSummaryAndOrder(t *testing.T) {
	mem := storage.NewMemory()
	s, clock := newTestStore(t, mem)

	first := s.CreateSession()
	assert.False(t, s.UpdateIndexEntry(first), "no messages, no entry")

	long := strings.Repeat("가", 70) + "\nsecond line"
	s.AppendMessage(first, datatypes.NewUserMessage("   ", clock.Now()))
	s.AppendMessage(first, datatypes.NewUserMessage(long, clock.Now()))
	reply := datatypes.NewAssistantMessage(clock.Now())
	reply.Text = strings.Repeat("a", 200)
	s.AppendMessage(first, reply)
	require.True(t, s.UpdateIndexEntry(first))
	assert.False(t, s.UpdateIndexEntry(first), "unchanged session is not rewritten")

	clock.Advance(100 * time.Millisecond)
	second := s.CreateSession()
	s.AppendMessage(second, datatypes.NewUserMessage("short question", clock.Now()))
	require.True(t, s.UpdateIndexEntry(second))

	idx := s.Index()
	require.Len(t, idx, 2)
	assert.Equal(t, second, idx[0].ID, "most recent first")
	assert.Equal(t, "short question", idx[0].Title)
	assert.Empty(t, idx[0].Summary)

	meta := idx[1]
	assert.Equal(t, strings.Repeat("가", 60)+"…", meta.Title)
	assert.Equal(t, strings.Repeat("a", 160)+"…", meta.Summary)
	assert.Equal(t, 3, meta.MessageCount)

	assert.Equal(t, 0, mem.Writes(KeyPrefix+keyIndex))
	clock.Advance(DefaultIndexDelay)
	assert.Equal(t, 1, mem.Writes(KeyPrefix+keyIndex), "index writes coalesce")
}

func TestUpdateIndexEntry_KeepsExistingTitle(t *testing.T) {
	mem := storage.NewMemory()
	s, clock := newTestStore(t, mem)
	id := s.CreateSession()

	s.AppendMessage(id, datatypes.NewUserMessage("original title", clock.Now()))
	s.UpdateIndexEntry(id)
	s.UpdateMessage(id, s.Messages(id)[0].ID, func(m *datatypes.Message) { m.Text = "edited" })
	s.UpdateIndexEntry(id)

	meta, ok := s.Meta(id)
	require.True(t, ok)
	assert.Equal(t, "original title", meta.Title)
}

func TestSetPersist_OffWritesNothing(t *testing.T) {
	mem := storage.NewMemory()
	s, clock := newTestStore(t, mem)
	s.SetPersist(false)

	id := s.CreateSession()
	s.AppendMessage(id, datatypes.NewUserMessage("private", clock.Now()))
	s.Persist(id)
	s.UpdateIndexEntry(id)
	clock.Advance(time.Second)
	s.Flush()

	assert.Empty(t, mem.Keys(KeyPrefix+"session."))
	assert.Equal(t, 0, mem.Writes(KeyPrefix+keyIndex))

	reopened, _ := newTestStore(t, mem)
	assert.False(t, reopened.PersistEnabled())
}

func TestPruneExpired_StrictlyAfterExpiry(t *testing.T) {
	s, clock := newTestStore(t, storage.NewMemory())
	id := s.CreateSession()
	s.AppendMessage(id, datatypes.NewUserMessage("stay", clock.Now()))
	s.AppendMessage(id, datatypes.NewTransientStatus(datatypes.LevelInfo, "visitor joined", clock.Now(), 4*time.Second))

	next, ok := s.NextExpiry(id)
	require.True(t, ok)
	assert.Equal(t, clock.Now().Add(4*time.Second).UnixMilli(), next)

	assert.Equal(t, 0, s.PruneExpired(id, clock.Now().Add(4*time.Second)))
	assert.Len(t, s.Messages(id), 2)

	assert.Equal(t, 1, s.PruneExpired(id, clock.Now().Add(4*time.Second+time.Millisecond)))
	assert.Len(t, s.Messages(id), 1)
	_, ok = s.NextExpiry(id)
	assert.False(t, ok)
}

func TestClear_FlushesAndIssuesFreshID(t *testing.T) {
	mem := storage.NewMemory()
	s, clock := newTestStore(t, mem)
	id := s.CreateSession()
	s.AppendMessage(id, datatypes.NewUserMessage("keep me", clock.Now()))
	s.Persist(id)

	var changes []Change
	unsub := s.Subscribe(func(c Change) { changes = append(changes, c) })
	next := s.Clear(id)
	unsub()

	assert.NotEqual(t, id, next)
	assert.Empty(t, s.Messages(id))
	assert.Equal(t, 1, mem.Writes(fullKey(id)), "pending write flushed, stored data kept")
	require.NotEmpty(t, changes)
	assert.Equal(t, ChangeCleared, changes[len(changes)-1].Kind)
}

func TestClear_LateAppendsDoNotOverwriteStoredHistory(t *testing.T) {
	mem := storage.NewMemory()
	s, clock := newTestStore(t, mem)
	id := s.CreateSession()
	s.AppendMessage(id, datatypes.NewUserMessage("first", clock.Now()))
	s.AppendMessage(id, datatypes.NewAssistantMessage(clock.Now()))
	s.Persist(id)
	s.UpdateIndexEntry(id)
	s.Flush()

	s.Clear(id)
	s.AppendMessage(id, datatypes.NewAssistantMessage(clock.Now()))
	s.SetMeta(id, datatypes.ModeGeneral, "", "")
	s.Persist(id)
	s.UpdateIndexEntry(id)
	s.Flush()

	var stored []datatypes.Message
	_, err := storage.GetJSON(storage.WithPrefix(mem, KeyPrefix), MessagesKey(id), &stored)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
	assert.Empty(t, s.Messages(id))
	meta, ok := s.Meta(id)
	require.True(t, ok)
	assert.Equal(t, 2, meta.MessageCount)

	// Loading lifts the tombstone.
	require.Len(t, s.LoadSession(id), 2)
	s.AppendMessage(id, datatypes.NewUserMessage("again", clock.Now()))
	assert.Len(t, s.Messages(id), 3)
}

// gatedPort blocks the first write of key until release is closed.
type gatedPort struct {
	*storage.Memory
	key     string
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedPort) Set(key string, value []byte) error {
	if key == g.key {
		g.once.Do(func() {
			close(g.entered)
			<-g.release
		})
	}
	return g.Memory.Set(key, value)
}

func TestClear_UpdatesDuringFlushAreDropped(t *testing.T) {
	mem := storage.NewMemory()
	clock := schedule.NewFakeClock(epoch)
	gate := &gatedPort{Memory: mem, entered: make(chan struct{}), release: make(chan struct{})}
	s := New(gate, Options{Clock: clock, Logger: logging.Discard()})
	t.Cleanup(func() { _ = s.Close() })

	id := s.CreateSession()
	gate.key = fullKey(id)
	reply := datatypes.NewAssistantMessage(clock.Now())
	s.AppendMessage(id, reply)
	s.UpdateMessage(id, reply.ID, func(m *datatypes.Message) { m.Text = "partial" })
	s.Persist(id)

	cleared := make(chan string)
	go func() { cleared <- s.Clear(id) }()
	<-gate.entered

	called := false
	assert.False(t, s.UpdateMessage(id, reply.ID, func(m *datatypes.Message) {
		called = true
		m.Text = "partial and more"
	}))
	assert.False(t, s.RemoveMessage(id, reply.ID))
	assert.False(t, called)

	close(gate.release)
	next := <-cleared
	assert.NotEqual(t, id, next)

	var stored []datatypes.Message
	_, err := storage.GetJSON(storage.WithPrefix(mem, KeyPrefix), MessagesKey(id), &stored)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "partial", stored[0].Text)
}

func TestUpdateMessage_OnlyTouchesOwnedID(t *testing.T) {
	s, clock := newTestStore(t, storage.NewMemory())
	id := s.CreateSession()
	user := datatypes.NewUserMessage("q", clock.Now())
	reply := datatypes.NewAssistantMessage(clock.Now())
	s.AppendMessage(id, user)
	s.AppendMessage(id, reply)

	ok := s.UpdateMessage(id, reply.ID, func(m *datatypes.Message) {
		m.Text = "answer"
		m.ID = "hijacked"
	})
	require.True(t, ok)
	assert.False(t, s.UpdateMessage(id, "missing", func(*datatypes.Message) {}))

	msgs := s.Messages(id)
	assert.Equal(t, "q", msgs[0].Text)
	assert.Equal(t, "answer", msgs[1].Text)
	assert.Equal(t, reply.ID, msgs[1].ID, "ids are stable")
}

func TestMessageTarget_WritesOnlyItsMessage(t *testing.T) {
	s, clock := newTestStore(t, storage.NewMemory())
	id := s.CreateSession()
	other := datatypes.NewAssistantMessage(clock.Now())
	mine := datatypes.NewAssistantMessage(clock.Now())
	s.AppendMessage(id, other)
	s.AppendMessage(id, mine)

	target := NewTarget(s, id, mine.ID)
	target.SetText("partial")
	target.SetSources([]datatypes.Source{{Title: "Post", URL: "/blog/2024/p"}})
	target.SetFollowups([]string{"more?"})
	target.SetText("partial answer")

	got, ok := s.Message(id, mine.ID)
	require.True(t, ok)
	assert.Equal(t, "partial answer", got.Text)
	assert.Len(t, got.Sources, 1)
	assert.Equal(t, []string{"more?"}, got.Followups)

	untouched, _ := s.Message(id, other.ID)
	assert.Empty(t, untouched.Text)
}

func TestPreferences(t *testing.T) {
	mem := storage.NewMemory()
	s, _ := newTestStore(t, mem)

	_, ok := s.CurrentSession()
	assert.False(t, ok)
	s.SetCurrentSession("abc")
	s.SetLivePinned(true)

	reopened, _ := newTestStore(t, mem)
	got, ok := reopened.CurrentSession()
	assert.True(t, ok)
	assert.Equal(t, "abc", got)
	assert.True(t, reopened.LivePinned())
	assert.True(t, reopened.PersistEnabled(), "persist defaults on")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 3))
	assert.Equal(t, "ab…", Truncate("abc", 2))
	assert.Equal(t, "한…", Truncate("한국", 1))
}
