// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessage_Expired(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	m := NewTransientStatus(LevelInfo, "alice joined", now, 4*time.Second)

	assert.True(t, m.Transient)
	assert.Equal(t, KindStatus, m.SystemKind)
	assert.False(t, m.Expired(now.Add(4*time.Second)), "not expired exactly at expiresAt")
	assert.True(t, m.Expired(now.Add(4*time.Second+time.Millisecond)))

	persistent := NewSystemMessage(LevelInfo, "x", now)
	assert.False(t, persistent.Expired(now.Add(time.Hour)))
}

func TestNewSystemMessage_KindFollowsLevel(t *testing.T) {
	now := time.Now()
	assert.Equal(t, KindError, NewSystemMessage(LevelError, "boom", now).SystemKind)
	assert.Equal(t, KindStatus, NewSystemMessage(LevelWarn, "hm", now).SystemKind)
	assert.True(t, NewSystemMessage(LevelError, "boom", now).IsError())
}

func TestNewMessageID_OrderedAndUnique(t *testing.T) {
	seen := map[string]bool{}
	prev := ""
	for i := 0; i < 200; i++ {
		id := NewMessageID()
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
		assert.Greater(t, id, prev)
		prev = id
	}
}

func TestMessage_CloneIsDeep(t *testing.T) {
	m := Message{ID: "1", Sources: []Source{{Title: "a"}}, Followups: []string{"q"}}
	c := m.Clone()
	c.Sources[0].Title = "b"
	c.Followups[0] = "z"
	assert.Equal(t, "a", m.Sources[0].Title)
	assert.Equal(t, "q", m.Followups[0])
}

func TestDecodeLiveEvent(t *testing.T) {
	tests := []struct {
		name     string
		data     string
		fallback string
		want     LiveEvent
	}{
		{"connected", `{"type":"connected","room":"room:lobby","onlineCount":3}`, "", ConnectedEvent{Room: "room:lobby", OnlineCount: 3}},
		{"presence", `{"type":"presence","action":"join","sessionId":"s2","name":"visitor-ab12","onlineCount":2}`, "",
			PresenceEvent{Action: PresenceJoin, SessionID: "s2", Name: "visitor-ab12", OnlineCount: 2}},
		{"live message defaults sender", `{"type":"live_message","sessionId":"s2","name":"bob","text":"hi"}`, "",
			LiveMessage{SessionID: "s2", Name: "bob", Text: "hi", SenderType: SenderClient}},
		{"notification defaults level", `{"type":"session_notification","sessionId":"s1","message":"m"}`, "",
			SessionNotification{SessionID: "s1", Level: LevelInfo, Message: "m"}},
		{"ping from event name", `{}`, "ping", PingEvent{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeLiveEvent([]byte(tt.data), tt.fallback)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := DecodeLiveEvent([]byte(`{"type":"teleport"}`), "")
	assert.ErrorIs(t, err, ErrUnknownLiveEvent)

	_, err = DecodeLiveEvent([]byte(`not json`), "")
	assert.Error(t, err)
}

func TestEncodeLiveEvent_RoundTrip(t *testing.T) {
	in := LiveMessage{SessionID: "s", Name: "n", Text: "t", SenderType: SenderAgent, Room: "room:lobby"}
	data, err := EncodeLiveEvent(in)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.Equal(t, "live_message", fields["type"])

	out, err := DecodeLiveEvent(data, "")
	require.NoError(t, err)
	assert.Equal(t, in, out)

	data, err = EncodeLiveEvent(PingEvent{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ping"}`, string(data))
}

func TestChatRequest_Validate(t *testing.T) {
	ok := ChatRequest{Text: "Hello", Mode: ModeGeneral}
	assert.NoError(t, ok.Validate())

	bad := ChatRequest{Text: "", Mode: "freeform"}
	assert.Error(t, bad.Validate())

	huge := ChatRequest{Text: strings.Repeat("x", MaxPromptBytes+1), Mode: ModeGeneral}
	assert.Error(t, huge.Validate())

	badURL := ChatRequest{Text: "x", Mode: ModeArticle, ImageURL: "not a url"}
	assert.Error(t, badURL.Validate())
}

func TestLiveMessageRequest_Validate(t *testing.T) {
	req := LiveMessageRequest{SessionID: "s", Room: "room:lobby", Text: "hi", Name: "visitor-1a2b", SenderType: SenderClient}
	assert.NoError(t, req.Validate())

	req.Room = "lobby"
	assert.Error(t, req.Validate(), "room keys carry the room: prefix")

	req.Room = "room:lobby"
	req.SenderType = "bot"
	assert.Error(t, req.Validate())
}
