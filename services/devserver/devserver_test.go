// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package devserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/AleutianAI/AleutianChat/pkg/logging"
	"github.com/AleutianAI/AleutianChat/pkg/sse"
	"github.com/AleutianAI/AleutianChat/services/chat/contextagg"
	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
	"github.com/AleutianAI/AleutianChat/services/chat/engine"
	"github.com/AleutianAI/AleutianChat/services/chat/live"
	"github.com/AleutianAI/AleutianChat/services/chat/stream"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T, cfg Config, opts Options) (*Server, *httptest.Server) {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	s := New(cfg, opts)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		ts.Close()
	})
	return s, ts
}

func leakOptions() []goleak.Option {
	return []goleak.Option{
		goleak.IgnoreAnyFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreAnyFunction("net/http.(*persistConn).writeLoop"),
	}
}

func collect(t *testing.T, tr stream.Transport, req datatypes.ChatRequest) []sse.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var events []sse.Event
	err := tr.Stream(ctx, req, func(ev sse.Event) error {
		events = append(events, ev)
		return nil
	})
	require.NoError(t, err)
	return events
}

func replyText(events []sse.Event) string {
	var b strings.Builder
	for _, ev := range events {
		if ev.Type == sse.EventText {
			b.WriteString(ev.Text)
		}
	}
	return b.String()
}

func ofType(events []sse.Event, typ sse.EventType) []sse.Event {
	var out []sse.Event
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// =============================================================================
// Chat
// =============================================================================

func TestChatStream_Transports(t *testing.T) {
	_, ts := newTestServer(t, Config{}, Options{})
	req := datatypes.ChatRequest{
		Text:       "hello there",
		Mode:       datatypes.ModeGeneral,
		SessionID:  "s1",
		RAGContext: "Streaming chat over SSE\nbody",
	}

	tests := []struct {
		name string
		tr   stream.Transport
	}{
		{"http", stream.NewHTTPTransport(ts.URL)},
		{"websocket", stream.NewWebSocketTransport(ts.URL)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := collect(t, tt.tr, req)
			assert.Equal(t, "You said: hello there", replyText(events))

			sources := ofType(events, sse.EventSources)
			require.Len(t, sources, 1)
			assert.Equal(t, "Streaming chat over SSE", sources[0].Sources[0].Title)

			followups := ofType(events, sse.EventFollowups)
			require.Len(t, followups, 1)
			assert.Equal(t, []string{"Tell me more about hello there"}, followups[0].Followups)

			assert.Equal(t, sse.EventDone, events[len(events)-1].Type)
		})
	}
}

func TestChatStream_RejectsInvalidRequest(t *testing.T) {
	s, ts := newTestServer(t, Config{}, Options{})
	err := stream.NewHTTPTransport(ts.URL).Stream(context.Background(),
		datatypes.ChatRequest{Text: "hi", Mode: "poetry"},
		func(sse.Event) error { return nil })

	var ce *stream.ChatError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, http.StatusBadRequest, ce.Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.RequestsTotal.WithLabelValues("chat_stream", "error")))
}

type failingResponder struct{}

func (failingResponder) Respond(context.Context, datatypes.ChatRequest, DeltaFunc) (Extras, error) {
	return Extras{}, errors.New("model offline")
}

func TestChatStream_ResponderErrorIsStreamed(t *testing.T) {
	_, ts := newTestServer(t, Config{}, Options{Responder: failingResponder{}})
	events := collect(t, stream.NewHTTPTransport(ts.URL), datatypes.ChatRequest{Text: "hi", Mode: datatypes.ModeGeneral})
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, sse.EventError, last.Type)
	assert.Equal(t, "model offline", last.Message)
}

// =============================================================================
// Live
// =============================================================================

func TestLive_SubscribeSendAndList(t *testing.T) {
	defer goleak.VerifyNone(t, leakOptions()...)

	s, ts := newTestServer(t, Config{PingInterval: time.Hour}, Options{})
	client := live.NewSSEClient(ts.URL)
	events := make(chan datatypes.LiveEvent, 16)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	disconnect, err := client.Connect(ctx, "s1", "Blog Post", "Ann", func(ev datatypes.LiveEvent) {
		events <- ev
	}, nil)
	require.NoError(t, err)

	next := func() datatypes.LiveEvent {
		select {
		case ev := <-events:
			return ev
		case <-ctx.Done():
			t.Fatal("timed out waiting for a live event")
			return nil
		}
	}

	assert.Equal(t, datatypes.ConnectedEvent{Room: "room:blog-post", OnlineCount: 1}, next())
	presence, ok := next().(datatypes.PresenceEvent)
	require.True(t, ok)
	assert.Equal(t, datatypes.PresenceJoin, presence.Action)
	assert.Equal(t, "Ann", presence.Name)

	require.NoError(t, client.Send(ctx, datatypes.LiveMessageRequest{
		SessionID: "s1", Room: "room:blog-post", Text: "hi all", Name: "Ann",
	}))
	msg, ok := next().(datatypes.LiveMessage)
	require.True(t, ok)
	assert.Equal(t, "hi all", msg.Text)
	assert.Equal(t, datatypes.SenderClient, msg.SenderType)
	assert.NotZero(t, msg.Timestamp)

	rooms, err := client.ListRooms(ctx)
	require.NoError(t, err)
	assert.Equal(t, []datatypes.RoomInfo{{Room: "room:blog-post", OnlineCount: 1}}, rooms)

	stats, err := client.RoomStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalOnline)

	disconnect()
	require.Eventually(t, func() bool { return len(s.Hub().Rooms()) == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0.0, testutil.ToFloat64(s.metrics.LiveSubscribers))
	s.Close()
	ts.Close()
}

func TestLive_StreamRequiresSession(t *testing.T) {
	s, _ := newTestServer(t, Config{}, Options{})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, live.StreamPath+"?room=room:lobby", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "sessionId is required")
}

func TestRejectsUnsafeIdentifiers(t *testing.T) {
	s, _ := newTestServer(t, Config{}, Options{})
	tests := []struct {
		name string
		req  *http.Request
		want int
	}{
		{"live session", httptest.NewRequest(http.MethodGet, live.StreamPath+"?sessionId=a%2Fb", nil), http.StatusBadRequest},
		{"memory batch user", httptest.NewRequest(http.MethodPost, "/api/v1/memories/a..b/batch",
			strings.NewReader(`{"memories":[]}`)), http.StatusBadRequest},
		{"memory search user", httptest.NewRequest(http.MethodPost, "/api/v1/rag/memories/search",
			strings.NewReader(`{"userId":"u 1","query":"x"}`)), http.StatusBadRequest},
		{"image key", httptest.NewRequest(http.MethodGet, ImagesPath+"bad%20key", nil), http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, tt.req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestLive_AgentAnswersMentions(t *testing.T) {
	s, _ := newTestServer(t, Config{AgentName: "Aleutian"}, Options{})
	sub, err := s.Hub().Join("s1", "room:lobby", "Ann")
	require.NoError(t, err)

	body, _ := json.Marshal(datatypes.LiveMessageRequest{
		SessionID: "s1", Room: "room:lobby", Text: "@Aleutian what is new?", Name: "Ann",
		SenderType: datatypes.SenderClient,
	})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, live.MessagePath, bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub.Events():
			if m, ok := ev.(datatypes.LiveMessage); ok && m.SenderType == datatypes.SenderAgent {
				assert.Equal(t, "Aleutian", m.Name)
				assert.Equal(t, "You said: @Aleutian what is new?", m.Text)
				return
			}
		case <-deadline:
			t.Fatal("agent never replied")
		}
	}
}

func TestServer_CloseWaitsForAgentRepliesAndRejectsLateOnes(t *testing.T) {
	s, _ := newTestServer(t, Config{}, Options{})
	msg := datatypes.LiveMessage{SessionID: "s1", Room: "room:lobby", Text: "@agent hi", SenderType: datatypes.SenderClient}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.startAgentReply(msg)
		}()
	}
	s.Close()
	wg.Wait()
	assert.False(t, s.startAgentReply(msg))
}

func TestLive_AgentFailureNotifiesSession(t *testing.T) {
	s, _ := newTestServer(t, Config{}, Options{Responder: failingResponder{}})
	sub, err := s.Hub().Join("s1", "room:lobby", "Ann")
	require.NoError(t, err)

	body, _ := json.Marshal(datatypes.LiveMessageRequest{
		SessionID: "s1", Room: "room:lobby", Text: "@agent help", Name: "Ann",
	})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, live.MessagePath, bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub.Events():
			if n, ok := ev.(datatypes.SessionNotification); ok {
				assert.Equal(t, datatypes.LevelWarn, n.Level)
				assert.Equal(t, "agent_unavailable", n.Code)
				return
			}
		case <-deadline:
			t.Fatal("no notification")
		}
	}
}

func TestHub_SlowSubscriberDropsEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	h := NewHub(logging.Discard(), m)
	sub, err := h.Join("s1", "room:lobby", "Ann")
	require.NoError(t, err)

	// Connected and join presence already hold two slots.
	for i := 0; i < subscriberBuffer; i++ {
		h.Post(datatypes.LiveMessage{Room: "room:lobby", Text: fmt.Sprint(i), SenderType: datatypes.SenderClient})
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(m.LiveDroppedTotal))
	assert.Len(t, sub.Events(), subscriberBuffer)

	h.Close()
	_, err = h.Join("s2", "room:lobby", "Bo")
	assert.ErrorIs(t, err, ErrHubClosed)
	select {
	case <-sub.Done():
	default:
		t.Error("Close should end subscribers")
	}
}

func TestHub_RoomsBusiestFirst(t *testing.T) {
	h := NewHub(nil, NewMetrics(prometheus.NewRegistry()))
	defer h.Close()
	for _, j := range []struct{ sid, room string }{
		{"a", "room:zeta"}, {"b", "room:alpha"}, {"c", "room:zeta"}, {"d", "room:beta"},
	} {
		_, err := h.Join(j.sid, j.room, j.sid)
		require.NoError(t, err)
	}
	assert.Equal(t, []datatypes.RoomInfo{
		{Room: "room:zeta", OnlineCount: 2},
		{Room: "room:alpha", OnlineCount: 1},
		{Room: "room:beta", OnlineCount: 1},
	}, h.Rooms())
	assert.Equal(t, 4, h.Stats().TotalOnline)
}

// =============================================================================
// Retrieval and memories
// =============================================================================

func TestSearch_PostsAndMemories(t *testing.T) {
	s, ts := newTestServer(t, Config{}, Options{})
	client := contextagg.NewClient(ts.URL)
	ctx := context.Background()

	posts, err := client.SearchPosts(ctx, "how do live rooms show presence", 3)
	require.NoError(t, err)
	require.NotEmpty(t, posts)
	assert.Equal(t, "live-rooms", posts[0].Metadata.Slug)
	assert.Greater(t, posts[0].Relevance(), 0.0)

	require.NoError(t, client.SaveMemories(ctx, "u1", []contextagg.Memory{
		{Content: "Prefers answers about Kubernetes", MemoryType: "preference", ImportanceScore: 0.8},
		{Content: "   ", MemoryType: "fact"},
	}))
	assert.Equal(t, 1, s.Memories().Count("u1"))

	mems, err := client.SearchMemories(ctx, "u1", "kubernetes answers", 5)
	require.NoError(t, err)
	require.Len(t, mems, 1)
	assert.Equal(t, "Prefers answers about Kubernetes", mems[0].Document)
	assert.Equal(t, 1.0, mems[0].Similarity)
	assert.Equal(t, "u1", mems[0].Metadata.UserID)

	other, err := client.SearchMemories(ctx, "u2", "kubernetes", 5)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestClampResults(t *testing.T) {
	assert.Equal(t, defaultResults, clampResults(0))
	assert.Equal(t, 3, clampResults(3))
	assert.Equal(t, maxResults, clampResults(500))
}

// =============================================================================
// Uploads and aggregate
// =============================================================================

var pngBytes = append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0}, 64)...)

func TestUpload_StoresAndServesImage(t *testing.T) {
	s, ts := newTestServer(t, Config{}, Options{})
	backend := engine.NewHTTPBackend(ts.URL)

	ref, err := backend.Upload(context.Background(), engine.Image{Filename: "cat.png", Data: pngBytes})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ref.URL, ts.URL+ImagesPath), ref.URL)
	assert.Equal(t, "image/png", ref.ContentType)
	assert.Equal(t, int64(len(pngBytes)), ref.Size)
	assert.Contains(t, ref.Analysis, "cat.png")
	assert.Equal(t, 1, s.uploads.Len())

	resp, err := http.Get(ref.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	got, _ := io.ReadAll(resp.Body)
	assert.Equal(t, pngBytes, got)
}

func TestUpload_ConfiguredPublicURL(t *testing.T) {
	_, ts := newTestServer(t, Config{PublicURL: "https://cdn.example.test/"}, Options{})
	backend := engine.NewHTTPBackend(ts.URL)

	ref, err := backend.Upload(context.Background(), engine.Image{Filename: "cat.png", Data: pngBytes})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ref.URL, "https://cdn.example.test"+ImagesPath), ref.URL)
}

func TestUpload_Rejections(t *testing.T) {
	_, ts := newTestServer(t, Config{MaxUploadBytes: 16}, Options{})
	backend := engine.NewHTTPBackend(ts.URL)

	tests := []struct {
		name   string
		img    engine.Image
		status int
	}{
		{"too large", engine.Image{Filename: "big.png", Data: pngBytes}, http.StatusRequestEntityTooLarge},
		{"not an image", engine.Image{Filename: "a.txt", ContentType: "text/plain", Data: []byte("hello")}, http.StatusUnsupportedMediaType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := backend.Upload(context.Background(), tt.img)
			var ce *stream.ChatError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.status, ce.Status)
		})
	}
}

func TestAggregate(t *testing.T) {
	_, ts := newTestServer(t, Config{}, Options{})
	text, err := engine.NewHTTPBackend(ts.URL).Aggregate(context.Background(), "Combine these")
	require.NoError(t, err)
	assert.Equal(t, "You said: Combine these", text)
}

func TestAggregate_ResponderFailure(t *testing.T) {
	_, ts := newTestServer(t, Config{}, Options{Responder: failingResponder{}})
	_, err := engine.NewHTTPBackend(ts.URL).Aggregate(context.Background(), "Combine these")
	var ce *stream.ChatError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "Aggregate failed", ce.Message)
}

// =============================================================================
// Routing
// =============================================================================

func TestAPIKey(t *testing.T) {
	s, _ := newTestServer(t, Config{APIKey: "secret"}, Options{})
	do := func(method, path, key string, body io.Reader) int {
		req := httptest.NewRequest(method, path, body)
		if key != "" {
			req.Header.Set("X-API-KEY", key)
		}
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, do(http.MethodGet, "/health", "", nil))
	assert.Equal(t, http.StatusUnauthorized, do(http.MethodGet, live.RoomsPath, "", nil))
	assert.Equal(t, http.StatusUnauthorized, do(http.MethodGet, live.RoomsPath, "wrong", nil))
	assert.Equal(t, http.StatusOK, do(http.MethodGet, live.RoomsPath, "secret", nil))
	assert.Equal(t, http.StatusNotFound, do(http.MethodGet, ImagesPath+"missing", "", nil))
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t, Config{}, Options{})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, live.RoomStatsPath, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `aleutian_devserver_requests_total{endpoint="live_room_stats",status="success"} 1`)
}

// =============================================================================
// Responders
// =============================================================================

func TestEchoResponder_StopsOnDeltaError(t *testing.T) {
	stop := errors.New("stop")
	calls := 0
	_, err := NewEchoResponder(0).Respond(context.Background(),
		datatypes.ChatRequest{Text: "one two three"},
		func(string) error {
			calls++
			return stop
		})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestEchoResponder_HonorsCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := NewEchoResponder(time.Hour)
	_, err := r.Respond(ctx, datatypes.ChatRequest{Text: "one two"}, func(string) error {
		cancel()
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOpenAIResponder_StreamsWithSealedKey(t *testing.T) {
	var captured struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	fake := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		w.Header().Set("Content-Type", "text/event-stream")
		for _, piece := range []string{"Hel", "lo"} {
			fmt.Fprintf(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", piece)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer fake.Close()

	r, err := NewOpenAIResponder(OpenAIConfig{APIKey: []byte("sk-test"), BaseURL: fake.URL})
	require.NoError(t, err)

	text, err := Collect(context.Background(), r, datatypes.ChatRequest{
		Text: "hi",
		Mode: datatypes.ModeGeneral,
		Parts: []datatypes.PromptPart{
			{Type: "text", Text: "Be brief."},
			{Type: "text", Text: "Context."},
			{Type: "text", Text: "hi"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello", text)
	assert.Equal(t, DefaultOpenAIModel, captured.Model)
	require.Len(t, captured.Messages, 2)
	assert.Equal(t, "system", captured.Messages[0].Role)
	assert.Equal(t, "Be brief.", captured.Messages[0].Content)
	assert.Equal(t, "Context.\n\nhi", captured.Messages[1].Content)
}

func TestNewOpenAIResponder_RequiresKey(t *testing.T) {
	_, err := NewOpenAIResponder(OpenAIConfig{})
	assert.Error(t, err)
}
