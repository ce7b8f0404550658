// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/AleutianAI/AleutianChat/pkg/logging"
	"github.com/AleutianAI/AleutianChat/pkg/schedule"
	"github.com/AleutianAI/AleutianChat/pkg/sse"
	"github.com/AleutianAI/AleutianChat/services/chat/cancel"
	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
	"github.com/AleutianAI/AleutianChat/services/chat/observability"
)

// =============================================================================
// Helpers
// =============================================================================

type funcTransport func(ctx context.Context, req datatypes.ChatRequest, emit EmitFunc) error

func (f funcTransport) Stream(ctx context.Context, req datatypes.ChatRequest, emit EmitFunc) error {
	return f(ctx, req, emit)
}

func (funcTransport) Name() observability.Transport { return observability.TransportHTTP }

func texts(parts ...string) funcTransport {
	return func(_ context.Context, _ datatypes.ChatRequest, emit EmitFunc) error {
		for _, p := range parts {
			if err := emit(sse.Event{Type: sse.EventText, Text: p}); err != nil {
				return err
			}
		}
		return emit(sse.Event{Type: sse.EventDone})
	}
}

type recordingTarget struct {
	mu        sync.Mutex
	texts     []string
	sources   []sse.Source
	followups []string
}

func (r *recordingTarget) SetText(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, s)
}

func (r *recordingTarget) SetSources(s []sse.Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources = s
}

func (r *recordingTarget) SetFollowups(f []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.followups = f
}

func (r *recordingTarget) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.texts) == 0 {
		return ""
	}
	return r.texts[len(r.texts)-1]
}

func testRequest(text string) datatypes.ChatRequest {
	return BuildRequest(Prompt{Text: text, Mode: datatypes.ModeGeneral, SessionID: "s1"})
}

func newConsumer(t Transport, clock schedule.Clock, m *observability.Metrics) *Consumer {
	return NewConsumer(t, Options{Clock: clock, Logger: logging.Discard(), Metrics: m})
}

func histogramCount(t *testing.T, reg *prometheus.Registry, name string) uint64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf.GetMetric()[0].GetHistogram().GetSampleCount()
		}
	}
	return 0
}

// =============================================================================
// Consumer
// =============================================================================

func TestRun_YieldsEventsInOrder(t *testing.T) {
	tr := funcTransport(func(_ context.Context, _ datatypes.ChatRequest, emit EmitFunc) error {
		for _, ev := range []sse.Event{
			{Type: sse.EventSession, SessionID: "srv-1"},
			{Type: sse.EventText, Text: "a"},
			{Type: sse.EventContext, Page: map[string]any{"url": "x"}},
			{Type: sse.EventText, Text: "b"},
			{Type: sse.EventSources, Sources: []sse.Source{{Title: "T"}}},
			{Type: sse.EventFollowups, Followups: []string{"more?"}},
			{Type: sse.EventDone},
			{Type: sse.EventText, Text: "after done"},
		} {
			if err := emit(ev); err != nil {
				return err
			}
		}
		return nil
	})
	var session string
	c := NewConsumer(tr, Options{Logger: logging.Discard(), OnSession: func(id string) { session = id }})

	var got []sse.EventType
	for ev, err := range c.Run(context.Background(), testRequest("hi"), nil) {
		require.NoError(t, err)
		got = append(got, ev.Type)
	}
	assert.Equal(t, []sse.EventType{sse.EventText, sse.EventText, sse.EventSources, sse.EventFollowups}, got)
	assert.Equal(t, "srv-1", session)
}

func TestRun_NotRestartable(t *testing.T) {
	c := newConsumer(texts("x"), nil, nil)
	seq := c.Run(context.Background(), testRequest("hi"), nil)
	for range seq {
	}
	var errs []error
	for _, err := range seq {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrAlreadyConsumed)
}

func TestRun_FirstTokenLatencyRecordedOnce(t *testing.T) {
	clock := schedule.NewFakeClock(time.Unix(1_700_000_000, 0))
	reg := prometheus.NewRegistry()
	m := observability.NewMetrics(reg)
	tr := funcTransport(func(_ context.Context, _ datatypes.ChatRequest, emit EmitFunc) error {
		clock.Advance(250 * time.Millisecond)
		for _, p := range []string{"one ", "two ", "three"} {
			if err := emit(sse.Event{Type: sse.EventText, Text: p}); err != nil {
				return err
			}
			clock.Advance(10 * time.Millisecond)
		}
		return nil
	})

	res, err := newConsumer(tr, clock, m).Into(context.Background(), testRequest("q"), nil, &recordingTarget{})
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, res.FirstTokenLatency)
	assert.Equal(t, "one two three", res.Text)
	assert.Equal(t, uint64(1), histogramCount(t, reg, "aleutian_chat_time_to_first_token_seconds"))
}

func TestRun_UpstreamErrorEvent(t *testing.T) {
	tr := funcTransport(func(_ context.Context, _ datatypes.ChatRequest, emit EmitFunc) error {
		if err := emit(sse.Event{Type: sse.EventText, Text: "par"}); err != nil {
			return err
		}
		return emit(sse.Event{Type: sse.EventError, Message: "context length exceeded"})
	})
	target := &recordingTarget{}
	res, err := newConsumer(tr, nil, nil).Into(context.Background(), testRequest("q"), nil, target)

	var ce *ChatError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, CodeServer, ce.Code)
	assert.Equal(t, "context length exceeded", ce.Error())
	assert.Equal(t, "par", res.Text)
	assert.Equal(t, "par", target.last(), "partial text is kept")
}

func TestInto_ReplacesTextWholesaleAndMergesMetadata(t *testing.T) {
	clock := schedule.NewFakeClock(time.Unix(0, 0))
	tr := funcTransport(func(_ context.Context, _ datatypes.ChatRequest, emit EmitFunc) error {
		for _, p := range []string{"Hel", "lo", " world"} {
			if err := emit(sse.Event{Type: sse.EventText, Text: p}); err != nil {
				return err
			}
			clock.Advance(time.Second)
		}
		_ = emit(sse.Event{Type: sse.EventSources, Sources: []sse.Source{{URL: "https://a"}}})
		return emit(sse.Event{Type: sse.EventFollowups, Followups: []string{"next"}})
	})
	target := &recordingTarget{}
	_, err := newConsumer(tr, clock, nil).Into(context.Background(), testRequest("q"), nil, target)
	require.NoError(t, err)

	assert.Equal(t, []string{"Hel", "Hello", "Hello world"}, target.texts)
	assert.Equal(t, []sse.Source{{URL: "https://a"}}, target.sources)
	assert.Equal(t, []string{"next"}, target.followups)
}

func TestInto_CancellationKeepsPartialText(t *testing.T) {
	var slot cancel.Slot
	tok := slot.Next(context.Background())
	tr := funcTransport(func(_ context.Context, _ datatypes.ChatRequest, emit EmitFunc) error {
		_ = emit(sse.Event{Type: sse.EventText, Text: "Hel"})
		_ = emit(sse.Event{Type: sse.EventText, Text: "lo"})
		slot.Next(context.Background())
		if err := emit(sse.Event{Type: sse.EventText, Text: " never"}); err != nil {
			return err
		}
		return emit(sse.Event{Type: sse.EventText, Text: " seen"})
	})

	target := &recordingTarget{}
	clock := schedule.NewFakeClock(time.Unix(0, 0))
	res, err := newConsumer(tr, clock, nil).Into(context.Background(), testRequest("A"), tok, target)
	require.NoError(t, err, "cancellation is not an error")
	assert.True(t, res.Cancelled)
	assert.Equal(t, cancel.ReasonSuperseded, tok.Reason())
	assert.Equal(t, "Hello", res.Text)
	assert.Equal(t, []string{"Hello"}, target.texts)

	clock.Advance(time.Second)
	assert.Equal(t, []string{"Hello"}, target.texts, "no commit after cancellation")
}

func TestInto_ConstrainedDeviceUsesInterval(t *testing.T) {
	clock := schedule.NewFakeClock(time.Unix(0, 0))
	tr := funcTransport(func(_ context.Context, _ datatypes.ChatRequest, emit EmitFunc) error {
		for i := 0; i < 4; i++ {
			if err := emit(sse.Event{Type: sse.EventText, Text: fmt.Sprint(i)}); err != nil {
				return err
			}
			clock.Advance(20 * time.Millisecond)
		}
		return nil
	})
	c := NewConsumer(tr, Options{Clock: clock, Logger: logging.Discard(), DeviceClass: schedule.DeviceConstrained})
	target := &recordingTarget{}
	_, err := c.Into(context.Background(), testRequest("q"), nil, target)
	require.NoError(t, err)
	// Deltas at 0,20,40,60ms; the 64ms timer commits "0123", and the final
	// flush has nothing newer.
	assert.Equal(t, []string{"0123"}, target.texts)
}

func TestRun_RecordsSpan(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	defer tp.Shutdown(context.Background())

	c := NewConsumer(texts("a", "b"), Options{Logger: logging.Discard(), TracerProvider: tp})
	for range c.Run(context.Background(), testRequest("q"), nil) {
	}

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "stream.Run", spans[0].Name())
	assert.Len(t, spans[0].Events(), 1, "one first_token event")
}

// =============================================================================
// HTTP transport
// =============================================================================

func TestHTTPTransport_SSE(t *testing.T) {
	var gotReq datatypes.ChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, StreamPath, r.URL.Path)
		assert.Equal(t, StreamAccept, r.Header.Get("Accept"))
		assert.Equal(t, "k", r.Header.Get("X-API-KEY"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		for _, frame := range []string{
			`data: {"text":"Hi"}`,
			`data: {"type":"text","text":" there"}`,
			`data: {"type":"sources","sources":[{"title":"Doc","url":"https://d"}]}`,
			`data: [DONE]`,
		} {
			fmt.Fprint(w, frame+"\n\n")
			fl.Flush()
		}
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL)
	tr.APIKey = "k"
	target := &recordingTarget{}
	res, err := newConsumer(tr, nil, nil).Into(context.Background(), testRequest("hello"), nil, target)
	require.NoError(t, err)

	assert.Equal(t, "Hi there", res.Text)
	assert.Equal(t, "Hi there", target.last())
	assert.Equal(t, []sse.Source{{Title: "Doc", URL: "https://d"}}, res.Sources)
	assert.Equal(t, "hello", gotReq.Text)
	require.NotEmpty(t, gotReq.Parts)
	assert.Equal(t, "hello", gotReq.Parts[len(gotReq.Parts)-1].Text)
}

func TestHTTPTransport_NDJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprint(w, "{\"text\":\"a\"}\n{\"text\":\"b\"}\n")
	}))
	defer srv.Close()

	res, err := newConsumer(NewHTTPTransport(srv.URL), nil, nil).
		Into(context.Background(), testRequest("q"), nil, &recordingTarget{})
	require.NoError(t, err)
	assert.Equal(t, "ab", res.Text)
}

func TestHTTPTransport_ErrorStatus(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantCode  ErrorCode
		wantMsg   string
		retryable bool
	}{
		{"verbatim upstream", 502, `{"error":"model overloaded"}`, CodeServer, "model overloaded", true},
		{"nested message", 400, `{"error":{"message":"bad prompt"}}`, CodeValidation, "bad prompt", false},
		{"rate limited", 429, ``, CodeRateLimit, "HTTP 429", true},
		{"unauthorized", 401, `nope`, CodeAuth, "nope", false},
		{"html page", 500, `<html>oops</html>`, CodeServer, "HTTP 500", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			var errs []error
			for _, err := range newConsumer(NewHTTPTransport(srv.URL), nil, nil).Run(context.Background(), testRequest("q"), nil) {
				errs = append(errs, err)
			}
			require.Len(t, errs, 1)
			var ce *ChatError
			require.ErrorAs(t, errs[0], &ce)
			assert.Equal(t, tt.wantCode, ce.Code)
			assert.Equal(t, tt.status, ce.Status)
			assert.Equal(t, tt.wantMsg, ce.Message)
			assert.Equal(t, tt.retryable, ce.IsRetryable())
		})
	}
}

func TestHTTPTransport_NetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	var errs []error
	for _, err := range newConsumer(NewHTTPTransport(url), nil, nil).Run(context.Background(), testRequest("q"), nil) {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	ce := AsChatError(errs[0])
	assert.Equal(t, CodeNetwork, ce.Code)
	assert.True(t, ce.IsRetryable())
}

func TestHTTPTransport_CancelledMidStream(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"text\":\"partial\"}\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	tok := cancel.New(context.Background())
	target := &recordingTarget{}
	c := newConsumer(NewHTTPTransport(srv.URL), nil, nil)

	done := make(chan Result, 1)
	go func() {
		res, err := c.Into(context.Background(), testRequest("q"), tok, target)
		assert.NoError(t, err)
		done <- res
	}()

	require.Eventually(t, func() bool { return target.last() == "partial" }, 2*time.Second, 5*time.Millisecond)
	tok.Cancel(cancel.ReasonUser)

	select {
	case res := <-done:
		assert.True(t, res.Cancelled)
		assert.Equal(t, "partial", res.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("Into did not return after cancel")
	}
}

// =============================================================================
// WebSocket and fallback
// =============================================================================

func TestWebSocketTransport(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		assert.Equal(t, "message", msg["type"])
		assert.Equal(t, "ws hello", msg["text"])
		for _, frame := range []string{
			`{"type":"session","sessionId":"srv"}`,
			`{"text":"over "}`,
			`{"type":"text","text":"ws"}`,
			`{"type":"followups","followups":["again?"]}`,
			`{"type":"done"}`,
		} {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(frame))
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	res, err := newConsumer(NewWebSocketTransport(srv.URL), nil, nil).
		Into(context.Background(), testRequest("ws hello"), nil, &recordingTarget{})
	require.NoError(t, err)
	assert.Equal(t, "over ws", res.Text)
	assert.Equal(t, []string{"again?"}, res.Followups)
}

func TestWebSocketURL(t *testing.T) {
	u, err := WebSocketURL("https://chat.example.com/")
	require.NoError(t, err)
	assert.Equal(t, "wss://chat.example.com/api/v1/chat/ws", u)

	u, err = WebSocketURL("http://localhost:8080")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/api/v1/chat/ws", u)

	_, err = WebSocketURL("ftp://x")
	assert.Error(t, err)
}

func TestFallbackTransport(t *testing.T) {
	failing := funcTransport(func(context.Context, datatypes.ChatRequest, EmitFunc) error {
		return &ChatError{Code: CodeNetwork, Message: "WebSocket error"}
	})
	failsLate := funcTransport(func(_ context.Context, _ datatypes.ChatRequest, emit EmitFunc) error {
		if err := emit(sse.Event{Type: sse.EventText, Text: "half"}); err != nil {
			return err
		}
		return &ChatError{Code: CodeNetwork, Message: "WebSocket error"}
	})

	t.Run("falls back before first event", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		m := observability.NewMetrics(reg)
		tr := &FallbackTransport{Primary: failing, Secondary: texts("from http"), Logger: logging.Discard(), Metrics: m}
		res, err := newConsumer(tr, nil, nil).Into(context.Background(), testRequest("q"), nil, &recordingTarget{})
		require.NoError(t, err)
		assert.Equal(t, "from http", res.Text)
	})

	t.Run("no fallback after an event", func(t *testing.T) {
		tr := &FallbackTransport{Primary: failsLate, Secondary: texts("nope"), Logger: logging.Discard()}
		res, err := newConsumer(tr, nil, nil).Into(context.Background(), testRequest("q"), nil, &recordingTarget{})
		var ce *ChatError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, "half", res.Text)
	})
}

// =============================================================================
// Prompt and errors
// =============================================================================

func TestBuildRequest_PartOrder(t *testing.T) {
	req := BuildRequest(Prompt{
		Text:          "what is this?",
		Mode:          datatypes.ModeGeneral,
		RAGContext:    "rag body",
		MemoryContext: "memory body",
		ArticleText:   "article body",
		ImageURL:      "https://img/x.png",
		ImageAnalysis: "a cat",
	})
	require.Len(t, req.Parts, 5)
	assert.Equal(t, DefaultStylePrompt, req.Parts[0].Text)
	assert.Contains(t, req.Parts[1].Text, "rag body")
	assert.Contains(t, req.Parts[2].Text, "memory body")
	assert.Contains(t, req.Parts[3].Text, "article body")
	assert.True(t, strings.HasSuffix(req.Parts[4].Text, "what is this?"))
	assert.Contains(t, req.Parts[4].Text, "a cat")
	for _, p := range req.Parts {
		assert.Equal(t, "text", p.Type)
	}

	minimal := BuildRequest(Prompt{Text: "hi", StylePrompt: "be brief"})
	require.Len(t, minimal.Parts, 2)
	assert.Equal(t, "be brief", minimal.Parts[0].Text)
	assert.Equal(t, datatypes.ModeArticle, minimal.Mode)
}

func TestExtractErrorText(t *testing.T) {
	assert.Equal(t, "a", ExtractErrorText([]byte(`{"error":"a"}`)))
	assert.Equal(t, "b", ExtractErrorText([]byte(`{"message":"b"}`)))
	assert.Equal(t, "c", ExtractErrorText([]byte(`{"error":{"message":"c"}}`)))
	assert.Equal(t, "d", ExtractErrorText([]byte(`{"detail":"d"}`)))
	assert.Equal(t, "", ExtractErrorText([]byte(`{"other":1}`)))
	assert.Equal(t, "plain failure", ExtractErrorText([]byte("  plain failure \n")))
	assert.Equal(t, "", ExtractErrorText(nil))
}

func TestAsChatError(t *testing.T) {
	assert.Nil(t, AsChatError(nil))
	assert.Equal(t, CodeAborted, AsChatError(context.Canceled).Code)
	assert.Equal(t, CodeTimeout, AsChatError(fmt.Errorf("wrap: %w", context.DeadlineExceeded)).Code)
	assert.Equal(t, CodeUnknown, AsChatError(errors.New("boom")).Code)
}
