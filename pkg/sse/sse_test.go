// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sse

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

// =============================================================================
// Helpers
// =============================================================================

// chunkedReader returns one chunk per Read call, to exercise frame
// reassembly across boundaries.
type chunkedReader struct {
	chunks []string
}

func (r *chunkedReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.chunks[0])
	r.chunks[0] = r.chunks[0][n:]
	if r.chunks[0] == "" {
		r.chunks = r.chunks[1:]
	}
	return n, nil
}

func collect(t *testing.T, r io.Reader, dec Decoder) []Event {
	t.Helper()
	var got []Event
	err := NewReader().Read(context.Background(), r, dec, func(ev Event) error {
		got = append(got, ev)
		return nil
	})
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	return got
}

func textOf(events []Event) string {
	var b strings.Builder
	for _, ev := range events {
		if ev.Type == EventText {
			b.WriteString(ev.Text)
		}
	}
	return b.String()
}

// =============================================================================
// Frame Tests
// =============================================================================

func TestParseFrame(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		want   Frame
		wantOK bool
	}{
		{"single data", "data: hello", Frame{Data: "hello"}, true},
		{"no space", "data:hello", Frame{Data: "hello"}, true},
		{"multi-line data", "data: a\ndata: b", Frame{Data: "a\nb"}, true},
		{"event and id", "event: done\nid: 7\ndata: x", Frame{Event: "done", ID: "7", Data: "x"}, true},
		{"comment only", ": keepalive", Frame{}, false},
		{"crlf lines", "data: a\r\ndata: b\r", Frame{Data: "a\nb"}, true},
		{"event without data", "event: ping", Frame{Event: "ping"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseFrame(tt.raw)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if got != tt.want {
				t.Errorf("ParseFrame() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestFrameSplitter_AcrossChunks(t *testing.T) {
	var s FrameSplitter
	if got := s.Feed("data: he"); len(got) != 0 {
		t.Fatalf("partial frame emitted: %+v", got)
	}
	got := s.Feed("llo\n\ndata: wor")
	if len(got) != 1 || got[0].Data != "hello" {
		t.Fatalf("Feed() = %+v", got)
	}
	got = s.Feed("ld\r\n\r\n")
	if len(got) != 1 || got[0].Data != "world" {
		t.Fatalf("Feed() = %+v", got)
	}
	s.Feed("data: tail")
	got = s.Flush()
	if len(got) != 1 || got[0].Data != "tail" {
		t.Fatalf("Flush() = %+v", got)
	}
}

// =============================================================================
// Object Tests
// =============================================================================

func TestParseObject_Shapes(t *testing.T) {
	tests := []struct {
		name     string
		json     string
		wantText string
		wantType EventType
	}{
		{"text field", `{"type":"text","text":"Hi"}`, "Hi", EventText},
		{"content field", `{"content":"Hi"}`, "Hi", EventText},
		{"parts", `{"parts":[{"text":"a"},{"content":"b"}]}`, "ab", EventText},
		{"message content", `{"message":{"content":"m"}}`, "m", EventText},
		{"openai delta", `{"choices":[{"delta":{"content":"d"}}]}`, "d", EventText},
		{"delta string", `{"delta":"x"}`, "x", EventText},
		{"not json object", `plain words`, "plain words", EventText},
		{"done", `{"type":"done"}`, "", EventDone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := ParseJSON([]byte(tt.json))
			if len(events) == 0 {
				t.Fatal("no events")
			}
			if events[0].Type != tt.wantType {
				t.Errorf("type = %v, want %v", events[0].Type, tt.wantType)
			}
			if got := textOf(events); got != tt.wantText {
				t.Errorf("text = %q, want %q", got, tt.wantText)
			}
		})
	}
}

func TestParseObject_ErrorSourcesFollowups(t *testing.T) {
	events := ParseJSON([]byte(`{"type":"error","code":"RATE","error":"slow down"}`))
	if len(events) != 1 || events[0].Type != EventError || events[0].Message != "slow down" || events[0].Code != "RATE" {
		t.Fatalf("error event = %+v", events)
	}

	events = ParseJSON([]byte(`{"type":"error"}`))
	if events[0].Message != GenericErrorMessage {
		t.Errorf("generic message = %q", events[0].Message)
	}

	events = ParseJSON([]byte(`{"sources":[{"title":"Post","url":"/p/1","snippet":"s"}],"suggestions":["why?",""]}`))
	if len(events) != 2 {
		t.Fatalf("events = %+v", events)
	}
	if events[0].Type != EventSources || events[0].Sources[0] != (Source{Title: "Post", URL: "/p/1", Snippet: "s"}) {
		t.Errorf("sources = %+v", events[0])
	}
	if events[1].Type != EventFollowups || len(events[1].Followups) != 1 || events[1].Followups[0] != "why?" {
		t.Errorf("followups = %+v", events[1])
	}
}

// =============================================================================
// Decoder Tests
// =============================================================================

func TestForContentType(t *testing.T) {
	tests := []struct {
		ct   string
		want any
	}{
		{"text/event-stream; charset=utf-8", &sseDecoder{}},
		{"application/x-ndjson", &ndjsonDecoder{}},
		{"application/jsonl", &ndjsonDecoder{}},
		{"application/json", &jsonDecoder{}},
		{"text/plain", plainDecoder{}},
		{"", &sseDecoder{}},
	}
	for _, tt := range tests {
		t.Run(tt.ct, func(t *testing.T) {
			got := ForContentType(tt.ct)
			switch tt.want.(type) {
			case *sseDecoder:
				if _, ok := got.(*sseDecoder); !ok {
					t.Errorf("got %T", got)
				}
			case *ndjsonDecoder:
				if _, ok := got.(*ndjsonDecoder); !ok {
					t.Errorf("got %T", got)
				}
			case *jsonDecoder:
				if _, ok := got.(*jsonDecoder); !ok {
					t.Errorf("got %T", got)
				}
			case plainDecoder:
				if _, ok := got.(plainDecoder); !ok {
					t.Errorf("got %T", got)
				}
			}
		})
	}
}

func TestReader_SSEStream(t *testing.T) {
	body := &chunkedReader{chunks: []string{
		"data: {\"type\":\"text\",\"text\":\"Hel\"}\n\n",
		"data: {\"type\":\"text\",\"te",
		"xt\":\"lo\"}\n\n: comment\n\n",
		"data: {\"type\":\"sources\",\"sources\":[{\"title\":\"A\"}]}\n\n",
		"data: [DONE]\n\n",
		"data: {\"type\":\"text\",\"text\":\"ignored\"}\n\n",
	}}
	events := collect(t, body, NewSSEDecoder())

	if got := textOf(events); got != "Hello" {
		t.Errorf("text = %q, want Hello", got)
	}
	last := events[len(events)-1]
	if last.Type != EventDone {
		t.Errorf("last event = %v, want done", last.Type)
	}
	for i, ev := range events {
		if ev.Index != i {
			t.Errorf("event %d has index %d", i, ev.Index)
		}
	}
}

func TestReader_NDJSONAndJSON(t *testing.T) {
	events := collect(t, strings.NewReader("{\"text\":\"a\"}\n{\"text\":\"b\"}\n[DONE]\n"), ForContentType("application/x-ndjson"))
	if textOf(events) != "ab" {
		t.Errorf("ndjson text = %q", textOf(events))
	}

	events = collect(t, strings.NewReader(`{"text":"whole","followups":["next"]}`), ForContentType("application/json"))
	if textOf(events) != "whole" || events[len(events)-1].Type != EventFollowups {
		t.Errorf("json events = %+v", events)
	}
}

func TestReader_PlainText(t *testing.T) {
	events := collect(t, &chunkedReader{chunks: []string{"one ", "two"}}, ForContentType("text/plain"))
	if textOf(events) != "one two" {
		t.Errorf("plain text = %q", textOf(events))
	}
}

func TestReader_CallbackErrorStops(t *testing.T) {
	stop := errors.New("stop")
	body := strings.NewReader("data: {\"text\":\"a\"}\n\ndata: {\"text\":\"b\"}\n\n")
	count := 0
	err := NewReader().Read(context.Background(), body, NewSSEDecoder(), func(Event) error {
		count++
		return stop
	})
	if !errors.Is(err, stop) {
		t.Fatalf("err = %v, want stop", err)
	}
	if count != 1 {
		t.Errorf("callback called %d times, want 1", count)
	}
}

func TestReader_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewReader().Read(ctx, strings.NewReader("data: x\n\n"), NewSSEDecoder(), func(Event) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestReadFrames_ReturnsEOF(t *testing.T) {
	var frames []Frame
	err := ReadFrames(context.Background(), strings.NewReader("event: ping\ndata: {}\n\ndata: {\"type\":\"connected\"}"), func(f Frame) error {
		frames = append(frames, f)
		return nil
	})
	if !errors.Is(err, io.EOF) {
		t.Fatalf("err = %v, want io.EOF", err)
	}
	if len(frames) != 2 || frames[0].Event != "ping" || frames[1].Data != `{"type":"connected"}` {
		t.Errorf("frames = %+v", frames)
	}
}
