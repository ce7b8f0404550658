// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package sse decodes streamed chat responses.
//
// The package has three layers:
//
//   - Frames: raw Server-Sent Events frames (event, data, id), shared by the
//     chat stream and the live room channel.
//   - Decoders: turn byte chunks into chat Events. The decoder is chosen from
//     the response Content-Type (SSE, NDJSON, JSON, plain text).
//   - Reader: drives a decoder over an io.Reader with context cancellation
//     and a per-event callback.
//
// Decoders ONLY parse. They do not perform I/O or hold message state.
package sse

// =============================================================================
// Event Types
// =============================================================================

// EventType discriminates chat stream events.
type EventType string

const (
	// EventText carries one text delta.
	EventText EventType = "text"

	// EventSources carries citation sources, after the final delta.
	EventSources EventType = "sources"

	// EventFollowups carries suggested follow-up questions.
	EventFollowups EventType = "followups"

	// EventContext carries page context echoed by the backend.
	EventContext EventType = "context"

	// EventSession announces the server-side session id.
	EventSession EventType = "session"

	// EventDone marks the end of the response.
	EventDone EventType = "done"

	// EventError carries an upstream error message.
	EventError EventType = "error"
)

// Source is one citation attached to an assistant reply.
type Source struct {
	Title   string `json:"title,omitempty"`
	URL     string `json:"url,omitempty"`
	Snippet string `json:"snippet,omitempty"`
}

// Event is one decoded chat stream event. Only the fields relevant to Type
// are populated.
type Event struct {
	Type      EventType
	Index     int
	Text      string
	Sources   []Source
	Followups []string
	Page      map[string]any
	SessionID string
	Message   string
	Code      string
}

// IsTerminal reports whether no further events should be expected.
func (e Event) IsTerminal() bool {
	return e.Type == EventDone || e.Type == EventError
}
