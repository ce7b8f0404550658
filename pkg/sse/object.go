// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sse

import (
	"encoding/json"
)

// GenericErrorMessage is used when an error event carries no text.
const GenericErrorMessage = "Chat failed"

// ParseJSON decodes one JSON payload into events. Payloads that are not a
// JSON object are treated as a text delta.
func ParseJSON(data []byte) []Event {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil || obj == nil {
		return []Event{{Type: EventText, Text: string(data)}}
	}
	return ParseObject(obj)
}

// ParseObject converts a decoded JSON object into chat events.
//
// # Description
//
// Backends disagree on shape, so one object may yield several events:
// a session announcement, an error, done, any number of text fragments
// (from text, content, parts, message.content, choices[].delta.content
// and delta), sources, followups (or suggestions) and page context.
func ParseObject(obj map[string]any) []Event {
	var events []Event
	typ, _ := obj["type"].(string)

	if typ == "session" {
		if id, ok := obj["sessionId"].(string); ok {
			events = append(events, Event{Type: EventSession, SessionID: id})
		}
	}

	if typ == "error" {
		msg := firstString(obj, "error", "message")
		if msg == "" {
			msg = GenericErrorMessage
		}
		code, _ := obj["code"].(string)
		events = append(events, Event{Type: EventError, Message: msg, Code: code})
	}

	if typ == "done" {
		events = append(events, Event{Type: EventDone})
	}

	for _, t := range ExtractTexts(obj) {
		if t != "" {
			events = append(events, Event{Type: EventText, Text: t})
		}
	}

	if raw, ok := obj["sources"].([]any); ok {
		events = append(events, Event{Type: EventSources, Sources: decodeSources(raw)})
	}

	fups, ok := obj["followups"].([]any)
	if !ok {
		fups, ok = obj["suggestions"].([]any)
	}
	if ok {
		events = append(events, Event{Type: EventFollowups, Followups: stringsOf(fups)})
	}

	if ctx, ok := obj["context"].(map[string]any); ok {
		page, ok := ctx["page"].(map[string]any)
		if !ok {
			page = ctx
		}
		events = append(events, Event{Type: EventContext, Page: page})
	}

	return events
}

// ExtractTexts returns every text fragment carried by obj, in field order.
func ExtractTexts(obj map[string]any) []string {
	var out []string
	if s, ok := obj["text"].(string); ok {
		out = append(out, s)
	}
	if s, ok := obj["content"].(string); ok {
		out = append(out, s)
	}
	if parts, ok := obj["parts"].([]any); ok {
		for _, p := range parts {
			pm, ok := p.(map[string]any)
			if !ok {
				continue
			}
			if s, ok := pm["text"].(string); ok {
				out = append(out, s)
			} else if s, ok := pm["content"].(string); ok {
				out = append(out, s)
			}
		}
	}
	if msg, ok := obj["message"].(map[string]any); ok {
		if s, ok := msg["content"].(string); ok {
			out = append(out, s)
		}
	}
	if choices, ok := obj["choices"].([]any); ok {
		for _, c := range choices {
			cm, ok := c.(map[string]any)
			if !ok {
				continue
			}
			if s, ok := nestedString(cm, "delta", "content"); ok {
				out = append(out, s)
			} else if s, ok := nestedString(cm, "message", "content"); ok {
				out = append(out, s)
			}
		}
	}
	if s, ok := obj["delta"].(string); ok {
		out = append(out, s)
	}
	return out
}

func decodeSources(raw []any) []Source {
	out := make([]Source, 0, len(raw))
	for _, r := range raw {
		m, ok := r.(map[string]any)
		if !ok {
			continue
		}
		src := Source{
			Title:   firstString(m, "title", "name"),
			URL:     firstString(m, "url", "link", "source"),
			Snippet: firstString(m, "snippet", "content", "text"),
		}
		out = append(out, src)
	}
	return out
}

func stringsOf(raw []any) []string {
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		if s, ok := r.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func nestedString(m map[string]any, outer, inner string) (string, bool) {
	o, ok := m[outer].(map[string]any)
	if !ok {
		return "", false
	}
	s, ok := o[inner].(string)
	return s, ok
}
