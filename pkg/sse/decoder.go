// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sse

import (
	"strings"
)

// =============================================================================
// Decoder Interface
// =============================================================================

// Decoder turns response body chunks into chat events.
//
// Feed may be called any number of times; Flush is called once at end of
// stream to drain buffered input. Decoders are stateful and single-use.
type Decoder interface {
	Feed(chunk []byte) []Event
	Flush() []Event
}

// ForContentType picks a decoder for a response Content-Type header.
// Unknown or empty types fall back to SSE.
func ForContentType(contentType string) Decoder {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "text/event-stream"):
		return NewSSEDecoder()
	case strings.Contains(ct, "ndjson"), strings.Contains(ct, "jsonl"):
		return &ndjsonDecoder{}
	case strings.Contains(ct, "application/json"):
		return &jsonDecoder{}
	case strings.Contains(ct, "text/plain"):
		return plainDecoder{}
	default:
		return NewSSEDecoder()
	}
}

// =============================================================================
// SSE
// =============================================================================

type sseDecoder struct {
	frames FrameSplitter
}

// NewSSEDecoder returns a decoder for text/event-stream bodies.
func NewSSEDecoder() Decoder {
	return &sseDecoder{}
}

func (d *sseDecoder) Feed(chunk []byte) []Event {
	return d.decode(d.frames.Feed(string(chunk)))
}

func (d *sseDecoder) Flush() []Event {
	return d.decode(d.frames.Flush())
}

func (d *sseDecoder) decode(frames []Frame) []Event {
	var events []Event
	for _, f := range frames {
		events = append(events, DecodeFrame(f)...)
	}
	return events
}

// DecodeFrame interprets one SSE frame as chat events.
func DecodeFrame(f Frame) []Event {
	if f.Data == DoneSentinel || f.Event == "done" {
		return []Event{{Type: EventDone}}
	}
	if f.Event == "error" {
		msg := f.Data
		if msg == "" {
			msg = GenericErrorMessage
		}
		return []Event{{Type: EventError, Message: msg}}
	}
	return ParseJSON([]byte(f.Data))
}

// =============================================================================
// NDJSON
// =============================================================================

type ndjsonDecoder struct {
	buf string
}

func (d *ndjsonDecoder) Feed(chunk []byte) []Event {
	d.buf += string(chunk)
	var events []Event
	for {
		line, rest, found := strings.Cut(d.buf, "\n")
		if !found {
			break
		}
		d.buf = rest
		events = append(events, decodeLine(line)...)
	}
	return events
}

func (d *ndjsonDecoder) Flush() []Event {
	var events []Event
	for _, line := range strings.Split(d.buf, "\n") {
		events = append(events, decodeLine(line)...)
	}
	d.buf = ""
	return events
}

func decodeLine(line string) []Event {
	line = strings.TrimSpace(line)
	switch line {
	case "":
		return nil
	case DoneSentinel:
		return []Event{{Type: EventDone}}
	default:
		return ParseJSON([]byte(line))
	}
}

// =============================================================================
// JSON and plain text
// =============================================================================

// jsonDecoder buffers the whole body and parses it once on Flush.
type jsonDecoder struct {
	buf []byte
}

func (d *jsonDecoder) Feed(chunk []byte) []Event {
	d.buf = append(d.buf, chunk...)
	return nil
}

func (d *jsonDecoder) Flush() []Event {
	if len(d.buf) == 0 {
		return nil
	}
	events := ParseJSON(d.buf)
	d.buf = nil
	return events
}

type plainDecoder struct{}

func (plainDecoder) Feed(chunk []byte) []Event {
	if len(chunk) == 0 {
		return nil
	}
	return []Event{{Type: EventText, Text: string(chunk)}}
}

func (plainDecoder) Flush() []Event { return nil }

var (
	_ Decoder = (*sseDecoder)(nil)
	_ Decoder = (*ndjsonDecoder)(nil)
	_ Decoder = (*jsonDecoder)(nil)
	_ Decoder = plainDecoder{}
)
