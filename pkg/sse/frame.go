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

// DoneSentinel is the OpenAI-style terminal data payload.
const DoneSentinel = "[DONE]"

// Frame is one Server-Sent Events frame.
//
// Multiple "data:" lines are joined with "\n". Comment lines (":...") and
// unknown fields are dropped.
type Frame struct {
	Event string
	Data  string
	ID    string
}

// ParseFrame parses the text of a single frame (without the blank-line
// delimiter).
//
// # Outputs
//
//   - Frame: The parsed frame.
//   - bool: False when the frame carries no data.
func ParseFrame(raw string) (Frame, bool) {
	var f Frame
	var data []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		field, value, found := strings.Cut(line, ":")
		if found {
			value = strings.TrimPrefix(value, " ")
		}
		switch field {
		case "data":
			data = append(data, value)
		case "event":
			f.Event = value
		case "id":
			f.ID = value
		}
	}
	f.Data = strings.Join(data, "\n")
	if f.Data == "" {
		return f, false
	}
	return f, true
}

// FrameSplitter accumulates chunks and yields complete frames. Frames are
// delimited by "\n\n" or "\r\n\r\n", whichever comes first.
//
// Not safe for concurrent use.
type FrameSplitter struct {
	buf strings.Builder
}

// Feed appends chunk and returns every frame completed by it.
func (s *FrameSplitter) Feed(chunk string) []Frame {
	s.buf.WriteString(chunk)
	pending := s.buf.String()

	var frames []Frame
	for {
		idx, size := frameBoundary(pending)
		if idx < 0 {
			break
		}
		if f, ok := ParseFrame(pending[:idx]); ok {
			frames = append(frames, f)
		}
		pending = pending[idx+size:]
	}

	s.buf.Reset()
	s.buf.WriteString(pending)
	return frames
}

// Flush parses whatever remains as a final frame.
func (s *FrameSplitter) Flush() []Frame {
	rest := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	if rest == "" {
		return nil
	}
	if f, ok := ParseFrame(rest); ok {
		return []Frame{f}
	}
	return nil
}

func frameBoundary(s string) (int, int) {
	lf := strings.Index(s, "\n\n")
	crlf := strings.Index(s, "\r\n\r\n")
	switch {
	case lf < 0 && crlf < 0:
		return -1, 0
	case lf < 0:
		return crlf, 4
	case crlf < 0:
		return lf, 2
	case lf < crlf:
		return lf, 2
	default:
		return crlf, 4
	}
}
