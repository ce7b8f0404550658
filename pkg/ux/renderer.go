// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
)

// MessageRenderer writes a session to a terminal incrementally.
//
// # Description
//
// Render is called with the full message list after every change. New
// messages are written in order; an assistant message that is still
// streaming is kept open on its line and only the new suffix of its text
// is written. Sources and follow-ups are written once, when they first
// appear. Messages that disappear (pruned notices) are left on screen.
//
// # Thread Safety
//
// Safe for concurrent use.
type MessageRenderer struct {
	// UserText rewrites user text for display, for example to collapse an
	// image marker block. Nil shows the text as is.
	UserText func(string) string

	mu      sync.Mutex
	w       io.Writer
	level   PersonalityLevel
	styles  Styles
	printed map[string]int
	extras  map[string]bool
	open    string
}

// NewMessageRenderer returns a renderer writing to w.
func NewMessageRenderer(w io.Writer, level PersonalityLevel) *MessageRenderer {
	styles := PlainStyles()
	if level == PersonalityFull {
		styles = NewStyles(w)
	}
	return &MessageRenderer{
		w:       w,
		level:   level,
		styles:  styles,
		printed: make(map[string]int),
		extras:  make(map[string]bool),
	}
}

// Render writes whatever changed in msgs since the previous call.
func (r *MessageRenderer) Render(msgs []datatypes.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.renderLocked(m)
	}
}

// Finish ends an open streaming line.
func (r *MessageRenderer) Finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeLineLocked()
}

// Reset forgets what was written, so the next Render writes the whole
// list again. Used after switching sessions.
func (r *MessageRenderer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeLineLocked()
	r.printed = make(map[string]int)
	r.extras = make(map[string]bool)
}

func (r *MessageRenderer) renderLocked(m datatypes.Message) {
	done, seen := r.printed[m.ID]
	switch {
	case !seen:
		r.closeLineLocked()
		if m.Role == datatypes.RoleAssistant {
			fmt.Fprint(r.w, r.assistantHeader(m))
			fmt.Fprint(r.w, r.styles.Assistant.Render(m.Text))
			r.open = m.ID
		} else {
			fmt.Fprintln(r.w, r.line(m))
		}
		r.printed[m.ID] = len(m.Text)
	case m.Role == datatypes.RoleAssistant && len(m.Text) > done:
		if r.open != m.ID {
			r.closeLineLocked()
			fmt.Fprint(r.w, r.assistantHeader(m))
			r.open = m.ID
		}
		fmt.Fprint(r.w, r.styles.Assistant.Render(m.Text[done:]))
		r.printed[m.ID] = len(m.Text)
	}

	if m.Role == datatypes.RoleAssistant && !r.extras[m.ID] && (len(m.Sources) > 0 || len(m.Followups) > 0) {
		r.closeLineLocked()
		r.extras[m.ID] = true
		if len(m.Sources) > 0 {
			titles := make([]string, 0, len(m.Sources))
			for _, s := range m.Sources {
				titles = append(titles, sourceLabel(s))
			}
			fmt.Fprintln(r.w, r.styles.Source.Render("  Sources: "+strings.Join(titles, "; ")))
		}
		for _, f := range m.Followups {
			fmt.Fprintln(r.w, r.styles.Muted.Render("  Try: "+f))
		}
	}
}

func (r *MessageRenderer) closeLineLocked() {
	if r.open != "" {
		fmt.Fprintln(r.w)
		r.open = ""
	}
}

func (r *MessageRenderer) assistantHeader(m datatypes.Message) string {
	if r.level == PersonalityMachine {
		if m.Persona != "" {
			return "assistant[" + m.Persona + "]: "
		}
		return "assistant: "
	}
	header := string(IconAssistant) + " "
	if m.Persona != "" {
		header += r.styles.Persona.Render("["+m.Persona+"]") + " "
	}
	return header
}

func (r *MessageRenderer) line(m datatypes.Message) string {
	text := m.Text
	if m.Role == datatypes.RoleUser && r.UserText != nil {
		text = r.UserText(text)
	}
	if r.level == PersonalityMachine {
		if m.Role == datatypes.RoleSystem {
			return fmt.Sprintf("system[%s]: %s", levelOf(m), text)
		}
		return string(m.Role) + ": " + text
	}

	switch m.Role {
	case datatypes.RoleUser:
		return r.styles.User.Render(string(IconUser) + " " + text)
	case datatypes.RoleSystem:
		switch levelOf(m) {
		case datatypes.LevelError:
			return r.styles.Error.Render(string(IconError) + " " + text)
		case datatypes.LevelWarn:
			return r.styles.Warning.Render(string(IconWarning) + " " + text)
		default:
			icon := IconInfo
			if strings.HasPrefix(text, "[Live]") {
				icon = IconLive
			}
			return r.styles.Info.Render(string(icon) + " " + text)
		}
	default:
		return text
	}
}

func levelOf(m datatypes.Message) datatypes.SystemLevel {
	if m.SystemLevel == "" {
		return datatypes.LevelInfo
	}
	return m.SystemLevel
}

func sourceLabel(s datatypes.Source) string {
	switch {
	case s.Title != "" && s.URL != "":
		return s.Title + " <" + s.URL + ">"
	case s.Title != "":
		return s.Title
	default:
		return s.URL
	}
}
