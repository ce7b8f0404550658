// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux renders chat sessions in a terminal.
//
// The renderer only renders: it receives message snapshots from the
// engine and writes what changed since the previous snapshot. Colors come
// from the Aleutian palette and are dropped automatically when the output
// is not a terminal or the personality is PersonalityMachine.
package ux

import (
	"io"

	"github.com/charmbracelet/lipgloss"
)

// Aleutian color palette
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7")
	ColorTealPrimary = lipgloss.Color("#20B9B4")
	ColorTealDeep    = lipgloss.Color("#16858E")
	ColorSlate       = lipgloss.Color("#2C4A54")

	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Icon is a status glyph.
type Icon string

const (
	IconUser      Icon = "›"
	IconAssistant Icon = "⚓"
	IconLive      Icon = "〰"
	IconInfo      Icon = "•"
	IconWarning   Icon = "⚠"
	IconError     Icon = "✗"
)

// Styles are the lipgloss styles of one output.
type Styles struct {
	User      lipgloss.Style
	Assistant lipgloss.Style
	Persona   lipgloss.Style
	Info      lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Muted     lipgloss.Style
	Source    lipgloss.Style
}

// NewStyles builds styles bound to w, so color support is detected for
// that writer rather than for stdout.
func NewStyles(w io.Writer) Styles {
	r := lipgloss.NewRenderer(w)
	return Styles{
		User:      r.NewStyle().Bold(true).Foreground(ColorTealBright),
		Assistant: r.NewStyle().Foreground(ColorTealPrimary),
		Persona:   r.NewStyle().Bold(true).Foreground(ColorTealDeep),
		Info:      r.NewStyle().Foreground(ColorSlate),
		Warning:   r.NewStyle().Foreground(ColorWarning),
		Error:     r.NewStyle().Bold(true).Foreground(ColorError),
		Muted:     r.NewStyle().Faint(true),
		Source:    r.NewStyle().Italic(true).Foreground(ColorSlate),
	}
}

// PlainStyles renders everything unstyled.
func PlainStyles() Styles {
	s := lipgloss.NewStyle()
	return Styles{User: s, Assistant: s, Persona: s, Info: s, Warning: s, Error: s, Muted: s, Source: s}
}
