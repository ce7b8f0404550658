// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes defines the values shared by the chat engine's
// components and the reference backend: messages, session metadata, live
// room events and request bodies.
package datatypes

import (
	"time"

	"github.com/AleutianAI/AleutianChat/pkg/sse"
	"github.com/google/uuid"
)

// =============================================================================
// Enumerations
// =============================================================================

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// SystemLevel is the severity of a system message.
type SystemLevel string

const (
	LevelInfo  SystemLevel = "info"
	LevelWarn  SystemLevel = "warn"
	LevelError SystemLevel = "error"
)

// SystemKind separates status notices from error notices.
type SystemKind string

const (
	KindStatus SystemKind = "status"
	KindError  SystemKind = "error"
)

// Mode scopes a conversation.
type Mode string

const (
	// ModeArticle conversations are about the current article; the article
	// itself is the context, so retrieval is skipped.
	ModeArticle Mode = "article"

	// ModeGeneral conversations use retrieval context.
	ModeGeneral Mode = "general"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeArticle || m == ModeGeneral
}

// Source is a citation attached to an assistant message.
type Source = sse.Source

// =============================================================================
// Message
// =============================================================================

// Message is one entry in a session's message list.
//
// # Description
//
// Ids are UUIDv7 strings, so lexical order follows creation order. Only
// assistant messages change Text after creation, and only while their
// stream is active. Transient messages are never persisted and are pruned
// once the clock passes ExpiresAt.
//
// Timestamps are Unix milliseconds.
type Message struct {
	ID          string      `json:"id"`
	Role        Role        `json:"role"`
	Text        string      `json:"text"`
	Sources     []Source    `json:"sources,omitempty"`
	Followups   []string    `json:"followups,omitempty"`
	SystemLevel SystemLevel `json:"systemLevel,omitempty"`
	SystemKind  SystemKind  `json:"systemKind,omitempty"`
	Transient   bool        `json:"transient,omitempty"`
	ExpiresAt   int64       `json:"expiresAt,omitempty"`
	Persona     string      `json:"persona,omitempty"`
	CreatedAt   int64       `json:"createdAt,omitempty"`
}

// NewMessageID returns a time-ordered unique id.
func NewMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// NewUserMessage builds a user message.
func NewUserMessage(text string, now time.Time) Message {
	return Message{ID: NewMessageID(), Role: RoleUser, Text: text, CreatedAt: now.UnixMilli()}
}

// NewAssistantMessage builds an empty assistant message ready to stream
// into.
func NewAssistantMessage(now time.Time) Message {
	return Message{ID: NewMessageID(), Role: RoleAssistant, CreatedAt: now.UnixMilli()}
}

// NewSystemMessage builds a persistent system message. Error-level
// messages get KindError, everything else KindStatus.
func NewSystemMessage(level SystemLevel, text string, now time.Time) Message {
	kind := KindStatus
	if level == LevelError {
		kind = KindError
	}
	return Message{
		ID:          NewMessageID(),
		Role:        RoleSystem,
		Text:        text,
		SystemLevel: level,
		SystemKind:  kind,
		CreatedAt:   now.UnixMilli(),
	}
}

// NewTransientStatus builds a status message that expires after ttl.
func NewTransientStatus(level SystemLevel, text string, now time.Time, ttl time.Duration) Message {
	m := NewSystemMessage(level, text, now)
	m.SystemKind = KindStatus
	m.Transient = true
	m.ExpiresAt = now.Add(ttl).UnixMilli()
	return m
}

// Expired reports whether a transient message should be pruned at now.
// Pruning happens strictly after ExpiresAt.
func (m Message) Expired(now time.Time) bool {
	return m.Transient && m.ExpiresAt > 0 && now.UnixMilli() > m.ExpiresAt
}

// IsError reports whether m is a system error notice.
func (m Message) IsError() bool {
	return m.Role == RoleSystem && m.SystemLevel == LevelError
}

// Clone returns a deep copy.
func (m Message) Clone() Message {
	out := m
	if m.Sources != nil {
		out.Sources = append([]Source(nil), m.Sources...)
	}
	if m.Followups != nil {
		out.Followups = append([]string(nil), m.Followups...)
	}
	return out
}

// CloneMessages deep-copies a message list.
func CloneMessages(in []Message) []Message {
	out := make([]Message, len(in))
	for i, m := range in {
		out[i] = m.Clone()
	}
	return out
}
