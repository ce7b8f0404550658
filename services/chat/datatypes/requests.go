// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// MaxPromptBytes caps a single chat prompt.
	MaxPromptBytes = 32 * 1024

	// MaxLiveTextBytes caps a live room line.
	MaxLiveTextBytes = 2000
)

// requestValidate is shared by every request type in this package.
var requestValidate *validator.Validate

func init() {
	requestValidate = validator.New()
	_ = requestValidate.RegisterValidation("promptbytes", func(fl validator.FieldLevel) bool {
		return len(fl.Field().String()) <= MaxPromptBytes
	})
	_ = requestValidate.RegisterValidation("livebytes", func(fl validator.FieldLevel) bool {
		return len(fl.Field().String()) <= MaxLiveTextBytes
	})
}

// Validator exposes the configured validator so other packages (the CLI
// config loader, the reference backend) share the custom tags.
func Validator() *validator.Validate {
	return requestValidate
}

// =============================================================================
// Chat stream
// =============================================================================

// ChatRequest is the body of POST /api/v1/chat/stream and the first frame
// of the WebSocket transport.
//
// # Description
//
// Text is the raw user text (including any image marker block). Parts is
// the assembled prompt: style prompt, retrieval block, memory block,
// article block, image block and user text, in that order, with empty
// parts omitted. Backends may use either.
type ChatRequest struct {
	Text          string       `json:"text" validate:"required,promptbytes"`
	Mode          Mode         `json:"mode" validate:"required,oneof=article general"`
	SessionID     string       `json:"sessionId,omitempty"`
	ImageURL      string       `json:"imageUrl,omitempty" validate:"omitempty,url"`
	ImageAnalysis string       `json:"imageAnalysis,omitempty"`
	RAGContext    string       `json:"ragContext,omitempty"`
	MemoryContext string       `json:"memoryContext,omitempty"`
	Model         string       `json:"model,omitempty"`
	Page          *PageContext `json:"page,omitempty"`
	Parts         []PromptPart `json:"parts,omitempty"`
}

// PromptPart is one segment of the assembled prompt. Type is always
// "text" for now.
type PromptPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Validate checks struct tags.
func (r *ChatRequest) Validate() error {
	return requestValidate.Struct(r)
}

// =============================================================================
// Live room
// =============================================================================

// LiveMessageRequest is the body of POST /api/v1/chat/live/message.
type LiveMessageRequest struct {
	SessionID  string     `json:"sessionId" validate:"required"`
	Room       string     `json:"room" validate:"required,startswith=room:"`
	Text       string     `json:"text" validate:"required,livebytes"`
	Name       string     `json:"name" validate:"required,max=64"`
	SenderType SenderType `json:"senderType" validate:"required,oneof=client agent"`
}

// Validate checks struct tags.
func (r *LiveMessageRequest) Validate() error {
	return requestValidate.Struct(r)
}

// RoomInfo is one entry of GET /api/v1/chat/live/rooms.
type RoomInfo struct {
	Room        string `json:"room"`
	OnlineCount int    `json:"onlineCount"`
}

// RoomStats is the body of GET /api/v1/chat/live/room-stats.
type RoomStats struct {
	Rooms       []RoomInfo `json:"rooms"`
	TotalOnline int        `json:"totalOnline"`
}

// =============================================================================
// Aggregate
// =============================================================================

// AggregateRequest is the body of POST /api/v1/chat/aggregate.
type AggregateRequest struct {
	Prompt string `json:"prompt" validate:"required,promptbytes"`
}

// Validate checks struct tags.
func (r *AggregateRequest) Validate() error {
	return requestValidate.Struct(r)
}

// Envelope is the {ok, data, error} wrapper used by non-streaming
// endpoints.
type Envelope[T any] struct {
	OK    bool   `json:"ok"`
	Data  T      `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// AggregateResult is the data of a successful aggregate call.
type AggregateResult struct {
	Text string `json:"text"`
}
