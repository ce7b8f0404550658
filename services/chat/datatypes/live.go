// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"encoding/json"
	"errors"
	"fmt"
)

// =============================================================================
// Live Events
// =============================================================================

// LiveEventType is the "type" discriminator on live room payloads.
type LiveEventType string

const (
	LiveConnected           LiveEventType = "connected"
	LivePresence            LiveEventType = "presence"
	LiveMessageEvent        LiveEventType = "live_message"
	LiveSessionNotification LiveEventType = "session_notification"
	LivePing                LiveEventType = "ping"
)

// SenderType identifies who sent a live room message.
type SenderType string

const (
	SenderClient SenderType = "client"
	SenderAgent  SenderType = "agent"
)

// PresenceAction is a join or a leave.
type PresenceAction string

const (
	PresenceJoin  PresenceAction = "join"
	PresenceLeave PresenceAction = "leave"
)

// LiveEvent is the closed set of live room payloads.
//
// The unexported marker keeps the set closed; consumers switch on the
// concrete type:
//
//	switch ev := ev.(type) {
//	case ConnectedEvent:
//	case PresenceEvent:
//	case LiveMessage:
//	case SessionNotification:
//	case PingEvent:
//	}
type LiveEvent interface {
	LiveType() LiveEventType
	liveEvent()
}

// ConnectedEvent confirms the subscription.
type ConnectedEvent struct {
	Room        string `json:"room"`
	OnlineCount int    `json:"onlineCount"`
}

// PresenceEvent reports a visitor joining or leaving.
type PresenceEvent struct {
	Action      PresenceAction `json:"action"`
	SessionID   string         `json:"sessionId"`
	Name        string         `json:"name"`
	Room        string         `json:"room,omitempty"`
	OnlineCount int            `json:"onlineCount"`
}

// LiveMessage is a chat line relayed through the room.
type LiveMessage struct {
	SessionID  string     `json:"sessionId"`
	Name       string     `json:"name"`
	Text       string     `json:"text"`
	SenderType SenderType `json:"senderType"`
	Room       string     `json:"room,omitempty"`
	Timestamp  int64      `json:"ts,omitempty"`
}

// SessionNotification is a server notice addressed to one session.
type SessionNotification struct {
	SessionID string      `json:"sessionId"`
	Level     SystemLevel `json:"level"`
	Message   string      `json:"message"`
	Code      string      `json:"code,omitempty"`
}

// PingEvent is a keep-alive.
type PingEvent struct{}

func (ConnectedEvent) LiveType() LiveEventType      { return LiveConnected }
func (PresenceEvent) LiveType() LiveEventType       { return LivePresence }
func (LiveMessage) LiveType() LiveEventType         { return LiveMessageEvent }
func (SessionNotification) LiveType() LiveEventType { return LiveSessionNotification }
func (PingEvent) LiveType() LiveEventType           { return LivePing }

func (ConnectedEvent) liveEvent()      {}
func (PresenceEvent) liveEvent()       {}
func (LiveMessage) liveEvent()         {}
func (SessionNotification) liveEvent() {}
func (PingEvent) liveEvent()           {}

// ErrUnknownLiveEvent is returned for payloads with an unrecognized type.
var ErrUnknownLiveEvent = errors.New("unknown live event type")

// DecodeLiveEvent parses a JSON payload into its concrete LiveEvent.
//
// # Inputs
//
//   - data: JSON object with a "type" field. The SSE "event:" name may be
//     passed as fallbackType for servers that put the type there instead.
//
// # Outputs
//
//   - LiveEvent: One of the five concrete event types.
//   - error: ErrUnknownLiveEvent (wrapped) or a JSON error.
func DecodeLiveEvent(data []byte, fallbackType string) (LiveEvent, error) {
	var head struct {
		Type LiveEventType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode live event: %w", err)
	}
	typ := head.Type
	if typ == "" {
		typ = LiveEventType(fallbackType)
	}

	switch typ {
	case LiveConnected:
		var ev ConnectedEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case LivePresence:
		var ev PresenceEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case LiveMessageEvent:
		var ev LiveMessage
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, err
		}
		if ev.SenderType == "" {
			ev.SenderType = SenderClient
		}
		return ev, nil
	case LiveSessionNotification:
		var ev SessionNotification
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, err
		}
		if ev.Level == "" {
			ev.Level = LevelInfo
		}
		return ev, nil
	case LivePing:
		return PingEvent{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownLiveEvent, typ)
	}
}

// EncodeLiveEvent marshals ev with its "type" discriminator.
func EncodeLiveEvent(ev LiveEvent) ([]byte, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		fields = map[string]any{}
	}
	fields["type"] = ev.LiveType()
	return json.Marshal(fields)
}
