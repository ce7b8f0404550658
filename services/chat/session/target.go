// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
)

// Updater mutates messages by id. *Store implements it.
type Updater interface {
	UpdateMessage(sessionID, messageID string, fn func(*datatypes.Message)) bool
}

// MessageTarget streams into a single message owned by its producer.
// It satisfies stream.Target and only ever touches that one id.
type MessageTarget struct {
	updater   Updater
	sessionID string
	messageID string
}

// NewTarget returns a MessageTarget for messageID in sessionID.
func NewTarget(u Updater, sessionID, messageID string) *MessageTarget {
	return &MessageTarget{updater: u, sessionID: sessionID, messageID: messageID}
}

// MessageID returns the id of the target message.
func (t *MessageTarget) MessageID() string { return t.messageID }

func (t *MessageTarget) SetText(text string) {
	t.updater.UpdateMessage(t.sessionID, t.messageID, func(m *datatypes.Message) { m.Text = text })
}

func (t *MessageTarget) SetSources(sources []datatypes.Source) {
	t.updater.UpdateMessage(t.sessionID, t.messageID, func(m *datatypes.Message) {
		m.Sources = append([]datatypes.Source(nil), sources...)
	})
}

func (t *MessageTarget) SetFollowups(followups []string) {
	t.updater.UpdateMessage(t.sessionID, t.messageID, func(m *datatypes.Message) {
		m.Followups = append([]string(nil), followups...)
	})
}

var _ Updater = (*Store)(nil)
