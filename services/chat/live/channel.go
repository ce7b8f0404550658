// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package live connects a chat session to a per-page visitor room.
//
// # Description
//
// A Channel owns at most one room subscription at a time. Every
// subscription is tagged with a generation number; switching rooms or
// sessions invalidates the generation before tearing the old subscription
// down, so late events from a previous room are dropped instead of
// rendered.
//
// Room events become messages handed to a Sink: presence changes as
// transient status lines, visitor lines as status messages, agent lines as
// assistant messages and session notices as leveled system messages.
package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianChat/pkg/logging"
	"github.com/AleutianAI/AleutianChat/pkg/schedule"
	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
	"github.com/AleutianAI/AleutianChat/services/chat/observability"
)

// Defaults for Options.
const (
	DefaultPresenceTTL = 4000 * time.Millisecond
	DefaultEchoWindow  = 15 * time.Second
)

var (
	// ErrEmptyMessage is returned by SendVisitorMessage for blank text.
	ErrEmptyMessage = errors.New("live message is empty")

	// ErrNotConnected is returned by SendVisitorMessage before any room
	// was joined.
	ErrNotConnected = errors.New("live channel is not connected to a room")
)

// State is the connection state of a Channel.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Sink receives rendered messages. It is called without the channel lock
// held, one message at a time.
type Sink func(datatypes.Message)

// Options tunes a Channel.
type Options struct {
	Clock       schedule.Clock
	Logger      *slog.Logger
	Metrics     *observability.Metrics
	PresenceTTL time.Duration
	EchoWindow  time.Duration
}

type sentLine struct {
	text string
	at   time.Time
}

// Channel is the live presence channel of one tab.
//
// # Thread Safety
//
// Safe for concurrent use. Room and session switches are serialized.
type Channel struct {
	client  Client
	sink    Sink
	clock   schedule.Clock
	logger  *slog.Logger
	metrics *observability.Metrics
	ttl     time.Duration
	echo    time.Duration

	switchMu sync.Mutex

	mu          sync.Mutex
	sessionID   string
	visitorName string
	room        string
	gen         uint64
	state       State
	disconnect  func()
	announced   bool
	outage      bool
	onlineCount int
	sent        []sentLine
}

// NewChannel returns a disconnected Channel.
func NewChannel(client Client, sessionID, visitorName string, sink Sink, opts Options) *Channel {
	ttl := opts.PresenceTTL
	if ttl <= 0 {
		ttl = DefaultPresenceTTL
	}
	echo := opts.EchoWindow
	if echo <= 0 {
		echo = DefaultEchoWindow
	}
	if sink == nil {
		sink = func(datatypes.Message) {}
	}
	return &Channel{
		client:      client,
		sink:        sink,
		clock:       schedule.OrReal(opts.Clock),
		logger:      logging.OrDefault(opts.Logger).With(slog.String("component", "live")),
		metrics:     opts.Metrics,
		ttl:         ttl,
		echo:        echo,
		sessionID:   sessionID,
		visitorName: visitorName,
	}
}

// SwitchRoom moves the channel to next.
//
// # Description
//
// Normalizes next, invalidates the current generation, closes the open
// subscription (blocking until it is gone) and subscribes to the new room.
// Calling it with the current room reconnects.
//
// # Outputs
//
//   - error: The client's Connect error. The channel is then in
//     StateError with no subscription.
func (c *Channel) SwitchRoom(ctx context.Context, next string) error {
	c.switchMu.Lock()
	defer c.switchMu.Unlock()

	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()
	return c.reconnect(ctx, sessionID, NormalizeRoomKey(next))
}

// SwitchSession rebinds the channel to another chat session. An open
// subscription is replaced by one for the same room under the new id.
func (c *Channel) SwitchSession(ctx context.Context, sessionID string) error {
	c.switchMu.Lock()
	defer c.switchMu.Unlock()

	c.mu.Lock()
	room := c.room
	active := c.disconnect != nil || c.state != StateDisconnected
	if !active || room == "" {
		c.sessionID = sessionID
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.reconnect(ctx, sessionID, room)
}

// Disconnect closes the subscription, if any.
func (c *Channel) Disconnect() {
	c.switchMu.Lock()
	defer c.switchMu.Unlock()

	c.mu.Lock()
	old := c.disconnect
	c.disconnect = nil
	c.gen++
	c.state = StateDisconnected
	c.mu.Unlock()
	if old != nil {
		old()
	}
}

// reconnect runs with switchMu held.
func (c *Channel) reconnect(ctx context.Context, sessionID, room string) error {
	c.mu.Lock()
	old := c.disconnect
	c.disconnect = nil
	c.gen++
	gen := c.gen
	c.sessionID = sessionID
	c.room = room
	c.state = StateConnecting
	c.announced = false
	c.outage = false
	c.onlineCount = 0
	name := c.visitorName
	c.mu.Unlock()

	if old != nil {
		old()
	}

	disconnect, err := c.client.Connect(ctx, sessionID, room, name, c.eventHandler(gen), c.errorHandler(gen))

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		if c.gen == gen {
			c.state = StateError
		}
		c.logger.Warn("live connect failed", slog.String("room", room), slog.String("error", err.Error()))
		return fmt.Errorf("connect %s: %w", room, err)
	}
	c.disconnect = disconnect
	return nil
}

func (c *Channel) eventHandler(gen uint64) EventFunc {
	return func(ev datatypes.LiveEvent) {
		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			c.metrics.RecordStaleLiveEvent()
			c.logger.Debug("dropping stale live event", slog.String("type", string(ev.LiveType())))
			return
		}
		msg, ok := c.renderLocked(ev, c.clock.Now())
		c.mu.Unlock()
		if ok {
			c.sink(msg)
		}
	}
}

func (c *Channel) errorHandler(gen uint64) ErrorFunc {
	return func(err error) {
		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			return
		}
		c.state = StateError
		first := !c.outage
		c.outage = true
		now := c.clock.Now()
		c.mu.Unlock()

		if !first {
			return
		}
		c.logger.Warn("live connection unstable", slog.String("error", err.Error()))
		c.sink(datatypes.NewTransientStatus(datatypes.LevelWarn, "[Live] Connection unstable. Reconnecting...", now, c.ttl))
	}
}

// renderLocked maps one event to at most one message and updates state.
func (c *Channel) renderLocked(ev datatypes.LiveEvent, now time.Time) (datatypes.Message, bool) {
	if _, ping := ev.(datatypes.PingEvent); !ping {
		c.state = StateConnected
		c.outage = false
	}

	switch ev := ev.(type) {
	case datatypes.ConnectedEvent:
		c.onlineCount = ev.OnlineCount
		if c.announced {
			return datatypes.Message{}, false
		}
		c.announced = true
		text := fmt.Sprintf("[Live] Connected to visitor chat in %s (%d online). Use /live <message> to chat in real time.", c.room, ev.OnlineCount)
		return datatypes.NewSystemMessage(datatypes.LevelInfo, text, now), true

	case datatypes.PresenceEvent:
		c.onlineCount = ev.OnlineCount
		if ev.SessionID == c.sessionID {
			return datatypes.Message{}, false
		}
		action := "joined"
		if ev.Action == datatypes.PresenceLeave {
			action = "left"
		}
		text := fmt.Sprintf("[Live] %s %s. Online: %d", displayName(ev.Name), action, ev.OnlineCount)
		return datatypes.NewTransientStatus(datatypes.LevelInfo, text, now, c.ttl), true

	case datatypes.LiveMessage:
		if c.isEchoLocked(ev, now) {
			return datatypes.Message{}, false
		}
		text := fmt.Sprintf("[Live] %s: %s", displayName(ev.Name), ev.Text)
		if ev.SenderType == datatypes.SenderAgent {
			msg := datatypes.NewAssistantMessage(now)
			msg.Text = text
			return msg, true
		}
		return datatypes.NewSystemMessage(datatypes.LevelInfo, text, now), true

	case datatypes.SessionNotification:
		if ev.SessionID != c.sessionID {
			return datatypes.Message{}, false
		}
		text := FormatNotification(ev)
		if text == "" {
			return datatypes.Message{}, false
		}
		return datatypes.NewSystemMessage(notificationLevel(ev.Level), text, now), true

	case datatypes.PingEvent:
		return datatypes.Message{}, false
	}
	return datatypes.Message{}, false
}

// isEchoLocked reports whether m is the local visitor's own line coming
// back from the room. A matching sent line is consumed.
func (c *Channel) isEchoLocked(m datatypes.LiveMessage, now time.Time) bool {
	if m.SessionID != "" && m.SessionID == c.sessionID {
		return true
	}
	if m.Name != c.visitorName {
		return false
	}
	c.pruneSentLocked(now)
	for i, s := range c.sent {
		if s.text == strings.TrimSpace(m.Text) {
			c.sent = append(c.sent[:i], c.sent[i+1:]...)
			return true
		}
	}
	return false
}

func (c *Channel) pruneSentLocked(now time.Time) {
	keep := c.sent[:0]
	for _, s := range c.sent {
		if now.Sub(s.at) <= c.echo {
			keep = append(keep, s)
		}
	}
	c.sent = keep
}

// SendVisitorMessage posts text to the current room under the visitor
// name. It does not interact with AI streaming.
func (c *Channel) SendVisitorMessage(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	c.mu.Lock()
	if c.room == "" {
		c.mu.Unlock()
		return ErrNotConnected
	}
	req := datatypes.LiveMessageRequest{
		SessionID:  c.sessionID,
		Room:       c.room,
		Text:       text,
		Name:       c.visitorName,
		SenderType: datatypes.SenderClient,
	}
	now := c.clock.Now()
	c.pruneSentLocked(now)
	c.sent = append(c.sent, sentLine{text: text, at: now})
	c.mu.Unlock()

	if err := c.client.Send(ctx, req); err != nil {
		return fmt.Errorf("send live message: %w", err)
	}
	return nil
}

// Room returns the current room key, or "" before the first switch.
func (c *Channel) Room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// State returns the connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Generation returns the current connection generation.
func (c *Channel) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// OnlineCount returns the last reported room population.
func (c *Channel) OnlineCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onlineCount
}

// VisitorName returns the per-tab display name.
func (c *Channel) VisitorName() string {
	return c.visitorName
}

// SessionID returns the session the channel is bound to.
func (c *Channel) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func displayName(name string) string {
	if name = strings.TrimSpace(name); name != "" {
		return name
	}
	return "visitor"
}

var notificationPhrases = map[string]string{
	"session_expired":  "Your session expired. Start a new conversation to continue.",
	"rate_limited":     "You are sending messages too quickly. Please wait a moment.",
	"agent_joined":     "A room assistant joined the conversation.",
	"agent_left":       "The room assistant left the conversation.",
	"moderation_block": "A message was blocked by moderation.",
}

// FormatNotification renders a session notice as "[Session] <text>".
// Known codes without a message get a stock phrase; unknown codes are
// humanized.
func FormatNotification(n datatypes.SessionNotification) string {
	text := strings.TrimSpace(n.Message)
	if text == "" {
		code := strings.ToLower(strings.TrimSpace(n.Code))
		if phrase, ok := notificationPhrases[code]; ok {
			text = phrase
		} else if code != "" {
			text = strings.ReplaceAll(code, "_", " ")
			text = strings.ToUpper(text[:1]) + text[1:]
		}
	}
	if text == "" {
		return ""
	}
	return "[Session] " + text
}

func notificationLevel(l datatypes.SystemLevel) datatypes.SystemLevel {
	switch l {
	case datatypes.LevelWarn, datatypes.LevelError:
		return l
	default:
		return datatypes.LevelInfo
	}
}
