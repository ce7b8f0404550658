// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package devserver

import (
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/AleutianAI/AleutianChat/pkg/logging"
	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
	"github.com/AleutianAI/AleutianChat/services/chat/live"
)

// subscriberBuffer is how many events a subscriber may lag before events
// are dropped for it.
const subscriberBuffer = 64

// ErrHubClosed is returned by Join after Close.
var ErrHubClosed = errors.New("live hub closed")

// Subscriber is one open live stream.
type Subscriber struct {
	SessionID string
	Name      string
	Room      string

	events chan datatypes.LiveEvent
	done   chan struct{}
	once   sync.Once
}

// Events delivers room events in order.
func (s *Subscriber) Events() <-chan datatypes.LiveEvent { return s.events }

// Done is closed when the subscriber leaves or the hub closes.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

func (s *Subscriber) close() { s.once.Do(func() { close(s.done) }) }

// Hub fans live events out to room subscribers.
//
// # Thread Safety
//
// Safe for concurrent use. Delivery never blocks: a subscriber whose
// buffer is full misses the event and LiveDroppedTotal is incremented.
type Hub struct {
	logger  *slog.Logger
	metrics *Metrics

	mu     sync.Mutex
	rooms  map[string]map[*Subscriber]struct{}
	closed bool
}

// NewHub returns an empty hub.
func NewHub(logger *slog.Logger, metrics *Metrics) *Hub {
	return &Hub{
		logger:  logging.OrDefault(logger).With(slog.String("component", "live_hub")),
		metrics: metrics,
		rooms:   make(map[string]map[*Subscriber]struct{}),
	}
}

// Join subscribes a visitor to room.
//
// # Description
//
// The new subscriber receives a ConnectedEvent first. Everyone in the room,
// the newcomer included, then receives a join PresenceEvent.
func (h *Hub) Join(sessionID, room, name string) (*Subscriber, error) {
	room = live.NormalizeRoomKey(room)
	sub := &Subscriber{
		SessionID: sessionID,
		Name:      name,
		Room:      room,
		events:    make(chan datatypes.LiveEvent, subscriberBuffer),
		done:      make(chan struct{}),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	members := h.rooms[room]
	if members == nil {
		members = make(map[*Subscriber]struct{})
		h.rooms[room] = members
	}
	members[sub] = struct{}{}
	h.metrics.LiveSubscribers.Inc()

	count := len(members)
	h.deliver(sub, datatypes.ConnectedEvent{Room: room, OnlineCount: count})
	h.broadcastLocked(room, datatypes.PresenceEvent{
		Action:      datatypes.PresenceJoin,
		SessionID:   sessionID,
		Name:        name,
		Room:        room,
		OnlineCount: count,
	})
	h.logger.Debug("visitor joined", slog.String("room", room), slog.String("session_id", sessionID))
	return sub, nil
}

// Leave unsubscribes sub and tells the rest of the room. Leaving twice is
// a no-op.
func (h *Hub) Leave(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members := h.rooms[sub.Room]
	if _, ok := members[sub]; !ok {
		return
	}
	delete(members, sub)
	sub.close()
	h.metrics.LiveSubscribers.Dec()
	if len(members) == 0 {
		delete(h.rooms, sub.Room)
	}
	h.broadcastLocked(sub.Room, datatypes.PresenceEvent{
		Action:      datatypes.PresenceLeave,
		SessionID:   sub.SessionID,
		Name:        sub.Name,
		Room:        sub.Room,
		OnlineCount: len(members),
	})
}

// Post relays a room line to every subscriber of msg.Room.
func (h *Hub) Post(msg datatypes.LiveMessage) {
	msg.Room = live.NormalizeRoomKey(msg.Room)
	h.metrics.LiveMessagesTotal.WithLabelValues(string(msg.SenderType)).Inc()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcastLocked(msg.Room, msg)
}

// Notify sends a notice to every stream opened by the session. It reports
// whether any stream received it.
func (h *Hub) Notify(n datatypes.SessionNotification) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	sent := false
	for _, members := range h.rooms {
		for sub := range members {
			if sub.SessionID == n.SessionID {
				h.deliver(sub, n)
				sent = true
			}
		}
	}
	return sent
}

// Rooms lists occupied rooms, busiest first and then by key.
func (h *Hub) Rooms() []datatypes.RoomInfo {
	h.mu.Lock()
	out := make([]datatypes.RoomInfo, 0, len(h.rooms))
	for room, members := range h.rooms {
		out = append(out, datatypes.RoomInfo{Room: room, OnlineCount: len(members)})
	}
	h.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].OnlineCount != out[j].OnlineCount {
			return out[i].OnlineCount > out[j].OnlineCount
		}
		return out[i].Room < out[j].Room
	})
	return out
}

// Stats summarizes the hub.
func (h *Hub) Stats() datatypes.RoomStats {
	rooms := h.Rooms()
	total := 0
	for _, r := range rooms {
		total += r.OnlineCount
	}
	return datatypes.RoomStats{Rooms: rooms, TotalOnline: total}
}

// Close ends every subscription. Subsequent Joins fail.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for room, members := range h.rooms {
		for sub := range members {
			sub.close()
			h.metrics.LiveSubscribers.Dec()
		}
		delete(h.rooms, room)
	}
}

func (h *Hub) broadcastLocked(room string, ev datatypes.LiveEvent) {
	for sub := range h.rooms[room] {
		h.deliver(sub, ev)
	}
}

func (h *Hub) deliver(sub *Subscriber, ev datatypes.LiveEvent) {
	select {
	case sub.events <- ev:
	default:
		h.metrics.LiveDroppedTotal.Inc()
		h.logger.Debug("dropping live event for slow subscriber",
			slog.String("room", sub.Room), slog.String("type", string(ev.LiveType())))
	}
}
