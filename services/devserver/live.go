// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package devserver

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianChat/pkg/validation"
	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
	"github.com/AleutianAI/AleutianChat/services/chat/live"
)

const (
	defaultVisitorName = "Visitor"
	agentReplyTimeout  = 30 * time.Second
)

// HandleLiveStream serves GET /api/v1/chat/live/stream.
//
// # Description
//
// Joins the room named by the "room" query parameter and streams its
// events as SSE frames whose event name is the payload type. A ping frame
// is written every PingInterval. The visitor leaves when the client
// disconnects or the server closes.
func (s *Server) HandleLiveStream(c *gin.Context) {
	sessionID := strings.TrimSpace(c.Query("sessionId"))
	if sessionID == "" {
		s.fail(c, "live_stream", http.StatusBadRequest, "sessionId is required")
		return
	}
	if err := validation.ValidateID("sessionId", sessionID); err != nil {
		s.fail(c, "live_stream", http.StatusBadRequest, err.Error())
		return
	}
	name := strings.TrimSpace(c.Query("name"))
	if name == "" {
		name = defaultVisitorName
	}

	sub, err := s.hub.Join(sessionID, c.Query("room"), name)
	if err != nil {
		s.fail(c, "live_stream", http.StatusServiceUnavailable, err.Error())
		return
	}
	defer s.hub.Leave(sub)

	SetSSEHeaders(c.Writer)
	c.Status(http.StatusOK)
	w, err := newSSEWriter(c.Writer)
	if err != nil {
		s.metrics.request("live_stream", false)
		return
	}
	s.metrics.request("live_stream", true)

	ping := time.NewTicker(s.cfg.PingInterval)
	defer ping.Stop()
	ctx := c.Request.Context()
	for {
		var ev datatypes.LiveEvent
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			return
		case <-ping.C:
			ev = datatypes.PingEvent{}
		case ev = <-sub.Events():
		}
		data, err := datatypes.EncodeLiveEvent(ev)
		if err != nil {
			s.logger.Warn("encode live event", slog.String("error", err.Error()))
			continue
		}
		if err := w.frame(string(ev.LiveType()), data); err != nil {
			return
		}
	}
}

// HandleLiveMessage serves POST /api/v1/chat/live/message.
func (s *Server) HandleLiveMessage(c *gin.Context) {
	var req datatypes.LiveMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, "live_message", http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SenderType == "" {
		req.SenderType = datatypes.SenderClient
	}
	if strings.TrimSpace(req.Name) == "" {
		req.Name = defaultVisitorName
	}
	req.Room = live.NormalizeRoomKey(req.Room)
	if err := req.Validate(); err != nil {
		s.fail(c, "live_message", http.StatusBadRequest, err.Error())
		return
	}

	msg := datatypes.LiveMessage{
		SessionID:  req.SessionID,
		Name:       req.Name,
		Text:       req.Text,
		SenderType: req.SenderType,
		Room:       req.Room,
		Timestamp:  time.Now().UnixMilli(),
	}
	s.hub.Post(msg)
	if msg.SenderType == datatypes.SenderClient && s.mentionsAgent(msg.Text) {
		s.startAgentReply(msg)
	}
	ok(s, c, "live_message", struct{}{})
}

// startAgentReply runs replyAsAgent in the background unless the server
// is closing. Reports whether a reply was started.
func (s *Server) startAgentReply(msg datatypes.LiveMessage) bool {
	s.agentMu.Lock()
	defer s.agentMu.Unlock()
	if s.closing {
		return false
	}
	s.agents.Add(1)
	go s.replyAsAgent(msg)
	return true
}

// HandleLiveRooms serves GET /api/v1/chat/live/rooms.
func (s *Server) HandleLiveRooms(c *gin.Context) {
	ok(s, c, "live_rooms", struct {
		Rooms []datatypes.RoomInfo `json:"rooms"`
	}{Rooms: s.hub.Rooms()})
}

// HandleLiveRoomStats serves GET /api/v1/chat/live/room-stats.
func (s *Server) HandleLiveRoomStats(c *gin.Context) {
	ok(s, c, "live_room_stats", s.hub.Stats())
}

func (s *Server) mentionsAgent(text string) bool {
	lower := strings.ToLower(text)
	return strings.Contains(lower, "@agent") ||
		strings.Contains(lower, "@"+strings.ToLower(s.cfg.AgentName))
}

// replyAsAgent answers a mention in the same room. Failures are reported
// to the asking session only.
func (s *Server) replyAsAgent(msg datatypes.LiveMessage) {
	defer s.agents.Done()
	ctx, cancel := context.WithTimeout(s.agentCtx, agentReplyTimeout)
	defer cancel()

	text, err := Collect(ctx, s.responder, datatypes.ChatRequest{
		Text:      msg.Text,
		Mode:      datatypes.ModeGeneral,
		SessionID: msg.SessionID,
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("agent reply failed", slog.String("error", err.Error()))
		s.hub.Notify(datatypes.SessionNotification{
			SessionID: msg.SessionID,
			Level:     datatypes.LevelWarn,
			Message:   "The agent could not answer right now.",
			Code:      "agent_unavailable",
		})
		return
	}
	s.hub.Post(datatypes.LiveMessage{
		SessionID:  "agent",
		Name:       s.cfg.AgentName,
		Text:       text,
		SenderType: datatypes.SenderAgent,
		Room:       msg.Room,
		Timestamp:  time.Now().UnixMilli(),
	})
}
