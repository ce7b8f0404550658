// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package devserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianChat/pkg/sse"
	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
)

// =============================================================================
// SSE writer
// =============================================================================

// SetSSEHeaders prepares w for an event stream.
func SetSSEHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// sseWriter writes flushed SSE frames.
//
// # Thread Safety
//
// Safe for concurrent use.
type sseWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{w: w, flusher: f}, nil
}

// frame writes one frame. An empty event name omits the event line.
func (s *sseWriter) frame(event string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if event != "" {
		if _, err := fmt.Fprintf(s.w, "event: %s\n", event); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) json(event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.frame(event, data)
}

// =============================================================================
// Wire payloads
// =============================================================================

type textPayload struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type sourcesPayload struct {
	Type    string       `json:"type"`
	Sources []sse.Source `json:"sources"`
}

type followupsPayload struct {
	Type      string   `json:"type"`
	Followups []string `json:"followups"`
}

type sessionPayload struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

type errorPayload struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

type donePayload struct {
	Type string `json:"type"`
}

// replyFrames is the ordered payload sequence after the text deltas.
func replyFrames(ex Extras) []any {
	var out []any
	if len(ex.Sources) > 0 {
		out = append(out, sourcesPayload{Type: "sources", Sources: ex.Sources})
	}
	if len(ex.Followups) > 0 {
		out = append(out, followupsPayload{Type: "followups", Followups: ex.Followups})
	}
	return out
}

// =============================================================================
// Handlers
// =============================================================================

// HandleChatStream serves POST /api/v1/chat/stream as SSE.
func (s *Server) HandleChatStream(c *gin.Context) {
	var req datatypes.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, "chat_stream", http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		s.fail(c, "chat_stream", http.StatusBadRequest, err.Error())
		return
	}

	SetSSEHeaders(c.Writer)
	c.Status(http.StatusOK)
	w, err := newSSEWriter(c.Writer)
	if err != nil {
		s.fail(c, "chat_stream", http.StatusInternalServerError, "streaming not supported")
		return
	}
	ctx := c.Request.Context()
	if req.SessionID != "" {
		_ = w.json("", sessionPayload{Type: "session", SessionID: req.SessionID})
	}

	ex, err := s.responder.Respond(ctx, req, func(t string) error {
		return w.json("", textPayload{Type: "text", Text: t})
	})
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("chat responder failed", slog.String("error", err.Error()))
			_ = w.json("", errorPayload{Type: "error", Error: err.Error()})
		}
		s.metrics.request("chat_stream", false)
		return
	}
	for _, p := range replyFrames(ex) {
		_ = w.json("", p)
	}
	_ = w.frame("", []byte(sse.DoneSentinel))
	s.metrics.request("chat_stream", true)
}

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(*http.Request) bool { return true },
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

type wsRequest struct {
	Type string `json:"type"`
	datatypes.ChatRequest
}

// HandleChatWebSocket serves GET /api/v1/chat/ws. Each connection carries
// one request frame and its reply.
func (s *Server) HandleChatWebSocket(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()

	var req wsRequest
	if err := ws.ReadJSON(&req); err != nil {
		s.logger.Debug("websocket client left before sending", slog.String("error", err.Error()))
		return
	}
	if err := req.Validate(); err != nil {
		_ = ws.WriteJSON(errorPayload{Type: "error", Error: err.Error()})
		s.metrics.request("chat_ws", false)
		return
	}

	ctx := c.Request.Context()
	ex, err := s.responder.Respond(ctx, req.ChatRequest, func(t string) error {
		return ws.WriteJSON(textPayload{Type: "text", Text: t})
	})
	if err != nil {
		if ctx.Err() == nil {
			_ = ws.WriteJSON(errorPayload{Type: "error", Error: err.Error()})
		}
		s.metrics.request("chat_ws", false)
		return
	}
	for _, p := range replyFrames(ex) {
		if err := ws.WriteJSON(p); err != nil {
			return
		}
	}
	_ = ws.WriteJSON(donePayload{Type: "done"})
	_, _, _ = ws.ReadMessage()
	s.metrics.request("chat_ws", true)
}

// fail writes an {ok:false,error} envelope.
func (s *Server) fail(c *gin.Context, endpoint string, status int, msg string) {
	s.metrics.request(endpoint, false)
	c.AbortWithStatusJSON(status, datatypes.Envelope[any]{OK: false, Error: msg})
}

// ok writes an {ok:true,data} envelope.
func ok[T any](s *Server, c *gin.Context, endpoint string, data T) {
	s.metrics.request(endpoint, true)
	c.JSON(http.StatusOK, datatypes.Envelope[T]{OK: true, Data: data})
}
