// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianChat/pkg/logging"
	"github.com/AleutianAI/AleutianChat/pkg/sse"
	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
	"github.com/AleutianAI/AleutianChat/services/chat/observability"
)

// Endpoint paths, relative to the backend base URL.
const (
	StreamPath    = "/api/v1/chat/stream"
	WebSocketPath = "/api/v1/chat/ws"

	// StreamAccept is sent on streaming requests.
	StreamAccept = "text/event-stream, application/x-ndjson, text/plain"

	maxErrorBody = 64 * 1024
)

// EmitFunc receives each decoded event in transport order. Returning an
// error stops the transport, which returns that error.
type EmitFunc func(sse.Event) error

// Transport carries one chat request and its streamed response.
//
// # Thread Safety
//
// Implementations must support concurrent Stream calls.
type Transport interface {
	// Stream sends req and calls emit for every event until the response
	// ends, emit fails or ctx is cancelled.
	Stream(ctx context.Context, req datatypes.ChatRequest, emit EmitFunc) error

	// Name labels metrics.
	Name() observability.Transport
}

// HTTPClient is the subset of *http.Client the transports use.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// =============================================================================
// HTTP
// =============================================================================

// HTTPTransport POSTs the request and decodes the body according to its
// Content-Type (SSE, NDJSON, JSON or plain text).
type HTTPTransport struct {
	BaseURL string
	Client  HTTPClient
	APIKey  string
}

// NewHTTPTransport returns an HTTPTransport using http.DefaultClient.
func NewHTTPTransport(baseURL string) *HTTPTransport {
	return &HTTPTransport{BaseURL: strings.TrimRight(baseURL, "/"), Client: http.DefaultClient}
}

func (t *HTTPTransport) Name() observability.Transport { return observability.TransportHTTP }

func (t *HTTPTransport) Stream(ctx context.Context, req datatypes.ChatRequest, emit EmitFunc) error {
	body, err := json.Marshal(req)
	if err != nil {
		return &ChatError{Code: CodeValidation, Message: "invalid chat request", Err: err}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.BaseURL+StreamPath, bytes.NewReader(body))
	if err != nil {
		return &ChatError{Code: CodeValidation, Message: "invalid chat request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", StreamAccept)
	if t.APIKey != "" {
		httpReq.Header.Set("X-API-KEY", t.APIKey)
	}

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return classify(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return FromResponse(resp.StatusCode, raw)
	}

	dec := sse.ForContentType(resp.Header.Get("Content-Type"))
	if err := sse.NewReader().Read(ctx, resp.Body, dec, sse.Callback(emit)); err != nil {
		var ce *ChatError
		if errors.As(err, &ce) || isEmitStop(err) {
			return err
		}
		return classify(err)
	}
	return nil
}

// =============================================================================
// WebSocket
// =============================================================================

// wsRequest is the single client frame sent after the upgrade.
type wsRequest struct {
	Type string `json:"type"`
	datatypes.ChatRequest
}

// WebSocketTransport streams over a WebSocket. The server sends one JSON
// object per message using the same shapes as the SSE stream.
type WebSocketTransport struct {
	BaseURL string
	Dialer  *websocket.Dialer
	APIKey  string
	Logger  *slog.Logger

	// HandshakeTimeout bounds the dial. Zero means 10s.
	HandshakeTimeout time.Duration
}

// NewWebSocketTransport returns a transport for baseURL ("http(s)://" is
// rewritten to "ws(s)://").
func NewWebSocketTransport(baseURL string) *WebSocketTransport {
	return &WebSocketTransport{BaseURL: strings.TrimRight(baseURL, "/")}
}

func (t *WebSocketTransport) Name() observability.Transport {
	return observability.TransportWebSocket
}

func (t *WebSocketTransport) Stream(ctx context.Context, req datatypes.ChatRequest, emit EmitFunc) error {
	wsURL, err := WebSocketURL(t.BaseURL)
	if err != nil {
		return &ChatError{Code: CodeValidation, Message: "invalid websocket url", Err: err}
	}
	dialer := t.Dialer
	if dialer == nil {
		timeout := t.HandshakeTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		dialer = &websocket.Dialer{HandshakeTimeout: timeout, Proxy: http.ProxyFromEnvironment}
	}
	header := http.Header{}
	if t.APIKey != "" {
		header.Set("X-API-KEY", t.APIKey)
	}

	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			resp.Body.Close()
			return FromResponse(resp.StatusCode, raw)
		}
		return classify(err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := conn.WriteJSON(wsRequest{Type: "message", ChatRequest: req}); err != nil {
		return t.readErr(ctx, err)
	}

	logger := logging.OrDefault(t.Logger)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return t.readErr(ctx, err)
		}
		if len(bytes.TrimSpace(data)) == 0 {
			continue
		}
		events := sse.ParseJSON(data)
		if len(events) == 0 {
			logger.Debug("ignoring websocket frame without events", slog.Int("bytes", len(data)))
			continue
		}
		for _, ev := range events {
			if err := emit(ev); err != nil {
				return err
			}
			if ev.IsTerminal() {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream end"))
				return nil
			}
		}
	}
}

func (t *WebSocketTransport) readErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return classify(ctxErr)
	}
	return &ChatError{Code: CodeNetwork, Message: "WebSocket error", Err: err}
}

// WebSocketURL maps an http(s) base URL to the ws(s) chat endpoint.
func WebSocketURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/") + WebSocketPath)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return u.String(), nil
}

// =============================================================================
// Fallback
// =============================================================================

// FallbackTransport tries Primary and, if it failed before emitting any
// event, retries once over Secondary. Failures after the first event, and
// cancellation, are returned as they are.
type FallbackTransport struct {
	Primary   Transport
	Secondary Transport
	Logger    *slog.Logger
	Metrics   *observability.Metrics
}

func (t *FallbackTransport) Name() observability.Transport { return t.Primary.Name() }

func (t *FallbackTransport) Stream(ctx context.Context, req datatypes.ChatRequest, emit EmitFunc) error {
	gotEvent := false
	err := t.Primary.Stream(ctx, req, func(ev sse.Event) error {
		gotEvent = true
		return emit(ev)
	})
	if err == nil || gotEvent || ctx.Err() != nil || isEmitStop(err) {
		return err
	}
	logging.OrDefault(t.Logger).Warn("primary chat transport failed, falling back",
		slog.String("primary", string(t.Primary.Name())),
		slog.String("secondary", string(t.Secondary.Name())),
		slog.String("error", err.Error()),
	)
	t.Metrics.RecordFallback()
	return t.Secondary.Stream(ctx, req, emit)
}

// stopError is returned from emit callbacks that want the transport to
// stop without it being treated as a failure.
type stopError struct{ reason string }

func (e *stopError) Error() string { return "stream stopped: " + e.reason }

var (
	errStopDone      = &stopError{reason: "done"}
	errStopCancelled = &stopError{reason: "cancelled"}
	errStopConsumer  = &stopError{reason: "consumer"}
)

func isEmitStop(err error) bool {
	var se *stopError
	return errors.As(err, &se)
}

var (
	_ Transport = (*HTTPTransport)(nil)
	_ Transport = (*WebSocketTransport)(nil)
	_ Transport = (*FallbackTransport)(nil)
)
