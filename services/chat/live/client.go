// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package live

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
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/AleutianAI/AleutianChat/pkg/logging"
	"github.com/AleutianAI/AleutianChat/pkg/schedule"
	"github.com/AleutianAI/AleutianChat/pkg/sse"
	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
	"github.com/AleutianAI/AleutianChat/services/chat/observability"
)

// Endpoint paths, relative to the backend base URL.
const (
	StreamPath    = "/api/v1/chat/live/stream"
	MessagePath   = "/api/v1/chat/live/message"
	RoomsPath     = "/api/v1/chat/live/rooms"
	RoomStatsPath = "/api/v1/chat/live/room-stats"
)

// ErrStreamClosed is reported to onError when the server ends the stream.
var ErrStreamClosed = errors.New("live stream closed by server")

// EventFunc receives decoded live events.
type EventFunc func(datatypes.LiveEvent)

// ErrorFunc receives connection failures. The client keeps retrying
// after reporting.
type ErrorFunc func(error)

// Client is the live room transport.
//
// # Description
//
// Connect opens a subscription and returns immediately. Events and errors
// are delivered on a goroutine owned by the client. The returned
// disconnect function closes the subscription and blocks until no further
// callbacks can run; it must not be called from inside a callback.
type Client interface {
	Connect(ctx context.Context, sessionID, room, visitorName string, onEvent EventFunc, onError ErrorFunc) (disconnect func(), err error)
	Send(ctx context.Context, req datatypes.LiveMessageRequest) error
}

// RoomDirectory lists rooms.
type RoomDirectory interface {
	ListRooms(ctx context.Context) ([]datatypes.RoomInfo, error)
	RoomStats(ctx context.Context) (datatypes.RoomStats, error)
}

// =============================================================================
// SSEClient
// =============================================================================

// SSEClient subscribes to live rooms over Server-Sent Events.
//
// # Thread Safety
//
// Safe for concurrent use. Each Connect owns one goroutine.
type SSEClient struct {
	BaseURL string
	HTTP    *http.Client
	Clock   schedule.Clock
	Logger  *slog.Logger
	Metrics *observability.Metrics

	// NewBackOff returns the reconnect policy for one subscription. Nil
	// means exponential backoff from 500ms up to 30s.
	NewBackOff func() backoff.BackOff
}

// NewSSEClient returns an SSEClient for baseURL.
func NewSSEClient(baseURL string) *SSEClient {
	return &SSEClient{BaseURL: strings.TrimRight(baseURL, "/")}
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	return b
}

func (c *SSEClient) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

func (c *SSEClient) logger() *slog.Logger {
	return logging.OrDefault(c.Logger).With(slog.String("component", "live"))
}

// Connect implements Client.
func (c *SSEClient) Connect(ctx context.Context, sessionID, room, visitorName string, onEvent EventFunc, onError ErrorFunc) (func(), error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, errors.New("live connect: session id is required")
	}
	if onEvent == nil {
		return nil, errors.New("live connect: onEvent is required")
	}
	if onError == nil {
		onError = func(error) {}
	}

	q := url.Values{}
	q.Set("sessionId", sessionID)
	q.Set("room", NormalizeRoomKey(room))
	if name := strings.TrimSpace(visitorName); name != "" {
		q.Set("name", name)
	}
	target := c.BaseURL + StreamPath + "?" + q.Encode()

	newBackOff := c.NewBackOff
	if newBackOff == nil {
		newBackOff = defaultBackOff
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.run(ctx, target, newBackOff(), onEvent, onError)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}, nil
}

func (c *SSEClient) run(ctx context.Context, target string, b backoff.BackOff, onEvent EventFunc, onError ErrorFunc) {
	logger := c.logger()
	clock := schedule.OrReal(c.Clock)
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			c.Metrics.RecordLiveReconnect()
		}
		err := c.stream(ctx, target, b, onEvent)
		if ctx.Err() != nil {
			return
		}
		logger.Warn("live stream interrupted", slog.String("error", err.Error()))
		onError(err)

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return
		}
		if !sleep(ctx, clock, wait) {
			return
		}
	}
}

// stream holds one subscription open until it fails. The backoff is reset
// once the server accepts the request.
func (c *SSEClient) stream(ctx context.Context, target string, b backoff.BackOff, onEvent EventFunc) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("live stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("live stream: HTTP %d", resp.StatusCode)
	}

	b.Reset()
	c.Metrics.RecordLiveConnect()

	logger := c.logger()
	err = sse.ReadFrames(ctx, resp.Body, func(f sse.Frame) error {
		ev, err := datatypes.DecodeLiveEvent([]byte(f.Data), f.Event)
		if err != nil {
			logger.Debug("dropping live frame", slog.String("error", err.Error()))
			return nil
		}
		onEvent(ev)
		return nil
	})
	if errors.Is(err, io.EOF) {
		return ErrStreamClosed
	}
	return err
}

func sleep(ctx context.Context, clock schedule.Clock, d time.Duration) bool {
	fired := make(chan struct{})
	t := clock.AfterFunc(d, func() { close(fired) })
	select {
	case <-fired:
		return true
	case <-ctx.Done():
		t.Stop()
		return false
	}
}

// Send implements Client.
func (c *SSEClient) Send(ctx context.Context, req datatypes.LiveMessageRequest) error {
	if req.SenderType == "" {
		req.SenderType = datatypes.SenderClient
	}
	req.Room = NormalizeRoomKey(req.Room)
	if err := req.Validate(); err != nil {
		return fmt.Errorf("live message: %w", err)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+MessagePath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return fmt.Errorf("live message: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if text := strings.TrimSpace(string(raw)); text != "" {
			return errors.New(text)
		}
		return fmt.Errorf("failed to send live chat message (%d)", resp.StatusCode)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// ListRooms implements RoomDirectory.
func (c *SSEClient) ListRooms(ctx context.Context) ([]datatypes.RoomInfo, error) {
	var env datatypes.Envelope[struct {
		Rooms []datatypes.RoomInfo `json:"rooms"`
	}]
	if err := c.getJSON(ctx, RoomsPath, &env); err != nil {
		return nil, err
	}
	if !env.OK {
		return nil, envelopeError(env.Error, "failed to load live rooms")
	}
	return env.Data.Rooms, nil
}

// RoomStats implements RoomDirectory.
func (c *SSEClient) RoomStats(ctx context.Context) (datatypes.RoomStats, error) {
	var env datatypes.Envelope[datatypes.RoomStats]
	if err := c.getJSON(ctx, RoomStatsPath, &env); err != nil {
		return datatypes.RoomStats{}, err
	}
	if !env.OK {
		return datatypes.RoomStats{}, envelopeError(env.Error, "failed to load live room stats")
	}
	return env.Data, nil
}

func envelopeError(msg, fallback string) error {
	if msg = strings.TrimSpace(msg); msg != "" {
		return errors.New(msg)
	}
	return errors.New(fallback)
}

func (c *SSEClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("get %s: HTTP %d: %w", path, resp.StatusCode, err)
	}
	return nil
}

var (
	_ Client        = (*SSEClient)(nil)
	_ RoomDirectory = (*SSEClient)(nil)
)
