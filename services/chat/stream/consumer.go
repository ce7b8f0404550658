// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stream consumes incremental chat responses.
//
// # Description
//
// A Consumer issues one logical chat request through a Transport and
// republishes its text deltas, sources and follow-ups. Run exposes the
// response as a lazy iter.Seq2; Into drives that sequence into a Target
// message, replacing its text wholesale with the running buffer through
// a schedule.Flusher.
//
// Cancellation is carried by a cancel.Token. Once the token is cancelled
// no further deltas are accumulated and the target keeps its partial
// text.
//
// # Thread Safety
//
// A Consumer is safe for concurrent use. Each Run sequence is consumed
// by one goroutine and can be ranged over once.
package stream

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianChat/pkg/logging"
	"github.com/AleutianAI/AleutianChat/pkg/schedule"
	"github.com/AleutianAI/AleutianChat/pkg/sse"
	"github.com/AleutianAI/AleutianChat/services/chat/cancel"
	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
	"github.com/AleutianAI/AleutianChat/services/chat/observability"
)

const tracerName = "aleutian.chat.stream"

// ErrAlreadyConsumed is yielded when a Run sequence is ranged over a
// second time.
var ErrAlreadyConsumed = errors.New("stream: sequence already consumed")

// Options configures a Consumer.
type Options struct {
	Clock          schedule.Clock
	Logger         *slog.Logger
	Metrics        *observability.Metrics
	TracerProvider trace.TracerProvider

	// DeviceClass picks the flush strategy used by Into.
	DeviceClass schedule.DeviceClass
	Flush       schedule.FlushConfig

	// OnSession is called when the backend announces a session id.
	OnSession func(id string)
}

// Consumer issues chat requests and republishes their events.
type Consumer struct {
	transport Transport
	clock     schedule.Clock
	logger    *slog.Logger
	metrics   *observability.Metrics
	tracer    trace.Tracer
	class     schedule.DeviceClass
	flush     schedule.FlushConfig
	onSession func(string)
}

// NewConsumer returns a Consumer over transport.
func NewConsumer(transport Transport, opts Options) *Consumer {
	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Consumer{
		transport: transport,
		clock:     schedule.OrReal(opts.Clock),
		logger:    logging.OrDefault(opts.Logger).With(slog.String("component", "stream")),
		metrics:   opts.Metrics,
		tracer:    tp.Tracer(tracerName),
		class:     opts.DeviceClass,
		flush:     opts.Flush,
		onSession: opts.OnSession,
	}
}

// DeviceClass returns the class Into flushes for.
func (c *Consumer) DeviceClass() schedule.DeviceClass { return c.class }

// Run issues req and returns its events as a lazy sequence.
//
// # Description
//
// Nothing is sent until the sequence is ranged over. It yields text,
// sources and followups events in transport order and ends when the
// response ends. A transport failure or non-2xx status is yielded once
// as a *ChatError, after which the sequence ends. Cancellation through
// tok, ctx or by breaking out of the loop ends the sequence without an
// error.
//
// First-token latency is recorded once, when the first text delta
// arrives.
//
// # Inputs
//
//   - ctx: Parent context for tracing and deadlines.
//   - req: Wire request, usually from BuildRequest.
//   - tok: Cancellation token for this turn. Nil means not cancellable
//     beyond ctx.
//
// # Outputs
//
//   - iter.Seq2[sse.Event, error]: Single-use sequence. A second range
//     yields ErrAlreadyConsumed.
func (c *Consumer) Run(ctx context.Context, req datatypes.ChatRequest, tok *cancel.Token) iter.Seq2[sse.Event, error] {
	var used atomic.Bool
	return func(yield func(sse.Event, error) bool) {
		if used.Swap(true) {
			yield(sse.Event{}, ErrAlreadyConsumed)
			return
		}
		c.run(ctx, req, tok, yield)
	}
}

func (c *Consumer) run(ctx context.Context, req datatypes.ChatRequest, tok *cancel.Token, yield func(sse.Event, error) bool) {
	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	if tok != nil {
		defer context.AfterFunc(tok.Context(), stop)()
	}

	runCtx, span := c.tracer.Start(runCtx, "stream.Run",
		trace.WithAttributes(
			attribute.String("transport", string(c.transport.Name())),
			attribute.String("mode", string(req.Mode)),
			attribute.Int("parts", len(req.Parts)),
		),
	)
	defer span.End()

	c.metrics.StreamStarted()
	start := c.clock.Now()
	firstSeen := false
	deltas := 0

	err := c.transport.Stream(runCtx, req, func(ev sse.Event) error {
		if tok.Cancelled() || runCtx.Err() != nil {
			return errStopCancelled
		}
		switch ev.Type {
		case sse.EventText:
			if ev.Text == "" {
				return nil
			}
			if !firstSeen {
				firstSeen = true
				latency := c.clock.Now().Sub(start)
				c.metrics.RecordFirstToken(latency.Seconds())
				span.AddEvent("first_token", trace.WithAttributes(
					attribute.Int64("latency_ms", latency.Milliseconds()),
				))
			}
			deltas++
			c.metrics.RecordDelta()
		case sse.EventSources, sse.EventFollowups:
		case sse.EventSession:
			if c.onSession != nil && ev.SessionID != "" {
				c.onSession(ev.SessionID)
			}
			return nil
		case sse.EventError:
			return &ChatError{Code: CodeServer, Message: orGeneric(ev.Message)}
		case sse.EventDone:
			return errStopDone
		default:
			return nil
		}
		if !yield(ev, nil) {
			return errStopConsumer
		}
		return nil
	})

	elapsed := c.clock.Now().Sub(start).Seconds()
	span.SetAttributes(attribute.Int("deltas", deltas))

	cancelled := tok.Cancelled() || errors.Is(err, errStopCancelled) || errors.Is(err, errStopConsumer) ||
		(err != nil && ctx.Err() != nil)
	switch {
	case cancelled:
		c.metrics.StreamEnded(c.transport.Name(), elapsed, "cancelled")
		span.SetAttributes(attribute.Bool("cancelled", true))
	case err == nil || errors.Is(err, errStopDone):
		c.metrics.StreamEnded(c.transport.Name(), elapsed, "success")
	default:
		ce := AsChatError(err)
		c.metrics.StreamEnded(c.transport.Name(), elapsed, "error")
		c.metrics.RecordError(string(ce.Code))
		span.RecordError(ce)
		span.SetStatus(codes.Error, ce.Error())
		c.logger.Warn("chat stream failed",
			slog.String("code", string(ce.Code)),
			slog.Int("status", ce.Status),
			slog.String("error", ce.Error()),
		)
		yield(sse.Event{}, ce)
	}
}

func orGeneric(msg string) string {
	if strings.TrimSpace(msg) == "" {
		return sse.GenericErrorMessage
	}
	return msg
}

// =============================================================================
// Into
// =============================================================================

// Target receives the streamed state of one assistant message. The
// consumer only ever replaces fields wholesale.
//
// SetText may be called from a flush timer goroutine while the others run
// on the consuming goroutine, so implementations must be safe for
// concurrent use.
type Target interface {
	SetText(text string)
	SetSources(sources []sse.Source)
	SetFollowups(followups []string)
}

// Result summarizes a finished Into call.
type Result struct {
	Text              string
	Sources           []sse.Source
	Followups         []string
	FirstTokenLatency time.Duration
	Cancelled         bool
}

// Into runs req and streams it into target.
//
// # Description
//
// Text deltas accumulate in a buffer; the buffer is handed to a Flusher
// that replaces target's text at most once per flush slot. Sources and
// followups replace the corresponding target fields as they arrive and
// never touch text. When the stream ends the latest buffer is committed.
// When cancelled, the buffer as of cancellation is committed once and
// nothing after it.
//
// # Outputs
//
//   - Result: Final text and metadata. Cancelled is true when tok or ctx
//     ended the stream.
//   - error: A *ChatError on transport failure. The target keeps any
//     partial text.
func (c *Consumer) Into(ctx context.Context, req datatypes.ChatRequest, tok *cancel.Token, target Target) (Result, error) {
	return c.IntoWithClass(ctx, req, tok, target, c.class)
}

// IntoWithClass is Into with an explicit device class.
func (c *Consumer) IntoWithClass(ctx context.Context, req datatypes.ChatRequest, tok *cancel.Token, target Target, class schedule.DeviceClass) (Result, error) {
	flusher := schedule.NewFlusher(class, c.clock, c.flush, target.SetText)
	defer flusher.Stop()

	var (
		buf    strings.Builder
		res    Result
		first  = true
		start  = c.clock.Now()
		runErr error
	)
	for ev, err := range c.Run(ctx, req, tok) {
		if err != nil {
			runErr = err
			break
		}
		if tok.Cancelled() {
			break
		}
		switch ev.Type {
		case sse.EventText:
			if first {
				first = false
				res.FirstTokenLatency = c.clock.Now().Sub(start)
			}
			buf.WriteString(ev.Text)
			flusher.Schedule(buf.String())
		case sse.EventSources:
			res.Sources = ev.Sources
			target.SetSources(ev.Sources)
		case sse.EventFollowups:
			res.Followups = ev.Followups
			target.SetFollowups(ev.Followups)
		}
	}

	flusher.Flush()
	res.Text = buf.String()
	res.Cancelled = tok.Cancelled() || ctx.Err() != nil
	if res.Cancelled {
		return res, nil
	}
	return res, runErr
}
