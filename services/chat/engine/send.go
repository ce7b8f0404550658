// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
	"github.com/AleutianAI/AleutianChat/services/chat/session"
	"github.com/AleutianAI/AleutianChat/services/chat/stream"
)

var (
	// ErrEmptyPrompt is returned by Send for blank input without an image.
	ErrEmptyPrompt = errors.New("engine: empty prompt")

	// ErrNothingToRetry is returned by Retry before any prompt was sent.
	ErrNothingToRetry = errors.New("engine: nothing to retry")
)

// Input is one user submission.
type Input struct {
	Text string

	// Image is uploaded before the turn starts.
	Image *Image

	// Aggregate sends the prompt to the non-streaming aggregate endpoint.
	Aggregate bool
}

// Reply describes the messages a Send produced.
type Reply struct {
	UserMessageID      string
	AssistantMessageID string
	Text               string
	Sources            []datatypes.Source
	Followups          []string

	// Cancelled is set when Stop, a newer Send or ctx ended the turn.
	Cancelled bool

	// Live is set when the input was a /live command or routed to the
	// live room.
	Live bool
}

// Send handles one user submission.
//
// # Description
//
// "/live" input runs the live command grammar. While the live room is
// pinned, plain text without a leading "/" and without an image goes to
// the live room. Everything else is a chat turn:
//
//  1. The previous turn and any running debate are cancelled.
//  2. The image, if any, is uploaded and embedded with an image marker.
//  3. The user message is appended and the session metadata updated.
//  4. Auxiliary context is resolved and an empty assistant message is
//     streamed into.
//  5. Memory extraction runs in the background and the session is
//     persisted.
//
// # Outputs
//
//   - Reply: The produced message ids and final text.
//   - error: ErrEmptyPrompt, ErrClosed, or the *stream.ChatError of an
//     upload or transport failure. Such failures are already in the
//     transcript as one system error message and Retry re-sends the
//     prompt. Cancellation is not an error.
func (e *Engine) Send(ctx context.Context, in Input) (Reply, error) {
	if e.isClosed() {
		return Reply{}, ErrClosed
	}
	text := strings.TrimSpace(in.Text)
	if text == "" && in.Image == nil {
		return Reply{}, ErrEmptyPrompt
	}
	if in.Image == nil {
		if payload, ok := liveCommand(text); ok {
			return Reply{Live: true}, e.runLiveCommand(ctx, payload)
		}
		if e.live != nil && !in.Aggregate && e.store.LivePinned() && !strings.HasPrefix(text, "/") {
			return e.sendLive(ctx, text)
		}
	}
	return e.sendChat(ctx, in, text)
}

// Retry re-sends the last chat prompt, re-uploading its image.
func (e *Engine) Retry(ctx context.Context) (Reply, error) {
	e.mu.Lock()
	last := e.last
	e.mu.Unlock()
	if last == nil {
		return Reply{}, ErrNothingToRetry
	}
	return e.sendChat(ctx, *last, strings.TrimSpace(last.Text))
}

// Aggregate asks the backend for one combined answer over the given
// sessions' titles and summaries. The prompt and its answer land in the
// current session.
func (e *Engine) Aggregate(ctx context.Context, sessionIDs []string) (Reply, error) {
	prompt := AggregatePrompt(e.store, sessionIDs)
	if prompt == "" {
		return Reply{}, ErrEmptyPrompt
	}
	return e.Send(ctx, Input{Text: prompt, Aggregate: true})
}

// AggregatePrompt builds the aggregate prompt from index metadata.
// Unknown ids are skipped.
func AggregatePrompt(store *session.Store, sessionIDs []string) string {
	var b strings.Builder
	n := 0
	for _, id := range sessionIDs {
		meta, ok := store.Meta(id)
		if !ok {
			continue
		}
		n++
		fmt.Fprintf(&b, "%d. %s", n, meta.Title)
		if meta.Summary != "" {
			fmt.Fprintf(&b, "\n   %s", meta.Summary)
		}
		b.WriteString("\n")
	}
	if n == 0 {
		return ""
	}
	return "Combine the following conversations into one overview and answer any open questions.\n\n" +
		strings.TrimRight(b.String(), "\n")
}

func (e *Engine) sendChat(ctx context.Context, in Input, text string) (Reply, error) {
	tok := e.slot.Next(ctx)
	defer e.slot.Release(tok)
	e.debate.Abort()
	e.debate.Wait()

	e.mu.Lock()
	sid, mode, model := e.sessionID, e.mode, e.model
	last := in
	e.last = &last
	e.mu.Unlock()

	var ref *datatypes.ImageRef
	if in.Image != nil {
		uploaded, err := e.upload(tok.Context(), *in.Image)
		if err != nil {
			if tok.Cancelled() {
				return Reply{Cancelled: true}, nil
			}
			return Reply{}, e.fail(sid, err, "Image upload failed")
		}
		ref = &uploaded
		e.rememberImage(uploaded)
		if tok.Cancelled() {
			return Reply{Cancelled: true}, nil
		}
	}

	base := text
	if base == "" {
		base = DefaultImageText
	}
	full := base
	if ref != nil {
		full = FormatImageMarker(base, *ref)
	}

	user := datatypes.NewUserMessage(full, e.clock.Now())
	e.appendTo(sid, user)
	url, title := e.pageMeta()
	e.store.SetMeta(sid, mode, url, title)
	reply := Reply{UserMessageID: user.ID}

	if in.Aggregate {
		return e.aggregate(tok.Context(), sid, full, reply)
	}

	aux := e.context.Resolve(tok.Context(), base, mode)
	if tok.Cancelled() {
		reply.Cancelled = true
		return reply, nil
	}
	asst := datatypes.NewAssistantMessage(e.clock.Now())
	e.store.AppendMessage(sid, asst)
	reply.AssistantMessageID = asst.ID

	p := stream.Prompt{
		Text:          base,
		Mode:          mode,
		SessionID:     sid,
		RAGContext:    aux.RAG,
		MemoryContext: aux.Memory,
		Model:         model,
		Page:          e.cfg.Page,
	}
	if mode == datatypes.ModeArticle {
		p.ArticleText = e.cfg.ArticleText
	}
	if ref != nil {
		p.ImageURL, p.ImageAnalysis = ref.URL, ref.Analysis
	}
	res, err := e.consumer.Into(tok.Context(), stream.BuildRequest(p), tok, session.NewTarget(e.store, sid, asst.ID))
	reply.Text, reply.Sources, reply.Followups, reply.Cancelled = res.Text, res.Sources, res.Followups, res.Cancelled
	if err != nil {
		return reply, e.fail(sid, err, "Chat failed")
	}
	if !res.Cancelled {
		e.extractor.ExtractAsync(base, res.Text, sid)
	}
	e.persist(sid)
	return reply, nil
}

func (e *Engine) upload(ctx context.Context, img Image) (datatypes.ImageRef, error) {
	if e.uploader == nil {
		return datatypes.ImageRef{}, &stream.ChatError{Code: stream.CodeValidation, Message: "Image upload is not available"}
	}
	return e.uploader.Upload(ctx, img)
}

func (e *Engine) aggregate(ctx context.Context, sid, prompt string, reply Reply) (Reply, error) {
	if e.aggregator == nil {
		return reply, e.fail(sid, &stream.ChatError{Code: stream.CodeValidation, Message: "Aggregate is not available"}, "Aggregate failed")
	}
	out, err := e.aggregator.Aggregate(ctx, prompt)
	if err != nil {
		if ctx.Err() != nil {
			reply.Cancelled = true
			return reply, nil
		}
		return reply, e.fail(sid, err, "Aggregate failed")
	}
	msg := datatypes.NewAssistantMessage(e.clock.Now())
	msg.Text = out
	e.appendTo(sid, msg)
	reply.AssistantMessageID, reply.Text = msg.ID, out
	return reply, nil
}

// fail reports err as one system error message and returns it as a
// *stream.ChatError.
func (e *Engine) fail(sid string, err error, fallback string) error {
	ce := stream.AsChatError(err)
	text := ce.Message
	if text == "" {
		text = fallback
	}
	e.logger.Warn("chat turn failed",
		slog.String("session_id", sid),
		slog.String("code", string(ce.Code)),
		slog.String("error", ce.Error()),
	)
	e.system(sid, datatypes.LevelError, text)
	return ce
}

func (e *Engine) rememberImage(ref datatypes.ImageRef) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.images = append([]datatypes.ImageRef{ref}, e.images...)
	if len(e.images) > MaxUploadedImages {
		e.images = e.images[:MaxUploadedImages]
	}
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}
