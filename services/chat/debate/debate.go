// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package debate runs a pro/con persona debate inside a chat session.
//
// # Description
//
// A run has N rounds. Each round streams the "pro" persona and then the
// "con" persona through the chat stream consumer, each into its own
// assistant message. Every persona prompt is seeded with the opponent's
// most recent output, so round k's pro answers round k-1's con and
// round k's con answers round k's pro.
//
// Cancel is soft: the in-flight persona call runs to the end of its
// request and no further call is scheduled. A run always ends with either
// one system status message (completed or cancelled) or one system error
// message. Debate output goes to the local transcript only.
package debate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/AleutianAI/AleutianChat/pkg/logging"
	"github.com/AleutianAI/AleutianChat/pkg/schedule"
	"github.com/AleutianAI/AleutianChat/services/chat/cancel"
	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
	"github.com/AleutianAI/AleutianChat/services/chat/observability"
	"github.com/AleutianAI/AleutianChat/services/chat/session"
	"github.com/AleutianAI/AleutianChat/services/chat/stream"
)

// Limits on the number of rounds.
const (
	DefaultRounds = 2
	MaxRounds     = 10
)

var (
	// ErrBusy is returned when a run is already in progress.
	ErrBusy = errors.New("debate already running")

	// ErrEmptyTopic is returned for a blank topic.
	ErrEmptyTopic = errors.New("debate topic is empty")
)

// Persona is one side of the debate.
type Persona string

const (
	PersonaPro Persona = "pro"
	PersonaCon Persona = "con"
)

// Opponent returns the other persona.
func (p Persona) Opponent() Persona {
	if p == PersonaPro {
		return PersonaCon
	}
	return PersonaPro
}

var stylePrompts = map[Persona]string{
	PersonaPro: "You are the PRO side of a structured debate. Argue in favour of the topic " +
		"in at most three short paragraphs. When your opponent's latest argument is " +
		"given, rebut it directly before adding new points. Stay civil and concrete.",
	PersonaCon: "You are the CON side of a structured debate. Argue against the topic " +
		"in at most three short paragraphs. When your opponent's latest argument is " +
		"given, rebut it directly before adding new points. Stay civil and concrete.",
}

// StylePrompt returns the persona's stance instructions.
func StylePrompt(p Persona) string { return stylePrompts[p] }

// PersonaPrompt builds the user text for one persona turn.
func PersonaPrompt(topic string, round, rounds int, opponentLast string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Debate topic: %s\nRound %d of %d.", topic, round, rounds)
	if s := strings.TrimSpace(opponentLast); s != "" {
		b.WriteString("\n\nYour opponent's latest argument:\n")
		b.WriteString(s)
	}
	return b.String()
}

// Streamer streams one request into a target with an explicit flush
// class. *stream.Consumer implements it.
type Streamer interface {
	IntoWithClass(ctx context.Context, req datatypes.ChatRequest, tok *cancel.Token, target stream.Target, class schedule.DeviceClass) (stream.Result, error)
}

// Transcript is where debate messages go. *session.Store implements it.
type Transcript interface {
	session.Updater
	AppendMessage(sessionID string, msg datatypes.Message)
}

// State is the orchestrator state.
type State int

const (
	StateIdle State = iota
	StateRunning
)

func (s State) String() string {
	if s == StateRunning {
		return "running"
	}
	return "idle"
}

// Request describes one run.
type Request struct {
	SessionID string
	Topic     string
	Rounds    int
	Mode      datatypes.Mode
	Model     string
}

// Turn is one completed persona call.
type Turn struct {
	Round     int
	Persona   Persona
	MessageID string
	Text      string
}

// Outcome summarizes a finished run.
type Outcome struct {
	Turns     []Turn
	Rounds    int
	Completed int
	Cancelled bool
}

// Options tunes an Orchestrator.
type Options struct {
	Clock       schedule.Clock
	Logger      *slog.Logger
	Metrics     *observability.Metrics
	DeviceClass schedule.DeviceClass

	// AfterTurn runs after every appended or finished message, typically
	// to schedule persistence.
	AfterTurn func(sessionID string)
}

// Orchestrator runs debates one at a time.
//
// # Thread Safety
//
// Safe for concurrent use. At most one run is active.
type Orchestrator struct {
	streamer   Streamer
	transcript Transcript
	clock      schedule.Clock
	logger     *slog.Logger
	metrics    *observability.Metrics
	class      schedule.DeviceClass
	afterTurn  func(string)

	mu       sync.Mutex
	state    State
	round    int
	stopping bool
	tok      *cancel.Token
	done     chan struct{}
}

// NewOrchestrator returns an idle Orchestrator.
func NewOrchestrator(streamer Streamer, transcript Transcript, opts Options) *Orchestrator {
	after := opts.AfterTurn
	if after == nil {
		after = func(string) {}
	}
	return &Orchestrator{
		streamer:   streamer,
		transcript: transcript,
		clock:      schedule.OrReal(opts.Clock),
		logger:     logging.OrDefault(opts.Logger).With(slog.String("component", "debate")),
		metrics:    opts.Metrics,
		class:      opts.DeviceClass,
		afterTurn:  after,
	}
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Round returns the round in progress, or 0 when idle.
func (o *Orchestrator) Round() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.round
}

// Cancel asks the active run to stop after its in-flight persona call.
// Reports whether a run was active.
func (o *Orchestrator) Cancel() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateRunning {
		return false
	}
	o.stopping = true
	return true
}

// Abort cancels the active run and its in-flight request immediately.
// Used on shutdown; the partial message keeps its text.
func (o *Orchestrator) Abort() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateRunning {
		return
	}
	o.stopping = true
	o.tok.Cancel(cancel.ReasonShutdown)
}

// Wait blocks until the active run, if any, has finished.
func (o *Orchestrator) Wait() {
	o.mu.Lock()
	done := o.done
	o.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Start runs req on a new goroutine. It returns ErrBusy or a validation
// error synchronously; the outcome is reported only through the
// transcript.
func (o *Orchestrator) Start(ctx context.Context, req Request) error {
	req, err := o.begin(ctx, req)
	if err != nil {
		return err
	}
	go func() { _, _ = o.run(req) }()
	return nil
}

// Run executes req and blocks until it ends.
//
// # Outputs
//
//   - Outcome: Completed turns. Cancelled is set when Cancel, Abort or
//     ctx ended the run early.
//   - error: ErrBusy, ErrEmptyTopic, or the persona call failure that
//     ended the run. A failure has already been reported to the
//     transcript as a system error message.
func (o *Orchestrator) Run(ctx context.Context, req Request) (Outcome, error) {
	req, err := o.begin(ctx, req)
	if err != nil {
		return Outcome{}, err
	}
	return o.run(req)
}

func (o *Orchestrator) begin(ctx context.Context, req Request) (Request, error) {
	req.Topic = strings.TrimSpace(req.Topic)
	if req.Topic == "" {
		return req, ErrEmptyTopic
	}
	if req.Rounds <= 0 {
		req.Rounds = DefaultRounds
	}
	req.Rounds = min(req.Rounds, MaxRounds)

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == StateRunning {
		return req, ErrBusy
	}
	o.state = StateRunning
	o.round = 0
	o.stopping = false
	o.tok = cancel.New(ctx)
	o.done = make(chan struct{})
	return req, nil
}

func (o *Orchestrator) run(req Request) (Outcome, error) {
	o.mu.Lock()
	tok, done := o.tok, o.done
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.state = StateIdle
		o.round = 0
		o.mu.Unlock()
		tok.Finish()
		close(done)
	}()

	out := Outcome{Rounds: req.Rounds}
	last := map[Persona]string{}
	logger := o.logger.With(slog.String("session_id", req.SessionID), slog.Int("rounds", req.Rounds))
	logger.Info("debate started")

rounds:
	for round := 1; round <= req.Rounds; round++ {
		o.mu.Lock()
		o.round = round
		o.mu.Unlock()

		for _, p := range []Persona{PersonaPro, PersonaCon} {
			if o.shouldStop(tok) {
				out.Cancelled = true
				break rounds
			}
			turn, res, err := o.turn(tok, req, round, p, last[p.Opponent()])
			if err != nil {
				o.fail(req.SessionID, err)
				logger.Warn("debate failed", slog.Int("round", round), slog.String("persona", string(p)), slog.String("error", err.Error()))
				return out, err
			}
			if res.Cancelled {
				out.Cancelled = true
				break rounds
			}
			last[p] = res.Text
			out.Turns = append(out.Turns, turn)
		}
		out.Completed = round
	}

	text := fmt.Sprintf("Debate finished: %d rounds on %q.", out.Completed, req.Topic)
	if out.Cancelled {
		text = fmt.Sprintf("Debate cancelled after %d of %d rounds.", out.Completed, req.Rounds)
	}
	o.transcript.AppendMessage(req.SessionID, datatypes.NewSystemMessage(datatypes.LevelInfo, text, o.clock.Now()))
	o.afterTurn(req.SessionID)
	logger.Info("debate ended", slog.Int("completed", out.Completed), slog.Bool("cancelled", out.Cancelled))
	return out, nil
}

func (o *Orchestrator) shouldStop(tok *cancel.Token) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stopping || tok.Cancelled()
}

func (o *Orchestrator) turn(tok *cancel.Token, req Request, round int, p Persona, seed string) (Turn, stream.Result, error) {
	msg := datatypes.NewAssistantMessage(o.clock.Now())
	msg.Persona = string(p)
	o.transcript.AppendMessage(req.SessionID, msg)
	o.afterTurn(req.SessionID)

	chatReq := stream.BuildRequest(stream.Prompt{
		Text:        PersonaPrompt(req.Topic, round, req.Rounds, seed),
		Mode:        req.Mode,
		SessionID:   req.SessionID,
		Model:       req.Model,
		StylePrompt: StylePrompt(p),
	})
	target := session.NewTarget(o.transcript, req.SessionID, msg.ID)

	res, err := o.streamer.IntoWithClass(tok.Context(), chatReq, tok, target, o.class)
	o.metrics.RecordDebateTurn(string(p), err == nil)
	o.afterTurn(req.SessionID)
	return Turn{Round: round, Persona: p, MessageID: msg.ID, Text: res.Text}, res, err
}

func (o *Orchestrator) fail(sessionID string, err error) {
	text := "Debate failed"
	if ce := stream.AsChatError(err); ce != nil && strings.TrimSpace(ce.Message) != "" {
		text += ": " + ce.Message
	}
	o.transcript.AppendMessage(sessionID, datatypes.NewSystemMessage(datatypes.LevelError, text, o.clock.Now()))
	o.afterTurn(sessionID)
}
