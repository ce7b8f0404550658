// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cancel provides explicit cancellation tokens for chat requests.
//
// A Token wraps a context.Context and its CancelFunc with a state machine
// and a recorded reason. Every asynchronous call in the engine receives the
// token for its turn rather than reaching for a shared "current request"
// reference. A Slot hands out tokens so that starting a new turn always
// cancels the previous one first.
package cancel

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// -----------------------------------------------------------------------------
// Enums
// -----------------------------------------------------------------------------

// Reason records why a token was cancelled.
type Reason int

const (
	// ReasonNone means the token has not been cancelled.
	ReasonNone Reason = iota

	// ReasonUser is an explicit stop from the user.
	ReasonUser

	// ReasonSuperseded means a newer turn replaced this one.
	ReasonSuperseded

	// ReasonShutdown means the engine is closing.
	ReasonShutdown

	// ReasonParent means the parent context ended.
	ReasonParent
)

func (r Reason) String() string {
	switch r {
	case ReasonUser:
		return "user"
	case ReasonSuperseded:
		return "superseded"
	case ReasonShutdown:
		return "shutdown"
	case ReasonParent:
		return "parent"
	default:
		return "none"
	}
}

// State is the lifecycle of a token.
type State int32

const (
	StateRunning State = iota
	StateCancelled
	StateDone
)

func (s State) String() string {
	switch s {
	case StateCancelled:
		return "cancelled"
	case StateDone:
		return "done"
	default:
		return "running"
	}
}

// -----------------------------------------------------------------------------
// Token
// -----------------------------------------------------------------------------

// Token is a one-shot cancellation handle.
//
// # Description
//
// Cancel is idempotent and safe after Done; only the first call from the
// running state records a reason and cancels the context. Done marks
// normal completion, after which Cancel still releases the context but
// Cancelled keeps reporting false.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Token struct {
	ctx     context.Context
	cancel  context.CancelFunc
	state   atomic.Int32
	reason  atomic.Int32
	created time.Time
}

// New creates a running token derived from parent.
func New(parent context.Context) *Token {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	t := &Token{ctx: ctx, cancel: cancel, created: time.Now()}
	// Cancel and Finish move state before cancelling ctx, so this only
	// wins when the parent ended first.
	context.AfterFunc(ctx, func() {
		t.markCancelled(ReasonParent)
	})
	return t
}

// Context returns the context tied to this token.
func (t *Token) Context() context.Context { return t.ctx }

// Done returns a channel closed when the token is cancelled or finished.
func (t *Token) Done() <-chan struct{} { return t.ctx.Done() }

// State returns the current lifecycle state. A nil token is always
// running.
func (t *Token) State() State {
	if t == nil {
		return StateRunning
	}
	return State(t.state.Load())
}

// Reason returns why the token was cancelled, or ReasonNone.
func (t *Token) Reason() Reason {
	if t == nil {
		return ReasonNone
	}
	return Reason(t.reason.Load())
}

// Cancelled reports whether Cancel won the race against Finish.
func (t *Token) Cancelled() bool { return t.State() == StateCancelled }

// Age returns time since the token was created.
func (t *Token) Age() time.Duration { return time.Since(t.created) }

// Cancel cancels the token with reason. Idempotent.
func (t *Token) Cancel(reason Reason) {
	t.markCancelled(reason)
	t.cancel()
}

// Finish marks normal completion and releases the context. Idempotent;
// a no-op if the token was already cancelled.
func (t *Token) Finish() {
	t.state.CompareAndSwap(int32(StateRunning), int32(StateDone))
	t.cancel()
}

func (t *Token) markCancelled(reason Reason) {
	if t.state.CompareAndSwap(int32(StateRunning), int32(StateCancelled)) {
		t.reason.Store(int32(reason))
	}
}

// -----------------------------------------------------------------------------
// Slot
// -----------------------------------------------------------------------------

// Slot holds the token of the caller's current turn.
//
// Next cancels whatever token the slot holds with ReasonSuperseded and
// installs a fresh one, so at most one turn per slot is live.
type Slot struct {
	mu      sync.Mutex
	current *Token
}

// Next cancels the current token and returns a new one derived from parent.
func (s *Slot) Next(parent context.Context) *Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		s.current.Cancel(ReasonSuperseded)
	}
	s.current = New(parent)
	return s.current
}

// Current returns the live token, or nil.
func (s *Slot) Current() *Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Cancel cancels the current token, if any, with reason.
// Reports whether a running token was cancelled.
func (s *Slot) Cancel(reason Reason) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return false
	}
	running := s.current.State() == StateRunning
	s.current.Cancel(reason)
	return running
}

// Release clears the slot if tok is still its current token, finishing it.
func (s *Slot) Release(tok *Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok.Finish()
	if s.current == tok {
		s.current = nil
	}
}

// Busy reports whether the slot holds a running token.
func (s *Slot) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil && s.current.State() == StateRunning
}
