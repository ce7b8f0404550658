// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine wires the chat components into one conversation engine.
//
// # Description
//
// An Engine is the explicit context object of one chat tab. New loads the
// tab identity (visitor name, user id) and the current session, and
// builds the session store, stream consumer, context aggregator, memory
// extractor, debate orchestrator and, when enabled, the live presence
// channel. Close tears all of them down in reverse order.
//
// Every producer writes into the current session through the store and
// only mutates messages it created. A new prompt always cancels the
// previous chat turn before anything else happens.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianChat/pkg/logging"
	"github.com/AleutianAI/AleutianChat/pkg/schedule"
	"github.com/AleutianAI/AleutianChat/pkg/storage"
	"github.com/AleutianAI/AleutianChat/services/chat/cancel"
	"github.com/AleutianAI/AleutianChat/services/chat/contextagg"
	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
	"github.com/AleutianAI/AleutianChat/services/chat/debate"
	"github.com/AleutianAI/AleutianChat/services/chat/live"
	"github.com/AleutianAI/AleutianChat/services/chat/observability"
	"github.com/AleutianAI/AleutianChat/services/chat/session"
	"github.com/AleutianAI/AleutianChat/services/chat/stream"
)

// MaxUploadedImages caps the recent-uploads list.
const MaxUploadedImages = 12

var (
	// ErrNoTransport is returned by New without a chat transport.
	ErrNoTransport = errors.New("engine: chat transport is required")

	// ErrClosed is returned by operations on a closed engine.
	ErrClosed = errors.New("engine: closed")
)

// Config tunes an Engine. Durations are plain fields so tests can shorten
// them.
type Config struct {
	Mode        datatypes.Mode
	Model       string
	DeviceClass schedule.DeviceClass
	Flush       schedule.FlushConfig

	Session session.Config
	Context contextagg.Config

	ExtractEvery time.Duration
	ExtractBurst int

	DebateRounds int
	PresenceTTL  time.Duration

	// LiveEnabled connects the live channel at startup to the room of
	// PagePath.
	LiveEnabled bool
	PagePath    string

	// Page and ArticleText describe the page the widget is embedded in.
	Page        *datatypes.PageContext
	ArticleText string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Mode:        datatypes.ModeGeneral,
		DeviceClass: schedule.DeviceStandard,
		Flush: schedule.FlushConfig{
			Interval:      64 * time.Millisecond,
			FrameInterval: time.Second / 60,
		},
		DebateRounds: debate.DefaultRounds,
		PresenceTTL:  live.DefaultPresenceTTL,
		LiveEnabled:  true,
		PagePath:     "/",
	}
}

// Deps are the engine's collaborators. Only Transport is required.
type Deps struct {
	// Storage is durable local storage; nil means in-memory.
	Storage storage.Port
	// TabStorage holds per-tab values; nil means in-memory.
	TabStorage storage.Port

	Transport    stream.Transport
	Posts        contextagg.PostSearcher
	Memories     contextagg.MemorySearcher
	MemoryWriter contextagg.MemoryWriter
	Live         live.Client
	Rooms        live.RoomDirectory
	Uploader     Uploader
	Aggregator   Aggregator

	Clock          schedule.Clock
	Logger         *slog.Logger
	Metrics        *observability.Metrics
	TracerProvider trace.TracerProvider
}

// Engine is one chat tab.
type Engine struct {
	cfg     Config
	clock   schedule.Clock
	logger  *slog.Logger
	metrics *observability.Metrics
	tab     TabContext

	store      *session.Store
	consumer   *stream.Consumer
	context    *contextagg.Aggregator
	extractor  *contextagg.Extractor
	debate     *debate.Orchestrator
	live       *live.Channel
	rooms      live.RoomDirectory
	uploader   Uploader
	aggregator Aggregator

	slot cancel.Slot

	// liveCtx bounds every live subscription. It keeps the values of the
	// ctx given to New and ends in Close.
	liveCtx    context.Context
	liveCancel context.CancelFunc

	mu         sync.Mutex
	sessionID  string
	mode       datatypes.Mode
	model      string
	last       *Input
	images     []datatypes.ImageRef
	pruneTimer schedule.Timer
	pruneAt    int64
	closed     bool
}

// New builds an Engine and restores the current session.
//
// # Description
//
// The current-session pointer is read from storage; when absent a fresh
// session id is created and recorded. When cfg.LiveEnabled and a live
// client is supplied, the channel joins the room of cfg.PagePath. A live
// connect failure is logged and does not fail New.
//
// # Outputs
//
//   - *Engine: Ready to use. Call Close when done.
//   - error: ErrNoTransport.
func New(ctx context.Context, cfg Config, deps Deps) (*Engine, error) {
	if deps.Transport == nil {
		return nil, ErrNoTransport
	}
	if deps.Storage == nil {
		deps.Storage = storage.NewMemory()
	}
	if deps.TabStorage == nil {
		deps.TabStorage = storage.NewMemory()
	}
	if !cfg.Mode.Valid() {
		cfg.Mode = datatypes.ModeGeneral
	}

	logger := logging.OrDefault(deps.Logger)
	clock := schedule.OrReal(deps.Clock)
	liveCtx, liveCancel := context.WithCancel(context.WithoutCancel(ctx))
	e := &Engine{
		liveCtx:    liveCtx,
		liveCancel: liveCancel,
		cfg:        cfg,
		clock:      clock,
		logger:     logger.With(slog.String("component", "engine")),
		metrics:    deps.Metrics,
		tab:        NewTabContext(deps.TabStorage, deps.Storage),
		rooms:      deps.Rooms,
		uploader:   deps.Uploader,
		aggregator: deps.Aggregator,
		mode:       cfg.Mode,
		model:      cfg.Model,
	}

	e.store = session.New(deps.Storage, session.Options{
		Clock: clock, Logger: logger, Metrics: deps.Metrics, Config: cfg.Session,
	})
	if id, ok := e.store.CurrentSession(); ok {
		e.sessionID = id
		e.store.LoadSession(id)
		if meta, ok := e.store.Meta(id); ok && meta.Mode.Valid() {
			e.mode = meta.Mode
		}
	} else {
		e.sessionID = e.store.CreateSession()
		e.store.SetCurrentSession(e.sessionID)
	}

	e.consumer = stream.NewConsumer(deps.Transport, stream.Options{
		Clock:          clock,
		Logger:         logger,
		Metrics:        deps.Metrics,
		TracerProvider: deps.TracerProvider,
		DeviceClass:    cfg.DeviceClass,
		Flush:          cfg.Flush,
	})
	e.context = contextagg.NewAggregator(deps.Posts, deps.Memories, e.tab.UserID, contextagg.AggregatorOptions{
		Config: cfg.Context, Logger: logger, Metrics: deps.Metrics, TracerProvider: deps.TracerProvider,
	})
	if deps.MemoryWriter != nil {
		e.extractor = contextagg.NewExtractor(deps.MemoryWriter, e.tab.UserID, contextagg.ExtractorOptions{
			Every: cfg.ExtractEvery, Burst: cfg.ExtractBurst, Logger: logger, Metrics: deps.Metrics,
		})
	}
	e.debate = debate.NewOrchestrator(e.consumer, e.store, debate.Options{
		Clock:       clock,
		Logger:      logger,
		Metrics:     deps.Metrics,
		DeviceClass: cfg.DeviceClass,
		AfterTurn:   e.persist,
	})

	if deps.Live != nil {
		e.live = live.NewChannel(deps.Live, e.sessionID, e.tab.VisitorName, e.appendCurrent, live.Options{
			Clock: clock, Logger: logger, Metrics: deps.Metrics, PresenceTTL: cfg.PresenceTTL,
		})
		if cfg.LiveEnabled {
			if err := e.live.SwitchRoom(e.liveCtx, live.RoomKeyForPath(cfg.PagePath)); err != nil {
				e.logger.Warn("live channel unavailable", slog.String("error", err.Error()))
			}
		}
	}

	e.logger.Info("engine ready",
		slog.String("session_id", e.sessionID),
		slog.String("mode", string(e.mode)),
		slog.String("device_class", cfg.DeviceClass.String()),
		slog.Bool("live", e.live != nil && cfg.LiveEnabled),
	)
	return e, nil
}

// Close cancels in-flight work, disconnects the live channel, waits for
// background memory writes and flushes the store. Idempotent.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	if e.pruneTimer != nil {
		e.pruneTimer.Stop()
		e.pruneTimer = nil
	}
	e.mu.Unlock()

	e.slot.Cancel(cancel.ReasonShutdown)
	e.debate.Abort()
	e.debate.Wait()
	if e.live != nil {
		e.live.Disconnect()
	}
	e.liveCancel()
	e.extractor.Wait()
	if err := e.store.Close(); err != nil && !errors.Is(err, session.ErrClosed) {
		return err
	}
	return nil
}

// =============================================================================
// Accessors
// =============================================================================

// Session returns the current session id.
func (e *Engine) Session() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

// Tab returns the tab identity.
func (e *Engine) Tab() TabContext { return e.tab }

// Mode returns the current question mode.
func (e *Engine) Mode() datatypes.Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

// Messages returns a snapshot of the current session's messages.
func (e *Engine) Messages() []datatypes.Message {
	return e.store.Messages(e.Session())
}

// Sessions returns the Session Index, most recent first.
func (e *Engine) Sessions() []datatypes.SessionMeta {
	return e.store.Index()
}

// UploadedImages returns the recent uploads, newest first.
func (e *Engine) UploadedImages() []datatypes.ImageRef {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]datatypes.ImageRef(nil), e.images...)
}

// Busy reports whether a chat turn is streaming.
func (e *Engine) Busy() bool { return e.slot.Busy() }

// Live returns the live channel, or nil when no live client was given.
func (e *Engine) Live() *live.Channel { return e.live }

// Debate returns the debate orchestrator.
func (e *Engine) Debate() *debate.Orchestrator { return e.debate }

// Subscribe registers fn for store changes. The returned func removes it.
func (e *Engine) Subscribe(fn func(session.Change)) func() {
	return e.store.Subscribe(fn)
}

// Flush forces pending storage writes.
func (e *Engine) Flush() { e.store.Flush() }

// =============================================================================
// Settings
// =============================================================================

// SetMode switches the question mode of the current session.
func (e *Engine) SetMode(mode datatypes.Mode) error {
	if !mode.Valid() {
		return errors.New("engine: mode must be article or general")
	}
	e.mu.Lock()
	e.mode = mode
	sid := e.sessionID
	e.mu.Unlock()
	url, title := e.pageMeta()
	e.store.SetMeta(sid, mode, url, title)
	return nil
}

// SetModel selects the model sent with chat requests. Empty means the
// backend default.
func (e *Engine) SetModel(model string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.model = model
}

// SetPersist switches persistence on or off. Turning it on writes the
// current session.
func (e *Engine) SetPersist(on bool) {
	e.store.SetPersist(on)
	if on {
		e.persist(e.Session())
	}
}

// PersistEnabled reports the persistence preference.
func (e *Engine) PersistEnabled() bool { return e.store.PersistEnabled() }

func (e *Engine) pageMeta() (string, string) {
	if e.cfg.Page == nil {
		return "", ""
	}
	return e.cfg.Page.URL, e.cfg.Page.Title
}

// =============================================================================
// Session switching
// =============================================================================

// Stop cancels the streaming chat turn. The partial reply stays.
func (e *Engine) Stop() bool {
	return e.slot.Cancel(cancel.ReasonUser)
}

// Clear starts a fresh session. The old session's stored data is kept.
// The live subscription follows the engine's lifetime, not ctx.
func (e *Engine) Clear(_ context.Context) string {
	e.slot.Cancel(cancel.ReasonUser)
	e.debate.Abort()
	e.debate.Wait()

	e.mu.Lock()
	old := e.sessionID
	e.mu.Unlock()
	next := e.store.Clear(old)
	e.switchTo(next)
	return next
}

// LoadSession makes id the current session and returns its messages.
// The live subscription follows the engine's lifetime, not ctx.
func (e *Engine) LoadSession(_ context.Context, id string) []datatypes.Message {
	e.slot.Cancel(cancel.ReasonSuperseded)
	e.debate.Abort()
	e.debate.Wait()

	msgs := e.store.LoadSession(id)
	e.switchTo(id)
	if meta, ok := e.store.Meta(id); ok && meta.Mode.Valid() {
		e.mu.Lock()
		e.mode = meta.Mode
		e.mu.Unlock()
	}
	return msgs
}

func (e *Engine) switchTo(id string) {
	e.mu.Lock()
	e.sessionID = id
	e.last = nil
	e.images = nil
	if e.pruneTimer != nil {
		e.pruneTimer.Stop()
		e.pruneTimer = nil
		e.pruneAt = 0
	}
	e.mu.Unlock()

	e.store.SetCurrentSession(id)
	if e.live != nil {
		if err := e.live.SwitchSession(e.liveCtx, id); err != nil {
			e.logger.Warn("live session switch failed", slog.String("error", err.Error()))
		}
	}
	e.schedulePrune()
}

// =============================================================================
// Transcript helpers
// =============================================================================

func (e *Engine) appendCurrent(msg datatypes.Message) {
	e.appendTo(e.Session(), msg)
}

func (e *Engine) appendTo(sid string, msg datatypes.Message) {
	e.store.AppendMessage(sid, msg)
	if msg.Transient {
		e.schedulePrune()
		return
	}
	e.persist(sid)
}

func (e *Engine) persist(sid string) {
	e.store.Persist(sid)
	e.store.UpdateIndexEntry(sid)
}

func (e *Engine) system(sid string, level datatypes.SystemLevel, text string) {
	e.appendTo(sid, datatypes.NewSystemMessage(level, text, e.clock.Now()))
}

// schedulePrune arms one timer for the earliest transient expiry of the
// current session.
func (e *Engine) schedulePrune() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	at, ok := e.store.NextExpiry(e.sessionID)
	if !ok {
		if e.pruneTimer != nil {
			e.pruneTimer.Stop()
			e.pruneTimer = nil
			e.pruneAt = 0
		}
		return
	}
	if e.pruneTimer != nil && e.pruneAt == at {
		return
	}
	if e.pruneTimer != nil {
		e.pruneTimer.Stop()
	}
	// Expiry is strict, so fire one millisecond after expiresAt.
	delay := max(0, time.UnixMilli(at+1).Sub(e.clock.Now()))
	e.pruneAt = at
	e.pruneTimer = e.clock.AfterFunc(delay, e.prune)
}

func (e *Engine) prune() {
	e.mu.Lock()
	sid := e.sessionID
	e.pruneTimer = nil
	e.pruneAt = 0
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return
	}
	if n := e.store.PruneExpired(sid, e.clock.Now()); n > 0 {
		e.logger.Debug("pruned transient messages", slog.Int("count", n))
	}
	e.schedulePrune()
}
