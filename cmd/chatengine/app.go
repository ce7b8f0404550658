// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AleutianAI/AleutianChat/cmd/chatengine/config"
	"github.com/AleutianAI/AleutianChat/pkg/logging"
	"github.com/AleutianAI/AleutianChat/pkg/schedule"
	"github.com/AleutianAI/AleutianChat/pkg/storage"
	"github.com/AleutianAI/AleutianChat/pkg/ux"
	"github.com/AleutianAI/AleutianChat/services/chat/contextagg"
	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
	"github.com/AleutianAI/AleutianChat/services/chat/engine"
	"github.com/AleutianAI/AleutianChat/services/chat/live"
	"github.com/AleutianAI/AleutianChat/services/chat/observability"
	"github.com/AleutianAI/AleutianChat/services/chat/session"
	"github.com/AleutianAI/AleutianChat/services/chat/stream"
)

// appOptions override config values per command.
type appOptions struct {
	// PagePath is the page the session is about; it picks the live room.
	PagePath string

	// NoLive disables the live channel regardless of config.
	NoLive bool

	// InMemory skips badger. Used by tests and --ephemeral.
	InMemory bool

	// Out receives rendered messages. Nil means os.Stdout.
	Out *os.File
}

// app owns everything one CLI invocation opens.
type app struct {
	cfg      config.ChatConfig
	logger   *logging.Logger
	db       *storage.Badger
	engine   *engine.Engine
	renderer *ux.MessageRenderer
	unsub    func()
}

// newApp opens storage and builds the engine from cfg.
func newApp(ctx context.Context, cfg config.ChatConfig, logger *logging.Logger, opts appOptions) (*app, error) {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	slogger := logger.Slog()

	var durable storage.Port
	var db *storage.Badger
	if opts.InMemory {
		durable = storage.NewMemory()
	} else {
		bcfg := storage.DefaultBadgerConfig(config.ExpandHome(cfg.Storage.Dir))
		bcfg.Logger = logger.Component("badger")
		var err error
		db, err = storage.OpenBadger(bcfg)
		if err != nil {
			return nil, err
		}
		durable = db
	}

	ecfg, err := engineConfig(cfg, out)
	if err != nil {
		if db != nil {
			_ = db.Close()
		}
		return nil, err
	}
	if opts.PagePath != "" {
		ecfg.PagePath = opts.PagePath
	}
	if opts.NoLive {
		ecfg.LiveEnabled = false
	}

	deps := backendDeps(cfg, slogger)
	deps.Storage = durable
	deps.TabStorage = storage.NewMemory()
	deps.Logger = slogger
	deps.Metrics = observability.NewMetrics(prometheus.NewRegistry())

	e, err := engine.New(ctx, ecfg, deps)
	if err != nil {
		if db != nil {
			_ = db.Close()
		}
		return nil, err
	}
	e.SetPersist(cfg.Storage.Persist)

	r := ux.NewMessageRenderer(out, ux.DetectPersonality(out))
	r.UserText = displayUserText
	a := &app{cfg: cfg, logger: logger, db: db, engine: e, renderer: r}
	a.unsub = e.Subscribe(func(session.Change) { a.render() })
	return a, nil
}

func (a *app) render() {
	a.renderer.Render(a.engine.Messages())
}

// apply pushes the hot-swappable settings of a reloaded config.
func (a *app) apply(cfg config.ChatConfig) {
	if err := a.engine.SetMode(datatypes.Mode(cfg.Chat.Mode)); err != nil {
		a.logger.Warn("config mode ignored", "error", err.Error())
	}
	a.engine.SetModel(cfg.Chat.Model)
	if level, err := logging.ParseLevel(cfg.Logging.Level); err == nil {
		a.logger.SetLevel(level)
	}
	a.cfg = cfg
}

// Close tears down in reverse order of construction.
func (a *app) Close() error {
	a.unsub()
	err := a.engine.Close()
	a.renderer.Finish()
	if a.db != nil {
		if cerr := a.db.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// engineConfig maps the file config onto engine.Config.
func engineConfig(cfg config.ChatConfig, out *os.File) (engine.Config, error) {
	ecfg := engine.DefaultConfig()
	ecfg.Mode = datatypes.Mode(cfg.Chat.Mode)
	ecfg.Model = cfg.Chat.Model
	ecfg.DebateRounds = cfg.Chat.DebateRounds
	ecfg.LiveEnabled = cfg.Live.Enabled
	ecfg.PagePath = cfg.Live.PagePath
	if cfg.Chat.FlushInterval > 0 {
		ecfg.Flush.Interval = cfg.Chat.FlushInterval
	}
	if cfg.Chat.FrameInterval > 0 {
		ecfg.Flush.FrameInterval = cfg.Chat.FrameInterval
	}

	if cfg.Chat.DeviceClass == "auto" {
		ecfg.DeviceClass = ux.DetectDeviceClass(out)
	} else {
		class, err := schedule.ParseDeviceClass(cfg.Chat.DeviceClass)
		if err != nil {
			return engine.Config{}, err
		}
		ecfg.DeviceClass = class
	}
	return ecfg, nil
}

// backendDeps builds the HTTP clients for cfg.Server.
func backendDeps(cfg config.ChatConfig, logger *slog.Logger) engine.Deps {
	base := strings.TrimRight(cfg.Server.BaseURL, "/")
	apiKey := ""
	if cfg.Server.APIKeyEnv != "" {
		apiKey = os.Getenv(cfg.Server.APIKeyEnv)
	}
	httpClient := &http.Client{Transport: &apiKeyTransport{key: apiKey, base: http.DefaultTransport}}

	httpTr := stream.NewHTTPTransport(base)
	httpTr.APIKey = apiKey
	wsTr := stream.NewWebSocketTransport(base)
	wsTr.APIKey = apiKey
	wsTr.Logger = logger

	var tr stream.Transport
	switch cfg.Server.Transport {
	case "http":
		tr = httpTr
	case "websocket":
		tr = wsTr
	default:
		tr = &stream.FallbackTransport{Primary: wsTr, Secondary: httpTr, Logger: logger}
	}

	ctxClient := contextagg.NewClient(base)
	ctxClient.HTTP = httpClient

	liveClient := live.NewSSEClient(base)
	liveClient.HTTP = httpClient
	liveClient.Logger = logger

	backend := engine.NewHTTPBackend(base)
	backend.APIKey = apiKey

	return engine.Deps{
		Transport:    tr,
		Posts:        ctxClient,
		Memories:     ctxClient,
		MemoryWriter: ctxClient,
		Live:         liveClient,
		Rooms:        liveClient,
		Uploader:     backend,
		Aggregator:   backend,
	}
}

// apiKeyTransport adds X-API-KEY to every request when a key is set.
type apiKeyTransport struct {
	key  string
	base http.RoundTripper
}

func (t *apiKeyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.key == "" {
		return t.base.RoundTrip(req)
	}
	out := req.Clone(req.Context())
	out.Header.Set("X-API-KEY", t.key)
	return t.base.RoundTrip(out)
}

// displayUserText collapses an image marker block to one line.
func displayUserText(text string) string {
	base, marker, ok := engine.ParseImageMarker(text)
	if !ok {
		return text
	}
	return fmt.Sprintf("%s [image: %s, %dKB]", base, marker.Filename, marker.SizeKB)
}
