// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package devserver is a self-contained reference backend for the chat
// engine.
//
// # Description
//
// It serves every endpoint the engine talks to: the streaming chat
// endpoint over SSE and WebSocket, the live room stream with its message,
// rooms and room-stats companions, the aggregate endpoint, retrieval and
// memory search over in-memory data, memory batch intake and image upload.
// Replies come from a Responder: EchoResponder by default, or
// OpenAIResponder when an API key is configured.
//
// It is meant for local development, demos and integration tests, not for
// production traffic. All state lives in memory.
//
// # Thread Safety
//
// A Server is safe for concurrent use once built.
package devserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianChat/pkg/logging"
)

// =============================================================================
// Configuration
// =============================================================================

const (
	DefaultAddr           = "127.0.0.1:12230"
	DefaultServiceName    = "aleutian-chat-devserver"
	DefaultPingInterval   = 15 * time.Second
	DefaultMaxUploadBytes = 10 << 20
	DefaultAgentName      = "Aleutian"
)

// Config configures a Server. Zero fields take their defaults.
type Config struct {
	// Addr is the listen address used by Run.
	Addr string

	// PublicURL prefixes uploaded image URLs. Empty uses the scheme and
	// Host of the upload request.
	PublicURL string

	// ServiceName names otelgin spans.
	ServiceName string

	// PingInterval is the live stream keep-alive period.
	PingInterval time.Duration

	// MaxUploadBytes caps one image upload.
	MaxUploadBytes int64

	// AgentName is the display name of the room agent. Visitor lines that
	// mention "@agent" get a reply from it.
	AgentName string

	// APIKey, when set, must be sent as X-API-KEY on every /api route.
	APIKey string
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	c.PublicURL = strings.TrimRight(c.PublicURL, "/")
	if c.ServiceName == "" {
		c.ServiceName = DefaultServiceName
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if c.AgentName == "" {
		c.AgentName = DefaultAgentName
	}
	return c
}

// Options carries optional collaborators.
type Options struct {
	Logger    *slog.Logger
	Responder Responder

	// Registry receives the server metrics and backs /metrics. Nil means
	// a private registry.
	Registry *prometheus.Registry

	// Posts seeds the retrieval corpus. Nil means DefaultPosts.
	Posts []Post

	TracerProvider trace.TracerProvider
}

// =============================================================================
// Server
// =============================================================================

// Server is the reference backend.
type Server struct {
	cfg       Config
	logger    *slog.Logger
	metrics   *Metrics
	registry  *prometheus.Registry
	responder Responder
	hub       *Hub
	corpus    *Corpus
	memories  *MemoryBank
	uploads   *UploadStore
	router    *gin.Engine

	// agentCtx bounds background agent replies; Close cancels it.
	agentCtx    context.Context
	agentCancel context.CancelFunc
	agents      sync.WaitGroup
	agentMu     sync.Mutex
	closing     bool
	closeOnce   sync.Once
}

// New builds a Server and its routes.
func New(cfg Config, opts Options) *Server {
	cfg = cfg.withDefaults()
	logger := logging.OrDefault(opts.Logger).With(slog.String("component", "devserver"))
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	responder := opts.Responder
	if responder == nil {
		responder = NewEchoResponder(0)
	}
	posts := opts.Posts
	if posts == nil {
		posts = DefaultPosts()
	}

	metrics := NewMetrics(reg)
	s := &Server{
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
		registry:  reg,
		responder: responder,
		hub:       NewHub(logger, metrics),
		corpus:    NewCorpus(posts),
		memories:  NewMemoryBank(),
		uploads:   NewUploadStore(),
	}
	s.agentCtx, s.agentCancel = context.WithCancel(context.Background())

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))
	var otelOpts []otelgin.Option
	if opts.TracerProvider != nil {
		otelOpts = append(otelOpts, otelgin.WithTracerProvider(opts.TracerProvider))
	}
	router.Use(otelgin.Middleware(cfg.ServiceName, otelOpts...))
	SetupRoutes(router, s)
	s.router = router
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Hub returns the live room hub.
func (s *Server) Hub() *Hub { return s.hub }

// Memories returns the memory bank.
func (s *Server) Memories() *MemoryBank { return s.memories }

// Close ends live streams and waits for pending agent replies. It is
// safe to call more than once.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.agentMu.Lock()
		s.closing = true
		s.agentMu.Unlock()
		s.hub.Close()
		s.agentCancel()
		s.agents.Wait()
	})
}

// Run listens on cfg.Addr until ctx ends, then shuts down gracefully.
// Live streams are closed first so shutdown does not wait on them.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("devserver listening", slog.String("addr", s.cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("devserver shutdown incomplete", slog.String("error", err.Error()))
		return err
	}
	s.logger.Info("devserver stopped")
	return nil
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("elapsed", time.Since(start)),
		)
	}
}
