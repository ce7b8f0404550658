// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package contextagg gathers auxiliary context before a chat request and
// extracts memories after one.
//
// # Description
//
// Resolve fetches retrieval snippets (general mode only) and user memory
// snippets concurrently. Each fetch fails soft: an error, a timeout or an
// empty result leaves that field empty and is only logged. Resolve always
// returns before the chat request is issued; nothing is merged
// mid-stream.
//
// ExtractAsync runs keyword heuristics over a finished prompt/reply pair
// and submits any hits in the background. Its failures never reach the
// caller.
package contextagg

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianChat/pkg/logging"
	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
	"github.com/AleutianAI/AleutianChat/services/chat/observability"
)

const tracerName = "aleutian.chat.contextagg"

// Defaults for Config.
const (
	DefaultFetchTimeout        = 8 * time.Second
	DefaultRAGResults          = 3
	DefaultRAGEntryRunes       = 800
	DefaultMemoryResults       = 10
	DefaultSimilarityThreshold = 0.5
	DefaultMemoryTokens        = 500
	DefaultCharsPerToken       = 4
)

// Config tunes the aggregator. Zero fields take their defaults.
type Config struct {
	FetchTimeout        time.Duration
	RAGResults          int
	RAGEntryRunes       int
	MemoryResults       int
	SimilarityThreshold float64
	MemoryTokens        int
	CharsPerToken       int
}

func (c Config) withDefaults() Config {
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	if c.RAGResults <= 0 {
		c.RAGResults = DefaultRAGResults
	}
	if c.RAGEntryRunes <= 0 {
		c.RAGEntryRunes = DefaultRAGEntryRunes
	}
	if c.MemoryResults <= 0 {
		c.MemoryResults = DefaultMemoryResults
	}
	if c.SimilarityThreshold <= 0 {
		c.SimilarityThreshold = DefaultSimilarityThreshold
	}
	if c.MemoryTokens <= 0 {
		c.MemoryTokens = DefaultMemoryTokens
	}
	if c.CharsPerToken <= 0 {
		c.CharsPerToken = DefaultCharsPerToken
	}
	return c
}

// PostSearcher queries the retrieval index.
type PostSearcher interface {
	SearchPosts(ctx context.Context, query string, n int) ([]RAGResult, error)
}

// MemorySearcher queries a user's memories.
type MemorySearcher interface {
	SearchMemories(ctx context.Context, userID, query string, n int) ([]MemoryResult, error)
}

// Context is the resolved auxiliary context. Empty strings mean the
// source had nothing or failed.
type Context struct {
	RAG    string
	Memory string
}

// Aggregator resolves auxiliary context for a prompt.
//
// # Thread Safety
//
// Safe for concurrent use.
type Aggregator struct {
	posts    PostSearcher
	memories MemorySearcher
	userID   string
	cfg      Config
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   trace.Tracer
}

// AggregatorOptions carries optional collaborators.
type AggregatorOptions struct {
	Config         Config
	Logger         *slog.Logger
	Metrics        *observability.Metrics
	TracerProvider trace.TracerProvider
}

// NewAggregator builds an Aggregator. Either searcher may be nil, in
// which case that source always resolves empty.
func NewAggregator(posts PostSearcher, memories MemorySearcher, userID string, opts AggregatorOptions) *Aggregator {
	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Aggregator{
		posts:    posts,
		memories: memories,
		userID:   userID,
		cfg:      opts.Config.withDefaults(),
		logger:   logging.OrDefault(opts.Logger).With(slog.String("component", "contextagg")),
		metrics:  opts.Metrics,
		tracer:   tp.Tracer(tracerName),
	}
}

// Resolve fetches both context sources for prompt.
//
// # Description
//
// Retrieval runs only in general mode; article conversations already
// carry the article. Memory runs in every mode. Both run concurrently
// with their own timeout and never return an error.
func (a *Aggregator) Resolve(ctx context.Context, prompt string, mode datatypes.Mode) Context {
	ctx, span := a.tracer.Start(ctx, "contextagg.Resolve",
		trace.WithAttributes(attribute.String("mode", string(mode))),
	)
	defer span.End()

	var (
		out Context
		g   errgroup.Group
	)
	if mode == datatypes.ModeGeneral && a.posts != nil {
		g.Go(func() error {
			out.RAG = a.fetchRAG(ctx, prompt)
			return nil
		})
	}
	if a.memories != nil {
		g.Go(func() error {
			out.Memory = a.fetchMemory(ctx, prompt)
			return nil
		})
	}
	_ = g.Wait()

	span.SetAttributes(
		attribute.Bool("rag", out.RAG != ""),
		attribute.Bool("memory", out.Memory != ""),
	)
	return out
}

func (a *Aggregator) fetchRAG(ctx context.Context, prompt string) string {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.FetchTimeout)
	defer cancel()

	results, err := a.posts.SearchPosts(ctx, prompt, a.cfg.RAGResults)
	a.metrics.RecordContextFetch("rag", err == nil)
	if err != nil {
		a.logger.Warn("retrieval context unavailable", slog.String("error", err.Error()))
		return ""
	}
	return FormatRAG(results, a.cfg.RAGEntryRunes)
}

func (a *Aggregator) fetchMemory(ctx context.Context, prompt string) string {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.FetchTimeout)
	defer cancel()

	results, err := a.memories.SearchMemories(ctx, a.userID, prompt, a.cfg.MemoryResults)
	a.metrics.RecordContextFetch("memory", err == nil)
	if err != nil {
		a.logger.Warn("memory context unavailable", slog.String("error", err.Error()))
		return ""
	}
	return FormatMemories(results, a.cfg)
}

// FormatRAG renders retrieval hits as numbered entries, each capped at
// limit runes. Hits without text are skipped.
func FormatRAG(results []RAGResult, limit int) string {
	var entries []string
	for _, r := range results {
		text := strings.TrimSpace(r.Text())
		if text == "" {
			continue
		}
		if rs := []rune(text); len(rs) > limit {
			text = string(rs[:limit]) + "…"
		}
		title := r.Metadata.Title
		if title == "" {
			title = "Untitled"
		}
		header := fmt.Sprintf("[%d] %s", len(entries)+1, title)
		if r.Metadata.Year != "" && r.Metadata.Slug != "" {
			header += fmt.Sprintf(" (/blog/%s/%s)", r.Metadata.Year, r.Metadata.Slug)
		}
		entries = append(entries, header+"\n"+text)
	}
	return strings.Join(entries, "\n\n")
}

// FormatMemories renders memory hits as "[type/category] document" lines
// under a header.
//
// # Description
//
// Hits below the similarity threshold are dropped. Entries are taken in
// order until the token budget (len/CharsPerToken, rounded up) would be
// exceeded. Returns "" when nothing qualifies.
func FormatMemories(results []MemoryResult, cfg Config) string {
	cfg = cfg.withDefaults()
	var parts []string
	used := 0
	for _, r := range results {
		if r.Similarity < cfg.SimilarityThreshold {
			continue
		}
		memType := r.Metadata.MemoryType
		if memType == "" {
			memType = "fact"
		}
		if r.Metadata.Category != "" {
			memType += "/" + r.Metadata.Category
		}
		entry := fmt.Sprintf("[%s] %s", memType, r.Document)
		cost := int(math.Ceil(float64(len([]rune(entry))) / float64(cfg.CharsPerToken)))
		if used+cost > cfg.MemoryTokens {
			break
		}
		parts = append(parts, entry)
		used += cost
	}
	if len(parts) == 0 {
		return ""
	}
	lines := append([]string{
		"[User memory]",
		"This is what is known about this user. Use it when answering:",
		"",
	}, parts...)
	return strings.Join(append(lines, ""), "\n")
}
