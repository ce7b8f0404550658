// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package contextagg

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianChat/pkg/logging"
	"github.com/AleutianAI/AleutianChat/services/chat/observability"
)

// MaxMemoryRunes caps the content of one extracted memory.
const MaxMemoryRunes = 500

// MemoryWriter accepts extracted memories.
type MemoryWriter interface {
	SaveMemories(ctx context.Context, userID string, memories []Memory) error
}

type heuristic struct {
	memoryType string
	category   string
	importance float64
	patterns   []*regexp.Regexp
}

var heuristics = []heuristic{
	{
		memoryType: "preference",
		category:   "interest",
		importance: 0.7,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\bi\s+(?:really\s+)?(?:like|love|enjoy|prefer|am into)\b`),
			regexp.MustCompile(`(?i)\bi\s+(?:hate|dislike|avoid|can't stand)\b`),
			regexp.MustCompile(`좋아하|선호하|즐기|관심`),
			regexp.MustCompile(`싫어하|피하|불편`),
		},
	},
	{
		memoryType: "fact",
		category:   "personal",
		importance: 0.8,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\bmy name is\b|\bi(?:'m| am) an? [a-z]+`),
			regexp.MustCompile(`(?i)\bi work (?:at|as|for|in)\b|\bmy (?:job|company|school)\b`),
			regexp.MustCompile(`(?i)\bi live in\b`),
			regexp.MustCompile(`제 이름은|저는 .+(?:입니다|이에요|예요)`),
			regexp.MustCompile(`직업|회사|학교`),
			regexp.MustCompile(`살고 있|거주`),
		},
	},
	{
		memoryType: "context",
		category:   "goal",
		importance: 0.6,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\bmy goal\b|\bi plan to\b|\bi want to (?:learn|build|make|try)\b`),
			regexp.MustCompile(`(?i)\bi(?:'m| am) (?:trying|working on)\b|\bmy project\b`),
			regexp.MustCompile(`목표|계획|하고 싶|배우고 싶|만들고 싶`),
			regexp.MustCompile(`도전|시도|프로젝트`),
		},
	},
}

// ExtractMemories returns the memories the heuristics find in a user
// message. At most one memory per category; content is the message cut
// to MaxMemoryRunes.
func ExtractMemories(userText, sessionID string) []Memory {
	text := strings.TrimSpace(userText)
	if text == "" {
		return nil
	}
	content := text
	if r := []rune(content); len(r) > MaxMemoryRunes {
		content = string(r[:MaxMemoryRunes])
	}
	var out []Memory
	for _, h := range heuristics {
		for _, p := range h.patterns {
			if p.MatchString(text) {
				out = append(out, Memory{
					Content:         content,
					MemoryType:      h.memoryType,
					Category:        h.category,
					ImportanceScore: h.importance,
					SourceType:      "chat",
					SourceID:        sessionID,
				})
				break
			}
		}
	}
	return out
}

// Extractor submits memories in the background, throttled by a token
// bucket.
//
// # Thread Safety
//
// Safe for concurrent use. Wait blocks until in-flight submissions end.
type Extractor struct {
	writer  MemoryWriter
	userID  string
	limiter *rate.Limiter
	timeout time.Duration
	logger  *slog.Logger
	metrics *observability.Metrics

	wg sync.WaitGroup
}

// ExtractorOptions tunes an Extractor.
type ExtractorOptions struct {
	// Every and Burst configure the token bucket. Zero means one
	// submission per 2s with a burst of 3.
	Every   time.Duration
	Burst   int
	Timeout time.Duration
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// NewExtractor returns an Extractor writing for userID.
func NewExtractor(writer MemoryWriter, userID string, opts ExtractorOptions) *Extractor {
	every := opts.Every
	if every <= 0 {
		every = 2 * time.Second
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 3
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	return &Extractor{
		writer:  writer,
		userID:  userID,
		limiter: rate.NewLimiter(rate.Every(every), burst),
		timeout: timeout,
		logger:  logging.OrDefault(opts.Logger).With(slog.String("component", "memory")),
		metrics: opts.Metrics,
	}
}

// ExtractAsync inspects a finished turn and, when anything qualifies,
// submits it on a new goroutine. Skipped when reply is empty, when
// nothing matches or when the rate limit is exhausted. Never blocks on
// the network.
func (e *Extractor) ExtractAsync(prompt, reply, sessionID string) {
	if e == nil || e.writer == nil || strings.TrimSpace(reply) == "" {
		return
	}
	memories := ExtractMemories(prompt, sessionID)
	if len(memories) == 0 {
		return
	}
	if !e.limiter.Allow() {
		e.metrics.RecordExtractionDropped()
		e.logger.Debug("memory extraction throttled", slog.Int("memories", len(memories)))
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		defer cancel()
		if err := e.writer.SaveMemories(ctx, e.userID, memories); err != nil {
			e.logger.Debug("memory extraction failed", slog.String("error", err.Error()))
		}
	}()
}

// Wait blocks until all submissions started so far have finished.
func (e *Extractor) Wait() {
	if e == nil {
		return
	}
	e.wg.Wait()
}
