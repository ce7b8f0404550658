// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package devserver

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianChat/pkg/validation"
	"github.com/AleutianAI/AleutianChat/services/chat/contextagg"
)

const (
	defaultResults = 5
	maxResults     = 20
)

// =============================================================================
// Retrieval corpus
// =============================================================================

// Post is one searchable document.
type Post struct {
	Slug     string
	Title    string
	Year     string
	Category string
	Body     string
}

// DefaultPosts is the built-in demo corpus.
func DefaultPosts() []Post {
	return []Post{
		{
			Slug:     "streaming-chat",
			Title:    "Streaming chat over SSE",
			Year:     "2025",
			Category: "engineering",
			Body:     "Server-sent events carry assistant tokens to the widget. The client batches deltas per frame and treats [DONE] as the end of the reply.",
		},
		{
			Slug:     "live-rooms",
			Title:    "Live rooms for every page",
			Year:     "2025",
			Category: "product",
			Body:     "Each page maps to a live room. Visitors see presence, can pin the room and mention the agent to get an answer in the room.",
		},
		{
			Slug:     "memory",
			Title:    "What the assistant remembers",
			Year:     "2024",
			Category: "privacy",
			Body:     "Preferences and facts from conversations are stored as memories per visitor and recalled when they are relevant to a new question.",
		},
	}
}

// Corpus ranks posts by query term overlap.
type Corpus struct {
	posts []Post
	terms []map[string]int
}

// NewCorpus indexes posts.
func NewCorpus(posts []Post) *Corpus {
	c := &Corpus{posts: posts, terms: make([]map[string]int, len(posts))}
	for i, p := range posts {
		c.terms[i] = termCounts(p.Title + " " + p.Body)
	}
	return c
}

// Search returns up to n posts that share at least one term with query,
// best first. Score is the fraction of query terms found.
func (c *Corpus) Search(query string, n int) []contextagg.RAGResult {
	q := termCounts(query)
	if len(q) == 0 {
		return nil
	}
	type hit struct {
		i     int
		score float64
	}
	var hits []hit
	for i, terms := range c.terms {
		matched := 0
		for t := range q {
			if terms[t] > 0 {
				matched++
			}
		}
		if matched > 0 {
			hits = append(hits, hit{i, float64(matched) / float64(len(q))})
		}
	}
	sort.SliceStable(hits, func(a, b int) bool { return hits[a].score > hits[b].score })
	if len(hits) > n {
		hits = hits[:n]
	}

	out := make([]contextagg.RAGResult, 0, len(hits))
	for _, h := range hits {
		p := c.posts[h.i]
		score := h.score
		distance := 1 - h.score
		out = append(out, contextagg.RAGResult{
			ID:      p.Slug,
			Content: p.Body,
			Metadata: contextagg.RAGResultMetadata{
				Title:    p.Title,
				Slug:     p.Slug,
				Year:     p.Year,
				Category: p.Category,
			},
			Score:    &score,
			Distance: &distance,
		})
	}
	return out
}

// =============================================================================
// Memory bank
// =============================================================================

type storedMemory struct {
	id        string
	userID    string
	memory    contextagg.Memory
	createdAt time.Time
	terms     map[string]int
}

// MemoryBank keeps extracted memories per user.
//
// # Thread Safety
//
// Safe for concurrent use.
type MemoryBank struct {
	mu     sync.Mutex
	byUser map[string][]storedMemory
}

// NewMemoryBank returns an empty bank.
func NewMemoryBank() *MemoryBank {
	return &MemoryBank{byUser: make(map[string][]storedMemory)}
}

// Add stores memories for userID and returns how many were kept. Blank
// entries are skipped.
func (b *MemoryBank) Add(userID string, memories []contextagg.Memory) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := 0
	for _, m := range memories {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		b.byUser[userID] = append(b.byUser[userID], storedMemory{
			id:        uuid.NewString(),
			userID:    userID,
			memory:    m,
			createdAt: time.Now().UTC(),
			terms:     termCounts(m.Content),
		})
		kept++
	}
	return kept
}

// Count returns how many memories userID has.
func (b *MemoryBank) Count(userID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.byUser[userID])
}

// Search ranks userID's memories by term overlap with query. Similarity is
// the fraction of query terms found; memories that share nothing are
// still returned with similarity 0 so callers can apply their own
// threshold.
func (b *MemoryBank) Search(userID, query string, n int) []contextagg.MemoryResult {
	q := termCounts(query)
	b.mu.Lock()
	stored := append([]storedMemory(nil), b.byUser[userID]...)
	b.mu.Unlock()

	out := make([]contextagg.MemoryResult, 0, len(stored))
	for _, m := range stored {
		sim := 0.0
		if len(q) > 0 {
			matched := 0
			for t := range q {
				if m.terms[t] > 0 {
					matched++
				}
			}
			sim = float64(matched) / float64(len(q))
		}
		out = append(out, contextagg.MemoryResult{
			ID:       m.id,
			Document: m.memory.Content,
			Metadata: contextagg.MemoryResultMetadata{
				UserID:     m.userID,
				MemoryType: m.memory.MemoryType,
				Category:   m.memory.Category,
				CreatedAt:  m.createdAt.Format(time.RFC3339),
			},
			Distance:   1 - sim,
			Similarity: sim,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func termCounts(text string) map[string]int {
	counts := make(map[string]int)
	for _, f := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(f) > 2 {
			counts[f]++
		}
	}
	return counts
}

func clampResults(n int) int {
	switch {
	case n <= 0:
		return defaultResults
	case n > maxResults:
		return maxResults
	}
	return n
}

// =============================================================================
// Handlers
// =============================================================================

type searchRequest struct {
	Query    string `json:"query" binding:"required"`
	NResults int    `json:"n_results"`
}

type memorySearchRequest struct {
	UserID   string `json:"userId" binding:"required"`
	Query    string `json:"query" binding:"required"`
	NResults int    `json:"n_results"`
}

type batchRequest struct {
	Memories []contextagg.Memory `json:"memories" binding:"required"`
}

type results[T any] struct {
	Results []T `json:"results"`
}

// HandleRAGSearch serves POST /api/v1/rag/search.
func (s *Server) HandleRAGSearch(c *gin.Context) {
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, "rag_search", http.StatusBadRequest, err.Error())
		return
	}
	ok(s, c, "rag_search", results[contextagg.RAGResult]{
		Results: s.corpus.Search(req.Query, clampResults(req.NResults)),
	})
}

// HandleMemorySearch serves POST /api/v1/rag/memories/search.
func (s *Server) HandleMemorySearch(c *gin.Context) {
	var req memorySearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, "memory_search", http.StatusBadRequest, err.Error())
		return
	}
	if err := validation.ValidateID("userId", req.UserID); err != nil {
		s.fail(c, "memory_search", http.StatusBadRequest, err.Error())
		return
	}
	ok(s, c, "memory_search", results[contextagg.MemoryResult]{
		Results: s.memories.Search(req.UserID, req.Query, clampResults(req.NResults)),
	})
}

// HandleMemoryBatch serves POST /api/v1/memories/:userId/batch.
func (s *Server) HandleMemoryBatch(c *gin.Context) {
	userID, err := validation.SanitizeID("userId", c.Param("userId"))
	if err != nil {
		s.fail(c, "memory_batch", http.StatusBadRequest, err.Error())
		return
	}
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, "memory_batch", http.StatusBadRequest, err.Error())
		return
	}
	stored := s.memories.Add(userID, req.Memories)
	ok(s, c, "memory_batch", struct {
		Stored int `json:"stored"`
	}{Stored: stored})
}
