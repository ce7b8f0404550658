// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package contextagg

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Endpoint paths, relative to the backend base URL.
const (
	RAGSearchPath    = "/api/v1/rag/search"
	MemorySearchPath = "/api/v1/rag/memories/search"
	memoryBatchPath  = "/api/v1/memories/%s/batch"
)

// HTTPClient is the subset of *http.Client used here.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// =============================================================================
// Wire types
// =============================================================================

// RAGResult is one retrieval hit.
type RAGResult struct {
	ID       string            `json:"id"`
	Content  string            `json:"content,omitempty"`
	Document string            `json:"document,omitempty"`
	Metadata RAGResultMetadata `json:"metadata"`
	Score    *float64          `json:"score,omitempty"`
	Distance *float64          `json:"distance,omitempty"`
}

// RAGResultMetadata describes the post a hit came from.
type RAGResultMetadata struct {
	Title    string `json:"title,omitempty"`
	Slug     string `json:"slug,omitempty"`
	Year     string `json:"year,omitempty"`
	Category string `json:"category,omitempty"`
}

// Text returns Content, falling back to Document.
func (r RAGResult) Text() string {
	if r.Content != "" {
		return r.Content
	}
	return r.Document
}

// Relevance returns Score, or 1-distance clamped at zero.
func (r RAGResult) Relevance() float64 {
	if r.Score != nil {
		return *r.Score
	}
	if r.Distance != nil {
		return max(0, 1-*r.Distance)
	}
	return 0
}

// MemoryResult is one memory search hit.
type MemoryResult struct {
	ID         string               `json:"id"`
	Document   string               `json:"document"`
	Metadata   MemoryResultMetadata `json:"metadata"`
	Distance   float64              `json:"distance"`
	Similarity float64              `json:"similarity"`
}

// MemoryResultMetadata classifies a memory.
type MemoryResultMetadata struct {
	UserID     string `json:"user_id,omitempty"`
	MemoryType string `json:"memory_type,omitempty"`
	Category   string `json:"category,omitempty"`
	CreatedAt  string `json:"created_at,omitempty"`
}

// Memory is one extracted memory submitted to the batch endpoint.
type Memory struct {
	Content         string  `json:"content"`
	MemoryType      string  `json:"memoryType"`
	Category        string  `json:"category,omitempty"`
	ImportanceScore float64 `json:"importanceScore"`
	SourceType      string  `json:"sourceType,omitempty"`
	SourceID        string  `json:"sourceId,omitempty"`
}

type ragSearchRequest struct {
	Query    string `json:"query"`
	NResults int    `json:"n_results"`
}

type memorySearchRequest struct {
	UserID   string `json:"userId"`
	Query    string `json:"query"`
	NResults int    `json:"n_results"`
}

type resultsEnvelope[T any] struct {
	OK   *bool `json:"ok,omitempty"`
	Data struct {
		Results []T `json:"results"`
	} `json:"data"`
	Error any `json:"error,omitempty"`
}

type batchRequest struct {
	Memories []Memory `json:"memories"`
}

// =============================================================================
// Client
// =============================================================================

// Client talks to the retrieval and memory endpoints.
type Client struct {
	BaseURL string
	HTTP    HTTPClient
}

// NewClient returns a Client using http.DefaultClient.
func NewClient(baseURL string) *Client {
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), HTTP: http.DefaultClient}
}

// SearchPosts queries the retrieval index.
func (c *Client) SearchPosts(ctx context.Context, query string, n int) ([]RAGResult, error) {
	var env resultsEnvelope[RAGResult]
	if err := c.post(ctx, RAGSearchPath, ragSearchRequest{Query: query, NResults: n}, &env); err != nil {
		return nil, err
	}
	if env.OK != nil && !*env.OK {
		return nil, fmt.Errorf("rag search: backend reported failure: %v", env.Error)
	}
	return env.Data.Results, nil
}

// SearchMemories queries the user's memories.
func (c *Client) SearchMemories(ctx context.Context, userID, query string, n int) ([]MemoryResult, error) {
	var env resultsEnvelope[MemoryResult]
	req := memorySearchRequest{UserID: userID, Query: query, NResults: n}
	if err := c.post(ctx, MemorySearchPath, req, &env); err != nil {
		return nil, err
	}
	return env.Data.Results, nil
}

// SaveMemories submits extracted memories in one batch.
func (c *Client) SaveMemories(ctx context.Context, userID string, memories []Memory) error {
	path := fmt.Sprintf(memoryBatchPath, url.PathEscape(userID))
	return c.post(ctx, path, batchRequest{Memories: memories}, nil)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("post %s: HTTP %d: %s", path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
