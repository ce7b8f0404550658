// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package devserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	"github.com/sashabaranov/go-openai"

	"github.com/AleutianAI/AleutianChat/pkg/sse"
	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
)

// DeltaFunc receives one text fragment of a reply.
type DeltaFunc func(text string) error

// Extras are the non-text parts of a reply.
type Extras struct {
	Sources   []sse.Source
	Followups []string
}

// Responder produces a streamed reply for a chat request.
type Responder interface {
	// Respond calls delta for each text fragment in order. It stops early
	// when delta fails or ctx ends.
	Respond(ctx context.Context, req datatypes.ChatRequest, delta DeltaFunc) (Extras, error)
}

// Collect runs r and returns the whole reply text.
func Collect(ctx context.Context, r Responder, req datatypes.ChatRequest) (string, error) {
	var b strings.Builder
	_, err := r.Respond(ctx, req, func(t string) error {
		b.WriteString(t)
		return nil
	})
	return b.String(), err
}

// promptOf returns the user-facing prompt: the last part, falling back to
// Text.
func promptOf(req datatypes.ChatRequest) string {
	if n := len(req.Parts); n > 0 && strings.TrimSpace(req.Parts[n-1].Text) != "" {
		return req.Parts[n-1].Text
	}
	return req.Text
}

// =============================================================================
// Echo
// =============================================================================

// EchoResponder replies with the user text, one word per delta.
type EchoResponder struct {
	// Delay paces the deltas. Zero sends them back to back.
	Delay time.Duration
}

// NewEchoResponder returns an EchoResponder.
func NewEchoResponder(delay time.Duration) *EchoResponder {
	return &EchoResponder{Delay: delay}
}

func (e *EchoResponder) Respond(ctx context.Context, req datatypes.ChatRequest, delta DeltaFunc) (Extras, error) {
	words := strings.Fields("You said: " + req.Text)
	for i, w := range words {
		if i > 0 {
			w = " " + w
		}
		if e.Delay > 0 && i > 0 {
			t := time.NewTimer(e.Delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return Extras{}, ctx.Err()
			case <-t.C:
			}
		}
		if err := ctx.Err(); err != nil {
			return Extras{}, err
		}
		if err := delta(w); err != nil {
			return Extras{}, err
		}
	}

	var ex Extras
	if req.RAGContext != "" {
		first, _, _ := strings.Cut(req.RAGContext, "\n")
		ex.Sources = []sse.Source{{Title: strings.TrimSpace(first)}}
	}
	topic := strings.TrimSpace(req.Text)
	if r := []rune(topic); len(r) > 40 {
		topic = string(r[:40])
	}
	if topic != "" {
		ex.Followups = []string{"Tell me more about " + topic}
	}
	return ex, nil
}

// =============================================================================
// OpenAI
// =============================================================================

// DefaultOpenAIModel is used when neither the request nor the config
// names a model.
const DefaultOpenAIModel = "gpt-4o-mini"

// OpenAIConfig configures an OpenAIResponder.
type OpenAIConfig struct {
	// APIKey is moved into a memguard enclave and wiped.
	APIKey []byte
	Model  string

	// BaseURL overrides the API endpoint (compatible servers, tests).
	BaseURL string

	// HTTPClient carries the requests. Nil means http.DefaultTransport.
	HTTPClient *http.Client
}

// OpenAIResponder streams replies from an OpenAI-compatible API.
//
// The API key never lives in the client config: it is sealed in a
// memguard enclave and opened per request by the transport.
type OpenAIResponder struct {
	client *openai.Client
	model  string
}

// NewOpenAIResponder seals cfg.APIKey and builds the client.
func NewOpenAIResponder(cfg OpenAIConfig) (*OpenAIResponder, error) {
	if len(cfg.APIKey) == 0 {
		return nil, errors.New("devserver: OpenAI API key is empty")
	}
	enclave := memguard.NewEnclave(cfg.APIKey)

	base := http.DefaultTransport
	if cfg.HTTPClient != nil && cfg.HTTPClient.Transport != nil {
		base = cfg.HTTPClient.Transport
	}
	oc := openai.DefaultConfig("")
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	oc.HTTPClient = &http.Client{Transport: &sealedKeyTransport{key: enclave, base: base}}

	model := cfg.Model
	if model == "" {
		model = DefaultOpenAIModel
	}
	return &OpenAIResponder{client: openai.NewClientWithConfig(oc), model: model}, nil
}

func (o *OpenAIResponder) Respond(ctx context.Context, req datatypes.ChatRequest, delta DeltaFunc) (Extras, error) {
	model := req.Model
	if model == "" {
		model = o.model
	}
	stream, err := o.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    model,
		Messages: chatMessages(req),
		Stream:   true,
	})
	if err != nil {
		return Extras{}, fmt.Errorf("openai stream: %w", err)
	}
	defer stream.Close()

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return Extras{}, nil
		}
		if err != nil {
			return Extras{}, fmt.Errorf("openai recv: %w", err)
		}
		for _, choice := range resp.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			if err := delta(choice.Delta.Content); err != nil {
				return Extras{}, err
			}
		}
	}
}

// chatMessages maps the assembled parts onto a system message (the style
// prompt) and a user message (everything else).
func chatMessages(req datatypes.ChatRequest) []openai.ChatCompletionMessage {
	if len(req.Parts) < 2 {
		return []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: promptOf(req)}}
	}
	rest := make([]string, 0, len(req.Parts)-1)
	for _, p := range req.Parts[1:] {
		rest = append(rest, p.Text)
	}
	return []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: req.Parts[0].Text},
		{Role: openai.ChatMessageRoleUser, Content: strings.Join(rest, "\n\n")},
	}
}

// sealedKeyTransport sets the bearer token from an enclave on every
// request.
type sealedKeyTransport struct {
	key  *memguard.Enclave
	base http.RoundTripper
}

func (t *sealedKeyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	buf, err := t.key.Open()
	if err != nil {
		return nil, fmt.Errorf("open api key: %w", err)
	}
	out := req.Clone(req.Context())
	out.Header.Set("Authorization", "Bearer "+buf.String())
	buf.Destroy()
	return t.base.RoundTrip(out)
}

var (
	_ Responder = (*EchoResponder)(nil)
	_ Responder = (*OpenAIResponder)(nil)
)
