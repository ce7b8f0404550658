// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
	"github.com/AleutianAI/AleutianChat/services/chat/stream"
)

// Endpoint paths, relative to the backend base URL.
const (
	UploadPath    = "/api/v1/images/chat-upload"
	AggregatePath = "/api/v1/chat/aggregate"

	// UploadField is the multipart field carrying the file.
	UploadField = "file"

	maxResponseBody = 1 << 20
)

// Image is a file attached to a prompt.
type Image struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Uploader stores an attached image and returns where it lives.
type Uploader interface {
	Upload(ctx context.Context, img Image) (datatypes.ImageRef, error)
}

// Aggregator completes a prompt without streaming.
type Aggregator interface {
	Aggregate(ctx context.Context, prompt string) (string, error)
}

// HTTPBackend implements Uploader and Aggregator against the chat backend.
type HTTPBackend struct {
	BaseURL string
	Client  stream.HTTPClient
	APIKey  string
}

// NewHTTPBackend returns an HTTPBackend using http.DefaultClient.
func NewHTTPBackend(baseURL string) *HTTPBackend {
	return &HTTPBackend{BaseURL: strings.TrimRight(baseURL, "/"), Client: http.DefaultClient}
}

// Upload implements Uploader.
//
// # Outputs
//
//   - datatypes.ImageRef: Server-assigned URL, key, size and optional
//     analysis. Filename is the local name.
//   - error: A *stream.ChatError; a response without a URL is a
//     PARSE_ERROR.
func (b *HTTPBackend) Upload(ctx context.Context, img Image) (datatypes.ImageRef, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, UploadField, img.Filename))
	contentType := img.ContentType
	if contentType == "" {
		contentType = http.DetectContentType(img.Data)
	}
	header.Set("Content-Type", contentType)
	part, err := mw.CreatePart(header)
	if err != nil {
		return datatypes.ImageRef{}, &stream.ChatError{Code: stream.CodeValidation, Message: "invalid upload", Err: err}
	}
	if _, err := part.Write(img.Data); err != nil {
		return datatypes.ImageRef{}, &stream.ChatError{Code: stream.CodeValidation, Message: "invalid upload", Err: err}
	}
	if err := mw.Close(); err != nil {
		return datatypes.ImageRef{}, &stream.ChatError{Code: stream.CodeValidation, Message: "invalid upload", Err: err}
	}

	var env datatypes.Envelope[datatypes.ImageRef]
	if err := b.do(ctx, UploadPath, mw.FormDataContentType(), &body, &env); err != nil {
		return datatypes.ImageRef{}, err
	}
	ref := env.Data
	if !env.OK && env.Error != "" {
		return datatypes.ImageRef{}, &stream.ChatError{Code: stream.CodeServer, Message: env.Error}
	}
	if strings.TrimSpace(ref.URL) == "" {
		return datatypes.ImageRef{}, &stream.ChatError{Code: stream.CodeParse, Message: "Upload response missing url"}
	}
	ref.Filename = img.Filename
	if ref.Size == 0 {
		ref.Size = int64(len(img.Data))
	}
	if ref.ContentType == "" {
		ref.ContentType = contentType
	}
	return ref, nil
}

// Aggregate implements Aggregator.
func (b *HTTPBackend) Aggregate(ctx context.Context, prompt string) (string, error) {
	req := datatypes.AggregateRequest{Prompt: prompt}
	if err := req.Validate(); err != nil {
		return "", &stream.ChatError{Code: stream.CodeValidation, Message: "invalid aggregate prompt", Err: err}
	}
	raw, err := json.Marshal(req)
	if err != nil {
		return "", &stream.ChatError{Code: stream.CodeValidation, Message: "invalid aggregate prompt", Err: err}
	}
	var env datatypes.Envelope[datatypes.AggregateResult]
	if err := b.do(ctx, AggregatePath, "application/json", bytes.NewReader(raw), &env); err != nil {
		return "", err
	}
	if !env.OK {
		msg := env.Error
		if msg == "" {
			msg = "Aggregate failed"
		}
		return "", &stream.ChatError{Code: stream.CodeServer, Message: msg}
	}
	return env.Data.Text, nil
}

func (b *HTTPBackend) do(ctx context.Context, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.BaseURL+path, body)
	if err != nil {
		return &stream.ChatError{Code: stream.CodeValidation, Message: "invalid request", Err: err}
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	if b.APIKey != "" {
		req.Header.Set("X-API-KEY", b.APIKey)
	}

	client := b.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return stream.AsChatError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return stream.AsChatError(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return stream.FromResponse(resp.StatusCode, raw)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &stream.ChatError{Code: stream.CodeParse, Status: resp.StatusCode, Message: "Malformed response", Err: err}
	}
	return nil
}

var (
	_ Uploader   = (*HTTPBackend)(nil)
	_ Aggregator = (*HTTPBackend)(nil)
)
