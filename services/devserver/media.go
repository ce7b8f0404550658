// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package devserver

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianChat/pkg/validation"
	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
)

// ImagesPath is the route prefix uploaded images are served from.
const ImagesPath = "/api/v1/images/"

type storedImage struct {
	contentType string
	data        []byte
}

// UploadStore keeps uploaded images in memory keyed by a random id.
//
// # Thread Safety
//
// Safe for concurrent use.
type UploadStore struct {
	mu     sync.RWMutex
	images map[string]storedImage
}

// NewUploadStore returns an empty store.
func NewUploadStore() *UploadStore {
	return &UploadStore{images: make(map[string]storedImage)}
}

// Put stores data and returns its key.
func (u *UploadStore) Put(contentType string, data []byte) string {
	key := uuid.NewString()
	u.mu.Lock()
	u.images[key] = storedImage{contentType: contentType, data: data}
	u.mu.Unlock()
	return key
}

// Get returns a stored image.
func (u *UploadStore) Get(key string) (string, []byte, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	img, ok := u.images[key]
	return img.contentType, img.data, ok
}

// Len returns the number of stored images.
func (u *UploadStore) Len() int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return len(u.images)
}

// HandleImageUpload serves POST /api/v1/images/chat-upload.
//
// # Description
//
// Accepts one image in the multipart "file" field. Bodies over
// MaxUploadBytes are rejected with 413. The response data is an ImageRef
// whose URL points back at HandleImageGet.
func (s *Server) HandleImageUpload(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxUploadBytes+4096)
	fh, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.fail(c, "image_upload", http.StatusRequestEntityTooLarge, "Image too large")
			return
		}
		s.fail(c, "image_upload", http.StatusBadRequest, "file field is required")
		return
	}
	if fh.Size > s.cfg.MaxUploadBytes {
		s.fail(c, "image_upload", http.StatusRequestEntityTooLarge, "Image too large")
		return
	}
	f, err := fh.Open()
	if err != nil {
		s.fail(c, "image_upload", http.StatusBadRequest, "unreadable upload")
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		s.fail(c, "image_upload", http.StatusBadRequest, "unreadable upload")
		return
	}

	contentType := fh.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	if !strings.HasPrefix(contentType, "image/") {
		s.fail(c, "image_upload", http.StatusUnsupportedMediaType, "Only images can be uploaded")
		return
	}

	key := s.uploads.Put(contentType, data)
	s.logger.Debug("image stored", slog.String("key", key), slog.Int("bytes", len(data)))
	ok(s, c, "image_upload", datatypes.ImageRef{
		URL:         s.publicURL(c) + ImagesPath + key,
		Key:         key,
		Filename:    fh.Filename,
		Size:        int64(len(data)),
		ContentType: contentType,
		Analysis:    describeImage(fh.Filename, contentType, len(data)),
	})
}

// HandleImageGet serves GET /api/v1/images/:key.
func (s *Server) HandleImageGet(c *gin.Context) {
	key := c.Param("key")
	contentType, data, found := s.uploads.Get(key)
	if validation.ValidateID("key", key) != nil || !found {
		s.fail(c, "image_get", http.StatusNotFound, "image not found")
		return
	}
	s.metrics.request("image_get", true)
	c.Data(http.StatusOK, contentType, data)
}

// HandleAggregate serves POST /api/v1/chat/aggregate.
func (s *Server) HandleAggregate(c *gin.Context) {
	var req datatypes.AggregateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, "aggregate", http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		s.fail(c, "aggregate", http.StatusBadRequest, err.Error())
		return
	}
	text, err := Collect(c.Request.Context(), s.responder, datatypes.ChatRequest{
		Text: req.Prompt,
		Mode: datatypes.ModeGeneral,
	})
	if err != nil {
		s.logger.Warn("aggregate failed", slog.String("error", err.Error()))
		s.fail(c, "aggregate", http.StatusBadGateway, "Aggregate failed")
		return
	}
	ok(s, c, "aggregate", datatypes.AggregateResult{Text: text})
}

func (s *Server) publicURL(c *gin.Context) string {
	if s.cfg.PublicURL != "" {
		return s.cfg.PublicURL
	}
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + c.Request.Host
}

func describeImage(filename, contentType string, size int) string {
	name := filename
	if name == "" {
		name = "upload"
	}
	kb := (size + 1023) / 1024
	return fmt.Sprintf("%s is a %s image of about %dKB.", name, strings.TrimPrefix(contentType, "image/"), kb)
}
