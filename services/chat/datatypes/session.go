// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

// SessionMeta is one Session Index entry.
//
// Title and Summary are derived from the message list; see the session
// store for the truncation rules. Timestamps are Unix milliseconds.
type SessionMeta struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Summary      string `json:"summary"`
	CreatedAt    int64  `json:"createdAt"`
	UpdatedAt    int64  `json:"updatedAt"`
	MessageCount int    `json:"messageCount"`
	Mode         Mode   `json:"mode"`
	ArticleURL   string `json:"articleUrl,omitempty"`
	ArticleTitle string `json:"articleTitle,omitempty"`
}

// ImageRef describes an uploaded chat image.
type ImageRef struct {
	URL         string `json:"url"`
	Key         string `json:"key,omitempty"`
	Filename    string `json:"filename,omitempty"`
	Size        int64  `json:"size,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Analysis    string `json:"imageAnalysis,omitempty"`
}

// PageContext identifies the page a conversation started from.
type PageContext struct {
	URL   string `json:"url,omitempty"`
	Title string `json:"title,omitempty"`
	Path  string `json:"path,omitempty"`
}
