// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stream

import (
	"strings"

	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
)

// DefaultStylePrompt opens every assembled prompt.
const DefaultStylePrompt = "Follow these guidelines: answer in a warm, friendly tone, " +
	"stay polite, and keep replies short and to the point."

// DefaultImagePrompt stands in for empty user text when an image is
// attached.
const DefaultImagePrompt = "Please describe this image."

// MaxArticleRunes caps the article block.
const MaxArticleRunes = 4000

// Prompt is everything the engine knows about one turn before it is
// turned into a ChatRequest.
type Prompt struct {
	Text          string
	Mode          datatypes.Mode
	SessionID     string
	ImageURL      string
	ImageAnalysis string
	RAGContext    string
	MemoryContext string
	ArticleText   string
	Model         string
	Page          *datatypes.PageContext

	// StylePrompt replaces DefaultStylePrompt when set. Debate personas
	// use it to carry their stance.
	StylePrompt string
}

// BuildRequest assembles the wire request for p.
//
// # Description
//
// Parts are, in order: style prompt, retrieval block, memory block,
// article block, and either the image block (which embeds the user text)
// or the user text alone. Empty blocks are omitted.
func BuildRequest(p Prompt) datatypes.ChatRequest {
	style := p.StylePrompt
	if style == "" {
		style = DefaultStylePrompt
	}
	parts := []datatypes.PromptPart{textPart(style)}
	if b := ragBlock(p.RAGContext); b != "" {
		parts = append(parts, textPart(b))
	}
	if b := memoryBlock(p.MemoryContext); b != "" {
		parts = append(parts, textPart(b))
	}
	if b := articleBlock(p.ArticleText); b != "" {
		parts = append(parts, textPart(b))
	}
	if p.ImageURL != "" {
		parts = append(parts, textPart(imageBlock(p.ImageURL, p.ImageAnalysis, p.Text)))
	} else {
		parts = append(parts, textPart(p.Text))
	}

	mode := p.Mode
	if !mode.Valid() {
		mode = datatypes.ModeArticle
	}
	return datatypes.ChatRequest{
		Text:          p.Text,
		Mode:          mode,
		SessionID:     p.SessionID,
		ImageURL:      p.ImageURL,
		ImageAnalysis: p.ImageAnalysis,
		RAGContext:    p.RAGContext,
		MemoryContext: p.MemoryContext,
		Model:         p.Model,
		Page:          p.Page,
		Parts:         parts,
	}
}

func textPart(s string) datatypes.PromptPart {
	return datatypes.PromptPart{Type: "text", Text: s}
}

func ragBlock(ctx string) string {
	if strings.TrimSpace(ctx) == "" {
		return ""
	}
	return strings.Join([]string{
		"[Related posts]",
		"The following posts are related to the question. Use them when answering:",
		"",
		ctx,
		"",
		"---",
		"",
	}, "\n")
}

func memoryBlock(ctx string) string {
	if strings.TrimSpace(ctx) == "" {
		return ""
	}
	return strings.Join([]string{
		"[About the user]",
		"This is what earlier conversations revealed about the user.",
		"Use it naturally, without mentioning it explicitly:",
		"",
		ctx,
		"",
		"---",
		"",
	}, "\n")
}

func articleBlock(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	if r := []rune(text); len(r) > MaxArticleRunes {
		text = string(r[:MaxArticleRunes]) + "\n…(truncated)"
	}
	return strings.Join([]string{
		"Here is part of the page the user is reading.",
		"Use it to answer the question more accurately.",
		"",
		"[Page content]",
		text,
		"",
		"---",
		"",
	}, "\n")
}

func imageBlock(url, analysis, userText string) string {
	var b strings.Builder
	if analysis != "" {
		b.WriteString("[Attached image analysis]\n")
		b.WriteString(analysis)
		b.WriteString("\n\n")
	}
	b.WriteString("[Image link: ")
	b.WriteString(url)
	b.WriteString("]\n\n")
	if strings.TrimSpace(userText) == "" {
		userText = DefaultImagePrompt
	}
	b.WriteString(userText)
	return b.String()
}
