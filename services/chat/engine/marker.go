// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
)

// Image marker block lines.
const (
	markerHeader   = "[Attached image]"
	markerURL      = "URL: "
	markerFilename = "Filename: "
	markerSize     = "Size: "
	markerAnalysis = "📷 **AI image analysis:**"

	// DefaultImageText is the user text sent when only an image is
	// attached.
	DefaultImageText = "Describe the attached image."
)

// ImageMarker is the parsed form of an image marker block.
type ImageMarker struct {
	URL      string
	Filename string
	SizeKB   int
	Analysis string
}

// FormatImageMarker appends the marker block for ref to text:
//
//	<text>
//
//	[Attached image]
//	URL: <url>
//	Filename: <name>
//	Size: <N>KB
//
//	📷 **AI image analysis:**
//	<analysis>
//
// The analysis section is present only when ref carries one.
func FormatImageMarker(text string, ref datatypes.ImageRef) string {
	lines := []string{
		text,
		"",
		markerHeader,
		markerURL + ref.URL,
		markerFilename + ref.Filename,
		fmt.Sprintf("%s%dKB", markerSize, sizeKB(ref.Size)),
	}
	if a := strings.TrimSpace(ref.Analysis); a != "" {
		lines = append(lines, "", markerAnalysis, a)
	}
	return strings.Join(lines, "\n")
}

func sizeKB(size int64) int {
	return max(1, int(math.Round(float64(size)/1024)))
}

// ParseImageMarker splits a user message into its text and marker block.
//
// # Outputs
//
//   - string: The text before the block, or the whole input when there is
//     no block.
//   - ImageMarker: The parsed block.
//   - bool: Whether a block with a URL was found.
func ParseImageMarker(text string) (string, ImageMarker, bool) {
	var body, block string
	switch {
	case strings.HasPrefix(text, markerHeader+"\n"):
		block = text
	default:
		i := strings.Index(text, "\n\n"+markerHeader+"\n")
		if i < 0 {
			return text, ImageMarker{}, false
		}
		body, block = text[:i], text[i+2:]
	}

	var m ImageMarker
	if j := strings.Index(block, "\n\n"+markerAnalysis+"\n"); j >= 0 {
		m.Analysis = strings.TrimSpace(block[j+len(markerAnalysis)+3:])
		block = block[:j]
	}
	for _, line := range strings.Split(block, "\n")[1:] {
		switch {
		case strings.HasPrefix(line, markerURL):
			m.URL = strings.TrimSpace(strings.TrimPrefix(line, markerURL))
		case strings.HasPrefix(line, markerFilename):
			m.Filename = strings.TrimSpace(strings.TrimPrefix(line, markerFilename))
		case strings.HasPrefix(line, markerSize):
			n := strings.TrimSuffix(strings.TrimSpace(strings.TrimPrefix(line, markerSize)), "KB")
			m.SizeKB, _ = strconv.Atoi(n)
		}
	}
	if m.URL == "" {
		return text, ImageMarker{}, false
	}
	return body, m, true
}
