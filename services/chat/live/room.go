// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package live

import (
	"regexp"
	"strings"
)

const (
	// LobbyRoom is the fallback room for the site root and empty keys.
	LobbyRoom = "room:lobby"

	// MaxRoomKeyLen caps a normalized room key, prefix included.
	MaxRoomKeyLen = 120

	roomPrefix = "room:"
)

var (
	roomDisallowed = regexp.MustCompile(`[^a-z0-9:_-]`)
	roomDashes     = regexp.MustCompile(`-{2,}`)
)

// NormalizeRoomKey canonicalizes a room key.
//
// # Description
//
// Lower-cases, replaces every character outside [a-z0-9:_-] with "-",
// collapses dash runs, trims stray dashes, ensures the "room:" prefix and
// caps the result at MaxRoomKeyLen. Empty input (or a bare prefix) maps
// to LobbyRoom. The function is idempotent.
func NormalizeRoomKey(raw string) string {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = roomDisallowed.ReplaceAllString(key, "-")
	key = roomDashes.ReplaceAllString(key, "-")
	key = strings.Trim(key, "-")
	if key == "" || key == strings.TrimSuffix(roomPrefix, ":") || key == roomPrefix {
		return LobbyRoom
	}
	if !strings.HasPrefix(key, roomPrefix) {
		key = roomPrefix + key
	}
	if len(key) > MaxRoomKeyLen {
		key = strings.TrimRight(key[:MaxRoomKeyLen], "-:")
	}
	return key
}

// RoomKeyForPath maps a page path to its room key.
//
//	/                       -> room:lobby
//	/blog/2024/my-post      -> room:blog:2024:my-post
//	/post/2024/a/b          -> room:blog:2024:a-b
//	/projects               -> room:project:lobby
//	/projects/aleutian      -> room:project:aleutian
//	/about/team             -> room:page:about:team
func RoomKeyForPath(path string) string {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	var parts []string
	for _, p := range strings.Split(path, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return LobbyRoom
	}

	switch {
	case (parts[0] == "blog" || parts[0] == "post") && len(parts) >= 3:
		return NormalizeRoomKey("room:blog:" + parts[1] + ":" + strings.Join(parts[2:], "-"))
	case parts[0] == "projects":
		project := "lobby"
		if len(parts) > 1 {
			project = parts[1]
		}
		return NormalizeRoomKey("room:project:" + project)
	default:
		return NormalizeRoomKey("room:page:" + strings.Join(parts, ":"))
	}
}
