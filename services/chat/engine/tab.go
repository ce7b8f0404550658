// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"math/rand/v2"
	"strings"

	"github.com/AleutianAI/AleutianChat/pkg/storage"
	"github.com/AleutianAI/AleutianChat/services/chat/contextagg"
	"github.com/AleutianAI/AleutianChat/services/chat/session"
)

// VisitorNameKey is the tab-scoped key of the live display name, without
// session.KeyPrefix.
const VisitorNameKey = "liveVisitorName"

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

// TabContext is the per-tab identity shared by the engine's components.
type TabContext struct {
	// VisitorName is the stable live-room display name of this tab.
	VisitorName string

	// UserID keys memory search and extraction; it outlives the tab.
	UserID string
}

// NewTabContext loads or creates the tab identity. tab holds per-tab
// values; durable holds the install-wide user id. Write failures keep
// the generated values for this process.
func NewTabContext(tab, durable storage.Port) TabContext {
	tabPort := storage.WithPrefix(tab, session.KeyPrefix)
	name := ""
	if raw, err := tabPort.Get(VisitorNameKey); err == nil {
		name = strings.TrimSpace(string(raw))
	}
	if name == "" {
		name = NewVisitorName()
		_ = tabPort.Set(VisitorNameKey, []byte(name))
	}
	return TabContext{VisitorName: name, UserID: contextagg.UserID(durable)}
}

// NewVisitorName returns "visitor-" followed by four base36 characters.
func NewVisitorName() string {
	var b strings.Builder
	b.WriteString("visitor-")
	for range 4 {
		b.WriteByte(base36[rand.IntN(len(base36))])
	}
	return b.String()
}
