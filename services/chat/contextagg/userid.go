// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package contextagg

import (
	"strings"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianChat/pkg/storage"
)

// UserIDKey is the storage key of the per-install memory user id.
const UserIDKey = "memory.userId"

// UserID returns the stored memory user id, creating "user-<uuid>" on
// first use. A failed write still returns the fresh id so the current
// process stays consistent.
func UserID(port storage.Port) string {
	if raw, err := port.Get(UserIDKey); err == nil {
		if id := strings.TrimSpace(string(raw)); id != "" {
			return id
		}
	}
	id := "user-" + uuid.NewString()
	_ = port.Set(UserIDKey, []byte(id))
	return id
}
