// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation checks client-supplied identifiers before they are used
// as storage keys, URL path segments or map keys.
//
// Session ids, user ids and upload keys all arrive from the browser. None of
// them may contain path separators, whitespace or control characters.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxIDLength bounds every identifier.
const MaxIDLength = 128

// idPattern allows letters, digits and . _ : - after an alphanumeric first
// character. UUIDs, "room:blog-post" and "agent" all match.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:\-]*$`)

// ValidateID checks one identifier. kind names it in the error
// ("sessionId", "userId").
//
// Example:
//
//	if err := validation.ValidateID("sessionId", id); err != nil {
//	    return fmt.Errorf("live stream: %w", err)
//	}
func ValidateID(kind, id string) error {
	if id == "" {
		return fmt.Errorf("%s cannot be empty", kind)
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("%s is longer than %d characters", kind, MaxIDLength)
	}
	if !idPattern.MatchString(id) || strings.Contains(id, "..") {
		return fmt.Errorf("invalid %s: %q", kind, id)
	}
	return nil
}

// ValidateIDs checks ids and lists every invalid one in the error.
func ValidateIDs(kind string, ids []string) error {
	var invalid []string
	for _, id := range ids {
		if err := ValidateID(kind, id); err != nil {
			invalid = append(invalid, id)
		}
	}
	if len(invalid) > 0 {
		return fmt.Errorf("invalid %s values: %q", kind, invalid)
	}
	return nil
}

// SanitizeID trims surrounding whitespace and validates the result.
func SanitizeID(kind, id string) (string, error) {
	id = strings.TrimSpace(id)
	if err := ValidateID(kind, id); err != nil {
		return "", err
	}
	return id, nil
}
