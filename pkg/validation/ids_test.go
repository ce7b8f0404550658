// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package validation

import (
	"strings"
	"testing"
)

func TestValidateID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"uuid", "0192f1a4-7b3c-7d2e-9f10-0123456789ab", false},
		{"room key", "room:blog-post", false},
		{"dotted", "v1.session_2", false},
		{"single char", "a", false},
		{"max length", strings.Repeat("a", MaxIDLength), false},

		{"empty", "", true},
		{"too long", strings.Repeat("a", MaxIDLength+1), true},
		{"slash", "a/b", true},
		{"traversal", "a..b", true},
		{"leading dot", ".hidden", true},
		{"space", "a b", true},
		{"newline", "a\nb", true},
		{"unicode", "séance", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateID("sessionId", tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
		})
	}
}

func TestValidateIDs(t *testing.T) {
	tests := []struct {
		name    string
		ids     []string
		wantErr bool
	}{
		{"all valid", []string{"a", "b-1"}, false},
		{"one invalid", []string{"a", "../etc", "b"}, true},
		{"empty slice", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateIDs("userId", tt.ids)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateIDs(%v) error = %v, wantErr %v", tt.ids, err, tt.wantErr)
			}
		})
	}
}

func TestSanitizeID(t *testing.T) {
	got, err := SanitizeID("userId", "  visitor-1 \n")
	if err != nil || got != "visitor-1" {
		t.Errorf("SanitizeID() = %q, %v", got, err)
	}
	if _, err := SanitizeID("userId", "   "); err == nil {
		t.Error("SanitizeID() accepted a blank id")
	}
	if err := ValidateID("userId", ""); err == nil || !strings.Contains(err.Error(), "userId") {
		t.Errorf("error should name the kind, got %v", err)
	}
}
