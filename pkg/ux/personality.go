// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"os"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/AleutianAI/AleutianChat/pkg/schedule"
)

// PersonalityLevel is how rich the terminal output is.
type PersonalityLevel string

const (
	// PersonalityFull uses colors, icons and persona headers.
	PersonalityFull PersonalityLevel = "full"

	// PersonalityMinimal keeps icons but drops colors.
	PersonalityMinimal PersonalityLevel = "minimal"

	// PersonalityMachine writes plain "role: text" lines for scripts.
	PersonalityMachine PersonalityLevel = "machine"
)

// ParsePersonalityLevel maps a name to a level. Unknown names are full.
func ParsePersonalityLevel(s string) PersonalityLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "minimal", "min", "m":
		return PersonalityMinimal
	case "machine", "quiet", "q":
		return PersonalityMachine
	default:
		return PersonalityFull
	}
}

// IsTerminal reports whether f is an interactive terminal.
func IsTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// DetectPersonality picks the level for f: the ALEUTIAN_PERSONALITY
// environment variable wins, otherwise machine output for pipes and full
// output for terminals.
func DetectPersonality(f *os.File) PersonalityLevel {
	if env := os.Getenv("ALEUTIAN_PERSONALITY"); env != "" {
		return ParsePersonalityLevel(env)
	}
	if !IsTerminal(f) {
		return PersonalityMachine
	}
	return PersonalityFull
}

// DetectDeviceClass maps the output to a flush policy. A terminal can
// repaint every frame; pipes and dumb terminals get the coarser interval
// flusher so a log file is not flooded with partial lines.
func DetectDeviceClass(f *os.File) schedule.DeviceClass {
	if !IsTerminal(f) || os.Getenv("TERM") == "dumb" {
		return schedule.DeviceConstrained
	}
	return schedule.DeviceStandard
}
