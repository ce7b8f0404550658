// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/AleutianAI/AleutianChat/pkg/schedule"
	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
)

func TestMessageRenderer_StreamsDeltas(t *testing.T) {
	var buf bytes.Buffer
	r := NewMessageRenderer(&buf, PersonalityMachine)

	user := datatypes.Message{ID: "1", Role: datatypes.RoleUser, Text: "hi"}
	asst := datatypes.Message{ID: "2", Role: datatypes.RoleAssistant}

	r.Render([]datatypes.Message{user, asst})
	asst.Text = "Hel"
	r.Render([]datatypes.Message{user, asst})
	asst.Text = "Hello"
	asst.Followups = []string{"More?"}
	r.Render([]datatypes.Message{user, asst})
	r.Render([]datatypes.Message{user, asst})

	assert.Equal(t, "user: hi\nassistant: Hello\n  Try: More?\n", buf.String())
}

func TestMessageRenderer_SystemLevelsAndPersona(t *testing.T) {
	var buf bytes.Buffer
	r := NewMessageRenderer(&buf, PersonalityMachine)
	r.Render([]datatypes.Message{
		{ID: "1", Role: datatypes.RoleAssistant, Text: "For.", Persona: "pro"},
		{ID: "2", Role: datatypes.RoleSystem, Text: "Chat failed", SystemLevel: datatypes.LevelError},
		{ID: "3", Role: datatypes.RoleSystem, Text: "ok"},
	})
	assert.Equal(t, "assistant[pro]: For.\nsystem[error]: Chat failed\nsystem[info]: ok\n", buf.String())
}

func TestMessageRenderer_ContinuesInterruptedStream(t *testing.T) {
	var buf bytes.Buffer
	r := NewMessageRenderer(&buf, PersonalityMachine)
	asst := datatypes.Message{ID: "a", Role: datatypes.RoleAssistant, Text: "One"}
	live := datatypes.Message{ID: "b", Role: datatypes.RoleSystem, Text: "[Live] Ann joined"}

	r.Render([]datatypes.Message{asst, live})
	asst.Text = "One two"
	r.Render([]datatypes.Message{asst, live})
	r.Finish()

	assert.Equal(t, "assistant: One\nsystem[info]: [Live] Ann joined\nassistant:  two\n", buf.String())
}

func TestMessageRenderer_MinimalUsesIconsAndUserText(t *testing.T) {
	var buf bytes.Buffer
	r := NewMessageRenderer(&buf, PersonalityMinimal)
	r.UserText = strings.ToUpper
	r.Render([]datatypes.Message{
		{ID: "1", Role: datatypes.RoleUser, Text: "hi"},
		{ID: "2", Role: datatypes.RoleSystem, Text: "[Live] Moving", SystemLevel: datatypes.LevelInfo},
		{ID: "3", Role: datatypes.RoleSystem, Text: "careful", SystemLevel: datatypes.LevelWarn},
	})
	assert.Equal(t, "› HI\n〰 [Live] Moving\n⚠ careful\n", buf.String())

	r.Reset()
	buf.Reset()
	r.Render([]datatypes.Message{{ID: "1", Role: datatypes.RoleUser, Text: "hi"}})
	assert.Equal(t, "› HI\n", buf.String())
}

func TestMessageRenderer_FullOnBufferHasNoEscapes(t *testing.T) {
	var buf bytes.Buffer
	r := NewMessageRenderer(&buf, PersonalityFull)
	r.Render([]datatypes.Message{{
		ID: "1", Role: datatypes.RoleAssistant, Text: "Hi",
		Sources: []datatypes.Source{{Title: "Post", URL: "https://example.com/p"}},
	}})
	assert.NotContains(t, buf.String(), "\x1b[")
	assert.Contains(t, buf.String(), "Sources: Post <https://example.com/p>")
}

func TestParsePersonalityLevel(t *testing.T) {
	assert.Equal(t, PersonalityMachine, ParsePersonalityLevel("quiet"))
	assert.Equal(t, PersonalityMinimal, ParsePersonalityLevel(" MIN "))
	assert.Equal(t, PersonalityFull, ParsePersonalityLevel("whatever"))
}

func TestDetect_NonTerminal(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "out")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	t.Setenv("ALEUTIAN_PERSONALITY", "")

	assert.False(t, IsTerminal(f))
	assert.Equal(t, PersonalityMachine, DetectPersonality(f))
	assert.Equal(t, schedule.DeviceConstrained, DetectDeviceClass(f))

	t.Setenv("ALEUTIAN_PERSONALITY", "minimal")
	assert.Equal(t, PersonalityMinimal, DetectPersonality(f))
}
