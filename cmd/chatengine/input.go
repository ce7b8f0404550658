// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/AleutianAI/AleutianChat/pkg/ux"
	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
)

// defaultHistory is how many prompts the interactive reader remembers.
const defaultHistory = 50

// errInterrupted is returned by ReadLine when the user pressed Ctrl+C.
// The REPL treats it as /stop.
var errInterrupted = errors.New("input interrupted")

// =============================================================================
// InputReader Interface
// =============================================================================

// InputReader abstracts reading REPL lines.
//
// # Description
//
// Terminals get an interactive reader with history and line editing;
// pipes and tests get a plain line reader. Close unblocks a pending
// ReadLine so the reading goroutine can exit.
//
// # Thread Safety
//
// ReadLine is called from one goroutine. Close may be called from another.
type InputReader interface {
	// ReadLine returns the next line without its newline. io.EOF ends input.
	ReadLine() (string, error)

	// Close releases the input and unblocks ReadLine.
	Close() error
}

// PromptingInputReader is an InputReader that draws its own prompt.
type PromptingInputReader interface {
	InputReader
	SetPrompt(prompt string)
}

// newInputReader picks the interactive reader when f is a terminal.
func newInputReader(f *os.File, maxHistory int) InputReader {
	if !ux.IsTerminal(f) {
		return newLineReader(f)
	}
	return &interactiveReader{
		out:        os.Stderr,
		prompt:     "› ",
		history:    make([]string, 0, maxHistory),
		maxHistory: maxHistory,
	}
}

// =============================================================================
// lineReader
// =============================================================================

// lineReader reads newline-terminated lines from any reader.
type lineReader struct {
	src io.Reader
	sc  *bufio.Scanner
}

func newLineReader(src io.Reader) *lineReader {
	sc := bufio.NewScanner(src)
	sc.Buffer(make([]byte, 0, 64*1024), datatypes.MaxPromptBytes)
	return &lineReader{src: src, sc: sc}
}

func (r *lineReader) ReadLine() (string, error) {
	if r.sc.Scan() {
		return r.sc.Text(), nil
	}
	if err := r.sc.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

// Close closes the source when it is closable. A plain reader stays
// untouched and ReadLine returns on its own at EOF.
func (r *lineReader) Close() error {
	if c, ok := r.src.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// =============================================================================
// interactiveReader
// =============================================================================

// interactiveReader reads one line per bubbletea program run, with
// up/down history and line editing. The prompt is drawn on stderr so the
// transcript on stdout stays clean.
type interactiveReader struct {
	out        io.Writer
	prompt     string
	history    []string
	maxHistory int

	mu      sync.Mutex
	program *tea.Program
	closed  bool
}

var _ PromptingInputReader = (*interactiveReader)(nil)

func (r *interactiveReader) SetPrompt(prompt string) { r.prompt = prompt }

func (r *interactiveReader) ReadLine() (string, error) {
	ti := textinput.New()
	ti.Prompt = r.prompt
	ti.CharLimit = datatypes.MaxPromptBytes
	ti.Width = 80
	ti.Focus()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", io.EOF
	}
	p := tea.NewProgram(inputModel{input: ti, history: r.history, index: -1}, tea.WithOutput(r.out))
	r.program = p
	r.mu.Unlock()

	final, err := p.Run()
	r.mu.Lock()
	r.program = nil
	closed := r.closed
	r.mu.Unlock()
	if closed || errors.Is(err, tea.ErrProgramKilled) {
		return "", io.EOF
	}
	if err != nil {
		return "", err
	}

	m, ok := final.(inputModel)
	if !ok {
		return "", fmt.Errorf("unexpected input model %T", final)
	}
	switch {
	case m.eof:
		return "", io.EOF
	case m.interrupted:
		return "", errInterrupted
	}
	line := strings.TrimSpace(m.input.Value())
	if line != "" {
		r.remember(line)
	}
	return line, nil
}

// Close kills a running prompt. Later ReadLine calls return io.EOF.
func (r *interactiveReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	if r.program != nil {
		r.program.Kill()
	}
	return nil
}

func (r *interactiveReader) remember(line string) {
	if n := len(r.history); n > 0 && r.history[n-1] == line {
		return
	}
	r.history = append(r.history, line)
	if len(r.history) > r.maxHistory {
		r.history = r.history[1:]
	}
}

// inputModel is the bubbletea model of one prompt.
type inputModel struct {
	input       textinput.Model
	history     []string
	index       int // -1 while editing a new line
	draft       string
	done        bool
	eof         bool
	interrupted bool
}

func (m inputModel) Init() tea.Cmd { return textinput.Blink }

func (m inputModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	key, ok := msg.(tea.KeyMsg)
	if !ok {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}

	switch key.Type {
	case tea.KeyEnter:
		m.done = true
		return m, tea.Quit
	case tea.KeyCtrlC:
		m.interrupted, m.done = true, true
		return m, tea.Quit
	case tea.KeyCtrlD:
		if m.input.Value() == "" {
			m.eof, m.done = true, true
			return m, tea.Quit
		}
	case tea.KeyUp:
		if len(m.history) == 0 {
			return m, nil
		}
		if m.index == -1 {
			m.draft = m.input.Value()
			m.index = len(m.history) - 1
		} else if m.index > 0 {
			m.index--
		}
		m.input.SetValue(m.history[m.index])
		m.input.CursorEnd()
		return m, nil
	case tea.KeyDown:
		if m.index == -1 {
			return m, nil
		}
		if m.index < len(m.history)-1 {
			m.index++
			m.input.SetValue(m.history[m.index])
		} else {
			m.index = -1
			m.input.SetValue(m.draft)
		}
		m.input.CursorEnd()
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m inputModel) View() string {
	if m.done {
		return ""
	}
	return m.input.View()
}
