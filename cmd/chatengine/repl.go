// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
	"github.com/AleutianAI/AleutianChat/services/chat/engine"
)

const replHelp = `Commands:
  /help                     this list
  /stop                     stop the current reply or debate
  /retry                    send the last prompt again
  /clear                    start a new session
  /sessions                 list saved sessions
  /load <id>                switch to a saved session
  /mode article|general     change the conversation mode
  /model <name>             change the model ("" for the default)
  /persist on|off           keep or stop keeping this session on disk
  /image <path> [text]      ask about an image
  /aggregate <id> <id>...   one answer across sessions
  /debate [rounds] <topic>  pro and con take turns; "/debate stop" ends it
  /live help                live room commands
  /quit                     leave
Anything else is sent as a prompt. A new prompt stops the previous reply.
At a terminal, Ctrl+C stops the reply, Ctrl+D leaves and up/down recall
earlier prompts.`

// repl reads lines and dispatches them. Sends run in the background so
// /stop and newer prompts can interrupt them.
type repl struct {
	a   *app
	out io.Writer
	wg  sync.WaitGroup
}

// runREPL runs until in is exhausted, /quit, or ctx ends. Pending work is
// waited for before it returns. in is closed on return so the reading
// goroutine exits too. Ctrl+C at an interactive prompt acts as /stop.
func runREPL(ctx context.Context, a *app, in InputReader, out io.Writer) error {
	r := &repl{a: a, out: out}
	a.render()

	done := make(chan struct{})
	lines := readLines(in, done)
	defer func() {
		close(done)
		_ = in.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			a.engine.Stop()
			a.engine.CancelDebate()
			r.wait()
			return nil
		case res, ok := <-lines:
			switch {
			case !ok, errors.Is(res.err, io.EOF):
				r.wait()
				return nil
			case errors.Is(res.err, errInterrupted):
				r.handle(ctx, "/stop")
			case res.err != nil:
				r.wait()
				return res.err
			default:
				if quit := r.handle(ctx, res.line); quit {
					r.wait()
					return nil
				}
			}
		}
	}
}

type readResult struct {
	line string
	err  error
}

// readLines feeds in's lines to the returned channel until an error or
// until done is closed. The channel is closed when the goroutine exits.
func readLines(in InputReader, done <-chan struct{}) <-chan readResult {
	lines := make(chan readResult)
	go func() {
		defer close(lines)
		for {
			line, err := in.ReadLine()
			select {
			case lines <- readResult{line: line, err: err}:
			case <-done:
				return
			}
			if err != nil && !errors.Is(err, errInterrupted) {
				return
			}
		}
	}()
	return lines
}

func (r *repl) wait() {
	r.wg.Wait()
	r.a.engine.WaitDebate()
	r.a.renderer.Finish()
}

func (r *repl) async(fn func() error) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := fn(); err != nil {
			// Transport and upload failures are already in the transcript.
			r.a.logger.Debug("repl command failed", "error", err.Error())
		}
	}()
}

func (r *repl) printf(format string, args ...any) {
	r.a.renderer.Finish()
	fmt.Fprintf(r.out, format+"\n", args...)
}

// handle dispatches one line and reports whether the REPL should end.
func (r *repl) handle(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	e := r.a.engine
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		r.printf("%s", replHelp)
	case "/stop":
		stopped := e.Stop()
		if e.CancelDebate() {
			stopped = true
		}
		if !stopped {
			r.printf("Nothing to stop.")
		}
	case "/retry":
		r.async(func() error {
			_, err := e.Retry(ctx)
			if errors.Is(err, engine.ErrNothingToRetry) {
				r.printf("Nothing to retry.")
				return nil
			}
			return err
		})
	case "/clear":
		r.wg.Wait()
		id := e.Clear(ctx)
		r.a.renderer.Reset()
		r.printf("New session %s", id)
	case "/sessions":
		r.listSessions()
	case "/load":
		if rest == "" {
			r.printf("Usage: /load <id>")
			return false
		}
		r.wg.Wait()
		e.LoadSession(ctx, rest)
		r.a.renderer.Reset()
		r.a.render()
	case "/mode":
		if err := e.SetMode(datatypes.Mode(rest)); err != nil {
			r.printf("%v", err)
		}
	case "/model":
		e.SetModel(strings.Trim(rest, `"`))
	case "/persist":
		switch rest {
		case "on":
			e.SetPersist(true)
		case "off":
			e.SetPersist(false)
		default:
			r.printf("Usage: /persist on|off")
		}
	case "/image":
		path, text, _ := strings.Cut(rest, " ")
		img, err := loadImage(path)
		if err != nil {
			r.printf("%v", err)
			return false
		}
		r.async(func() error {
			_, err := e.Send(ctx, engine.Input{Text: text, Image: &img})
			return err
		})
	case "/aggregate":
		ids := strings.Fields(rest)
		r.async(func() error {
			_, err := e.Aggregate(ctx, ids)
			if errors.Is(err, engine.ErrEmptyPrompt) {
				r.printf("No known sessions among %v.", ids)
				return nil
			}
			return err
		})
	case "/debate":
		r.debate(ctx, rest)
	default:
		r.async(func() error {
			_, err := e.Send(ctx, engine.Input{Text: line})
			return err
		})
	}
	return false
}

func (r *repl) debate(ctx context.Context, args string) {
	e := r.a.engine
	if args == "stop" {
		if !e.CancelDebate() {
			r.printf("No debate is running.")
		}
		return
	}
	rounds := 0
	if first, rest, ok := strings.Cut(args, " "); ok {
		if n, err := strconv.Atoi(first); err == nil {
			rounds = n
			args = strings.TrimSpace(rest)
		}
	}
	if err := e.StartDebate(ctx, args, rounds); err != nil {
		r.printf("%v", err)
	}
}

func (r *repl) listSessions() {
	metas := r.a.engine.Sessions()
	if len(metas) == 0 {
		r.printf("No saved sessions.")
		return
	}
	current := r.a.engine.Session()
	for _, m := range metas {
		mark := " "
		if m.ID == current {
			mark = "*"
		}
		title := m.Title
		if title == "" {
			title = "(untitled)"
		}
		r.printf("%s %s  %s  %d messages  %s", mark, m.ID, title, m.MessageCount,
			time.UnixMilli(m.UpdatedAt).Format(time.DateTime))
	}
}

// loadImage reads an image attachment from disk.
func loadImage(path string) (engine.Image, error) {
	if path == "" {
		return engine.Image{}, errors.New("usage: /image <path> [text]")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return engine.Image{}, fmt.Errorf("read image: %w", err)
	}
	return engine.Image{
		Filename:    filepath.Base(path),
		ContentType: mime.TypeByExtension(filepath.Ext(path)),
		Data:        data,
	}, nil
}
