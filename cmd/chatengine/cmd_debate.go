// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"strings"

	"github.com/spf13/cobra"
)

var debateRounds int

var debateCmd = &cobra.Command{
	Use:   "debate <topic>",
	Short: "Run a pro/con debate on a topic",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runDebate,
}

func init() {
	debateCmd.Flags().IntVar(&debateRounds, "rounds", 0, "rounds to run (default chat.debate_rounds, max 10)")
}

func runDebate(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	a, err := newApp(ctx, cfg, logger, appOptions{NoLive: true, InMemory: ephemeral})
	if err != nil {
		return err
	}
	defer a.Close()
	return debateOnce(ctx, a, strings.Join(args, " "), debateRounds)
}

// debateOnce runs a debate to completion. Ctrl-C lets the current turn
// finish and then stops.
func debateOnce(ctx context.Context, a *app, topic string, rounds int) error {
	if err := a.engine.StartDebate(ctx, topic, rounds); err != nil {
		return err
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			a.engine.CancelDebate()
		case <-done:
		}
	}()
	a.engine.WaitDebate()
	close(done)
	a.renderer.Finish()
	return nil
}
