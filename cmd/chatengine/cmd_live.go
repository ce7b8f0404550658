// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianChat/services/chat/engine"
	"github.com/AleutianAI/AleutianChat/services/chat/live"
)

var liveCmd = &cobra.Command{
	Use:   "live [room]",
	Short: "Join a live room; plain lines are sent to the room",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runLive,
}

var liveRoomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List active live rooms",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return printRooms(cmd.Context(), live.NewSSEClient(cfg.Server.BaseURL), cmd.OutOrStdout())
	},
}

func init() {
	liveCmd.AddCommand(liveRoomsCmd)
}

func runLive(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	liveCfg := cfg
	liveCfg.Live.Enabled = true
	a, err := newApp(ctx, liveCfg, logger, appOptions{InMemory: ephemeral})
	if err != nil {
		return err
	}
	defer a.Close()

	if len(args) == 1 {
		if _, err := a.engine.Send(ctx, engine.Input{Text: "/live room " + args[0]}); err != nil {
			return err
		}
	}
	if _, err := a.engine.Send(ctx, engine.Input{Text: "/live on"}); err != nil {
		return err
	}
	in := newInputReader(os.Stdin, defaultHistory)
	if p, ok := in.(PromptingInputReader); ok {
		p.SetPrompt("live › ")
	}
	return runREPL(ctx, a, in, cmd.OutOrStdout())
}

func printRooms(ctx context.Context, dir live.RoomDirectory, out io.Writer) error {
	rooms, err := dir.ListRooms(ctx)
	if err != nil {
		return err
	}
	if len(rooms) == 0 {
		fmt.Fprintln(out, "No active rooms right now.")
		return nil
	}
	var b strings.Builder
	for _, r := range rooms {
		fmt.Fprintf(&b, "%-32s %d online\n", engine.FormatRoomName(r.Room), r.OnlineCount)
	}
	_, err = io.WriteString(out, b.String())
	return err
}
