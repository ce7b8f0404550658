// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect saved sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved sessions, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd.Context(), cfg, logger, appOptions{NoLive: true, InMemory: ephemeral})
		if err != nil {
			return err
		}
		defer a.Close()
		writeSessions(cmd.OutOrStdout(), a.engine.Sessions(), a.engine.Session())
		return nil
	},
}

var sessionsOpenCmd = &cobra.Command{
	Use:   "open <id>",
	Short: "Make a session current and print it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg, logger, appOptions{NoLive: true, InMemory: ephemeral})
		if err != nil {
			return err
		}
		defer a.Close()
		a.engine.LoadSession(cmd.Context(), args[0])
		a.render()
		return nil
	},
}

var sessionsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Start a new current session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd.Context(), cfg, logger, appOptions{NoLive: true, InMemory: ephemeral})
		if err != nil {
			return err
		}
		defer a.Close()
		fmt.Fprintln(cmd.OutOrStdout(), a.engine.Clear(cmd.Context()))
		return nil
	},
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd, sessionsOpenCmd, sessionsClearCmd)
}

func writeSessions(out io.Writer, metas []datatypes.SessionMeta, current string) {
	if len(metas) == 0 {
		fmt.Fprintln(out, "No saved sessions.")
		return
	}
	for _, m := range metas {
		mark := " "
		if m.ID == current {
			mark = "*"
		}
		title := m.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Fprintf(out, "%s %s  %-40s %3d  %s\n", mark, m.ID, title, m.MessageCount,
			time.UnixMilli(m.UpdatedAt).Format(time.DateTime))
	}
}
