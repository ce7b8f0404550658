// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianChat/cmd/chatengine/config"
	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
	"github.com/AleutianAI/AleutianChat/services/chat/engine"
)

var (
	chatPage    string
	chatMode    string
	chatImage   string
	chatNoLive  bool
	chatNoWatch bool
)

var chatCmd = &cobra.Command{
	Use:   "chat [prompt]",
	Short: "Chat interactively, or send one prompt and print the reply",
	RunE:  runChat,
}

func init() {
	f := chatCmd.Flags()
	f.StringVar(&chatPage, "page", "", "page path the conversation is about (picks the live room)")
	f.StringVar(&chatMode, "mode", "", "article or general; overrides chat.mode")
	f.StringVar(&chatImage, "image", "", "attach an image to the one-shot prompt")
	f.BoolVar(&chatNoLive, "no-live", false, "do not join the live room")
	f.BoolVar(&chatNoWatch, "no-watch", false, "do not reload the config file on change")
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	oneShot := len(args) > 0 || chatImage != ""
	a, err := newApp(ctx, cfg, logger, appOptions{
		PagePath: chatPage,
		NoLive:   chatNoLive || oneShot,
		InMemory: ephemeral,
	})
	if err != nil {
		return err
	}
	defer a.Close()

	if chatMode != "" {
		if err := a.engine.SetMode(datatypes.Mode(chatMode)); err != nil {
			return err
		}
	}

	if oneShot {
		return sendOnce(ctx, a, strings.Join(args, " "), chatImage)
	}

	if !chatNoWatch {
		if path, err := resolvedConfigPath(); err == nil {
			unwatch, err := config.Watch(ctx, path, a.apply, config.WatchOptions{Logger: logger.Slog()})
			if err != nil {
				logger.Warn("config watch disabled", "error", err.Error())
			} else {
				defer unwatch()
			}
		}
	}
	return runREPL(ctx, a, newInputReader(os.Stdin, defaultHistory), cmd.OutOrStdout())
}

// sendOnce sends one prompt and waits for its reply. The reply, or the
// error notice, is rendered by the app's renderer.
func sendOnce(ctx context.Context, a *app, text, imagePath string) error {
	in := engine.Input{Text: text}
	if imagePath != "" {
		img, err := loadImage(imagePath)
		if err != nil {
			return err
		}
		in.Image = &img
	}
	_, err := a.engine.Send(ctx, in)
	a.renderer.Finish()
	return err
}
