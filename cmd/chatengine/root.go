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
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianChat/cmd/chatengine/config"
	"github.com/AleutianAI/AleutianChat/pkg/logging"
)

var (
	configPath string
	serverURL  string
	logLevel   string
	ephemeral  bool

	cfg    config.ChatConfig
	logger *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:               "chatengine",
	Short:             "Chat with an Aleutian chat backend from the terminal",
	SilenceUsage:      true,
	PersistentPreRunE: loadRuntime,
	PersistentPostRun: func(*cobra.Command, []string) {
		if logger != nil {
			_ = logger.Close()
		}
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "config file (default ~/.aleutian-chat/config.yaml)")
	pf.StringVar(&serverURL, "server", "", "backend base URL, overrides server.base_url")
	pf.StringVar(&logLevel, "log-level", "", "debug, info, warn or error; overrides logging.level")
	pf.BoolVar(&ephemeral, "ephemeral", false, "keep sessions in memory only")

	rootCmd.AddCommand(chatCmd, debateCmd, liveCmd, sessionsCmd, serveCmd)
}

// loadRuntime loads the config and builds the logger for every command.
func loadRuntime(cmd *cobra.Command, _ []string) error {
	path, err := resolvedConfigPath()
	if err != nil {
		return err
	}
	if err := config.Load(path); err != nil {
		return err
	}
	cfg = config.Global
	if serverURL != "" {
		cfg.Server.BaseURL = serverURL
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logger = logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: "chatengine",
	})
	return nil
}

func resolvedConfigPath() (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	return config.DefaultPath()
}

// signalContext ends on Ctrl-C or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
