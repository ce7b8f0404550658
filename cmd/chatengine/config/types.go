// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads, validates and watches the chatengine CLI config.
package config

import "time"

// CurrentConfigVersion is written into new config files.
const CurrentConfigVersion = "1"

// ChatConfig is the content of ~/.aleutian-chat/config.yaml.
type ChatConfig struct {
	Meta    MetaConfig    `yaml:"meta"`
	Server  ServerConfig  `yaml:"server"`
	Chat    ChatSettings  `yaml:"chat"`
	Live    LiveConfig    `yaml:"live"`
	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
}

type MetaConfig struct {
	Version string `yaml:"version"`
}

// ServerConfig points at the chat backend.
type ServerConfig struct {
	BaseURL string `yaml:"base_url" validate:"required,url"`

	// Transport is "http", "websocket", or "auto" (WebSocket first, HTTP
	// when the socket cannot open).
	Transport string `yaml:"transport" validate:"oneof=http websocket auto"`

	// APIKeyEnv names the environment variable holding the X-API-KEY
	// value. The key itself is never written to the file.
	APIKeyEnv string `yaml:"api_key_env,omitempty"`
}

// ChatSettings tune conversations. Mode, Model and the log level are
// applied to a running chat when the file changes.
type ChatSettings struct {
	Mode  string `yaml:"mode" validate:"oneof=article general"`
	Model string `yaml:"model,omitempty"`

	// DeviceClass is "auto", "standard" or "constrained".
	DeviceClass string `yaml:"device_class" validate:"oneof=auto standard desktop constrained mobile"`

	FlushInterval time.Duration `yaml:"flush_interval" validate:"min=0"`
	FrameInterval time.Duration `yaml:"frame_interval" validate:"min=0"`

	DebateRounds int `yaml:"debate_rounds" validate:"min=1,max=10"`
}

type LiveConfig struct {
	Enabled  bool   `yaml:"enabled"`
	PagePath string `yaml:"page_path" validate:"startswith=/"`
}

type StorageConfig struct {
	// Dir holds the badger database. Supports ~ expansion.
	Dir     string `yaml:"dir" validate:"required"`
	Persist bool   `yaml:"persist"`
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn warning error"`
	Dir   string `yaml:"dir,omitempty"`
}

// DefaultConfig returns the config written on first run.
func DefaultConfig() ChatConfig {
	return ChatConfig{
		Meta: MetaConfig{Version: CurrentConfigVersion},
		Server: ServerConfig{
			BaseURL:   "http://127.0.0.1:12230",
			Transport: "auto",
			APIKeyEnv: "ALEUTIAN_CHAT_API_KEY",
		},
		Chat: ChatSettings{
			Mode:          "general",
			DeviceClass:   "auto",
			FlushInterval: 64 * time.Millisecond,
			FrameInterval: time.Second / 60,
			DebateRounds:  2,
		},
		Live: LiveConfig{Enabled: true, PagePath: "/"},
		Storage: StorageConfig{
			Dir:     "~/.aleutian-chat/data",
			Persist: true,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}
