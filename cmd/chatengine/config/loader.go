// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
)

var (
	// Global is the config loaded by Load.
	Global  ChatConfig
	once    sync.Once
	loadErr error
)

// DefaultPath returns ~/.aleutian-chat/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".aleutian-chat", "config.yaml"), nil
}

// Load reads path into Global once. An empty path means DefaultPath. A
// missing file is created with DefaultConfig.
func Load(path string) error {
	once.Do(func() {
		if path == "" {
			path, loadErr = DefaultPath()
			if loadErr != nil {
				return
			}
		}
		Global, loadErr = LoadFile(path)
	})
	return loadErr
}

// LoadFile reads and validates the config at path, creating it with
// defaults when absent. Fields missing from the file keep their defaults.
func LoadFile(path string) (ChatConfig, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := createDefault(path); err != nil {
			return ChatConfig{}, err
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ChatConfig{}, fmt.Errorf("failed to read the config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over DefaultConfig and validates the result.
func Parse(data []byte) (ChatConfig, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return ChatConfig{}, fmt.Errorf("failed to parse the config file: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return ChatConfig{}, err
	}
	return cfg, nil
}

// Validate checks struct tags.
func Validate(cfg ChatConfig) error {
	if err := datatypes.Validator().Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ExpandHome replaces a leading ~ with the home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

func createDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
