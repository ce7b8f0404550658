// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/AleutianChat/pkg/logging"
	"github.com/AleutianAI/AleutianChat/pkg/schedule"
)

// DefaultWatchDelay coalesces the write bursts editors produce.
const DefaultWatchDelay = 150 * time.Millisecond

// WatchOptions tune Watch.
type WatchOptions struct {
	Delay  time.Duration
	Clock  schedule.Clock
	Logger *slog.Logger
}

// Watch reloads path whenever it changes and calls onChange with the new
// config.
//
// # Description
//
// The parent directory is watched rather than the file, so editors that
// replace the file by rename are seen too. Changes are debounced by
// opts.Delay. A file that fails to parse or validate is logged and
// skipped; the previous config stays in effect.
//
// # Outputs
//
//   - func(): Stops watching and waits for the watcher goroutine.
//   - error: The watcher could not be created.
func Watch(ctx context.Context, path string, onChange func(ChatConfig), opts WatchOptions) (func(), error) {
	logger := logging.OrDefault(opts.Logger).With(slog.String("component", "config"))
	delay := opts.Delay
	if delay <= 0 {
		delay = DefaultWatchDelay
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watch: %w", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("config watch: %w", err)
	}

	reload := schedule.NewDebouncer(opts.Clock, delay, func() {
		cfg, err := LoadFile(path)
		if err != nil {
			logger.Warn("config reload skipped", slog.String("error", err.Error()))
			return
		}
		logger.Info("config reloaded", slog.String("path", path))
		onChange(cfg)
	})

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	target := filepath.Clean(path)
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
					reload.Trigger()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn("config watch error", slog.String("error", err.Error()))
			}
		}
	}()

	var stopOnce sync.Once
	return func() {
		stopOnce.Do(func() {
			cancel()
			<-done
			reload.Stop()
			_ = w.Close()
		})
	}, nil
}
