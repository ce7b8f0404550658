// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package schedule

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// Device Class
// =============================================================================

// DeviceClass selects how aggressively streamed text is re-rendered.
type DeviceClass int

const (
	// DeviceStandard renders once per display frame.
	DeviceStandard DeviceClass = iota

	// DeviceConstrained renders on a fixed, coarser interval.
	DeviceConstrained
)

func (c DeviceClass) String() string {
	switch c {
	case DeviceConstrained:
		return "constrained"
	default:
		return "standard"
	}
}

// ParseDeviceClass accepts "standard", "desktop", "constrained" or "mobile".
func ParseDeviceClass(s string) (DeviceClass, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "standard", "desktop":
		return DeviceStandard, nil
	case "constrained", "mobile":
		return DeviceConstrained, nil
	default:
		return DeviceStandard, fmt.Errorf("unknown device class %q", s)
	}
}

// =============================================================================
// Flusher
// =============================================================================

// Strategy is the flush timing policy.
type Strategy int

const (
	// StrategyFrame commits at the next frame boundary.
	StrategyFrame Strategy = iota

	// StrategyInterval commits at most once per interval.
	StrategyInterval
)

func (s Strategy) String() string {
	if s == StrategyInterval {
		return "interval"
	}
	return "frame"
}

// Default flush timings.
const (
	DefaultConstrainedInterval = 64 * time.Millisecond
	DefaultFrameInterval       = time.Second / 60
)

// FlushConfig tunes both strategies. Zero fields use the defaults.
type FlushConfig struct {
	Interval      time.Duration
	FrameInterval time.Duration
}

// Flusher coalesces text snapshots and commits the latest one on a
// schedule.
//
// # Description
//
// Schedule records a snapshot and arms at most one timer. When the timer
// fires only the most recent snapshot is committed. Flush commits a
// pending snapshot synchronously, which callers do when a stream ends.
// Snapshots are committed in the order they were scheduled; a stale
// snapshot is never committed after a newer one.
//
// # Thread Safety
//
// Safe for concurrent use. commit is never called concurrently.
type Flusher struct {
	clock    Clock
	strategy Strategy
	interval time.Duration
	commit   func(string)

	mu        sync.Mutex
	timer     Timer
	latest    string
	latestSeq uint64
	stopped   bool

	commitMu     sync.Mutex
	committedSeq uint64
}

// NewFlusher builds a Flusher whose strategy follows the device class:
// DeviceConstrained uses StrategyInterval, DeviceStandard uses
// StrategyFrame.
func NewFlusher(class DeviceClass, clock Clock, cfg FlushConfig, commit func(string)) *Flusher {
	if class == DeviceConstrained {
		return NewFlusherWithStrategy(StrategyInterval, clock, cfg, commit)
	}
	return NewFlusherWithStrategy(StrategyFrame, clock, cfg, commit)
}

// NewFlusherWithStrategy builds a Flusher with an explicit strategy.
func NewFlusherWithStrategy(strategy Strategy, clock Clock, cfg FlushConfig, commit func(string)) *Flusher {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultConstrainedInterval
	}
	if strategy == StrategyFrame {
		interval = cfg.FrameInterval
		if interval <= 0 {
			interval = DefaultFrameInterval
		}
	}
	return &Flusher{
		clock:    OrReal(clock),
		strategy: strategy,
		interval: interval,
		commit:   commit,
	}
}

// Strategy returns the active strategy.
func (f *Flusher) Strategy() Strategy { return f.strategy }

// Schedule records text as the latest snapshot.
func (f *Flusher) Schedule(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return
	}
	f.latest = text
	f.latestSeq++
	if f.timer != nil {
		return
	}
	f.timer = f.clock.AfterFunc(f.delayLocked(), f.fire)
}

// Flush commits the pending snapshot now, if any.
func (f *Flusher) Flush() {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return
	}
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	text, seq := f.latest, f.latestSeq
	f.mu.Unlock()

	f.commitIfNewer(text, seq)
}

// Stop discards pending work. Later Schedule calls are ignored.
func (f *Flusher) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
}

func (f *Flusher) fire() {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return
	}
	f.timer = nil
	text, seq := f.latest, f.latestSeq
	f.mu.Unlock()

	f.commitIfNewer(text, seq)
}

func (f *Flusher) commitIfNewer(text string, seq uint64) {
	f.commitMu.Lock()
	defer f.commitMu.Unlock()
	if seq == 0 || seq <= f.committedSeq {
		return
	}
	f.committedSeq = seq
	f.commit(text)
}

// delayLocked returns the time until the next commit slot. Frame slots are
// aligned to multiples of the frame interval on the clock.
func (f *Flusher) delayLocked() time.Duration {
	if f.strategy == StrategyInterval {
		return f.interval
	}
	now := f.clock.Now().UnixNano()
	frame := f.interval.Nanoseconds()
	next := (now/frame + 1) * frame
	return time.Duration(next - now)
}
