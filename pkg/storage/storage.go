// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package storage provides the key-value port the chat engine persists
// through.
//
// Two implementations ship with the package:
//
//   - Memory: a map-backed port with write counters and failure injection,
//     used by tests and as tab-scoped storage.
//   - Badger: a BadgerDB-backed port for durable local state.
//
// Values are opaque bytes. Callers own encoding and must tolerate corrupt
// values; the port never validates content.
package storage

import (
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("storage: key not found")

// Port is a minimal key-value store.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Port interface {
	// Get returns the value for key, or ErrNotFound.
	Get(key string) ([]byte, error)

	// Set stores value under key, replacing any previous value.
	Set(key string, value []byte) error

	// Remove deletes key. Removing an absent key is not an error.
	Remove(key string) error
}

// =============================================================================
// Namespacing
// =============================================================================

// Namespaced prefixes every key before delegating to an inner port.
type Namespaced struct {
	inner  Port
	prefix string
}

// WithPrefix wraps p so that every key becomes prefix+key.
func WithPrefix(p Port, prefix string) *Namespaced {
	return &Namespaced{inner: p, prefix: prefix}
}

func (n *Namespaced) Get(key string) ([]byte, error) { return n.inner.Get(n.prefix + key) }
func (n *Namespaced) Set(key string, value []byte) error {
	return n.inner.Set(n.prefix+key, value)
}
func (n *Namespaced) Remove(key string) error { return n.inner.Remove(n.prefix + key) }

// =============================================================================
// JSON helpers
// =============================================================================

// GetJSON decodes the value under key into v.
//
// # Outputs
//
//   - bool: True only when the key existed and decoded cleanly. Absent,
//     unreadable and corrupt values all report false with the cause in err
//     (nil for absent).
func GetJSON(p Port, key string, v any) (bool, error) {
	data, err := p.Get(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, err
	}
	return true, nil
}

// SetJSON encodes v and stores it under key.
func SetJSON(p Port, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.Set(key, data)
}

// =============================================================================
// Memory
// =============================================================================

// Memory is an in-memory Port.
//
// It records how many times each key was written so tests can assert on
// write coalescing, and can be told to fail writes.
type Memory struct {
	mu      sync.Mutex
	data    map[string][]byte
	writes  map[string]int
	failSet error
	failGet error
}

// NewMemory returns an empty Memory port.
func NewMemory() *Memory {
	return &Memory{
		data:   make(map[string][]byte),
		writes: make(map[string]int),
	}
}

func (m *Memory) Get(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGet != nil {
		return nil, m.failGet
	}
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *Memory) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSet != nil {
		return m.failSet
	}
	v := make([]byte, len(value))
	copy(v, value)
	m.data[key] = v
	m.writes[key]++
	return nil
}

func (m *Memory) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSet != nil {
		return m.failSet
	}
	delete(m.data, key)
	return nil
}

// Writes returns how many successful Set calls targeted key.
func (m *Memory) Writes(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes[key]
}

// Keys returns all stored keys with the given prefix, sorted.
func (m *Memory) Keys(prefix string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// FailWrites makes every Set and Remove return err. Pass nil to restore.
func (m *Memory) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failSet = err
}

// FailReads makes every Get return err. Pass nil to restore.
func (m *Memory) FailReads(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failGet = err
}

var (
	_ Port = (*Memory)(nil)
	_ Port = (*Namespaced)(nil)
)
