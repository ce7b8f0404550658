// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package storage

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// portContract runs the same behavioural checks against any Port.
func portContract(t *testing.T, p Port) {
	t.Helper()

	_, err := p.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, p.Set("k", []byte("v1")))
	require.NoError(t, p.Set("k", []byte("v2")))
	got, err := p.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(got))

	require.NoError(t, p.Remove("k"))
	require.NoError(t, p.Remove("k"), "removing an absent key is not an error")
	_, err = p.Get("k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_Contract(t *testing.T) {
	portContract(t, NewMemory())
}

func TestBadger_Contract(t *testing.T) {
	db, err := OpenBadger(BadgerConfig{InMemory: true})
	require.NoError(t, err)
	defer db.Close()
	portContract(t, db)
}

func TestBadger_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	db, err := OpenBadger(DefaultBadgerConfig(dir))
	require.NoError(t, err)
	require.NoError(t, db.Set("aiChat.session.a.messages", []byte(`[]`)))
	require.NoError(t, db.Set("aiChat.session.b.messages", []byte(`[]`)))
	require.NoError(t, db.Set("memory.userId", []byte(`"user-1"`)))
	require.NoError(t, db.Close())
	require.NoError(t, db.Close(), "second close is a no-op")

	db, err = OpenBadger(DefaultBadgerConfig(dir))
	require.NoError(t, err)
	defer db.Close()

	keys, err := db.Keys("aiChat.session.")
	require.NoError(t, err)
	assert.Equal(t, []string{"aiChat.session.a.messages", "aiChat.session.b.messages"}, keys)
}

func TestOpenBadger_RequiresPath(t *testing.T) {
	_, err := OpenBadger(BadgerConfig{})
	assert.Error(t, err)
}

func TestMemory_WritesAndFailures(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Set("a", []byte("1")))
	require.NoError(t, m.Set("a", []byte("2")))
	assert.Equal(t, 2, m.Writes("a"))
	assert.Equal(t, 0, m.Writes("b"))

	boom := errors.New("quota exceeded")
	m.FailWrites(boom)
	assert.ErrorIs(t, m.Set("a", []byte("3")), boom)
	assert.Equal(t, 2, m.Writes("a"), "failed writes are not counted")
	m.FailWrites(nil)

	m.FailReads(boom)
	_, err := m.Get("a")
	assert.ErrorIs(t, err, boom)
}

func TestNamespaced(t *testing.T) {
	m := NewMemory()
	ns := WithPrefix(m, "aiChat.")
	require.NoError(t, ns.Set("currentSession", []byte(`"s1"`)))

	assert.Equal(t, []string{"aiChat.currentSession"}, m.Keys(""))
	got, err := ns.Get("currentSession")
	require.NoError(t, err)
	assert.Equal(t, `"s1"`, string(got))
}

func TestJSONHelpers_CorruptDegrades(t *testing.T) {
	m := NewMemory()
	var out []string

	ok, err := GetJSON(m, "absent", &out)
	assert.False(t, ok)
	assert.NoError(t, err)

	require.NoError(t, m.Set("bad", []byte("{not json")))
	ok, err = GetJSON(m, "bad", &out)
	assert.False(t, ok)
	assert.Error(t, err)

	require.NoError(t, SetJSON(m, "good", []string{"x"}))
	ok, err = GetJSON(m, "good", &out)
	assert.True(t, ok)
	assert.NoError(t, err)
	assert.Equal(t, []string{"x"}, out)
}
