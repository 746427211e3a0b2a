// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package overlay

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/lattice/pkg/graph"
	"github.com/AleutianAI/lattice/pkg/identity"
	"github.com/AleutianAI/lattice/pkg/logging"
)

func writeOverlay(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0640))
	return path
}

func quiet() *logging.Logger {
	return logging.New(logging.Config{Quiet: true})
}

func TestLoadSkipsBlanksCommentsAndMalformed(t *testing.T) {
	path := writeOverlay(t, t.TempDir(), "facts.ndjson", `# local facts

{"op":"add","src":"cat","tgt":"mammal","w":0.9,"doc":"zoo.md"}
not json at all
{"op":"add","src":"cat"}
{"op":"def","node":"cat","label":"Felis catus"}
`)
	entries, skipped, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.Equal(t, 2, skipped, "garbage line and add without tgt")
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	entries, skipped, err := Load(filepath.Join(t.TempDir(), "absent.ndjson"))
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Zero(t, skipped)
}

func TestAppendValidatesAndRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "facts.ndjson")

	err := Append(path, Entry{Op: OpAdd, Src: "cat"})
	require.Error(t, err)
	var ve *graph.ValidationError
	assert.ErrorAs(t, err, &ve)

	err = Append(path, Entry{Op: "freeze", Src: "a", Tgt: "b"})
	require.Error(t, err)

	require.NoError(t, Append(path, Entry{Op: OpAdd, Src: "cat", Tgt: "mammal", W: 0.9, Doc: "zoo.md"}))
	require.NoError(t, Append(path, Entry{Op: OpSub, Src: "cat", Tgt: "dog", Reason: "not related"}))

	entries, skipped, err := Load(path)
	require.NoError(t, err)
	assert.Zero(t, skipped)
	require.Len(t, entries, 2)
	assert.Equal(t, "zoo.md", entries[0].Doc)
	assert.Equal(t, OpSub, entries[1].Op)
}

func TestLatestOpWinsWithinOneFile(t *testing.T) {
	g := NewGraph()
	g.Apply(Entry{Op: OpAdd, Src: "cat", Tgt: "mammal", W: 0.9})
	g.Apply(Entry{Op: OpSub, Src: "cat", Tgt: "mammal"})
	assert.True(t, g.IsSuppressed("cat", "mammal"))
	assert.Empty(t, g.Neighbors("cat"))

	// A later add resurrects the pair.
	g.Apply(Entry{Op: OpAdd, Src: "mammal", Tgt: "cat", W: 0.4})
	assert.False(t, g.IsSuppressed("cat", "mammal"))
	w, _, ok := g.Override("cat", "mammal")
	require.True(t, ok)
	assert.InDelta(t, 0.4, w, 1e-9, "pair is unordered, direction does not matter")
}

func TestCascadeLaterFilesOverrideEarlier(t *testing.T) {
	dir := t.TempDir()
	system := writeOverlay(t, dir, "system.ndjson", `{"op":"add","src":"cat","tgt":"mammal","w":0.5}
{"op":"def","node":"cat","label":"system cat"}
`)
	user := writeOverlay(t, dir, "user.ndjson", `{"op":"add","src":"cat","tgt":"mammal","w":0.95}
{"op":"def","node":"cat","label":"my cat"}
`)

	g, skipped, err := LoadCascade(system, user)
	require.NoError(t, err)
	assert.Zero(t, skipped)

	w, _, ok := g.Override("cat", "mammal")
	require.True(t, ok)
	assert.InDelta(t, 0.95, w, 1e-9)

	label, ok := g.Label("cat")
	require.True(t, ok)
	assert.Equal(t, "my cat", label)
}

func TestNeighborsCanonicalOrder(t *testing.T) {
	g := NewGraph()
	g.Apply(Entry{Op: OpAdd, Src: "hub", Tgt: "weak", W: 0.2})
	g.Apply(Entry{Op: OpAdd, Src: "hub", Tgt: "strong", W: -0.9})
	g.Apply(Entry{Op: OpAdd, Src: "hub", Tgt: "mid", W: 0.5, Doc: "notes.md"})
	g.Apply(Entry{Op: OpSub, Src: "hub", Tgt: "hidden"})

	nbrs := g.Neighbors("hub")
	require.Len(t, nbrs, 3, "suppressed pair is not a neighbor")
	assert.Equal(t, identity.Hash8Hex("strong"), nbrs[0].Addr)
	assert.InDelta(t, -0.9, nbrs[0].Weight, 1e-9)
	assert.Equal(t, identity.Hash8Hex("mid"), nbrs[1].Addr)
	assert.Equal(t, "notes.md", nbrs[1].Doc)
	assert.Equal(t, identity.Hash8Hex("weak"), nbrs[2].Addr)
}

func TestAddressPassthrough(t *testing.T) {
	g := NewGraph()
	addr := identity.Hash8Hex("cat")
	g.Apply(Entry{Op: OpDef, Node: addr, Label: "by address"})

	// The same node reached by label resolves to the same entry.
	label, ok := g.Label("cat")
	require.True(t, ok)
	assert.Equal(t, "by address", label)
}

func TestWatcherReloadsOnAppend(t *testing.T) {
	dir := t.TempDir()
	path := writeOverlay(t, dir, "facts.ndjson", `{"op":"add","src":"cat","tgt":"mammal","w":0.5}
`)

	w, err := NewWatcher([]string{path}, quiet(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { w.Stop() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go w.Start(ctx)

	assert.Equal(t, 1, w.Graph().Len())

	require.NoError(t, Append(path, Entry{Op: OpSub, Src: "cat", Tgt: "mammal"}))
	assert.Eventually(t, func() bool {
		return w.Graph().IsSuppressed("cat", "mammal")
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWatcherSurvivesAtomicReplace(t *testing.T) {
	dir := t.TempDir()
	path := writeOverlay(t, dir, "facts.ndjson", `{"op":"def","node":"cat","label":"old"}
`)

	w, err := NewWatcher([]string{path}, quiet(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { w.Stop() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go w.Start(ctx)

	// Rename over the path, the way editors and snapshot writers do.
	tmp := writeOverlay(t, dir, "facts.ndjson.new", `{"op":"def","node":"cat","label":"new"}
`)
	require.NoError(t, os.Rename(tmp, path))

	assert.Eventually(t, func() bool {
		label, ok := w.Graph().Label("cat")
		return ok && label == "new"
	}, 5*time.Second, 10*time.Millisecond)
}
