// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package tank

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/lattice/pkg/graph"
	"github.com/AleutianAI/lattice/pkg/logging"
)

// stubProvider embeds text as a fixed-dimension bag of byte counts.
type stubProvider struct {
	fail bool
}

func (p *stubProvider) Embed(_ context.Context, text string) ([]float32, error) {
	if p.fail {
		return nil, errors.New("provider down")
	}
	v := make([]float32, 8)
	for i := 0; i < len(text); i++ {
		v[int(text[i])%8]++
	}
	v[0]++ // never zero-norm
	return v, nil
}

func newTestTank(t *testing.T) *Tank {
	t.Helper()
	tk, err := Open(Config{
		Storage:  InMemoryStorageConfig(),
		Provider: &stubProvider{},
		Logger:   logging.New(logging.Config{Quiet: true}),
	})
	require.NoError(t, err)
	t.Cleanup(func() { tk.Close() })
	return tk
}

func twoBlockDoc() (string, graph.DocumentStructure) {
	first := "Module X depends on Library Y. "
	second := "Library Y requires Go 1.22.\n"
	text := first + second
	return text, graph.DocumentStructure{
		Cuts:             []int{len(first), len(text)},
		ValidationQuotes: []string{"Library Y. ", "Go 1.22.\n"},
		Relations:        []graph.Relation{graph.Imp},
	}
}

func TestIngestConservationRoundTrip(t *testing.T) {
	tk := newTestTank(t)
	text, structure := twoBlockDoc()

	n, err := tk.Ingest(context.Background(), "doc.md", text, structure)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Concatenating stored blocks in order reproduces the text exactly.
	blocks := tk.BlocksBySource("doc.md")
	require.Len(t, blocks, 2)
	var joined string
	for _, b := range blocks {
		joined += b.Content
	}
	assert.Equal(t, text, joined)

	// Anchor ORIGIN edge plus one IMP boundary edge.
	anchorOut := tk.Neighbors(AnchorID("doc.md"))
	require.Len(t, anchorOut, 1)
	assert.Equal(t, graph.Origin, anchorOut[0].Relation)
	assert.Equal(t, blocks[0].ID, anchorOut[0].Target)

	boundary := tk.Neighbors(blocks[0].ID)
	require.Len(t, boundary, 1)
	assert.Equal(t, graph.Imp, boundary[0].Relation)
	assert.Equal(t, blocks[1].ID, boundary[0].Target)

	// Embeddings were indexed synchronously.
	_, ok := tk.Index().Get(blocks[0].ID)
	assert.True(t, ok)
}

func TestIngestRejectionLeavesStoreUnchanged(t *testing.T) {
	tk := newTestTank(t)
	text, structure := twoBlockDoc()
	structure.ValidationQuotes[1] = "Go 1.23.\n" // wrong tail

	before := len(tk.Blocks())
	_, err := tk.Ingest(context.Background(), "doc.md", text, structure)
	require.Error(t, err)
	var ie *graph.IngestionError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, 1, ie.Cut)

	assert.Len(t, tk.Blocks(), before)
	assert.Empty(t, tk.Edges())
	assert.Equal(t, 0, tk.Index().Len())
	assert.False(t, tk.HasSource("doc.md"))
}

func TestIngestProviderFailureLeavesStoreUnchanged(t *testing.T) {
	tk, err := Open(Config{
		Storage:  InMemoryStorageConfig(),
		Provider: &stubProvider{fail: true},
		Logger:   logging.New(logging.Config{Quiet: true}),
	})
	require.NoError(t, err)
	defer tk.Close()

	text, structure := twoBlockDoc()
	_, err = tk.Ingest(context.Background(), "doc.md", text, structure)
	require.Error(t, err)
	assert.Empty(t, tk.Blocks())
	assert.Empty(t, tk.Edges())
}

func TestIngestDuplicateSourceRejected(t *testing.T) {
	tk := newTestTank(t)
	text, structure := twoBlockDoc()

	_, err := tk.Ingest(context.Background(), "doc.md", text, structure)
	require.NoError(t, err)

	_, err = tk.Ingest(context.Background(), "doc.md", text, structure)
	require.Error(t, err)
	var ve *graph.ValidationError
	assert.True(t, errors.As(err, &ve))
}

func TestIngestSymbols(t *testing.T) {
	tk := newTestTank(t)
	text, structure := twoBlockDoc()
	structure.Symbols = []graph.Symbol{
		{Block: 1, Target: "feedbeeffeedbeeffeedbeeffeedbeef", Relation: graph.Equals},
	}

	_, err := tk.Ingest(context.Background(), "doc.md", text, structure)
	require.NoError(t, err)

	blocks := tk.BlocksBySource("doc.md")
	out := tk.Neighbors(blocks[1].ID)
	require.Len(t, out, 1)
	assert.Equal(t, graph.Equals, out[0].Relation)
	assert.Equal(t, "feedbeeffeedbeeffeedbeeffeedbeef", out[0].Target)
}

func TestIngestCutsShorthand(t *testing.T) {
	tk := newTestTank(t)
	text := "aaaa bbbb cccc"

	n, err := tk.IngestCuts(context.Background(), "notes.txt", text, []int{5, 10, 14})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	blocks := tk.BlocksBySource("notes.txt")
	require.Len(t, blocks, 3)
	// Boundaries default to IMP.
	out := tk.Neighbors(blocks[0].ID)
	require.Len(t, out, 1)
	assert.Equal(t, graph.Imp, out[0].Relation)

	// Conservation still enforced.
	_, err = tk.IngestCuts(context.Background(), "bad.txt", text, []int{5, 10})
	require.Error(t, err)
	var ie *graph.IngestionError
	assert.True(t, errors.As(err, &ie))
}

func TestForgetCompletenessAndIdempotence(t *testing.T) {
	tk := newTestTank(t)
	text, structure := twoBlockDoc()
	otherText := "unrelated fact one. unrelated fact two."

	_, err := tk.Ingest(context.Background(), "doc.md", text, structure)
	require.NoError(t, err)
	_, err = tk.IngestCuts(context.Background(), "other.md", otherText, []int{20, len(otherText)})
	require.NoError(t, err)

	n, err := tk.Forget(context.Background(), "doc.md")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Nothing of doc.md survives: blocks, edges, vectors, energy.
	assert.False(t, tk.HasSource("doc.md"))
	for _, e := range tk.Edges() {
		assert.NotEqual(t, "doc.md", e.Prov.Doc)
	}
	assert.Equal(t, 2, tk.Index().Len(), "other.md vectors remain")
	assert.Zero(t, tk.Energy(AnchorID("doc.md")))

	// other.md untouched.
	assert.Len(t, tk.BlocksBySource("other.md"), 2)

	// Repeat forget is a no-op.
	n, err = tk.Forget(context.Background(), "doc.md")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestAddEdgeReplacesAndTracksEnergy(t *testing.T) {
	tk := newTestTank(t)
	ctx := context.Background()

	e := graph.Edge{Source: "a", Target: "b", Relation: graph.Omega, Weight: 0.5, Ring: graph.RingEta}
	require.NoError(t, tk.AddEdge(ctx, e))
	assert.InDelta(t, 0.5, tk.Energy("a"), 1e-9)
	assert.InDelta(t, 0.5, tk.Energy("b"), 1e-9)
	assert.True(t, tk.HasEdge(e))

	// Same bond id replaces, energy reflects the new weight only.
	e.Weight = -0.9
	require.NoError(t, tk.AddEdge(ctx, e))
	require.Len(t, tk.Edges(), 1)
	assert.InDelta(t, 0.9, tk.Energy("a"), 1e-9)
	assert.InDelta(t, -0.9, tk.Edges()[0].Weight, 1e-9)
}

func TestReopenRebuildsView(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		Storage:  DefaultStorageConfig(dir),
		Provider: &stubProvider{},
		Logger:   logging.New(logging.Config{Quiet: true}),
	}
	cfg.Storage.SyncWrites = false
	cfg.Storage.GCInterval = 0

	tk, err := Open(cfg)
	require.NoError(t, err)
	text, structure := twoBlockDoc()
	_, err = tk.Ingest(context.Background(), "doc.md", text, structure)
	require.NoError(t, err)
	wantEdges := tk.Edges()
	require.NoError(t, tk.Close())

	tk2, err := Open(cfg)
	require.NoError(t, err)
	defer tk2.Close()

	assert.Equal(t, wantEdges, tk2.Edges())
	blocks := tk2.BlocksBySource("doc.md")
	require.Len(t, blocks, 2)
	assert.Equal(t, 0, blocks[0].Seq)
	assert.Equal(t, 1, blocks[1].Seq)
	assert.Equal(t, 2, tk2.Index().Len())
	assert.InDelta(t, tk.Energy(blocks[0].ID), tk2.Energy(blocks[0].ID), 1e-9)
}

func TestBlockLookup(t *testing.T) {
	tk := newTestTank(t)
	text, structure := twoBlockDoc()
	_, err := tk.Ingest(context.Background(), "doc.md", text, structure)
	require.NoError(t, err)

	blocks := tk.BlocksBySource("doc.md")
	got, err := tk.Block(blocks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, blocks[0], got)

	_, err = tk.Block("0000000000000000000000000000dead")
	assert.ErrorIs(t, err, graph.ErrNotFound)
}
