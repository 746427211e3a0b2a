// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package crystallizer

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/lattice/pkg/graph"
	"github.com/AleutianAI/lattice/pkg/logging"
	"github.com/AleutianAI/lattice/pkg/tank"
)

func newTestTank(t *testing.T) *tank.Tank {
	t.Helper()
	tk, err := tank.Open(tank.Config{
		Storage: tank.InMemoryStorageConfig(),
		Logger:  logging.New(logging.Config{Quiet: true}),
	})
	require.NoError(t, err)
	t.Cleanup(func() { tk.Close() })
	return tk
}

func TestThresholdModeLinksSimilarBlocks(t *testing.T) {
	tk := newTestTank(t)
	// a and b nearly parallel, c orthogonal.
	require.NoError(t, tk.Index().Put("aaa", []float32{1, 0, 0}))
	require.NoError(t, tk.Index().Put("bbb", []float32{0.99, 0.01, 0}))
	require.NoError(t, tk.Index().Put("ccc", []float32{0, 0, 1}))

	c := New(tk, logging.New(logging.Config{Quiet: true}))
	res, err := c.Crystallize(context.Background(), Params{Mode: ModeThreshold, Threshold: 0.9})
	require.NoError(t, err)
	assert.Equal(t, 1, res.EdgesAdded)

	edges := tk.Edges()
	require.Len(t, edges, 1)
	assert.Equal(t, "aaa", edges[0].Source)
	assert.Equal(t, "bbb", edges[0].Target)
	assert.Equal(t, graph.Omega, edges[0].Relation)
	assert.Equal(t, graph.RingEta, edges[0].Ring)
	assert.Greater(t, edges[0].Weight, 0.9)
}

func TestThresholdModeIdempotent(t *testing.T) {
	tk := newTestTank(t)
	require.NoError(t, tk.Index().Put("aaa", []float32{1, 0}))
	require.NoError(t, tk.Index().Put("bbb", []float32{1, 0.01}))

	c := New(tk, logging.New(logging.Config{Quiet: true}))
	p := Params{Mode: ModeThreshold, Threshold: 0.5}

	res1, err := c.Crystallize(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, 1, res1.EdgesAdded)

	res2, err := c.Crystallize(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, 0, res2.EdgesAdded, "existing bonds are not re-added")
	assert.Len(t, tk.Edges(), 1)
}

func TestThresholdSkipsMalformedEmbeddings(t *testing.T) {
	tk := newTestTank(t)
	require.NoError(t, tk.Index().Put("good1", []float32{1, 0}))
	require.NoError(t, tk.Index().Put("good2", []float32{1, 0.05}))
	require.NoError(t, tk.Index().Put("short", []float32{1}))

	c := New(tk, logging.New(logging.Config{Quiet: true}))
	res, err := c.Crystallize(context.Background(), Params{Mode: ModeThreshold, Threshold: 0.5})
	require.NoError(t, err)
	assert.Equal(t, 1, res.EdgesAdded, "malformed pair skipped, run not fatal")
}

// clusteredVectors builds two tight clusters around orthogonal axes.
func clusteredVectors(tk *tank.Tank, t *testing.T, perCluster int) {
	t.Helper()
	for i := 0; i < perCluster; i++ {
		jitter := float32(i) * 0.001
		require.NoError(t, tk.Index().Put(fmt.Sprintf("x%03d", i),
			[]float32{1, jitter, 0, 0}))
		require.NoError(t, tk.Index().Put(fmt.Sprintf("y%03d", i),
			[]float32{0, 0, 1, jitter}))
	}
}

func TestApproximateModeDeterministic(t *testing.T) {
	run := func() []graph.Edge {
		tk := newTestTank(t)
		clusteredVectors(tk, t, 10)
		c := New(tk, logging.New(logging.Config{Quiet: true}))
		res, err := c.Crystallize(context.Background(), Params{
			Mode: ModeApproximate,
			TopK: 4,
			K:    1,
			Seed: 42,
		})
		require.NoError(t, err)
		require.NotZero(t, res.EdgesAdded)
		return tk.Edges()
	}

	first := run()
	second := run()
	assert.Equal(t, first, second, "same seed and store yield identical output")
}

func TestApproximateModeSeparatesClusters(t *testing.T) {
	tk := newTestTank(t)
	clusteredVectors(tk, t, 10)

	c := New(tk, logging.New(logging.Config{Quiet: true}))
	res, err := c.Crystallize(context.Background(), Params{
		Mode: ModeApproximate,
		TopK: 4,
		K:    1,
		Seed: 7,
	})
	require.NoError(t, err)
	require.NotZero(t, res.EdgesAdded)

	// No cross-cluster edges: x blocks never link to y blocks.
	for _, e := range tk.Edges() {
		assert.Equal(t, e.Source[0], e.Target[0],
			"edge %s -> %s crosses clusters", e.Source, e.Target)
	}

	cal := res.Calibration
	assert.NotZero(t, cal.SampleSize)
	assert.InDelta(t, cal.Mean+cal.K*cal.StdDev, cal.Cutoff, 1e-9)
	assert.LessOrEqual(t, cal.Cutoff, 0.999)
}

func TestCalibrationFallbackOnTinyStore(t *testing.T) {
	tk := newTestTank(t)
	require.NoError(t, tk.Index().Put("a", []float32{1, 0}))
	require.NoError(t, tk.Index().Put("b", []float32{0, 1}))

	c := New(tk, logging.New(logging.Config{Quiet: true}))
	cal := c.calibrate(tk.Index().IDs(), tk.Index().Snapshot(), 2)
	assert.Zero(t, cal.SampleSize)
	assert.InDelta(t, fallbackCutoff, cal.Cutoff, 1e-9)
}

func TestCancellationBetweenChunks(t *testing.T) {
	tk := newTestTank(t)
	clusteredVectors(tk, t, 10)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := New(tk, logging.New(logging.Config{Quiet: true}))
	_, err := c.Crystallize(ctx, Params{Mode: ModeThreshold, Threshold: 0.5})
	assert.Error(t, err)
	assert.Empty(t, tk.Edges(), "cancelled run writes nothing")
}

func TestHyperplanesSeeded(t *testing.T) {
	p1 := hyperplanes(1, 8, 4)
	p2 := hyperplanes(1, 8, 4)
	p3 := hyperplanes(2, 8, 4)
	assert.Equal(t, p1, p2)
	assert.NotEqual(t, p1, p3)

	for _, plane := range p1 {
		for _, c := range plane {
			assert.GreaterOrEqual(t, c, -1.0)
			assert.Less(t, c, 1.0)
		}
	}
}

func TestSignatureParallelVectorsCollide(t *testing.T) {
	planes := hyperplanes(99, lshBits, 3)
	a := signature([]float32{1, 0, 0}, planes)
	b := signature([]float32{2, 0, 0}, planes)
	assert.Equal(t, a, b, "scaling does not change the bucket")
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("threshold")
	require.NoError(t, err)
	assert.Equal(t, ModeThreshold, m)

	m, err = ParseMode("approximate")
	require.NoError(t, err)
	assert.Equal(t, ModeApproximate, m)

	_, err = ParseMode("hnsw")
	assert.Error(t, err)
}

func TestCutoffCapped(t *testing.T) {
	// Identical vectors give mean 1, std 0; cutoff must stay below 1.
	tk := newTestTank(t)
	for i := 0; i < 8; i++ {
		require.NoError(t, tk.Index().Put(fmt.Sprintf("v%d", i), []float32{1, 1}))
	}
	c := New(tk, logging.New(logging.Config{Quiet: true}))
	cal := c.calibrate(tk.Index().IDs(), tk.Index().Snapshot(), 3)
	assert.False(t, math.IsNaN(cal.Cutoff))
	assert.LessOrEqual(t, cal.Cutoff, 0.999)
}
