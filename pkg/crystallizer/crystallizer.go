// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package crystallizer synthesizes similarity edges between blocks.
//
// Two modes exist. Threshold mode compares every unordered pair of embedded
// blocks and links those with cosine similarity at or above a fixed
// threshold. Approximate mode buckets blocks with seeded locality-sensitive
// hashing, compares only within buckets, keeps the top-k neighbors per
// block, and accepts pairs above an adaptive cutoff derived from a
// deterministic similarity sample.
//
// Both modes are bit-identical across runs and platforms for the same
// store contents and parameters: candidate generation is seeded, similarity
// accumulates in float64, and results are sorted by (source, target) before
// insertion. Re-running after an interruption is safe because insertion
// dedups on bond id.
package crystallizer

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/lattice/pkg/graph"
	"github.com/AleutianAI/lattice/pkg/logging"
	"github.com/AleutianAI/lattice/pkg/tank"
	"github.com/AleutianAI/lattice/pkg/vector"
)

// Mode selects the candidate generation strategy.
type Mode int

const (
	// ModeThreshold compares all unordered pairs against a fixed threshold.
	ModeThreshold Mode = iota
	// ModeApproximate uses seeded LSH buckets and an adaptive cutoff.
	ModeApproximate
)

func (m Mode) String() string {
	switch m {
	case ModeThreshold:
		return "threshold"
	case ModeApproximate:
		return "approximate"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode resolves a CLI/config string to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "threshold":
		return ModeThreshold, nil
	case "approximate":
		return ModeApproximate, nil
	default:
		return 0, &graph.ValidationError{Field: "mode", Reason: fmt.Sprintf("unknown mode %q", s)}
	}
}

// Params configures one crystallization run.
type Params struct {
	Mode Mode

	// Threshold is the fixed acceptance similarity for ModeThreshold.
	Threshold float64

	// TopK bounds neighbors kept per block in ModeApproximate.
	// Default 8.
	TopK int

	// K is the sigma multiplier for the adaptive cutoff mean + K*stddev.
	// Default 2.
	K float64

	// Seed drives hyperplane generation in ModeApproximate. The same seed
	// over the same store yields the same buckets.
	Seed uint64

	// Workers bounds parallel chunk processing. Default: GOMAXPROCS.
	Workers int
}

// Calibration records how the adaptive cutoff of an approximate run was
// derived. Threshold runs report the fixed threshold with zero sample.
type Calibration struct {
	SampleSize int     `json:"sample_size"`
	Mean       float64 `json:"mean"`
	StdDev     float64 `json:"std_dev"`
	K          float64 `json:"k"`
	Cutoff     float64 `json:"cutoff"`
}

// Result reports one run.
type Result struct {
	EdgesAdded  int
	Candidates  int
	Calibration Calibration
}

// fallbackCutoff is used when the store is too small to calibrate.
const fallbackCutoff = 0.8

// lshBits is the signature width; 16 planes keeps buckets coarse enough for
// recall at the store sizes the engine targets.
const lshBits = 16

// Crystallizer runs edge synthesis over a Tank.
type Crystallizer struct {
	tank *tank.Tank
	log  *logging.Logger
}

// New returns a Crystallizer over tk.
func New(tk *tank.Tank, log *logging.Logger) *Crystallizer {
	if log == nil {
		log = logging.Default()
	}
	return &Crystallizer{tank: tk, log: log}
}

// pair is an unordered candidate with src < tgt.
type pair struct {
	src, tgt string
	sim      float64
}

// Crystallize runs one pass and persists accepted edges as OMEGA links at
// ring ETA with weight equal to the similarity. Existing bonds are left
// untouched, so interrupted runs resume cleanly.
func (c *Crystallizer) Crystallize(ctx context.Context, p Params) (Result, error) {
	if p.TopK <= 0 {
		p.TopK = 8
	}
	if p.K <= 0 {
		p.K = 2
	}
	if p.Workers <= 0 {
		p.Workers = runtime.GOMAXPROCS(0)
	}

	snap := c.tank.Index().Snapshot()
	ids := make([]string, 0, len(snap))
	for id := range snap {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var (
		pairs []pair
		cal   Calibration
		err   error
	)
	switch p.Mode {
	case ModeThreshold:
		cal = Calibration{K: p.K, Cutoff: p.Threshold}
		pairs, err = c.allPairs(ctx, ids, snap, p)
	case ModeApproximate:
		cal = c.calibrate(ids, snap, p.K)
		pairs, err = c.lshPairs(ctx, ids, snap, p, cal.Cutoff)
	default:
		return Result{}, &graph.ValidationError{Field: "mode", Reason: p.Mode.String()}
	}
	if err != nil {
		return Result{}, err
	}

	// Canonical insertion order.
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].src != pairs[j].src {
			return pairs[i].src < pairs[j].src
		}
		return pairs[i].tgt < pairs[j].tgt
	})

	edges := make([]graph.Edge, 0, len(pairs))
	for _, pr := range pairs {
		e := graph.Edge{
			Source:   pr.src,
			Target:   pr.tgt,
			Relation: graph.Omega,
			Weight:   pr.sim,
			Ring:     graph.RingEta,
		}
		if c.tank.HasEdge(e) {
			continue
		}
		edges = append(edges, e)
	}
	if err := c.tank.AddEdges(ctx, edges); err != nil {
		return Result{}, err
	}

	c.log.Info("crystallized",
		"mode", p.Mode.String(),
		"candidates", len(pairs),
		"added", len(edges),
		"cutoff", cal.Cutoff,
	)
	return Result{EdgesAdded: len(edges), Candidates: len(pairs), Calibration: cal}, nil
}

// allPairs compares every unordered pair, chunked over the first index with
// bounded workers. Cancellation is honored between chunks.
func (c *Crystallizer) allPairs(ctx context.Context, ids []string, snap map[string][]float32, p Params) ([]pair, error) {
	n := len(ids)
	if n < 2 {
		return nil, nil
	}
	chunk := (n + p.Workers - 1) / p.Workers
	numChunks := (n + chunk - 1) / chunk

	results := make([][]pair, numChunks)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.Workers)
	for ci := 0; ci < numChunks; ci++ {
		ci := ci
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			lo, hi := ci*chunk, (ci+1)*chunk
			if hi > n {
				hi = n
			}
			var out []pair
			for i := lo; i < hi; i++ {
				for j := i + 1; j < n; j++ {
					sim, err := vector.Cosine(snap[ids[i]], snap[ids[j]])
					if err != nil {
						c.log.Warn("skipping malformed embedding pair",
							"src", ids[i], "tgt", ids[j], "error", err)
						continue
					}
					if sim >= p.Threshold {
						out = append(out, pair{src: ids[i], tgt: ids[j], sim: sim})
					}
				}
			}
			results[ci] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var pairs []pair
	for _, r := range results {
		pairs = append(pairs, r...)
	}
	return pairs, nil
}

// lshPairs buckets blocks by seeded hyperplane signature, compares within
// buckets, keeps top-k per block, and filters by cutoff.
func (c *Crystallizer) lshPairs(ctx context.Context, ids []string, snap map[string][]float32, p Params, cutoff float64) ([]pair, error) {
	n := len(ids)
	if n < 2 {
		return nil, nil
	}
	dims := 0
	for _, id := range ids {
		if len(snap[id]) > 0 {
			dims = len(snap[id])
			break
		}
	}
	if dims == 0 {
		return nil, nil
	}

	planes := hyperplanes(p.Seed, lshBits, dims)
	buckets := make(map[uint32][]int)
	for i, id := range ids {
		v := snap[id]
		if len(v) != dims {
			c.log.Warn("skipping malformed embedding", "block", id,
				"dims", len(v), "want", dims)
			continue
		}
		sig := signature(v, planes)
		buckets[sig] = append(buckets[sig], i)
	}

	// Per-block candidate lists from bucket peers.
	type cand struct {
		other int
		sim   float64
	}
	perBlock := make(map[int][]cand)
	sigs := make([]uint32, 0, len(buckets))
	for s := range buckets {
		sigs = append(sigs, s)
	}
	sort.Slice(sigs, func(i, j int) bool { return sigs[i] < sigs[j] })

	for _, s := range sigs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		members := buckets[s]
		for a := 0; a < len(members); a++ {
			for b := a + 1; b < len(members); b++ {
				i, j := members[a], members[b]
				sim, err := vector.Cosine(snap[ids[i]], snap[ids[j]])
				if err != nil {
					continue
				}
				if sim < cutoff {
					continue
				}
				perBlock[i] = append(perBlock[i], cand{other: j, sim: sim})
				perBlock[j] = append(perBlock[j], cand{other: i, sim: sim})
			}
		}
	}

	// Top-k per block, then union of surviving unordered pairs.
	accepted := make(map[[2]int]float64)
	blockIdx := make([]int, 0, len(perBlock))
	for i := range perBlock {
		blockIdx = append(blockIdx, i)
	}
	sort.Ints(blockIdx)
	for _, i := range blockIdx {
		cands := perBlock[i]
		sort.Slice(cands, func(a, b int) bool {
			if cands[a].sim != cands[b].sim {
				return cands[a].sim > cands[b].sim
			}
			return ids[cands[a].other] < ids[cands[b].other]
		})
		if len(cands) > p.TopK {
			cands = cands[:p.TopK]
		}
		for _, cd := range cands {
			key := [2]int{i, cd.other}
			if key[0] > key[1] {
				key[0], key[1] = key[1], key[0]
			}
			accepted[key] = cd.sim
		}
	}

	pairs := make([]pair, 0, len(accepted))
	for key, sim := range accepted {
		pairs = append(pairs, pair{src: ids[key[0]], tgt: ids[key[1]], sim: sim})
	}
	return pairs, nil
}

// calibrate derives the adaptive cutoff mean + K*stddev from a deterministic
// sample of pairwise similarities.
func (c *Crystallizer) calibrate(ids []string, snap map[string][]float32, k float64) Calibration {
	const maxSample = 512
	n := len(ids)
	cal := Calibration{K: k, Cutoff: fallbackCutoff}
	if n < 4 {
		return cal
	}
	stride := n / maxSample
	if stride < 1 {
		stride = 1
	}
	var sims []float64
	for i := 0; i < n && len(sims) < maxSample; i += stride {
		j := (i + n/2) % n
		if i == j {
			continue
		}
		sim, err := vector.Cosine(snap[ids[i]], snap[ids[j]])
		if err != nil {
			continue
		}
		sims = append(sims, sim)
	}
	if len(sims) < 2 {
		return cal
	}
	var mean float64
	for _, s := range sims {
		mean += s
	}
	mean /= float64(len(sims))
	var variance float64
	for _, s := range sims {
		d := s - mean
		variance += d * d
	}
	variance /= float64(len(sims))
	std := math.Sqrt(variance)

	cal.SampleSize = len(sims)
	cal.Mean = mean
	cal.StdDev = std
	cal.Cutoff = math.Min(mean+k*std, 0.999)
	return cal
}
