// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package inference implements the fixpoint reactor.
//
// Evolve repeatedly applies three rules over an immutable per-pass snapshot
// of the edge set, writing derivations at ring LAMBDA:
//
//	transitivity: A -R-> B, B -R-> C  =>  A -R-> C   (R transitive)
//	substitution: A =EQUALS= B, A -R-> X  =>  B -R-> X (and from B to A)
//	inheritance:  A -IS_A-> B, B -R-> C  =>  A -R-> C  (R inheritable)
//
// Relation properties are themselves graph facts: an ALPHA edge
// REL -HAS_PROP-> TRANSITIVE (or INHERITABLE) marks the relation named REL.
// IMP and IS_A are transitive and HAS_PROP is inheritable without any meta
// edge, mirroring the engine's bootstrap physics.
//
// The loop stops when a pass derives nothing new, or after MaxPasses on
// cyclic graphs. Derived weight is min(w1, w2) * Decay, so confidence decays
// along derivation chains. Nodes whose accumulated energy sits more than
// NoiseK standard deviations above the mean are treated as topological noise
// and never used as a derivation endpoint.
package inference

import (
	"context"
	"fmt"
	"math"

	"github.com/AleutianAI/lattice/pkg/graph"
	"github.com/AleutianAI/lattice/pkg/logging"
	"github.com/AleutianAI/lattice/pkg/tank"
)

// Property node labels for relation meta-physics.
const (
	PropTransitive  = "TRANSITIVE"
	PropInheritable = "INHERITABLE"
)

// MetaTransitive returns the ALPHA fact marking rel as transitive.
func MetaTransitive(rel graph.Relation) graph.Edge {
	return graph.Edge{
		Source:   rel.String(),
		Target:   PropTransitive,
		Relation: graph.HasProp,
		Weight:   1.0,
		Ring:     graph.RingAlpha,
	}
}

// MetaInheritable returns the ALPHA fact marking rel as inheritable.
func MetaInheritable(rel graph.Relation) graph.Edge {
	return graph.Edge{
		Source:   rel.String(),
		Target:   PropInheritable,
		Relation: graph.HasProp,
		Weight:   1.0,
		Ring:     graph.RingAlpha,
	}
}

// Params configures a Reactor.
type Params struct {
	// MaxPasses bounds the fixpoint loop on cyclic graphs. Default 16.
	MaxPasses int

	// Decay scales derived weights per derivation step. Default 0.9.
	Decay float64

	// NoiseK is the sigma multiplier of the noise shield. Default 3.
	NoiseK float64
}

// Reactor derives LAMBDA edges over a Tank.
type Reactor struct {
	tank   *tank.Tank
	log    *logging.Logger
	params Params
}

// New returns a Reactor with defaults applied.
func New(tk *tank.Tank, log *logging.Logger, params Params) *Reactor {
	if log == nil {
		log = logging.Default()
	}
	if params.MaxPasses <= 0 {
		params.MaxPasses = 16
	}
	if params.Decay <= 0 || params.Decay > 1 {
		params.Decay = 0.9
	}
	if params.NoiseK <= 0 {
		params.NoiseK = 3
	}
	return &Reactor{tank: tk, log: log, params: params}
}

// Evolve runs the fixpoint loop and returns the number of edges added.
// A second call with no intervening writes returns 0.
func (r *Reactor) Evolve(ctx context.Context) (int, error) {
	total := 0
	for pass := 1; pass <= r.params.MaxPasses; pass++ {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		added, err := r.pass(ctx)
		if err != nil {
			return total, fmt.Errorf("evolve pass %d: %w", pass, err)
		}
		total += added
		r.log.Debug("evolve pass complete", "pass", pass, "added", added)
		if added == 0 {
			break
		}
		if pass == r.params.MaxPasses {
			r.log.Warn("evolve hit pass cap", "max_passes", r.params.MaxPasses)
		}
	}
	if total > 0 {
		r.log.Info("evolved", "edges_added", total)
	}
	return total, nil
}

// pass applies all rules over one immutable snapshot. Derivations of a pass
// never feed the same pass; they become visible in the next snapshot.
func (r *Reactor) pass(ctx context.Context) (int, error) {
	snapshot := r.tank.Edges()
	noisy := r.noiseShield()

	out := make(map[string][]graph.Edge)
	transitive := map[string]bool{
		graph.Imp.String(): true,
		graph.IsA.String(): true,
	}
	inheritable := map[string]bool{
		graph.HasProp.String(): true,
	}
	for _, e := range snapshot {
		out[e.Source] = append(out[e.Source], e)
		if e.Relation == graph.HasProp && e.Ring == graph.RingAlpha {
			switch e.Target {
			case PropTransitive:
				transitive[e.Source] = true
			case PropInheritable:
				inheritable[e.Source] = true
			}
		}
	}

	derive := func(src, tgt string, rel graph.Relation, w1, w2 float64) graph.Edge {
		return graph.Edge{
			Source:   src,
			Target:   tgt,
			Relation: rel,
			Weight:   math.Min(w1, w2) * r.params.Decay,
			Ring:     graph.RingLambda,
		}
	}

	var derived []graph.Edge
	for _, e1 := range snapshot {
		if noisy[e1.Source] || noisy[e1.Target] {
			continue
		}

		// Transitivity: chain e1 with every same-relation edge out of its
		// target.
		if transitive[e1.Relation.String()] {
			for _, e2 := range out[e1.Target] {
				if e2.Relation != e1.Relation || noisy[e2.Target] {
					continue
				}
				if e2.Target == e1.Source {
					continue // no self loops
				}
				derived = append(derived, derive(e1.Source, e2.Target, e1.Relation, e1.Weight, e2.Weight))
			}
		}

		// Substitution: both members of an EQUALS pair carry each other's
		// outgoing facts.
		if e1.Relation == graph.Equals {
			for _, pair := range [][2]string{{e1.Source, e1.Target}, {e1.Target, e1.Source}} {
				from, to := pair[0], pair[1]
				for _, e2 := range out[from] {
					if e2.Relation == graph.Equals || noisy[e2.Target] {
						continue
					}
					if e2.Target == to {
						continue
					}
					derived = append(derived, derive(to, e2.Target, e2.Relation, e1.Weight, e2.Weight))
				}
			}
		}

		// Inheritance: a child inherits its parent's inheritable facts.
		if e1.Relation == graph.IsA {
			for _, e2 := range out[e1.Target] {
				if !inheritable[e2.Relation.String()] || noisy[e2.Target] {
					continue
				}
				if e2.Target == e1.Source {
					continue
				}
				derived = append(derived, derive(e1.Source, e2.Target, e2.Relation, e1.Weight, e2.Weight))
			}
		}
	}

	// Dedup within the pass and against the store; snapshot order is already
	// canonical so the first derivation of a bond wins deterministically.
	seen := make(map[string]struct{}, len(derived))
	fresh := derived[:0]
	for _, e := range derived {
		id := e.BondID()
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if r.tank.HasEdge(e) {
			continue
		}
		fresh = append(fresh, e)
	}
	if len(fresh) == 0 {
		return 0, nil
	}
	if err := r.tank.AddEdges(ctx, fresh); err != nil {
		return 0, err
	}
	return len(fresh), nil
}

// noiseShield returns the set of nodes whose energy exceeds mean + K*sigma.
// A zero-variance distribution shields nothing.
func (r *Reactor) noiseShield() map[string]bool {
	energies := r.tank.Energies()
	if len(energies) < 2 {
		return nil
	}
	var mean float64
	for _, e := range energies {
		mean += e
	}
	mean /= float64(len(energies))
	var variance float64
	for _, e := range energies {
		d := e - mean
		variance += d * d
	}
	variance /= float64(len(energies))
	std := math.Sqrt(variance)
	if std == 0 {
		return nil
	}

	cutoff := mean + r.params.NoiseK*std
	noisy := make(map[string]bool)
	for id, e := range energies {
		if e > cutoff {
			noisy[id] = true
		}
	}
	if len(noisy) > 0 {
		r.log.Debug("noise shield active", "nodes", len(noisy), "cutoff", cutoff)
	}
	return noisy
}
