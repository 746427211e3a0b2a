// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package crystal builds and serves immutable graph snapshots.
//
// A Crystal is the frozen read-only form of the graph: every node identity
// is canonicalized to its 32-byte topological hash, addressed by the 8-byte
// truncation, with an explicit collision multimap from address to the full
// identities behind it. Neighbor lists are stored once, in canonical order
// (descending |weight|, ties ascending by neighbor address), so pagination
// is a pure slice of a fixed sequence.
//
// Collision merge is deterministic: identities sharing an address have
// their neighbor sets unioned, and when two merged identities reach the
// same neighbor address the edge with the larger |weight| survives, sign
// intact. degree_total is measured on the merged set before any filtering,
// so a min-weight filter changes what a page shows, never what the node is.
//
// Load never mutates a snapshot; a rebuilt snapshot gets a new crystal_id.
package crystal

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/AleutianAI/lattice/pkg/graph"
	"github.com/AleutianAI/lattice/pkg/identity"
)

// FormatVersion is bumped on any change to the snapshot file layout.
const FormatVersion = 1

// Neighbor is one entry of a canonical neighbor list.
type Neighbor struct {
	Addr   string  `json:"addr"`
	Weight float64 `json:"w"`
}

// Node is the merged view behind one address.
type Node struct {
	// Label is the lexicographically smallest original identity behind
	// this address, kept for debuggability.
	Label string `json:"label"`

	// Neighbors in canonical order: descending |weight|, ties ascending
	// by address.
	Neighbors []Neighbor `json:"neighbors"`

	// DegreeTotal is the merged neighbor count before any filtering.
	DegreeTotal int `json:"degree_total"`
}

// Meta describes a snapshot.
type Meta struct {
	Version   int     `json:"version"`
	CrystalID string  `json:"crystal_id"`
	NLabels   int     `json:"n_labels"`
	NEdges    int     `json:"n_edges"`
	Threshold float64 `json:"threshold"`
	MeanMass  float64 `json:"mean_mass"`
}

// Crystal is an immutable snapshot. All maps are private; access goes
// through Lookup/Page/Collisions, which never mutate.
type Crystal struct {
	MetaV      Meta                `json:"meta"`
	Nodes      map[string]Node     `json:"nodes"`      // addr -> node
	Collisions map[string][]string `json:"collisions"` // addr -> full identities
}

// Meta returns the snapshot metadata.
func (c *Crystal) Meta() Meta { return c.MetaV }

// Build freezes edges into a Crystal. threshold is recorded in meta as the
// similarity cutoff the edges were synthesized with (zero when unknown).
// Node identities are canonicalized with the topological hash; the input
// order of edges does not affect the output.
func Build(edges []graph.Edge, threshold float64) *Crystal {
	type key struct{ addr, nbr string }
	weights := make(map[key]float64)
	full := make(map[string]map[string]struct{})  // addr -> identity hash32 set
	labels := make(map[string]string)             // addr -> smallest original label

	note := func(label string) string {
		h := identity.Hash32Hex(label)
		addr := h[:identity.Hash8Len]
		if full[addr] == nil {
			full[addr] = make(map[string]struct{})
		}
		full[addr][h] = struct{}{}
		if prev, ok := labels[addr]; !ok || label < prev {
			labels[addr] = label
		}
		return addr
	}

	for _, e := range edges {
		src := note(e.Source)
		tgt := note(e.Target)
		if src == tgt {
			continue
		}
		// Undirected adjacency for serving: both endpoints list each other.
		for _, k := range []key{{src, tgt}, {tgt, src}} {
			if prev, ok := weights[k]; !ok || math.Abs(e.Weight) > math.Abs(prev) {
				weights[k] = e.Weight
			}
		}
	}

	byAddr := make(map[string][]Neighbor)
	for k, w := range weights {
		byAddr[k.addr] = append(byAddr[k.addr], Neighbor{Addr: k.nbr, Weight: w})
	}

	nodes := make(map[string]Node, len(full))
	addrs := make([]string, 0, len(full))
	for addr := range full {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	var idParts []string
	var massSum float64
	for _, addr := range addrs {
		nbrs := byAddr[addr]
		sort.Slice(nbrs, func(i, j int) bool {
			wi, wj := math.Abs(nbrs[i].Weight), math.Abs(nbrs[j].Weight)
			if wi != wj {
				return wi > wj
			}
			return nbrs[i].Addr < nbrs[j].Addr
		})
		nodes[addr] = Node{
			Label:       labels[addr],
			Neighbors:   nbrs,
			DegreeTotal: len(nbrs),
		}
		massSum += 1 / math.Log(2+float64(len(nbrs)))

		idParts = append(idParts, addr)
		for _, n := range nbrs {
			idParts = append(idParts, n.Addr, strconv.FormatFloat(n.Weight, 'g', -1, 64))
		}
	}

	collisions := make(map[string][]string, len(full))
	for addr, set := range full {
		ids := make([]string, 0, len(set))
		for h := range set {
			ids = append(ids, h)
		}
		sort.Strings(ids)
		collisions[addr] = ids
	}

	meta := Meta{
		Version:   FormatVersion,
		CrystalID: identity.Hash16Hex(strings.Join(idParts, "|")),
		NLabels:   len(nodes),
		NEdges:    len(weights) / 2,
		Threshold: threshold,
	}
	if len(nodes) > 0 {
		meta.MeanMass = massSum / float64(len(nodes))
	}

	return &Crystal{MetaV: meta, Nodes: nodes, Collisions: collisions}
}

// AddrOf returns the lookup address of an original node label.
func AddrOf(label string) string {
	return identity.Hash8Hex(label)
}

// Lookup returns the node behind addr. The boolean is false for unknown
// addresses; an unknown address is not an error at this layer.
func (c *Crystal) Lookup(addr string) (Node, bool) {
	n, ok := c.Nodes[addr]
	return n, ok
}

// PageResult is one page of a node's canonical neighbor list.
type PageResult struct {
	Exists      bool
	Label       string
	DegreeTotal int
	Neighbors   []Neighbor
	NextCursor  int
	Truncated   bool
}

// Page slices the canonical neighbor list of addr.
//
// cursor is an offset into the unfiltered canonical order, so a client can
// resume with NextCursor regardless of filter. limit == 0 returns metadata
// only. minAbsWeight drops weaker neighbors from the page but never changes
// DegreeTotal. Unknown addresses yield Exists=false with zero degree.
func (c *Crystal) Page(addr string, cursor, limit int, minAbsWeight float64) (PageResult, error) {
	if !identity.ValidHex(addr, identity.Hash8Len) {
		return PageResult{}, &graph.ProtocolError{
			Code:   400,
			Kind:   "invalid_address",
			Detail: fmt.Sprintf("address must be %d lowercase hex chars", identity.Hash8Len),
		}
	}
	if cursor < 0 || limit < 0 {
		return PageResult{}, &graph.ProtocolError{
			Code:   400,
			Kind:   "invalid_cursor",
			Detail: "cursor and limit must be non-negative",
		}
	}

	node, ok := c.Nodes[addr]
	if !ok {
		return PageResult{Exists: false}, nil
	}

	res := PageResult{
		Exists:      true,
		Label:       node.Label,
		DegreeTotal: node.DegreeTotal,
	}
	if limit == 0 {
		res.NextCursor = cursor
		res.Truncated = remaining(node.Neighbors, cursor, minAbsWeight) > 0
		return res, nil
	}

	i := cursor
	for ; i < len(node.Neighbors) && len(res.Neighbors) < limit; i++ {
		n := node.Neighbors[i]
		if math.Abs(n.Weight) < minAbsWeight {
			continue
		}
		res.Neighbors = append(res.Neighbors, n)
	}
	res.NextCursor = i
	res.Truncated = remaining(node.Neighbors, i, minAbsWeight) > 0
	return res, nil
}

func remaining(nbrs []Neighbor, from int, minAbsWeight float64) int {
	count := 0
	for i := from; i < len(nbrs); i++ {
		if math.Abs(nbrs[i].Weight) >= minAbsWeight {
			count++
		}
	}
	return count
}

// Save writes the snapshot as versioned JSON via a temp file rename, so a
// crash never leaves a torn snapshot on disk.
func (c *Crystal) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encode crystal: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0640); err != nil {
		return fmt.Errorf("write crystal: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publish crystal: %w", err)
	}
	return nil
}

// Load reads a snapshot written by Save. Unknown versions are rejected.
func Load(path string) (*Crystal, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read crystal: %w", err)
	}
	var c Crystal
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode crystal: %w", err)
	}
	if c.MetaV.Version != FormatVersion {
		return nil, fmt.Errorf("crystal version %d not supported (want %d)", c.MetaV.Version, FormatVersion)
	}
	if c.Nodes == nil {
		c.Nodes = make(map[string]Node)
	}
	if c.Collisions == nil {
		c.Collisions = make(map[string][]string)
	}
	return &c, nil
}
