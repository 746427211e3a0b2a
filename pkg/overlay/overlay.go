// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package overlay implements the append-only local fact log.
//
// An overlay file is NDJSON, one operation per line:
//
//	{"op":"add","src":"...","tgt":"...","w":0.8,"doc":"..."}
//	{"op":"sub","src":"...","tgt":"...","reason":"..."}
//	{"op":"def","node":"...","label":"..."}
//
// Blank lines and lines starting with # are skipped. The log is never
// rewritten; correction happens by appending. At read time the Hierarchy
// Law applies: for any node pair the latest local add or sub wins over
// whatever the frozen Crystal says. A cascade of overlay files (system,
// project, user) is applied in order, later files overriding earlier ones.
package overlay

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"

	"github.com/AleutianAI/lattice/pkg/graph"
	"github.com/AleutianAI/lattice/pkg/identity"
)

// Operation names.
const (
	OpAdd = "add"
	OpSub = "sub"
	OpDef = "def"
)

// Entry is one overlay operation.
type Entry struct {
	Op     string  `json:"op"`
	Src    string  `json:"src,omitempty"`
	Tgt    string  `json:"tgt,omitempty"`
	W      float64 `json:"w,omitempty"`
	Doc    string  `json:"doc,omitempty"`
	Reason string  `json:"reason,omitempty"`
	Node   string  `json:"node,omitempty"`
	Label  string  `json:"label,omitempty"`
}

// Validate checks the fields required by the entry's op.
func (e Entry) Validate() error {
	switch e.Op {
	case OpAdd:
		if e.Src == "" || e.Tgt == "" {
			return &graph.ValidationError{Field: "add", Reason: "src and tgt are required"}
		}
	case OpSub:
		if e.Src == "" || e.Tgt == "" {
			return &graph.ValidationError{Field: "sub", Reason: "src and tgt are required"}
		}
	case OpDef:
		if e.Node == "" || e.Label == "" {
			return &graph.ValidationError{Field: "def", Reason: "node and label are required"}
		}
	default:
		return &graph.ValidationError{Field: "op", Reason: fmt.Sprintf("unknown op %q", e.Op)}
	}
	return nil
}

// Load reads one overlay file. Blank lines and # comments are skipped;
// malformed lines are returned in skipped for the caller to log, never
// fatal. A missing file loads as empty.
func Load(path string) (entries []Entry, skipped int, err error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("open overlay %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			skipped++
			continue
		}
		if err := e.Validate(); err != nil {
			skipped++
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, skipped, fmt.Errorf("read overlay %s: %w", path, err)
	}
	return entries, skipped, nil
}

// Append validates e and appends it as one NDJSON line. The write is a
// single O_APPEND syscall, so concurrent appenders never interleave bytes.
func Append(path string, e Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return fmt.Errorf("open overlay %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append overlay %s: %w", path, err)
	}
	return nil
}

// Neighbor is one overlay-added adjacency entry.
type Neighbor struct {
	Addr   string  `json:"addr"`
	Weight float64 `json:"w"`
	Doc    string  `json:"doc,omitempty"`
}

// pairKey is an unordered address pair.
type pairKey [2]string

func keyOf(aAddr, bAddr string) pairKey {
	if aAddr > bAddr {
		aAddr, bAddr = bAddr, aAddr
	}
	return pairKey{aAddr, bAddr}
}

type pairState struct {
	suppressed bool
	weight     float64
	doc        string
}

// Graph is the merged in-memory view of an overlay cascade. It is
// immutable after build; the watcher swaps whole Graphs, so readers see
// pre- or post-reload state, never a partial one.
type Graph struct {
	mu     sync.RWMutex
	pairs  map[pairKey]pairState
	labels map[string]string // addr -> label
	n      int               // applied entries
}

// NewGraph returns an empty overlay graph.
func NewGraph() *Graph {
	return &Graph{
		pairs:  make(map[pairKey]pairState),
		labels: make(map[string]string),
	}
}

// Apply folds one entry in. Later applications of the same pair replace
// earlier ones (Hierarchy Law within the overlay itself).
func (g *Graph) Apply(e Entry) {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch e.Op {
	case OpAdd:
		g.pairs[keyOf(addrOf(e.Src), addrOf(e.Tgt))] = pairState{weight: e.W, doc: e.Doc}
	case OpSub:
		g.pairs[keyOf(addrOf(e.Src), addrOf(e.Tgt))] = pairState{suppressed: true}
	case OpDef:
		g.labels[addrOf(e.Node)] = e.Label
	}
	g.n++
}

func addrOf(label string) string {
	// Already-hashed addresses pass through; anything else is a label.
	if identity.ValidHex(label, identity.Hash8Len) {
		return label
	}
	return identity.Hash8Hex(label)
}

// Len returns the number of applied entries.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.n
}

// IsSuppressed reports whether the latest local op for the pair is a sub.
func (g *Graph) IsSuppressed(a, b string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.pairs[keyOf(addrOf(a), addrOf(b))].suppressed
}

// Override returns the local add weight for a pair, if one is in effect.
func (g *Graph) Override(a, b string) (float64, string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	st, ok := g.pairs[keyOf(addrOf(a), addrOf(b))]
	if !ok || st.suppressed {
		return 0, "", false
	}
	return st.weight, st.doc, true
}

// Neighbors returns the overlay-added adjacencies of a node, sorted
// descending by |weight| with ties ascending by address.
func (g *Graph) Neighbors(node string) []Neighbor {
	addr := addrOf(node)
	g.mu.RLock()
	var out []Neighbor
	for k, st := range g.pairs {
		if st.suppressed {
			continue
		}
		switch addr {
		case k[0]:
			out = append(out, Neighbor{Addr: k[1], Weight: st.weight, Doc: st.doc})
		case k[1]:
			out = append(out, Neighbor{Addr: k[0], Weight: st.weight, Doc: st.doc})
		}
	}
	g.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		wi, wj := math.Abs(out[i].Weight), math.Abs(out[j].Weight)
		if wi != wj {
			return wi > wj
		}
		return out[i].Addr < out[j].Addr
	})
	return out
}

// Label returns the def label for a node, if any.
func (g *Graph) Label(node string) (string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	l, ok := g.labels[addrOf(node)]
	return l, ok
}

// LoadCascade builds a Graph from overlay files applied in order; later
// files override earlier ones. Missing files are skipped. The total count
// of malformed lines is returned for logging.
func LoadCascade(paths ...string) (*Graph, int, error) {
	g := NewGraph()
	total := 0
	for _, p := range paths {
		entries, skipped, err := Load(p)
		if err != nil {
			return nil, total, err
		}
		total += skipped
		for _, e := range entries {
			g.Apply(e)
		}
	}
	return g, total, nil
}
