// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package tank implements the persistent block/edge store.
//
// The Tank is the engine's single writable surface. Documents enter through
// Ingest, which validates the supplied structure against the raw text before
// any write happens; an invalid structure leaves the store byte-identical to
// its prior state. All writes for one document land in one Badger
// transaction, so a crash mid-ingest never leaves a partial document.
//
// Key layout:
//
//	block/<source>/<seq>  -> JSON graph.Block
//	edge/<bondID>         -> JSON graph.Edge
//	vec/<blockID>         -> JSON []float32
//
// An in-memory view (blocks, edges, adjacency, per-node energy, vector
// index) is rebuilt from disk on Open and updated synchronously with every
// committed transaction. Readers see either the pre- or post-state of a
// write, never an intermediate.
//
// Concurrency: one writer per source (per-source mutex); different sources
// ingest in parallel. Snapshot accessors return sorted copies and are safe
// to call from any goroutine.
package tank

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/lattice/pkg/graph"
	"github.com/AleutianAI/lattice/pkg/identity"
	"github.com/AleutianAI/lattice/pkg/logging"
	"github.com/AleutianAI/lattice/pkg/vector"
)

const (
	blockPrefix = "block/"
	edgePrefix  = "edge/"
	vecPrefix   = "vec/"
)

func blockKey(source string, seq int) []byte {
	return []byte(blockPrefix + source + "/" + strconv.Itoa(seq))
}

func edgeKey(bondID string) []byte {
	return []byte(edgePrefix + bondID)
}

func vecKey(blockID string) []byte {
	return []byte(vecPrefix + blockID)
}

// AnchorID is the node identity of a document itself. The first block of a
// document hangs off its anchor with an ORIGIN edge.
func AnchorID(source string) string {
	return identity.Hash16Hex(source)
}

// Config configures a Tank.
type Config struct {
	// Storage configures the underlying BadgerDB.
	Storage StorageConfig

	// Provider produces block embeddings at ingest time. When nil, vector
	// features are skipped and MERKLE-only search still works.
	Provider vector.Provider

	// Logger defaults to logging.Default() when nil.
	Logger *logging.Logger
}

// Tank is the block/edge store. Create with Open, release with Close.
type Tank struct {
	db       *storeDB
	provider vector.Provider
	log      *logging.Logger

	mu     sync.RWMutex
	blocks map[string]graph.Block          // block id -> block
	edges  map[string]graph.Edge           // bond id -> edge
	out    map[string]map[string]struct{}  // node id -> outgoing bond ids
	bySrc  map[string][]string             // source -> block ids in seq order
	energy map[string]float64              // node id -> sum of |weight|
	index  *vector.Index

	srcMu sync.Map // source -> *sync.Mutex
}

// Open opens (or creates) a Tank and rebuilds the in-memory view from disk.
func Open(cfg Config) (*Tank, error) {
	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}
	db, err := openStoreDB(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open tank storage: %w", err)
	}
	tk := &Tank{
		db:       db,
		provider: cfg.Provider,
		log:      log,
		blocks:   make(map[string]graph.Block),
		edges:    make(map[string]graph.Edge),
		out:      make(map[string]map[string]struct{}),
		bySrc:    make(map[string][]string),
		energy:   make(map[string]float64),
		index:    vector.NewIndex(),
	}
	if err := tk.rebuild(); err != nil {
		db.Close()
		return nil, fmt.Errorf("rebuild tank view: %w", err)
	}
	log.Info("tank opened",
		"blocks", len(tk.blocks),
		"edges", len(tk.edges),
		"in_memory", cfg.Storage.InMemory,
	)
	return tk, nil
}

// Close releases the underlying database.
func (tk *Tank) Close() error {
	return tk.db.Close()
}

// rebuild scans the store and reconstructs blocks, edges, adjacency, energy
// and the vector index.
func (tk *Tank) rebuild() error {
	return tk.db.WithReadTxn(context.Background(), func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.Key())
			err := item.Value(func(val []byte) error {
				switch {
				case strings.HasPrefix(key, blockPrefix):
					var b graph.Block
					if err := json.Unmarshal(val, &b); err != nil {
						return fmt.Errorf("decode %s: %w", key, err)
					}
					tk.blocks[b.ID] = b
					tk.bySrc[b.Source] = append(tk.bySrc[b.Source], b.ID)
				case strings.HasPrefix(key, edgePrefix):
					var e graph.Edge
					if err := json.Unmarshal(val, &e); err != nil {
						return fmt.Errorf("decode %s: %w", key, err)
					}
					tk.linkLocked(e)
				case strings.HasPrefix(key, vecPrefix):
					var v []float32
					if err := json.Unmarshal(val, &v); err != nil {
						return fmt.Errorf("decode %s: %w", key, err)
					}
					if err := tk.index.Put(strings.TrimPrefix(key, vecPrefix), v); err != nil {
						return err
					}
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		// bySrc lists must be in sequence order regardless of key order.
		for src, ids := range tk.bySrc {
			sort.Slice(ids, func(i, j int) bool {
				return tk.blocks[ids[i]].Seq < tk.blocks[ids[j]].Seq
			})
			tk.bySrc[src] = ids
		}
		return nil
	})
}

// sourceLock returns the mutex serializing writes for one source.
func (tk *Tank) sourceLock(source string) *sync.Mutex {
	m, _ := tk.srcMu.LoadOrStore(source, &sync.Mutex{})
	return m.(*sync.Mutex)
}

// linkLocked inserts e into the in-memory view, replacing any edge with the
// same bond id and keeping per-node energy consistent. Caller holds tk.mu
// (or is single-threaded during rebuild).
func (tk *Tank) linkLocked(e graph.Edge) {
	id := e.BondID()
	if old, ok := tk.edges[id]; ok {
		tk.energy[old.Source] -= abs(old.Weight)
		tk.energy[old.Target] -= abs(old.Weight)
	}
	tk.edges[id] = e
	if tk.out[e.Source] == nil {
		tk.out[e.Source] = make(map[string]struct{})
	}
	tk.out[e.Source][id] = struct{}{}
	tk.energy[e.Source] += abs(e.Weight)
	tk.energy[e.Target] += abs(e.Weight)
}

// unlinkLocked removes the edge with bond id from the in-memory view.
func (tk *Tank) unlinkLocked(id string) {
	e, ok := tk.edges[id]
	if !ok {
		return
	}
	delete(tk.edges, id)
	if set := tk.out[e.Source]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(tk.out, e.Source)
		}
	}
	tk.energy[e.Source] -= abs(e.Weight)
	tk.energy[e.Target] -= abs(e.Weight)
	for _, n := range []string{e.Source, e.Target} {
		if tk.energy[n] <= 1e-12 {
			delete(tk.energy, n)
		}
	}
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// Ingest validates text against structure and, only if every check passes,
// writes the blocks, their sequential and symbol edges, and their embeddings
// in a single transaction. Returns the number of blocks created.
//
// A source can be ingested once; re-ingesting requires Forget first. The
// first block is attached to the document anchor with an ORIGIN edge; each
// boundary i gets an edge block[i] -> block[i+1] labeled Relations[i].
func (tk *Tank) Ingest(ctx context.Context, source, text string, structure graph.DocumentStructure) (int, error) {
	if source == "" {
		return 0, &graph.ValidationError{Field: "source", Reason: "must not be empty"}
	}
	lock := tk.sourceLock(source)
	lock.Lock()
	defer lock.Unlock()

	tk.mu.RLock()
	_, exists := tk.bySrc[source]
	tk.mu.RUnlock()
	if exists {
		return 0, &graph.ValidationError{Field: "source", Reason: "already ingested; forget it first"}
	}

	if err := structure.Validate(text); err != nil {
		tk.log.Warn("ingest rejected", "source", source, "error", err)
		return 0, err
	}

	blocks := structure.Split(source, text)
	edges := make([]graph.Edge, 0, len(blocks)+len(structure.Symbols))
	edges = append(edges, graph.Edge{
		Source:   AnchorID(source),
		Target:   blocks[0].ID,
		Relation: graph.Origin,
		Weight:   1.0,
		Ring:     graph.RingSigma,
		Prov:     graph.Provenance{Doc: source, Line: 0},
	})
	for i := 0; i+1 < len(blocks); i++ {
		edges = append(edges, graph.Edge{
			Source:   blocks[i].ID,
			Target:   blocks[i+1].ID,
			Relation: structure.Relations[i],
			Weight:   1.0,
			Ring:     graph.RingSigma,
			Prov:     graph.Provenance{Doc: source, Line: i + 1},
		})
	}
	for _, sym := range structure.Symbols {
		edges = append(edges, graph.Edge{
			Source:   blocks[sym.Block].ID,
			Target:   sym.Target,
			Relation: sym.Relation,
			Weight:   1.0,
			Ring:     graph.RingSigma,
			Prov:     graph.Provenance{Doc: source, Line: sym.Block},
		})
	}

	// Embeddings are computed before the transaction so a provider failure
	// leaves the store untouched.
	vecs := make(map[string][]float32, len(blocks))
	if tk.provider != nil {
		for _, b := range blocks {
			v, err := tk.provider.Embed(ctx, b.Content)
			if err != nil {
				return 0, fmt.Errorf("embed block %d of %s: %w", b.Seq, source, err)
			}
			vecs[b.ID] = v
		}
	}

	err := tk.db.WithTxn(ctx, func(txn *badger.Txn) error {
		for _, b := range blocks {
			data, err := json.Marshal(b)
			if err != nil {
				return err
			}
			if err := txn.Set(blockKey(source, b.Seq), data); err != nil {
				return err
			}
		}
		for _, e := range edges {
			data, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if err := txn.Set(edgeKey(e.BondID()), data); err != nil {
				return err
			}
		}
		for id, v := range vecs {
			data, err := json.Marshal(v)
			if err != nil {
				return err
			}
			if err := txn.Set(vecKey(id), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("ingest %s: %w", source, err)
	}

	tk.mu.Lock()
	ids := make([]string, 0, len(blocks))
	for _, b := range blocks {
		tk.blocks[b.ID] = b
		ids = append(ids, b.ID)
	}
	tk.bySrc[source] = ids
	for _, e := range edges {
		tk.linkLocked(e)
	}
	tk.mu.Unlock()
	for id, v := range vecs {
		if err := tk.index.Put(id, v); err != nil {
			tk.log.Warn("skipping malformed embedding", "block", id, "error", err)
		}
	}

	tk.log.Info("ingested", "source", source, "blocks", len(blocks), "edges", len(edges))
	return len(blocks), nil
}

// IngestCuts is the legacy shorthand: blocks are derived from cut offsets
// alone, consecutive blocks are joined with IMP, and no quote or relation
// checks run. Conservation (strictly increasing cuts ending at len(text))
// is still enforced. Prefer Ingest.
func (tk *Tank) IngestCuts(ctx context.Context, source, text string, cuts []int) (int, error) {
	structure := graph.DocumentStructure{
		Cuts:             cuts,
		ValidationQuotes: make([]string, len(cuts)),
		Relations:        make([]graph.Relation, 0),
	}
	// Synthesize passing quotes and IMP boundaries, then run the full
	// validation so conservation errors report identically.
	prev := 0
	for i, cut := range cuts {
		if cut > prev && cut <= len(text) {
			structure.ValidationQuotes[i] = text[prev:cut]
			prev = cut
		} else {
			structure.ValidationQuotes[i] = "\x00invalid\x00"
		}
	}
	for i := 0; i+1 < len(cuts); i++ {
		structure.Relations = append(structure.Relations, graph.Imp)
	}
	return tk.Ingest(ctx, source, text, structure)
}

// Forget removes every block of source, its vectors, and every edge whose
// provenance is source or whose endpoint was one of the removed blocks.
// Returns the number of blocks removed; forgetting an absent source is a
// no-op returning 0.
func (tk *Tank) Forget(ctx context.Context, source string) (int, error) {
	lock := tk.sourceLock(source)
	lock.Lock()
	defer lock.Unlock()

	tk.mu.RLock()
	ids := tk.bySrc[source]
	seqs := make(map[string]int, len(ids))
	gone := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		gone[id] = struct{}{}
		seqs[id] = tk.blocks[id].Seq
	}
	gone[AnchorID(source)] = struct{}{}
	var bonds []string
	for bond, e := range tk.edges {
		_, srcGone := gone[e.Source]
		_, tgtGone := gone[e.Target]
		if e.Prov.Doc == source || srcGone || tgtGone {
			bonds = append(bonds, bond)
		}
	}
	tk.mu.RUnlock()

	if len(ids) == 0 && len(bonds) == 0 {
		return 0, nil
	}
	sort.Strings(bonds)

	err := tk.db.WithTxn(ctx, func(txn *badger.Txn) error {
		for _, id := range ids {
			if err := txn.Delete(blockKey(source, seqs[id])); err != nil {
				return err
			}
			if err := txn.Delete(vecKey(id)); err != nil {
				return err
			}
		}
		for _, bond := range bonds {
			if err := txn.Delete(edgeKey(bond)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("forget %s: %w", source, err)
	}

	tk.mu.Lock()
	for _, bond := range bonds {
		tk.unlinkLocked(bond)
	}
	for _, id := range ids {
		delete(tk.blocks, id)
	}
	delete(tk.bySrc, source)
	tk.mu.Unlock()
	for _, id := range ids {
		tk.index.Delete(id)
	}

	tk.log.Info("forgot", "source", source, "blocks", len(ids), "edges", len(bonds))
	return len(ids), nil
}

// AddEdge persists e and updates the in-memory view. An edge with the same
// (src, tgt, relation) is replaced, not duplicated.
func (tk *Tank) AddEdge(ctx context.Context, e graph.Edge) error {
	if e.Source == "" || e.Target == "" {
		return &graph.ValidationError{Field: "edge", Reason: "source and target must not be empty"}
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	err = tk.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set(edgeKey(e.BondID()), data)
	})
	if err != nil {
		return fmt.Errorf("add edge %s: %w", e.BondID(), err)
	}
	tk.mu.Lock()
	tk.linkLocked(e)
	tk.mu.Unlock()
	return nil
}

// AddEdges persists a batch of edges in one transaction.
func (tk *Tank) AddEdges(ctx context.Context, edges []graph.Edge) error {
	if len(edges) == 0 {
		return nil
	}
	err := tk.db.WithTxn(ctx, func(txn *badger.Txn) error {
		for _, e := range edges {
			if e.Source == "" || e.Target == "" {
				return &graph.ValidationError{Field: "edge", Reason: "source and target must not be empty"}
			}
			data, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if err := txn.Set(edgeKey(e.BondID()), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("add edges: %w", err)
	}
	tk.mu.Lock()
	for _, e := range edges {
		tk.linkLocked(e)
	}
	tk.mu.Unlock()
	return nil
}

// HasEdge reports whether an edge with e's bond id already exists.
func (tk *Tank) HasEdge(e graph.Edge) bool {
	tk.mu.RLock()
	defer tk.mu.RUnlock()
	_, ok := tk.edges[e.BondID()]
	return ok
}

// Block returns the block with the given id.
func (tk *Tank) Block(id string) (graph.Block, error) {
	tk.mu.RLock()
	defer tk.mu.RUnlock()
	b, ok := tk.blocks[id]
	if !ok {
		return graph.Block{}, fmt.Errorf("block %s: %w", id, graph.ErrNotFound)
	}
	return b, nil
}

// Blocks returns all blocks sorted by (source, seq).
func (tk *Tank) Blocks() []graph.Block {
	tk.mu.RLock()
	out := make([]graph.Block, 0, len(tk.blocks))
	for _, b := range tk.blocks {
		out = append(out, b)
	}
	tk.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Source != out[j].Source {
			return out[i].Source < out[j].Source
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

// BlocksBySource returns the blocks of one source in sequence order.
func (tk *Tank) BlocksBySource(source string) []graph.Block {
	tk.mu.RLock()
	defer tk.mu.RUnlock()
	ids := tk.bySrc[source]
	out := make([]graph.Block, 0, len(ids))
	for _, id := range ids {
		out = append(out, tk.blocks[id])
	}
	return out
}

// HasSource reports whether source has been ingested.
func (tk *Tank) HasSource(source string) bool {
	tk.mu.RLock()
	defer tk.mu.RUnlock()
	_, ok := tk.bySrc[source]
	return ok
}

// Edges returns all edges sorted by (source, target, relation).
func (tk *Tank) Edges() []graph.Edge {
	tk.mu.RLock()
	out := make([]graph.Edge, 0, len(tk.edges))
	for _, e := range tk.edges {
		out = append(out, e)
	}
	tk.mu.RUnlock()
	sortEdges(out)
	return out
}

// Neighbors returns the outgoing edges of node id, sorted.
func (tk *Tank) Neighbors(id string) []graph.Edge {
	tk.mu.RLock()
	set := tk.out[id]
	out := make([]graph.Edge, 0, len(set))
	for bond := range set {
		out = append(out, tk.edges[bond])
	}
	tk.mu.RUnlock()
	sortEdges(out)
	return out
}

// Energy returns the accumulated |weight| touching node id.
func (tk *Tank) Energy(id string) float64 {
	tk.mu.RLock()
	defer tk.mu.RUnlock()
	return tk.energy[id]
}

// Energies returns a copy of the per-node energy map.
func (tk *Tank) Energies() map[string]float64 {
	tk.mu.RLock()
	defer tk.mu.RUnlock()
	out := make(map[string]float64, len(tk.energy))
	for id, e := range tk.energy {
		out[id] = e
	}
	return out
}

// Index exposes the vector index for search and crystallization.
func (tk *Tank) Index() *vector.Index {
	return tk.index
}

func sortEdges(edges []graph.Edge) {
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Source != edges[j].Source {
			return edges[i].Source < edges[j].Source
		}
		if edges[i].Target != edges[j].Target {
			return edges[i].Target < edges[j].Target
		}
		return edges[i].Relation.String() < edges[j].Relation.String()
	})
}
