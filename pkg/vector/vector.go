// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package vector provides cosine similarity, the embedding provider
// interface, and an in-memory vector index keyed by block id.
//
// The engine never computes embeddings itself; it consumes opaque []float32
// vectors from an injected Provider. Similarity is cosine, accumulated in
// float64 so results do not depend on summation batch size.
package vector

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
)

// Provider produces an embedding for a piece of text. Implementations wrap
// whatever model or service the deployment uses; a nil Provider means the
// caller skips vector features entirely.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Dim errors are returned, never panicked: malformed embeddings are data
// problems the caller skips with a warning.

// Cosine returns the cosine similarity of a and b in [-1, 1].
// It errors on dimension mismatch, empty, or zero-norm vectors.
func Cosine(a, b []float32) (float64, error) {
	if len(a) == 0 || len(b) == 0 {
		return 0, fmt.Errorf("vector: empty vector")
	}
	if len(a) != len(b) {
		return 0, fmt.Errorf("vector: dimension mismatch %d vs %d", len(a), len(b))
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0, fmt.Errorf("vector: zero-norm vector")
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), nil
}

// Match is one search result.
type Match struct {
	ID    string
	Score float64
}

// Index is an in-memory vector store keyed by block id. It is safe for
// concurrent use. Search output is deterministic: descending score, ties
// broken ascending by id.
type Index struct {
	mu   sync.RWMutex
	vecs map[string][]float32
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{vecs: make(map[string][]float32)}
}

// Put stores v under id, replacing any previous vector. The vector is
// copied; callers may reuse their slice.
func (ix *Index) Put(id string, v []float32) error {
	if id == "" {
		return fmt.Errorf("vector: empty id")
	}
	if len(v) == 0 {
		return fmt.Errorf("vector: empty vector for %s", id)
	}
	cp := make([]float32, len(v))
	copy(cp, v)
	ix.mu.Lock()
	ix.vecs[id] = cp
	ix.mu.Unlock()
	return nil
}

// Get returns the vector stored under id.
func (ix *Index) Get(id string) ([]float32, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	v, ok := ix.vecs[id]
	return v, ok
}

// Delete removes id from the index. Missing ids are a no-op.
func (ix *Index) Delete(id string) {
	ix.mu.Lock()
	delete(ix.vecs, id)
	ix.mu.Unlock()
}

// Len returns the number of stored vectors.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.vecs)
}

// IDs returns all stored ids in ascending order.
func (ix *Index) IDs() []string {
	ix.mu.RLock()
	ids := make([]string, 0, len(ix.vecs))
	for id := range ix.vecs {
		ids = append(ids, id)
	}
	ix.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Snapshot returns a copy of the id→vector map. Vectors are shared, not
// copied; callers must treat them as read-only.
func (ix *Index) Snapshot() map[string][]float32 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make(map[string][]float32, len(ix.vecs))
	for id, v := range ix.vecs {
		out[id] = v
	}
	return out
}

// Search returns up to topK matches for query, descending by score with
// ties broken ascending by id. Vectors that fail the cosine check are
// silently skipped; they are surfaced at ingest time, not here.
func (ix *Index) Search(query []float32, topK int) []Match {
	if topK <= 0 {
		return nil
	}
	snap := ix.Snapshot()
	matches := make([]Match, 0, len(snap))
	for id, v := range snap {
		score, err := Cosine(query, v)
		if err != nil {
			continue
		}
		matches = append(matches, Match{ID: id, Score: score})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches
}
