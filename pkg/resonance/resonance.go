// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package resonance implements hybrid block search.
//
// Three modes:
//
//	VECTOR    cosine similarity of the query embedding, mapped to [0, 1]
//	MERKLE    token overlap with the block content; an exact content match
//	          (identical canonical hash) scores 1
//	BINOCULAR both eyes combined: 0.5*(v+m) + 0.5*(v*m)
//
// The binocular combination keeps single-eye hits alive through the sum
// while the product term rewards blocks both eyes agree on. Ties are broken
// ascending by block id so output order is stable.
package resonance

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/AleutianAI/lattice/pkg/graph"
	"github.com/AleutianAI/lattice/pkg/identity"
	"github.com/AleutianAI/lattice/pkg/logging"
	"github.com/AleutianAI/lattice/pkg/tank"
	"github.com/AleutianAI/lattice/pkg/vector"
)

// Mode selects the scoring eye(s).
type Mode int

const (
	// ModeBinocular is the default hybrid mode.
	ModeBinocular Mode = iota
	// ModeVector scores by embedding similarity only.
	ModeVector
	// ModeMerkle scores by token overlap and exact identity only.
	ModeMerkle
)

func (m Mode) String() string {
	switch m {
	case ModeBinocular:
		return "binocular"
	case ModeVector:
		return "vector"
	case ModeMerkle:
		return "merkle"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode resolves a CLI/config string to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "binocular":
		return ModeBinocular, nil
	case "vector":
		return ModeVector, nil
	case "merkle":
		return ModeMerkle, nil
	default:
		return 0, &graph.ValidationError{Field: "mode", Reason: fmt.Sprintf("unknown mode %q", s)}
	}
}

// Hit is one search result. Score is in [0, 1].
type Hit struct {
	BlockID string  `json:"block_id"`
	Source  string  `json:"source"`
	Score   float64 `json:"score"`
	Content string  `json:"content"`
}

// Searcher runs queries over a Tank.
type Searcher struct {
	tank     *tank.Tank
	provider vector.Provider
	log      *logging.Logger
}

// New returns a Searcher. provider may be nil, in which case VECTOR and
// BINOCULAR queries fail and MERKLE still works.
func New(tk *tank.Tank, provider vector.Provider, log *logging.Logger) *Searcher {
	if log == nil {
		log = logging.Default()
	}
	return &Searcher{tank: tk, provider: provider, log: log}
}

// Resonate returns up to topK hits for query under the given mode.
func (s *Searcher) Resonate(ctx context.Context, query string, mode Mode, topK int) ([]Hit, error) {
	if query == "" {
		return nil, &graph.ValidationError{Field: "query", Reason: "must not be empty"}
	}
	if topK <= 0 {
		topK = 10
	}

	var (
		scores map[string]float64
		err    error
	)
	switch mode {
	case ModeVector:
		scores, err = s.vectorScores(ctx, query)
	case ModeMerkle:
		scores = s.merkleScores(query)
	case ModeBinocular:
		var v map[string]float64
		v, err = s.vectorScores(ctx, query)
		if err != nil {
			break
		}
		m := s.merkleScores(query)
		scores = make(map[string]float64)
		for id := range v {
			scores[id] = combine(v[id], m[id])
		}
		for id := range m {
			if _, done := scores[id]; !done {
				scores[id] = combine(v[id], m[id])
			}
		}
	default:
		return nil, &graph.ValidationError{Field: "mode", Reason: mode.String()}
	}
	if err != nil {
		return nil, err
	}

	hits := make([]Hit, 0, len(scores))
	for id, score := range scores {
		if score <= 0 {
			continue
		}
		b, err := s.tank.Block(id)
		if err != nil {
			continue // vector for a block that no longer exists
		}
		hits = append(hits, Hit{BlockID: id, Source: b.Source, Score: score, Content: b.Content})
	}
	sortHits(hits)
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// combine merges normalized sub-scores: the sum keeps single-eye hits, the
// product rewards agreement.
func combine(v, m float64) float64 {
	return 0.5*(v+m) + 0.5*(v*m)
}

// vectorScores maps every embedded block to (cosine+1)/2.
func (s *Searcher) vectorScores(ctx context.Context, query string) (map[string]float64, error) {
	if s.provider == nil {
		return nil, &graph.ValidationError{Field: "provider", Reason: "vector search requires an embedding provider"}
	}
	qv, err := s.provider.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	idx := s.tank.Index()
	matches := idx.Search(qv, idx.Len())
	scores := make(map[string]float64, len(matches))
	for _, m := range matches {
		scores[m.ID] = (m.Score + 1) / 2
	}
	return scores, nil
}

// merkleScores maps blocks to token overlap in [0, 1]; identical content
// (same canonical hash) scores exactly 1.
func (s *Searcher) merkleScores(query string) map[string]float64 {
	qHash := identity.Hash16Hex(query)
	qTokens := tokenize(query)
	scores := make(map[string]float64)
	for _, b := range s.tank.Blocks() {
		if identity.Hash16Hex(b.Content) == qHash {
			scores[b.ID] = 1
			continue
		}
		if len(qTokens) == 0 {
			continue
		}
		cTokens := tokenize(b.Content)
		overlap := 0
		for tok := range qTokens {
			if _, ok := cTokens[tok]; ok {
				overlap++
			}
		}
		if overlap > 0 {
			scores[b.ID] = float64(overlap) / float64(len(qTokens))
		}
	}
	return scores
}

// tokenize lowercases and splits on anything that is not a letter or digit.
func tokenize(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		out[tok] = struct{}{}
	}
	return out
}

func sortHits(hits []Hit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].BlockID < hits[j].BlockID
	})
}

// Intersect returns the hits of a whose block ids also appear in b, scored
// by the minimum of the two scores.
func Intersect(a, b []Hit) []Hit {
	inB := make(map[string]float64, len(b))
	for _, h := range b {
		inB[h.BlockID] = h.Score
	}
	var out []Hit
	for _, h := range a {
		if bs, ok := inB[h.BlockID]; ok {
			if bs < h.Score {
				h.Score = bs
			}
			out = append(out, h)
		}
	}
	sortHits(out)
	return out
}

// Union merges two hit sets by block id, keeping the higher score.
func Union(a, b []Hit) []Hit {
	byID := make(map[string]Hit, len(a)+len(b))
	for _, h := range a {
		byID[h.BlockID] = h
	}
	for _, h := range b {
		if prev, ok := byID[h.BlockID]; !ok || h.Score > prev.Score {
			byID[h.BlockID] = h
		}
	}
	out := make([]Hit, 0, len(byID))
	for _, h := range byID {
		out = append(out, h)
	}
	sortHits(out)
	return out
}
