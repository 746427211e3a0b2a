// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package graph

import (
	"strconv"

	"github.com/AleutianAI/lattice/pkg/identity"
)

// Block is an immutable, content-addressed span of source text. Blocks from
// one source tile the original text exactly: no gaps, no overlaps.
type Block struct {
	ID      string `json:"id"`
	Source  string `json:"source"`
	Start   int    `json:"start"`
	End     int    `json:"end"`
	Content string `json:"content"`
	Seq     int    `json:"seq"`
	Ring    Ring   `json:"ring"`
}

// BlockID computes the canonical identity of a block:
// Hash16Hex(source || NUL || seq || NUL || content). Including source and
// sequence keeps repeated content in one document distinct while staying
// independent of store layout.
func BlockID(source string, seq int, content string) string {
	return identity.Hash16Hex(source + "\x00" + strconv.Itoa(seq) + "\x00" + content)
}

// NewBlock constructs a block with its canonical ID and SIGMA ring.
func NewBlock(source string, seq, start, end int, content string) Block {
	return Block{
		ID:      BlockID(source, seq, content),
		Source:  source,
		Start:   start,
		End:     end,
		Content: content,
		Seq:     seq,
		Ring:    RingSigma,
	}
}

// Provenance records where an edge came from.
type Provenance struct {
	Doc  string `json:"doc,omitempty"`
	Line int    `json:"line,omitempty"`
}

// Edge is a directed, typed, weighted link between two node identities.
// Edges are append-only; a later write of the same (src, tgt, relation)
// replaces the stored edge rather than duplicating it.
type Edge struct {
	Source   string     `json:"src"`
	Target   string     `json:"tgt"`
	Relation Relation   `json:"rel"`
	Weight   float64    `json:"w"`
	Ring     Ring       `json:"ring"`
	Prov     Provenance `json:"prov,omitempty"`
}

// BondID returns the dedup key for this edge: identical (src, tgt, relation)
// yields an identical id regardless of weight, ring, or provenance.
func (e Edge) BondID() string {
	return identity.BondID(e.Source, e.Target, e.Relation.String())
}

// Symbol is an explicit backward reference: block Block (an index into the
// ingested document's blocks) points at a previously defined concept Target
// (a node identity) under Relation.
type Symbol struct {
	Block    int      `json:"block"`
	Target   string   `json:"target"`
	Relation Relation `json:"relation"`
}

// DocumentStructure is the segmentation proof an external assistant supplies
// with a document. Cuts are byte offsets where blocks end; ValidationQuotes
// must match the tail of each block; Relations label the boundary between
// consecutive blocks.
type DocumentStructure struct {
	Cuts             []int      `json:"cuts"`
	ValidationQuotes []string   `json:"validation_quotes"`
	Relations        []Relation `json:"relations"`
	Symbols          []Symbol   `json:"symbols,omitempty"`
}

// maxQuoteEcho bounds how much of a mismatched quote is echoed back in an
// error so a hostile structure cannot blow up logs.
const maxQuoteEcho = 80

// Validate checks structure against text and returns the first violation as
// an *IngestionError. The checks are exact on bytes, not runes: cuts are byte
// offsets into text.
//
// Rules:
//   - at least one cut; cuts strictly increasing; final cut == len(text)
//   - len(ValidationQuotes) == len(Cuts); quote i is a non-empty suffix of
//     block i's content
//   - len(Relations) == len(Cuts) - 1 (one label per block boundary)
//   - every Symbol.Block indexes an existing block and names a target
func (s DocumentStructure) Validate(text string) error {
	n := len(s.Cuts)
	if n == 0 {
		return &IngestionError{Reason: "structure has no cuts"}
	}
	prev := 0
	for i, cut := range s.Cuts {
		if cut <= prev {
			return &IngestionError{
				Cut:    i,
				Reason: "cuts must be strictly increasing",
				Actual: strconv.Itoa(cut),
			}
		}
		if cut > len(text) {
			return &IngestionError{
				Cut:      i,
				Reason:   "cut beyond end of text",
				Expected: strconv.Itoa(len(text)),
				Actual:   strconv.Itoa(cut),
			}
		}
		prev = cut
	}
	if s.Cuts[n-1] != len(text) {
		return &IngestionError{
			Cut:      n - 1,
			Reason:   "final cut must equal text length",
			Expected: strconv.Itoa(len(text)),
			Actual:   strconv.Itoa(s.Cuts[n-1]),
		}
	}

	if len(s.ValidationQuotes) != n {
		return &IngestionError{
			Reason:   "one validation quote required per cut",
			Expected: strconv.Itoa(n),
			Actual:   strconv.Itoa(len(s.ValidationQuotes)),
		}
	}
	prev = 0
	for i, cut := range s.Cuts {
		content := text[prev:cut]
		quote := s.ValidationQuotes[i]
		if quote == "" {
			return &IngestionError{Cut: i, Reason: "empty validation quote"}
		}
		if len(quote) > len(content) || content[len(content)-len(quote):] != quote {
			return &IngestionError{
				Cut:      i,
				Reason:   "validation quote does not match block tail",
				Expected: tail(content, maxQuoteEcho),
				Actual:   tail(quote, maxQuoteEcho),
			}
		}
		prev = cut
	}

	if len(s.Relations) != n-1 {
		return &IngestionError{
			Reason:   "one relation required per block boundary",
			Expected: strconv.Itoa(n - 1),
			Actual:   strconv.Itoa(len(s.Relations)),
		}
	}

	for _, sym := range s.Symbols {
		if sym.Block < 0 || sym.Block >= n {
			return &IngestionError{
				Reason:   "symbol references a block outside this document",
				Expected: "0.." + strconv.Itoa(n-1),
				Actual:   strconv.Itoa(sym.Block),
			}
		}
		if sym.Target == "" {
			return &IngestionError{Cut: sym.Block, Reason: "symbol with empty target"}
		}
	}
	return nil
}

// Split materializes the blocks described by cuts over text. Callers must
// have run Validate first; Split assumes well-formed cuts.
func (s DocumentStructure) Split(source, text string) []Block {
	blocks := make([]Block, 0, len(s.Cuts))
	prev := 0
	for i, cut := range s.Cuts {
		blocks = append(blocks, NewBlock(source, i, prev, cut, text[prev:cut]))
		prev = cut
	}
	return blocks
}

func tail(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return "..." + s[len(s)-max:]
}
