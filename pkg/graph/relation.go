// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package graph defines the lattice data model: blocks, typed directed
// edges, truth rings, and the validated ingestion payload.
//
// Relations are a closed set of built-ins plus an explicit custom variant.
// Keeping the built-ins closed lets the inference engine match exhaustively;
// the custom variant carries arbitrary extension labels without giving up
// that safety.
package graph

import (
	"encoding/json"
	"fmt"
)

type relKind uint8

const (
	relOrigin relKind = iota
	relImp
	relNot
	relEquals
	relGate
	relOmega
	relIsA
	relHasProp
	relCustom
)

// Relation is a typed edge label: one of the core built-ins or a custom
// extension string. The zero value is ORIGIN.
type Relation struct {
	kind   relKind
	custom string
}

// Core relations.
var (
	// Origin marks the start of a sequence (a block with no predecessor).
	Origin = Relation{kind: relOrigin}
	// Imp is implication / sequential consequence. Transitive by bootstrap.
	Imp = Relation{kind: relImp}
	// Not is contradiction.
	Not = Relation{kind: relNot}
	// Equals is identity between nodes; drives substitution.
	Equals = Relation{kind: relEquals}
	// Gate is a context-conditional link.
	Gate = Relation{kind: relGate}
	// Omega is a pending-classification similarity link from crystallization.
	Omega = Relation{kind: relOmega}
	// IsA is the designated inheritance link.
	IsA = Relation{kind: relIsA}
	// HasProp attaches a meta-property (TRANSITIVE, INHERITABLE) to a
	// relation node at ring ALPHA.
	HasProp = Relation{kind: relHasProp}
)

var relNames = map[relKind]string{
	relOrigin:  "ORIGIN",
	relImp:     "IMP",
	relNot:     "NOT",
	relEquals:  "EQUALS",
	relGate:    "GATE",
	relOmega:   "OMEGA",
	relIsA:     "IS_A",
	relHasProp: "HAS_PROP",
}

var relByName = func() map[string]Relation {
	m := make(map[string]Relation, len(relNames))
	for k, name := range relNames {
		m[name] = Relation{kind: k}
	}
	return m
}()

// CustomRelation wraps an extension label. Built-in names resolve to their
// built-in variant so that "IMP" parsed from the wire is Imp, not a custom
// string that happens to print the same.
func CustomRelation(label string) Relation {
	if r, ok := relByName[label]; ok {
		return r
	}
	return Relation{kind: relCustom, custom: label}
}

// ParseRelation resolves a wire label to a Relation. Empty labels error.
func ParseRelation(label string) (Relation, error) {
	if label == "" {
		return Relation{}, fmt.Errorf("graph: empty relation label")
	}
	return CustomRelation(label), nil
}

// IsBuiltin reports whether r is one of the core relations.
func (r Relation) IsBuiltin() bool { return r.kind != relCustom }

func (r Relation) String() string {
	if r.kind == relCustom {
		return r.custom
	}
	return relNames[r.kind]
}

// MarshalJSON encodes the relation as its wire label.
func (r Relation) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// UnmarshalJSON decodes a wire label.
func (r *Relation) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseRelation(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Ring is the truth level of an edge, ordered from strongest to weakest.
type Ring uint8

const (
	// RingAlpha is an axiom (user override).
	RingAlpha Ring = iota
	// RingSigma is an observed fact.
	RingSigma
	// RingLambda is a logically derived fact.
	RingLambda
	// RingEta is a hypothesis pending classification.
	RingEta
)

var ringNames = [...]string{"ALPHA", "SIGMA", "LAMBDA", "ETA"}

func (r Ring) String() string {
	if int(r) < len(ringNames) {
		return ringNames[r]
	}
	return fmt.Sprintf("RING(%d)", uint8(r))
}

// ParseRing resolves a wire name to a Ring.
func ParseRing(s string) (Ring, error) {
	for i, name := range ringNames {
		if name == s {
			return Ring(i), nil
		}
	}
	return 0, fmt.Errorf("graph: unknown ring %q", s)
}

// MarshalJSON encodes the ring as its wire name.
func (r Ring) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// UnmarshalJSON decodes a wire name.
func (r *Ring) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseRing(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// AtMost reports whether r is at least as trustworthy as max
// (ALPHA < SIGMA < LAMBDA < ETA).
func (r Ring) AtMost(max Ring) bool { return r <= max }
