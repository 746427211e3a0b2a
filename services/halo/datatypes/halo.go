// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes holds the halo wire types. All hash fields are
// lowercase hex, fixed width: 16 chars for an address, 32 for a block id.
// Responses always carry the serving crystal_id so clients never mix
// results from different snapshots.
package datatypes

// MetaResponse mirrors the snapshot metadata.
type MetaResponse struct {
	CrystalID string  `json:"crystal_id"`
	Version   int     `json:"version"`
	NLabels   int     `json:"n_labels"`
	NEdges    int     `json:"n_edges"`
	Threshold float64 `json:"threshold"`
	MeanMass  float64 `json:"mean_mass"`
}

// NeighborEntry is one adjacency in a lookup page. Doc is set only for
// overlay-added neighbors.
type NeighborEntry struct {
	Addr   string  `json:"addr"`
	Weight float64 `json:"w"`
	Doc    string  `json:"doc,omitempty"`
}

// LookupResult is the lookup/batch per-node payload.
type LookupResult struct {
	CrystalID      string          `json:"crystal_id"`
	Addr           string          `json:"addr"`
	Exists         bool            `json:"exists"`
	Label          string          `json:"label,omitempty"`
	CollisionCount int             `json:"collision_count"`
	DegreeTotal    int             `json:"degree_total"`
	Returned       int             `json:"returned"`
	Truncated      bool            `json:"truncated"`
	NextCursor     int             `json:"next_cursor"`
	Neighbors      []NeighborEntry `json:"neighbors"`
}

// BatchNode is one requested address with its own cursor.
type BatchNode struct {
	Hash8  string `json:"hash8"`
	Cursor int    `json:"cursor"`
}

// BatchRequest carries independent lookups. CrystalID, when set, asserts
// the snapshot the client is paging; a mismatch is a protocol error.
type BatchRequest struct {
	Nodes        []BatchNode `json:"nodes"`
	Limit        int         `json:"limit"`
	MinAbsWeight float64     `json:"min_abs_weight"`
	CrystalID    string      `json:"crystal_id,omitempty"`
}

// BatchResponse maps each requested address to its lookup result.
type BatchResponse struct {
	CrystalID string                  `json:"crystal_id"`
	Results   map[string]LookupResult `json:"results"`
}
