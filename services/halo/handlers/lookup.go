// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers implements the halo request handlers. Every response is
// derived from the frozen Crystal plus request parameters, merged at read
// time with the overlay cascade; no handler mutates the snapshot.
package handlers

import (
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/lattice/pkg/crystal"
	"github.com/AleutianAI/lattice/pkg/graph"
	"github.com/AleutianAI/lattice/pkg/overlay"
	"github.com/AleutianAI/lattice/services/halo/datatypes"
	"github.com/AleutianAI/lattice/services/halo/observability"
)

// defaultLimit applies when a lookup omits the limit parameter. An
// explicit limit=0 still means metadata only.
const defaultLimit = 50

// OverlaySource yields the current overlay view. The overlay watcher
// implements it; a nil source serves the bare snapshot.
type OverlaySource interface {
	Graph() *overlay.Graph
}

func currentOverlay(ov OverlaySource) *overlay.Graph {
	if ov == nil {
		return nil
	}
	return ov.Graph()
}

// Lookup serves GET /v1/lookup/:hash8?cursor&limit&min_abs_weight.
func Lookup(snap *crystal.Crystal, ov OverlaySource, m *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		if !checkCrystalID(c, snap, c.Query("crystal_id"), m, "lookup") {
			return
		}

		cursor, err1 := strconv.Atoi(c.DefaultQuery("cursor", "0"))
		limit, err2 := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultLimit)))
		minW, err3 := strconv.ParseFloat(c.DefaultQuery("min_abs_weight", "0"), 64)
		if err1 != nil || err2 != nil || err3 != nil {
			writeProtocolError(c, m, "lookup", &graph.ProtocolError{
				Code:   http.StatusBadRequest,
				Kind:   "invalid_parameter",
				Detail: "cursor, limit and min_abs_weight must be numeric",
			})
			return
		}

		res, err := buildLookup(snap, currentOverlay(ov), c.Param("hash8"), cursor, limit, minW)
		if err != nil {
			var pe *graph.ProtocolError
			if errors.As(err, &pe) {
				writeProtocolError(c, m, "lookup", pe)
				return
			}
			slog.Error("Lookup failed", "addr", c.Param("hash8"), "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
			m.RecordRequest("lookup", "500")
			return
		}

		if res.CollisionCount > 1 {
			m.CollisionLookupsTotal.Inc()
		}
		m.RecordRequest("lookup", "200")
		m.ObserveLatency("lookup", time.Since(start).Seconds())
		c.JSON(http.StatusOK, res)
	}
}

// buildLookup merges one node's crystal page with the overlay view.
//
// The crystal's canonical neighbor order is never re-sorted; cursor and
// limit walk that fixed order. The Hierarchy Law applies per pair: a local
// sub hides the crystal edge from the page (degree_total still reports the
// snapshot count), a local add overrides its weight. Overlay-only
// neighbors are appended once, on the page where crystal pagination
// exhausts, in the overlay's own deterministic order.
func buildLookup(snap *crystal.Crystal, g *overlay.Graph, addr string, cursor, limit int, minAbsWeight float64) (datatypes.LookupResult, error) {
	page, err := snap.Page(addr, cursor, limit, minAbsWeight)
	if err != nil {
		return datatypes.LookupResult{}, err
	}

	res := datatypes.LookupResult{
		CrystalID:      snap.Meta().CrystalID,
		Addr:           addr,
		Exists:         page.Exists,
		CollisionCount: len(snap.Collisions[addr]),
		DegreeTotal:    page.DegreeTotal,
		Truncated:      page.Truncated,
		NextCursor:     page.NextCursor,
		Neighbors:      []datatypes.NeighborEntry{},
	}

	for _, n := range page.Neighbors {
		if g != nil && g.IsSuppressed(addr, n.Addr) {
			continue
		}
		entry := datatypes.NeighborEntry{Addr: n.Addr, Weight: n.Weight}
		if g != nil {
			if w, doc, ok := g.Override(addr, n.Addr); ok {
				entry.Weight = w
				entry.Doc = doc
			}
		}
		res.Neighbors = append(res.Neighbors, entry)
	}

	if g != nil {
		inCrystal := make(map[string]struct{})
		if node, ok := snap.Lookup(addr); ok {
			for _, n := range node.Neighbors {
				inCrystal[n.Addr] = struct{}{}
			}
		}
		var adds []overlay.Neighbor
		for _, on := range g.Neighbors(addr) {
			if _, dup := inCrystal[on.Addr]; dup {
				continue
			}
			if math.Abs(on.Weight) < minAbsWeight {
				continue
			}
			adds = append(adds, on)
		}
		if len(adds) > 0 {
			res.Exists = true
			if limit == 0 {
				res.Truncated = true
			} else if !page.Truncated {
				for _, on := range adds {
					res.Neighbors = append(res.Neighbors, datatypes.NeighborEntry{
						Addr:   on.Addr,
						Weight: on.Weight,
						Doc:    on.Doc,
					})
				}
			}
		}
		if label, ok := g.Label(addr); ok {
			res.Label = label
			res.Exists = true
		}
	}

	res.Returned = len(res.Neighbors)
	return res, nil
}

// checkCrystalID enforces the client's snapshot assumption. An empty id
// means no assumption. Returns false after writing the 409.
func checkCrystalID(c *gin.Context, snap *crystal.Crystal, want string, m *observability.Metrics, endpoint string) bool {
	if want == "" || want == snap.Meta().CrystalID {
		return true
	}
	writeProtocolError(c, m, endpoint, &graph.ProtocolError{
		Code:   http.StatusConflict,
		Kind:   "crystal_mismatch",
		Detail: "server is serving crystal_id " + snap.Meta().CrystalID,
	})
	return false
}

func writeProtocolError(c *gin.Context, m *observability.Metrics, endpoint string, pe *graph.ProtocolError) {
	m.RecordRequest(endpoint, strconv.Itoa(pe.Code))
	c.JSON(pe.Code, pe)
}
