// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/lattice/pkg/crystal"
	"github.com/AleutianAI/lattice/pkg/graph"
	"github.com/AleutianAI/lattice/services/halo/datatypes"
	"github.com/AleutianAI/lattice/services/halo/observability"
)

// maxBatchNodes bounds one batch request.
const maxBatchNodes = 256

// Batch serves POST /v1/batch. Every node is processed independently and
// identically to a single lookup; there is no cross-node state, so callers
// can mix real addresses with decoys and the server cannot tell them
// apart. One malformed address fails the whole request, before any result
// is assembled, so error responses leak nothing about the other nodes.
func Batch(snap *crystal.Crystal, ov OverlaySource, m *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		var req datatypes.BatchRequest
		if err := c.BindJSON(&req); err != nil {
			writeProtocolError(c, m, "batch", &graph.ProtocolError{
				Code:   http.StatusBadRequest,
				Kind:   "invalid_body",
				Detail: "body must be {nodes:[{hash8,cursor}], limit, min_abs_weight}",
			})
			return
		}
		if !checkCrystalID(c, snap, req.CrystalID, m, "batch") {
			return
		}
		if len(req.Nodes) == 0 || len(req.Nodes) > maxBatchNodes {
			writeProtocolError(c, m, "batch", &graph.ProtocolError{
				Code:   http.StatusBadRequest,
				Kind:   "invalid_body",
				Detail: "nodes must contain between 1 and 256 entries",
			})
			return
		}

		g := currentOverlay(ov)
		results := make(map[string]datatypes.LookupResult, len(req.Nodes))
		for _, node := range req.Nodes {
			res, err := buildLookup(snap, g, node.Hash8, node.Cursor, req.Limit, req.MinAbsWeight)
			if err != nil {
				var pe *graph.ProtocolError
				if errors.As(err, &pe) {
					writeProtocolError(c, m, "batch", pe)
				} else {
					c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
					m.RecordRequest("batch", "500")
				}
				return
			}
			if res.CollisionCount > 1 {
				m.CollisionLookupsTotal.Inc()
			}
			results[node.Hash8] = res
		}

		m.RecordRequest("batch", "200")
		m.ObserveLatency("batch", time.Since(start).Seconds())
		c.JSON(http.StatusOK, datatypes.BatchResponse{
			CrystalID: snap.Meta().CrystalID,
			Results:   results,
		})
	}
}
