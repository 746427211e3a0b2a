// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/lattice/pkg/crystal"
	"github.com/AleutianAI/lattice/services/halo/datatypes"
	"github.com/AleutianAI/lattice/services/halo/observability"
)

// Meta serves GET /v1/meta: the global statistics of the snapshot.
func Meta(snap *crystal.Crystal, m *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		meta := snap.Meta()
		m.RecordRequest("meta", "200")
		c.JSON(http.StatusOK, datatypes.MetaResponse{
			CrystalID: meta.CrystalID,
			Version:   meta.Version,
			NLabels:   meta.NLabels,
			NEdges:    meta.NEdges,
			Threshold: meta.Threshold,
			MeanMass:  meta.MeanMass,
		})
	}
}

// HealthCheck serves GET /health.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
