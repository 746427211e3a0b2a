// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/lattice/pkg/crystal"
	"github.com/AleutianAI/lattice/services/halo/handlers"
	"github.com/AleutianAI/lattice/services/halo/observability"
)

// SetupRoutes registers the halo endpoints. gatherer serves /metrics and
// must be the registry the metrics were created on.
func SetupRoutes(router *gin.Engine, snap *crystal.Crystal, ov handlers.OverlaySource,
	m *observability.Metrics, gatherer prometheus.Gatherer) {

	router.Use(requestID())

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := router.Group("/v1")
	{
		v1.GET("/meta", handlers.Meta(snap, m))
		v1.GET("/lookup/:hash8", handlers.Lookup(snap, ov, m))
		v1.POST("/batch", handlers.Batch(snap, ov, m))
	}
}

// requestID tags every request so log lines from one request correlate.
// An incoming X-Request-ID is honored; otherwise one is minted.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}
