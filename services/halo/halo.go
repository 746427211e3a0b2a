// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package halo assembles the read-only snapshot service: one frozen
// Crystal, an optional overlay cascade with live reload, gin routing and
// Prometheus metrics. The service is stateless; nothing a request does can
// alter the snapshot.
package halo

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/AleutianAI/lattice/pkg/crystal"
	"github.com/AleutianAI/lattice/pkg/logging"
	"github.com/AleutianAI/lattice/pkg/overlay"
	"github.com/AleutianAI/lattice/services/halo/handlers"
	"github.com/AleutianAI/lattice/services/halo/observability"
	"github.com/AleutianAI/lattice/services/halo/routes"
)

// Config assembles a Server.
type Config struct {
	// Addr is the listen address, e.g. ":12400".
	Addr string

	// CrystalPath is the snapshot file to serve.
	CrystalPath string

	// OverlayPaths is the cascade, most general first. Empty serves the
	// bare snapshot.
	OverlayPaths []string

	Logger *logging.Logger
}

// Server is a running halo instance.
type Server struct {
	snap    *crystal.Crystal
	watcher *overlay.Watcher
	metrics *observability.Metrics
	router  *gin.Engine
	log     *logging.Logger
	addr    string
}

// NewServer loads the snapshot and overlay cascade and wires the routes.
func NewServer(cfg Config) (*Server, error) {
	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}

	snap, err := crystal.Load(cfg.CrystalPath)
	if err != nil {
		return nil, fmt.Errorf("load crystal: %w", err)
	}

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	var watcher *overlay.Watcher
	if len(cfg.OverlayPaths) > 0 {
		watcher, err = overlay.NewWatcher(cfg.OverlayPaths, log, func(g *overlay.Graph) {
			metrics.OverlayEntries.Set(float64(g.Len()))
		})
		if err != nil {
			return nil, fmt.Errorf("load overlay cascade: %w", err)
		}
		metrics.OverlayEntries.Set(float64(watcher.Graph().Len()))
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	var source handlers.OverlaySource
	if watcher != nil {
		source = watcher
	}
	routes.SetupRoutes(router, snap, source, metrics, registry)

	log.Info("Halo ready",
		"crystal_id", snap.Meta().CrystalID,
		"n_labels", snap.Meta().NLabels,
		"n_edges", snap.Meta().NEdges,
		"overlays", len(cfg.OverlayPaths))

	return &Server{
		snap:    snap,
		watcher: watcher,
		metrics: metrics,
		router:  router,
		log:     log,
		addr:    cfg.Addr,
	}, nil
}

// Router exposes the gin engine for httptest-based callers.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Crystal returns the served snapshot.
func (s *Server) Crystal() *crystal.Crystal {
	return s.snap
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if s.watcher != nil {
		go s.watcher.Start(ctx)
		defer s.watcher.Stop()
	}

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()
	s.log.Info("Halo listening", "addr", s.addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
