// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package engine wires the tank, crystallizer, reactor and searcher into
// one facade. The facade owns the batch-writer discipline: crystallize and
// evolve are whole-graph writers and never run concurrently with each
// other, while ingestion and search keep their own finer-grained locking.
package engine

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/AleutianAI/lattice/pkg/crystal"
	"github.com/AleutianAI/lattice/pkg/crystallizer"
	"github.com/AleutianAI/lattice/pkg/graph"
	"github.com/AleutianAI/lattice/pkg/inference"
	"github.com/AleutianAI/lattice/pkg/logging"
	"github.com/AleutianAI/lattice/pkg/resonance"
	"github.com/AleutianAI/lattice/pkg/tank"
	"github.com/AleutianAI/lattice/pkg/vector"
)

// Config assembles an Engine.
type Config struct {
	// Storage selects the Badger backend. Zero value will not open; use
	// tank.DefaultStorageConfig or tank.InMemoryStorageConfig.
	Storage tank.StorageConfig

	// Provider embeds blocks and queries. Nil disables vector features:
	// ingestion skips vectors, crystallize fails, MERKLE search works.
	Provider vector.Provider

	// Inference tuning; zero values take reactor defaults.
	Inference inference.Params

	Logger *logging.Logger
}

// Engine is the single entry point for all graph operations.
type Engine struct {
	tank     *tank.Tank
	cryst    *crystallizer.Crystallizer
	reactor  *inference.Reactor
	searcher *resonance.Searcher
	log      *logging.Logger

	// batchMu serializes whole-graph writers (crystallize, evolve).
	batchMu sync.Mutex
}

// Open opens the store and wires the components.
func Open(cfg Config) (*Engine, error) {
	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}
	tk, err := tank.Open(tank.Config{
		Storage:  cfg.Storage,
		Provider: cfg.Provider,
		Logger:   log,
	})
	if err != nil {
		return nil, err
	}
	return &Engine{
		tank:     tk,
		cryst:    crystallizer.New(tk, log),
		reactor:  inference.New(tk, log, cfg.Inference),
		searcher: resonance.New(tk, cfg.Provider, log),
		log:      log,
	}, nil
}

// Close releases the store.
func (e *Engine) Close() error {
	return e.tank.Close()
}

// Tank exposes the underlying store for snapshot export and inspection.
func (e *Engine) Tank() *tank.Tank {
	return e.tank
}

// Ingest validates and stores one document. Every call gets a transaction
// id so rejected and committed ingestions correlate in the logs.
func (e *Engine) Ingest(ctx context.Context, source, text string, structure graph.DocumentStructure) (int, error) {
	txn := uuid.NewString()
	n, err := e.tank.Ingest(ctx, source, text, structure)
	if err != nil {
		e.log.Warn("Ingestion rejected",
			"txn_id", txn,
			"source", source,
			"error", err)
		return 0, err
	}
	e.log.Info("Ingested document",
		"txn_id", txn,
		"source", source,
		"blocks", n)
	return n, nil
}

// IngestCuts is the cuts-only shorthand; conservation is checked, quotes
// and relations are not.
func (e *Engine) IngestCuts(ctx context.Context, source, text string, cuts []int) (int, error) {
	txn := uuid.NewString()
	n, err := e.tank.IngestCuts(ctx, source, text, cuts)
	if err != nil {
		e.log.Warn("Ingestion rejected",
			"txn_id", txn,
			"source", source,
			"error", err)
		return 0, err
	}
	e.log.Info("Ingested document",
		"txn_id", txn,
		"source", source,
		"blocks", n)
	return n, nil
}

// Forget removes everything attributed to source. Unknown sources are a
// no-op returning 0.
func (e *Engine) Forget(ctx context.Context, source string) (int, error) {
	return e.tank.Forget(ctx, source)
}

// Crystallize synthesizes similarity edges. Serialized against Evolve.
func (e *Engine) Crystallize(ctx context.Context, p crystallizer.Params) (crystallizer.Result, error) {
	e.batchMu.Lock()
	defer e.batchMu.Unlock()
	return e.cryst.Crystallize(ctx, p)
}

// Evolve runs inference to fixpoint. Serialized against Crystallize.
func (e *Engine) Evolve(ctx context.Context) (int, error) {
	e.batchMu.Lock()
	defer e.batchMu.Unlock()
	return e.reactor.Evolve(ctx)
}

// Resonate searches blocks.
func (e *Engine) Resonate(ctx context.Context, query string, mode resonance.Mode, topK int) ([]resonance.Hit, error) {
	return e.searcher.Resonate(ctx, query, mode, topK)
}

// BuildCrystal freezes the current edge set into a snapshot. threshold is
// recorded in the snapshot metadata.
func (e *Engine) BuildCrystal(threshold float64) *crystal.Crystal {
	e.batchMu.Lock()
	defer e.batchMu.Unlock()
	return crystal.Build(e.tank.Edges(), threshold)
}
