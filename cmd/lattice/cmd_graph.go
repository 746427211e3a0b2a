// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/lattice/pkg/crystallizer"
	"github.com/AleutianAI/lattice/pkg/resonance"
)

var (
	crystMode      string
	crystThreshold float64
	crystTopK      int
	crystSeed      uint64
	crystWorkers   int

	crystallizeCmd = &cobra.Command{
		Use:   "crystallize",
		Short: "Synthesize similarity edges between blocks",
		Long: `Threshold mode scores every unordered pair against --threshold.
Approximate mode buckets blocks with seeded hyperplane hashing, scores the
top --top-k candidates per block, and accepts pairs above an adaptive
cutoff calibrated from a deterministic similarity sample.`,
		RunE: runCrystallize,
	}

	evolveCmd = &cobra.Command{
		Use:   "evolve",
		Short: "Run logical inference to fixpoint",
		RunE:  runEvolve,
	}

	resonateMode string
	resonateTopK int

	resonateCmd = &cobra.Command{
		Use:   "resonate <query>",
		Short: "Search blocks by meaning, structure, or both",
		Args:  cobra.ExactArgs(1),
		RunE:  runResonate,
	}
)

func init() {
	crystallizeCmd.Flags().StringVar(&crystMode, "mode", "threshold", "threshold or approximate")
	crystallizeCmd.Flags().Float64Var(&crystThreshold, "threshold", 0.8, "Similarity cutoff for threshold mode")
	crystallizeCmd.Flags().IntVar(&crystTopK, "top-k", 8, "Candidates per block in approximate mode")
	crystallizeCmd.Flags().Uint64Var(&crystSeed, "seed", 0, "Hyperplane seed for approximate mode")
	crystallizeCmd.Flags().IntVar(&crystWorkers, "workers", 0, "Parallel workers (0 = GOMAXPROCS)")

	resonateCmd.Flags().StringVar(&resonateMode, "mode", "binocular", "binocular, vector, or merkle")
	resonateCmd.Flags().IntVar(&resonateTopK, "top-k", 10, "Maximum hits")
}

func runCrystallize(cmd *cobra.Command, _ []string) error {
	mode, err := crystallizer.ParseMode(crystMode)
	if err != nil {
		return err
	}

	log := newLogger()
	defer log.Close()
	eng, err := openEngine(log)
	if err != nil {
		return err
	}
	defer eng.Close()

	res, err := eng.Crystallize(cmd.Context(), crystallizer.Params{
		Mode:      mode,
		Threshold: crystThreshold,
		TopK:      crystTopK,
		Seed:      crystSeed,
		Workers:   crystWorkers,
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

func runEvolve(cmd *cobra.Command, _ []string) error {
	log := newLogger()
	defer log.Close()
	eng, err := openEngine(log)
	if err != nil {
		return err
	}
	defer eng.Close()

	derived, err := eng.Evolve(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("derived %d edges\n", derived)
	return nil
}

func runResonate(cmd *cobra.Command, args []string) error {
	mode, err := resonance.ParseMode(resonateMode)
	if err != nil {
		return err
	}

	log := newLogger()
	defer log.Close()
	eng, err := openEngine(log)
	if err != nil {
		return err
	}
	defer eng.Close()

	hits, err := eng.Resonate(cmd.Context(), args[0], mode, resonateTopK)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(hits)
}
