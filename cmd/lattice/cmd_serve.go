// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/lattice/services/halo"
)

var (
	buildOut       string
	buildThreshold float64

	buildCmd = &cobra.Command{
		Use:   "build",
		Short: "Freeze the current edge set into a crystal snapshot",
		RunE:  runBuild,
	}

	serveAddr    string
	serveCrystal string
	serveOverlay []string

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve a crystal snapshot over HTTP (halo)",
		Long: `Serves meta, lookup and batch endpoints from one frozen crystal,
merged at read time with the overlay cascade. Overlay files reload live;
the snapshot itself never changes while serving.`,
		RunE: runServe,
	}
)

func init() {
	buildCmd.Flags().StringVar(&buildOut, "out", "crystal.json", "Snapshot output path")
	buildCmd.Flags().Float64Var(&buildThreshold, "threshold", 0, "Similarity cutoff recorded in the snapshot metadata")

	serveCmd.Flags().StringVar(&serveAddr, "addr", ":12400", "Listen address")
	serveCmd.Flags().StringVar(&serveCrystal, "crystal", "crystal.json", "Snapshot file to serve")
	serveCmd.Flags().StringSliceVar(&serveOverlay, "overlay", nil, "Overlay files, most general first (repeatable)")
}

func runBuild(cmd *cobra.Command, _ []string) error {
	log := newLogger()
	defer log.Close()
	eng, err := openEngine(log)
	if err != nil {
		return err
	}
	defer eng.Close()

	snap := eng.BuildCrystal(buildThreshold)
	if err := snap.Save(buildOut); err != nil {
		return err
	}
	meta := snap.Meta()
	fmt.Printf("built %s: crystal_id=%s labels=%d edges=%d\n",
		buildOut, meta.CrystalID, meta.NLabels, meta.NEdges)
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	log := newLogger()
	defer log.Close()

	srv, err := halo.NewServer(halo.Config{
		Addr:         serveAddr,
		CrystalPath:  serveCrystal,
		OverlayPaths: serveOverlay,
		Logger:       log,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return srv.Run(ctx)
}
