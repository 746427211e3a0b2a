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
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/lattice/pkg/graph"
)

var (
	structurePath string
	cutsFlag      string

	ingestCmd = &cobra.Command{
		Use:   "ingest <source> <textfile>",
		Short: "Validate and store one document as blocks and edges",
		Long: `Reads the text file and ingests it under the given source name.
--structure points at a JSON DocumentStructure (cuts, validation quotes,
relations, symbols); --cuts is the legacy shorthand taking only comma
separated cut offsets, skipping quote and relation validation.`,
		Args: cobra.ExactArgs(2),
		RunE: runIngest,
	}

	forgetCmd = &cobra.Command{
		Use:   "forget <source>",
		Short: "Remove every block and edge attributed to a source",
		Args:  cobra.ExactArgs(1),
		RunE:  runForget,
	}
)

func init() {
	ingestCmd.Flags().StringVar(&structurePath, "structure", "", "Path to a DocumentStructure JSON file")
	ingestCmd.Flags().StringVar(&cutsFlag, "cuts", "", "Comma separated cut offsets (legacy, conservation only)")
}

func runIngest(cmd *cobra.Command, args []string) error {
	source, textFile := args[0], args[1]
	text, err := os.ReadFile(textFile)
	if err != nil {
		return fmt.Errorf("read %s: %w", textFile, err)
	}

	log := newLogger()
	defer log.Close()
	eng, err := openEngine(log)
	if err != nil {
		return err
	}
	defer eng.Close()

	var blocks int
	switch {
	case structurePath != "":
		data, err := os.ReadFile(structurePath)
		if err != nil {
			return fmt.Errorf("read structure: %w", err)
		}
		var structure graph.DocumentStructure
		if err := json.Unmarshal(data, &structure); err != nil {
			return fmt.Errorf("parse structure: %w", err)
		}
		blocks, err = eng.Ingest(cmd.Context(), source, string(text), structure)
		if err != nil {
			return err
		}
	case cutsFlag != "":
		cuts, err := parseCuts(cutsFlag)
		if err != nil {
			return err
		}
		blocks, err = eng.IngestCuts(cmd.Context(), source, string(text), cuts)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("one of --structure or --cuts is required")
	}

	fmt.Printf("ingested %d blocks from %s\n", blocks, source)
	return nil
}

func parseCuts(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	cuts := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("invalid cut %q", p)
		}
		cuts = append(cuts, n)
	}
	return cuts, nil
}

func runForget(cmd *cobra.Command, args []string) error {
	log := newLogger()
	defer log.Close()
	eng, err := openEngine(log)
	if err != nil {
		return err
	}
	defer eng.Close()

	removed, err := eng.Forget(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Printf("forgot %d blocks from %s\n", removed, args[0])
	return nil
}
