// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/AleutianAI/lattice/pkg/engine"
	"github.com/AleutianAI/lattice/pkg/logging"
	"github.com/AleutianAI/lattice/pkg/tank"
	"github.com/AleutianAI/lattice/pkg/vector"
)

var rootCmd = &cobra.Command{
	Use:   "lattice",
	Short: "A deterministic knowledge-graph engine",
	Long: `Lattice stores text as content-addressed blocks joined by typed
edges, synthesizes similarity edges, runs inference to fixpoint, answers
hybrid searches, and exports frozen snapshots served by the halo service.`,
	SilenceUsage: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("data-dir", defaultDataDir(), "Directory holding the block/edge store")
	flags.String("log-level", "info", "Log level: debug, info, warn, error")
	flags.String("embedder-url", "", "Embedding service endpoint; empty disables vector features")

	viper.SetEnvPrefix("LATTICE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	for _, name := range []string{"data-dir", "log-level", "embedder-url"} {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}

	rootCmd.AddCommand(ingestCmd, forgetCmd, crystallizeCmd, evolveCmd,
		resonateCmd, buildCmd, serveCmd)
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".lattice"
	}
	return filepath.Join(home, ".lattice")
}

func newLogger() *logging.Logger {
	return logging.New(logging.Config{
		Level:   logging.ParseLevel(viper.GetString("log-level")),
		Service: "lattice",
	})
}

func newProvider() vector.Provider {
	url := viper.GetString("embedder-url")
	if url == "" {
		return nil
	}
	return vector.NewHTTPProvider(url, nil)
}

func openEngine(log *logging.Logger) (*engine.Engine, error) {
	dir := viper.GetString("data-dir")
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return engine.Open(engine.Config{
		Storage:  tank.DefaultStorageConfig(dir),
		Provider: newProvider(),
		Logger:   log,
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
