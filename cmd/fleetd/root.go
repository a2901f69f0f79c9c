package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123 -X main.buildDate=2026-01-01"
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// configFile is the optional YAML file merged beneath environment variables
// and flags (lib/config.Load's layering order).
var configFile string

var rootCmd = &cobra.Command{
	Use:   "fleetd",
	Short: "fleetd — fleet orchestrator for peer-to-peer streaming engines",
	Long: `fleetd selects an engine per content request, tracks the lifecycle
of every active stream, multiplexes simultaneous viewers onto a single
upstream fetch per content item, reaps dead or degraded streams, and
maintains aggregate operational metrics.

Run 'fleetd serve' to start the HTTP front door.`,
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to a YAML config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
