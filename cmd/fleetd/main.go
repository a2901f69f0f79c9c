// Command fleetd is the CLI entry point for the fleet orchestrator: a
// single-process HTTP front door that selects an AceStream-style engine per
// content request, tracks every active stream's lifecycle, multiplexes
// viewers onto shared upstream fetches, and reaps dead or degraded streams.
//
// CLI commands (cobra):
//
//	fleetd serve            - run the orchestrator's HTTP server
//	fleetd config validate  - load and print the effective configuration
//	fleetd version          - print build version info
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
