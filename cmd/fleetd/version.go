package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build version info",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("fleetd %s (commit: %s, built: %s)\n", version, commit, buildDate)
	},
}
