package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/acefleet/fleetd/lib/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect fleetd configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load the effective configuration and print it as JSON",
	Long: `Loads defaults, the --config YAML file, FLEETD_* environment
variables, and any flags after "--", in that order, then prints the
resulting configuration. A nonzero exit means the configuration could not
be loaded: the file was unreadable or failed to parse, or a flag was
invalid.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile, cmd.Flags().Args())
		if err != nil {
			return err
		}
		b, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(b))
		return nil
	},
}

func init() {
	configCmd.AddCommand(configValidateCmd)
}
