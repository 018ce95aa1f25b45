package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is set at release time; a plain string, since this host has no
// build-info injection step.
const version = "0.1.0"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show orgchartd version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("orgchartd version %s\n", version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
