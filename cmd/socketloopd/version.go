package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version and gitHash are set with -ldflags at build time.
var (
	version = "dev"
	gitHash = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the socketloopd version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("socketloopd %s (%s)\n", version, gitHash)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
