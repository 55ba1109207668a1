// Command socketloopd hosts the epoll-driven WebSocket core behind a small
// cobra CLI, following packetd's cmd package shape.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "socketloopd",
	Short: "Epoll-driven WebSocket server core",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file path (defaults built in if omitted)")
}
