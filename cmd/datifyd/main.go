package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "datifyd",
	Short: "Datify daemon - single-host PostgreSQL/Valkey/Redis control plane",
	Long: `datifyd provisions, operates and observes per-tenant PostgreSQL,
Valkey and Redis containers on a single host, exposing a REST/WebSocket
API over the instances it manages.`,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
