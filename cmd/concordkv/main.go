package main

import (
	"fmt"
	"os"

	"github.com/concordkv/raftserver/pkg/log"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "concordkv",
	Short: "ConcordKV - distributed, sharded, multi-datacenter key-value store",
	Long: `ConcordKV is a Raft-replicated key-value store sharded across nodes
and asynchronously replicated across datacenters, with DC-aware failure
detection and coordinated failover.`,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(kvCmd)
	rootCmd.AddCommand(clusterCmd)
	rootCmd.AddCommand(failoverCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}
