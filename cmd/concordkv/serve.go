package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/concordkv/raftserver/internal/config"
	"github.com/concordkv/raftserver/pkg/cluster"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start a ConcordKV node from a cluster-bootstrap config file",
	Long: `Start one ConcordKV node: bootstrap or join its Raft group, bring up
cross-DC replication, failure detection, and the smart router, then serve
the KV and topology HTTP surfaces until interrupted.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringP("config", "c", "", "Path to the cluster-bootstrap YAML file (required)")
	_ = serveCmd.MarkFlagRequired("config")
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, err := cluster.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to build node: %w", err)
	}

	fmt.Printf("Starting ConcordKV node %s in dc %s\n", cfg.Node.ID, cfg.Node.DC)
	if err := ctx.Start(context.Background()); err != nil {
		return fmt.Errorf("failed to start node: %w", err)
	}
	fmt.Println("✓ Raft, replication, failure detection and router started")

	server := &http.Server{Addr: cfg.Node.APIAddr, Handler: ctx.Mux()}
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("API server error: %v", err)
		}
	}()
	fmt.Printf("✓ API listening on %s\n", cfg.Node.APIAddr)
	fmt.Println("Node is running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "\n%v\n", err)
	}

	_ = server.Close()
	ctx.Shutdown()

	fmt.Println("✓ Shutdown complete")
	return nil
}
