package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/concordkv/raftserver/pkg/types"
)

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Inspect cluster topology",
}

var clusterSnapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Print the full topology snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		node, _ := cmd.Flags().GetString("node")

		resp, err := httpClient().Get("http://" + node + "/api/topology/snapshot")
		if err != nil {
			return fmt.Errorf("failed to reach node: %v", err)
		}
		defer resp.Body.Close()

		var snap types.TopologySnapshot
		if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
			return fmt.Errorf("failed to decode response: %v", err)
		}

		fmt.Printf("Version: %d\n\n", snap.Version)
		fmt.Println("Nodes:")
		for _, n := range snap.Nodes {
			fmt.Printf("  %s  dc=%s  addr=%s  role=%s  health=%s\n", n.ID, n.DC, n.Address, n.Role, n.Health)
		}
		fmt.Println("\nShards:")
		for _, sh := range snap.Shards {
			fmt.Printf("  %s  primary=%s  replicas=%v  state=%v\n", sh.ID, sh.Primary, sh.Replicas, sh.State)
		}
		return nil
	},
}

var clusterNodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "List cluster nodes",
	RunE: func(cmd *cobra.Command, args []string) error {
		node, _ := cmd.Flags().GetString("node")

		resp, err := httpClient().Get("http://" + node + "/api/topology/nodes")
		if err != nil {
			return fmt.Errorf("failed to reach node: %v", err)
		}
		defer resp.Body.Close()

		var nodes []types.NodeStatus
		if err := json.NewDecoder(resp.Body).Decode(&nodes); err != nil {
			return fmt.Errorf("failed to decode response: %v", err)
		}
		for _, n := range nodes {
			fmt.Printf("%s  dc=%s  addr=%s  role=%s  health=%s\n", n.ID, n.DC, n.Address, n.Role, n.Health)
		}
		return nil
	},
}

var clusterHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show DC health as seen by this node",
	RunE: func(cmd *cobra.Command, args []string) error {
		node, _ := cmd.Flags().GetString("node")

		resp, err := httpClient().Get("http://" + node + "/api/topology/health")
		if err != nil {
			return fmt.Errorf("failed to reach node: %v", err)
		}
		defer resp.Body.Close()

		var out map[string]interface{}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return fmt.Errorf("failed to decode response: %v", err)
		}
		for k, v := range out {
			fmt.Printf("%s: %v\n", k, v)
		}
		return nil
	},
}

var clusterAddNodeCmd = &cobra.Command{
	Use:   "add-node ID ADDRESS DC ROLE",
	Short: "Register a new node in the topology",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		node, _ := cmd.Flags().GetString("node")

		body, _ := json.Marshal(map[string]string{
			"id": args[0], "address": args[1], "dc": args[2], "role": args[3],
		})
		resp, err := httpClient().Post("http://"+node+"/api/cluster/add", "application/json", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to reach node: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return reportError(resp)
		}
		fmt.Printf("✓ node %s registered\n", args[0])
		return nil
	},
}

func init() {
	clusterCmd.PersistentFlags().String("node", "127.0.0.1:8080", "Node API address")
	clusterCmd.AddCommand(clusterSnapshotCmd)
	clusterCmd.AddCommand(clusterNodesCmd)
	clusterCmd.AddCommand(clusterHealthCmd)
	clusterCmd.AddCommand(clusterAddNodeCmd)
}
