package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/concordkv/raftserver/pkg/types"
)

var failoverCmd = &cobra.Command{
	Use:   "failover",
	Short: "Trigger and inspect datacenter failover",
}

var failoverTriggerCmd = &cobra.Command{
	Use:   "trigger SOURCE_DC TARGET_DC",
	Short: "Trigger a manual failover from SOURCE_DC to TARGET_DC",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		node, _ := cmd.Flags().GetString("node")
		reason, _ := cmd.Flags().GetString("reason")

		body, _ := json.Marshal(map[string]string{
			"source": args[0], "target": args[1], "reason": reason,
		})
		resp, err := httpClient().Post("http://"+node+"/api/failover/trigger", "application/json", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to reach node: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return reportError(resp)
		}

		var op types.FailoverOperation
		if err := json.NewDecoder(resp.Body).Decode(&op); err != nil {
			return fmt.Errorf("failed to decode response: %v", err)
		}
		fmt.Printf("Failover %s: %s -> %s  status=%v\n", op.OpID, op.SourceDC, op.TargetDC, op.Status)
		for _, step := range op.Steps {
			outcome := "ok"
			if !step.Succeeded {
				outcome = "failed: " + step.Error
			} else if step.RolledBack {
				outcome = "rolled back"
			}
			fmt.Printf("  %s: %s\n", step.Name, outcome)
		}
		return nil
	},
}

var failoverStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current or most recent failover operation",
	RunE: func(cmd *cobra.Command, args []string) error {
		node, _ := cmd.Flags().GetString("node")

		resp, err := httpClient().Get("http://" + node + "/api/failover/status")
		if err != nil {
			return fmt.Errorf("failed to reach node: %v", err)
		}
		defer resp.Body.Close()

		var raw map[string]interface{}
		if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
			return fmt.Errorf("failed to decode response: %v", err)
		}
		for k, v := range raw {
			fmt.Printf("%s: %v\n", k, v)
		}
		return nil
	},
}

func init() {
	failoverCmd.PersistentFlags().String("node", "127.0.0.1:8080", "Node API address")
	failoverTriggerCmd.Flags().String("reason", "operator requested", "Reason recorded for this failover")
	failoverCmd.AddCommand(failoverTriggerCmd)
	failoverCmd.AddCommand(failoverStatusCmd)
}
