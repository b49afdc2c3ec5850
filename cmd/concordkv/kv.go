package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"
)

var kvCmd = &cobra.Command{
	Use:   "kv",
	Short: "Read and write keys against a running ConcordKV node",
}

var kvSetCmd = &cobra.Command{
	Use:   "set KEY VALUE",
	Short: "Set a key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		node, _ := cmd.Flags().GetString("node")

		body, _ := json.Marshal(map[string]string{"key": args[0], "value": args[1]})
		resp, err := httpClient().Post("http://"+node+"/api/set", "application/json", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to reach node: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return reportError(resp)
		}
		fmt.Printf("✓ set %s\n", args[0])
		return nil
	},
}

var kvGetCmd = &cobra.Command{
	Use:   "get KEY",
	Short: "Get a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		node, _ := cmd.Flags().GetString("node")

		resp, err := httpClient().Get("http://" + node + "/api/get?key=" + url.QueryEscape(args[0]))
		if err != nil {
			return fmt.Errorf("failed to reach node: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return reportError(resp)
		}
		var out struct {
			Value string `json:"value"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return fmt.Errorf("failed to decode response: %v", err)
		}
		fmt.Println(out.Value)
		return nil
	},
}

var kvDeleteCmd = &cobra.Command{
	Use:   "delete KEY",
	Short: "Delete a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		node, _ := cmd.Flags().GetString("node")

		req, err := http.NewRequest(http.MethodDelete, "http://"+node+"/api/delete?key="+url.QueryEscape(args[0]), nil)
		if err != nil {
			return err
		}
		resp, err := httpClient().Do(req)
		if err != nil {
			return fmt.Errorf("failed to reach node: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return reportError(resp)
		}
		fmt.Printf("✓ deleted %s\n", args[0])
		return nil
	},
}

var kvKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List every key held by a node",
	RunE: func(cmd *cobra.Command, args []string) error {
		node, _ := cmd.Flags().GetString("node")

		resp, err := httpClient().Get("http://" + node + "/api/keys")
		if err != nil {
			return fmt.Errorf("failed to reach node: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return reportError(resp)
		}
		var keys []string
		if err := json.NewDecoder(resp.Body).Decode(&keys); err != nil {
			return fmt.Errorf("failed to decode response: %v", err)
		}
		for _, k := range keys {
			fmt.Println(k)
		}
		return nil
	},
}

func init() {
	kvCmd.PersistentFlags().String("node", "127.0.0.1:8080", "Node API address")
	kvCmd.AddCommand(kvSetCmd)
	kvCmd.AddCommand(kvGetCmd)
	kvCmd.AddCommand(kvDeleteCmd)
	kvCmd.AddCommand(kvKeysCmd)
}

func httpClient() *http.Client {
	return &http.Client{Timeout: 5 * time.Second}
}

// reportError surfaces the node's {ok,reason,retryable,leader_hint}
// error body, falling back to the bare status code if the body can't
// be decoded.
func reportError(resp *http.Response) error {
	var errBody struct {
		Reason     string `json:"reason"`
		Retryable  bool   `json:"retryable"`
		LeaderHint string `json:"leader_hint"`
	}
	data, _ := io.ReadAll(resp.Body)
	if json.Unmarshal(data, &errBody) == nil && errBody.Reason != "" {
		if errBody.LeaderHint != "" {
			return fmt.Errorf("%s (leader: %s)", errBody.Reason, errBody.LeaderHint)
		}
		return fmt.Errorf("%s", errBody.Reason)
	}
	return fmt.Errorf("node returned status %d", resp.StatusCode)
}
