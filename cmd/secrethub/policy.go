package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/secrethub/secrethub/pkg/types"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Manage access policies on a running node",
}

var policyFile string

func init() {
	policyCreateCmd.Flags().StringVarP(&policyFile, "file", "f", "", "JSON policy definition")
	_ = policyCreateCmd.MarkFlagRequired("file")
	policySimulateCmd.Flags().StringVarP(&policyFile, "file", "f", "", "JSON access request")
	_ = policySimulateCmd.MarkFlagRequired("file")

	policyCmd.AddCommand(policyCreateCmd)
	policyCmd.AddCommand(policyListCmd)
	policyCmd.AddCommand(policyGetCmd)
	policyCmd.AddCommand(policyDeleteCmd)
	policyCmd.AddCommand(policySimulateCmd)
}

// readJSONFile returns the file contents as a raw message so the server
// does the validation; the CLI stays schema-agnostic.
func readJSONFile(path string) (json.RawMessage, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("%s is not valid JSON", path)
	}
	return json.RawMessage(raw), nil
}

var policyCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a policy from a JSON definition",
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := readJSONFile(policyFile)
		if err != nil {
			return err
		}
		var p types.Policy
		if err := apiCall(cmd.Context(), http.MethodPost, "/v1/policies", body, &p); err != nil {
			return err
		}
		fmt.Printf("Created policy %s (id %s)\n", p.Name, p.ID)
		return nil
	},
}

var policyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List policies",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Policies []*types.Policy `json:"policies"`
		}
		if err := apiCall(cmd.Context(), http.MethodGet, "/v1/policies", nil, &resp); err != nil {
			return err
		}
		for _, p := range resp.Policies {
			effect := "allow"
			if p.Deny {
				effect = "deny"
			}
			fmt.Printf("%-36s  %-5s %-24s %d bindings\n", p.ID, effect, p.Name, len(p.EntityBindings))
		}
		return nil
	},
}

var policyGetCmd = &cobra.Command{
	Use:   "get ID",
	Short: "Show a policy as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var p types.Policy
		if err := apiCall(cmd.Context(), http.MethodGet, "/v1/policies/"+args[0], nil, &p); err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(p)
	},
}

var policyDeleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Delete a policy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiCall(cmd.Context(), http.MethodDelete, "/v1/policies/"+args[0], nil, nil); err != nil {
			return err
		}
		fmt.Println("Deleted.")
		return nil
	},
}

var policySimulateCmd = &cobra.Command{
	Use:   "simulate ID",
	Short: "Dry-run an access request against one policy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := readJSONFile(policyFile)
		if err != nil {
			return err
		}
		var resp struct {
			Decision struct {
				Allow  bool   `json:"allow"`
				Reason string `json:"reason"`
				Policy string `json:"policy,omitempty"`
			} `json:"decision"`
			Checks []struct {
				Check  string `json:"check"`
				Pass   bool   `json:"pass"`
				Reason string `json:"reason"`
			} `json:"checks"`
		}
		err = apiCall(cmd.Context(), http.MethodPost, "/v1/policies/"+args[0]+"/simulate", body, &resp)
		if err != nil {
			return err
		}
		verdict := "deny"
		if resp.Decision.Allow {
			verdict = "allow"
		}
		fmt.Printf("Decision: %s (%s)\n", verdict, resp.Decision.Reason)
		for _, c := range resp.Checks {
			mark := "ok  "
			if !c.Pass {
				mark = "FAIL"
			}
			fmt.Printf("  %s %-16s %s\n", mark, c.Check, c.Reason)
		}
		return nil
	},
}
