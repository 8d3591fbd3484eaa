package main

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/secrethub/secrethub/pkg/types"
)

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage secrets on a running node",
}

var (
	secretType     string
	secretData     []string
	secretTTL      int64
	rotationEngine string
	listPrefix     string
	listType       string
	listLimit      int
	readEntity     string
	rollbackTo     int
)

func init() {
	secretCreateCmd.Flags().StringVar(&secretType, "type", string(types.SecretTypeStatic), "secret type")
	secretCreateCmd.Flags().StringArrayVarP(&secretData, "data", "d", nil, "key=value pair (repeatable)")
	secretCreateCmd.Flags().Int64Var(&secretTTL, "ttl", 0, "time-to-live in seconds, 0 for none")
	secretCreateCmd.Flags().StringVar(&rotationEngine, "rotation-engine", "", "enable rotation with this engine")

	secretListCmd.Flags().StringVar(&listPrefix, "prefix", "", "path prefix filter")
	secretListCmd.Flags().StringVar(&listType, "type", "", "secret type filter")
	secretListCmd.Flags().IntVar(&listLimit, "limit", 100, "maximum results")

	secretReadCmd.Flags().StringVar(&readEntity, "entity", "", "entity identity to evaluate policies as")
	_ = secretReadCmd.MarkFlagRequired("entity")

	secretRollbackCmd.Flags().IntVar(&rollbackTo, "version", 0, "version to restore")
	_ = secretRollbackCmd.MarkFlagRequired("version")

	secretCmd.AddCommand(secretCreateCmd)
	secretCmd.AddCommand(secretListCmd)
	secretCmd.AddCommand(secretGetCmd)
	secretCmd.AddCommand(secretReadCmd)
	secretCmd.AddCommand(secretDeleteCmd)
	secretCmd.AddCommand(secretVersionsCmd)
	secretCmd.AddCommand(secretRollbackCmd)
}

var secretCreateCmd = &cobra.Command{
	Use:   "create PATH",
	Short: "Create a secret from key=value pairs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data := make(map[string]string, len(secretData))
		for _, kv := range secretData {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				return fmt.Errorf("--data %q is not key=value", kv)
			}
			data[k] = v
		}
		if len(data) == 0 {
			return fmt.Errorf("at least one --data pair is required")
		}
		body := map[string]any{
			"path": args[0],
			"type": secretType,
			"data": data,
		}
		if secretTTL > 0 {
			body["ttl_seconds"] = secretTTL
		}
		if rotationEngine != "" {
			body["rotation_enabled"] = true
			body["rotation_engine"] = rotationEngine
		}
		var secret types.Secret
		if err := apiCall(cmd.Context(), http.MethodPost, "/v1/secrets", body, &secret); err != nil {
			return err
		}
		fmt.Printf("Created %s (id %s, version %d)\n", secret.Path, secret.ID, secret.Version)
		return nil
	},
}

var secretListCmd = &cobra.Command{
	Use:   "list",
	Short: "List secret metadata",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		if listPrefix != "" {
			q.Set("prefix", listPrefix)
		}
		if listType != "" {
			q.Set("type", listType)
		}
		q.Set("limit", fmt.Sprint(listLimit))

		var resp struct {
			Secrets []*types.Secret `json:"secrets"`
		}
		if err := apiCall(cmd.Context(), http.MethodGet, "/v1/secrets?"+q.Encode(), nil, &resp); err != nil {
			return err
		}
		for _, s := range resp.Secrets {
			fmt.Printf("%-36s  v%-4d %-12s %s\n", s.ID, s.Version, s.Type, s.Path)
		}
		return nil
	},
}

var secretGetCmd = &cobra.Command{
	Use:   "get ID",
	Short: "Show a secret's metadata",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var secret types.Secret
		if err := apiCall(cmd.Context(), http.MethodGet, "/v1/secrets/"+args[0], nil, &secret); err != nil {
			return err
		}
		fmt.Printf("Path:     %s\nType:     %s\nVersion:  %d (%d kept)\nRotation: %v",
			secret.Path, secret.Type, secret.Version, secret.VersionCount, secret.RotationEnabled)
		if secret.RotationEngine != "" {
			fmt.Printf(" (%s)", secret.RotationEngine)
		}
		fmt.Printf("\nUpdated:  %s\n", secret.UpdatedAt.Format("2006-01-02 15:04:05 MST"))
		return nil
	},
}

// secretReadCmd hits the policy-gated data endpoint, so the caller chooses
// which entity the read is evaluated as. The denial comes back verbatim.
var secretReadCmd = &cobra.Command{
	Use:   "read PATH",
	Short: "Read a secret's plaintext data",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Path    string            `json:"path"`
			Version int               `json:"version"`
			Data    map[string]string `json:"data"`
		}
		err := apiCallHeaders(cmd.Context(), http.MethodGet, "/v1/data/"+args[0],
			map[string]string{"X-Entity-ID": readEntity}, nil, &resp)
		if err != nil {
			return err
		}
		fmt.Printf("%s (version %d)\n", resp.Path, resp.Version)
		for k, v := range resp.Data {
			fmt.Printf("  %s = %s\n", k, v)
		}
		return nil
	},
}

var secretDeleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Delete a secret and its versions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiCall(cmd.Context(), http.MethodDelete, "/v1/secrets/"+args[0], nil, nil); err != nil {
			return err
		}
		fmt.Println("Deleted.")
		return nil
	},
}

var secretVersionsCmd = &cobra.Command{
	Use:   "versions ID",
	Short: "List a secret's archived versions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Versions []*types.SecretVersion `json:"versions"`
		}
		if err := apiCall(cmd.Context(), http.MethodGet, "/v1/secrets/"+args[0]+"/versions", nil, &resp); err != nil {
			return err
		}
		for _, v := range resp.Versions {
			fmt.Printf("v%-4d %s  %s\n", v.Version, v.ArchivedAt.Format("2006-01-02 15:04:05"), v.Author)
		}
		return nil
	},
}

var secretRollbackCmd = &cobra.Command{
	Use:   "rollback ID",
	Short: "Restore an archived version as a new version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var secret types.Secret
		err := apiCall(cmd.Context(), http.MethodPost, "/v1/secrets/"+args[0]+"/rollback",
			map[string]int{"version": rollbackTo}, &secret)
		if err != nil {
			return err
		}
		fmt.Printf("Rolled back %s to the content of v%d (now v%d)\n", secret.Path, rollbackTo, secret.Version)
		return nil
	},
}
