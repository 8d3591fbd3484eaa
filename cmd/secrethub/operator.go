package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/secrethub/secrethub/pkg/config"
	"github.com/secrethub/secrethub/pkg/kms"
	"github.com/secrethub/secrethub/pkg/seal"
	"github.com/secrethub/secrethub/pkg/storage"
	"github.com/secrethub/secrethub/pkg/types"
)

var (
	serverAddr  string
	totalShares int
	threshold   int
)

var operatorCmd = &cobra.Command{
	Use:   "operator",
	Short: "Seal lifecycle operations against a running node",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "address", "http://127.0.0.1:8200", "API address of the target node")

	initCmd.Flags().IntVar(&totalShares, "shares", 5, "total number of unseal shares")
	initCmd.Flags().IntVar(&threshold, "threshold", 3, "shares required to unseal")

	operatorCmd.AddCommand(initCmd)
	operatorCmd.AddCommand(unsealCmd)
	operatorCmd.AddCommand(sealCmd)
	operatorCmd.AddCommand(statusCmd)
	bootstrapTokenCmd.Flags().StringVar(&tokenRole, "role", "node", "role granted to the joining node")
	bootstrapTokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "token validity window")
	operatorCmd.AddCommand(autoUnsealCmd)
	operatorCmd.AddCommand(bootstrapTokenCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the vault",
	Long: `Generates the master key, splits it into unseal shares and prints
them. The shares appear here exactly once: distribute them to separate
custodians and store them offline.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Shares      []string `json:"shares"`
			Threshold   int      `json:"threshold"`
			TotalShares int      `json:"total_shares"`
		}
		err := apiCall(cmd.Context(), http.MethodPost, "/sys/init",
			map[string]int{"total_shares": totalShares, "threshold": threshold}, &resp)
		if err != nil {
			return err
		}
		fmt.Printf("Vault initialized: %d shares, threshold %d\n\n", resp.TotalShares, resp.Threshold)
		for i, share := range resp.Shares {
			fmt.Printf("Share %d: %s\n", i+1, share)
		}
		fmt.Println("\nThese shares will not be shown again.")
		return nil
	},
}

var unsealCmd = &cobra.Command{
	Use:   "unseal SHARE",
	Short: "Submit one unseal share",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var status types.SealStatus
		err := apiCall(cmd.Context(), http.MethodPost, "/sys/unseal",
			map[string]string{"share": args[0]}, &status)
		if err != nil {
			return err
		}
		printStatus(status)
		return nil
	},
}

var sealCmd = &cobra.Command{
	Use:   "seal",
	Short: "Seal the vault, dropping the in-memory master key",
	RunE: func(cmd *cobra.Command, args []string) error {
		var status types.SealStatus
		if err := apiCall(cmd.Context(), http.MethodPost, "/sys/seal", nil, &status); err != nil {
			return err
		}
		printStatus(status)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the node's seal status",
	RunE: func(cmd *cobra.Command, args []string) error {
		var status types.SealStatus
		if err := apiCall(cmd.Context(), http.MethodGet, "/sys/seal-status", nil, &status); err != nil {
			return err
		}
		printStatus(status)
		return nil
	},
}

// autoUnsealCmd wraps locally supplied shares with a KMS provider and
// stores them, so future restarts unseal without operators. It talks to the
// database directly: shares must not transit the API twice.
var autoUnsealCmd = &cobra.Command{
	Use:   "auto-unseal SHARE...",
	Short: "Configure KMS-backed auto-unseal from the given shares",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if cfg.KMSProvider == "" {
			return fmt.Errorf("KMS_PROVIDER is required for auto-unseal")
		}

		ctx := cmd.Context()
		store, err := storage.NewPostgresStore(ctx, storage.Config{URL: cfg.DatabaseURL})
		if err != nil {
			return fmt.Errorf("connecting to database: %w", err)
		}
		defer store.Close()

		opts := kms.Options{KeyID: cfg.KMSKeyID, Region: cfg.KMSRegion, StaticKey: cfg.EncryptionKey}
		provider, err := kms.New(ctx, cfg.KMSProvider, opts)
		if err != nil {
			return err
		}
		if err := seal.ConfigureAutoUnseal(ctx, store, provider, opts, args); err != nil {
			return err
		}
		fmt.Printf("Auto-unseal configured with provider %s (%d shares wrapped)\n",
			cfg.KMSProvider, len(args))
		return nil
	},
}

var (
	tokenRole string
	tokenTTL  time.Duration
)

// bootstrapTokenCmd mints a one-time admission token for a joining node.
// Like auto-unseal configuration it goes straight to the database: tokens
// gate API access, so the API cannot be their distribution channel.
var bootstrapTokenCmd = &cobra.Command{
	Use:   "bootstrap-token",
	Short: "Mint a one-time node admission token",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		store, err := storage.NewPostgresStore(ctx, storage.Config{URL: cfg.DatabaseURL})
		if err != nil {
			return fmt.Errorf("connecting to database: %w", err)
		}
		defer store.Close()

		raw := make([]byte, 24)
		if _, err := rand.Read(raw); err != nil {
			return err
		}
		token := &types.BootstrapToken{
			Token:     base64.RawURLEncoding.EncodeToString(raw),
			Role:      tokenRole,
			CreatedAt: time.Now().UTC(),
			ExpiresAt: time.Now().UTC().Add(tokenTTL),
		}
		if err := store.CreateBootstrapToken(ctx, token); err != nil {
			return err
		}
		fmt.Printf("Token:   %s\nRole:    %s\nExpires: %s\n",
			token.Token, token.Role, token.ExpiresAt.Format(time.RFC3339))
		return nil
	},
}

func printStatus(s types.SealStatus) {
	fmt.Printf("Initialized: %v\n", s.Initialized)
	fmt.Printf("Sealed:      %v\n", s.Sealed)
	if s.Sealed && s.Initialized {
		fmt.Printf("Progress:    %d/%d\n", s.Progress, s.Threshold)
	}
}

func apiCall(ctx context.Context, method, path string, body, out any) error {
	return apiCallHeaders(ctx, method, path, nil, body, out)
}

func apiCallHeaders(ctx context.Context, method, path string, headers map[string]string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, serverAddr+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
		}
		return fmt.Errorf("%s: %s", resp.Status, string(raw))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}
