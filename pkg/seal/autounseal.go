package seal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/secrethub/secrethub/pkg/crypto"
	"github.com/secrethub/secrethub/pkg/kms"
	"github.com/secrethub/secrethub/pkg/log"
	"github.com/secrethub/secrethub/pkg/types"
)

// AutoUnsealStore is the subset of the storage layer auto-unseal needs.
type AutoUnsealStore interface {
	SetAutoUnsealConfig(ctx context.Context, cfg *types.AutoUnsealConfig) error
	GetActiveAutoUnsealConfig(ctx context.Context) (*types.AutoUnsealConfig, error)
}

// ConfigureAutoUnseal wraps each share with the KMS provider and persists
// the result as the active auto-unseal configuration. Any previously active
// configuration is deactivated in the same transaction.
func ConfigureAutoUnseal(ctx context.Context, store AutoUnsealStore, provider kms.Provider, opts kms.Options, shares []string) error {
	if len(shares) == 0 {
		return errors.New("auto-unseal requires at least one share")
	}

	wrapped := make([][]byte, len(shares))
	for i, share := range shares {
		ct, err := provider.Wrap(ctx, []byte(share))
		if err != nil {
			return fmt.Errorf("wrapping share %d: %w", i+1, err)
		}
		wrapped[i] = ct
	}

	cfg := &types.AutoUnsealConfig{
		Provider:        provider.Tag(),
		KeyID:           opts.KeyID,
		Region:          opts.Region,
		WrappedShares:   wrapped,
		MaxRetries:      3,
		RetryIntervalMS: 2000,
		Active:          true,
		CreatedAt:       time.Now().UTC(),
	}
	if err := store.SetAutoUnsealConfig(ctx, cfg); err != nil {
		return fmt.Errorf("persisting auto-unseal config: %w", err)
	}
	return nil
}

// AutoUnseal unwraps the stored shares through the configured KMS provider
// and feeds them to the seal service until it reports unsealed. Returns nil
// without doing anything when no active configuration exists.
//
// Each unwrap is retried per the stored retry parameters; a share that
// still fails after retries is skipped, since any threshold-sized subset
// of the remaining shares can complete the unseal.
func AutoUnseal(ctx context.Context, svc *Service, store AutoUnsealStore, opts kms.Options) error {
	logger := log.WithComponent("auto_unseal")

	cfg, err := store.GetActiveAutoUnsealConfig(ctx)
	if errors.Is(err, types.ErrNotFound) {
		logger.Debug().Msg("No active auto-unseal configuration")
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading auto-unseal config: %w", err)
	}

	opts.KeyID = cfg.KeyID
	opts.Region = cfg.Region
	provider, err := kms.New(ctx, cfg.Provider, opts)
	if err != nil {
		return fmt.Errorf("creating kms provider %q: %w", cfg.Provider, err)
	}

	retryInterval := time.Duration(cfg.RetryIntervalMS) * time.Millisecond
	skipped := 0

	for i, ct := range cfg.WrappedShares {
		plaintext, err := unwrapWithRetry(ctx, provider, ct, cfg.MaxRetries, retryInterval)
		if err != nil {
			skipped++
			logger.Warn().Err(err).Int("share_index", i+1).Msg("Skipping share after unwrap failures")
			continue
		}

		status, err := svc.SubmitShare(ctx, string(plaintext))
		crypto.Zeroize(plaintext)
		if err != nil {
			return fmt.Errorf("submitting unwrapped share %d: %w", i+1, err)
		}
		if !status.Sealed {
			logger.Info().Str("provider", cfg.Provider).Msg("Auto-unseal complete")
			return nil
		}
	}

	status, err := svc.Status(ctx)
	if err != nil {
		return err
	}
	if status.Sealed {
		return fmt.Errorf("auto-unseal exhausted %d shares (%d skipped) at progress %d/%d: %w",
			len(cfg.WrappedShares), skipped, status.Progress, status.Threshold, types.ErrInsufficientShares)
	}
	return nil
}

func unwrapWithRetry(ctx context.Context, provider kms.Provider, ct []byte, maxRetries int, interval time.Duration) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(interval):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		plaintext, err := provider.Unwrap(ctx, ct)
		if err == nil {
			return plaintext, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
