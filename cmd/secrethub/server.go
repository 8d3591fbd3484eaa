package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/secrethub/secrethub/pkg/api"
	"github.com/secrethub/secrethub/pkg/audit"
	"github.com/secrethub/secrethub/pkg/cluster"
	"github.com/secrethub/secrethub/pkg/config"
	"github.com/secrethub/secrethub/pkg/kms"
	"github.com/secrethub/secrethub/pkg/lease"
	"github.com/secrethub/secrethub/pkg/lock"
	"github.com/secrethub/secrethub/pkg/log"
	"github.com/secrethub/secrethub/pkg/policy"
	"github.com/secrethub/secrethub/pkg/seal"
	"github.com/secrethub/secrethub/pkg/secrets"
	"github.com/secrethub/secrethub/pkg/storage"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run a SecretHub node",
	Long: `Starts a node: connects to PostgreSQL, runs pending migrations,
joins the cluster, and serves the REST API. The node comes up sealed;
unseal it with 'secrethub operator unseal' or configure auto-unseal.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context())
	},
}

func runServer(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	logger := log.WithComponent("server")

	store, err := storage.NewPostgresStore(ctx, storage.Config{
		URL:          cfg.DatabaseURL,
		MaxOpenConns: cfg.DBMaxOpenConns,
		MaxIdleConns: cfg.DBMaxIdleConns,
		QueryTimeout: cfg.DBQueryTimeout,
	})
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer store.Close()

	if err := storage.Migrate(ctx, store.DB().DB); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	auditWriter := audit.NewWriter(store, []byte(cfg.AuditHMACKey), cfg.AuditAllowNoop)
	defer auditWriter.Close()

	sealSvc := seal.New(store, auditWriter, cfg.AutoSealTTL)
	if err := sealSvc.Start(ctx); err != nil {
		return fmt.Errorf("starting seal service: %w", err)
	}
	defer sealSvc.Shutdown()

	locker := lock.NewLocker(store.DB())
	coord := cluster.New(store, locker, sealSvc, auditWriter, cluster.Options{
		HeartbeatInterval:   cfg.HeartbeatInterval,
		NodeTimeout:         cfg.NodeTimeout,
		LeaderCheckInterval: cfg.LeaderCheckInterval,
		HealthRetention:     cfg.HealthRetention,
		InitLockTimeout:     cfg.InitLockTimeout,
		LeaderLockTimeout:   cfg.LeaderLockTimeout,
		Version:             Version,
		BootstrapToken:      cfg.BootstrapToken,
	})
	if err := coord.Start(ctx); err != nil {
		return fmt.Errorf("joining cluster: %w", err)
	}

	var cache policy.Cache
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		cache = policy.NewRedisCache(client, cfg.PolicyCacheTTL)
		logger.Info().Str("addr", cfg.RedisAddr).Msg("policy cache on redis")
	} else {
		cache = policy.NewMemoryCache(cfg.PolicyCacheTTL)
	}
	evaluator := policy.NewEvaluator(store, cache)

	secretMgr := secrets.NewManager(store, sealSvc, evaluator, auditWriter)
	leaseMgr := lease.NewManager(store, auditWriter)
	leaseMgr.Start(ctx)
	defer leaseMgr.Shutdown()
	rotation := lease.NewRunner(store, secretMgr, auditWriter)

	if cfg.AutoUnsealEnabled {
		go func() {
			opts := kms.Options{KeyID: cfg.KMSKeyID, Region: cfg.KMSRegion, StaticKey: cfg.EncryptionKey}
			if err := seal.AutoUnseal(ctx, sealSvc, store, opts); err != nil {
				logger.Error().Err(err).Msg("auto-unseal failed; node stays sealed")
			}
		}()
	}

	srv := api.NewServer(api.Deps{
		Store:       store,
		Seal:        sealSvc,
		Coordinator: coord,
		Audit:       auditWriter,
		Evaluator:   evaluator,
		Secrets:     secretMgr,
		Leases:      leaseMgr,
		Rotation:    rotation,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(cfg.ListenAddr) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("api shutdown")
	}
	coord.Shutdown(shutdownCtx)
	return nil
}

func init() {
	api.Version = Version
}
