package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DevAuditHMACKey is the fallback audit signing key for local development.
// Production startup refuses to run with it.
const DevAuditHMACKey = "secrethub-dev-audit-key-do-not-use"

// Config carries every tunable the core consumes. All components receive it
// explicitly at startup; the audit HMAC key is the only process-wide secret
// it holds.
type Config struct {
	// Identity and serving
	ListenAddr string `yaml:"listen_addr"`
	Production bool   `yaml:"production"`
	LogLevel   string `yaml:"log_level"`
	LogJSON    bool   `yaml:"log_json"`

	// Database
	DatabaseURL     string        `yaml:"database_url"`
	DBMaxOpenConns  int           `yaml:"db_max_open_conns"`
	DBMaxIdleConns  int           `yaml:"db_max_idle_conns"`
	DBQueryTimeout  time.Duration `yaml:"db_query_timeout"`

	// Seal
	AutoSealTTL time.Duration `yaml:"auto_seal_ttl"`

	// Auto-unseal
	AutoUnsealEnabled bool   `yaml:"auto_unseal_enabled"`
	KMSProvider       string `yaml:"kms_provider"`
	KMSKeyID          string `yaml:"kms_key_id"`
	KMSRegion         string `yaml:"kms_region"`
	EncryptionKey     string `yaml:"-"` // static-provider KWK material, env only

	// Cluster coordination
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	NodeTimeout         time.Duration `yaml:"node_timeout"`
	LeaderCheckInterval time.Duration `yaml:"leader_check_interval"`
	HealthRetention     time.Duration `yaml:"health_retention"`

	// Node admission
	BootstrapToken string `yaml:"-"` // env only; one-time join token

	// Lock timeouts
	LockAcquireTimeout time.Duration `yaml:"lock_acquire_timeout"`
	InitLockTimeout    time.Duration `yaml:"init_lock_timeout"`
	LeaderLockTimeout  time.Duration `yaml:"leader_lock_timeout"`

	// Audit
	AuditHMACKey string `yaml:"-"` // env only, never written to disk
	// AuditAllowNoop lets audit appends no-op before the database is ready.
	// Test bootstrap only; production refuses it.
	AuditAllowNoop bool `yaml:"audit_allow_noop"`

	// Policy
	PolicyCacheTTL time.Duration `yaml:"policy_cache_ttl"`
	RedisAddr      string        `yaml:"redis_addr"`
	RedisPassword  string        `yaml:"-"`

	// Version retention
	VersionKeepLast int `yaml:"version_keep_last"`
	VersionKeepDays int `yaml:"version_keep_days"`
}

// Default returns the baseline configuration before env and file overrides
func Default() Config {
	return Config{
		ListenAddr:          ":8200",
		LogLevel:            "info",
		LogJSON:             true,
		DBMaxOpenConns:      25,
		DBMaxIdleConns:      5,
		DBQueryTimeout:      15 * time.Second,
		AutoSealTTL:         30 * time.Second,
		HeartbeatInterval:   10 * time.Second,
		NodeTimeout:         30 * time.Second,
		LeaderCheckInterval: 15 * time.Second,
		HealthRetention:     7 * 24 * time.Hour,
		LockAcquireTimeout:  30 * time.Second,
		InitLockTimeout:     5 * time.Second,
		LeaderLockTimeout:   time.Second,
		AuditHMACKey:        DevAuditHMACKey,
		PolicyCacheTTL:      5 * time.Minute,
		VersionKeepLast:     10,
		VersionKeepDays:     30,
	}
}

// Load builds the configuration: defaults, then the optional YAML file,
// then environment variables. Env wins so deployments can override a
// checked-in file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("AUDIT_HMAC_KEY"); v != "" {
		cfg.AuditHMACKey = v
	}
	if v := os.Getenv("ENCRYPTION_KEY"); v != "" {
		cfg.EncryptionKey = v
	}
	if v := os.Getenv("AUTO_UNSEAL_ENABLED"); v != "" {
		cfg.AutoUnsealEnabled, _ = strconv.ParseBool(v)
	}
	if v := os.Getenv("KMS_PROVIDER"); v != "" {
		cfg.KMSProvider = v
	}
	if v := os.Getenv("KMS_KEY_ID"); v != "" {
		cfg.KMSKeyID = v
	}
	if v := os.Getenv("KMS_REGION"); v != "" {
		cfg.KMSRegion = v
	}
	if v := os.Getenv("SECRETHUB_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("SECRETHUB_PRODUCTION"); v != "" {
		cfg.Production, _ = strconv.ParseBool(v)
	}
	if v := os.Getenv("SECRETHUB_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SECRETHUB_BOOTSTRAP_TOKEN"); v != "" {
		cfg.BootstrapToken = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
}

// Validate rejects configurations that would run insecurely
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.Production {
		if c.AuditHMACKey == "" || c.AuditHMACKey == DevAuditHMACKey {
			return fmt.Errorf("AUDIT_HMAC_KEY must be set to a non-default value in production")
		}
		if c.AuditAllowNoop {
			return fmt.Errorf("audit_allow_noop cannot be enabled in production")
		}
	}
	if c.AutoUnsealEnabled && c.KMSProvider == "" {
		return fmt.Errorf("KMS_PROVIDER is required when AUTO_UNSEAL_ENABLED is set")
	}
	if c.AutoSealTTL <= 0 {
		return fmt.Errorf("auto_seal_ttl must be positive")
	}
	if c.VersionKeepLast < 1 {
		return fmt.Errorf("version_keep_last must be at least 1")
	}
	return nil
}
