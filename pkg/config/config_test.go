package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/secrethub_test")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.AutoSealTTL)
	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 5*time.Second, cfg.InitLockTimeout)
	assert.Equal(t, time.Second, cfg.LeaderLockTimeout)
	assert.Equal(t, 5*time.Minute, cfg.PolicyCacheTTL)
	assert.Equal(t, ":8200", cfg.ListenAddr)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"listen_addr: \":9999\"\nauto_seal_ttl: 1m\ndatabase_url: postgres://from-file/db\n"), 0o600))

	t.Setenv("DATABASE_URL", "postgres://from-env/db")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.ListenAddr)
	assert.Equal(t, time.Minute, cfg.AutoSealTTL)
	assert.Equal(t, "postgres://from-env/db", cfg.DatabaseURL)
}

func TestValidateRequiresDatabaseURL(t *testing.T) {
	cfg := Default()
	assert.ErrorContains(t, cfg.Validate(), "DATABASE_URL")
}

func TestProductionRejectsDevAuditKey(t *testing.T) {
	cfg := Default()
	cfg.DatabaseURL = "postgres://localhost/db"
	cfg.Production = true

	assert.ErrorContains(t, cfg.Validate(), "AUDIT_HMAC_KEY")

	cfg.AuditHMACKey = "a-real-production-key"
	assert.NoError(t, cfg.Validate())
}

func TestProductionRejectsAuditNoop(t *testing.T) {
	cfg := Default()
	cfg.DatabaseURL = "postgres://localhost/db"
	cfg.Production = true
	cfg.AuditHMACKey = "a-real-production-key"
	cfg.AuditAllowNoop = true

	assert.ErrorContains(t, cfg.Validate(), "audit_allow_noop")
}

func TestAutoUnsealRequiresProvider(t *testing.T) {
	cfg := Default()
	cfg.DatabaseURL = "postgres://localhost/db"
	cfg.AutoUnsealEnabled = true

	assert.ErrorContains(t, cfg.Validate(), "KMS_PROVIDER")
}
