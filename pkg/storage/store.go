package storage

import (
	"context"
	"time"

	"github.com/secrethub/secrethub/pkg/types"
)

// AuditFilter narrows audit searches. Zero values mean "no constraint".
type AuditFilter struct {
	EventType     types.EventType
	ActorType     types.ActorType
	ActorID       string
	SecretID      string
	AccessGranted *bool
	CorrelationID string
	From          time.Time
	To            time.Time
	Limit         int
	Offset        int
}

// SecretFilter narrows metadata listings
type SecretFilter struct {
	Type       types.SecretType
	PathPrefix string
	Limit      int
	Offset     int
}

// Store defines the interface for durable cluster state.
// Implemented by PostgresStore; tests substitute stubs.
type Store interface {
	// Vault config
	CreateVaultConfig(ctx context.Context, cfg *types.VaultConfig) error
	GetVaultConfig(ctx context.Context) (*types.VaultConfig, error)
	DeleteVaultConfig(ctx context.Context) error

	// Cluster nodes
	UpsertNode(ctx context.Context, node *types.Node) error
	GetNode(ctx context.Context, id string) (*types.Node, error)
	ListNodes(ctx context.Context) ([]*types.Node, error)
	TouchNode(ctx context.Context, id string, status types.NodeStatus, seenAt time.Time) error
	SetNodeLeader(ctx context.Context, id string, leader bool) error
	DeleteNode(ctx context.Context, id string) error
	SweepStaleNodes(ctx context.Context, olderThan time.Time) (int64, error)

	// Node health history
	InsertNodeHealth(ctx context.Context, h *types.NodeHealth) error
	ListNodeHealth(ctx context.Context, nodeID string, limit int) ([]*types.NodeHealth, error)
	PruneNodeHealth(ctx context.Context, before time.Time) (int64, error)

	// Auto-unseal config
	SetAutoUnsealConfig(ctx context.Context, cfg *types.AutoUnsealConfig) error
	GetActiveAutoUnsealConfig(ctx context.Context) (*types.AutoUnsealConfig, error)

	// Bootstrap tokens
	CreateBootstrapToken(ctx context.Context, token *types.BootstrapToken) error
	ConsumeBootstrapToken(ctx context.Context, token, nodeID string) (string, error)

	// Secrets
	CreateSecret(ctx context.Context, secret *types.Secret) error
	GetSecret(ctx context.Context, id string) (*types.Secret, error)
	GetSecretByPath(ctx context.Context, path string) (*types.Secret, error)
	ListSecrets(ctx context.Context, filter SecretFilter) ([]*types.Secret, error)
	UpdateSecretWithArchive(ctx context.Context, secret *types.Secret, archived *types.SecretVersion) error
	DeleteSecret(ctx context.Context, id string) error
	SecretStats(ctx context.Context) (*types.SecretStats, error)

	// Secret versions
	GetSecretVersion(ctx context.Context, secretID string, version int) (*types.SecretVersion, error)
	ListSecretVersions(ctx context.Context, secretID string) ([]*types.SecretVersion, error)
	PruneSecretVersions(ctx context.Context, secretID string, keepLast int, keepAfter time.Time) (int64, error)

	// Policies
	CreatePolicy(ctx context.Context, policy *types.Policy) error
	GetPolicy(ctx context.Context, id string) (*types.Policy, error)
	GetPolicyByName(ctx context.Context, name string) (*types.Policy, error)
	ListPolicies(ctx context.Context) ([]*types.Policy, error)
	ListPoliciesForEntity(ctx context.Context, entityID string) ([]*types.Policy, error)
	UpdatePolicy(ctx context.Context, policy *types.Policy) error
	DeletePolicy(ctx context.Context, id string) error

	// Audit chain (append-only)
	AppendAuditEvent(ctx context.Context, event *types.AuditEvent) error
	LastAuditEvent(ctx context.Context) (*types.AuditEvent, error)
	SearchAuditEvents(ctx context.Context, filter AuditFilter) ([]*types.AuditEvent, error)
	AuditEventsAscending(ctx context.Context, afterSequence int64, limit int) ([]*types.AuditEvent, error)

	// Leases
	CreateLease(ctx context.Context, lease *types.Lease) error
	GetLease(ctx context.Context, id string) (*types.Lease, error)
	UpdateLeaseExpiry(ctx context.Context, id string, expiresAt time.Time) error
	RevokeLease(ctx context.Context, id string, revokedAt time.Time) error
	DeleteLease(ctx context.Context, id string) error
	ListExpiredLeases(ctx context.Context, asOf time.Time, limit int) ([]*types.Lease, error)

	// Rotation history
	CreateRotationRecord(ctx context.Context, rec *types.RotationRecord) error
	UpdateRotationRecord(ctx context.Context, rec *types.RotationRecord) error
	ListRotationRecords(ctx context.Context, secretID string, limit int) ([]*types.RotationRecord, error)

	// Utility
	Ping(ctx context.Context) error
	Close() error
}
