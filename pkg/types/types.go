package types

import (
	"time"
)

// VaultConfig is the cluster-wide seal configuration. Exactly one row exists
// once the cluster is initialized; it is written by the init-lock holder and
// never mutated afterwards.
type VaultConfig struct {
	ID          int64     `db:"id"`
	WrappedKey  []byte    `db:"wrapped_key"` // master key ciphertext under the KWK
	KeyCheck    []byte    `db:"key_check"`   // HMAC verifier for reconstructed keys
	Threshold   int       `db:"threshold"`
	TotalShares int       `db:"total_shares"`
	CreatedAt   time.Time `db:"created_at"`
}

// SealState represents the state of a node's seal state machine
type SealState string

const (
	SealStateUninitialized SealState = "uninitialized"
	SealStateSealed        SealState = "sealed"
	SealStateUnsealed      SealState = "unsealed"
)

// SealStatus is the externally visible seal status of a node.
// Safe to expose in any state; carries no key material.
type SealStatus struct {
	Initialized bool `json:"initialized"`
	Sealed      bool `json:"sealed"`
	Progress    int  `json:"progress"`
	Threshold   int  `json:"threshold"`
	TotalShares int  `json:"total_shares"`
}

// NodeStatus represents the lifecycle state of a cluster node
type NodeStatus string

const (
	NodeStatusStarting     NodeStatus = "starting"
	NodeStatusInitializing NodeStatus = "initializing"
	NodeStatusSealed       NodeStatus = "sealed"
	NodeStatusUnsealed     NodeStatus = "unsealed"
	NodeStatusShutdown     NodeStatus = "shutdown"
)

// Node represents a core node in the cluster. Each node owns and mutates
// its own record; the sweep deletes records not seen within the node timeout.
type Node struct {
	ID         string            `db:"id" json:"id"`
	Hostname   string            `db:"hostname" json:"hostname"`
	Status     NodeStatus        `db:"status" json:"status"`
	IsLeader   bool              `db:"is_leader" json:"leader"`
	StartedAt  time.Time         `db:"started_at" json:"started_at"`
	LastSeenAt time.Time         `db:"last_seen_at" json:"last_seen_at"`
	Version    string            `db:"version" json:"version"`
	Metadata   map[string]string `db:"-" json:"metadata,omitempty"`
}

// NodeHealth is one health history sample for a node
type NodeHealth struct {
	ID            int64     `db:"id"`
	NodeID        string    `db:"node_id"`
	CPUPercent    float64   `db:"cpu_percent"`
	MemoryPercent float64   `db:"memory_percent"`
	DBLatencyMS   float64   `db:"db_latency_ms"`
	Sealed        bool      `db:"sealed"`
	SampledAt     time.Time `db:"sampled_at"`
}

// AutoUnsealConfig describes KMS-wrapped share material used to unseal a
// node automatically at startup. At most one row has Active set.
type AutoUnsealConfig struct {
	ID              int64     `db:"id"`
	Provider        string    `db:"provider"` // kms provider tag ("aws", "static")
	KeyID           string    `db:"key_id"`
	Region          string    `db:"region"`
	WrappedShares   [][]byte  `db:"-"` // each share independently wrapped by the KMS
	MaxRetries      int       `db:"max_retries"`
	RetryIntervalMS int       `db:"retry_interval_ms"`
	Active          bool      `db:"active"`
	CreatedAt       time.Time `db:"created_at"`
}

// SecretType distinguishes stored values from dynamically issued credentials
type SecretType string

const (
	SecretTypeStatic  SecretType = "static"
	SecretTypeDynamic SecretType = "dynamic"
)

// Secret is the live row for one secret path. Data is always ciphertext;
// plaintext exists only transiently inside the secrets manager.
type Secret struct {
	ID              string     `db:"id" json:"id"`
	Path            string     `db:"path" json:"path"`
	Type            SecretType `db:"secret_type" json:"type"`
	Ciphertext      []byte     `db:"ciphertext" json:"-"`
	Version         int        `db:"version" json:"version"`
	VersionCount    int        `db:"version_count" json:"version_count"`
	LastVersionedAt time.Time  `db:"last_versioned_at" json:"last_versioned_at"`
	TTLSeconds      int64      `db:"ttl_seconds" json:"ttl_seconds,omitempty"`
	RotationEnabled bool       `db:"rotation_enabled" json:"rotation_enabled"`
	RotationEngine  string     `db:"rotation_engine" json:"rotation_engine,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

// SecretVersion is an immutable snapshot of a secret taken before every
// mutation of the live row. Version numbers are never reused.
type SecretVersion struct {
	ID          string    `db:"id" json:"id"`
	SecretID    string    `db:"secret_id" json:"secret_id"`
	Version     int       `db:"version" json:"version"`
	Ciphertext  []byte    `db:"ciphertext" json:"-"`
	Description string    `db:"description" json:"description,omitempty"`
	Author      string    `db:"author" json:"author,omitempty"`
	SizeBytes   int       `db:"size_bytes" json:"size_bytes"`
	ArchivedAt  time.Time `db:"archived_at" json:"archived_at"`
}

// VersionDiff summarizes the differences between two archived versions
type VersionDiff struct {
	SecretID     string `json:"secret_id"`
	VersionA     int    `json:"version_a"`
	VersionB     int    `json:"version_b"`
	AuthorA      string `json:"author_a"`
	AuthorB      string `json:"author_b"`
	DescriptionA string `json:"description_a"`
	DescriptionB string `json:"description_b"`
	SizeDelta    int    `json:"size_delta"`
	TimeDelta    string `json:"time_delta"`
}

// Operation is a policy-governed action on a secret
type Operation string

const (
	OperationRead   Operation = "read"
	OperationWrite  Operation = "write"
	OperationDelete Operation = "delete"
	OperationList   Operation = "list"
	OperationRotate Operation = "rotate"
)

// PolicyDocument is the schema-validated body of a policy
type PolicyDocument struct {
	AllowedSecrets    []string          `json:"allowed_secrets" yaml:"allowed_secrets"`
	AllowedOperations []Operation       `json:"allowed_operations" yaml:"allowed_operations"`
	Conditions        map[string]any    `json:"conditions,omitempty" yaml:"conditions,omitempty"`
}

// Policy gates access to secrets. Deny policies invert the verdict: a full
// pipeline match means deny.
type Policy struct {
	ID             string         `db:"id" json:"id"`
	Name           string         `db:"name" json:"name"`
	Description    string         `db:"description" json:"description,omitempty"`
	Deny           bool           `db:"deny" json:"deny"`
	Document       PolicyDocument `db:"-" json:"document"`
	EntityBindings []string       `db:"-" json:"entity_bindings"`
	MaxTTLSeconds  int64          `db:"max_ttl_seconds" json:"max_ttl_seconds,omitempty"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at" json:"updated_at"`
}

// EventType enumerates audit event types
type EventType string

const (
	EventVaultInitialized   EventType = "vault.initialized"
	EventVaultUnsealed      EventType = "vault.unsealed"
	EventVaultSealed        EventType = "vault.sealed"
	EventVaultAutoSealed    EventType = "vault.auto_sealed"
	EventSecretCreated      EventType = "secret.created"
	EventSecretAccessed     EventType = "secret.accessed"
	EventSecretAccessDenied EventType = "secret.access_denied"
	EventSecretUpdated      EventType = "secret.updated"
	EventSecretDeleted      EventType = "secret.deleted"
	EventSecretRolledBack   EventType = "secret.rolled_back"
	EventSecretRotated      EventType = "secret.rotated"
	EventLeaseIssued        EventType = "lease.issued"
	EventLeaseRevoked       EventType = "lease.revoked"
	EventPolicyCreated      EventType = "policy.created"
	EventPolicyUpdated      EventType = "policy.updated"
	EventPolicyDeleted      EventType = "policy.deleted"
	EventLeaderElected      EventType = "cluster.leader_elected"
	EventLeaderLost         EventType = "cluster.leader_lost"
)

// ActorType identifies the kind of principal behind an audit event
type ActorType string

const (
	ActorAgent       ActorType = "agent"
	ActorApplication ActorType = "application"
	ActorAdmin       ActorType = "admin"
	ActorSystem      ActorType = "system"
)

// AuditEvent is one entry in the tamper-evident log. Rows are append-only;
// SequenceNumber is strictly increasing from 1 with no gaps, PreviousHash
// chains to the prior row's CurrentHash ("GENESIS" for the first row), and
// Signature is an HMAC over (event id, sequence, current hash).
type AuditEvent struct {
	ID             string    `db:"id" json:"id"`
	SequenceNumber int64     `db:"sequence_number" json:"sequence_number"`
	Timestamp      time.Time `db:"event_time" json:"timestamp"`
	EventType      EventType `db:"event_type" json:"event_type"`
	ActorType      ActorType `db:"actor_type" json:"actor_type"`
	ActorID        string    `db:"actor_id" json:"actor_id"`
	SecretID       string    `db:"secret_id" json:"secret_id,omitempty"`
	SecretVersion  int       `db:"secret_version" json:"secret_version,omitempty"`
	AccessGranted  bool      `db:"access_granted" json:"access_granted"`
	PolicyMatched  string    `db:"policy_matched" json:"policy_matched,omitempty"`
	DenialReason   string    `db:"denial_reason" json:"denial_reason,omitempty"`
	SourceIP       string    `db:"source_ip" json:"source_ip,omitempty"`
	CorrelationID  string    `db:"correlation_id" json:"correlation_id,omitempty"`
	PreviousHash   string    `db:"previous_hash" json:"previous_hash"`
	CurrentHash    string    `db:"current_hash" json:"current_hash"`
	Signature      string    `db:"signature" json:"signature"`
}

// Lease tracks a dynamically issued credential. The core only stores the
// opaque ciphertext and expiry; issuance and revocation live with the
// lease manager's engine connectors.
type Lease struct {
	ID         string     `db:"id" json:"id"`
	SecretID   string     `db:"secret_id" json:"secret_id"`
	EntityID   string     `db:"entity_id" json:"entity_id"`
	Engine     string     `db:"engine" json:"engine"`
	Ciphertext []byte     `db:"ciphertext" json:"-"`
	IssuedAt   time.Time  `db:"issued_at" json:"issued_at"`
	ExpiresAt  time.Time  `db:"expires_at" json:"expires_at"`
	RevokedAt  *time.Time `db:"revoked_at" json:"revoked_at,omitempty"`
}

// RotationStatus is the outcome of one rotation run
type RotationStatus string

const (
	RotationStatusRunning   RotationStatus = "running"
	RotationStatusSucceeded RotationStatus = "succeeded"
	RotationStatusFailed    RotationStatus = "failed"
	RotationStatusRolledBack RotationStatus = "rolled_back"
)

// RotationRecord is one row of rotation history for a secret
type RotationRecord struct {
	ID         string         `db:"id" json:"id"`
	SecretID   string         `db:"secret_id" json:"secret_id"`
	Engine     string         `db:"engine" json:"engine"`
	OldVersion int            `db:"old_version" json:"old_version"`
	NewVersion int            `db:"new_version" json:"new_version"`
	Status     RotationStatus `db:"status" json:"status"`
	Error      string         `db:"error" json:"error,omitempty"`
	StartedAt  time.Time      `db:"started_at" json:"started_at"`
	FinishedAt *time.Time     `db:"finished_at" json:"finished_at,omitempty"`
	DurationMS int64          `db:"duration_ms" json:"duration_ms"`
}

// BootstrapToken is a one-time admission token for joining nodes.
// Consumption happens under a row lock so a token is spent at most once.
type BootstrapToken struct {
	Token      string     `db:"token"`
	Role       string     `db:"role"`
	CreatedAt  time.Time  `db:"created_at"`
	ExpiresAt  time.Time  `db:"expires_at"`
	ConsumedAt *time.Time `db:"consumed_at"`
	ConsumedBy string     `db:"consumed_by"`
}

// SecretStats is the decryption-free metadata summary for list/stats surfaces
type SecretStats struct {
	TotalSecrets  int            `json:"total_secrets"`
	TotalVersions int            `json:"total_versions"`
	ByType        map[string]int `json:"by_type"`
	RotationDue   int            `json:"rotation_due"`
	StaleSecrets  int            `json:"stale_secrets"` // not updated in 90 days
}
