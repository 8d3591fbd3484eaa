package storage

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	"github.com/secrethub/secrethub/pkg/types"

	_ "github.com/jackc/pgx/v5/stdlib" // postgres driver
)

// PostgresStore implements Store on a PostgreSQL database via sqlx
type PostgresStore struct {
	db *sqlx.DB
}

// Config holds database connection settings
type Config struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	QueryTimeout    time.Duration
}

// NewPostgresStore connects to PostgreSQL and verifies the connection
func NewPostgresStore(ctx context.Context, cfg Config) (*PostgresStore, error) {
	db, err := sqlx.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an existing connection, mainly for tests
func NewPostgresStoreFromDB(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// DB exposes the underlying connection pool for the advisory lock layer,
// which needs dedicated sessions.
func (s *PostgresStore) DB() *sqlx.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// isUniqueViolation reports whether err is a unique-constraint violation
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// ---- vault config ----

func (s *PostgresStore) CreateVaultConfig(ctx context.Context, cfg *types.VaultConfig) error {
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO vault_config (wrapped_key, key_check, threshold, total_shares, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		cfg.WrappedKey, cfg.KeyCheck, cfg.Threshold, cfg.TotalShares, cfg.CreatedAt,
	).Scan(&cfg.ID)
	if isUniqueViolation(err) {
		return types.ErrAlreadyInitialized
	}
	if err != nil {
		return fmt.Errorf("failed to insert vault config: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetVaultConfig(ctx context.Context) (*types.VaultConfig, error) {
	var cfg types.VaultConfig
	err := s.db.GetContext(ctx, &cfg, `
		SELECT id, wrapped_key, key_check, threshold, total_shares, created_at
		FROM vault_config LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load vault config: %w", err)
	}
	return &cfg, nil
}

func (s *PostgresStore) DeleteVaultConfig(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM vault_config`)
	if err != nil {
		return fmt.Errorf("failed to delete vault config: %w", err)
	}
	return nil
}

// ---- cluster nodes ----

func (s *PostgresStore) UpsertNode(ctx context.Context, node *types.Node) error {
	meta, err := json.Marshal(node.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal node metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cluster_nodes (id, hostname, status, is_leader, started_at, last_seen_at, version, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			hostname = EXCLUDED.hostname,
			status = EXCLUDED.status,
			last_seen_at = EXCLUDED.last_seen_at,
			version = EXCLUDED.version,
			metadata = EXCLUDED.metadata`,
		node.ID, node.Hostname, node.Status, node.IsLeader,
		node.StartedAt, node.LastSeenAt, node.Version, meta)
	if err != nil {
		return fmt.Errorf("failed to upsert node: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetNode(ctx context.Context, id string) (*types.Node, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT id, hostname, status, is_leader, started_at, last_seen_at, version, metadata
		FROM cluster_nodes WHERE id = $1`, id)
	return scanNode(row)
}

func (s *PostgresStore) ListNodes(ctx context.Context) ([]*types.Node, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, hostname, status, is_leader, started_at, last_seen_at, version, metadata
		FROM cluster_nodes ORDER BY started_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*types.Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (*types.Node, error) {
	var node types.Node
	var meta []byte
	err := row.Scan(&node.ID, &node.Hostname, &node.Status, &node.IsLeader,
		&node.StartedAt, &node.LastSeenAt, &node.Version, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan node: %w", err)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &node.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal node metadata: %w", err)
		}
	}
	return &node, nil
}

func (s *PostgresStore) TouchNode(ctx context.Context, id string, status types.NodeStatus, seenAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE cluster_nodes SET status = $2, last_seen_at = $3 WHERE id = $1`,
		id, status, seenAt)
	if err != nil {
		return fmt.Errorf("failed to touch node: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetNodeLeader(ctx context.Context, id string, leader bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE cluster_nodes SET is_leader = $2 WHERE id = $1`, id, leader)
	if err != nil {
		return fmt.Errorf("failed to set node leader flag: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteNode(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cluster_nodes WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete node: %w", err)
	}
	return nil
}

func (s *PostgresStore) SweepStaleNodes(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM cluster_nodes
		WHERE last_seen_at < $1 AND status <> $2`,
		olderThan, types.NodeStatusShutdown)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep stale nodes: %w", err)
	}
	return res.RowsAffected()
}

// ---- node health ----

func (s *PostgresStore) InsertNodeHealth(ctx context.Context, h *types.NodeHealth) error {
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO node_health (node_id, cpu_percent, memory_percent, db_latency_ms, sealed, sampled_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		h.NodeID, h.CPUPercent, h.MemoryPercent, h.DBLatencyMS, h.Sealed, h.SampledAt,
	).Scan(&h.ID)
	if err != nil {
		return fmt.Errorf("failed to insert node health: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListNodeHealth(ctx context.Context, nodeID string, limit int) ([]*types.NodeHealth, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []*types.NodeHealth
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, node_id, cpu_percent, memory_percent, db_latency_ms, sealed, sampled_at
		FROM node_health WHERE node_id = $1
		ORDER BY sampled_at DESC LIMIT $2`, nodeID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list node health: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) PruneNodeHealth(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM node_health WHERE sampled_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune node health: %w", err)
	}
	return res.RowsAffected()
}

// ---- auto-unseal config ----

func (s *PostgresStore) SetAutoUnsealConfig(ctx context.Context, cfg *types.AutoUnsealConfig) error {
	shares := make([]string, len(cfg.WrappedShares))
	for i, ws := range cfg.WrappedShares {
		shares[i] = base64.StdEncoding.EncodeToString(ws)
	}
	sharesJSON, err := json.Marshal(shares)
	if err != nil {
		return fmt.Errorf("failed to marshal wrapped shares: %w", err)
	}

	// deactivation of the old row and insert of the replacement share a
	// transaction so there is never a window with two active configs
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `UPDATE auto_unseal_config SET active = false WHERE active`); err != nil {
		return fmt.Errorf("failed to deactivate previous auto-unseal config: %w", err)
	}
	err = tx.QueryRowxContext(ctx, `
		INSERT INTO auto_unseal_config (provider, key_id, region, wrapped_shares, max_retries, retry_interval_ms, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, true, $7)
		RETURNING id`,
		cfg.Provider, cfg.KeyID, cfg.Region, sharesJSON,
		cfg.MaxRetries, cfg.RetryIntervalMS, cfg.CreatedAt,
	).Scan(&cfg.ID)
	if err != nil {
		return fmt.Errorf("failed to insert auto-unseal config: %w", err)
	}
	cfg.Active = true

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit auto-unseal config: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetActiveAutoUnsealConfig(ctx context.Context) (*types.AutoUnsealConfig, error) {
	var cfg types.AutoUnsealConfig
	var sharesJSON []byte
	err := s.db.QueryRowxContext(ctx, `
		SELECT id, provider, key_id, region, wrapped_shares, max_retries, retry_interval_ms, active, created_at
		FROM auto_unseal_config WHERE active LIMIT 1`,
	).Scan(&cfg.ID, &cfg.Provider, &cfg.KeyID, &cfg.Region, &sharesJSON,
		&cfg.MaxRetries, &cfg.RetryIntervalMS, &cfg.Active, &cfg.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load auto-unseal config: %w", err)
	}

	var shares []string
	if err := json.Unmarshal(sharesJSON, &shares); err != nil {
		return nil, fmt.Errorf("failed to unmarshal wrapped shares: %w", err)
	}
	cfg.WrappedShares = make([][]byte, len(shares))
	for i, s64 := range shares {
		raw, err := base64.StdEncoding.DecodeString(s64)
		if err != nil {
			return nil, fmt.Errorf("failed to decode wrapped share %d: %w", i, err)
		}
		cfg.WrappedShares[i] = raw
	}
	return &cfg, nil
}

// ---- bootstrap tokens ----

func (s *PostgresStore) CreateBootstrapToken(ctx context.Context, token *types.BootstrapToken) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bootstrap_tokens (token, role, created_at, expires_at)
		VALUES ($1, $2, $3, $4)`,
		token.Token, token.Role, token.CreatedAt, token.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to create bootstrap token: %w", err)
	}
	return nil
}

// ConsumeBootstrapToken atomically spends a one-time token. The row lock
// ensures two racing nodes cannot both consume it.
func (s *PostgresStore) ConsumeBootstrapToken(ctx context.Context, token, nodeID string) (string, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var bt types.BootstrapToken
	err = tx.GetContext(ctx, &bt, `
		SELECT token, role, created_at, expires_at, consumed_at, consumed_by
		FROM bootstrap_tokens WHERE token = $1 FOR UPDATE`, token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", types.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to load bootstrap token: %w", err)
	}

	if bt.ConsumedAt != nil {
		return "", fmt.Errorf("bootstrap token already consumed by %s", bt.ConsumedBy)
	}
	if time.Now().After(bt.ExpiresAt) {
		return "", fmt.Errorf("bootstrap token expired")
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE bootstrap_tokens SET consumed_at = now(), consumed_by = $2
		WHERE token = $1`, token, nodeID); err != nil {
		return "", fmt.Errorf("failed to consume bootstrap token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit token consumption: %w", err)
	}
	return bt.Role, nil
}

// ---- secrets ----

func (s *PostgresStore) CreateSecret(ctx context.Context, secret *types.Secret) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO secrets (id, path, secret_type, ciphertext, version, version_count,
			last_versioned_at, ttl_seconds, rotation_enabled, rotation_engine, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		secret.ID, secret.Path, secret.Type, secret.Ciphertext, secret.Version,
		secret.VersionCount, secret.LastVersionedAt, secret.TTLSeconds,
		secret.RotationEnabled, secret.RotationEngine, secret.CreatedAt, secret.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("secret path %q already exists", secret.Path)
	}
	if err != nil {
		return fmt.Errorf("failed to create secret: %w", err)
	}
	return nil
}

const secretColumns = `id, path, secret_type, ciphertext, version, version_count,
	last_versioned_at, ttl_seconds, rotation_enabled, rotation_engine, created_at, updated_at`

func (s *PostgresStore) GetSecret(ctx context.Context, id string) (*types.Secret, error) {
	var secret types.Secret
	err := s.db.GetContext(ctx, &secret,
		`SELECT `+secretColumns+` FROM secrets WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get secret: %w", err)
	}
	return &secret, nil
}

func (s *PostgresStore) GetSecretByPath(ctx context.Context, path string) (*types.Secret, error) {
	var secret types.Secret
	err := s.db.GetContext(ctx, &secret,
		`SELECT `+secretColumns+` FROM secrets WHERE path = $1`, path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get secret by path: %w", err)
	}
	return &secret, nil
}

func (s *PostgresStore) ListSecrets(ctx context.Context, filter SecretFilter) ([]*types.Secret, error) {
	query := `SELECT ` + secretColumns + ` FROM secrets`
	var conds []string
	var args []any
	if filter.Type != "" {
		args = append(args, filter.Type)
		conds = append(conds, fmt.Sprintf("secret_type = $%d", len(args)))
	}
	if filter.PathPrefix != "" {
		args = append(args, filter.PathPrefix+"%")
		conds = append(conds, fmt.Sprintf("path LIKE $%d", len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY path"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	var out []*types.Secret
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list secrets: %w", err)
	}
	return out, nil
}

// UpdateSecretWithArchive archives the prior version and updates the live
// row in one transaction. If the version insert fails, the live row is
// untouched.
func (s *PostgresStore) UpdateSecretWithArchive(ctx context.Context, secret *types.Secret, archived *types.SecretVersion) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if archived != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO secret_versions (id, secret_id, version, ciphertext, description, author, size_bytes, archived_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			archived.ID, archived.SecretID, archived.Version, archived.Ciphertext,
			archived.Description, archived.Author, archived.SizeBytes, archived.ArchivedAt); err != nil {
			return fmt.Errorf("failed to archive secret version: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE secrets SET
			ciphertext = $2, version = $3, version_count = $4,
			last_versioned_at = $5, ttl_seconds = $6,
			rotation_enabled = $7, rotation_engine = $8, updated_at = $9
		WHERE id = $1`,
		secret.ID, secret.Ciphertext, secret.Version, secret.VersionCount,
		secret.LastVersionedAt, secret.TTLSeconds,
		secret.RotationEnabled, secret.RotationEngine, secret.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update secret: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit secret update: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteSecret(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete secret: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SecretStats(ctx context.Context) (*types.SecretStats, error) {
	stats := &types.SecretStats{ByType: make(map[string]int)}

	rows, err := s.db.QueryxContext(ctx, `
		SELECT secret_type, count(*) FROM secrets GROUP BY secret_type`)
	if err != nil {
		return nil, fmt.Errorf("failed to count secrets: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, fmt.Errorf("failed to scan secret counts: %w", err)
		}
		stats.ByType[typ] = n
		stats.TotalSecrets += n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.db.GetContext(ctx, &stats.TotalVersions,
		`SELECT count(*) FROM secret_versions`); err != nil {
		return nil, fmt.Errorf("failed to count versions: %w", err)
	}
	if err := s.db.GetContext(ctx, &stats.RotationDue, `
		SELECT count(*) FROM secrets
		WHERE rotation_enabled AND ttl_seconds > 0
		  AND updated_at + make_interval(secs => ttl_seconds) < now()`); err != nil {
		return nil, fmt.Errorf("failed to count rotation due: %w", err)
	}
	if err := s.db.GetContext(ctx, &stats.StaleSecrets, `
		SELECT count(*) FROM secrets WHERE updated_at < now() - interval '90 days'`); err != nil {
		return nil, fmt.Errorf("failed to count stale secrets: %w", err)
	}
	return stats, nil
}

// ---- secret versions ----

func (s *PostgresStore) GetSecretVersion(ctx context.Context, secretID string, version int) (*types.SecretVersion, error) {
	var v types.SecretVersion
	err := s.db.GetContext(ctx, &v, `
		SELECT id, secret_id, version, ciphertext, description, author, size_bytes, archived_at
		FROM secret_versions WHERE secret_id = $1 AND version = $2`, secretID, version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get secret version: %w", err)
	}
	return &v, nil
}

func (s *PostgresStore) ListSecretVersions(ctx context.Context, secretID string) ([]*types.SecretVersion, error) {
	var out []*types.SecretVersion
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, secret_id, version, ciphertext, description, author, size_bytes, archived_at
		FROM secret_versions WHERE secret_id = $1 ORDER BY version DESC`, secretID)
	if err != nil {
		return nil, fmt.Errorf("failed to list secret versions: %w", err)
	}
	return out, nil
}

// PruneSecretVersions deletes versions outside the last keepLast and older
// than keepAfter. A version survives if either retention rule covers it.
func (s *PostgresStore) PruneSecretVersions(ctx context.Context, secretID string, keepLast int, keepAfter time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM secret_versions
		WHERE secret_id = $1
		  AND archived_at < $3
		  AND version NOT IN (
			SELECT version FROM secret_versions
			WHERE secret_id = $1 ORDER BY version DESC LIMIT $2
		  )`, secretID, keepLast, keepAfter)
	if err != nil {
		return 0, fmt.Errorf("failed to prune secret versions: %w", err)
	}
	return res.RowsAffected()
}

// ---- policies ----

func (s *PostgresStore) CreatePolicy(ctx context.Context, policy *types.Policy) error {
	doc, err := json.Marshal(policy.Document)
	if err != nil {
		return fmt.Errorf("failed to marshal policy document: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO policies (id, name, description, deny, document, max_ttl_seconds, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		policy.ID, policy.Name, policy.Description, policy.Deny, doc,
		policy.MaxTTLSeconds, policy.CreatedAt, policy.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("policy name %q already exists", policy.Name)
	}
	if err != nil {
		return fmt.Errorf("failed to create policy: %w", err)
	}

	if err := insertBindings(ctx, tx, policy.ID, policy.EntityBindings); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit policy: %w", err)
	}
	return nil
}

func insertBindings(ctx context.Context, tx *sqlx.Tx, policyID string, entities []string) error {
	for _, entityID := range entities {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO policy_entities (policy_id, entity_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING`, policyID, entityID); err != nil {
			return fmt.Errorf("failed to bind entity %s: %w", entityID, err)
		}
	}
	return nil
}

const policyColumns = `id, name, description, deny, document, max_ttl_seconds, created_at, updated_at`

func (s *PostgresStore) GetPolicy(ctx context.Context, id string) (*types.Policy, error) {
	return s.loadPolicy(ctx, `SELECT `+policyColumns+` FROM policies WHERE id = $1`, id)
}

func (s *PostgresStore) GetPolicyByName(ctx context.Context, name string) (*types.Policy, error) {
	return s.loadPolicy(ctx, `SELECT `+policyColumns+` FROM policies WHERE name = $1`, name)
}

func (s *PostgresStore) loadPolicy(ctx context.Context, query string, arg any) (*types.Policy, error) {
	row := s.db.QueryRowxContext(ctx, query, arg)
	policy, err := scanPolicy(row)
	if err != nil {
		return nil, err
	}
	if err := s.db.SelectContext(ctx, &policy.EntityBindings, `
		SELECT entity_id FROM policy_entities WHERE policy_id = $1 ORDER BY entity_id`,
		policy.ID); err != nil {
		return nil, fmt.Errorf("failed to load policy bindings: %w", err)
	}
	return policy, nil
}

func scanPolicy(row rowScanner) (*types.Policy, error) {
	var p types.Policy
	var doc []byte
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Deny, &doc,
		&p.MaxTTLSeconds, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan policy: %w", err)
	}
	if err := json.Unmarshal(doc, &p.Document); err != nil {
		return nil, fmt.Errorf("failed to unmarshal policy document: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) ListPolicies(ctx context.Context) ([]*types.Policy, error) {
	return s.selectPolicies(ctx, `SELECT `+policyColumns+` FROM policies ORDER BY name`)
}

func (s *PostgresStore) ListPoliciesForEntity(ctx context.Context, entityID string) ([]*types.Policy, error) {
	// policies with no bindings apply to every entity
	return s.selectPolicies(ctx, `
		SELECT `+policyColumns+` FROM policies p
		WHERE NOT EXISTS (SELECT 1 FROM policy_entities pe WHERE pe.policy_id = p.id)
		   OR EXISTS (SELECT 1 FROM policy_entities pe WHERE pe.policy_id = p.id AND pe.entity_id = $1)
		ORDER BY name`, entityID)
}

func (s *PostgresStore) selectPolicies(ctx context.Context, query string, args ...any) ([]*types.Policy, error) {
	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list policies: %w", err)
	}
	defer rows.Close()

	var out []*types.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, p := range out {
		if err := s.db.SelectContext(ctx, &p.EntityBindings, `
			SELECT entity_id FROM policy_entities WHERE policy_id = $1 ORDER BY entity_id`,
			p.ID); err != nil {
			return nil, fmt.Errorf("failed to load policy bindings: %w", err)
		}
	}
	return out, nil
}

func (s *PostgresStore) UpdatePolicy(ctx context.Context, policy *types.Policy) error {
	doc, err := json.Marshal(policy.Document)
	if err != nil {
		return fmt.Errorf("failed to marshal policy document: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE policies SET description = $2, deny = $3, document = $4,
			max_ttl_seconds = $5, updated_at = $6
		WHERE id = $1`,
		policy.ID, policy.Description, policy.Deny, doc,
		policy.MaxTTLSeconds, policy.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update policy: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM policy_entities WHERE policy_id = $1`, policy.ID); err != nil {
		return fmt.Errorf("failed to clear policy bindings: %w", err)
	}
	if err := insertBindings(ctx, tx, policy.ID, policy.EntityBindings); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit policy update: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeletePolicy(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM policies WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete policy: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrNotFound
	}
	return nil
}

// ---- audit chain ----

const auditColumns = `id, sequence_number, event_time, event_type, actor_type, actor_id,
	secret_id, secret_version, access_granted, policy_matched, denial_reason,
	source_ip, correlation_id, previous_hash, current_hash, signature`

func (s *PostgresStore) AppendAuditEvent(ctx context.Context, event *types.AuditEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (`+auditColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		event.ID, event.SequenceNumber, event.Timestamp, event.EventType,
		event.ActorType, event.ActorID, event.SecretID, event.SecretVersion,
		event.AccessGranted, event.PolicyMatched, event.DenialReason,
		event.SourceIP, event.CorrelationID,
		event.PreviousHash, event.CurrentHash, event.Signature)
	if isUniqueViolation(err) {
		return fmt.Errorf("audit sequence %d already claimed: %w", event.SequenceNumber, types.ErrSequenceConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to append audit event: %v: %w", err, types.ErrAuditWriteFailure)
	}
	return nil
}

func (s *PostgresStore) LastAuditEvent(ctx context.Context) (*types.AuditEvent, error) {
	var e types.AuditEvent
	err := s.db.GetContext(ctx, &e, `
		SELECT `+auditColumns+` FROM audit_events
		ORDER BY sequence_number DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load last audit event: %w", err)
	}
	return &e, nil
}

func (s *PostgresStore) SearchAuditEvents(ctx context.Context, filter AuditFilter) ([]*types.AuditEvent, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_events`
	var conds []string
	var args []any
	add := func(cond string, val any) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if filter.EventType != "" {
		add("event_type = $%d", filter.EventType)
	}
	if filter.ActorType != "" {
		add("actor_type = $%d", filter.ActorType)
	}
	if filter.ActorID != "" {
		add("actor_id = $%d", filter.ActorID)
	}
	if filter.SecretID != "" {
		add("secret_id = $%d", filter.SecretID)
	}
	if filter.AccessGranted != nil {
		add("access_granted = $%d", *filter.AccessGranted)
	}
	if filter.CorrelationID != "" {
		add("correlation_id = $%d", filter.CorrelationID)
	}
	if !filter.From.IsZero() {
		add("event_time >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("event_time <= $%d", filter.To)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY event_time DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	var out []*types.AuditEvent
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("failed to search audit events: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) AuditEventsAscending(ctx context.Context, afterSequence int64, limit int) ([]*types.AuditEvent, error) {
	if limit <= 0 {
		limit = 1000
	}
	var out []*types.AuditEvent
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+auditColumns+` FROM audit_events
		WHERE sequence_number > $1
		ORDER BY sequence_number ASC LIMIT $2`, afterSequence, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load audit events: %w", err)
	}
	return out, nil
}

// ---- leases ----

func (s *PostgresStore) CreateLease(ctx context.Context, lease *types.Lease) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO leases (id, secret_id, entity_id, engine, ciphertext, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		lease.ID, lease.SecretID, lease.EntityID, lease.Engine,
		lease.Ciphertext, lease.IssuedAt, lease.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to create lease: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetLease(ctx context.Context, id string) (*types.Lease, error) {
	var lease types.Lease
	err := s.db.GetContext(ctx, &lease, `
		SELECT id, secret_id, entity_id, engine, ciphertext, issued_at, expires_at, revoked_at
		FROM leases WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lease: %w", err)
	}
	return &lease, nil
}

func (s *PostgresStore) UpdateLeaseExpiry(ctx context.Context, id string, expiresAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE leases SET expires_at = $2 WHERE id = $1 AND revoked_at IS NULL`,
		id, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to update lease expiry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) RevokeLease(ctx context.Context, id string, revokedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE leases SET revoked_at = $2 WHERE id = $1 AND revoked_at IS NULL`,
		id, revokedAt)
	if err != nil {
		return fmt.Errorf("failed to revoke lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteLease(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete lease: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListExpiredLeases(ctx context.Context, asOf time.Time, limit int) ([]*types.Lease, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []*types.Lease
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, secret_id, entity_id, engine, ciphertext, issued_at, expires_at, revoked_at
		FROM leases WHERE expires_at <= $1 AND revoked_at IS NULL
		ORDER BY expires_at LIMIT $2`, asOf, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired leases: %w", err)
	}
	return out, nil
}

// ---- rotation history ----

func (s *PostgresStore) CreateRotationRecord(ctx context.Context, rec *types.RotationRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rotation_history (id, secret_id, engine, old_version, new_version, status, error, started_at, finished_at, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.ID, rec.SecretID, rec.Engine, rec.OldVersion, rec.NewVersion,
		rec.Status, rec.Error, rec.StartedAt, rec.FinishedAt, rec.DurationMS)
	if err != nil {
		return fmt.Errorf("failed to create rotation record: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateRotationRecord(ctx context.Context, rec *types.RotationRecord) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE rotation_history SET old_version = $2, new_version = $3, status = $4,
			error = $5, finished_at = $6, duration_ms = $7
		WHERE id = $1`,
		rec.ID, rec.OldVersion, rec.NewVersion, rec.Status,
		rec.Error, rec.FinishedAt, rec.DurationMS)
	if err != nil {
		return fmt.Errorf("failed to update rotation record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListRotationRecords(ctx context.Context, secretID string, limit int) ([]*types.RotationRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []*types.RotationRecord
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, secret_id, engine, old_version, new_version, status, error, started_at, finished_at, duration_ms
		FROM rotation_history WHERE secret_id = $1
		ORDER BY started_at DESC LIMIT $2`, secretID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list rotation records: %w", err)
	}
	return out, nil
}
