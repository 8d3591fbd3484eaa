package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/secrethub/secrethub/pkg/crypto"
	"github.com/secrethub/secrethub/pkg/log"
	"github.com/secrethub/secrethub/pkg/metrics"
	"github.com/secrethub/secrethub/pkg/policy"
	"github.com/secrethub/secrethub/pkg/storage"
	"github.com/secrethub/secrethub/pkg/types"
)

// MaxPathLength bounds secret paths cluster-wide.
const MaxPathLength = 512

var pathLabel = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// KeySource provides the master key. Implemented by the seal service;
// returned copies are zeroed by this package after each use.
type KeySource interface {
	GetMasterKey(ctx context.Context) ([]byte, error)
}

// AuditSink records secret access events.
type AuditSink interface {
	Log(ctx context.Context, event *types.AuditEvent) error
}

// Store is the subset of the storage layer the manager needs.
type Store interface {
	CreateSecret(ctx context.Context, secret *types.Secret) error
	GetSecret(ctx context.Context, id string) (*types.Secret, error)
	GetSecretByPath(ctx context.Context, path string) (*types.Secret, error)
	ListSecrets(ctx context.Context, filter storage.SecretFilter) ([]*types.Secret, error)
	UpdateSecretWithArchive(ctx context.Context, secret *types.Secret, archived *types.SecretVersion) error
	DeleteSecret(ctx context.Context, id string) error
	SecretStats(ctx context.Context) (*types.SecretStats, error)
	GetSecretVersion(ctx context.Context, secretID string, version int) (*types.SecretVersion, error)
	ListSecretVersions(ctx context.Context, secretID string) ([]*types.SecretVersion, error)
	PruneSecretVersions(ctx context.Context, secretID string, keepLast int, keepAfter time.Time) (int64, error)
}

// CreateRequest carries the attributes for a new secret.
type CreateRequest struct {
	Path            string            `json:"path"`
	Type            types.SecretType  `json:"type"`
	Data            map[string]string `json:"data"`
	TTLSeconds      int64             `json:"ttl_seconds,omitempty"`
	RotationEnabled bool              `json:"rotation_enabled,omitempty"`
	RotationEngine  string            `json:"rotation_engine,omitempty"`
	Author          string            `json:"author,omitempty"`
}

// UpdateRequest carries a mutation of an existing secret. Nil Data keeps
// the current ciphertext and only touches metadata.
type UpdateRequest struct {
	Data        map[string]string `json:"data,omitempty"`
	TTLSeconds  *int64            `json:"ttl_seconds,omitempty"`
	Author      string            `json:"author,omitempty"`
	Description string            `json:"description,omitempty"`
}

// Manager implements the secret lifecycle on top of the seal service, the
// policy evaluator, and the audit chain.
type Manager struct {
	store     Store
	keys      KeySource
	evaluator *policy.Evaluator
	audit     AuditSink
	logger    zerolog.Logger
}

// NewManager wires the manager. evaluator may be nil when the caller
// performs its own policy checks and only uses ReadDecrypted.
func NewManager(store Store, keys KeySource, evaluator *policy.Evaluator, audit AuditSink) *Manager {
	return &Manager{
		store:     store,
		keys:      keys,
		evaluator: evaluator,
		audit:     audit,
		logger:    log.WithComponent("secrets"),
	}
}

// ValidatePath enforces the reverse-domain path syntax.
func ValidatePath(path string) error {
	if path == "" {
		return fmt.Errorf("secret path must not be empty")
	}
	if len(path) > MaxPathLength {
		return fmt.Errorf("secret path exceeds %d characters", MaxPathLength)
	}
	for _, label := range strings.Split(path, ".") {
		if !pathLabel.MatchString(label) {
			return fmt.Errorf("invalid path label %q: want [a-zA-Z0-9_-]+", label)
		}
	}
	return nil
}

// Create encrypts the provided data under the master key and inserts the
// secret. The vault must be unsealed.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*types.Secret, error) {
	if err := ValidatePath(req.Path); err != nil {
		return nil, err
	}
	if req.Type == "" {
		req.Type = types.SecretTypeStatic
	}
	if req.Type == types.SecretTypeStatic && len(req.Data) == 0 {
		return nil, fmt.Errorf("static secret requires data")
	}

	var ciphertext []byte
	if len(req.Data) > 0 {
		var err error
		ciphertext, err = m.encrypt(ctx, req.Data)
		if err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	secret := &types.Secret{
		ID:              uuid.NewString(),
		Path:            req.Path,
		Type:            req.Type,
		Ciphertext:      ciphertext,
		Version:         1,
		VersionCount:    0,
		LastVersionedAt: now,
		TTLSeconds:      req.TTLSeconds,
		RotationEnabled: req.RotationEnabled,
		RotationEngine:  req.RotationEngine,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := m.store.CreateSecret(ctx, secret); err != nil {
		return nil, err
	}

	if err := m.logEvent(ctx, &types.AuditEvent{
		EventType:     types.EventSecretCreated,
		ActorType:     types.ActorApplication,
		ActorID:       req.Author,
		SecretID:      secret.ID,
		SecretVersion: secret.Version,
		AccessGranted: true,
	}); err != nil {
		return nil, err
	}

	metrics.SecretsTotal.Inc()
	m.logger.Info().Str("path", secret.Path).Str("type", string(secret.Type)).Msg("Secret created")
	return secret, nil
}

// ReadDecrypted returns the decrypted data for a path. Policy is NOT
// evaluated here; only API-internal callers that have already authorized
// the access may use it.
func (m *Manager) ReadDecrypted(ctx context.Context, path string) (map[string]string, *types.Secret, error) {
	secret, err := m.store.GetSecretByPath(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	data, err := m.decrypt(ctx, secret.Ciphertext)
	if err != nil {
		return nil, nil, err
	}
	return data, secret, nil
}

// ReadForEntity authorizes via the policy evaluator and then decrypts.
// Both outcomes produce an audit event; a failed audit write fails the
// read.
func (m *Manager) ReadForEntity(ctx context.Context, entityID, path string, req policy.Request) (map[string]string, *types.Secret, error) {
	start := time.Now()
	req.EntityID = entityID
	req.SecretPath = path
	if req.Operation == "" {
		req.Operation = types.OperationRead
	}

	decision, err := m.evaluator.EvaluateAccess(ctx, req)
	if err != nil {
		return nil, nil, err
	}

	secretID := ""
	if secret, err := m.store.GetSecretByPath(ctx, path); err == nil {
		secretID = secret.ID
	}

	if !decision.Allow {
		metrics.SecretAccessDuration.WithLabelValues("denied").Observe(time.Since(start).Seconds())
		logger := log.WithSecretPath(path)
		logger.Warn().
			Str("entity_id", entityID).
			Str("reason", decision.Reason).
			Msg("Secret access denied")
		if err := m.logEvent(ctx, &types.AuditEvent{
			EventType:     types.EventSecretAccessDenied,
			ActorType:     types.ActorApplication,
			ActorID:       entityID,
			SecretID:      secretID,
			AccessGranted: false,
			PolicyMatched: decision.Policy,
			DenialReason:  decision.Reason,
			SourceIP:      req.IPAddress,
			CorrelationID: req.CorrelationID,
		}); err != nil {
			return nil, nil, err
		}
		return nil, nil, &types.PolicyDeniedError{Reason: decision.Reason}
	}

	data, secret, err := m.ReadDecrypted(ctx, path)
	if err != nil {
		metrics.SecretAccessDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return nil, nil, err
	}

	if err := m.logEvent(ctx, &types.AuditEvent{
		EventType:     types.EventSecretAccessed,
		ActorType:     types.ActorApplication,
		ActorID:       entityID,
		SecretID:      secret.ID,
		SecretVersion: secret.Version,
		AccessGranted: true,
		PolicyMatched: decision.Policy,
		SourceIP:      req.IPAddress,
		CorrelationID: req.CorrelationID,
	}); err != nil {
		return nil, nil, err
	}

	metrics.SecretAccessDuration.WithLabelValues("granted").Observe(time.Since(start).Seconds())
	return data, secret, nil
}

// Update archives the current row as an immutable version and applies the
// mutation in one transaction. If the archive insert fails, nothing moves.
func (m *Manager) Update(ctx context.Context, id string, req UpdateRequest) (*types.Secret, error) {
	secret, err := m.store.GetSecret(ctx, id)
	if err != nil {
		return nil, err
	}

	archived := archiveOf(secret, req.Author, req.Description)

	if req.Data != nil {
		ciphertext, err := m.encrypt(ctx, req.Data)
		if err != nil {
			return nil, err
		}
		secret.Ciphertext = ciphertext
	}
	if req.TTLSeconds != nil {
		secret.TTLSeconds = *req.TTLSeconds
	}
	secret.Version++
	secret.VersionCount++
	secret.LastVersionedAt = time.Now().UTC()
	secret.UpdatedAt = secret.LastVersionedAt

	if err := m.store.UpdateSecretWithArchive(ctx, secret, archived); err != nil {
		return nil, err
	}

	if err := m.logEvent(ctx, &types.AuditEvent{
		EventType:     types.EventSecretUpdated,
		ActorType:     types.ActorApplication,
		ActorID:       req.Author,
		SecretID:      secret.ID,
		SecretVersion: secret.Version,
		AccessGranted: true,
	}); err != nil {
		return nil, err
	}
	return secret, nil
}

// Rollback creates a new forward version whose ciphertext equals the
// target version. Version numbers are never reused.
func (m *Manager) Rollback(ctx context.Context, id string, targetVersion int, author string) (*types.Secret, error) {
	secret, err := m.store.GetSecret(ctx, id)
	if err != nil {
		return nil, err
	}
	target, err := m.store.GetSecretVersion(ctx, id, targetVersion)
	if err != nil {
		return nil, err
	}

	archived := archiveOf(secret, author, fmt.Sprintf("pre-rollback to version %d", targetVersion))

	secret.Ciphertext = target.Ciphertext
	secret.Version++
	secret.VersionCount++
	secret.LastVersionedAt = time.Now().UTC()
	secret.UpdatedAt = secret.LastVersionedAt

	if err := m.store.UpdateSecretWithArchive(ctx, secret, archived); err != nil {
		return nil, err
	}

	if err := m.logEvent(ctx, &types.AuditEvent{
		EventType:     types.EventSecretRolledBack,
		ActorType:     types.ActorApplication,
		ActorID:       author,
		SecretID:      secret.ID,
		SecretVersion: secret.Version,
		AccessGranted: true,
	}); err != nil {
		return nil, err
	}

	m.logger.Info().Str("secret_id", id).Int("target_version", targetVersion).
		Int("new_version", secret.Version).Msg("Secret rolled back")
	return secret, nil
}

// Delete removes a secret and its versions.
func (m *Manager) Delete(ctx context.Context, id, author string) error {
	secret, err := m.store.GetSecret(ctx, id)
	if err != nil {
		return err
	}
	if err := m.store.DeleteSecret(ctx, id); err != nil {
		return err
	}
	metrics.SecretsTotal.Dec()
	return m.logEvent(ctx, &types.AuditEvent{
		EventType:     types.EventSecretDeleted,
		ActorType:     types.ActorApplication,
		ActorID:       author,
		SecretID:      secret.ID,
		SecretVersion: secret.Version,
		AccessGranted: true,
	})
}

// PruneVersions deletes archived versions outside the last keepLast and
// older than keepDays.
func (m *Manager) PruneVersions(ctx context.Context, id string, keepLast, keepDays int) (int64, error) {
	keepAfter := time.Now().UTC().AddDate(0, 0, -keepDays)
	return m.store.PruneSecretVersions(ctx, id, keepLast, keepAfter)
}

// CompareVersions reports the metadata delta between two archived
// versions. No plaintext is involved; the size delta is over ciphertext.
func (m *Manager) CompareVersions(ctx context.Context, id string, a, b int) (*types.VersionDiff, error) {
	va, err := m.store.GetSecretVersion(ctx, id, a)
	if err != nil {
		return nil, err
	}
	vb, err := m.store.GetSecretVersion(ctx, id, b)
	if err != nil {
		return nil, err
	}
	return &types.VersionDiff{
		SecretID:     id,
		VersionA:     a,
		VersionB:     b,
		AuthorA:      va.Author,
		AuthorB:      vb.Author,
		DescriptionA: va.Description,
		DescriptionB: vb.Description,
		SizeDelta:    len(vb.Ciphertext) - len(va.Ciphertext),
		TimeDelta:    vb.ArchivedAt.Sub(va.ArchivedAt).String(),
	}, nil
}

// List returns secret metadata only; nothing is decrypted.
func (m *Manager) List(ctx context.Context, filter storage.SecretFilter) ([]*types.Secret, error) {
	return m.store.ListSecrets(ctx, filter)
}

// ListVersions returns the version history newest first, with the live row
// included as the head entry.
func (m *Manager) ListVersions(ctx context.Context, id string) ([]*types.SecretVersion, error) {
	secret, err := m.store.GetSecret(ctx, id)
	if err != nil {
		return nil, err
	}
	archived, err := m.store.ListSecretVersions(ctx, id)
	if err != nil {
		return nil, err
	}
	head := &types.SecretVersion{
		SecretID:   secret.ID,
		Version:    secret.Version,
		Ciphertext: secret.Ciphertext,
		SizeBytes:  len(secret.Ciphertext),
		ArchivedAt: secret.LastVersionedAt,
	}
	return append([]*types.SecretVersion{head}, archived...), nil
}

// Stats aggregates metadata counts and re-anchors the secrets gauge to the
// database truth, correcting any drift from restarts.
func (m *Manager) Stats(ctx context.Context) (*types.SecretStats, error) {
	stats, err := m.store.SecretStats(ctx)
	if err != nil {
		return nil, err
	}
	metrics.SecretsTotal.Set(float64(stats.TotalSecrets))
	return stats, nil
}

func archiveOf(secret *types.Secret, author, description string) *types.SecretVersion {
	return &types.SecretVersion{
		ID:          uuid.NewString(),
		SecretID:    secret.ID,
		Version:     secret.Version,
		Ciphertext:  secret.Ciphertext,
		Author:      author,
		Description: description,
		SizeBytes:   len(secret.Ciphertext),
		ArchivedAt:  time.Now().UTC(),
	}
}

// encrypt canonically serializes data and seals it under the master key.
func (m *Manager) encrypt(ctx context.Context, data map[string]string) ([]byte, error) {
	plaintext, err := canonicalJSON(data)
	if err != nil {
		return nil, err
	}
	defer crypto.Zeroize(plaintext)

	key, err := m.keys.GetMasterKey(ctx)
	if err != nil {
		return nil, err
	}
	defer crypto.Zeroize(key)

	return crypto.Encrypt(key, plaintext)
}

func (m *Manager) decrypt(ctx context.Context, ciphertext []byte) (map[string]string, error) {
	if len(ciphertext) == 0 {
		return nil, nil
	}
	key, err := m.keys.GetMasterKey(ctx)
	if err != nil {
		return nil, err
	}
	defer crypto.Zeroize(key)

	plaintext, err := crypto.Decrypt(key, ciphertext)
	if err != nil {
		return nil, err
	}
	defer crypto.Zeroize(plaintext)

	var data map[string]string
	if err := json.Unmarshal(plaintext, &data); err != nil {
		return nil, fmt.Errorf("decoding secret data: %w", err)
	}
	return data, nil
}

// canonicalJSON produces a stable serialization: encoding/json already
// sorts map keys.
func canonicalJSON(data map[string]string) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encoding secret data: %w", err)
	}
	return raw, nil
}

func (m *Manager) logEvent(ctx context.Context, event *types.AuditEvent) error {
	if m.audit == nil {
		return nil
	}
	event.ID = uuid.NewString()
	event.Timestamp = time.Now().UTC()
	if err := m.audit.Log(ctx, event); err != nil {
		logger := log.WithCorrelationID(event.CorrelationID)
		logger.Error().Err(err).
			Str("event_type", string(event.EventType)).
			Msg("Audit append failed; failing the operation")
		return fmt.Errorf("recording audit event: %v: %w", err, types.ErrAuditWriteFailure)
	}
	return nil
}
