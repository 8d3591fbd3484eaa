package lease

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/secrethub/secrethub/pkg/log"
	"github.com/secrethub/secrethub/pkg/metrics"
	"github.com/secrethub/secrethub/pkg/secrets"
	"github.com/secrethub/secrethub/pkg/types"
)

// Result is what an engine produces from one rotation run. Data becomes the
// new secret material; Metadata is engine-specific bookkeeping recorded in
// the audit trail only.
type Result struct {
	Data     map[string]string
	Metadata map[string]string
}

// Rotator is the capability set a rotation engine implements. Engines talk
// to the external system (databases, cloud IAM) themselves; the core only
// orchestrates versions and history.
type Rotator interface {
	// Rotate produces fresh credentials for the secret
	Rotate(ctx context.Context, secret *types.Secret) (*Result, error)
	// Rollback undoes a rotation on the external system after the new
	// credentials turned out unusable
	Rollback(ctx context.Context, secret *types.Secret, rec *types.RotationRecord) error
	// ValidateConfig checks engine configuration before scheduling
	ValidateConfig(cfg map[string]string) error
	// Tag returns the engine's registration tag
	Tag() string
}

// RotatorFactory builds a Rotator from engine configuration
type RotatorFactory func(cfg map[string]string) (Rotator, error)

var (
	rotatorMu sync.RWMutex
	rotators  = make(map[string]RotatorFactory)
)

// RegisterRotator installs an engine factory under its tag. Called from init
// in engine files; duplicate tags panic at startup.
func RegisterRotator(tag string, factory RotatorFactory) {
	rotatorMu.Lock()
	defer rotatorMu.Unlock()
	if _, exists := rotators[tag]; exists {
		panic(fmt.Sprintf("rotation engine %q registered twice", tag))
	}
	rotators[tag] = factory
}

// NewRotator builds the engine registered under tag
func NewRotator(tag string, cfg map[string]string) (Rotator, error) {
	rotatorMu.RLock()
	factory, ok := rotators[tag]
	rotatorMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown rotation engine %q (available: %v)", tag, Rotators())
	}
	return factory(cfg)
}

// Rotators lists registered engine tags
func Rotators() []string {
	rotatorMu.RLock()
	defer rotatorMu.RUnlock()
	tags := make([]string, 0, len(rotators))
	for tag := range rotators {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// HistoryStore persists rotation runs and resolves secrets by ID.
type HistoryStore interface {
	GetSecret(ctx context.Context, id string) (*types.Secret, error)
	CreateRotationRecord(ctx context.Context, rec *types.RotationRecord) error
	UpdateRotationRecord(ctx context.Context, rec *types.RotationRecord) error
	ListRotationRecords(ctx context.Context, secretID string, limit int) ([]*types.RotationRecord, error)
}

// SecretWriter is the slice of the secrets manager rotation needs. The
// pre-rotation version is archived by Update's archive-then-update
// transaction, so a rotation never loses the previous credentials.
type SecretWriter interface {
	Update(ctx context.Context, id string, req secrets.UpdateRequest) (*types.Secret, error)
	Rollback(ctx context.Context, id string, targetVersion int, author string) (*types.Secret, error)
}

// Runner executes rotation runs against registered engines and records
// their history.
type Runner struct {
	store   HistoryStore
	secrets SecretWriter
	audit   AuditSink
	logger  zerolog.Logger
}

// NewRunner wires the rotation runner.
func NewRunner(store HistoryStore, writer SecretWriter, audit AuditSink) *Runner {
	return &Runner{
		store:   store,
		secrets: writer,
		audit:   audit,
		logger:  log.WithComponent("rotation"),
	}
}

// Rotate runs one rotation for the secret and returns the history row. The
// row is persisted in state `running` before the engine is invoked so an
// operator can see crashes mid-run.
func (r *Runner) Rotate(ctx context.Context, secretID string) (*types.RotationRecord, error) {
	secret, err := r.store.GetSecret(ctx, secretID)
	if err != nil {
		return nil, err
	}
	if !secret.RotationEnabled || secret.RotationEngine == "" {
		return nil, fmt.Errorf("secret %s has no rotation engine configured", secret.Path)
	}
	engine, err := NewRotator(secret.RotationEngine, nil)
	if err != nil {
		return nil, err
	}

	rec := &types.RotationRecord{
		ID:         uuid.NewString(),
		SecretID:   secret.ID,
		Engine:     secret.RotationEngine,
		OldVersion: secret.Version,
		Status:     types.RotationStatusRunning,
		StartedAt:  time.Now().UTC(),
	}
	if err := r.store.CreateRotationRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("recording rotation start: %w", err)
	}

	result, err := engine.Rotate(ctx, secret)
	if err != nil {
		r.finish(ctx, rec, types.RotationStatusFailed, err)
		return rec, fmt.Errorf("rotation engine %s: %w", secret.RotationEngine, err)
	}

	author := "rotation/" + secret.RotationEngine
	updated, err := r.secrets.Update(ctx, secret.ID, secrets.UpdateRequest{
		Data:        result.Data,
		Author:      author,
		Description: "rotated by " + secret.RotationEngine,
	})
	if err != nil {
		// The external system already has the new credentials; try to
		// back them out so stored and live state stay consistent.
		status := types.RotationStatusFailed
		if rbErr := engine.Rollback(ctx, secret, rec); rbErr == nil {
			status = types.RotationStatusRolledBack
		} else {
			r.logger.Error().Err(rbErr).Str("secret_id", secret.ID).Msg("engine rollback failed")
		}
		r.finish(ctx, rec, status, err)
		return rec, fmt.Errorf("storing rotated secret: %w", err)
	}

	rec.NewVersion = updated.Version
	r.finish(ctx, rec, types.RotationStatusSucceeded, nil)
	r.auditRotated(ctx, rec)
	r.logger.Info().
		Str("secret_id", secret.ID).
		Str("engine", rec.Engine).
		Int("old_version", rec.OldVersion).
		Int("new_version", rec.NewVersion).
		Msg("secret rotated")
	return rec, nil
}

// Rollback reverts the most recent succeeded rotation of the secret: the
// engine undoes its external changes, then the pre-rotation version is
// restored as a new forward version.
func (r *Runner) Rollback(ctx context.Context, secretID string) (*types.RotationRecord, error) {
	secret, err := r.store.GetSecret(ctx, secretID)
	if err != nil {
		return nil, err
	}
	records, err := r.store.ListRotationRecords(ctx, secretID, 50)
	if err != nil {
		return nil, err
	}
	var last *types.RotationRecord
	for _, rec := range records {
		if rec.Status == types.RotationStatusSucceeded {
			last = rec
			break
		}
	}
	if last == nil {
		return nil, fmt.Errorf("secret %s has no succeeded rotation to roll back", secret.Path)
	}
	engine, err := NewRotator(last.Engine, nil)
	if err != nil {
		return nil, err
	}
	if err := engine.Rollback(ctx, secret, last); err != nil {
		return nil, fmt.Errorf("rotation engine %s rollback: %w", last.Engine, err)
	}
	author := "rotation/" + last.Engine
	if _, err := r.secrets.Rollback(ctx, secretID, last.OldVersion, author); err != nil {
		return nil, fmt.Errorf("restoring pre-rotation version: %w", err)
	}
	last.Status = types.RotationStatusRolledBack
	if err := r.store.UpdateRotationRecord(ctx, last); err != nil {
		return nil, fmt.Errorf("recording rollback: %w", err)
	}
	metrics.RotationsTotal.WithLabelValues(last.Engine, string(types.RotationStatusRolledBack)).Inc()
	return last, nil
}

// History returns the most recent rotation runs for the secret.
func (r *Runner) History(ctx context.Context, secretID string, limit int) ([]*types.RotationRecord, error) {
	return r.store.ListRotationRecords(ctx, secretID, limit)
}

func (r *Runner) finish(ctx context.Context, rec *types.RotationRecord, status types.RotationStatus, cause error) {
	now := time.Now().UTC()
	rec.Status = status
	rec.FinishedAt = &now
	rec.DurationMS = now.Sub(rec.StartedAt).Milliseconds()
	if cause != nil {
		rec.Error = cause.Error()
	}
	if err := r.store.UpdateRotationRecord(ctx, rec); err != nil {
		r.logger.Error().Err(err).Str("rotation_id", rec.ID).Msg("updating rotation record")
	}
	metrics.RotationsTotal.WithLabelValues(rec.Engine, string(status)).Inc()
	metrics.RotationDuration.WithLabelValues(rec.Engine).Observe(float64(rec.DurationMS) / 1000)
}

func (r *Runner) auditRotated(ctx context.Context, rec *types.RotationRecord) {
	if r.audit == nil {
		return
	}
	event := &types.AuditEvent{
		EventType:     types.EventSecretRotated,
		ActorType:     types.ActorSystem,
		ActorID:       "rotation/" + rec.Engine,
		SecretID:      rec.SecretID,
		SecretVersion: rec.NewVersion,
	}
	if err := r.audit.Log(ctx, event); err != nil {
		r.logger.Error().Err(err).Str("rotation_id", rec.ID).Msg("rotation audit write failed")
	}
}
