package lease

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/secrethub/secrethub/pkg/log"
	"github.com/secrethub/secrethub/pkg/metrics"
	"github.com/secrethub/secrethub/pkg/types"
)

// Defaults for the expiry reaper.
const (
	DefaultSweepInterval = 30 * time.Second
	DefaultSweepBatch    = 100
	DefaultLeaseTTL      = 1 * time.Hour
)

// Store is the persistence surface the lease manager needs. The core only
// stores opaque credential ciphertexts; issuance and teardown of the actual
// credentials belong to engine connectors outside this module.
type Store interface {
	CreateLease(ctx context.Context, lease *types.Lease) error
	GetLease(ctx context.Context, id string) (*types.Lease, error)
	UpdateLeaseExpiry(ctx context.Context, id string, expiresAt time.Time) error
	RevokeLease(ctx context.Context, id string, revokedAt time.Time) error
	DeleteLease(ctx context.Context, id string) error
	ListExpiredLeases(ctx context.Context, asOf time.Time, limit int) ([]*types.Lease, error)
}

// AuditSink receives lease lifecycle events.
type AuditSink interface {
	Log(ctx context.Context, event *types.AuditEvent) error
}

// RevokeHook is called for each lease just before it is marked revoked.
// Connectors use it to tear down the issued credential. A hook error leaves
// the lease live so the next sweep retries it.
type RevokeHook func(ctx context.Context, lease *types.Lease) error

// IssueRequest carries the attributes for a new lease.
type IssueRequest struct {
	SecretID   string
	EntityID   string
	Engine     string
	Ciphertext []byte
	TTL        time.Duration
}

// Manager owns lease lifecycles: issue, renew, revoke, and a background
// reaper that revokes expired leases. All persistent state lives in the
// store; the manager itself is safe for concurrent use.
type Manager struct {
	store  Store
	audit  AuditSink
	hook   RevokeHook
	logger zerolog.Logger

	sweepInterval time.Duration
	sweepBatch    int

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	started bool
}

// Option adjusts manager construction.
type Option func(*Manager)

// WithRevokeHook installs a connector teardown callback.
func WithRevokeHook(hook RevokeHook) Option {
	return func(m *Manager) { m.hook = hook }
}

// WithSweepInterval overrides the reaper cadence.
func WithSweepInterval(interval time.Duration) Option {
	return func(m *Manager) { m.sweepInterval = interval }
}

// NewManager wires the lease manager. audit may be nil in tooling contexts.
func NewManager(store Store, audit AuditSink, opts ...Option) *Manager {
	m := &Manager{
		store:         store,
		audit:         audit,
		logger:        log.WithComponent("lease"),
		sweepInterval: DefaultSweepInterval,
		sweepBatch:    DefaultSweepBatch,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Issue persists a new lease for an already-issued credential ciphertext.
func (m *Manager) Issue(ctx context.Context, req IssueRequest) (*types.Lease, error) {
	if req.SecretID == "" || req.EntityID == "" {
		return nil, fmt.Errorf("lease requires secret_id and entity_id")
	}
	if req.Engine == "" {
		return nil, fmt.Errorf("lease requires an engine tag")
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	now := time.Now().UTC()
	l := &types.Lease{
		ID:         uuid.NewString(),
		SecretID:   req.SecretID,
		EntityID:   req.EntityID,
		Engine:     req.Engine,
		Ciphertext: req.Ciphertext,
		IssuedAt:   now,
		ExpiresAt:  now.Add(ttl),
	}
	if err := m.store.CreateLease(ctx, l); err != nil {
		return nil, fmt.Errorf("creating lease: %w", err)
	}
	metrics.LeasesActive.Inc()
	m.auditEvent(ctx, types.EventLeaseIssued, l)
	m.logger.Info().
		Str("lease_id", l.ID).
		Str("engine", l.Engine).
		Time("expires_at", l.ExpiresAt).
		Msg("lease issued")
	return l, nil
}

// Lookup returns the lease by ID.
func (m *Manager) Lookup(ctx context.Context, id string) (*types.Lease, error) {
	return m.store.GetLease(ctx, id)
}

// Renew extends a live lease by ttl from now. Revoked or expired leases
// cannot be renewed.
func (m *Manager) Renew(ctx context.Context, id string, ttl time.Duration) (*types.Lease, error) {
	l, err := m.store.GetLease(ctx, id)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if l.RevokedAt != nil {
		return nil, fmt.Errorf("lease %s is revoked", id)
	}
	if !l.ExpiresAt.After(now) {
		return nil, fmt.Errorf("lease %s is expired", id)
	}
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	l.ExpiresAt = now.Add(ttl)
	if err := m.store.UpdateLeaseExpiry(ctx, id, l.ExpiresAt); err != nil {
		return nil, fmt.Errorf("renewing lease: %w", err)
	}
	return l, nil
}

// Revoke marks the lease revoked, running the connector hook first.
func (m *Manager) Revoke(ctx context.Context, id string) error {
	l, err := m.store.GetLease(ctx, id)
	if err != nil {
		return err
	}
	if l.RevokedAt != nil {
		return nil
	}
	return m.revoke(ctx, l, "explicit")
}

// Delete removes the lease row entirely. Intended for housekeeping of
// long-revoked leases, not for teardown.
func (m *Manager) Delete(ctx context.Context, id string) error {
	return m.store.DeleteLease(ctx, id)
}

// Start launches the expiry reaper.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	go m.run(ctx)
}

// Shutdown stops the reaper and waits for the in-flight sweep.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return
	}
	close(m.stop)
	<-m.done
	m.started = false
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := m.RevokeExpired(ctx); err != nil {
				m.logger.Error().Err(err).Msg("expiry sweep failed")
			} else if n > 0 {
				m.logger.Info().Int("revoked", n).Msg("expired leases revoked")
			}
		}
	}
}

// RevokeExpired revokes every lease whose expiry has passed, in batches.
// Returns the number of leases revoked.
func (m *Manager) RevokeExpired(ctx context.Context) (int, error) {
	total := 0
	for {
		expired, err := m.store.ListExpiredLeases(ctx, time.Now().UTC(), m.sweepBatch)
		if err != nil {
			return total, fmt.Errorf("listing expired leases: %w", err)
		}
		if len(expired) == 0 {
			return total, nil
		}
		revoked := 0
		for _, l := range expired {
			if err := m.revoke(ctx, l, "expiry"); err != nil {
				m.logger.Error().Err(err).Str("lease_id", l.ID).Msg("revoking expired lease")
				continue
			}
			revoked++
		}
		total += revoked
		// a pass that revoked nothing would refetch the same leases
		if revoked == 0 || len(expired) < m.sweepBatch {
			return total, nil
		}
	}
}

func (m *Manager) revoke(ctx context.Context, l *types.Lease, trigger string) error {
	if m.hook != nil {
		if err := m.hook(ctx, l); err != nil {
			return fmt.Errorf("connector teardown for lease %s: %w", l.ID, err)
		}
	}
	if err := m.store.RevokeLease(ctx, l.ID, time.Now().UTC()); err != nil {
		return fmt.Errorf("revoking lease: %w", err)
	}
	metrics.LeasesActive.Dec()
	metrics.LeaseRevocations.WithLabelValues(trigger).Inc()
	m.auditEvent(ctx, types.EventLeaseRevoked, l)
	return nil
}

func (m *Manager) auditEvent(ctx context.Context, eventType types.EventType, l *types.Lease) {
	if m.audit == nil {
		return
	}
	event := &types.AuditEvent{
		EventType: eventType,
		ActorType: types.ActorApplication,
		ActorID:   l.EntityID,
		SecretID:  l.SecretID,
	}
	if err := m.audit.Log(ctx, event); err != nil {
		m.logger.Error().Err(err).Str("lease_id", l.ID).Msg("lease audit write failed")
	}
}
