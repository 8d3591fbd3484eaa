package lease

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/secrethub/secrethub/pkg/secrets"
	"github.com/secrethub/secrethub/pkg/types"
)

type memLeases struct {
	mu      sync.Mutex
	leases  map[string]*types.Lease
	secrets map[string]*types.Secret
	records []*types.RotationRecord
}

func newMemLeases() *memLeases {
	return &memLeases{
		leases:  make(map[string]*types.Lease),
		secrets: make(map[string]*types.Secret),
	}
}

func (m *memLeases) CreateLease(_ context.Context, l *types.Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *l
	m.leases[l.ID] = &cp
	return nil
}

func (m *memLeases) GetLease(_ context.Context, id string) (*types.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leases[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (m *memLeases) UpdateLeaseExpiry(_ context.Context, id string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leases[id]
	if !ok {
		return types.ErrNotFound
	}
	l.ExpiresAt = expiresAt
	return nil
}

func (m *memLeases) RevokeLease(_ context.Context, id string, revokedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leases[id]
	if !ok {
		return types.ErrNotFound
	}
	l.RevokedAt = &revokedAt
	return nil
}

func (m *memLeases) DeleteLease(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.leases, id)
	return nil
}

func (m *memLeases) ListExpiredLeases(_ context.Context, asOf time.Time, limit int) ([]*types.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Lease
	for _, l := range m.leases {
		if l.RevokedAt == nil && !l.ExpiresAt.After(asOf) {
			cp := *l
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memLeases) GetSecret(_ context.Context, id string) (*types.Secret, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.secrets[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memLeases) CreateRotationRecord(_ context.Context, rec *types.RotationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.records = append(m.records, &cp)
	return nil
}

func (m *memLeases) UpdateRotationRecord(_ context.Context, rec *types.RotationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.records {
		if existing.ID == rec.ID {
			cp := *rec
			m.records[i] = &cp
			return nil
		}
	}
	return types.ErrNotFound
}

func (m *memLeases) ListRotationRecords(_ context.Context, secretID string, limit int) ([]*types.RotationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.RotationRecord
	for i := len(m.records) - 1; i >= 0 && len(out) < limit; i-- {
		if m.records[i].SecretID == secretID {
			cp := *m.records[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []*types.AuditEvent
}

func (s *recordingSink) Log(_ context.Context, event *types.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) byType(t types.EventType) []*types.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.AuditEvent
	for _, e := range s.events {
		if e.EventType == t {
			out = append(out, e)
		}
	}
	return out
}

func TestIssueRenewRevoke(t *testing.T) {
	store := newMemLeases()
	sink := &recordingSink{}
	m := NewManager(store, sink)
	ctx := context.Background()

	l, err := m.Issue(ctx, IssueRequest{
		SecretID:   "sec-1",
		EntityID:   "app-1",
		Engine:     "postgresql",
		Ciphertext: []byte{0xde, 0xad},
		TTL:        time.Hour,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, l.ID)
	assert.WithinDuration(t, time.Now().Add(time.Hour), l.ExpiresAt, 5*time.Second)

	got, err := m.Lookup(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad}, got.Ciphertext)

	renewed, err := m.Renew(ctx, l.ID, 2*time.Hour)
	require.NoError(t, err)
	assert.True(t, renewed.ExpiresAt.After(l.ExpiresAt))

	require.NoError(t, m.Revoke(ctx, l.ID))
	got, err = m.Lookup(ctx, l.ID)
	require.NoError(t, err)
	require.NotNil(t, got.RevokedAt)

	// revoking again is a no-op, renewing is not
	require.NoError(t, m.Revoke(ctx, l.ID))
	_, err = m.Renew(ctx, l.ID, time.Hour)
	require.Error(t, err)

	assert.Len(t, sink.byType(types.EventLeaseIssued), 1)
	assert.Len(t, sink.byType(types.EventLeaseRevoked), 1)
}

func TestIssueValidation(t *testing.T) {
	m := NewManager(newMemLeases(), nil)
	_, err := m.Issue(context.Background(), IssueRequest{SecretID: "sec-1", EntityID: "app-1"})
	require.Error(t, err)
	_, err = m.Issue(context.Background(), IssueRequest{Engine: "redis"})
	require.Error(t, err)
}

func TestRevokeExpired(t *testing.T) {
	store := newMemLeases()
	var torn []string
	m := NewManager(store, nil, WithRevokeHook(func(_ context.Context, l *types.Lease) error {
		torn = append(torn, l.ID)
		return nil
	}))
	ctx := context.Background()

	expired, err := m.Issue(ctx, IssueRequest{SecretID: "s", EntityID: "e", Engine: "redis", TTL: time.Nanosecond})
	require.NoError(t, err)
	live, err := m.Issue(ctx, IssueRequest{SecretID: "s", EntityID: "e", Engine: "redis", TTL: time.Hour})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	n, err := m.RevokeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{expired.ID}, torn)

	got, err := m.Lookup(ctx, expired.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.RevokedAt)
	got, err = m.Lookup(ctx, live.ID)
	require.NoError(t, err)
	assert.Nil(t, got.RevokedAt)
}

func TestRevokeHookFailureLeavesLeaseLive(t *testing.T) {
	store := newMemLeases()
	m := NewManager(store, nil, WithRevokeHook(func(context.Context, *types.Lease) error {
		return errors.New("connector unreachable")
	}))
	ctx := context.Background()

	l, err := m.Issue(ctx, IssueRequest{SecretID: "s", EntityID: "e", Engine: "redis", TTL: time.Nanosecond})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	n, err := m.RevokeExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	// next sweep retries it
	got, err := m.Lookup(ctx, l.ID)
	require.NoError(t, err)
	assert.Nil(t, got.RevokedAt)
}

func TestReaperRevokesInBackground(t *testing.T) {
	store := newMemLeases()
	m := NewManager(store, nil, WithSweepInterval(10*time.Millisecond))
	ctx := context.Background()

	l, err := m.Issue(ctx, IssueRequest{SecretID: "s", EntityID: "e", Engine: "redis", TTL: time.Millisecond})
	require.NoError(t, err)

	m.Start(ctx)
	defer m.Shutdown()

	require.Eventually(t, func() bool {
		got, err := m.Lookup(ctx, l.ID)
		return err == nil && got.RevokedAt != nil
	}, time.Second, 5*time.Millisecond)
}

// fakeWriter mimics the secrets manager's forward-only versioning.
type fakeWriter struct {
	store     *memLeases
	updateErr error
	lastData  map[string]string
}

func (w *fakeWriter) Update(ctx context.Context, id string, req secrets.UpdateRequest) (*types.Secret, error) {
	if w.updateErr != nil {
		return nil, w.updateErr
	}
	w.store.mu.Lock()
	defer w.store.mu.Unlock()
	s := w.store.secrets[id]
	s.Version++
	s.VersionCount++
	w.lastData = req.Data
	cp := *s
	return &cp, nil
}

func (w *fakeWriter) Rollback(ctx context.Context, id string, targetVersion int, author string) (*types.Secret, error) {
	w.store.mu.Lock()
	defer w.store.mu.Unlock()
	s := w.store.secrets[id]
	s.Version++
	s.VersionCount++
	cp := *s
	return &cp, nil
}

type stubRotator struct {
	rotateErr   error
	rollbackErr error
	rolledBack  bool
}

func (r *stubRotator) Rotate(_ context.Context, secret *types.Secret) (*Result, error) {
	if r.rotateErr != nil {
		return nil, r.rotateErr
	}
	return &Result{Data: map[string]string{"password": "fresh"}}, nil
}

func (r *stubRotator) Rollback(context.Context, *types.Secret, *types.RotationRecord) error {
	r.rolledBack = true
	return r.rollbackErr
}

func (r *stubRotator) ValidateConfig(map[string]string) error { return nil }
func (r *stubRotator) Tag() string                            { return "stub" }

var stubEngine = &stubRotator{}

func init() {
	RegisterRotator("stub", func(map[string]string) (Rotator, error) {
		return stubEngine, nil
	})
}

func resetStub() {
	*stubEngine = stubRotator{}
}

func seedRotatableSecret(store *memLeases) *types.Secret {
	s := &types.Secret{
		ID:              "sec-rot",
		Path:            "prod.db.postgres.password",
		Type:            types.SecretTypeStatic,
		Version:         3,
		VersionCount:    3,
		RotationEnabled: true,
		RotationEngine:  "stub",
	}
	store.secrets[s.ID] = s
	return s
}

func TestRotateRecordsHistory(t *testing.T) {
	resetStub()
	store := newMemLeases()
	seedRotatableSecret(store)
	writer := &fakeWriter{store: store}
	sink := &recordingSink{}
	runner := NewRunner(store, writer, sink)

	rec, err := runner.Rotate(context.Background(), "sec-rot")
	require.NoError(t, err)
	assert.Equal(t, types.RotationStatusSucceeded, rec.Status)
	assert.Equal(t, 3, rec.OldVersion)
	assert.Equal(t, 4, rec.NewVersion)
	require.NotNil(t, rec.FinishedAt)
	assert.Equal(t, map[string]string{"password": "fresh"}, writer.lastData)

	history, err := runner.History(context.Background(), "sec-rot", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, types.RotationStatusSucceeded, history[0].Status)

	events := sink.byType(types.EventSecretRotated)
	require.Len(t, events, 1)
	assert.Equal(t, 4, events[0].SecretVersion)
}

func TestRotateEngineFailure(t *testing.T) {
	resetStub()
	stubEngine.rotateErr = errors.New("db unreachable")
	store := newMemLeases()
	secret := seedRotatableSecret(store)
	runner := NewRunner(store, &fakeWriter{store: store}, nil)

	rec, err := runner.Rotate(context.Background(), secret.ID)
	require.Error(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, types.RotationStatusFailed, rec.Status)
	assert.Contains(t, rec.Error, "db unreachable")
	// the live secret was never touched
	got, err := store.GetSecret(context.Background(), secret.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Version)
}

func TestRotateStoreFailureRollsBackEngine(t *testing.T) {
	resetStub()
	store := newMemLeases()
	secret := seedRotatableSecret(store)
	writer := &fakeWriter{store: store, updateErr: errors.New("db write failed")}
	runner := NewRunner(store, writer, nil)

	rec, err := runner.Rotate(context.Background(), secret.ID)
	require.Error(t, err)
	assert.Equal(t, types.RotationStatusRolledBack, rec.Status)
	assert.True(t, stubEngine.rolledBack)
}

func TestRotateRequiresEngine(t *testing.T) {
	store := newMemLeases()
	store.secrets["plain"] = &types.Secret{ID: "plain", Path: "prod.api.key", Version: 1}
	runner := NewRunner(store, &fakeWriter{store: store}, nil)

	_, err := runner.Rotate(context.Background(), "plain")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no rotation engine")
}

func TestRollbackRestoresPreRotationVersion(t *testing.T) {
	resetStub()
	store := newMemLeases()
	secret := seedRotatableSecret(store)
	writer := &fakeWriter{store: store}
	runner := NewRunner(store, writer, nil)
	ctx := context.Background()

	_, err := runner.Rotate(ctx, secret.ID)
	require.NoError(t, err)

	rec, err := runner.Rollback(ctx, secret.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RotationStatusRolledBack, rec.Status)
	assert.True(t, stubEngine.rolledBack)

	// rollback is forward-only: version advanced again
	got, err := store.GetSecret(ctx, secret.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.Version)
}

func TestRollbackWithoutHistory(t *testing.T) {
	store := newMemLeases()
	seedRotatableSecret(store)
	runner := NewRunner(store, &fakeWriter{store: store}, nil)

	_, err := runner.Rollback(context.Background(), "sec-rot")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no succeeded rotation")
}

func TestNewRotatorUnknownEngine(t *testing.T) {
	_, err := NewRotator("does-not-exist", nil)
	require.Error(t, err)
	assert.Contains(t, Rotators(), "stub")
}
