package secrets

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/secrethub/secrethub/pkg/crypto"
	"github.com/secrethub/secrethub/pkg/policy"
	"github.com/secrethub/secrethub/pkg/storage"
	"github.com/secrethub/secrethub/pkg/types"
)

type memSecrets struct {
	mu       sync.Mutex
	byID     map[string]*types.Secret
	versions map[string][]*types.SecretVersion
}

func newMemSecrets() *memSecrets {
	return &memSecrets{
		byID:     make(map[string]*types.Secret),
		versions: make(map[string][]*types.SecretVersion),
	}
}

func (s *memSecrets) CreateSecret(_ context.Context, secret *types.Secret) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.byID {
		if existing.Path == secret.Path {
			return errors.New("duplicate path")
		}
	}
	c := *secret
	s.byID[secret.ID] = &c
	return nil
}

func (s *memSecrets) GetSecret(_ context.Context, id string) (*types.Secret, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	secret, ok := s.byID[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	c := *secret
	return &c, nil
}

func (s *memSecrets) GetSecretByPath(_ context.Context, path string) (*types.Secret, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, secret := range s.byID {
		if secret.Path == path {
			c := *secret
			return &c, nil
		}
	}
	return nil, types.ErrNotFound
}

func (s *memSecrets) ListSecrets(_ context.Context, _ storage.SecretFilter) ([]*types.Secret, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Secret
	for _, secret := range s.byID {
		c := *secret
		out = append(out, &c)
	}
	return out, nil
}

func (s *memSecrets) UpdateSecretWithArchive(_ context.Context, secret *types.Secret, archived *types.SecretVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[secret.ID]; !ok {
		return types.ErrNotFound
	}
	a := *archived
	s.versions[secret.ID] = append(s.versions[secret.ID], &a)
	c := *secret
	s.byID[secret.ID] = &c
	return nil
}

func (s *memSecrets) DeleteSecret(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, id)
	delete(s.versions, id)
	return nil
}

func (s *memSecrets) SecretStats(_ context.Context) (*types.SecretStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := &types.SecretStats{TotalSecrets: len(s.byID), ByType: map[string]int{}}
	for _, secret := range s.byID {
		stats.ByType[string(secret.Type)]++
	}
	for _, vs := range s.versions {
		stats.TotalVersions += len(vs)
	}
	return stats, nil
}

func (s *memSecrets) GetSecretVersion(_ context.Context, secretID string, version int) (*types.SecretVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.versions[secretID] {
		if v.Version == version {
			c := *v
			return &c, nil
		}
	}
	return nil, types.ErrNotFound
}

func (s *memSecrets) ListSecretVersions(_ context.Context, secretID string) ([]*types.SecretVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.SecretVersion, 0, len(s.versions[secretID]))
	for _, v := range s.versions[secretID] {
		c := *v
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out, nil
}

func (s *memSecrets) PruneSecretVersions(_ context.Context, secretID string, keepLast int, keepAfter time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vs := s.versions[secretID]
	sort.Slice(vs, func(i, j int) bool { return vs[i].Version > vs[j].Version })
	var kept []*types.SecretVersion
	var pruned int64
	for i, v := range vs {
		if i < keepLast || v.ArchivedAt.After(keepAfter) {
			kept = append(kept, v)
		} else {
			pruned++
		}
	}
	s.versions[secretID] = kept
	return pruned, nil
}

// fixedKeys hands out copies of one master key, like an unsealed vault.
type fixedKeys struct {
	key    []byte
	err    error
	nCalls int
}

func (f *fixedKeys) GetMasterKey(_ context.Context) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.nCalls++
	out := make([]byte, len(f.key))
	copy(out, f.key)
	return out, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []types.AuditEvent
	fail   bool
}

func (r *recordingSink) Log(_ context.Context, event *types.AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return types.ErrAuditWriteFailure
	}
	r.events = append(r.events, *event)
	return nil
}

func (r *recordingSink) last(t *testing.T) types.AuditEvent {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.events)
	return r.events[len(r.events)-1]
}

type allowAllStore struct{ policies []*types.Policy }

func (s *allowAllStore) ListPoliciesForEntity(_ context.Context, _ string) ([]*types.Policy, error) {
	return s.policies, nil
}

func newTestManager(t *testing.T, policies []*types.Policy) (*Manager, *memSecrets, *recordingSink) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	store := newMemSecrets()
	sink := &recordingSink{}
	evaluator := policy.NewEvaluator(&allowAllStore{policies: policies}, nil)
	return NewManager(store, &fixedKeys{key: key}, evaluator, sink), store, sink
}

func readPolicy(patterns ...string) *types.Policy {
	return &types.Policy{
		ID:       "p-read",
		Name:     "read",
		Document: types.PolicyDocument{AllowedSecrets: patterns},
	}
}

func TestValidatePath(t *testing.T) {
	tests := []struct {
		path    string
		wantErr bool
	}{
		{"prod.db.password", false},
		{"dev.x", false},
		{"a_b-c.d123", false},
		{"", true},
		{"prod..db", true},
		{"prod.d b", true},
		{"prod.db!", true},
		{string(make([]byte, 513)), true},
	}
	for _, tt := range tests {
		err := ValidatePath(tt.path)
		if tt.wantErr {
			assert.Error(t, err, tt.path)
		} else {
			assert.NoError(t, err, tt.path)
		}
	}
}

func TestCreateAndReadDecrypted(t *testing.T) {
	ctx := context.Background()
	m, _, sink := newTestManager(t, nil)

	secret, err := m.Create(ctx, CreateRequest{
		Path:   "dev.db.password",
		Data:   map[string]string{"password": "hunter2"},
		Author: "admin-1",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, secret.Version)
	assert.NotContains(t, string(secret.Ciphertext), "hunter2")

	data, got, err := m.ReadDecrypted(ctx, "dev.db.password")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", data["password"])
	assert.Equal(t, secret.ID, got.ID)
	assert.Equal(t, types.EventSecretCreated, sink.last(t).EventType)
}

func TestCreateRequiresData(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	_, err := m.Create(context.Background(), CreateRequest{Path: "dev.empty"})
	assert.Error(t, err)
}

func TestCreateDuplicatePath(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t, nil)

	_, err := m.Create(ctx, CreateRequest{Path: "dev.x", Data: map[string]string{"k": "v"}})
	require.NoError(t, err)
	_, err = m.Create(ctx, CreateRequest{Path: "dev.x", Data: map[string]string{"k": "v"}})
	assert.Error(t, err)
}

func TestCreateSealedVault(t *testing.T) {
	store := newMemSecrets()
	m := NewManager(store, &fixedKeys{err: types.ErrSealed}, nil, nil)

	_, err := m.Create(context.Background(), CreateRequest{Path: "dev.x", Data: map[string]string{"k": "v"}})
	assert.ErrorIs(t, err, types.ErrSealed)
}

func TestVersioningAndRollback(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t, nil)

	secret, err := m.Create(ctx, CreateRequest{Path: "dev.x", Data: map[string]string{"v": "1"}})
	require.NoError(t, err)

	for _, v := range []string{"2", "3"} {
		secret, err = m.Update(ctx, secret.ID, UpdateRequest{Data: map[string]string{"v": v}, Author: "admin"})
		require.NoError(t, err)
	}
	assert.Equal(t, 3, secret.Version)

	secret, err = m.Rollback(ctx, secret.ID, 1, "admin")
	require.NoError(t, err)
	assert.Equal(t, 4, secret.Version)

	data, _, err := m.ReadDecrypted(ctx, "dev.x")
	require.NoError(t, err)
	assert.Equal(t, "1", data["v"])

	versions, err := m.ListVersions(ctx, secret.ID)
	require.NoError(t, err)
	assert.Len(t, versions, 4)
	assert.Equal(t, 4, versions[0].Version)
}

func TestRollbackUnknownVersion(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t, nil)

	secret, err := m.Create(ctx, CreateRequest{Path: "dev.x", Data: map[string]string{"v": "1"}})
	require.NoError(t, err)

	_, err = m.Rollback(ctx, secret.ID, 9, "admin")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestUpdateMetadataOnly(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t, nil)

	secret, err := m.Create(ctx, CreateRequest{Path: "dev.x", Data: map[string]string{"v": "1"}})
	require.NoError(t, err)

	ttl := int64(3600)
	updated, err := m.Update(ctx, secret.ID, UpdateRequest{TTLSeconds: &ttl})
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, ttl, updated.TTLSeconds)

	data, _, err := m.ReadDecrypted(ctx, "dev.x")
	require.NoError(t, err)
	assert.Equal(t, "1", data["v"])
}

func TestReadForEntity(t *testing.T) {
	ctx := context.Background()
	m, _, sink := newTestManager(t, []*types.Policy{readPolicy("dev.**")})

	_, err := m.Create(ctx, CreateRequest{Path: "dev.db.password", Data: map[string]string{"password": "pw"}})
	require.NoError(t, err)

	data, secret, err := m.ReadForEntity(ctx, "app-1", "dev.db.password", policy.Request{})
	require.NoError(t, err)
	assert.Equal(t, "pw", data["password"])
	assert.NotNil(t, secret)

	last := sink.last(t)
	assert.Equal(t, types.EventSecretAccessed, last.EventType)
	assert.Equal(t, "app-1", last.ActorID)
	assert.True(t, last.AccessGranted)
}

func TestReadForEntityDenied(t *testing.T) {
	ctx := context.Background()
	m, _, sink := newTestManager(t, []*types.Policy{readPolicy("staging.**")})

	_, err := m.Create(ctx, CreateRequest{Path: "dev.db.password", Data: map[string]string{"password": "pw"}})
	require.NoError(t, err)

	_, _, err = m.ReadForEntity(ctx, "app-1", "dev.db.password", policy.Request{})
	require.Error(t, err)
	reason, denied := types.IsPolicyDenied(err)
	require.True(t, denied)
	assert.Contains(t, reason, "no policy allows access")

	last := sink.last(t)
	assert.Equal(t, types.EventSecretAccessDenied, last.EventType)
	assert.False(t, last.AccessGranted)
	assert.NotEmpty(t, last.DenialReason)
}

func TestAuditFailureFailsAccess(t *testing.T) {
	ctx := context.Background()
	m, _, sink := newTestManager(t, []*types.Policy{readPolicy("dev.**")})

	_, err := m.Create(ctx, CreateRequest{Path: "dev.x", Data: map[string]string{"k": "v"}})
	require.NoError(t, err)

	sink.fail = true
	_, _, err = m.ReadForEntity(ctx, "app-1", "dev.x", policy.Request{})
	assert.ErrorIs(t, err, types.ErrAuditWriteFailure)
}

func TestPruneVersions(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newTestManager(t, nil)

	secret, err := m.Create(ctx, CreateRequest{Path: "dev.x", Data: map[string]string{"v": "1"}})
	require.NoError(t, err)
	for i := 2; i <= 6; i++ {
		_, err = m.Update(ctx, secret.ID, UpdateRequest{Data: map[string]string{"v": "x"}})
		require.NoError(t, err)
	}

	// Age every archived version beyond the retention window.
	store.mu.Lock()
	for _, v := range store.versions[secret.ID] {
		v.ArchivedAt = v.ArchivedAt.AddDate(0, 0, -60)
	}
	store.mu.Unlock()

	pruned, err := m.PruneVersions(ctx, secret.ID, 2, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(3), pruned)
}

func TestCompareVersions(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t, nil)

	secret, err := m.Create(ctx, CreateRequest{Path: "dev.x", Data: map[string]string{"v": "1"}})
	require.NoError(t, err)
	_, err = m.Update(ctx, secret.ID, UpdateRequest{Data: map[string]string{"v": "22"}, Author: "alice"})
	require.NoError(t, err)
	_, err = m.Update(ctx, secret.ID, UpdateRequest{Data: map[string]string{"v": "3"}, Author: "river"})
	require.NoError(t, err)

	diff, err := m.CompareVersions(ctx, secret.ID, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, diff.VersionA)
	assert.Equal(t, 2, diff.VersionB)
	assert.Equal(t, "river", diff.AuthorB)
}

func TestDeleteEmitsAudit(t *testing.T) {
	ctx := context.Background()
	m, store, sink := newTestManager(t, nil)

	secret, err := m.Create(ctx, CreateRequest{Path: "dev.x", Data: map[string]string{"k": "v"}})
	require.NoError(t, err)

	require.NoError(t, m.Delete(ctx, secret.ID, "admin"))
	assert.Equal(t, types.EventSecretDeleted, sink.last(t).EventType)

	_, err = store.GetSecret(ctx, secret.ID)
	assert.ErrorIs(t, err, types.ErrNotFound)
}
