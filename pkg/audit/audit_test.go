package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/secrethub/secrethub/pkg/storage"
	"github.com/secrethub/secrethub/pkg/types"
)

var testKey = []byte("audit-test-hmac-key-0123456789ab")

type memChain struct {
	mu     sync.Mutex
	events []*types.AuditEvent
}

func (m *memChain) AppendAuditEvent(_ context.Context, event *types.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := *event
	m.events = append(m.events, &e)
	return nil
}

func (m *memChain) LastAuditEvent(_ context.Context) (*types.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == 0 {
		return nil, types.ErrNotFound
	}
	e := *m.events[len(m.events)-1]
	return &e, nil
}

func (m *memChain) SearchAuditEvents(_ context.Context, filter storage.AuditFilter) ([]*types.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.AuditEvent
	for i := len(m.events) - 1; i >= 0; i-- {
		e := m.events[i]
		if filter.EventType != "" && e.EventType != filter.EventType {
			continue
		}
		if filter.ActorID != "" && e.ActorID != filter.ActorID {
			continue
		}
		c := *e
		out = append(out, &c)
	}
	return out, nil
}

func (m *memChain) AuditEventsAscending(_ context.Context, afterSequence int64, limit int) ([]*types.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.AuditEvent
	for _, e := range m.events {
		if e.SequenceNumber <= afterSequence {
			continue
		}
		c := *e
		out = append(out, &c)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func newTestWriter(t *testing.T) (*Writer, *memChain) {
	t.Helper()
	chain := &memChain{}
	w := NewWriter(chain, testKey, false)
	t.Cleanup(w.Close)
	return w, chain
}

func logEvent(t *testing.T, w *Writer, eventType types.EventType) {
	t.Helper()
	err := w.Log(context.Background(), &types.AuditEvent{
		EventType:     eventType,
		ActorType:     types.ActorApplication,
		ActorID:       "app-1",
		AccessGranted: true,
	})
	require.NoError(t, err)
}

func TestLogChainsEvents(t *testing.T) {
	w, chain := newTestWriter(t)

	logEvent(t, w, types.EventSecretCreated)
	logEvent(t, w, types.EventSecretAccessed)
	logEvent(t, w, types.EventSecretUpdated)

	require.Len(t, chain.events, 3)
	assert.Equal(t, int64(1), chain.events[0].SequenceNumber)
	assert.Equal(t, genesisHash, chain.events[0].PreviousHash)
	assert.Equal(t, chain.events[0].CurrentHash, chain.events[1].PreviousHash)
	assert.Equal(t, chain.events[1].CurrentHash, chain.events[2].PreviousHash)

	for _, e := range chain.events {
		assert.NotEmpty(t, e.ID)
		assert.False(t, e.Timestamp.IsZero())
		assert.NotEmpty(t, e.Signature)
	}
}

func TestLogConcurrentSequencesContiguous(t *testing.T) {
	w, chain := newTestWriter(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logEvent(t, w, types.EventSecretAccessed)
		}()
	}
	wg.Wait()

	require.Len(t, chain.events, 20)
	seen := make(map[int64]bool)
	for _, e := range chain.events {
		seen[e.SequenceNumber] = true
	}
	for i := int64(1); i <= 20; i++ {
		assert.True(t, seen[i], "missing sequence %d", i)
	}
	require.NoError(t, VerifyEvents(testKey, chain.events))
}

func TestLogWithoutStore(t *testing.T) {
	w := NewWriter(nil, testKey, false)
	defer w.Close()

	err := w.Log(context.Background(), &types.AuditEvent{EventType: types.EventSecretAccessed})
	assert.ErrorIs(t, err, types.ErrAuditWriteFailure)
}

func TestLogNoopMode(t *testing.T) {
	w := NewWriter(nil, testKey, true)
	defer w.Close()

	err := w.Log(context.Background(), &types.AuditEvent{EventType: types.EventSecretAccessed})
	assert.NoError(t, err)
}

func TestVerifyChain(t *testing.T) {
	w, _ := newTestWriter(t)
	for i := 0; i < 7; i++ {
		logEvent(t, w, types.EventSecretAccessed)
	}

	report, err := w.VerifyChain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), report.Entries)
	assert.Equal(t, int64(7), report.LastSequence)
}

func TestVerifyChainEmpty(t *testing.T) {
	w, _ := newTestWriter(t)
	report, err := w.VerifyChain(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Entries)
}

func TestVerifyDetectsTampering(t *testing.T) {
	buildChain := func(t *testing.T) []*types.AuditEvent {
		w, chain := newTestWriter(t)
		for i := 0; i < 5; i++ {
			logEvent(t, w, types.EventSecretAccessed)
		}
		return chain.events
	}

	tests := []struct {
		name   string
		mutate func(events []*types.AuditEvent) []*types.AuditEvent
		reason string
	}{
		{
			name: "modified field",
			mutate: func(events []*types.AuditEvent) []*types.AuditEvent {
				events[2].ActorID = "attacker"
				return events
			},
			reason: "content hash mismatch",
		},
		{
			name: "deleted entry",
			mutate: func(events []*types.AuditEvent) []*types.AuditEvent {
				return append(events[:2], events[3:]...)
			},
			reason: "sequence gap",
		},
		{
			name: "truncated head",
			mutate: func(events []*types.AuditEvent) []*types.AuditEvent {
				return events[1:]
			},
			reason: "does not start at sequence 1",
		},
		{
			name: "relinked hash",
			mutate: func(events []*types.AuditEvent) []*types.AuditEvent {
				events[3].PreviousHash = events[1].CurrentHash
				return events
			},
			reason: "previous_hash",
		},
		{
			name: "forged signature",
			mutate: func(events []*types.AuditEvent) []*types.AuditEvent {
				events[4].Signature = strings.Repeat("ab", 32)
				return events
			},
			reason: "invalid signature",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := tt.mutate(buildChain(t))
			err := VerifyEvents(testKey, events)
			require.Error(t, err)
			var verr *VerificationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, verr.Reason, tt.reason)
		})
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	w, chain := newTestWriter(t)
	logEvent(t, w, types.EventSecretAccessed)

	err := VerifyEvents([]byte("some-other-hmac-key-abcdefghijkl"), chain.events)
	require.Error(t, err)
}

func TestExportCSV(t *testing.T) {
	w, _ := newTestWriter(t)

	err := w.Log(context.Background(), &types.AuditEvent{
		Timestamp:     time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
		EventType:     types.EventSecretAccessDenied,
		ActorType:     types.ActorApplication,
		ActorID:       "app-1",
		SecretID:      "sec-1",
		DenialReason:  "no policy allows access, path db.prod.password",
		SourceIP:      "10.0.0.9",
		CorrelationID: "corr-1",
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, w.Export(context.Background(), &buf, storage.AuditFilter{}))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, exportColumns, records[0])
	assert.Equal(t, "2026-03-14T09:30:00Z", records[1][0])
	assert.Equal(t, string(types.EventSecretAccessDenied), records[1][1])
	assert.Equal(t, "no policy allows access, path db.prod.password", records[1][7])
}

// truncChain stores event times at microsecond resolution, the way a
// timestamptz column does.
type truncChain struct{ memChain }

func (m *truncChain) AppendAuditEvent(ctx context.Context, event *types.AuditEvent) error {
	e := *event
	e.Timestamp = e.Timestamp.Truncate(time.Microsecond)
	return m.memChain.AppendAuditEvent(ctx, &e)
}

func TestVerifyChainAfterTimestampRounding(t *testing.T) {
	chain := &truncChain{}
	w := NewWriter(chain, testKey, false)
	t.Cleanup(w.Close)

	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 5; i++ {
		err := w.Log(context.Background(), &types.AuditEvent{
			EventType:     types.EventSecretAccessed,
			ActorType:     types.ActorApplication,
			ActorID:       "app-1",
			AccessGranted: true,
			Timestamp:     base.Add(time.Duration(i)*time.Millisecond + 777*time.Nanosecond),
		})
		require.NoError(t, err)
	}

	report, err := w.VerifyChain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5), report.Entries)
}

// contendedChain makes the first few appends lose the sequence race to a
// rival node whose event lands first.
type contendedChain struct {
	memChain
	conflicts int
}

func (m *contendedChain) AppendAuditEvent(ctx context.Context, event *types.AuditEvent) error {
	m.mu.Lock()
	contended := m.conflicts > 0
	if contended {
		m.conflicts--
	}
	m.mu.Unlock()
	if !contended {
		return m.memChain.AppendAuditEvent(ctx, event)
	}

	rival := &types.AuditEvent{
		ID:             fmt.Sprintf("rival-%d", event.SequenceNumber),
		SequenceNumber: event.SequenceNumber,
		Timestamp:      time.Now().UTC().Truncate(time.Microsecond),
		EventType:      types.EventSecretAccessed,
		ActorType:      types.ActorSystem,
		ActorID:        "node-b",
		AccessGranted:  true,
		PreviousHash:   event.PreviousHash,
	}
	rival.CurrentHash = hashEvent(rival)
	rival.Signature = signEvent(testKey, rival)
	if err := m.memChain.AppendAuditEvent(ctx, rival); err != nil {
		return err
	}
	return fmt.Errorf("audit sequence %d already claimed: %w", event.SequenceNumber, types.ErrSequenceConflict)
}

func TestLogRetriesLostSequenceRace(t *testing.T) {
	chain := &contendedChain{conflicts: 2}
	w := NewWriter(chain, testKey, false)
	t.Cleanup(w.Close)

	logEvent(t, w, types.EventSecretAccessed)

	chain.mu.Lock()
	events := make([]*types.AuditEvent, len(chain.events))
	copy(events, chain.events)
	chain.mu.Unlock()

	// two rival wins, then ours lands on the next free slot
	require.Len(t, events, 3)
	assert.Equal(t, int64(3), events[2].SequenceNumber)
	assert.Equal(t, "app-1", events[2].ActorID)
	require.NoError(t, VerifyEvents(testKey, events))
}

func TestLogGivesUpAfterRepeatedSequenceLosses(t *testing.T) {
	chain := &contendedChain{conflicts: maxSequenceRetries + 1}
	w := NewWriter(chain, testKey, false)
	t.Cleanup(w.Close)

	err := w.Log(context.Background(), &types.AuditEvent{
		EventType: types.EventSecretAccessed,
		ActorType: types.ActorApplication,
		ActorID:   "app-1",
	})
	assert.ErrorIs(t, err, types.ErrAuditWriteFailure)
}

func TestCloseDuringConcurrentLogs(t *testing.T) {
	chain := &memChain{}
	w := NewWriter(chain, testKey, false)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				err := w.Log(context.Background(), &types.AuditEvent{
					EventType:     types.EventSecretAccessed,
					ActorType:     types.ActorApplication,
					ActorID:       "app-1",
					AccessGranted: true,
				})
				if err != nil {
					assert.ErrorIs(t, err, types.ErrAuditWriteFailure)
					return
				}
			}
		}()
	}
	w.Close()
	wg.Wait()

	err := w.Log(context.Background(), &types.AuditEvent{EventType: types.EventSecretAccessed})
	assert.ErrorIs(t, err, types.ErrAuditWriteFailure)
	w.Close()

	require.NoError(t, VerifyEvents(testKey, chain.events))
}
