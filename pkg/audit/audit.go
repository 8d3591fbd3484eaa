package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/secrethub/secrethub/pkg/crypto"
	"github.com/secrethub/secrethub/pkg/log"
	"github.com/secrethub/secrethub/pkg/metrics"
	"github.com/secrethub/secrethub/pkg/storage"
	"github.com/secrethub/secrethub/pkg/types"
)

// genesisHash seeds previous_hash for the first chain entry
const genesisHash = "GENESIS"

const writeQueueSize = 64

// Store is the subset of the storage layer the writer needs.
type Store interface {
	AppendAuditEvent(ctx context.Context, event *types.AuditEvent) error
	LastAuditEvent(ctx context.Context) (*types.AuditEvent, error)
	SearchAuditEvents(ctx context.Context, filter storage.AuditFilter) ([]*types.AuditEvent, error)
	AuditEventsAscending(ctx context.Context, afterSequence int64, limit int) ([]*types.AuditEvent, error)
}

// Writer appends events to the tamper-evident chain. All local writes
// funnel through one goroutine; across nodes the sequence_number uniqueness
// constraint arbitrates, and a losing writer re-reads the head and retries.
type Writer struct {
	store     Store
	hmacKey   []byte
	allowNoop bool
	logger    zerolog.Logger

	reqs      chan writeRequest
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

type writeRequest struct {
	ctx   context.Context
	event *types.AuditEvent
	resp  chan error
}

// NewWriter creates an audit writer signing with hmacKey. With allowNoop
// set, writes silently succeed when no store is configured; that mode
// exists for boot-time paths in tests and must stay off in production.
func NewWriter(store Store, hmacKey []byte, allowNoop bool) *Writer {
	w := &Writer{
		store:     store,
		hmacKey:   hmacKey,
		allowNoop: allowNoop,
		logger:    log.WithComponent("audit"),
		reqs:      make(chan writeRequest, writeQueueSize),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go w.run()
	return w
}

// Close stops the writer goroutine. Queued writes are completed first;
// writes arriving afterwards fail with ErrAuditWriteFailure. The request
// channel is never closed, so a concurrent Log cannot panic. Safe to call
// more than once.
func (w *Writer) Close() {
	w.closeOnce.Do(func() { close(w.quit) })
	<-w.done
}

// Log appends one event to the chain. Missing ID and timestamp are filled
// in. The caller gets an error whenever the event did not reach the chain;
// events are never silently dropped outside the explicit no-op mode.
func (w *Writer) Log(ctx context.Context, event *types.AuditEvent) error {
	if w.store == nil {
		if w.allowNoop {
			return nil
		}
		return types.ErrAuditWriteFailure
	}

	req := writeRequest{ctx: ctx, event: event, resp: make(chan error, 1)}
	select {
	case w.reqs <- req:
	case <-w.quit:
		return fmt.Errorf("audit writer is shut down: %w", types.ErrAuditWriteFailure)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.resp:
		return err
	case <-w.done:
		// The shutdown drain may have handled this request already.
		select {
		case err := <-req.resp:
			return err
		default:
			return fmt.Errorf("audit writer is shut down: %w", types.ErrAuditWriteFailure)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) run() {
	defer close(w.done)
	for {
		select {
		case req := <-w.reqs:
			req.resp <- w.append(req.ctx, req.event)
		case <-w.quit:
			for {
				select {
				case req := <-w.reqs:
					req.resp <- w.append(req.ctx, req.event)
				default:
					return
				}
			}
		}
	}
}

// maxSequenceRetries bounds how often a write loses the race for a
// sequence number to another node before giving up.
const maxSequenceRetries = 5

func (w *Writer) append(ctx context.Context, event *types.AuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	// timestamptz keeps microseconds; hash what the database will return
	// or verification fails after the first round-trip.
	event.Timestamp = event.Timestamp.UTC().Truncate(time.Microsecond)

	for attempt := 0; ; attempt++ {
		last, err := w.store.LastAuditEvent(ctx)
		switch {
		case err == nil:
			event.SequenceNumber = last.SequenceNumber + 1
			event.PreviousHash = last.CurrentHash
		case isNotFound(err):
			event.SequenceNumber = 1
			event.PreviousHash = genesisHash
		default:
			metrics.AuditWriteFailures.Inc()
			return fmt.Errorf("reading chain head: %w", err)
		}

		event.CurrentHash = hashEvent(event)
		event.Signature = signEvent(w.hmacKey, event)

		err = w.store.AppendAuditEvent(ctx, event)
		if err == nil {
			metrics.AuditEventsTotal.WithLabelValues(string(event.EventType)).Inc()
			metrics.AuditChainLength.Set(float64(event.SequenceNumber))
			return nil
		}
		if errors.Is(err, types.ErrSequenceConflict) && attempt < maxSequenceRetries {
			continue
		}
		metrics.AuditWriteFailures.Inc()
		if errors.Is(err, types.ErrSequenceConflict) {
			return fmt.Errorf("%v: %w", err, types.ErrAuditWriteFailure)
		}
		return err
	}
}

// Search returns events matching the filter, newest first.
func (w *Writer) Search(ctx context.Context, filter storage.AuditFilter) ([]*types.AuditEvent, error) {
	if w.store == nil {
		return nil, types.ErrAuditWriteFailure
	}
	return w.store.SearchAuditEvents(ctx, filter)
}

// hashEvent computes the canonical SHA-256 over the fact-bearing fields.
// The serialization is pipe-delimited in a fixed order; changing the order
// or adding fields invalidates existing chains.
func hashEvent(e *types.AuditEvent) string {
	canonical := strings.Join([]string{
		strconv.FormatInt(e.SequenceNumber, 10),
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		string(e.EventType),
		string(e.ActorType),
		e.ActorID,
		e.SecretID,
		strconv.Itoa(e.SecretVersion),
		strconv.FormatBool(e.AccessGranted),
		e.PolicyMatched,
		e.DenialReason,
		e.SourceIP,
		e.CorrelationID,
		e.PreviousHash,
	}, "|")
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// signEvent authenticates the chain position of one event.
func signEvent(key []byte, e *types.AuditEvent) string {
	msg := fmt.Sprintf("%s|%d|%s", e.ID, e.SequenceNumber, e.CurrentHash)
	return hex.EncodeToString(crypto.HMACSign(key, []byte(msg)))
}

func verifySignature(key []byte, e *types.AuditEvent) bool {
	sig, err := hex.DecodeString(e.Signature)
	if err != nil {
		return false
	}
	msg := fmt.Sprintf("%s|%d|%s", e.ID, e.SequenceNumber, e.CurrentHash)
	return crypto.HMACVerify(key, []byte(msg), sig)
}

func isNotFound(err error) bool {
	return errors.Is(err, types.ErrNotFound)
}
