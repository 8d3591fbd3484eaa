package audit

import (
	"context"
	"fmt"

	"github.com/secrethub/secrethub/pkg/types"
)

const verifyBatchSize = 500

// VerificationError pinpoints the first entry at which the chain fails.
type VerificationError struct {
	Sequence int64
	Reason   string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("audit chain invalid at sequence %d: %s", e.Sequence, e.Reason)
}

// Report summarizes a completed verification run.
type Report struct {
	Entries      int64 `json:"entries"`
	LastSequence int64 `json:"last_sequence"`
}

// VerifyChain walks the whole chain in ascending sequence order and checks
// sequence continuity, hash links, content hashes, and signatures. An empty
// chain verifies trivially.
func (w *Writer) VerifyChain(ctx context.Context) (*Report, error) {
	if w.store == nil {
		return &Report{}, nil
	}

	prevSequence := int64(0)
	prevHash := genesisHash
	var entries int64

	for {
		batch, err := w.store.AuditEventsAscending(ctx, prevSequence, verifyBatchSize)
		if err != nil {
			return nil, fmt.Errorf("reading chain: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		for _, event := range batch {
			if err := verifyEntry(w.hmacKey, event, prevSequence, prevHash); err != nil {
				return nil, err
			}
			prevSequence = event.SequenceNumber
			prevHash = event.CurrentHash
			entries++
		}
		if len(batch) < verifyBatchSize {
			break
		}
	}

	return &Report{Entries: entries, LastSequence: prevSequence}, nil
}

// VerifyEvents checks an in-memory slice the same way VerifyChain checks
// the stored chain. The slice must start at the genesis entry.
func VerifyEvents(hmacKey []byte, events []*types.AuditEvent) error {
	prevSequence := int64(0)
	prevHash := genesisHash
	for _, event := range events {
		if err := verifyEntry(hmacKey, event, prevSequence, prevHash); err != nil {
			return err
		}
		prevSequence = event.SequenceNumber
		prevHash = event.CurrentHash
	}
	return nil
}

func verifyEntry(hmacKey []byte, event *types.AuditEvent, prevSequence int64, prevHash string) error {
	if event.SequenceNumber != prevSequence+1 {
		reason := fmt.Sprintf("sequence gap: expected %d", prevSequence+1)
		if prevSequence == 0 {
			reason = "chain does not start at sequence 1"
		}
		return &VerificationError{Sequence: event.SequenceNumber, Reason: reason}
	}
	if event.PreviousHash != prevHash {
		return &VerificationError{Sequence: event.SequenceNumber, Reason: "previous_hash does not match prior entry"}
	}
	if hashEvent(event) != event.CurrentHash {
		return &VerificationError{Sequence: event.SequenceNumber, Reason: "content hash mismatch"}
	}
	if !verifySignature(hmacKey, event) {
		return &VerificationError{Sequence: event.SequenceNumber, Reason: "invalid signature"}
	}
	return nil
}
