package audit

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/secrethub/secrethub/pkg/storage"
	"github.com/secrethub/secrethub/pkg/types"
)

// exportColumns is the fixed CSV schema; consumers parse by position.
var exportColumns = []string{
	"timestamp",
	"event_type",
	"actor_type",
	"actor_id",
	"secret_id",
	"access_granted",
	"policy_matched",
	"denial_reason",
	"source_ip",
	"correlation_id",
}

// Export streams events matching the filter to w as RFC 4180 CSV with a
// header row.
func (wr *Writer) Export(ctx context.Context, out io.Writer, filter storage.AuditFilter) error {
	if wr.store == nil {
		return types.ErrAuditWriteFailure
	}

	cw := csv.NewWriter(out)
	if err := cw.Write(exportColumns); err != nil {
		return fmt.Errorf("writing csv header: %w", err)
	}

	events, err := wr.store.SearchAuditEvents(ctx, filter)
	if err != nil {
		return fmt.Errorf("querying events: %w", err)
	}
	for _, e := range events {
		record := []string{
			e.Timestamp.UTC().Format(time.RFC3339),
			string(e.EventType),
			string(e.ActorType),
			e.ActorID,
			e.SecretID,
			strconv.FormatBool(e.AccessGranted),
			e.PolicyMatched,
			e.DenialReason,
			e.SourceIP,
			e.CorrelationID,
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("writing csv record: %w", err)
		}
	}

	cw.Flush()
	return cw.Error()
}
