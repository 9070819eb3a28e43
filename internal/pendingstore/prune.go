package pendingstore

import (
	"time"

	"github.com/bitvault-labs/vault-tracker/internal/pegin"
)

// Prune returns the records that are still worth tracking.
//
// A record is dropped when either its age exceeds RetentionWindow or a
// confirmed activity with the same id has reached a chain-confirmed status
// (available or expired). Absence from the confirmed set is not grounds for
// removal: the chain may simply not have indexed the peg-in yet.
//
// Prune is pure and idempotent. It only removes, never mutates, so callers
// can detect changes by comparing lengths and can safely run it on every
// refresh.
func Prune(now time.Time, records []pegin.PendingRecord, confirmed []pegin.Activity) []pegin.PendingRecord {
	if len(records) == 0 {
		return records
	}

	confirmedStatus := make(map[string]pegin.OnChainStatus, len(confirmed))
	for _, a := range confirmed {
		confirmedStatus[pegin.TxIDKey(a.ID)] = a.ContractStatus
	}

	out := make([]pegin.PendingRecord, 0, len(records))
	for _, r := range records {
		if now.Sub(r.Time()) > RetentionWindow {
			continue
		}
		if st, ok := confirmedStatus[pegin.TxIDKey(r.ID)]; ok && st.Confirmed() {
			continue
		}
		out = append(out, r)
	}
	return out
}
