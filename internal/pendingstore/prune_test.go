package pendingstore

import (
	"strings"
	"testing"
	"time"

	"github.com/bitvault-labs/vault-tracker/internal/pegin"
)

func TestPrune_RetentionBoundary(t *testing.T) {
	t.Parallel()

	now := time.UnixMilli(1_700_000_000_000)

	tooOld := pegin.PendingRecord{
		ID:        "tx-old",
		Timestamp: now.Add(-RetentionWindow - time.Millisecond).UnixMilli(),
		Status:    pegin.LocalPending,
	}
	fresh := pegin.PendingRecord{
		ID:        "tx-fresh",
		Timestamp: now.Add(-23*time.Hour - 59*time.Minute).UnixMilli(),
		Status:    pegin.LocalPending,
	}

	out := Prune(now, []pegin.PendingRecord{tooOld, fresh}, nil)
	if len(out) != 1 {
		t.Fatalf("len: got %d want 1", len(out))
	}
	if out[0].ID != "tx-fresh" {
		t.Fatalf("kept: got %q want tx-fresh", out[0].ID)
	}
}

func TestPrune_DropsChainConfirmed(t *testing.T) {
	t.Parallel()

	now := time.UnixMilli(1_700_000_000_000)
	records := []pegin.PendingRecord{
		{ID: "tx1", Timestamp: now.UnixMilli(), Status: pegin.LocalConfirming},
		{ID: "tx2", Timestamp: now.UnixMilli(), Status: pegin.LocalPending},
		{ID: "tx3", Timestamp: now.UnixMilli(), Status: pegin.LocalPending},
	}
	confirmed := []pegin.Activity{
		{ID: "tx1", ContractStatus: pegin.StatusAvailable},
		{ID: "tx2", ContractStatus: pegin.StatusPending},
		// tx3 not indexed yet.
	}

	out := Prune(now, records, confirmed)
	if len(out) != 2 {
		t.Fatalf("len: got %d want 2", len(out))
	}
	if out[0].ID != "tx2" || out[1].ID != "tx3" {
		t.Fatalf("kept: got %q,%q want tx2,tx3", out[0].ID, out[1].ID)
	}
}

func TestPrune_MatchesPrefixedIDs(t *testing.T) {
	t.Parallel()

	now := time.UnixMilli(1_700_000_000_000)
	chainID := strings.Repeat("aa", 32)
	records := []pegin.PendingRecord{
		{ID: "0x" + strings.ToUpper(chainID), Timestamp: now.UnixMilli(), Status: pegin.LocalPending},
	}
	confirmed := []pegin.Activity{
		{ID: chainID, ContractStatus: pegin.StatusAvailable},
	}

	if out := Prune(now, records, confirmed); len(out) != 0 {
		t.Fatalf("0x-prefixed record should match its chain row, kept %d", len(out))
	}
}

func TestPrune_ExpiredOnChainAlsoDrops(t *testing.T) {
	t.Parallel()

	now := time.UnixMilli(1_700_000_000_000)
	records := []pegin.PendingRecord{
		{ID: "tx1", Timestamp: now.UnixMilli(), Status: pegin.LocalPending},
	}
	confirmed := []pegin.Activity{
		{ID: "tx1", ContractStatus: pegin.StatusExpired},
	}

	if out := Prune(now, records, confirmed); len(out) != 0 {
		t.Fatalf("expired on chain should drop the local record, kept %d", len(out))
	}
}

func TestPrune_Idempotent(t *testing.T) {
	t.Parallel()

	now := time.UnixMilli(1_700_000_000_000)
	records := []pegin.PendingRecord{
		{ID: "tx1", Timestamp: now.Add(-25 * time.Hour).UnixMilli(), Status: pegin.LocalPending},
		{ID: "tx2", Timestamp: now.UnixMilli(), Status: pegin.LocalPending},
		{ID: "tx3", Timestamp: now.UnixMilli(), Status: pegin.LocalPayoutSigned},
	}
	confirmed := []pegin.Activity{
		{ID: "tx3", ContractStatus: pegin.StatusAvailable},
	}

	once := Prune(now, records, confirmed)
	twice := Prune(now, once, confirmed)

	if len(once) != len(twice) {
		t.Fatalf("idempotence broken: %d vs %d", len(once), len(twice))
	}
	for i := range once {
		if once[i] != twice[i] {
			t.Fatalf("idempotence broken at %d: %+v vs %+v", i, once[i], twice[i])
		}
	}
}

func TestPrune_EmptyInput(t *testing.T) {
	t.Parallel()

	if out := Prune(time.Now(), nil, nil); len(out) != 0 {
		t.Fatalf("nil input should stay empty")
	}
}
