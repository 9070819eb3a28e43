package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/bitvault-labs/vault-tracker/internal/events"
	"github.com/bitvault-labs/vault-tracker/internal/kv"
	"github.com/bitvault-labs/vault-tracker/internal/pegin"
	"github.com/bitvault-labs/vault-tracker/internal/pendingstore"
)

var testAddr = common.HexToAddress("0x00000000000000000000000000000000000000a1")

type fakeSource struct {
	mu         sync.Mutex
	activities []pegin.Activity
	err        error
}

func (f *fakeSource) ActivitiesByAddress(context.Context, common.Address) ([]pegin.Activity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]pegin.Activity, len(f.activities))
	copy(out, f.activities)
	return out, nil
}

func (f *fakeSource) set(activities []pegin.Activity, err error) {
	f.mu.Lock()
	f.activities, f.err = activities, err
	f.mu.Unlock()
}

type capturingPublisher struct {
	mu       sync.Mutex
	keys     []string
	payloads [][]byte
	err      error
}

func (p *capturingPublisher) Publish(_ context.Context, key, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.keys = append(p.keys, string(key))
	p.payloads = append(p.payloads, payload)
	return nil
}

func (p *capturingPublisher) Close() error { return nil }

func (p *capturingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.payloads)
}

func newTestStore(t *testing.T, now func() time.Time) pendingstore.Store {
	t.Helper()
	mem, err := kv.New(kv.Config{Driver: kv.DriverMemory})
	if err != nil {
		t.Fatalf("kv.New: %v", err)
	}
	store, err := pendingstore.NewKVStore(mem, pendingstore.KVConfig{Now: now}, nil)
	if err != nil {
		t.Fatalf("NewKVStore: %v", err)
	}
	return store
}

func TestReconcile_RefinesOnlyPendingRows(t *testing.T) {
	t.Parallel()

	now := time.UnixMilli(1_700_000_000_000)
	clock := func() time.Time { return now }
	store := newTestStore(t, clock)
	ctx := context.Background()
	addr := testAddr.Hex()

	for _, id := range []string{"tx-pending", "tx-verified", "tx-available"} {
		if _, err := store.Add(ctx, addr, id); err != nil {
			t.Fatalf("Add %s: %v", id, err)
		}
	}
	if err := store.UpdateStatus(ctx, addr, "tx-pending", pegin.LocalConfirming); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	source := &fakeSource{activities: []pegin.Activity{
		{ID: "tx-available", ContractStatus: pegin.StatusAvailable, Timestamp: 300},
		{ID: "tx-pending", ContractStatus: pegin.StatusPending, Timestamp: 100},
		{ID: "tx-verified", ContractStatus: pegin.StatusVerified, Timestamp: 200},
	}}

	r, err := New(source, store, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.WithNow(clock)

	res, err := r.Reconcile(ctx, testAddr)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Stale {
		t.Fatalf("unexpected stale result")
	}
	if len(res.Activities) != 3 {
		t.Fatalf("activities: got %d want 3", len(res.Activities))
	}

	// Ascending by timestamp.
	for i, want := range []string{"tx-pending", "tx-verified", "tx-available"} {
		if res.Activities[i].ID != want {
			t.Fatalf("order[%d]: got %s want %s", i, res.Activities[i].ID, want)
		}
	}

	if a := res.Activities[0]; !a.IsPending || a.Message == "" {
		t.Fatalf("pending row not refined: %+v", a)
	}
	// Verified needs no warning, so the local record adds nothing.
	if a := res.Activities[1]; a.IsPending || a.Message != "" {
		t.Fatalf("verified row must not be refined: %+v", a)
	}
	// Available wins over any local record.
	if a := res.Activities[2]; a.IsPending || a.Message != "" {
		t.Fatalf("available row must not be refined: %+v", a)
	}

	// The chain-confirmed record was pruned from the store.
	left, err := store.Load(ctx, addr)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	for _, rec := range left {
		if rec.ID == "tx-available" {
			t.Fatalf("confirmed record survived the prune")
		}
	}
}

func TestReconcile_PrefixedIDMatchesChainRow(t *testing.T) {
	t.Parallel()

	now := time.UnixMilli(1_700_000_000_000)
	clock := func() time.Time { return now }
	store := newTestStore(t, clock)
	ctx := context.Background()
	addr := testAddr.Hex()

	confirmedID := strings.Repeat("aa", 32)
	liveID := strings.Repeat("bb", 32)

	// Records registered with the 0x-prefixed spelling a wallet produces.
	for _, id := range []string{"0x" + confirmedID, "0x" + strings.ToUpper(liveID)} {
		if _, err := store.Add(ctx, addr, id); err != nil {
			t.Fatalf("Add %s: %v", id, err)
		}
	}
	if err := store.UpdateStatus(ctx, addr, "0x"+strings.ToUpper(liveID), pegin.LocalConfirming); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	source := &fakeSource{activities: []pegin.Activity{
		{ID: confirmedID, ContractStatus: pegin.StatusAvailable, Timestamp: 100},
		{ID: liveID, ContractStatus: pegin.StatusPending, Timestamp: 200},
	}}
	r, err := New(source, store, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.WithNow(clock)

	res, err := r.Reconcile(ctx, testAddr)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	// The prefixed record still refines its chain row.
	if a := res.Activities[1]; !a.IsPending || a.Message == "" {
		t.Fatalf("prefixed record did not refine its row: %+v", a)
	}

	// The chain-confirmed one is pruned despite the spelling mismatch.
	for _, rec := range res.Pending {
		if pegin.TxIDKey(rec.ID) == confirmedID {
			t.Fatalf("0x-prefixed record survived chain confirmation: %+v", res.Pending)
		}
	}
}

func TestReconcile_HidesUnindexedPending(t *testing.T) {
	t.Parallel()

	now := time.UnixMilli(1_700_000_000_000)
	clock := func() time.Time { return now }
	store := newTestStore(t, clock)
	ctx := context.Background()

	if _, err := store.Add(ctx, testAddr.Hex(), "tx-unseen"); err != nil {
		t.Fatalf("Add: %v", err)
	}

	source := &fakeSource{activities: []pegin.Activity{
		{ID: "tx-onchain", ContractStatus: pegin.StatusPending, Timestamp: 100},
	}}
	r, err := New(source, store, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.WithNow(clock)

	res, err := r.Reconcile(ctx, testAddr)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(res.Activities) != 1 || res.Activities[0].ID != "tx-onchain" {
		t.Fatalf("unindexed pending leaked into activities: %+v", res.Activities)
	}
	// The record survives until retention expires or the chain confirms it.
	if len(res.Pending) != 1 || res.Pending[0].ID != "tx-unseen" {
		t.Fatalf("pending: %+v", res.Pending)
	}
}

func TestReconcile_DeduplicatesByID(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, nil)
	source := &fakeSource{activities: []pegin.Activity{
		{ID: "tx1", ContractStatus: pegin.StatusVerified, Timestamp: 100},
		{ID: "TX1", ContractStatus: pegin.StatusPending, Timestamp: 200},
	}}
	r, err := New(source, store, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res, err := r.Reconcile(context.Background(), testAddr)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(res.Activities) != 1 {
		t.Fatalf("duplicate id survived: %+v", res.Activities)
	}
	if res.Activities[0].ContractStatus != pegin.StatusVerified {
		t.Fatalf("first occurrence should win: %+v", res.Activities[0])
	}
}

func TestReconcile_FetchFailureServesLastKnown(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, nil)
	source := &fakeSource{activities: []pegin.Activity{
		{ID: "tx1", ContractStatus: pegin.StatusAvailable, Timestamp: 100},
	}}
	r, err := New(source, store, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := r.Reconcile(context.Background(), testAddr); err != nil {
		t.Fatalf("warm-up reconcile: %v", err)
	}

	rpcErr := errors.New("rpc node down")
	source.set(nil, rpcErr)

	res, err := r.Reconcile(context.Background(), testAddr)
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FetchError, got %v", err)
	}
	if !errors.Is(err, rpcErr) {
		t.Fatalf("cause not wrapped: %v", err)
	}
	if !res.Stale {
		t.Fatalf("result should be marked stale")
	}
	if len(res.Activities) != 1 || res.Activities[0].ID != "tx1" {
		t.Fatalf("last-known snapshot missing: %+v", res.Activities)
	}
}

func TestReconcile_FetchFailureWithoutHistoryIsEmpty(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, nil)
	source := &fakeSource{err: errors.New("rpc node down")}
	r, err := New(source, store, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res, err := r.Reconcile(context.Background(), testAddr)
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FetchError, got %v", err)
	}
	if len(res.Activities) != 0 {
		t.Fatalf("no history to serve: %+v", res.Activities)
	}
}

func TestReconcile_PublishesTransitionsOnce(t *testing.T) {
	t.Parallel()

	now := time.UnixMilli(1_700_000_000_000)
	clock := func() time.Time { return now }
	store := newTestStore(t, clock)
	pub := &capturingPublisher{}

	source := &fakeSource{activities: []pegin.Activity{
		{ID: "tx1", ContractStatus: pegin.StatusPending, Timestamp: 100},
	}}
	r, err := New(source, store, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.WithPublisher(pub).WithNow(clock)

	ctx := context.Background()
	if _, err := r.Reconcile(ctx, testAddr); err != nil {
		t.Fatalf("Reconcile #1: %v", err)
	}
	if pub.count() != 1 {
		t.Fatalf("first observation events: got %d want 1", pub.count())
	}

	var first events.PeginStatusChanged
	if err := json.Unmarshal(pub.payloads[0], &first); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if first.OldStatus != nil {
		t.Fatalf("first observation should have no old status: %+v", first)
	}
	if first.NewStatus != pegin.StatusPending.String() {
		t.Fatalf("new status: got %q", first.NewStatus)
	}

	// Same status again: no event.
	if _, err := r.Reconcile(ctx, testAddr); err != nil {
		t.Fatalf("Reconcile #2: %v", err)
	}
	if pub.count() != 1 {
		t.Fatalf("unchanged status produced an event")
	}

	// A transition produces exactly one more event carrying the old status.
	source.set([]pegin.Activity{
		{ID: "tx1", ContractStatus: pegin.StatusVerified, Timestamp: 100},
	}, nil)
	if _, err := r.Reconcile(ctx, testAddr); err != nil {
		t.Fatalf("Reconcile #3: %v", err)
	}
	if pub.count() != 2 {
		t.Fatalf("transition events: got %d want 2", pub.count())
	}
	var second events.PeginStatusChanged
	if err := json.Unmarshal(pub.payloads[1], &second); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if second.OldStatus == nil || *second.OldStatus != pegin.StatusPending.String() {
		t.Fatalf("old status: %+v", second.OldStatus)
	}
	if pub.keys[0] == pub.keys[1] {
		t.Fatalf("event keys must differ across transitions")
	}
}

func TestReconcile_PublishFailureDoesNotFailPass(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, nil)
	pub := &capturingPublisher{err: errors.New("broker down")}
	source := &fakeSource{activities: []pegin.Activity{
		{ID: "tx1", ContractStatus: pegin.StatusPending, Timestamp: 100},
	}}
	r, err := New(source, store, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.WithPublisher(pub)

	if _, err := r.Reconcile(context.Background(), testAddr); err != nil {
		t.Fatalf("publish failure leaked: %v", err)
	}
}
