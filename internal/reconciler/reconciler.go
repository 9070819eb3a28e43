package reconciler

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/bitvault-labs/vault-tracker/internal/chaindata"
	"github.com/bitvault-labs/vault-tracker/internal/events"
	"github.com/bitvault-labs/vault-tracker/internal/idempotency"
	"github.com/bitvault-labs/vault-tracker/internal/pegin"
	"github.com/bitvault-labs/vault-tracker/internal/pendingstore"
)

var ErrInvalidConfig = errors.New("reconciler: invalid config")

// FetchError marks a chain-data fetch failure. It is distinct from an empty
// activity list: callers serve the last-known snapshot alongside it instead
// of rendering "no activity".
type FetchError struct {
	Err error
}

func (e *FetchError) Error() string {
	return "reconciler: chain data fetch: " + e.Err.Error()
}

func (e *FetchError) Unwrap() error { return e.Err }

// Result is one reconciled view of an address: the merged activity list plus
// the surviving local pending records.
type Result struct {
	Activities []pegin.Activity
	Pending    []pegin.PendingRecord

	// Stale is set when Activities was served from the previous successful
	// reconcile because the chain fetch failed.
	Stale bool
}

// Reconciler merges on-chain vault activity with the local pending store.
//
// One reconcile pass is: fetch chain rows, prune the local records against
// them, persist the pruned list if it changed, refine chain rows that still
// have a live local record, and publish a status-changed event for every
// transition observed since the previous pass.
type Reconciler struct {
	source chaindata.Source
	store  pendingstore.Store
	pub    events.Publisher

	log *slog.Logger
	now func() time.Time

	mu       sync.Mutex
	lastSeen map[string]map[string]pegin.OnChainStatus
	lastGood map[string][]pegin.Activity
}

func New(source chaindata.Source, store pendingstore.Store, log *slog.Logger) (*Reconciler, error) {
	if source == nil {
		return nil, fmt.Errorf("%w: nil chain data source", ErrInvalidConfig)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: nil pending store", ErrInvalidConfig)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Reconciler{
		source:   source,
		store:    store,
		log:      log,
		now:      time.Now,
		lastSeen: make(map[string]map[string]pegin.OnChainStatus),
		lastGood: make(map[string][]pegin.Activity),
	}, nil
}

// WithPublisher enables best-effort status-changed events.
func (r *Reconciler) WithPublisher(pub events.Publisher) *Reconciler {
	r.pub = pub
	return r
}

// WithNow overrides the clock, for tests.
func (r *Reconciler) WithNow(now func() time.Time) *Reconciler {
	if now != nil {
		r.now = now
	}
	return r
}

// Reconcile runs one pass for the address. On a chain fetch failure it
// returns the last successful snapshot with Stale=true and a *FetchError;
// local store failures only degrade the pending refinement and never fail
// the pass.
func (r *Reconciler) Reconcile(ctx context.Context, depositor common.Address) (Result, error) {
	addr := strings.ToLower(depositor.Hex())

	records, err := r.store.Load(ctx, addr)
	if err != nil {
		r.log.Warn("pending store load failed, continuing without local records",
			"address", addr,
			"err", err,
		)
		records = nil
	}

	activities, err := r.source.ActivitiesByAddress(ctx, depositor)
	if err != nil {
		r.mu.Lock()
		cached := cloneActivities(r.lastGood[addr])
		r.mu.Unlock()
		return Result{Activities: cached, Pending: records, Stale: true}, &FetchError{Err: err}
	}

	now := r.now()
	pruned := pendingstore.Prune(now, records, activities)
	if !recordsEqual(records, pruned) {
		if err := r.store.Save(ctx, addr, pruned); err != nil {
			r.log.Warn("pending store save failed after prune",
				"address", addr,
				"err", err,
			)
		}
	}

	merged := merge(activities, pruned)
	r.publishTransitions(ctx, addr, merged, pruned, now)

	r.mu.Lock()
	r.lastGood[addr] = cloneActivities(merged)
	r.mu.Unlock()

	return Result{Activities: merged, Pending: pruned}, nil
}

// merge refines chain rows with live local records and orders the list.
//
// Rules: rows are deduplicated by id (first occurrence wins); a local record
// refines a row only while the contract status is still pending, since a
// verified row needs no warning; local records without a chain row stay
// hidden; the result is ascending by timestamp.
func merge(activities []pegin.Activity, pending []pegin.PendingRecord) []pegin.Activity {
	byID := make(map[string]pegin.LocalStatus, len(pending))
	for _, rec := range pending {
		byID[pegin.TxIDKey(rec.ID)] = rec.Status
	}

	seen := make(map[string]struct{}, len(activities))
	out := make([]pegin.Activity, 0, len(activities))
	for _, a := range activities {
		id := pegin.TxIDKey(a.ID)
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		if local, ok := byID[id]; ok && a.ContractStatus == pegin.StatusPending {
			a.IsPending = true
			a.Message = pegin.PendingMessage(local)
		}
		out = append(out, a)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *Reconciler) publishTransitions(ctx context.Context, addr string, merged []pegin.Activity, pending []pegin.PendingRecord, now time.Time) {
	r.mu.Lock()
	seen := r.lastSeen[addr]
	if seen == nil {
		seen = make(map[string]pegin.OnChainStatus)
		r.lastSeen[addr] = seen
	}
	type transition struct {
		activity pegin.Activity
		old      *pegin.OnChainStatus
	}
	var changes []transition
	for _, a := range merged {
		id := pegin.TxIDKey(a.ID)
		prev, ok := seen[id]
		if ok && prev == a.ContractStatus {
			continue
		}
		t := transition{activity: a}
		if ok {
			p := prev
			t.old = &p
		}
		changes = append(changes, t)
		seen[id] = a.ContractStatus
	}
	r.mu.Unlock()

	if r.pub == nil || len(changes) == 0 {
		return
	}

	localByID := make(map[string]pegin.LocalStatus, len(pending))
	for _, rec := range pending {
		localByID[pegin.TxIDKey(rec.ID)] = rec.Status
	}

	for _, t := range changes {
		a := t.activity
		evt, err := events.NewPeginStatusChanged(a.ID, addr, t.old, a.ContractStatus, a.InUse, localByID[pegin.TxIDKey(a.ID)], now)
		if err != nil {
			r.log.Warn("skipping malformed status event", "pegin_tx_id", a.ID, "err", err)
			continue
		}
		payload, err := evt.Encode()
		if err != nil {
			r.log.Warn("encode status event failed", "pegin_tx_id", a.ID, "err", err)
			continue
		}
		key := idempotency.PeginEventIDV1(a.ID, a.ContractStatus.String(), now.UnixMilli())
		if err := r.pub.Publish(ctx, []byte(hex.EncodeToString(key[:])), payload); err != nil {
			r.log.Warn("publish status event failed",
				"pegin_tx_id", a.ID,
				"new_status", a.ContractStatus.String(),
				"err", err,
			)
		}
	}
}

func recordsEqual(a, b []pegin.PendingRecord) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func cloneActivities(in []pegin.Activity) []pegin.Activity {
	if in == nil {
		return nil
	}
	out := make([]pegin.Activity, len(in))
	copy(out, in)
	return out
}
