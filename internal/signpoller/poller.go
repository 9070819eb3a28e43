package signpoller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/bitvault-labs/vault-tracker/internal/leases"
	"github.com/bitvault-labs/vault-tracker/internal/pegin"
)

var (
	ErrInvalidConfig = errors.New("signpoller: invalid config")
	ErrInvalidInput  = errors.New("signpoller: invalid input")
	ErrNotEligible   = errors.New("signpoller: activity not eligible for polling")
)

// Fetcher asks the vault provider for the payout transaction sets of one
// peg-in. An empty result with a nil error means "not prepared yet".
type Fetcher interface {
	PayoutTransactions(ctx context.Context, peginTxID, depositorPubkey string, controller common.Address) ([]pegin.ClaimerTransactionSet, error)
}

// Archiver persists a ready payout set. Archiving is best-effort: a failed
// write never blocks the signing flow.
type Archiver interface {
	StorePayoutSet(ctx context.Context, peginTxID string, sets []pegin.ClaimerTransactionSet) error
}

type Config struct {
	// Interval between provider polls for one activity.
	Interval time.Duration

	// Owner identifies this tracker replica for lease purposes.
	Owner string

	// LeaseTTL bounds how long a replica holds the per-activity poll lease.
	// Only used when a lease store is configured.
	LeaseTTL time.Duration

	// DepositorPubkey is the compressed secp256k1 public key of the
	// depositor, 33 bytes hex.
	DepositorPubkey string

	// Controller is the vault controller contract the provider serves.
	Controller common.Address
}

// Target is the slice of an activity the poller needs.
type Target struct {
	PeginTxID      string
	ContractStatus pegin.OnChainStatus
	LocalStatus    pegin.LocalStatus
	InUse          bool
}

// Eligible reports whether a target still needs payout transactions.
// Once the contract has confirmed the peg-in, or the local flow is at or
// past payout_signed, polling is pointless.
func Eligible(t Target) bool {
	if t.ContractStatus != pegin.StatusPending {
		return false
	}
	return !t.LocalStatus.PastSigning()
}

// State is a point-in-time snapshot of one polled activity.
type State struct {
	Target       Target
	Ready        bool
	Transactions []pegin.ClaimerTransactionSet
	Display      pegin.DisplayState
	LastErr      error
	Attempts     int
	LastPolledAt time.Time
}

// Poller drives the provider poll loop for a single peg-in activity.
//
// The loop is terminal-on-ready: the first non-empty payout set stops
// polling. Provider errors are recorded on the snapshot and the loop keeps
// going on the next tick.
type Poller struct {
	cfg Config

	fetcher    Fetcher
	archive    Archiver
	leaseStore leases.Store

	log *slog.Logger
	now func() time.Time
}

func New(cfg Config, fetcher Fetcher, log *slog.Logger) (*Poller, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("%w: nil fetcher", ErrInvalidConfig)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 3 * cfg.Interval
	}
	if strings.TrimSpace(cfg.DepositorPubkey) == "" {
		return nil, fmt.Errorf("%w: missing depositor pubkey", ErrInvalidConfig)
	}
	if (cfg.Controller == common.Address{}) {
		return nil, fmt.Errorf("%w: missing controller address", ErrInvalidConfig)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Poller{
		cfg:     cfg,
		fetcher: fetcher,
		log:     log,
		now:     time.Now,
	}, nil
}

// WithArchiver configures optional persistence of ready payout sets.
func (p *Poller) WithArchiver(a Archiver) *Poller {
	p.archive = a
	return p
}

// WithLeaseStore enables cross-replica coordination: each tick is attempted
// only while this replica holds the activity's poll lease.
func (p *Poller) WithLeaseStore(s leases.Store) *Poller {
	if p.cfg.Owner == "" {
		p.cfg.Owner = "vault-tracker"
	}
	p.leaseStore = s
	return p
}

// WithNow overrides the clock, for tests.
func (p *Poller) WithNow(now func() time.Time) *Poller {
	if now != nil {
		p.now = now
	}
	return p
}

// PollOnce performs a single provider poll for the target and returns the
// updated state. It never mutates shared state; the Manager owns that.
func (p *Poller) PollOnce(ctx context.Context, st State) State {
	st.Attempts++
	st.LastPolledAt = p.now()

	if p.leaseStore != nil {
		name := leases.PollLeaseName(st.Target.PeginTxID)
		_, ok, err := p.leaseStore.TryAcquire(ctx, name, p.cfg.Owner, p.cfg.LeaseTTL)
		if err != nil {
			st.LastErr = fmt.Errorf("signpoller: acquire poll lease: %w", err)
			return st
		}
		if !ok {
			// Another replica polls this activity.
			return st
		}
	}

	sets, err := p.fetcher.PayoutTransactions(ctx, st.Target.PeginTxID, p.cfg.DepositorPubkey, p.cfg.Controller)
	if err != nil {
		st.LastErr = err
		p.log.Warn("payout transactions poll failed",
			"pegin_tx_id", st.Target.PeginTxID,
			"attempt", st.Attempts,
			"err", err,
		)
		return st
	}
	st.LastErr = nil

	if len(sets) == 0 {
		return st
	}

	st.Ready = true
	st.Transactions = sets
	p.log.Info("payout transactions ready",
		"pegin_tx_id", st.Target.PeginTxID,
		"claimer_sets", len(sets),
		"attempts", st.Attempts,
	)

	if p.archive != nil {
		if err := p.archive.StorePayoutSet(ctx, st.Target.PeginTxID, sets); err != nil {
			p.log.Warn("archive payout set failed",
				"pegin_tx_id", st.Target.PeginTxID,
				"err", err,
			)
		}
	}
	return st
}

// Run polls the target until the payout set is ready or ctx is cancelled.
// The final state is delivered through the Manager's snapshot; Run itself
// returns ctx.Err() on cancellation and nil on ready.
func (p *Poller) Run(ctx context.Context, st State, update func(State)) error {
	if update == nil {
		return fmt.Errorf("%w: nil update callback", ErrInvalidInput)
	}

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	defer func() {
		if p.leaseStore != nil {
			name := leases.PollLeaseName(st.Target.PeginTxID)
			_ = p.leaseStore.Release(context.Background(), name, p.cfg.Owner)
		}
	}()

	for {
		next := p.PollOnce(ctx, st)
		if ctx.Err() != nil {
			// Cancelled mid-poll: drop the result rather than apply stale state.
			return ctx.Err()
		}
		st = next
		update(st)
		if st.Ready {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func displayFor(t Target, ready bool) pegin.DisplayState {
	return pegin.Resolve(t.ContractStatus, pegin.ResolveContext{
		LocalStatus:       t.LocalStatus,
		TransactionsReady: ready,
		InUse:             t.InUse,
	})
}
