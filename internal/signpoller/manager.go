package signpoller

import (
	"context"
	"fmt"
	"sync"

	"github.com/bitvault-labs/vault-tracker/internal/pegin"
)

// Manager runs one poll loop per tracked activity and exposes snapshots of
// their progress. Activities are independent: a provider error on one never
// stalls the others.
type Manager struct {
	poller *Poller

	mu      sync.Mutex
	entries map[string]*entry
	wg      sync.WaitGroup
}

type entry struct {
	state  State
	cancel context.CancelFunc
}

func NewManager(poller *Poller) (*Manager, error) {
	if poller == nil {
		return nil, fmt.Errorf("%w: nil poller", ErrInvalidConfig)
	}
	return &Manager{
		poller:  poller,
		entries: make(map[string]*entry),
	}, nil
}

// Track starts polling for the target. Tracking an id twice is a no-op for
// the second call; targets past the signing window are rejected.
func (m *Manager) Track(ctx context.Context, t Target) error {
	if t.PeginTxID == "" {
		return fmt.Errorf("%w: empty pegin tx id", ErrInvalidInput)
	}
	if !Eligible(t) {
		return fmt.Errorf("%w: %s", ErrNotEligible, t.PeginTxID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[t.PeginTxID]; ok {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	e := &entry{
		state:  State{Target: t, Display: displayFor(t, false)},
		cancel: cancel,
	}
	m.entries[t.PeginTxID] = e

	st := e.state
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		_ = m.poller.Run(runCtx, st, m.applyPollResult)
	}()
	return nil
}

// applyPollResult merges one poll outcome into the tracked entry. Only the
// poll-derived fields are taken: the entry's Target may have advanced via
// SetLocalStatus while the poll was in flight, and the stale copy the loop
// carries must not rewind it.
func (m *Manager) applyPollResult(next State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.entries[next.Target.PeginTxID]
	if !ok {
		return
	}
	cur.state.Ready = next.Ready
	cur.state.Transactions = next.Transactions
	cur.state.LastErr = next.LastErr
	cur.state.Attempts = next.Attempts
	cur.state.LastPolledAt = next.LastPolledAt
	cur.state.Display = displayFor(cur.state.Target, cur.state.Ready)
}

// SetLocalStatus advances the tracked activity's local status. Moving to or
// past payout_signed stops the poll loop: the transactions were consumed.
func (m *Manager) SetLocalStatus(peginTxID string, status pegin.LocalStatus) {
	m.mu.Lock()
	e, ok := m.entries[peginTxID]
	if ok {
		e.state.Target.LocalStatus = status
		e.state.Display = displayFor(e.state.Target, e.state.Ready)
	}
	m.mu.Unlock()

	if ok && status.PastSigning() {
		e.cancel()
	}
}

// Untrack stops the poll loop for the id and forgets its state.
func (m *Manager) Untrack(peginTxID string) {
	m.mu.Lock()
	e, ok := m.entries[peginTxID]
	if ok {
		delete(m.entries, peginTxID)
	}
	m.mu.Unlock()

	if ok {
		e.cancel()
	}
}

// Snapshot returns the current state for one activity.
func (m *Manager) Snapshot(peginTxID string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[peginTxID]
	if !ok {
		return State{}, false
	}
	return cloneState(e.state), true
}

// Snapshots returns the state of every tracked activity, keyed by id.
func (m *Manager) Snapshots() map[string]State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]State, len(m.entries))
	for id, e := range m.entries {
		out[id] = cloneState(e.state)
	}
	return out
}

// Close stops every poll loop and waits for them to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	for _, e := range m.entries {
		e.cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func cloneState(st State) State {
	out := st
	if len(st.Transactions) > 0 {
		out.Transactions = make([]pegin.ClaimerTransactionSet, len(st.Transactions))
		copy(out.Transactions, st.Transactions)
	}
	return out
}
