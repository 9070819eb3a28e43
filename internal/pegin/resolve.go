package pegin

// ResolveContext carries the advisory inputs that refine the display state
// while the contract status alone is ambiguous.
type ResolveContext struct {
	// LocalStatus is the local pending record's status, if a record exists.
	// The zero value means no local record is known.
	LocalStatus LocalStatus

	// TransactionsReady is set once the vault provider has a non-empty
	// payout transaction set for this peg-in.
	TransactionsReady bool

	// InUse is the contract's in-use flag for available collateral.
	InUse bool
}

// DisplayState is the resolved, ephemeral presentation of one activity:
// a label, a badge variant, the permitted next actions, and an optional
// warning line. It is recomputed on every pass and never persisted.
type DisplayState struct {
	Label   string   `json:"label"`
	Badge   Badge    `json:"badge"`
	Actions []Action `json:"actions,omitempty"`
	Warning string   `json:"warning,omitempty"`
}

// HasAction reports whether a is among the permitted actions.
func (d DisplayState) HasAction(a Action) bool {
	for _, got := range d.Actions {
		if got == a {
			return true
		}
	}
	return false
}

const (
	warnConfirming = "BTC transaction broadcast, awaiting ~5 hours of confirmations"
	warnProcessing = "Payout signatures submitted; waiting on provider acknowledgement"
	warnWaiting    = "Waiting for vault provider to prepare transactions"
)

// Resolve maps the contract status plus advisory context to a display state.
//
// The table is evaluated top-down, first match wins. The contract status is
// authoritative and short-circuits: local status and transaction readiness
// only disambiguate within the pending contract state, the only state where
// the user has an outstanding action. Higher contract statuses never expose
// an action that a lower one exposes, so a stale "sign" prompt cannot
// survive confirmation.
//
// Resolve is total and never panics: any contract status outside the known
// range falls through to the generic pending branch (fail open to "wait").
func Resolve(status OnChainStatus, rc ResolveContext) DisplayState {
	switch status {
	case StatusExpired:
		return DisplayState{Label: "Expired", Badge: BadgeInactive}

	case StatusAvailable:
		if rc.InUse {
			// Redeem is withheld while the collateral backs a position.
			return DisplayState{Label: "In Use", Badge: BadgeActive}
		}
		return DisplayState{
			Label:   "Available",
			Badge:   BadgeInactive,
			Actions: []Action{ActionRedeem},
		}

	case StatusVerified:
		// Verified needs no user action besides waiting.
		return DisplayState{Label: "Verified", Badge: BadgePending}
	}

	// StatusPending and anything unrecognized.
	switch {
	case rc.LocalStatus == LocalConfirming:
		return DisplayState{
			Label:   "Pending Bitcoin Confirmations",
			Badge:   BadgePending,
			Warning: warnConfirming,
		}
	case rc.LocalStatus == LocalPayoutSigned:
		return DisplayState{
			Label:   "Processing",
			Badge:   BadgePending,
			Warning: warnProcessing,
		}
	case rc.TransactionsReady:
		return DisplayState{
			Label:   "Signing required",
			Badge:   BadgePending,
			Actions: []Action{ActionSignPayoutTransactions},
		}
	default:
		return DisplayState{
			Label:   "Pending",
			Badge:   BadgePending,
			Warning: warnWaiting,
		}
	}
}

// PendingMessage returns the refinement message the reconciler attaches to a
// chain-visible activity that still has a local pending record. It reuses
// the pending branch of Resolve so the reconciler and the row display can
// never disagree.
func PendingMessage(local LocalStatus) string {
	d := Resolve(StatusPending, ResolveContext{LocalStatus: local})
	if d.Warning != "" {
		return d.Warning
	}
	return d.Label
}
