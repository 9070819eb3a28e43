package pegin

import (
	"fmt"
	"strings"
	"time"
)

// OnChainStatus is the authoritative lifecycle stage of a peg-in as reported
// by the vault controller contract. Once a peg-in reaches StatusAvailable it
// is chain-confirmed and no longer needs local tracking.
type OnChainStatus uint8

const (
	StatusPending OnChainStatus = iota
	StatusVerified
	StatusAvailable
	StatusExpired
)

func (s OnChainStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusVerified:
		return "verified"
	case StatusAvailable:
		return "available"
	case StatusExpired:
		return "expired"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Confirmed reports whether the contract considers the peg-in settled:
// at this point local pending records for the same id are stale.
func (s OnChainStatus) Confirmed() bool {
	return s == StatusAvailable || s == StatusExpired
}

// LocalStatus is a client-side, best-effort refinement of the user's
// progress through the off-chain peg-in steps. It only disambiguates the
// message shown while OnChainStatus is still pending/verified; it never
// contradicts the contract once the latter reaches StatusAvailable.
type LocalStatus string

const (
	LocalPending      LocalStatus = "pending"
	LocalPayoutSigned LocalStatus = "payout_signed"
	LocalConfirming   LocalStatus = "confirming"
	LocalConfirmed    LocalStatus = "confirmed"
)

func (s LocalStatus) Valid() bool {
	switch s {
	case LocalPending, LocalPayoutSigned, LocalConfirming, LocalConfirmed:
		return true
	default:
		return false
	}
}

func (s LocalStatus) rank() int {
	switch s {
	case LocalPending:
		return 0
	case LocalPayoutSigned:
		return 1
	case LocalConfirming:
		return 2
	case LocalConfirmed:
		return 3
	default:
		return -1
	}
}

// CanAdvanceTo reports whether next is a forward transition from s.
// The local flow is strictly forward: pending -> payout_signed ->
// confirming -> confirmed.
func (s LocalStatus) CanAdvanceTo(next LocalStatus) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	return next.rank() > s.rank()
}

// PastSigning reports whether the user has already completed the payout
// signing step, after which polling the provider for signable transactions
// is pointless.
func (s LocalStatus) PastSigning() bool {
	return s.rank() >= LocalPayoutSigned.rank()
}

// Action is the single next user action, if any, available for an activity.
type Action uint8

const (
	ActionSignPayoutTransactions Action = iota + 1
	ActionSignAndBroadcastToBitcoin
	ActionRedeem
)

func (a Action) String() string {
	switch a {
	case ActionSignPayoutTransactions:
		return "sign_payout_transactions"
	case ActionSignAndBroadcastToBitcoin:
		return "sign_and_broadcast_to_bitcoin"
	case ActionRedeem:
		return "redeem"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(a))
	}
}

// Badge is the display badge variant for an activity row.
type Badge string

const (
	BadgeActive   Badge = "active"
	BadgeInactive Badge = "inactive"
	BadgePending  Badge = "pending"
)

// PendingRecord is the durable local record of a peg-in the user initiated
// before any chain confirmation exists. Timestamp is epoch milliseconds.
type PendingRecord struct {
	ID        string      `json:"id"`
	Timestamp int64       `json:"timestamp"`
	Status    LocalStatus `json:"status"`
}

func (r PendingRecord) Time() time.Time {
	return time.UnixMilli(r.Timestamp)
}

// Activity is one row of the reconciled vault activity list. It is derived
// from a confirmed on-chain record, optionally refined by a local pending
// record, and is read-only to callers.
type Activity struct {
	ID             string        `json:"id"`
	CollateralSats uint64        `json:"collateralSats"`
	ContractStatus OnChainStatus `json:"contractStatus"`
	InUse          bool          `json:"inUse"`
	TxHash         string        `json:"txHash,omitempty"`
	Timestamp      int64         `json:"timestamp,omitempty"`

	// IsPending marks rows whose display message is refined by a local
	// pending record while the contract status is still below available.
	IsPending bool   `json:"isPending,omitempty"`
	Message   string `json:"message,omitempty"`
}

// TxRole tags a presigned peg-in transaction by its role in the payout
// protocol.
type TxRole string

const (
	TxRoleClaim            TxRole = "claim"
	TxRolePayout           TxRole = "payout"
	TxRolePayoutOptimistic TxRole = "payout_optimistic"
	TxRoleAssert           TxRole = "assert"
)

func (r TxRole) Valid() bool {
	switch r {
	case TxRoleClaim, TxRolePayout, TxRolePayoutOptimistic, TxRoleAssert:
		return true
	default:
		return false
	}
}

// PayoutTransaction is one presigned transaction produced by the vault
// provider's multi-party signing flow. TxHex is the raw transaction;
// Sighash, when present, is the taproot script hash the depositor signs.
type PayoutTransaction struct {
	Role    TxRole `json:"role"`
	TxHex   string `json:"txHex"`
	Sighash string `json:"sighash,omitempty"`
}

func (t PayoutTransaction) Validate() error {
	if !t.Role.Valid() {
		return fmt.Errorf("pegin: invalid tx role %q", string(t.Role))
	}
	if strings.TrimSpace(t.TxHex) == "" {
		return fmt.Errorf("pegin: empty tx hex for role %q", string(t.Role))
	}
	return nil
}

// ClaimerTransactionSet is the per-claimer bundle of payout transactions
// returned by the vault provider once multi-party presigning is complete.
type ClaimerTransactionSet struct {
	ClaimerPubkey string              `json:"claimerPubkey"`
	Transactions  []PayoutTransaction `json:"transactions"`
}

func (s ClaimerTransactionSet) Validate() error {
	if strings.TrimSpace(s.ClaimerPubkey) == "" {
		return fmt.Errorf("pegin: missing claimer pubkey")
	}
	if len(s.Transactions) == 0 {
		return fmt.Errorf("pegin: claimer %s has no transactions", s.ClaimerPubkey)
	}
	for _, tx := range s.Transactions {
		if err := tx.Validate(); err != nil {
			return err
		}
	}
	return nil
}
