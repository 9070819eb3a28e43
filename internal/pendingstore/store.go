package pendingstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bitvault-labs/vault-tracker/internal/pegin"
)

// RetentionWindow bounds how long an unconfirmed local record is kept.
// A peg-in the chain has not indexed within 24 hours is considered
// abandoned and dropped on the next prune.
const RetentionWindow = 24 * time.Hour

var (
	ErrInvalidConfig = errors.New("pendingstore: invalid config")
	ErrInvalidInput  = errors.New("pendingstore: invalid input")
	ErrNotFound      = errors.New("pendingstore: not found")
)

// Store persists the per-address list of local pending peg-in records.
//
// Local records are a best-effort bridge between "user action taken" and
// "state observable on chain": callers must treat store failures as a loss
// of convenience, never as a reason to halt the peg-in flow. The KV-backed
// implementation absorbs storage failures internally (logged, degraded to
// empty); the postgres implementation surfaces them, and the reconciler
// applies the same degradation policy.
type Store interface {
	// Load returns all records for address, oldest first. A missing key
	// yields an empty slice, not an error.
	Load(ctx context.Context, address string) ([]pegin.PendingRecord, error)

	// Save overwrites the full record list for address.
	Save(ctx context.Context, address string, records []pegin.PendingRecord) error

	// Add appends a new record with Status=pending and Timestamp=now.
	// Adding an id that already exists returns the existing record.
	Add(ctx context.Context, address, id string) (pegin.PendingRecord, error)

	// UpdateStatus replaces the status of the matching record.
	// It is a no-op (nil error) when no record matches.
	UpdateStatus(ctx context.Context, address, id string, status pegin.LocalStatus) error

	// Remove deletes the matching record. Removing an absent id is a no-op.
	Remove(ctx context.Context, address, id string) error
}

func validateAddressID(address, id string) error {
	if address == "" {
		return fmt.Errorf("%w: empty address", ErrInvalidInput)
	}
	if id == "" {
		return fmt.Errorf("%w: empty pegin id", ErrInvalidInput)
	}
	return nil
}
