package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bitvault-labs/vault-tracker/internal/pegin"
)

// DefaultTopic is the lifecycle event stream consumed by downstream
// integrations (notifications, analytics, position managers).
const DefaultTopic = "pegins.status.v1"

const PeginStatusChangedVersion = "pegin-status-changed/v1"

var (
	ErrInvalidPayload = errors.New("events: invalid payload")
)

// PeginStatusChanged records one observed contract-status transition for a
// peg-in. Old status is absent for the first observation of an id.
type PeginStatusChanged struct {
	Version   string  `json:"version"`
	PeginTxID string  `json:"peginTxId"`
	Address   string  `json:"address"`
	OldStatus *string `json:"oldStatus,omitempty"`
	NewStatus string  `json:"newStatus"`
	InUse     bool    `json:"inUse,omitempty"`
	// LocalStatus carries the local refinement at transition time, if any.
	LocalStatus string    `json:"localStatus,omitempty"`
	ObservedAt  time.Time `json:"observedAt"`
}

// NewPeginStatusChanged builds a versioned payload. old may be nil for the
// first observation.
func NewPeginStatusChanged(peginTxID, address string, old *pegin.OnChainStatus, now pegin.OnChainStatus, inUse bool, local pegin.LocalStatus, observedAt time.Time) (PeginStatusChanged, error) {
	if strings.TrimSpace(peginTxID) == "" {
		return PeginStatusChanged{}, fmt.Errorf("%w: empty pegin tx id", ErrInvalidPayload)
	}
	if strings.TrimSpace(address) == "" {
		return PeginStatusChanged{}, fmt.Errorf("%w: empty address", ErrInvalidPayload)
	}
	p := PeginStatusChanged{
		Version:     PeginStatusChangedVersion,
		PeginTxID:   peginTxID,
		Address:     address,
		NewStatus:   now.String(),
		InUse:       inUse,
		LocalStatus: string(local),
		ObservedAt:  observedAt.UTC(),
	}
	if old != nil {
		s := old.String()
		p.OldStatus = &s
	}
	return p, nil
}

func (p PeginStatusChanged) Encode() ([]byte, error) {
	if p.Version != PeginStatusChangedVersion {
		return nil, fmt.Errorf("%w: version %q", ErrInvalidPayload, p.Version)
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("events: marshal: %w", err)
	}
	return b, nil
}

func DecodePeginStatusChanged(raw []byte) (PeginStatusChanged, error) {
	var p PeginStatusChanged
	if err := json.Unmarshal(raw, &p); err != nil {
		return PeginStatusChanged{}, fmt.Errorf("events: unmarshal: %w", err)
	}
	if p.Version != PeginStatusChangedVersion {
		return PeginStatusChanged{}, fmt.Errorf("%w: unexpected version %q", ErrInvalidPayload, p.Version)
	}
	if p.PeginTxID == "" || p.NewStatus == "" {
		return PeginStatusChanged{}, fmt.Errorf("%w: missing fields", ErrInvalidPayload)
	}
	return p, nil
}
