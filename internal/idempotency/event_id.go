package idempotency

import (
	"encoding/binary"
	"strings"

	"golang.org/x/crypto/sha3"
)

const peginEventPrefixV1 = "pegin-status"

// PeginEventIDV1 computes the canonical id for one observed status
// transition:
//
//	eventId = keccak256("pegin-status" || peginTxId || newStatus || observedAtMsBE64)
//
// The id doubles as the Kafka message key so replays of the same observation
// land on the same partition and are trivially de-duplicated downstream.
func PeginEventIDV1(peginTxID, newStatus string, observedAtMs int64) [32]byte {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(peginEventPrefixV1))
	_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(peginTxID))))
	_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(newStatus))))

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(observedAtMs))
	_, _ = h.Write(ts[:])

	sum := h.Sum(nil)
	var out [32]byte
	copy(out[:], sum)
	return out
}
