package pegin

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidTxID = errors.New("pegin: invalid tx id")

// NormalizeTxID canonicalizes a Bitcoin transaction id: an optional 0x
// prefix is stripped and the remaining 64 hex characters are lowercased.
// Chain rows, provider calls, and local records all carry this form, so
// the same peg-in never splits into distinct ids across sources.
func NormalizeTxID(raw string) (string, error) {
	v := strings.TrimSpace(raw)
	v = strings.TrimPrefix(v, "0x")
	v = strings.TrimPrefix(v, "0X")
	if len(v) != 64 {
		return "", fmt.Errorf("%w: must be 32 bytes hex", ErrInvalidTxID)
	}
	if _, err := hex.DecodeString(v); err != nil {
		return "", fmt.Errorf("%w: not hex", ErrInvalidTxID)
	}
	return strings.ToLower(v), nil
}

// TxIDKey is the lenient matching key for ids of unknown provenance.
// Well-formed ids collapse to their normalized form; anything else falls
// back to a case-insensitive comparison of the raw value.
func TxIDKey(raw string) string {
	if v, err := NormalizeTxID(raw); err == nil {
		return v
	}
	return strings.ToLower(strings.TrimSpace(raw))
}
