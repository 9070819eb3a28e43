package btckey

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/ripemd160"
)

var ErrInvalidPubkey = errors.New("btckey: invalid public key")

// NormalizeCompressed validates a depositor public key and returns its
// canonical lowercase hex form. The key must be a 33-byte SEC-compressed
// secp256k1 point (02/03 prefix) on the curve.
func NormalizeCompressed(raw string) (string, error) {
	v := strings.TrimSpace(raw)
	v = strings.TrimPrefix(v, "0x")
	v = strings.TrimPrefix(v, "0X")
	if len(v) != 66 {
		return "", fmt.Errorf("%w: want 33 bytes hex, got %d chars", ErrInvalidPubkey, len(v))
	}
	b, err := hex.DecodeString(v)
	if err != nil {
		return "", fmt.Errorf("%w: not hex", ErrInvalidPubkey)
	}
	if b[0] != 0x02 && b[0] != 0x03 {
		return "", fmt.Errorf("%w: bad prefix byte 0x%02x", ErrInvalidPubkey, b[0])
	}
	if _, err := crypto.DecompressPubkey(b); err != nil {
		return "", fmt.Errorf("%w: not on curve", ErrInvalidPubkey)
	}
	return strings.ToLower(v), nil
}

// XOnly returns the 32-byte x-only (taproot) form of a compressed public
// key, as lowercase hex.
func XOnly(compressedHex string) (string, error) {
	norm, err := NormalizeCompressed(compressedHex)
	if err != nil {
		return "", err
	}
	return norm[2:], nil
}

// Hash160 computes RIPEMD160(SHA256(pubkey)) over the compressed key bytes,
// the standard Bitcoin key hash.
func Hash160(compressedHex string) ([]byte, error) {
	norm, err := NormalizeCompressed(compressedHex)
	if err != nil {
		return nil, err
	}
	b, err := hex.DecodeString(norm)
	if err != nil {
		return nil, fmt.Errorf("%w: not hex", ErrInvalidPubkey)
	}

	sha := sha256.Sum256(b)
	ripe := ripemd160.New()
	if _, err := ripe.Write(sha[:]); err != nil {
		return nil, err
	}
	return ripe.Sum(nil), nil
}
