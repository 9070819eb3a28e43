package pegin

import (
	"errors"
	"strings"
	"testing"
)

func TestNormalizeTxID(t *testing.T) {
	t.Parallel()

	canonical := strings.Repeat("ab", 32)

	cases := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{"bare lowercase", canonical, canonical, true},
		{"uppercase", strings.ToUpper(canonical), canonical, true},
		{"0x prefix", "0x" + canonical, canonical, true},
		{"0X prefix", "0X" + strings.ToUpper(canonical), canonical, true},
		{"surrounding space", "  " + canonical + "  ", canonical, true},
		{"empty", "", "", false},
		{"short", canonical[:62], "", false},
		{"long", canonical + "ab", "", false},
		{"non-hex", strings.Repeat("zz", 32), "", false},
		{"prefix only", "0x", "", false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := NormalizeTxID(tc.in)
			if tc.ok {
				if err != nil {
					t.Fatalf("NormalizeTxID(%q): %v", tc.in, err)
				}
				if got != tc.want {
					t.Fatalf("got %q want %q", got, tc.want)
				}
				return
			}
			if !errors.Is(err, ErrInvalidTxID) {
				t.Fatalf("expected ErrInvalidTxID, got %v", err)
			}
		})
	}
}

func TestTxIDKey(t *testing.T) {
	t.Parallel()

	canonical := strings.Repeat("cd", 32)

	// Every spelling of a well-formed id collapses to one key.
	for _, in := range []string{canonical, "0x" + canonical, strings.ToUpper(canonical), "0X" + strings.ToUpper(canonical)} {
		if got := TxIDKey(in); got != canonical {
			t.Fatalf("TxIDKey(%q) = %q, want %q", in, got, canonical)
		}
	}

	// Malformed ids still match case-insensitively against themselves.
	if got := TxIDKey(" TX-Short "); got != "tx-short" {
		t.Fatalf("fallback key: %q", got)
	}
}
