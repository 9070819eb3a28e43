package pegin

import "testing"

func TestLocalStatusCanAdvanceTo(t *testing.T) {
	t.Parallel()

	cases := []struct {
		from LocalStatus
		to   LocalStatus
		want bool
	}{
		{LocalPending, LocalPayoutSigned, true},
		{LocalPending, LocalConfirming, true},
		{LocalPayoutSigned, LocalConfirming, true},
		{LocalConfirming, LocalConfirmed, true},
		{LocalPayoutSigned, LocalPending, false},
		{LocalConfirmed, LocalConfirming, false},
		{LocalPending, LocalPending, false},
		{"bogus", LocalConfirming, false},
		{LocalPending, "bogus", false},
	}
	for _, tc := range cases {
		if got := tc.from.CanAdvanceTo(tc.to); got != tc.want {
			t.Fatalf("%q -> %q: got %v want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestLocalStatusPastSigning(t *testing.T) {
	t.Parallel()

	if LocalPending.PastSigning() {
		t.Fatalf("pending should not be past signing")
	}
	for _, s := range []LocalStatus{LocalPayoutSigned, LocalConfirming, LocalConfirmed} {
		if !s.PastSigning() {
			t.Fatalf("%q should be past signing", s)
		}
	}
}

func TestOnChainStatusConfirmed(t *testing.T) {
	t.Parallel()

	if StatusPending.Confirmed() || StatusVerified.Confirmed() {
		t.Fatalf("pending/verified must not count as confirmed")
	}
	if !StatusAvailable.Confirmed() || !StatusExpired.Confirmed() {
		t.Fatalf("available/expired must count as confirmed")
	}
}

func TestClaimerTransactionSetValidate(t *testing.T) {
	t.Parallel()

	valid := ClaimerTransactionSet{
		ClaimerPubkey: "02" + "ab",
		Transactions: []PayoutTransaction{
			{Role: TxRoleClaim, TxHex: "0100"},
			{Role: TxRolePayout, TxHex: "0200", Sighash: "aa"},
			{Role: TxRolePayoutOptimistic, TxHex: "0300"},
			{Role: TxRoleAssert, TxHex: "0400"},
		},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid set: %v", err)
	}

	bad := valid
	bad.Transactions = []PayoutTransaction{{Role: "settle", TxHex: "0100"}}
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected invalid role error")
	}

	empty := valid
	empty.Transactions = nil
	if err := empty.Validate(); err == nil {
		t.Fatalf("expected empty set error")
	}

	noHex := valid
	noHex.Transactions = []PayoutTransaction{{Role: TxRoleClaim}}
	if err := noHex.Validate(); err == nil {
		t.Fatalf("expected empty hex error")
	}
}
