package wallet

import (
	"testing"

	"github.com/cashmill/cashmill/cashu"
	"github.com/cashmill/cashmill/crypto"
)

func TestBlankOutputAmounts(t *testing.T) {
	tests := []struct {
		feeReserve    uint64
		expectedCount int
	}{
		{0, 0},
		{1, 1},
		{2, 1},
		{3, 2},
		{4, 2},
		{5, 3},
		{32, 5},
		{1000, 10},
	}

	for _, test := range tests {
		amounts := blankOutputAmounts(test.feeReserve)
		if len(amounts) != test.expectedCount {
			t.Fatalf("expected %v blank outputs for fee reserve %v but got %v",
				test.expectedCount, test.feeReserve, len(amounts))
		}
		for _, amount := range amounts {
			if amount != 1 {
				t.Fatalf("expected blank output amount 1 but got %v", amount)
			}
		}
	}
}

func TestFeesForProofs(t *testing.T) {
	w := &Wallet{
		activeKeyset: crypto.WalletKeyset{Id: "00aabbccddeeff00", InputFeePpk: 100},
		inactiveKeysets: map[string]crypto.WalletKeyset{
			"0011223344556677": {Id: "0011223344556677", InputFeePpk: 250},
		},
	}

	activeProof := cashu.Proof{Id: "00aabbccddeeff00"}
	inactiveProof := cashu.Proof{Id: "0011223344556677"}

	tests := []struct {
		proofs      cashu.Proofs
		expectedFee uint64
	}{
		{cashu.Proofs{}, 0},
		{cashu.Proofs{activeProof}, 1},
		{cashu.Proofs{activeProof, inactiveProof}, 1},
		// 11 * 100 ppk = 1100, rounded up to 2
		{cashu.Proofs{
			activeProof, activeProof, activeProof, activeProof, activeProof, activeProof,
			activeProof, activeProof, activeProof, activeProof, activeProof,
		}, 2},
		// 4 * 250 ppk = 1000, exactly 1
		{cashu.Proofs{inactiveProof, inactiveProof, inactiveProof, inactiveProof}, 1},
	}

	for _, test := range tests {
		fee := w.feesForProofs(test.proofs)
		if fee != test.expectedFee {
			t.Fatalf("expected fee %v for %v proofs but got %v",
				test.expectedFee, len(test.proofs), fee)
		}
	}
}

func TestProofYs(t *testing.T) {
	proofs := cashu.Proofs{
		{Secret: "secret-1"},
		{Secret: "secret-2"},
		{Secret: "secret-1"},
	}

	Ys, err := proofYs(proofs)
	if err != nil {
		t.Fatalf("error computing Ys: %v", err)
	}
	if len(Ys) != len(proofs) {
		t.Fatalf("expected %v Ys but got %v", len(proofs), len(Ys))
	}
	if Ys[0] != Ys[2] {
		t.Fatal("same secret produced different Ys")
	}
	if Ys[0] == Ys[1] {
		t.Fatal("different secrets produced the same Y")
	}
}
