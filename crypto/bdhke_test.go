package crypto

import (
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
)

func TestHashToCurve(t *testing.T) {
	tests := []struct {
		message  string
		expected string
	}{
		{message: "0000000000000000000000000000000000000000000000000000000000000000",
			expected: "024cce997d3b518f739663b757deaec95bcd9473c30a14ac2fd04023a739d1a725"},
		{message: "0000000000000000000000000000000000000000000000000000000000000001",
			expected: "022e7158e11c9506f1aa4248bf531298daa7febd6194f003edcd9b93ade6253acf"},
		{message: "0000000000000000000000000000000000000000000000000000000000000002",
			expected: "026cdbe15362df59cd1dd3c9c11de8aedac2106eca69236ecd9fbe117af897be4f"},
	}

	for _, test := range tests {
		msgBytes, err := hex.DecodeString(test.message)
		if err != nil {
			t.Errorf("error decoding msg: %v", err)
		}

		pk, err := HashToCurve(msgBytes)
		if err != nil {
			t.Fatalf("HashToCurve error: %v", err)
		}
		hexStr := hex.EncodeToString(pk.SerializeCompressed())
		if hexStr != test.expected {
			t.Errorf("expected '%v' but got '%v' instead\n", test.expected, hexStr)
		}
	}
}

func TestBlindSignUnblindVerify(t *testing.T) {
	secrets := []string{"test_message", "hello", "a9f2e3c1"}

	for _, secret := range secrets {
		r, err := btcec.NewPrivateKey()
		if err != nil {
			t.Fatalf("error generating blinding factor: %v", err)
		}
		k, err := btcec.NewPrivateKey()
		if err != nil {
			t.Fatalf("error generating mint key: %v", err)
		}

		B_, r, err := BlindMessage(secret, r)
		if err != nil {
			t.Fatalf("BlindMessage error: %v", err)
		}

		C_ := SignBlindedMessage(B_, k)
		C := UnblindSignature(C_, r, k.PubKey())

		if !Verify(secret, k, C) {
			t.Errorf("signature for secret '%v' did not verify", secret)
		}

		otherKey, _ := btcec.NewPrivateKey()
		if Verify(secret, otherKey, C) {
			t.Errorf("signature for secret '%v' verified under wrong key", secret)
		}
	}
}

func TestUnblindWithWrongFactor(t *testing.T) {
	r, _ := btcec.NewPrivateKey()
	k, _ := btcec.NewPrivateKey()

	B_, _, err := BlindMessage("some secret", r)
	if err != nil {
		t.Fatalf("BlindMessage error: %v", err)
	}
	C_ := SignBlindedMessage(B_, k)

	wrongR, _ := btcec.NewPrivateKey()
	C := UnblindSignature(C_, wrongR, k.PubKey())

	if Verify("some secret", k, C) {
		t.Error("signature unblinded with wrong factor should not verify")
	}
}

func TestDLEQ(t *testing.T) {
	k, _ := btcec.NewPrivateKey()
	r, _ := btcec.NewPrivateKey()

	B_, _, err := BlindMessage("dleq test secret", r)
	if err != nil {
		t.Fatalf("BlindMessage error: %v", err)
	}
	C_ := SignBlindedMessage(B_, k)

	e, s, err := GenerateDLEQ(k, B_, C_)
	if err != nil {
		t.Fatalf("GenerateDLEQ error: %v", err)
	}

	if !VerifyDLEQ(e, s, k.PubKey(), B_, C_) {
		t.Error("valid DLEQ proof did not verify")
	}

	// proof generated under a different key must not verify
	otherKey, _ := btcec.NewPrivateKey()
	if VerifyDLEQ(e, s, otherKey.PubKey(), B_, C_) {
		t.Error("DLEQ proof verified against wrong mint key")
	}

	// tampered signature must not verify
	tamperedC_ := SignBlindedMessage(B_, otherKey)
	if VerifyDLEQ(e, s, k.PubKey(), B_, tamperedC_) {
		t.Error("DLEQ proof verified against tampered signature")
	}
}

func TestDeriveKeyset(t *testing.T) {
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i + 1)
	}

	keyset, err := DeriveKeyset(seed, 0, 100)
	if err != nil {
		t.Fatalf("DeriveKeyset error: %v", err)
	}

	if len(keyset.Keys) != MaxOrder {
		t.Fatalf("expected %v keys but got %v", MaxOrder, len(keyset.Keys))
	}
	for i := 0; i < MaxOrder; i++ {
		amount := uint64(1) << i
		if _, ok := keyset.Keys[amount]; !ok {
			t.Errorf("missing key for amount %v", amount)
		}
	}

	if len(keyset.Id) != 16 || keyset.Id[:2] != "00" {
		t.Errorf("invalid keyset id '%v'", keyset.Id)
	}

	// same seed and index derive the same keyset
	again, err := DeriveKeyset(seed, 0, 100)
	if err != nil {
		t.Fatalf("DeriveKeyset error: %v", err)
	}
	if again.Id != keyset.Id {
		t.Errorf("derivation not deterministic: '%v' != '%v'", keyset.Id, again.Id)
	}

	// a different index derives different keys
	next, err := DeriveKeyset(seed, 1, 100)
	if err != nil {
		t.Fatalf("DeriveKeyset error: %v", err)
	}
	if next.Id == keyset.Id {
		t.Error("different derivation index produced same keyset id")
	}
}
