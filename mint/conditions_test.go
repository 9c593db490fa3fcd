package mint

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/cashmill/cashmill/cashu"
	"github.com/cashmill/cashmill/cashu/nuts/nut03"
	"github.com/cashmill/cashmill/cashu/nuts/nut05"
	"github.com/cashmill/cashmill/cashu/nuts/nut10"
	"github.com/cashmill/cashmill/cashu/nuts/nut11"
	"github.com/cashmill/cashmill/cashu/nuts/nut14"
	"github.com/cashmill/cashmill/mint/lightning"
)

// lockProofs swaps freshly minted ecash into proofs carrying the given
// spending conditions. Each secret gets one proof of the given amount.
func lockProofs(t *testing.T, m *Mint, amounts []uint64, secrets []string) cashu.Proofs {
	t.Helper()
	var total uint64
	for _, amount := range amounts {
		total += amount
	}
	inputs := mintProofs(t, m, total)

	outputs := outputsForSecrets(t, amounts, secrets, m.activeKeyset.Id)
	signatures, err := m.Swap(nut03.PostSwapRequest{Inputs: inputs, Outputs: outputs.messages})
	if err != nil {
		t.Fatalf("error swapping for locked proofs: %v", err)
	}
	return proofsFromSignatures(t, m, signatures, outputs)
}

// swapLocked attempts to spend the proofs and returns the swap error.
func swapLocked(t *testing.T, m *Mint, proofs cashu.Proofs) error {
	t.Helper()
	outputs := newOutputs(t, proofs.Amount(), m.activeKeyset.Id)
	_, err := m.Swap(nut03.PostSwapRequest{Inputs: proofs, Outputs: outputs.messages})
	return err
}

func publicKeyHex(key *btcec.PrivateKey) string {
	return hex.EncodeToString(key.PubKey().SerializeCompressed())
}

func signSecret(t *testing.T, key *btcec.PrivateKey, secret string) string {
	t.Helper()
	hash := sha256.Sum256([]byte(secret))
	signature, err := schnorr.Sign(key, hash[:])
	if err != nil {
		t.Fatalf("error signing secret: %v", err)
	}
	return hex.EncodeToString(signature.Serialize())
}

func p2pkWitness(t *testing.T, signatures ...string) string {
	t.Helper()
	witness, err := json.Marshal(nut11.P2PKWitness{Signatures: signatures})
	if err != nil {
		t.Fatalf("error marshaling witness: %v", err)
	}
	return string(witness)
}

func TestP2PKSpending(t *testing.T) {
	m := testMint(t, lightning.NewFakeBackend())

	key, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("error generating key: %v", err)
	}
	secret, err := nut11.P2PKSecret(publicKeyHex(key))
	if err != nil {
		t.Fatalf("error creating P2PK secret: %v", err)
	}
	locked := lockProofs(t, m, []uint64{64}, []string{secret})

	// no witness
	if err := swapLocked(t, m, locked); !errors.Is(err, cashu.SignaturesNotProvidedErr) {
		t.Fatalf("expected error '%v' but got '%v'", cashu.SignaturesNotProvidedErr, err)
	}

	// signature from the wrong key
	wrongKey, _ := btcec.NewPrivateKey()
	locked[0].Witness = p2pkWitness(t, signSecret(t, wrongKey, locked[0].Secret))
	if err := swapLocked(t, m, locked); !errors.Is(err, cashu.SpendConditionsNotMetErr) {
		t.Fatalf("expected error '%v' but got '%v'", cashu.SpendConditionsNotMetErr, err)
	}

	// valid signature
	signed, err := nut11.AddSignatureToInputs(locked, key)
	if err != nil {
		t.Fatalf("error signing inputs: %v", err)
	}
	if err := swapLocked(t, m, signed); err != nil {
		t.Fatalf("error spending P2PK locked proofs: %v", err)
	}
}

func TestP2PKMultisig(t *testing.T) {
	m := testMint(t, lightning.NewFakeBackend())

	key1, _ := btcec.NewPrivateKey()
	key2, _ := btcec.NewPrivateKey()
	key3, _ := btcec.NewPrivateKey()

	secret, err := nut10.NewSecretFromSpendingCondition(nut10.SpendingCondition{
		Kind: nut10.P2PK,
		Data: publicKeyHex(key1),
		Tags: [][]string{
			{nut11.PUBKEYS, publicKeyHex(key2), publicKeyHex(key3)},
			{nut11.NSIGS, "2"},
		},
	})
	if err != nil {
		t.Fatalf("error creating multisig secret: %v", err)
	}
	locked := lockProofs(t, m, []uint64{32}, []string{secret})

	// one signature is not enough for a 2-of-3 lock
	locked[0].Witness = p2pkWitness(t, signSecret(t, key1, locked[0].Secret))
	if err := swapLocked(t, m, locked); !errors.Is(err, cashu.SpendConditionsNotMetErr) {
		t.Fatalf("expected error '%v' but got '%v'", cashu.SpendConditionsNotMetErr, err)
	}

	// the same key cannot count twice
	sig1 := signSecret(t, key1, locked[0].Secret)
	locked[0].Witness = p2pkWitness(t, sig1, sig1)
	if err := swapLocked(t, m, locked); !errors.Is(err, cashu.SpendConditionsNotMetErr) {
		t.Fatalf("expected error '%v' but got '%v'", cashu.SpendConditionsNotMetErr, err)
	}

	locked[0].Witness = p2pkWitness(t,
		signSecret(t, key1, locked[0].Secret),
		signSecret(t, key3, locked[0].Secret),
	)
	if err := swapLocked(t, m, locked); err != nil {
		t.Fatalf("error spending multisig locked proofs: %v", err)
	}
}

func TestP2PKLocktime(t *testing.T) {
	m := testMint(t, lightning.NewFakeBackend())
	key, _ := btcec.NewPrivateKey()

	// expired lock with no refund keys is spendable by anyone
	expired := strconv.FormatInt(time.Now().Add(-time.Minute).Unix(), 10)
	secret, err := nut10.NewSecretFromSpendingCondition(nut10.SpendingCondition{
		Kind: nut10.P2PK,
		Data: publicKeyHex(key),
		Tags: [][]string{{nut11.LOCKTIME, expired}},
	})
	if err != nil {
		t.Fatalf("error creating secret: %v", err)
	}
	locked := lockProofs(t, m, []uint64{8}, []string{secret})
	if err := swapLocked(t, m, locked); err != nil {
		t.Fatalf("error spending expired lock: %v", err)
	}

	// expired lock with a refund key needs the refund key's signature
	refundKey, _ := btcec.NewPrivateKey()
	refundSecret, err := nut10.NewSecretFromSpendingCondition(nut10.SpendingCondition{
		Kind: nut10.P2PK,
		Data: publicKeyHex(key),
		Tags: [][]string{
			{nut11.LOCKTIME, expired},
			{nut11.REFUND, publicKeyHex(refundKey)},
		},
	})
	if err != nil {
		t.Fatalf("error creating secret: %v", err)
	}
	refundLocked := lockProofs(t, m, []uint64{8}, []string{refundSecret})

	// the original key no longer works after the locktime
	refundLocked[0].Witness = p2pkWitness(t, signSecret(t, key, refundLocked[0].Secret))
	if err := swapLocked(t, m, refundLocked); !errors.Is(err, cashu.SpendConditionsNotMetErr) {
		t.Fatalf("expected error '%v' but got '%v'", cashu.SpendConditionsNotMetErr, err)
	}

	refundLocked[0].Witness = p2pkWitness(t, signSecret(t, refundKey, refundLocked[0].Secret))
	if err := swapLocked(t, m, refundLocked); err != nil {
		t.Fatalf("error spending with refund key: %v", err)
	}
}

func newPreimage(t *testing.T) string {
	t.Helper()
	preimageBytes := make([]byte, 32)
	if _, err := rand.Read(preimageBytes); err != nil {
		t.Fatalf("error generating preimage: %v", err)
	}
	return hex.EncodeToString(preimageBytes)
}

func TestHTLCSpending(t *testing.T) {
	m := testMint(t, lightning.NewFakeBackend())

	preimage := newPreimage(t)
	secret, err := nut14.NewHTLCSecret(preimage, nil)
	if err != nil {
		t.Fatalf("error creating HTLC secret: %v", err)
	}
	locked := lockProofs(t, m, []uint64{16}, []string{secret})

	// no witness
	if err := swapLocked(t, m, locked); !errors.Is(err, cashu.SignaturesNotProvidedErr) {
		t.Fatalf("expected error '%v' but got '%v'", cashu.SignaturesNotProvidedErr, err)
	}

	// wrong preimage
	wrong, err := nut14.AddWitnessHTLC(append(cashu.Proofs{}, locked...), newPreimage(t), nil)
	if err != nil {
		t.Fatalf("error adding witness: %v", err)
	}
	if err := swapLocked(t, m, wrong); !errors.Is(err, nut14.InvalidPreimageErr) {
		t.Fatalf("expected error '%v' but got '%v'", nut14.InvalidPreimageErr, err)
	}

	unlocked, err := nut14.AddWitnessHTLC(locked, preimage, nil)
	if err != nil {
		t.Fatalf("error adding witness: %v", err)
	}
	if err := swapLocked(t, m, unlocked); err != nil {
		t.Fatalf("error spending HTLC locked proofs: %v", err)
	}
}

func TestHTLCWithSignature(t *testing.T) {
	m := testMint(t, lightning.NewFakeBackend())
	key, _ := btcec.NewPrivateKey()

	// hash lock plus a signature lock on top
	preimage := newPreimage(t)
	secret, err := nut14.NewHTLCSecret(preimage, [][]string{
		{nut11.PUBKEYS, publicKeyHex(key)},
	})
	if err != nil {
		t.Fatalf("error creating HTLC secret: %v", err)
	}
	locked := lockProofs(t, m, []uint64{16}, []string{secret})

	// preimage alone is not enough
	preimageOnly, err := nut14.AddWitnessHTLC(append(cashu.Proofs{}, locked...), preimage, nil)
	if err != nil {
		t.Fatalf("error adding witness: %v", err)
	}
	if err := swapLocked(t, m, preimageOnly); !errors.Is(err, cashu.SpendConditionsNotMetErr) {
		t.Fatalf("expected error '%v' but got '%v'", cashu.SpendConditionsNotMetErr, err)
	}

	unlocked, err := nut14.AddWitnessHTLC(locked, preimage, key)
	if err != nil {
		t.Fatalf("error adding witness: %v", err)
	}
	if err := swapLocked(t, m, unlocked); err != nil {
		t.Fatalf("error spending HTLC locked proofs: %v", err)
	}
}

func sigAllSecret(t *testing.T, key *btcec.PrivateKey) string {
	t.Helper()
	secret, err := nut10.NewSecretFromSpendingCondition(nut10.SpendingCondition{
		Kind: nut10.P2PK,
		Data: publicKeyHex(key),
		Tags: [][]string{{nut11.SIGFLAG, nut11.SIGALL}},
	})
	if err != nil {
		t.Fatalf("error creating SIG_ALL secret: %v", err)
	}
	return secret
}

// signSigAll builds the witness covering every input secret and every
// output blinded message and places it on the first input.
func signSigAll(t *testing.T, key *btcec.PrivateKey, inputs cashu.Proofs, outputs cashu.BlindedMessages) {
	t.Helper()
	msg := ""
	for _, proof := range inputs {
		msg += proof.Secret
	}
	for _, output := range outputs {
		msg += output.B_
	}
	hash := sha256.Sum256([]byte(msg))
	signature, err := schnorr.Sign(key, hash[:])
	if err != nil {
		t.Fatalf("error signing transaction: %v", err)
	}
	inputs[0].Witness = p2pkWitness(t, hex.EncodeToString(signature.Serialize()))
}

func TestSigAll(t *testing.T) {
	m := testMint(t, lightning.NewFakeBackend())
	key, _ := btcec.NewPrivateKey()

	locked := lockProofs(t, m,
		[]uint64{32, 32},
		[]string{sigAllSecret(t, key), sigAllSecret(t, key)},
	)
	outputs := newOutputs(t, 64, m.activeKeyset.Id)

	// witness must cover the outputs too: a signature over the secrets
	// alone does not verify
	signSigAll(t, key, locked, nil)
	_, err := m.Swap(nut03.PostSwapRequest{Inputs: locked, Outputs: outputs.messages})
	if !errors.Is(err, cashu.SpendConditionsNotMetErr) {
		t.Fatalf("expected error '%v' but got '%v'", cashu.SpendConditionsNotMetErr, err)
	}

	signSigAll(t, key, locked, outputs.messages)
	if _, err := m.Swap(nut03.PostSwapRequest{Inputs: locked, Outputs: outputs.messages}); err != nil {
		t.Fatalf("error spending SIG_ALL proofs: %v", err)
	}
}

func TestSigAllMixedInputs(t *testing.T) {
	m := testMint(t, lightning.NewFakeBackend())
	key, _ := btcec.NewPrivateKey()

	plainSecret, err := nut11.P2PKSecret(publicKeyHex(key))
	if err != nil {
		t.Fatalf("error creating P2PK secret: %v", err)
	}
	locked := lockProofs(t, m,
		[]uint64{32, 32},
		[]string{sigAllSecret(t, key), plainSecret},
	)
	outputs := newOutputs(t, 64, m.activeKeyset.Id)

	// the plain input carries its own valid witness, the mix of flags
	// is still rejected
	locked[1].Witness = p2pkWitness(t, signSecret(t, key, locked[1].Secret))
	signSigAll(t, key, locked, outputs.messages)
	_, err = m.Swap(nut03.PostSwapRequest{Inputs: locked, Outputs: outputs.messages})
	if !errors.Is(err, nut11.AllSigAllFlagsErr) {
		t.Fatalf("expected error '%v' but got '%v'", nut11.AllSigAllFlagsErr, err)
	}
}

func TestSigAllMeltRejected(t *testing.T) {
	m := testMint(t, lightning.NewFakeBackend())
	key, _ := btcec.NewPrivateKey()

	locked := lockProofs(t, m, []uint64{32}, []string{sigAllSecret(t, key)})

	invoice := externalInvoice(t, 21)
	meltQuote := requestMeltQuote(t, m, invoice)

	locked[0].Witness = p2pkWitness(t, signSecret(t, key, locked[0].Secret))
	_, _, err := m.MeltTokens(context.Background(), nut05.PostMeltBolt11Request{
		Quote:  meltQuote.Id,
		Inputs: locked,
	})
	if !errors.Is(err, nut11.SigAllOnlySwap) {
		t.Fatalf("expected error '%v' but got '%v'", nut11.SigAllOnlySwap, err)
	}
}
