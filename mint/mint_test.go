package mint

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"testing"

	"github.com/cashmill/cashmill/cashu"
	"github.com/cashmill/cashmill/cashu/nuts/nut03"
	"github.com/cashmill/cashmill/cashu/nuts/nut04"
	"github.com/cashmill/cashmill/cashu/nuts/nut07"
	"github.com/cashmill/cashmill/crypto"
	"github.com/cashmill/cashmill/mint/lightning"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

func testMint(t *testing.T, backend lightning.Client) *Mint {
	t.Helper()
	return testMintAt(t, t.TempDir(), backend, 0)
}

func testMintAt(t *testing.T, path string, backend lightning.Client, inputFeePpk uint) *Mint {
	t.Helper()
	m, err := LoadMint(Config{
		MintPath:        path,
		InputFeePpk:     inputFeePpk,
		LightningClient: backend,
		LogLevel:        Disable,
	})
	if err != nil {
		t.Fatalf("error loading mint: %v", err)
	}
	return m
}

// testOutputs carries the blinding data needed to turn the mint's
// signatures back into proofs.
type testOutputs struct {
	messages cashu.BlindedMessages
	secrets  []string
	rs       []*secp256k1.PrivateKey
}

func newOutputs(t *testing.T, amount uint64, keysetId string) testOutputs {
	t.Helper()
	return outputsForAmounts(t, cashu.AmountSplit(amount), keysetId)
}

func outputsForAmounts(t *testing.T, amounts []uint64, keysetId string) testOutputs {
	t.Helper()
	secrets := make([]string, len(amounts))
	for i := range amounts {
		secretBytes := make([]byte, 32)
		if _, err := rand.Read(secretBytes); err != nil {
			t.Fatalf("error generating secret: %v", err)
		}
		secrets[i] = hex.EncodeToString(secretBytes)
	}
	return outputsForSecrets(t, amounts, secrets, keysetId)
}

func outputsForSecrets(t *testing.T, amounts []uint64, secrets []string, keysetId string) testOutputs {
	t.Helper()
	if len(amounts) != len(secrets) {
		t.Fatalf("amounts and secrets length mismatch")
	}

	messages := make(cashu.BlindedMessages, len(amounts))
	rs := make([]*secp256k1.PrivateKey, len(amounts))
	for i := range amounts {
		r, err := secp256k1.GeneratePrivateKey()
		if err != nil {
			t.Fatalf("error generating blinding factor: %v", err)
		}
		B_, r, err := crypto.BlindMessage(secrets[i], r)
		if err != nil {
			t.Fatalf("error blinding message: %v", err)
		}
		messages[i] = cashu.NewBlindedMessage(keysetId, amounts[i], B_)
		rs[i] = r
	}
	return testOutputs{messages: messages, secrets: secrets, rs: rs}
}

func proofsFromSignatures(t *testing.T, m *Mint, signatures cashu.BlindedSignatures, outputs testOutputs) cashu.Proofs {
	t.Helper()
	if len(signatures) != len(outputs.messages) {
		t.Fatalf("expected %v signatures but got %v", len(outputs.messages), len(signatures))
	}

	proofs := make(cashu.Proofs, len(signatures))
	for i, signature := range signatures {
		C_bytes, err := hex.DecodeString(signature.C_)
		if err != nil {
			t.Fatalf("invalid C_ in signature: %v", err)
		}
		C_, err := secp256k1.ParsePubKey(C_bytes)
		if err != nil {
			t.Fatalf("invalid C_ in signature: %v", err)
		}

		keyset, ok := m.keysets[signature.Id]
		if !ok {
			t.Fatalf("signature from unknown keyset '%v'", signature.Id)
		}
		K := keyset.Keys[signature.Amount].PublicKey
		C := crypto.UnblindSignature(C_, outputs.rs[i], K)

		proofs[i] = cashu.Proof{
			Amount: signature.Amount,
			Id:     signature.Id,
			Secret: outputs.secrets[i],
			C:      hex.EncodeToString(C.SerializeCompressed()),
		}
	}
	return proofs
}

// mintProofs runs the full mint flow against the fake backend, which
// settles invoices instantly.
func mintProofs(t *testing.T, m *Mint, amount uint64) cashu.Proofs {
	t.Helper()
	mintQuote, err := m.RequestMintQuote(amount)
	if err != nil {
		t.Fatalf("error requesting mint quote: %v", err)
	}

	outputs := newOutputs(t, amount, m.activeKeyset.Id)
	signatures, err := m.MintTokens(nut04.PostMintBolt11Request{
		Quote:   mintQuote.Id,
		Outputs: outputs.messages,
	})
	if err != nil {
		t.Fatalf("error minting tokens: %v", err)
	}
	return proofsFromSignatures(t, m, signatures, outputs)
}

func checkProofStates(t *testing.T, m *Mint, proofs cashu.Proofs, expected nut07.State) {
	t.Helper()
	Ys, err := Ys(proofs)
	if err != nil {
		t.Fatalf("error computing Ys: %v", err)
	}
	states, err := m.ProofStates(Ys)
	if err != nil {
		t.Fatalf("error getting proof states: %v", err)
	}
	for _, proofState := range states {
		if proofState.State != expected {
			t.Fatalf("expected proof state '%v' but got '%v'", expected, proofState.State)
		}
	}
}

func TestRequestMintQuote(t *testing.T) {
	m := testMint(t, lightning.NewFakeBackend())

	mintQuote, err := m.RequestMintQuote(1000)
	if err != nil {
		t.Fatalf("error requesting mint quote: %v", err)
	}
	if mintQuote.State != nut04.Unpaid {
		t.Fatalf("expected quote state '%v' but got '%v'", nut04.Unpaid, mintQuote.State)
	}
	if len(mintQuote.PaymentRequest) == 0 {
		t.Fatal("got empty payment request in mint quote")
	}

	if _, err := m.RequestMintQuote(0); err == nil {
		t.Fatal("expected error requesting quote for amount 0")
	}

	// fake backend invoices settle instantly
	quoteState, err := m.GetMintQuoteState(mintQuote.Id)
	if err != nil {
		t.Fatalf("error getting quote state: %v", err)
	}
	if quoteState.State != nut04.Paid {
		t.Fatalf("expected quote state '%v' but got '%v'", nut04.Paid, quoteState.State)
	}

	if _, err := m.GetMintQuoteState("nonexistent"); !errors.Is(err, cashu.QuoteNotExistErr) {
		t.Fatalf("expected error '%v' but got '%v'", cashu.QuoteNotExistErr, err)
	}
}

func TestMintLimits(t *testing.T) {
	m, err := LoadMint(Config{
		MintPath:        t.TempDir(),
		LightningClient: lightning.NewFakeBackend(),
		LogLevel:        Disable,
		Limits: MintLimits{
			MaxBalance:      1000,
			MintingSettings: MintMethodSettings{MaxAmount: 500},
		},
	})
	if err != nil {
		t.Fatalf("error loading mint: %v", err)
	}

	if _, err := m.RequestMintQuote(600); !errors.Is(err, cashu.MintAmountExceededErr) {
		t.Fatalf("expected error '%v' but got '%v'", cashu.MintAmountExceededErr, err)
	}

	// max balance is checked against issued ecash plus the request
	mintProofs(t, m, 500)
	mintProofs(t, m, 400)
	if _, err := m.RequestMintQuote(200); !errors.Is(err, cashu.MintingDisabled) {
		t.Fatalf("expected error '%v' but got '%v'", cashu.MintingDisabled, err)
	}
	if _, err := m.RequestMintQuote(100); err != nil {
		t.Fatalf("error requesting quote within balance limit: %v", err)
	}
}

func TestMintTokens(t *testing.T) {
	m := testMint(t, lightning.NewFakeBackend())
	var mintAmount uint64 = 42

	mintQuote, err := m.RequestMintQuote(mintAmount)
	if err != nil {
		t.Fatalf("error requesting mint quote: %v", err)
	}

	// test invalid quote
	outputs := newOutputs(t, mintAmount, m.activeKeyset.Id)
	_, err = m.MintTokens(nut04.PostMintBolt11Request{Quote: "mintquote1234", Outputs: outputs.messages})
	if !errors.Is(err, cashu.QuoteNotExistErr) {
		t.Fatalf("expected error '%v' but got '%v'", cashu.QuoteNotExistErr, err)
	}

	// test outputs over quote amount
	overOutputs := newOutputs(t, mintAmount*2, m.activeKeyset.Id)
	_, err = m.MintTokens(nut04.PostMintBolt11Request{Quote: mintQuote.Id, Outputs: overOutputs.messages})
	if !errors.Is(err, cashu.OutputsOverQuoteAmountErr) {
		t.Fatalf("expected error '%v' but got '%v'", cashu.OutputsOverQuoteAmountErr, err)
	}

	signatures, err := m.MintTokens(nut04.PostMintBolt11Request{Quote: mintQuote.Id, Outputs: outputs.messages})
	if err != nil {
		t.Fatalf("error minting tokens: %v", err)
	}
	for _, signature := range signatures {
		if signature.DLEQ == nil {
			t.Fatal("got blind signature without DLEQ proof")
		}
	}

	proofs := proofsFromSignatures(t, m, signatures, outputs)
	if proofs.Amount() != mintAmount {
		t.Fatalf("expected proofs amount '%v' but got '%v'", mintAmount, proofs.Amount())
	}
	if err := m.verifyProofs(proofs); err != nil {
		t.Fatalf("minted proofs do not verify: %v", err)
	}

	quoteState, err := m.GetMintQuoteState(mintQuote.Id)
	if err != nil {
		t.Fatalf("error getting quote state: %v", err)
	}
	if quoteState.State != nut04.Issued {
		t.Fatalf("expected quote state '%v' but got '%v'", nut04.Issued, quoteState.State)
	}

	// test quote cannot be redeemed twice
	freshOutputs := newOutputs(t, mintAmount, m.activeKeyset.Id)
	_, err = m.MintTokens(nut04.PostMintBolt11Request{Quote: mintQuote.Id, Outputs: freshOutputs.messages})
	if !errors.Is(err, cashu.MintQuoteAlreadyIssued) {
		t.Fatalf("expected error '%v' but got '%v'", cashu.MintQuoteAlreadyIssued, err)
	}
}

func TestSwap(t *testing.T) {
	m := testMint(t, lightning.NewFakeBackend())
	var amount uint64 = 64
	proofs := mintProofs(t, m, amount)

	// test unbalanced swap
	lowOutputs := newOutputs(t, amount/2, m.activeKeyset.Id)
	_, err := m.Swap(nut03.PostSwapRequest{Inputs: proofs, Outputs: lowOutputs.messages})
	var cashuErr *cashu.Error
	if !errors.As(err, &cashuErr) || cashuErr.Code != cashu.TransactionUnbalancedErrCode {
		t.Fatalf("expected transaction unbalanced error but got '%v'", err)
	}

	// test duplicate inputs
	duplicateInputs := append(cashu.Proofs{}, proofs...)
	duplicateInputs = append(duplicateInputs, proofs...)
	doubleOutputs := newOutputs(t, amount*2, m.activeKeyset.Id)
	_, err = m.Swap(nut03.PostSwapRequest{Inputs: duplicateInputs, Outputs: doubleOutputs.messages})
	if !errors.Is(err, cashu.DuplicateProofs) {
		t.Fatalf("expected error '%v' but got '%v'", cashu.DuplicateProofs, err)
	}

	outputs := newOutputs(t, amount, m.activeKeyset.Id)
	signatures, err := m.Swap(nut03.PostSwapRequest{Inputs: proofs, Outputs: outputs.messages})
	if err != nil {
		t.Fatalf("error swapping: %v", err)
	}
	newProofs := proofsFromSignatures(t, m, signatures, outputs)
	if newProofs.Amount() != amount {
		t.Fatalf("expected proofs amount '%v' but got '%v'", amount, newProofs.Amount())
	}
	checkProofStates(t, m, proofs, nut07.Spent)

	// test double spend
	retryOutputs := newOutputs(t, amount, m.activeKeyset.Id)
	_, err = m.Swap(nut03.PostSwapRequest{Inputs: proofs, Outputs: retryOutputs.messages})
	if !errors.Is(err, cashu.ProofAlreadyUsedErr) {
		t.Fatalf("expected error '%v' but got '%v'", cashu.ProofAlreadyUsedErr, err)
	}

	// test already signed outputs
	_, err = m.Swap(nut03.PostSwapRequest{Inputs: newProofs, Outputs: outputs.messages})
	if !errors.Is(err, cashu.BlindedMessageAlreadySigned) {
		t.Fatalf("expected error '%v' but got '%v'", cashu.BlindedMessageAlreadySigned, err)
	}
}

func TestSwapInputFees(t *testing.T) {
	m := testMintAt(t, t.TempDir(), lightning.NewFakeBackend(), 100)
	proofs := mintProofs(t, m, 10)

	fee, err := m.TransactionFee(proofs)
	if err != nil {
		t.Fatalf("error computing fee: %v", err)
	}
	expectedFee := (uint64(len(proofs))*100 + 999) / 1000
	if fee != expectedFee {
		t.Fatalf("expected fee '%v' but got '%v'", expectedFee, fee)
	}

	// outputs ignoring the fee are rejected
	fullOutputs := newOutputs(t, 10, m.activeKeyset.Id)
	_, err = m.Swap(nut03.PostSwapRequest{Inputs: proofs, Outputs: fullOutputs.messages})
	var cashuErr *cashu.Error
	if !errors.As(err, &cashuErr) || cashuErr.Code != cashu.TransactionUnbalancedErrCode {
		t.Fatalf("expected transaction unbalanced error but got '%v'", err)
	}

	outputs := newOutputs(t, 10-fee, m.activeKeyset.Id)
	signatures, err := m.Swap(nut03.PostSwapRequest{Inputs: proofs, Outputs: outputs.messages})
	if err != nil {
		t.Fatalf("error swapping with fee: %v", err)
	}
	newProofs := proofsFromSignatures(t, m, signatures, outputs)
	if newProofs.Amount() != 10-fee {
		t.Fatalf("expected proofs amount '%v' but got '%v'", 10-fee, newProofs.Amount())
	}
}

func TestConcurrentSwap(t *testing.T) {
	m := testMint(t, lightning.NewFakeBackend())
	proofs := mintProofs(t, m, 64)

	// every swapper brings its own outputs but shares the same inputs
	const swappers = 8
	outputs := make([]testOutputs, swappers)
	for i := range outputs {
		outputs[i] = newOutputs(t, 64, m.activeKeyset.Id)
	}

	errs := make([]error, swappers)
	var wg sync.WaitGroup
	for i := 0; i < swappers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.Swap(nut03.PostSwapRequest{Inputs: proofs, Outputs: outputs[i].messages})
			errs[i] = err
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		if !errors.Is(err, cashu.ProofAlreadyUsedErr) && !errors.Is(err, cashu.ProofPendingErr) {
			t.Fatalf("expected a used or pending proof error but got '%v'", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly 1 swap to succeed but got '%v'", succeeded)
	}
	checkProofStates(t, m, proofs, nut07.Spent)
}

func TestProofStates(t *testing.T) {
	m := testMint(t, lightning.NewFakeBackend())
	proofs := mintProofs(t, m, 8)

	// proofs the mint has never seen are unspent
	checkProofStates(t, m, proofs, nut07.Unspent)

	outputs := newOutputs(t, 8, m.activeKeyset.Id)
	if _, err := m.Swap(nut03.PostSwapRequest{Inputs: proofs, Outputs: outputs.messages}); err != nil {
		t.Fatalf("error swapping: %v", err)
	}
	checkProofStates(t, m, proofs, nut07.Spent)

	if _, err := m.ProofStates(nil); !errors.Is(err, cashu.NoProofsProvided) {
		t.Fatalf("expected error '%v' but got 'nil'", cashu.NoProofsProvided)
	}
}

func TestRestoreSignatures(t *testing.T) {
	m := testMint(t, lightning.NewFakeBackend())

	mintQuote, err := m.RequestMintQuote(32)
	if err != nil {
		t.Fatalf("error requesting mint quote: %v", err)
	}
	outputs := newOutputs(t, 32, m.activeKeyset.Id)
	signatures, err := m.MintTokens(nut04.PostMintBolt11Request{Quote: mintQuote.Id, Outputs: outputs.messages})
	if err != nil {
		t.Fatalf("error minting tokens: %v", err)
	}

	// unknown blinded messages are skipped, known ones come back in order
	unknown := newOutputs(t, 4, m.activeKeyset.Id)
	request := append(cashu.BlindedMessages{}, unknown.messages...)
	request = append(request, outputs.messages...)

	restoredMessages, restoredSignatures, err := m.RestoreSignatures(request)
	if err != nil {
		t.Fatalf("error restoring signatures: %v", err)
	}
	if len(restoredMessages) != len(outputs.messages) {
		t.Fatalf("expected '%v' restored messages but got '%v'", len(outputs.messages), len(restoredMessages))
	}
	for i, restored := range restoredSignatures {
		if restored.C_ != signatures[i].C_ {
			t.Fatalf("restored signature does not match issued signature")
		}
		if restoredMessages[i].B_ != outputs.messages[i].B_ {
			t.Fatalf("restored message order does not match request order")
		}
	}
}
