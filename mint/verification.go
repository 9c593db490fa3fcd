package mint

import (
	"encoding/hex"

	"github.com/cashmill/cashmill/cashu"
	"github.com/cashmill/cashmill/crypto"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// verifyProofs checks the shape of the input batch and the signature
// and spending conditions of every proof. Ledger state (already spent,
// pending) is checked separately inside the operation's transaction.
func (m *Mint) verifyProofs(proofs cashu.Proofs) error {
	if len(proofs) == 0 {
		return cashu.NoProofsProvided
	}
	if len(proofs) > MaxBatchSize {
		return cashu.BuildCashuError("too many inputs provided", cashu.BatchSizeExceededErrCode)
	}
	if cashu.CheckDuplicateProofs(proofs) {
		return cashu.DuplicateProofs
	}

	for _, proof := range proofs {
		if err := m.verifyProof(proof); err != nil {
			return err
		}
	}
	return nil
}

func (m *Mint) verifyProof(proof cashu.Proof) error {
	keyset, ok := m.keysets[proof.Id]
	if !ok {
		return cashu.UnknownKeysetErr
	}
	keypair, ok := keyset.Keys[proof.Amount]
	if !ok {
		return cashu.InvalidProofErr
	}

	Cbytes, err := hex.DecodeString(proof.C)
	if err != nil {
		return cashu.InvalidProofErr
	}
	C, err := secp256k1.ParsePubKey(Cbytes)
	if err != nil {
		return cashu.InvalidProofErr
	}
	if !crypto.Verify(proof.Secret, keypair.PrivateKey, C) {
		return cashu.InvalidProofErr
	}

	return m.verifyProofSpendingConditions(proof)
}

// verifyOutputs checks the blinded messages of a request: all from
// the active keyset, valid amounts, no duplicates within the batch and
// none previously signed.
func (m *Mint) verifyOutputs(outputs cashu.BlindedMessages) error {
	if len(outputs) == 0 {
		return cashu.NoOutputsProvided
	}
	if len(outputs) > MaxBatchSize {
		return cashu.BuildCashuError("too many outputs provided", cashu.BatchSizeExceededErrCode)
	}
	if cashu.CheckDuplicateBlindedMessages(outputs) {
		return cashu.DuplicateOutputs
	}

	for _, output := range outputs {
		keyset, ok := m.keysets[output.Id]
		if !ok {
			return cashu.UnknownKeysetErr
		}
		if !keyset.Active {
			return cashu.InactiveKeysetSignatureRequest
		}
		if _, ok := keyset.Keys[output.Amount]; !ok {
			return cashu.InvalidBlindedMessageAmount
		}
	}

	signatures, err := m.db.GetBlindSignatures(outputs.BlindedSecrets())
	if err != nil {
		return err
	}
	if len(signatures) > 0 {
		return cashu.BlindedMessageAlreadySigned
	}
	return nil
}

// TransactionFee is the fee owed for spending the inputs, the sum of
// the per-keyset fee rates rounded up to a whole unit.
func (m *Mint) TransactionFee(inputs cashu.Proofs) (uint64, error) {
	var feePpk uint64
	for _, proof := range inputs {
		keyset, ok := m.keysets[proof.Id]
		if !ok {
			return 0, cashu.UnknownKeysetErr
		}
		feePpk += uint64(keyset.InputFeePpk)
	}
	return (feePpk + 999) / 1000, nil
}

// sumChecked adds amounts, failing on uint64 wraparound.
func sumChecked(amounts []uint64) (uint64, error) {
	var total uint64
	for _, amount := range amounts {
		if total+amount < total {
			return 0, cashu.BuildCashuError("amount overflow", cashu.StandardErrCode)
		}
		total += amount
	}
	return total, nil
}

func proofAmounts(proofs cashu.Proofs) []uint64 {
	amounts := make([]uint64, len(proofs))
	for i, proof := range proofs {
		amounts[i] = proof.Amount
	}
	return amounts
}

func outputAmounts(outputs cashu.BlindedMessages) []uint64 {
	amounts := make([]uint64, len(outputs))
	for i, output := range outputs {
		amounts[i] = output.Amount
	}
	return amounts
}
