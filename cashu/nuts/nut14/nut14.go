// Package nut14 implements hash time-locked spending conditions.
// Authorization reuses the nut11 signature machinery on top of a
// sha256 preimage check.
package nut14

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/cashmill/cashmill/cashu"
	"github.com/cashmill/cashmill/cashu/nuts/nut10"
)

var (
	InvalidPreimageErr = cashu.Error{Detail: "invalid preimage for HTLC", Code: cashu.WitnessInvalidErrCode}
	InvalidHashErr     = cashu.Error{Detail: "invalid hash in secret", Code: cashu.WitnessInvalidErrCode}
)

type HTLCWitness struct {
	Preimage   string   `json:"preimage"`
	Signatures []string `json:"signatures,omitempty"`
}

// NewHTLCSecret builds a well-known secret whose data field is the
// sha256 hash of the preimage.
func NewHTLCSecret(preimage string, tags [][]string) (string, error) {
	preimageBytes, err := hex.DecodeString(preimage)
	if err != nil {
		return "", err
	}
	hash := sha256.Sum256(preimageBytes)

	nonceBytes := make([]byte, 32)
	if _, err := rand.Read(nonceBytes); err != nil {
		return "", err
	}

	secretData := nut10.WellKnownSecret{
		Nonce: hex.EncodeToString(nonceBytes),
		Data:  hex.EncodeToString(hash[:]),
		Tags:  tags,
	}

	return nut10.SerializeSecret(nut10.HTLC, secretData)
}

// VerifyPreimage checks the witness preimage hashes to the lock
// in the secret's data field.
func VerifyPreimage(secret nut10.WellKnownSecret, witness HTLCWitness) error {
	preimageBytes, err := hex.DecodeString(witness.Preimage)
	if err != nil || len(preimageBytes) != 32 {
		return InvalidPreimageErr
	}
	hashBytes, err := hex.DecodeString(secret.Data)
	if err != nil || len(hashBytes) != 32 {
		return InvalidHashErr
	}

	hash := sha256.Sum256(preimageBytes)
	if subtle.ConstantTimeCompare(hash[:], hashBytes) != 1 {
		return InvalidPreimageErr
	}
	return nil
}

func AddWitnessHTLC(
	proofs cashu.Proofs,
	preimage string,
	signingKey *btcec.PrivateKey,
) (cashu.Proofs, error) {
	for i, proof := range proofs {
		htlcWitness := HTLCWitness{Preimage: preimage}

		if signingKey != nil {
			hash := sha256.Sum256([]byte(proof.Secret))
			signature, err := schnorr.Sign(signingKey, hash[:])
			if err != nil {
				return nil, err
			}
			htlcWitness.Signatures = []string{hex.EncodeToString(signature.Serialize())}
		}

		witness, err := json.Marshal(htlcWitness)
		if err != nil {
			return nil, err
		}
		proof.Witness = string(witness)
		proofs[i] = proof
	}

	return proofs, nil
}
