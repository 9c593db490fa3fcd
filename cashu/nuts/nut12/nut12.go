// Package nut12 verifies DLEQ proofs so a wallet can check, offline,
// that the mint signed with the key it published.
package nut12

import (
	"encoding/hex"

	"github.com/cashmill/cashmill/cashu"
	"github.com/cashmill/cashmill/crypto"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// VerifyProofsDLEQ checks the DLEQ proof of every proof that carries
// one. Proofs without a DLEQ are skipped.
func VerifyProofsDLEQ(proofs cashu.Proofs, keyset crypto.WalletKeyset) bool {
	for _, proof := range proofs {
		if proof.DLEQ == nil {
			continue
		}

		pubkey, ok := keyset.PublicKeys[proof.Amount]
		if !ok {
			return false
		}
		if !VerifyProofDLEQ(proof, pubkey) {
			return false
		}
	}
	return true
}

// VerifyProofDLEQ recomputes B_ from the secret and blinding factor,
// recovers C' = C + rA, and verifies the proof against the mint key A.
func VerifyProofDLEQ(proof cashu.Proof, A *secp256k1.PublicKey) bool {
	e, s, r, err := ParseDLEQ(*proof.DLEQ)
	if err != nil || r == nil {
		return false
	}

	B_, _, err := crypto.BlindMessage(proof.Secret, r)
	if err != nil {
		return false
	}

	C, err := parsePoint(proof.C)
	if err != nil {
		return false
	}

	// C' = C + r*A
	var APoint, rAPoint, CPoint, C_Point secp256k1.JacobianPoint
	A.AsJacobian(&APoint)
	secp256k1.ScalarMultNonConst(&r.Key, &APoint, &rAPoint)
	rAPoint.ToAffine()
	C.AsJacobian(&CPoint)
	secp256k1.AddNonConst(&CPoint, &rAPoint, &C_Point)
	C_Point.ToAffine()
	C_ := secp256k1.NewPublicKey(&C_Point.X, &C_Point.Y)

	return crypto.VerifyDLEQ(e, s, A, B_, C_)
}

// VerifyBlindSignatureDLEQ verifies the proof attached to a blind
// signature, before unblinding.
func VerifyBlindSignatureDLEQ(
	dleq cashu.DLEQProof,
	A *secp256k1.PublicKey,
	B_str string,
	C_str string,
) bool {
	e, s, _, err := ParseDLEQ(dleq)
	if err != nil {
		return false
	}

	B_, err := parsePoint(B_str)
	if err != nil {
		return false
	}
	C_, err := parsePoint(C_str)
	if err != nil {
		return false
	}

	return crypto.VerifyDLEQ(e, s, A, B_, C_)
}

// ParseDLEQ decodes the hex scalars of a DLEQ proof. The returned r
// is nil when the proof does not carry a blinding factor.
func ParseDLEQ(dleq cashu.DLEQProof) (
	e *secp256k1.PrivateKey,
	s *secp256k1.PrivateKey,
	r *secp256k1.PrivateKey,
	err error,
) {
	ebytes, err := hex.DecodeString(dleq.E)
	if err != nil {
		return nil, nil, nil, err
	}
	sbytes, err := hex.DecodeString(dleq.S)
	if err != nil {
		return nil, nil, nil, err
	}
	e = secp256k1.PrivKeyFromBytes(ebytes)
	s = secp256k1.PrivKeyFromBytes(sbytes)

	if dleq.R == "" {
		return e, s, nil, nil
	}
	rbytes, err := hex.DecodeString(dleq.R)
	if err != nil {
		return nil, nil, nil, err
	}
	return e, s, secp256k1.PrivKeyFromBytes(rbytes), nil
}

func parsePoint(keyHex string) (*secp256k1.PublicKey, error) {
	keyBytes, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, err
	}
	return secp256k1.ParsePubKey(keyBytes)
}
