// Package crypto implements the blind diffie-hellman key exchange
// primitives that back the ecash protocol: blind, sign, unblind, verify
// and the DLEQ proof of correct signing.
package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const domainSeparator = "Secp256k1_HashToCurve_Cashu_"

var ErrNoValidPoint = errors.New("no valid point found for message")

// HashToCurve deterministically maps a message to a point on the curve.
// It hashes the domain-separated message and walks a 32-bit counter until
// the candidate parses as a valid compressed point.
func HashToCurve(message []byte) (*secp256k1.PublicKey, error) {
	msgToHash := sha256.Sum256(append([]byte(domainSeparator), message...))

	counter := make([]byte, 4)
	for i := uint32(0); i < 1<<16; i++ {
		binary.LittleEndian.PutUint32(counter, i)
		hash := sha256.Sum256(append(msgToHash[:], counter...))

		point, err := secp256k1.ParsePubKey(append([]byte{0x02}, hash[:]...))
		if err == nil {
			return point, nil
		}
	}
	return nil, ErrNoValidPoint
}

// BlindMessage computes B_ = Y + rG for the secret's curve point Y.
func BlindMessage(secret string, r *secp256k1.PrivateKey) (*secp256k1.PublicKey, *secp256k1.PrivateKey, error) {
	var ypoint, rpoint, blindedMessage secp256k1.JacobianPoint

	Y, err := HashToCurve([]byte(secret))
	if err != nil {
		return nil, nil, err
	}
	Y.AsJacobian(&ypoint)

	rpub := r.PubKey()
	rpub.AsJacobian(&rpoint)

	secp256k1.AddNonConst(&ypoint, &rpoint, &blindedMessage)
	blindedMessage.ToAffine()
	B_ := secp256k1.NewPublicKey(&blindedMessage.X, &blindedMessage.Y)

	return B_, r, nil
}

// SignBlindedMessage computes C_ = kB_.
func SignBlindedMessage(B_ *secp256k1.PublicKey, k *secp256k1.PrivateKey) *secp256k1.PublicKey {
	var bpoint, result secp256k1.JacobianPoint
	B_.AsJacobian(&bpoint)

	secp256k1.ScalarMultNonConst(&k.Key, &bpoint, &result)
	result.ToAffine()
	C_ := secp256k1.NewPublicKey(&result.X, &result.Y)

	return C_
}

// UnblindSignature computes C = C_ - rK.
func UnblindSignature(C_ *secp256k1.PublicKey, r *secp256k1.PrivateKey,
	K *secp256k1.PublicKey) *secp256k1.PublicKey {

	var Kpoint, rKPoint, CPoint secp256k1.JacobianPoint
	K.AsJacobian(&Kpoint)

	var rNeg secp256k1.ModNScalar
	rNeg.NegateVal(&r.Key)

	secp256k1.ScalarMultNonConst(&rNeg, &Kpoint, &rKPoint)

	var C_Point secp256k1.JacobianPoint
	C_.AsJacobian(&C_Point)
	secp256k1.AddNonConst(&C_Point, &rKPoint, &CPoint)
	CPoint.ToAffine()

	return secp256k1.NewPublicKey(&CPoint.X, &CPoint.Y)
}

// Verify checks k * HashToCurve(secret) == C.
func Verify(secret string, k *secp256k1.PrivateKey, C *secp256k1.PublicKey) bool {
	var Ypoint, result secp256k1.JacobianPoint
	Y, err := HashToCurve([]byte(secret))
	if err != nil {
		return false
	}
	Y.AsJacobian(&Ypoint)

	secp256k1.ScalarMultNonConst(&k.Key, &Ypoint, &result)
	result.ToAffine()
	pk := secp256k1.NewPublicKey(&result.X, &result.Y)

	return C.IsEqual(pk)
}

// HashE computes the DLEQ challenge from the four relevant points.
func HashE(pubkeys []*secp256k1.PublicKey) [32]byte {
	var msg string
	for _, pubkey := range pubkeys {
		msg += hex.EncodeToString(pubkey.SerializeUncompressed())
	}
	return sha256.Sum256([]byte(msg))
}

// GenerateDLEQ builds a proof that C_ was signed with the same key k
// that the mint published as A = kG.
func GenerateDLEQ(k *secp256k1.PrivateKey, B_ *secp256k1.PublicKey, C_ *secp256k1.PublicKey) (
	e *secp256k1.PrivateKey, s *secp256k1.PrivateKey, err error) {

	r, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, nil, err
	}

	R1 := r.PubKey() // rG
	R2 := SignBlindedMessage(B_, r)

	eHash := HashE([]*secp256k1.PublicKey{R1, R2, k.PubKey(), C_})
	e = secp256k1.PrivKeyFromBytes(eHash[:])

	// s = r + e*k
	var sScalar secp256k1.ModNScalar
	sScalar.Mul2(&e.Key, &k.Key).Add(&r.Key)
	sBytes := sScalar.Bytes()

	return e, secp256k1.PrivKeyFromBytes(sBytes[:]), nil
}

// VerifyDLEQ checks R1 = sG - eA and R2 = sB_ - eC_ hash back to e.
func VerifyDLEQ(
	e, s *secp256k1.PrivateKey,
	A, B_, C_ *secp256k1.PublicKey,
) bool {
	R1 := subMul(s.PubKey(), A, e)                 // sG - eA
	R2 := subMul(SignBlindedMessage(B_, s), C_, e) // sB_ - eC_

	eHash := HashE([]*secp256k1.PublicKey{R1, R2, A, C_})
	return hex.EncodeToString(eHash[:]) == hex.EncodeToString(e.Serialize())
}

// subMul computes P - e*Q.
func subMul(P, Q *secp256k1.PublicKey, e *secp256k1.PrivateKey) *secp256k1.PublicKey {
	var qPoint, eQPoint, pPoint, result secp256k1.JacobianPoint
	Q.AsJacobian(&qPoint)

	var eNeg secp256k1.ModNScalar
	eNeg.NegateVal(&e.Key)

	secp256k1.ScalarMultNonConst(&eNeg, &qPoint, &eQPoint)
	P.AsJacobian(&pPoint)
	secp256k1.AddNonConst(&pPoint, &eQPoint, &result)
	result.ToAffine()

	return secp256k1.NewPublicKey(&result.X, &result.Y)
}
