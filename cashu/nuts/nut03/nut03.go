// Package nut03 has the wire types for swapping proofs
// for fresh blind signatures.
package nut03

import "github.com/cashmill/cashmill/cashu"

type PostSwapRequest struct {
	Inputs  cashu.Proofs          `json:"inputs"`
	Outputs cashu.BlindedMessages `json:"outputs"`
}

type PostSwapResponse struct {
	Signatures cashu.BlindedSignatures `json:"signatures"`
}
