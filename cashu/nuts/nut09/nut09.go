// Package nut09 has the types for restoring blind signatures
// from previously seen blinded messages.
package nut09

import "github.com/cashmill/cashmill/cashu"

type PostRestoreRequest struct {
	Outputs cashu.BlindedMessages `json:"outputs"`
}

// PostRestoreResponse returns only the outputs the issuer has
// signed before, in the order they were requested.
type PostRestoreResponse struct {
	Outputs    cashu.BlindedMessages   `json:"outputs"`
	Signatures cashu.BlindedSignatures `json:"signatures"`
}
