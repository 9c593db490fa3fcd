package wallet

import (
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/cashmill/cashmill/cashu"
	"github.com/cashmill/cashmill/cashu/nuts/nut10"
	"github.com/cashmill/cashmill/cashu/nuts/nut11"
	"github.com/cashmill/cashmill/cashu/nuts/nut14"
)

// DeriveP2PK derives the key the wallet uses to receive locked ecash,
// at m/129372'/0'/1'/0.
func DeriveP2PK(key *hdkeychain.ExtendedKey) (*btcec.PrivateKey, error) {
	purpose, err := key.Derive(hdkeychain.HardenedKeyStart + 129372)
	if err != nil {
		return nil, err
	}
	coinType, err := purpose.Derive(hdkeychain.HardenedKeyStart + 0)
	if err != nil {
		return nil, err
	}
	first, err := coinType.Derive(hdkeychain.HardenedKeyStart + 1)
	if err != nil {
		return nil, err
	}
	extKey, err := first.Derive(0)
	if err != nil {
		return nil, err
	}
	return extKey.ECPrivKey()
}

// LockPubkey returns the public key other wallets can lock ecash to.
func (w *Wallet) LockPubkey() (*btcec.PublicKey, error) {
	key, err := DeriveP2PK(w.masterKey)
	if err != nil {
		return nil, err
	}
	return key.PubKey(), nil
}

// addWitnessesToProofs signs P2PK locked proofs with the wallet's lock
// key. HTLC proofs need a preimage and must go through ReceiveHTLC.
func (w *Wallet) addWitnessesToProofs(proofs cashu.Proofs) (cashu.Proofs, error) {
	needsSignature := false
	for _, proof := range proofs {
		switch nut10.SecretType(proof) {
		case nut10.P2PK:
			needsSignature = true
		case nut10.HTLC:
			return nil, errors.New("receiving HTLC ecash requires a preimage")
		}
	}
	if !needsSignature {
		return proofs, nil
	}

	signingKey, err := DeriveP2PK(w.masterKey)
	if err != nil {
		return nil, err
	}
	return nut11.AddSignatureToInputs(proofs, signingKey)
}

// ReceiveHTLC redeems an HTLC locked token with the preimage.
func (w *Wallet) ReceiveHTLC(token cashu.Token, preimage string) (uint64, error) {
	if token.Mint() != w.mintURL {
		return 0, errors.New("token is from a different mint")
	}
	proofs := token.Proofs()
	if len(proofs) == 0 {
		return 0, errors.New("token has no proofs")
	}

	signingKey, err := DeriveP2PK(w.masterKey)
	if err != nil {
		return 0, err
	}
	proofs, err = nut14.AddWitnessHTLC(proofs, preimage, signingKey)
	if err != nil {
		return 0, err
	}

	return w.swapProofsIn(proofs)
}
