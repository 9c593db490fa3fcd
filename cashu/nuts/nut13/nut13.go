// Package nut13 implements deterministic secret derivation. Secrets and
// blinding factors come from the wallet's master key at
// m/129372'/0'/keyset_int'/counter', so a wallet can be restored from
// its seed by walking counters.
package nut13

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const purposeIndex = 129372

// DeriveKeysetPath derives the extended key for the keyset. The keyset
// id bytes are read as a big endian integer modulo 2^31 - 1 to fit a
// hardened child index.
func DeriveKeysetPath(master *hdkeychain.ExtendedKey, keysetId string) (*hdkeychain.ExtendedKey, error) {
	keysetBytes, err := hex.DecodeString(keysetId)
	if err != nil {
		return nil, err
	}
	keysetIdInt := binary.BigEndian.Uint64(keysetBytes) % (1<<31 - 1)

	purpose, err := master.Derive(hdkeychain.HardenedKeyStart + purposeIndex)
	if err != nil {
		return nil, err
	}
	coinType, err := purpose.Derive(hdkeychain.HardenedKeyStart + 0)
	if err != nil {
		return nil, err
	}
	return coinType.Derive(hdkeychain.HardenedKeyStart + uint32(keysetIdInt))
}

// DeriveSecret derives the proof secret at the counter, child 0.
func DeriveSecret(keysetPath *hdkeychain.ExtendedKey, counter uint32) (string, error) {
	counterPath, err := keysetPath.Derive(hdkeychain.HardenedKeyStart + counter)
	if err != nil {
		return "", err
	}
	secretPath, err := counterPath.Derive(0)
	if err != nil {
		return "", err
	}
	secretKey, err := secretPath.ECPrivKey()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(secretKey.Serialize()), nil
}

// DeriveBlindingFactor derives the blinding factor at the counter,
// child 1.
func DeriveBlindingFactor(keysetPath *hdkeychain.ExtendedKey, counter uint32) (*secp256k1.PrivateKey, error) {
	counterPath, err := keysetPath.Derive(hdkeychain.HardenedKeyStart + counter)
	if err != nil {
		return nil, err
	}
	rPath, err := counterPath.Derive(1)
	if err != nil {
		return nil, err
	}
	return rPath.ECPrivKey()
}
