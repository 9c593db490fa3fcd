package wallet

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/cashmill/cashmill/cashu"
	"github.com/cashmill/cashmill/crypto"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// GetMintActiveKeyset fetches the mint's active sat keyset and checks
// that the advertised id matches the keys.
func GetMintActiveKeyset(mintURL string) (*crypto.WalletKeyset, error) {
	keysetsResponse, err := GetAllKeysets(mintURL)
	if err != nil {
		return nil, fmt.Errorf("error getting keysets from mint: %v", err)
	}

	keysResponse, err := GetActiveKeysets(mintURL)
	if err != nil {
		return nil, fmt.Errorf("error getting active keyset from mint: %v", err)
	}

	for _, keyset := range keysResponse.Keysets {
		if keyset.Unit != cashu.Sat.String() {
			continue
		}
		if _, err := hex.DecodeString(keyset.Id); err != nil {
			continue
		}

		keys, err := crypto.MapPublicKeys(keyset.Keys)
		if err != nil {
			return nil, err
		}
		if id := deriveKeysetIdFromKeys(keys); id != keyset.Id {
			return nil, fmt.Errorf("mint returned invalid keyset: derived id '%v' but got '%v'", id, keyset.Id)
		}

		var inputFeePpk uint
		for _, listed := range keysetsResponse.Keysets {
			if listed.Id == keyset.Id {
				inputFeePpk = listed.InputFeePpk
				break
			}
		}

		return &crypto.WalletKeyset{
			Id:          keyset.Id,
			MintURL:     mintURL,
			Unit:        keyset.Unit,
			Active:      true,
			PublicKeys:  keys,
			InputFeePpk: inputFeePpk,
		}, nil
	}

	return nil, errors.New("mint has no active sat keyset")
}

// GetMintInactiveKeysets lists the mint's inactive sat keysets, keys
// not included.
func GetMintInactiveKeysets(mintURL string) (map[string]crypto.WalletKeyset, error) {
	keysetsResponse, err := GetAllKeysets(mintURL)
	if err != nil {
		return nil, fmt.Errorf("error getting keysets from mint: %v", err)
	}

	inactiveKeysets := make(map[string]crypto.WalletKeyset)
	for _, keysetRes := range keysetsResponse.Keysets {
		if keysetRes.Active || keysetRes.Unit != cashu.Sat.String() {
			continue
		}
		if _, err := hex.DecodeString(keysetRes.Id); err != nil {
			continue
		}
		inactiveKeysets[keysetRes.Id] = crypto.WalletKeyset{
			Id:          keysetRes.Id,
			MintURL:     mintURL,
			Unit:        keysetRes.Unit,
			Active:      keysetRes.Active,
			InputFeePpk: keysetRes.InputFeePpk,
		}
	}
	return inactiveKeysets, nil
}

// refreshKeysets re-reads the mint's keyset list and handles rotation:
// if the active keyset changed, the previous one is marked inactive in
// the db and the new one saved.
func (w *Wallet) refreshKeysets() error {
	allKeysets, err := GetAllKeysets(w.mintURL)
	if err != nil {
		return err
	}

	activeChanged := true
	for _, keyset := range allKeysets.Keysets {
		if keyset.Active && keyset.Id == w.activeKeyset.Id {
			activeChanged = false
			break
		}
	}
	if !activeChanged {
		return nil
	}

	previous := w.activeKeyset
	previous.Active = false
	w.inactiveKeysets[previous.Id] = previous
	if err := w.db.SaveKeyset(&previous); err != nil {
		return err
	}

	newActive, err := GetMintActiveKeyset(w.mintURL)
	if err != nil {
		return err
	}
	if stored := w.db.GetKeyset(newActive.Id); stored != nil {
		newActive.Counter = stored.Counter
	}
	if err := w.db.SaveKeyset(newActive); err != nil {
		return err
	}
	w.activeKeyset = *newActive
	return nil
}

func deriveKeysetIdFromKeys(keys map[uint64]*secp256k1.PublicKey) string {
	pairs := make(map[uint64]crypto.KeyPair, len(keys))
	for amount, key := range keys {
		pairs[amount] = crypto.KeyPair{PublicKey: key}
	}
	return crypto.DeriveKeysetId(pairs)
}
