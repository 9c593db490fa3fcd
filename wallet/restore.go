package wallet

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/cashmill/cashmill/cashu"
	"github.com/cashmill/cashmill/cashu/nuts/nut07"
	"github.com/cashmill/cashmill/cashu/nuts/nut09"
	"github.com/cashmill/cashmill/cashu/nuts/nut13"
	"github.com/cashmill/cashmill/crypto"
	"github.com/cashmill/cashmill/wallet/storage"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/tyler-smith/go-bip39"
)

const restoreBatchSize = 100

// Restore rebuilds a wallet from its mnemonic by walking derivation
// counters against the mint's signature store. Returns the amount of
// unspent ecash recovered.
func Restore(walletPath, mnemonic, mintURL string) (uint64, error) {
	dbpath := filepath.Join(walletPath, "wallet.db")
	if _, err := os.Stat(dbpath); err == nil {
		return 0, errors.New("wallet already exists")
	}
	if err := os.MkdirAll(walletPath, 0700); err != nil {
		return 0, err
	}

	if !bip39.IsMnemonicValid(mnemonic) {
		return 0, errors.New("invalid mnemonic")
	}

	db, err := storage.InitBolt(walletPath)
	if err != nil {
		return 0, fmt.Errorf("error restoring wallet: %v", err)
	}
	defer db.Close()

	seed := bip39.NewSeed(mnemonic, "")
	masterKey, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return 0, err
	}
	if err := db.SaveMnemonicSeed(mnemonic, seed); err != nil {
		return 0, err
	}

	keysetsResponse, err := GetAllKeysets(mintURL)
	if err != nil {
		return 0, err
	}

	var restored uint64
	for _, keyset := range keysetsResponse.Keysets {
		if keyset.Unit != cashu.Sat.String() {
			continue
		}
		if _, err := hex.DecodeString(keyset.Id); err != nil {
			continue
		}

		keysResponse, err := GetKeysetById(mintURL, keyset.Id)
		if err != nil || len(keysResponse.Keysets) == 0 {
			return 0, fmt.Errorf("error getting keyset %v from mint: %v", keyset.Id, err)
		}
		keysetKeys, err := crypto.MapPublicKeys(keysResponse.Keysets[0].Keys)
		if err != nil {
			return 0, err
		}

		walletKeyset := crypto.WalletKeyset{
			Id:          keyset.Id,
			MintURL:     mintURL,
			Unit:        keyset.Unit,
			Active:      keyset.Active,
			PublicKeys:  keysetKeys,
			InputFeePpk: keyset.InputFeePpk,
		}
		if err := db.SaveKeyset(&walletKeyset); err != nil {
			return 0, err
		}

		amount, counter, err := restoreKeyset(db, masterKey, mintURL, keyset.Id, keysetKeys)
		if err != nil {
			return 0, err
		}
		restored += amount

		if counter > 0 {
			if err := db.IncrementKeysetCounter(keyset.Id, counter); err != nil {
				return 0, fmt.Errorf("error incrementing keyset counter: %v", err)
			}
		}
	}

	return restored, nil
}

func restoreKeyset(
	db storage.WalletDB,
	masterKey *hdkeychain.ExtendedKey,
	mintURL, keysetId string,
	keysetKeys map[uint64]*secp256k1.PublicKey,
) (uint64, uint32, error) {

	keysetPath, err := nut13.DeriveKeysetPath(masterKey, keysetId)
	if err != nil {
		return 0, 0, err
	}

	var restored uint64
	var counter, lastUsedCounter uint32

	// stop after 3 consecutive batches with no signatures
	emptyBatches := 0
	for emptyBatches < 3 {
		blindedMessages := make(cashu.BlindedMessages, restoreBatchSize)
		rs := make([]*secp256k1.PrivateKey, restoreBatchSize)
		secrets := make([]string, restoreBatchSize)

		for i := 0; i < restoreBatchSize; i++ {
			secret, err := nut13.DeriveSecret(keysetPath, counter)
			if err != nil {
				return 0, 0, err
			}
			r, err := nut13.DeriveBlindingFactor(keysetPath, counter)
			if err != nil {
				return 0, 0, err
			}
			B_, r, err := crypto.BlindMessage(secret, r)
			if err != nil {
				return 0, 0, err
			}

			blindedMessages[i] = cashu.BlindedMessage{
				B_: hex.EncodeToString(B_.SerializeCompressed()), Id: keysetId,
			}
			rs[i] = r
			secrets[i] = secret
			counter++
		}

		restoreResponse, err := PostRestore(mintURL, nut09.PostRestoreRequest{Outputs: blindedMessages})
		if err != nil {
			return 0, 0, fmt.Errorf("error restoring signatures from mint: %v", err)
		}
		if len(restoreResponse.Signatures) == 0 {
			emptyBatches++
			continue
		}
		emptyBatches = 0

		// restored outputs can be a subset, match signatures back to
		// their blinded messages to pick the right secrets
		indexByB := make(map[string]int, len(blindedMessages))
		for i, msg := range blindedMessages {
			indexByB[msg.B_] = i
		}

		Ys := make([]string, len(restoreResponse.Signatures))
		proofs := make(map[string]storage.DBProof, len(restoreResponse.Signatures))

		for i, signature := range restoreResponse.Signatures {
			idx, ok := indexByB[restoreResponse.Outputs[i].B_]
			if !ok {
				return 0, 0, errors.New("mint returned unknown output")
			}
			pubkey, ok := keysetKeys[signature.Amount]
			if !ok {
				return 0, 0, errors.New("mint key for amount not found")
			}

			C_bytes, err := hex.DecodeString(signature.C_)
			if err != nil {
				return 0, 0, err
			}
			C_, err := secp256k1.ParsePubKey(C_bytes)
			if err != nil {
				return 0, 0, err
			}
			C := crypto.UnblindSignature(C_, rs[idx], pubkey)

			Y, err := crypto.HashToCurve([]byte(secrets[idx]))
			if err != nil {
				return 0, 0, err
			}
			Yhex := hex.EncodeToString(Y.SerializeCompressed())
			Ys[i] = Yhex

			proofs[Yhex] = storage.DBProof{
				Y:      Yhex,
				Amount: signature.Amount,
				Id:     signature.Id,
				Secret: secrets[idx],
				C:      hex.EncodeToString(C.SerializeCompressed()),
				State:  nut07.Unspent,
			}
			batchStart := counter - restoreBatchSize
			if used := batchStart + uint32(idx) + 1; used > lastUsedCounter {
				lastUsedCounter = used
			}
		}

		stateResponse, err := PostCheckProofState(mintURL, nut07.PostCheckStateRequest{Ys: Ys})
		if err != nil {
			return 0, 0, err
		}

		unspent := []storage.DBProof{}
		for _, proofState := range stateResponse.States {
			if proofState.State == nut07.Unspent {
				proof := proofs[proofState.Y]
				unspent = append(unspent, proof)
				restored += proof.Amount
			}
		}
		if err := db.SaveProofs(unspent); err != nil {
			return 0, 0, fmt.Errorf("error saving restored proofs: %v", err)
		}
	}

	return restored, lastUsedCounter, nil
}
