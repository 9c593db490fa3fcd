package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// MaxOrder is the number of power-of-2 denominations in a keyset.
// Amounts go from 2^0 up to 2^(MaxOrder-1).
const MaxOrder = 64

type KeyPair struct {
	PrivateKey *secp256k1.PrivateKey
	PublicKey  *secp256k1.PublicKey
}

// MintKeyset holds the private keys the mint signs with, one pair per
// power-of-2 amount.
type MintKeyset struct {
	Id                string
	Unit              string
	Active            bool
	DerivationPathIdx uint32
	Keys              map[uint64]KeyPair
	InputFeePpk       uint
}

// DeriveKeyset derives a keyset from the master seed at the hardened
// path m/0'/0'/keysetIndex'. Each amount 2^i gets the child key at
// index i under that path.
func DeriveKeyset(seed []byte, keysetIndex uint32, inputFeePpk uint) (*MintKeyset, error) {
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, err
	}

	purpose, err := master.Derive(hdkeychain.HardenedKeyStart + 0)
	if err != nil {
		return nil, err
	}
	unitKey, err := purpose.Derive(hdkeychain.HardenedKeyStart + 0)
	if err != nil {
		return nil, err
	}
	keysetKey, err := unitKey.Derive(hdkeychain.HardenedKeyStart + keysetIndex)
	if err != nil {
		return nil, err
	}

	keys := make(map[uint64]KeyPair, MaxOrder)
	for i := uint32(0); i < MaxOrder; i++ {
		child, err := keysetKey.Derive(i)
		if err != nil {
			return nil, err
		}
		privKey, err := child.ECPrivKey()
		if err != nil {
			return nil, err
		}
		amount := uint64(1) << i
		keys[amount] = KeyPair{PrivateKey: privKey, PublicKey: privKey.PubKey()}
	}

	keyset := &MintKeyset{
		Id:                DeriveKeysetId(keys),
		Unit:              "sat",
		Active:            true,
		DerivationPathIdx: keysetIndex,
		Keys:              keys,
		InputFeePpk:       inputFeePpk,
	}
	return keyset, nil
}

// DeriveKeysetId computes the keyset id from the public keys: sort by
// amount, concatenate the compressed keys, sha256, and take "00" plus
// the first 14 hex chars.
func DeriveKeysetId(keys map[uint64]KeyPair) string {
	amounts := make([]uint64, 0, len(keys))
	for amount := range keys {
		amounts = append(amounts, amount)
	}
	sort.Slice(amounts, func(i, j int) bool { return amounts[i] < amounts[j] })

	pubkeys := make([]byte, 0, len(keys)*33)
	for _, amount := range amounts {
		pubkeys = append(pubkeys, keys[amount].PublicKey.SerializeCompressed()...)
	}
	hash := sha256.Sum256(pubkeys)

	return "00" + hex.EncodeToString(hash[:])[:14]
}

// PublicKeys returns the hex encoded public key for each amount.
func (ks *MintKeyset) PublicKeys() map[uint64]string {
	publicKeys := make(map[uint64]string, len(ks.Keys))
	for amount, key := range ks.Keys {
		publicKeys[amount] = hex.EncodeToString(key.PublicKey.SerializeCompressed())
	}
	return publicKeys
}

// IdentityKey returns the hex encoded public key for amount 1. It is
// used as the mint's identity in the info document.
func (ks *MintKeyset) IdentityKey() string {
	key, ok := ks.Keys[1]
	if !ok {
		return ""
	}
	return hex.EncodeToString(key.PublicKey.SerializeCompressed())
}

// WalletKeyset is a mint keyset as seen from the wallet side, public
// keys only.
type WalletKeyset struct {
	Id          string
	MintURL     string
	Unit        string
	Active      bool
	PublicKeys  map[uint64]*secp256k1.PublicKey
	Counter     uint32
	InputFeePpk uint
}

func (wk *WalletKeyset) MarshalJSON() ([]byte, error) {
	temp := walletKeysetTemp{
		Id:          wk.Id,
		MintURL:     wk.MintURL,
		Unit:        wk.Unit,
		Active:      wk.Active,
		PublicKeys:  make(map[uint64]string, len(wk.PublicKeys)),
		Counter:     wk.Counter,
		InputFeePpk: wk.InputFeePpk,
	}
	for amount, key := range wk.PublicKeys {
		temp.PublicKeys[amount] = hex.EncodeToString(key.SerializeCompressed())
	}
	return json.Marshal(temp)
}

func (wk *WalletKeyset) UnmarshalJSON(data []byte) error {
	var temp walletKeysetTemp
	if err := json.Unmarshal(data, &temp); err != nil {
		return err
	}
	wk.Id = temp.Id
	wk.MintURL = temp.MintURL
	wk.Unit = temp.Unit
	wk.Active = temp.Active
	wk.Counter = temp.Counter
	wk.InputFeePpk = temp.InputFeePpk
	wk.PublicKeys = make(map[uint64]*secp256k1.PublicKey, len(temp.PublicKeys))
	for amount, keyHex := range temp.PublicKeys {
		keyBytes, err := hex.DecodeString(keyHex)
		if err != nil {
			return err
		}
		key, err := secp256k1.ParsePubKey(keyBytes)
		if err != nil {
			return err
		}
		wk.PublicKeys[amount] = key
	}
	return nil
}

type walletKeysetTemp struct {
	Id          string
	MintURL     string
	Unit        string
	Active      bool
	PublicKeys  map[uint64]string
	Counter     uint32
	InputFeePpk uint
}

// KeysetsMap groups wallet keysets by mint url and then by keyset id.
type KeysetsMap map[string]map[string]WalletKeyset

// MapPublicKeys parses a hex keyed map into curve points.
func MapPublicKeys(keys map[uint64]string) (map[uint64]*secp256k1.PublicKey, error) {
	publicKeys := make(map[uint64]*secp256k1.PublicKey, len(keys))
	for amount, keyHex := range keys {
		keyBytes, err := hex.DecodeString(keyHex)
		if err != nil {
			return nil, err
		}
		key, err := secp256k1.ParsePubKey(keyBytes)
		if err != nil {
			return nil, err
		}
		publicKeys[amount] = key
	}
	return publicKeys, nil
}
