package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cashmill/cashmill/cashu/nuts/nut07"
	"github.com/cashmill/cashmill/crypto"
	bolt "go.etcd.io/bbolt"
)

const (
	walletBucket     = "wallet"
	proofsBucket     = "proofs"
	keysetsBucket    = "keysets"
	mintQuotesBucket = "mint_quotes"
	meltQuotesBucket = "melt_quotes"

	mnemonicKey = "mnemonic"
	seedKey     = "seed"
)

type BoltDB struct {
	bolt *bolt.DB
}

func InitBolt(path string) (*BoltDB, error) {
	db, err := bolt.Open(filepath.Join(path, "wallet.db"), 0600,
		&bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("error setting up bolt db: %v", err)
	}

	boltdb := &BoltDB{bolt: db}
	if err := boltdb.initWalletBuckets(); err != nil {
		return nil, fmt.Errorf("error setting up bolt db: %v", err)
	}
	return boltdb, nil
}

func (db *BoltDB) initWalletBuckets() error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		buckets := []string{
			walletBucket, proofsBucket, keysetsBucket,
			mintQuotesBucket, meltQuotesBucket,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *BoltDB) Close() error {
	return db.bolt.Close()
}

func (db *BoltDB) SaveMnemonicSeed(mnemonic string, seed []byte) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		wallet := tx.Bucket([]byte(walletBucket))
		if err := wallet.Put([]byte(seedKey), seed); err != nil {
			return err
		}
		return wallet.Put([]byte(mnemonicKey), []byte(mnemonic))
	})
}

func (db *BoltDB) GetMnemonic() string {
	var mnemonic string
	db.bolt.View(func(tx *bolt.Tx) error {
		mnemonic = string(tx.Bucket([]byte(walletBucket)).Get([]byte(mnemonicKey)))
		return nil
	})
	return mnemonic
}

func (db *BoltDB) GetSeed() []byte {
	var seed []byte
	db.bolt.View(func(tx *bolt.Tx) error {
		stored := tx.Bucket([]byte(walletBucket)).Get([]byte(seedKey))
		seed = make([]byte, len(stored))
		copy(seed, stored)
		return nil
	})
	return seed
}

func (db *BoltDB) SaveProofs(proofs []DBProof) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		proofsb := tx.Bucket([]byte(proofsBucket))
		for _, proof := range proofs {
			jsonProof, err := json.Marshal(proof)
			if err != nil {
				return fmt.Errorf("invalid proof: %v", err)
			}
			if err := proofsb.Put([]byte(proof.Y), jsonProof); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *BoltDB) GetProofs() []DBProof {
	proofs := []DBProof{}
	db.bolt.View(func(tx *bolt.Tx) error {
		proofsb := tx.Bucket([]byte(proofsBucket))
		return proofsb.ForEach(func(k, v []byte) error {
			var proof DBProof
			if err := json.Unmarshal(v, &proof); err != nil {
				return nil
			}
			proofs = append(proofs, proof)
			return nil
		})
	})
	return proofs
}

func (db *BoltDB) GetProofsByState(state nut07.State) []DBProof {
	proofs := []DBProof{}
	for _, proof := range db.GetProofs() {
		if proof.State == state {
			proofs = append(proofs, proof)
		}
	}
	return proofs
}

func (db *BoltDB) SetProofsState(Ys []string, state nut07.State) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		proofsb := tx.Bucket([]byte(proofsBucket))
		for _, y := range Ys {
			stored := proofsb.Get([]byte(y))
			if stored == nil {
				return errors.New("proof not found")
			}
			var proof DBProof
			if err := json.Unmarshal(stored, &proof); err != nil {
				return err
			}
			proof.State = state
			if state != nut07.PendingSpent {
				proof.MeltQuoteId = ""
			}
			jsonProof, err := json.Marshal(proof)
			if err != nil {
				return err
			}
			if err := proofsb.Put([]byte(y), jsonProof); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *BoltDB) DeleteProofs(Ys []string) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		proofsb := tx.Bucket([]byte(proofsBucket))
		for _, y := range Ys {
			if err := proofsb.Delete([]byte(y)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *BoltDB) SaveKeyset(keyset *crypto.WalletKeyset) error {
	jsonKeyset, err := json.Marshal(keyset)
	if err != nil {
		return fmt.Errorf("invalid keyset: %v", err)
	}

	return db.bolt.Update(func(tx *bolt.Tx) error {
		keysetsb := tx.Bucket([]byte(keysetsBucket))
		mintBucket, err := keysetsb.CreateBucketIfNotExists([]byte(keyset.MintURL))
		if err != nil {
			return err
		}
		return mintBucket.Put([]byte(keyset.Id), jsonKeyset)
	})
}

func (db *BoltDB) GetKeysets() crypto.KeysetsMap {
	keysets := make(crypto.KeysetsMap)

	db.bolt.View(func(tx *bolt.Tx) error {
		keysetsb := tx.Bucket([]byte(keysetsBucket))
		c := keysetsb.Cursor()
		for mintURL, v := c.First(); mintURL != nil; mintURL, v = c.Next() {
			// nested buckets have a nil value
			if v != nil {
				continue
			}
			mintKeysets := make(map[string]crypto.WalletKeyset)
			keysetsb.Bucket(mintURL).ForEach(func(id, data []byte) error {
				var keyset crypto.WalletKeyset
				if err := json.Unmarshal(data, &keyset); err != nil {
					return nil
				}
				mintKeysets[string(id)] = keyset
				return nil
			})
			keysets[string(mintURL)] = mintKeysets
		}
		return nil
	})

	return keysets
}

func (db *BoltDB) GetKeyset(id string) *crypto.WalletKeyset {
	var keyset *crypto.WalletKeyset

	db.bolt.View(func(tx *bolt.Tx) error {
		keysetsb := tx.Bucket([]byte(keysetsBucket))
		c := keysetsb.Cursor()
		for mintURL, v := c.First(); mintURL != nil; mintURL, v = c.Next() {
			if v != nil {
				continue
			}
			if data := keysetsb.Bucket(mintURL).Get([]byte(id)); data != nil {
				var stored crypto.WalletKeyset
				if err := json.Unmarshal(data, &stored); err != nil {
					return err
				}
				keyset = &stored
				return nil
			}
		}
		return nil
	})

	return keyset
}

// IncrementKeysetCounter bumps the derivation counter stored with the
// keyset by num.
func (db *BoltDB) IncrementKeysetCounter(id string, num uint32) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		keysetsb := tx.Bucket([]byte(keysetsBucket))
		c := keysetsb.Cursor()
		for mintURL, v := c.First(); mintURL != nil; mintURL, v = c.Next() {
			if v != nil {
				continue
			}
			mintBucket := keysetsb.Bucket(mintURL)
			data := mintBucket.Get([]byte(id))
			if data == nil {
				continue
			}
			var keyset crypto.WalletKeyset
			if err := json.Unmarshal(data, &keyset); err != nil {
				return err
			}
			keyset.Counter += num
			jsonKeyset, err := json.Marshal(&keyset)
			if err != nil {
				return err
			}
			return mintBucket.Put([]byte(id), jsonKeyset)
		}
		return errors.New("keyset not found")
	})
}

func (db *BoltDB) GetKeysetCounter(id string) uint32 {
	keyset := db.GetKeyset(id)
	if keyset == nil {
		return 0
	}
	return keyset.Counter
}

func (db *BoltDB) SaveMintQuote(quote MintQuote) error {
	jsonQuote, err := json.Marshal(quote)
	if err != nil {
		return fmt.Errorf("invalid mint quote: %v", err)
	}
	return db.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(mintQuotesBucket)).Put([]byte(quote.QuoteId), jsonQuote)
	})
}

func (db *BoltDB) GetMintQuotes() []MintQuote {
	quotes := []MintQuote{}
	db.bolt.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(mintQuotesBucket)).ForEach(func(k, v []byte) error {
			var quote MintQuote
			if err := json.Unmarshal(v, &quote); err != nil {
				return nil
			}
			quotes = append(quotes, quote)
			return nil
		})
	})
	return quotes
}

func (db *BoltDB) SaveMeltQuote(quote MeltQuote) error {
	jsonQuote, err := json.Marshal(quote)
	if err != nil {
		return fmt.Errorf("invalid melt quote: %v", err)
	}
	return db.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(meltQuotesBucket)).Put([]byte(quote.QuoteId), jsonQuote)
	})
}

func (db *BoltDB) GetMeltQuotes() []MeltQuote {
	quotes := []MeltQuote{}
	db.bolt.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(meltQuotesBucket)).ForEach(func(k, v []byte) error {
			var quote MeltQuote
			if err := json.Unmarshal(v, &quote); err != nil {
				return nil
			}
			quotes = append(quotes, quote)
			return nil
		})
	})
	return quotes
}
