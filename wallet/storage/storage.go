package storage

import (
	"github.com/cashmill/cashmill/cashu"
	"github.com/cashmill/cashmill/cashu/nuts/nut04"
	"github.com/cashmill/cashmill/cashu/nuts/nut05"
	"github.com/cashmill/cashmill/cashu/nuts/nut07"
	"github.com/cashmill/cashmill/crypto"
)

// WalletDB persists the holder's proofs, keysets and quotes.
type WalletDB interface {
	SaveMnemonicSeed(mnemonic string, seed []byte) error
	GetSeed() []byte
	GetMnemonic() string

	SaveProofs(proofs []DBProof) error
	GetProofs() []DBProof
	GetProofsByState(state nut07.State) []DBProof
	SetProofsState(Ys []string, state nut07.State) error
	DeleteProofs(Ys []string) error

	SaveKeyset(keyset *crypto.WalletKeyset) error
	GetKeysets() crypto.KeysetsMap
	GetKeyset(id string) *crypto.WalletKeyset
	IncrementKeysetCounter(id string, num uint32) error
	GetKeysetCounter(id string) uint32

	SaveMintQuote(quote MintQuote) error
	GetMintQuotes() []MintQuote
	SaveMeltQuote(quote MeltQuote) error
	GetMeltQuotes() []MeltQuote

	Close() error
}

// DBProof is a proof at rest plus the wallet's view of its state.
// Reserved marks proofs set aside for a send that has not left the
// wallet yet, PendingSpent marks proofs handed out or committed to a
// melt whose outcome is not yet known.
type DBProof struct {
	Y           string           `json:"y"`
	Amount      uint64           `json:"amount"`
	Id          string           `json:"id"`
	Secret      string           `json:"secret"`
	C           string           `json:"C"`
	DLEQ        *cashu.DLEQProof `json:"dleq,omitempty"`
	State       nut07.State      `json:"state"`
	MeltQuoteId string           `json:"melt_quote_id,omitempty"`
}

type MintQuote struct {
	QuoteId        string
	Mint           string
	Amount         uint64
	PaymentRequest string
	State          nut04.State
	Expiry         uint64
}

type MeltQuote struct {
	QuoteId        string
	Mint           string
	Amount         uint64
	FeeReserve     uint64
	PaymentRequest string
	State          nut05.State
	Expiry         uint64
	Preimage       string
}
