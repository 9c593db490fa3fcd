package storage

import (
	"context"
	"errors"

	"github.com/cashmill/cashmill/cashu"
	"github.com/cashmill/cashmill/cashu/nuts/nut04"
	"github.com/cashmill/cashmill/cashu/nuts/nut05"
	"github.com/cashmill/cashmill/cashu/nuts/nut07"
)

var (
	// ErrProofExists is returned by AddProofs when a proof with the
	// same Y or secret is already stored.
	ErrProofExists = errors.New("proof already exists")
	// ErrSignatureExists is returned by AddBlindSignatures when a
	// blinded message was already signed.
	ErrSignatureExists = errors.New("blinded message already signed")
)

// MintDB is the persistence layer of the mint. Reads can go through
// the plain methods. Any write that has to be atomic with other writes
// goes through a MintTx.
type MintDB interface {
	GetBalance() (uint64, error)

	SaveSeed([]byte) error
	GetSeed() ([]byte, error)

	SaveKeyset(DBKeyset) error
	GetKeysets() ([]DBKeyset, error)
	UpdateKeysetActive(keysetId string, active bool) error

	BeginTx(ctx context.Context) (MintTx, error)

	GetProofs(Ys []string) ([]DBProof, error)
	GetProofsByOperation(operationId string) ([]DBProof, error)
	GetProofsByState(state nut07.State) ([]DBProof, error)

	SaveMintQuote(MintQuote) error
	GetMintQuote(quoteId string) (MintQuote, error)
	GetMintQuoteByPaymentHash(paymentHash string) (MintQuote, error)

	SaveMeltQuote(MeltQuote) error
	GetMeltQuote(quoteId string) (MeltQuote, error)
	GetMeltQuotesByState(state nut05.State) ([]MeltQuote, error)

	GetBlindSignature(B_ string) (cashu.BlindedSignature, error)
	GetBlindSignatures(B_s []string) (cashu.BlindedSignatures, error)

	GetSagas() ([]SagaRecord, error)

	Close() error
}

// MintTx is a set of writes that commit or roll back together.
// Implementations serialize writers, so reads inside a tx see a
// consistent snapshot that cannot change under the caller.
type MintTx interface {
	GetProofs(Ys []string) ([]DBProof, error)
	AddProofs([]DBProof) error
	SetProofsState(Ys []string, state nut07.State) error
	RemoveProofs(Ys []string) error

	GetMintQuote(quoteId string) (MintQuote, error)
	UpdateMintQuoteState(quoteId string, state nut04.State) error
	GetMeltQuote(quoteId string) (MeltQuote, error)
	UpdateMeltQuote(quoteId string, preimage string, state nut05.State, operationId string) error

	AddBlindSignatures(B_s []string, signatures cashu.BlindedSignatures) error
	// ReserveBlindSignatures inserts unsigned rows for the blinded
	// messages so no other operation can sign them while the reserving
	// one is in flight.
	ReserveBlindSignatures(messages cashu.BlindedMessages) error
	// SetBlindSignatures fills previously reserved rows with the
	// signatures. Fails with ErrSignatureExists when a row was already
	// signed.
	SetBlindSignatures(B_s []string, signatures cashu.BlindedSignatures) error
	// RemoveBlindSignatures deletes reserved rows that were never
	// signed. Signed rows are left alone.
	RemoveBlindSignatures(B_s []string) error

	SaveSaga(SagaRecord) error
	UpdateSagaState(operationId string, state string) error
	DeleteSaga(operationId string) error

	Commit() error
	Rollback() error
}

type DBKeyset struct {
	Id                string
	Unit              string
	Active            bool
	Seed              string
	DerivationPathIdx uint32
	InputFeePpk       uint
}

// DBProof is a proof row. Y is the curve point of the secret and the
// primary key. State tracks the proof through the spend lifecycle, and
// OperationId names the swap or melt currently holding the proof when
// the state is not terminal.
type DBProof struct {
	Amount        uint64
	Id            string
	Secret        string
	Y             string
	C             string
	Witness       string
	State         nut07.State
	MeltQuoteId   string
	OperationId   string
	OperationKind string
}

type MintQuote struct {
	Id             string
	Amount         uint64
	PaymentRequest string
	PaymentHash    string
	State          nut04.State
	Expiry         uint64
}

// MeltQuote is an outgoing payment quote. OperationId is set while a
// melt operation holds the quote in the Pending state, so that a
// restarted mint can tie the quote back to its saga.
type MeltQuote struct {
	Id             string
	InvoiceRequest string
	PaymentHash    string
	Amount         uint64
	FeeReserve     uint64
	State          nut05.State
	Expiry         uint64
	Preimage       string
	OperationId    string
}

// SagaRecord is the durable record of a melt in flight. It is written
// in the same transaction that marks the inputs pending and deleted in
// the one that marks them spent. A record found at startup means the
// mint went down mid-melt and the saga has to be resolved.
type SagaRecord struct {
	OperationId   string
	QuoteId       string
	State         string
	InputYs       []string
	ChangeOutputs cashu.BlindedMessages
	CreatedAt     uint64
}
