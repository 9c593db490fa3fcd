package mint

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cashmill/cashmill/cashu"
	"github.com/cashmill/cashmill/cashu/nuts/nut04"
	"github.com/cashmill/cashmill/cashu/nuts/nut07"
	"github.com/cashmill/cashmill/crypto"
	"github.com/cashmill/cashmill/mint/lightning"
	"github.com/cashmill/cashmill/mint/pubsub"
	"github.com/cashmill/cashmill/mint/storage"
	"github.com/cashmill/cashmill/mint/storage/sqlite"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const (
	QuoteExpiryMins = 10
	BoltMethod      = "bolt11"
	SatUnit         = "sat"

	// MaxBatchSize bounds inputs and outputs per request.
	MaxBatchSize = 1000
)

type Mint struct {
	db              storage.MintDB
	lightningClient lightning.Client
	logger          *slog.Logger

	activeKeyset *crypto.MintKeyset
	// all keysets, active and inactive
	keysets map[string]crypto.MintKeyset

	publisher *pubsub.PubSub
	metrics   *Metrics

	limits   MintLimits
	mintInfo MintInfo

	meltTimeout *time.Duration
}

func LoadMint(config Config) (*Mint, error) {
	path := config.MintPath
	if path == "" {
		path = mintPath()
	}
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, err
	}

	db, err := sqlite.InitSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("error setting up sqlite: %v", err)
	}

	seed, err := db.GetSeed()
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			seed = make([]byte, 32)
			if _, err := rand.Read(seed); err != nil {
				return nil, err
			}
			if err := db.SaveSeed(seed); err != nil {
				return nil, err
			}
		} else {
			return nil, err
		}
	}

	activeKeyset, err := crypto.DeriveKeyset(seed, config.DerivationPathIdx, config.InputFeePpk)
	if err != nil {
		return nil, fmt.Errorf("error deriving keyset: %v", err)
	}

	logger, err := setupLogger(path, config.LogLevel)
	if err != nil {
		return nil, err
	}

	if config.LightningClient == nil {
		return nil, errors.New("invalid lightning client")
	}
	if err := config.LightningClient.ConnectionStatus(); err != nil {
		return nil, fmt.Errorf("error connecting to lightning backend: %v", err)
	}

	mint := &Mint{
		db:              db,
		lightningClient: config.LightningClient,
		logger:          logger,
		activeKeyset:    activeKeyset,
		keysets:         map[string]crypto.MintKeyset{activeKeyset.Id: *activeKeyset},
		publisher:       pubsub.NewPubSub(),
		metrics:         NewMetrics(),
		limits:          config.Limits,
		mintInfo:        config.MintInfo,
		meltTimeout:     config.MeltTimeout,
	}

	dbKeysets, err := db.GetKeysets()
	if err != nil {
		return nil, fmt.Errorf("error reading keysets from db: %v", err)
	}

	activeStored := false
	for _, dbKeyset := range dbKeysets {
		if dbKeyset.Id == activeKeyset.Id {
			activeStored = true
			if !dbKeyset.Active {
				if err := db.UpdateKeysetActive(dbKeyset.Id, true); err != nil {
					return nil, err
				}
			}
			continue
		}

		keyset, err := crypto.DeriveKeyset(seed, dbKeyset.DerivationPathIdx, dbKeyset.InputFeePpk)
		if err != nil {
			return nil, err
		}
		if dbKeyset.Active {
			if err := db.UpdateKeysetActive(dbKeyset.Id, false); err != nil {
				return nil, err
			}
		}
		keyset.Active = false
		mint.keysets[keyset.Id] = *keyset
	}

	if !activeStored {
		dbKeyset := storage.DBKeyset{
			Id:                activeKeyset.Id,
			Unit:              activeKeyset.Unit,
			Active:            true,
			Seed:              hex.EncodeToString(seed),
			DerivationPathIdx: activeKeyset.DerivationPathIdx,
			InputFeePpk:       activeKeyset.InputFeePpk,
		}
		if err := db.SaveKeyset(dbKeyset); err != nil {
			return nil, err
		}
	}

	if err := mint.recoverPendingOperations(context.Background()); err != nil {
		return nil, fmt.Errorf("error recovering pending operations: %v", err)
	}

	return mint, nil
}

// mintPath returns the mint's default path at $HOME/.cashmill/mint
func mintPath() string {
	homedir, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	return filepath.Join(homedir, ".cashmill", "mint")
}

func setupLogger(path string, level LogLevel) (*slog.Logger, error) {
	if level == Disable {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.Level(12),
		})), nil
	}

	logFile, err := os.OpenFile(filepath.Join(path, "mint.log"), os.O_APPEND|os.O_CREATE|os.O_RDWR, 0660)
	if err != nil {
		return nil, fmt.Errorf("error opening log file: %v", err)
	}

	logLevel := slog.LevelInfo
	if level == Debug {
		logLevel = slog.LevelDebug
	}

	replacer := func(groups []string, a slog.Attr) slog.Attr {
		if a.Key == slog.SourceKey {
			source := a.Value.Any().(*slog.Source)
			source.File = filepath.Base(source.File)
		}
		return a
	}

	return slog.New(slog.NewJSONHandler(logFile, &slog.HandlerOptions{
		AddSource:   true,
		Level:       logLevel,
		ReplaceAttr: replacer,
	})), nil
}

func (m *Mint) KeysetList() []string {
	keysetIds := make([]string, 0, len(m.keysets))
	for id := range m.keysets {
		keysetIds = append(keysetIds, id)
	}
	return keysetIds
}

// RequestMintQuote processes a request to mint new ecash. It asks the
// payment backend for an invoice and stores an unpaid quote for it.
func (m *Mint) RequestMintQuote(amount uint64) (storage.MintQuote, error) {
	if amount == 0 {
		return storage.MintQuote{}, cashu.BuildCashuError("amount cannot be 0", cashu.StandardErrCode)
	}
	if m.limits.MintingSettings.MaxAmount > 0 && amount > m.limits.MintingSettings.MaxAmount {
		return storage.MintQuote{}, cashu.MintAmountExceededErr
	}
	if m.limits.MaxBalance > 0 {
		balance, err := m.db.GetBalance()
		if err != nil {
			return storage.MintQuote{}, err
		}
		if balance+amount > m.limits.MaxBalance {
			return storage.MintQuote{}, cashu.MintingDisabled
		}
	}

	invoice, err := m.lightningClient.CreateInvoice(amount)
	if err != nil {
		return storage.MintQuote{}, cashu.BuildCashuError(
			fmt.Sprintf("error creating invoice: %v", err), cashu.LightningBackendErrCode)
	}

	quoteId, err := cashu.GenerateRandomQuoteId()
	if err != nil {
		return storage.MintQuote{}, err
	}
	mintQuote := storage.MintQuote{
		Id:             quoteId,
		Amount:         amount,
		PaymentRequest: invoice.PaymentRequest,
		PaymentHash:    invoice.PaymentHash,
		State:          nut04.Unpaid,
		Expiry:         invoice.Expiry,
	}

	if err := m.db.SaveMintQuote(mintQuote); err != nil {
		return storage.MintQuote{}, err
	}
	m.logger.Info("created mint quote", slog.String("quote", quoteId), slog.Uint64("amount", amount))

	return mintQuote, nil
}

// GetMintQuoteState looks up the quote, refreshing its state from the
// payment backend while it is unpaid.
func (m *Mint) GetMintQuoteState(quoteId string) (storage.MintQuote, error) {
	mintQuote, err := m.db.GetMintQuote(quoteId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.MintQuote{}, cashu.QuoteNotExistErr
		}
		return storage.MintQuote{}, err
	}

	if mintQuote.State == nut04.Unpaid {
		invoice, err := m.lightningClient.InvoiceStatus(mintQuote.PaymentHash)
		if err != nil {
			return storage.MintQuote{}, cashu.BuildCashuError(
				fmt.Sprintf("error checking invoice status: %v", err), cashu.LightningBackendErrCode)
		}
		if invoice.Settled {
			if err := m.setMintQuotePaid(mintQuote.Id); err != nil {
				return storage.MintQuote{}, err
			}
			mintQuote.State = nut04.Paid
		}
	}

	return mintQuote, nil
}

func (m *Mint) setMintQuotePaid(quoteId string) error {
	ctx := context.Background()
	tx, err := m.db.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	quote, err := tx.GetMintQuote(quoteId)
	if err != nil {
		return err
	}
	if quote.State != nut04.Unpaid {
		return nil
	}
	if err := tx.UpdateMintQuoteState(quoteId, nut04.Paid); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	m.publisher.PublishEvent(pubsub.TopicMintQuoteState, pubsub.Event{
		Ids: []string{quoteId}, State: nut04.Paid.String(),
	})
	return nil
}

// MintTokens issues signatures for the blinded messages if the quote
// has been paid and was not already issued. Issuance flips the quote
// to Issued in the same transaction that records the signatures, so a
// quote can never be redeemed twice.
func (m *Mint) MintTokens(mintTokensRequest nut04.PostMintBolt11Request) (cashu.BlindedSignatures, error) {
	blindedMessages := mintTokensRequest.Outputs

	if err := m.verifyOutputs(blindedMessages); err != nil {
		return nil, err
	}

	mintQuote, err := m.db.GetMintQuote(mintTokensRequest.Quote)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, cashu.QuoteNotExistErr
		}
		return nil, err
	}

	if blindedMessages.Amount() > mintQuote.Amount {
		return nil, cashu.OutputsOverQuoteAmountErr
	}

	switch mintQuote.State {
	case nut04.Issued:
		return nil, cashu.MintQuoteAlreadyIssued
	case nut04.Unpaid:
		invoice, err := m.lightningClient.InvoiceStatus(mintQuote.PaymentHash)
		if err != nil {
			return nil, cashu.BuildCashuError(
				fmt.Sprintf("error checking invoice status: %v", err), cashu.LightningBackendErrCode)
		}
		if !invoice.Settled {
			return nil, cashu.MintQuoteRequestNotPaid
		}
		if err := m.setMintQuotePaid(mintQuote.Id); err != nil {
			return nil, err
		}
	}

	op := cashu.NewOperation(cashu.OperationMint)
	blindedSignatures, err := m.signBlindedMessages(blindedMessages)
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	tx, err := m.db.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	quote, err := tx.GetMintQuote(mintQuote.Id)
	if err != nil {
		return nil, err
	}
	if quote.State == nut04.Issued {
		return nil, cashu.MintQuoteAlreadyIssued
	}
	if quote.State != nut04.Paid {
		return nil, cashu.MintQuoteRequestNotPaid
	}

	if err := tx.AddBlindSignatures(blindedMessages.BlindedSecrets(), blindedSignatures); err != nil {
		if errors.Is(err, storage.ErrSignatureExists) {
			return nil, cashu.BlindedMessageAlreadySigned
		}
		return nil, err
	}
	if err := tx.UpdateMintQuoteState(mintQuote.Id, nut04.Issued); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	m.metrics.MintsCompleted.Inc()
	m.publisher.PublishEvent(pubsub.TopicMintQuoteState, pubsub.Event{
		Ids: []string{mintQuote.Id}, State: nut04.Issued.String(), OperationId: op.Id,
	})
	m.logger.Info("issued ecash",
		slog.String("quote", mintQuote.Id),
		slog.String("operation", op.Id),
		slog.Uint64("amount", blindedMessages.Amount()))

	return blindedSignatures, nil
}

// ProofStates reports the state of each Y. Ys the mint has never seen
// are unspent by definition.
func (m *Mint) ProofStates(Ys []string) ([]nut07.ProofState, error) {
	if len(Ys) == 0 {
		return nil, cashu.NoProofsProvided
	}
	if len(Ys) > MaxBatchSize {
		return nil, cashu.BuildCashuError("too many proofs requested", cashu.BatchSizeExceededErrCode)
	}

	dbProofs, err := m.db.GetProofs(Ys)
	if err != nil {
		return nil, err
	}

	states := make(map[string]nut07.State, len(dbProofs))
	for _, dbProof := range dbProofs {
		states[dbProof.Y] = dbProof.State
	}

	proofStates := make([]nut07.ProofState, len(Ys))
	for i, y := range Ys {
		state, ok := states[y]
		if !ok {
			state = nut07.Unspent
		}
		proofStates[i] = nut07.ProofState{Y: y, State: state}
	}
	return proofStates, nil
}

// RestoreSignatures returns the previously issued signatures for the
// blinded messages the mint has signed before, preserving order.
func (m *Mint) RestoreSignatures(blindedMessages cashu.BlindedMessages) (cashu.BlindedMessages, cashu.BlindedSignatures, error) {
	outputs := make(cashu.BlindedMessages, 0, len(blindedMessages))
	signatures := make(cashu.BlindedSignatures, 0, len(blindedMessages))

	for _, message := range blindedMessages {
		signature, err := m.db.GetBlindSignature(message.B_)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			return nil, nil, err
		}
		if signature.C_ == "" {
			// reserved by an in-flight operation, not signed yet
			continue
		}
		outputs = append(outputs, message)
		signatures = append(signatures, signature)
	}

	return outputs, signatures, nil
}

// signBlindedMessages signs each message with the key for its amount
// and attaches a DLEQ proof.
func (m *Mint) signBlindedMessages(blindedMessages cashu.BlindedMessages) (cashu.BlindedSignatures, error) {
	blindedSignatures := make(cashu.BlindedSignatures, len(blindedMessages))

	for i, msg := range blindedMessages {
		keyset, ok := m.keysets[msg.Id]
		if !ok {
			return nil, cashu.UnknownKeysetErr
		}
		if !keyset.Active {
			return nil, cashu.InactiveKeysetSignatureRequest
		}
		keypair, ok := keyset.Keys[msg.Amount]
		if !ok {
			return nil, cashu.InvalidBlindedMessageAmount
		}

		B_bytes, err := hex.DecodeString(msg.B_)
		if err != nil {
			return nil, cashu.StandardErr
		}
		B_, err := secp256k1.ParsePubKey(B_bytes)
		if err != nil {
			return nil, cashu.BuildCashuError(err.Error(), cashu.StandardErrCode)
		}

		C_ := crypto.SignBlindedMessage(B_, keypair.PrivateKey)

		e, s, err := crypto.GenerateDLEQ(keypair.PrivateKey, B_, C_)
		if err != nil {
			return nil, cashu.BuildCashuError(err.Error(), cashu.StandardErrCode)
		}

		blindedSignatures[i] = cashu.BlindedSignature{
			Amount: msg.Amount,
			C_:     hex.EncodeToString(C_.SerializeCompressed()),
			Id:     msg.Id,
			DLEQ: &cashu.DLEQProof{
				E: hex.EncodeToString(e.Serialize()),
				S: hex.EncodeToString(s.Serialize()),
			},
		}
	}

	return blindedSignatures, nil
}

// Ys maps each proof secret to its curve point.
func Ys(proofs cashu.Proofs) ([]string, error) {
	Ys := make([]string, len(proofs))
	for i, proof := range proofs {
		Y, err := crypto.HashToCurve([]byte(proof.Secret))
		if err != nil {
			return nil, err
		}
		Ys[i] = hex.EncodeToString(Y.SerializeCompressed())
	}
	return Ys, nil
}

func (m *Mint) Publisher() *pubsub.PubSub {
	return m.publisher
}
