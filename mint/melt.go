package mint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cashmill/cashmill/cashu"
	"github.com/cashmill/cashmill/cashu/nuts/nut05"
	"github.com/cashmill/cashmill/cashu/nuts/nut07"
	"github.com/cashmill/cashmill/cashu/nuts/nut11"
	"github.com/cashmill/cashmill/mint/ledger"
	"github.com/cashmill/cashmill/mint/lightning"
	"github.com/cashmill/cashmill/mint/storage"
	decodepay "github.com/nbd-wtf/ln-decodepay"
)

// RequestMeltQuote quotes what paying the invoice will cost: the
// invoice amount plus a fee reserve for the payment backend.
func (m *Mint) RequestMeltQuote(meltQuoteRequest nut05.PostMeltQuoteBolt11Request) (storage.MeltQuote, error) {
	request := meltQuoteRequest.Request
	bolt11, err := decodepay.Decodepay(request)
	if err != nil {
		return storage.MeltQuote{}, cashu.BuildCashuError(
			fmt.Sprintf("invalid invoice: %v", err), cashu.MeltQuoteErrCode)
	}
	if bolt11.MSatoshi == 0 {
		return storage.MeltQuote{}, cashu.BuildCashuError(
			"invoice has no amount", cashu.MeltQuoteErrCode)
	}
	amount := uint64(bolt11.MSatoshi / 1000)

	if m.limits.MeltingSettings.MaxAmount > 0 && amount > m.limits.MeltingSettings.MaxAmount {
		return storage.MeltQuote{}, cashu.MeltAmountExceededErr
	}

	quoteId, err := cashu.GenerateRandomQuoteId()
	if err != nil {
		return storage.MeltQuote{}, err
	}

	// no fee reserve needed when the invoice can be settled
	// internally against one of our own mint quotes
	var feeReserve uint64
	if _, err := m.db.GetMintQuoteByPaymentHash(bolt11.PaymentHash); err != nil {
		feeReserve = m.lightningClient.FeeReserve(amount)
	}

	meltQuote := storage.MeltQuote{
		Id:             quoteId,
		InvoiceRequest: request,
		PaymentHash:    bolt11.PaymentHash,
		Amount:         amount,
		FeeReserve:     feeReserve,
		State:          nut05.Unpaid,
		Expiry:         uint64(time.Now().Add(time.Minute * QuoteExpiryMins).Unix()),
	}
	if err := m.db.SaveMeltQuote(meltQuote); err != nil {
		return storage.MeltQuote{}, err
	}
	m.logger.Info("created melt quote", slog.String("quote", quoteId), slog.Uint64("amount", amount))

	return meltQuote, nil
}

// GetMeltQuoteState looks up the melt quote. A quote stuck in Pending
// is re-checked against the payment backend.
func (m *Mint) GetMeltQuoteState(ctx context.Context, quoteId string) (storage.MeltQuote, error) {
	meltQuote, err := m.db.GetMeltQuote(quoteId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.MeltQuote{}, cashu.QuoteNotExistErr
		}
		return storage.MeltQuote{}, err
	}

	if meltQuote.State == nut05.Pending && meltQuote.OperationId != "" {
		if resolved, err := m.resolvePendingMelt(ctx, meltQuote); err == nil {
			return resolved, nil
		}
	}
	return meltQuote, nil
}

// MeltTokens pays the quote's invoice in exchange for the proofs. The
// operation runs as a saga so that a crash at any point leaves the
// mint in a recoverable state.
func (m *Mint) MeltTokens(ctx context.Context, meltTokensRequest nut05.PostMeltBolt11Request) (storage.MeltQuote, cashu.BlindedSignatures, error) {
	inputs := meltTokensRequest.Inputs

	meltQuote, err := m.db.GetMeltQuote(meltTokensRequest.Quote)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.MeltQuote{}, nil, cashu.QuoteNotExistErr
		}
		return storage.MeltQuote{}, nil, err
	}
	if meltQuote.Expiry < uint64(time.Now().Unix()) && meltQuote.State == nut05.Unpaid {
		return storage.MeltQuote{}, nil, cashu.QuoteExpiredErr
	}

	if err := m.verifyProofs(inputs); err != nil {
		return storage.MeltQuote{}, nil, err
	}
	// a SIG_ALL witness cannot cover a payment request
	if nut11.ProofsSigAll(inputs) {
		return storage.MeltQuote{}, nil, nut11.SigAllOnlySwap
	}

	changeOutputs := meltTokensRequest.Outputs
	if len(changeOutputs) > 0 {
		if err := m.verifyOutputs(changeOutputs); err != nil {
			return storage.MeltQuote{}, nil, err
		}
	}

	inputsTotal, err := sumChecked(proofAmounts(inputs))
	if err != nil {
		return storage.MeltQuote{}, nil, err
	}
	inputFee, err := m.TransactionFee(inputs)
	if err != nil {
		return storage.MeltQuote{}, nil, err
	}
	if inputsTotal < meltQuote.Amount+meltQuote.FeeReserve+inputFee {
		return storage.MeltQuote{}, nil, cashu.InsufficientProofsAmount
	}

	inputYs, err := Ys(inputs)
	if err != nil {
		return storage.MeltQuote{}, nil, err
	}

	m.metrics.MeltsInFlight.Inc()
	defer m.metrics.MeltsInFlight.Dec()

	saga := newMeltSaga(m, meltQuote, inputs, inputYs, changeOutputs)
	if err := saga.setup(ctx); err != nil {
		return storage.MeltQuote{}, nil, err
	}
	if err := saga.makePayment(ctx); err != nil {
		if errors.Is(err, cashu.QuotePendingErr) {
			// inputs stay pending until the payment resolves
			saga.quote.State = nut05.Pending
			return saga.quote, nil, nil
		}
		return storage.MeltQuote{}, nil, err
	}
	change, err := saga.finalize(ctx)
	if err != nil {
		return storage.MeltQuote{}, nil, err
	}

	m.metrics.MeltsCompleted.Inc()
	m.logger.Info("melt completed",
		slog.String("quote", meltQuote.Id),
		slog.String("operation", saga.op.Id),
		slog.Uint64("amount", meltQuote.Amount))

	return saga.quote, change, nil
}

// resolvePendingMelt re-checks a pending melt against the payment
// backend and finalizes or compensates it. Used for quotes left
// pending by an unknown payment outcome.
func (m *Mint) resolvePendingMelt(ctx context.Context, meltQuote storage.MeltQuote) (storage.MeltQuote, error) {
	status, err := m.lightningClient.OutgoingPaymentStatus(ctx, meltQuote.PaymentHash)
	if err != nil {
		return meltQuote, err
	}

	saga, err := m.rebuildSaga(meltQuote)
	if err != nil {
		return meltQuote, err
	}

	switch status.PaymentStatus {
	case lightning.Succeeded:
		saga.preimage = status.Preimage
		saga.totalSpent = status.TotalSpent
		if saga.state == sagaSetupComplete {
			if err := saga.confirmPayment(ctx); err != nil {
				return meltQuote, err
			}
		}
		if _, err := saga.finalize(ctx); err != nil {
			return meltQuote, err
		}
		return saga.quote, nil
	case lightning.Failed:
		if err := saga.compensate(ctx); err != nil {
			return meltQuote, err
		}
		saga.quote.State = saga.quotePrev
		return saga.quote, nil
	}
	return meltQuote, nil
}

// rebuildSaga reconstructs an in-flight melt from its durable record,
// in the state it had after setup.
func (m *Mint) rebuildSaga(meltQuote storage.MeltQuote) (*meltSaga, error) {
	sagas, err := m.db.GetSagas()
	if err != nil {
		return nil, err
	}
	var record *storage.SagaRecord
	for i := range sagas {
		if sagas[i].OperationId == meltQuote.OperationId {
			record = &sagas[i]
			break
		}
	}
	if record == nil {
		return nil, errors.New("no saga record for pending melt")
	}
	return m.sagaFromRecord(*record, meltQuote)
}

func (m *Mint) sagaFromRecord(record storage.SagaRecord, meltQuote storage.MeltQuote) (*meltSaga, error) {
	dbProofs, err := m.db.GetProofsByOperation(record.OperationId)
	if err != nil {
		return nil, err
	}
	if len(dbProofs) != len(record.InputYs) {
		return nil, errors.New("saga record does not match stored proofs")
	}

	inputs := make(cashu.Proofs, len(dbProofs))
	inputYs := make([]string, len(dbProofs))
	for i, dbProof := range dbProofs {
		inputs[i] = cashu.Proof{
			Amount:  dbProof.Amount,
			Id:      dbProof.Id,
			Secret:  dbProof.Secret,
			C:       dbProof.C,
			Witness: dbProof.Witness,
		}
		inputYs[i] = dbProof.Y
	}

	saga := newMeltSaga(m, meltQuote, inputs, inputYs, record.ChangeOutputs)
	saga.op = cashu.Operation{Id: record.OperationId, Kind: cashu.OperationMelt}
	saga.state = sagaSetupComplete
	if record.State == sagaPaymentConfirmed.String() {
		saga.state = sagaPaymentConfirmed
	}
	saga.quotePrev = nut05.Unpaid

	// mirror the compensations setup would have registered
	saga.push("release inputs", func(tx storage.MintTx) error {
		if err := ledger.TransitionStates(tx, inputYs, nut07.Unspent); err != nil {
			return err
		}
		return ledger.RemoveProofs(tx, inputYs)
	})
	saga.push("unlock quote", func(tx storage.MintTx) error {
		return tx.UpdateMeltQuote(meltQuote.Id, "", saga.quotePrev, "")
	})
	if len(record.ChangeOutputs) > 0 {
		saga.push("release change outputs", func(tx storage.MintTx) error {
			return tx.RemoveBlindSignatures(record.ChangeOutputs.BlindedSecrets())
		})
	}

	return saga, nil
}
