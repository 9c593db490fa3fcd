package mint

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cashmill/cashmill/cashu"
	"github.com/cashmill/cashmill/cashu/nuts/nut04"
	"github.com/cashmill/cashmill/cashu/nuts/nut05"
	"github.com/cashmill/cashmill/cashu/nuts/nut07"
	"github.com/cashmill/cashmill/mint/ledger"
	"github.com/cashmill/cashmill/mint/lightning"
	"github.com/cashmill/cashmill/mint/pubsub"
	"github.com/cashmill/cashmill/mint/storage"
)

// A melt runs as a saga: one transaction reserves the inputs and locks
// the quote, the external payment happens with no transaction open,
// and a second transaction settles everything. Each step registers a
// compensation that can undo it, and the compensations run in reverse
// order if the melt has to be abandoned.

type sagaState int

const (
	sagaInitial sagaState = iota
	sagaSetupComplete
	sagaPaymentConfirmed
	sagaFinalized
)

func (s sagaState) String() string {
	switch s {
	case sagaInitial:
		return "INITIAL"
	case sagaSetupComplete:
		return "SETUP_COMPLETE"
	case sagaPaymentConfirmed:
		return "PAYMENT_CONFIRMED"
	case sagaFinalized:
		return "FINALIZED"
	}
	return "UNKNOWN"
}

// each state has exactly one legal successor
var sagaSuccessor = map[sagaState]sagaState{
	sagaInitial:          sagaSetupComplete,
	sagaSetupComplete:    sagaPaymentConfirmed,
	sagaPaymentConfirmed: sagaFinalized,
}

type compensation struct {
	name string
	run  func(tx storage.MintTx) error
}

type meltSaga struct {
	mint  *Mint
	op    cashu.Operation
	state sagaState

	quote         storage.MeltQuote
	quotePrev     nut05.State
	inputs        cashu.Proofs
	inputYs       []string
	changeOutputs cashu.BlindedMessages

	preimage string
	// totalSpent is what the payment actually cost, invoice amount
	// plus routing fee, as reported by the backend
	totalSpent uint64
	// internal is set when the payment request belongs to a mint
	// quote on this mint, settled without an external payment
	internal      bool
	internalQuote storage.MintQuote

	compensations []compensation
}

func newMeltSaga(m *Mint, quote storage.MeltQuote, inputs cashu.Proofs, inputYs []string,
	changeOutputs cashu.BlindedMessages) *meltSaga {

	return &meltSaga{
		mint:          m,
		op:            cashu.NewOperation(cashu.OperationMelt),
		state:         sagaInitial,
		quote:         quote,
		inputs:        inputs,
		inputYs:       inputYs,
		changeOutputs: changeOutputs,
	}
}

func (s *meltSaga) transition(to sagaState) error {
	if sagaSuccessor[s.state] != to {
		return fmt.Errorf("illegal melt transition from %v to %v", s.state, to)
	}
	s.state = to
	return nil
}

func (s *meltSaga) push(name string, run func(tx storage.MintTx) error) {
	s.compensations = append(s.compensations, compensation{name: name, run: run})
}

// setup is the first transaction: reserve the inputs, lock the quote
// and persist the saga record so a crash can be recovered from.
func (s *meltSaga) setup(ctx context.Context) error {
	tx, err := s.mint.db.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	dbProofs := make([]storage.DBProof, len(s.inputs))
	for i, proof := range s.inputs {
		dbProofs[i] = storage.DBProof{
			Amount:        proof.Amount,
			Id:            proof.Id,
			Secret:        proof.Secret,
			Y:             s.inputYs[i],
			C:             proof.C,
			Witness:       proof.Witness,
			State:         nut07.Unspent,
			MeltQuoteId:   s.quote.Id,
			OperationId:   s.op.Id,
			OperationKind: s.op.Kind.String(),
		}
	}
	if err := ledger.AddProofs(tx, dbProofs); err != nil {
		if err == ledger.ErrDuplicate {
			return s.mint.usedProofsError(s.inputYs)
		}
		return err
	}
	if err := ledger.TransitionStates(tx, s.inputYs, nut07.Pending); err != nil {
		return err
	}
	s.push("release inputs", func(tx storage.MintTx) error {
		if err := ledger.TransitionStates(tx, s.inputYs, nut07.Unspent); err != nil {
			return err
		}
		return ledger.RemoveProofs(tx, s.inputYs)
	})

	quote, err := tx.GetMeltQuote(s.quote.Id)
	if err != nil {
		return err
	}
	switch quote.State {
	case nut05.Pending:
		return cashu.QuotePendingErr
	case nut05.Paid:
		return cashu.MeltQuoteAlreadyPaid
	}
	s.quotePrev = quote.State
	if err := tx.UpdateMeltQuote(quote.Id, "", nut05.Pending, s.op.Id); err != nil {
		return err
	}
	s.push("unlock quote", func(tx storage.MintTx) error {
		return tx.UpdateMeltQuote(s.quote.Id, "", s.quotePrev, "")
	})
	s.quote.State = nut05.Pending
	s.quote.OperationId = s.op.Id

	// does the payment request belong to this mint
	internalQuote, err := s.mint.db.GetMintQuoteByPaymentHash(s.quote.PaymentHash)
	if err == nil {
		s.internal = true
		s.internalQuote = internalQuote
	}

	// hold the change outputs so no other operation can get them
	// signed while the payment is in flight
	if len(s.changeOutputs) > 0 {
		if err := tx.ReserveBlindSignatures(s.changeOutputs); err != nil {
			if err == storage.ErrSignatureExists {
				return cashu.BlindedMessageAlreadySigned
			}
			return err
		}
		s.push("release change outputs", func(tx storage.MintTx) error {
			return tx.RemoveBlindSignatures(s.changeOutputs.BlindedSecrets())
		})
	}

	record := storage.SagaRecord{
		OperationId:   s.op.Id,
		QuoteId:       s.quote.Id,
		State:         sagaSetupComplete.String(),
		InputYs:       s.inputYs,
		ChangeOutputs: s.changeOutputs,
		CreatedAt:     uint64(time.Now().Unix()),
	}
	if err := tx.SaveSaga(record); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	if err := s.transition(sagaSetupComplete); err != nil {
		return err
	}

	s.mint.publisher.PublishEvent(pubsub.TopicProofStates, pubsub.Event{
		Ids: s.inputYs, State: nut07.Pending.String(), OperationId: s.op.Id,
	})
	s.mint.publisher.PublishEvent(pubsub.TopicMeltQuoteState, pubsub.Event{
		Ids: []string{s.quote.Id}, State: nut05.Pending.String(), OperationId: s.op.Id,
	})
	return nil
}

// makePayment settles the quote. No transaction is open while the
// payment backend is called. An ambiguous answer from the backend is
// resolved by re-checking the payment status and trusting that result.
func (s *meltSaga) makePayment(ctx context.Context) error {
	if s.internal {
		return s.settleInternally(ctx)
	}

	if s.mint.meltTimeout != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *s.mint.meltTimeout)
		defer cancel()
	}

	status, err := s.mint.lightningClient.SendPayment(ctx, s.quote.InvoiceRequest, s.quote.Amount)
	if err != nil || status.PaymentStatus != lightning.Succeeded {
		// the send is unreliable as a source of truth once it has
		// been attempted, ask for the payment status instead
		status, err = s.mint.lightningClient.OutgoingPaymentStatus(context.Background(), s.quote.PaymentHash)
		if err != nil || status.PaymentStatus == lightning.Pending || status.PaymentStatus == lightning.Unknown {
			// cannot rule out that the payment still completes,
			// leave the inputs pending
			s.mint.logger.Warn("unknown payment outcome, leaving melt pending",
				slog.String("quote", s.quote.Id), slog.String("operation", s.op.Id))
			return cashu.QuotePendingErr
		}
		if status.PaymentStatus == lightning.Failed {
			s.mint.logger.Info("payment failed, compensating melt",
				slog.String("quote", s.quote.Id), slog.String("operation", s.op.Id))
			if cerr := s.compensate(context.Background()); cerr != nil {
				return cerr
			}
			return cashu.PaymentFailedErr
		}
	}

	s.preimage = status.Preimage
	s.totalSpent = status.TotalSpent
	return s.confirmPayment(ctx)
}

// settleInternally credits a mint quote on this mint instead of paying
// out through the backend.
func (s *meltSaga) settleInternally(ctx context.Context) error {
	tx, err := s.mint.db.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	quote, err := tx.GetMintQuote(s.internalQuote.Id)
	if err != nil {
		return err
	}
	if quote.State == nut04.Unpaid {
		if err := tx.UpdateMintQuoteState(quote.Id, nut04.Paid); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	s.mint.publisher.PublishEvent(pubsub.TopicMintQuoteState, pubsub.Event{
		Ids: []string{s.internalQuote.Id}, State: nut04.Paid.String(), OperationId: s.op.Id,
	})
	s.mint.logger.Info("melt settled internally",
		slog.String("melt_quote", s.quote.Id), slog.String("mint_quote", s.internalQuote.Id))

	s.totalSpent = s.quote.Amount
	return s.confirmPayment(ctx)
}

func (s *meltSaga) confirmPayment(ctx context.Context) error {
	if err := s.transition(sagaPaymentConfirmed); err != nil {
		return err
	}

	// record the confirmation so recovery can finalize without
	// another backend round trip
	tx, err := s.mint.db.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := tx.UpdateSagaState(s.op.Id, sagaPaymentConfirmed.String()); err != nil {
		return err
	}
	return tx.Commit()
}

// finalize is the second transaction: mark the quote paid, spend the
// inputs, store the change signatures and drop the saga record. The
// change is signed before the transaction opens.
func (s *meltSaga) finalize(ctx context.Context) (cashu.BlindedSignatures, error) {
	changeMessages, changeSignatures, err := s.signChange()
	if err != nil {
		return nil, err
	}

	tx, err := s.mint.db.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := tx.UpdateMeltQuote(s.quote.Id, s.preimage, nut05.Paid, ""); err != nil {
		return nil, err
	}
	if err := ledger.TransitionStates(tx, s.inputYs, nut07.Spent); err != nil {
		return nil, err
	}
	if len(changeSignatures) > 0 {
		if err := tx.SetBlindSignatures(changeMessages.BlindedSecrets(), changeSignatures); err != nil {
			return nil, err
		}
	}
	// blanks that went unused are released
	if len(s.changeOutputs) > 0 {
		if err := tx.RemoveBlindSignatures(s.changeOutputs.BlindedSecrets()); err != nil {
			return nil, err
		}
	}
	if err := tx.DeleteSaga(s.op.Id); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	if err := s.transition(sagaFinalized); err != nil {
		return nil, err
	}
	s.compensations = nil
	s.quote.State = nut05.Paid
	s.quote.Preimage = s.preimage

	s.mint.publisher.PublishEvent(pubsub.TopicProofStates, pubsub.Event{
		Ids: s.inputYs, State: nut07.Spent.String(), OperationId: s.op.Id,
	})
	s.mint.publisher.PublishEvent(pubsub.TopicMeltQuoteState, pubsub.Event{
		Ids: []string{s.quote.Id}, State: nut05.Paid.String(), OperationId: s.op.Id,
	})
	return changeSignatures, nil
}

// signChange assigns the overpaid amount to the provided blank
// outputs and signs them. Change is what the inputs were worth beyond
// the payment's actual cost, so an unused fee reserve flows back to
// the holder.
func (s *meltSaga) signChange() (cashu.BlindedMessages, cashu.BlindedSignatures, error) {
	if len(s.changeOutputs) == 0 {
		return nil, nil, nil
	}

	inputsTotal, err := sumChecked(proofAmounts(s.inputs))
	if err != nil {
		return nil, nil, err
	}
	inputFee, err := s.mint.TransactionFee(s.inputs)
	if err != nil {
		return nil, nil, err
	}
	spent := s.totalSpent
	if spent == 0 {
		// the backend did not report a total, charge the whole reserve
		spent = s.quote.Amount + s.quote.FeeReserve
	}
	owed := spent + inputFee
	if inputsTotal <= owed {
		return nil, nil, nil
	}
	change := inputsTotal - owed

	split := cashu.AmountSplit(change)
	if len(split) > len(s.changeOutputs) {
		// not enough blank outputs, return the largest denominations
		split = split[len(split)-len(s.changeOutputs):]
	}

	messages := make(cashu.BlindedMessages, len(split))
	for i := range split {
		message := s.changeOutputs[i]
		message.Amount = split[i]
		messages[i] = message
	}

	signatures, err := s.mint.signBlindedMessages(messages)
	if err != nil {
		return nil, nil, err
	}
	return messages, signatures, nil
}

// compensate unwinds the saga: every registered compensation runs in
// reverse order inside one transaction, together with the removal of
// the saga record.
func (s *meltSaga) compensate(ctx context.Context) error {
	tx, err := s.mint.db.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for i := len(s.compensations) - 1; i >= 0; i-- {
		comp := s.compensations[i]
		if err := comp.run(tx); err != nil {
			return fmt.Errorf("compensation %q failed: %v", comp.name, err)
		}
	}
	if err := tx.DeleteSaga(s.op.Id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	s.compensations = nil
	s.mint.metrics.MeltsCompensated.Inc()
	s.mint.publisher.PublishEvent(pubsub.TopicMeltQuoteState, pubsub.Event{
		Ids: []string{s.quote.Id}, State: s.quotePrev.String(), OperationId: s.op.Id,
	})
	return nil
}
