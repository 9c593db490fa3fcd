package mint

import (
	"context"
	"log/slog"

	"github.com/cashmill/cashmill/cashu"
	"github.com/cashmill/cashmill/cashu/nuts/nut05"
	"github.com/cashmill/cashmill/cashu/nuts/nut07"
	"github.com/cashmill/cashmill/mint/ledger"
	"github.com/cashmill/cashmill/mint/lightning"
)

// recoverPendingOperations runs at startup and resolves whatever a
// crash left behind: melt sagas that reserved inputs but never
// settled, and proofs stuck in Pending with no operation to finish
// them.
func (m *Mint) recoverPendingOperations(ctx context.Context) error {
	if err := m.recoverSagas(ctx); err != nil {
		return err
	}
	return m.releaseOrphanedProofs(ctx)
}

// recoverSagas resolves every persisted melt saga by re-checking the
// payment with the backend: a paid melt is finalized, a failed one is
// compensated, and an undecided one stays pending for a later check.
func (m *Mint) recoverSagas(ctx context.Context) error {
	sagas, err := m.db.GetSagas()
	if err != nil {
		return err
	}

	for _, record := range sagas {
		meltQuote, err := m.db.GetMeltQuote(record.QuoteId)
		if err != nil {
			return err
		}
		saga, err := m.sagaFromRecord(record, meltQuote)
		if err != nil {
			return err
		}

		status, statusErr := m.lightningClient.OutgoingPaymentStatus(ctx, meltQuote.PaymentHash)
		if statusErr != nil && saga.state != sagaPaymentConfirmed {
			m.logger.Warn("cannot resolve melt saga, leaving pending",
				slog.String("operation", record.OperationId), slog.Any("error", statusErr))
			continue
		}

		switch {
		case saga.state == sagaPaymentConfirmed || status.PaymentStatus == lightning.Succeeded:
			saga.preimage = status.Preimage
			saga.totalSpent = status.TotalSpent
			if saga.state == sagaSetupComplete {
				if err := saga.confirmPayment(ctx); err != nil {
					return err
				}
			}
			if _, err := saga.finalize(ctx); err != nil {
				return err
			}
			m.logger.Info("recovered melt saga as paid",
				slog.String("operation", record.OperationId), slog.String("quote", record.QuoteId))
		case status.PaymentStatus == lightning.Failed:
			if err := saga.compensate(ctx); err != nil {
				return err
			}
			m.logger.Info("recovered melt saga as failed",
				slog.String("operation", record.OperationId), slog.String("quote", record.QuoteId))
		default:
			m.logger.Info("melt saga still pending after restart",
				slog.String("operation", record.OperationId), slog.String("quote", record.QuoteId))
			continue
		}
		m.metrics.SagaRecoveries.Inc()
	}
	return nil
}

// releaseOrphanedProofs returns pending proofs that no live operation
// accounts for to circulation. Swap commits atomically, so a pending
// swap proof can only mean the operation never finished; a pending
// melt proof is orphaned when its saga record is gone and its quote is
// no longer pending.
func (m *Mint) releaseOrphanedProofs(ctx context.Context) error {
	pendingProofs, err := m.db.GetProofsByState(nut07.Pending)
	if err != nil {
		return err
	}
	if len(pendingProofs) == 0 {
		return nil
	}

	sagas, err := m.db.GetSagas()
	if err != nil {
		return err
	}
	liveOps := make(map[string]bool, len(sagas))
	for _, record := range sagas {
		liveOps[record.OperationId] = true
	}

	byOperation := make(map[string][]string)
	for _, dbProof := range pendingProofs {
		if dbProof.OperationKind == cashu.OperationMelt.String() {
			if liveOps[dbProof.OperationId] {
				continue
			}
			meltQuote, err := m.db.GetMeltQuote(dbProof.MeltQuoteId)
			if err == nil && meltQuote.State == nut05.Pending {
				continue
			}
		}
		byOperation[dbProof.OperationId] = append(byOperation[dbProof.OperationId], dbProof.Y)
	}

	for operationId, Ys := range byOperation {
		tx, err := m.db.BeginTx(ctx)
		if err != nil {
			return err
		}
		if err := ledger.TransitionStates(tx, Ys, nut07.Unspent); err != nil {
			tx.Rollback()
			return err
		}
		if err := ledger.RemoveProofs(tx, Ys); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		m.logger.Info("released orphaned pending proofs",
			slog.String("operation", operationId), slog.Int("count", len(Ys)))
	}
	return nil
}
