package mint

import (
	"context"
	"errors"
	"log/slog"

	"github.com/cashmill/cashmill/cashu"
	"github.com/cashmill/cashmill/cashu/nuts/nut03"
	"github.com/cashmill/cashmill/cashu/nuts/nut07"
	"github.com/cashmill/cashmill/cashu/nuts/nut11"
	"github.com/cashmill/cashmill/mint/ledger"
	"github.com/cashmill/cashmill/mint/pubsub"
	"github.com/cashmill/cashmill/mint/storage"
)

// Swap exchanges valid proofs for new signatures of equal value minus
// input fees. The inputs enter the ledger, move through Pending to
// Spent and the outputs get signed, all in one transaction. Any
// failure rolls the whole exchange back.
func (m *Mint) Swap(swapRequest nut03.PostSwapRequest) (cashu.BlindedSignatures, error) {
	inputs, outputs := swapRequest.Inputs, swapRequest.Outputs
	op := cashu.NewOperation(cashu.OperationSwap)

	m.metrics.SwapsInFlight.Inc()
	defer m.metrics.SwapsInFlight.Dec()

	if err := m.verifyProofs(inputs); err != nil {
		return nil, err
	}
	if err := m.verifyOutputs(outputs); err != nil {
		return nil, err
	}
	// SIG_ALL witnesses cover the outputs as well
	if nut11.ProofsSigAll(inputs) {
		if err := verifySigAll(inputs, outputs); err != nil {
			return nil, err
		}
	}

	fee, err := m.TransactionFee(inputs)
	if err != nil {
		return nil, err
	}
	inputsTotal, err := sumChecked(proofAmounts(inputs))
	if err != nil {
		return nil, err
	}
	outputsTotal, err := sumChecked(outputAmounts(outputs))
	if err != nil {
		return nil, err
	}
	if outputsTotal+fee != inputsTotal {
		return nil, cashu.BuildUnbalancedErr(inputsTotal, outputsTotal, fee)
	}

	inputYs, err := Ys(inputs)
	if err != nil {
		return nil, err
	}

	blindedSignatures, err := m.signBlindedMessages(outputs)
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	tx, err := m.db.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	dbProofs := make([]storage.DBProof, len(inputs))
	for i, proof := range inputs {
		dbProofs[i] = storage.DBProof{
			Amount:        proof.Amount,
			Id:            proof.Id,
			Secret:        proof.Secret,
			Y:             inputYs[i],
			C:             proof.C,
			Witness:       proof.Witness,
			State:         nut07.Unspent,
			OperationId:   op.Id,
			OperationKind: op.Kind.String(),
		}
	}

	if err := ledger.AddProofs(tx, dbProofs); err != nil {
		if errors.Is(err, ledger.ErrDuplicate) {
			return nil, m.usedProofsError(inputYs)
		}
		return nil, err
	}
	if err := ledger.TransitionStates(tx, inputYs, nut07.Pending); err != nil {
		return nil, err
	}
	if err := ledger.TransitionStates(tx, inputYs, nut07.Spent); err != nil {
		return nil, err
	}

	if err := tx.AddBlindSignatures(outputs.BlindedSecrets(), blindedSignatures); err != nil {
		if errors.Is(err, storage.ErrSignatureExists) {
			return nil, cashu.BlindedMessageAlreadySigned
		}
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	// both transitions are published, in order, once durable
	m.publisher.PublishEvent(pubsub.TopicProofStates, pubsub.Event{
		Ids: inputYs, State: nut07.Pending.String(), OperationId: op.Id,
	})
	m.publisher.PublishEvent(pubsub.TopicProofStates, pubsub.Event{
		Ids: inputYs, State: nut07.Spent.String(), OperationId: op.Id,
	})

	m.metrics.SwapsCompleted.Inc()
	m.logger.Info("swap completed",
		slog.String("operation", op.Id),
		slog.Uint64("amount", inputsTotal),
		slog.Int("inputs", len(inputs)),
		slog.Int("outputs", len(outputs)))

	return blindedSignatures, nil
}

// usedProofsError reports why inputs were rejected as already known:
// spent wins over pending.
func (m *Mint) usedProofsError(Ys []string) error {
	dbProofs, err := m.db.GetProofs(Ys)
	if err != nil {
		return cashu.ProofAlreadyUsedErr
	}
	for _, dbProof := range dbProofs {
		if dbProof.State == nut07.Spent {
			return cashu.ProofAlreadyUsedErr
		}
	}
	for _, dbProof := range dbProofs {
		if dbProof.State == nut07.Pending || dbProof.State == nut07.PendingSpent {
			return cashu.ProofPendingErr
		}
	}
	return cashu.ProofAlreadyUsedErr
}
