// Package ledger enforces the proof state machine. All functions
// operate inside a storage transaction so a batch of proofs moves
// atomically or not at all.
package ledger

import (
	"errors"
	"fmt"

	"github.com/cashmill/cashmill/cashu/nuts/nut07"
	"github.com/cashmill/cashmill/mint/storage"
)

var (
	// ErrDuplicate is returned when adding a proof whose Y is already
	// in the ledger.
	ErrDuplicate = errors.New("proof already in ledger")
	// ErrNotFound is returned when an operation targets a Y the
	// ledger does not hold.
	ErrNotFound = errors.New("proof not found in ledger")
	// ErrInconsistentState is returned when a batch that must share
	// one state spans several.
	ErrInconsistentState = errors.New("proofs not in a consistent state")
	// ErrInvalidTransition is returned for a state edge the machine
	// does not allow.
	ErrInvalidTransition = errors.New("invalid proof state transition")
	// ErrSpentProofUpdate is returned when a transition targets a
	// proof that is already spent. Spent is terminal.
	ErrSpentProofUpdate = errors.New("cannot update spent proof")
	// ErrSpentProofRemove is returned when a removal targets a spent
	// proof.
	ErrSpentProofRemove = errors.New("cannot remove spent proof")
)

// legalTransitions holds the allowed edges. Reserved and Pending can
// back out to Unspent, Pending can commit to Spent, and nothing leaves
// Spent.
var legalTransitions = map[nut07.State]map[nut07.State]bool{
	nut07.Unspent:  {nut07.Reserved: true, nut07.Pending: true},
	nut07.Reserved: {nut07.Unspent: true},
	nut07.Pending:  {nut07.Spent: true, nut07.Unspent: true},
}

// AddProofs inserts proofs into the ledger. The whole batch fails with
// ErrDuplicate if any Y or secret is already present.
func AddProofs(tx storage.MintTx, proofs []storage.DBProof) error {
	if err := tx.AddProofs(proofs); err != nil {
		if errors.Is(err, storage.ErrProofExists) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// GetProofStates returns the state of each Y. Ys the ledger does not
// hold are absent from the result.
func GetProofStates(tx storage.MintTx, Ys []string) (map[string]nut07.State, error) {
	proofs, err := tx.GetProofs(Ys)
	if err != nil {
		return nil, err
	}
	states := make(map[string]nut07.State, len(proofs))
	for _, proof := range proofs {
		states[proof.Y] = proof.State
	}
	return states, nil
}

// GetConsistentProofs returns the proofs for Ys, requiring that every
// Y is present and that all of them share one state.
func GetConsistentProofs(tx storage.MintTx, Ys []string) ([]storage.DBProof, error) {
	proofs, err := tx.GetProofs(Ys)
	if err != nil {
		return nil, err
	}
	if len(proofs) != len(Ys) {
		return nil, ErrNotFound
	}
	for _, proof := range proofs[1:] {
		if proof.State != proofs[0].State {
			return nil, ErrInconsistentState
		}
	}
	return proofs, nil
}

// TransitionStates moves every Y to the target state. The batch is
// checked before any write: a missing Y, a spent proof or an illegal
// edge fails the whole batch and nothing moves.
func TransitionStates(tx storage.MintTx, Ys []string, target nut07.State) error {
	proofs, err := tx.GetProofs(Ys)
	if err != nil {
		return err
	}
	if len(proofs) != len(Ys) {
		return ErrNotFound
	}

	for _, proof := range proofs {
		if proof.State == nut07.Spent {
			return ErrSpentProofUpdate
		}
		if !legalTransitions[proof.State][target] {
			return fmt.Errorf("%w: %v to %v", ErrInvalidTransition, proof.State, target)
		}
	}

	return tx.SetProofsState(Ys, target)
}

// RemoveProofs deletes the proofs for Ys. Spent proofs are permanent
// and fail the whole batch.
func RemoveProofs(tx storage.MintTx, Ys []string) error {
	proofs, err := tx.GetProofs(Ys)
	if err != nil {
		return err
	}
	if len(proofs) != len(Ys) {
		return ErrNotFound
	}
	for _, proof := range proofs {
		if proof.State == nut07.Spent {
			return ErrSpentProofRemove
		}
	}
	return tx.RemoveProofs(Ys)
}
