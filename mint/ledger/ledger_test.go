package ledger

import (
	"errors"
	"fmt"
	"testing"

	"github.com/cashmill/cashmill/cashu"
	"github.com/cashmill/cashmill/cashu/nuts/nut04"
	"github.com/cashmill/cashmill/cashu/nuts/nut05"
	"github.com/cashmill/cashmill/cashu/nuts/nut07"
	"github.com/cashmill/cashmill/mint/storage"
)

// fakeTx is a map-backed storage.MintTx for exercising the state
// machine without a database.
type fakeTx struct {
	proofs map[string]storage.DBProof
}

func newFakeTx() *fakeTx {
	return &fakeTx{proofs: make(map[string]storage.DBProof)}
}

func (f *fakeTx) GetProofs(Ys []string) ([]storage.DBProof, error) {
	result := []storage.DBProof{}
	for _, y := range Ys {
		if proof, ok := f.proofs[y]; ok {
			result = append(result, proof)
		}
	}
	return result, nil
}

func (f *fakeTx) AddProofs(proofs []storage.DBProof) error {
	for _, proof := range proofs {
		if _, ok := f.proofs[proof.Y]; ok {
			return storage.ErrProofExists
		}
	}
	for _, proof := range proofs {
		f.proofs[proof.Y] = proof
	}
	return nil
}

func (f *fakeTx) SetProofsState(Ys []string, state nut07.State) error {
	for _, y := range Ys {
		proof, ok := f.proofs[y]
		if !ok {
			return fmt.Errorf("unknown y %v", y)
		}
		proof.State = state
		f.proofs[y] = proof
	}
	return nil
}

func (f *fakeTx) RemoveProofs(Ys []string) error {
	for _, y := range Ys {
		delete(f.proofs, y)
	}
	return nil
}

func (f *fakeTx) GetMintQuote(string) (storage.MintQuote, error) {
	return storage.MintQuote{}, nil
}
func (f *fakeTx) GetMeltQuote(string) (storage.MeltQuote, error) {
	return storage.MeltQuote{}, nil
}
func (f *fakeTx) UpdateMintQuoteState(string, nut04.State) error { return nil }
func (f *fakeTx) UpdateMeltQuote(string, string, nut05.State, string) error {
	return nil
}
func (f *fakeTx) AddBlindSignatures([]string, cashu.BlindedSignatures) error { return nil }
func (f *fakeTx) ReserveBlindSignatures(cashu.BlindedMessages) error         { return nil }
func (f *fakeTx) SetBlindSignatures([]string, cashu.BlindedSignatures) error { return nil }
func (f *fakeTx) RemoveBlindSignatures([]string) error                       { return nil }
func (f *fakeTx) SaveSaga(storage.SagaRecord) error                          { return nil }
func (f *fakeTx) UpdateSagaState(string, string) error                       { return nil }
func (f *fakeTx) DeleteSaga(string) error                                    { return nil }
func (f *fakeTx) Commit() error                                              { return nil }
func (f *fakeTx) Rollback() error                                            { return nil }

func testProofs(n int, state nut07.State) []storage.DBProof {
	proofs := make([]storage.DBProof, n)
	for i := 0; i < n; i++ {
		proofs[i] = storage.DBProof{
			Y:      fmt.Sprintf("y%d", i),
			Amount: 2,
			Id:     "00ffd1973b288fe5",
			Secret: fmt.Sprintf("secret%d", i),
			C:      fmt.Sprintf("c%d", i),
			State:  state,
		}
	}
	return proofs
}

func ys(proofs []storage.DBProof) []string {
	result := make([]string, len(proofs))
	for i, proof := range proofs {
		result[i] = proof.Y
	}
	return result
}

func TestAddProofs(t *testing.T) {
	tx := newFakeTx()
	proofs := testProofs(3, nut07.Unspent)

	if err := AddProofs(tx, proofs); err != nil {
		t.Fatalf("unexpected error adding proofs: %v", err)
	}

	if err := AddProofs(tx, proofs[:1]); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate but got %v", err)
	}
}

func TestGetProofStates(t *testing.T) {
	tx := newFakeTx()
	proofs := testProofs(2, nut07.Unspent)
	if err := AddProofs(tx, proofs); err != nil {
		t.Fatalf("unexpected error adding proofs: %v", err)
	}

	states, err := GetProofStates(tx, []string{"y0", "y1", "missing"})
	if err != nil {
		t.Fatalf("unexpected error getting states: %v", err)
	}
	if len(states) != 2 {
		t.Fatalf("expected 2 states but got %v", len(states))
	}
	if states["y0"] != nut07.Unspent {
		t.Errorf("expected state '%v' but got '%v'", nut07.Unspent, states["y0"])
	}
	if _, ok := states["missing"]; ok {
		t.Error("expected no state for unknown y")
	}
}

func TestGetConsistentProofs(t *testing.T) {
	tx := newFakeTx()
	proofs := testProofs(3, nut07.Unspent)
	if err := AddProofs(tx, proofs); err != nil {
		t.Fatalf("unexpected error adding proofs: %v", err)
	}

	got, err := GetConsistentProofs(tx, ys(proofs))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 proofs but got %v", len(got))
	}

	// a missing y fails the batch
	_, err = GetConsistentProofs(tx, append(ys(proofs), "missing"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound but got %v", err)
	}

	// mixed states fail the batch
	if err := tx.SetProofsState([]string{"y0"}, nut07.Pending); err != nil {
		t.Fatal(err)
	}
	_, err = GetConsistentProofs(tx, ys(proofs))
	if !errors.Is(err, ErrInconsistentState) {
		t.Fatalf("expected ErrInconsistentState but got %v", err)
	}
}

func TestTransitionStates(t *testing.T) {
	tests := []struct {
		from        nut07.State
		to          nut07.State
		expectedErr error
	}{
		{nut07.Unspent, nut07.Reserved, nil},
		{nut07.Reserved, nut07.Unspent, nil},
		{nut07.Unspent, nut07.Pending, nil},
		{nut07.Pending, nut07.Spent, nil},
		{nut07.Pending, nut07.Unspent, nil},
		{nut07.Unspent, nut07.Spent, ErrInvalidTransition},
		{nut07.Reserved, nut07.Pending, ErrInvalidTransition},
		{nut07.Reserved, nut07.Spent, ErrInvalidTransition},
		{nut07.Spent, nut07.Unspent, ErrSpentProofUpdate},
		{nut07.Spent, nut07.Pending, ErrSpentProofUpdate},
	}

	for _, test := range tests {
		name := fmt.Sprintf("%v to %v", test.from, test.to)
		t.Run(name, func(t *testing.T) {
			tx := newFakeTx()
			proofs := testProofs(2, test.from)
			if err := tx.AddProofs(proofs); err != nil {
				t.Fatal(err)
			}

			err := TransitionStates(tx, ys(proofs), test.to)
			if test.expectedErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				states, _ := GetProofStates(tx, ys(proofs))
				for _, y := range ys(proofs) {
					if states[y] != test.to {
						t.Errorf("expected state '%v' but got '%v'", test.to, states[y])
					}
				}
			} else if !errors.Is(err, test.expectedErr) {
				t.Fatalf("expected %v but got %v", test.expectedErr, err)
			}
		})
	}
}

func TestTransitionStatesAllOrNothing(t *testing.T) {
	tx := newFakeTx()
	proofs := testProofs(3, nut07.Unspent)
	if err := tx.AddProofs(proofs); err != nil {
		t.Fatal(err)
	}
	// one of the batch is already spent
	if err := tx.SetProofsState([]string{"y1"}, nut07.Spent); err != nil {
		t.Fatal(err)
	}

	err := TransitionStates(tx, ys(proofs), nut07.Pending)
	if !errors.Is(err, ErrSpentProofUpdate) {
		t.Fatalf("expected ErrSpentProofUpdate but got %v", err)
	}

	// nothing in the batch moved
	states, _ := GetProofStates(tx, ys(proofs))
	if states["y0"] != nut07.Unspent || states["y2"] != nut07.Unspent {
		t.Error("failed batch transition moved other proofs")
	}
	if states["y1"] != nut07.Spent {
		t.Error("spent proof changed state")
	}

	err = TransitionStates(tx, append(ys(proofs), "missing"), nut07.Pending)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound but got %v", err)
	}
}

func TestRemoveProofs(t *testing.T) {
	tx := newFakeTx()
	proofs := testProofs(2, nut07.Unspent)
	if err := tx.AddProofs(proofs); err != nil {
		t.Fatal(err)
	}

	if err := RemoveProofs(tx, ys(proofs[:1])); err != nil {
		t.Fatalf("unexpected error removing proofs: %v", err)
	}
	states, _ := GetProofStates(tx, ys(proofs))
	if _, ok := states["y0"]; ok {
		t.Error("removed proof still present")
	}

	// spent proofs are permanent
	if err := tx.SetProofsState([]string{"y1"}, nut07.Spent); err != nil {
		t.Fatal(err)
	}
	err := RemoveProofs(tx, []string{"y1"})
	if !errors.Is(err, ErrSpentProofRemove) {
		t.Fatalf("expected ErrSpentProofRemove but got %v", err)
	}
}
