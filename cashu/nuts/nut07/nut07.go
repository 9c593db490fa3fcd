package nut07

import (
	"encoding/json"
	"errors"
)

// State is the lifecycle state of a proof identity Y.
// Exactly one state holds for a Y at any instant and Spent is terminal.
type State int

const (
	Unspent State = iota
	Reserved
	Pending
	PendingSpent
	Spent
	Unknown
)

func (state State) String() string {
	switch state {
	case Unspent:
		return "UNSPENT"
	case Reserved:
		return "RESERVED"
	case Pending:
		return "PENDING"
	case PendingSpent:
		return "PENDING_SPENT"
	case Spent:
		return "SPENT"
	default:
		return "unknown"
	}
}

func StringToState(state string) State {
	switch state {
	case "UNSPENT":
		return Unspent
	case "RESERVED":
		return Reserved
	case "PENDING":
		return Pending
	case "PENDING_SPENT":
		return PendingSpent
	case "SPENT":
		return Spent
	}
	return Unknown
}

type PostCheckStateRequest struct {
	Ys []string `json:"Ys"`
}

type PostCheckStateResponse struct {
	States []ProofState `json:"states"`
}

type ProofState struct {
	Y       string `json:"Y"`
	State   State  `json:"state"`
	Witness string `json:"witness,omitempty"`
}

func (state ProofState) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Y       string `json:"Y"`
		State   string `json:"state"`
		Witness string `json:"witness,omitempty"`
	}{
		Y:       state.Y,
		State:   state.State.String(),
		Witness: state.Witness,
	})
}

func (state *ProofState) UnmarshalJSON(data []byte) error {
	var proofString struct {
		Y       string `json:"Y"`
		State   string `json:"state"`
		Witness string `json:"witness,omitempty"`
	}

	if err := json.Unmarshal(data, &proofString); err != nil {
		return err
	}

	stateVal := StringToState(proofString.State)
	if stateVal == Unknown {
		return errors.New("invalid state")
	}

	state.Y = proofString.Y
	state.State = stateVal
	state.Witness = proofString.Witness
	return nil
}
