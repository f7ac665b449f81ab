package storage

import (
	"fmt"
	"time"

	"github.com/vocdoni/zkvote-node/types"
)

// HandleState is the lifecycle state of a proof handle. A handle moves from
// issued to reserved while a submission broadcasts its proof, and ends
// consumed once the proof reached the ledger or the ledger refused it as a
// repeated vote. A reservation released after a transient failure returns
// the handle to issued.
type HandleState int

const (
	HandleIssued HandleState = iota
	HandleReserved
	HandleConsumed
)

func (s HandleState) String() string {
	switch s {
	case HandleIssued:
		return "issued"
	case HandleReserved:
		return "reserved"
	case HandleConsumed:
		return "consumed"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state as its name.
func (s HandleState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *HandleState) UnmarshalText(text []byte) error {
	for _, st := range []HandleState{HandleIssued, HandleReserved, HandleConsumed} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown proof handle state %q", text)
}

// ProofRecord is a generated proof kept under an opaque handle until it is
// submitted. The vote choice itself is never stored.
type ProofRecord struct {
	Handle     string               `json:"handle" cbor:"0,keyasint"`
	Proof      *types.ProofArtifact `json:"proof" cbor:"1,keyasint"`
	VoteLimit  uint64               `json:"voteLimit" cbor:"2,keyasint"`
	State      HandleState          `json:"state" cbor:"3,keyasint"`
	TxHash     string               `json:"txHash,omitempty" cbor:"4,keyasint,omitempty"`
	CreatedAt  time.Time            `json:"createdAt" cbor:"5,keyasint"`
	ReservedAt time.Time            `json:"reservedAt,omitzero" cbor:"6,keyasint,omitempty"`
}

// SubmissionStatus is the outcome of a vote transaction.
type SubmissionStatus string

const (
	SubmissionPending      SubmissionStatus = "pending"
	SubmissionConfirmed    SubmissionStatus = "confirmed"
	SubmissionAlreadyVoted SubmissionStatus = "alreadyVoted"
	SubmissionFailed       SubmissionStatus = "failed"
)

// Final reports whether the status can no longer change.
func (s SubmissionStatus) Final() bool {
	return s != SubmissionPending
}

// SubmissionRecord journals a vote transaction sent to the ledger.
type SubmissionRecord struct {
	TxHash      string           `json:"txHash" cbor:"0,keyasint"`
	Voter       string           `json:"voter" cbor:"1,keyasint"`
	Handle      string           `json:"handle" cbor:"2,keyasint"`
	Status      SubmissionStatus `json:"status" cbor:"3,keyasint"`
	Error       string           `json:"error,omitempty" cbor:"4,keyasint,omitempty"`
	BlockNumber uint64           `json:"blockNumber,omitempty" cbor:"5,keyasint,omitempty"`
	ExplorerURL string           `json:"explorerUrl,omitempty" cbor:"6,keyasint,omitempty"`
	CreatedAt   time.Time        `json:"createdAt" cbor:"7,keyasint"`
	UpdatedAt   time.Time        `json:"updatedAt" cbor:"8,keyasint"`
}
