package api

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/vocdoni/zkvote-node/storage"
	"github.com/vocdoni/zkvote-node/types"
)

// ProofRequest asks for a proof of voteChoice in [1, voteLimit]. Both fields
// are pointers so a missing value can be told apart from zero.
type ProofRequest struct {
	VoteChoice *int64 `json:"voteChoice"`
	VoteLimit  *int64 `json:"voteLimit"`
}

// ProofResponse is returned by the proof generation endpoint. Proof and
// Inputs keep the shape expected by the ZkVoting vote call.
type ProofResponse struct {
	Proof          types.ProofComponents `json:"proof"`
	Inputs         []*types.BigInt       `json:"inputs"`
	Handle         string                `json:"handle"`
	CircuitVersion string                `json:"circuitVersion"`
}

// ProofInfoResponse describes the state of a handle. The proof is only
// included while the handle can still be submitted.
type ProofInfoResponse struct {
	Handle         string                 `json:"handle"`
	State          storage.HandleState    `json:"state"`
	VoteLimit      uint64                 `json:"voteLimit"`
	TxHash         string                 `json:"txHash,omitempty"`
	Proof          *types.ProofComponents `json:"proof,omitempty"`
	Inputs         []*types.BigInt        `json:"inputs,omitempty"`
	CircuitVersion string                 `json:"circuitVersion,omitempty"`
}

// CalldataResponse is everything a wallet needs to send the vote.
type CalldataResponse struct {
	To      common.Address `json:"to"`
	Data    types.HexBytes `json:"data"`
	ChainID uint64         `json:"chainId"`
	Handle  string         `json:"handle"`
}

// VoterStatusResponse is the tri-state vote status of an address.
type VoterStatusResponse struct {
	Address  common.Address   `json:"address"`
	Status   types.VoteStatus `json:"status"`
	Eligible bool             `json:"eligible"`
	Error    string           `json:"error,omitempty"`
}

// TrackVoteRequest reports a vote transaction sent by a wallet.
type TrackVoteRequest struct {
	TxHash string `json:"txHash"`
	Voter  string `json:"voter"`
	Handle string `json:"handle"`
}

// VoteStatusResponse is the journaled state of a vote transaction.
type VoteStatusResponse struct {
	TxHash      string                   `json:"txHash"`
	Voter       string                   `json:"voter"`
	Status      storage.SubmissionStatus `json:"status"`
	Error       string                   `json:"error,omitempty"`
	BlockNumber uint64                   `json:"blockNumber,omitempty"`
	ExplorerURL string                   `json:"explorerUrl,omitempty"`
}

// ContractAddresses holds the smart contract addresses needed by the client.
type ContractAddresses struct {
	ZkVoting common.Address `json:"zkVoting"`
}

// NodeInfo contains any relevant information about the node for a client.
type NodeInfo struct {
	Network        string            `json:"network"`
	ChainID        uint64            `json:"chainId"`
	Contracts      ContractAddresses `json:"contracts"`
	VoteLimit      int64             `json:"voteLimit"`
	CircuitVersion string            `json:"circuitVersion"`
	ExplorerTxURL  string            `json:"explorerTxUrl,omitempty"`
	ProofHandles   map[string]int    `json:"proofHandles,omitempty"`
}

func proofResponse(handle string, p *types.ProofArtifact) *ProofResponse {
	return &ProofResponse{
		Proof:          p.Proof,
		Inputs:         p.Inputs,
		Handle:         handle,
		CircuitVersion: p.CircuitVersion,
	}
}

func proofInfoResponse(rec *storage.ProofRecord) *ProofInfoResponse {
	info := &ProofInfoResponse{
		Handle:    rec.Handle,
		State:     rec.State,
		VoteLimit: rec.VoteLimit,
		TxHash:    rec.TxHash,
	}
	if rec.State != storage.HandleConsumed {
		proof := rec.Proof.Proof
		info.Proof = &proof
		info.Inputs = rec.Proof.Inputs
		info.CircuitVersion = rec.Proof.CircuitVersion
	}
	return info
}

func voteStatusResponse(rec *storage.SubmissionRecord) *VoteStatusResponse {
	return &VoteStatusResponse{
		TxHash:      rec.TxHash,
		Voter:       rec.Voter,
		Status:      rec.Status,
		Error:       rec.Error,
		BlockNumber: rec.BlockNumber,
		ExplorerURL: rec.ExplorerURL,
	}
}
