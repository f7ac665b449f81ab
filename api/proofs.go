package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/vocdoni/zkvote-node/log"
	"github.com/vocdoni/zkvote-node/web3"
)

// generateProof proves that the vote choice of the request lies in
// [1, voteLimit] and returns the proof with its single-use handle.
// POST /proofs
// POST /generateProof
func (a *API) generateProof(w http.ResponseWriter, r *http.Request) {
	req := &ProofRequest{}
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			ErrInvalidVoteInput.Withf("%s must be an integer", typeErr.Field).Write(w)
			return
		}
		ErrMalformedBody.WithErr(err).Write(w)
		return
	}
	if req.VoteChoice == nil || req.VoteLimit == nil {
		ErrInvalidVoteInput.With("voteChoice and voteLimit are required").Write(w)
		return
	}
	gen, err := a.prover.GenerateProof(r.Context(), *req.VoteChoice, *req.VoteLimit)
	if err != nil {
		log.Warnw("proof generation failed", "error", err)
		apiError(err).Write(w)
		return
	}
	httpWriteJSON(w, proofResponse(gen.Handle, gen.Proof))
}

// proof returns the state of a handle without redeeming it, with its proof
// until it is consumed.
// GET /proofs/{handle}
func (a *API) proof(w http.ResponseWriter, r *http.Request) {
	rec, err := a.prover.Proof(chi.URLParam(r, HandleURLParam))
	if err != nil {
		apiError(err).Write(w)
		return
	}
	httpWriteJSON(w, proofInfoResponse(rec))
}

// proofCalldata redeems a handle and returns the ZkVoting vote calldata so
// a wallet can send the transaction itself.
// POST /proofs/{handle}/calldata
func (a *API) proofCalldata(w http.ResponseWriter, r *http.Request) {
	handle := chi.URLParam(r, HandleURLParam)
	// pack first so a handle is never consumed for calldata that cannot be built
	rec, err := a.prover.Proof(handle)
	if err != nil {
		apiError(err).Write(w)
		return
	}
	data, err := web3.PackVote(rec.Proof)
	if err != nil {
		ErrGenericInternalServerError.WithErr(err).Write(w)
		return
	}
	if _, err := a.prover.Consume(handle); err != nil {
		apiError(err).Write(w)
		return
	}
	httpWriteJSON(w, &CalldataResponse{
		To:      a.contracts.Address(),
		Data:    data,
		ChainID: a.contracts.ChainID,
		Handle:  handle,
	})
}
