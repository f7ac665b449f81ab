package api

import (
	"encoding/json"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/vocdoni/zkvote-node/submission"
)

// trackVote journals a vote transaction sent by a wallet with calldata from
// a redeemed handle. The transaction must be a vote of the given voter
// carrying the proof of the handle, and a handle tracks one transaction.
// Its outcome is then available at GET /votes/{txHash}.
// POST /votes
func (a *API) trackVote(w http.ResponseWriter, r *http.Request) {
	req := &TrackVoteRequest{}
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		ErrMalformedBody.WithErr(err).Write(w)
		return
	}
	txHash, ok := parseTxHash(req.TxHash)
	if !ok {
		ErrMalformedTxHash.Write(w)
		return
	}
	voter, ok := parseAddress(req.Voter)
	if !ok {
		ErrMalformedAddress.Write(w)
		return
	}
	if err := a.submissions.Track(r.Context(), &submission.Submission{
		TxHash: txHash,
		Voter:  voter,
		Handle: req.Handle,
	}); err != nil {
		apiError(err).Write(w)
		return
	}
	a.writeVoteStatus(w, txHash)
}

// voteStatus returns the state of a vote transaction.
// GET /votes/{txHash}
func (a *API) voteStatus(w http.ResponseWriter, r *http.Request) {
	txHash, ok := parseTxHash(chi.URLParam(r, TxHashURLParam))
	if !ok {
		ErrMalformedTxHash.Write(w)
		return
	}
	a.writeVoteStatus(w, txHash)
}

func (a *API) writeVoteStatus(w http.ResponseWriter, txHash common.Hash) {
	rec, err := a.submissions.Status(txHash)
	if err != nil {
		apiError(err).Write(w)
		return
	}
	httpWriteJSON(w, voteStatusResponse(rec))
}
