package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	qt "github.com/frankban/quicktest"
	"github.com/vocdoni/zkvote-node/crypto/signatures/ethereum"
	"github.com/vocdoni/zkvote-node/db/metadb"
	"github.com/vocdoni/zkvote-node/eligibility"
	"github.com/vocdoni/zkvote-node/prover"
	"github.com/vocdoni/zkvote-node/storage"
	"github.com/vocdoni/zkvote-node/submission"
	"github.com/vocdoni/zkvote-node/types"
	"github.com/vocdoni/zkvote-node/web3"
	"github.com/vocdoni/zkvote-node/web3/simledger"
)

const testChainID = 11155111

var contractAddr = common.HexToAddress("0x6bff5B1F596C58398092f439B7D5674bD8aA6fC2")

// testPipeline rejects out of range choices as an invalid witness and
// produces proofs carrying the limit as first public input.
type testPipeline struct{}

func (testPipeline) RunPipeline(_ context.Context, choice, limit uint64) (*types.ProofArtifact, error) {
	if choice == 0 || choice > limit {
		return nil, &types.StageError{Stage: types.StageComputeWitness, Err: types.ErrInvalidWitness}
	}
	n := types.NewInt
	return &types.ProofArtifact{
		Proof: types.ProofComponents{
			A: [2]*types.BigInt{n(1), n(2)},
			B: [2][2]*types.BigInt{{n(3), n(4)}, {n(5), n(6)}},
			C: [2]*types.BigInt{n(7), n(8)},
		},
		Inputs:         []*types.BigInt{new(types.BigInt).SetUint64(limit), n(777)},
		CircuitVersion: "api-test",
	}, nil
}

func (testPipeline) Verify(context.Context, *types.ProofArtifact) error { return nil }

func (testPipeline) CircuitVersion() string { return "api-test" }

type limitVerifier struct{}

func (limitVerifier) Verify(_ context.Context, p *types.ProofArtifact) error {
	if p.Inputs[0].MathBigInt().Cmp(big.NewInt(2)) != 0 {
		return errors.New("invalid proof")
	}
	return nil
}

type testEnv struct {
	api       *API
	ledger    *simledger.Ledger
	contracts *web3.Contracts
	storage   *storage.Storage
	client    *submission.Client
}

func newTestEnv(c *qt.C) *testEnv {
	ledger := simledger.New(testChainID, contractAddr, limitVerifier{})
	contracts, err := web3.NewWithBackend(ledger, contractAddr)
	c.Assert(err, qt.IsNil)
	contracts.ExplorerTxURL = "https://sepolia.etherscan.io/tx/"
	st := storage.New(metadb.NewTest())
	c.Cleanup(st.Close)
	checker := eligibility.New(contracts)
	client := submission.New(contracts, st, checker)
	c.Cleanup(client.Close)
	a, err := newAPI(&APIConfig{
		Network:     "sep",
		Storage:     st,
		Prover:      prover.New(testPipeline{}, st, 2),
		Eligibility: checker,
		Submissions: client,
		Contracts:   contracts,
	})
	c.Assert(err, qt.IsNil)
	return &testEnv{api: a, ledger: ledger, contracts: contracts, storage: st, client: client}
}

func (e *testEnv) request(c *qt.C, method, path string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		c.Assert(err, qt.IsNil)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	e.api.Router().ServeHTTP(rec, req)
	return rec
}

func decode[T any](c *qt.C, rec *httptest.ResponseRecorder) *T {
	out := new(T)
	c.Assert(json.Unmarshal(rec.Body.Bytes(), out), qt.IsNil, qt.Commentf("body: %s", rec.Body.String()))
	return out
}

func errorCode(c *qt.C, rec *httptest.ResponseRecorder) int {
	var resp struct {
		Code int `json:"code"`
	}
	c.Assert(json.Unmarshal(rec.Body.Bytes(), &resp), qt.IsNil, qt.Commentf("body: %s", rec.Body.String()))
	return resp.Code
}

func TestNewRequiresDependencies(t *testing.T) {
	c := qt.New(t)
	_, err := newAPI(nil)
	c.Assert(err, qt.IsNotNil)
	_, err = newAPI(&APIConfig{Network: "sep"})
	c.Assert(err, qt.ErrorMatches, "missing storage instance")
}

func TestPingAndInfo(t *testing.T) {
	c := qt.New(t)
	env := newTestEnv(c)

	rec := env.request(c, http.MethodGet, PingEndpoint, nil)
	c.Assert(rec.Code, qt.Equals, http.StatusOK)

	rec = env.request(c, http.MethodGet, InfoEndpoint, nil)
	c.Assert(rec.Code, qt.Equals, http.StatusOK)
	info := decode[NodeInfo](c, rec)
	c.Assert(info.Network, qt.Equals, "sep")
	c.Assert(info.ChainID, qt.Equals, uint64(testChainID))
	c.Assert(info.Contracts.ZkVoting, qt.Equals, contractAddr)
	c.Assert(info.VoteLimit, qt.Equals, int64(2))
	c.Assert(info.CircuitVersion, qt.Equals, "api-test")
}

func TestGenerateProof(t *testing.T) {
	c := qt.New(t)
	env := newTestEnv(c)

	for _, path := range []string{ProofsEndpoint, GenerateProofEndpoint} {
		rec := env.request(c, http.MethodPost, path, map[string]int{"voteChoice": 1, "voteLimit": 2})
		c.Assert(rec.Code, qt.Equals, http.StatusOK)
		resp := decode[ProofResponse](c, rec)
		c.Assert(resp.Handle, qt.Not(qt.Equals), "")
		c.Assert(resp.Inputs, qt.HasLen, 2)
		c.Assert(resp.Inputs[0].String(), qt.Equals, "2")
		c.Assert(resp.Proof.B[0][1].String(), qt.Equals, "4")
		c.Assert(resp.CircuitVersion, qt.Equals, "api-test")
	}

	// the wire shape keeps the proof and inputs keys
	rec := env.request(c, http.MethodPost, ProofsEndpoint, `{"voteChoice":2,"voteLimit":2}`)
	c.Assert(rec.Code, qt.Equals, http.StatusOK)
	var raw map[string]json.RawMessage
	c.Assert(json.Unmarshal(rec.Body.Bytes(), &raw), qt.IsNil)
	c.Assert(raw["proof"], qt.IsNotNil)
	c.Assert(raw["inputs"], qt.IsNotNil)
}

func TestGenerateProofErrors(t *testing.T) {
	c := qt.New(t)
	env := newTestEnv(c)

	tests := []struct {
		name   string
		body   string
		status int
		code   int
	}{
		{"out of range", `{"voteChoice":5,"voteLimit":2}`, http.StatusBadRequest, ErrInvalidVoteInput.Code},
		{"zero choice", `{"voteChoice":0,"voteLimit":2}`, http.StatusBadRequest, ErrInvalidVoteInput.Code},
		{"missing limit", `{"voteChoice":1}`, http.StatusBadRequest, ErrInvalidVoteInput.Code},
		{"not an integer", `{"voteChoice":"one","voteLimit":2}`, http.StatusBadRequest, ErrInvalidVoteInput.Code},
		{"fractional", `{"voteChoice":1.5,"voteLimit":2}`, http.StatusBadRequest, ErrInvalidVoteInput.Code},
		{"malformed", `{"voteChoice":`, http.StatusBadRequest, ErrMalformedBody.Code},
	}
	for _, tt := range tests {
		c.Run(tt.name, func(c *qt.C) {
			rec := env.request(c, http.MethodPost, ProofsEndpoint, tt.body)
			c.Assert(rec.Code, qt.Equals, tt.status)
			c.Assert(errorCode(c, rec), qt.Equals, tt.code)
		})
	}
	stats, err := env.storage.ProofStats()
	c.Assert(err, qt.IsNil)
	c.Assert(stats, qt.HasLen, 0)
}

func TestProofAndCalldata(t *testing.T) {
	c := qt.New(t)
	env := newTestEnv(c)

	rec := env.request(c, http.MethodPost, ProofsEndpoint, map[string]int{"voteChoice": 1, "voteLimit": 2})
	c.Assert(rec.Code, qt.Equals, http.StatusOK)
	handle := decode[ProofResponse](c, rec).Handle
	proofPath := EndpointWithParam(ProofEndpoint, HandleURLParam, handle)
	calldataPath := EndpointWithParam(ProofCalldataEndpoint, HandleURLParam, handle)

	rec = env.request(c, http.MethodGet, proofPath, nil)
	c.Assert(rec.Code, qt.Equals, http.StatusOK)
	info := decode[ProofInfoResponse](c, rec)
	c.Assert(info.State, qt.Equals, storage.HandleIssued)
	c.Assert(info.VoteLimit, qt.Equals, uint64(2))
	c.Assert(info.Proof, qt.IsNotNil)
	c.Assert(info.Inputs, qt.HasLen, 2)

	rec = env.request(c, http.MethodPost, calldataPath, nil)
	c.Assert(rec.Code, qt.Equals, http.StatusOK)
	calldata := decode[CalldataResponse](c, rec)
	c.Assert(calldata.To, qt.Equals, contractAddr)
	c.Assert(calldata.ChainID, qt.Equals, uint64(testChainID))
	got, err := web3.UnpackVote(calldata.Data)
	c.Assert(err, qt.IsNil)
	c.Assert(got.Inputs[0].String(), qt.Equals, "2")

	// single use
	rec = env.request(c, http.MethodPost, calldataPath, nil)
	c.Assert(rec.Code, qt.Equals, http.StatusGone)
	c.Assert(errorCode(c, rec), qt.Equals, ErrProofHandleConsumed.Code)

	// a consumed handle only reports its state
	rec = env.request(c, http.MethodGet, proofPath, nil)
	c.Assert(rec.Code, qt.Equals, http.StatusOK)
	info = decode[ProofInfoResponse](c, rec)
	c.Assert(info.State, qt.Equals, storage.HandleConsumed)
	c.Assert(info.Handle, qt.Equals, handle)
	c.Assert(info.Proof, qt.IsNil)
	c.Assert(info.Inputs, qt.IsNil)
	var raw map[string]any
	c.Assert(json.Unmarshal(rec.Body.Bytes(), &raw), qt.IsNil)
	_, hasProof := raw["proof"]
	c.Assert(hasProof, qt.IsFalse)

	rec = env.request(c, http.MethodGet, EndpointWithParam(ProofEndpoint, HandleURLParam, "missing"), nil)
	c.Assert(rec.Code, qt.Equals, http.StatusNotFound)
	c.Assert(errorCode(c, rec), qt.Equals, ErrProofHandleNotFound.Code)
}

func TestVoterStatus(t *testing.T) {
	c := qt.New(t)
	env := newTestEnv(c)
	voter, err := ethereum.NewSignerFromSeed([]byte("alice"))
	c.Assert(err, qt.IsNil)
	path := EndpointWithParam(VoterEndpoint, AddressURLParam, voter.Address().Hex())

	rec := env.request(c, http.MethodGet, path, nil)
	c.Assert(rec.Code, qt.Equals, http.StatusOK)
	resp := decode[VoterStatusResponse](c, rec)
	c.Assert(resp.Status, qt.Equals, types.VoteStatusNotVoted)
	c.Assert(resp.Eligible, qt.IsTrue)

	// a ledger that cannot be read never reports the voter as eligible
	env.ledger.FailReads(errors.New("connection refused"))
	rec = env.request(c, http.MethodGet, path, nil)
	c.Assert(rec.Code, qt.Equals, http.StatusOK)
	resp = decode[VoterStatusResponse](c, rec)
	c.Assert(resp.Status, qt.Equals, types.VoteStatusUnknown)
	c.Assert(resp.Eligible, qt.IsFalse)
	c.Assert(resp.Error, qt.Contains, "could not be read")

	rec = env.request(c, http.MethodGet, EndpointWithParam(VoterEndpoint, AddressURLParam, "0x1234"), nil)
	c.Assert(rec.Code, qt.Equals, http.StatusBadRequest)
	c.Assert(errorCode(c, rec), qt.Equals, ErrMalformedAddress.Code)
}

func TestVoteStatus(t *testing.T) {
	c := qt.New(t)
	env := newTestEnv(c)
	voter, err := ethereum.NewSignerFromSeed([]byte("bob"))
	c.Assert(err, qt.IsNil)

	gen, err := prover.New(testPipeline{}, env.storage, 1).GenerateProof(context.Background(), 1, 2)
	c.Assert(err, qt.IsNil)
	sub, err := env.client.Submit(context.Background(), gen.Handle, voter)
	c.Assert(err, qt.IsNil)
	_, err = env.client.Wait(context.Background(), sub)
	c.Assert(err, qt.IsNil)

	rec := env.request(c, http.MethodGet, EndpointWithParam(VoteEndpoint, TxHashURLParam, sub.TxHash.Hex()), nil)
	c.Assert(rec.Code, qt.Equals, http.StatusOK)
	resp := decode[VoteStatusResponse](c, rec)
	c.Assert(resp.Status, qt.Equals, storage.SubmissionConfirmed)
	c.Assert(resp.ExplorerURL, qt.Equals, "https://sepolia.etherscan.io/tx/"+sub.TxHash.Hex())
	c.Assert(resp.BlockNumber > 0, qt.IsTrue)

	unknown := common.HexToHash("0x42").Hex()
	rec = env.request(c, http.MethodGet, EndpointWithParam(VoteEndpoint, TxHashURLParam, unknown), nil)
	c.Assert(rec.Code, qt.Equals, http.StatusNotFound)
	c.Assert(errorCode(c, rec), qt.Equals, ErrTransactionNotFound.Code)

	rec = env.request(c, http.MethodGet, EndpointWithParam(VoteEndpoint, TxHashURLParam, "0xzz"), nil)
	c.Assert(rec.Code, qt.Equals, http.StatusBadRequest)
	c.Assert(errorCode(c, rec), qt.Equals, ErrMalformedTxHash.Code)
}

func TestTrackVote(t *testing.T) {
	c := qt.New(t)
	env := newTestEnv(c)
	voter, err := ethereum.NewSignerFromSeed([]byte("carol"))
	c.Assert(err, qt.IsNil)
	ctx := context.Background()

	rec := env.request(c, http.MethodPost, ProofsEndpoint, map[string]int{"voteChoice": 2, "voteLimit": 2})
	c.Assert(rec.Code, qt.Equals, http.StatusOK)
	handle := decode[ProofResponse](c, rec).Handle
	unknown := common.HexToHash("0xbeef").Hex()

	// not redeemed yet
	rec = env.request(c, http.MethodPost, VotesEndpoint, &TrackVoteRequest{TxHash: unknown, Voter: voter.Address().Hex(), Handle: handle})
	c.Assert(rec.Code, qt.Equals, http.StatusConflict)
	c.Assert(errorCode(c, rec), qt.Equals, ErrHandleNotRedeemed.Code)

	rec = env.request(c, http.MethodPost, EndpointWithParam(ProofCalldataEndpoint, HandleURLParam, handle), nil)
	c.Assert(rec.Code, qt.Equals, http.StatusOK)
	calldata := decode[CalldataResponse](c, rec)

	// the transaction must exist on the ledger
	rec = env.request(c, http.MethodPost, VotesEndpoint, &TrackVoteRequest{TxHash: unknown, Voter: voter.Address().Hex(), Handle: handle})
	c.Assert(rec.Code, qt.Equals, http.StatusNotFound)
	c.Assert(errorCode(c, rec), qt.Equals, ErrTransactionNotFound.Code)

	// and be sent by the voter
	other, err := ethereum.NewSignerFromSeed([]byte("trudy"))
	c.Assert(err, qt.IsNil)
	foreign, err := env.ledger.Transact(ctx, other, calldata.Data)
	c.Assert(err, qt.IsNil)
	rec = env.request(c, http.MethodPost, VotesEndpoint, &TrackVoteRequest{TxHash: foreign.Hex(), Voter: voter.Address().Hex(), Handle: handle})
	c.Assert(rec.Code, qt.Equals, http.StatusUnprocessableEntity)
	c.Assert(errorCode(c, rec), qt.Equals, ErrTransactionMismatch.Code)

	txHash, err := env.ledger.Transact(ctx, voter, calldata.Data)
	c.Assert(err, qt.IsNil)
	rec = env.request(c, http.MethodPost, VotesEndpoint, &TrackVoteRequest{TxHash: txHash.Hex(), Voter: voter.Address().Hex(), Handle: handle})
	c.Assert(rec.Code, qt.Equals, http.StatusOK)
	resp := decode[VoteStatusResponse](c, rec)
	c.Assert(resp.Voter, qt.Equals, voter.Address().Hex())

	// a handle tracks a single transaction
	again, err := env.ledger.Transact(ctx, voter, calldata.Data)
	c.Assert(err, qt.IsNil)
	rec = env.request(c, http.MethodPost, VotesEndpoint, &TrackVoteRequest{TxHash: again.Hex(), Voter: voter.Address().Hex(), Handle: handle})
	c.Assert(rec.Code, qt.Equals, http.StatusConflict)
	c.Assert(errorCode(c, rec), qt.Equals, ErrHandleTracked.Code)

	rec = env.request(c, http.MethodPost, VotesEndpoint, &TrackVoteRequest{TxHash: "0x01", Voter: voter.Address().Hex()})
	c.Assert(rec.Code, qt.Equals, http.StatusBadRequest)
	c.Assert(errorCode(c, rec), qt.Equals, ErrMalformedTxHash.Code)
}

func TestAPIErrorMapping(t *testing.T) {
	c := qt.New(t)
	stageErr := &types.StageError{Stage: types.StageSetup, Err: types.ErrToolchainStageTimeout}
	c.Assert(apiError(stageErr).Code, qt.Equals, ErrToolchainStageTimeout.Code)
	witnessErr := &types.StageError{Stage: types.StageComputeWitness, Err: types.ErrInvalidWitness}
	c.Assert(apiError(witnessErr).Code, qt.Equals, ErrInvalidWitness.Code)
	c.Assert(apiError(&types.StageError{Stage: types.StageCompile, Err: errors.New("boom")}).Code,
		qt.Equals, ErrToolchainStageFailed.Code)
	c.Assert(apiError(types.ErrAlreadyVoted).Code, qt.Equals, ErrAlreadyVoted.Code)
	c.Assert(apiError(errors.New("other")).Code, qt.Equals, ErrGenericInternalServerError.Code)
	c.Assert(apiError(ErrMalformedBody).Code, qt.Equals, ErrMalformedBody.Code)

	// every kind has its own message
	seen := map[string]bool{}
	for _, de := range domainErrors {
		msg := de.apiErr.Error()
		c.Assert(seen[msg], qt.IsFalse, qt.Commentf("duplicated message %q", msg))
		seen[msg] = true
	}
}
