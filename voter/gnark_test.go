package voter

import (
	"context"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/vocdoni/zkvote-node/db/metadb"
	"github.com/vocdoni/zkvote-node/eligibility"
	"github.com/vocdoni/zkvote-node/prover"
	"github.com/vocdoni/zkvote-node/storage"
	"github.com/vocdoni/zkvote-node/submission"
	"github.com/vocdoni/zkvote-node/toolchain"
	"github.com/vocdoni/zkvote-node/types"
	"github.com/vocdoni/zkvote-node/web3"
	"github.com/vocdoni/zkvote-node/web3/simledger"
)

// TestVoteWithGnarkProofs runs real groth16 proofs through the whole flow,
// with the ledger verifying them against the provisioned verification key.
func TestVoteWithGnarkProofs(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping groth16 setup in short mode")
	}
	c := qt.New(t)
	ctx := context.Background()

	adapter, err := toolchain.New(&toolchain.Config{
		Backend:  toolchain.NewGnarkBackend(),
		WorkDir:  c.TempDir(),
		Isolated: true,
	})
	c.Assert(err, qt.IsNil)
	c.Assert(adapter.Provision(ctx), qt.IsNil)

	ledger := simledger.New(testChainID, contractAddr, adapter)
	contracts, err := web3.NewWithBackend(ledger, contractAddr)
	c.Assert(err, qt.IsNil)
	st := storage.New(metadb.NewTest())
	c.Cleanup(st.Close)
	checker := eligibility.New(contracts)
	proofs := prover.New(adapter, st, 2)
	client := submission.New(contracts, st, checker)
	c.Cleanup(client.Close)
	voter := newVoter(c, "gnark-voter")

	a := NewAttempt(voter, 1, 2, checker, proofs, client)
	c.Assert(a.Run(ctx), qt.IsNil)
	c.Assert(a.State(), qt.Equals, Confirmed)
	c.Assert(a.Proof().Proof.CircuitVersion, qt.Equals, toolchain.GnarkVersion)
	c.Assert(ledger.HasVoted(voter.Address()), qt.IsTrue)
	voted, err := contracts.HasVoted(ctx, voter.Address())
	c.Assert(err, qt.IsNil)
	c.Assert(voted, qt.IsTrue)

	// a fresh valid proof is refused as a double vote, bypassing the
	// eligibility check of the attempt
	second, err := proofs.GenerateProof(ctx, 2, 2)
	c.Assert(err, qt.IsNil)
	c.Assert(adapter.Verify(ctx, second.Proof), qt.IsNil)
	_, err = client.Submit(ctx, second.Handle, voter)
	c.Assert(err, qt.ErrorIs, types.ErrAlreadyVoted)
	c.Assert(ledger.Pending(), qt.Equals, 0)
	rec, err := st.Proof(second.Handle)
	c.Assert(err, qt.IsNil)
	c.Assert(rec.State, qt.Equals, storage.HandleConsumed)

	// a tampered proof is a plain transaction failure
	third, err := proofs.GenerateProof(ctx, 1, 2)
	c.Assert(err, qt.IsNil)
	bad := third.Proof.Clone()
	bad.Proof.A[0] = types.NewInt(1)
	c.Assert(st.StoreProof(&storage.ProofRecord{Handle: "tampered", Proof: bad, VoteLimit: 2}), qt.IsNil)
	other := newVoter(c, "gnark-other")
	_, err = client.Submit(ctx, "tampered", other)
	c.Assert(err, qt.ErrorIs, types.ErrTransactionFailed)
	c.Assert(err, qt.Not(qt.ErrorIs), types.ErrAlreadyVoted)
	c.Assert(ledger.HasVoted(other.Address()), qt.IsFalse)
}
