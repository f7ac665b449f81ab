package storage

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/vocdoni/zkvote-node/db"
	"github.com/vocdoni/zkvote-node/db/metadb"
	"github.com/vocdoni/zkvote-node/types"
)

func testProof() *types.ProofArtifact {
	n := types.NewInt
	return &types.ProofArtifact{
		Proof: types.ProofComponents{
			A: [2]*types.BigInt{n(1), n(2)},
			B: [2][2]*types.BigInt{{n(3), n(4)}, {n(5), n(6)}},
			C: [2]*types.BigInt{n(7), n(8)},
		},
		Inputs:         []*types.BigInt{n(2), n(1234567)},
		CircuitVersion: "test-v1",
	}
}

func newTestStorage(t *testing.T) *Storage {
	st := New(metadb.NewTest())
	t.Cleanup(st.Close)
	return st
}

func TestProofHandleLifecycle(t *testing.T) {
	c := qt.New(t)
	st := newTestStorage(t)

	c.Assert(st.StoreProof(&ProofRecord{Handle: "h1", Proof: testProof(), VoteLimit: 2}), qt.IsNil)
	c.Assert(st.StoreProof(&ProofRecord{Handle: "h1", Proof: testProof()}), qt.IsNotNil)
	c.Assert(st.StoreProof(&ProofRecord{Proof: testProof()}), qt.IsNotNil)

	rec, err := st.Proof("h1")
	c.Assert(err, qt.IsNil)
	c.Assert(rec.State, qt.Equals, HandleIssued)
	c.Assert(rec.Proof, qt.DeepEquals, testProof())
	c.Assert(rec.CreatedAt.IsZero(), qt.IsFalse)

	// callers get copies
	rec.Proof.Inputs[0] = types.NewInt(99)
	rec, err = st.Proof("h1")
	c.Assert(err, qt.IsNil)
	c.Assert(rec.Proof.Inputs[0].String(), qt.Equals, "2")

	rec, err = st.ReserveProof("h1")
	c.Assert(err, qt.IsNil)
	c.Assert(rec.State, qt.Equals, HandleReserved)
	_, err = st.ReserveProof("h1")
	c.Assert(errors.Is(err, types.ErrProofHandleBusy), qt.IsTrue)

	c.Assert(st.ReleaseProof("h1"), qt.IsNil)
	_, err = st.ReserveProof("h1")
	c.Assert(err, qt.IsNil)

	c.Assert(st.ConsumeProof("h1", "0xabc"), qt.IsNil)
	_, err = st.ReserveProof("h1")
	c.Assert(errors.Is(err, types.ErrProofHandleConsumed), qt.IsTrue)
	c.Assert(errors.Is(st.ConsumeProof("h1", "0xdef"), types.ErrProofHandleConsumed), qt.IsTrue)
	// releasing a consumed handle does not bring it back
	c.Assert(st.ReleaseProof("h1"), qt.IsNil)
	rec, err = st.Proof("h1")
	c.Assert(err, qt.IsNil)
	c.Assert(rec.State, qt.Equals, HandleConsumed)
	c.Assert(rec.TxHash, qt.Equals, "0xabc")

	_, err = st.Proof("missing")
	c.Assert(errors.Is(err, types.ErrProofHandleNotFound), qt.IsTrue)
	_, err = st.ReserveProof("missing")
	c.Assert(errors.Is(err, types.ErrProofHandleNotFound), qt.IsTrue)

	stats, err := st.ProofStats()
	c.Assert(err, qt.IsNil)
	c.Assert(stats[HandleConsumed], qt.Equals, 1)
}

func TestReleaseStaleReservations(t *testing.T) {
	c := qt.New(t)
	st := newTestStorage(t)

	c.Assert(st.StoreProof(&ProofRecord{Handle: "old", Proof: testProof()}), qt.IsNil)
	c.Assert(st.StoreProof(&ProofRecord{Handle: "new", Proof: testProof()}), qt.IsNil)
	_, err := st.ReserveProof("old")
	c.Assert(err, qt.IsNil)
	_, err = st.ReserveProof("new")
	c.Assert(err, qt.IsNil)

	// age the first reservation
	st.globalLock.Lock()
	rec, err := st.proofUnsafe("old")
	c.Assert(err, qt.IsNil)
	aged := cloneRecord(rec)
	aged.ReservedAt = time.Now().Add(-time.Hour)
	c.Assert(st.putProofUnsafe(aged), qt.IsNil)
	st.globalLock.Unlock()

	n, err := st.releaseStaleReservations(time.Minute)
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, 1)
	rec, err = st.Proof("old")
	c.Assert(err, qt.IsNil)
	c.Assert(rec.State, qt.Equals, HandleIssued)
	rec, err = st.Proof("new")
	c.Assert(err, qt.IsNil)
	c.Assert(rec.State, qt.Equals, HandleReserved)
}

func TestRefreshReservation(t *testing.T) {
	c := qt.New(t)
	st := newTestStorage(t)

	c.Assert(st.StoreProof(&ProofRecord{Handle: "h", Proof: testProof()}), qt.IsNil)
	c.Assert(st.RefreshReservation("h"), qt.IsNotNil)
	_, err := st.ReserveProof("h")
	c.Assert(err, qt.IsNil)

	st.globalLock.Lock()
	rec, err := st.proofUnsafe("h")
	c.Assert(err, qt.IsNil)
	aged := cloneRecord(rec)
	aged.ReservedAt = time.Now().Add(-time.Hour)
	c.Assert(st.putProofUnsafe(aged), qt.IsNil)
	st.globalLock.Unlock()

	// a refreshed reservation is not stale anymore
	c.Assert(st.RefreshReservation("h"), qt.IsNil)
	n, err := st.releaseStaleReservations(time.Minute)
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, 0)
	rec, err = st.Proof("h")
	c.Assert(err, qt.IsNil)
	c.Assert(rec.State, qt.Equals, HandleReserved)

	st.SetReservationTimeout(time.Second)
	c.Assert(st.ReservationTimeout(), qt.Equals, time.Second)
}

func TestExpireIssuedHandles(t *testing.T) {
	c := qt.New(t)
	st := newTestStorage(t)

	old := time.Now().Add(-2 * DefaultHandleTTL)
	c.Assert(st.StoreProof(&ProofRecord{Handle: "old", Proof: testProof(), CreatedAt: old}), qt.IsNil)
	c.Assert(st.StoreProof(&ProofRecord{Handle: "oldUsed", Proof: testProof(), CreatedAt: old}), qt.IsNil)
	c.Assert(st.StoreProof(&ProofRecord{Handle: "fresh", Proof: testProof()}), qt.IsNil)
	_, err := st.ReserveProof("oldUsed")
	c.Assert(err, qt.IsNil)
	c.Assert(st.ConsumeProof("oldUsed", "0xaa"), qt.IsNil)
	// warm the cache so the expired handle must be evicted from it too
	_, err = st.Proof("old")
	c.Assert(err, qt.IsNil)

	n, err := st.expireIssuedHandles(DefaultHandleTTL)
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, 1)
	_, err = st.Proof("old")
	c.Assert(errors.Is(err, types.ErrProofHandleNotFound), qt.IsTrue)
	_, err = st.Proof("oldUsed")
	c.Assert(err, qt.IsNil)
	_, err = st.Proof("fresh")
	c.Assert(err, qt.IsNil)
}

func TestLinkAndRestoreProof(t *testing.T) {
	c := qt.New(t)
	st := newTestStorage(t)

	c.Assert(st.StoreProof(&ProofRecord{Handle: "h", Proof: testProof()}), qt.IsNil)
	c.Assert(st.LinkProof("h", "0xaa"), qt.IsNotNil)
	_, err := st.ReserveProof("h")
	c.Assert(err, qt.IsNil)
	c.Assert(st.ConsumeProof("h", ""), qt.IsNil)

	// one transaction per handle
	c.Assert(st.LinkProof("h", "0xaa"), qt.IsNil)
	c.Assert(st.LinkProof("h", "0xAA"), qt.IsNil)
	c.Assert(errors.Is(st.LinkProof("h", "0xbb"), ErrHandleLinked), qt.IsTrue)

	// only the failure of the linked transaction restores the handle
	restored, err := st.RestoreProof("h", "0xbb")
	c.Assert(err, qt.IsNil)
	c.Assert(restored, qt.IsFalse)
	restored, err = st.RestoreProof("h", "0xaa")
	c.Assert(err, qt.IsNil)
	c.Assert(restored, qt.IsTrue)
	rec, err := st.Proof("h")
	c.Assert(err, qt.IsNil)
	c.Assert(rec.State, qt.Equals, HandleIssued)
	c.Assert(rec.TxHash, qt.Equals, "")

	_, err = st.ReserveProof("h")
	c.Assert(err, qt.IsNil)
	restored, err = st.RestoreProof("h", "0xaa")
	c.Assert(err, qt.IsNil)
	c.Assert(restored, qt.IsFalse)
}

func TestReservationsReleasedOnRestart(t *testing.T) {
	c := qt.New(t)
	database, err := metadb.New(db.TypePebble, filepath.Join(t.TempDir(), "db"))
	c.Assert(err, qt.IsNil)
	st := New(database)
	c.Assert(st.StoreProof(&ProofRecord{Handle: "h", Proof: testProof()}), qt.IsNil)
	_, err = st.ReserveProof("h")
	c.Assert(err, qt.IsNil)
	st.stopOnce.Do(func() { close(st.stop) })

	// a new Storage on the same database clears the reservation
	st2 := New(database)
	rec, err := st2.Proof("h")
	c.Assert(err, qt.IsNil)
	c.Assert(rec.State, qt.Equals, HandleIssued)
	st2.Close()
}

func TestSubmissions(t *testing.T) {
	c := qt.New(t)
	st := newTestStorage(t)
	voter := "0x00000000000000000000000000000000000000Aa"

	c.Assert(st.AddSubmission(&SubmissionRecord{TxHash: "0x01", Voter: voter, Handle: "h1"}), qt.IsNil)
	c.Assert(st.AddSubmission(&SubmissionRecord{TxHash: "0x02", Voter: voter, Handle: "h2"}), qt.IsNil)
	c.Assert(st.AddSubmission(&SubmissionRecord{TxHash: "0x03", Voter: "0xbb", Handle: "h3"}), qt.IsNil)
	c.Assert(st.AddSubmission(&SubmissionRecord{}), qt.IsNotNil)

	rec, err := st.Submission("0x01")
	c.Assert(err, qt.IsNil)
	c.Assert(rec.Status, qt.Equals, SubmissionPending)
	c.Assert(rec.Handle, qt.Equals, "h1")

	rec, err = st.UpdateSubmission("0x01", func(r *SubmissionRecord) {
		r.Status = SubmissionConfirmed
		r.BlockNumber = 42
	})
	c.Assert(err, qt.IsNil)
	c.Assert(rec.Status, qt.Equals, SubmissionConfirmed)

	// final entries do not change
	rec, err = st.UpdateSubmission("0x01", func(r *SubmissionRecord) { r.Status = SubmissionFailed })
	c.Assert(err, qt.IsNil)
	c.Assert(rec.Status, qt.Equals, SubmissionConfirmed)
	c.Assert(rec.BlockNumber, qt.Equals, uint64(42))

	_, err = st.UpdateSubmission("0xff", func(*SubmissionRecord) {})
	c.Assert(errors.Is(err, ErrNotFound), qt.IsTrue)

	recs, err := st.VoterSubmissions("0x00000000000000000000000000000000000000aA")
	c.Assert(err, qt.IsNil)
	c.Assert(recs, qt.HasLen, 2)

	pending, err := st.PendingSubmissions()
	c.Assert(err, qt.IsNil)
	c.Assert(pending, qt.HasLen, 2)
}
