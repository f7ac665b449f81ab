package solidity

import (
	"math/big"
	"testing"

	"github.com/consensys/gnark-crypto/ecc/bn254"
	groth16_bn254 "github.com/consensys/gnark/backend/groth16/bn254"
	qt "github.com/frankban/quicktest"
	"github.com/vocdoni/zkvote-node/types"
)

func generatorProof() *groth16_bn254.Proof {
	_, _, g1, g2 := bn254.Generators()
	return &groth16_bn254.Proof{Ar: g1, Bs: g2, Krs: g1}
}

func TestGnarkProofRoundTrip(t *testing.T) {
	c := qt.New(t)
	proof := generatorProof()
	inputs := []*big.Int{big.NewInt(2), big.NewInt(12345)}

	p, err := FromGnarkProof(proof, inputs)
	c.Assert(err, qt.IsNil)
	c.Assert(p.Validate(), qt.IsNil)
	c.Assert(p.Proof.A[0].MathBigInt().Cmp(big.NewInt(1)), qt.Equals, 0)
	c.Assert(p.Proof.A[1].MathBigInt().Cmp(big.NewInt(2)), qt.Equals, 0)
	// b coordinates are ordered imaginary first
	c.Assert(p.Proof.B[0][0].MathBigInt().Cmp(proof.Bs.X.A1.BigInt(new(big.Int))), qt.Equals, 0)
	c.Assert(p.Proof.B[0][1].MathBigInt().Cmp(proof.Bs.X.A0.BigInt(new(big.Int))), qt.Equals, 0)

	back, err := ToGnarkProof(p)
	c.Assert(err, qt.IsNil)
	g16, ok := back.(*groth16_bn254.Proof)
	c.Assert(ok, qt.IsTrue)
	c.Assert(g16.Ar.Equal(&proof.Ar), qt.IsTrue)
	c.Assert(g16.Bs.Equal(&proof.Bs), qt.IsTrue)
	c.Assert(g16.Krs.Equal(&proof.Krs), qt.IsTrue)
}

func TestFromGnarkProofRejectsCommitments(t *testing.T) {
	c := qt.New(t)
	proof := generatorProof()
	proof.Commitments = []bn254.G1Affine{proof.Ar}
	_, err := FromGnarkProof(proof, nil)
	c.Assert(err, qt.ErrorMatches, `.*commitments.*`)
}

func TestToGnarkProofRejectsPointsOffCurve(t *testing.T) {
	c := qt.New(t)
	p, err := FromGnarkProof(generatorProof(), []*big.Int{big.NewInt(1)})
	c.Assert(err, qt.IsNil)
	p.Proof.C[1] = types.NewInt(5)
	_, err = ToGnarkProof(p)
	c.Assert(err, qt.ErrorMatches, `proof point c is not on the curve`)
}

func TestVerifierCall(t *testing.T) {
	c := qt.New(t)
	p, err := FromGnarkProof(generatorProof(), []*big.Int{big.NewInt(2), big.NewInt(99)})
	c.Assert(err, qt.IsNil)

	vp, inputs, err := ToVerifierCall(p)
	c.Assert(err, qt.IsNil)
	c.Assert(vp.A.X.Int64(), qt.Equals, int64(1))
	c.Assert(vp.B.X[0].Cmp(p.Proof.B[0][0].MathBigInt()), qt.Equals, 0)
	c.Assert(inputs[0].Int64(), qt.Equals, int64(2))
	c.Assert(inputs[1].Int64(), qt.Equals, int64(99))

	back := FromVerifierCall(vp, inputs)
	c.Assert(back.Clone(), qt.DeepEquals, p.Clone())

	p.Inputs = p.Inputs[:1]
	_, _, err = ToVerifierCall(p)
	c.Assert(err, qt.ErrorMatches, `expected 2 public inputs, got 1`)

	p.Inputs = []*types.BigInt{types.NewInt(1), new(types.BigInt).SetBigInt(new(big.Int).Lsh(big.NewInt(1), 256))}
	_, _, err = ToVerifierCall(p)
	c.Assert(err, qt.ErrorMatches, `.*overflows uint256`)
}
