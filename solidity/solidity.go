// Package solidity converts Groth16 proofs between the gnark representation,
// the JSON proof artifact and the argument layout of the ZkVoting verifier.
package solidity

import (
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254"
	"github.com/consensys/gnark/backend/groth16"
	groth16_bn254 "github.com/consensys/gnark/backend/groth16/bn254"
	"github.com/holiman/uint256"
	"github.com/vocdoni/zkvote-node/types"
)

// PublicInputsLen is the number of public inputs accepted by the verifier:
// the vote limit and the vote commitment.
const PublicInputsLen = 2

// G1Point mirrors Pairing.G1Point in the verifier contract.
type G1Point struct {
	X *big.Int
	Y *big.Int
}

// G2Point mirrors Pairing.G2Point. Each coordinate is an Fp2 element encoded
// as [imaginary, real].
type G2Point struct {
	X [2]*big.Int
	Y [2]*big.Int
}

// VerifierProof mirrors the Verifier.Proof struct taken by ZkVoting.vote.
type VerifierProof struct {
	A G1Point
	B G2Point
	C G1Point
}

// FromGnarkProof converts a gnark BN254 Groth16 proof and its public inputs
// into a proof artifact. Proofs carrying Pedersen commitments are rejected
// since the verifier contract cannot check them.
func FromGnarkProof(proof groth16.Proof, inputs []*big.Int) (*types.ProofArtifact, error) {
	g16proof, ok := proof.(*groth16_bn254.Proof)
	if !ok {
		return nil, fmt.Errorf("expected groth16_bn254.Proof, got %T", proof)
	}
	if len(g16proof.Commitments) > 0 {
		return nil, fmt.Errorf("proofs with commitments are not supported by the verifier")
	}
	bi := func(e interface{ BigInt(*big.Int) *big.Int }) *types.BigInt {
		return new(types.BigInt).SetBigInt(e.BigInt(new(big.Int)))
	}
	p := &types.ProofArtifact{
		Proof: types.ProofComponents{
			A: [2]*types.BigInt{bi(&g16proof.Ar.X), bi(&g16proof.Ar.Y)},
			B: [2][2]*types.BigInt{
				{bi(&g16proof.Bs.X.A1), bi(&g16proof.Bs.X.A0)},
				{bi(&g16proof.Bs.Y.A1), bi(&g16proof.Bs.Y.A0)},
			},
			C: [2]*types.BigInt{bi(&g16proof.Krs.X), bi(&g16proof.Krs.Y)},
		},
		Inputs: make([]*types.BigInt, len(inputs)),
	}
	for i, in := range inputs {
		p.Inputs[i] = new(types.BigInt).SetBigInt(in)
	}
	return p, nil
}

// ToGnarkProof rebuilds the gnark proof from an artifact. Points not on the
// curve are rejected.
func ToGnarkProof(p *types.ProofArtifact) (groth16.Proof, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	proof := &groth16_bn254.Proof{}
	proof.Ar.X.SetBigInt(p.Proof.A[0].MathBigInt())
	proof.Ar.Y.SetBigInt(p.Proof.A[1].MathBigInt())
	proof.Bs.X.A1.SetBigInt(p.Proof.B[0][0].MathBigInt())
	proof.Bs.X.A0.SetBigInt(p.Proof.B[0][1].MathBigInt())
	proof.Bs.Y.A1.SetBigInt(p.Proof.B[1][0].MathBigInt())
	proof.Bs.Y.A0.SetBigInt(p.Proof.B[1][1].MathBigInt())
	proof.Krs.X.SetBigInt(p.Proof.C[0].MathBigInt())
	proof.Krs.Y.SetBigInt(p.Proof.C[1].MathBigInt())

	for name, pt := range map[string]*bn254.G1Affine{"a": &proof.Ar, "c": &proof.Krs} {
		if !pt.IsOnCurve() {
			return nil, fmt.Errorf("proof point %s is not on the curve", name)
		}
	}
	if !proof.Bs.IsOnCurve() {
		return nil, fmt.Errorf("proof point b is not on the curve")
	}
	return proof, nil
}

// ToVerifierCall returns the two arguments of ZkVoting.vote for p. Every value
// must fit in a uint256 and exactly PublicInputsLen inputs are required.
func ToVerifierCall(p *types.ProofArtifact) (VerifierProof, [PublicInputsLen]*big.Int, error) {
	var (
		vp     VerifierProof
		inputs [PublicInputsLen]*big.Int
	)
	if p == nil {
		return vp, inputs, fmt.Errorf("nil proof")
	}
	if len(p.Inputs) != PublicInputsLen {
		return vp, inputs, fmt.Errorf("expected %d public inputs, got %d", PublicInputsLen, len(p.Inputs))
	}
	var err error
	conv := func(v *types.BigInt) *big.Int {
		if err != nil {
			return nil
		}
		var out *big.Int
		out, err = toUint256(v)
		return out
	}
	vp.A = G1Point{X: conv(p.Proof.A[0]), Y: conv(p.Proof.A[1])}
	vp.B = G2Point{
		X: [2]*big.Int{conv(p.Proof.B[0][0]), conv(p.Proof.B[0][1])},
		Y: [2]*big.Int{conv(p.Proof.B[1][0]), conv(p.Proof.B[1][1])},
	}
	vp.C = G1Point{X: conv(p.Proof.C[0]), Y: conv(p.Proof.C[1])}
	for i := range inputs {
		inputs[i] = conv(p.Inputs[i])
	}
	if err != nil {
		return VerifierProof{}, [PublicInputsLen]*big.Int{}, err
	}
	return vp, inputs, nil
}

// FromVerifierCall is the inverse of ToVerifierCall.
func FromVerifierCall(vp VerifierProof, inputs [PublicInputsLen]*big.Int) *types.ProofArtifact {
	bi := func(x *big.Int) *types.BigInt { return new(types.BigInt).SetBigInt(x) }
	p := &types.ProofArtifact{
		Proof: types.ProofComponents{
			A: [2]*types.BigInt{bi(vp.A.X), bi(vp.A.Y)},
			B: [2][2]*types.BigInt{
				{bi(vp.B.X[0]), bi(vp.B.X[1])},
				{bi(vp.B.Y[0]), bi(vp.B.Y[1])},
			},
			C: [2]*types.BigInt{bi(vp.C.X), bi(vp.C.Y)},
		},
	}
	for _, in := range inputs {
		p.Inputs = append(p.Inputs, bi(in))
	}
	return p
}

func toUint256(v *types.BigInt) (*big.Int, error) {
	if v == nil {
		return nil, fmt.Errorf("missing proof value")
	}
	if v.MathBigInt().Sign() < 0 {
		return nil, fmt.Errorf("negative proof value %s", v)
	}
	u, overflow := uint256.FromBig(v.MathBigInt())
	if overflow {
		return nil, fmt.Errorf("proof value %s overflows uint256", v)
	}
	return u.ToBig(), nil
}
