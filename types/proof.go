package types

import (
	"fmt"
	"math/big"
)

// maxUint256 bounds every proof coordinate and public input.
var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// ProofComponents holds the three group elements of a Groth16 proof in the
// layout expected by the ZkVoting verifier: a and c are G1 points (x, y) and
// b is a G2 point ((x1, x0), (y1, y0)).
type ProofComponents struct {
	A [2]*BigInt    `json:"a"`
	B [2][2]*BigInt `json:"b"`
	C [2]*BigInt    `json:"c"`
}

// ProofArtifact is the outcome of one pipeline run. Inputs are the public
// inputs in the order the verifier checks them.
type ProofArtifact struct {
	Proof          ProofComponents `json:"proof"`
	Inputs         []*BigInt       `json:"inputs"`
	CircuitVersion string          `json:"circuitVersion,omitempty"`
}

// Validate checks that every coordinate and input is present and fits in 256
// bits.
func (p *ProofArtifact) Validate() error {
	if p == nil {
		return fmt.Errorf("nil proof")
	}
	check := func(name string, v *BigInt) error {
		if v == nil {
			return fmt.Errorf("proof %s is missing", name)
		}
		if v.MathBigInt().Sign() < 0 || v.MathBigInt().Cmp(maxUint256) > 0 {
			return fmt.Errorf("proof %s out of uint256 range", name)
		}
		return nil
	}
	for i := range 2 {
		if err := check(fmt.Sprintf("a[%d]", i), p.Proof.A[i]); err != nil {
			return err
		}
		if err := check(fmt.Sprintf("c[%d]", i), p.Proof.C[i]); err != nil {
			return err
		}
		for j := range 2 {
			if err := check(fmt.Sprintf("b[%d][%d]", i, j), p.Proof.B[i][j]); err != nil {
				return err
			}
		}
	}
	if len(p.Inputs) == 0 {
		return fmt.Errorf("proof has no public inputs")
	}
	for i, in := range p.Inputs {
		if err := check(fmt.Sprintf("input[%d]", i), in); err != nil {
			return err
		}
	}
	return nil
}

// Clone returns a deep copy so that callers cannot mutate stored artifacts.
func (p *ProofArtifact) Clone() *ProofArtifact {
	if p == nil {
		return nil
	}
	out := &ProofArtifact{CircuitVersion: p.CircuitVersion}
	for i := range 2 {
		out.Proof.A[i] = p.Proof.A[i].Clone()
		out.Proof.C[i] = p.Proof.C[i].Clone()
		for j := range 2 {
			out.Proof.B[i][j] = p.Proof.B[i][j].Clone()
		}
	}
	out.Inputs = make([]*BigInt, len(p.Inputs))
	for i, in := range p.Inputs {
		out.Inputs[i] = in.Clone()
	}
	return out
}
