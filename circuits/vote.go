// Package circuits defines the vote range circuit proved by the in-process
// Groth16 backend, together with its out-of-circuit helpers.
package circuits

import (
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"
	"github.com/consensys/gnark/std/hash/mimc"
)

// VoteCircuitVersion is bumped on every change of VoteCircuit, since proving
// and verification keys are cached under it.
const VoteCircuitVersion = "vote-v1"

// Curve is the curve the vote circuit is compiled for. The verifier runs on an
// EVM chain so it must be BN254.
const Curve = ecc.BN254

// VoteCircuit proves that a private vote choice lies in [1, VoteLimit] and
// that Commitment is the MiMC hash of that choice. The public inputs, in
// verifier order, are VoteLimit and Commitment.
type VoteCircuit struct {
	VoteChoice frontend.Variable
	VoteLimit  frontend.Variable `gnark:",public"`
	Commitment frontend.Variable `gnark:",public"`
}

// Define declares the circuit constraints.
func (c *VoteCircuit) Define(api frontend.API) error {
	api.AssertIsDifferent(c.VoteChoice, 0)
	api.AssertIsLessOrEqual(c.VoteChoice, c.VoteLimit)

	h, err := mimc.NewMiMC(api)
	if err != nil {
		return fmt.Errorf("mimc: %w", err)
	}
	h.Write(c.VoteChoice)
	api.AssertIsEqual(h.Sum(), c.Commitment)
	return nil
}

// Assignment builds the full witness assignment for choice and limit.
func Assignment(choice, limit uint64) (*VoteCircuit, error) {
	commitment, err := Commitment(choice)
	if err != nil {
		return nil, err
	}
	return &VoteCircuit{
		VoteChoice: choice,
		VoteLimit:  limit,
		Commitment: commitment,
	}, nil
}

// PublicInputs returns the public inputs of a vote in verifier order.
func PublicInputs(choice, limit uint64) ([]*big.Int, error) {
	commitment, err := Commitment(choice)
	if err != nil {
		return nil, err
	}
	return []*big.Int{new(big.Int).SetUint64(limit), commitment}, nil
}

// Compile compiles VoteCircuit into an R1CS constraint system.
func Compile() (constraint.ConstraintSystem, error) {
	ccs, err := frontend.Compile(Curve.ScalarField(), r1cs.NewBuilder, &VoteCircuit{})
	if err != nil {
		return nil, fmt.Errorf("compile vote circuit: %w", err)
	}
	return ccs, nil
}
