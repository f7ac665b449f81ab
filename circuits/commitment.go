package circuits

import (
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
)

// Commitment returns MiMC(choice) over the BN254 scalar field, matching the
// in-circuit hash of VoteCircuit.
func Commitment(choice uint64) (*big.Int, error) {
	var e fr.Element
	e.SetUint64(choice)
	b := e.Bytes()

	h := mimc.NewMiMC()
	if _, err := h.Write(b[:]); err != nil {
		return nil, fmt.Errorf("hash vote choice: %w", err)
	}
	return new(big.Int).SetBytes(h.Sum(nil)), nil
}
