// Package toolchain drives a zkSNARK prover toolchain through the four
// ordered stages that turn a vote choice into a proof: compile, compute
// witness, setup and generate proof.
//
// Compile and setup depend only on the circuit, so their outputs are
// provisioned once per circuit version in a shared circuit directory and
// reused by every run. Witness and proof files are written to a per-run
// directory handed out by the WorkArea.
package toolchain

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/vocdoni/zkvote-node/types"
)

// Backend is a prover toolchain. Implementations read and write their
// artifacts in the directories they are given and keep no other state that
// could leak between runs.
type Backend interface {
	// Name is a short identifier such as "zokrates" or "gnark".
	Name() string
	// CircuitVersion identifies the circuit source and proving system. Cached
	// compile and setup outputs are keyed by it.
	CircuitVersion() string
	// Outputs lists the files that the compile or setup stage leaves in the
	// circuit directory.
	Outputs(stage types.Stage) []string
	Compile(ctx context.Context, circuitDir string) error
	ComputeWitness(ctx context.Context, circuitDir, runDir string, choice, limit uint64) error
	Setup(ctx context.Context, circuitDir string) error
	GenerateProof(ctx context.Context, circuitDir, runDir string) (*types.ProofArtifact, error)
	// Verify checks a proof against the provisioned verification key.
	Verify(ctx context.Context, circuitDir string, proof *types.ProofArtifact) error
	// ExportVerifier writes the Solidity verifier contract for the
	// provisioned keys.
	ExportVerifier(ctx context.Context, circuitDir string, w io.Writer) error
}

// writeFileAtomic writes through fn into a temporary file in the same
// directory and renames it over path once fn succeeds.
func writeFileAtomic(path string, fn func(io.Writer) error) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()
	if err := fn(tmp); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// readFile opens path and hands it to fn.
func readFile(path string, fn func(io.Reader) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	if err := fn(f); err != nil {
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	return nil
}
