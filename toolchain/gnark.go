package toolchain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"path/filepath"
	"sync"
	"time"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/backend/witness"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/vocdoni/zkvote-node/circuits"
	"github.com/vocdoni/zkvote-node/log"
	"github.com/vocdoni/zkvote-node/solidity"
	"github.com/vocdoni/zkvote-node/types"
)

const (
	gnarkCCSFile          = "vote.ccs"
	gnarkProvingKeyFile   = "vote.pk"
	gnarkVerifyingKeyFile = "vote.vk"
	gnarkWitnessFile      = "witness.bin"
)

// GnarkVersion is the circuit version of the in-process backend.
const GnarkVersion = "gnark-bn254-" + circuits.VoteCircuitVersion

// GnarkBackend proves circuits.VoteCircuit with gnark Groth16 in process.
// Loaded constraint systems and keys are kept in memory per circuit
// directory.
type GnarkBackend struct {
	mu     sync.Mutex
	loaded map[string]*gnarkKeys
}

type gnarkKeys struct {
	mu  sync.Mutex
	ccs constraint.ConstraintSystem
	pk  groth16.ProvingKey
	vk  groth16.VerifyingKey
}

// NewGnarkBackend returns the in-process Groth16 backend.
func NewGnarkBackend() *GnarkBackend {
	return &GnarkBackend{loaded: make(map[string]*gnarkKeys)}
}

func (*GnarkBackend) Name() string { return "gnark" }

func (*GnarkBackend) CircuitVersion() string { return GnarkVersion }

func (*GnarkBackend) Outputs(stage types.Stage) []string {
	switch stage {
	case types.StageCompile:
		return []string{gnarkCCSFile}
	case types.StageSetup:
		return []string{gnarkProvingKeyFile, gnarkVerifyingKeyFile}
	}
	return nil
}

func (g *GnarkBackend) keys(circuitDir string) *gnarkKeys {
	g.mu.Lock()
	defer g.mu.Unlock()
	k, ok := g.loaded[circuitDir]
	if !ok {
		k = &gnarkKeys{}
		g.loaded[circuitDir] = k
	}
	return k
}

func (g *GnarkBackend) forget(circuitDir string) {
	g.mu.Lock()
	delete(g.loaded, circuitDir)
	g.mu.Unlock()
}

func (g *GnarkBackend) Compile(ctx context.Context, circuitDir string) error {
	g.forget(circuitDir)
	ccs, err := runCtx(ctx, circuits.Compile)
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(circuitDir, gnarkCCSFile), func(w io.Writer) error {
		_, err := ccs.WriteTo(w)
		return err
	})
}

func (g *GnarkBackend) ComputeWitness(ctx context.Context, circuitDir, runDir string, choice, limit uint64) error {
	ccs, err := g.loadCCS(circuitDir)
	if err != nil {
		return err
	}
	assignment, err := circuits.Assignment(choice, limit)
	if err != nil {
		return err
	}
	w, err := frontend.NewWitness(assignment, circuits.Curve.ScalarField())
	if err != nil {
		return fmt.Errorf("create witness: %w", err)
	}
	if _, err := runCtx(ctx, func() (struct{}, error) {
		return struct{}{}, ccs.IsSolved(w)
	}); err != nil {
		if ctx.Err() != nil {
			return err
		}
		return fmt.Errorf("%w: %v", types.ErrInvalidWitness, err)
	}
	return writeFileAtomic(filepath.Join(runDir, gnarkWitnessFile), func(out io.Writer) error {
		data, err := w.MarshalBinary()
		if err != nil {
			return err
		}
		_, err = out.Write(data)
		return err
	})
}

func (g *GnarkBackend) Setup(ctx context.Context, circuitDir string) error {
	ccs, err := g.loadCCS(circuitDir)
	if err != nil {
		return err
	}
	type keyPair struct {
		pk groth16.ProvingKey
		vk groth16.VerifyingKey
	}
	keys, err := runCtx(ctx, func() (keyPair, error) {
		pk, vk, err := groth16.Setup(ccs)
		return keyPair{pk, vk}, err
	})
	if err != nil {
		return fmt.Errorf("groth16 setup: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(circuitDir, gnarkProvingKeyFile), func(w io.Writer) error {
		_, err := keys.pk.WriteTo(w)
		return err
	}); err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(circuitDir, gnarkVerifyingKeyFile), func(w io.Writer) error {
		_, err := keys.vk.WriteTo(w)
		return err
	}); err != nil {
		return err
	}
	k := g.keys(circuitDir)
	k.mu.Lock()
	k.pk, k.vk = keys.pk, keys.vk
	k.mu.Unlock()
	return nil
}

func (g *GnarkBackend) GenerateProof(ctx context.Context, circuitDir, runDir string) (*types.ProofArtifact, error) {
	ccs, err := g.loadCCS(circuitDir)
	if err != nil {
		return nil, err
	}
	pk, _, err := g.loadKeys(circuitDir)
	if err != nil {
		return nil, err
	}
	w, err := witness.New(circuits.Curve.ScalarField())
	if err != nil {
		return nil, err
	}
	if err := readFile(filepath.Join(runDir, gnarkWitnessFile), func(r io.Reader) error {
		data, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		return w.UnmarshalBinary(data)
	}); err != nil {
		return nil, fmt.Errorf("load witness: %w", err)
	}
	pub, err := w.Public()
	if err != nil {
		return nil, fmt.Errorf("public witness: %w", err)
	}
	vec, ok := pub.Vector().(fr.Vector)
	if !ok {
		return nil, fmt.Errorf("unexpected public witness type %T", pub.Vector())
	}
	inputs := make([]*big.Int, len(vec))
	for i := range vec {
		inputs[i] = vec[i].BigInt(new(big.Int))
	}

	start := time.Now()
	proof, err := runCtx(ctx, func() (groth16.Proof, error) {
		return groth16.Prove(ccs, pk, w)
	})
	if err != nil {
		return nil, fmt.Errorf("groth16 prove: %w", err)
	}
	log.Debugw("gnark proof generated", "took", log.Took(start))
	return solidity.FromGnarkProof(proof, inputs)
}

func (g *GnarkBackend) Verify(ctx context.Context, circuitDir string, p *types.ProofArtifact) error {
	if len(p.Inputs) != solidity.PublicInputsLen {
		return fmt.Errorf("expected %d public inputs, got %d", solidity.PublicInputsLen, len(p.Inputs))
	}
	for i, in := range p.Inputs {
		if in == nil || in.MathBigInt().Cmp(circuits.Curve.ScalarField()) >= 0 {
			return fmt.Errorf("public input %d is not a field element", i)
		}
	}
	_, vk, err := g.loadKeys(circuitDir)
	if err != nil {
		return err
	}
	proof, err := solidity.ToGnarkProof(p)
	if err != nil {
		return err
	}
	pub, err := frontend.NewWitness(&circuits.VoteCircuit{
		VoteChoice: 0,
		VoteLimit:  p.Inputs[0].MathBigInt(),
		Commitment: p.Inputs[1].MathBigInt(),
	}, circuits.Curve.ScalarField(), frontend.PublicOnly())
	if err != nil {
		return fmt.Errorf("public witness: %w", err)
	}
	_, err = runCtx(ctx, func() (struct{}, error) {
		return struct{}{}, groth16.Verify(proof, vk, pub)
	})
	if err != nil {
		return fmt.Errorf("proof verification failed: %w", err)
	}
	return nil
}

func (g *GnarkBackend) ExportVerifier(_ context.Context, circuitDir string, w io.Writer) error {
	_, vk, err := g.loadKeys(circuitDir)
	if err != nil {
		return err
	}
	return vk.ExportSolidity(w)
}

func (g *GnarkBackend) loadCCS(circuitDir string) (constraint.ConstraintSystem, error) {
	k := g.keys(circuitDir)
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.ccs != nil {
		return k.ccs, nil
	}
	ccs := groth16.NewCS(circuits.Curve)
	if err := readFile(filepath.Join(circuitDir, gnarkCCSFile), func(r io.Reader) error {
		_, err := ccs.ReadFrom(r)
		return err
	}); err != nil {
		return nil, fmt.Errorf("load constraint system: %w", err)
	}
	k.ccs = ccs
	return ccs, nil
}

func (g *GnarkBackend) loadKeys(circuitDir string) (groth16.ProvingKey, groth16.VerifyingKey, error) {
	k := g.keys(circuitDir)
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.pk != nil && k.vk != nil {
		return k.pk, k.vk, nil
	}
	pk := groth16.NewProvingKey(circuits.Curve)
	if err := readFile(filepath.Join(circuitDir, gnarkProvingKeyFile), func(r io.Reader) error {
		_, err := pk.ReadFrom(r)
		return err
	}); err != nil {
		return nil, nil, fmt.Errorf("load proving key: %w", err)
	}
	vk := groth16.NewVerifyingKey(circuits.Curve)
	if err := readFile(filepath.Join(circuitDir, gnarkVerifyingKeyFile), func(r io.Reader) error {
		_, err := vk.ReadFrom(r)
		return err
	}); err != nil {
		return nil, nil, fmt.Errorf("load verifying key: %w", err)
	}
	k.pk, k.vk = pk, vk
	return pk, vk, nil
}

// errProverPanic wraps panics raised by gnark while solving or proving.
var errProverPanic = errors.New("prover panicked")

// runCtx runs fn in its own goroutine and returns early when ctx is done. The
// goroutine is left to finish in the background since gnark cannot be
// interrupted.
func runCtx[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				var zero T
				done <- result{zero, fmt.Errorf("%w: %v", errProverPanic, r)}
			}
		}()
		v, err := fn()
		done <- result{v, err}
	}()
	select {
	case res := <-done:
		return res.v, res.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
