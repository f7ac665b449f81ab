package toolchain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/vocdoni/zkvote-node/artifacts"
	"github.com/vocdoni/zkvote-node/log"
	"github.com/vocdoni/zkvote-node/types"
)

// DefaultStageTimeout bounds every toolchain stage unless configured
// otherwise. Setup of a fresh circuit is the slowest stage.
const DefaultStageTimeout = 5 * time.Minute

// Config configures an Adapter. WorkDir and Backend are required.
type Config struct {
	Backend Backend
	// WorkDir is the root of the working area. Nothing outside it is written.
	WorkDir string
	// Isolated gives every pipeline run its own directory. When false all
	// runs share one directory and are serialized.
	Isolated bool
	// StageTimeout bounds each stage; zero means DefaultStageTimeout.
	StageTimeout time.Duration
	// Store optionally mirrors provisioned circuit artifacts.
	Store artifacts.Store
}

// Adapter runs the toolchain stages of a Backend in order, stopping at the
// first failure.
type Adapter struct {
	backend      Backend
	area         *WorkArea
	provisioner  *Provisioner
	stageTimeout time.Duration
}

// New creates an Adapter from cfg.
func New(cfg *Config) (*Adapter, error) {
	if cfg == nil || cfg.Backend == nil {
		return nil, fmt.Errorf("toolchain backend is required")
	}
	area, err := NewWorkArea(cfg.WorkDir, cfg.Isolated)
	if err != nil {
		return nil, err
	}
	timeout := cfg.StageTimeout
	if timeout <= 0 {
		timeout = DefaultStageTimeout
	}
	return &Adapter{
		backend:      cfg.Backend,
		area:         area,
		provisioner:  NewProvisioner(area.CircuitsDir(), cfg.Store),
		stageTimeout: timeout,
	}, nil
}

// Backend returns the backend driven by the adapter.
func (a *Adapter) Backend() Backend {
	return a.backend
}

// CircuitVersion returns the version of the circuit proved by the adapter.
func (a *Adapter) CircuitVersion() string {
	return a.backend.CircuitVersion()
}

// Isolated reports whether concurrent runs use separate directories.
func (a *Adapter) Isolated() bool {
	return a.area.Isolated()
}

// Provision runs compile and setup for the current circuit version if they
// are not cached yet.
func (a *Adapter) Provision(ctx context.Context) error {
	if err := a.ensure(ctx, "provision", types.StageCompile, a.backend.Compile); err != nil {
		return err
	}
	return a.ensure(ctx, "provision", types.StageSetup, a.backend.Setup)
}

// Provisioned reports whether both circuit level stages are cached.
func (a *Adapter) Provisioned() bool {
	return a.provisioner.Provisioned(a.backend, types.StageCompile) &&
		a.provisioner.Provisioned(a.backend, types.StageSetup)
}

// RunPipeline produces a proof that choice lies in [1, limit]. The stages run
// strictly in order: compile, compute witness, setup, generate proof. Compile
// and setup are served from the provisioning cache when possible. Any failure
// aborts the run, discards its intermediate files and is returned as a
// *types.StageError.
func (a *Adapter) RunPipeline(ctx context.Context, choice, limit uint64) (*types.ProofArtifact, error) {
	run, err := a.area.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire work area: %w", err)
	}
	defer run.Release()
	start := time.Now()
	circuitDir := a.provisioner.CircuitDir(a.backend.CircuitVersion())

	if err := a.ensure(ctx, run.ID, types.StageCompile, a.backend.Compile); err != nil {
		return nil, err
	}
	if err := a.runStage(ctx, run.ID, types.StageComputeWitness, func(ctx context.Context) error {
		return a.backend.ComputeWitness(ctx, circuitDir, run.Dir, choice, limit)
	}); err != nil {
		return nil, err
	}
	if err := a.ensure(ctx, run.ID, types.StageSetup, a.backend.Setup); err != nil {
		return nil, err
	}
	var proof *types.ProofArtifact
	if err := a.runStage(ctx, run.ID, types.StageGenerateProof, func(ctx context.Context) error {
		var err error
		proof, err = a.backend.GenerateProof(ctx, circuitDir, run.Dir)
		return err
	}); err != nil {
		return nil, err
	}
	proof.CircuitVersion = a.backend.CircuitVersion()
	log.Debugw("pipeline run finished", "run", run.ID, "circuitVersion", proof.CircuitVersion, "took", log.Took(start))
	return proof, nil
}

// Verify checks proof against the provisioned verification key.
func (a *Adapter) Verify(ctx context.Context, proof *types.ProofArtifact) error {
	if proof == nil {
		return fmt.Errorf("nil proof")
	}
	if proof.CircuitVersion != "" && proof.CircuitVersion != a.backend.CircuitVersion() {
		return fmt.Errorf("proof for circuit %s cannot be verified with %s", proof.CircuitVersion, a.backend.CircuitVersion())
	}
	if !a.provisioner.Provisioned(a.backend, types.StageSetup) {
		return fmt.Errorf("circuit %s is not provisioned", a.backend.CircuitVersion())
	}
	ctx, cancel := context.WithTimeout(ctx, a.stageTimeout)
	defer cancel()
	return a.backend.Verify(ctx, a.provisioner.CircuitDir(a.backend.CircuitVersion()), proof)
}

// ExportVerifier provisions the circuit if needed and writes its Solidity
// verifier to w.
func (a *Adapter) ExportVerifier(ctx context.Context, w io.Writer) error {
	if err := a.Provision(ctx); err != nil {
		return err
	}
	return a.backend.ExportVerifier(ctx, a.provisioner.CircuitDir(a.backend.CircuitVersion()), w)
}

// ensure runs a circuit level stage through the provisioning cache.
func (a *Adapter) ensure(ctx context.Context, runID string, stage types.Stage,
	fn func(ctx context.Context, circuitDir string) error,
) error {
	var cached bool
	err := a.runStage(ctx, runID, stage, func(ctx context.Context) error {
		var err error
		cached, err = a.provisioner.Ensure(ctx, a.backend, stage, fn)
		return err
	})
	if err == nil && cached {
		log.Debugw("toolchain stage served from cache", "run", runID, "stage", stage)
	}
	return err
}

// runStage executes fn bounded by the stage timeout and wraps failures into a
// StageError.
func (a *Adapter) runStage(ctx context.Context, runID string, stage types.Stage, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return &types.StageError{Stage: stage, Err: err}
	}
	sctx, cancel := context.WithTimeout(ctx, a.stageTimeout)
	defer cancel()

	start := time.Now()
	log.Debugw("toolchain stage started", "run", runID, "stage", stage, "circuitVersion", a.backend.CircuitVersion())
	err := fn(sctx)
	if err == nil {
		log.Debugw("toolchain stage finished", "run", runID, "stage", stage, "took", log.Took(start))
		return nil
	}
	if ctx.Err() == nil && errors.Is(sctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w after %s", types.ErrToolchainStageTimeout, a.stageTimeout)
	}
	log.Warnw("toolchain stage failed", "run", runID, "stage", stage, "error", err, "took", log.Took(start))
	return &types.StageError{Stage: stage, Err: err}
}
