// Package prover turns vote choices into stored, verified proofs. Each proof
// is kept under an opaque handle that can be redeemed once by a submission.
package prover

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vocdoni/zkvote-node/log"
	"github.com/vocdoni/zkvote-node/storage"
	"github.com/vocdoni/zkvote-node/types"
	"golang.org/x/sync/semaphore"
)

// DefaultMaxConcurrent bounds the number of pipeline runs in flight.
const DefaultMaxConcurrent = 2

// Pipeline runs the prover toolchain. It is implemented by
// *toolchain.Adapter.
type Pipeline interface {
	RunPipeline(ctx context.Context, choice, limit uint64) (*types.ProofArtifact, error)
	Verify(ctx context.Context, proof *types.ProofArtifact) error
	CircuitVersion() string
}

// Service generates proofs and hands out their handles.
type Service struct {
	pipeline Pipeline
	storage  *storage.Storage
	sem      *semaphore.Weighted
}

// Generated is the result of GenerateProof.
type Generated struct {
	Handle string               `json:"handle"`
	Proof  *types.ProofArtifact `json:"proof"`
}

// New returns a Service running at most maxConcurrent pipelines at once.
func New(pipeline Pipeline, st *storage.Storage, maxConcurrent int) *Service {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &Service{
		pipeline: pipeline,
		storage:  st,
		sem:      semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

// CircuitVersion returns the circuit version of the proofs produced.
func (s *Service) CircuitVersion() string {
	return s.pipeline.CircuitVersion()
}

// GenerateProof proves that choice lies in [1, limit], verifies the result
// against the provisioned verification key and stores it under a new handle.
// Out of range or missing values fail with types.ErrInvalidInput before the
// toolchain runs. Toolchain failures are returned as *types.StageError.
func (s *Service) GenerateProof(ctx context.Context, choice, limit int64) (*Generated, error) {
	if err := types.ValidateVote(choice, limit); err != nil {
		return nil, err
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.sem.Release(1)

	start := time.Now()
	proof, err := s.pipeline.RunPipeline(ctx, uint64(choice), uint64(limit))
	if err != nil {
		return nil, err
	}
	if err := s.check(ctx, proof, limit); err != nil {
		return nil, &types.StageError{Stage: types.StageGenerateProof, Err: err}
	}

	handle := uuid.New().String()
	if err := s.storage.StoreProof(&storage.ProofRecord{
		Handle:    handle,
		Proof:     proof,
		VoteLimit: uint64(limit),
	}); err != nil {
		return nil, fmt.Errorf("store proof: %w", err)
	}
	log.Infow("vote proof generated",
		"handle", handle,
		"voteLimit", limit,
		"circuitVersion", proof.CircuitVersion,
		"took", log.Took(start))
	return &Generated{Handle: handle, Proof: proof.Clone()}, nil
}

// check makes sure the proof carries the requested limit and verifies.
func (s *Service) check(ctx context.Context, proof *types.ProofArtifact, limit int64) error {
	if err := proof.Validate(); err != nil {
		return err
	}
	if got := proof.Inputs[0].MathBigInt(); !got.IsInt64() || got.Int64() != limit {
		return fmt.Errorf("proof public vote limit %s does not match %d", got, limit)
	}
	if err := s.pipeline.Verify(ctx, proof); err != nil {
		return fmt.Errorf("generated proof does not verify: %w", err)
	}
	return nil
}

// Proof returns the record stored under handle.
func (s *Service) Proof(handle string) (*storage.ProofRecord, error) {
	return s.storage.Proof(handle)
}

// Consume redeems handle outside of the submission client, for proofs that
// are handed to a wallet. The returned proof cannot be obtained again
// through the same handle.
func (s *Service) Consume(handle string) (*types.ProofArtifact, error) {
	rec, err := s.storage.ReserveProof(handle)
	if err != nil {
		return nil, err
	}
	if err := s.storage.ConsumeProof(handle, ""); err != nil {
		return nil, err
	}
	return rec.Proof, nil
}
