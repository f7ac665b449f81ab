package types

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput is returned when the vote choice or limit are missing or
	// malformed. It is raised before the toolchain is invoked.
	ErrInvalidInput = errors.New("invalid vote input")
	// ErrToolchainStageFailed is matched by every StageError.
	ErrToolchainStageFailed = errors.New("toolchain stage failed")
	// ErrInvalidWitness means the inputs do not satisfy the circuit constraints.
	ErrInvalidWitness = errors.New("inputs violate circuit constraints")
	// ErrToolchainStageTimeout means a stage exceeded its time bound.
	ErrToolchainStageTimeout = errors.New("toolchain stage timed out")
	// ErrEligibilityCheckFailed means the ledger vote status could not be read.
	ErrEligibilityCheckFailed = errors.New("eligibility check failed")
	// ErrAlreadyVoted is the ledger rejection of a second vote by the same
	// address. It is terminal and must not be retried.
	ErrAlreadyVoted = errors.New("address has already voted")
	// ErrTransactionFailed covers every other on-chain failure or a failure to
	// confirm the vote transaction.
	ErrTransactionFailed = errors.New("vote transaction failed")
	// ErrProofHandleNotFound is returned for unknown proof handles.
	ErrProofHandleNotFound = errors.New("proof handle not found")
	// ErrProofHandleConsumed is returned when a proof handle was already used
	// by a submission.
	ErrProofHandleConsumed = errors.New("proof handle already consumed")
	// ErrProofHandleBusy is returned while another submission holds the handle.
	ErrProofHandleBusy = errors.New("proof handle is being submitted")
)

// Stage identifies one of the four ordered toolchain stages.
type Stage string

const (
	StageCompile        Stage = "compile"
	StageComputeWitness Stage = "witness"
	StageSetup          Stage = "setup"
	StageGenerateProof  Stage = "prove"
)

// Stages lists the toolchain stages in execution order.
var Stages = []Stage{StageCompile, StageComputeWitness, StageSetup, StageGenerateProof}

func (s Stage) String() string {
	return string(s)
}

// StageError reports the stage where a pipeline run stopped and its cause.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("toolchain stage %s failed: %v", e.Stage, e.Err)
}

// Unwrap exposes both the stage failure sentinel and the underlying cause.
func (e *StageError) Unwrap() []error {
	return []error{ErrToolchainStageFailed, e.Err}
}

// FailedStage returns the stage carried by err, if any.
func FailedStage(err error) (Stage, bool) {
	var serr *StageError
	if errors.As(err, &serr) {
		return serr.Stage, true
	}
	return "", false
}
