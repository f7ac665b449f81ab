// Package voter drives a single vote attempt through eligibility check,
// proof generation, submission and confirmation.
package voter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/vocdoni/zkvote-node/log"
	"github.com/vocdoni/zkvote-node/prover"
	"github.com/vocdoni/zkvote-node/submission"
	"github.com/vocdoni/zkvote-node/types"
	"github.com/vocdoni/zkvote-node/web3"
)

// State is the position of an Attempt in its lifecycle.
type State int

const (
	Idle State = iota
	CheckingEligibility
	Ineligible
	GeneratingProof
	ProofFailed
	ProofReady
	Submitting
	Confirmed
	Reverted
)

var stateNames = map[State]string{
	Idle:                "idle",
	CheckingEligibility: "checkingEligibility",
	Ineligible:          "ineligible",
	GeneratingProof:     "generatingProof",
	ProofFailed:         "proofFailed",
	ProofReady:          "proofReady",
	Submitting:          "submitting",
	Confirmed:           "confirmed",
	Reverted:            "reverted",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	switch s {
	case Ineligible, ProofFailed, Confirmed, Reverted:
		return true
	}
	return false
}

// Eligibility reads the vote status of an address. It is implemented by
// *eligibility.Checker.
type Eligibility interface {
	Status(ctx context.Context, voter common.Address) (types.VoteStatus, error)
}

// Prover generates proofs. It is implemented by *prover.Service.
type Prover interface {
	GenerateProof(ctx context.Context, choice, limit int64) (*prover.Generated, error)
}

// Submitter sends proofs to the ledger. It is implemented by
// *submission.Client.
type Submitter interface {
	Submit(ctx context.Context, handle string, signer web3.Signer) (*submission.Submission, error)
	Wait(ctx context.Context, sub *submission.Submission) (*gethtypes.Receipt, error)
}

// Transition is a recorded state change.
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
	Err  string    `json:"error,omitempty"`
}

// Attempt is one vote of one signer. Run moves it forward until it reaches
// a terminal state or fails in a way that can be retried: a failed
// broadcast leaves the attempt in ProofReady and an abandoned confirmation
// wait leaves it in Submitting, so calling Run again resumes from there
// without generating a new proof.
type Attempt struct {
	Choice int64
	Limit  int64

	signer      web3.Signer
	eligibility Eligibility
	prover      Prover
	submitter   Submitter

	running     atomic.Bool
	mtx         sync.Mutex
	state       State
	transitions []Transition
	generated   *prover.Generated
	submission  *submission.Submission
	receipt     *gethtypes.Receipt
	err         error
}

// NewAttempt returns an Idle attempt of signer voting choice out of limit.
func NewAttempt(signer web3.Signer, choice, limit int64, el Eligibility, p Prover, s Submitter) *Attempt {
	return &Attempt{
		Choice:      choice,
		Limit:       limit,
		signer:      signer,
		eligibility: el,
		prover:      p,
		submitter:   s,
	}
}

// ErrAttemptRunning is returned by Run while another Run of the same
// attempt is in progress.
var ErrAttemptRunning = errors.New("vote attempt already running")

// Run advances the attempt. On a terminal state it returns the error that
// ended it (nil for Confirmed) without doing anything else. Concurrent calls
// on the same attempt fail with ErrAttemptRunning.
func (a *Attempt) Run(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return ErrAttemptRunning
	}
	defer a.running.Store(false)

	for !a.state.Terminal() {
		if err := a.step(ctx); err != nil && !a.state.Terminal() {
			return err
		}
	}
	return a.err
}

// step performs the work of the current state.
func (a *Attempt) step(ctx context.Context) error {
	switch a.state {
	case Idle:
		// an invalid vote never reaches the ledger
		if err := types.ValidateVote(a.Choice, a.Limit); err != nil {
			a.finish(ProofFailed, err)
			return err
		}
		a.move(CheckingEligibility, nil)
	case CheckingEligibility:
		return a.checkEligibility(ctx)
	case GeneratingProof:
		return a.generate(ctx)
	case ProofReady:
		return a.submit(ctx)
	case Submitting:
		return a.confirm(ctx)
	}
	return nil
}

func (a *Attempt) checkEligibility(ctx context.Context) error {
	status, err := a.eligibility.Status(ctx, a.signer.Address())
	switch {
	case err != nil:
		// an unreadable status is never treated as eligible
		a.finish(Ineligible, err)
	case status == types.VoteStatusVoted:
		a.finish(Ineligible, types.ErrAlreadyVoted)
	case !status.Eligible():
		a.finish(Ineligible, types.ErrEligibilityCheckFailed)
	default:
		a.move(GeneratingProof, nil)
	}
	return a.err
}

func (a *Attempt) generate(ctx context.Context) error {
	gen, err := a.prover.GenerateProof(ctx, a.Choice, a.Limit)
	if err != nil {
		if ctx.Err() != nil {
			// abandoned by the caller, the proof can be generated again
			a.move(CheckingEligibility, err)
			return err
		}
		a.finish(ProofFailed, err)
		return err
	}
	a.mtx.Lock()
	a.generated = gen
	a.mtx.Unlock()
	a.move(ProofReady, nil)
	return nil
}

func (a *Attempt) submit(ctx context.Context) error {
	sub, err := a.submitter.Submit(ctx, a.generated.Handle, a.signer)
	switch {
	case err == nil:
		a.mtx.Lock()
		a.submission = sub
		a.mtx.Unlock()
		a.move(Submitting, nil)
		return nil
	case errors.Is(err, types.ErrAlreadyVoted):
		a.finish(Reverted, err)
	default:
		// the handle was released, the same proof can be sent again
		log.Debugw("vote broadcast failed", "voter", a.signer.Address().Hex(), "error", err)
	}
	return err
}

func (a *Attempt) confirm(ctx context.Context) error {
	receipt, err := a.submitter.Wait(ctx, a.submission)
	switch {
	case err == nil:
		a.finish(Confirmed, nil, receipt)
		return nil
	case receipt != nil:
		a.finish(Reverted, err, receipt)
	}
	return err
}

func (a *Attempt) move(to State, err error) {
	a.mtx.Lock()
	t := Transition{From: a.state, To: to, At: time.Now()}
	if err != nil {
		t.Err = err.Error()
	}
	a.transitions = append(a.transitions, t)
	a.state = to
	a.mtx.Unlock()
	log.Debugw("vote attempt transition",
		"voter", a.signer.Address().Hex(),
		"from", t.From.String(),
		"to", to.String())
}

func (a *Attempt) finish(to State, err error, receipt ...*gethtypes.Receipt) {
	a.mtx.Lock()
	a.err = err
	if len(receipt) > 0 {
		a.receipt = receipt[0]
	}
	a.mtx.Unlock()
	a.move(to, err)
}

// State returns the current state.
func (a *Attempt) State() State {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return a.state
}

// Transitions returns the recorded state changes, oldest first.
func (a *Attempt) Transitions() []Transition {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	out := make([]Transition, len(a.transitions))
	copy(out, a.transitions)
	return out
}

// Proof returns the generated proof and its handle, nil before ProofReady.
func (a *Attempt) Proof() *prover.Generated {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return a.generated
}

// Submission returns the broadcast transaction, nil before Submitting.
func (a *Attempt) Submission() *submission.Submission {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return a.submission
}

// Receipt returns the receipt of the mined vote transaction.
func (a *Attempt) Receipt() *gethtypes.Receipt {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return a.receipt
}
