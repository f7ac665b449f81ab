// Package submission sends generated proofs to the ZkVoting contract. Each
// proof handle is redeemed at most once: it is reserved while the
// transaction is broadcast, consumed when the ledger accepted the
// transaction or refused it as a double vote, and released for a retry on
// any other failure. A consumed handle whose transaction failed on chain for
// any reason but a double vote, or was never mined, is issued again.
package submission

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	geth "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/vocdoni/zkvote-node/log"
	"github.com/vocdoni/zkvote-node/storage"
	"github.com/vocdoni/zkvote-node/types"
	"github.com/vocdoni/zkvote-node/web3"
)

// DefaultConfirmTimeout bounds the wait for a journaled transaction, counted
// from when it was journaled. Entries still pending after it are failed.
const DefaultConfirmTimeout = 10 * time.Minute

// lastCheckWindow is the wait given to journal entries that are already past
// their deadline, so a receipt mined meanwhile is still picked up.
var lastCheckWindow = 30 * time.Second

var (
	// ErrUnknownTransaction is returned for transactions neither journaled
	// nor known to the ledger.
	ErrUnknownTransaction = errors.New("unknown vote transaction")
	// ErrHandleNotRedeemed is returned by Track for handles that were never
	// redeemed, so no transaction can carry their proof.
	ErrHandleNotRedeemed = errors.New("proof handle has not been redeemed")
	// ErrHandleTracked is returned by Track for handles that already carry
	// another transaction.
	ErrHandleTracked = errors.New("proof handle already tracks a transaction")
	// ErrTransactionMismatch is returned by Track when the transaction is
	// not a vote of the voter with the proof of the handle.
	ErrTransactionMismatch = errors.New("transaction does not carry the proof of the handle")
	// ErrConfirmTimeout is recorded for transactions not mined in time.
	ErrConfirmTimeout = errors.New("vote transaction not mined in time")
)

// Ledger is the write side of the ZkVoting contract. It is implemented by
// *web3.Contracts.
type Ledger interface {
	SubmitVote(ctx context.Context, proof *types.ProofArtifact, signer web3.Signer) (common.Hash, error)
	ConfirmVote(ctx context.Context, txHash common.Hash, from common.Address,
		proof *types.ProofArtifact) (*gethtypes.Receipt, error)
	VoteTransaction(ctx context.Context, txHash common.Hash) (*web3.VoteTx, error)
	TxExplorerLink(txHash common.Hash) string
}

// VoteObserver is told about addresses seen as voted on the ledger. It is
// implemented by *eligibility.Checker.
type VoteObserver interface {
	MarkVoted(voter common.Address)
}

// Submission is a vote transaction accepted by the network, not yet
// confirmed.
type Submission struct {
	TxHash      common.Hash    `json:"txHash"`
	Voter       common.Address `json:"voter"`
	Handle      string         `json:"handle"`
	ExplorerURL string         `json:"explorerUrl,omitempty"`
}

// Client submits proofs and follows their transactions.
type Client struct {
	ledger   Ledger
	storage  *storage.Storage
	observer VoteObserver

	confirmTimeout time.Duration

	wg     sync.WaitGroup
	cancel context.CancelFunc
	ctx    context.Context
}

// New returns a Client. observer may be nil.
func New(ledger Ledger, st *storage.Storage, observer VoteObserver) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		ledger:         ledger,
		storage:        st,
		observer:       observer,
		confirmTimeout: DefaultConfirmTimeout,
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Submit broadcasts the proof stored under handle as a vote signed by
// signer and returns as soon as the transaction was accepted by the
// network. A voter that already voted gets types.ErrAlreadyVoted and the
// handle is consumed. Other failures release the handle so the same proof
// can be submitted again.
func (c *Client) Submit(ctx context.Context, handle string, signer web3.Signer) (*Submission, error) {
	rec, err := c.storage.ReserveProof(handle)
	if err != nil {
		return nil, err
	}
	voter := signer.Address()
	stop := c.keepReserved(handle)
	txHash, err := c.ledger.SubmitVote(ctx, rec.Proof, signer)
	stop()
	switch {
	case err == nil:
	case errors.Is(err, types.ErrAlreadyVoted):
		if cerr := c.storage.ConsumeProof(handle, ""); cerr != nil {
			log.Warnw("failed to consume proof handle", "handle", handle, "error", cerr)
		}
		c.markVoted(voter)
		return nil, err
	default:
		if rerr := c.storage.ReleaseProof(handle); rerr != nil {
			log.Warnw("failed to release proof handle", "handle", handle, "error", rerr)
		}
		return nil, err
	}

	sub := &Submission{
		TxHash:      txHash,
		Voter:       voter,
		Handle:      handle,
		ExplorerURL: c.ledger.TxExplorerLink(txHash),
	}
	if err := c.storage.ConsumeProof(handle, txHash.Hex()); err != nil {
		log.Errorw(err, "failed to consume proof handle of a sent vote")
	}
	if err := c.storage.AddSubmission(&storage.SubmissionRecord{
		TxHash:      txHash.Hex(),
		Voter:       voter.Hex(),
		Handle:      handle,
		Status:      storage.SubmissionPending,
		ExplorerURL: sub.ExplorerURL,
	}); err != nil {
		log.Errorw(err, "failed to journal vote submission")
	}
	return sub, nil
}

// keepReserved refreshes the reservation of handle until the returned
// function is called, so a slow broadcast keeps its handle.
func (c *Client) keepReserved(handle string) func() {
	interval := c.storage.ReservationTimeout() / 3
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := c.storage.RefreshReservation(handle); err != nil {
					log.Warnw("failed to refresh proof reservation", "handle", handle, "error", err)
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

// Wait blocks until the transaction of sub is mined and returns its receipt.
// A double vote detected on chain is returned as types.ErrAlreadyVoted, any
// other on-chain failure as types.ErrTransactionFailed and issues the handle
// again, so the same proof can be resubmitted. Canceling ctx only stops the
// local wait and leaves the journal entry pending.
func (c *Client) Wait(ctx context.Context, sub *Submission) (*gethtypes.Receipt, error) {
	rec, err := c.storage.Proof(sub.Handle)
	if err != nil {
		return nil, fmt.Errorf("proof of handle %s: %w", sub.Handle, err)
	}
	receipt, err := c.ledger.ConfirmVote(ctx, sub.TxHash, sub.Voter, rec.Proof)
	if err != nil && receipt == nil {
		return nil, err
	}
	c.record(sub, receipt, err)
	return receipt, err
}

// record stores the outcome of a transaction. A receipt is nil for
// transactions given up on.
func (c *Client) record(sub *Submission, receipt *gethtypes.Receipt, outcome error) {
	status := storage.SubmissionConfirmed
	switch {
	case errors.Is(outcome, types.ErrAlreadyVoted):
		status = storage.SubmissionAlreadyVoted
	case outcome != nil:
		status = storage.SubmissionFailed
	}
	if status != storage.SubmissionFailed {
		c.markVoted(sub.Voter)
	}
	var block uint64
	if receipt != nil && receipt.BlockNumber != nil {
		block = receipt.BlockNumber.Uint64()
	}
	updated := false
	if _, err := c.storage.UpdateSubmission(sub.TxHash.Hex(), func(r *storage.SubmissionRecord) {
		updated = true
		r.Status = status
		r.BlockNumber = block
		if outcome != nil {
			r.Error = outcome.Error()
		}
	}); err != nil {
		log.Warnw("failed to update vote submission", "txHash", sub.TxHash.Hex(), "error", err)
	}
	if updated && status == storage.SubmissionFailed {
		restored, err := c.storage.RestoreProof(sub.Handle, sub.TxHash.Hex())
		if err != nil {
			log.Warnw("failed to restore proof handle", "handle", sub.Handle, "error", err)
		} else if restored {
			log.Infow("proof handle issued again after a failed vote", "handle", sub.Handle, "txHash", sub.TxHash.Hex())
		}
	}
	if receipt == nil {
		log.Infow("vote transaction given up", "txHash", sub.TxHash.Hex(), "voter", sub.Voter.Hex(), "error", outcome)
		return
	}
	log.Infow("vote transaction mined",
		"txHash", sub.TxHash.Hex(),
		"voter", sub.Voter.Hex(),
		"status", status,
		"block", block)
}

// Status returns the journal entry of txHash.
func (c *Client) Status(txHash common.Hash) (*storage.SubmissionRecord, error) {
	rec, err := c.storage.Submission(txHash.Hex())
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTransaction, txHash.Hex())
	}
	return rec, err
}

// VoterSubmissions returns the journal entries of voter, oldest first.
func (c *Client) VoterSubmissions(voter common.Address) ([]*storage.SubmissionRecord, error) {
	return c.storage.VoterSubmissions(voter.Hex())
}

// Track journals a vote transaction broadcast outside of the Client, such
// as one sent by a wallet with calldata from an already consumed handle,
// and follows it until it is mined. The transaction must be known to the
// ledger, be sent by sub.Voter and carry the proof of the handle, and a
// handle tracks a single transaction.
func (c *Client) Track(ctx context.Context, sub *Submission) error {
	if sub.Handle == "" {
		return fmt.Errorf("tracked vote requires a proof handle")
	}
	rec, err := c.storage.Proof(sub.Handle)
	if err != nil {
		return err
	}
	if rec.State != storage.HandleConsumed {
		return fmt.Errorf("%w: %s", ErrHandleNotRedeemed, sub.Handle)
	}
	if existing, err := c.storage.Submission(sub.TxHash.Hex()); err == nil {
		if existing.Handle != sub.Handle {
			return fmt.Errorf("%w: %s is journaled for another handle", ErrTransactionMismatch, sub.TxHash.Hex())
		}
		return nil
	}
	if rec.TxHash != "" {
		return fmt.Errorf("%w: %s carries %s", ErrHandleTracked, sub.Handle, rec.TxHash)
	}
	if err := c.verifyVoteTx(ctx, sub, rec.Proof); err != nil {
		return err
	}
	if err := c.storage.LinkProof(sub.Handle, sub.TxHash.Hex()); err != nil {
		if errors.Is(err, storage.ErrHandleLinked) {
			return fmt.Errorf("%w: %v", ErrHandleTracked, err)
		}
		return err
	}
	if sub.ExplorerURL == "" {
		sub.ExplorerURL = c.ledger.TxExplorerLink(sub.TxHash)
	}
	if err := c.storage.AddSubmission(&storage.SubmissionRecord{
		TxHash:      sub.TxHash.Hex(),
		Voter:       sub.Voter.Hex(),
		Handle:      sub.Handle,
		Status:      storage.SubmissionPending,
		ExplorerURL: sub.ExplorerURL,
	}); err != nil {
		return fmt.Errorf("journal vote submission: %w", err)
	}
	c.Follow(sub)
	return nil
}

// verifyVoteTx checks that the transaction of sub is a vote of sub.Voter
// carrying proof.
func (c *Client) verifyVoteTx(ctx context.Context, sub *Submission, proof *types.ProofArtifact) error {
	want, err := web3.PackVote(proof)
	if err != nil {
		return fmt.Errorf("pack vote: %w", err)
	}
	vtx, err := c.ledger.VoteTransaction(ctx, sub.TxHash)
	switch {
	case errors.Is(err, geth.NotFound):
		return fmt.Errorf("%w: %s", ErrUnknownTransaction, sub.TxHash.Hex())
	case errors.Is(err, types.ErrInvalidInput):
		return fmt.Errorf("%w: %v", ErrTransactionMismatch, err)
	case err != nil:
		return err
	}
	if vtx.From != sub.Voter {
		return fmt.Errorf("%w: %s is sent by %s", ErrTransactionMismatch, sub.TxHash.Hex(), vtx.From.Hex())
	}
	if !bytes.Equal(vtx.Data, want) {
		return fmt.Errorf("%w: %s", ErrTransactionMismatch, sub.TxHash.Hex())
	}
	return nil
}

// Follow waits in the background for the transaction of sub and records its
// outcome. A transaction not mined within the confirm timeout is recorded
// as failed.
func (c *Client) Follow(sub *Submission) {
	c.follow(sub, time.Now().Add(c.confirmTimeout))
}

func (c *Client) follow(sub *Submission, deadline time.Time) {
	if now := time.Now(); !deadline.After(now) {
		deadline = now.Add(lastCheckWindow)
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithDeadline(c.ctx, deadline)
		defer cancel()
		receipt, err := c.Wait(ctx, sub)
		switch {
		case err == nil:
		case receipt == nil && errors.Is(err, context.DeadlineExceeded) && c.ctx.Err() == nil:
			c.record(sub, nil, fmt.Errorf("%w: %s", ErrConfirmTimeout, sub.TxHash.Hex()))
		case !errors.Is(err, context.Canceled):
			log.Debugw("vote transaction not confirmed", "txHash", sub.TxHash.Hex(), "error", err)
		}
	}()
}

// ResumePending follows the journaled transactions that were still pending
// when the node stopped and returns how many there were. Each keeps the
// deadline it got when it was journaled.
func (c *Client) ResumePending() (int, error) {
	pending, err := c.storage.PendingSubmissions()
	if err != nil {
		return 0, err
	}
	for _, rec := range pending {
		c.follow(&Submission{
			TxHash:      common.HexToHash(rec.TxHash),
			Voter:       common.HexToAddress(rec.Voter),
			Handle:      rec.Handle,
			ExplorerURL: rec.ExplorerURL,
		}, rec.CreatedAt.Add(c.confirmTimeout))
	}
	return len(pending), nil
}

// Close stops the background waits.
func (c *Client) Close() {
	c.cancel()
	c.wg.Wait()
}

func (c *Client) markVoted(voter common.Address) {
	if c.observer != nil {
		c.observer.MarkVoted(voter)
	}
}
