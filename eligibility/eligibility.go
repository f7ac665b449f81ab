// Package eligibility reads the vote status of an address from the ledger
// before a proof is generated for it. The ledger stays the final authority:
// the status read here is a fast pre-check that may be stale.
package eligibility

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/vocdoni/zkvote-node/log"
	"github.com/vocdoni/zkvote-node/types"
)

const (
	votedCacheSize = 4096
	// DefaultTimeout bounds a single ledger read.
	DefaultTimeout = 10 * time.Second
)

// StatusReader reads the vote flag of an address. It is implemented by
// *web3.Contracts.
type StatusReader interface {
	HasVoted(ctx context.Context, voter common.Address) (bool, error)
}

// Checker answers eligibility queries. Addresses seen as voted are cached
// since the ledger flag never goes back to false. Addresses that have not
// voted are always read again.
type Checker struct {
	reader  StatusReader
	voted   *lru.Cache[common.Address, struct{}]
	timeout time.Duration
}

// New returns a Checker reading from reader.
func New(reader StatusReader) *Checker {
	cache, err := lru.New[common.Address, struct{}](votedCacheSize)
	if err != nil {
		log.Fatalf("failed to create LRU cache: %v", err)
	}
	return &Checker{reader: reader, voted: cache, timeout: DefaultTimeout}
}

// Status returns the tri-state vote status of voter. When the ledger cannot
// be read the status is VoteStatusUnknown and the error wraps
// types.ErrEligibilityCheckFailed.
func (c *Checker) Status(ctx context.Context, voter common.Address) (types.VoteStatus, error) {
	if c.voted.Contains(voter) {
		return types.VoteStatusVoted, nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	voted, err := c.reader.HasVoted(ctx, voter)
	if err != nil {
		log.Warnw("failed to read vote status", "voter", voter.Hex(), "error", err)
		return types.VoteStatusUnknown, fmt.Errorf("%w: %w", types.ErrEligibilityCheckFailed, err)
	}
	if voted {
		c.voted.Add(voter, struct{}{})
		return types.VoteStatusVoted, nil
	}
	return types.VoteStatusNotVoted, nil
}

// HasVoted reports whether voter has voted. It never answers false when the
// ledger could not be read.
func (c *Checker) HasVoted(ctx context.Context, voter common.Address) (bool, error) {
	status, err := c.Status(ctx, voter)
	if err != nil {
		return false, err
	}
	return status == types.VoteStatusVoted, nil
}

// CheckEligible returns nil only when the ledger confirmed that voter has
// not voted. Otherwise the error wraps types.ErrAlreadyVoted or
// types.ErrEligibilityCheckFailed.
func (c *Checker) CheckEligible(ctx context.Context, voter common.Address) error {
	status, err := c.Status(ctx, voter)
	if err != nil {
		return err
	}
	if status == types.VoteStatusVoted {
		return fmt.Errorf("%w: %s", types.ErrAlreadyVoted, voter.Hex())
	}
	return nil
}

// MarkVoted records a vote observed on the ledger, for instance a
// confirmed submission or a double vote rejection.
func (c *Checker) MarkVoted(voter common.Address) {
	c.voted.Add(voter, struct{}{})
}
