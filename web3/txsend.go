package web3

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/vocdoni/zkvote-node/log"
)

const (
	sendMaxAttempts = 5
	// gasMarginPercent is added on top of the estimated gas.
	gasMarginPercent = 20
)

// retryBackoff is the pause before resending after a nonce or fee error.
var retryBackoff = 300 * time.Millisecond

// sendWithReplacement estimates and sends a call to the contract with data,
// signed by signer. Nonce races are retried with a fresh nonce and
// underpriced transactions are resent with bumped fees.
func (c *Contracts) sendWithReplacement(ctx context.Context, signer Signer, data []byte) (common.Hash, error) {
	from := signer.Address()
	fees, err := c.suggestFees(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("initial fees: %w", err)
	}
	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:      from,
		To:        &c.address,
		GasTipCap: fees.TipCap,
		GasFeeCap: fees.FeeCap,
		Data:      data,
	})
	if err != nil {
		return common.Hash{}, classifyVoteError(fmt.Errorf("estimate gas: %w", err))
	}
	gas += gas * gasMarginPercent / 100

	chainID := new(big.Int).SetUint64(c.ChainID)
	for attempt := 1; attempt <= sendMaxAttempts; attempt++ {
		nonce, err := c.backend.PendingNonceAt(ctx, from)
		if err != nil {
			return common.Hash{}, fmt.Errorf("pending nonce: %w", err)
		}
		opts, err := signer.TransactOpts(chainID)
		if err != nil {
			return common.Hash{}, err
		}
		opts.Context = ctx
		opts.Nonce = new(big.Int).SetUint64(nonce)
		opts.GasTipCap = fees.TipCap
		opts.GasFeeCap = fees.FeeCap
		opts.GasLimit = gas

		tx, sendErr := c.contract.RawTransact(opts, data)
		if sendErr == nil {
			return tx.Hash(), nil
		}
		switch {
		case isNonceTooLow(sendErr):
			log.Debugw("nonce too low, retrying", "from", from.Hex(), "nonce", nonce, "attempt", attempt)
		case isUnderpriced(sendErr):
			if fees, err = c.bumpFees(ctx, fees); err != nil {
				return common.Hash{}, fmt.Errorf("bump fees: %w", err)
			}
			log.Debugw("transaction underpriced, bumping fees", "from", from.Hex(),
				"tipCap", fees.TipCap, "feeCap", fees.FeeCap, "attempt", attempt)
		default:
			return common.Hash{}, classifyVoteError(fmt.Errorf("send transaction: %w", sendErr))
		}
		select {
		case <-ctx.Done():
			return common.Hash{}, ctx.Err()
		case <-time.After(retryBackoff):
		}
	}
	return common.Hash{}, fmt.Errorf("exhausted %d attempts to send transaction", sendMaxAttempts)
}
