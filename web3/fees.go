package web3

import (
	"context"
	"fmt"
	"math/big"
)

// FeeCaps are the EIP-1559 fee caps of a transaction.
type FeeCaps struct {
	TipCap *big.Int // maxPriorityFeePerGas
	FeeCap *big.Int // maxFeePerGas
}

const (
	minTipBumpGwei    = int64(2)
	minFeeCapBumpGwei = int64(5)

	// replacements must pay at least 12.5% more
	bumpFactorNum = int64(1125)
	bumpFactorDen = int64(1000)
)

// suggestFees returns the fee caps for a new transaction: the suggested tip
// on top of twice the current base fee.
func (c *Contracts) suggestFees(ctx context.Context) (FeeCaps, error) {
	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return FeeCaps{}, fmt.Errorf("suggest tip: %w", err)
	}
	baseFee, err := c.baseFee(ctx)
	if err != nil {
		return FeeCaps{}, err
	}
	feeCap := new(big.Int).Mul(baseFee, big.NewInt(2))
	return FeeCaps{TipCap: tip, FeeCap: feeCap.Add(feeCap, tip)}, nil
}

// bumpFees raises fees enough for a replacement transaction to be accepted.
func (c *Contracts) bumpFees(ctx context.Context, fees FeeCaps) (FeeCaps, error) {
	suggestedTip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return fees, fmt.Errorf("suggest tip: %w", err)
	}
	tip := maxBig(
		mulFrac(fees.TipCap, bumpFactorNum, bumpFactorDen),
		new(big.Int).Add(fees.TipCap, gwei(minTipBumpGwei)),
		suggestedTip,
	)
	baseFee, err := c.baseFee(ctx)
	if err != nil {
		return fees, err
	}
	baseTarget := new(big.Int).Mul(baseFee, big.NewInt(2))
	feeCap := maxBig(
		mulFrac(fees.FeeCap, bumpFactorNum, bumpFactorDen),
		new(big.Int).Add(fees.FeeCap, gwei(minFeeCapBumpGwei)),
		baseTarget.Add(baseTarget, tip),
	)
	return FeeCaps{TipCap: tip, FeeCap: feeCap}, nil
}

func (c *Contracts) baseFee(ctx context.Context) (*big.Int, error) {
	h, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("header by number: %w", err)
	}
	if h.BaseFee == nil {
		return nil, fmt.Errorf("no base fee in latest header")
	}
	return h.BaseFee, nil
}

func mulFrac(x *big.Int, num, den int64) *big.Int {
	if x == nil {
		return nil
	}
	xx := new(big.Int).Mul(x, big.NewInt(num))
	return xx.Div(xx, big.NewInt(den))
}

func maxBig(vals ...*big.Int) *big.Int {
	var best *big.Int
	for _, v := range vals {
		if v != nil && (best == nil || v.Cmp(best) > 0) {
			best = v
		}
	}
	if best == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(best)
}

func gwei(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000))
}
