package rpc

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/vocdoni/zkvote-node/log"
)

const (
	// defaultRetries is the number of attempts on one provider before moving
	// to the next.
	defaultRetries = 2
	// defaultRetrySleep is the pause between attempts on the same provider.
	defaultRetrySleep = 200 * time.Millisecond
)

var (
	defaultTimeout    = 3 * time.Second
	filterLogsTimeout = 5 * time.Second
)

// Client implements bind.ContractBackend for one chain of a Web3Pool,
// spreading the calls over the providers of that chain.
type Client struct {
	w3p     *Web3Pool
	chainID uint64
}

// ChainID returns the chain id the client is bound to. It does not query the
// network.
func (c *Client) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).SetUint64(c.chainID), nil
}

// EthClient returns the ethclient of the next provider in rotation.
func (c *Client) EthClient() (*ethclient.Client, error) {
	endpoint, err := c.w3p.Endpoint(c.chainID)
	if err != nil {
		return nil, fmt.Errorf("error getting endpoint for chainID %d: %w", c.chainID, err)
	}
	return endpoint.client, nil
}

// call runs fn through retryAndCheckErr, giving every attempt its own
// timeout derived from ctx.
func call[T any](ctx context.Context, c *Client, timeout time.Duration,
	fn func(context.Context, *ethclient.Client) (T, error),
) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	res, err := c.retryAndCheckErr(func(endpoint *Web3Endpoint) (any, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		internalCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return fn(internalCtx, endpoint.client)
	})
	if err != nil {
		return zero, err
	}
	v, _ := res.(T)
	return v, nil
}

func (c *Client) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	return call(ctx, c, defaultTimeout, func(ctx context.Context, cli *ethclient.Client) ([]byte, error) {
		return cli.CodeAt(ctx, account, blockNumber)
	})
}

func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return call(ctx, c, defaultTimeout, func(ctx context.Context, cli *ethclient.Client) ([]byte, error) {
		return cli.CallContract(ctx, msg, blockNumber)
	})
}

func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return call(ctx, c, defaultTimeout, func(ctx context.Context, cli *ethclient.Client) (uint64, error) {
		return cli.EstimateGas(ctx, msg)
	})
}

func (c *Client) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]gethtypes.Log, error) {
	return call(ctx, c, filterLogsTimeout, func(ctx context.Context, cli *ethclient.Client) ([]gethtypes.Log, error) {
		return cli.FilterLogs(ctx, query)
	})
}

func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error) {
	return call(ctx, c, defaultTimeout, func(ctx context.Context, cli *ethclient.Client) (*gethtypes.Header, error) {
		return cli.HeaderByNumber(ctx, number)
	})
}

func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return call(ctx, c, defaultTimeout, func(ctx context.Context, cli *ethclient.Client) (uint64, error) {
		return cli.PendingNonceAt(ctx, account)
	})
}

func (c *Client) PendingCodeAt(ctx context.Context, account common.Address) ([]byte, error) {
	return call(ctx, c, defaultTimeout, func(ctx context.Context, cli *ethclient.Client) ([]byte, error) {
		return cli.PendingCodeAt(ctx, account)
	})
}

func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return call(ctx, c, defaultTimeout, func(ctx context.Context, cli *ethclient.Client) (*big.Int, error) {
		return cli.SuggestGasPrice(ctx)
	})
}

func (c *Client) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return call(ctx, c, defaultTimeout, func(ctx context.Context, cli *ethclient.Client) (*big.Int, error) {
		return cli.SuggestGasTipCap(ctx)
	})
}

// SendTransaction broadcasts tx. A provider answering "already known" has
// the transaction in its pool, which is reported as success.
func (c *Client) SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error {
	_, err := call(ctx, c, defaultTimeout, func(ctx context.Context, cli *ethclient.Client) (struct{}, error) {
		err := cli.SendTransaction(ctx, tx)
		if err != nil && IsAlreadyKnown(err) {
			return struct{}{}, nil
		}
		return struct{}{}, err
	})
	return err
}

func (c *Client) SubscribeFilterLogs(ctx context.Context,
	query ethereum.FilterQuery, ch chan<- gethtypes.Log,
) (ethereum.Subscription, error) {
	// The subscription outlives the call, so it gets the caller context.
	res, err := c.retryAndCheckErr(func(endpoint *Web3Endpoint) (any, error) {
		return endpoint.client.SubscribeFilterLogs(ctx, query, ch)
	})
	if err != nil {
		return nil, err
	}
	sub, _ := res.(ethereum.Subscription)
	return sub, nil
}

// TransactionReceipt returns the receipt of a mined transaction, or
// ethereum.NotFound while it is pending.
func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	return call(ctx, c, defaultTimeout, func(ctx context.Context, cli *ethclient.Client) (*gethtypes.Receipt, error) {
		return cli.TransactionReceipt(ctx, txHash)
	})
}

func (c *Client) TransactionByHash(ctx context.Context, txHash common.Hash) (*gethtypes.Transaction, bool, error) {
	type result struct {
		tx      *gethtypes.Transaction
		pending bool
	}
	res, err := call(ctx, c, defaultTimeout, func(ctx context.Context, cli *ethclient.Client) (result, error) {
		tx, pending, err := cli.TransactionByHash(ctx, txHash)
		return result{tx, pending}, err
	})
	return res.tx, res.pending, err
}

func (c *Client) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return call(ctx, c, defaultTimeout, func(ctx context.Context, cli *ethclient.Client) (*big.Int, error) {
		return cli.BalanceAt(ctx, account, blockNumber)
	})
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return call(ctx, c, defaultTimeout, func(ctx context.Context, cli *ethclient.Client) (uint64, error) {
		return cli.BlockNumber(ctx)
	})
}

// retryAndCheckErr runs fn against the providers of the chain. Each provider
// gets defaultRetries attempts before it is disabled and the next one is
// tried, until fn succeeds, a permanent error is returned or every provider
// failed.
func (c *Client) retryAndCheckErr(fn func(*Web3Endpoint) (any, error)) (any, error) {
	totalEndpoints := c.w3p.NumberOfEndpoints(c.chainID, false)
	if totalEndpoints == 0 {
		return nil, fmt.Errorf("no endpoints available for chainID %d", c.chainID)
	}
	tried := make(map[string]bool)
	var lastErr error
	for attempt := range totalEndpoints {
		endpoint, err := c.w3p.Endpoint(c.chainID)
		if err != nil {
			return nil, fmt.Errorf("error getting endpoint for chainID %d: %w", c.chainID, err)
		}
		if tried[endpoint.URI] {
			return nil, fmt.Errorf("endpoint rotation failed for chainID %d: %w", c.chainID, lastErr)
		}
		tried[endpoint.URI] = true

		for retry := range defaultRetries {
			res, err := fn(endpoint)
			if err == nil {
				if attempt > 0 {
					log.Infow("RPC call succeeded after endpoint switch",
						"chainID", c.chainID,
						"uri", endpoint.URI,
						"endpointAttempts", attempt+1)
				}
				return res, nil
			}
			lastErr = err
			if IsPermanentError(err) {
				return nil, err
			}
			if retry < defaultRetries-1 {
				time.Sleep(defaultRetrySleep)
			}
		}
		log.Warnw("endpoint failed after retries, switching to next",
			"chainID", c.chainID,
			"uri", endpoint.URI,
			"error", lastErr,
			"endpointAttempt", attempt+1)
		c.w3p.DisableEndpoint(c.chainID, endpoint.URI)
	}
	log.Errorw(lastErr, fmt.Sprintf("all endpoints failed for chainID %d", c.chainID))
	return nil, fmt.Errorf("all endpoints exhausted for chainID %d: %w", c.chainID, lastErr)
}
