// Package web3 talks to the ZkVoting contract: it reads the vote status of
// an address and sends vote transactions, telling apart the ledger's double
// vote rejection from other failures.
package web3

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/vocdoni/zkvote-node/log"
	"github.com/vocdoni/zkvote-node/types"
	"github.com/vocdoni/zkvote-node/web3/rpc"
)

const (
	// web3QueryTimeout is the timeout for web3 queries.
	web3QueryTimeout = 10 * time.Second
	// currentBlockIntervalUpdate is the interval to update the current block.
	currentBlockIntervalUpdate = 5 * time.Second
)

// receiptPollInterval is the pause between receipt lookups.
var receiptPollInterval = 2 * time.Second

// Backend is the ledger connection. It is implemented by *rpc.Client and by
// the in-memory ledger of the simledger package.
type Backend interface {
	bind.ContractBackend
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	TransactionByHash(ctx context.Context, txHash common.Hash) (*gethtypes.Transaction, bool, error)
}

// Signer signs vote transactions on behalf of a voter.
type Signer interface {
	Address() common.Address
	TransactOpts(chainID *big.Int) (*bind.TransactOpts, error)
}

// Contracts is the binding to a deployed ZkVoting contract.
type Contracts struct {
	ChainID uint64
	// ExplorerTxURL is the prefix of transaction links, empty if the network
	// has no explorer.
	ExplorerTxURL string

	address  common.Address
	backend  Backend
	contract *bind.BoundContract
	web3pool *rpc.Web3Pool

	currentBlock           uint64
	currentBlockLastUpdate time.Time
	currentBlockMutex      sync.Mutex
}

// New connects to the given web3 endpoints, which must all serve the same
// chain, and binds the ZkVoting contract at address.
func New(web3rpcs []string, address common.Address) (*Contracts, error) {
	w3pool := rpc.NewWeb3Pool()
	var chainID *uint64
	for _, uri := range web3rpcs {
		cID, err := w3pool.AddEndpoint(uri)
		if err != nil {
			log.Warnw("skipping web3 endpoint", "rpc", uri, "error", err)
			continue
		}
		if chainID == nil {
			chainID = &cID
		}
		if *chainID != cID {
			return nil, fmt.Errorf("web3 endpoints have different chain IDs: %d and %d", *chainID, cID)
		}
	}
	if chainID == nil {
		return nil, fmt.Errorf("no web3 endpoints available")
	}
	cli, err := w3pool.Client(*chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to get client: %w", err)
	}
	c, err := NewWithBackend(cli, address)
	if err != nil {
		w3pool.Close()
		return nil, err
	}
	c.web3pool = w3pool
	log.Infow("web3 client initialized",
		"chainID", c.ChainID,
		"contract", address.Hex(),
		"lastBlock", c.currentBlock,
		"numEndpoints", w3pool.NumberOfEndpoints(*chainID, false))
	return c, nil
}

// NewWithBackend binds the ZkVoting contract at address on backend.
func NewWithBackend(backend Backend, address common.Address) (*Contracts, error) {
	ctx, cancel := context.WithTimeout(context.Background(), web3QueryTimeout)
	defer cancel()
	bChainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}
	lastBlock, err := backend.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get block number: %w", err)
	}
	code, err := backend.CodeAt(ctx, address, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get contract code: %w", err)
	}
	if len(code) == 0 {
		return nil, fmt.Errorf("no contract deployed at %s on chain %d", address.Hex(), bChainID.Uint64())
	}
	return &Contracts{
		ChainID:                bChainID.Uint64(),
		address:                address,
		backend:                backend,
		contract:               bind.NewBoundContract(address, *ZkVotingABI, backend, backend, backend),
		currentBlock:           lastBlock,
		currentBlockLastUpdate: time.Now(),
	}, nil
}

// Close releases the web3 connections.
func (c *Contracts) Close() {
	if c.web3pool != nil {
		c.web3pool.Close()
	}
}

// Address returns the address of the ZkVoting contract.
func (c *Contracts) Address() common.Address {
	return c.address
}

// CurrentBlock returns the current block number for the chain.
func (c *Contracts) CurrentBlock() uint64 {
	c.currentBlockMutex.Lock()
	defer c.currentBlockMutex.Unlock()
	now := time.Now()
	if c.currentBlockLastUpdate.Add(currentBlockIntervalUpdate).Before(now) {
		ctx, cancel := context.WithTimeout(context.Background(), web3QueryTimeout)
		defer cancel()
		block, err := c.backend.BlockNumber(ctx)
		if err != nil {
			log.Warnw("failed to get block number", "error", err)
			return c.currentBlock
		}
		c.currentBlock = block
		c.currentBlockLastUpdate = now
	}
	return c.currentBlock
}

// TxExplorerLink returns the explorer link of a transaction.
func (c *Contracts) TxExplorerLink(txHash common.Hash) string {
	if c.ExplorerTxURL == "" {
		return ""
	}
	return c.ExplorerTxURL + txHash.Hex()
}

// HasVoted reads the vote flag of voter from the contract.
func (c *Contracts) HasVoted(ctx context.Context, voter common.Address) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, web3QueryTimeout)
	defer cancel()
	var out []any
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, methodVotes, voter); err != nil {
		return false, fmt.Errorf("votes(%s): %w", voter.Hex(), err)
	}
	if len(out) != 1 {
		return false, fmt.Errorf("votes(%s): unexpected %d return values", voter.Hex(), len(out))
	}
	hasVoted, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("votes(%s): unexpected return type %T", voter.Hex(), out[0])
	}
	return hasVoted, nil
}

// VoteCalldata returns the calldata of a vote transaction carrying proof,
// for wallets that sign and send it themselves.
func (c *Contracts) VoteCalldata(proof *types.ProofArtifact) ([]byte, error) {
	return PackVote(proof)
}

// SubmitVote signs and broadcasts a vote transaction carrying proof and
// returns its hash as soon as a provider accepted it. The call is simulated
// first, so a voter that already voted gets types.ErrAlreadyVoted and no
// transaction is sent. Other reverts are returned as
// types.ErrTransactionFailed. Any other error is transient.
func (c *Contracts) SubmitVote(ctx context.Context, proof *types.ProofArtifact, signer Signer) (common.Hash, error) {
	if signer == nil {
		return common.Hash{}, fmt.Errorf("no signer defined")
	}
	calldata, err := PackVote(proof)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack vote: %w", err)
	}
	hash, err := c.sendWithReplacement(ctx, signer, calldata)
	if err != nil {
		return common.Hash{}, err
	}
	log.Infow("vote transaction sent", "voter", signer.Address().Hex(), "txHash", hash.Hex())
	return hash, nil
}

// VoteTx is a transaction sent to the ZkVoting contract.
type VoteTx struct {
	From    common.Address
	Data    []byte
	Pending bool
}

// VoteTransaction looks up txHash on the ledger. Transactions that are not
// sent to the ZkVoting contract are rejected with types.ErrInvalidInput; an
// unknown hash returns ethereum.NotFound.
func (c *Contracts) VoteTransaction(ctx context.Context, txHash common.Hash) (*VoteTx, error) {
	ctx, cancel := context.WithTimeout(ctx, web3QueryTimeout)
	defer cancel()
	tx, pending, err := c.backend.TransactionByHash(ctx, txHash)
	if err != nil {
		return nil, fmt.Errorf("transaction %s: %w", txHash.Hex(), err)
	}
	if tx.To() == nil || *tx.To() != c.address {
		return nil, fmt.Errorf("%w: transaction %s is not sent to %s", types.ErrInvalidInput, txHash.Hex(), c.address.Hex())
	}
	signer := gethtypes.LatestSignerForChainID(new(big.Int).SetUint64(c.ChainID))
	from, err := gethtypes.Sender(signer, tx)
	if err != nil {
		return nil, fmt.Errorf("%w: sender of transaction %s: %v", types.ErrInvalidInput, txHash.Hex(), err)
	}
	return &VoteTx{From: from, Data: tx.Data(), Pending: pending}, nil
}

// CallVote simulates a vote of from with proof at block (nil for latest)
// and returns the classified revert, if any.
func (c *Contracts) CallVote(ctx context.Context, from common.Address, proof *types.ProofArtifact, block *big.Int) error {
	calldata, err := PackVote(proof)
	if err != nil {
		return fmt.Errorf("pack vote: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, web3QueryTimeout)
	defer cancel()
	_, err = c.backend.CallContract(ctx, ethereum.CallMsg{From: from, To: &c.address, Data: calldata}, block)
	return classifyVoteError(err)
}

// WaitReceipt polls for the receipt of txHash until it is mined or ctx is
// done. A mined transaction that failed is returned together with a
// types.ErrTransactionFailed error. Giving up the wait does not affect the
// transaction.
func (c *Contracts) WaitReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()
	for {
		receipt, err := c.backend.TransactionReceipt(ctx, txHash)
		switch {
		case err == nil && receipt.Status == gethtypes.ReceiptStatusSuccessful:
			return receipt, nil
		case err == nil:
			return receipt, fmt.Errorf("%w: transaction %s reverted in block %s",
				types.ErrTransactionFailed, txHash.Hex(), receipt.BlockNumber)
		case errors.Is(err, ethereum.NotFound):
		default:
			log.Debugw("failed to get transaction receipt", "txHash", txHash.Hex(), "error", err)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for transaction %s: %w", txHash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// ConfirmVote waits for the vote transaction txHash sent by from. When it
// reverted, the call is replayed on the block it was mined in to recover
// the reason, so a double vote is reported as types.ErrAlreadyVoted.
func (c *Contracts) ConfirmVote(ctx context.Context, txHash common.Hash, from common.Address,
	proof *types.ProofArtifact,
) (*gethtypes.Receipt, error) {
	receipt, err := c.WaitReceipt(ctx, txHash)
	if err == nil || receipt == nil {
		return receipt, err
	}
	rerr := c.CallVote(ctx, from, proof, receipt.BlockNumber)
	if errors.Is(rerr, types.ErrAlreadyVoted) || errors.Is(rerr, types.ErrTransactionFailed) {
		return receipt, rerr
	}
	return receipt, err
}
