// Package simledger is an in-memory ZkVoting ledger implementing
// web3.Backend. Vote transactions are decoded through the contract ABI, their
// proof is checked by a Verifier and the vote flag of the sender is set in
// the same step, reverting with the contract's reason on a second vote.
package simledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/vocdoni/zkvote-node/log"
	"github.com/vocdoni/zkvote-node/types"
	"github.com/vocdoni/zkvote-node/web3"
)

const (
	voteGas     = 250_000
	blockGasCap = 30_000_000
)

var (
	baseFee = big.NewInt(1_000_000_000)
	tipCap  = big.NewInt(1_500_000_000)

	errorSelector = []byte{0x08, 0xc3, 0x79, 0xa0}
	stringArgs    = func() abi.Arguments {
		t, err := abi.NewType("string", "", nil)
		if err != nil {
			panic(err)
		}
		return abi.Arguments{{Type: t}}
	}()
)

// Verifier checks vote proofs. It is implemented by *toolchain.Adapter.
type Verifier interface {
	Verify(ctx context.Context, proof *types.ProofArtifact) error
}

// Ledger is a single-contract chain kept in memory.
type Ledger struct {
	mtx      sync.Mutex
	chainID  *big.Int
	contract common.Address
	verifier Verifier
	block    uint64
	autoMine bool
	readErr  error
	sendErr  error

	voted    map[common.Address]bool
	nonces   map[common.Address]uint64
	pending  []*gethtypes.Transaction
	txs      map[common.Hash]*gethtypes.Transaction
	receipts map[common.Hash]*gethtypes.Receipt
}

// New creates a ledger for chainID with ZkVoting deployed at contract. Sent
// transactions are mined right away unless SetAutoMine(false) is called.
func New(chainID uint64, contract common.Address, verifier Verifier) *Ledger {
	return &Ledger{
		chainID:  new(big.Int).SetUint64(chainID),
		contract: contract,
		verifier: verifier,
		block:    1,
		autoMine: true,
		voted:    make(map[common.Address]bool),
		nonces:   make(map[common.Address]uint64),
		txs:      make(map[common.Hash]*gethtypes.Transaction),
		receipts: make(map[common.Hash]*gethtypes.Receipt),
	}
}

// SetAutoMine enables or disables mining on every sent transaction.
func (l *Ledger) SetAutoMine(enabled bool) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.autoMine = enabled
}

// FailReads makes every contract read fail with err until it is called with
// nil.
func (l *Ledger) FailReads(err error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.readErr = err
}

// FailSends makes every broadcast fail with err until it is called with nil.
func (l *Ledger) FailSends(err error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.sendErr = err
}

// HasVoted returns the vote flag of voter.
func (l *Ledger) HasVoted(voter common.Address) bool {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.voted[voter]
}

// Pending returns the number of transactions waiting to be mined.
func (l *Ledger) Pending() int {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return len(l.pending)
}

// Mine includes every pending transaction in a new block, in the order they
// were sent, and returns how many were included.
func (l *Ledger) Mine() int {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.mineLocked()
}

func (l *Ledger) mineLocked() int {
	if len(l.pending) == 0 {
		return 0
	}
	l.block++
	number := new(big.Int).SetUint64(l.block)
	var cumulative uint64
	for i, tx := range l.pending {
		from, _ := l.sender(tx)
		status := gethtypes.ReceiptStatusSuccessful
		if err := l.execute(context.Background(), from, tx.Data(), true); err != nil {
			status = gethtypes.ReceiptStatusFailed
			log.Debugw("simulated vote reverted", "from", from.Hex(), "txHash", tx.Hash().Hex(), "error", err)
		}
		l.nonces[from]++
		cumulative += voteGas
		l.receipts[tx.Hash()] = &gethtypes.Receipt{
			Type:              tx.Type(),
			Status:            status,
			CumulativeGasUsed: cumulative,
			TxHash:            tx.Hash(),
			GasUsed:           voteGas,
			EffectiveGasPrice: new(big.Int).Add(baseFee, tx.GasTipCap()),
			BlockNumber:       number,
			TransactionIndex:  uint(i),
		}
	}
	n := len(l.pending)
	l.pending = nil
	return n
}

// execute runs a vote call from sender. It only records the vote when commit
// is set and every check passed.
func (l *Ledger) execute(ctx context.Context, from common.Address, data []byte, commit bool) error {
	proof, err := web3.UnpackVote(data)
	if err != nil {
		return newRevertError("invalid vote calldata")
	}
	if l.voted[from] {
		return newRevertError(web3.AlreadyVotedReason)
	}
	if err := l.verifier.Verify(ctx, proof); err != nil {
		return newRevertError("Invalid proof")
	}
	if commit {
		l.voted[from] = true
	}
	return nil
}

func (l *Ledger) sender(tx *gethtypes.Transaction) (common.Address, error) {
	return gethtypes.Sender(gethtypes.LatestSignerForChainID(l.chainID), tx)
}

func (l *Ledger) pendingNonce(account common.Address) uint64 {
	nonce := l.nonces[account]
	for _, tx := range l.pending {
		if from, _ := l.sender(tx); from == account {
			nonce++
		}
	}
	return nonce
}

func (l *Ledger) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).Set(l.chainID), nil
}

func (l *Ledger) BlockNumber(context.Context) (uint64, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.block, nil
}

func (l *Ledger) CodeAt(_ context.Context, account common.Address, _ *big.Int) ([]byte, error) {
	if account == l.contract {
		return []byte{0x60, 0x80, 0x60, 0x40}, nil
	}
	return nil, nil
}

func (l *Ledger) PendingCodeAt(ctx context.Context, account common.Address) ([]byte, error) {
	return l.CodeAt(ctx, account, nil)
}

func (l *Ledger) HeaderByNumber(context.Context, *big.Int) (*gethtypes.Header, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return &gethtypes.Header{
		Number:   new(big.Int).SetUint64(l.block),
		GasLimit: blockGasCap,
		BaseFee:  new(big.Int).Set(baseFee),
	}, nil
}

func (l *Ledger) PendingNonceAt(_ context.Context, account common.Address) (uint64, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.pendingNonce(account), nil
}

func (l *Ledger) SuggestGasPrice(context.Context) (*big.Int, error) {
	return new(big.Int).Add(baseFee, tipCap), nil
}

func (l *Ledger) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return new(big.Int).Set(tipCap), nil
}

func (l *Ledger) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	if msg.To == nil || *msg.To != l.contract {
		return 21_000, nil
	}
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if err := l.execute(ctx, msg.From, msg.Data, false); err != nil {
		return 0, err
	}
	return voteGas, nil
}

// CallContract serves votes(address) and simulates vote calls. The block
// number is ignored and the latest state is used.
func (l *Ledger) CallContract(ctx context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if l.readErr != nil {
		return nil, l.readErr
	}
	if msg.To == nil || *msg.To != l.contract || len(msg.Data) < 4 {
		return nil, nil
	}
	method, err := web3.ZkVotingABI.MethodById(msg.Data[:4])
	if err != nil {
		return nil, newRevertError("unknown method")
	}
	switch method.Name {
	case "votes":
		args, err := method.Inputs.Unpack(msg.Data[4:])
		if err != nil {
			return nil, newRevertError("invalid votes calldata")
		}
		voter, _ := args[0].(common.Address)
		return method.Outputs.Pack(l.voted[voter])
	case "vote":
		return nil, l.execute(ctx, msg.From, msg.Data, false)
	}
	return nil, nil
}

func (l *Ledger) SendTransaction(_ context.Context, tx *gethtypes.Transaction) error {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if l.sendErr != nil {
		return l.sendErr
	}
	if tx.ChainId().Cmp(l.chainID) != 0 {
		return fmt.Errorf("invalid chain id %s", tx.ChainId())
	}
	from, err := l.sender(tx)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	if _, known := l.receipts[tx.Hash()]; known {
		return errors.New("already known")
	}
	switch expected := l.pendingNonce(from); {
	case tx.Nonce() < expected:
		return fmt.Errorf("nonce too low: address %s, tx: %d state: %d", from.Hex(), tx.Nonce(), expected)
	case tx.Nonce() > expected:
		return fmt.Errorf("nonce too high: address %s, tx: %d state: %d", from.Hex(), tx.Nonce(), expected)
	}
	if tx.GasFeeCap().Cmp(baseFee) < 0 {
		return fmt.Errorf("max fee per gas less than block base fee: address %s, maxFeePerGas: %s, baseFee: %s",
			from.Hex(), tx.GasFeeCap(), baseFee)
	}
	l.pending = append(l.pending, tx)
	l.txs[tx.Hash()] = tx
	if l.autoMine {
		l.mineLocked()
	}
	return nil
}

func (l *Ledger) TransactionReceipt(_ context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if r, ok := l.receipts[txHash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (l *Ledger) TransactionByHash(_ context.Context, txHash common.Hash) (*gethtypes.Transaction, bool, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	tx, ok := l.txs[txHash]
	if !ok {
		return nil, false, ethereum.NotFound
	}
	_, mined := l.receipts[txHash]
	return tx, !mined, nil
}

// Transact signs a transaction of signer carrying data to the contract and
// sends it, the way a wallet sends vote calldata.
func (l *Ledger) Transact(ctx context.Context, signer web3.Signer, data []byte) (common.Hash, error) {
	opts, err := signer.TransactOpts(l.chainID)
	if err != nil {
		return common.Hash{}, err
	}
	nonce, err := l.PendingNonceAt(ctx, signer.Address())
	if err != nil {
		return common.Hash{}, err
	}
	tx := gethtypes.NewTx(&gethtypes.DynamicFeeTx{
		ChainID:   new(big.Int).Set(l.chainID),
		Nonce:     nonce,
		GasTipCap: new(big.Int).Set(tipCap),
		GasFeeCap: new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), tipCap),
		Gas:       voteGas,
		To:        &l.contract,
		Data:      data,
	})
	signed, err := opts.Signer(signer.Address(), tx)
	if err != nil {
		return common.Hash{}, err
	}
	if err := l.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, err
	}
	return signed.Hash(), nil
}

func (l *Ledger) FilterLogs(context.Context, ethereum.FilterQuery) ([]gethtypes.Log, error) {
	return nil, nil
}

func (l *Ledger) SubscribeFilterLogs(context.Context, ethereum.FilterQuery, chan<- gethtypes.Log) (ethereum.Subscription, error) {
	return nil, errors.New("subscriptions are not supported")
}

// revertError mimics the error of a reverted call returned by a node, with
// the ABI encoded Error(string) payload as data.
type revertError struct {
	reason string
	data   []byte
}

func newRevertError(reason string) *revertError {
	packed, err := stringArgs.Pack(reason)
	if err != nil {
		panic(err)
	}
	return &revertError{reason: reason, data: append(append([]byte{}, errorSelector...), packed...)}
}

func (e *revertError) Error() string  { return "execution reverted: " + e.reason }
func (e *revertError) ErrorCode() int { return 3 }
func (e *revertError) ErrorData() any { return hexutil.Encode(e.data) }
