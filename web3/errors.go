package web3

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/vocdoni/zkvote-node/types"
	"github.com/vocdoni/zkvote-node/web3/rpc"
)

// RevertReason returns the reason string carried by a reverted call error,
// or the empty string when there is none.
func RevertReason(err error) string {
	if err == nil {
		return ""
	}
	if data := rpc.ParseError(err).Data; len(data) > 0 {
		if reason, uerr := abi.UnpackRevert(data); uerr == nil {
			return reason
		}
	}
	msg := err.Error()
	if i := strings.Index(msg, "execution reverted: "); i >= 0 {
		return msg[i+len("execution reverted: "):]
	}
	return ""
}

// IsReverted reports whether err is a contract revert.
func IsReverted(err error) bool {
	return containsErr(err, "execution reverted")
}

// classifyVoteError maps the error of a vote call or transaction to the
// ledger rejections: ErrAlreadyVoted for a second vote of the same address
// and ErrTransactionFailed for any other revert. Errors that are not reverts
// are returned unchanged since a retry may succeed.
func classifyVoteError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, types.ErrAlreadyVoted) || errors.Is(err, types.ErrTransactionFailed) {
		return err
	}
	reason := RevertReason(err)
	if strings.Contains(reason, AlreadyVotedReason) || containsErr(err, AlreadyVotedReason) {
		return fmt.Errorf("%w: %s", types.ErrAlreadyVoted, AlreadyVotedReason)
	}
	if IsReverted(err) || containsErr(err, "insufficient funds") {
		if reason == "" {
			reason = err.Error()
		}
		return fmt.Errorf("%w: %s", types.ErrTransactionFailed, reason)
	}
	return err
}

func isNonceTooLow(err error) bool {
	return containsErr(err, "nonce too low")
}

func isUnderpriced(err error) bool {
	return containsErr(err, "replacement transaction underpriced") ||
		containsErr(err, "transaction underpriced") ||
		containsErr(err, "tip too low") ||
		containsErr(err, "fee cap too low") ||
		containsErr(err, "max fee per gas less than block base fee")
}

func containsErr(err error, sub string) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), strings.ToLower(sub))
}
