package web3

import "time"

func init() {
	receiptPollInterval = 10 * time.Millisecond
	retryBackoff = time.Millisecond
}

var ClassifyVoteError = classifyVoteError
