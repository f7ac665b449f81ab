package api

import (
	"fmt"
	"net/url"
	"strings"
)

// Route constants for the API endpoints

const (
	// Health endpoints
	PingEndpoint = "/ping" // Health check endpoint

	// Info endpoint
	InfoEndpoint = "/info" // GET: network, contract and circuit information

	// Proof endpoints
	HandleURLParam        = "handle"                                     // URL parameter for proof handle
	ProofsEndpoint        = "/proofs"                                    // POST: Generate a vote proof
	GenerateProofEndpoint = "/generateProof"                             // POST: Generate a vote proof (legacy path)
	ProofEndpoint         = ProofsEndpoint + "/{" + HandleURLParam + "}" // GET: Get a proof by handle
	ProofCalldataEndpoint = ProofEndpoint + "/calldata"                  // POST: Redeem a handle as vote calldata

	// Voter endpoints
	AddressURLParam = "address"                           // URL parameter for voter address
	VoterEndpoint   = "/voters/{" + AddressURLParam + "}" // GET: Vote status of an address

	// Vote transaction endpoints
	TxHashURLParam = "txHash"                                    // URL parameter for transaction hash
	VotesEndpoint  = "/votes"                                    // POST: Track a vote transaction sent by a wallet
	VoteEndpoint   = VotesEndpoint + "/{" + TxHashURLParam + "}" // GET: Status of a vote transaction
)

// EndpointWithParam creates an endpoint URL by replacing the parameter
// placeholder with the actual value. Used to build fully qualified
// endpoint URLs.
func EndpointWithParam(path, key, param string) string {
	rawKey := fmt.Sprintf("{%s}", key)

	// Always try to replace the placeholder, even if it's after the '?'
	if strings.Contains(path, rawKey) {
		return strings.Replace(path, rawKey, url.PathEscape(param), 1)
	}

	// Fallback: add as query param
	escapedKey := url.QueryEscape(key)
	escapedVal := url.QueryEscape(param)

	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}

	return fmt.Sprintf("%s%s%s=%s", path, sep, escapedKey, escapedVal)
}

// LogExcludedPrefixes defines URL prefixes to exclude from request logging
var LogExcludedPrefixes = []string{
	PingEndpoint,
	InfoEndpoint,
}

// LogRedactedPrefixes defines URL prefixes whose request bodies hold a vote
// choice and are never logged.
var LogRedactedPrefixes = []string{
	ProofsEndpoint,
	GenerateProofEndpoint,
}
