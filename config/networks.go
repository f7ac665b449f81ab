package config

// NetworkConfig contains the ZkVoting deployment parameters of a network.
type NetworkConfig struct {
	ChainID            uint64
	ZkVotingContract   string
	ExplorerTxURL      string
	VoteLimit          int64
	DefaultRPCEndpoint string
	// VerifierBackend is the proof system the deployed contract verifies.
	VerifierBackend string
}

// DefaultConfig contains the default ZkVoting deployment by network.
var DefaultConfig = map[string]NetworkConfig{
	"sep": {
		ChainID:            11155111,
		ZkVotingContract:   "0x6bff5B1F596C58398092f439B7D5674bD8aA6fC2",
		ExplorerTxURL:      "https://sepolia.etherscan.io/tx/",
		VoteLimit:          2,
		DefaultRPCEndpoint: "https://ethereum-sepolia-rpc.publicnode.com",
		VerifierBackend:    "zokrates",
	},
}

// AvailableNetworks contains the list of networks where ZkVoting is deployed.
var AvailableNetworks = []string{
	"sep",
}

// TxExplorerLink returns the block explorer link for a transaction hash, or
// the empty string for networks without an explorer.
func (n NetworkConfig) TxExplorerLink(txHash string) string {
	if n.ExplorerTxURL == "" {
		return ""
	}
	return n.ExplorerTxURL + txHash
}
