package api

import (
	"net/http"

	"github.com/vocdoni/zkvote-node/config"
	"github.com/vocdoni/zkvote-node/log"
)

// info returns the network, contract and circuit a client votes with.
// GET /info
func (a *API) info(w http.ResponseWriter, _ *http.Request) {
	network, ok := config.DefaultConfig[a.network]
	if !ok {
		ErrGenericInternalServerError.Withf("invalid network configuration for %s", a.network).Write(w)
		return
	}
	resp := &NodeInfo{
		Network:        a.network,
		ChainID:        a.contracts.ChainID,
		Contracts:      ContractAddresses{ZkVoting: a.contracts.Address()},
		VoteLimit:      network.VoteLimit,
		CircuitVersion: a.prover.CircuitVersion(),
		ExplorerTxURL:  a.contracts.ExplorerTxURL,
	}
	stats, err := a.storage.ProofStats()
	if err != nil {
		log.Warnw("failed to count proof handles", "error", err)
	} else {
		resp.ProofHandles = make(map[string]int, len(stats))
		for state, n := range stats {
			resp.ProofHandles[state.String()] = n
		}
	}
	httpWriteJSON(w, resp)
}
