// Package chainlist discovers public web3 providers for a chain from
// chainlist.org. It is used when no provider is configured.
package chainlist

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/vocdoni/zkvote-node/log"
	"golang.org/x/sync/errgroup"
)

var (
	// ChainListURL is the source of the chain metadata.
	ChainListURL = "https://chainlist.org/rpcs.json"

	fetchTimeout     = 20 * time.Second
	checkTimeout     = 3 * time.Second
	maxParallelChecks = 8

	// check reports whether a provider answers for the expected chain.
	check = checkChainID
	// shuffle randomizes the order providers are checked in.
	shuffle = rand.Shuffle
)

// Chain is the subset of the chainlist.org metadata used by the node.
type Chain struct {
	Name      string     `json:"name"`
	ShortName string     `json:"shortName"`
	ChainID   uint64     `json:"chainId"`
	RPC       []RPCEntry `json:"rpc"`
	Explorers []Explorer `json:"explorers,omitempty"`
}

// RPCEntry is a public provider of a chain.
type RPCEntry struct {
	URL      string `json:"url"`
	Tracking string `json:"tracking,omitempty"`
}

// Explorer is a block explorer of a chain.
type Explorer struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

var (
	mtx    sync.Mutex
	chains map[uint64]*Chain
)

// load fetches the chain list once. A failed fetch is retried on the next
// call.
func load(ctx context.Context) (map[uint64]*Chain, error) {
	mtx.Lock()
	defer mtx.Unlock()
	if chains != nil {
		return chains, nil
	}
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ChainListURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch chain list: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Warnw("failed to close chain list response", "error", err)
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch chain list: %s", resp.Status)
	}
	var list []Chain
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("failed to decode chain list: %w", err)
	}
	byID := make(map[uint64]*Chain, len(list))
	for i := range list {
		byID[list[i].ChainID] = &list[i]
	}
	chains = byID
	return chains, nil
}

// ChainByID returns the metadata of chainID.
func ChainByID(ctx context.Context, chainID uint64) (*Chain, error) {
	all, err := load(ctx)
	if err != nil {
		return nil, err
	}
	chain, ok := all[chainID]
	if !ok {
		return nil, fmt.Errorf("chain ID %d not found", chainID)
	}
	return chain, nil
}

// EndpointList returns up to n providers of chainID that answer with the
// right chain id, in random order. Websocket providers and providers whose
// URL needs an API key are skipped.
func EndpointList(ctx context.Context, chainID uint64, n int) ([]string, error) {
	chain, err := ChainByID(ctx, chainID)
	if err != nil {
		return nil, err
	}
	var urls []string
	for _, entry := range chain.RPC {
		if strings.HasPrefix(entry.URL, "http") && !strings.Contains(entry.URL, "${") {
			urls = append(urls, entry.URL)
		}
	}
	shuffle(len(urls), func(i, j int) { urls[i], urls[j] = urls[j], urls[i] })

	var (
		healthyMtx sync.Mutex
		healthy    []string
	)
	checkCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g := errgroup.Group{}
	g.SetLimit(maxParallelChecks)
	for _, url := range urls {
		g.Go(func() error {
			if checkCtx.Err() != nil || !check(checkCtx, url, chainID) {
				return nil
			}
			healthyMtx.Lock()
			defer healthyMtx.Unlock()
			if n <= 0 || len(healthy) < n {
				healthy = append(healthy, url)
			}
			if n > 0 && len(healthy) >= n {
				cancel()
			}
			return nil
		})
	}
	_ = g.Wait()
	if len(healthy) == 0 {
		return nil, fmt.Errorf("no healthy endpoint found for chain ID %d", chainID)
	}
	return healthy, nil
}

func checkChainID(ctx context.Context, url string, chainID uint64) bool {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	cli, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return false
	}
	defer cli.Close()
	got, err := cli.ChainID(ctx)
	return err == nil && got.Uint64() == chainID
}
