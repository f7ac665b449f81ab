// Package rpc balances web3 calls for a chain over a pool of providers. A
// provider that keeps failing is taken out of rotation for a while and the
// call moves on to the next one.
package rpc

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
)

const (
	// dialRetries is the number of attempts to dial a provider.
	dialRetries = 5
	// checkEndpointTimeout bounds the checks run when adding a provider.
	checkEndpointTimeout = 10 * time.Second
)

// Web3Pool keeps the providers known for every chain id.
type Web3Pool struct {
	mtx       sync.RWMutex
	endpoints map[uint64]*Web3Iterator
}

// NewWeb3Pool returns an empty pool.
func NewWeb3Pool() *Web3Pool {
	return &Web3Pool{endpoints: make(map[uint64]*Web3Iterator)}
}

// AddEndpoint dials uri, asks for its chain id and adds it to the pool.
func (p *Web3Pool) AddEndpoint(uri string) (uint64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), checkEndpointTimeout)
	defer cancel()
	client, err := dial(ctx, uri)
	if err != nil {
		return 0, err
	}
	bChainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return 0, fmt.Errorf("error getting the chainID from the web3 provider %q: %w", uri, err)
	}
	chainID := bChainID.Uint64()
	p.add(&Web3Endpoint{ChainID: chainID, URI: uri, client: client})
	return chainID, nil
}

func (p *Web3Pool) add(ep *Web3Endpoint) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if it, ok := p.endpoints[ep.ChainID]; ok {
		it.Add(ep)
		return
	}
	p.endpoints[ep.ChainID] = NewWeb3Iterator(ep)
}

func (p *Web3Pool) iterator(chainID uint64) (*Web3Iterator, bool) {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	it, ok := p.endpoints[chainID]
	return it, ok
}

// Endpoint returns the next provider in rotation for chainID.
func (p *Web3Pool) Endpoint(chainID uint64) (*Web3Endpoint, error) {
	it, ok := p.iterator(chainID)
	if !ok {
		return nil, fmt.Errorf("no endpoint found for chainID %d", chainID)
	}
	return it.Next()
}

// DisableEndpoint takes uri out of rotation for chainID.
func (p *Web3Pool) DisableEndpoint(chainID uint64, uri string) {
	if it, ok := p.iterator(chainID); ok {
		it.Disable(uri)
	}
}

// NumberOfEndpoints returns the number of providers for chainID, counting
// only those in rotation when onlyAvailable is set.
func (p *Web3Pool) NumberOfEndpoints(chainID uint64, onlyAvailable bool) int {
	it, ok := p.iterator(chainID)
	if !ok {
		return 0
	}
	n := it.Available()
	if !onlyAvailable {
		n += it.Disabled()
	}
	return n
}

// Client returns a Client bound to chainID.
func (p *Web3Pool) Client(chainID uint64) (*Client, error) {
	if p.NumberOfEndpoints(chainID, false) == 0 {
		return nil, fmt.Errorf("no endpoint found for chainID %d", chainID)
	}
	return &Client{w3p: p, chainID: chainID}, nil
}

// Close closes the connection to every provider.
func (p *Web3Pool) Close() {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	for _, it := range p.endpoints {
		it.mtx.Lock()
		for _, ep := range slices.Concat(it.available, it.disabled) {
			if ep.client != nil {
				ep.client.Close()
			}
		}
		it.mtx.Unlock()
	}
}

func dial(ctx context.Context, uri string) (client *ethclient.Client, err error) {
	for range dialRetries {
		if client, err = ethclient.DialContext(ctx, uri); err == nil {
			return client, nil
		}
	}
	return nil, fmt.Errorf("error dialing web3 provider %q: %w", uri, err)
}
