package rpc

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
)

// endpointCooldown is how long a failing endpoint stays out of rotation.
const endpointCooldown = 5 * time.Minute

// Web3Endpoint is a single web3 provider for a chain.
type Web3Endpoint struct {
	ChainID    uint64 `json:"chainId"`
	URI        string `json:"uri"`
	client     *ethclient.Client
	disabledAt time.Time
}

// Web3Iterator hands out the endpoints of a chain in round-robin order.
// Failing endpoints are disabled for a cooldown period. When every endpoint
// is disabled they are all put back into rotation.
type Web3Iterator struct {
	mtx       sync.Mutex
	nextIndex int
	available []*Web3Endpoint
	disabled  []*Web3Endpoint
}

// NewWeb3Iterator creates a Web3Iterator over endpoints.
func NewWeb3Iterator(endpoints ...*Web3Endpoint) *Web3Iterator {
	return &Web3Iterator{available: slices.Clone(endpoints)}
}

// Available returns the number of endpoints in rotation.
func (it *Web3Iterator) Available() int {
	it.mtx.Lock()
	defer it.mtx.Unlock()
	return len(it.available)
}

// Disabled returns the number of endpoints cooling down.
func (it *Web3Iterator) Disabled() int {
	it.mtx.Lock()
	defer it.mtx.Unlock()
	return len(it.disabled)
}

// Add puts new endpoints into rotation.
func (it *Web3Iterator) Add(endpoints ...*Web3Endpoint) {
	it.mtx.Lock()
	defer it.mtx.Unlock()
	it.available = append(it.available, endpoints...)
}

// Next returns the next endpoint in rotation.
func (it *Web3Iterator) Next() (*Web3Endpoint, error) {
	if it == nil {
		return nil, fmt.Errorf("nil endpoint iterator")
	}
	it.mtx.Lock()
	defer it.mtx.Unlock()
	it.reenableCooledDown()

	if len(it.available) == 0 {
		return nil, fmt.Errorf("no registered endpoints")
	}
	ep := it.available[it.nextIndex]
	it.nextIndex = (it.nextIndex + 1) % len(it.available)
	return ep, nil
}

// reenableCooledDown moves disabled endpoints whose cooldown expired back into
// rotation. The caller holds the lock.
func (it *Web3Iterator) reenableCooledDown() {
	if len(it.disabled) == 0 {
		return
	}
	now := time.Now()
	it.disabled = slices.DeleteFunc(it.disabled, func(ep *Web3Endpoint) bool {
		if now.Sub(ep.disabledAt) < endpointCooldown {
			return false
		}
		ep.disabledAt = time.Time{}
		it.available = append(it.available, ep)
		return true
	})
}

// Disable takes the endpoint with the given uri out of rotation. Unknown or
// already disabled endpoints are ignored.
func (it *Web3Iterator) Disable(uri string) {
	it.mtx.Lock()
	defer it.mtx.Unlock()

	index := slices.IndexFunc(it.available, func(ep *Web3Endpoint) bool { return ep.URI == uri })
	if index < 0 {
		return
	}
	ep := it.available[index]
	ep.disabledAt = time.Now()
	it.available = slices.Delete(it.available, index, index+1)
	it.disabled = append(it.disabled, ep)

	switch {
	case it.nextIndex == index:
		it.nextIndex++
	case it.nextIndex > index:
		it.nextIndex--
	}
	if len(it.available) == 0 {
		for _, ep := range it.disabled {
			ep.disabledAt = time.Time{}
		}
		it.available, it.disabled = it.disabled, nil
		it.nextIndex = 0
		return
	}
	if it.nextIndex >= len(it.available) {
		it.nextIndex = 0
	}
}
