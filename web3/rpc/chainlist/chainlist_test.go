package chainlist

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	qt "github.com/frankban/quicktest"
)

func mockChainList(c *qt.C, list []Chain, healthy func(url string) bool) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(list)
	}))
	origURL, origCheck, origShuffle := ChainListURL, check, shuffle
	ChainListURL = server.URL
	check = func(_ context.Context, url string, _ uint64) bool { return healthy(url) }
	shuffle = func(int, func(i, j int)) {}
	c.Cleanup(func() {
		server.Close()
		ChainListURL, check, shuffle = origURL, origCheck, origShuffle
		mtx.Lock()
		chains = nil
		mtx.Unlock()
	})
}

var testChains = []Chain{
	{
		Name:      "Sepolia",
		ShortName: "sep",
		ChainID:   11155111,
		RPC: []RPCEntry{
			{URL: "https://rpc-1.example.com"},
			{URL: "wss://rpc-ws.example.com"},
			{URL: "https://rpc.example.com/${INFURA_API_KEY}"},
			{URL: "https://rpc-2.example.com"},
			{URL: "https://rpc-down.example.com"},
		},
		Explorers: []Explorer{{Name: "etherscan", URL: "https://sepolia.etherscan.io"}},
	},
}

func TestEndpointList(t *testing.T) {
	c := qt.New(t)
	mockChainList(c, testChains, func(url string) bool { return !strings.Contains(url, "down") })
	ctx := context.Background()

	urls, err := EndpointList(ctx, 11155111, 10)
	c.Assert(err, qt.IsNil)
	c.Assert(urls, qt.HasLen, 2)
	for _, u := range urls {
		c.Assert(u, qt.Matches, `https://rpc-\d\.example\.com`)
	}

	urls, err = EndpointList(ctx, 11155111, 1)
	c.Assert(err, qt.IsNil)
	c.Assert(urls, qt.HasLen, 1)

	_, err = EndpointList(ctx, 1, 10)
	c.Assert(err, qt.ErrorMatches, "chain ID 1 not found")

	chain, err := ChainByID(ctx, 11155111)
	c.Assert(err, qt.IsNil)
	c.Assert(chain.ShortName, qt.Equals, "sep")
	c.Assert(chain.Explorers[0].URL, qt.Equals, "https://sepolia.etherscan.io")
}

func TestEndpointListNoneHealthy(t *testing.T) {
	c := qt.New(t)
	mockChainList(c, testChains, func(string) bool { return false })
	_, err := EndpointList(context.Background(), 11155111, 3)
	c.Assert(err, qt.ErrorMatches, "no healthy endpoint.*")
}
