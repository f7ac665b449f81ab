package api

import (
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	qt "github.com/frankban/quicktest"
)

func TestParseTxHash(t *testing.T) {
	c := qt.New(t)
	want := common.HexToHash("0x5f0c1b8e8b1a37fd1b0f6c54b2dbb5ff3e1c2a4d6f7a8b9c0d1e2f3a4b5c6d7e")

	got, ok := parseTxHash(want.Hex())
	c.Assert(ok, qt.IsTrue)
	c.Assert(got, qt.Equals, want)
	got, ok = parseTxHash(strings.ToUpper(want.Hex()[2:]))
	c.Assert(ok, qt.IsFalse)
	c.Assert(got, qt.Equals, common.Hash{})
	got, ok = parseTxHash("0x" + strings.ToUpper(want.Hex()[2:]))
	c.Assert(ok, qt.IsTrue)
	c.Assert(got, qt.Equals, want)

	for _, bad := range []string{
		"",
		"0x",
		"0x01",
		want.Hex()[:65],
		want.Hex() + "00",
		"0x" + strings.Repeat("zz", common.HashLength),
		" " + want.Hex(),
	} {
		_, ok := parseTxHash(bad)
		c.Assert(ok, qt.IsFalse, qt.Commentf("%q", bad))
	}
}

func TestParseAddress(t *testing.T) {
	c := qt.New(t)
	addr, ok := parseAddress("0x6bff5B1F596C58398092f439B7D5674bD8aA6fC2")
	c.Assert(ok, qt.IsTrue)
	c.Assert(addr, qt.Equals, contractAddr)
	_, ok = parseAddress("0x1234")
	c.Assert(ok, qt.IsFalse)
}
