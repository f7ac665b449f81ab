package types

import (
	"encoding/json"
	"math/big"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/fxamacker/cbor/v2"
)

func TestBigMarshalUnmarshalCBOR(t *testing.T) {
	c := qt.New(t)
	bi := (*BigInt)(big.NewInt(1234567890))
	data, err := cbor.Marshal(map[string]*BigInt{"bi": bi})
	c.Assert(err, qt.IsNil)

	var unmarshaled map[string]*BigInt
	c.Assert(cbor.Unmarshal(data, &unmarshaled), qt.IsNil)
	c.Assert(unmarshaled["bi"], qt.DeepEquals, bi)
}

func TestBigUnmarshalJSONFormats(t *testing.T) {
	c := qt.New(t)

	var dec BigInt
	c.Assert(json.Unmarshal([]byte(`"123456789"`), &dec), qt.IsNil)
	c.Assert(dec.String(), qt.Equals, "123456789")

	var num BigInt
	c.Assert(json.Unmarshal([]byte(`123456789`), &num), qt.IsNil)
	c.Assert(num.String(), qt.Equals, "123456789")

	// zokrates writes field elements as 0x-prefixed hex
	var hex BigInt
	c.Assert(json.Unmarshal([]byte(`"0x075bcd15"`), &hex), qt.IsNil)
	c.Assert(hex.String(), qt.Equals, "123456789")
	c.Assert(hex.Hex(), qt.Equals, "0x75bcd15")

	var bad BigInt
	c.Assert(json.Unmarshal([]byte(`"12ab"`), &bad), qt.ErrorMatches, `invalid big number.*`)
}
