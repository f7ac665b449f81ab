package ethereum

import (
	"crypto/ecdsa"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	qt "github.com/frankban/quicktest"
)

func TestNewSigner(t *testing.T) {
	c := qt.New(t)
	signer, err := NewSigner()
	c.Assert(err, qt.IsNil)
	privKey := (*ecdsa.PrivateKey)(signer)
	c.Assert(privKey.D, qt.Not(qt.IsNil))
	c.Assert(signer.Address(), qt.Not(qt.Equals), common.Address{})
}

func TestNewSignerFromHex(t *testing.T) {
	c := qt.New(t)
	privKey, err := ethcrypto.GenerateKey()
	c.Assert(err, qt.IsNil)
	hexKey := common.Bytes2Hex(ethcrypto.FromECDSA(privKey))
	want := ethcrypto.PubkeyToAddress(privKey.PublicKey)

	for _, in := range []string{hexKey, "0x" + hexKey, " " + hexKey + "\n"} {
		signer, err := NewSignerFromHex(in)
		c.Assert(err, qt.IsNil)
		c.Assert(signer.Address(), qt.Equals, want)
		c.Assert(signer.HexPrivateKey().Hex(), qt.Equals, hexKey)
	}

	_, err = NewSignerFromHex("invalid hex string")
	c.Assert(err, qt.IsNotNil)
	_, err = NewSignerFromHex("1234")
	c.Assert(err, qt.IsNotNil)
}

func TestNewSignerFromSeed(t *testing.T) {
	c := qt.New(t)
	a, err := NewSignerFromSeed([]byte("voter-1"))
	c.Assert(err, qt.IsNil)
	b, err := NewSignerFromSeed([]byte("voter-1"))
	c.Assert(err, qt.IsNil)
	other, err := NewSignerFromSeed([]byte("voter-2"))
	c.Assert(err, qt.IsNil)
	c.Assert(a.Address(), qt.Equals, b.Address())
	c.Assert(a.Address(), qt.Not(qt.Equals), other.Address())
}

func TestTransactOpts(t *testing.T) {
	c := qt.New(t)
	signer, err := NewSignerFromSeed([]byte("voter"))
	c.Assert(err, qt.IsNil)
	chainID := big.NewInt(11155111)
	opts, err := signer.TransactOpts(chainID)
	c.Assert(err, qt.IsNil)
	c.Assert(opts.From, qt.Equals, signer.Address())

	to := common.HexToAddress("0x6bff5B1F596C58398092f439B7D5674bD8aA6fC2")
	tx := gethtypes.NewTx(&gethtypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     1,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(2),
		Gas:       21000,
		To:        &to,
	})
	signed, err := opts.Signer(opts.From, tx)
	c.Assert(err, qt.IsNil)
	from, err := gethtypes.Sender(gethtypes.LatestSignerForChainID(chainID), signed)
	c.Assert(err, qt.IsNil)
	c.Assert(from, qt.Equals, signer.Address())
}
