// Package zokrates ships the ZoKrates source of the vote circuit.
package zokrates

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
)

// Source is the ZoKrates vote circuit: private voteChoice, public voteLimit,
// public poseidon commitment output.
//
//go:embed vote.zok
var Source []byte

// SourceHash returns the hex SHA256 of src, used to version compiled
// artifacts.
func SourceHash(src []byte) string {
	h := sha256.Sum256(src)
	return hex.EncodeToString(h[:])
}
