package web3

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/vocdoni/zkvote-node/solidity"
	"github.com/vocdoni/zkvote-node/types"
)

// AlreadyVotedReason is the revert reason of ZkVoting.vote for an address
// that already voted.
const AlreadyVotedReason = "You have already voted"

const (
	methodVote  = "vote"
	methodVotes = "votes"
)

// ZkVotingABIJSON is the part of the ZkVoting contract interface used by the
// node.
const ZkVotingABIJSON = `[
  {
    "type": "function",
    "name": "votes",
    "stateMutability": "view",
    "inputs": [{"name": "", "type": "address", "internalType": "address"}],
    "outputs": [{"name": "hasVoted", "type": "bool", "internalType": "bool"}]
  },
  {
    "type": "function",
    "name": "vote",
    "stateMutability": "nonpayable",
    "inputs": [
      {
        "name": "proof",
        "type": "tuple",
        "internalType": "struct Verifier.Proof",
        "components": [
          {
            "name": "a",
            "type": "tuple",
            "internalType": "struct Pairing.G1Point",
            "components": [
              {"name": "X", "type": "uint256", "internalType": "uint256"},
              {"name": "Y", "type": "uint256", "internalType": "uint256"}
            ]
          },
          {
            "name": "b",
            "type": "tuple",
            "internalType": "struct Pairing.G2Point",
            "components": [
              {"name": "X", "type": "uint256[2]", "internalType": "uint256[2]"},
              {"name": "Y", "type": "uint256[2]", "internalType": "uint256[2]"}
            ]
          },
          {
            "name": "c",
            "type": "tuple",
            "internalType": "struct Pairing.G1Point",
            "components": [
              {"name": "X", "type": "uint256", "internalType": "uint256"},
              {"name": "Y", "type": "uint256", "internalType": "uint256"}
            ]
          }
        ]
      },
      {"name": "input", "type": "uint256[2]", "internalType": "uint256[2]"}
    ],
    "outputs": []
  }
]`

// ZkVotingABI is the parsed ZkVotingABIJSON.
var ZkVotingABI = func() *abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(ZkVotingABIJSON))
	if err != nil {
		panic(fmt.Sprintf("invalid ZkVoting ABI: %v", err))
	}
	return &parsed
}()

// PackVote returns the calldata of ZkVoting.vote for proof.
func PackVote(proof *types.ProofArtifact) ([]byte, error) {
	vp, inputs, err := solidity.ToVerifierCall(proof)
	if err != nil {
		return nil, err
	}
	return ZkVotingABI.Pack(methodVote, vp, inputs)
}

// UnpackVote decodes ZkVoting.vote calldata, selector included, back into
// a proof artifact.
func UnpackVote(calldata []byte) (*types.ProofArtifact, error) {
	if len(calldata) < 4 {
		return nil, fmt.Errorf("calldata too short")
	}
	method, err := ZkVotingABI.MethodById(calldata[:4])
	if err != nil {
		return nil, err
	}
	if method.Name != methodVote {
		return nil, fmt.Errorf("unexpected method %s", method.Name)
	}
	args, err := method.Inputs.Unpack(calldata[4:])
	if err != nil {
		return nil, fmt.Errorf("unpack vote arguments: %w", err)
	}
	vp, ok := abi.ConvertType(args[0], new(solidity.VerifierProof)).(*solidity.VerifierProof)
	if !ok {
		return nil, fmt.Errorf("unexpected proof argument %T", args[0])
	}
	inputs, ok := args[1].([solidity.PublicInputsLen]*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected input argument %T", args[1])
	}
	return solidity.FromVerifierCall(*vp, inputs), nil
}
