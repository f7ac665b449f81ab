package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/ethereum/go-ethereum/common"
	flag "github.com/spf13/pflag"
	"github.com/vocdoni/zkvote-node/config"
	"github.com/vocdoni/zkvote-node/crypto/signatures/ethereum"
	"github.com/vocdoni/zkvote-node/log"
	"github.com/vocdoni/zkvote-node/types"
	"github.com/vocdoni/zkvote-node/voter"
)

var (
	voteChoice int64
	voteLimit  int64
	privKey    string
	outputPath string

	stdout io.Writer = os.Stdout
)

func choiceFlags(fs *flag.FlagSet) {
	fs.Int64VarP(&voteChoice, "choice", "c", 0, "vote choice, between 1 and limit (required)")
	fs.Int64Var(&voteLimit, "limit", 0, "vote limit, defaults to the network limit")
}

var statusCmd = &command{
	usage: "print the vote status of an address",
	run: func(ctx context.Context, cli *CLIServices, args []string) error {
		if len(args) != 1 || !common.IsHexAddress(args[0]) {
			return fmt.Errorf("usage: zkvote status <address>")
		}
		checker, err := cli.Eligibility(ctx)
		if err != nil {
			return err
		}
		address := common.HexToAddress(args[0])
		status, err := checker.Status(ctx, address)
		out := map[string]any{
			"address":  address.Hex(),
			"status":   status.String(),
			"eligible": err == nil && status.Eligible(),
		}
		if err != nil {
			out["error"] = err.Error()
		}
		return printJSON(out)
	},
}

var proveCmd = &command{
	usage: "generate and verify a vote proof",
	flags: choiceFlags,
	run: func(ctx context.Context, cli *CLIServices, _ []string) error {
		limit, err := resolveLimit(cli)
		if err != nil {
			return err
		}
		p, err := cli.Prover(ctx)
		if err != nil {
			return err
		}
		generated, err := p.GenerateProof(ctx, voteChoice, limit)
		if err != nil {
			return err
		}
		return printJSON(generated.Proof)
	},
}

var voteCmd = &command{
	usage: "check eligibility, prove and cast a vote",
	flags: func(fs *flag.FlagSet) {
		choiceFlags(fs)
		fs.StringVarP(&privKey, "privkey", "k", "", "voter private key, hex encoded (required)")
	},
	run: func(ctx context.Context, cli *CLIServices, _ []string) error {
		if privKey == "" {
			return fmt.Errorf("voter private key is required")
		}
		signer, err := ethereum.NewSignerFromHex(privKey)
		if err != nil {
			return fmt.Errorf("invalid voter private key: %w", err)
		}
		limit, err := resolveLimit(cli)
		if err != nil {
			return err
		}
		checker, err := cli.Eligibility(ctx)
		if err != nil {
			return err
		}
		p, err := cli.Prover(ctx)
		if err != nil {
			return err
		}
		submissions, err := cli.Submissions(ctx)
		if err != nil {
			return err
		}
		attempt := voter.NewAttempt(signer, voteChoice, limit, checker, p, submissions)
		runErr := attempt.Run(ctx)
		out := map[string]any{
			"voter": signer.Address().Hex(),
			"state": attempt.State().String(),
		}
		if sub := attempt.Submission(); sub != nil {
			out["txHash"] = sub.TxHash.Hex()
			out["explorerUrl"] = sub.ExplorerURL
		}
		if receipt := attempt.Receipt(); receipt != nil {
			out["blockNumber"] = receipt.BlockNumber.Uint64()
		}
		if runErr != nil {
			out["error"] = runErr.Error()
		}
		for _, t := range attempt.Transitions() {
			log.Debugw("vote transition", "from", t.From.String(), "to", t.To.String(), "error", t.Err)
		}
		if err := printJSON(out); err != nil {
			return err
		}
		if attempt.State() != voter.Confirmed {
			return fmt.Errorf("vote ended in state %s", attempt.State())
		}
		return nil
	},
}

var exportVerifierCmd = &command{
	usage: "write the Solidity verifier of the circuit",
	flags: func(fs *flag.FlagSet) {
		fs.StringVarP(&outputPath, "output", "o", "", "output file, stdout when empty")
	},
	run: func(ctx context.Context, cli *CLIServices, _ []string) error {
		adapter, err := cli.Toolchain(ctx)
		if err != nil {
			return err
		}
		if outputPath == "" {
			return adapter.ExportVerifier(ctx, stdout)
		}
		fd, err := os.Create(outputPath)
		if err != nil {
			return err
		}
		if err := adapter.ExportVerifier(ctx, fd); err != nil {
			_ = fd.Close()
			return err
		}
		log.Infow("verifier exported", "path", outputPath, "circuitVersion", adapter.CircuitVersion())
		return fd.Close()
	},
}

// resolveLimit validates the choice flags, taking the limit from the
// network configuration when unset. It runs before any contract or
// toolchain is touched.
func resolveLimit(cli *CLIServices) (int64, error) {
	if voteChoice == 0 {
		return 0, fmt.Errorf("vote choice is required")
	}
	limit := voteLimit
	if limit <= 0 {
		netConf, ok := config.DefaultConfig[cli.opts.Network]
		if !ok {
			return 0, fmt.Errorf("no configuration found for network %s", cli.opts.Network)
		}
		limit = netConf.VoteLimit
	}
	if err := types.ValidateVote(voteChoice, limit); err != nil {
		return 0, err
	}
	return limit, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
