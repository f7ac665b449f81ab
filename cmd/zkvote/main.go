package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"github.com/vocdoni/zkvote-node/config"
	"github.com/vocdoni/zkvote-node/log"
	"github.com/vocdoni/zkvote-node/service"
	"github.com/vocdoni/zkvote-node/toolchain"
)

const (
	defaultNetwork = "sep"
	defaultTimeout = 20 * time.Minute
)

// command is a zkvote subcommand. run receives the arguments left after
// parsing the command flags.
type command struct {
	usage string
	flags func(fs *flag.FlagSet)
	run   func(ctx context.Context, cli *CLIServices, args []string) error
}

var commands = map[string]*command{
	"status":          statusCmd,
	"prove":           proveCmd,
	"vote":            voteCmd,
	"export-verifier": exportVerifierCmd,
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: zkvote <command> [flags]\n\nCommands:\n")
	for _, name := range []string{"status", "prove", "vote", "export-verifier"} {
		fmt.Fprintf(os.Stderr, "  %-16s %s\n", name, commands[name].usage)
	}
	fmt.Fprintf(os.Stderr, "\nRun 'zkvote <command> --help' for the command flags.\n")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd, ok := commands[os.Args[1]]
	if !ok {
		usage()
		os.Exit(2)
	}

	userHomeDir, err := os.UserHomeDir()
	if err != nil {
		userHomeDir = "."
	}
	fs := flag.NewFlagSet(os.Args[1], flag.ExitOnError)
	fs.SortFlags = false
	opts := &CLIOptions{}
	fs.StringVarP(&opts.Network, "web3.network", "n", defaultNetwork, fmt.Sprintf("network to use %v", config.AvailableNetworks))
	fs.StringSliceVarP(&opts.RPCs, "web3.rpc", "w", nil, "web3 rpc endpoint(s), comma-separated")
	fs.StringVar(&opts.Contract, "web3.contract", "", "custom ZkVoting contract address (overrides network default)")
	fs.StringVarP(&opts.Toolchain.Backend, "toolchain.backend", "t", "", "prover toolchain (gnark or zokrates), defaults to the one the network contract verifies")
	fs.StringVar(&opts.Toolchain.Binary, "toolchain.binary", "", "path to the zokrates binary")
	fs.StringVar(&opts.Toolchain.Source, "toolchain.source", "", "zokrates circuit source")
	fs.StringVar(&opts.Toolchain.Stdlib, "toolchain.stdlib", "", "zokrates stdlib directory")
	fs.StringVar(&opts.Toolchain.WorkDir, "toolchain.workdir", filepath.Join(userHomeDir, ".zkvote", "toolchain"), "toolchain work area")
	fs.DurationVar(&opts.Toolchain.StageTimeout, "toolchain.stagetimeout", toolchain.DefaultStageTimeout, "maximum duration of a toolchain stage")
	logLevel := fs.StringP("log.level", "l", "info", "log level (debug, info, warn, error, fatal)")
	timeout := fs.Duration("timeout", defaultTimeout, "timeout for the command")
	if cmd.flags != nil {
		cmd.flags(fs)
	}
	if err := fs.Parse(os.Args[2:]); err != nil {
		os.Exit(2)
	}
	opts.Toolchain.Isolated = true
	log.Init(*logLevel, "stderr", nil)
	if warning := service.ResolveBackend(opts.Network, opts.Contract, &opts.Toolchain); warning != "" {
		log.Warnw("toolchain backend does not match the network contract", "detail", warning)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cli := NewCLIServices(opts)
	defer cli.Stop()
	if err := cmd.run(ctx, cli, fs.Args()); err != nil {
		log.Errorw(err, fmt.Sprintf("%s failed", os.Args[1]))
		os.Exit(1)
	}
}
