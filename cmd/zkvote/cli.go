package main

import (
	"context"
	"fmt"

	"github.com/vocdoni/zkvote-node/db"
	"github.com/vocdoni/zkvote-node/eligibility"
	"github.com/vocdoni/zkvote-node/prover"
	"github.com/vocdoni/zkvote-node/service"
	"github.com/vocdoni/zkvote-node/storage"
	"github.com/vocdoni/zkvote-node/submission"
	"github.com/vocdoni/zkvote-node/toolchain"
	"github.com/vocdoni/zkvote-node/web3"
)

// CLIOptions are the flags shared by every command.
type CLIOptions struct {
	Network   string
	RPCs      []string
	Contract  string
	Toolchain service.ToolchainConfig
}

// CLIServices lazily builds the components a command needs. Proof handles
// live in an in-memory database for the duration of the command.
type CLIServices struct {
	opts *CLIOptions

	contracts   *web3.Contracts
	toolchain   *toolchain.Adapter
	storage     *storage.Storage
	eligibility *eligibility.Checker
	prover      *prover.Service
	submissions *submission.Client
}

func NewCLIServices(opts *CLIOptions) *CLIServices {
	return &CLIServices{opts: opts}
}

// Contracts connects to the ZkVoting contract of the selected network.
func (s *CLIServices) Contracts(ctx context.Context) (*web3.Contracts, error) {
	if s.contracts != nil {
		return s.contracts, nil
	}
	contracts, err := service.ConnectContracts(ctx, s.opts.Network, s.opts.RPCs, s.opts.Contract)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize web3 contracts: %w", err)
	}
	s.contracts = contracts
	s.eligibility = eligibility.New(contracts)
	return contracts, nil
}

// Eligibility returns the checker bound to the contract.
func (s *CLIServices) Eligibility(ctx context.Context) (*eligibility.Checker, error) {
	if _, err := s.Contracts(ctx); err != nil {
		return nil, err
	}
	return s.eligibility, nil
}

// Toolchain returns the provisioned prover toolchain.
func (s *CLIServices) Toolchain(ctx context.Context) (*toolchain.Adapter, error) {
	if s.toolchain != nil {
		return s.toolchain, nil
	}
	adapter, err := service.NewToolchain(ctx, &s.opts.Toolchain)
	if err != nil {
		return nil, err
	}
	if err := adapter.Provision(ctx); err != nil {
		return nil, fmt.Errorf("failed to provision circuit: %w", err)
	}
	s.toolchain = adapter
	return adapter, nil
}

// Prover returns a proof service on top of the toolchain.
func (s *CLIServices) Prover(ctx context.Context) (*prover.Service, error) {
	if s.prover != nil {
		return s.prover, nil
	}
	adapter, err := s.Toolchain(ctx)
	if err != nil {
		return nil, err
	}
	if s.storage, err = service.OpenStorage(db.TypeInMem, "", ""); err != nil {
		return nil, err
	}
	s.prover = prover.New(adapter, s.storage, 1)
	return s.prover, nil
}

// Submissions returns the submission client. Prover must be called first.
func (s *CLIServices) Submissions(ctx context.Context) (*submission.Client, error) {
	if s.submissions != nil {
		return s.submissions, nil
	}
	contracts, err := s.Contracts(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := s.Prover(ctx); err != nil {
		return nil, err
	}
	s.submissions = submission.New(contracts, s.storage, s.eligibility)
	return s.submissions, nil
}

func (s *CLIServices) Stop() {
	if s.submissions != nil {
		s.submissions.Close()
	}
	if s.storage != nil {
		s.storage.Close()
	}
	if s.contracts != nil {
		s.contracts.Close()
	}
}
