package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/vocdoni/zkvote-node/api"
	"github.com/vocdoni/zkvote-node/eligibility"
	"github.com/vocdoni/zkvote-node/log"
	"github.com/vocdoni/zkvote-node/prover"
	"github.com/vocdoni/zkvote-node/service"
	"github.com/vocdoni/zkvote-node/storage"
	"github.com/vocdoni/zkvote-node/submission"
	"github.com/vocdoni/zkvote-node/toolchain"
	"github.com/vocdoni/zkvote-node/web3"
)

// Version is the build version, set at build time with -ldflags
var Version = "v0.0.0-dev"

// Services holds all the running services
type Services struct {
	Storage     *storage.Storage
	Toolchain   *toolchain.Adapter
	Contracts   *web3.Contracts
	Eligibility *eligibility.Checker
	Prover      *prover.Service
	Submissions *service.SubmissionService
	API         *service.APIService
}

func main() {
	// Load configuration
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logging
	log.Init(cfg.Log.Level, cfg.Log.Output, nil)
	log.Infow("starting zkvote-node", "version", Version)

	// Validate configuration
	if warning := cfg.resolveBackend(); warning != "" {
		log.Warnw("toolchain backend does not match the network contract", "detail", warning)
	}
	if err := validateConfig(cfg); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Create context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup services
	services, err := setupServices(ctx, cfg)
	if err != nil {
		shutdownServices(services)
		log.Fatalf("Failed to setup services: %v", err)
	}
	defer shutdownServices(services)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.Infow("received signal, shutting down", "signal", sig.String())
}

// setupServices initializes and starts all required services. The returned
// Services holds whatever was started, even on error.
func setupServices(ctx context.Context, cfg *Config) (*Services, error) {
	services := &Services{}
	var err error

	// Initialize storage database
	services.Storage, err = service.OpenStorage(cfg.DB.Type, cfg.Datadir, cfg.DB.MongoDB)
	if err != nil {
		return services, fmt.Errorf("failed to initialize storage: %w", err)
	}

	// Prepare the prover toolchain and its circuit artifacts
	services.Toolchain, err = service.NewToolchain(ctx, cfg.toolchainConfig())
	if err != nil {
		return services, fmt.Errorf("failed to initialize toolchain: %w", err)
	}
	if err := service.ProvisionCircuits(provisionTimeout, services.Toolchain); err != nil {
		return services, fmt.Errorf("failed to provision circuits: %w", err)
	}

	// Initialize web3 contracts
	log.Info("initializing web3 contracts")
	services.Contracts, err = service.ConnectContracts(ctx, cfg.Web3.Network, cfg.Web3.Rpc, cfg.Web3.Contract)
	if err != nil {
		return services, fmt.Errorf("failed to initialize contracts: %w", err)
	}
	log.Infow("contracts initialized",
		"chainId", services.Contracts.ChainID,
		"zkVoting", services.Contracts.Address().Hex())

	services.Eligibility = eligibility.New(services.Contracts)
	services.Prover = prover.New(services.Toolchain, services.Storage, cfg.Prover.MaxConcurrent)

	// Start submission tracking, resuming transactions left pending
	client := submission.New(services.Contracts, services.Storage, services.Eligibility)
	services.Submissions = service.NewSubmission(client, services.Storage)
	if err := services.Submissions.Start(ctx); err != nil {
		return services, fmt.Errorf("failed to start submission service: %w", err)
	}

	// Start API service
	log.Infow("starting API service", "host", cfg.API.Host, "port", cfg.API.Port)
	services.API = service.NewAPI(&api.APIConfig{
		Host:           cfg.API.Host,
		Port:           cfg.API.Port,
		Network:        cfg.Web3.Network,
		RequestTimeout: cfg.API.Timeout,
		Storage:        services.Storage,
		Prover:         services.Prover,
		Eligibility:    services.Eligibility,
		Submissions:    client,
		Contracts:      services.Contracts,
	}, false)
	if err := services.API.Start(ctx); err != nil {
		return services, fmt.Errorf("failed to start API service: %w", err)
	}

	log.Infow("zkvote-node is running, ready to prove votes!",
		"circuitVersion", services.Prover.CircuitVersion())
	return services, nil
}

// shutdownServices gracefully shuts down all services
func shutdownServices(services *Services) {
	if services == nil {
		return
	}

	// Stop services in reverse order of startup
	if services.API != nil {
		services.API.Stop()
	}
	if services.Submissions != nil {
		services.Submissions.Stop()
	}
	if services.Contracts != nil {
		services.Contracts.Close()
	}
	if services.Storage != nil {
		services.Storage.Close()
	}
}
