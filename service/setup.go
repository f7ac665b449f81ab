package service

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vocdoni/zkvote-node/artifacts"
	"github.com/vocdoni/zkvote-node/config"
	"github.com/vocdoni/zkvote-node/db"
	"github.com/vocdoni/zkvote-node/db/metadb"
	"github.com/vocdoni/zkvote-node/db/mongodb"
	"github.com/vocdoni/zkvote-node/log"
	"github.com/vocdoni/zkvote-node/storage"
	"github.com/vocdoni/zkvote-node/toolchain"
	"github.com/vocdoni/zkvote-node/web3"
	"github.com/vocdoni/zkvote-node/web3/rpc/chainlist"
)

const (
	// Toolchain backends.
	BackendGnark    = "gnark"
	BackendZokrates = "zokrates"

	// chainlistEndpoints is the number of providers taken from chainlist
	// when none is configured.
	chainlistEndpoints = 5
	mongoDatabaseName  = "zkvote"
	zokratesBinaryName = "zokrates"
)

// ToolchainConfig selects and configures the prover toolchain.
type ToolchainConfig struct {
	Backend      string
	Binary       string // zokrates binary
	Source       string // zokrates circuit source, empty for the bundled one
	Stdlib       string // zokrates stdlib directory
	WorkDir      string
	Isolated     bool
	StageTimeout time.Duration
	S3           *artifacts.S3Config // optional artifact mirror
}

// ResolveBackend fills in an empty cfg.Backend with the proof system the
// ZkVoting contract of network verifies, and an empty zokrates binary from
// PATH. It returns a warning when the backend proves votes that the network
// contract rejects. A custom contract is assumed to match the backend.
func ResolveBackend(network, contract string, cfg *ToolchainConfig) string {
	netConf := config.DefaultConfig[network]
	if cfg.Backend == "" {
		cfg.Backend = netConf.VerifierBackend
		if cfg.Backend == "" {
			cfg.Backend = BackendGnark
		}
	}
	if cfg.Backend == BackendZokrates && cfg.Binary == "" {
		if path, err := exec.LookPath(zokratesBinaryName); err == nil {
			cfg.Binary = path
		}
	}
	if contract == "" && netConf.VerifierBackend != "" && cfg.Backend != netConf.VerifierBackend {
		return fmt.Sprintf("the %s ZkVoting contract verifies %s proofs, votes proved with %s will revert",
			network, netConf.VerifierBackend, cfg.Backend)
	}
	return ""
}

// NewToolchain builds the toolchain adapter described by cfg.
func NewToolchain(ctx context.Context, cfg *ToolchainConfig) (*toolchain.Adapter, error) {
	var backend toolchain.Backend
	switch cfg.Backend {
	case BackendGnark, "":
		backend = toolchain.NewGnarkBackend()
	case BackendZokrates:
		zb, err := toolchain.NewZokratesBackend(cfg.Binary, cfg.Source, cfg.Stdlib)
		if err != nil {
			return nil, err
		}
		backend = zb
	default:
		return nil, fmt.Errorf("unknown toolchain backend %q", cfg.Backend)
	}
	var store artifacts.Store
	if cfg.S3 != nil && cfg.S3.Bucket != "" {
		s3store, err := artifacts.NewS3Store(ctx, cfg.S3)
		if err != nil {
			return nil, fmt.Errorf("artifact store: %w", err)
		}
		store = s3store
	}
	adapter, err := toolchain.New(&toolchain.Config{
		Backend:      backend,
		WorkDir:      cfg.WorkDir,
		Isolated:     cfg.Isolated,
		StageTimeout: cfg.StageTimeout,
		Store:        store,
	})
	if err != nil {
		return nil, err
	}
	log.Infow("toolchain ready",
		"backend", cfg.Backend,
		"circuitVersion", adapter.CircuitVersion(),
		"workDir", cfg.WorkDir,
		"isolated", adapter.Isolated())
	return adapter, nil
}

// OpenStorage opens the node database of type typ. Pebble and in-memory
// databases live under datadir, mongodb connects to mongoURL.
func OpenStorage(typ, datadir, mongoURL string) (*storage.Storage, error) {
	var (
		database db.Database
		err      error
	)
	switch typ {
	case db.TypeMongo:
		if mongoURL == "" {
			return nil, fmt.Errorf("mongodb URL is required")
		}
		database, err = mongodb.NewWithURL(context.Background(), mongoURL, mongoDatabaseName)
	default:
		database, err = metadb.New(typ, filepath.Join(datadir, "db"))
	}
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", typ, err)
	}
	log.Infow("storage initialized", "type", typ, "datadir", datadir)
	return storage.New(database), nil
}

// ConnectContracts binds the ZkVoting contract of network. When rpcs is
// empty, healthy providers are taken from chainlist. contract overrides the
// address of the network defaults.
func ConnectContracts(ctx context.Context, network string, rpcs []string, contract string) (*web3.Contracts, error) {
	netConf, ok := config.DefaultConfig[network]
	if !ok {
		return nil, fmt.Errorf("no configuration found for network %s", network)
	}
	address := netConf.ZkVotingContract
	if contract != "" {
		if !common.IsHexAddress(contract) {
			return nil, fmt.Errorf("invalid contract address %q", contract)
		}
		address = contract
	}
	if len(rpcs) == 0 {
		log.Infow("no RPC endpoints provided, using chainlist.org", "network", network, "chainID", netConf.ChainID)
		endpoints, err := chainlist.EndpointList(ctx, netConf.ChainID, chainlistEndpoints)
		if err != nil || len(endpoints) == 0 {
			log.Warnw("chainlist lookup failed, using default endpoint", "error", err)
			endpoints = []string{netConf.DefaultRPCEndpoint}
		}
		rpcs = endpoints
	}
	contracts, err := web3.New(rpcs, common.HexToAddress(address))
	if err != nil {
		return nil, err
	}
	if contracts.ChainID != netConf.ChainID {
		contracts.Close()
		return nil, fmt.Errorf("endpoints serve chain %d, network %s is chain %d", contracts.ChainID, network, netConf.ChainID)
	}
	contracts.ExplorerTxURL = netConf.ExplorerTxURL
	return contracts, nil
}
