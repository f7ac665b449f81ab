package main

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/vocdoni/zkvote-node/api"
	"github.com/vocdoni/zkvote-node/artifacts"
	"github.com/vocdoni/zkvote-node/config"
	"github.com/vocdoni/zkvote-node/db"
	"github.com/vocdoni/zkvote-node/prover"
	"github.com/vocdoni/zkvote-node/service"
	"github.com/vocdoni/zkvote-node/toolchain"
)

const (
	defaultNetwork   = "sep"
	defaultAPIHost   = "0.0.0.0"
	defaultAPIPort   = 9090
	defaultLogLevel  = "info"
	defaultLogOutput = "stdout"
	defaultDatadir   = ".zkvote" // Will be prefixed with user's home directory
	defaultDBType    = db.TypePebble
	provisionTimeout = 20 * time.Minute
)

// Config holds the application configuration
type Config struct {
	Web3      Web3Config
	API       APIConfig
	Log       LogConfig
	DB        DBConfig
	Toolchain ToolchainConfig
	Prover    ProverConfig
	Artifacts ArtifactsConfig
	Datadir   string
}

// Web3Config holds Ethereum-related configuration
type Web3Config struct {
	Network  string   `mapstructure:"network"`
	Rpc      []string `mapstructure:"rpc"`
	Contract string   `mapstructure:"contract"`
}

// APIConfig holds the API-specific configuration
type APIConfig struct {
	Host    string        `mapstructure:"host"`
	Port    int           `mapstructure:"port"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Output string `mapstructure:"output"`
}

// DBConfig holds the database configuration
type DBConfig struct {
	Type    string `mapstructure:"type"`
	MongoDB string `mapstructure:"mongodb"`
}

// ToolchainConfig holds the prover toolchain configuration
type ToolchainConfig struct {
	Backend      string        `mapstructure:"backend"`
	Binary       string        `mapstructure:"binary"`
	Source       string        `mapstructure:"source"`
	Stdlib       string        `mapstructure:"stdlib"`
	WorkDir      string        `mapstructure:"workdir"`
	Isolated     bool          `mapstructure:"isolated"`
	StageTimeout time.Duration `mapstructure:"stagetimeout"`
}

// ProverConfig holds the proof generation limits
type ProverConfig struct {
	MaxConcurrent int `mapstructure:"maxconcurrent"`
}

// ArtifactsConfig holds the optional S3 mirror of circuit artifacts
type ArtifactsConfig struct {
	S3 S3Config `mapstructure:"s3"`
}

// S3Config holds the S3 connection parameters
type S3Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
	AccessKey string `mapstructure:"accesskey"`
	SecretKey string `mapstructure:"secretkey"`
}

// loadConfig loads configuration from flags, environment variables, and defaults
func loadConfig() (*Config, error) {
	v := viper.New()

	// Get user's home directory for default datadir
	userHomeDir, err := os.UserHomeDir()
	if err != nil {
		userHomeDir = "."
	}
	defaultDatadirPath := filepath.Join(userHomeDir, defaultDatadir)

	v.SetDefault("web3.network", defaultNetwork)
	v.SetDefault("web3.rpc", []string{})
	v.SetDefault("api.host", defaultAPIHost)
	v.SetDefault("api.port", defaultAPIPort)
	v.SetDefault("api.timeout", api.DefaultRequestTimeout)
	v.SetDefault("log.level", defaultLogLevel)
	v.SetDefault("log.output", defaultLogOutput)
	v.SetDefault("datadir", defaultDatadirPath)
	v.SetDefault("db.type", defaultDBType)
	v.SetDefault("toolchain.isolated", true)
	v.SetDefault("toolchain.stagetimeout", toolchain.DefaultStageTimeout)
	v.SetDefault("prover.maxconcurrent", prover.DefaultMaxConcurrent)

	// Configure flags
	flag.StringP("web3.network", "n", defaultNetwork, fmt.Sprintf("network to use %v", config.AvailableNetworks))
	flag.StringSliceP("web3.rpc", "w", []string{}, "web3 rpc endpoint(s), comma-separated")
	flag.String("web3.contract", "", "custom ZkVoting contract address (overrides network default)")
	flag.StringP("api.host", "a", defaultAPIHost, "API host")
	flag.IntP("api.port", "p", defaultAPIPort, "API port")
	flag.Duration("api.timeout", api.DefaultRequestTimeout, "API request timeout, proof generation included")
	flag.StringP("log.level", "l", defaultLogLevel, "log level (debug, info, warn, error, fatal)")
	flag.StringP("log.output", "o", defaultLogOutput, "log output (stdout, stderr or filepath)")
	flag.StringP("datadir", "d", defaultDatadirPath, "data directory for database and circuit files")
	flag.String("db.type", defaultDBType, fmt.Sprintf("database type (%s, %s or %s)", db.TypePebble, db.TypeMongo, db.TypeInMem))
	flag.String("db.mongodb", "", "mongodb connection URL, required with --db.type=mongodb")
	flag.StringP("toolchain.backend", "t", "", "prover toolchain (gnark or zokrates), defaults to the one the network contract verifies")
	flag.String("toolchain.binary", "", "path to the zokrates binary")
	flag.String("toolchain.source", "", "zokrates circuit source, defaults to the bundled vote circuit")
	flag.String("toolchain.stdlib", "", "zokrates stdlib directory")
	flag.String("toolchain.workdir", "", "toolchain work area, defaults to <datadir>/toolchain")
	flag.Bool("toolchain.isolated", true, "run every proof in its own work directory")
	flag.Duration("toolchain.stagetimeout", toolchain.DefaultStageTimeout, "maximum duration of a toolchain stage")
	flag.Int("prover.maxconcurrent", prover.DefaultMaxConcurrent, "maximum concurrent proof generations")
	flag.String("artifacts.s3.endpoint", "", "S3 endpoint for the circuit artifacts mirror")
	flag.String("artifacts.s3.region", "", "S3 region")
	flag.String("artifacts.s3.bucket", "", "S3 bucket, enables the artifacts mirror")
	flag.String("artifacts.s3.prefix", "", "S3 key prefix")
	flag.String("artifacts.s3.accesskey", "", "S3 access key")
	flag.String("artifacts.s3.secretkey", "", "S3 secret key")

	// Configure usage information
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "zkvote-node v%s\n\n", Version)
		fmt.Fprintf(os.Stderr, "Usage: zkvote-node [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment variables are also available with the same name as flags,\n")
		fmt.Fprintf(os.Stderr, "  except for dots (.) which are replaced by underscores (_).\n")
		fmt.Fprintf(os.Stderr, "  For example, ZKVOTE_WEB3_NETWORK or ZKVOTE_TOOLCHAIN_BACKEND\n")
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  # Start with sepolia network and default settings\n")
		fmt.Fprintf(os.Stderr, "  zkvote-node\n\n")
		fmt.Fprintf(os.Stderr, "  # Start with custom RPC endpoints and the zokrates toolchain\n")
		fmt.Fprintf(os.Stderr, "  zkvote-node --web3.rpc=https://rpc1.com --toolchain.backend=zokrates --toolchain.binary=/usr/local/bin/zokrates\n\n")
		fmt.Fprintf(os.Stderr, "  # Use gnark proofs with a contract deployed with the gnark verifier\n")
		fmt.Fprintf(os.Stderr, "  zkvote-node --toolchain.backend=gnark --web3.contract=0x...\n")
	}

	// Parse flags
	flag.CommandLine.SortFlags = false
	flag.Parse()

	// Configure Viper to use environment variables
	v.SetEnvPrefix("ZKVOTE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Bind flags to Viper
	if err := v.BindPFlags(flag.CommandLine); err != nil {
		return nil, fmt.Errorf("error binding flags: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if cfg.Toolchain.WorkDir == "" {
		cfg.Toolchain.WorkDir = filepath.Join(cfg.Datadir, "toolchain")
	}
	return cfg, nil
}

// resolveBackend picks the toolchain backend when none is configured and
// returns a warning if the backend does not match the network contract.
func (cfg *Config) resolveBackend() string {
	tc := &service.ToolchainConfig{Backend: cfg.Toolchain.Backend, Binary: cfg.Toolchain.Binary}
	warning := service.ResolveBackend(cfg.Web3.Network, cfg.Web3.Contract, tc)
	cfg.Toolchain.Backend, cfg.Toolchain.Binary = tc.Backend, tc.Binary
	return warning
}

// validateConfig validates the loaded configuration
func validateConfig(cfg *Config) error {
	if !slices.Contains(config.AvailableNetworks, cfg.Web3.Network) {
		return fmt.Errorf("invalid network %s, available networks: %v", cfg.Web3.Network, config.AvailableNetworks)
	}
	switch cfg.DB.Type {
	case db.TypePebble, db.TypeInMem:
	case db.TypeMongo:
		if cfg.DB.MongoDB == "" {
			return fmt.Errorf("mongodb URL is required (use --db.mongodb flag or ZKVOTE_DB_MONGODB environment variable)")
		}
	default:
		return fmt.Errorf("invalid database type %s", cfg.DB.Type)
	}
	switch cfg.Toolchain.Backend {
	case service.BackendGnark:
	case service.BackendZokrates:
		if cfg.Toolchain.Binary == "" {
			return fmt.Errorf("zokrates binary is required (use --toolchain.binary flag or ZKVOTE_TOOLCHAIN_BINARY environment variable)")
		}
	default:
		return fmt.Errorf("invalid toolchain backend %s", cfg.Toolchain.Backend)
	}
	if cfg.Toolchain.StageTimeout <= 0 {
		return fmt.Errorf("toolchain stage timeout must be positive")
	}
	if cfg.Prover.MaxConcurrent <= 0 {
		return fmt.Errorf("prover max concurrent must be positive")
	}
	return nil
}

// toolchainConfig translates the node configuration for service.NewToolchain
func (cfg *Config) toolchainConfig() *service.ToolchainConfig {
	tc := &service.ToolchainConfig{
		Backend:      cfg.Toolchain.Backend,
		Binary:       cfg.Toolchain.Binary,
		Source:       cfg.Toolchain.Source,
		Stdlib:       cfg.Toolchain.Stdlib,
		WorkDir:      cfg.Toolchain.WorkDir,
		Isolated:     cfg.Toolchain.Isolated,
		StageTimeout: cfg.Toolchain.StageTimeout,
	}
	if s3 := cfg.Artifacts.S3; s3.Bucket != "" {
		tc.S3 = &artifacts.S3Config{
			Endpoint:  s3.Endpoint,
			Region:    s3.Region,
			Bucket:    s3.Bucket,
			Prefix:    s3.Prefix,
			AccessKey: s3.AccessKey,
			SecretKey: s3.SecretKey,
		}
	}
	return tc
}
