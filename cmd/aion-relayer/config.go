package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/aionpay/relayer/db"
	"github.com/aionpay/relayer/internal"
	"github.com/aionpay/relayer/relayer"
)

const (
	defaultAPIHost    = "0.0.0.0"
	defaultAPIPort    = 3000
	defaultDBType     = db.TypePebble
	defaultLogLevel   = "info"
	defaultLogOutput  = "stdout"
	defaultDatadir    = ".aion-relayer" // Will be prefixed with user's home directory
	defaultAdminUser  = "admin"
	defaultMaxRetries = relayer.DefaultMaxRetries
)

// Version is the build version, set at build time with -ldflags
var Version = internal.Version

// Config holds the application configuration
type Config struct {
	Web3    Web3Config
	API     APIConfig
	DB      DBConfig
	Queue   QueueConfig
	Log     LogConfig
	Datadir string
}

// Web3Config holds Ethereum-related configuration
type Web3Config struct {
	PrivKey  string   `mapstructure:"privkey"`
	Rpc      []string `mapstructure:"rpc"`
	ChainID  uint64   `mapstructure:"chainid"`
	Contract string   `mapstructure:"contract"`
}

// APIConfig holds the API-specific configuration
type APIConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	AdminUser string `mapstructure:"adminuser"`
	AdminPass string `mapstructure:"adminpass"`
}

// DBConfig holds the storage backend configuration
type DBConfig struct {
	Type string `mapstructure:"type"`
	URL  string `mapstructure:"url"`
}

// QueueConfig holds queue and retry configuration
type QueueConfig struct {
	Concurrency int `mapstructure:"concurrency"`
	MaxRetries  int `mapstructure:"maxretries"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Output string `mapstructure:"output"`
}

// loadConfig loads configuration from flags, environment variables, and defaults
func loadConfig() (*Config, error) {
	v := viper.New()

	userHomeDir, err := os.UserHomeDir()
	if err != nil {
		userHomeDir = "."
	}
	defaultDatadirPath := filepath.Join(userHomeDir, defaultDatadir)

	v.SetDefault("web3.rpc", []string{})
	v.SetDefault("api.host", defaultAPIHost)
	v.SetDefault("api.port", defaultAPIPort)
	v.SetDefault("api.adminuser", defaultAdminUser)
	v.SetDefault("db.type", defaultDBType)
	v.SetDefault("queue.concurrency", relayer.DefaultMaxConcurrent)
	v.SetDefault("queue.maxretries", defaultMaxRetries)
	v.SetDefault("log.level", defaultLogLevel)
	v.SetDefault("log.output", defaultLogOutput)
	v.SetDefault("datadir", defaultDatadirPath)

	flag.StringP("web3.privkey", "k", "", "private key of the gas-paying relayer account (required)")
	flag.StringSliceP("web3.rpc", "w", []string{}, "web3 rpc endpoint(s), comma-separated (required)")
	flag.Uint64("web3.chainid", 0, "chain id used for signature verification when the RPC is unreachable (required)")
	flag.StringP("web3.contract", "c", "", "escrow contract address (required)")
	flag.StringP("api.host", "a", defaultAPIHost, "API host")
	flag.IntP("api.port", "p", defaultAPIPort, "API port")
	flag.String("api.adminuser", defaultAdminUser, "basic auth user for admin endpoints")
	flag.String("api.adminpass", "", "basic auth password for admin endpoints (empty disables them)")
	flag.String("db.type", defaultDBType, fmt.Sprintf("storage backend (%s, %s)", db.TypePebble, db.TypeMongo))
	flag.String("db.url", "", "connection string for server storage backends (mongodb)")
	flag.Int("queue.concurrency", relayer.DefaultMaxConcurrent, "maximum parallel transfer executions [1-10]")
	flag.Int("queue.maxretries", defaultMaxRetries, "retry attempts before a transfer stays failed")
	flag.StringP("log.level", "l", defaultLogLevel, "log level (debug, info, warn, error)")
	flag.StringP("log.output", "o", defaultLogOutput, "log output (stdout, stderr or filepath)")
	flag.StringP("datadir", "d", defaultDatadirPath, "data directory for database files")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "aion-relayer v%s\n\n", Version)
		fmt.Fprintf(os.Stderr, "Usage: aion-relayer [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment variables are also available with the same name as flags,\n")
		fmt.Fprintf(os.Stderr, "  except for dashes (-) and dots (.) which are replaced by underscores (_).\n")
		fmt.Fprintf(os.Stderr, "  For example, AION_WEB3_PRIVKEY or AION_API_PORT\n")
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  # Start against a local devnet\n")
		fmt.Fprintf(os.Stderr, "  aion-relayer --web3.privkey=0x123... --web3.rpc=http://localhost:8545 \\\n")
		fmt.Fprintf(os.Stderr, "    --web3.chainid=31337 --web3.contract=0xabc...\n")
	}

	flag.CommandLine.SortFlags = false
	flag.Parse()

	v.SetEnvPrefix("AION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(flag.CommandLine); err != nil {
		return nil, fmt.Errorf("error binding flags: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return cfg, nil
}

// validateConfig validates the loaded configuration
func validateConfig(cfg *Config) error {
	if cfg.Web3.Contract == "" {
		return fmt.Errorf("escrow contract address is required (use --web3.contract or AION_WEB3_CONTRACT)")
	}
	if !common.IsHexAddress(cfg.Web3.Contract) {
		return fmt.Errorf("invalid escrow contract address %q", cfg.Web3.Contract)
	}
	if cfg.Web3.ChainID == 0 {
		return fmt.Errorf("chain id is required (use --web3.chainid or AION_WEB3_CHAINID)")
	}
	if len(cfg.Web3.Rpc) == 0 {
		return fmt.Errorf("at least one RPC endpoint is required (use --web3.rpc or AION_WEB3_RPC)")
	}
	switch cfg.DB.Type {
	case db.TypePebble, db.TypeInMemory:
	case db.TypeMongo:
		if cfg.DB.URL == "" {
			return fmt.Errorf("db.url is required for the %s backend", db.TypeMongo)
		}
	default:
		return fmt.Errorf("unknown storage backend %q", cfg.DB.Type)
	}
	if cfg.Queue.Concurrency < relayer.MinConcurrent || cfg.Queue.Concurrency > relayer.MaxConcurrent {
		return fmt.Errorf("queue.concurrency must be in [%d, %d]", relayer.MinConcurrent, relayer.MaxConcurrent)
	}
	return nil
}
