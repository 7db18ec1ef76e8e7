package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

const (
	defaultJWTSecret = "supersecretkey"
	defaultRPCURL    = "https://testnet-rpc.monad.xyz"
)

type Config struct {
	Addr          string        `yaml:"addr"`
	JWTSecret     string        `yaml:"jwt_secret"`
	APITimeout    time.Duration `yaml:"timeout"`
	DatabasePath  string        `yaml:"database_path"`
	TokenDuration time.Duration `yaml:"token_duration"`
	LogLevel      string        `yaml:"log_level"`
	// MigrateOnStart applies embedded migrations when the server boots.
	MigrateOnStart bool         `yaml:"migrate_on_start"`
	Chain          ChainConfig  `yaml:"chain"`
	Wallet         WalletConfig `yaml:"wallet"`
	Txn            TxnConfig    `yaml:"txn"`
	Sync           SyncConfig   `yaml:"sync"`
}

// ChainConfig configures the read-only channel and the contract it targets.
type ChainConfig struct {
	RPCURL                  string        `yaml:"rpc_url"`
	ContractAddress         string        `yaml:"contract_address"`
	FromBlock               uint64        `yaml:"from_block"`
	LogBlockRange           uint64        `yaml:"log_block_range"`
	Timeout                 time.Duration `yaml:"timeout"`
	Retries                 int           `yaml:"retries"`
	Backoff                 time.Duration `yaml:"backoff"`
	CircuitFailureThreshold int           `yaml:"circuit_failure_threshold"`
	CircuitReset            time.Duration `yaml:"circuit_reset"`
}

// WalletConfig points the signer at key material. Secrets are never stored in
// the file itself, only the names of the environment variables holding them.
type WalletConfig struct {
	KeystorePath  string `yaml:"keystore_path"`
	PassphraseEnv string `yaml:"passphrase_env"`
	PrivateKeyEnv string `yaml:"private_key_env"`
}

type TxnConfig struct {
	ConfirmTimeout     time.Duration `yaml:"confirm_timeout"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	GasLimitMultiplier float64       `yaml:"gas_limit_multiplier"`
}

type SyncConfig struct {
	Interval        time.Duration `yaml:"interval"`
	Workers         int           `yaml:"workers"`
	ReadConcurrency int           `yaml:"read_concurrency"`
}

// DefaultChainConfig returns the read channel defaults.
func DefaultChainConfig() ChainConfig {
	return ChainConfig{
		RPCURL:                  defaultRPCURL,
		Timeout:                 15 * time.Second,
		Retries:                 2,
		Backoff:                 500 * time.Millisecond,
		CircuitFailureThreshold: 5,
		CircuitReset:            30 * time.Second,
	}
}

func LoadConfig(path string) (*Config, error) {
	apiTimeout := 15 * time.Second
	tokenDuration := 1 * time.Hour

	cfg := &Config{
		Addr:           getEnv("CHAINLANCE_ADDR", ":8080"),
		JWTSecret:      getEnv("CHAINLANCE_JWT_SECRET", defaultJWTSecret),
		APITimeout:     apiTimeout,
		DatabasePath:   getEnv("CHAINLANCE_DATABASE_PATH", "chainlance.db"),
		TokenDuration:  tokenDuration,
		LogLevel:       getEnv("CHAINLANCE_LOG_LEVEL", "info"),
		MigrateOnStart: getEnv("CHAINLANCE_MIGRATE_ON_START", "true") == "true",
		Chain:          DefaultChainConfig(),
		Wallet: WalletConfig{
			KeystorePath:  getEnv("CHAINLANCE_KEYSTORE_PATH", ""),
			PassphraseEnv: "CHAINLANCE_KEYSTORE_PASSPHRASE",
			PrivateKeyEnv: "CHAINLANCE_PRIVATE_KEY",
		},
		Txn: TxnConfig{
			ConfirmTimeout:     2 * time.Minute,
			PollInterval:       time.Second,
			GasLimitMultiplier: 1.2,
		},
		Sync: SyncConfig{
			Interval:        30 * time.Second,
			Workers:         2,
			ReadConcurrency: 8,
		},
	}
	cfg.Chain.RPCURL = getEnv("CHAINLANCE_RPC_URL", cfg.Chain.RPCURL)
	cfg.Chain.ContractAddress = getEnv("CHAINLANCE_CONTRACT_ADDRESS", "")
	if v := os.Getenv("CHAINLANCE_FROM_BLOCK"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("CHAINLANCE_FROM_BLOCK: %w", err)
		}
		cfg.Chain.FromBlock = n
	}

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		dec := yaml.NewDecoder(f)
		if err := dec.Decode(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Validate fills zero values with defaults and rejects settings the daemon
// cannot start with.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return errors.New("addr is required")
	}
	if c.DatabasePath == "" {
		return errors.New("database_path is required")
	}
	if c.JWTSecret == "" {
		return errors.New("jwt_secret is required")
	}
	if c.JWTSecret == defaultJWTSecret && !isDevelopment() {
		return errors.New("jwt_secret uses the insecure default outside development; set CHAINLANCE_JWT_SECRET")
	}
	if c.APITimeout <= 0 {
		c.APITimeout = 15 * time.Second
	}
	if c.TokenDuration <= 0 {
		c.TokenDuration = time.Hour
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}

	def := DefaultChainConfig()
	if c.Chain.RPCURL == "" {
		c.Chain.RPCURL = def.RPCURL
	}
	if c.Chain.ContractAddress == "" {
		return errors.New("chain.contract_address is required")
	}
	if !common.IsHexAddress(c.Chain.ContractAddress) {
		return fmt.Errorf("chain.contract_address %q is not a hex address", c.Chain.ContractAddress)
	}
	if c.Chain.Timeout <= 0 {
		c.Chain.Timeout = def.Timeout
	}
	if c.Chain.Retries < 0 {
		return errors.New("chain.retries must not be negative")
	}
	if c.Chain.Backoff <= 0 {
		c.Chain.Backoff = def.Backoff
	}
	if c.Chain.CircuitFailureThreshold <= 0 {
		c.Chain.CircuitFailureThreshold = def.CircuitFailureThreshold
	}
	if c.Chain.CircuitReset <= 0 {
		c.Chain.CircuitReset = def.CircuitReset
	}

	if c.Txn.ConfirmTimeout <= 0 {
		c.Txn.ConfirmTimeout = 2 * time.Minute
	}
	if c.Txn.PollInterval <= 0 {
		c.Txn.PollInterval = time.Second
	}
	if c.Txn.GasLimitMultiplier == 0 {
		c.Txn.GasLimitMultiplier = 1.2
	}
	if c.Txn.GasLimitMultiplier < 1 {
		return fmt.Errorf("txn.gas_limit_multiplier must be >= 1, got %v", c.Txn.GasLimitMultiplier)
	}

	if c.Sync.Interval <= 0 {
		c.Sync.Interval = 30 * time.Second
	}
	if c.Sync.Workers <= 0 {
		c.Sync.Workers = 2
	}
	if c.Sync.ReadConcurrency <= 0 {
		c.Sync.ReadConcurrency = 8
	}
	return nil
}

// Contract returns the configured contract address.
func (c ChainConfig) Contract() common.Address {
	return common.HexToAddress(c.ContractAddress)
}

// ParseLevel maps a textual log level to slog.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log_level %q", s)
}

func isDevelopment() bool {
	return strings.EqualFold(os.Getenv("CHAINLANCE_ENV"), "development")
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return def
}
