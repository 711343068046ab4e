package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"homeescrow/internal/escrow"
)

// Storage drivers.
const (
	StorageMemory   = "memory"
	StorageFile     = "file"
	StorageLevelDB  = "leveldb"
	StoragePostgres = "postgres"
)

// Chain modes.
const (
	ChainMemory   = "memory"
	ChainEthereum = "ethereum"
)

// DeploymentConfig represents deployments.json.
type DeploymentConfig struct {
	ChainID   int64  `json:"chainId"`
	Escrow    string `json:"escrow"`
	Contracts struct {
		RealEstate string `json:"RealEstate"`
	} `json:"contracts"`
	Roles struct {
		Seller    string `json:"seller"`
		Inspector string `json:"inspector"`
		Lender    string `json:"lender"`
	} `json:"roles"`
}

// AppConfig ties together the service file, deployment artifact and
// environment overrides.
type AppConfig struct {
	Deployment DeploymentConfig
	Service    ServiceConfig
	Storage    StorageConfig
	Chain      ChainConfig
	Devnet     DevnetConfig
}

type ServiceConfig struct {
	HTTPPort          int           `yaml:"httpPort"`
	ClockSkew         time.Duration `yaml:"clockSkew"`
	IdempotencyWindow time.Duration `yaml:"idempotencyWindow"`
	ShutdownTimeout   time.Duration `yaml:"shutdownTimeout"`
	LogLevel          string        `yaml:"logLevel"`
	LogFormat         string        `yaml:"logFormat"`
	RateLimit         RateLimit     `yaml:"rateLimit"`
}

type RateLimit struct {
	RequestsPerMinute int `yaml:"requestsPerMinute"`
	Burst             int `yaml:"burst"`
}

type StorageConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

type ChainConfig struct {
	Mode           string        `yaml:"mode"`
	RPCURL         string        `yaml:"rpcUrl"`
	ReceiptTimeout time.Duration `yaml:"receiptTimeout"`
	PrivateKey     string        `yaml:"-"`
}

// DevnetConfig seeds the in-memory registry and vault at startup.
type DevnetConfig struct {
	SeedAssets   []string          `yaml:"seedAssets"`
	SeedBalances map[string]string `yaml:"seedBalances"`
}

type fileConfig struct {
	Service ServiceConfig `yaml:"service"`
	Storage StorageConfig `yaml:"storage"`
	Chain   ChainConfig   `yaml:"chain"`
	Devnet  DevnetConfig  `yaml:"devnet"`
}

const (
	defaultConfigPath      = "configs/escrow.yaml"
	defaultDeploymentsPath = "configs/deployments.json"
)

// Load aggregates configuration from disk and environment. A missing .env
// file is not an error.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return LoadFrom(
		envOr("ESCROW_CONFIG_PATH", defaultConfigPath),
		envOr("DEPLOYMENTS_PATH", defaultDeploymentsPath),
	)
}

// LoadFrom reads the service file and deployment artifact at the given paths
// and applies environment overrides.
func LoadFrom(configPath, deploymentsPath string) (*AppConfig, error) {
	fileCfg, err := loadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("load service config: %w", err)
	}

	deployCfg, err := loadDeployments(deploymentsPath)
	if err != nil {
		return nil, fmt.Errorf("load deployments: %w", err)
	}

	cfg := &AppConfig{
		Deployment: *deployCfg,
		Service:    fileCfg.Service,
		Storage:    fileCfg.Storage,
		Chain:      fileCfg.Chain,
		Devnet:     fileCfg.Devnet,
	}

	cfg.Service.HTTPPort = envOrInt("API_HTTP_PORT", cfg.Service.HTTPPort)
	cfg.Service.ClockSkew = envOrDuration("SIGNATURE_CLOCK_SKEW", cfg.Service.ClockSkew)
	cfg.Service.LogLevel = envOr("LOG_LEVEL", cfg.Service.LogLevel)
	cfg.Service.LogFormat = envOr("LOG_FORMAT", cfg.Service.LogFormat)
	cfg.Storage.Driver = envOr("STORAGE_DRIVER", cfg.Storage.Driver)
	cfg.Storage.DSN = envOr("STORAGE_DSN", cfg.Storage.DSN)
	cfg.Chain.RPCURL = envOr("CHAIN_RPC_URL", cfg.Chain.RPCURL)
	cfg.Chain.PrivateKey = envOr("CHAIN_PRIVATE_KEY", "")

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ErrVolatileChain rejects durable escrow state on top of an in-process chain.
var ErrVolatileChain = errors.New("durable storage requires chain mode \"ethereum\"")

func (c *AppConfig) normalize() {
	if c.Service.HTTPPort == 0 {
		c.Service.HTTPPort = 3000
	}
	if c.Service.ClockSkew <= 0 {
		c.Service.ClockSkew = time.Minute
	}
	if c.Service.IdempotencyWindow <= 0 {
		c.Service.IdempotencyWindow = 24 * time.Hour
	}
	if c.Service.ShutdownTimeout <= 0 {
		c.Service.ShutdownTimeout = 10 * time.Second
	}
	if c.Service.LogLevel == "" {
		c.Service.LogLevel = "info"
	}
	if c.Service.RateLimit.RequestsPerMinute <= 0 {
		c.Service.RateLimit.RequestsPerMinute = 60
	}
	if c.Service.RateLimit.Burst <= 0 {
		c.Service.RateLimit.Burst = 10
	}
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if c.Storage.Driver == "" {
		c.Storage.Driver = StorageMemory
	}
	c.Chain.Mode = strings.ToLower(strings.TrimSpace(c.Chain.Mode))
	if c.Chain.Mode == "" {
		c.Chain.Mode = ChainMemory
	}
	if c.Chain.ReceiptTimeout <= 0 {
		c.Chain.ReceiptTimeout = 2 * time.Minute
	}
}

func (c *AppConfig) validate() error {
	switch c.Storage.Driver {
	case StorageMemory:
	case StorageFile, StorageLevelDB:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for driver %q", c.Storage.Driver)
		}
	case StoragePostgres:
		if c.Storage.DSN == "" {
			return errors.New("storage.dsn is required for driver \"postgres\"")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	switch c.Chain.Mode {
	case ChainMemory:
	case ChainEthereum:
		if c.Chain.RPCURL == "" {
			return errors.New("chain.rpcUrl is required in ethereum mode")
		}
		if c.Chain.PrivateKey == "" {
			return errors.New("CHAIN_PRIVATE_KEY is required in ethereum mode")
		}
	default:
		return fmt.Errorf("unknown chain mode %q", c.Chain.Mode)
	}

	// The memory registry and vault are rebuilt on every start, so persisted
	// listings would point at custody the process no longer holds.
	if c.Chain.Mode == ChainMemory && c.Storage.Driver != StorageMemory {
		return fmt.Errorf("%w: storage driver %q with chain mode %q", ErrVolatileChain, c.Storage.Driver, c.Chain.Mode)
	}

	for addr, amount := range c.Devnet.SeedBalances {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("devnet.seedBalances: invalid address %q", addr)
		}
		if _, err := escrow.ParseAmount(amount); err != nil {
			return fmt.Errorf("devnet.seedBalances[%s]: %w", addr, err)
		}
	}

	_, err := c.EscrowConfig()
	return err
}

// EscrowConfig converts the deployment artifact into engine identities.
func (c *AppConfig) EscrowConfig() (escrow.Config, error) {
	d := c.Deployment
	fields := map[string]string{
		"escrow":               d.Escrow,
		"contracts.RealEstate": d.Contracts.RealEstate,
		"roles.seller":         d.Roles.Seller,
		"roles.inspector":      d.Roles.Inspector,
		"roles.lender":         d.Roles.Lender,
	}
	for name, value := range fields {
		if !common.IsHexAddress(value) {
			return escrow.Config{}, fmt.Errorf("deployments: %s is not an address: %q", name, value)
		}
	}

	cfg := escrow.Config{
		Address:  common.HexToAddress(d.Escrow),
		Registry: common.HexToAddress(d.Contracts.RealEstate),
		Roles: escrow.Roles{
			Seller:    common.HexToAddress(d.Roles.Seller),
			Inspector: common.HexToAddress(d.Roles.Inspector),
			Lender:    common.HexToAddress(d.Roles.Lender),
		},
	}
	return cfg, cfg.Validate()
}

func loadFile(path string) (*fileConfig, error) {
	var cfg fileConfig
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &cfg, nil
	}
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadDeployments(path string) (*DeploymentConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg DeploymentConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrDuration(key string, fallback time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return fallback
}
