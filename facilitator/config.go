package facilitator

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// NetworkConfig is one chain the facilitator settles on.
type NetworkConfig struct {
	// Network is the x402 network identifier (e.g., "base-sepolia").
	Network string

	// RPCURL is the chain RPC endpoint.
	RPCURL string
}

// Config is the facilitator daemon configuration, loaded from the
// environment. Networks and their RPC endpoints pair up positionally:
// NETWORKS=base,base-sepolia with RPC_URLS=<url1>,<url2>.
type Config struct {
	Debug bool `env:"DEBUG" envDefault:"false"`

	Server struct {
		Port int `env:"PORT" envDefault:"8402"`
	}

	Chain struct {
		Networks   []string `env:"NETWORKS" envSeparator:"," envDefault:"base-sepolia"`
		RPCURLs    []string `env:"RPC_URLS" envSeparator:","`
		PrivateKey string   `env:"PRIVATE_KEY,required"`
	}

	Redis struct {
		// Addr enables the Redis-backed nonce ledger; empty selects the
		// in-memory ledger.
		Addr     string `env:"REDIS_ADDR" envDefault:""`
		Password string `env:"REDIS_PASSWORD" envDefault:""`
		DB       int    `env:"REDIS_DB" envDefault:"0"`
	}

	Timeouts struct {
		Verify time.Duration `env:"VERIFY_TIMEOUT" envDefault:"5s"`
		Settle time.Duration `env:"SETTLE_TIMEOUT" envDefault:"60s"`
	}
}

// LoadConfig reads the configuration from a .env file (if present) and the
// process environment.
func LoadConfig() (*Config, error) {
	// A missing .env file is fine; production sets variables directly.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if len(cfg.Chain.RPCURLs) != len(cfg.Chain.Networks) {
		return nil, fmt.Errorf("NETWORKS and RPC_URLS must pair up: %d networks, %d urls",
			len(cfg.Chain.Networks), len(cfg.Chain.RPCURLs))
	}

	return cfg, nil
}

// NetworkConfigs pairs networks with their RPC endpoints.
func (c *Config) NetworkConfigs() []NetworkConfig {
	configs := make([]NetworkConfig, 0, len(c.Chain.Networks))
	for i, network := range c.Chain.Networks {
		configs = append(configs, NetworkConfig{
			Network: network,
			RPCURL:  c.Chain.RPCURLs[i],
		})
	}
	return configs
}
