// Command facilitator runs an x402 facilitator service: it verifies signed
// payment authorizations and settles them on-chain, exposing POST /verify,
// POST /settle and GET /supported.
package main

import (
	"fmt"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/niklabh/x402-go"
	"github.com/niklabh/x402-go/evm"
	"github.com/niklabh/x402-go/facilitator"
	"github.com/niklabh/x402-go/nonce"
	"github.com/niklabh/x402-go/schemes"
	"github.com/niklabh/x402-go/schemes/exactevm"
)

func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := facilitator.LoadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("configuration")
	}

	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
		gin.SetMode(gin.ReleaseMode)
	}

	ledger := buildLedger(cfg, logger)

	registry := schemes.NewRegistry()
	for _, nc := range cfg.NetworkConfigs() {
		backend, err := evm.NewClientBackend(nc.RPCURL, nc.Network, cfg.Chain.PrivateKey)
		if err != nil {
			logger.Fatal().Err(err).Str("network", nc.Network).Msg("chain backend")
		}
		defer backend.Close()

		scheme, err := exactevm.New(nc.Network,
			exactevm.WithLedger(ledger),
			exactevm.WithBackend(backend),
		)
		if err != nil {
			logger.Fatal().Err(err).Str("network", nc.Network).Msg("scheme setup")
		}
		registry.Register(scheme)

		logger.Info().
			Str("network", scheme.Network()).
			Str("facilitator_address", backend.FacilitatorAddress().Hex()).
			Msg("network registered")
	}

	timeouts := x402.DefaultTimeouts
	timeouts.VerifyTimeout = cfg.Timeouts.Verify
	timeouts.SettleTimeout = cfg.Timeouts.Settle
	if err := timeouts.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("timeouts")
	}

	engine := facilitator.NewLocal(registry)
	server := facilitator.NewServer(engine, logger, timeouts)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	logger.Info().Str("addr", addr).Msg("facilitator listening")
	if err := server.Router().Run(addr); err != nil {
		logger.Fatal().Err(err).Msg("server")
	}
}

// buildLedger selects the Redis-backed nonce ledger when configured, falling
// back to the in-memory one. A multi-instance deployment needs Redis so all
// instances share replay protection.
func buildLedger(cfg *facilitator.Config, logger zerolog.Logger) nonce.Ledger {
	if cfg.Redis.Addr == "" {
		logger.Warn().Msg("using in-memory nonce ledger; replay protection does not survive restarts")
		return nonce.NewMemoryLedger()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	logger.Info().Str("addr", cfg.Redis.Addr).Msg("using redis nonce ledger")
	return nonce.NewRedisLedger(client)
}
