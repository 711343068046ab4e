package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"homeescrow/internal/config"
	"homeescrow/internal/escrow"
	"homeescrow/internal/idempotency"
	"homeescrow/internal/logging"
	"homeescrow/internal/registry"
	"homeescrow/internal/server"
	"homeescrow/internal/state"
	"homeescrow/internal/vault"
)

type assetRegistry interface {
	escrow.AssetRegistry
	server.Catalog
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("config error")
	}

	log := logging.New("homeescrow-api", cfg.Service.LogLevel, cfg.Service.LogFormat)

	escCfg, err := cfg.EscrowConfig()
	if err != nil {
		log.WithError(err).Fatal("escrow config error")
	}

	ctx := context.Background()
	var closers []func()
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	store, err := openState(ctx, cfg, &closers)
	if err != nil {
		log.WithError(err).Fatal("state store error")
	}

	replays, err := openReplays(ctx, cfg, &closers)
	if err != nil {
		log.WithError(err).Fatal("idempotency store error")
	}

	reg, err := openRegistry(ctx, cfg, escCfg, log, &closers)
	if err != nil {
		log.WithError(err).Fatal("registry error")
	}

	funds := vault.NewMemoryVault(escCfg.Address)
	for raw, amount := range cfg.Devnet.SeedBalances {
		v, _ := escrow.ParseAmount(amount)
		funds.Mint(common.HexToAddress(raw), v)
	}

	engine, err := escrow.NewEngine(ctx, escCfg, reg, funds, store)
	if err != nil {
		log.WithError(err).Fatal("escrow engine error")
	}
	engine.SetLogger(log.WithField("component", "engine"))

	apiServer := server.NewServer(cfg, engine, reg, replays, log.WithField("component", "http"))
	engine.SetEmitter(apiServer.Emitter())
	if checker, ok := store.(interface{ Ping(context.Context) error }); ok {
		apiServer.SetStateCheck(checker.Ping)
	}

	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("server stopped")
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("shutdown")
	}
}

func openState(ctx context.Context, cfg *config.AppConfig, closers *[]func()) (escrow.Store, error) {
	switch cfg.Storage.Driver {
	case config.StorageFile:
		return state.NewFileStore(cfg.Storage.Path)
	case config.StorageLevelDB:
		s, err := state.NewLevelDBStore(cfg.Storage.Path)
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, func() { _ = s.Close() })
		return s, nil
	case config.StoragePostgres:
		s, err := state.NewPostgresStore(ctx, cfg.Storage.DSN)
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, s.Close)
		return s, nil
	default:
		return state.NewMemoryStore(), nil
	}
}

func openReplays(ctx context.Context, cfg *config.AppConfig, closers *[]func()) (idempotency.Store, error) {
	switch cfg.Storage.Driver {
	case config.StorageFile, config.StorageLevelDB:
		return idempotency.NewFileStore(cfg.Storage.Path + ".replays.json")
	case config.StoragePostgres:
		s, err := idempotency.NewPostgresStore(ctx, cfg.Storage.DSN)
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, s.Close)
		return s, nil
	default:
		return idempotency.NewMemoryStore(), nil
	}
}

// openRegistry binds the asset registry. Memory mode mints the configured
// devnet assets to the seller and lets the engine operate them.
func openRegistry(ctx context.Context, cfg *config.AppConfig, escCfg escrow.Config, log logrus.FieldLogger, closers *[]func()) (assetRegistry, error) {
	if cfg.Chain.Mode == config.ChainEthereum {
		reg, err := registry.NewEthRegistry(ctx, registry.EthRegistryConfig{
			RPCURL:         cfg.Chain.RPCURL,
			PrivateKeyHex:  cfg.Chain.PrivateKey,
			Contract:       cfg.Deployment.Contracts.RealEstate,
			ReceiptTimeout: cfg.Chain.ReceiptTimeout,
		})
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, reg.Close)
		if reg.Sender() != escCfg.Address {
			return nil, fmt.Errorf("chain key %s does not match escrow address %s", reg.Sender().Hex(), escCfg.Address.Hex())
		}
		return reg, nil
	}

	mem := registry.NewMemoryRegistry(escCfg.Registry)
	for _, uri := range cfg.Devnet.SeedAssets {
		id, err := mem.Mint(escCfg.Roles.Seller, uri)
		if err != nil {
			return nil, err
		}
		log.WithFields(logrus.Fields{"asset_id": uint64(id), "uri": uri}).Info("devnet asset minted")
	}
	mem.SetApprovalForAll(escCfg.Roles.Seller, escCfg.Address, true)
	return mem.Operator(escCfg.Address), nil
}
