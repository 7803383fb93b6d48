package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/joho/godotenv/autoload"
	"golang.org/x/sync/errgroup"

	"github.com/pyrolabs/pyroswap/backend/internal/anchor/pyroswap"
	"github.com/pyrolabs/pyroswap/backend/internal/config"
	"github.com/pyrolabs/pyroswap/backend/internal/dex"
	"github.com/pyrolabs/pyroswap/backend/internal/engine"
	"github.com/pyrolabs/pyroswap/backend/internal/indexer"
	"github.com/pyrolabs/pyroswap/backend/internal/keeper"
	"github.com/pyrolabs/pyroswap/backend/internal/ledger"
	"github.com/pyrolabs/pyroswap/backend/internal/logging"
	"github.com/pyrolabs/pyroswap/backend/internal/oracle"
)

// The node runs the full settlement stack in one process: the ledger, the
// instruction engine, the hermes oracle publisher, the keeper, and (when
// enabled) the postgres indexer.
func main() {
	bootstrapLogger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.LoadNodeConfig()
	if err != nil {
		bootstrapLogger.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	logger, closeLogger, err := logging.New("node", cfg.Log)
	if err != nil {
		bootstrapLogger.Error("failed to initialize logger", "err", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := closeLogger(); closeErr != nil {
			bootstrapLogger.Error("failed to close logger", "err", closeErr)
		}
	}()

	if source, sourceErr := config.CurrentConfigSource(); sourceErr == nil {
		logger.Info("configuration loaded", "phase", source.Phase, "path", source.Path, "loaded", source.Loaded)
	}

	store, err := ledger.Open(cfg.LedgerPath)
	if err != nil {
		logger.Error("failed to open ledger", "path", cfg.LedgerPath, "err", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Error("failed to close ledger", "err", closeErr)
		}
	}()

	eng := engine.New(store, engine.Config{
		ProgramID:        cfg.ProgramID,
		OracleMaxAge:     cfg.OracleMaxAgeSec,
		OracleMaxConfBps: cfg.OracleMaxConfBps,
	}, logger)

	routes := make([]dex.RouteConfig, 0, len(cfg.Pools))
	for _, pool := range cfg.Pools {
		dexType, dexErr := pyroswap.DexTypeFromString(pool.Dex)
		if dexErr != nil {
			logger.Error("invalid pool route", "dex", pool.Dex, "err", dexErr)
			os.Exit(1)
		}
		routes = append(routes, dex.RouteConfig{
			Dex:        dexType,
			InputMint:  pool.InputMint,
			OutputMint: pool.OutputMint,
			Pool:       pool.Pool,
		})
	}
	router := dex.NewRouter(store, routes, logger)

	publisher := oracle.NewPublisher(store, oracle.PublisherConfig{
		Endpoint:          cfg.Oracle.HermesURL,
		ReconnectInterval: cfg.Oracle.ReconnectInterval,
		Feeds:             cfg.Oracle.Feeds,
	}, logger)

	keeperSvc, err := keeper.New(cfg.Keeper, store, eng, router, logger)
	if err != nil {
		logger.Error("failed to initialize keeper", "err", err)
		os.Exit(1)
	}

	var indexerSvc *indexer.Service
	if cfg.EnableIndexer {
		dbStore, dbErr := indexer.NewStore(cfg.Indexer.DBDSN)
		if dbErr != nil {
			logger.Error("failed to initialize indexer store", "err", dbErr)
			os.Exit(1)
		}
		defer func() {
			if closeErr := dbStore.Close(); closeErr != nil {
				logger.Error("failed to close indexer store", "err", closeErr)
			}
		}()
		indexerSvc = indexer.NewService(cfg.Indexer, cfg.ProgramID, store, dbStore, logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		publisher.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		return keeperSvc.Run(groupCtx)
	})
	if indexerSvc != nil {
		group.Go(func() error {
			return indexerSvc.Run(groupCtx)
		})
	}

	logger.Info("node started",
		"program", cfg.ProgramID,
		"ledger_path", cfg.LedgerPath,
		"indexer_enabled", cfg.EnableIndexer,
	)

	if err := group.Wait(); err != nil {
		logger.Error("node exited with error", "err", err)
		os.Exit(1)
	}
}
