package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/gagliardetto/solana-go"
	_ "github.com/joho/godotenv/autoload"

	"github.com/pyrolabs/pyroswap/backend/internal/anchor/pyroswap"
	"github.com/pyrolabs/pyroswap/backend/internal/config"
	"github.com/pyrolabs/pyroswap/backend/internal/dex"
	"github.com/pyrolabs/pyroswap/backend/internal/engine"
	"github.com/pyrolabs/pyroswap/backend/internal/ledger"
	"github.com/pyrolabs/pyroswap/backend/internal/logging"
)

// bootstrap is a one-shot tool: it initializes the global config through the
// engine and seeds pools, wallets, and token balances into a fresh ledger.
func main() {
	bootstrapLogger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.LoadBootstrapConfig()
	if err != nil {
		bootstrapLogger.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	logger, closeLogger, err := logging.New("bootstrap", cfg.Log)
	if err != nil {
		bootstrapLogger.Error("failed to initialize logger", "err", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := closeLogger(); closeErr != nil {
			bootstrapLogger.Error("failed to close logger", "err", closeErr)
		}
	}()

	if err := run(context.Background(), cfg, logger); err != nil {
		logger.Error("bootstrap failed", "err", err)
		os.Exit(1)
	}
	logger.Info("bootstrap complete")
}

func run(ctx context.Context, cfg config.BootstrapConfig, logger *slog.Logger) error {
	adminKey, err := solana.PrivateKeyFromSolanaKeygenFile(cfg.AdminKeypairPath)
	if err != nil {
		return err
	}

	store, err := ledger.Open(cfg.LedgerPath)
	if err != nil {
		return err
	}
	defer store.Close()

	eng := engine.New(store, engine.Config{ProgramID: cfg.ProgramID}, logger)

	configPDA, _, err := dex.DeriveGlobalConfigPDA(cfg.ProgramID)
	if err != nil {
		return err
	}
	initialize, err := pyroswap.NewInitializeInstruction(pyroswap.InitializeArgs{
		ProtocolFeeBps:      cfg.ProtocolFeeBps,
		ReferralFeeShareBps: cfg.ReferralFeeShareBps,
	}, configPDA, adminKey.PublicKey(), cfg.FeeDestination)
	if err != nil {
		return err
	}
	slot, err := eng.Submit(ctx, initialize)
	if err != nil {
		return err
	}
	logger.Info("global config initialized",
		"config", configPDA,
		"admin", adminKey.PublicKey(),
		"fee_destination", cfg.FeeDestination,
		"protocol_fee_bps", cfg.ProtocolFeeBps,
		"referral_fee_share_bps", cfg.ReferralFeeShareBps,
		"slot", slot,
	)

	if len(cfg.Pools) == 0 && len(cfg.Wallets) == 0 {
		return nil
	}

	slot, err = store.Update(ctx, func(tx *ledger.Tx) error {
		for _, seed := range cfg.Pools {
			dexType, dexErr := pyroswap.DexTypeFromString(seed.Dex)
			if dexErr != nil {
				return dexErr
			}
			pool := dex.PoolState{
				MintA:    seed.MintA,
				MintB:    seed.MintB,
				ReserveA: seed.ReserveA,
				ReserveB: seed.ReserveB,
				FeeBps:   seed.FeeBps,
			}
			if seedErr := pool.SeedPool(tx, seed.Pool, dexType); seedErr != nil {
				return seedErr
			}
		}

		for _, seed := range cfg.Wallets {
			if seed.Lamports > 0 {
				tx.Put(seed.Wallet, &ledger.Account{
					Owner:    solana.SystemProgramID,
					Lamports: seed.Lamports,
				})
			}
			if seed.Amount > 0 {
				tokenAccount, _, ataErr := solana.FindAssociatedTokenAddress(seed.Wallet, seed.Mint)
				if ataErr != nil {
					return ataErr
				}
				if creditErr := ledger.CreditToken(tx, tokenAccount, seed.Mint, seed.Wallet, seed.Amount); creditErr != nil {
					return creditErr
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	logger.Info("ledger seeded",
		"pools", len(cfg.Pools),
		"wallets", len(cfg.Wallets),
		"slot", slot,
	)
	return nil
}
