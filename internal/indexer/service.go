package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/pyrolabs/pyroswap/backend/internal/anchor/pyroswap"
	"github.com/pyrolabs/pyroswap/backend/internal/config"
	"github.com/pyrolabs/pyroswap/backend/internal/dex"
	"github.com/pyrolabs/pyroswap/backend/internal/ledger"
)

// Service mirrors ledger state into postgres for the API server: position
// records, the global config, and a settlements feed derived from terminal
// status transitions. Read side only; it never submits instructions.
type Service struct {
	cfg       config.IndexerConfig
	programID solana.PublicKey
	ledger    *ledger.Store
	store     *Store
	logger    *slog.Logger
}

func NewService(cfg config.IndexerConfig, programID solana.PublicKey, ledgerStore *ledger.Store, store *Store, logger *slog.Logger) *Service {
	return &Service{
		cfg:       cfg,
		programID: programID,
		ledger:    ledgerStore,
		store:     store,
		logger:    logger.With("component", "indexer"),
	}
}

func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("indexer started", "program", s.programID, "poll_interval", s.cfg.PollInterval.String())

	if err := s.sync(ctx); err != nil {
		s.logger.Error("indexer sync failed", "err", err)
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("indexer stopped")
			return nil
		case <-ticker.C:
			if err := s.sync(ctx); err != nil {
				s.logger.Error("indexer sync failed", "err", err)
			}
		}
	}
}

func (s *Service) sync(ctx context.Context) error {
	slot := s.ledger.Slot()
	lastSynced, err := s.store.LastSyncedSlot(ctx)
	if err != nil {
		return err
	}
	if slot == lastSynced {
		return nil
	}

	positions, err := s.ledger.Scan(s.programID, []ledger.Memcmp{
		{Offset: 0, Bytes: pyroswap.Account_Position[:]},
	})
	if err != nil {
		return fmt.Errorf("scan positions: %w", err)
	}

	var globalConfig *pyroswap.GlobalConfig
	var configSlot uint64
	configKey, _, err := dex.DeriveGlobalConfigPDA(s.programID)
	if err != nil {
		return err
	}
	if account, accountErr := s.ledger.Account(configKey); accountErr == nil {
		if parsed, parseErr := pyroswap.ParseAccount_GlobalConfig(account.Data); parseErr == nil {
			globalConfig = parsed
			configSlot = account.Slot
		} else {
			s.logger.Warn("failed to parse global config", "pubkey", configKey, "err", parseErr)
		}
	}

	now := time.Now().Unix()
	settlements := 0
	err = s.store.WithTx(ctx, func(tx *Tx) error {
		for _, item := range positions {
			position, parseErr := pyroswap.ParseAccount_Position(item.Account.Data)
			if parseErr != nil {
				s.logger.Warn("failed to parse position account", "pubkey", item.Pubkey, "err", parseErr)
				continue
			}
			row := positionRowFrom(item.Pubkey, position, item.Account.Slot, now)
			previousStatus, upsertErr := tx.UpsertPosition(ctx, row)
			if upsertErr != nil {
				return upsertErr
			}
			if position.Status.Terminal() && previousStatus != row.Status {
				if insertErr := tx.InsertSettlement(ctx, settlementRowFrom(row, position, now)); insertErr != nil {
					return insertErr
				}
				settlements++
			}
		}

		if globalConfig != nil {
			if upsertErr := tx.UpsertGlobalConfig(ctx, GlobalConfigRow{
				Admin:                 globalConfig.Admin.String(),
				FeeDestination:        globalConfig.FeeDestination.String(),
				ProtocolFeeBps:        int32(globalConfig.ProtocolFeeBps),
				ReferralFeeShareBps:   int32(globalConfig.ReferralFeeShareBps),
				TotalPositionsCreated: fmt.Sprintf("%d", globalConfig.TotalPositionsCreated),
				TotalVolume:           fmt.Sprintf("%d", globalConfig.TotalVolume),
				Slot:                  int64(configSlot),
				UpdatedAt:             now,
			}); upsertErr != nil {
				return upsertErr
			}
		}

		return tx.SetLastSyncedSlot(ctx, slot, now)
	})
	if err != nil {
		return err
	}

	s.logger.Debug("indexer sync complete",
		"slot", slot,
		"positions", len(positions),
		"new_settlements", settlements,
	)
	return nil
}

func positionRowFrom(pubkey solana.PublicKey, position *pyroswap.Position, slot uint64, now int64) PositionRow {
	row := PositionRow{
		Pubkey:       pubkey.String(),
		Owner:        position.Owner.String(),
		Vault:        position.Vault.String(),
		InputMint:    position.InputMint.String(),
		OutputMint:   position.OutputMint.String(),
		AmountIn:     fmt.Sprintf("%d", position.AmountIn),
		SlBps:        int32(position.SlBps),
		TpBps:        int32(position.TpBps),
		EntryPrice:   fmt.Sprintf("%d", position.EntryPrice),
		ExecutionFee: fmt.Sprintf("%d", position.ExecutionFeeEscrow),
		OracleFeed:   position.OraclePriceFeed.String(),
		PreferredDex: position.PreferredDex.String(),
		Status:       position.Status.String(),
		CreatedAt:    position.CreatedAt,
		Slot:         int64(slot),
		UpdatedAt:    now,
	}
	if position.Referrer != nil {
		referrer := position.Referrer.String()
		row.Referrer = &referrer
	}
	if position.ExecutedAt != nil {
		executedAt := *position.ExecutedAt
		row.ExecutedAt = &executedAt
	}
	return row
}

func settlementRowFrom(row PositionRow, position *pyroswap.Position, now int64) SettlementRow {
	settledAt := position.CreatedAt
	if position.ExecutedAt != nil {
		settledAt = *position.ExecutedAt
	}
	return SettlementRow{
		PositionPubkey: row.Pubkey,
		Owner:          row.Owner,
		InputMint:      row.InputMint,
		OutputMint:     row.OutputMint,
		AmountIn:       row.AmountIn,
		EntryPrice:     row.EntryPrice,
		PreferredDex:   row.PreferredDex,
		Outcome:        row.Status,
		SettledAt:      settledAt,
		Slot:           row.Slot,
		RecordedAt:     now,
	}
}
