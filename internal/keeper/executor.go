package keeper

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/pyrolabs/pyroswap/backend/internal/anchor/pyroswap"
	"github.com/pyrolabs/pyroswap/backend/internal/dex"
	"github.com/pyrolabs/pyroswap/backend/internal/engine"
)

// execute settles one triggered position: re-fetch to confirm it is still
// Active, resolve the route, price a slippage bound, and submit. Losing
// the commit race to another keeper is a benign outcome, not an error.
func (s *Service) execute(ctx context.Context, candidate activePosition) error {
	account, err := s.store.Account(candidate.pubkey)
	if err != nil {
		return fmt.Errorf("%w: refetch %s: %v", errSkipPosition, candidate.pubkey, err)
	}
	position, err := pyroswap.ParseAccount_Position(account.Data)
	if err != nil {
		return fmt.Errorf("refetch %s: %w", candidate.pubkey, err)
	}
	if position.Status != pyroswap.PositionStatus_Active {
		return fmt.Errorf("%w: position is %s", errSkipPosition, position.Status)
	}

	route, err := s.router.Resolve(ctx, position.PreferredDex, position.InputMint, position.OutputMint)
	if err != nil {
		if errors.Is(err, dex.ErrRouteUnavailable) {
			return fmt.Errorf("%w: %v", errSkipPosition, err)
		}
		return err
	}

	minAmountOut, err := s.minAmountOut(route, position)
	if err != nil {
		return fmt.Errorf("%w: %v", errSkipPosition, err)
	}

	configKey, _, err := dex.DeriveGlobalConfigPDA(s.cfg.ProgramID)
	if err != nil {
		return err
	}
	configAccount, err := s.store.Account(configKey)
	if err != nil {
		return fmt.Errorf("load global config %s: %w", configKey, err)
	}
	globalConfig, err := pyroswap.ParseAccount_GlobalConfig(configAccount.Data)
	if err != nil {
		return fmt.Errorf("decode global config %s: %w", configKey, err)
	}

	ownerOutputToken, _, err := solana.FindAssociatedTokenAddress(position.Owner, position.OutputMint)
	if err != nil {
		return fmt.Errorf("derive owner output token: %w", err)
	}
	feeDestToken, _, err := solana.FindAssociatedTokenAddress(globalConfig.FeeDestination, position.OutputMint)
	if err != nil {
		return fmt.Errorf("derive fee destination token: %w", err)
	}
	referrerToken := solana.SystemProgramID
	if position.Referrer != nil {
		referrerToken, _, err = solana.FindAssociatedTokenAddress(*position.Referrer, position.OutputMint)
		if err != nil {
			return fmt.Errorf("derive referrer token: %w", err)
		}
	}

	executeIx, err := pyroswap.NewExecutePositionInstruction(
		pyroswap.ExecutePositionArgs{MinAmountOut: minAmountOut},
		candidate.pubkey,
		position.Vault,
		position.Owner,
		s.signer.PublicKey(),
		configKey,
		position.OraclePriceFeed,
		ownerOutputToken,
		feeDestToken,
		referrerToken,
		route,
	)
	if err != nil {
		return fmt.Errorf("build execute_position instruction: %w", err)
	}

	submitCtx, cancel := context.WithTimeout(ctx, s.cfg.SubmitTimeout)
	defer cancel()

	commit, err := s.submitter.Submit(submitCtx, executeIx)
	if err != nil {
		if errors.Is(err, engine.ErrInvalidState) {
			return fmt.Errorf("%w: another keeper settled first", errSkipPosition)
		}
		if errors.Is(err, dex.ErrRouteRejected) {
			return fmt.Errorf("%w: %v", errSkipPosition, err)
		}
		// The engine re-checks oracle freshness and confidence at commit
		// time; a rejection there means conditions moved since evaluate.
		if errors.Is(err, engine.ErrInvalidOracle) {
			return fmt.Errorf("%w: %v", errSkipPosition, err)
		}
		return fmt.Errorf("submit execute_position: %w", err)
	}

	s.logger.Info("position executed",
		"position", candidate.pubkey,
		"owner", position.Owner,
		"dex", position.PreferredDex.String(),
		"amount_in", position.AmountIn,
		"min_amount_out", minAmountOut,
		"commit_slot", commit,
	)
	return nil
}

// minAmountOut quotes the route's pool and applies the configured slippage
// allowance. A pool that cannot even be quoted is skipped this cycle.
func (s *Service) minAmountOut(route solana.AccountMetaSlice, position *pyroswap.Position) (uint64, error) {
	if len(route) < 2 {
		return 0, fmt.Errorf("route has %d accounts", len(route))
	}
	poolAccount, err := s.store.Account(route[1].PublicKey)
	if err != nil {
		return 0, fmt.Errorf("load pool %s: %w", route[1].PublicKey, err)
	}
	pool, err := dex.ParsePoolState(poolAccount.Data)
	if err != nil {
		return 0, fmt.Errorf("decode pool %s: %w", route[1].PublicKey, err)
	}
	expected, err := dex.Quote(pool, position.InputMint, position.AmountIn)
	if err != nil {
		return 0, err
	}
	return pyroswap.MulDivFloor(expected, pyroswap.BpsDenominator-s.cfg.SlippageBps, pyroswap.BpsDenominator)
}
