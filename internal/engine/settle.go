package engine

import (
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/pyrolabs/pyroswap/backend/internal/anchor/pyroswap"
	"github.com/pyrolabs/pyroswap/backend/internal/dex"
	"github.com/pyrolabs/pyroswap/backend/internal/ledger"
	"github.com/pyrolabs/pyroswap/backend/internal/oracle"
)

// handleExecutePosition settles a triggered position: swap leg, fee split,
// payout, bounty, terminal state. Any failure anywhere rolls the whole
// transition back, leaving the position Active and the vault untouched.
//
// The engine does not re-derive the trigger from the oracle here. Trigger
// arithmetic is the keeper's job; the engine only verifies the supplied
// feed is the one named on the position, fresh, and tight enough.
func (e *Engine) handleExecutePosition(tx *ledger.Tx, accounts []*solana.AccountMeta, data []byte) error {
	if len(accounts) < pyroswap.ExecuteFixedAccountCount {
		return fmt.Errorf("%w: execute wants at least %d accounts, got %d", ErrInvalidAccount, pyroswap.ExecuteFixedAccountCount, len(accounts))
	}
	var args pyroswap.ExecutePositionArgs
	if err := pyroswap.DecodeArgs(data, &args); err != nil {
		return err
	}

	executor := accounts[pyroswap.ExecuteAccount_Executor]
	if !executor.IsSigner {
		return fmt.Errorf("%w: executor must sign", ErrUnauthorized)
	}

	positionKey := accounts[pyroswap.ExecuteAccount_Position].PublicKey
	positionAccount, err := tx.Account(positionKey)
	if err != nil {
		return fmt.Errorf("%w: position %s: %v", ErrInvalidAccount, positionKey, err)
	}
	if !positionAccount.Owner.Equals(e.cfg.ProgramID) {
		return fmt.Errorf("%w: position %s not program owned", ErrInvalidAccount, positionKey)
	}
	position, err := pyroswap.ParseAccount_Position(positionAccount.Data)
	if err != nil {
		return err
	}
	if position.Status != pyroswap.PositionStatus_Active {
		return fmt.Errorf("%w: position is %s", ErrInvalidState, position.Status)
	}
	if !accounts[pyroswap.ExecuteAccount_Owner].PublicKey.Equals(position.Owner) {
		return fmt.Errorf("%w: owner", ErrInvalidAccount)
	}
	if !accounts[pyroswap.ExecuteAccount_Vault].PublicKey.Equals(position.Vault) {
		return fmt.Errorf("%w: vault", ErrInvalidAccount)
	}

	config, err := e.loadGlobalConfig(tx, accounts[pyroswap.ExecuteAccount_Config].PublicKey)
	if err != nil {
		return err
	}

	oracleFeed := accounts[pyroswap.ExecuteAccount_OracleFeed].PublicKey
	if !oracleFeed.Equals(position.OraclePriceFeed) {
		return fmt.Errorf("%w: feed %s is not the position's feed", ErrInvalidOracle, oracleFeed)
	}
	feedAccount, err := tx.Account(oracleFeed)
	if err != nil {
		return fmt.Errorf("%w: feed %s: %v", ErrInvalidOracle, oracleFeed, err)
	}
	snapshot, err := oracle.DecodePriceUpdate(feedAccount)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOracle, err)
	}
	now := e.clock()
	if err := snapshot.CheckFresh(now, e.cfg.OracleMaxAge); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOracle, err)
	}
	if err := snapshot.CheckConfidence(e.cfg.OracleMaxConfBps); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOracle, err)
	}

	if err := verifyRecipients(accounts, position, config); err != nil {
		return err
	}

	// Swap leg: drain the vault's principal through the route.
	if err := ledger.DebitToken(tx, position.Vault, position.AmountIn); err != nil {
		return fmt.Errorf("%w: vault: %v", ErrInvalidAccount, err)
	}
	route := solana.AccountMetaSlice(accounts[pyroswap.ExecuteFixedAccountCount:])
	outAmount, err := dex.ExecuteSwap(tx, position.PreferredDex, route, position.InputMint, position.AmountIn, args.MinAmountOut)
	if err != nil {
		return err
	}

	// Fee split, floored at every step so dust stays with the owner side.
	protocolFee, err := pyroswap.MulDivFloor(outAmount, uint64(config.ProtocolFeeBps), pyroswap.BpsDenominator)
	if err != nil {
		return err
	}
	var referralAmount uint64
	if position.Referrer != nil {
		referralAmount, err = pyroswap.MulDivFloor(protocolFee, uint64(config.ReferralFeeShareBps), pyroswap.BpsDenominator)
		if err != nil {
			return err
		}
	}

	ownerAmount := outAmount - protocolFee
	feeDestAmount := protocolFee - referralAmount
	if ownerAmount > 0 {
		ownerToken := accounts[pyroswap.ExecuteAccount_OwnerOutputToken].PublicKey
		if err := ledger.CreditToken(tx, ownerToken, position.OutputMint, position.Owner, ownerAmount); err != nil {
			return err
		}
	}
	if feeDestAmount > 0 {
		feeToken := accounts[pyroswap.ExecuteAccount_FeeDestToken].PublicKey
		if err := ledger.CreditToken(tx, feeToken, position.OutputMint, config.FeeDestination, feeDestAmount); err != nil {
			return err
		}
	}
	if referralAmount > 0 {
		referrerToken := accounts[pyroswap.ExecuteAccount_ReferrerToken].PublicKey
		if err := ledger.CreditToken(tx, referrerToken, position.OutputMint, *position.Referrer, referralAmount); err != nil {
			return err
		}
	}

	// Bounty to whoever settled it, paid only on reaching Executed.
	if err := creditLamports(tx, executor.PublicKey, position.ExecutionFeeEscrow); err != nil {
		return err
	}

	// The vault is drained to zero in the same step that finalizes the
	// position, so delete it outright.
	tx.Delete(position.Vault)

	position.Status = pyroswap.PositionStatus_Executed
	executedAt := now
	position.ExecutedAt = &executedAt
	positionData, err := position.Marshal()
	if err != nil {
		return err
	}
	tx.Put(positionKey, &ledger.Account{Owner: e.cfg.ProgramID, Data: positionData})

	config.TotalVolume += position.AmountIn
	if err := putGlobalConfig(tx, e.cfg.ProgramID, accounts[pyroswap.ExecuteAccount_Config].PublicKey, config); err != nil {
		return err
	}

	e.logger.Info(
		"position executed",
		"position", positionKey.String(),
		"owner", position.Owner.String(),
		"executor", executor.PublicKey.String(),
		"amount_in", position.AmountIn,
		"amount_out", outAmount,
		"protocol_fee", protocolFee,
		"referral_amount", referralAmount,
	)
	return nil
}

func (e *Engine) handleCancelPosition(tx *ledger.Tx, accounts []*solana.AccountMeta) error {
	if len(accounts) != pyroswap.CancelAccountCount {
		return fmt.Errorf("%w: cancel wants %d accounts, got %d", ErrInvalidAccount, pyroswap.CancelAccountCount, len(accounts))
	}

	positionKey := accounts[pyroswap.CancelAccount_Position].PublicKey
	positionAccount, err := tx.Account(positionKey)
	if err != nil {
		return fmt.Errorf("%w: position %s: %v", ErrInvalidAccount, positionKey, err)
	}
	if !positionAccount.Owner.Equals(e.cfg.ProgramID) {
		return fmt.Errorf("%w: position %s not program owned", ErrInvalidAccount, positionKey)
	}
	position, err := pyroswap.ParseAccount_Position(positionAccount.Data)
	if err != nil {
		return err
	}

	caller := accounts[pyroswap.CancelAccount_Owner]
	if !caller.IsSigner {
		return fmt.Errorf("%w: owner must sign", ErrUnauthorized)
	}
	if !caller.PublicKey.Equals(position.Owner) {
		return fmt.Errorf("%w: caller is not the position owner", ErrUnauthorized)
	}
	if position.Status != pyroswap.PositionStatus_Active {
		return fmt.Errorf("%w: position is %s", ErrInvalidState, position.Status)
	}
	if !accounts[pyroswap.CancelAccount_Vault].PublicKey.Equals(position.Vault) {
		return fmt.Errorf("%w: vault", ErrInvalidAccount)
	}

	// Refund principal to the owner's input token account.
	if err := ledger.DebitToken(tx, position.Vault, position.AmountIn); err != nil {
		return fmt.Errorf("%w: vault: %v", ErrInvalidAccount, err)
	}
	ownerToken := accounts[pyroswap.CancelAccount_OwnerInputToken].PublicKey
	if err := ledger.CreditToken(tx, ownerToken, position.InputMint, position.Owner, position.AmountIn); err != nil {
		return err
	}
	tx.Delete(position.Vault)

	// Refund the bounty escrow.
	if err := creditLamports(tx, position.Owner, position.ExecutionFeeEscrow); err != nil {
		return err
	}

	position.Status = pyroswap.PositionStatus_Cancelled
	positionData, err := position.Marshal()
	if err != nil {
		return err
	}
	tx.Put(positionKey, &ledger.Account{Owner: e.cfg.ProgramID, Data: positionData})

	e.logger.Info(
		"position cancelled",
		"position", positionKey.String(),
		"owner", position.Owner.String(),
		"refund", position.AmountIn,
		"bounty_refund", position.ExecutionFeeEscrow,
	)
	return nil
}

// verifyRecipients pins the payout token accounts to the associated token
// addresses of owner, fee destination, and referrer for the output mint.
// With no referrer the referrer slot carries the system program as a
// placeholder.
func verifyRecipients(accounts []*solana.AccountMeta, position *pyroswap.Position, config *pyroswap.GlobalConfig) error {
	ownerATA, _, err := solana.FindAssociatedTokenAddress(position.Owner, position.OutputMint)
	if err != nil {
		return err
	}
	if !accounts[pyroswap.ExecuteAccount_OwnerOutputToken].PublicKey.Equals(ownerATA) {
		return fmt.Errorf("%w: owner output token", ErrInvalidAccount)
	}

	feeATA, _, err := solana.FindAssociatedTokenAddress(config.FeeDestination, position.OutputMint)
	if err != nil {
		return err
	}
	if !accounts[pyroswap.ExecuteAccount_FeeDestToken].PublicKey.Equals(feeATA) {
		return fmt.Errorf("%w: fee destination token", ErrInvalidAccount)
	}

	referrerMeta := accounts[pyroswap.ExecuteAccount_ReferrerToken]
	if position.Referrer == nil {
		if !referrerMeta.PublicKey.Equals(solana.SystemProgramID) {
			return fmt.Errorf("%w: unexpected referrer token", ErrInvalidAccount)
		}
		return nil
	}
	referrerATA, _, err := solana.FindAssociatedTokenAddress(*position.Referrer, position.OutputMint)
	if err != nil {
		return err
	}
	if !referrerMeta.PublicKey.Equals(referrerATA) {
		return fmt.Errorf("%w: referrer token", ErrInvalidAccount)
	}
	return nil
}
