package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/pyrolabs/pyroswap/backend/internal/anchor/pyroswap"
	"github.com/pyrolabs/pyroswap/backend/internal/dex"
	"github.com/pyrolabs/pyroswap/backend/internal/ledger"
	"github.com/pyrolabs/pyroswap/backend/internal/oracle"
)

type Config struct {
	ProgramID solana.PublicKey
	// OracleMaxAge is the staleness bound in seconds for price updates
	// accepted at open and execute.
	OracleMaxAge int64
	// OracleMaxConfBps rejects executes whose price confidence interval
	// exceeds this share of the price.
	OracleMaxConfBps uint64
}

// Engine is the settlement engine: every position transition is submitted
// as one instruction and applied as one atomic ledger update. Either the
// whole transition commits or nothing does, so no handler ever needs
// cleanup on failure.
type Engine struct {
	store  *ledger.Store
	cfg    Config
	logger *slog.Logger
	clock  func() int64
}

func New(store *ledger.Store, cfg Config, logger *slog.Logger) *Engine {
	return &Engine{
		store:  store,
		cfg:    cfg,
		logger: logger.With("component", "settlement_engine"),
		clock:  func() int64 { return time.Now().Unix() },
	}
}

// Submit applies one instruction and returns the slot it committed at.
// The slot doubles as the settlement identifier handed back to keepers.
func (e *Engine) Submit(ctx context.Context, instruction solana.Instruction) (uint64, error) {
	if !instruction.ProgramID().Equals(e.cfg.ProgramID) {
		return 0, fmt.Errorf("%w: program %s", ErrUnknownInstruction, instruction.ProgramID())
	}
	data, err := instruction.Data()
	if err != nil {
		return 0, fmt.Errorf("read instruction data: %w", err)
	}
	if len(data) < 8 {
		return 0, fmt.Errorf("%w: %d byte payload", ErrUnknownInstruction, len(data))
	}
	accounts := instruction.Accounts()

	var discriminator [8]byte
	copy(discriminator[:], data[:8])

	switch {
	case discriminator == pyroswap.Instruction_Initialize:
		return e.store.Update(ctx, func(tx *ledger.Tx) error {
			return e.handleInitialize(tx, accounts, data)
		})
	case discriminator == pyroswap.Instruction_OpenPosition:
		return e.store.Update(ctx, func(tx *ledger.Tx) error {
			return e.handleOpenPosition(tx, accounts, data)
		})
	case discriminator == pyroswap.Instruction_ExecutePosition:
		return e.store.Update(ctx, func(tx *ledger.Tx) error {
			return e.handleExecutePosition(tx, accounts, data)
		})
	case discriminator == pyroswap.Instruction_CancelPosition:
		return e.store.Update(ctx, func(tx *ledger.Tx) error {
			return e.handleCancelPosition(tx, accounts)
		})
	}
	return 0, fmt.Errorf("%w: discriminator %x", ErrUnknownInstruction, discriminator)
}

func (e *Engine) handleInitialize(tx *ledger.Tx, accounts []*solana.AccountMeta, data []byte) error {
	if len(accounts) != pyroswap.InitializeAccountCount {
		return fmt.Errorf("%w: initialize wants %d accounts, got %d", ErrInvalidAccount, pyroswap.InitializeAccountCount, len(accounts))
	}
	var args pyroswap.InitializeArgs
	if err := pyroswap.DecodeArgs(data, &args); err != nil {
		return err
	}
	if args.ProtocolFeeBps > pyroswap.MaxProtocolFeeBps {
		return fmt.Errorf("%w: protocol fee %d bps exceeds %d", ErrInvalidFeeBps, args.ProtocolFeeBps, pyroswap.MaxProtocolFeeBps)
	}
	if args.ReferralFeeShareBps > pyroswap.MaxReferralShareBps {
		return fmt.Errorf("%w: referral share %d bps exceeds %d", ErrInvalidFeeBps, args.ReferralFeeShareBps, pyroswap.MaxReferralShareBps)
	}

	configKey, configBump, err := dex.DeriveGlobalConfigPDA(e.cfg.ProgramID)
	if err != nil {
		return err
	}
	if !accounts[pyroswap.InitializeAccount_Config].PublicKey.Equals(configKey) {
		return fmt.Errorf("%w: config PDA", ErrInvalidAccount)
	}
	admin := accounts[pyroswap.InitializeAccount_Admin]
	if !admin.IsSigner {
		return fmt.Errorf("%w: admin must sign", ErrUnauthorized)
	}

	config := &pyroswap.GlobalConfig{Bump: configBump}
	existing, err := tx.Account(configKey)
	switch {
	case err == nil:
		current, parseErr := pyroswap.ParseAccount_GlobalConfig(existing.Data)
		if parseErr != nil {
			return parseErr
		}
		if !current.Admin.Equals(admin.PublicKey) {
			return fmt.Errorf("%w: caller is not admin", ErrUnauthorized)
		}
		*config = *current
	case errors.Is(err, ledger.ErrAccountNotFound):
		// First call claims admin.
	default:
		return err
	}

	config.Admin = admin.PublicKey
	config.FeeDestination = accounts[pyroswap.InitializeAccount_FeeDestination].PublicKey
	config.ProtocolFeeBps = args.ProtocolFeeBps
	config.ReferralFeeShareBps = args.ReferralFeeShareBps

	return putGlobalConfig(tx, e.cfg.ProgramID, configKey, config)
}

func (e *Engine) handleOpenPosition(tx *ledger.Tx, accounts []*solana.AccountMeta, data []byte) error {
	if len(accounts) != pyroswap.OpenAccountCount {
		return fmt.Errorf("%w: open wants %d accounts, got %d", ErrInvalidAccount, pyroswap.OpenAccountCount, len(accounts))
	}
	var args pyroswap.OpenPositionArgs
	if err := pyroswap.DecodeArgs(data, &args); err != nil {
		return err
	}
	if args.AmountIn == 0 {
		return fmt.Errorf("%w: zero amount in", ErrInvalidAmount)
	}
	if args.EntryPrice == 0 {
		return fmt.Errorf("%w: zero entry price", ErrInvalidAmount)
	}
	if args.ExecutionFee < pyroswap.MinExecutionFee {
		return fmt.Errorf("%w: execution fee %d below minimum %d", ErrInvalidAmount, args.ExecutionFee, pyroswap.MinExecutionFee)
	}
	if args.SlBps == 0 || args.SlBps > pyroswap.MaxStopLossBps {
		return fmt.Errorf("%w: stop loss %d bps out of range", ErrInvalidAmount, args.SlBps)
	}
	if args.TpBps < pyroswap.MinTakeProfitBps || args.TpBps > pyroswap.MaxTakeProfitBps {
		return fmt.Errorf("%w: take profit %d bps out of range", ErrInvalidAmount, args.TpBps)
	}

	owner := accounts[pyroswap.OpenAccount_Owner]
	if !owner.IsSigner {
		return fmt.Errorf("%w: owner must sign", ErrUnauthorized)
	}
	inputMint := accounts[pyroswap.OpenAccount_InputMint].PublicKey
	outputMint := accounts[pyroswap.OpenAccount_OutputMint].PublicKey

	positionKey, positionBump, err := dex.DerivePositionPDA(e.cfg.ProgramID, owner.PublicKey, inputMint)
	if err != nil {
		return err
	}
	if !accounts[pyroswap.OpenAccount_Position].PublicKey.Equals(positionKey) {
		return fmt.Errorf("%w: position PDA", ErrInvalidAccount)
	}
	vaultKey, _, err := dex.DeriveVaultPDA(e.cfg.ProgramID, positionKey)
	if err != nil {
		return err
	}
	if !accounts[pyroswap.OpenAccount_Vault].PublicKey.Equals(vaultKey) {
		return fmt.Errorf("%w: vault PDA", ErrInvalidAccount)
	}

	// A terminal position at this address may be replaced; a live one may not.
	if existing, err := tx.Account(positionKey); err == nil {
		current, parseErr := pyroswap.ParseAccount_Position(existing.Data)
		if parseErr != nil {
			return parseErr
		}
		if !current.Status.Terminal() {
			return fmt.Errorf("%w: %s position for %s/%s", ErrAlreadyOpen, current.Status, owner.PublicKey, inputMint)
		}
	} else if !errors.Is(err, ledger.ErrAccountNotFound) {
		return err
	}

	config, err := e.loadGlobalConfig(tx, accounts[pyroswap.OpenAccount_Config].PublicKey)
	if err != nil {
		return err
	}

	// The feed must be readable and fresh at open, otherwise the position
	// could never be monitored.
	oracleFeed := accounts[pyroswap.OpenAccount_OracleFeed].PublicKey
	feedAccount, err := tx.Account(oracleFeed)
	if err != nil {
		return fmt.Errorf("%w: feed %s: %v", ErrInvalidOracle, oracleFeed, err)
	}
	snapshot, err := oracle.DecodePriceUpdate(feedAccount)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOracle, err)
	}
	if err := snapshot.CheckFresh(e.clock(), e.cfg.OracleMaxAge); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOracle, err)
	}

	// Escrow the principal in the vault.
	ownerToken := accounts[pyroswap.OpenAccount_OwnerInputToken].PublicKey
	if err := e.debitWalletToken(tx, ownerToken, owner.PublicKey, inputMint, args.AmountIn); err != nil {
		return err
	}
	if err := ledger.CreditToken(tx, vaultKey, inputMint, positionKey, args.AmountIn); err != nil {
		return err
	}

	// Escrow the bounty as lamports held on the position account.
	if err := debitLamports(tx, owner.PublicKey, args.ExecutionFee); err != nil {
		return err
	}

	position := &pyroswap.Position{
		Owner:              owner.PublicKey,
		Vault:              vaultKey,
		InputMint:          inputMint,
		OutputMint:         outputMint,
		Referrer:           args.Referrer,
		AmountIn:           args.AmountIn,
		SlBps:              args.SlBps,
		TpBps:              args.TpBps,
		EntryPrice:         args.EntryPrice,
		ExecutionFeeEscrow: args.ExecutionFee,
		OraclePriceFeed:    oracleFeed,
		PreferredDex:       args.PreferredDex,
		Status:             pyroswap.PositionStatus_Active,
		CreatedAt:          e.clock(),
		Bump:               positionBump,
	}
	positionData, err := position.Marshal()
	if err != nil {
		return err
	}
	tx.Put(positionKey, &ledger.Account{
		Owner:    e.cfg.ProgramID,
		Lamports: args.ExecutionFee,
		Data:     positionData,
	})

	config.TotalPositionsCreated++
	return putGlobalConfig(tx, e.cfg.ProgramID, accounts[pyroswap.OpenAccount_Config].PublicKey, config)
}

func (e *Engine) loadGlobalConfig(tx *ledger.Tx, key solana.PublicKey) (*pyroswap.GlobalConfig, error) {
	expected, _, err := dex.DeriveGlobalConfigPDA(e.cfg.ProgramID)
	if err != nil {
		return nil, err
	}
	if !key.Equals(expected) {
		return nil, fmt.Errorf("%w: config PDA", ErrInvalidAccount)
	}
	account, err := tx.Account(key)
	if err != nil {
		return nil, fmt.Errorf("load global config: %w", err)
	}
	return pyroswap.ParseAccount_GlobalConfig(account.Data)
}

func putGlobalConfig(tx *ledger.Tx, programID, key solana.PublicKey, config *pyroswap.GlobalConfig) error {
	data, err := config.Marshal()
	if err != nil {
		return err
	}
	tx.Put(key, &ledger.Account{Owner: programID, Data: data})
	return nil
}

// debitWalletToken debits a wallet's token account after verifying it
// actually belongs to the wallet and holds the expected mint.
func (e *Engine) debitWalletToken(tx *ledger.Tx, key, wallet, mint solana.PublicKey, amount uint64) error {
	account, err := tx.Account(key)
	if err != nil {
		return fmt.Errorf("%w: token account %s: %v", ErrInsufficientFunds, key, err)
	}
	token, err := ledger.ParseTokenAccount(account.Data)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidAccount, key, err)
	}
	if !token.Authority.Equals(wallet) {
		return fmt.Errorf("%w: token account %s not owned by %s", ErrUnauthorized, key, wallet)
	}
	if !token.Mint.Equals(mint) {
		return fmt.Errorf("%w: token account %s holds wrong mint", ErrInvalidAccount, key)
	}
	if err := ledger.DebitToken(tx, key, amount); err != nil {
		return fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
	}
	return nil
}

func debitLamports(tx *ledger.Tx, wallet solana.PublicKey, amount uint64) error {
	account, err := tx.Account(wallet)
	if err != nil {
		return fmt.Errorf("%w: wallet %s: %v", ErrInsufficientFunds, wallet, err)
	}
	if account.Lamports < amount {
		return fmt.Errorf("%w: wallet %s has %d lamports, needs %d", ErrInsufficientFunds, wallet, account.Lamports, amount)
	}
	updated := *account
	updated.Lamports -= amount
	tx.Put(wallet, &updated)
	return nil
}

func creditLamports(tx *ledger.Tx, wallet solana.PublicKey, amount uint64) error {
	account, err := tx.Account(wallet)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		tx.Put(wallet, &ledger.Account{Owner: solana.SystemProgramID, Lamports: amount})
		return nil
	}
	if err != nil {
		return err
	}
	updated := *account
	updated.Lamports += amount
	tx.Put(wallet, &updated)
	return nil
}
